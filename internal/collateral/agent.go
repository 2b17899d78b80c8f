package collateral

import (
	"context"
	"fmt"
	"math/big"

	"github.com/moltbunker/fasset/pkg/types"
)

// Data is one class of an agent's collateral, priced against the asset.
type Data struct {
	Class              types.CollateralClass
	FullCollateral     *big.Int
	AMGToTokenWeiPrice *big.Int

	// MinCollateralRatioBIPS is the class minimum; MintingCollateralRatioBIPS is the agent's
	// advertised minting ratio for this class.
	MinCollateralRatioBIPS     uint64
	MintingCollateralRatioBIPS uint64
	AnnouncedWithdrawal        *big.Int
}

func (d Data) mintingRatio() uint64 {
	return MaxU64(d.MintingCollateralRatioBIPS, d.MinCollateralRatioBIPS)
}

// LockedCollateral is the collateral backing minted + reserved AMG at the minting ratio,
// redeeming AMG at the class minimum and the announced withdrawal.
func (d Data) LockedCollateral(agent *types.Agent) *big.Int {
	mintingAMG := agent.MintedAMG + agent.ReservedAMG
	locked := MulBIPSRoundUp(ConvertAMGToTokenWei(mintingAMG, d.AMGToTokenWeiPrice), d.mintingRatio())
	locked.Add(locked, MulBIPSRoundUp(ConvertAMGToTokenWei(agent.RedeemingAMG, d.AMGToTokenWeiPrice), d.MinCollateralRatioBIPS))
	if d.AnnouncedWithdrawal != nil {
		locked.Add(locked, d.AnnouncedWithdrawal)
	}
	return locked
}

// FreeCollateral is full - locked, never negative.
func (d Data) FreeCollateral(agent *types.Agent) *big.Int {
	return SubFloorZero(d.FullCollateral, d.LockedCollateral(agent))
}

// FreeCollateralLots is the number of whole lots the free collateral can back.
func (d Data) FreeCollateralLots(agent *types.Agent, lotSizeAMG uint64) uint64 {
	lotCollateral := MulBIPSRoundUp(ConvertAMGToTokenWei(lotSizeAMG, d.AMGToTokenWeiPrice), d.mintingRatio())
	if lotCollateral.Sign() == 0 {
		return 0
	}
	return new(big.Int).Quo(d.FreeCollateral(agent), lotCollateral).Uint64()
}

// CollateralRatioBIPS is full collateral over the token-wei value of all backed AMG.
// Agents backing nothing report MaxCollateralRatioBIPS.
func (d Data) CollateralRatioBIPS(agent *types.Agent) uint64 {
	backing := ConvertAMGToTokenWei(agent.TotalBackedAMG(), d.AMGToTokenWeiPrice)
	if backing.Sign() == 0 {
		return MaxCollateralRatioBIPS
	}
	ratio := MulDiv(d.FullCollateral, bigMaxBIPS, backing)
	if !ratio.IsUint64() || ratio.Uint64() > MaxCollateralRatioBIPS {
		return MaxCollateralRatioBIPS
	}
	return ratio.Uint64()
}

// LockCollateral reserves amg of the agent's collateral for a pending mint.
func LockCollateral(agent *types.Agent, amg uint64) {
	agent.ReservedAMG += amg
}

// ReleaseCollateral releases a reservation made with LockCollateral.
func ReleaseCollateral(agent *types.Agent, amg uint64) error {
	if agent.ReservedAMG < amg {
		return fmt.Errorf("release %d AMG exceeds reserved %d", amg, agent.ReservedAMG)
	}
	agent.ReservedAMG -= amg
	return nil
}

// Accounting prices agent collateral using a price reader.
type Accounting struct {
	Asset  Asset
	Prices PriceReader
}

// NewAccounting creates collateral accounting for an asset.
func NewAccounting(asset Asset, prices PriceReader) *Accounting {
	return &Accounting{Asset: asset, Prices: prices}
}

// AgentData prices the agent's collateral of the class ct belongs to.
func (a *Accounting) AgentData(ctx context.Context, agent *types.Agent, ct *types.CollateralType) (Data, error) {
	price, err := a.Asset.PriceFor(ctx, a.Prices, ct)
	if err != nil {
		return Data{}, err
	}
	d := Data{
		Class:                  ct.Class,
		FullCollateral:         agent.Collateral(ct.Class),
		AMGToTokenWeiPrice:     price,
		MinCollateralRatioBIPS: ct.MinCollateralRatioBIPS,
		AnnouncedWithdrawal:    agent.Withdrawal(ct.Class).Amount(),
	}
	if ct.Class == types.CollateralClassPool {
		d.MintingCollateralRatioBIPS = agent.Settings.MintingPoolCollateralRatioBIPS
	} else {
		d.MintingCollateralRatioBIPS = agent.Settings.MintingVaultCollateralRatioBIPS
	}
	return d, nil
}

// CollateralRatioBIPS returns the agent's ratio for the class of ct.
func (a *Accounting) CollateralRatioBIPS(ctx context.Context, agent *types.Agent, ct *types.CollateralType) (uint64, error) {
	d, err := a.AgentData(ctx, agent, ct)
	if err != nil {
		return 0, err
	}
	return d.CollateralRatioBIPS(agent), nil
}

// FreeCollateralLots is the minimum of the free lots of both collateral classes.
func (a *Accounting) FreeCollateralLots(ctx context.Context, agent *types.Agent, vault, pool *types.CollateralType) (uint64, error) {
	vd, err := a.AgentData(ctx, agent, vault)
	if err != nil {
		return 0, err
	}
	pd, err := a.AgentData(ctx, agent, pool)
	if err != nil {
		return 0, err
	}
	vl := vd.FreeCollateralLots(agent, a.Asset.LotSizeAMG)
	pl := pd.FreeCollateralLots(agent, a.Asset.LotSizeAMG)
	if pl < vl {
		return pl, nil
	}
	return vl, nil
}

// BelowMinimum reports whether either class ratio is under its class minimum.
func (a *Accounting) BelowMinimum(ctx context.Context, agent *types.Agent, vault, pool *types.CollateralType) (bool, error) {
	for _, ct := range []*types.CollateralType{vault, pool} {
		cr, err := a.CollateralRatioBIPS(ctx, agent, ct)
		if err != nil {
			return false, err
		}
		if cr < ct.MinCollateralRatioBIPS {
			return true, nil
		}
	}
	return false, nil
}
