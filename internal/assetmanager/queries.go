package assetmanager

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/liquidation"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/pkg/types"
)

// AgentInfo is an agent with its derived collateral figures.
type AgentInfo struct {
	Agent *types.Agent `json:"agent"`

	VaultCollateralRatioBIPS uint64   `json:"vault_collateral_ratio_bips"`
	PoolCollateralRatioBIPS  uint64   `json:"pool_collateral_ratio_bips"`
	FreeCollateralLots       uint64   `json:"free_collateral_lots"`
	FreeVaultCollateralWei   *big.Int `json:"free_vault_collateral_wei"`
	FreePoolCollateralWei    *big.Int `json:"free_pool_collateral_wei"`
	MintedUBA                *big.Int `json:"minted_uba"`
	FreeUnderlyingBalanceUBA *big.Int `json:"free_underlying_balance_uba"`

	LiquidationPhase string `json:"liquidation_phase"`
}

// AvailableAgent is a public minting offer.
type AvailableAgent struct {
	Vault                           common.Address `json:"vault"`
	FeeBIPS                         uint64         `json:"fee_bips"`
	MintingVaultCollateralRatioBIPS uint64         `json:"minting_vault_collateral_ratio_bips"`
	MintingPoolCollateralRatioBIPS  uint64         `json:"minting_pool_collateral_ratio_bips"`
	FreeCollateralLots              uint64         `json:"free_collateral_lots"`
}

func (o *op) agentInfo(agent *types.Agent) (*AgentInfo, error) {
	vaultType, pool, err := o.collateralTypes(agent)
	if err != nil {
		return nil, err
	}
	vd, err := o.acc.AgentData(o.ctx, agent, vaultType)
	if err != nil {
		return nil, err
	}
	pd, err := o.acc.AgentData(o.ctx, agent, pool)
	if err != nil {
		return nil, err
	}
	lot := o.settings.LotSizeAMG
	free := new(big.Int).Sub(agent.UnderlyingBalance(), o.requiredUnderlyingUBA(agent))
	return &AgentInfo{
		Agent:                    agent,
		VaultCollateralRatioBIPS: vd.CollateralRatioBIPS(agent),
		PoolCollateralRatioBIPS:  pd.CollateralRatioBIPS(agent),
		FreeCollateralLots:       min(vd.FreeCollateralLots(agent, lot), pd.FreeCollateralLots(agent, lot)),
		FreeVaultCollateralWei:   vd.FreeCollateral(agent),
		FreePoolCollateralWei:    pd.FreeCollateral(agent),
		MintedUBA:                o.acc.Asset.ConvertAMGToUBA(agent.MintedAMG),
		FreeUnderlyingBalanceUBA: free,
		LiquidationPhase:         liquidation.CurrentPhase(agent, o.settings.Schedule(), o.now).String(),
	}, nil
}

// AgentInfo returns the agent with derived collateral figures.
func (e *Engine) AgentInfo(ctx context.Context, vault common.Address) (*AgentInfo, error) {
	var info *AgentInfo
	err := e.view(ctx, func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		info, err = o.agentInfo(agent)
		return err
	})
	return info, err
}

// Agents returns every agent ordered by vault address.
func (e *Engine) Agents(ctx context.Context) ([]*types.Agent, error) {
	var agents []*types.Agent
	err := e.view(ctx, func(o *op) error {
		var err error
		agents, err = store.ListAgents(o.tx)
		return err
	})
	return agents, err
}

// AvailableAgents lists the agents open for public minting.
func (e *Engine) AvailableAgents(ctx context.Context) ([]AvailableAgent, error) {
	var out []AvailableAgent
	err := e.view(ctx, func(o *op) error {
		agents, err := store.ListAgents(o.tx)
		if err != nil {
			return err
		}
		for _, agent := range agents {
			if !agent.Available || agent.Status != types.AgentStatusNormal {
				continue
			}
			vaultType, pool, err := o.collateralTypes(agent)
			if err != nil {
				return err
			}
			lots, err := o.acc.FreeCollateralLots(o.ctx, agent, vaultType, pool)
			if err != nil {
				return err
			}
			out = append(out, AvailableAgent{
				Vault:                           agent.Vault,
				FeeBIPS:                         agent.Settings.FeeBIPS,
				MintingVaultCollateralRatioBIPS: agent.Settings.MintingVaultCollateralRatioBIPS,
				MintingPoolCollateralRatioBIPS:  agent.Settings.MintingPoolCollateralRatioBIPS,
				FreeCollateralLots:              lots,
			})
		}
		return nil
	})
	return out, err
}

// Reservation returns a collateral reservation by id.
func (e *Engine) Reservation(ctx context.Context, id uint64) (*types.CollateralReservation, error) {
	var crt *types.CollateralReservation
	err := e.view(ctx, func(o *op) error {
		var err error
		crt, err = store.GetReservation(o.tx, id)
		return err
	})
	return crt, err
}

// Redemption returns a redemption request by id.
func (e *Engine) Redemption(ctx context.Context, id uint64) (*types.RedemptionRequest, error) {
	var req *types.RedemptionRequest
	err := e.view(ctx, func(o *op) error {
		var err error
		req, err = store.GetRedemption(o.tx, id)
		return err
	})
	return req, err
}

// OpenRedemptions returns the agent's redemption requests that still expect a payment.
func (e *Engine) OpenRedemptions(ctx context.Context, vault common.Address) ([]*types.RedemptionRequest, error) {
	var out []*types.RedemptionRequest
	err := e.view(ctx, func(o *op) error {
		var err error
		out, err = store.ListRedemptions(o.tx, func(r *types.RedemptionRequest) bool {
			return r.AgentVault == vault && r.Status.Open()
		})
		return err
	})
	return out, err
}

// RedemptionQueue returns the queued tickets oldest first, at most limit of them (0 = all).
func (e *Engine) RedemptionQueue(ctx context.Context, limit int) ([]*types.RedemptionTicket, error) {
	var out []*types.RedemptionTicket
	err := e.view(ctx, func(o *op) error {
		for id := o.st.FirstTicketID; id != 0 && (limit == 0 || len(out) < limit); {
			t, err := store.GetTicket(o.tx, id)
			if err != nil {
				return err
			}
			out = append(out, t)
			id = t.Next
		}
		return nil
	})
	return out, err
}

// State returns the global asset state.
func (e *Engine) State(ctx context.Context) (*types.AssetState, error) {
	var st *types.AssetState
	err := e.view(ctx, func(o *op) error {
		st = o.st
		return nil
	})
	return st, err
}

// FAssetBalance returns an account's f-asset balance in UBA.
func (e *Engine) FAssetBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var bal *big.Int
	err := e.view(ctx, func(o *op) error {
		var err error
		bal, err = store.GetFAssetBalance(o.tx, account)
		return err
	})
	return bal, err
}

// TransferFAsset moves f-assets between accounts.
func (e *Engine) TransferFAsset(ctx context.Context, from, to common.Address, amountUBA *big.Int) error {
	return e.update(ctx, "transferFAsset", func(o *op) error {
		if amountUBA == nil || amountUBA.Sign() <= 0 {
			return outOfBounds("transfer amount must be positive")
		}
		if err := o.burnFAssets(from, amountUBA); err != nil {
			return err
		}
		if err := o.mintFAssets(to, amountUBA); err != nil {
			return err
		}
		o.emit(Event{Type: EventFAssetTransfer, Actor: from, Detail: to.Hex(), Value: new(big.Int).Set(amountUBA)})
		return nil
	})
}

// LotSizeUBA returns the current lot size in UBA.
func (e *Engine) LotSizeUBA() *big.Int {
	s := e.settings.Current()
	return s.Asset().LotSizeUBA()
}

// ConvertAMGToUBA converts AMG to UBA under the current settings.
func (e *Engine) ConvertAMGToUBA(amg uint64) *big.Int {
	s := e.settings.Current()
	return s.Asset().ConvertAMGToUBA(amg)
}
