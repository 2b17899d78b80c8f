// Package collateral implements the fixed-point collateral arithmetic: BIPS, AMG/UBA and
// token-wei conversions, collateral ratios and free/locked collateral.
package collateral

import (
	"math/big"
)

const (
	// MaxBIPS is 100%.
	MaxBIPS uint64 = 10000
	// MaxCollateralRatioBIPS is reported when an agent backs nothing.
	MaxCollateralRatioBIPS uint64 = 10_000_000_000
	// AMGTokenWeiPriceScaleExp is the decimal scale of AMG to token-wei prices.
	AMGTokenWeiPriceScaleExp = 9
)

var (
	bigMaxBIPS            = new(big.Int).SetUint64(MaxBIPS)
	amgTokenWeiPriceScale = pow10(AMGTokenWeiPriceScaleExp)
)

func pow10(exp int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

func u64(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

// MulDiv returns floor(a * b / c).
func MulDiv(a, b, c *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Quo(r, c)
}

// MulDivRoundUp returns ceil(a * b / c) for non-negative operands.
func MulDivRoundUp(a, b, c *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	q, m := new(big.Int).QuoRem(r, c, new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// MulBIPS returns floor(v * bips / 10000).
func MulBIPS(v *big.Int, bips uint64) *big.Int {
	return MulDiv(v, u64(bips), bigMaxBIPS)
}

// MulBIPSRoundUp returns ceil(v * bips / 10000).
func MulBIPSRoundUp(v *big.Int, bips uint64) *big.Int {
	return MulDivRoundUp(v, u64(bips), bigMaxBIPS)
}

// MinBig returns the smaller of a and b.
func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// MaxU64 returns the larger of a and b.
func MaxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// SubFloorZero returns max(a - b, 0).
func SubFloorZero(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	if r.Sign() < 0 {
		return r.SetInt64(0)
	}
	return r
}

// Asset describes the minted asset's granularity.
type Asset struct {
	Decimals              uint8  // underlying asset decimals
	MintingDecimals       uint8  // decimals of one AMG
	MintingGranularityUBA uint64 // UBA per AMG
	LotSizeAMG            uint64
}

// ConvertAMGToUBA converts AMG to UBA.
func (a Asset) ConvertAMGToUBA(amg uint64) *big.Int {
	return new(big.Int).Mul(u64(amg), u64(a.MintingGranularityUBA))
}

// ConvertUBAToAMG converts UBA to AMG, rounding down.
func (a Asset) ConvertUBAToAMG(uba *big.Int) uint64 {
	if uba.Sign() <= 0 {
		return 0
	}
	return new(big.Int).Quo(uba, u64(a.MintingGranularityUBA)).Uint64()
}

// RoundUBAToAMG rounds uba down to a whole number of AMG.
func (a Asset) RoundUBAToAMG(uba *big.Int) *big.Int {
	return a.ConvertAMGToUBA(a.ConvertUBAToAMG(uba))
}

// LotSizeUBA is the lot size in UBA.
func (a Asset) LotSizeUBA() *big.Int {
	return a.ConvertAMGToUBA(a.LotSizeAMG)
}

// LotsToAMG converts a lot count to AMG.
func (a Asset) LotsToAMG(lots uint64) uint64 {
	return lots * a.LotSizeAMG
}

// ConvertAMGToTokenWei converts AMG to token wei at the given AMG price (scaled by 1e9).
func ConvertAMGToTokenWei(amg uint64, amgToTokenWeiPrice *big.Int) *big.Int {
	return MulDiv(u64(amg), amgToTokenWeiPrice, amgTokenWeiPriceScale)
}

// ConvertTokenWeiToAMG converts token wei to AMG, rounding down.
func ConvertTokenWeiToAMG(wei, amgToTokenWeiPrice *big.Int) uint64 {
	if wei.Sign() <= 0 || amgToTokenWeiPrice.Sign() == 0 {
		return 0
	}
	return MulDiv(wei, amgTokenWeiPriceScale, amgToTokenWeiPrice).Uint64()
}
