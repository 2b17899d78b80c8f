// Package liquidation holds the pure liquidation math: phases derived from collateral ratios,
// the stepwise payout schedule and how much of an agent's backing may be liquidated.
package liquidation

import (
	"fmt"
	"math/big"

	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/pkg/types"
)

// Schedule is the liquidation payout schedule.
type Schedule struct {
	// CCBTimeSeconds is the grace period an agent in CCB has before liquidation starts.
	CCBTimeSeconds uint64 `yaml:"ccb_time_seconds" json:"ccb_time_seconds"`
	// StepSeconds is the length of one liquidation step.
	StepSeconds uint64 `yaml:"step_seconds" json:"step_seconds"`
	// CollateralFactorBIPS is the total payout factor per step.
	CollateralFactorBIPS []uint64 `yaml:"collateral_factor_bips" json:"collateral_factor_bips"`
	// FactorVaultCollateralBIPS is the part of the factor paid in vault collateral per step.
	FactorVaultCollateralBIPS []uint64 `yaml:"factor_vault_collateral_bips" json:"factor_vault_collateral_bips"`
}

// Validate checks that factors are strictly increasing, above 100% and that the vault part
// never exceeds the total.
func (s Schedule) Validate() error {
	if s.StepSeconds == 0 {
		return fmt.Errorf("liquidation step seconds must be positive")
	}
	if len(s.CollateralFactorBIPS) == 0 {
		return fmt.Errorf("liquidation collateral factors must not be empty")
	}
	if len(s.CollateralFactorBIPS) != len(s.FactorVaultCollateralBIPS) {
		return fmt.Errorf("liquidation factor lengths differ: %d vs %d",
			len(s.CollateralFactorBIPS), len(s.FactorVaultCollateralBIPS))
	}
	for i, f := range s.CollateralFactorBIPS {
		if f <= 10000 {
			return fmt.Errorf("liquidation factor %d must be above 100%%: %d", i, f)
		}
		if i > 0 && f <= s.CollateralFactorBIPS[i-1] {
			return fmt.Errorf("liquidation factors must be strictly increasing at step %d", i)
		}
		if s.FactorVaultCollateralBIPS[i] > f {
			return fmt.Errorf("vault factor %d exceeds total factor at step %d", s.FactorVaultCollateralBIPS[i], i)
		}
	}
	return nil
}

// Phase returns the phase a single collateral class is in.
func Phase(crBIPS uint64, ct *types.CollateralType) types.LiquidationPhase {
	switch {
	case crBIPS >= ct.MinCollateralRatioBIPS:
		return types.LiquidationPhaseNone
	case crBIPS >= ct.CCBMinCollateralRatioBIPS:
		return types.LiquidationPhaseCCB
	default:
		return types.LiquidationPhaseLiquidation
	}
}

// MaxPhase returns the more severe of two phases.
func MaxPhase(a, b types.LiquidationPhase) types.LiquidationPhase {
	if a > b {
		return a
	}
	return b
}

// CurrentPhase returns the agent's effective phase: a CCB that outlived the grace period is
// treated as liquidation. Full liquidation always reports liquidation.
func CurrentPhase(agent *types.Agent, s Schedule, now uint64) types.LiquidationPhase {
	switch agent.Status {
	case types.AgentStatusFullLiquidation, types.AgentStatusLiquidation:
		return types.LiquidationPhaseLiquidation
	case types.AgentStatusCCB:
		if now > agent.LiquidationStartedAt+s.CCBTimeSeconds {
			return types.LiquidationPhaseLiquidation
		}
		return types.LiquidationPhaseCCB
	default:
		return types.LiquidationPhaseNone
	}
}

// Step returns the current liquidation step, capped at the last schedule entry. Full
// liquidation always uses the last step.
func Step(agent *types.Agent, s Schedule, now uint64) int {
	last := len(s.CollateralFactorBIPS) - 1
	if agent.Status == types.AgentStatusFullLiquidation {
		return last
	}
	start := agent.LiquidationStartedAt
	if agent.InitialLiquidationPhase == types.LiquidationPhaseCCB {
		start += s.CCBTimeSeconds
	}
	if now <= start || s.StepSeconds == 0 {
		return 0
	}
	step := (now - start) / s.StepSeconds
	if step > uint64(last) {
		return last
	}
	return int(step)
}

// Factors is the payout factor split between the two collateral classes.
type Factors struct {
	TotalBIPS uint64
	VaultBIPS uint64
	PoolBIPS  uint64
}

// PayoutFactors splits the step factor between vault and pool collateral. Neither part may
// exceed the class's collateral ratio, and an invalid (deprecated) vault collateral pays nothing.
func PayoutFactors(s Schedule, step int, vaultCR, poolCR uint64, vaultValid bool) Factors {
	total := s.CollateralFactorBIPS[step]
	vault := s.FactorVaultCollateralBIPS[step]
	if vault > total {
		vault = total
	}
	if !vaultValid {
		vault = 0
	}
	if vault > vaultCR {
		vault = vaultCR
	}
	pool := total - vault
	if pool > poolCR {
		pool = poolCR
		if vaultValid {
			vault = min(total-pool, vaultCR)
		}
	}
	return Factors{TotalBIPS: vault + pool, VaultBIPS: vault, PoolBIPS: pool}
}

// MaxLiquidationAMG is the amount needed to bring crBIPS back to targetBIPS when every
// liquidated AMG removes factorBIPS of collateral, rounded up to whole lots and capped at
// mintedAMG. Agents at or below the factor, or in full liquidation, may lose all minted AMG.
func MaxLiquidationAMG(mintedAMG, lotSizeAMG, crBIPS, factorBIPS, targetBIPS uint64, full bool) uint64 {
	if full || crBIPS <= factorBIPS {
		return mintedAMG
	}
	if targetBIPS <= crBIPS {
		return 0
	}
	amg := collateral.MulDivRoundUp(
		new(big.Int).SetUint64(mintedAMG),
		new(big.Int).SetUint64(targetBIPS-crBIPS),
		new(big.Int).SetUint64(targetBIPS-factorBIPS),
	).Uint64()
	if lotSizeAMG > 0 {
		amg = (amg + lotSizeAMG - 1) / lotSizeAMG * lotSizeAMG
	}
	return min(amg, mintedAMG)
}

// RequiredRatioToEnd is the ratio a class must reach to leave liquidation: underwater
// classes need the safety minimum, others the minting minimum.
func RequiredRatioToEnd(ct *types.CollateralType, underwater bool) uint64 {
	if underwater {
		return ct.SafetyMinCollateralRatioBIPS
	}
	return ct.MinCollateralRatioBIPS
}

// UnderwaterFlag returns the Agent.CollateralsUnderwater bit for a class.
func UnderwaterFlag(class types.CollateralClass) uint8 {
	if class == types.CollateralClassPool {
		return types.UnderwaterPool
	}
	return types.UnderwaterVault
}
