package assetmanager

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/internal/liquidation"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/pkg/types"
)

// LiquidationResult reports one liquidate call.
type LiquidationResult struct {
	LiquidatedUBA *big.Int `json:"liquidated_uba"`
	VaultPaidWei  *big.Int `json:"vault_paid_wei"`
	PoolPaidWei   *big.Int `json:"pool_paid_wei"`
}

type classPhases struct {
	vaultCR, poolCR       uint64
	vaultPhase, poolPhase types.LiquidationPhase
}

func (p classPhases) phase() types.LiquidationPhase {
	return liquidation.MaxPhase(p.vaultPhase, p.poolPhase)
}

func (o *op) phases(agent *types.Agent) (classPhases, error) {
	vaultType, pool, err := o.collateralTypes(agent)
	if err != nil {
		return classPhases{}, err
	}
	vaultCR, poolCR, err := o.ratios(agent)
	if err != nil {
		return classPhases{}, err
	}
	return classPhases{
		vaultCR:    vaultCR,
		poolCR:     poolCR,
		vaultPhase: liquidation.Phase(vaultCR, vaultType),
		poolPhase:  liquidation.Phase(poolCR, pool),
	}, nil
}

// upgradeLiquidationPhase moves the agent into CCB or liquidation according to its current
// ratios, or from an expired CCB into liquidation. It never moves an agent back.
func (o *op) upgradeLiquidationPhase(agent *types.Agent) (types.LiquidationPhase, error) {
	p, err := o.phases(agent)
	if err != nil {
		return 0, err
	}
	schedule := o.settings.Schedule()
	current := liquidation.CurrentPhase(agent, schedule, o.now)
	newPhase := p.phase()

	switch {
	case agent.Status == types.AgentStatusFullLiquidation:
		return types.LiquidationPhaseLiquidation, nil
	case newPhase > current:
		agent.Status = types.AgentStatusCCB
		if newPhase == types.LiquidationPhaseLiquidation {
			agent.Status = types.AgentStatusLiquidation
		}
		agent.LiquidationStartedAt = o.now
		agent.InitialLiquidationPhase = newPhase
		agent.Available = false
		o.emit(Event{Type: EventLiquidationStarted, AgentVault: agent.Vault, Detail: newPhase.String()})
		logging.Audit(logging.AuditEvent{
			Operation: "liquidation_started",
			Actor:     "assetmanager",
			Target:    agent.Vault.Hex(),
			Result:    "success",
			Details:   fmt.Sprintf("phase=%s vault_cr=%d pool_cr=%d", newPhase, p.vaultCR, p.poolCR),
		})
		current = newPhase
	case current == types.LiquidationPhaseLiquidation && agent.Status == types.AgentStatusCCB:
		// CCB time ran out; the step clock keeps counting from the end of CCB
		agent.Status = types.AgentStatusLiquidation
	}
	if p.vaultPhase != types.LiquidationPhaseNone {
		agent.CollateralsUnderwater |= liquidation.UnderwaterFlag(types.CollateralClassVault)
	}
	if p.poolPhase != types.LiquidationPhaseNone {
		agent.CollateralsUnderwater |= liquidation.UnderwaterFlag(types.CollateralClassPool)
	}
	return current, nil
}

// StartLiquidation puts an agent whose ratio is below a class minimum into CCB or liquidation.
// Calling it again without a further ratio drop changes nothing.
func (e *Engine) StartLiquidation(ctx context.Context, caller, vault common.Address) (types.AgentStatus, error) {
	var status types.AgentStatus
	err := e.update(ctx, "startLiquidation", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		phase, err := o.upgradeLiquidationPhase(agent)
		if err != nil {
			return err
		}
		if phase == types.LiquidationPhaseNone {
			return precondition("liquidation not started")
		}
		status = agent.Status
		return nil
	})
	return status, err
}

// EndLiquidation returns a recovered agent to NORMAL.
func (e *Engine) EndLiquidation(ctx context.Context, caller, vault common.Address) error {
	return e.update(ctx, "endLiquidation", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		switch agent.Status {
		case types.AgentStatusFullLiquidation:
			return precondition("cannot stop full liquidation")
		case types.AgentStatusCCB, types.AgentStatusLiquidation:
		default:
			return precondition("not in liquidation")
		}
		ended, err := o.endLiquidationIfHealthy(agent)
		if err != nil {
			return err
		}
		if !ended {
			return precondition("cannot stop liquidation")
		}
		return nil
	})
}

// endLiquidationIfHealthy ends CCB or liquidation once underwater classes are back at their
// safety minimum and the others at their minimum.
func (o *op) endLiquidationIfHealthy(agent *types.Agent) (bool, error) {
	if agent.Status != types.AgentStatusCCB && agent.Status != types.AgentStatusLiquidation {
		return false, nil
	}
	vaultType, pool, err := o.collateralTypes(agent)
	if err != nil {
		return false, err
	}
	for _, ct := range []*types.CollateralType{vaultType, pool} {
		cr, err := o.acc.CollateralRatioBIPS(o.ctx, agent, ct)
		if err != nil {
			return false, err
		}
		underwater := agent.CollateralsUnderwater&liquidation.UnderwaterFlag(ct.Class) != 0
		if cr < liquidation.RequiredRatioToEnd(ct, underwater) {
			return false, nil
		}
	}
	agent.Status = types.AgentStatusNormal
	agent.LiquidationStartedAt = 0
	agent.InitialLiquidationPhase = types.LiquidationPhaseNone
	agent.CollateralsUnderwater = 0
	o.emit(Event{Type: EventLiquidationEnded, AgentVault: agent.Vault})
	logging.Audit(logging.AuditEvent{
		Operation: "liquidation_ended",
		Actor:     "assetmanager",
		Target:    agent.Vault.Hex(),
		Result:    "success",
	})
	return true, nil
}

// startFullLiquidation irreversibly puts the agent into full liquidation.
func (o *op) startFullLiquidation(agent *types.Agent, reason string) error {
	if agent.Status == types.AgentStatusFullLiquidation {
		return nil
	}
	if agent.Status != types.AgentStatusLiquidation && agent.Status != types.AgentStatusCCB {
		agent.LiquidationStartedAt = o.now
	}
	agent.Status = types.AgentStatusFullLiquidation
	agent.InitialLiquidationPhase = types.LiquidationPhaseLiquidation
	agent.CollateralsUnderwater = types.UnderwaterVault | types.UnderwaterPool
	agent.Available = false
	o.emit(Event{Type: EventFullLiquidation, AgentVault: agent.Vault, Detail: reason})
	logging.Audit(logging.AuditEvent{
		Operation: "full_liquidation_started",
		Actor:     "assetmanager",
		Target:    agent.Vault.Hex(),
		Result:    "success",
		Details:   reason,
	})
	return nil
}

// Liquidate burns up to maxAmountUBA of the liquidator's f-assets against the agent's backing and
// pays the liquidator the current step's factor in vault and pool collateral.
func (e *Engine) Liquidate(ctx context.Context, liquidator, vault common.Address, maxAmountUBA *big.Int) (*LiquidationResult, error) {
	var result LiquidationResult
	err := e.update(ctx, "liquidate", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		phase, err := o.upgradeLiquidationPhase(agent)
		if err != nil {
			return err
		}
		if phase != types.LiquidationPhaseLiquidation {
			return precondition("not in liquidation")
		}
		if maxAmountUBA == nil || maxAmountUBA.Sign() <= 0 {
			return outOfBounds("liquidation amount must be positive")
		}
		vaultType, pool, err := o.collateralTypes(agent)
		if err != nil {
			return err
		}
		p, err := o.phases(agent)
		if err != nil {
			return err
		}
		schedule := o.settings.Schedule()
		step := liquidation.Step(agent, schedule, o.now)
		factors := liquidation.PayoutFactors(schedule, step, p.vaultCR, p.poolCR, vaultType.IsValidAt(o.now))

		maxAMG := max(
			o.maxLiquidationAMG(agent, p.vaultCR, factors.VaultBIPS, vaultType),
			o.maxLiquidationAMG(agent, p.poolCR, factors.PoolBIPS, pool),
		)
		amg := min(maxAMG, o.acc.Asset.ConvertUBAToAMG(maxAmountUBA))
		closed, err := o.closeAgentTickets(agent, amg)
		if err != nil {
			return err
		}
		liquidatedUBA := o.acc.Asset.ConvertAMGToUBA(closed)
		if err := o.burnFAssets(liquidator, liquidatedUBA); err != nil {
			return err
		}
		agent.MintedAMG -= closed
		o.st.TotalMintedAMG -= min(closed, o.st.TotalMintedAMG)

		vaultValue, err := o.tokenWei(closed, vaultType)
		if err != nil {
			return err
		}
		poolValue, err := o.tokenWei(closed, pool)
		if err != nil {
			return err
		}
		vaultPaid := o.payFromVault(agent, liquidator, collateral.MulBIPS(vaultValue, factors.VaultBIPS), "liquidation")
		poolPaid := o.payFromPool(agent, pool, liquidator, collateral.MulBIPS(poolValue, factors.PoolBIPS), "liquidation")
		result = LiquidationResult{LiquidatedUBA: liquidatedUBA, VaultPaidWei: vaultPaid, PoolPaidWei: poolPaid}

		if closed > 0 {
			o.emit(Event{Type: EventLiquidationPerformed, AgentVault: vault, Actor: liquidator, Value: new(big.Int).Set(liquidatedUBA)})
			logging.Audit(logging.AuditEvent{
				Operation: "liquidation_performed",
				Actor:     liquidator.Hex(),
				Target:    vault.Hex(),
				Result:    "success",
				Details: fmt.Sprintf("step=%d uba=%s vault_wei=%s pool_wei=%s",
					step, liquidatedUBA, vaultPaid, poolPaid),
			})
		}
		_, err = o.endLiquidationIfHealthy(agent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (o *op) maxLiquidationAMG(agent *types.Agent, cr, factorBIPS uint64, ct *types.CollateralType) uint64 {
	full := agent.Status == types.AgentStatusFullLiquidation
	if !full && agent.CollateralsUnderwater&liquidation.UnderwaterFlag(ct.Class) == 0 {
		return 0
	}
	return liquidation.MaxLiquidationAMG(agent.MintedAMG, o.settings.LotSizeAMG, cr,
		factorBIPS, ct.SafetyMinCollateralRatioBIPS, full)
}

// priceUpdater is implemented by price readers that accept pushed prices.
type priceUpdater interface {
	ApplyPriceUpdate(symbol string, price collateral.Price) error
}

// ApplyPriceUpdate records a new price and returns the agents that are now below a collateral
// minimum and can be put into liquidation.
func (e *Engine) ApplyPriceUpdate(ctx context.Context, symbol string, price collateral.Price) ([]common.Address, error) {
	updater, ok := e.prices.(priceUpdater)
	if !ok {
		return nil, fmt.Errorf("price reader %T does not accept updates", e.prices)
	}
	if err := updater.ApplyPriceUpdate(symbol, price); err != nil {
		return nil, err
	}
	return e.LiquidationCandidates(ctx)
}

// LiquidationCandidates lists agents not yet in liquidation whose ratio is below a class minimum.
func (e *Engine) LiquidationCandidates(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	err := e.view(ctx, func(o *op) error {
		agents, err := store.ListAgents(o.tx)
		if err != nil {
			return err
		}
		for _, agent := range agents {
			if agent.Status != types.AgentStatusNormal {
				continue
			}
			vaultType, pool, err := o.collateralTypes(agent)
			if err != nil {
				return err
			}
			below, err := o.acc.BelowMinimum(o.ctx, agent, vaultType, pool)
			if err != nil {
				return err
			}
			if below {
				out = append(out, agent.Vault)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, vault := range out {
		e.events.Publish(Event{Type: EventAgentBelowMinimum, AgentVault: vault, Timestamp: e.now()})
	}
	return out, nil
}
