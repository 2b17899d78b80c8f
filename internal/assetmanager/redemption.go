package assetmanager

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/pkg/types"
)

// RedeemResult reports how a redeem call was split between agents.
type RedeemResult struct {
	Requests      []*types.RedemptionRequest `json:"requests"`
	RedeemedLots  uint64                     `json:"redeemed_lots"`
	RemainingLots uint64                     `json:"remaining_lots"`
}

// ConfirmationOutcome is how a proven redemption payment was classified.
type ConfirmationOutcome string

const (
	// OutcomeSuccess means the redeemer was paid in time.
	OutcomeSuccess ConfirmationOutcome = "success"
	// OutcomePaymentBlocked means the redeemer's address refused the payment. The agent is
	// not at fault and the request is closed as paid.
	OutcomePaymentBlocked ConfirmationOutcome = "blocked"
	// OutcomePaymentFailed means the payment failed, was too small or too late. The default
	// payout has been applied.
	OutcomePaymentFailed ConfirmationOutcome = "failed"
)

type agentRedemption struct {
	agent *types.Agent
	amg   uint64
}

// Redeem burns lots of the redeemer's f-assets against the oldest redemption tickets. At most
// maxRedeemedTickets tickets are consumed; lots that could not be redeemed are returned in
// RemainingLots and stay with the redeemer.
func (e *Engine) Redeem(ctx context.Context, redeemer common.Address, lots uint64, underlyingAddress string) (*RedeemResult, error) {
	var result RedeemResult
	err := e.update(ctx, "redeem", func(o *op) error {
		if lots == 0 {
			return outOfBounds("cannot redeem 0 lots")
		}
		if underlyingAddress == "" {
			return outOfBounds("empty underlying address")
		}
		lot := o.settings.LotSizeAMG

		var parts []*agentRedemption
		index := make(map[common.Address]*agentRedemption)
		remaining := lots
		var tickets uint64
		for id := o.st.FirstTicketID; id != 0 && remaining > 0 && tickets < o.settings.MaxRedeemedTickets; {
			t, err := store.GetTicket(o.tx, id)
			if err != nil {
				return err
			}
			next := t.Next
			agent, err := o.agent(t.AgentVault)
			if err != nil {
				return err
			}
			take := min(remaining, t.ValueAMG/lot)
			if take > 0 {
				amg := take * lot
				if err := o.reduceTicket(agent, t, amg); err != nil {
					return err
				}
				agent.MintedAMG -= amg
				agent.RedeemingAMG += amg
				remaining -= take
				p, ok := index[agent.Vault]
				if !ok {
					p = &agentRedemption{agent: agent}
					index[agent.Vault] = p
					parts = append(parts, p)
				}
				p.amg += amg
			}
			tickets++
			id = next
		}
		redeemed := lots - remaining
		if redeemed == 0 {
			return precondition("redeem 0 lots")
		}
		if err := o.burnFAssets(redeemer, o.acc.Asset.ConvertAMGToUBA(redeemed*lot)); err != nil {
			return err
		}
		o.st.TotalMintedAMG -= min(redeemed*lot, o.st.TotalMintedAMG)

		addressHash := attestation.AddressHash(underlyingAddress)
		for _, p := range parts {
			valueUBA := o.acc.Asset.ConvertAMGToUBA(p.amg)
			req := &types.RedemptionRequest{
				ID:                            o.nextRequestID(false),
				AgentVault:                    p.agent.Vault,
				Redeemer:                      redeemer,
				RedeemerUnderlyingAddress:     underlyingAddress,
				RedeemerUnderlyingAddressHash: addressHash,
				ValueAMG:                      p.amg,
				UnderlyingValueUBA:            valueUBA,
				UnderlyingFeeUBA:              collateral.MulBIPS(valueUBA, o.settings.RedemptionFeeBIPS),
				FirstUnderlyingBlock:          o.st.CurrentUnderlyingBlock,
				CreatedAt:                     o.now,
				Status:                        types.RedemptionActive,
			}
			req.LastUnderlyingBlock, req.LastUnderlyingTimestamp = o.paymentDeadline()
			if err := store.PutRedemption(o.tx, req); err != nil {
				return err
			}
			o.emit(Event{
				Type:       EventRedemptionRequested,
				AgentVault: p.agent.Vault,
				Actor:      redeemer,
				RequestID:  req.ID,
				Value:      new(big.Int).Set(valueUBA),
				Lots:       p.amg / lot,
				Detail:     underlyingAddress,
			})
			cp := *req
			result.Requests = append(result.Requests, &cp)
		}
		if remaining > 0 {
			o.emit(Event{Type: EventRedemptionRequestIncomplete, Actor: redeemer, Lots: remaining})
		}
		result.RedeemedLots = redeemed
		result.RemainingLots = remaining
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (o *op) openRedemption(id uint64) (*types.RedemptionRequest, error) {
	req, err := store.GetRedemption(o.tx, id)
	if store.IsNotFound(err) {
		return nil, precondition("invalid request id")
	}
	if err != nil {
		return nil, err
	}
	if !req.Status.Open() {
		return nil, precondition("invalid request id")
	}
	return req, nil
}

// ConfirmRedemptionPayment accounts for the agent's payment of a redemption. A payment with a
// wrong reference or to a wrong address is rejected; a failed, too small or too late payment
// applies the default payout. Anyone may confirm after confirmationByOthersAfterSeconds and is
// rewarded from the agent's vault.
func (e *Engine) ConfirmRedemptionPayment(ctx context.Context, caller common.Address, payment *attestation.Payment, requestID uint64) (ConfirmationOutcome, error) {
	if err := e.verifyPayment(ctx, payment); err != nil {
		return "", err
	}
	var outcome ConfirmationOutcome
	err := e.update(ctx, "confirmRedemptionPayment", func(o *op) error {
		req, err := o.openRedemption(requestID)
		if err != nil {
			return err
		}
		agent, err := o.agent(req.AgentVault)
		if err != nil {
			return err
		}
		isOwner, err := o.isOwner(caller, agent)
		if err != nil {
			return err
		}
		if !isOwner && o.now <= req.CreatedAt+o.settings.ConfirmationByOthersAfterSeconds {
			return unauthorized("only agent vault owner")
		}
		if payment.PaymentReference != attestation.RedemptionReference(req.ID) {
			return invalidProof("invalid redemption reference", nil)
		}
		if payment.SourceAddressHash != agent.UnderlyingAddressHash {
			return invalidProof("source not agent's underlying address", nil)
		}
		if payment.ReceivingAddressHash != req.RedeemerUnderlyingAddressHash {
			return invalidProof("invalid receiving address", nil)
		}
		if payment.BlockNumber < req.FirstUnderlyingBlock {
			return invalidProof("redemption payment too old", nil)
		}
		if err := o.confirmPayment(payment.SourceAddressHash, payment.TransactionID); err != nil {
			return err
		}

		outcome = classifyRedemptionPayment(req, payment)
		if req.Status == types.RedemptionActive {
			switch outcome {
			case OutcomeSuccess, OutcomePaymentBlocked:
				agent.RedeemingAMG -= min(req.ValueAMG, agent.RedeemingAMG)
				req.Status = types.RedemptionConfirmed
			default:
				vaultWei, _, err := o.redemptionDefaultPayout(agent, req)
				if err != nil {
					return err
				}
				req.Status = types.RedemptionPaymentFailed
				o.emit(Event{Type: EventRedemptionDefault, AgentVault: agent.Vault, Actor: req.Redeemer, RequestID: req.ID, Value: vaultWei})
			}
		} else {
			// already defaulted, only the underlying balance changes
			req.Status = types.RedemptionConfirmed
		}
		if err := store.PutRedemption(o.tx, req); err != nil {
			return err
		}

		if !isOwner {
			reward, err := o.usd5ToVaultWei(agent, o.settings.ConfirmationByOthersRewardUSD5)
			if err != nil {
				return err
			}
			o.payFromVault(agent, caller, reward, "confirmation by others reward")
		}
		evType := EventRedemptionPerformed
		switch outcome {
		case OutcomePaymentBlocked:
			evType = EventRedemptionPaymentBlocked
		case OutcomePaymentFailed:
			evType = EventRedemptionPaymentFailed
		}
		o.emit(Event{Type: evType, AgentVault: agent.Vault, Actor: req.Redeemer, RequestID: req.ID, Value: amountOf(payment.SpentAmount)})
		return o.changeUnderlyingBalance(agent, new(big.Int).Neg(amountOf(payment.SpentAmount)))
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func classifyRedemptionPayment(req *types.RedemptionRequest, payment *attestation.Payment) ConfirmationOutcome {
	switch payment.Status {
	case attestation.PaymentBlocked:
		return OutcomePaymentBlocked
	case attestation.PaymentSuccess:
		inTime := payment.BlockNumber <= req.LastUnderlyingBlock || payment.BlockTimestamp <= req.LastUnderlyingTimestamp
		enough := payment.ReceivedAmount != nil && payment.ReceivedAmount.Cmp(req.NetValueUBA()) >= 0
		if inTime && enough {
			return OutcomeSuccess
		}
	}
	return OutcomePaymentFailed
}

// redemptionDefaultPayout pays the redeemer the request value times the default factors in vault
// and pool collateral and releases the agent's redeeming backing. The vault part is capped by the
// request's share of the vault collateral; the uncovered rest is paid from the pool.
func (o *op) redemptionDefaultPayout(agent *types.Agent, req *types.RedemptionRequest) (vaultWei, poolWei *big.Int, err error) {
	vaultType, pool, err := o.collateralTypes(agent)
	if err != nil {
		return nil, nil, err
	}
	vaultValue, err := o.tokenWei(req.ValueAMG, vaultType)
	if err != nil {
		return nil, nil, err
	}
	poolValue, err := o.tokenWei(req.ValueAMG, pool)
	if err != nil {
		return nil, nil, err
	}
	vaultWei = collateral.MulBIPS(vaultValue, o.settings.RedemptionDefaultFactorVaultCollateralBIPS)
	poolWei = collateral.MulBIPS(poolValue, o.settings.RedemptionDefaultFactorPoolBIPS)

	backed := agent.TotalBackedAMG()
	maxVault := agent.Collateral(types.CollateralClassVault)
	if backed > 0 {
		maxVault = collateral.MulDiv(maxVault, new(big.Int).SetUint64(req.ValueAMG), new(big.Int).SetUint64(backed))
	}
	if vaultWei.Cmp(maxVault) > 0 && vaultValue.Sign() > 0 {
		uncovered := new(big.Int).Sub(vaultWei, maxVault)
		poolWei.Add(poolWei, collateral.MulDiv(uncovered, poolValue, vaultValue))
		vaultWei = maxVault
	}

	agent.RedeemingAMG -= min(req.ValueAMG, agent.RedeemingAMG)
	vaultWei = o.payFromVault(agent, req.Redeemer, vaultWei, "redemption default")
	poolWei = o.payFromPool(agent, pool, req.Redeemer, poolWei, "redemption default")
	logging.Warn("redemption default paid",
		logging.Component("assetmanager"),
		logging.AgentVault(agent.Vault),
		logging.RequestID(req.ID),
		"vault_wei", vaultWei.String(),
		"pool_wei", poolWei.String())
	return vaultWei, poolWei, nil
}

// RedemptionPaymentDefault pays the redeemer from the agent's collateral once non-payment over
// the whole payment window is proven.
func (e *Engine) RedemptionPaymentDefault(ctx context.Context, caller common.Address, proof *attestation.ReferencedPaymentNonexistence, requestID uint64) error {
	if err := e.verifyNonPayment(ctx, proof); err != nil {
		return err
	}
	return e.update(ctx, "redemptionPaymentDefault", func(o *op) error {
		req, err := o.openRedemption(requestID)
		if err != nil {
			return err
		}
		if req.Status != types.RedemptionActive {
			return precondition("invalid request id")
		}
		agent, err := o.agent(req.AgentVault)
		if err != nil {
			return err
		}
		isOwner, err := o.isOwner(caller, agent)
		if err != nil {
			return err
		}
		byOthers := caller != req.Redeemer && !isOwner
		if byOthers && o.now <= req.CreatedAt+o.settings.ConfirmationByOthersAfterSeconds {
			return unauthorized("only redeemer, executor or agent")
		}
		if proof.PaymentReference != attestation.RedemptionReference(req.ID) ||
			proof.DestinationAddressHash != req.RedeemerUnderlyingAddressHash ||
			proof.Amount == nil || proof.Amount.Cmp(req.NetValueUBA()) != 0 {
			return invalidProof("redemption non-payment mismatch", nil)
		}
		if proof.DeadlineBlockNumber < req.LastUnderlyingBlock || proof.DeadlineTimestamp < req.LastUnderlyingTimestamp {
			return precondition("redemption default too early")
		}
		if proof.LowerBoundaryBlock > req.FirstUnderlyingBlock {
			return invalidProof("redemption non-payment proof window too short", nil)
		}
		vaultWei, _, err := o.redemptionDefaultPayout(agent, req)
		if err != nil {
			return err
		}
		req.Status = types.RedemptionDefaulted
		if err := store.PutRedemption(o.tx, req); err != nil {
			return err
		}
		if byOthers {
			reward, err := o.usd5ToVaultWei(agent, o.settings.ConfirmationByOthersRewardUSD5)
			if err != nil {
				return err
			}
			o.payFromVault(agent, caller, reward, "confirmation by others reward")
		}
		o.emit(Event{Type: EventRedemptionDefault, AgentVault: agent.Vault, Actor: req.Redeemer, RequestID: req.ID, Value: vaultWei})
		return nil
	})
}

// FinishRedemptionWithoutPayment closes a request whose payment window has left the attestation
// window, so that neither payment nor non-payment can be proven any more. An active request is
// defaulted first.
func (e *Engine) FinishRedemptionWithoutPayment(ctx context.Context, caller common.Address, proof *attestation.ConfirmedBlockHeightExists, requestID uint64) error {
	if err := e.verifyBlockHeight(ctx, proof); err != nil {
		return err
	}
	return e.update(ctx, "finishRedemptionWithoutPayment", func(o *op) error {
		req, err := o.openRedemption(requestID)
		if err != nil {
			return err
		}
		agent, err := o.agent(req.AgentVault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if proof.LowestQueryWindowBlock <= req.LastUnderlyingBlock ||
			proof.BlockTimestamp <= req.LastUnderlyingTimestamp+o.settings.AttestationWindowSeconds {
			return precondition("should default first")
		}
		var paid *big.Int
		if req.Status == types.RedemptionActive {
			if paid, _, err = o.redemptionDefaultPayout(agent, req); err != nil {
				return err
			}
		}
		req.Status = types.RedemptionFinishedWithoutPayment
		if err := store.PutRedemption(o.tx, req); err != nil {
			return err
		}
		o.emit(Event{Type: EventRedemptionFinishedNoPayment, AgentVault: agent.Vault, Actor: req.Redeemer, RequestID: req.ID, Value: paid})
		return nil
	})
}

// SelfClose burns up to amountUBA of the owner's f-assets against the agent's own backing and
// returns the amount closed.
func (e *Engine) SelfClose(ctx context.Context, caller, vault common.Address, amountUBA *big.Int) (*big.Int, error) {
	var closedUBA *big.Int
	err := e.update(ctx, "selfClose", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		amg := o.acc.Asset.ConvertUBAToAMG(amountUBA)
		if amg == 0 {
			return outOfBounds("self close of 0")
		}
		closed, err := o.closeAgentTickets(agent, amg)
		if err != nil {
			return err
		}
		closedUBA = o.acc.Asset.ConvertAMGToUBA(closed)
		if err := o.burnFAssets(agent.Owner, closedUBA); err != nil {
			return err
		}
		agent.MintedAMG -= closed
		o.st.TotalMintedAMG -= min(closed, o.st.TotalMintedAMG)
		o.emit(Event{Type: EventSelfClose, AgentVault: vault, Actor: agent.Owner, Value: new(big.Int).Set(closedUBA)})
		if agent.Status == types.AgentStatusCCB || agent.Status == types.AgentStatusLiquidation {
			if _, err := o.endLiquidationIfHealthy(agent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closedUBA, nil
}
