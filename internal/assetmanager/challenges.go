package assetmanager

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/pkg/types"
)

func (o *op) challengedAgent(vault common.Address) (*types.Agent, error) {
	agent, err := o.agent(vault)
	if err != nil {
		return nil, err
	}
	if agent.Status == types.AgentStatusFullLiquidation {
		return nil, precondition("chlg: already liquidating")
	}
	return agent, nil
}

// openAgentRedemption returns the open redemption ref points to if it belongs to agent.
func (o *op) openAgentRedemption(agent *types.Agent, ref common.Hash) (*types.RedemptionRequest, error) {
	if !attestation.IsValidReference(ref, attestation.ReferenceRedemption) {
		return nil, nil
	}
	req, err := store.GetRedemption(o.tx, attestation.ReferenceID(ref))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if req.AgentVault != agent.Vault || !req.Status.Open() {
		return nil, nil
	}
	return req, nil
}

func isAnnouncedWithdrawal(agent *types.Agent, ref common.Hash) bool {
	return agent.UnderlyingWithdrawal.ID != 0 &&
		ref == attestation.AnnouncedWithdrawalReference(agent.UnderlyingWithdrawal.ID)
}

func (o *op) isPaymentConfirmed(tx *attestation.BalanceDecreasingTransaction) (bool, error) {
	return store.IsPaymentConfirmed(o.tx, paymentKey(tx.SourceAddressHash, tx.TransactionID))
}

// IllegalPaymentChallenge proves that the agent's underlying address spent funds in a transaction
// that matches no open redemption, no current announced withdrawal and no confirmed payment.
func (e *Engine) IllegalPaymentChallenge(ctx context.Context, challenger common.Address, tx *attestation.BalanceDecreasingTransaction, vault common.Address) (*big.Int, error) {
	if err := e.verifyBalanceDecreasing(ctx, tx); err != nil {
		return nil, err
	}
	var reward *big.Int
	err := e.update(ctx, "illegalPaymentChallenge", func(o *op) error {
		agent, err := o.challengedAgent(vault)
		if err != nil {
			return err
		}
		if tx.SourceAddressHash != agent.UnderlyingAddressHash {
			return invalidProof("chlg: not agent's address", nil)
		}
		confirmed, err := o.isPaymentConfirmed(tx)
		if err != nil {
			return err
		}
		if confirmed {
			return precondition("chlg: transaction confirmed")
		}
		if tx.BlockNumber < agent.UnderlyingBlockAtCreation {
			return precondition("chlg: before agent created")
		}
		req, err := o.openAgentRedemption(agent, tx.PaymentReference)
		if err != nil {
			return err
		}
		if req != nil {
			return precondition("matching redemption active")
		}
		if isAnnouncedWithdrawal(agent, tx.PaymentReference) {
			return precondition("matching ongoing announced pmt")
		}
		reward, err = o.punishAgent(agent, challenger, EventIllegalPaymentConfirmed, tx.TransactionID)
		return err
	})
	return reward, err
}

// DoublePaymentChallenge proves that the agent paid the same redemption or announced withdrawal
// twice.
func (e *Engine) DoublePaymentChallenge(ctx context.Context, challenger common.Address, tx1, tx2 *attestation.BalanceDecreasingTransaction, vault common.Address) (*big.Int, error) {
	if err := e.verifyBalanceDecreasing(ctx, tx1); err != nil {
		return nil, err
	}
	if err := e.verifyBalanceDecreasing(ctx, tx2); err != nil {
		return nil, err
	}
	var reward *big.Int
	err := e.update(ctx, "doublePaymentChallenge", func(o *op) error {
		agent, err := o.challengedAgent(vault)
		if err != nil {
			return err
		}
		if tx1.TransactionID == tx2.TransactionID {
			return precondition("chlg dbl: same transaction")
		}
		if tx1.SourceAddressHash != agent.UnderlyingAddressHash || tx2.SourceAddressHash != agent.UnderlyingAddressHash {
			return invalidProof("chlg dbl: not agent's address", nil)
		}
		if tx1.PaymentReference != tx2.PaymentReference {
			return invalidProof("challenge: not duplicate", nil)
		}
		if !attestation.IsAgentPaymentReference(tx1.PaymentReference) {
			return invalidProof("challenge: not agent payment", nil)
		}
		reward, err = o.punishAgent(agent, challenger, EventDuplicatePaymentConfirmed, tx2.TransactionID)
		return err
	})
	return reward, err
}

// FreeBalanceNegativeChallenge proves that the listed outgoing transactions together leave the
// agent's underlying balance below the backing required for its minted f-assets. Payments for
// open redemptions only count with the part exceeding the redemption value.
func (e *Engine) FreeBalanceNegativeChallenge(ctx context.Context, challenger common.Address, txs []*attestation.BalanceDecreasingTransaction, vault common.Address) (*big.Int, error) {
	if len(txs) == 0 {
		return nil, outOfBounds("mult chlg: no transactions")
	}
	for _, tx := range txs {
		if err := e.verifyBalanceDecreasing(ctx, tx); err != nil {
			return nil, err
		}
	}
	var reward *big.Int
	err := e.update(ctx, "freeBalanceNegativeChallenge", func(o *op) error {
		agent, err := o.challengedAgent(vault)
		if err != nil {
			return err
		}
		seen := make(map[common.Hash]bool, len(txs))
		spent := new(big.Int)
		for _, tx := range txs {
			if tx.SourceAddressHash != agent.UnderlyingAddressHash {
				return invalidProof("mult chlg: not agent's address", nil)
			}
			if seen[tx.TransactionID] {
				return precondition("mult chlg: repeated transaction")
			}
			seen[tx.TransactionID] = true
			confirmed, err := o.isPaymentConfirmed(tx)
			if err != nil {
				return err
			}
			if confirmed {
				return precondition("mult chlg: payment confirmed")
			}
			amount := amountOf(tx.SpentAmount)
			req, err := o.openAgentRedemption(agent, tx.PaymentReference)
			if err != nil {
				return err
			}
			if req != nil {
				amount = collateral.SubFloorZero(amount, req.UnderlyingValueUBA)
			}
			spent.Add(spent, amount)
		}
		free := new(big.Int).Sub(agent.UnderlyingBalance(), spent)
		if free.Cmp(o.requiredUnderlyingUBA(agent)) >= 0 {
			return precondition("mult chlg: enough balance")
		}
		reward, err = o.punishAgent(agent, challenger, EventUnderlyingBalanceNegative, common.Hash{})
		return err
	})
	return reward, err
}

// punishAgent starts full liquidation and pays the challenger the fixed reward plus
// paymentChallengeRewardBIPS of the agent's minted value, in vault collateral.
func (o *op) punishAgent(agent *types.Agent, challenger common.Address, ev EventType, txID common.Hash) (*big.Int, error) {
	vaultType, _, err := o.collateralTypes(agent)
	if err != nil {
		return nil, err
	}
	reward, err := o.usd5ToVaultWei(agent, o.settings.PaymentChallengeRewardUSD5)
	if err != nil {
		return nil, err
	}
	if o.settings.PaymentChallengeRewardBIPS > 0 {
		mintedWei, err := o.tokenWei(agent.MintedAMG, vaultType)
		if err != nil {
			return nil, err
		}
		reward.Add(reward, collateral.MulBIPS(mintedWei, o.settings.PaymentChallengeRewardBIPS))
	}
	if err := o.startFullLiquidation(agent, string(ev)); err != nil {
		return nil, err
	}
	paid := o.payFromVault(agent, challenger, reward, "challenge reward")
	o.emit(Event{Type: ev, AgentVault: agent.Vault, Actor: challenger, Value: new(big.Int).Set(paid), Detail: txID.Hex()})
	logging.Audit(logging.AuditEvent{
		Operation: string(ev),
		Actor:     challenger.Hex(),
		Target:    agent.Vault.Hex(),
		Result:    "success",
		Details:   fmt.Sprintf("tx=%s reward_wei=%s", txID.Hex(), paid),
	})
	return paid, nil
}

func amountOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
