package assetmanager

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/pkg/types"
)

// UpdateCurrentBlock advances the proven underlying block. The proof's block plus its
// confirmations is the new current block; older proofs are accepted but change nothing.
func (e *Engine) UpdateCurrentBlock(ctx context.Context, proof *attestation.ConfirmedBlockHeightExists) error {
	if err := e.verifyBlockHeight(ctx, proof); err != nil {
		return err
	}
	return e.update(ctx, "updateCurrentBlock", func(o *op) error {
		block := proof.BlockNumber + proof.NumberOfConfirmations
		if block <= o.st.CurrentUnderlyingBlock {
			return nil
		}
		o.st.CurrentUnderlyingBlock = block
		o.st.CurrentUnderlyingBlockTimestamp = proof.BlockTimestamp +
			proof.NumberOfConfirmations*o.settings.AverageBlockTimeMS/1000
		o.st.CurrentUnderlyingBlockUpdatedAt = o.now
		o.emit(Event{Type: EventCurrentBlockUpdated, Value: new(big.Int).SetUint64(block)})
		return nil
	})
}

// ConfirmTopupPayment credits a payment to the agent's underlying address marked with the
// agent's topup reference.
func (e *Engine) ConfirmTopupPayment(ctx context.Context, caller common.Address, payment *attestation.Payment, vault common.Address) error {
	if err := e.verifyPayment(ctx, payment); err != nil {
		return err
	}
	return e.update(ctx, "confirmTopupPayment", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if payment.PaymentReference != attestation.TopupReference(vault) {
			return invalidProof("not a topup payment", nil)
		}
		if payment.ReceivingAddressHash != agent.UnderlyingAddressHash {
			return invalidProof("not underlying address", nil)
		}
		if payment.Status != attestation.PaymentSuccess {
			return invalidProof("payment failed", nil)
		}
		if payment.BlockNumber < agent.UnderlyingBlockAtCreation {
			return invalidProof("topup before agent created", nil)
		}
		if err := o.confirmPayment(payment.SourceAddressHash, payment.TransactionID); err != nil {
			return err
		}
		o.emit(Event{Type: EventUnderlyingTopup, AgentVault: vault, Value: amountOf(payment.ReceivedAmount)})
		return o.changeUnderlyingBalance(agent, amountOf(payment.ReceivedAmount))
	})
}

// AnnounceUnderlyingWithdrawal reserves an announcement id and returns the payment reference the
// agent must use for the withdrawal.
func (e *Engine) AnnounceUnderlyingWithdrawal(ctx context.Context, caller, vault common.Address) (common.Hash, error) {
	var ref common.Hash
	err := e.update(ctx, "announceUnderlyingWithdrawal", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if agent.UnderlyingWithdrawal.ID != 0 {
			return precondition("announced underlying withdrawal active")
		}
		o.st.NextAnnouncementID++
		agent.UnderlyingWithdrawal = types.UnderlyingWithdrawal{ID: o.st.NextAnnouncementID, AnnouncedAt: o.now}
		ref = attestation.AnnouncedWithdrawalReference(o.st.NextAnnouncementID)
		o.emit(Event{Type: EventUnderlyingWithdrawalAnnounced, AgentVault: vault, RequestID: o.st.NextAnnouncementID})
		return nil
	})
	return ref, err
}

// ConfirmUnderlyingWithdrawal accounts for the announced withdrawal's payment. Anyone may confirm
// once confirmationByOthersAfterSeconds have passed and is rewarded from the vault.
func (e *Engine) ConfirmUnderlyingWithdrawal(ctx context.Context, caller common.Address, payment *attestation.Payment, vault common.Address) error {
	if err := e.verifyPayment(ctx, payment); err != nil {
		return err
	}
	return e.update(ctx, "confirmUnderlyingWithdrawal", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		w := agent.UnderlyingWithdrawal
		if w.ID == 0 {
			return precondition("no active announcement")
		}
		isOwner, err := o.isOwner(caller, agent)
		if err != nil {
			return err
		}
		if isOwner {
			if o.now < w.AnnouncedAt+o.settings.AnnouncedUnderlyingConfirmationMinSeconds {
				return precondition("confirmation too soon")
			}
		} else if o.now <= w.AnnouncedAt+o.settings.ConfirmationByOthersAfterSeconds {
			return unauthorized("only agent vault owner")
		}
		if payment.PaymentReference != attestation.AnnouncedWithdrawalReference(w.ID) {
			return invalidProof("wrong announced payment reference", nil)
		}
		if payment.SourceAddressHash != agent.UnderlyingAddressHash {
			return invalidProof("wrong announced payment source", nil)
		}
		if err := o.confirmPayment(payment.SourceAddressHash, payment.TransactionID); err != nil {
			return err
		}
		agent.UnderlyingWithdrawal = types.UnderlyingWithdrawal{}
		if !isOwner {
			reward, err := o.usd5ToVaultWei(agent, o.settings.ConfirmationByOthersRewardUSD5)
			if err != nil {
				return err
			}
			o.payFromVault(agent, caller, reward, "confirmation by others reward")
		}
		o.emit(Event{Type: EventUnderlyingWithdrawalConfirmed, AgentVault: vault, Actor: caller, RequestID: w.ID, Value: amountOf(payment.SpentAmount)})
		return o.changeUnderlyingBalance(agent, new(big.Int).Neg(amountOf(payment.SpentAmount)))
	})
}

// CancelUnderlyingWithdrawal drops an announcement that was never paid.
func (e *Engine) CancelUnderlyingWithdrawal(ctx context.Context, caller, vault common.Address) error {
	return e.update(ctx, "cancelUnderlyingWithdrawal", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		w := agent.UnderlyingWithdrawal
		if w.ID == 0 {
			return precondition("no active announcement")
		}
		if o.now < w.AnnouncedAt+o.settings.AnnouncedUnderlyingConfirmationMinSeconds {
			return precondition("cancel too soon")
		}
		agent.UnderlyingWithdrawal = types.UnderlyingWithdrawal{}
		o.emit(Event{Type: EventUnderlyingWithdrawalCancelled, AgentVault: vault, RequestID: w.ID})
		return nil
	})
}

// requiredUnderlyingUBA is the underlying balance that must back the agent's minted f-assets.
func (o *op) requiredUnderlyingUBA(agent *types.Agent) *big.Int {
	minted := o.acc.Asset.ConvertAMGToUBA(agent.MintedAMG)
	return collateral.MulBIPS(minted, o.settings.MinUnderlyingBackingBIPS)
}

// changeUnderlyingBalance applies delta to the tracked underlying balance. Dropping below the
// required backing puts the agent into full liquidation.
func (o *op) changeUnderlyingBalance(agent *types.Agent, delta *big.Int) error {
	balance := agent.UnderlyingBalance()
	balance.Add(balance, delta)
	agent.UnderlyingBalanceUBA = balance
	if delta.Sign() >= 0 {
		return nil
	}
	required := o.requiredUnderlyingUBA(agent)
	if balance.Cmp(required) >= 0 {
		return nil
	}
	o.emit(Event{Type: EventUnderlyingBalanceTooLow, AgentVault: agent.Vault, Value: balance})
	logging.Warn("underlying balance too low",
		logging.Component("assetmanager"),
		logging.AgentVault(agent.Vault),
		"balance_uba", balance.String(),
		"required_uba", required.String())
	return o.startFullLiquidation(agent, "underlying balance too low")
}
