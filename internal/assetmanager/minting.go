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

// poolFeeAMG is the share of the minting fee minted to the agent's collateral pool, rounded down
// to whole AMG.
func (o *op) poolFeeAMG(underlyingFeeUBA *big.Int, poolFeeShareBIPS uint64) uint64 {
	return o.acc.Asset.ConvertUBAToAMG(collateral.MulBIPS(underlyingFeeUBA, poolFeeShareBIPS))
}

func (o *op) reservationAMG(crt *types.CollateralReservation) uint64 {
	return crt.ValueAMG + o.poolFeeAMG(crt.UnderlyingFeeUBA, crt.PoolFeeShareBIPS)
}

// checkMintingCap fails when minting amg more would exceed the global minting cap.
func (o *op) checkMintingCap(amg uint64) error {
	if o.settings.MintingCapAMG == 0 {
		return nil
	}
	if o.st.TotalMintedAMG+o.st.TotalReservedAMG+amg > o.settings.MintingCapAMG {
		return outOfBounds("minting cap exceeded")
	}
	return nil
}

// ReservationFee returns the native fee a minter must pay to reserve lots with the agent.
func (e *Engine) ReservationFee(ctx context.Context, lots uint64) (*big.Int, error) {
	var fee *big.Int
	err := e.view(ctx, func(o *op) error {
		var err error
		fee, err = o.reservationFee(lots)
		return err
	})
	return fee, err
}

func (o *op) reservationFee(lots uint64) (*big.Int, error) {
	pool := o.mgr.PoolCollateral()
	valueWei, err := o.tokenWei(o.acc.Asset.LotsToAMG(lots), pool)
	if err != nil {
		return nil, err
	}
	return collateral.MulBIPSRoundUp(valueWei, o.settings.CollateralReservationFeeBIPS), nil
}

// ReserveCollateral reserves lots of the agent's collateral for a minter. The minter pays feePaid
// in pool collateral up front and must then pay value plus fee to the agent's underlying address
// before the returned deadlines.
func (e *Engine) ReserveCollateral(ctx context.Context, minter, vault common.Address, lots, maxMintingFeeBIPS uint64, feePaid *big.Int) (*types.CollateralReservation, error) {
	var out types.CollateralReservation
	err := e.update(ctx, "reserveCollateral", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		isOwner, err := o.isOwner(minter, agent)
		if err != nil {
			return err
		}
		if agent.Status != types.AgentStatusNormal {
			return precondition("rc: invalid agent status")
		}
		if !agent.Available && !isOwner {
			return precondition("agent not in mint queue")
		}
		if lots == 0 {
			return outOfBounds("cannot mint 0 lots")
		}
		if maxMintingFeeBIPS < agent.Settings.FeeBIPS {
			return outOfBounds("agent's fee too high")
		}
		vaultType, pool, err := o.collateralTypes(agent)
		if err != nil {
			return err
		}
		if !vaultType.IsValidAt(o.now) {
			return precondition("rc: invalid vault collateral")
		}
		freeLots, err := o.acc.FreeCollateralLots(o.ctx, agent, vaultType, pool)
		if err != nil {
			return err
		}
		if freeLots < lots {
			return outOfBounds("not enough free collateral")
		}
		requiredFee, err := o.reservationFee(lots)
		if err != nil {
			return err
		}
		if feePaid == nil || feePaid.Cmp(requiredFee) < 0 {
			return outOfBounds("inappropriate fee amount")
		}

		valueAMG := o.acc.Asset.LotsToAMG(lots)
		underlyingFee := collateral.MulBIPSRoundUp(o.acc.Asset.ConvertAMGToUBA(valueAMG), agent.Settings.FeeBIPS)
		crt := &types.CollateralReservation{
			AgentVault:        vault,
			Minter:            minter,
			Lots:              lots,
			ValueAMG:          valueAMG,
			UnderlyingFeeUBA:  underlyingFee,
			ReservationFeeWei: new(big.Int).Set(feePaid),
			PoolFeeShareBIPS:  agent.Settings.PoolFeeShareBIPS,
			CreatedAt:         o.now,
			Status:            types.ReservationActive,
		}
		reserved := o.reservationAMG(crt)
		if err := o.checkMintingCap(reserved); err != nil {
			return err
		}
		crt.ID = o.nextRequestID(true)
		crt.FirstUnderlyingBlock = o.st.CurrentUnderlyingBlock
		crt.LastUnderlyingBlock, crt.LastUnderlyingTimestamp = o.paymentDeadline()

		collateral.LockCollateral(agent, reserved)
		o.st.TotalReservedAMG += reserved
		if err := store.PutReservation(o.tx, crt); err != nil {
			return err
		}
		o.emit(Event{
			Type:       EventCollateralReserved,
			AgentVault: vault,
			Actor:      minter,
			RequestID:  crt.ID,
			Value:      o.acc.Asset.ConvertAMGToUBA(valueAMG),
			Lots:       lots,
		})
		out = *crt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// activeReservation loads an active reservation.
func (o *op) activeReservation(id uint64) (*types.CollateralReservation, error) {
	crt, err := store.GetReservation(o.tx, id)
	if store.IsNotFound(err) {
		return nil, precondition("invalid crt id")
	}
	if err != nil {
		return nil, err
	}
	if crt.Status != types.ReservationActive {
		return nil, precondition("invalid crt id")
	}
	return crt, nil
}

// releaseReservation returns the reserved AMG of crt to the agent's free collateral.
func (o *op) releaseReservation(agent *types.Agent, crt *types.CollateralReservation, status types.ReservationStatus) error {
	reserved := o.reservationAMG(crt)
	if err := collateral.ReleaseCollateral(agent, reserved); err != nil {
		return err
	}
	o.st.TotalReservedAMG -= min(reserved, o.st.TotalReservedAMG)
	crt.Status = status
	return store.PutReservation(o.tx, crt)
}

// ExecuteMinting mints f-assets for a reservation once its underlying payment is proven.
func (e *Engine) ExecuteMinting(ctx context.Context, caller common.Address, payment *attestation.Payment, crtID uint64) error {
	if err := e.verifyPayment(ctx, payment); err != nil {
		return err
	}
	return e.update(ctx, "executeMinting", func(o *op) error {
		crt, err := o.activeReservation(crtID)
		if err != nil {
			return err
		}
		agent, err := o.agent(crt.AgentVault)
		if err != nil {
			return err
		}
		if caller != crt.Minter {
			isOwner, err := o.isOwner(caller, agent)
			if err != nil {
				return err
			}
			if !isOwner {
				return unauthorized("only minter, executor or agent")
			}
		}
		if payment.PaymentReference != attestation.MintingReference(crt.ID) {
			return invalidProof("invalid minting reference", nil)
		}
		if payment.ReceivingAddressHash != agent.UnderlyingAddressHash {
			return invalidProof("not minting agent's address", nil)
		}
		if payment.Status != attestation.PaymentSuccess {
			return invalidProof("payment failed", nil)
		}
		valueUBA := o.acc.Asset.ConvertAMGToUBA(crt.ValueAMG)
		required := new(big.Int).Add(valueUBA, crt.UnderlyingFeeUBA)
		if payment.ReceivedAmount == nil || payment.ReceivedAmount.Cmp(required) < 0 {
			return invalidProof("minting payment too small", nil)
		}
		if payment.BlockNumber < crt.FirstUnderlyingBlock {
			return invalidProof("minting payment too old", nil)
		}
		if payment.BlockNumber > crt.LastUnderlyingBlock && payment.BlockTimestamp > crt.LastUnderlyingTimestamp {
			return invalidProof("minting payment too late", nil)
		}
		if err := o.confirmPayment(payment.SourceAddressHash, payment.TransactionID); err != nil {
			return err
		}

		poolFee := o.poolFeeAMG(crt.UnderlyingFeeUBA, crt.PoolFeeShareBIPS)
		if err := o.releaseReservation(agent, crt, types.ReservationExecuted); err != nil {
			return err
		}
		if err := o.mint(agent, crt.Minter, crt.ValueAMG, poolFee); err != nil {
			return err
		}
		if err := o.changeUnderlyingBalance(agent, amountOf(payment.ReceivedAmount)); err != nil {
			return err
		}
		o.transfer(Transfer{
			Token:     o.mgr.PoolCollateral().Token,
			To:        o.settings.BurnAddress,
			AmountWei: crt.ReservationFeeWei,
			Reason:    "reservation fee burned",
		})
		o.emit(Event{Type: EventMintingExecuted, AgentVault: agent.Vault, Actor: crt.Minter, RequestID: crt.ID, Value: valueUBA, Lots: crt.Lots})
		logging.Info("minting executed",
			logging.Component("assetmanager"),
			logging.AgentVault(agent.Vault),
			logging.RequestID(crt.ID),
			logging.TxHash(payment.TransactionID),
			"lots", crt.Lots)
		return nil
	})
}

// mint adds valueAMG minted to recipient and poolFeeAMG minted to the agent's pool, and queues
// the new backing for redemption.
func (o *op) mint(agent *types.Agent, recipient common.Address, valueAMG, poolFeeAMG uint64) error {
	total := valueAMG + poolFeeAMG
	agent.MintedAMG += total
	o.st.TotalMintedAMG += total
	if err := o.mintFAssets(recipient, o.acc.Asset.ConvertAMGToUBA(valueAMG)); err != nil {
		return err
	}
	if poolFeeAMG > 0 {
		if err := o.mintFAssets(agent.CollateralPool, o.acc.Asset.ConvertAMGToUBA(poolFeeAMG)); err != nil {
			return err
		}
	}
	return o.createRedemptionTicket(agent, total)
}

// MintingPaymentDefault closes a reservation whose payment was proven not to have happened in the
// whole payment window. The reservation fee goes to the agent and its pool.
func (e *Engine) MintingPaymentDefault(ctx context.Context, caller common.Address, proof *attestation.ReferencedPaymentNonexistence, crtID uint64) error {
	if err := e.verifyNonPayment(ctx, proof); err != nil {
		return err
	}
	return e.update(ctx, "mintingPaymentDefault", func(o *op) error {
		crt, err := o.activeReservation(crtID)
		if err != nil {
			return err
		}
		agent, err := o.agent(crt.AgentVault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		required := new(big.Int).Add(o.acc.Asset.ConvertAMGToUBA(crt.ValueAMG), crt.UnderlyingFeeUBA)
		if proof.PaymentReference != attestation.MintingReference(crt.ID) ||
			proof.DestinationAddressHash != agent.UnderlyingAddressHash ||
			proof.Amount == nil || proof.Amount.Cmp(required) != 0 {
			return invalidProof("minting non-payment mismatch", nil)
		}
		if proof.DeadlineBlockNumber < crt.LastUnderlyingBlock || proof.DeadlineTimestamp < crt.LastUnderlyingTimestamp {
			return precondition("minting default too early")
		}
		if proof.LowerBoundaryBlock > crt.FirstUnderlyingBlock {
			return invalidProof("minting non-payment proof window too short", nil)
		}
		if err := o.releaseReservation(agent, crt, types.ReservationDefaulted); err != nil {
			return err
		}

		pool := o.mgr.PoolCollateral()
		poolShare := collateral.MulBIPS(crt.ReservationFeeWei, crt.PoolFeeShareBIPS)
		agentShare := new(big.Int).Sub(crt.ReservationFeeWei, poolShare)
		agent.SetCollateral(types.CollateralClassPool, new(big.Int).Add(agent.Collateral(types.CollateralClassPool), poolShare))
		o.transfer(Transfer{Token: pool.Token, To: agent.CollateralPool, AmountWei: poolShare, Reason: "reservation fee pool share"})
		o.transfer(Transfer{Token: pool.Token, To: agent.Owner, AmountWei: agentShare, Reason: "reservation fee agent share"})

		o.emit(Event{Type: EventMintingPaymentDefault, AgentVault: agent.Vault, Actor: crt.Minter, RequestID: crt.ID, Value: required, Lots: crt.Lots})
		return nil
	})
}

// UnstickMinting cancels a reservation whose payment can no longer be proven either way because
// the attestation window has passed. The agent pays for the backing it keeps with vault collateral
// at vaultCollateralBuyForFlareFactorBIPS, which is burned together with the reservation fee.
func (e *Engine) UnstickMinting(ctx context.Context, caller common.Address, proof *attestation.ConfirmedBlockHeightExists, crtID uint64) error {
	if err := e.verifyBlockHeight(ctx, proof); err != nil {
		return err
	}
	return e.update(ctx, "unstickMinting", func(o *op) error {
		crt, err := o.activeReservation(crtID)
		if err != nil {
			return err
		}
		agent, err := o.agent(crt.AgentVault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if proof.LowestQueryWindowBlock <= crt.LastUnderlyingBlock ||
			proof.BlockTimestamp <= crt.LastUnderlyingTimestamp+o.settings.AttestationWindowSeconds {
			return precondition("cannot unstick minting yet")
		}
		vaultType, _, err := o.collateralTypes(agent)
		if err != nil {
			return err
		}
		valueWei, err := o.tokenWei(crt.ValueAMG, vaultType)
		if err != nil {
			return err
		}
		burn := collateral.MulBIPS(valueWei, o.settings.VaultCollateralBuyForFlareFactorBIPS)
		if err := o.releaseReservation(agent, crt, types.ReservationUnstuck); err != nil {
			return err
		}
		burned := o.payFromVault(agent, o.settings.BurnAddress, burn, "unstick minting")
		o.transfer(Transfer{
			Token:     o.mgr.PoolCollateral().Token,
			To:        o.settings.BurnAddress,
			AmountWei: crt.ReservationFeeWei,
			Reason:    "reservation fee burned",
		})
		o.emit(Event{Type: EventCollateralReservationUnstuck, AgentVault: agent.Vault, RequestID: crt.ID, Value: burned, Lots: crt.Lots})
		return nil
	})
}

// SelfMint mints lots to the agent owner against a payment the agent made to its own underlying
// address with its self-mint reference. Zero lots only credits the underlying balance.
func (e *Engine) SelfMint(ctx context.Context, caller common.Address, payment *attestation.Payment, vault common.Address, lots uint64) error {
	if err := e.verifyPayment(ctx, payment); err != nil {
		return err
	}
	return e.update(ctx, "selfMint", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if agent.Status != types.AgentStatusNormal {
			return precondition("self-mint invalid agent status")
		}
		vaultType, pool, err := o.collateralTypes(agent)
		if err != nil {
			return err
		}
		if !vaultType.IsValidAt(o.now) {
			return precondition("self-mint invalid vault collateral")
		}
		if payment.PaymentReference != attestation.SelfMintReference(vault) {
			return invalidProof("self-mint invalid payment reference", nil)
		}
		if payment.ReceivingAddressHash != agent.UnderlyingAddressHash {
			return invalidProof("self-mint not agent's address", nil)
		}
		if payment.Status != attestation.PaymentSuccess {
			return invalidProof("self-mint payment failed", nil)
		}
		if payment.BlockNumber < agent.UnderlyingBlockAtCreation {
			return invalidProof("self-mint payment too old", nil)
		}

		valueAMG := o.acc.Asset.LotsToAMG(lots)
		valueUBA := o.acc.Asset.ConvertAMGToUBA(valueAMG)
		fee := collateral.MulBIPSRoundUp(valueUBA, agent.Settings.FeeBIPS)
		poolFee := o.poolFeeAMG(fee, agent.Settings.PoolFeeShareBIPS)
		if payment.ReceivedAmount == nil || payment.ReceivedAmount.Cmp(new(big.Int).Add(valueUBA, fee)) < 0 {
			return invalidProof("self-mint payment too small", nil)
		}
		if lots > 0 {
			freeLots, err := o.acc.FreeCollateralLots(o.ctx, agent, vaultType, pool)
			if err != nil {
				return err
			}
			if freeLots < lots {
				return outOfBounds("not enough free collateral")
			}
			if err := o.checkMintingCap(valueAMG + poolFee); err != nil {
				return err
			}
		}
		if err := o.confirmPayment(payment.SourceAddressHash, payment.TransactionID); err != nil {
			return err
		}
		if lots > 0 {
			if err := o.mint(agent, agent.Owner, valueAMG, poolFee); err != nil {
				return err
			}
		}
		o.emit(Event{Type: EventSelfMint, AgentVault: vault, Actor: agent.Owner, Value: valueUBA, Lots: lots})
		return o.changeUnderlyingBalance(agent, amountOf(payment.ReceivedAmount))
	})
}
