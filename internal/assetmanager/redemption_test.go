package assetmanager

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/pkg/types"
)

var (
	secondOwnerAddr   = common.HexToAddress("0x00000000000000000000000000000000000a0002")
	secondUnderlying  = "rSecondAgentUnderlyingAddress"
	redeemerAddrHash  = attestation.AddressHash(redeemerUnderlying)
	testRedemptionFee = int64(200)
)

// checkTickets verifies that the agent's queued tickets plus dust equal its minted AMG.
func checkTickets(t *testing.T, f *fixture, vault common.Address) {
	t.Helper()
	agent := f.agent(vault)
	queue, err := f.engine.RedemptionQueue(f.ctx, 0)
	if err != nil {
		t.Fatalf("RedemptionQueue failed: %v", err)
	}
	total := agent.DustAMG
	for _, ticket := range queue {
		if ticket.AgentVault == vault {
			total += ticket.ValueAMG
		}
	}
	if total != agent.MintedAMG {
		t.Errorf("tickets + dust = %d, minted = %d", total, agent.MintedAMG)
	}
	if agent.DustAMG >= testLot {
		t.Errorf("dust %d is a whole lot or more", agent.DustAMG)
	}
}

func (f *fixture) redeem(lots uint64) *RedeemResult {
	f.t.Helper()
	res, err := f.engine.Redeem(f.ctx, minterAddr, lots, redeemerUnderlying)
	if err != nil {
		f.t.Fatalf("Redeem failed: %v", err)
	}
	return res
}

func (f *fixture) redemptionPayment(agent *types.Agent, req *types.RedemptionRequest, received int64, status uint8) *attestation.Payment {
	return f.redemptionPaymentAt(agent, req, received, status, 0, 0)
}

// redemptionPaymentAt proves a redemption payment in the given block; zero values use the fixture defaults.
func (f *fixture) redemptionPaymentAt(agent *types.Agent, req *types.RedemptionRequest, received int64, status uint8, block, timestamp uint64) *attestation.Payment {
	return f.payment(attestation.Payment{
		BlockNumber:          block,
		BlockTimestamp:       timestamp,
		SourceAddressHash:    agent.UnderlyingAddressHash,
		ReceivingAddressHash: req.RedeemerUnderlyingAddressHash,
		PaymentReference:     attestation.RedemptionReference(req.ID),
		SpentAmount:          big.NewInt(received + 100),
		ReceivedAmount:       big.NewInt(received),
		Status:               status,
	})
}

func (f *fixture) redemptionNonPayment(req *types.RedemptionRequest) *attestation.ReferencedPaymentNonexistence {
	return f.nonPayment(attestation.ReferencedPaymentNonexistence{
		DeadlineBlockNumber:    req.LastUnderlyingBlock,
		DeadlineTimestamp:      req.LastUnderlyingTimestamp,
		DestinationAddressHash: req.RedeemerUnderlyingAddressHash,
		PaymentReference:       attestation.RedemptionReference(req.ID),
		Amount:                 req.NetValueUBA(),
		LowerBoundaryBlock:     req.FirstUnderlyingBlock,
		FirstOverflowBlock:     req.LastUnderlyingBlock + 1,
	})
}

func TestRedeemAcrossAgents(t *testing.T) {
	f := newFixture(t)
	first := f.createAgent(ownerAddr, agentUnderlying)
	second := f.createAgent(secondOwnerAddr, secondUnderlying)
	f.mint(first.Vault, 2)
	f.mint(second.Vault, 3)

	before, _ := f.engine.State(f.ctx)
	res := f.redeem(4)
	if res.RedeemedLots != 4 || res.RemainingLots != 0 {
		t.Fatalf("redeemed %d remaining %d, want 4 and 0", res.RedeemedLots, res.RemainingLots)
	}
	if len(res.Requests) != 2 {
		t.Fatalf("got %d requests, want 2", len(res.Requests))
	}

	var total uint64
	for _, req := range res.Requests {
		if req.ID%2 != 0 {
			t.Errorf("redemption id %d is not even", req.ID)
		}
		if req.RedeemerUnderlyingAddressHash != redeemerAddrHash {
			t.Errorf("request %d has wrong redeemer address", req.ID)
		}
		wantFee := req.UnderlyingValueUBA.Int64() * testRedemptionFee / 10000
		if req.UnderlyingFeeUBA.Int64() != wantFee {
			t.Errorf("request %d fee = %s, want %d", req.ID, req.UnderlyingFeeUBA, wantFee)
		}
		total += req.ValueAMG
	}
	if total != 4*testLot {
		t.Errorf("requests total %d AMG, want %d", total, 4*testLot)
	}
	if res.Requests[0].AgentVault != first.Vault || res.Requests[0].ValueAMG != 2*testLot {
		t.Errorf("first request = %+v, want 2 lots from the oldest ticket", res.Requests[0])
	}
	if got := f.balance(minterAddr); got.Int64() != testLot {
		t.Errorf("redeemer balance = %s, want %d", got, testLot)
	}
	after, _ := f.engine.State(f.ctx)
	if before.TotalMintedAMG-after.TotalMintedAMG != 4*testLot {
		t.Errorf("total minted dropped by %d, want %d", before.TotalMintedAMG-after.TotalMintedAMG, 4*testLot)
	}
	if got := f.agent(second.Vault).RedeemingAMG; got != 2*testLot {
		t.Errorf("second agent redeeming = %d", got)
	}
	checkTickets(t, f, first.Vault)
	checkTickets(t, f, second.Vault)
}

func TestRedeemIncomplete(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 3)
	if err := f.engine.TransferFAsset(f.ctx, agent.CollateralPool, minterAddr, big.NewInt(60_000)); err != nil {
		t.Fatalf("TransferFAsset failed: %v", err)
	}

	res := f.redeem(10)
	if res.RedeemedLots != 3 || res.RemainingLots != 7 {
		t.Fatalf("redeemed %d remaining %d, want 3 and 7", res.RedeemedLots, res.RemainingLots)
	}
	if got := f.balance(minterAddr); got.Int64() != 60_000 {
		t.Errorf("redeemer keeps %s, want 60000", got)
	}
	if len(f.events.OfType(EventRedemptionRequestIncomplete)) != 1 {
		t.Error("expected an incomplete redemption event")
	}

	_, err := f.engine.Redeem(f.ctx, minterAddr, 1, redeemerUnderlying)
	expectReason(t, err, KindStatePrecondition, "redeem 0 lots")
	checkTickets(t, f, agent.Vault)
}

func TestRedeemRequiresBalance(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 2)

	_, err := f.engine.Redeem(f.ctx, strangerAddr, 1, redeemerUnderlying)
	expectReason(t, err, KindBounds, "f-asset balance too low")
	// the failed call left the queue untouched
	if got := f.agent(agent.Vault).RedeemingAMG; got != 0 {
		t.Errorf("redeeming = %d after rejected redeem", got)
	}
	checkTickets(t, f, agent.Vault)
}

func TestConfirmRedemptionPayment(t *testing.T) {
	tests := []struct {
		name       string
		received   int64
		status     uint8
		want       ConfirmationOutcome
		wantStatus types.RedemptionStatus
		wantPaid   int64
		late       bool
	}{
		{"paid in full", 1_960_000, attestation.PaymentSuccess, OutcomeSuccess, types.RedemptionConfirmed, 0, false},
		{"blocked by redeemer", 0, attestation.PaymentBlocked, OutcomePaymentBlocked, types.RedemptionConfirmed, 0, false},
		{"too small", 1_000_000, attestation.PaymentSuccess, OutcomePaymentFailed, types.RedemptionPaymentFailed, 2_100_000, false},
		{"failed", 1_960_000, attestation.PaymentFailed, OutcomePaymentFailed, types.RedemptionPaymentFailed, 2_100_000, false},
		{"too late", 1_960_000, attestation.PaymentSuccess, OutcomePaymentFailed, types.RedemptionPaymentFailed, 2_100_000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			agent := f.createAgent(ownerAddr, agentUnderlying)
			f.mint(agent.Vault, 3)
			req := f.redeem(2).Requests[0]

			var block, timestamp uint64
			if tt.late {
				block, timestamp = req.LastUnderlyingBlock+1, req.LastUnderlyingTimestamp+1
			}
			payment := f.redemptionPaymentAt(agent, req, tt.received, tt.status, block, timestamp)
			outcome, err := f.engine.ConfirmRedemptionPayment(f.ctx, ownerAddr, payment, req.ID)
			if err != nil {
				t.Fatalf("ConfirmRedemptionPayment failed: %v", err)
			}
			if outcome != tt.want {
				t.Errorf("outcome = %s, want %s", outcome, tt.want)
			}
			stored, err := f.engine.Redemption(f.ctx, req.ID)
			if err != nil {
				t.Fatalf("Redemption failed: %v", err)
			}
			if stored.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", stored.Status, tt.wantStatus)
			}
			if got := f.treasury.Received(minterAddr, f.vaultToken); got.Int64() != tt.wantPaid {
				t.Errorf("redeemer got %s vault collateral, want %d", got, tt.wantPaid)
			}
			after := f.agent(agent.Vault)
			if after.RedeemingAMG != 0 {
				t.Errorf("redeeming = %d, want 0", after.RedeemingAMG)
			}
			wantBalance := 3_150_000 - (tt.received + 100)
			if got := after.UnderlyingBalance(); got.Int64() != wantBalance {
				t.Errorf("underlying balance = %s, want %d", got, wantBalance)
			}

			_, err = f.engine.ConfirmRedemptionPayment(f.ctx, ownerAddr, payment, req.ID)
			if KindOf(err) != KindStatePrecondition {
				t.Errorf("second confirmation: expected precondition error, got %v", err)
			}
		})
	}
}

func TestConfirmRedemptionPaymentRejections(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 3)
	req := f.redeem(1).Requests[0]

	wrongRef := f.payment(attestation.Payment{
		SourceAddressHash:    agent.UnderlyingAddressHash,
		ReceivingAddressHash: req.RedeemerUnderlyingAddressHash,
		PaymentReference:     attestation.RedemptionReference(req.ID + 2),
		ReceivedAmount:       big.NewInt(980_000),
	})
	_, err := f.engine.ConfirmRedemptionPayment(f.ctx, ownerAddr, wrongRef, req.ID)
	expectReason(t, err, KindProofValidity, "invalid redemption reference")

	wrongReceiver := f.payment(attestation.Payment{
		SourceAddressHash:    agent.UnderlyingAddressHash,
		ReceivingAddressHash: attestation.AddressHash("rSomeoneElse"),
		PaymentReference:     attestation.RedemptionReference(req.ID),
		ReceivedAmount:       big.NewInt(980_000),
	})
	_, err = f.engine.ConfirmRedemptionPayment(f.ctx, ownerAddr, wrongReceiver, req.ID)
	expectReason(t, err, KindProofValidity, "invalid receiving address")

	_, err = f.engine.ConfirmRedemptionPayment(f.ctx, ownerAddr, f.redemptionPayment(agent, req, 980_000, 0), req.ID+2)
	expectReason(t, err, KindStatePrecondition, "invalid request id")
}

func TestConfirmRedemptionByOthers(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 3)
	req := f.redeem(1).Requests[0]

	_, err := f.engine.ConfirmRedemptionPayment(f.ctx, strangerAddr, f.redemptionPayment(agent, req, 980_000, 0), req.ID)
	expectReason(t, err, KindAuthorization, "only agent vault owner")

	f.advance(testSettings().ConfirmationByOthersAfterSeconds + 1)
	outcome, err := f.engine.ConfirmRedemptionPayment(f.ctx, strangerAddr, f.redemptionPayment(agent, req, 980_000, 0), req.ID)
	if err != nil {
		t.Fatalf("ConfirmRedemptionPayment failed: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Errorf("outcome = %s, want success", outcome)
	}
	// $0.10 in a $1 stablecoin with 6 decimals
	if got := f.treasury.Received(strangerAddr, f.vaultToken); got.Int64() != 100_000 {
		t.Errorf("reward = %s, want 100000", got)
	}
}

func TestRedemptionPaymentDefault(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 3)
	req := f.redeem(2).Requests[0]

	early := f.nonPayment(attestation.ReferencedPaymentNonexistence{
		DeadlineBlockNumber:    req.LastUnderlyingBlock - 1,
		DeadlineTimestamp:      req.LastUnderlyingTimestamp - 1,
		DestinationAddressHash: req.RedeemerUnderlyingAddressHash,
		PaymentReference:       attestation.RedemptionReference(req.ID),
		Amount:                 req.NetValueUBA(),
		LowerBoundaryBlock:     req.FirstUnderlyingBlock,
	})
	err := f.engine.RedemptionPaymentDefault(f.ctx, minterAddr, early, req.ID)
	expectReason(t, err, KindStatePrecondition, "redemption default too early")

	err = f.engine.RedemptionPaymentDefault(f.ctx, strangerAddr, f.redemptionNonPayment(req), req.ID)
	expectReason(t, err, KindAuthorization, "only redeemer, executor or agent")

	if err := f.engine.RedemptionPaymentDefault(f.ctx, minterAddr, f.redemptionNonPayment(req), req.ID); err != nil {
		t.Fatalf("RedemptionPaymentDefault failed: %v", err)
	}
	// 2 lots of $1 at 105%, within one wei
	paid := f.treasury.Received(minterAddr, f.vaultToken)
	if diff := new(big.Int).Sub(paid, big.NewInt(2_100_000)); diff.CmpAbs(big.NewInt(1)) > 0 {
		t.Errorf("default payout = %s, want 2100000", paid)
	}
	after := f.agent(agent.Vault)
	if after.RedeemingAMG != 0 {
		t.Errorf("redeeming = %d, want 0", after.RedeemingAMG)
	}
	if got := after.Collateral(types.CollateralClassVault); got.Int64() != testVaultDeposit-paid.Int64() {
		t.Errorf("vault collateral = %s", got)
	}

	err = f.engine.RedemptionPaymentDefault(f.ctx, minterAddr, f.redemptionNonPayment(req), req.ID)
	expectReason(t, err, KindStatePrecondition, "invalid request id")

	// a late payment is still accounted for, without a second payout
	outcome, err := f.engine.ConfirmRedemptionPayment(f.ctx, ownerAddr, f.redemptionPayment(agent, req, 1_960_000, 0), req.ID)
	if err != nil {
		t.Fatalf("late confirmation failed: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Errorf("outcome = %s", outcome)
	}
	stored, _ := f.engine.Redemption(f.ctx, req.ID)
	if stored.Status != types.RedemptionConfirmed {
		t.Errorf("status = %s, want confirmed", stored.Status)
	}
	if got := f.treasury.Received(minterAddr, f.vaultToken); got.Cmp(paid) != 0 {
		t.Errorf("redeemer paid again: %s", got)
	}
	if got := f.agent(agent.Vault).UnderlyingBalance(); got.Int64() != 3_150_000-1_960_100 {
		t.Errorf("underlying balance = %s", got)
	}
}

func TestFinishRedemptionWithoutPayment(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 3)
	req := f.redeem(1).Requests[0]

	early := f.blockProof(req.LastUnderlyingBlock, req.LastUnderlyingTimestamp, req.LastUnderlyingBlock)
	err := f.engine.FinishRedemptionWithoutPayment(f.ctx, ownerAddr, early, req.ID)
	expectReason(t, err, KindStatePrecondition, "should default first")

	// past the payment deadline but still inside the attestation window
	window := testSettings().AttestationWindowSeconds
	inWindow := f.blockProof(req.LastUnderlyingBlock+10, req.LastUnderlyingTimestamp+window, req.LastUnderlyingBlock+1)
	err = f.engine.FinishRedemptionWithoutPayment(f.ctx, ownerAddr, inWindow, req.ID)
	expectReason(t, err, KindStatePrecondition, "should default first")

	late := f.blockProof(req.LastUnderlyingBlock+1000, req.LastUnderlyingTimestamp+window+1, req.LastUnderlyingBlock+1)
	err = f.engine.FinishRedemptionWithoutPayment(f.ctx, minterAddr, late, req.ID)
	expectReason(t, err, KindAuthorization, "only agent vault owner")

	if err := f.engine.FinishRedemptionWithoutPayment(f.ctx, ownerAddr, late, req.ID); err != nil {
		t.Fatalf("FinishRedemptionWithoutPayment failed: %v", err)
	}
	stored, _ := f.engine.Redemption(f.ctx, req.ID)
	if stored.Status != types.RedemptionFinishedWithoutPayment {
		t.Errorf("status = %s", stored.Status)
	}
	if got := f.treasury.Received(minterAddr, f.vaultToken); got.Int64() != 1_050_000 {
		t.Errorf("default payout = %s, want 1050000", got)
	}
	open, err := f.engine.OpenRedemptions(f.ctx, agent.Vault)
	if err != nil {
		t.Fatalf("OpenRedemptions failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("%d redemptions still open", len(open))
	}
}

func TestSelfClose(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 3)
	if err := f.engine.TransferFAsset(f.ctx, minterAddr, ownerAddr, big.NewInt(1_500_000)); err != nil {
		t.Fatalf("TransferFAsset failed: %v", err)
	}

	_, err := f.engine.SelfClose(f.ctx, minterAddr, agent.Vault, big.NewInt(1_000_000))
	expectReason(t, err, KindAuthorization, "only agent vault owner")

	closed, err := f.engine.SelfClose(f.ctx, ownerAddr, agent.Vault, big.NewInt(1_500_000))
	if err != nil {
		t.Fatalf("SelfClose failed: %v", err)
	}
	if closed.Int64() != 1_500_000 {
		t.Errorf("closed = %s, want 1500000", closed)
	}
	if got := f.agent(agent.Vault).MintedAMG; got != 3_060_000-1_500_000 {
		t.Errorf("minted = %d", got)
	}
	if got := f.balance(ownerAddr); got.Sign() != 0 {
		t.Errorf("owner balance = %s, want 0", got)
	}
	checkTickets(t, f, agent.Vault)

	// the shortened ticket still redeems whole lots
	res := f.redeem(1)
	if res.RedeemedLots != 1 {
		t.Fatalf("redeemed %d lots", res.RedeemedLots)
	}
	checkTickets(t, f, agent.Vault)
}
