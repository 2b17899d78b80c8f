package assetmanager

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/pkg/types"
)

// agentSpend proves an outgoing transaction from the agent's underlying address.
func (f *fixture) agentSpend(agent *types.Agent, ref common.Hash, spent int64) *attestation.BalanceDecreasingTransaction {
	f.t.Helper()
	return f.spend(attestation.BalanceDecreasingTransaction{
		SourceAddressHash: agent.UnderlyingAddressHash,
		PaymentReference:  ref,
		SpentAmount:       big.NewInt(spent),
	})
}

func TestIllegalPaymentChallenge(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 3)

	reward, err := f.engine.IllegalPaymentChallenge(f.ctx, challengerAddr, f.agentSpend(agent, common.Hash{}, 500_000), agent.Vault)
	if err != nil {
		t.Fatalf("IllegalPaymentChallenge failed: %v", err)
	}
	if reward.Int64() != 1_000_000 {
		t.Errorf("reward = %s, want 1000000", reward)
	}
	if got := f.treasury.Received(challengerAddr, f.vaultToken); got.Int64() != 1_000_000 {
		t.Errorf("challenger received %s", got)
	}
	after := f.agent(agent.Vault)
	if after.Status != types.AgentStatusFullLiquidation {
		t.Fatalf("status = %s, want full liquidation", after.Status)
	}
	if after.Available {
		t.Error("agent in full liquidation must not be available")
	}
	if len(f.events.OfType(EventIllegalPaymentConfirmed)) != 1 {
		t.Error("expected an illegal payment event")
	}

	_, err = f.engine.IllegalPaymentChallenge(f.ctx, challengerAddr, f.agentSpend(agent, common.Hash{}, 10), agent.Vault)
	expectReason(t, err, KindStatePrecondition, "chlg: already liquidating")

	err = f.engine.EndLiquidation(f.ctx, ownerAddr, agent.Vault)
	expectReason(t, err, KindStatePrecondition, "cannot stop full liquidation")

	// full liquidation pays the last step on everything minted
	res, err := f.engine.Liquidate(f.ctx, minterAddr, agent.Vault, big.NewInt(3_000_000))
	if err != nil {
		t.Fatalf("Liquidate failed: %v", err)
	}
	if res.LiquidatedUBA.Int64() != 3_000_000 {
		t.Errorf("liquidated = %s", res.LiquidatedUBA)
	}
	if res.VaultPaidWei.Int64() != 3_000_000 || res.PoolPaidWei.Int64() != 3_000_000 {
		t.Errorf("paid vault %s pool %s, want 3000000 each", res.VaultPaidWei, res.PoolPaidWei)
	}
	if got := f.agent(agent.Vault).Status; got != types.AgentStatusFullLiquidation {
		t.Errorf("status = %s, full liquidation is irreversible", got)
	}
	checkTickets(t, f, agent.Vault)
}

func TestIllegalPaymentChallengeRejections(t *testing.T) {
	tests := []struct {
		name   string
		tx     func(f *fixture, agent *types.Agent) *attestation.BalanceDecreasingTransaction
		kind   Kind
		reason string
	}{
		{
			name: "other address",
			tx: func(f *fixture, agent *types.Agent) *attestation.BalanceDecreasingTransaction {
				return f.spend(attestation.BalanceDecreasingTransaction{
					SourceAddressHash: attestation.AddressHash(minterUnderlying),
					SpentAmount:       big.NewInt(100),
				})
			},
			kind:   KindProofValidity,
			reason: "chlg: not agent's address",
		},
		{
			name: "before agent existed",
			tx: func(f *fixture, agent *types.Agent) *attestation.BalanceDecreasingTransaction {
				return f.spend(attestation.BalanceDecreasingTransaction{
					BlockNumber:       testBlock - 1,
					SourceAddressHash: agent.UnderlyingAddressHash,
					SpentAmount:       big.NewInt(100),
				})
			},
			kind:   KindStatePrecondition,
			reason: "chlg: before agent created",
		},
		{
			name: "open redemption",
			tx: func(f *fixture, agent *types.Agent) *attestation.BalanceDecreasingTransaction {
				req := f.redeem(1).Requests[0]
				return f.agentSpend(agent, attestation.RedemptionReference(req.ID), 980_100)
			},
			kind:   KindStatePrecondition,
			reason: "matching redemption active",
		},
		{
			name: "announced withdrawal",
			tx: func(f *fixture, agent *types.Agent) *attestation.BalanceDecreasingTransaction {
				ref, err := f.engine.AnnounceUnderlyingWithdrawal(f.ctx, ownerAddr, agent.Vault)
				if err != nil {
					f.t.Fatalf("AnnounceUnderlyingWithdrawal failed: %v", err)
				}
				return f.agentSpend(agent, ref, 10_000)
			},
			kind:   KindStatePrecondition,
			reason: "matching ongoing announced pmt",
		},
		{
			name: "confirmed redemption payment",
			tx: func(f *fixture, agent *types.Agent) *attestation.BalanceDecreasingTransaction {
				req := f.redeem(1).Requests[0]
				payment := f.redemptionPayment(agent, req, 980_000, attestation.PaymentSuccess)
				if _, err := f.engine.ConfirmRedemptionPayment(f.ctx, ownerAddr, payment, req.ID); err != nil {
					f.t.Fatalf("ConfirmRedemptionPayment failed: %v", err)
				}
				return f.spend(attestation.BalanceDecreasingTransaction{
					TransactionID:     payment.TransactionID,
					SourceAddressHash: agent.UnderlyingAddressHash,
					PaymentReference:  payment.PaymentReference,
					SpentAmount:       payment.SpentAmount,
				})
			},
			kind:   KindStatePrecondition,
			reason: "chlg: transaction confirmed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			agent := f.createAgent(ownerAddr, agentUnderlying)
			f.mint(agent.Vault, 3)

			_, err := f.engine.IllegalPaymentChallenge(f.ctx, challengerAddr, tt.tx(f, agent), agent.Vault)
			expectReason(t, err, tt.kind, tt.reason)
			if got := f.agent(agent.Vault).Status; got != types.AgentStatusNormal {
				t.Errorf("status = %s after rejected challenge", got)
			}
		})
	}
}

func TestIllegalPaymentChallengeRequiresProof(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)

	tx := f.agentSpend(agent, common.Hash{}, 100)
	tx.SpentAmount = big.NewInt(101)
	_, err := f.engine.IllegalPaymentChallenge(f.ctx, challengerAddr, tx, agent.Vault)
	expectReason(t, err, KindProofValidity, "transaction not proved")
}

func TestDoublePaymentChallenge(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 3)
	req := f.redeem(1).Requests[0]
	ref := attestation.RedemptionReference(req.ID)

	first := f.agentSpend(agent, ref, 980_100)
	second := f.agentSpend(agent, ref, 980_100)

	_, err := f.engine.DoublePaymentChallenge(f.ctx, challengerAddr, first, first, agent.Vault)
	expectReason(t, err, KindStatePrecondition, "chlg dbl: same transaction")

	other := f.agentSpend(agent, attestation.RedemptionReference(req.ID+2), 980_100)
	_, err = f.engine.DoublePaymentChallenge(f.ctx, challengerAddr, first, other, agent.Vault)
	expectReason(t, err, KindProofValidity, "challenge: not duplicate")

	minting := attestation.MintingReference(1)
	_, err = f.engine.DoublePaymentChallenge(f.ctx, challengerAddr,
		f.agentSpend(agent, minting, 10), f.agentSpend(agent, minting, 10), agent.Vault)
	expectReason(t, err, KindProofValidity, "challenge: not agent payment")

	reward, err := f.engine.DoublePaymentChallenge(f.ctx, challengerAddr, first, second, agent.Vault)
	if err != nil {
		t.Fatalf("DoublePaymentChallenge failed: %v", err)
	}
	if reward.Int64() != 1_000_000 {
		t.Errorf("reward = %s", reward)
	}
	if got := f.agent(agent.Vault).Status; got != types.AgentStatusFullLiquidation {
		t.Errorf("status = %s", got)
	}

	_, err = f.engine.DoublePaymentChallenge(f.ctx, challengerAddr, first, second, agent.Vault)
	expectReason(t, err, KindStatePrecondition, "chlg: already liquidating")
	if got := f.treasury.Received(challengerAddr, f.vaultToken); got.Int64() != 1_000_000 {
		t.Errorf("challenger rewarded %s in total, want a single reward", got)
	}
}

func TestFreeBalanceNegativeChallenge(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 3)
	// 3_150_000 UBA on the underlying address, 1_060_000 still minted after redeeming
	req := f.redeem(2).Requests[0]

	_, err := f.engine.FreeBalanceNegativeChallenge(f.ctx, challengerAddr, nil, agent.Vault)
	expectReason(t, err, KindBounds, "mult chlg: no transactions")

	// only the 100 paid above the redemption value counts
	redemption := f.agentSpend(agent, attestation.RedemptionReference(req.ID), 2_000_100)
	unrelated := f.agentSpend(agent, common.Hash{}, 2_000_000)
	_, err = f.engine.FreeBalanceNegativeChallenge(f.ctx, challengerAddr,
		[]*attestation.BalanceDecreasingTransaction{redemption, unrelated}, agent.Vault)
	expectReason(t, err, KindStatePrecondition, "mult chlg: enough balance")

	_, err = f.engine.FreeBalanceNegativeChallenge(f.ctx, challengerAddr,
		[]*attestation.BalanceDecreasingTransaction{redemption, redemption}, agent.Vault)
	expectReason(t, err, KindStatePrecondition, "mult chlg: repeated transaction")

	extra := f.agentSpend(agent, common.Hash{}, 100_000)
	reward, err := f.engine.FreeBalanceNegativeChallenge(f.ctx, challengerAddr,
		[]*attestation.BalanceDecreasingTransaction{redemption, unrelated, extra}, agent.Vault)
	if err != nil {
		t.Fatalf("FreeBalanceNegativeChallenge failed: %v", err)
	}
	if reward.Int64() != 1_000_000 {
		t.Errorf("reward = %s", reward)
	}
	if got := f.agent(agent.Vault).Status; got != types.AgentStatusFullLiquidation {
		t.Errorf("status = %s", got)
	}
	if len(f.events.OfType(EventUnderlyingBalanceNegative)) != 1 {
		t.Error("expected an underlying balance negative event")
	}
}
