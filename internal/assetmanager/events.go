package assetmanager

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a committed state change.
type EventType string

const (
	EventAddressOwnershipProved      EventType = "address_ownership_proved"
	EventAgentCreated                EventType = "agent_created"
	EventAgentAvailable              EventType = "agent_available"
	EventAvailableAgentExitAnnounced EventType = "available_agent_exit_announced"
	EventAgentExitedAvailable        EventType = "agent_exited_available"
	EventAgentSettingAnnounced       EventType = "agent_setting_announced"
	EventAgentSettingChanged         EventType = "agent_setting_changed"
	EventCollateralDeposited         EventType = "collateral_deposited"
	EventWithdrawalAnnounced         EventType = "collateral_withdrawal_announced"
	EventCollateralWithdrawn         EventType = "collateral_withdrawn"
	EventVaultCollateralSwitched     EventType = "vault_collateral_switched"
	EventDestroyAnnounced            EventType = "agent_destroy_announced"
	EventAgentDestroyed              EventType = "agent_destroyed"

	EventCurrentBlockUpdated           EventType = "current_underlying_block_updated"
	EventUnderlyingTopup               EventType = "underlying_balance_topped_up"
	EventUnderlyingWithdrawalAnnounced EventType = "underlying_withdrawal_announced"
	EventUnderlyingWithdrawalConfirmed EventType = "underlying_withdrawal_confirmed"
	EventUnderlyingWithdrawalCancelled EventType = "underlying_withdrawal_cancelled"
	EventUnderlyingBalanceTooLow       EventType = "underlying_balance_too_low"

	EventCollateralReserved           EventType = "collateral_reserved"
	EventMintingExecuted              EventType = "minting_executed"
	EventSelfMint                     EventType = "self_mint"
	EventMintingPaymentDefault        EventType = "minting_payment_default"
	EventCollateralReservationUnstuck EventType = "collateral_reservation_deleted"

	EventRedemptionRequested         EventType = "redemption_requested"
	EventRedemptionRequestIncomplete EventType = "redemption_request_incomplete"
	EventRedemptionPerformed         EventType = "redemption_performed"
	EventRedemptionPaymentBlocked    EventType = "redemption_payment_blocked"
	EventRedemptionPaymentFailed     EventType = "redemption_payment_failed"
	EventRedemptionDefault           EventType = "redemption_default"
	EventRedemptionFinishedNoPayment EventType = "redemption_finished_without_payment"
	EventSelfClose                   EventType = "self_close"
	EventFAssetTransfer              EventType = "fasset_transfer"

	EventAgentBelowMinimum    EventType = "agent_below_minimum"
	EventLiquidationStarted   EventType = "liquidation_started"
	EventFullLiquidation      EventType = "full_liquidation_started"
	EventLiquidationPerformed EventType = "liquidation_performed"
	EventLiquidationEnded     EventType = "liquidation_ended"

	EventIllegalPaymentConfirmed   EventType = "illegal_payment_confirmed"
	EventDuplicatePaymentConfirmed EventType = "duplicate_payment_confirmed"
	EventUnderlyingBalanceNegative EventType = "underlying_balance_negative"
)

// Event is published after the state change it describes has been committed.
type Event struct {
	Type       EventType      `json:"type"`
	AgentVault common.Address `json:"agent_vault"`
	Actor      common.Address `json:"actor,omitempty"`
	RequestID  uint64         `json:"request_id,omitempty"`
	// Value is the main amount of the event: UBA for minting, redemption and liquidation,
	// token wei for collateral movements.
	Value     *big.Int `json:"value,omitempty"`
	Lots      uint64   `json:"lots,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	Timestamp uint64   `json:"timestamp"`
}

// EventSink receives committed events.
type EventSink interface {
	Publish(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// Publish calls f(ev).
func (f EventSinkFunc) Publish(ev Event) {
	f(ev)
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

// Publish forwards ev to every sink.
func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// EventLog keeps every published event in memory.
type EventLog struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends ev.
func (l *EventLog) Publish(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Events returns a copy of the recorded events.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// OfType returns the recorded events of type t.
func (l *EventLog) OfType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
