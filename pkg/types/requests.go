package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ReservationStatus tracks a collateral reservation to exactly one terminal state
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationExecuted  ReservationStatus = "executed"
	ReservationDefaulted ReservationStatus = "defaulted"
	ReservationUnstuck   ReservationStatus = "unstuck"
)

// CollateralReservation is a pending mint (CRT)
type CollateralReservation struct {
	ID                      uint64            `json:"id"`
	AgentVault              common.Address    `json:"agent_vault"`
	Minter                  common.Address    `json:"minter"`
	Lots                    uint64            `json:"lots"`
	ValueAMG                uint64            `json:"value_amg"`
	UnderlyingFeeUBA        *big.Int          `json:"underlying_fee_uba"`
	ReservationFeeWei       *big.Int          `json:"reservation_fee_wei"`
	PoolFeeShareBIPS        uint64            `json:"pool_fee_share_bips"`
	FirstUnderlyingBlock    uint64            `json:"first_underlying_block"`
	LastUnderlyingBlock     uint64            `json:"last_underlying_block"`
	LastUnderlyingTimestamp uint64            `json:"last_underlying_timestamp"`
	CreatedAt               uint64            `json:"created_at"`
	Status                  ReservationStatus `json:"status"`
}

// RedemptionStatus of a redemption request
type RedemptionStatus string

const (
	RedemptionActive                 RedemptionStatus = "active"
	RedemptionConfirmed              RedemptionStatus = "confirmed"
	RedemptionPaymentFailed          RedemptionStatus = "payment_failed"
	RedemptionDefaulted              RedemptionStatus = "defaulted"
	RedemptionFinishedWithoutPayment RedemptionStatus = "finished_without_payment"
)

// Open reports whether the request still expects a payment proof
func (s RedemptionStatus) Open() bool {
	return s == RedemptionActive || s == RedemptionDefaulted
}

// RedemptionRequest is one agent's share of a redeem call
type RedemptionRequest struct {
	ID                            uint64           `json:"id"`
	AgentVault                    common.Address   `json:"agent_vault"`
	Redeemer                      common.Address   `json:"redeemer"`
	RedeemerUnderlyingAddress     string           `json:"redeemer_underlying_address"`
	RedeemerUnderlyingAddressHash common.Hash      `json:"redeemer_underlying_address_hash"`
	ValueAMG                      uint64           `json:"value_amg"`
	UnderlyingValueUBA            *big.Int         `json:"underlying_value_uba"`
	UnderlyingFeeUBA              *big.Int         `json:"underlying_fee_uba"`
	FirstUnderlyingBlock          uint64           `json:"first_underlying_block"`
	LastUnderlyingBlock           uint64           `json:"last_underlying_block"`
	LastUnderlyingTimestamp       uint64           `json:"last_underlying_timestamp"`
	CreatedAt                     uint64           `json:"created_at"`
	Status                        RedemptionStatus `json:"status"`
}

// NetValueUBA is the amount the redeemer must receive (value minus fee)
func (r *RedemptionRequest) NetValueUBA() *big.Int {
	return new(big.Int).Sub(r.UnderlyingValueUBA, r.UnderlyingFeeUBA)
}

// RedemptionTicket is a whole-lot chunk of an agent's minted backing in the redemption queue
type RedemptionTicket struct {
	ID           uint64         `json:"id"`
	AgentVault   common.Address `json:"agent_vault"`
	ValueAMG     uint64         `json:"value_amg"`
	Prev         uint64         `json:"prev,omitempty"`
	Next         uint64         `json:"next,omitempty"`
	PrevForAgent uint64         `json:"prev_for_agent,omitempty"`
	NextForAgent uint64         `json:"next_for_agent,omitempty"`
}
