// Package attestation verifies proofs about events on the underlying (non-programmable) chain.
//
// Every proof carries a response header, the attested body fields and a Merkle path. The
// verifier recomputes the leaf hash from the body, walks the path to a root and compares it
// with the root committed for the proof's voting round. It is stateless: consumers must track
// which proofs were already used.
package attestation

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Attestation type names, right-padded into a bytes32.
var (
	TypePayment                       = EncodeName("Payment")
	TypeBalanceDecreasingTransaction  = EncodeName("BalanceDecreasingTransaction")
	TypeReferencedPaymentNonexistence = EncodeName("ReferencedPaymentNonexistence")
	TypeConfirmedBlockHeightExists    = EncodeName("ConfirmedBlockHeightExists")
)

// Payment status codes reported by the Payment attestation.
const (
	PaymentSuccess uint8 = 0
	PaymentFailed  uint8 = 1 // sender's fault
	PaymentBlocked uint8 = 2 // receiver's fault
)

// EncodeName packs a short ASCII name (attestation type or source chain id) into a bytes32.
func EncodeName(name string) common.Hash {
	var h common.Hash
	copy(h[:], name)
	return h
}

// DecodeName is the inverse of EncodeName.
func DecodeName(h common.Hash) string {
	return strings.TrimRight(string(h[:]), "\x00")
}

// Header is the common response header of every attestation type.
type Header struct {
	AttestationType     common.Hash `json:"attestation_type"`
	SourceID            common.Hash `json:"source_id"`
	VotingRound         uint64      `json:"voting_round"`
	LowestUsedTimestamp uint64      `json:"lowest_used_timestamp"`
}

// Payment proves a transaction that transferred funds from one address to another.
type Payment struct {
	Header
	MerkleProof []common.Hash `json:"merkle_proof"`

	BlockNumber          uint64      `json:"block_number"`
	BlockTimestamp       uint64      `json:"block_timestamp"`
	TransactionID        common.Hash `json:"transaction_id"`
	SourceAddressHash    common.Hash `json:"source_address_hash"`
	ReceivingAddressHash common.Hash `json:"receiving_address_hash"`
	PaymentReference     common.Hash `json:"payment_reference"`
	SpentAmount          *big.Int    `json:"spent_amount"`    // may be negative
	ReceivedAmount       *big.Int    `json:"received_amount"` // may be negative
	Status               uint8       `json:"status"`
}

// BalanceDecreasingTransaction proves a transaction that lowered the balance of SourceAddressHash.
type BalanceDecreasingTransaction struct {
	Header
	MerkleProof []common.Hash `json:"merkle_proof"`

	BlockNumber       uint64      `json:"block_number"`
	TransactionID     common.Hash `json:"transaction_id"`
	SourceAddressHash common.Hash `json:"source_address_hash"`
	SpentAmount       *big.Int    `json:"spent_amount"`
	PaymentReference  common.Hash `json:"payment_reference"`
}

// ReferencedPaymentNonexistence proves that no payment with the given reference, destination and
// at least the given amount appeared in blocks [LowerBoundaryBlock, FirstOverflowBlock).
type ReferencedPaymentNonexistence struct {
	Header
	MerkleProof []common.Hash `json:"merkle_proof"`

	DeadlineBlockNumber    uint64      `json:"deadline_block_number"`
	DeadlineTimestamp      uint64      `json:"deadline_timestamp"`
	DestinationAddressHash common.Hash `json:"destination_address_hash"`
	PaymentReference       common.Hash `json:"payment_reference"`
	Amount                 *big.Int    `json:"amount"`
	LowerBoundaryBlock     uint64      `json:"lower_boundary_block"`
	FirstOverflowBlock     uint64      `json:"first_overflow_block"`
}

// ConfirmedBlockHeightExists proves a block with enough confirmations exists.
type ConfirmedBlockHeightExists struct {
	Header
	MerkleProof []common.Hash `json:"merkle_proof"`

	BlockNumber            uint64 `json:"block_number"`
	BlockTimestamp         uint64 `json:"block_timestamp"`
	NumberOfConfirmations  uint64 `json:"number_of_confirmations"`
	LowestQueryWindowBlock uint64 `json:"lowest_query_window_block"`
}

// AddressHash is the keccak hash of an underlying address string, as used in proofs.
func AddressHash(address string) common.Hash {
	return keccakString(address)
}
