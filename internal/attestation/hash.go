package attestation

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	bytes32Ty = mustType("bytes32")
	uint64Ty  = mustType("uint64")
	uint8Ty   = mustType("uint8")
	int256Ty  = mustType("int256")
	uint256Ty = mustType("uint256")
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("attestation: abi type %s: %v", name, err))
	}
	return t
}

func arguments(types ...abi.Type) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		args[i] = abi.Argument{Type: t}
	}
	return args
}

var headerArgs = arguments(bytes32Ty, bytes32Ty, uint64Ty, uint64Ty)

var (
	paymentArgs = append(arguments(
		uint64Ty, uint64Ty, bytes32Ty, bytes32Ty, bytes32Ty, bytes32Ty, int256Ty, int256Ty, uint8Ty,
	), headerArgs...)
	balanceDecreasingArgs = append(arguments(
		uint64Ty, bytes32Ty, bytes32Ty, int256Ty, bytes32Ty,
	), headerArgs...)
	nonexistenceArgs = append(arguments(
		uint64Ty, uint64Ty, bytes32Ty, bytes32Ty, uint256Ty, uint64Ty, uint64Ty,
	), headerArgs...)
	blockHeightArgs = append(arguments(
		uint64Ty, uint64Ty, uint64Ty, uint64Ty,
	), headerArgs...)
)

func (h Header) values() []interface{} {
	return []interface{}{
		[32]byte(h.AttestationType),
		[32]byte(h.SourceID),
		h.VotingRound,
		h.LowestUsedTimestamp,
	}
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func leaf(args abi.Arguments, values ...interface{}) (common.Hash, error) {
	packed, err := args.Pack(values...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("abi encode: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// Hash returns the Merkle leaf of the payment response.
func (p *Payment) Hash() (common.Hash, error) {
	return leaf(paymentArgs, append([]interface{}{
		p.BlockNumber,
		p.BlockTimestamp,
		[32]byte(p.TransactionID),
		[32]byte(p.SourceAddressHash),
		[32]byte(p.ReceivingAddressHash),
		[32]byte(p.PaymentReference),
		bigOrZero(p.SpentAmount),
		bigOrZero(p.ReceivedAmount),
		p.Status,
	}, p.Header.values()...)...)
}

// Hash returns the Merkle leaf of the balance decreasing transaction response.
func (b *BalanceDecreasingTransaction) Hash() (common.Hash, error) {
	return leaf(balanceDecreasingArgs, append([]interface{}{
		b.BlockNumber,
		[32]byte(b.TransactionID),
		[32]byte(b.SourceAddressHash),
		bigOrZero(b.SpentAmount),
		[32]byte(b.PaymentReference),
	}, b.Header.values()...)...)
}

// Hash returns the Merkle leaf of the referenced payment nonexistence response.
func (r *ReferencedPaymentNonexistence) Hash() (common.Hash, error) {
	amount := bigOrZero(r.Amount)
	if amount.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("negative nonexistence amount")
	}
	return leaf(nonexistenceArgs, append([]interface{}{
		r.DeadlineBlockNumber,
		r.DeadlineTimestamp,
		[32]byte(r.DestinationAddressHash),
		[32]byte(r.PaymentReference),
		amount,
		r.LowerBoundaryBlock,
		r.FirstOverflowBlock,
	}, r.Header.values()...)...)
}

// Hash returns the Merkle leaf of the confirmed block height response.
func (c *ConfirmedBlockHeightExists) Hash() (common.Hash, error) {
	return leaf(blockHeightArgs, append([]interface{}{
		c.BlockNumber,
		c.BlockTimestamp,
		c.NumberOfConfirmations,
		c.LowestQueryWindowBlock,
	}, c.Header.values()...)...)
}

func keccakString(s string) common.Hash {
	return crypto.Keccak256Hash([]byte(s))
}
