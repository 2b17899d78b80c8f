package attestation

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Payment reference types. The type occupies the top 64 bits of the 256-bit reference and the
// request id or address the low 192 bits.
const (
	ReferenceMinting             uint64 = 0x4642505266410001
	ReferenceRedemption          uint64 = 0x4642505266410002
	ReferenceAnnouncedWithdrawal uint64 = 0x4642505266410003
	ReferenceTopup               uint64 = 0x4642505266410011
	ReferenceSelfMint            uint64 = 0x4642505266410012
	ReferenceAddressOwnership    uint64 = 0x4642505266410013
)

func idReference(refType, id uint64) common.Hash {
	var h common.Hash
	binary.BigEndian.PutUint64(h[:8], refType)
	binary.BigEndian.PutUint64(h[24:], id)
	return h
}

func addressReference(refType uint64, addr common.Address) common.Hash {
	var h common.Hash
	binary.BigEndian.PutUint64(h[:8], refType)
	copy(h[12:], addr[:])
	return h
}

// MintingReference binds a payment to collateral reservation id.
func MintingReference(id uint64) common.Hash { return idReference(ReferenceMinting, id) }

// RedemptionReference binds a payment to redemption request id.
func RedemptionReference(id uint64) common.Hash { return idReference(ReferenceRedemption, id) }

// AnnouncedWithdrawalReference binds a payment to an announced underlying withdrawal.
func AnnouncedWithdrawalReference(id uint64) common.Hash {
	return idReference(ReferenceAnnouncedWithdrawal, id)
}

// TopupReference marks a payment that tops up an agent's underlying balance.
func TopupReference(agentVault common.Address) common.Hash {
	return addressReference(ReferenceTopup, agentVault)
}

// SelfMintReference marks an agent's payment to itself for self-minting.
func SelfMintReference(agentVault common.Address) common.Hash {
	return addressReference(ReferenceSelfMint, agentVault)
}

// AddressOwnershipReference marks a payment proving ownership of an underlying address.
func AddressOwnershipReference(owner common.Address) common.Hash {
	return addressReference(ReferenceAddressOwnership, owner)
}

// ReferenceType returns the top 64 bits of a reference.
func ReferenceType(ref common.Hash) uint64 {
	return binary.BigEndian.Uint64(ref[:8])
}

// ReferenceID returns the request id encoded in the low bits. Ids fit in 64 bits.
func ReferenceID(ref common.Hash) uint64 {
	return binary.BigEndian.Uint64(ref[24:])
}

// IsValidReference reports whether ref has the given type and a non-zero low part.
func IsValidReference(ref common.Hash, refType uint64) bool {
	if ReferenceType(ref) != refType {
		return false
	}
	for _, b := range ref[8:] {
		if b != 0 {
			return true
		}
	}
	return false
}

// IsAgentPaymentReference reports whether the agent may legally pay out with this reference type.
func IsAgentPaymentReference(ref common.Hash) bool {
	switch ReferenceType(ref) {
	case ReferenceRedemption, ReferenceAnnouncedWithdrawal:
		return true
	default:
		return false
	}
}
