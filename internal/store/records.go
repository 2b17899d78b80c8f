package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/fasset/pkg/types"
)

// Record kinds.
const (
	KindState             = "state"
	KindAgent             = "agent"
	KindReservation       = "reservation"
	KindRedemption        = "redemption"
	KindTicket            = "ticket"
	KindConfirmedPayment  = "confirmed_payment"
	KindFAssetBalance     = "fasset_balance"
	KindWorkAddress       = "work_address"
	KindManagementAddress = "management_address"
	KindAddressOwner      = "address_owner"
)

const stateID = "asset"

// NumericID zero-pads ids so lexical order matches numeric order.
func NumericID(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

func addressID(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// GetState returns the global asset state, or a zero state if none was stored.
func GetState(tx Tx) (*types.AssetState, error) {
	var s types.AssetState
	if err := tx.Get(KindState, stateID, &s); err != nil {
		if IsNotFound(err) {
			return &types.AssetState{}, nil
		}
		return nil, err
	}
	return &s, nil
}

// PutState stores the global asset state.
func PutState(tx Tx, s *types.AssetState) error {
	return tx.Put(KindState, stateID, s)
}

// GetAgent returns the agent with the given vault address.
func GetAgent(tx Tx, vault common.Address) (*types.Agent, error) {
	var a types.Agent
	if err := tx.Get(KindAgent, addressID(vault), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// PutAgent stores an agent.
func PutAgent(tx Tx, a *types.Agent) error {
	return tx.Put(KindAgent, addressID(a.Vault), a)
}

// DeleteAgent removes an agent.
func DeleteAgent(tx Tx, vault common.Address) error {
	return tx.Delete(KindAgent, addressID(vault))
}

// ListAgents returns all agents ordered by vault address.
func ListAgents(tx Tx) ([]*types.Agent, error) {
	var out []*types.Agent
	err := tx.List(KindAgent, func(_ string, raw []byte) error {
		var a types.Agent
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		out = append(out, &a)
		return nil
	})
	return out, err
}

// GetReservation returns a collateral reservation.
func GetReservation(tx Tx, id uint64) (*types.CollateralReservation, error) {
	var r types.CollateralReservation
	if err := tx.Get(KindReservation, NumericID(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PutReservation stores a collateral reservation.
func PutReservation(tx Tx, r *types.CollateralReservation) error {
	return tx.Put(KindReservation, NumericID(r.ID), r)
}

// ListReservations returns all reservations matching filter (nil matches all).
func ListReservations(tx Tx, filter func(*types.CollateralReservation) bool) ([]*types.CollateralReservation, error) {
	var out []*types.CollateralReservation
	err := tx.List(KindReservation, func(_ string, raw []byte) error {
		var r types.CollateralReservation
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if filter == nil || filter(&r) {
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

// GetRedemption returns a redemption request.
func GetRedemption(tx Tx, id uint64) (*types.RedemptionRequest, error) {
	var r types.RedemptionRequest
	if err := tx.Get(KindRedemption, NumericID(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PutRedemption stores a redemption request.
func PutRedemption(tx Tx, r *types.RedemptionRequest) error {
	return tx.Put(KindRedemption, NumericID(r.ID), r)
}

// ListRedemptions returns all redemption requests matching filter (nil matches all).
func ListRedemptions(tx Tx, filter func(*types.RedemptionRequest) bool) ([]*types.RedemptionRequest, error) {
	var out []*types.RedemptionRequest
	err := tx.List(KindRedemption, func(_ string, raw []byte) error {
		var r types.RedemptionRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if filter == nil || filter(&r) {
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

// GetTicket returns a redemption ticket.
func GetTicket(tx Tx, id uint64) (*types.RedemptionTicket, error) {
	var t types.RedemptionTicket
	if err := tx.Get(KindTicket, NumericID(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PutTicket stores a redemption ticket.
func PutTicket(tx Tx, t *types.RedemptionTicket) error {
	return tx.Put(KindTicket, NumericID(t.ID), t)
}

// DeleteTicket removes a redemption ticket.
func DeleteTicket(tx Tx, id uint64) error {
	return tx.Delete(KindTicket, NumericID(id))
}

// IsPaymentConfirmed reports whether a payment proof was already consumed.
func IsPaymentConfirmed(tx Tx, key common.Hash) (bool, error) {
	var v bool
	err := tx.Get(KindConfirmedPayment, key.Hex(), &v)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// ConfirmPayment marks a payment proof as consumed.
func ConfirmPayment(tx Tx, key common.Hash) error {
	return tx.Put(KindConfirmedPayment, key.Hex(), true)
}

// GetFAssetBalance returns an account's f-asset balance in UBA.
func GetFAssetBalance(tx Tx, account common.Address) (*big.Int, error) {
	var v big.Int
	if err := tx.Get(KindFAssetBalance, addressID(account), &v); err != nil {
		if IsNotFound(err) {
			return new(big.Int), nil
		}
		return nil, err
	}
	return &v, nil
}

// PutFAssetBalance stores an account's f-asset balance in UBA.
func PutFAssetBalance(tx Tx, account common.Address, balance *big.Int) error {
	if balance.Sign() == 0 {
		return tx.Delete(KindFAssetBalance, addressID(account))
	}
	return tx.Put(KindFAssetBalance, addressID(account), balance)
}

// GetWorkAddress returns the work address registered for a management address.
func GetWorkAddress(tx Tx, management common.Address) (common.Address, error) {
	var a common.Address
	err := tx.Get(KindWorkAddress, addressID(management), &a)
	if IsNotFound(err) {
		return common.Address{}, nil
	}
	return a, err
}

// GetManagementAddress resolves a work address to its management address. Unregistered
// addresses resolve to themselves.
func GetManagementAddress(tx Tx, addr common.Address) (common.Address, error) {
	var m common.Address
	err := tx.Get(KindManagementAddress, addressID(addr), &m)
	if IsNotFound(err) {
		return addr, nil
	}
	return m, err
}

// SetWorkAddress links management and work addresses, replacing any previous work address.
func SetWorkAddress(tx Tx, management, work common.Address) error {
	prev, err := GetWorkAddress(tx, management)
	if err != nil {
		return err
	}
	if prev != (common.Address{}) {
		if err := tx.Delete(KindManagementAddress, addressID(prev)); err != nil {
			return err
		}
	}
	if work == (common.Address{}) {
		return tx.Delete(KindWorkAddress, addressID(management))
	}
	if err := tx.Put(KindWorkAddress, addressID(management), work); err != nil {
		return err
	}
	return tx.Put(KindManagementAddress, addressID(work), management)
}

// GetAddressOwner returns the owner that proved control of an underlying address.
func GetAddressOwner(tx Tx, addressHash common.Hash) (common.Address, error) {
	var owner common.Address
	if err := tx.Get(KindAddressOwner, addressHash.Hex(), &owner); err != nil {
		return common.Address{}, err
	}
	return owner, nil
}

// PutAddressOwner records a proven underlying address owner.
func PutAddressOwner(tx Tx, addressHash common.Hash, owner common.Address) error {
	return tx.Put(KindAddressOwner, addressHash.Hex(), owner)
}
