package assetmanager

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/pkg/types"
)

// AgentCreateParams describes a new agent vault.
type AgentCreateParams struct {
	UnderlyingAddress    string              `json:"underlying_address"`
	VaultCollateralToken common.Address      `json:"vault_collateral_token"`
	Settings             types.AgentSettings `json:"settings"`
}

// SetWorkAddress registers work as the hot address acting for management. A zero work address
// removes the registration.
func (e *Engine) SetWorkAddress(ctx context.Context, management, work common.Address) error {
	return e.update(ctx, "setWorkAddress", func(o *op) error {
		if work != (common.Address{}) {
			owner, err := store.GetManagementAddress(o.tx, work)
			if err != nil {
				return err
			}
			if owner != work && owner != management {
				return precondition("work address in use")
			}
		}
		return store.SetWorkAddress(o.tx, management, work)
	})
}

// ProveUnderlyingAddressOwnership records the caller's management address as the owner of the
// payment's source address. The payment must carry the caller's ownership reference.
func (e *Engine) ProveUnderlyingAddressOwnership(ctx context.Context, caller common.Address, payment *attestation.Payment) error {
	if err := e.verifyPayment(ctx, payment); err != nil {
		return err
	}
	return e.update(ctx, "proveUnderlyingAddressOwnership", func(o *op) error {
		management, err := store.GetManagementAddress(o.tx, caller)
		if err != nil {
			return err
		}
		if payment.PaymentReference != attestation.AddressOwnershipReference(management) {
			return invalidProof("invalid address ownership proof", nil)
		}
		if err := o.confirmPayment(payment.SourceAddressHash, payment.TransactionID); err != nil {
			return err
		}
		if err := store.PutAddressOwner(o.tx, payment.SourceAddressHash, management); err != nil {
			return err
		}
		o.emit(Event{Type: EventAddressOwnershipProved, Actor: management})
		return nil
	})
}

// CreateAgent creates an agent vault owned by the caller's management address.
func (e *Engine) CreateAgent(ctx context.Context, caller common.Address, params AgentCreateParams) (*types.Agent, error) {
	var created types.Agent
	err := e.update(ctx, "createAgent", func(o *op) error {
		if params.UnderlyingAddress == "" {
			return outOfBounds("empty underlying address")
		}
		management, err := store.GetManagementAddress(o.tx, caller)
		if err != nil {
			return err
		}
		addressHash := attestation.AddressHash(params.UnderlyingAddress)
		if o.settings.RequireEOAAddressProof {
			owner, err := store.GetAddressOwner(o.tx, addressHash)
			if store.IsNotFound(err) || (err == nil && owner != management) {
				return unauthorized("address not proved")
			}
			if err != nil {
				return err
			}
		}
		agents, err := store.ListAgents(o.tx)
		if err != nil {
			return err
		}
		for _, a := range agents {
			if a.UnderlyingAddressHash == addressHash {
				return precondition("underlying address already used")
			}
		}

		vaultType, err := o.mgr.CollateralType(params.VaultCollateralToken)
		if err != nil || vaultType.Class != types.CollateralClassVault {
			return outOfBounds("invalid vault collateral token")
		}
		if !vaultType.IsValidAt(o.now) {
			return precondition("vault collateral deprecated")
		}
		pool := o.mgr.PoolCollateral()
		for _, name := range settingNames {
			value, _ := params.Settings.Get(name)
			if err := validateAgentSetting(name, value, vaultType, pool); err != nil {
				return err
			}
		}

		vault := crypto.CreateAddress(management, o.st.NextAgentNonce)
		o.st.NextAgentNonce++
		agent := &types.Agent{
			Vault:                     vault,
			CollateralPool:            crypto.CreateAddress(vault, 1),
			Owner:                     management,
			UnderlyingAddress:         params.UnderlyingAddress,
			UnderlyingAddressHash:     addressHash,
			Status:                    types.AgentStatusNormal,
			CreatedAt:                 o.now,
			VaultCollateralToken:      params.VaultCollateralToken,
			VaultCollateralWei:        new(big.Int),
			PoolCollateralWei:         new(big.Int),
			Settings:                  params.Settings,
			UnderlyingBalanceUBA:      new(big.Int),
			UnderlyingBlockAtCreation: o.st.CurrentUnderlyingBlock,
		}
		o.addAgent(agent)
		o.emit(Event{Type: EventAgentCreated, AgentVault: vault, Actor: management, Detail: params.UnderlyingAddress})
		logging.Audit(logging.AuditEvent{
			Operation: "agent_created",
			Actor:     management.Hex(),
			Target:    vault.Hex(),
			Result:    "success",
			Details:   fmt.Sprintf("underlying=%s collateral=%s", params.UnderlyingAddress, params.VaultCollateralToken.Hex()),
		})
		created = *agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

var settingNames = []string{
	types.SettingFeeBIPS,
	types.SettingPoolFeeShareBIPS,
	types.SettingMintingVaultCollateralRatioBIPS,
	types.SettingMintingPoolCollateralRatioBIPS,
	types.SettingBuyFAssetByAgentFactorBIPS,
	types.SettingPoolExitCollateralRatioBIPS,
}

func validateAgentSetting(name string, value uint64, vault, pool *types.CollateralType) error {
	switch name {
	case types.SettingFeeBIPS:
		if value > collateral.MaxBIPS {
			return outOfBounds("fee too high")
		}
	case types.SettingPoolFeeShareBIPS:
		if value > collateral.MaxBIPS {
			return outOfBounds("value too high")
		}
	case types.SettingMintingVaultCollateralRatioBIPS:
		if value < vault.MinCollateralRatioBIPS {
			return outOfBounds("collateral ratio too small")
		}
	case types.SettingMintingPoolCollateralRatioBIPS:
		if value < pool.MinCollateralRatioBIPS {
			return outOfBounds("collateral ratio too small")
		}
	case types.SettingBuyFAssetByAgentFactorBIPS:
		if value > collateral.MaxBIPS {
			return outOfBounds("value too high")
		}
	case types.SettingPoolExitCollateralRatioBIPS:
		if value < pool.MinCollateralRatioBIPS {
			return outOfBounds("value too low")
		}
	default:
		return outOfBounds("invalid setting name")
	}
	return nil
}

// DepositCollateral adds collateral to an agent. Vault collateral may only be deposited by the
// owner; pool collateral is entered by anyone. A deposit may end a running liquidation.
func (e *Engine) DepositCollateral(ctx context.Context, caller, vault common.Address, class types.CollateralClass, amount *big.Int) error {
	return e.update(ctx, "depositCollateral", func(o *op) error {
		if amount == nil || amount.Sign() <= 0 {
			return outOfBounds("deposit amount must be positive")
		}
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if class == types.CollateralClassVault {
			if err := o.requireOwner(caller, agent); err != nil {
				return err
			}
		}
		agent.SetCollateral(class, new(big.Int).Add(agent.Collateral(class), amount))
		o.emit(Event{Type: EventCollateralDeposited, AgentVault: vault, Actor: caller, Value: new(big.Int).Set(amount), Detail: class.String()})
		if agent.Status == types.AgentStatusCCB || agent.Status == types.AgentStatusLiquidation {
			if _, err := o.endLiquidationIfHealthy(agent); err != nil {
				return err
			}
		}
		return nil
	})
}

// AnnounceCollateralWithdrawal locks amount of the class for withdrawal after the minimum wait.
// Increasing an announcement restarts the wait; announcing zero cancels it.
func (e *Engine) AnnounceCollateralWithdrawal(ctx context.Context, caller, vault common.Address, class types.CollateralClass, amount *big.Int) (uint64, error) {
	var allowedAt uint64
	err := e.update(ctx, "announceCollateralWithdrawal", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if agent.Status != types.AgentStatusNormal {
			return precondition("withdrawal ann: invalid status")
		}
		if amount == nil || amount.Sign() == 0 {
			agent.SetWithdrawal(class, types.WithdrawalAnnouncement{})
			o.emit(Event{Type: EventWithdrawalAnnounced, AgentVault: vault, Value: new(big.Int), Detail: class.String()})
			return nil
		}
		if amount.Sign() < 0 {
			return outOfBounds("negative withdrawal amount")
		}
		current := agent.Withdrawal(class)
		ann := types.WithdrawalAnnouncement{AmountWei: new(big.Int).Set(amount), AllowedAt: current.AllowedAt}
		if amount.Cmp(current.Amount()) > 0 {
			ct, err := o.collateralType(agent, class)
			if err != nil {
				return err
			}
			d, err := o.acc.AgentData(o.ctx, agent, ct)
			if err != nil {
				return err
			}
			d.AnnouncedWithdrawal = nil
			if amount.Cmp(d.FreeCollateral(agent)) > 0 {
				return outOfBounds("withdrawal: value too high")
			}
			ann.AllowedAt = o.now + o.settings.WithdrawalWaitMinSeconds
		}
		agent.SetWithdrawal(class, ann)
		allowedAt = ann.AllowedAt
		o.emit(Event{Type: EventWithdrawalAnnounced, AgentVault: vault, Value: new(big.Int).Set(amount), Detail: class.String()})
		return nil
	})
	return allowedAt, err
}

// WithdrawCollateral pays out announced collateral to recipient. Withdrawing zero is a no-op.
func (e *Engine) WithdrawCollateral(ctx context.Context, caller, vault common.Address, class types.CollateralClass, amount *big.Int, recipient common.Address) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return e.update(ctx, "withdrawCollateral", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		ann := agent.Withdrawal(class)
		if !ann.Active() {
			return precondition("withdrawal: not announced")
		}
		if amount.Cmp(ann.Amount()) > 0 {
			return outOfBounds("withdrawal: more than announced")
		}
		if o.now < ann.AllowedAt {
			return precondition("withdrawal: not allowed yet")
		}
		if o.now > ann.AllowedAt+o.settings.AgentTimelockedOperationWindowSeconds {
			return precondition("withdrawal: too late")
		}
		if agent.Collateral(class).Cmp(amount) < 0 {
			return outOfBounds("withdrawal: not enough collateral")
		}
		agent.SetCollateral(class, new(big.Int).Sub(agent.Collateral(class), amount))
		rest := new(big.Int).Sub(ann.Amount(), amount)
		if rest.Sign() == 0 {
			agent.SetWithdrawal(class, types.WithdrawalAnnouncement{})
		} else {
			agent.SetWithdrawal(class, types.WithdrawalAnnouncement{AmountWei: rest, AllowedAt: ann.AllowedAt})
		}

		if class == types.CollateralClassPool {
			_, pool, err := o.collateralTypes(agent)
			if err != nil {
				return err
			}
			cr, err := o.acc.CollateralRatioBIPS(o.ctx, agent, pool)
			if err != nil {
				return err
			}
			if cr < agent.Settings.PoolExitCollateralRatioBIPS {
				return outOfBounds("collateral ratio falls below exitCR")
			}
			o.transfer(Transfer{Token: pool.Token, From: agent.CollateralPool, To: recipient, AmountWei: amount, Reason: "pool withdrawal"})
		} else {
			o.transfer(Transfer{Token: agent.VaultCollateralToken, From: agent.Vault, To: recipient, AmountWei: amount, Reason: "vault withdrawal"})
		}
		o.emit(Event{Type: EventCollateralWithdrawn, AgentVault: vault, Actor: recipient, Value: new(big.Int).Set(amount), Detail: class.String()})
		return nil
	})
}

// AnnounceAgentSettingUpdate records a pending setting value and returns when it may be executed.
func (e *Engine) AnnounceAgentSettingUpdate(ctx context.Context, caller, vault common.Address, name string, value uint64) (uint64, error) {
	var validAt uint64
	err := e.update(ctx, "announceAgentSettingUpdate", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		timelock, err := o.settings.AgentSettingTimelock(name)
		if err != nil {
			return outOfBounds("invalid setting name")
		}
		if agent.PendingSettings == nil {
			agent.PendingSettings = make(map[string]types.PendingSettingUpdate)
		}
		validAt = o.now + timelock
		agent.PendingSettings[name] = types.PendingSettingUpdate{Value: value, ValidAt: validAt}
		o.emit(Event{Type: EventAgentSettingAnnounced, AgentVault: vault, Value: new(big.Int).SetUint64(value), Detail: name})
		return nil
	})
	return validAt, err
}

// ExecuteAgentSettingUpdate applies an announced setting once its timelock has passed and before
// the operation window closes.
func (e *Engine) ExecuteAgentSettingUpdate(ctx context.Context, caller, vault common.Address, name string) error {
	return e.update(ctx, "executeAgentSettingUpdate", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		pending, ok := agent.PendingSettings[name]
		if !ok || pending.ValidAt == 0 {
			return precondition("no pending update")
		}
		if o.now < pending.ValidAt {
			return precondition("update not valid yet")
		}
		if o.now > pending.ValidAt+o.settings.AgentTimelockedOperationWindowSeconds {
			return precondition("update not valid anymore")
		}
		vaultType, pool, err := o.collateralTypes(agent)
		if err != nil {
			return err
		}
		if err := validateAgentSetting(name, pending.Value, vaultType, pool); err != nil {
			return err
		}
		agent.Settings.Set(name, pending.Value)
		delete(agent.PendingSettings, name)
		o.emit(Event{Type: EventAgentSettingChanged, AgentVault: vault, Value: new(big.Int).SetUint64(pending.Value), Detail: name})
		return nil
	})
}

// MakeAgentAvailable publishes the agent for public minting.
func (e *Engine) MakeAgentAvailable(ctx context.Context, caller, vault common.Address) error {
	return e.update(ctx, "makeAgentAvailable", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if agent.Status != types.AgentStatusNormal {
			return precondition("invalid agent status")
		}
		if agent.Available {
			return precondition("agent already available")
		}
		vaultType, pool, err := o.collateralTypes(agent)
		if err != nil {
			return err
		}
		lots, err := o.acc.FreeCollateralLots(o.ctx, agent, vaultType, pool)
		if err != nil {
			return err
		}
		if lots == 0 {
			return outOfBounds("not enough free collateral")
		}
		agent.Available = true
		agent.ExitAvailableAfter = 0
		o.emit(Event{Type: EventAgentAvailable, AgentVault: vault, Lots: lots})
		return nil
	})
}

// AnnounceExitAvailableAgentList starts the timelock for leaving the public agent list.
func (e *Engine) AnnounceExitAvailableAgentList(ctx context.Context, caller, vault common.Address) (uint64, error) {
	var exitAfter uint64
	err := e.update(ctx, "announceExitAvailableAgentList", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if !agent.Available {
			return precondition("agent not available")
		}
		exitAfter = o.now + o.settings.AgentExitAvailableTimelockSeconds
		agent.ExitAvailableAfter = exitAfter
		o.emit(Event{Type: EventAvailableAgentExitAnnounced, AgentVault: vault})
		return nil
	})
	return exitAfter, err
}

// ExitAvailableAgentList removes the agent from the public list after the announced timelock.
func (e *Engine) ExitAvailableAgentList(ctx context.Context, caller, vault common.Address) error {
	return e.update(ctx, "exitAvailableAgentList", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if !agent.Available {
			return precondition("agent not available")
		}
		if agent.ExitAvailableAfter == 0 {
			return precondition("exit not announced")
		}
		if o.now < agent.ExitAvailableAfter {
			return precondition("exit too soon")
		}
		if o.now > agent.ExitAvailableAfter+o.settings.AgentTimelockedOperationWindowSeconds {
			return precondition("exit too late")
		}
		agent.Available = false
		agent.ExitAvailableAfter = 0
		o.emit(Event{Type: EventAgentExitedAvailable, AgentVault: vault})
		return nil
	})
}

// AnnounceDestroyAgent moves an idle agent to DESTROYING.
func (e *Engine) AnnounceDestroyAgent(ctx context.Context, caller, vault common.Address) (uint64, error) {
	var allowedAt uint64
	err := e.update(ctx, "announceDestroyAgent", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if agent.Status != types.AgentStatusNormal {
			return precondition("destroy: invalid status")
		}
		if agent.Available {
			return precondition("agent still available")
		}
		if agent.TotalBackedAMG() != 0 || agent.DustAMG != 0 {
			return precondition("agent still active")
		}
		allowedAt = o.now + o.settings.WithdrawalWaitMinSeconds
		agent.Status = types.AgentStatusDestroying
		agent.DestroyAllowedAt = allowedAt
		o.emit(Event{Type: EventDestroyAnnounced, AgentVault: vault})
		return nil
	})
	return allowedAt, err
}

// DestroyAgent deletes the agent after the destroy cool-down and returns its collateral.
func (e *Engine) DestroyAgent(ctx context.Context, caller, vault, recipient common.Address) error {
	return e.update(ctx, "destroyAgent", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if agent.Status != types.AgentStatusDestroying {
			return precondition("destroy not announced")
		}
		if o.now < agent.DestroyAllowedAt {
			return precondition("destroy: not allowed yet")
		}
		if agent.TotalBackedAMG() != 0 || agent.DustAMG != 0 {
			return precondition("agent still active")
		}
		_, pool, err := o.collateralTypes(agent)
		if err != nil {
			return err
		}
		o.payFromVault(agent, recipient, agent.Collateral(types.CollateralClassVault), "agent destroyed")
		o.payFromPool(agent, pool, recipient, agent.Collateral(types.CollateralClassPool), "agent destroyed")
		if err := store.DeleteAgent(o.tx, vault); err != nil {
			return err
		}
		o.forgetAgent(vault)
		o.emit(Event{Type: EventAgentDestroyed, AgentVault: vault, Actor: recipient})
		logging.Audit(logging.AuditEvent{
			Operation: "agent_destroyed",
			Actor:     caller.Hex(),
			Target:    vault.Hex(),
			Result:    "success",
		})
		return nil
	})
}

// SwitchVaultCollateral moves the agent to another vault collateral token. The new collateral,
// depositWei, must keep the vault ratio at the new type's minimum; the old collateral is returned
// to the owner.
func (e *Engine) SwitchVaultCollateral(ctx context.Context, caller, vault, token common.Address, depositWei *big.Int) error {
	return e.update(ctx, "switchVaultCollateral", func(o *op) error {
		agent, err := o.agent(vault)
		if err != nil {
			return err
		}
		if err := o.requireOwner(caller, agent); err != nil {
			return err
		}
		if agent.Status != types.AgentStatusNormal {
			return precondition("switch: invalid status")
		}
		if token == agent.VaultCollateralToken {
			return precondition("switch: same collateral")
		}
		newType, err := o.mgr.CollateralType(token)
		if err != nil || newType.Class != types.CollateralClassVault {
			return outOfBounds("invalid vault collateral token")
		}
		if !newType.IsValidAt(o.now) {
			return precondition("vault collateral deprecated")
		}
		if depositWei == nil || depositWei.Sign() < 0 {
			return outOfBounds("invalid deposit")
		}
		oldToken := agent.VaultCollateralToken
		oldWei := agent.Collateral(types.CollateralClassVault)

		agent.VaultCollateralToken = token
		agent.SetCollateral(types.CollateralClassVault, depositWei)
		agent.SetWithdrawal(types.CollateralClassVault, types.WithdrawalAnnouncement{})
		if agent.Settings.MintingVaultCollateralRatioBIPS < newType.MinCollateralRatioBIPS {
			agent.Settings.MintingVaultCollateralRatioBIPS = newType.MinCollateralRatioBIPS
		}
		cr, err := o.acc.CollateralRatioBIPS(o.ctx, agent, newType)
		if err != nil {
			return err
		}
		if cr < newType.MinCollateralRatioBIPS {
			return outOfBounds("not enough collateral")
		}
		o.transfer(Transfer{Token: oldToken, From: vault, To: agent.Owner, AmountWei: oldWei, Reason: "vault collateral switched"})
		o.emit(Event{Type: EventVaultCollateralSwitched, AgentVault: vault, Value: new(big.Int).Set(depositWei), Detail: token.Hex()})
		return nil
	})
}
