package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AgentStatus is the lifecycle state of an agent vault
type AgentStatus string

const (
	// AgentStatusNormal - agent can mint, redeem and change settings
	AgentStatusNormal AgentStatus = "normal"
	// AgentStatusCCB - collateral call band, agent has ccbTimeSeconds to top up
	AgentStatusCCB AgentStatus = "ccb"
	// AgentStatusLiquidation - collateral ratio fell below the CCB minimum
	AgentStatusLiquidation AgentStatus = "liquidation"
	// AgentStatusFullLiquidation - agent was caught making an illegal payment; irreversible
	AgentStatusFullLiquidation AgentStatus = "full_liquidation"
	// AgentStatusDestroying - destroy was announced, waiting for the cool-down
	AgentStatusDestroying AgentStatus = "destroying"
)

// AgentStatuses lists every agent status in lifecycle order
func AgentStatuses() []AgentStatus {
	return []AgentStatus{AgentStatusNormal, AgentStatusCCB, AgentStatusLiquidation,
		AgentStatusFullLiquidation, AgentStatusDestroying}
}

// IsValid checks if the agent status is known
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusNormal, AgentStatusCCB, AgentStatusLiquidation,
		AgentStatusFullLiquidation, AgentStatusDestroying:
		return true
	default:
		return false
	}
}

// InLiquidation reports whether liquidators may act on the agent (possibly after the CCB grace period)
func (s AgentStatus) InLiquidation() bool {
	return s == AgentStatusCCB || s == AgentStatusLiquidation || s == AgentStatusFullLiquidation
}

// LiquidationPhase is the per-collateral liquidation phase derived from collateral ratios
type LiquidationPhase uint8

const (
	LiquidationPhaseNone LiquidationPhase = iota
	LiquidationPhaseCCB
	LiquidationPhaseLiquidation
)

// String returns a readable phase name
func (p LiquidationPhase) String() string {
	switch p {
	case LiquidationPhaseNone:
		return "none"
	case LiquidationPhaseCCB:
		return "ccb"
	case LiquidationPhaseLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// Flags stored in Agent.CollateralsUnderwater
const (
	UnderwaterVault uint8 = 1 << 0
	UnderwaterPool  uint8 = 1 << 1
)

// Agent setting names accepted by the announce/execute settings flow
const (
	SettingFeeBIPS                         = "feeBIPS"
	SettingPoolFeeShareBIPS                = "poolFeeShareBIPS"
	SettingMintingVaultCollateralRatioBIPS = "mintingVaultCollateralRatioBIPS"
	SettingMintingPoolCollateralRatioBIPS  = "mintingPoolCollateralRatioBIPS"
	SettingBuyFAssetByAgentFactorBIPS      = "buyFAssetByAgentFactorBIPS"
	SettingPoolExitCollateralRatioBIPS     = "poolExitCollateralRatioBIPS"
)

// AgentSettings are the fee and ratio parameters an agent advertises to minters
type AgentSettings struct {
	FeeBIPS                         uint64 `json:"fee_bips" yaml:"fee_bips"`
	PoolFeeShareBIPS                uint64 `json:"pool_fee_share_bips" yaml:"pool_fee_share_bips"`
	MintingVaultCollateralRatioBIPS uint64 `json:"minting_vault_collateral_ratio_bips" yaml:"minting_vault_collateral_ratio_bips"`
	MintingPoolCollateralRatioBIPS  uint64 `json:"minting_pool_collateral_ratio_bips" yaml:"minting_pool_collateral_ratio_bips"`
	BuyFAssetByAgentFactorBIPS      uint64 `json:"buy_fasset_by_agent_factor_bips" yaml:"buy_fasset_by_agent_factor_bips"`
	PoolExitCollateralRatioBIPS     uint64 `json:"pool_exit_collateral_ratio_bips" yaml:"pool_exit_collateral_ratio_bips"`
}

// Get returns the value of a named setting
func (s *AgentSettings) Get(name string) (uint64, bool) {
	switch name {
	case SettingFeeBIPS:
		return s.FeeBIPS, true
	case SettingPoolFeeShareBIPS:
		return s.PoolFeeShareBIPS, true
	case SettingMintingVaultCollateralRatioBIPS:
		return s.MintingVaultCollateralRatioBIPS, true
	case SettingMintingPoolCollateralRatioBIPS:
		return s.MintingPoolCollateralRatioBIPS, true
	case SettingBuyFAssetByAgentFactorBIPS:
		return s.BuyFAssetByAgentFactorBIPS, true
	case SettingPoolExitCollateralRatioBIPS:
		return s.PoolExitCollateralRatioBIPS, true
	}
	return 0, false
}

// Set assigns a named setting, returning false for unknown names
func (s *AgentSettings) Set(name string, value uint64) bool {
	switch name {
	case SettingFeeBIPS:
		s.FeeBIPS = value
	case SettingPoolFeeShareBIPS:
		s.PoolFeeShareBIPS = value
	case SettingMintingVaultCollateralRatioBIPS:
		s.MintingVaultCollateralRatioBIPS = value
	case SettingMintingPoolCollateralRatioBIPS:
		s.MintingPoolCollateralRatioBIPS = value
	case SettingBuyFAssetByAgentFactorBIPS:
		s.BuyFAssetByAgentFactorBIPS = value
	case SettingPoolExitCollateralRatioBIPS:
		s.PoolExitCollateralRatioBIPS = value
	default:
		return false
	}
	return true
}

// PendingSettingUpdate is an announced but not yet executed settings change
type PendingSettingUpdate struct {
	Value   uint64 `json:"value"`
	ValidAt uint64 `json:"valid_at"`
}

// WithdrawalAnnouncement locks collateral that the agent intends to withdraw
type WithdrawalAnnouncement struct {
	AmountWei *big.Int `json:"amount_wei"`
	AllowedAt uint64   `json:"allowed_at"` // 0 = nothing announced
}

// Active reports whether a withdrawal is announced
func (w WithdrawalAnnouncement) Active() bool {
	return w.AllowedAt != 0
}

// Amount returns the announced amount, never nil
func (w WithdrawalAnnouncement) Amount() *big.Int {
	if w.AmountWei == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(w.AmountWei)
}

// UnderlyingWithdrawal is an announced payment from the agent's underlying address
type UnderlyingWithdrawal struct {
	ID          uint64 `json:"id"` // 0 = none
	AnnouncedAt uint64 `json:"announced_at"`
}

// Agent is the full per-agent ledger
type Agent struct {
	Vault                 common.Address `json:"vault"`
	CollateralPool        common.Address `json:"collateral_pool"`
	Owner                 common.Address `json:"owner"` // management address
	UnderlyingAddress     string         `json:"underlying_address"`
	UnderlyingAddressHash common.Hash    `json:"underlying_address_hash"`
	Status                AgentStatus    `json:"status"`
	CreatedAt             uint64         `json:"created_at"`

	// Collateral
	VaultCollateralToken common.Address `json:"vault_collateral_token"`
	VaultCollateralWei   *big.Int       `json:"vault_collateral_wei"`
	PoolCollateralWei    *big.Int       `json:"pool_collateral_wei"`

	Settings        AgentSettings                   `json:"settings"`
	PendingSettings map[string]PendingSettingUpdate `json:"pending_settings,omitempty"`

	// Availability for public minting
	Available          bool   `json:"available"`
	ExitAvailableAfter uint64 `json:"exit_available_after,omitempty"`

	// Backing, all in AMG
	MintedAMG    uint64 `json:"minted_amg"`
	ReservedAMG  uint64 `json:"reserved_amg"`
	RedeemingAMG uint64 `json:"redeeming_amg"`
	DustAMG      uint64 `json:"dust_amg"`

	// Underlying side
	UnderlyingBalanceUBA      *big.Int             `json:"underlying_balance_uba"`
	UnderlyingBlockAtCreation uint64               `json:"underlying_block_at_creation"`
	UnderlyingWithdrawal      UnderlyingWithdrawal `json:"underlying_withdrawal"`

	// Collateral withdrawal announcements
	VaultWithdrawal WithdrawalAnnouncement `json:"vault_withdrawal"`
	PoolWithdrawal  WithdrawalAnnouncement `json:"pool_withdrawal"`

	// Liquidation
	LiquidationStartedAt    uint64           `json:"liquidation_started_at,omitempty"`
	InitialLiquidationPhase LiquidationPhase `json:"initial_liquidation_phase,omitempty"`
	CollateralsUnderwater   uint8            `json:"collaterals_underwater,omitempty"`

	DestroyAllowedAt uint64 `json:"destroy_allowed_at,omitempty"`

	// Per-agent redemption ticket list
	FirstTicketID uint64 `json:"first_ticket_id,omitempty"`
	LastTicketID  uint64 `json:"last_ticket_id,omitempty"`
}

// Collateral returns the collateral balance of the given class, never nil
func (a *Agent) Collateral(class CollateralClass) *big.Int {
	var v *big.Int
	if class == CollateralClassPool {
		v = a.PoolCollateralWei
	} else {
		v = a.VaultCollateralWei
	}
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// SetCollateral replaces the collateral balance of the given class
func (a *Agent) SetCollateral(class CollateralClass, value *big.Int) {
	if class == CollateralClassPool {
		a.PoolCollateralWei = new(big.Int).Set(value)
	} else {
		a.VaultCollateralWei = new(big.Int).Set(value)
	}
}

// Withdrawal returns the withdrawal announcement for the given class
func (a *Agent) Withdrawal(class CollateralClass) WithdrawalAnnouncement {
	if class == CollateralClassPool {
		return a.PoolWithdrawal
	}
	return a.VaultWithdrawal
}

// SetWithdrawal replaces the withdrawal announcement for the given class
func (a *Agent) SetWithdrawal(class CollateralClass, w WithdrawalAnnouncement) {
	if class == CollateralClassPool {
		a.PoolWithdrawal = w
	} else {
		a.VaultWithdrawal = w
	}
}

// UnderlyingBalance returns the tracked underlying balance, never nil
func (a *Agent) UnderlyingBalance() *big.Int {
	if a.UnderlyingBalanceUBA == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.UnderlyingBalanceUBA)
}

// TotalBackedAMG is minted + reserved + redeeming
func (a *Agent) TotalBackedAMG() uint64 {
	return a.MintedAMG + a.ReservedAMG + a.RedeemingAMG
}

// AssetState holds the global (cross-agent) counters of one asset manager
type AssetState struct {
	NextRequestID      uint64 `json:"next_request_id"`
	NextAnnouncementID uint64 `json:"next_announcement_id"`
	NextTicketID       uint64 `json:"next_ticket_id"`

	// Redemption queue (global FIFO)
	FirstTicketID uint64 `json:"first_ticket_id"`
	LastTicketID  uint64 `json:"last_ticket_id"`

	// Latest proven underlying block
	CurrentUnderlyingBlock          uint64 `json:"current_underlying_block"`
	CurrentUnderlyingBlockTimestamp uint64 `json:"current_underlying_block_timestamp"`
	CurrentUnderlyingBlockUpdatedAt uint64 `json:"current_underlying_block_updated_at"`

	TotalMintedAMG   uint64 `json:"total_minted_amg"`
	TotalReservedAMG uint64 `json:"total_reserved_amg"`
	NextAgentNonce   uint64 `json:"next_agent_nonce"`
}
