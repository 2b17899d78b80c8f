// Package settings holds the governed asset manager settings and the accepted collateral types.
package settings

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/internal/liquidation"
	"github.com/moltbunker/fasset/pkg/types"
)

// BurnAddress receives burned reservation fees and unstick penalties.
var BurnAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// AssetSettings are the parameters of one f-asset. All amounts are integers in the smallest unit.
type AssetSettings struct {
	AssetName   string `yaml:"asset_name" json:"asset_name"`
	AssetSymbol string `yaml:"asset_symbol" json:"asset_symbol"`
	// SourceChain is the attestation source id name of the underlying chain (e.g. "testXRP").
	SourceChain          string         `yaml:"source_chain" json:"source_chain"`
	AssetDecimals        uint8          `yaml:"asset_decimals" json:"asset_decimals"`
	AssetMintingDecimals uint8          `yaml:"asset_minting_decimals" json:"asset_minting_decimals"`
	BurnAddress          common.Address `yaml:"burn_address" json:"burn_address"`

	LotSizeAMG    uint64 `yaml:"lot_size_amg" json:"lot_size_amg"`
	MintingCapAMG uint64 `yaml:"minting_cap_amg" json:"minting_cap_amg"` // 0 = no cap

	RequireEOAAddressProof bool `yaml:"require_eoa_address_proof" json:"require_eoa_address_proof"`

	// Fees
	CollateralReservationFeeBIPS uint64 `yaml:"collateral_reservation_fee_bips" json:"collateral_reservation_fee_bips"`
	RedemptionFeeBIPS            uint64 `yaml:"redemption_fee_bips" json:"redemption_fee_bips"`

	// Redemption defaults and third-party confirmations
	RedemptionDefaultFactorVaultCollateralBIPS uint64 `yaml:"redemption_default_factor_vault_collateral_bips" json:"redemption_default_factor_vault_collateral_bips"`
	RedemptionDefaultFactorPoolBIPS            uint64 `yaml:"redemption_default_factor_pool_bips" json:"redemption_default_factor_pool_bips"`
	ConfirmationByOthersAfterSeconds           uint64 `yaml:"confirmation_by_others_after_seconds" json:"confirmation_by_others_after_seconds"`
	ConfirmationByOthersRewardUSD5             uint64 `yaml:"confirmation_by_others_reward_usd5" json:"confirmation_by_others_reward_usd5"`
	MaxRedeemedTickets                         uint64 `yaml:"max_redeemed_tickets" json:"max_redeemed_tickets"`

	// Challenges
	PaymentChallengeRewardUSD5 uint64 `yaml:"payment_challenge_reward_usd5" json:"payment_challenge_reward_usd5"`
	PaymentChallengeRewardBIPS uint64 `yaml:"payment_challenge_reward_bips" json:"payment_challenge_reward_bips"`
	MinUnderlyingBackingBIPS   uint64 `yaml:"min_underlying_backing_bips" json:"min_underlying_backing_bips"`

	// Underlying chain timing
	UnderlyingBlocksForPayment                uint64 `yaml:"underlying_blocks_for_payment" json:"underlying_blocks_for_payment"`
	UnderlyingSecondsForPayment               uint64 `yaml:"underlying_seconds_for_payment" json:"underlying_seconds_for_payment"`
	AverageBlockTimeMS                        uint64 `yaml:"average_block_time_ms" json:"average_block_time_ms"`
	AttestationWindowSeconds                  uint64 `yaml:"attestation_window_seconds" json:"attestation_window_seconds"`
	AnnouncedUnderlyingConfirmationMinSeconds uint64 `yaml:"announced_underlying_confirmation_min_seconds" json:"announced_underlying_confirmation_min_seconds"`

	// Agent timelocks
	WithdrawalWaitMinSeconds              uint64 `yaml:"withdrawal_wait_min_seconds" json:"withdrawal_wait_min_seconds"`
	AgentTimelockedOperationWindowSeconds uint64 `yaml:"agent_timelocked_operation_window_seconds" json:"agent_timelocked_operation_window_seconds"`
	AgentFeeChangeTimelockSeconds         uint64 `yaml:"agent_fee_change_timelock_seconds" json:"agent_fee_change_timelock_seconds"`
	AgentMintingCRChangeTimelockSeconds   uint64 `yaml:"agent_minting_cr_change_timelock_seconds" json:"agent_minting_cr_change_timelock_seconds"`
	PoolExitAndTopupChangeTimelockSeconds uint64 `yaml:"pool_exit_and_topup_change_timelock_seconds" json:"pool_exit_and_topup_change_timelock_seconds"`
	AgentExitAvailableTimelockSeconds     uint64 `yaml:"agent_exit_available_timelock_seconds" json:"agent_exit_available_timelock_seconds"`

	// Liquidation
	CCBTimeSeconds                       uint64   `yaml:"ccb_time_seconds" json:"ccb_time_seconds"`
	LiquidationStepSeconds               uint64   `yaml:"liquidation_step_seconds" json:"liquidation_step_seconds"`
	LiquidationCollateralFactorBIPS      []uint64 `yaml:"liquidation_collateral_factor_bips" json:"liquidation_collateral_factor_bips"`
	LiquidationFactorVaultCollateralBIPS []uint64 `yaml:"liquidation_factor_vault_collateral_bips" json:"liquidation_factor_vault_collateral_bips"`

	VaultCollateralBuyForFlareFactorBIPS uint64 `yaml:"vault_collateral_buy_for_flare_factor_bips" json:"vault_collateral_buy_for_flare_factor_bips"`

	// Governance
	MinUpdateRepeatTimeSeconds      uint64 `yaml:"min_update_repeat_time_seconds" json:"min_update_repeat_time_seconds"`
	TokenInvalidationTimeMinSeconds uint64 `yaml:"token_invalidation_time_min_seconds" json:"token_invalidation_time_min_seconds"`
}

// File is the on-disk settings document. The same keys appear in the daemon config.
type File struct {
	Asset       AssetSettings          `yaml:"asset"`
	Collaterals []types.CollateralType `yaml:"collaterals"`
}

// Defaults returns settings for a test XRP-like asset with 6 decimals.
func Defaults() AssetSettings {
	return AssetSettings{
		AssetName:            "Test XRP",
		AssetSymbol:          "FtestXRP",
		SourceChain:          "testXRP",
		AssetDecimals:        6,
		AssetMintingDecimals: 6,
		BurnAddress:          BurnAddress,
		LotSizeAMG:           20_000_000,

		RequireEOAAddressProof: true,

		CollateralReservationFeeBIPS: 100,
		RedemptionFeeBIPS:            200,

		RedemptionDefaultFactorVaultCollateralBIPS: 10500,
		RedemptionDefaultFactorPoolBIPS:            0,
		ConfirmationByOthersAfterSeconds:           6 * 3600,
		ConfirmationByOthersRewardUSD5:             100_00000,
		MaxRedeemedTickets:                         20,

		PaymentChallengeRewardUSD5: 300_00000,
		PaymentChallengeRewardBIPS: 0,
		MinUnderlyingBackingBIPS:   10000,

		UnderlyingBlocksForPayment:                100,
		UnderlyingSecondsForPayment:               86400,
		AverageBlockTimeMS:                        4000,
		AttestationWindowSeconds:                  86400,
		AnnouncedUnderlyingConfirmationMinSeconds: 0,

		WithdrawalWaitMinSeconds:              300,
		AgentTimelockedOperationWindowSeconds: 3600,
		AgentFeeChangeTimelockSeconds:         6 * 3600,
		AgentMintingCRChangeTimelockSeconds:   3600,
		PoolExitAndTopupChangeTimelockSeconds: 2 * 3600,
		AgentExitAvailableTimelockSeconds:     10 * 60,

		CCBTimeSeconds:                       180,
		LiquidationStepSeconds:               90,
		LiquidationCollateralFactorBIPS:      []uint64{12000, 16000, 20000},
		LiquidationFactorVaultCollateralBIPS: []uint64{10000, 10000, 10000},

		VaultCollateralBuyForFlareFactorBIPS: 10500,

		MinUpdateRepeatTimeSeconds:      86400,
		TokenInvalidationTimeMinSeconds: 86400,
	}
}

// DefaultCollaterals returns a USD stablecoin vault collateral and the native pool collateral.
func DefaultCollaterals() []types.CollateralType {
	return []types.CollateralType{
		{
			Class:                        types.CollateralClassPool,
			Token:                        common.HexToAddress("0x1D80c49BbBCd1C0911346656B529DF9E5c2F783d"),
			Decimals:                     18,
			AssetFtsoSymbol:              "testXRP",
			TokenFtsoSymbol:              "testNAT",
			MinCollateralRatioBIPS:       20000,
			CCBMinCollateralRatioBIPS:    19000,
			SafetyMinCollateralRatioBIPS: 21000,
		},
		{
			Class:                        types.CollateralClassVault,
			Token:                        common.HexToAddress("0xFbDA5F676cB37624f28265A144A48B0d6e87d3b6"),
			Decimals:                     6,
			AssetFtsoSymbol:              "testXRP",
			TokenFtsoSymbol:              "testUSDC",
			MinCollateralRatioBIPS:       14000,
			CCBMinCollateralRatioBIPS:    13000,
			SafetyMinCollateralRatioBIPS: 15000,
		},
	}
}

// Load reads a settings file, filling unset fields from Defaults.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	f := &File{Asset: Defaults()}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	if len(f.Collaterals) == 0 {
		f.Collaterals = DefaultCollaterals()
	}
	return f, nil
}

// SourceID returns the attestation source id of the underlying chain.
func (s AssetSettings) SourceID() common.Hash {
	return attestation.EncodeName(s.SourceChain)
}

// Asset returns the granularity description used by collateral accounting.
func (s AssetSettings) Asset() collateral.Asset {
	granularity := uint64(1)
	for i := s.AssetMintingDecimals; i < s.AssetDecimals; i++ {
		granularity *= 10
	}
	return collateral.Asset{
		Decimals:              s.AssetDecimals,
		MintingDecimals:       s.AssetMintingDecimals,
		MintingGranularityUBA: granularity,
		LotSizeAMG:            s.LotSizeAMG,
	}
}

// Schedule returns the liquidation schedule.
func (s AssetSettings) Schedule() liquidation.Schedule {
	return liquidation.Schedule{
		CCBTimeSeconds:            s.CCBTimeSeconds,
		StepSeconds:               s.LiquidationStepSeconds,
		CollateralFactorBIPS:      append([]uint64(nil), s.LiquidationCollateralFactorBIPS...),
		FactorVaultCollateralBIPS: append([]uint64(nil), s.LiquidationFactorVaultCollateralBIPS...),
	}
}

// AgentSettingTimelock returns how long an announced agent setting change must wait.
func (s AssetSettings) AgentSettingTimelock(name string) (uint64, error) {
	switch name {
	case types.SettingFeeBIPS, types.SettingPoolFeeShareBIPS:
		return s.AgentFeeChangeTimelockSeconds, nil
	case types.SettingMintingVaultCollateralRatioBIPS, types.SettingMintingPoolCollateralRatioBIPS:
		return s.AgentMintingCRChangeTimelockSeconds, nil
	case types.SettingPoolExitCollateralRatioBIPS, types.SettingBuyFAssetByAgentFactorBIPS:
		return s.PoolExitAndTopupChangeTimelockSeconds, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
}

// Clone returns a deep copy.
func (s *AssetSettings) Clone() AssetSettings {
	c := *s
	c.LiquidationCollateralFactorBIPS = append([]uint64(nil), s.LiquidationCollateralFactorBIPS...)
	c.LiquidationFactorVaultCollateralBIPS = append([]uint64(nil), s.LiquidationFactorVaultCollateralBIPS...)
	return c
}

// Validate checks the settings for consistency.
func (s *AssetSettings) Validate() error {
	if s.SourceChain == "" {
		return fmt.Errorf("source chain is required")
	}
	if len(s.SourceChain) > 32 {
		return fmt.Errorf("source chain name too long: %q", s.SourceChain)
	}
	if s.AssetMintingDecimals > s.AssetDecimals {
		return fmt.Errorf("minting decimals (%d) exceed asset decimals (%d)", s.AssetMintingDecimals, s.AssetDecimals)
	}
	if s.LotSizeAMG == 0 {
		return fmt.Errorf("lot size must be positive")
	}
	if s.MaxRedeemedTickets == 0 {
		return fmt.Errorf("max redeemed tickets must be positive")
	}
	for name, bips := range map[string]uint64{
		"collateral reservation fee": s.CollateralReservationFeeBIPS,
		"redemption fee":             s.RedemptionFeeBIPS,
		"payment challenge reward":   s.PaymentChallengeRewardBIPS,
	} {
		if bips > collateral.MaxBIPS {
			return fmt.Errorf("%s above 100%%: %d", name, bips)
		}
	}
	if s.RedemptionDefaultFactorVaultCollateralBIPS+s.RedemptionDefaultFactorPoolBIPS <= collateral.MaxBIPS {
		return fmt.Errorf("redemption default factor must be above 100%%")
	}
	if s.UnderlyingBlocksForPayment == 0 || s.UnderlyingSecondsForPayment == 0 {
		return fmt.Errorf("underlying payment window must be positive")
	}
	if s.AttestationWindowSeconds < s.UnderlyingSecondsForPayment {
		return fmt.Errorf("attestation window (%ds) shorter than payment window (%ds)",
			s.AttestationWindowSeconds, s.UnderlyingSecondsForPayment)
	}
	if s.AverageBlockTimeMS == 0 {
		return fmt.Errorf("average block time must be positive")
	}
	if s.AgentTimelockedOperationWindowSeconds == 0 {
		return fmt.Errorf("timelocked operation window must be positive")
	}
	if s.VaultCollateralBuyForFlareFactorBIPS < collateral.MaxBIPS {
		return fmt.Errorf("unstick buy factor below 100%%: %d", s.VaultCollateralBuyForFlareFactorBIPS)
	}
	sched := s.Schedule()
	if err := sched.Validate(); err != nil {
		return err
	}
	return nil
}

// ValidateCollaterals checks the collateral list: exactly one pool collateral, at least one vault
// collateral, no duplicate tokens and ordered ratios.
func ValidateCollaterals(cts []types.CollateralType) error {
	seen := make(map[common.Address]bool)
	pools, vaults := 0, 0
	for i := range cts {
		ct := &cts[i]
		if seen[ct.Token] {
			return fmt.Errorf("duplicate collateral token %s", ct.Token.Hex())
		}
		seen[ct.Token] = true
		switch ct.Class {
		case types.CollateralClassPool:
			pools++
		case types.CollateralClassVault:
			vaults++
		default:
			return fmt.Errorf("collateral %s: invalid class %d", ct.Token.Hex(), ct.Class)
		}
		if ct.AssetFtsoSymbol == "" {
			return fmt.Errorf("collateral %s: asset ftso symbol is required", ct.Token.Hex())
		}
		if err := ct.ValidateRatios(); err != nil {
			return fmt.Errorf("collateral %s: %w", ct.Token.Hex(), err)
		}
	}
	if pools != 1 {
		return fmt.Errorf("exactly one pool collateral required, got %d", pools)
	}
	if vaults == 0 {
		return fmt.Errorf("at least one vault collateral required")
	}
	return nil
}
