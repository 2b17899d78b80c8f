package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Defaults(), DefaultCollaterals())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestDefaultsValid(t *testing.T) {
	s := Defaults()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	if err := ValidateCollaterals(DefaultCollaterals()); err != nil {
		t.Fatalf("default collaterals invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(s *AssetSettings)
	}{
		{"empty source chain", func(s *AssetSettings) { s.SourceChain = "" }},
		{"zero lot size", func(s *AssetSettings) { s.LotSizeAMG = 0 }},
		{"minting decimals above asset decimals", func(s *AssetSettings) { s.AssetMintingDecimals = 8 }},
		{"fee above 100%", func(s *AssetSettings) { s.RedemptionFeeBIPS = 10001 }},
		{"default factor not above 100%", func(s *AssetSettings) { s.RedemptionDefaultFactorVaultCollateralBIPS = 10000 }},
		{"attestation window too short", func(s *AssetSettings) { s.AttestationWindowSeconds = 10 }},
		{"liquidation factors not increasing", func(s *AssetSettings) {
			s.LiquidationCollateralFactorBIPS = []uint64{12000, 11000, 20000}
		}},
		{"liquidation factor lengths differ", func(s *AssetSettings) {
			s.LiquidationFactorVaultCollateralBIPS = []uint64{10000}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.modify(&s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateCollaterals(t *testing.T) {
	cts := DefaultCollaterals()
	cts = append(cts, cts[0])
	if err := ValidateCollaterals(cts); err == nil {
		t.Error("expected duplicate token error")
	}

	noPool := DefaultCollaterals()[1:]
	if err := ValidateCollaterals(noPool); err == nil {
		t.Error("expected missing pool collateral error")
	}
}

func TestAssetGranularity(t *testing.T) {
	s := Defaults()
	s.AssetDecimals = 8
	s.AssetMintingDecimals = 6
	a := s.Asset()
	if a.MintingGranularityUBA != 100 {
		t.Errorf("expected granularity 100, got %d", a.MintingGranularityUBA)
	}
	if a.LotSizeAMG != s.LotSizeAMG {
		t.Errorf("expected lot size %d, got %d", s.LotSizeAMG, a.LotSizeAMG)
	}
}

func TestAgentSettingTimelock(t *testing.T) {
	s := Defaults()
	tests := []struct {
		name string
		want uint64
	}{
		{types.SettingFeeBIPS, s.AgentFeeChangeTimelockSeconds},
		{types.SettingPoolFeeShareBIPS, s.AgentFeeChangeTimelockSeconds},
		{types.SettingMintingVaultCollateralRatioBIPS, s.AgentMintingCRChangeTimelockSeconds},
		{types.SettingPoolExitCollateralRatioBIPS, s.PoolExitAndTopupChangeTimelockSeconds},
	}
	for _, tt := range tests {
		got, err := s.AgentSettingTimelock(tt.name)
		if err != nil || got != tt.want {
			t.Errorf("AgentSettingTimelock(%s) = %d, %v; want %d", tt.name, got, err, tt.want)
		}
	}
	if _, err := s.AgentSettingTimelock("bogus"); !errors.Is(err, ErrUnknownSetting) {
		t.Errorf("expected ErrUnknownSetting, got %v", err)
	}
}

func TestUpdateBounds(t *testing.T) {
	tests := []struct {
		name    string
		setting string
		value   uint64
		wantErr error
	}{
		{"fee within x4+100", "redemptionFeeBIPS", 900, nil},
		{"fee above x4+100", "redemptionFeeBIPS", 901, ErrChangeTooBig},
		{"fee down to quarter", "redemptionFeeBIPS", 50, nil},
		{"fee below quarter", "redemptionFeeBIPS", 49, ErrChangeTooBig},
		{"time doubled", "ccbTimeSeconds", 360, nil},
		{"time more than doubled", "ccbTimeSeconds", 361, ErrChangeTooBig},
		{"time below half", "ccbTimeSeconds", 89, ErrChangeTooBig},
		{"amount x4", "paymentChallengeRewardUSD5", 1200_00000, nil},
		{"amount above x4", "paymentChallengeRewardUSD5", 1200_00001, ErrChangeTooBig},
		{"minting cap unbounded", "mintingCapAMG", 1 << 40, nil},
		{"unknown", "lotSizeUBA", 1, ErrUnknownSetting},
		{"bounded but invalid", "underlyingSecondsForPayment", 172800, ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			err := m.Update(tt.setting, tt.value, 1000)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Update failed: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestUpdateRepeatTime(t *testing.T) {
	m := newTestManager(t)
	repeat := Defaults().MinUpdateRepeatTimeSeconds

	if err := m.Update("redemptionFeeBIPS", 300, 1000); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if err := m.Update("redemptionFeeBIPS", 400, 1000+repeat-1); !errors.Is(err, ErrTooFrequent) {
		t.Errorf("expected ErrTooFrequent, got %v", err)
	}
	// other settings are independent
	if err := m.Update("collateralReservationFeeBIPS", 150, 1001); err != nil {
		t.Errorf("independent update failed: %v", err)
	}
	if err := m.Update("redemptionFeeBIPS", 400, 1000+repeat); err != nil {
		t.Errorf("update after repeat time failed: %v", err)
	}
	if got := m.Current().RedemptionFeeBIPS; got != 400 {
		t.Errorf("expected fee 400, got %d", got)
	}
}

func TestCurrentIsCopy(t *testing.T) {
	m := newTestManager(t)
	s := m.Current()
	s.LiquidationCollateralFactorBIPS[0] = 1
	s.LotSizeAMG = 1
	cur := m.Current()
	if cur.LiquidationCollateralFactorBIPS[0] == 1 || cur.LotSizeAMG == 1 {
		t.Error("Current must return a deep copy")
	}
}

func TestUpdateLiquidationFactors(t *testing.T) {
	m := newTestManager(t)
	if err := m.UpdateLiquidationFactors([]uint64{11000, 12000}, []uint64{10000, 10000}, 10); err != nil {
		t.Fatalf("UpdateLiquidationFactors failed: %v", err)
	}
	if got := m.Current().Schedule().CollateralFactorBIPS; len(got) != 2 || got[1] != 12000 {
		t.Errorf("unexpected schedule %v", got)
	}
	err := m.UpdateLiquidationFactors([]uint64{9000}, []uint64{9000}, 10+Defaults().MinUpdateRepeatTimeSeconds)
	if !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for factor below 100%%, got %v", err)
	}
}

func TestScheduleCopiesFactors(t *testing.T) {
	s := Defaults()
	sched := Defaults().Schedule()
	if sched.CCBTimeSeconds != s.CCBTimeSeconds || sched.StepSeconds != s.LiquidationStepSeconds {
		t.Errorf("schedule timing = (%d, %d)", sched.CCBTimeSeconds, sched.StepSeconds)
	}
	sched.CollateralFactorBIPS[0] = 1
	if s.Schedule().CollateralFactorBIPS[0] == 1 || s.LiquidationCollateralFactorBIPS[0] == 1 {
		t.Error("Schedule must not share factor slices with the settings")
	}
	if lock, err := Defaults().AgentSettingTimelock(types.SettingFeeBIPS); err != nil || lock != s.AgentFeeChangeTimelockSeconds {
		t.Errorf("AgentSettingTimelock = %d, %v", lock, err)
	}
}

func TestCollateralTypes(t *testing.T) {
	m := newTestManager(t)
	pool := m.PoolCollateral()
	if pool == nil || pool.Class != types.CollateralClassPool {
		t.Fatalf("expected pool collateral, got %+v", pool)
	}

	vault := DefaultCollaterals()[1]
	if err := m.SetCollateralRatios(vault.Token, 16000, 14000, 17000, 100); err != nil {
		t.Fatalf("SetCollateralRatios failed: %v", err)
	}
	ct, err := m.CollateralType(vault.Token)
	if err != nil {
		t.Fatalf("CollateralType failed: %v", err)
	}
	if ct.MinCollateralRatioBIPS != 16000 || ct.SafetyMinCollateralRatioBIPS != 17000 {
		t.Errorf("unexpected ratios %+v", ct)
	}
	if err := m.SetCollateralRatios(vault.Token, 16000, 17000, 18000, 100+Defaults().MinUpdateRepeatTimeSeconds); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for ccb above min, got %v", err)
	}

	if _, err := m.CollateralType(common.HexToAddress("0x42")); !errors.Is(err, ErrUnknownCollateral) {
		t.Errorf("expected ErrUnknownCollateral, got %v", err)
	}

	added := vault
	added.Token = common.HexToAddress("0x5555")
	if err := m.AddCollateralType(added); err != nil {
		t.Fatalf("AddCollateralType failed: %v", err)
	}
	if err := m.AddCollateralType(added); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected duplicate error, got %v", err)
	}
	if len(m.CollateralTypes()) != 3 {
		t.Errorf("expected 3 collateral types, got %d", len(m.CollateralTypes()))
	}
}

func TestDeprecateCollateralType(t *testing.T) {
	m := newTestManager(t)
	vault := DefaultCollaterals()[1]
	minTime := Defaults().TokenInvalidationTimeMinSeconds

	if err := m.DeprecateCollateralType(vault.Token, minTime-1, 100); !errors.Is(err, ErrChangeTooBig) {
		t.Errorf("expected ErrChangeTooBig for short deprecation, got %v", err)
	}
	if err := m.DeprecateCollateralType(m.PoolCollateral().Token, minTime, 100); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected pool deprecation to fail, got %v", err)
	}
	if err := m.DeprecateCollateralType(vault.Token, minTime, 100); err != nil {
		t.Fatalf("DeprecateCollateralType failed: %v", err)
	}
	ct, _ := m.CollateralType(vault.Token)
	if ct.ValidUntil != 100+minTime {
		t.Errorf("expected ValidUntil %d, got %d", 100+minTime, ct.ValidUntil)
	}
	if err := m.DeprecateCollateralType(vault.Token, minTime, 200); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected repeated deprecation to fail, got %v", err)
	}
}

const testSettingsYAML = `asset:
  source_chain: testXRP
  lot_size_amg: 20000000
  redemption_fee_bips: %d
  ccb_time_seconds: %d
`

func writeSettings(t *testing.T, path string, feeBIPS, ccbTime uint64) {
	t.Helper()
	data := []byte(fmt.Sprintf(testSettingsYAML, feeBIPS, ccbTime))
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeSettings(t, path, 300, 200)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if f.Asset.RedemptionFeeBIPS != 300 || f.Asset.CCBTimeSeconds != 200 {
		t.Errorf("unexpected loaded values %+v", f.Asset)
	}
	if f.Asset.UnderlyingBlocksForPayment != Defaults().UnderlyingBlocksForPayment {
		t.Error("unset fields should keep defaults")
	}
	if len(f.Collaterals) != 2 {
		t.Errorf("expected default collaterals, got %d", len(f.Collaterals))
	}
}

func TestApply(t *testing.T) {
	m := newTestManager(t)
	f := &File{Asset: Defaults(), Collaterals: DefaultCollaterals()}
	f.Asset.RedemptionFeeBIPS = 250
	f.Asset.CCBTimeSeconds = 1000 // more than doubled, rejected
	f.Collaterals[1].MinCollateralRatioBIPS = 14500

	errs := m.Apply(f, 100)
	if len(errs) != 1 || !errors.Is(errs[0], ErrChangeTooBig) {
		t.Fatalf("expected a single ErrChangeTooBig, got %v", errs)
	}
	cur := m.Current()
	if cur.RedemptionFeeBIPS != 250 {
		t.Errorf("expected fee 250, got %d", cur.RedemptionFeeBIPS)
	}
	if cur.CCBTimeSeconds != Defaults().CCBTimeSeconds {
		t.Errorf("rejected change must not apply, got %d", cur.CCBTimeSeconds)
	}
	ct, _ := m.CollateralType(f.Collaterals[1].Token)
	if ct.MinCollateralRatioBIPS != 14500 {
		t.Errorf("expected min ratio 14500, got %d", ct.MinCollateralRatioBIPS)
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	writeSettings(t, path, 200, 180)

	m := newTestManager(t)
	w, err := NewWatcher(path, m)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.debounce = 10 * time.Millisecond
	reloaded := make(chan []error, 4)
	w.OnReload = func(errs []error) {
		select {
		case reloaded <- errs:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Close()

	writeSettings(t, path, 300, 180)

	// a rewrite may surface as several events; wait until the final content is applied
	deadline := time.After(5 * time.Second)
	for m.Current().RedemptionFeeBIPS != 300 {
		select {
		case <-reloaded:
		case <-deadline:
			t.Fatalf("timed out waiting for settings reload, fee is %d", m.Current().RedemptionFeeBIPS)
		}
	}
}
