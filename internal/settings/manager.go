package settings

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/pkg/types"
)

var (
	// ErrUnknownSetting is returned for names that are not governed settings
	ErrUnknownSetting = errors.New("unknown setting")
	// ErrTooFrequent is returned when a setting is updated again before minUpdateRepeatTimeSeconds
	ErrTooFrequent = errors.New("too close to previous update")
	// ErrChangeTooBig is returned when a value moves further than its allowed relative change
	ErrChangeTooBig = errors.New("change too big")
	// ErrInvalidValue is returned when the updated settings fail validation
	ErrInvalidValue = errors.New("invalid setting value")
	// ErrUnknownCollateral is returned for tokens that are not registered collateral
	ErrUnknownCollateral = errors.New("unknown collateral token")
)

type changeKind int

const (
	changeFree   changeKind = iota // any value, subject only to validation
	changeFee                      // at most x4 + 100 BIPS up, /4 down
	changeAmount                   // at most x4 up, /4 down
	changeTime                     // at most x2 up, /2 down
)

type field struct {
	kind changeKind
	ptr  func(s *AssetSettings) *uint64
}

var fields = map[string]field{
	"lotSizeAMG":                                 {changeAmount, func(s *AssetSettings) *uint64 { return &s.LotSizeAMG }},
	"mintingCapAMG":                              {changeFree, func(s *AssetSettings) *uint64 { return &s.MintingCapAMG }},
	"collateralReservationFeeBIPS":               {changeFee, func(s *AssetSettings) *uint64 { return &s.CollateralReservationFeeBIPS }},
	"redemptionFeeBIPS":                          {changeFee, func(s *AssetSettings) *uint64 { return &s.RedemptionFeeBIPS }},
	"redemptionDefaultFactorVaultCollateralBIPS": {changeFee, func(s *AssetSettings) *uint64 { return &s.RedemptionDefaultFactorVaultCollateralBIPS }},
	"redemptionDefaultFactorPoolBIPS":            {changeFee, func(s *AssetSettings) *uint64 { return &s.RedemptionDefaultFactorPoolBIPS }},
	"confirmationByOthersAfterSeconds":           {changeTime, func(s *AssetSettings) *uint64 { return &s.ConfirmationByOthersAfterSeconds }},
	"confirmationByOthersRewardUSD5":             {changeAmount, func(s *AssetSettings) *uint64 { return &s.ConfirmationByOthersRewardUSD5 }},
	"maxRedeemedTickets":                         {changeAmount, func(s *AssetSettings) *uint64 { return &s.MaxRedeemedTickets }},
	"paymentChallengeRewardUSD5":                 {changeAmount, func(s *AssetSettings) *uint64 { return &s.PaymentChallengeRewardUSD5 }},
	"paymentChallengeRewardBIPS":                 {changeFee, func(s *AssetSettings) *uint64 { return &s.PaymentChallengeRewardBIPS }},
	"minUnderlyingBackingBIPS":                   {changeFee, func(s *AssetSettings) *uint64 { return &s.MinUnderlyingBackingBIPS }},
	"underlyingBlocksForPayment":                 {changeTime, func(s *AssetSettings) *uint64 { return &s.UnderlyingBlocksForPayment }},
	"underlyingSecondsForPayment":                {changeTime, func(s *AssetSettings) *uint64 { return &s.UnderlyingSecondsForPayment }},
	"averageBlockTimeMS":                         {changeTime, func(s *AssetSettings) *uint64 { return &s.AverageBlockTimeMS }},
	"attestationWindowSeconds":                   {changeTime, func(s *AssetSettings) *uint64 { return &s.AttestationWindowSeconds }},
	"announcedUnderlyingConfirmationMinSeconds":  {changeTime, func(s *AssetSettings) *uint64 { return &s.AnnouncedUnderlyingConfirmationMinSeconds }},
	"withdrawalWaitMinSeconds":                   {changeTime, func(s *AssetSettings) *uint64 { return &s.WithdrawalWaitMinSeconds }},
	"agentTimelockedOperationWindowSeconds":      {changeTime, func(s *AssetSettings) *uint64 { return &s.AgentTimelockedOperationWindowSeconds }},
	"agentFeeChangeTimelockSeconds":              {changeTime, func(s *AssetSettings) *uint64 { return &s.AgentFeeChangeTimelockSeconds }},
	"agentMintingCRChangeTimelockSeconds":        {changeTime, func(s *AssetSettings) *uint64 { return &s.AgentMintingCRChangeTimelockSeconds }},
	"poolExitAndTopupChangeTimelockSeconds":      {changeTime, func(s *AssetSettings) *uint64 { return &s.PoolExitAndTopupChangeTimelockSeconds }},
	"agentExitAvailableTimelockSeconds":          {changeTime, func(s *AssetSettings) *uint64 { return &s.AgentExitAvailableTimelockSeconds }},
	"ccbTimeSeconds":                             {changeTime, func(s *AssetSettings) *uint64 { return &s.CCBTimeSeconds }},
	"liquidationStepSeconds":                     {changeTime, func(s *AssetSettings) *uint64 { return &s.LiquidationStepSeconds }},
	"vaultCollateralBuyForFlareFactorBIPS":       {changeFee, func(s *AssetSettings) *uint64 { return &s.VaultCollateralBuyForFlareFactorBIPS }},
	"minUpdateRepeatTimeSeconds":                 {changeTime, func(s *AssetSettings) *uint64 { return &s.MinUpdateRepeatTimeSeconds }},
	"tokenInvalidationTimeMinSeconds":            {changeTime, func(s *AssetSettings) *uint64 { return &s.TokenInvalidationTimeMinSeconds }},
}

const liquidationFactorsSetting = "liquidationFactors"

// Names returns all individually updatable setting names, sorted.
func Names() []string {
	out := make([]string, 0, len(fields))
	for name := range fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func checkChange(kind changeKind, oldValue, newValue uint64) error {
	if oldValue == newValue || kind == changeFree {
		return nil
	}
	var up, down uint64
	var slack uint64
	switch kind {
	case changeFee:
		up, down, slack = 4, 4, 100
	case changeAmount:
		up, down = 4, 4
	case changeTime:
		up, down = 2, 2
	}
	if oldValue == 0 && slack == 0 {
		return nil
	}
	if newValue > oldValue*up+slack {
		return fmt.Errorf("%w: increase from %d to %d", ErrChangeTooBig, oldValue, newValue)
	}
	if newValue*down < oldValue {
		return fmt.Errorf("%w: decrease from %d to %d", ErrChangeTooBig, oldValue, newValue)
	}
	return nil
}

// Manager holds the current settings and collateral types and applies governed updates.
type Manager struct {
	mu          sync.RWMutex
	current     AssetSettings
	collaterals []types.CollateralType
	lastUpdate  map[string]uint64
}

// NewManager validates and wraps the initial settings.
func NewManager(s AssetSettings, collaterals []types.CollateralType) (*Manager, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid asset settings: %w", err)
	}
	if err := ValidateCollaterals(collaterals); err != nil {
		return nil, fmt.Errorf("invalid collaterals: %w", err)
	}
	return &Manager{
		current:     s.Clone(),
		collaterals: append([]types.CollateralType(nil), collaterals...),
		lastUpdate:  make(map[string]uint64),
	}, nil
}

// Current returns a copy of the current settings.
func (m *Manager) Current() AssetSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

func (m *Manager) checkRepeat(key string, now uint64) error {
	last, ok := m.lastUpdate[key]
	if ok && now < last+m.current.MinUpdateRepeatTimeSeconds {
		return fmt.Errorf("%w: %s updated at %d", ErrTooFrequent, key, last)
	}
	return nil
}

// Update changes a single numeric setting, enforcing the repeat time and the relative change bound.
func (m *Manager) Update(name string, value uint64, now uint64) error {
	f, ok := fields[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRepeat(name, now); err != nil {
		return err
	}
	oldValue := *f.ptr(&m.current)
	if err := checkChange(f.kind, oldValue, value); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	next := m.current.Clone()
	*f.ptr(&next) = value
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, name, err)
	}
	m.current = next
	m.lastUpdate[name] = now

	logging.Audit(logging.AuditEvent{
		Operation: "setting_updated",
		Actor:     "governance",
		Target:    name,
		Result:    "success",
		Details:   strconv.FormatUint(oldValue, 10) + " -> " + strconv.FormatUint(value, 10),
	})
	return nil
}

// UpdateLiquidationFactors replaces the liquidation payout schedule.
func (m *Manager) UpdateLiquidationFactors(collateralFactors, vaultFactors []uint64, now uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRepeat(liquidationFactorsSetting, now); err != nil {
		return err
	}
	next := m.current.Clone()
	next.LiquidationCollateralFactorBIPS = append([]uint64(nil), collateralFactors...)
	next.LiquidationFactorVaultCollateralBIPS = append([]uint64(nil), vaultFactors...)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, liquidationFactorsSetting, err)
	}
	m.current = next
	m.lastUpdate[liquidationFactorsSetting] = now

	logging.Audit(logging.AuditEvent{
		Operation: "setting_updated",
		Actor:     "governance",
		Target:    liquidationFactorsSetting,
		Result:    "success",
		Details:   fmt.Sprintf("%v / %v", collateralFactors, vaultFactors),
	})
	return nil
}

// CollateralTypes returns a copy of all registered collateral types.
func (m *Manager) CollateralTypes() []types.CollateralType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.CollateralType(nil), m.collaterals...)
}

// FtsoSymbols lists every FTSO symbol the registered collateral types price against, sorted.
func (m *Manager) FtsoSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, ct := range m.collaterals {
		for _, s := range []string{ct.AssetFtsoSymbol, ct.TokenFtsoSymbol} {
			if s != "" && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// CollateralType returns the collateral type registered for token.
func (m *Manager) CollateralType(token common.Address) (*types.CollateralType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.collaterals {
		if m.collaterals[i].Token == token {
			ct := m.collaterals[i]
			return &ct, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCollateral, token.Hex())
}

// PoolCollateral returns the pool collateral type.
func (m *Manager) PoolCollateral() *types.CollateralType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.collaterals {
		if m.collaterals[i].Class == types.CollateralClassPool {
			ct := m.collaterals[i]
			return &ct
		}
	}
	return nil
}

// AddCollateralType registers a new vault collateral token.
func (m *Manager) AddCollateralType(ct types.CollateralType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ct.Class != types.CollateralClassVault {
		return fmt.Errorf("%w: only vault collateral can be added", ErrInvalidValue)
	}
	next := append(append([]types.CollateralType(nil), m.collaterals...), ct)
	if err := ValidateCollaterals(next); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	m.collaterals = next

	logging.Audit(logging.AuditEvent{
		Operation: "collateral_type_added",
		Actor:     "governance",
		Target:    ct.Token.Hex(),
		Result:    "success",
	})
	return nil
}

// SetCollateralRatios changes the three ratio thresholds of a collateral token.
func (m *Manager) SetCollateralRatios(token common.Address, minBIPS, ccbBIPS, safetyBIPS, now uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := "collateralRatios:" + token.Hex()
	if err := m.checkRepeat(key, now); err != nil {
		return err
	}
	for i := range m.collaterals {
		if m.collaterals[i].Token != token {
			continue
		}
		ct := m.collaterals[i]
		ct.MinCollateralRatioBIPS = minBIPS
		ct.CCBMinCollateralRatioBIPS = ccbBIPS
		ct.SafetyMinCollateralRatioBIPS = safetyBIPS
		if err := ct.ValidateRatios(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		m.collaterals[i] = ct
		m.lastUpdate[key] = now

		logging.Audit(logging.AuditEvent{
			Operation: "collateral_ratios_updated",
			Actor:     "governance",
			Target:    token.Hex(),
			Result:    "success",
			Details:   fmt.Sprintf("min=%d ccb=%d safety=%d", minBIPS, ccbBIPS, safetyBIPS),
		})
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownCollateral, token.Hex())
}

// DeprecateCollateralType marks a vault collateral token invalid after invalidationSeconds.
// Agents using it must switch before then or face liquidation without vault payouts.
func (m *Manager) DeprecateCollateralType(token common.Address, invalidationSeconds, now uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if invalidationSeconds < m.current.TokenInvalidationTimeMinSeconds {
		return fmt.Errorf("%w: deprecation time %ds below minimum %ds",
			ErrChangeTooBig, invalidationSeconds, m.current.TokenInvalidationTimeMinSeconds)
	}
	for i := range m.collaterals {
		ct := &m.collaterals[i]
		if ct.Token != token {
			continue
		}
		if ct.Class != types.CollateralClassVault {
			return fmt.Errorf("%w: pool collateral cannot be deprecated", ErrInvalidValue)
		}
		if ct.ValidUntil != 0 {
			return fmt.Errorf("%w: token already deprecated", ErrInvalidValue)
		}
		ct.ValidUntil = now + invalidationSeconds

		logging.Audit(logging.AuditEvent{
			Operation: "collateral_type_deprecated",
			Actor:     "governance",
			Target:    token.Hex(),
			Result:    "success",
			Details:   "valid until " + strconv.FormatUint(ct.ValidUntil, 10),
		})
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownCollateral, token.Hex())
}

// Apply reconciles the manager with a settings document: every changed numeric setting, the
// liquidation schedule, collateral ratios and new vault collaterals go through the governed
// update paths. Rejected changes are returned and leave their setting untouched.
func (m *Manager) Apply(f *File, now uint64) []error {
	var errs []error
	current := m.Current()

	for _, name := range Names() {
		fld := fields[name]
		want := *fld.ptr(&f.Asset)
		if want == *fld.ptr(&current) {
			continue
		}
		if err := m.Update(name, want, now); err != nil {
			errs = append(errs, err)
		}
	}

	if !slices.Equal(f.Asset.LiquidationCollateralFactorBIPS, current.LiquidationCollateralFactorBIPS) ||
		!slices.Equal(f.Asset.LiquidationFactorVaultCollateralBIPS, current.LiquidationFactorVaultCollateralBIPS) {
		if err := m.UpdateLiquidationFactors(f.Asset.LiquidationCollateralFactorBIPS, f.Asset.LiquidationFactorVaultCollateralBIPS, now); err != nil {
			errs = append(errs, err)
		}
	}

	for _, ct := range f.Collaterals {
		existing, err := m.CollateralType(ct.Token)
		if errors.Is(err, ErrUnknownCollateral) {
			if err := m.AddCollateralType(ct); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if existing.MinCollateralRatioBIPS == ct.MinCollateralRatioBIPS &&
			existing.CCBMinCollateralRatioBIPS == ct.CCBMinCollateralRatioBIPS &&
			existing.SafetyMinCollateralRatioBIPS == ct.SafetyMinCollateralRatioBIPS {
			continue
		}
		if err := m.SetCollateralRatios(ct.Token, ct.MinCollateralRatioBIPS, ct.CCBMinCollateralRatioBIPS, ct.SafetyMinCollateralRatioBIPS, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
