package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralClass distinguishes the agent's own vault collateral from the pool collateral
type CollateralClass uint8

const (
	CollateralClassPool  CollateralClass = 1
	CollateralClassVault CollateralClass = 2
)

// String returns the class name
func (c CollateralClass) String() string {
	switch c {
	case CollateralClassPool:
		return "pool"
	case CollateralClassVault:
		return "vault"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ParseCollateralClass parses "vault" or "pool"
func ParseCollateralClass(s string) (CollateralClass, error) {
	switch s {
	case "vault":
		return CollateralClassVault, nil
	case "pool":
		return CollateralClassPool, nil
	default:
		return 0, fmt.Errorf("unknown collateral class: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (c CollateralClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *CollateralClass) UnmarshalText(b []byte) error {
	v, err := ParseCollateralClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// CollateralType describes an accepted collateral token and its ratio thresholds
type CollateralType struct {
	Class    CollateralClass `json:"class" yaml:"class"`
	Token    common.Address  `json:"token" yaml:"token"`
	Decimals uint8           `json:"decimals" yaml:"decimals"`

	// FTSO symbols used to price the asset in this token. An empty token symbol
	// means the token is a USD stablecoin.
	AssetFtsoSymbol string `json:"asset_ftso_symbol" yaml:"asset_ftso_symbol"`
	TokenFtsoSymbol string `json:"token_ftso_symbol" yaml:"token_ftso_symbol"`

	MinCollateralRatioBIPS       uint64 `json:"min_collateral_ratio_bips" yaml:"min_collateral_ratio_bips"`
	CCBMinCollateralRatioBIPS    uint64 `json:"ccb_min_collateral_ratio_bips" yaml:"ccb_min_collateral_ratio_bips"`
	SafetyMinCollateralRatioBIPS uint64 `json:"safety_min_collateral_ratio_bips" yaml:"safety_min_collateral_ratio_bips"`

	ValidUntil uint64 `json:"valid_until,omitempty" yaml:"valid_until,omitempty"` // 0 = not deprecated
}

// ValidateRatios checks CCB-min < minting-min < safety-min
func (c *CollateralType) ValidateRatios() error {
	if c.CCBMinCollateralRatioBIPS < 10000 {
		return fmt.Errorf("ccb ratio below 100%%: %d", c.CCBMinCollateralRatioBIPS)
	}
	if c.CCBMinCollateralRatioBIPS >= c.MinCollateralRatioBIPS {
		return fmt.Errorf("ccb ratio %d must be below min ratio %d", c.CCBMinCollateralRatioBIPS, c.MinCollateralRatioBIPS)
	}
	if c.MinCollateralRatioBIPS >= c.SafetyMinCollateralRatioBIPS {
		return fmt.Errorf("min ratio %d must be below safety ratio %d", c.MinCollateralRatioBIPS, c.SafetyMinCollateralRatioBIPS)
	}
	return nil
}

// IsValidAt reports whether the collateral may still back minting at the given time
func (c *CollateralType) IsValidAt(now uint64) bool {
	return c.ValidUntil == 0 || now <= c.ValidUntil
}
