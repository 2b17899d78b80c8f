package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/moltbunker/fasset/internal/settings"
	"github.com/moltbunker/fasset/pkg/types"
)

// NewSettingsCmd shows and validates asset settings
func NewSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show and validate asset settings",
	}
	cmd.AddCommand(newSettingsShowCmd())
	cmd.AddCommand(newSettingsValidateCmd())
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the asset settings in effect",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				asset       settings.AssetSettings
				collaterals []types.CollateralType
			)
			if local {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				f, err := cfg.SettingsFile()
				if err != nil {
					return err
				}
				asset, collaterals = f.Asset, f.Collaterals
			} else {
				ctx, cancel := requestContext(cmd)
				defer cancel()
				resp, err := newClient().Settings(ctx)
				if err != nil {
					return fmt.Errorf("failed to read settings from daemon (use --local to read the config): %w", err)
				}
				asset, collaterals = resp.Asset, resp.Collaterals
			}

			if jsonOutput() {
				return printJSON(map[string]interface{}{"asset": asset, "collaterals": collaterals})
			}
			printSettings(&asset, collaterals)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Read settings from the config instead of the daemon")
	return cmd
}

func printSettings(asset *settings.AssetSettings, collaterals []types.CollateralType) {
	fmt.Println(StatusBox(asset.AssetName+" ("+asset.AssetSymbol+")", [][2]string{
		{"Source chain", asset.SourceChain},
		{"Decimals", fmt.Sprintf("%d (minting %d)", asset.AssetDecimals, asset.AssetMintingDecimals)},
		{"Lot size", FormatAmount(asset.Asset().LotSizeUBA(), asset.AssetDecimals) + " " + asset.AssetSymbol},
		{"Minting cap AMG", capString(asset.MintingCapAMG)},
		{"Reservation fee", FormatBIPS(asset.CollateralReservationFeeBIPS)},
		{"Redemption fee", FormatBIPS(asset.RedemptionFeeBIPS)},
		{"Payment blocks", strconv.FormatUint(asset.UnderlyingBlocksForPayment, 10)},
		{"Payment seconds", strconv.FormatUint(asset.UnderlyingSecondsForPayment, 10)},
		{"CCB time", strconv.FormatUint(asset.CCBTimeSeconds, 10) + "s"},
		{"Liquidation step", strconv.FormatUint(asset.LiquidationStepSeconds, 10) + "s"},
	}))

	fmt.Println(SectionHeader("Collateral types"))
	headers := []string{"Class", "Token", "Decimals", "Price", "Min CR", "CCB CR", "Safety CR", "Valid Until"}
	var rows [][]string
	for _, ct := range collaterals {
		price := ct.AssetFtsoSymbol + "/" + ct.TokenFtsoSymbol
		if ct.TokenFtsoSymbol == "" {
			price = ct.AssetFtsoSymbol + "/USD"
		}
		validUntil := "-"
		if ct.ValidUntil != 0 {
			validUntil = formatUnix(ct.ValidUntil)
		}
		rows = append(rows, []string{
			ct.Class.String(),
			FormatAddress(ct.Token.Hex()),
			strconv.Itoa(int(ct.Decimals)),
			price,
			FormatBIPS(ct.MinCollateralRatioBIPS),
			FormatBIPS(ct.CCBMinCollateralRatioBIPS),
			FormatBIPS(ct.SafetyMinCollateralRatioBIPS),
			validUntil,
		})
	}
	fmt.Println(RenderTable(headers, rows))
}

func capString(amg uint64) string {
	if amg == 0 {
		return "none"
	}
	return strconv.FormatUint(amg, 10)
}

func newSettingsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a settings file, or the settings in the config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				f   *settings.File
				err error
			)
			if len(args) == 1 {
				f, err = settings.Load(args[0])
			} else {
				cfg, cfgErr := loadConfig()
				if cfgErr != nil {
					return cfgErr
				}
				f, err = cfg.SettingsFile()
			}
			if err != nil {
				return err
			}

			if _, err := settings.NewManager(f.Asset, f.Collaterals); err != nil {
				Error("Settings are invalid")
				return err
			}
			Success(fmt.Sprintf("Settings for %s are valid (%d collateral types)", f.Asset.AssetSymbol, len(f.Collaterals)))
			return nil
		},
	}
}
