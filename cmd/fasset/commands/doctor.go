package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moltbunker/fasset/internal/doctor"
)

// NewDoctorCmd runs preflight checks against the daemon configuration
func NewDoctorCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the daemon can start with the current config",
		Long: `Run preflight checks against the daemon configuration.

The doctor command checks for:
- A valid config file and asset settings
- A readable state store
- Prices for every collateral FTSO symbol (mock mode)
- The operator key and chain RPC (live mode)
- A free API listen address and file descriptor limits

Examples:
  fasset doctor                   # Run all checks
  fasset doctor -o json           # Output results as JSON
  fasset doctor --category chain  # Only check chain collaborators`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cat doctor.Category
			switch category {
			case "":
			case "config":
				cat = doctor.CategoryConfig
			case "chain":
				cat = doctor.CategoryChain
			case "system":
				cat = doctor.CategorySystem
			default:
				return fmt.Errorf("invalid category: %s (valid: config, chain, system)", category)
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config %s: %w", configPath(), err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := doctor.New(cfg, doctor.Options{JSON: jsonOutput(), Category: cat}).Run(ctx)
			if err != nil {
				return fmt.Errorf("doctor check failed: %w", err)
			}
			if !report.Summary.IsHealthy() {
				return fmt.Errorf("%d check(s) failed", report.Summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Filter checks by category (config, chain, system)")
	return cmd
}
