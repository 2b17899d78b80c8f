package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltbunker/fasset/cmd/fasset/commands"
)

var rootCmd = &cobra.Command{
	Use:          "fasset",
	Short:        "FAsset asset manager",
	Long:         "Runs and inspects an FAsset asset manager: agents, minting, redemption and liquidation.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to config file (default: ~/.fasset/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&commands.APIEndpoint, "api", "", "Daemon API address (default: api.listen_addr from config)")
	rootCmd.PersistentFlags().StringVarP(&commands.OutputFormat, "output", "o", "", "Output format: json or plain (default: auto)")
}

func main() {
	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewAgentsCmd())
	rootCmd.AddCommand(commands.NewRedemptionsCmd())
	rootCmd.AddCommand(commands.NewMintingCmd())
	rootCmd.AddCommand(commands.NewBalanceCmd())
	rootCmd.AddCommand(commands.NewLiquidationCmd())
	rootCmd.AddCommand(commands.NewSettingsCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewDoctorCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
