package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltbunker/fasset/internal/api"
	"github.com/moltbunker/fasset/internal/daemon"
	"github.com/moltbunker/fasset/internal/logging"
)

const shutdownTimeout = 15 * time.Second

// NewServeCmd runs the asset manager daemon in the foreground
func NewServeCmd() *cobra.Command {
	var (
		listen   string
		store    string
		logLevel string
		mock     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the asset manager daemon",
		Long: `Run the asset manager daemon in the foreground.

The daemon serves the read API and event stream, refreshes prices and
reports agents that have fallen below their minimum collateral ratio.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.API.ListenAddr = listen
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Driver = store
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("mock") {
				cfg.Chain.Mock = mock
			}

			logging.Configure(os.Stderr, cfg.Daemon.LogLevel, cfg.Daemon.LogFormat)
			api.Version = GetVersion()

			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			node, err := daemon.NewNode(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			if err := node.Start(ctx); err != nil {
				node.Close()
				return fmt.Errorf("failed to start node: %w", err)
			}

			Success(fmt.Sprintf("Asset manager listening on %s", node.APIAddr()))
			fmt.Println(Hint("Press Ctrl+C to stop"))

			<-ctx.Done()
			fmt.Println()
			Info("Shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return node.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides api.listen_addr)")
	cmd.Flags().StringVar(&store, "store", "", "Store driver: memory or sqlite (overrides store.driver)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&mock, "mock", false, "Use in-memory chain collaborators")
	return cmd
}
