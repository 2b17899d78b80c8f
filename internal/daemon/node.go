// Package daemon wires the asset manager engine to its store, settings, chain collaborators
// and API server, and runs the background loops that keep prices and liquidation checks fresh.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/api"
	"github.com/moltbunker/fasset/internal/assetmanager"
	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/internal/chain"
	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/internal/config"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/metrics"
	"github.com/moltbunker/fasset/internal/settings"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/internal/util"
)

const (
	// defaultStopTimeout bounds the API server's graceful shutdown
	defaultStopTimeout = 10 * time.Second
	// requeueTimeout bounds the dust requeue that follows a settings reload
	requeueTimeout     = 10 * time.Second
)

// Node runs one asset manager with its API server
type Node struct {
	cfg *config.Config

	store    store.Store
	settings *settings.Manager
	watcher  *settings.Watcher
	client   *chain.Client // nil in mock mode
	roots    attestation.RootStore
	feed     collateral.PriceReader
	prices   *collateral.PriceStore
	engine   *assetmanager.Engine
	metrics  *metrics.PrometheusCollector
	hub      *api.EventHub
	server   *api.Server

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNode opens the store and builds every collaborator described by cfg.
// Chain connections are made here; background loops start with Start.
func NewNode(ctx context.Context, cfg *config.Config) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			n.release()
		}
	}()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	n.store = st

	f, err := cfg.SettingsFile()
	if err != nil {
		return nil, fmt.Errorf("failed to load asset settings: %w", err)
	}
	n.settings, err = settings.NewManager(f.Asset, f.Collaterals)
	if err != nil {
		return nil, fmt.Errorf("invalid asset settings: %w", err)
	}
	if cfg.Daemon.WatchSettings {
		n.watcher, err = settings.NewWatcher(cfg.Daemon.SettingsPath, n.settings)
		if err != nil {
			return nil, err
		}
		n.watcher.OnReload = n.settingsReloaded
	}

	treasury, err := n.connectChain(ctx)
	if err != nil {
		return nil, err
	}

	// the engine reads the cached prices; refreshPrices copies them from the feed
	n.prices = collateral.NewPriceStore()
	if err := n.refreshPrices(ctx); err != nil {
		return nil, fmt.Errorf("failed to load initial prices: %w", err)
	}

	asset := n.settings.Current()
	n.metrics = metrics.NewPrometheusCollector(metrics.NewCollector())
	n.hub = api.NewEventHub(cfg.API.AllowedOrigins, n.metrics)

	n.engine, err = assetmanager.New(assetmanager.Config{
		Store:    n.store,
		Settings: n.settings,
		Prices:   n.prices,
		Verifier: attestation.NewVerifier(n.roots, asset.SourceID()),
		Treasury: treasury,
		Events:   assetmanager.MultiSink{n.metrics, n.hub},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create asset manager: %w", err)
	}

	n.server = api.NewServer(api.ServerConfigFrom(cfg.API), n.engine, n.metrics, n.hub)

	logging.Info("asset manager ready",
		"asset", asset.AssetSymbol,
		"source_chain", asset.SourceChain,
		"store", cfg.Store.Driver,
		"mock_chain", cfg.Chain.Mock,
		logging.Component("node"))

	ok = true
	return n, nil
}

// connectChain builds the price feed, the attestation root store and the payout treasury
func (n *Node) connectChain(ctx context.Context) (assetmanager.Treasury, error) {
	cc := n.cfg.Chain
	if cc.Mock {
		feed := chain.NewMockFtsoPriceReader()
		now := uint64(time.Now().Unix())
		for symbol, p := range cc.MockPrices {
			feed.SetMockPrice(symbol, p.Value, p.Decimals, now)
		}
		n.feed = feed
		n.roots = attestation.NewMemoryRootStore()
		return chain.NewMockTokenTreasury(), nil
	}

	var key = os.Getenv(cc.PrivateKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("operator key not set: %s is empty", cc.PrivateKeyEnv)
	}
	privateKey, err := chain.LoadPrivateKey(key)
	if err != nil {
		return nil, err
	}

	clientCfg := chain.DefaultClientConfig()
	clientCfg.RPCURL = cc.RPCURL
	clientCfg.ChainID = cc.ChainID
	clientCfg.BlockConfirmations = cc.BlockConfirmations
	n.client = chain.NewClient(clientCfg, privateKey)
	if err := n.client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to chain: %w", err)
	}

	feed, err := chain.NewFtsoPriceReader(n.client, common.HexToAddress(cc.FtsoRegistryAddress))
	if err != nil {
		return nil, err
	}
	n.feed = feed

	protocolID := cc.FDCProtocolID
	if protocolID == 0 {
		protocolID = chain.FDCProtocolID
	}
	roots, err := chain.NewRelayRootStore(n.client, common.HexToAddress(cc.RelayAddress), protocolID)
	if err != nil {
		return nil, err
	}
	n.roots = roots

	treasury, err := chain.NewTokenTreasury(n.client)
	if err != nil {
		return nil, err
	}
	return treasury, nil
}

// Start runs the event hub, the API server, the settings watcher and the price loop
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	util.SafeGoWithName("event-hub", func() {
		n.hub.Run(runCtx)
	})

	if err := n.server.Start(runCtx); err != nil {
		cancel()
		<-n.hub.Done()
		return err
	}

	if n.watcher != nil {
		if err := n.watcher.Start(runCtx); err != nil {
			cancel()
			n.server.Stop(context.Background())
			<-n.hub.Done()
			return err
		}
	}

	if interval := time.Duration(n.cfg.Daemon.PriceRefreshSecs) * time.Second; interval > 0 {
		n.wg.Add(1)
		util.SafeGoWithName("price-refresh", func() {
			defer n.wg.Done()
			n.priceLoop(runCtx, interval)
		})
	}

	n.cancel = cancel
	n.running = true
	logging.Info("node started",
		"api", n.server.Addr(),
		logging.Component("node"))
	return nil
}

// Close stops the background loops and releases every collaborator
func (n *Node) Close() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return n.release()
	}
	n.running = false
	cancel := n.cancel
	n.mu.Unlock()

	var errs []error

	logging.Info("stopping API server", logging.Component("node"))
	stopCtx, stopCancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	if err := n.server.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop API server: %w", err))
	}
	stopCancel()

	cancel()
	<-n.hub.Done()
	n.wg.Wait()

	if err := n.release(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// release closes the watcher, the store and the chain client
func (n *Node) release() error {
	var errs []error
	if n.watcher != nil {
		if err := n.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close settings watcher: %w", err))
		}
		n.watcher = nil
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		n.store = nil
	}
	if n.client != nil {
		n.client.Close()
		n.client = nil
	}
	return errors.Join(errs...)
}

// Shutdown closes the node, giving up when ctx is done
func (n *Node) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)

	util.SafeGoWithName("node-shutdown", func() {
		done <- n.Close()
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Engine returns the asset manager
func (n *Node) Engine() *assetmanager.Engine {
	return n.engine
}

// Metrics returns the metrics collector
func (n *Node) Metrics() *metrics.PrometheusCollector {
	return n.metrics
}

// APIAddr returns the address the API server listens on, once started
func (n *Node) APIAddr() string {
	return n.server.Addr()
}

// IsRunning returns whether the node has been started and not closed
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// settingsReloaded requeues agent dust, which a lower lot size can push past one lot.
// Rejected changes are already logged by the watcher.
func (n *Node) settingsReloaded(errs []error) {
	if n.engine == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if _, err := n.engine.RequeueDust(ctx); err != nil {
		logging.Error("failed to requeue agent dust",
			logging.Err(err),
			logging.Component("daemon"))
	}
}
