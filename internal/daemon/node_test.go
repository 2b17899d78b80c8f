package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/moltbunker/fasset/internal/chain"
	"github.com/moltbunker/fasset/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Daemon.DataDir = t.TempDir()
	cfg.Daemon.PriceRefreshSecs = 0
	cfg.Store.Driver = "memory"
	cfg.API.ListenAddr = "127.0.0.1:0"
	return cfg
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestNodeStartStop(t *testing.T) {
	n, err := NewNode(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := n.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	if !n.IsRunning() {
		t.Error("node should be running")
	}

	base := "http://" + n.APIAddr()
	var health struct {
		Status string `json:"status"`
		Agents int    `json:"agents"`
	}
	if code := getJSON(t, base+"/health", &health); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if health.Status != "healthy" || health.Agents != 0 {
		t.Errorf("unexpected health %+v", health)
	}

	var settings struct {
		Asset struct {
			AssetSymbol string `json:"asset_symbol"`
		} `json:"asset"`
	}
	if code := getJSON(t, base+"/v1/settings", &settings); code != http.StatusOK {
		t.Fatalf("settings status = %d", code)
	}
	if settings.Asset.AssetSymbol != "FtestXRP" {
		t.Errorf("asset symbol = %q", settings.Asset.AssetSymbol)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if n.IsRunning() {
		t.Error("node should be stopped")
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestNodeCloseWithoutStart(t *testing.T) {
	n, err := NewNode(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestSettingsReloadedRequeuesDust(t *testing.T) {
	// a reload before the engine exists is a no-op
	(&Node{}).settingsReloaded(nil)

	n, err := NewNode(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	defer n.Close()
	n.settingsReloaded(nil)
	if n.engine == nil {
		t.Fatal("engine not built")
	}
	if got, err := n.engine.RequeueDust(context.Background()); err != nil || got != 0 {
		t.Errorf("RequeueDust = %d, %v on an empty store", got, err)
	}
}

func TestNodeWithPriceLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.PriceRefreshSecs = 1
	n, err := NewNode(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestNewNodeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "bolt"
	if _, err := NewNode(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "invalid store driver") {
		t.Errorf("expected invalid store driver error, got %v", err)
	}
}

func TestNewNodeRequiresOperatorKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chain.Mock = false
	cfg.Chain.RelayAddress = "0x00000000000000000000000000000000000000a1"
	cfg.Chain.FtsoRegistryAddress = "0x00000000000000000000000000000000000000b2"
	cfg.Chain.PrivateKeyEnv = "FASSET_TEST_OPERATOR_KEY"
	t.Setenv("FASSET_TEST_OPERATOR_KEY", "")

	_, err := NewNode(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "FASSET_TEST_OPERATOR_KEY") {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestPriceSymbols(t *testing.T) {
	n, err := NewNode(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	defer n.Close()

	got := strings.Join(n.settings.FtsoSymbols(), ",")
	if got != "testNAT,testUSDC,testXRP" {
		t.Errorf("FtsoSymbols = %s", got)
	}
}

func TestRefreshPrices(t *testing.T) {
	n, err := NewNode(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	defer n.Close()
	ctx := context.Background()

	feed := n.feed.(*chain.FtsoPriceReader)
	feed.SetMockPrice("testXRP", 250000, 5, uint64(time.Now().Unix()))
	if err := n.refreshPrices(ctx); err != nil {
		t.Fatalf("refreshPrices failed: %v", err)
	}
	p, err := n.prices.Price(ctx, "testXRP")
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if p.Value.Int64() != 250000 {
		t.Errorf("testXRP = %s, want 250000", p.Value)
	}

	// a rejected update keeps the previous price
	feed.SetMockPrice("testXRP", 0, 5, uint64(time.Now().Unix()))
	if err := n.refreshPrices(ctx); err != nil {
		t.Fatalf("refreshPrices with a stale symbol failed: %v", err)
	}
	if p, _ := n.prices.Price(ctx, "testXRP"); p.Value.Int64() != 250000 {
		t.Errorf("testXRP = %s, want the previous 250000", p.Value)
	}
}

func TestNewNodeRequiresEveryPrice(t *testing.T) {
	cfg := testConfig(t)
	delete(cfg.Chain.MockPrices, "testUSDC")
	_, err := NewNode(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "no price for testUSDC") {
		t.Errorf("expected missing price error, got %v", err)
	}
}
