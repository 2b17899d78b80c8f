package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/assetmanager"
	"github.com/moltbunker/fasset/internal/metrics"
	"github.com/moltbunker/fasset/internal/settings"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/pkg/types"
)

var (
	vaultA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	vaultB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	owner  = common.HexToAddress("0x0000000000000000000000000000000000000c03")
)

// fakeEngine serves canned data
type fakeEngine struct {
	mu        sync.Mutex
	agents    []*types.Agent
	queueArgs []int
	stateErr  error
	settings  *settings.Manager
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	m, err := settings.NewManager(settings.Defaults(), settings.DefaultCollaterals())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return &fakeEngine{
		settings: m,
		agents: []*types.Agent{
			{Vault: vaultA, Owner: owner, Status: types.AgentStatusNormal, Available: true, MintedAMG: 20},
			{Vault: vaultB, Owner: owner, Status: types.AgentStatusLiquidation, MintedAMG: 10},
		},
	}
}

func (f *fakeEngine) Agents(ctx context.Context) ([]*types.Agent, error) {
	return f.agents, nil
}

func (f *fakeEngine) AgentInfo(ctx context.Context, vault common.Address) (*assetmanager.AgentInfo, error) {
	for _, a := range f.agents {
		if a.Vault == vault {
			return &assetmanager.AgentInfo{Agent: a, VaultCollateralRatioBIPS: 25000, LiquidationPhase: "none"}, nil
		}
	}
	return nil, &assetmanager.Error{Kind: assetmanager.KindStatePrecondition, Reason: "invalid agent vault address"}
}

func (f *fakeEngine) AvailableAgents(ctx context.Context) ([]assetmanager.AvailableAgent, error) {
	return []assetmanager.AvailableAgent{{Vault: vaultA, FeeBIPS: 100, FreeCollateralLots: 7}}, nil
}

func (f *fakeEngine) OpenRedemptions(ctx context.Context, vault common.Address) ([]*types.RedemptionRequest, error) {
	if vault != vaultA {
		return nil, nil
	}
	return []*types.RedemptionRequest{{ID: 2, AgentVault: vaultA, Status: types.RedemptionActive}}, nil
}

func (f *fakeEngine) Reservation(ctx context.Context, id uint64) (*types.CollateralReservation, error) {
	if id != 1 {
		return nil, fmt.Errorf("reservation %d: %w", id, store.ErrNotFound)
	}
	return &types.CollateralReservation{ID: 1, AgentVault: vaultA, Lots: 2}, nil
}

func (f *fakeEngine) Redemption(ctx context.Context, id uint64) (*types.RedemptionRequest, error) {
	return nil, fmt.Errorf("redemption %d: %w", id, store.ErrNotFound)
}

func (f *fakeEngine) RedemptionQueue(ctx context.Context, limit int) ([]*types.RedemptionTicket, error) {
	f.mu.Lock()
	f.queueArgs = append(f.queueArgs, limit)
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeEngine) ReservationFee(ctx context.Context, lots uint64) (*big.Int, error) {
	if lots > 100 {
		return nil, &assetmanager.Error{Kind: assetmanager.KindBounds, Reason: "too many lots"}
	}
	return new(big.Int).Mul(big.NewInt(1000), new(big.Int).SetUint64(lots)), nil
}

func (f *fakeEngine) State(ctx context.Context) (*types.AssetState, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return &types.AssetState{NextRequestID: 3, TotalMintedAMG: 30}, nil
}

func (f *fakeEngine) FAssetBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(12345), nil
}

func (f *fakeEngine) LiquidationCandidates(ctx context.Context) ([]common.Address, error) {
	return []common.Address{vaultB}, nil
}

func (f *fakeEngine) LotSizeUBA() *big.Int {
	return big.NewInt(1_000_000)
}

func (f *fakeEngine) Settings() *settings.Manager {
	return f.settings
}

func newTestServer(t *testing.T) (*Server, *fakeEngine, *metrics.PrometheusCollector) {
	t.Helper()
	engine := newFakeEngine(t)
	collector := metrics.NewPrometheusCollector(metrics.NewCollector())
	cfg := DefaultServerConfig()
	cfg.RateLimit = 0
	return NewServer(cfg, engine, collector, nil), engine, collector
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHandleState(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), "/v1/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var st types.AssetState
	decode(t, rec, &st)
	if st.NextRequestID != 3 || st.TotalMintedAMG != 30 {
		t.Errorf("unexpected state %+v", st)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestHandleStateInternalError(t *testing.T) {
	s, engine, _ := newTestServer(t)
	engine.stateErr = fmt.Errorf("disk on fire")

	rec := do(t, s.Handler(), "/v1/state")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk on fire") {
		t.Error("internal error details must not be exposed")
	}
}

func TestHandleSettings(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), "/v1/settings")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp SettingsResponse
	decode(t, rec, &resp)
	if resp.LotSizeUBA != "1000000" {
		t.Errorf("lot size = %s", resp.LotSizeUBA)
	}
	if len(resp.Collaterals) != len(settings.DefaultCollaterals()) {
		t.Errorf("got %d collaterals", len(resp.Collaterals))
	}
}

func TestHandleAgents(t *testing.T) {
	s, _, collector := newTestServer(t)

	rec := do(t, s.Handler(), "/v1/agents")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var all []AgentSummary
	decode(t, rec, &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(all))
	}
	if got := collector.GetMetrics().Agents[string(types.AgentStatusLiquidation)]; got != 1 {
		t.Errorf("liquidation agent gauge = %d, want 1", got)
	}

	rec = do(t, s.Handler(), "/v1/agents?status=liquidation")
	var filtered []AgentSummary
	decode(t, rec, &filtered)
	if len(filtered) != 1 || filtered[0].Vault != vaultB {
		t.Errorf("status filter returned %+v", filtered)
	}

	rec = do(t, s.Handler(), "/v1/agents?status=sleeping")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestHandleAgent(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, "/v1/agents/"+vaultA.Hex())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var info assetmanager.AgentInfo
	decode(t, rec, &info)
	if info.Agent == nil || info.Agent.Vault != vaultA || info.VaultCollateralRatioBIPS != 25000 {
		t.Errorf("unexpected agent info %+v", info)
	}

	rec = do(t, h, "/v1/agents/0x00000000000000000000000000000000000000ff")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", rec.Code)
	}

	rec = do(t, h, "/v1/agents/not-an-address")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad address, got %d", rec.Code)
	}
}

func TestHandleAvailableAgents(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), "/v1/agents/available")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var agents []assetmanager.AvailableAgent
	decode(t, rec, &agents)
	if len(agents) != 1 || agents[0].FreeCollateralLots != 7 {
		t.Errorf("unexpected available agents %+v", agents)
	}
}

func TestHandleAgentRedemptions(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s.Handler(), "/v1/agents/"+vaultB.Hex()+"/redemptions")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected empty list, got %s", body)
	}

	rec = do(t, s.Handler(), "/v1/agents/"+vaultA.Hex()+"/redemptions")
	var reqs []types.RedemptionRequest
	decode(t, rec, &reqs)
	if len(reqs) != 1 || reqs[0].ID != 2 {
		t.Errorf("unexpected redemptions %+v", reqs)
	}
}

func TestHandleReservationAndRedemption(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		path   string
		status int
	}{
		{"/v1/reservations/1", http.StatusOK},
		{"/v1/reservations/5", http.StatusNotFound},
		{"/v1/reservations/0", http.StatusBadRequest},
		{"/v1/reservations/abc", http.StatusBadRequest},
		{"/v1/redemptions/2", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, tt.path)
			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestHandleMintingFee(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, "/v1/minting/fee?lots=3")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp MintingFeeResponse
	decode(t, rec, &resp)
	if resp.FeeWei != "3000" {
		t.Errorf("fee = %s, want 3000", resp.FeeWei)
	}

	for _, q := range []string{"", "?lots=0", "?lots=-1", "?lots=x"} {
		if rec := do(t, h, "/v1/minting/fee"+q); rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", q, rec.Code)
		}
	}

	rec = do(t, h, "/v1/minting/fee?lots=500")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bounds error, got %d", rec.Code)
	}
	var errResp ErrorResponse
	decode(t, rec, &errResp)
	if errResp.Kind != "bounds" || errResp.Reason != "too many lots" {
		t.Errorf("unexpected error response %+v", errResp)
	}
}

func TestHandleRedemptionQueueLimit(t *testing.T) {
	s, engine, _ := newTestServer(t)
	h := s.Handler()

	do(t, h, "/v1/redemption-queue")
	do(t, h, "/v1/redemption-queue?limit=5")
	do(t, h, "/v1/redemption-queue?limit=100000")
	if rec := do(t, h, "/v1/redemption-queue?limit=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero limit, got %d", rec.Code)
	}

	want := []int{100, 5, maxQueueLimit}
	if len(engine.queueArgs) != len(want) {
		t.Fatalf("queue called %d times, want %d", len(engine.queueArgs), len(want))
	}
	for i := range want {
		if engine.queueArgs[i] != want[i] {
			t.Errorf("call %d limit = %d, want %d", i, engine.queueArgs[i], want[i])
		}
	}
}

func TestHandleBalanceAndCandidates(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, "/v1/balances/"+owner.Hex())
	var bal BalanceResponse
	decode(t, rec, &bal)
	if bal.BalanceUBA != "12345" || bal.Address != owner {
		t.Errorf("unexpected balance %+v", bal)
	}

	rec = do(t, h, "/v1/liquidation/candidates")
	var resp struct {
		Candidates []common.Address `json:"candidates"`
	}
	decode(t, rec, &resp)
	if len(resp.Candidates) != 1 || resp.Candidates[0] != vaultB {
		t.Errorf("unexpected candidates %+v", resp.Candidates)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("agent x: %w", store.ErrNotFound), http.StatusNotFound},
		{"unknown agent", &assetmanager.Error{Kind: assetmanager.KindStatePrecondition, Reason: "invalid agent vault address"}, http.StatusNotFound},
		{"authorization", &assetmanager.Error{Kind: assetmanager.KindAuthorization, Reason: "only agent vault owner"}, http.StatusForbidden},
		{"precondition", &assetmanager.Error{Kind: assetmanager.KindStatePrecondition, Reason: "invalid crt status"}, http.StatusConflict},
		{"proof", &assetmanager.Error{Kind: assetmanager.KindProofValidity, Reason: "invalid payment proof"}, http.StatusBadRequest},
		{"bounds", fmt.Errorf("wrapped: %w", &assetmanager.Error{Kind: assetmanager.KindBounds}), http.StatusBadRequest},
		{"canceled", fmt.Errorf("view: %w", context.Canceled), http.StatusServiceUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	engine := newFakeEngine(t)
	cfg := DefaultServerConfig()
	cfg.RateLimit = 2
	cfg.RateLimitBurst = 2
	cfg.RateLimitWindow = time.Hour
	s := NewServer(cfg, engine, nil, nil)
	h := s.Handler()

	for i := 0; i < 2; i++ {
		if rec := do(t, h, "/v1/state"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := do(t, h, "/v1/state")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "3600" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	// health probes are never limited
	if rec := do(t, h, "/v1/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz expected 200, got %d", rec.Code)
	}

	if n := s.cleanupRateLimiters(time.Now().Add(time.Minute)); n != 1 {
		t.Errorf("cleaned %d limiters, want 1", n)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	const id = "6f1c1a3e-2c1d-4a8e-9b77-0e5f3f1c2d4b"
	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("X-Request-ID", id)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != id {
		t.Errorf("valid request id should be echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("X-Request-ID", "<script>")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got == "<script>" || got == "" {
		t.Errorf("invalid request id should be replaced, got %q", got)
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		want       string
	}{
		{"remote addr", false, nil, "192.0.2.1"},
		{"untrusted forwarded", false, map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.1"},
		{"trusted forwarded", true, map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"trusted real ip", true, map[string]string{"X-Real-IP": "203.0.113.7"}, "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			cfg.TrustProxy = tt.trustProxy
			s := NewServer(cfg, nil, nil, nil)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := s.extractClientIP(req); got != tt.want {
				t.Errorf("extractClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	do(t, h, "/v1/state")
	rec := do(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `fasset_api_request_count{route="state"} 1`) {
		t.Errorf("scrape missing request counter:\n%s", rec.Body.String())
	}
}

func TestHealthCheck(t *testing.T) {
	s, engine, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	rec = do(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp HealthResponse
	decode(t, rec, &resp)
	if resp.Status != "healthy" || resp.Agents != 2 || resp.Uptime == "" {
		t.Errorf("unexpected health %+v", resp)
	}

	if rec := do(t, h, "/v1/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz expected 200, got %d", rec.Code)
	}
	engine.stateErr = fmt.Errorf("closed")
	if rec := do(t, h, "/v1/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz expected 503 with a broken store, got %d", rec.Code)
	}
}

func TestServerStartStop(t *testing.T) {
	engine := newFakeEngine(t)
	cfg := DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(cfg, engine, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	if !s.Running() {
		t.Error("server should be running")
	}
	if strings.HasSuffix(s.Addr(), ":0") {
		t.Errorf("Addr should report the bound port, got %s", s.Addr())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.Running() {
		t.Error("server should be stopped")
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}
