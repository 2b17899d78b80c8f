package api

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/moltbunker/fasset/internal/assetmanager"
	"github.com/moltbunker/fasset/internal/config"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/metrics"
	"github.com/moltbunker/fasset/internal/settings"
	"github.com/moltbunker/fasset/internal/util"
	"github.com/moltbunker/fasset/pkg/types"
)

// Engine is the read side of the asset manager served over HTTP.
type Engine interface {
	Agents(ctx context.Context) ([]*types.Agent, error)
	AgentInfo(ctx context.Context, vault common.Address) (*assetmanager.AgentInfo, error)
	AvailableAgents(ctx context.Context) ([]assetmanager.AvailableAgent, error)
	OpenRedemptions(ctx context.Context, vault common.Address) ([]*types.RedemptionRequest, error)
	Reservation(ctx context.Context, id uint64) (*types.CollateralReservation, error)
	Redemption(ctx context.Context, id uint64) (*types.RedemptionRequest, error)
	RedemptionQueue(ctx context.Context, limit int) ([]*types.RedemptionTicket, error)
	ReservationFee(ctx context.Context, lots uint64) (*big.Int, error)
	State(ctx context.Context) (*types.AssetState, error)
	FAssetBalance(ctx context.Context, account common.Address) (*big.Int, error)
	LiquidationCandidates(ctx context.Context) ([]common.Address, error)
	LotSizeUBA() *big.Int
	Settings() *settings.Manager
}

// Server is the read API and event stream of the asset manager daemon
type Server struct {
	config     *ServerConfig
	engine     Engine
	metrics    *metrics.PrometheusCollector
	hub        *EventHub
	httpServer *http.Server
	addr       string
	mu         sync.RWMutex
	running    bool

	// Per-IP rate limiters
	rateLimiters sync.Map

	// Rate limiter cleanup control
	rateLimitCtx    context.Context
	rateLimitCancel context.CancelFunc
}

// rateLimiterEntry holds a rate limiter and the last time it was used
type rateLimiterEntry struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	ListenAddr string

	// Rate limiting: RateLimit requests per RateLimitWindow, per client IP. Zero disables it.
	RateLimit       int
	RateLimitWindow time.Duration
	RateLimitBurst  int

	// Proxy trust (only enable behind a trusted reverse proxy)
	TrustProxy bool

	MaxRequestSize int64

	// AllowedOrigins for the event stream; "*" allows any origin
	AllowedOrigins []string

	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return ServerConfigFrom(config.DefaultAPIConfig())
}

// ServerConfigFrom converts the api section of the daemon config
func ServerConfigFrom(cfg config.APIConfig) *ServerConfig {
	burst := cfg.RateLimitRequests / 5
	if burst < 1 {
		burst = 1
	}
	return &ServerConfig{
		ListenAddr:        cfg.ListenAddr,
		RateLimit:         cfg.RateLimitRequests,
		RateLimitWindow:   time.Duration(cfg.RateLimitWindowSecs) * time.Second,
		RateLimitBurst:    burst,
		MaxRequestSize:    int64(cfg.MaxRequestSize),
		AllowedOrigins:    cfg.AllowedOrigins,
		ReadHeaderTimeout: time.Duration(cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:       time.Duration(cfg.IdleTimeoutSecs) * time.Second,
	}
}

// NewServer creates a new HTTP API server. collector and hub may be nil.
func NewServer(cfg *ServerConfig, engine Engine, collector *metrics.PrometheusCollector, hub *EventHub) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	return &Server{
		config:  cfg,
		engine:  engine,
		metrics: collector,
		hub:     hub,
	}
}

// Start starts the rate limiter cleanup and the HTTP listener. The event hub is run by its owner.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.running = true
	s.addr = listener.Addr().String()

	if s.config.RateLimit > 0 {
		s.rateLimitCtx, s.rateLimitCancel = context.WithCancel(ctx)
		s.startRateLimiterCleanup()
	}

	// No ReadTimeout: event stream connections are long lived.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	util.SafeGoWithName("api-server", func() {
		logging.Info("HTTP API server starting",
			"addr", listener.Addr().String(),
			logging.Component("api"))

		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Error("HTTP server error",
				logging.Err(err),
				logging.Component("api"))
		}
	})
	return nil
}

// Stop stops the HTTP API server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("HTTP server shutdown: %w", shutdownErr)
		}
	}

	if s.rateLimitCancel != nil {
		s.rateLimitCancel()
	}

	logging.Info("API server stopped", logging.Component("api"))
	return err
}

// Running reports whether the listener is up
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound listen address, which differs from ListenAddr for port 0
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == "" {
		return s.config.ListenAddr
	}
	return s.addr
}

// Handler builds the router. It is also used directly by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/state", s.withMiddleware("state", s.handleState))
	mux.HandleFunc("GET /v1/settings", s.withMiddleware("settings", s.handleSettings))
	mux.HandleFunc("GET /v1/collaterals", s.withMiddleware("collaterals", s.handleCollaterals))

	mux.HandleFunc("GET /v1/agents", s.withMiddleware("agents", s.handleAgents))
	mux.HandleFunc("GET /v1/agents/available", s.withMiddleware("available_agents", s.handleAvailableAgents))
	mux.HandleFunc("GET /v1/agents/{vault}", s.withMiddleware("agent", s.handleAgent))
	mux.HandleFunc("GET /v1/agents/{vault}/redemptions", s.withMiddleware("agent_redemptions", s.handleAgentRedemptions))

	mux.HandleFunc("GET /v1/minting/fee", s.withMiddleware("minting_fee", s.handleMintingFee))
	mux.HandleFunc("GET /v1/reservations/{id}", s.withMiddleware("reservation", s.handleReservation))
	mux.HandleFunc("GET /v1/redemptions/{id}", s.withMiddleware("redemption", s.handleRedemption))
	mux.HandleFunc("GET /v1/redemption-queue", s.withMiddleware("redemption_queue", s.handleRedemptionQueue))
	mux.HandleFunc("GET /v1/balances/{address}", s.withMiddleware("balance", s.handleBalance))
	mux.HandleFunc("GET /v1/liquidation/candidates", s.withMiddleware("liquidation_candidates", s.handleLiquidationCandidates))

	// Health endpoints (not rate limited)
	mux.HandleFunc("GET /health", s.handleHealthCheck)
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/readyz", s.handleReadyz)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.PrometheusHandler())
	}

	if s.hub != nil {
		mux.HandleFunc("GET /v1/events", s.withMiddleware("events", s.handleEvents))
	}

	return mux
}

// withMiddleware adds a request id, rate limiting, a body limit and request metrics
func (s *Server) withMiddleware(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		if s.config.RateLimit > 0 {
			ip := s.extractClientIP(r)
			if !s.getRateLimiter(ip).Allow() {
				logging.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"request_id", requestID,
					logging.Component("api"))
				retryAfter := int(s.config.RateLimitWindow.Seconds())
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				s.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":       "rate limit exceeded",
					"retry_after": retryAfter,
				})
				return
			}
		}

		if s.config.MaxRequestSize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		}

		handler(w, r)

		if s.metrics != nil {
			s.metrics.RecordRequest(route)
			s.metrics.RecordLatency(route, time.Since(start))
		}
	}
}

// getRateLimiter returns the rate limiter for the given IP address.
// It creates a new limiter if one does not already exist.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	now := time.Now()

	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.mu.Lock()
		entry.lastSeen = now
		entry.mu.Unlock()
		return entry.limiter
	}

	window := s.config.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	limiter := rate.NewLimiter(rate.Limit(float64(s.config.RateLimit)/window.Seconds()), s.config.RateLimitBurst)

	actual, _ := s.rateLimiters.LoadOrStore(ip, &rateLimiterEntry{limiter: limiter, lastSeen: now})
	return actual.(*rateLimiterEntry).limiter
}

// extractClientIP returns the client IP. Proxy headers are only trusted when TrustProxy is set.
func (s *Server) extractClientIP(r *http.Request) string {
	if s.config.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.IndexByte(xff, ','); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// startRateLimiterCleanup starts a goroutine that periodically removes stale rate limiters
func (s *Server) startRateLimiterCleanup() {
	ctx := s.rateLimitCtx
	util.SafeGoWithName("api-rate-limiter-cleanup", func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupRateLimiters(time.Now().Add(-10 * time.Minute))
			}
		}
	})
}

// cleanupRateLimiters removes rate limiter entries not seen since staleBefore
func (s *Server) cleanupRateLimiters(staleBefore time.Time) int {
	var cleaned int
	s.rateLimiters.Range(func(key, value any) bool {
		entry := value.(*rateLimiterEntry)
		entry.mu.Lock()
		stale := entry.lastSeen.Before(staleBefore)
		entry.mu.Unlock()
		if stale {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters",
			"count", cleaned,
			logging.Component("api"))
	}
	return cleaned
}
