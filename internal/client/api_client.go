// Package client reads the asset manager daemon's HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/api"
	"github.com/moltbunker/fasset/internal/assetmanager"
	"github.com/moltbunker/fasset/internal/util"
	"github.com/moltbunker/fasset/pkg/types"
)

// APIError is a non-2xx response from the daemon
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
	Reason     string

	body []byte
}

func (e *APIError) Error() string {
	if e.Reason != "" && e.Reason != e.Message {
		return fmt.Sprintf("API error (%d): %s: %s", e.StatusCode, e.Message, e.Reason)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// APIClient talks to the daemon's read API
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	retry      *util.RetryConfig
}

// NewAPIClient creates a client for baseURL, e.g. "http://127.0.0.1:8080".
// A bare host:port is accepted.
func NewAPIClient(baseURL string) *APIClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	retry := util.DefaultRetryConfig()
	retry.MaxRetries = 2
	retry.RetryIf = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.StatusCode == http.StatusServiceUnavailable || apiErr.StatusCode == http.StatusTooManyRequests
		}
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: retry,
	}
}

// BaseURL returns the daemon address this client talks to
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

// get performs a GET request, retrying transient failures, and decodes the JSON response into out
func (c *APIClient) get(ctx context.Context, path string, out interface{}) error {
	result := util.Retry(ctx, c.retry, func() error {
		return c.do(ctx, path, out)
	})
	if result.LastError == nil {
		return nil
	}
	// surface the daemon's answer rather than the retry bookkeeping
	var apiErr *APIError
	if errors.As(result.LastError, &apiErr) {
		return apiErr
	}
	return result.LastError
}

func (c *APIClient) do(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode), body: body}
		var errResp api.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Kind = errResp.Kind
			apiErr.Reason = errResp.Reason
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// Health retrieves daemon health
func (c *APIClient) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, "/health", &resp)
	if err == nil {
		return &resp, nil
	}
	// an unhealthy daemon still describes itself
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable &&
		json.Unmarshal(apiErr.body, &resp) == nil && resp.Status != "" {
		return &resp, nil
	}
	return nil, err
}

// State retrieves the global asset state
func (c *APIClient) State(ctx context.Context) (*types.AssetState, error) {
	var st types.AssetState
	if err := c.get(ctx, "/v1/state", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Settings retrieves the asset settings and collateral types in effect
func (c *APIClient) Settings(ctx context.Context) (*api.SettingsResponse, error) {
	var resp api.SettingsResponse
	if err := c.get(ctx, "/v1/settings", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Agents lists agents, optionally only those with status
func (c *APIClient) Agents(ctx context.Context, status types.AgentStatus) ([]api.AgentSummary, error) {
	path := "/v1/agents"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var agents []api.AgentSummary
	if err := c.get(ctx, path, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Agent retrieves one agent with its collateral ratios
func (c *APIClient) Agent(ctx context.Context, vault common.Address) (*assetmanager.AgentInfo, error) {
	var info assetmanager.AgentInfo
	if err := c.get(ctx, "/v1/agents/"+vault.Hex(), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// AvailableAgents lists the public minting offers
func (c *APIClient) AvailableAgents(ctx context.Context) ([]assetmanager.AvailableAgent, error) {
	var agents []assetmanager.AvailableAgent
	if err := c.get(ctx, "/v1/agents/available", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// AgentRedemptions lists an agent's open redemption requests
func (c *APIClient) AgentRedemptions(ctx context.Context, vault common.Address) ([]*types.RedemptionRequest, error) {
	var reqs []*types.RedemptionRequest
	if err := c.get(ctx, "/v1/agents/"+vault.Hex()+"/redemptions", &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// MintingFee returns the collateral reservation fee for lots, in native wei
func (c *APIClient) MintingFee(ctx context.Context, lots uint64) (string, error) {
	var resp api.MintingFeeResponse
	if err := c.get(ctx, "/v1/minting/fee?lots="+strconv.FormatUint(lots, 10), &resp); err != nil {
		return "", err
	}
	return resp.FeeWei, nil
}

// Reservation retrieves a collateral reservation
func (c *APIClient) Reservation(ctx context.Context, id uint64) (*types.CollateralReservation, error) {
	var crt types.CollateralReservation
	if err := c.get(ctx, "/v1/reservations/"+strconv.FormatUint(id, 10), &crt); err != nil {
		return nil, err
	}
	return &crt, nil
}

// Redemption retrieves a redemption request
func (c *APIClient) Redemption(ctx context.Context, id uint64) (*types.RedemptionRequest, error) {
	var req types.RedemptionRequest
	if err := c.get(ctx, "/v1/redemptions/"+strconv.FormatUint(id, 10), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// RedemptionQueue returns up to limit tickets from the head of the queue
func (c *APIClient) RedemptionQueue(ctx context.Context, limit int) ([]*types.RedemptionTicket, error) {
	path := "/v1/redemption-queue"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var tickets []*types.RedemptionTicket
	if err := c.get(ctx, path, &tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

// Balance returns an account's f-asset balance in UBA
func (c *APIClient) Balance(ctx context.Context, account common.Address) (string, error) {
	var resp api.BalanceResponse
	if err := c.get(ctx, "/v1/balances/"+account.Hex(), &resp); err != nil {
		return "", err
	}
	return resp.BalanceUBA, nil
}

// LiquidationCandidates lists agents that can be put in liquidation
func (c *APIClient) LiquidationCandidates(ctx context.Context) ([]common.Address, error) {
	var resp struct {
		Candidates []common.Address `json:"candidates"`
	}
	if err := c.get(ctx, "/v1/liquidation/candidates", &resp); err != nil {
		return nil, err
	}
	return resp.Candidates, nil
}
