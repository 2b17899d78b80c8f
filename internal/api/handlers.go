package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/assetmanager"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/settings"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/pkg/types"
)

// maxQueueLimit caps one redemption queue page
const maxQueueLimit = 1000

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SettingsResponse is the response for GET /v1/settings
type SettingsResponse struct {
	Asset       settings.AssetSettings `json:"asset"`
	LotSizeUBA  string                 `json:"lot_size_uba"`
	Collaterals []types.CollateralType `json:"collaterals"`
}

// MintingFeeResponse is the response for GET /v1/minting/fee
type MintingFeeResponse struct {
	Lots   uint64 `json:"lots"`
	FeeWei string `json:"fee_wei"`
}

// BalanceResponse is the response for GET /v1/balances/{address}
type BalanceResponse struct {
	Address    common.Address `json:"address"`
	BalanceUBA string         `json:"balance_uba"`
}

// AgentSummary is one row of GET /v1/agents
type AgentSummary struct {
	Vault        common.Address    `json:"vault"`
	Owner        common.Address    `json:"owner"`
	Status       types.AgentStatus `json:"status"`
	Available    bool              `json:"available"`
	MintedAMG    uint64            `json:"minted_amg"`
	ReservedAMG  uint64            `json:"reserved_amg"`
	RedeemingAMG uint64            `json:"redeeming_amg"`
}

// handleState handles GET /v1/state
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.State(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleSettings handles GET /v1/settings
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	m := s.engine.Settings()
	s.writeJSON(w, http.StatusOK, SettingsResponse{
		Asset:       m.Current(),
		LotSizeUBA:  s.engine.LotSizeUBA().String(),
		Collaterals: m.CollateralTypes(),
	})
}

// handleCollaterals handles GET /v1/collaterals
func (s *Server) handleCollaterals(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Settings().CollateralTypes())
}

// handleAgents handles GET /v1/agents, optionally filtered by ?status=
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	status := types.AgentStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		s.writeError(w, http.StatusBadRequest, "unknown agent status")
		return
	}

	agents, err := s.engine.Agents(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	counts := make(map[types.AgentStatus]int)
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		counts[a.Status]++
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, AgentSummary{
			Vault:        a.Vault,
			Owner:        a.Owner,
			Status:       a.Status,
			Available:    a.Available,
			MintedAMG:    a.MintedAMG,
			ReservedAMG:  a.ReservedAMG,
			RedeemingAMG: a.RedeemingAMG,
		})
	}
	if s.metrics != nil {
		s.metrics.SetAgentCounts(counts)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleAvailableAgents handles GET /v1/agents/available
func (s *Server) handleAvailableAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.engine.AvailableAgents(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if agents == nil {
		agents = []assetmanager.AvailableAgent{}
	}
	s.writeJSON(w, http.StatusOK, agents)
}

// handleAgent handles GET /v1/agents/{vault}
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	vault, ok := s.pathAddress(w, r, "vault")
	if !ok {
		return
	}
	info, err := s.engine.AgentInfo(r.Context(), vault)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleAgentRedemptions handles GET /v1/agents/{vault}/redemptions
func (s *Server) handleAgentRedemptions(w http.ResponseWriter, r *http.Request) {
	vault, ok := s.pathAddress(w, r, "vault")
	if !ok {
		return
	}
	reqs, err := s.engine.OpenRedemptions(r.Context(), vault)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*types.RedemptionRequest{}
	}
	s.writeJSON(w, http.StatusOK, reqs)
}

// handleMintingFee handles GET /v1/minting/fee?lots=N
func (s *Server) handleMintingFee(w http.ResponseWriter, r *http.Request) {
	lots, err := strconv.ParseUint(r.URL.Query().Get("lots"), 10, 64)
	if err != nil || lots == 0 {
		s.writeError(w, http.StatusBadRequest, "lots must be a positive integer")
		return
	}
	fee, err := s.engine.ReservationFee(r.Context(), lots)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MintingFeeResponse{Lots: lots, FeeWei: fee.String()})
}

// handleReservation handles GET /v1/reservations/{id}
func (s *Server) handleReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	crt, err := s.engine.Reservation(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, crt)
}

// handleRedemption handles GET /v1/redemptions/{id}
func (s *Server) handleRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	req, err := s.engine.Redemption(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

// handleRedemptionQueue handles GET /v1/redemption-queue?limit=N
func (s *Server) handleRedemptionQueue(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxQueueLimit)
	}
	tickets, err := s.engine.RedemptionQueue(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []*types.RedemptionTicket{}
	}
	s.writeJSON(w, http.StatusOK, tickets)
}

// handleBalance handles GET /v1/balances/{address}
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r, "address")
	if !ok {
		return
	}
	bal, err := s.engine.FAssetBalance(r.Context(), addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, BalanceResponse{Address: addr, BalanceUBA: bal.String()})
}

// handleLiquidationCandidates handles GET /v1/liquidation/candidates
func (s *Server) handleLiquidationCandidates(w http.ResponseWriter, r *http.Request) {
	vaults, err := s.engine.LiquidationCandidates(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if vaults == nil {
		vaults = []common.Address{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"candidates": vaults,
		"checked_at": time.Now().UTC(),
	})
}

// Helper methods

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	v := r.PathValue(name)
	if !common.IsHexAddress(v) {
		s.writeError(w, http.StatusBadRequest, "invalid address: "+v)
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid request id")
		return 0, false
	}
	return id, true
}

// statusFor maps an engine error to an HTTP status
func statusFor(err error) int {
	if store.IsNotFound(err) || assetmanager.ReasonOf(err) == "invalid agent vault address" {
		return http.StatusNotFound
	}
	switch assetmanager.KindOf(err) {
	case assetmanager.KindAuthorization:
		return http.StatusForbidden
	case assetmanager.KindStatePrecondition:
		return http.StatusConflict
	case assetmanager.KindProofValidity, assetmanager.KindBounds:
		return http.StatusBadRequest
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeEngineError writes err with its kind and reason. Internal errors are logged, not exposed.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	if kind := assetmanager.KindOf(err); kind != 0 {
		resp.Kind = kind.String()
		resp.Reason = assetmanager.ReasonOf(err)
	}
	if status == http.StatusNotFound {
		resp.Error = "not found"
	}
	if status >= http.StatusInternalServerError {
		logging.Error("request failed",
			"path", r.URL.Path,
			logging.Err(err),
			logging.Component("api"))
		resp.Error = http.StatusText(status)
	}
	s.writeJSON(w, status, resp)
}

// writeJSON writes JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
