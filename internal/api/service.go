package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/limits"
	"github.com/copytrade/copy-engine/internal/model"
	"github.com/copytrade/copy-engine/internal/settlement"
	"github.com/copytrade/copy-engine/internal/stats"
	"github.com/copytrade/copy-engine/internal/store"
)

// Service handles copy-trading HTTP operations. All fund movement is
// delegated to the settlement engine; handlers only translate between HTTP
// and engine semantics.
type Service struct {
	store  store.Store
	settle *settlement.Engine
	stats  *stats.Engine
	hub    *EventHub // optional WebSocket hub for event broadcasts
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, settle *settlement.Engine, statsEngine *stats.Engine, hub *EventHub) *Service {
	return &Service{
		store:  st,
		settle: settle,
		stats:  statsEngine,
		hub:    hub,
	}
}

// Routes registers all API routes on the given router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/allocations", s.CreateAllocation)
	r.Get("/allocations/{allocationID}/stats", s.GetAllocationStats)

	r.Post("/subscriptions/{followerID}/stop", s.StopSubscription)
	r.Post("/subscriptions/{followerID}/pause", s.PauseSubscription)
	r.Post("/subscriptions/{followerID}/resume", s.ResumeSubscription)

	r.Post("/leaders/{leaderID}/approve", s.ApproveLeader)
	r.Post("/leaders/{leaderID}/reject", s.RejectLeader)
	r.Post("/leaders/{leaderID}/suspend", s.SuspendLeader)
	r.Post("/leaders/{leaderID}/reinstate", s.ReinstateLeader)
	r.Delete("/leaders/{leaderID}", s.DeleteLeader)
	r.Post("/leaders/{leaderID}/markets/{symbol}/disable", s.DisableLeaderMarket)
	r.Get("/leaders/{leaderID}/stats", s.GetLeaderStats)
	r.Get("/leaders/{leaderID}/daily", s.GetLeaderDaily)

	r.Get("/followers/{followerID}/stats", s.GetFollowerStats)
	r.Get("/leaderboard", s.GetLeaderboard)

	r.Get("/audit/{entityType}/{entityID}", s.GetAuditTrail)

	r.Post("/internal/trades/closed", s.TradeClosed)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request/Response types ---

// ActionRequest carries the acting admin and an optional reason for
// lifecycle operations.
type ActionRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

// SuspendResponse reports how many followers were paused alongside the
// leader suspension.
type SuspendResponse struct {
	LeaderID        string `json:"leader_id"`
	PausedFollowers int    `json:"paused_followers"`
}

// TradeClosedRequest is the internal notification body posted by the trade
// executor when a copy trade closes.
type TradeClosedRequest struct {
	TradeID      string          `json:"trade_id"`
	LeaderID     string          `json:"leader_id"`
	FollowerID   string          `json:"follower_id,omitempty"`
	AllocationID string          `json:"allocation_id,omitempty"`
	IsLeader     bool            `json:"is_leader_trade"`
	Symbol       string          `json:"symbol"`
	Profit       decimal.Decimal `json:"profit"`
	Cost         decimal.Decimal `json:"cost"`
	Fee          decimal.Decimal `json:"fee"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     time.Time       `json:"closed_at"`
}

// AuditEntry is one decoded audit record.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	OldValue  model.Snapshot `json:"old_value,omitempty"`
	NewValue  model.Snapshot `json:"new_value,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// --- Allocation handlers ---

// CreateAllocation handles POST /api/v1/allocations
func (s *Service) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	var req settlement.CreateAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	actorID := r.Header.Get("X-Actor-ID")

	alloc, err := s.settle.CreateAllocation(r.Context(), req, actorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(alloc)
}

// GetAllocationStats handles GET /api/v1/allocations/{allocationID}/stats
func (s *Service) GetAllocationStats(w http.ResponseWriter, r *http.Request) {
	allocationID := chi.URLParam(r, "allocationID")

	st, err := s.stats.AllocationStats(r.Context(), allocationID)
	if err != nil {
		writeError(w, "allocation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

// --- Subscription handlers ---

// StopSubscription handles POST /api/v1/subscriptions/{followerID}/stop
// Releases all allocations back to the ECO wallet and stops copying.
func (s *Service) StopSubscription(w http.ResponseWriter, r *http.Request) {
	followerID := chi.URLParam(r, "followerID")
	req := decodeAction(r)

	result, err := s.settle.StopSubscription(r.Context(), followerID, req.ActorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, result)
}

// PauseSubscription handles POST /api/v1/subscriptions/{followerID}/pause
func (s *Service) PauseSubscription(w http.ResponseWriter, r *http.Request) {
	followerID := chi.URLParam(r, "followerID")
	req := decodeAction(r)

	if err := s.settle.PauseSubscription(r.Context(), followerID, req.ActorID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"follower_id": followerID, "status": string(model.FollowerPaused)})
}

// ResumeSubscription handles POST /api/v1/subscriptions/{followerID}/resume
func (s *Service) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	followerID := chi.URLParam(r, "followerID")
	req := decodeAction(r)

	if err := s.settle.ResumeSubscription(r.Context(), followerID, req.ActorID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"follower_id": followerID, "status": string(model.FollowerActive)})
}

// --- Leader lifecycle handlers ---

// ApproveLeader handles POST /api/v1/leaders/{leaderID}/approve
func (s *Service) ApproveLeader(w http.ResponseWriter, r *http.Request) {
	s.leaderTransition(w, r, func(ctx context.Context, leaderID string, req ActionRequest) error {
		return s.settle.ApproveLeader(ctx, leaderID, req.ActorID)
	}, model.LeaderActive)
}

// RejectLeader handles POST /api/v1/leaders/{leaderID}/reject
func (s *Service) RejectLeader(w http.ResponseWriter, r *http.Request) {
	s.leaderTransition(w, r, func(ctx context.Context, leaderID string, req ActionRequest) error {
		return s.settle.RejectLeader(ctx, leaderID, req.Reason, req.ActorID)
	}, model.LeaderRejected)
}

// ReinstateLeader handles POST /api/v1/leaders/{leaderID}/reinstate
// Reactivates a suspended leader. Followers stay paused until they resume.
func (s *Service) ReinstateLeader(w http.ResponseWriter, r *http.Request) {
	s.leaderTransition(w, r, func(ctx context.Context, leaderID string, req ActionRequest) error {
		return s.settle.ReinstateLeader(ctx, leaderID, req.ActorID)
	}, model.LeaderActive)
}

// SuspendLeader handles POST /api/v1/leaders/{leaderID}/suspend
// Requires a reason; pauses all active followers.
func (s *Service) SuspendLeader(w http.ResponseWriter, r *http.Request) {
	leaderID := chi.URLParam(r, "leaderID")
	req := decodeAction(r)

	paused, err := s.settle.SuspendLeader(r.Context(), leaderID, req.Reason, req.ActorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, SuspendResponse{LeaderID: leaderID, PausedFollowers: paused})
}

// DeleteLeader handles DELETE /api/v1/leaders/{leaderID}
// With ?refund_followers=true, each follower's allocations are released
// before the subscription stops.
func (s *Service) DeleteLeader(w http.ResponseWriter, r *http.Request) {
	leaderID := chi.URLParam(r, "leaderID")
	refund := r.URL.Query().Get("refund_followers") == "true"
	actorID := r.URL.Query().Get("actor_id")

	result, err := s.settle.DeleteLeader(r.Context(), leaderID, refund, actorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, result)
}

// DisableLeaderMarket handles
// POST /api/v1/leaders/{leaderID}/markets/{symbol}/disable
// Releases every allocation the leader's followers hold on that symbol.
func (s *Service) DisableLeaderMarket(w http.ResponseWriter, r *http.Request) {
	leaderID := chi.URLParam(r, "leaderID")
	symbol := chi.URLParam(r, "symbol")
	req := decodeAction(r)

	result, err := s.settle.DisableLeaderMarket(r.Context(), leaderID, symbol, req.ActorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, result)
}

// --- Statistics handlers ---

// GetLeaderStats handles GET /api/v1/leaders/{leaderID}/stats
func (s *Service) GetLeaderStats(w http.ResponseWriter, r *http.Request) {
	leaderID := chi.URLParam(r, "leaderID")

	st, err := s.stats.LeaderStats(r.Context(), leaderID)
	if err != nil {
		writeError(w, "failed to compute leader stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, st)
}

// GetFollowerStats handles GET /api/v1/followers/{followerID}/stats
func (s *Service) GetFollowerStats(w http.ResponseWriter, r *http.Request) {
	followerID := chi.URLParam(r, "followerID")

	st, err := s.stats.FollowerStats(r.Context(), followerID)
	if err != nil {
		writeError(w, "failed to compute follower stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, st)
}

// GetLeaderboard handles GET /api/v1/leaderboard?ids=a,b,c
// Batch stats for many leaders; always two queries regardless of count.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		writeError(w, "ids query parameter is required", http.StatusBadRequest)
		return
	}
	ids := strings.Split(raw, ",")

	result, err := s.stats.BatchLeaderStats(r.Context(), ids)
	if err != nil {
		writeError(w, "failed to compute leaderboard", http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

// GetLeaderDaily handles GET /api/v1/leaders/{leaderID}/daily?days=30
func (s *Service) GetLeaderDaily(w http.ResponseWriter, r *http.Request) {
	leaderID := chi.URLParam(r, "leaderID")
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))

	perf, err := s.stats.LeaderDailyPerformance(r.Context(), leaderID, days)
	if err != nil {
		writeError(w, "failed to compute daily performance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, perf)
}

// --- Audit handlers ---

// GetAuditTrail handles GET /api/v1/audit/{entityType}/{entityID}
// Snapshots are decoded strictly; a corrupt stored snapshot surfaces as a
// consistency error rather than an empty object.
func (s *Service) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityID")

	logs, err := s.store.ListAuditLogs(r.Context(), entityType, entityID)
	if err != nil {
		writeError(w, "failed to load audit trail", http.StatusInternalServerError)
		return
	}

	entries := make([]AuditEntry, 0, len(logs))
	for i := range logs {
		l := &logs[i]
		oldVal, err := model.DecodeSnapshot(l, l.OldValue)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		newVal, err := model.DecodeSnapshot(l, l.NewValue)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		entries = append(entries, AuditEntry{
			ID:        l.ID,
			Action:    l.Action,
			OldValue:  oldVal,
			NewValue:  newVal,
			ActorID:   l.ActorID,
			Reason:    l.Reason,
			CreatedAt: l.CreatedAt,
		})
	}
	writeJSON(w, entries)
}

// --- Internal handlers ---

// TradeClosed handles POST /api/v1/internal/trades/closed
// Records a closed copy trade in the ledger and drops every cached stat it
// affects.
func (s *Service) TradeClosed(w http.ResponseWriter, r *http.Request) {
	var req TradeClosedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.LeaderID == "" || req.Symbol == "" {
		writeError(w, "leader_id and symbol are required", http.StatusBadRequest)
		return
	}

	id := req.TradeID
	if id == "" {
		id = uuid.New().String()
	}
	closedAt := req.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	trade := &model.Trade{
		ID:            id,
		LeaderID:      req.LeaderID,
		FollowerID:    req.FollowerID,
		AllocationID:  req.AllocationID,
		IsLeaderTrade: req.IsLeader,
		Symbol:        req.Symbol,
		Status:        model.TradeClosed,
		Profit:        req.Profit,
		Cost:          req.Cost,
		Fee:           req.Fee,
		OpenedAt:      req.OpenedAt,
		ClosedAt:      &closedAt,
	}

	ctx := r.Context()
	if err := s.store.InsertTrade(ctx, trade); err != nil {
		writeError(w, "failed to record trade", http.StatusInternalServerError)
		return
	}

	var followerIDs, allocationIDs []string
	if req.FollowerID != "" {
		followerIDs = []string{req.FollowerID}
	}
	if req.AllocationID != "" {
		allocationIDs = []string{req.AllocationID}
	}
	s.stats.InvalidateTradeRelatedCaches(ctx, req.LeaderID, followerIDs, allocationIDs)

	slog.Info("trade recorded",
		"trade_id", trade.ID,
		"leader", req.LeaderID,
		"follower", req.FollowerID,
		"symbol", req.Symbol,
		"profit", trade.Profit.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(trade)
}

// --- Helpers ---

func (s *Service) leaderTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, leaderID string, req ActionRequest) error, to model.LeaderStatus) {
	leaderID := chi.URLParam(r, "leaderID")
	req := decodeAction(r)

	if err := fn(r.Context(), leaderID, req); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"leader_id": leaderID, "status": string(to)})
}

// decodeAction reads an optional ActionRequest body; an empty or absent
// body yields the zero value.
func decodeAction(r *http.Request) ActionRequest {
	var req ActionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	return req
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine errors onto HTTP statuses: validation
// failures are 400, precondition failures 409, missing entities 404, and
// consistency errors 500.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		walletErr    *settlement.WalletNotFoundError
		tradesErr    *settlement.ActiveTradesError
		positionsErr *settlement.OpenPositionsError
		fundsErr     *settlement.InsufficientFundsError
		transitionErr *model.InvalidTransitionError
		malformedErr *model.MalformedRecordError
	)

	switch {
	case errors.Is(err, settlement.ErrReasonRequired),
		errors.Is(err, settlement.ErrSymbolRequired),
		errors.Is(err, settlement.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)

	case errors.As(err, &tradesErr),
		errors.As(err, &positionsErr),
		errors.As(err, &fundsErr),
		errors.As(err, &transitionErr),
		errors.Is(err, model.ErrSubscriptionStopped),
		errors.Is(err, settlement.ErrLeaderNotActive),
		errors.Is(err, settlement.ErrFollowerNotActive),
		errors.Is(err, limits.ErrMarketLimitExceeded),
		errors.Is(err, limits.ErrLeaderLimitExceeded):
		writeError(w, err.Error(), http.StatusConflict)

	case errors.As(err, &walletErr), errors.As(err, &malformedErr):
		slog.Error("consistency error", "err", err)
		writeError(w, err.Error(), http.StatusInternalServerError)

	case strings.Contains(err.Error(), "not found"):
		writeError(w, err.Error(), http.StatusNotFound)

	default:
		slog.Error("operation failed", "err", err)
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}
