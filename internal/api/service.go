// Package api provides the HTTP handlers and WebSocket hub for driving
// the leverage engine: opening, closing, and inspecting the position.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/asset"
	"github.com/loopfarm/farm-engine/internal/engine"
	"github.com/loopfarm/farm-engine/internal/flashloan"
	"github.com/loopfarm/farm-engine/internal/ledger"
	"github.com/loopfarm/farm-engine/internal/metrics"
	"github.com/loopfarm/farm-engine/internal/model"
	"github.com/loopfarm/farm-engine/internal/moneymarket"
)

// Service handles strategy operations over HTTP.
// Pass nil for hub if WebSocket broadcasting is not needed.
type Service struct {
	engine          *engine.Engine
	store           ledger.Store
	hub             *WSHub
	defaultLeverage decimal.Decimal
}

// NewService creates a new API service. defaultLeverage is applied to
// open requests that omit target_leverage.
func NewService(eng *engine.Engine, store ledger.Store, hub *WSHub, defaultLeverage decimal.Decimal) *Service {
	return &Service{engine: eng, store: store, hub: hub, defaultLeverage: defaultLeverage}
}

// --- Request/Response types ---

// OpenRequest is the JSON body for POST /position/open.
type OpenRequest struct {
	Principal      decimal.Decimal `json:"principal"`
	TargetLeverage decimal.Decimal `json:"target_leverage"`
}

// CloseRequest is the JSON body for POST /position/close.
type CloseRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CloseResponse is the JSON body returned from POST /position/close.
type CloseResponse struct {
	Settlement model.Settlement `json:"settlement"`
	Position   *model.Position  `json:"position"`
}

// --- HTTP Handlers ---

// OpenPosition handles POST /api/v1/position/open.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TargetLeverage.IsZero() {
		req.TargetLeverage = s.defaultLeverage
	}

	pos, err := s.engine.Open(r.Context(), req.Principal, req.TargetLeverage)
	if err != nil {
		metrics.OperationFailures.WithLabelValues("open").Inc()
		writeError(w, err.Error(), statusFor(err))
		return
	}

	metrics.OpensTotal.Inc()
	metrics.FlashLoanVolume.Add(pos.BorrowedBalance.InexactFloat64())
	setPositionGauges(pos)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:             "position_opened",
			PositionID:       pos.ID,
			Status:           string(pos.Status),
			Supplied:         pos.SuppliedBalance.String(),
			Borrowed:         pos.BorrowedBalance.String(),
			AchievedLeverage: pos.AchievedLeverage.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pos)
}

// ClosePosition handles POST /api/v1/position/close.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	settlement, err := s.engine.Close(r.Context(), req.Amount)
	if err != nil {
		metrics.OperationFailures.WithLabelValues("close").Inc()
		writeError(w, err.Error(), statusFor(err))
		return
	}

	pos := s.engine.Position()
	kind := "partial"
	if pos.Status == model.StatusClosed {
		kind = "full"
	}
	metrics.ClosesTotal.WithLabelValues(kind).Inc()
	setPositionGauges(pos)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:       "position_closed",
			PositionID: pos.ID,
			Status:     string(pos.Status),
			Supplied:   pos.SuppliedBalance.String(),
			Borrowed:   pos.BorrowedBalance.String(),
			Released:   settlement.Released.String(),
			Rewards:    settlement.Rewards.String(),
		})
	}

	slog.Info("close settled",
		"position", pos.ID,
		"kind", kind,
		"released", settlement.Released.String(),
		"rewards", settlement.Rewards.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CloseResponse{Settlement: settlement, Position: pos})
}

// GetPosition handles GET /api/v1/position.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.engine.Position())
}

// ListPositions handles GET /api/v1/positions.
// Returns every recorded position, newest first.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context())
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// GetPositionByID handles GET /api/v1/positions/{positionID}.
func (s *Service) GetPositionByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionID")

	pos, err := s.store.GetPosition(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// GetHistory handles GET /api/v1/position/history.
// Returns the loop ledger entries in append order.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	pos := s.engine.Position()

	entries, err := s.store.EntriesByPosition(r.Context(), pos.ID)
	if err != nil {
		writeError(w, "failed to load position history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// setPositionGauges publishes position balances to Prometheus.
func setPositionGauges(pos *model.Position) {
	metrics.SuppliedBalance.Set(pos.SuppliedBalance.InexactFloat64())
	metrics.BorrowedBalance.Set(pos.BorrowedBalance.InexactFloat64())
	metrics.AchievedLeverage.Set(pos.AchievedLeverage.InexactFloat64())
}

// statusFor maps engine and adapter errors to HTTP status codes:
// invalid input 400, unknown position 404, wrong lifecycle state 409,
// protocol-level operation failure 422.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInsufficientPrincipal),
		errors.Is(err, engine.ErrInvalidLeverage),
		errors.Is(err, asset.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrPositionNotEmpty),
		errors.Is(err, engine.ErrPositionNotOpen),
		errors.Is(err, engine.ErrInsufficientFunding),
		errors.Is(err, engine.ErrCloseExceedsSupplied):
		return http.StatusConflict
	case errors.Is(err, engine.ErrCollateralFactorExceeded),
		errors.Is(err, engine.ErrRedemptionShortfall),
		errors.Is(err, flashloan.ErrRepaymentFailed),
		errors.Is(err, flashloan.ErrInsufficientLiquidity),
		errors.Is(err, moneymarket.ErrMarketPaused),
		errors.Is(err, moneymarket.ErrInsufficientLiquidity),
		errors.Is(err, moneymarket.ErrBorrowCapExceeded),
		errors.Is(err, moneymarket.ErrExceedsCollateral):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
