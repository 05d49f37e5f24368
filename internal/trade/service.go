// Package trade provides the HTTP handlers for placing orders, managing
// positions and reading a session's account.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/engine"
	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/order"
	"github.com/atmx/position-engine/internal/orderbook"
	"github.com/atmx/position-engine/internal/pricefeed"
	"github.com/atmx/position-engine/internal/risk"
	"github.com/atmx/position-engine/internal/session"
)

const (
	// HeaderSession carries the client's session id. Responses echo it, so
	// a client without one learns the id it was given.
	HeaderSession = "X-Session-ID"

	// HeaderUser carries the authenticated user id, set by the auth layer
	// in front of this service. Absent means anonymous.
	HeaderUser = "X-User-ID"
)

// Service serves the per-session trading API.
type Service struct {
	sessions *session.Manager
	catalog  *event.Catalog
	feed     *pricefeed.Feed
	hub      *WSHub
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket pushes are not needed.
func NewService(sessions *session.Manager, catalog *event.Catalog, feed *pricefeed.Feed, hub *WSHub) *Service {
	return &Service{sessions: sessions, catalog: catalog, feed: feed, hub: hub}
}

// Routes mounts the API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/events", s.ListEvents)
	r.Post("/events/{eventID}/resolve", s.ResolveEvent)
	r.Get("/prices/{optionID}", s.GetPrice)
	r.Get("/orderbook/{optionID}", s.GetOrderBook)

	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders", s.ListOrders)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Get("/positions", s.ListPositions)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Post("/positions/{positionID}/close", s.ClosePosition)
	r.Put("/positions/{positionID}/tpsl", s.UpdateTpSl)

	r.Get("/settlements", s.ListSettlements)
	r.Get("/account", s.GetAccount)
	r.Delete("/session", s.EndSession)

	if s.hub != nil {
		r.Get("/ws", s.HandleWS)
	}
}

// --- Request types ---

// TpSlRequest is the JSON body for PUT /positions/{id}/tpsl. A missing
// threshold clears it.
type TpSlRequest struct {
	TakeProfit *model.Threshold `json:"take_profit"`
	StopLoss   *model.Threshold `json:"stop_loss"`
}

// ResolveRequest is the JSON body for POST /events/{id}/resolve.
type ResolveRequest struct {
	WinningOptionID string `json:"winning_option_id"`
}

// ResolveResponse reports the settlements an event resolution produced.
type ResolveResponse struct {
	EventID         string             `json:"event_id"`
	WinningOptionID string             `json:"winning_option_id"`
	Settlements     []model.Settlement `json:"settlements"`
}

// --- Session plumbing ---

// engineFor opens (or reattaches) the caller's session.
func (s *Service) engineFor(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	id, eng, err := s.sessions.Open(r.Context(), r.Header.Get(HeaderSession), r.Header.Get(HeaderUser))
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	w.Header().Set(HeaderSession, id)
	return eng, true
}

// --- HTTP Handlers ---

// ListEvents handles GET /api/v1/events
func (s *Service) ListEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Events())
}

// ResolveEvent handles POST /api/v1/events/{eventID}/resolve
func (s *Service) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WinningOptionID == "" {
		writeError(w, "winning_option_id is required", http.StatusBadRequest)
		return
	}
	settled, err := s.sessions.Resolve(r.Context(), s.catalog, eventID, req.WinningOptionID)
	if err != nil && len(settled) == 0 {
		writeErr(w, err)
		return
	}
	if err != nil {
		slog.Warn("event resolution incomplete", "event_id", eventID, "err", err)
	}
	writeJSON(w, http.StatusOK, ResolveResponse{
		EventID:         eventID,
		WinningOptionID: req.WinningOptionID,
		Settlements:     settled,
	})
}

// GetPrice handles GET /api/v1/prices/{optionID}
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	optionID := chi.URLParam(r, "optionID")
	if u, ok := s.feed.Latest(optionID); ok {
		writeJSON(w, http.StatusOK, u)
		return
	}
	mark, err := s.feed.Mark(optionID)
	if err != nil {
		writeError(w, "no quote for option", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, model.PriceUpdate{OptionID: optionID, Price: mark})
}

// GetOrderBook handles GET /api/v1/orderbook/{optionID}?step=0.01
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	optionID := chi.URLParam(r, "optionID")
	step := decimal.Zero
	if raw := r.URL.Query().Get("step"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || parsed.IsNegative() {
			writeError(w, "step must be a non-negative decimal", http.StatusBadRequest)
			return
		}
		step = parsed
	}
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	book, err := eng.OrderBook(optionID, step)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req order.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	o, err := eng.PlaceOrder(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders handles GET /api/v1/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.Orders())
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	o, err := eng.Order(chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	o, err := eng.CancelOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.Positions())
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	v, err := eng.Position(chi.URLParam(r, "positionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	st, err := eng.ClosePosition(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// UpdateTpSl handles PUT /api/v1/positions/{positionID}/tpsl
func (s *Service) UpdateTpSl(w http.ResponseWriter, r *http.Request) {
	var req TpSlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	v, err := eng.UpdateTpSl(r.Context(), chi.URLParam(r, "positionID"), req.TakeProfit, req.StopLoss)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListSettlements handles GET /api/v1/settlements
func (s *Service) ListSettlements(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	list, err := eng.Settlements(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetAccount handles GET /api/v1/account
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.Account())
}

// EndSession handles DELETE /api/v1/session
func (s *Service) EndSession(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderSession)
	if id == "" {
		writeError(w, HeaderSession+" header is required", http.StatusBadRequest)
		return
	}
	if err := s.sessions.End(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. Browsers
// cannot set headers on the upgrade, so the session may also come from the
// session query parameter.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(HeaderSession) == "" {
		r.Header.Set(HeaderSession, r.URL.Query().Get("session"))
	}
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	release := s.sessions.Hold(w.Header().Get(HeaderSession))
	s.hub.Serve(w, r, eng.UserID(), release)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidOrder),
		errors.Is(err, model.ErrInvalidThreshold),
		errors.Is(err, risk.ErrExposureLimit),
		errors.Is(err, event.ErrUnknownOption):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrAlreadyClosed),
		errors.Is(err, session.ErrIdentityMismatch),
		errors.Is(err, session.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, event.ErrUnknownEvent),
		errors.Is(err, session.ErrUnknownSession),
		errors.Is(err, orderbook.ErrNoDepth):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPersistenceFailure),
		errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
