// Package api provides the HTTP handlers for the exchange core: event and
// order management, AMM execution, resolution actions, and account queries.
//
// Handlers are a thin JSON framing layer; every rule lives in the engine,
// amm, resolution, and ledger packages. Domain error kinds map onto HTTP
// statuses and the kind string travels in the error envelope so clients can
// branch without parsing messages.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/amm"
	"github.com/predyx/exchange-core/internal/engine"
	"github.com/predyx/exchange-core/internal/ledger"
	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/resolution"
)

// Server bundles the operation surfaces behind the HTTP API.
type Server struct {
	eng *engine.Engine
	amm *amm.AMM
	res *resolution.Machine
	led *ledger.Ledger
	hub *WSHub
}

// NewServer creates the API server.
func NewServer(eng *engine.Engine, a *amm.AMM, res *resolution.Machine, led *ledger.Ledger, hub *WSHub) *Server {
	return &Server{eng: eng, amm: a, res: res, led: led, hub: hub}
}

// Routes registers all /api/v1 endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/ws", s.hub.HandleWS)

	r.Get("/events", s.ListEvents)
	r.Post("/events", s.CreateEvent)
	r.Get("/events/{eventID}", s.GetEvent)
	r.Get("/events/{eventID}/book", s.GetOrderBook)
	r.Get("/events/{eventID}/price", s.GetDisplayPrice)
	r.Get("/events/{eventID}/trades", s.GetTrades)
	r.Get("/events/{eventID}/prices/history", s.GetPriceHistory)
	r.Get("/events/{eventID}/audit", s.GetAuditLog)
	r.Get("/events/{eventID}/rules", s.GetRules)
	r.Post("/events/{eventID}/rules", s.AddRule)

	r.Post("/events/{eventID}/orders", s.SubmitOrder)
	r.Delete("/events/{eventID}/orders/{orderID}", s.CancelOrder)

	r.Get("/events/{eventID}/amm/quote", s.QuoteAMM)
	r.Post("/events/{eventID}/amm/buy", s.BuyAMM)
	r.Get("/events/{eventID}/amm/prices", s.GetAMMPrices)

	r.Post("/events/{eventID}/resolution/propose", s.Propose)
	r.Post("/events/{eventID}/resolution/dispute", s.Dispute)
	r.Post("/events/{eventID}/resolution/finalize", s.Finalize)

	r.Post("/users/{userID}/deposit", s.Deposit)
	r.Get("/users/{userID}/balance", s.GetBalance)
	r.Get("/events/{eventID}/positions/{userID}", s.GetPosition)
}

// --- Events ---
// CreateEventRequest is the JSON body for event creation.
type CreateEventRequest struct {
	Title    string          `json:"title"`
	EndTime  time.Time       `json:"end_time"`
	B        decimal.Decimal `json:"b"`
	Outcomes []model.Outcome `json:"outcomes,omitempty"`
}

func (s *Server) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid, "invalid request body")
		return
	}
	ev, err := s.eng.CreateEvent(r.Context(), req.Title, req.EndTime, req.B, req.Outcomes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.eng.ListEvents(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.eng.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// --- Orders ---
// SubmitOrderRequest is the JSON body for order submission.
type SubmitOrderRequest struct {
	UserID    string `json:"user_id"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	OutcomeID string `json:"outcome_id"`
	PriceBps  int64  `json:"price_bps"`
	Qty       int64  `json:"qty"`
}

func (s *Server) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = string(model.TypeLimit)
	}
	res, err := s.eng.SubmitOrder(r.Context(), chi.URLParam(r, "eventID"), req.UserID,
		model.OrderSide(req.Side), model.OrderType(req.Type),
		req.OutcomeID, req.PriceBps, req.Qty)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	res, err := s.eng.CancelOrder(r.Context(),
		chi.URLParam(r, "eventID"), chi.URLParam(r, "orderID"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	view, err := s.eng.OrderBook(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) GetDisplayPrice(w http.ResponseWriter, r *http.Request) {
	dp, err := s.eng.DisplayPrice(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dp)
}

func (s *Server) GetTrades(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	trades, err := s.eng.Trades(r.Context(), chi.URLParam(r, "eventID"), n)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.led.PriceHistory(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// --- AMM ---
// BuyAMMRequest is the JSON body for AMM purchases.
type BuyAMMRequest struct {
	UserID    string `json:"user_id"`
	OutcomeID string `json:"outcome_id"`
	Qty       int64  `json:"qty"`
}

func (s *Server) BuyAMM(w http.ResponseWriter, r *http.Request) {
	var req BuyAMMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid, "invalid request body")
		return
	}
	res, err := s.amm.Buy(r.Context(), chi.URLParam(r, "eventID"), req.UserID, req.OutcomeID, req.Qty)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) QuoteAMM(w http.ResponseWriter, r *http.Request) {
	qty, _ := strconv.ParseInt(r.URL.Query().Get("qty"), 10, 64)
	q, err := s.amm.QuoteBuy(r.Context(), chi.URLParam(r, "eventID"),
		r.URL.Query().Get("outcome_id"), qty)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) GetAMMPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.amm.Prices(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

// --- Resolution ---
// ResolutionRequest is the JSON body for propose/dispute/finalize.
type ResolutionRequest struct {
	UserID    string `json:"user_id"`
	OutcomeID string `json:"outcome_id,omitempty"`
}

func (s *Server) Propose(w http.ResponseWriter, r *http.Request) {
	var req ResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid, "invalid request body")
		return
	}
	prop, err := s.res.Propose(r.Context(), chi.URLParam(r, "eventID"), req.OutcomeID, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (s *Server) Dispute(w http.ResponseWriter, r *http.Request) {
	var req ResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid, "invalid request body")
		return
	}
	prop, err := s.res.Dispute(r.Context(), chi.URLParam(r, "eventID"), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (s *Server) Finalize(w http.ResponseWriter, r *http.Request) {
	var req ResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid, "invalid request body")
		return
	}
	ev, err := s.res.Finalize(r.Context(), chi.URLParam(r, "eventID"), req.OutcomeID, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// --- Accounts ---
// DepositRequest is the JSON body for deposits.
type DepositRequest struct {
	Units int64 `json:"units"`
}

func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid, "invalid request body")
		return
	}
	bal, err := s.led.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Units)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.led.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	view, err := s.eng.Position(r.Context(),
		chi.URLParam(r, "eventID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Audit & rules ---
// AddRuleRequest is the JSON body for rule clarifications.
type AddRuleRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (s *Server) AddRule(w http.ResponseWriter, r *http.Request) {
	var req AddRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, model.KindInvalid, "rule text must not be empty")
		return
	}
	if err := s.led.AppendRule(r.Context(), chi.URLParam(r, "eventID"), req.UserID, req.Text); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) GetRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.led.Rules(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	log, err := s.led.AuditLog(r.Context(), chi.URLParam(r, "eventID"), 0, -1)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// --- JSON framing ---
type errorEnvelope struct {
	Error string     `json:"error"`
	Kind  model.Kind `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind model.Kind, msg string) {
	writeJSON(w, status, errorEnvelope{Error: msg, Kind: kind})
}

// writeDomainError maps an error's kind onto the HTTP status and serializes
// the kind in the envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case model.KindInvalid:
		status = http.StatusBadRequest
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindForbidden:
		status = http.StatusForbidden
	case model.KindConflict, model.KindInsufficient:
		status = http.StatusConflict
	case model.KindContended:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, kind, err.Error())
}
