package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/amm"
	"github.com/predyx/exchange-core/internal/api"
	"github.com/predyx/exchange-core/internal/engine"
	"github.com/predyx/exchange-core/internal/ledger"
	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/resolution"
	"github.com/predyx/exchange-core/internal/risk"
	"github.com/predyx/exchange-core/internal/store"
)

// newTestEnv wires the full stack over an in-memory store behind a chi
// router, without the WebSocket hub.
func newTestEnv(t *testing.T) chi.Router {
	t.Helper()
	led := ledger.New(store.NewMemoryStore())
	lim := risk.NewLimiter(0, 0)
	res := resolution.New(led, time.Hour, nil)
	eng := engine.New(led, res, lim, nil, 100)
	mm := amm.New(led, res, lim, nil, 100)
	srv := api.NewServer(eng, mm, res, led, api.NewWSHub())

	r := chi.NewRouter()
	r.Route("/api/v1", srv.Routes)
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createEvent(t *testing.T, router chi.Router) model.Event {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/events", api.CreateEventRequest{
		Title:   "Will it rain tomorrow?",
		EndTime: time.Now().Add(24 * time.Hour),
		B:       decimal.Zero,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create event: status %d body %s", w.Code, w.Body.String())
	}
	var ev model.Event
	if err := json.Unmarshal(w.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func TestOrderFlow(t *testing.T) {
	router := newTestEnv(t)
	ev := createEvent(t, router)

	if w := doJSON(t, router, "POST", "/api/v1/users/alice/deposit", api.DepositRequest{Units: 100000}); w.Code != http.StatusOK {
		t.Fatalf("deposit: status %d body %s", w.Code, w.Body.String())
	}

	w := doJSON(t, router, "POST", "/api/v1/events/"+ev.ID+"/orders", api.SubmitOrderRequest{
		UserID:    "alice",
		Side:      "buy",
		Type:      "limit",
		OutcomeID: model.OutcomeYes,
		PriceBps:  6000,
		Qty:       5,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit order: status %d body %s", w.Code, w.Body.String())
	}
	var res model.SubmitResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Order.Status != model.OrderOpen || res.Order.LockedUnits != 30000 {
		t.Errorf("unexpected order %+v", res.Order)
	}

	// The book shows the resting bid.
	w = doJSON(t, router, "GET", "/api/v1/events/"+ev.ID+"/book", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("book: status %d", w.Code)
	}
	var view map[string]model.OutcomeBook
	json.Unmarshal(w.Body.Bytes(), &view)
	if bb := view[model.OutcomeYes].BestBid; bb == nil || *bb != 6000 {
		t.Errorf("expected best bid 6000, got %v", bb)
	}

	// Cancel restores the balance.
	w = doJSON(t, router, "DELETE",
		"/api/v1/events/"+ev.ID+"/orders/"+res.Order.ID+"?user_id=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/users/alice/balance", nil)
	var bal model.Balance
	json.Unmarshal(w.Body.Bytes(), &bal)
	if bal.Available != 100000 || bal.Locked != 0 {
		t.Errorf("expected restored balance, got %+v", bal)
	}
}

func TestErrorEnvelope_KindMapping(t *testing.T) {
	router := newTestEnv(t)
	ev := createEvent(t, router)

	cases := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantKind   string
	}{
		{
			name:   "invalid order",
			method: "POST", path: "/api/v1/events/" + ev.ID + "/orders",
			body:       api.SubmitOrderRequest{UserID: "alice", Side: "buy", OutcomeID: "maybe", PriceBps: 5000, Qty: 1},
			wantStatus: http.StatusBadRequest, wantKind: "invalid",
		},
		{
			name:   "insufficient funds",
			method: "POST", path: "/api/v1/events/" + ev.ID + "/orders",
			body:       api.SubmitOrderRequest{UserID: "alice", Side: "buy", OutcomeID: model.OutcomeYes, PriceBps: 5000, Qty: 1},
			wantStatus: http.StatusConflict, wantKind: "insufficient",
		},
		{
			name:   "unknown event",
			method: "GET", path: "/api/v1/events/nope",
			wantStatus: http.StatusNotFound, wantKind: "not_found",
		},
		{
			name:   "premature proposal",
			method: "POST", path: "/api/v1/events/" + ev.ID + "/resolution/propose",
			body:       api.ResolutionRequest{UserID: "oracle", OutcomeID: model.OutcomeYes},
			wantStatus: http.StatusConflict, wantKind: "conflict",
		},
	}
	for _, tc := range cases {
		w := doJSON(t, router, tc.method, tc.path, tc.body)
		if w.Code != tc.wantStatus {
			t.Errorf("%s: expected status %d, got %d (%s)", tc.name, tc.wantStatus, w.Code, w.Body.String())
			continue
		}
		var env struct {
			Kind string `json:"kind"`
		}
		json.Unmarshal(w.Body.Bytes(), &env)
		if env.Kind != tc.wantKind {
			t.Errorf("%s: expected kind %q, got %q", tc.name, tc.wantKind, env.Kind)
		}
	}
}
