package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/api"
	"github.com/loopfarm/farm-engine/internal/asset"
	"github.com/loopfarm/farm-engine/internal/engine"
	"github.com/loopfarm/farm-engine/internal/flashloan"
	"github.com/loopfarm/farm-engine/internal/ledger"
	"github.com/loopfarm/farm-engine/internal/model"
	"github.com/loopfarm/farm-engine/internal/moneymarket"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires a funded engine behind the HTTP surface.
func newTestEnv(t *testing.T) (*moneymarket.SimMarket, chi.Router) {
	t.Helper()

	assets := asset.NewLedger()
	assets.Mint("market-pool", "DAI", d(1_000_000))
	assets.Mint("flash-pool", "DAI", d(1_000_000))
	assets.Mint("owner", "DAI", d(1000))

	market := moneymarket.NewSimMarket(assets, moneymarket.SimConfig{
		PoolAccount:      "market-pool",
		Underlying:       "DAI",
		RewardAsset:      "COMP",
		CollateralFactor: d(0.75),
	})

	lender := flashloan.NewSimLender(assets, "flash-pool", "engine", decimal.Zero, market.CurrentBlock)
	lender.Register(market)

	st := ledger.NewMemoryStore()
	eng := engine.New(engine.Config{
		Account:      "engine",
		Owner:        "owner",
		BaseAsset:    "DAI",
		RewardAsset:  "COMP",
		SafetyMargin: d(0.95),
	}, assets, moneymarket.NewAdapter(market, "engine"), lender, st, market.CurrentBlock)

	if err := eng.Fund(context.Background(), "owner", d(1000)); err != nil {
		t.Fatalf("failed to fund engine: %v", err)
	}

	svc := api.NewService(eng, st, nil, d(3))
	r := chi.NewRouter()
	r.Post("/api/v1/position/open", svc.OpenPosition)
	r.Post("/api/v1/position/close", svc.ClosePosition)
	r.Get("/api/v1/position", svc.GetPosition)
	r.Get("/api/v1/position/history", svc.GetHistory)
	r.Get("/api/v1/positions", svc.ListPositions)
	r.Get("/api/v1/positions/{positionID}", svc.GetPositionByID)

	return market, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Open endpoint tests ---

func TestOpenPosition_Created(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/position/open", api.OpenRequest{
		Principal:      d(100),
		TargetLeverage: d(3),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var pos model.Position
	if err := json.Unmarshal(w.Body.Bytes(), &pos); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if pos.Status != model.StatusOpen {
		t.Errorf("expected status open, got %s", pos.Status)
	}
	if !pos.SuppliedBalance.Equal(d(300)) {
		t.Errorf("expected supplied 300, got %s", pos.SuppliedBalance)
	}
	if !pos.BorrowedBalance.Equal(d(200)) {
		t.Errorf("expected borrowed 200, got %s", pos.BorrowedBalance)
	}
}

func TestOpenPosition_DefaultLeverageWhenOmitted(t *testing.T) {
	_, router := newTestEnv(t)

	// No target_leverage in the body: the configured default (3) applies.
	w := doJSON(t, router, "POST", "/api/v1/position/open", map[string]string{
		"principal": "100",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var pos model.Position
	if err := json.Unmarshal(w.Body.Bytes(), &pos); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !pos.TargetLeverage.Equal(d(3)) {
		t.Errorf("expected target leverage 3, got %s", pos.TargetLeverage)
	}
	if !pos.SuppliedBalance.Equal(d(300)) {
		t.Errorf("expected supplied 300, got %s", pos.SuppliedBalance)
	}
}

func TestOpenPosition_InvalidBody(t *testing.T) {
	_, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/position/open", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestOpenPosition_InvalidLeverage(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/position/open", api.OpenRequest{
		Principal:      d(100),
		TargetLeverage: d(0.5),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOpenPosition_AlreadyOpenConflicts(t *testing.T) {
	_, router := newTestEnv(t)

	req := api.OpenRequest{Principal: d(100), TargetLeverage: d(2)}
	if w := doJSON(t, router, "POST", "/api/v1/position/open", req); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, router, "POST", "/api/v1/position/open", req); w.Code != http.StatusConflict {
		t.Errorf("expected 409 on second open, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOpenPosition_MarketPausedUnprocessable(t *testing.T) {
	market, router := newTestEnv(t)
	market.SetPaused(true)

	w := doJSON(t, router, "POST", "/api/v1/position/open", api.OpenRequest{
		Principal:      d(100),
		TargetLeverage: d(3),
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Close endpoint tests ---

func TestClosePosition_FullClose(t *testing.T) {
	_, router := newTestEnv(t)

	doJSON(t, router, "POST", "/api/v1/position/open", api.OpenRequest{
		Principal:      d(100),
		TargetLeverage: d(3),
	})

	w := doJSON(t, router, "POST", "/api/v1/position/close", api.CloseRequest{Amount: d(300)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.CloseResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Position.Status != model.StatusClosed {
		t.Errorf("expected status closed, got %s", resp.Position.Status)
	}
	if !resp.Settlement.Released.Equal(d(100)) {
		t.Errorf("expected released 100, got %s", resp.Settlement.Released)
	}
}

func TestClosePosition_PartialClose(t *testing.T) {
	_, router := newTestEnv(t)

	doJSON(t, router, "POST", "/api/v1/position/open", api.OpenRequest{
		Principal:      d(100),
		TargetLeverage: d(2),
	})

	w := doJSON(t, router, "POST", "/api/v1/position/close", api.CloseRequest{Amount: d(50)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.CloseResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Position.Status != model.StatusOpen {
		t.Errorf("expected status open, got %s", resp.Position.Status)
	}
	if !resp.Settlement.Released.Equal(d(25)) {
		t.Errorf("expected released 25, got %s", resp.Settlement.Released)
	}
}

func TestClosePosition_WithoutOpenConflicts(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/position/close", api.CloseRequest{Amount: d(100)})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestClosePosition_ExceedsSuppliedConflicts(t *testing.T) {
	_, router := newTestEnv(t)

	doJSON(t, router, "POST", "/api/v1/position/open", api.OpenRequest{
		Principal:      d(100),
		TargetLeverage: d(2),
	})

	w := doJSON(t, router, "POST", "/api/v1/position/close", api.CloseRequest{Amount: d(500)})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Read endpoint tests ---

func TestGetPosition_ReturnsCurrentState(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/position", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var pos model.Position
	if err := json.Unmarshal(w.Body.Bytes(), &pos); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if pos.Status != model.StatusEmpty {
		t.Errorf("expected status empty, got %s", pos.Status)
	}
}

func TestGetHistory_ListsLoopEntries(t *testing.T) {
	_, router := newTestEnv(t)

	doJSON(t, router, "POST", "/api/v1/position/open", api.OpenRequest{
		Principal:      d(100),
		TargetLeverage: d(3),
	})

	w := doJSON(t, router, "GET", "/api/v1/position/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var entries []model.LedgerEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Funding plus the four loop legs.
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].Op != model.OpFund {
		t.Errorf("expected first entry %s, got %s", model.OpFund, entries[0].Op)
	}
	if entries[1].Op != model.OpFlashLoan {
		t.Errorf("expected second entry %s, got %s", model.OpFlashLoan, entries[1].Op)
	}
}

func TestListPositions_ShowsRecordedPosition(t *testing.T) {
	_, router := newTestEnv(t)

	doJSON(t, router, "POST", "/api/v1/position/open", api.OpenRequest{
		Principal:      d(100),
		TargetLeverage: d(2),
	})

	w := doJSON(t, router, "GET", "/api/v1/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var positions []model.Position
	if err := json.Unmarshal(w.Body.Bytes(), &positions); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].Status != model.StatusOpen {
		t.Errorf("expected status open, got %s", positions[0].Status)
	}
}

func TestGetPositionByID_Found(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/position/open", api.OpenRequest{
		Principal:      d(100),
		TargetLeverage: d(2),
	})
	var opened model.Position
	if err := json.Unmarshal(w.Body.Bytes(), &opened); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	w = doJSON(t, router, "GET", "/api/v1/positions/"+opened.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var pos model.Position
	if err := json.Unmarshal(w.Body.Bytes(), &pos); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if pos.ID != opened.ID {
		t.Errorf("expected id %s, got %s", opened.ID, pos.ID)
	}
}

func TestGetPositionByID_NotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/positions/no-such-id", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetHistory_ReturnsJSONArray(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/position/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) == "null" {
		t.Error("expected a JSON array, got null")
	}
}
