package clearing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/openmarkets/clearing-engine/internal/model"
	"github.com/openmarkets/clearing-engine/internal/registry"
)

type httpEnv struct {
	*testEnv
	server *httptest.Server
}

func newHTTPEnv(t *testing.T) *httpEnv {
	t.Helper()
	env := newTestEnv(t)

	svc := NewService(env.engine, authority, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", func(api chi.Router) {
		svc.Routes(api)
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &httpEnv{testEnv: env, server: ts}
}

// do sends a JSON request with the given principal and decodes the
// response body into out (if non-nil).
func (env *httpEnv) do(t *testing.T, method, path, principal string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}

	req, err := http.NewRequest(method, env.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response from %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func TestHTTP_DepositReturnsAccount(t *testing.T) {
	env := newHTTPEnv(t)

	var acct model.MarginAccount
	status := env.do(t, http.MethodPost, "/api/v1/accounts/deposit", "alice",
		CollateralRequest{Asset: asset, Amount: d(500)}, &acct)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !acct.Balance(asset).Free.Equal(d(500)) {
		t.Errorf("expected free 500, got %s", acct.Balance(asset).Free)
	}
}

func TestHTTP_AccountReadScoped(t *testing.T) {
	env := newHTTPEnv(t)
	env.deposit(t, "alice", 500)

	cases := []struct {
		caller string
		want   int
	}{
		{"alice", http.StatusOK},
		{authority, http.StatusOK},
		{"mallory", http.StatusForbidden},
		{"", http.StatusForbidden},
	}
	for _, tc := range cases {
		if status := env.do(t, http.MethodGet, "/api/v1/accounts/alice", tc.caller, nil, nil); status != tc.want {
			t.Errorf("caller %q: expected %d, got %d", tc.caller, tc.want, status)
		}
	}
}

func TestHTTP_WithdrawInsufficient(t *testing.T) {
	env := newHTTPEnv(t)
	env.deposit(t, "alice", 100)

	var body errorBody
	status := env.do(t, http.MethodPost, "/api/v1/accounts/withdraw", "alice",
		CollateralRequest{Asset: asset, Amount: d(150)}, &body)
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	if body.Error != "insufficient_funds" {
		t.Errorf("expected code insufficient_funds, got %q", body.Error)
	}
}

func TestHTTP_TradeLifecycle(t *testing.T) {
	env := newHTTPEnv(t)
	env.seedSeries(t, "s1")
	env.deposit(t, "alice", 1000)
	env.deposit(t, "bob", 1000)

	req := TradeRequest{TradeID: "t1", SeriesID: "s1", Buyer: "alice", Seller: "bob", Qty: d(10), Price: d(37)}

	var resp TradeResponse
	if status := env.do(t, http.MethodPost, "/api/v1/trades", "alice", req, &resp); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !resp.Accepted || resp.TradeID != "t1" {
		t.Errorf("unexpected response: %+v", resp)
	}

	// Replay with identical terms is fine.
	if status := env.do(t, http.MethodPost, "/api/v1/trades", "bob", req, nil); status != http.StatusOK {
		t.Errorf("replay: expected 200, got %d", status)
	}

	// Same id, different terms.
	conflicting := req
	conflicting.Qty = d(20)
	var body errorBody
	if status := env.do(t, http.MethodPost, "/api/v1/trades", "alice", conflicting, &body); status != http.StatusConflict {
		t.Errorf("conflicting replay: expected 409, got %d", status)
	}
	if body.Error != "duplicate_trade" {
		t.Errorf("expected code duplicate_trade, got %q", body.Error)
	}

	// A third party cannot submit someone else's trade.
	other := req
	other.TradeID = "t2"
	if status := env.do(t, http.MethodPost, "/api/v1/trades", "mallory", other, nil); status != http.StatusForbidden {
		t.Errorf("third party: expected 403, got %d", status)
	}
}

func TestHTTP_TradeValidation(t *testing.T) {
	env := newHTTPEnv(t)
	env.seedSeries(t, "s1")

	var body errorBody
	status := env.do(t, http.MethodPost, "/api/v1/trades", "alice",
		TradeRequest{TradeID: "t1", SeriesID: "s1", Buyer: "alice", Seller: "bob", Qty: d(10), Price: d(250)}, &body)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if body.Error != "invalid_input" {
		t.Errorf("expected code invalid_input, got %q", body.Error)
	}

	if status := env.do(t, http.MethodPost, "/api/v1/trades", "alice",
		TradeRequest{TradeID: "t2", SeriesID: "missing", Buyer: "alice", Seller: "bob", Qty: d(1), Price: d(50)}, nil); status != http.StatusNotFound {
		t.Errorf("unknown series: expected 404, got %d", status)
	}
}

func TestHTTP_SettleRequestParsing(t *testing.T) {
	env := newHTTPEnv(t)
	env.seedSeries(t, "s1")
	env.deposit(t, "alice", 1000)
	env.deposit(t, "bob", 1000)
	env.trade(t, "t1", "s1", "alice", "bob", 10, 37)

	price50 := d(50)
	price100 := d(100)

	// Malformed settlement requests never reach the engine.
	for name, req := range map[string]SettleRequest{
		"no price or outcome": {},
		"price not 0 or 100":  {SettlementPrice: &price50},
		"canceled with price": {Outcome: "CANCELED", SettlementPrice: &price100},
		"unknown outcome":     {Outcome: "MAYBE"},
	} {
		if status := env.do(t, http.MethodPost, "/api/v1/series/s1/settle", authority, req, nil); status != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, status)
		}
	}

	// A well-formed settlement by a non-authority is forbidden.
	if status := env.do(t, http.MethodPost, "/api/v1/series/s1/settle", "alice",
		SettleRequest{SettlementPrice: &price100}, nil); status != http.StatusForbidden {
		t.Errorf("non-authority: expected 403, got %d", status)
	}

	// Before expiry the authority is rejected with a conflict.
	var body errorBody
	if status := env.do(t, http.MethodPost, "/api/v1/series/s1/settle", authority,
		SettleRequest{SettlementPrice: &price100}, &body); status != http.StatusConflict {
		t.Errorf("before expiry: expected 409, got %d", status)
	}
	if body.Error != "series_not_expired" {
		t.Errorf("expected code series_not_expired, got %q", body.Error)
	}

	env.expire()

	if status := env.do(t, http.MethodPost, "/api/v1/series/s1/settle", authority,
		SettleRequest{SettlementPrice: &price100}, nil); status != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d", status)
	}

	body = errorBody{}
	if status := env.do(t, http.MethodPost, "/api/v1/series/s1/settle", authority,
		SettleRequest{SettlementPrice: &price100}, &body); status != http.StatusConflict {
		t.Errorf("resettle: expected 409, got %d", status)
	}
	if body.Error != "already_settled" {
		t.Errorf("expected code already_settled, got %q", body.Error)
	}
}

func TestHTTP_TransferLifecycle(t *testing.T) {
	env := newHTTPEnv(t)
	env.seedSeries(t, "s1")
	env.deposit(t, "alice", 1000)
	env.deposit(t, "bob", 1000)
	env.deposit(t, "carol", 500)
	env.trade(t, "t1", "s1", "alice", "bob", 10, 37)

	var proof model.PositionProof
	status := env.do(t, http.MethodPost, "/api/v1/transfers/freeze", "alice",
		FreezeRequest{SeriesID: "s1", Qty: d(5)}, &proof)
	if status != http.StatusOK {
		t.Fatalf("freeze: expected 200, got %d", status)
	}
	if proof.Nonce == "" || !proof.Qty.Equal(d(5)) {
		t.Fatalf("unexpected proof: %+v", proof)
	}

	var resp AcceptResponse
	if status := env.do(t, http.MethodPost, "/api/v1/transfers/accept", "carol",
		AcceptRequest{Nonce: proof.Nonce}, &resp); status != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d", status)
	}
	if !resp.Accepted {
		t.Error("accept response not accepted")
	}

	var body errorBody
	if status := env.do(t, http.MethodPost, "/api/v1/transfers/accept", "carol",
		AcceptRequest{Nonce: proof.Nonce}, &body); status != http.StatusConflict {
		t.Errorf("re-accept: expected 409, got %d", status)
	}
	if body.Error != "invalid_proof" {
		t.Errorf("expected code invalid_proof, got %q", body.Error)
	}

	// Only the owner (or the authority) may freeze.
	if status := env.do(t, http.MethodPost, "/api/v1/transfers/freeze", "mallory",
		FreezeRequest{SeriesID: "s1", User: "alice", Qty: d(2)}, nil); status != http.StatusForbidden {
		t.Errorf("freeze by stranger: expected 403, got %d", status)
	}
}

func TestHTTP_PositionReads(t *testing.T) {
	env := newHTTPEnv(t)
	env.seedSeries(t, "s1")
	env.deposit(t, "alice", 1000)
	env.deposit(t, "bob", 1000)
	env.trade(t, "t1", "s1", "alice", "bob", 10, 37)

	var pos model.Position
	if status := env.do(t, http.MethodGet, "/api/v1/series/s1/positions/alice", "alice", nil, &pos); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !pos.NetQty.Equal(d(10)) {
		t.Errorf("expected net qty 10, got %s", pos.NetQty)
	}

	if status := env.do(t, http.MethodGet, "/api/v1/series/s1/positions/alice", "bob", nil, nil); status != http.StatusForbidden {
		t.Errorf("other user's position: expected 403, got %d", status)
	}
	if status := env.do(t, http.MethodGet, "/api/v1/series/s1/positions/carol", "carol", nil, nil); status != http.StatusNotFound {
		t.Errorf("never traded: expected 404, got %d", status)
	}

	var positions []model.Position
	if status := env.do(t, http.MethodGet, "/api/v1/positions", "alice", nil, &positions); status != http.StatusOK {
		t.Fatalf("positions list: expected 200, got %d", status)
	}
	if len(positions) != 1 {
		t.Errorf("expected 1 position, got %d", len(positions))
	}
}

func TestHTTP_SeriesReads(t *testing.T) {
	env := newHTTPEnv(t)
	env.seedSeries(t, "s1")

	var series model.Series
	if status := env.do(t, http.MethodGet, "/api/v1/series/s1", "alice", nil, &series); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if series.ID != "s1" {
		t.Errorf("expected series s1, got %q", series.ID)
	}

	var body errorBody
	if status := env.do(t, http.MethodGet, "/api/v1/series/missing", "alice", nil, &body); status != http.StatusNotFound {
		t.Errorf("unknown series: expected 404, got %d", status)
	}
	if body.Error != "series_not_found" {
		t.Errorf("expected code series_not_found, got %q", body.Error)
	}

	var list []model.Series
	if status := env.do(t, http.MethodGet, "/api/v1/series", "alice", nil, &list); status != http.StatusOK {
		t.Fatalf("series list: expected 200, got %d", status)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 series, got %d", len(list))
	}
}

// downRegistry simulates an unreachable series registry.
type downRegistry struct{}

func (downRegistry) GetSeries(context.Context, string) (*model.Series, error) {
	return nil, fmt.Errorf("%w: connection refused", registry.ErrUnavailable)
}

func (downRegistry) ListSeries(context.Context) ([]model.Series, error) {
	return nil, fmt.Errorf("%w: connection refused", registry.ErrUnavailable)
}

func TestHTTP_RegistryDownIsRetryable(t *testing.T) {
	env := newHTTPEnv(t)
	env.engine.registry = downRegistry{}
	env.deposit(t, "alice", 1000)
	env.deposit(t, "bob", 1000)

	var body errorBody
	status := env.do(t, http.MethodPost, "/api/v1/trades", "alice",
		TradeRequest{TradeID: "t1", SeriesID: "s1", Buyer: "alice", Seller: "bob", Qty: d(10), Price: d(37)}, &body)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	if body.Error != "registry_unavailable" {
		t.Errorf("expected code registry_unavailable, got %q", body.Error)
	}

	if status := env.do(t, http.MethodGet, "/api/v1/series", "alice", nil, nil); status != http.StatusServiceUnavailable {
		t.Errorf("series list: expected 503, got %d", status)
	}
}
