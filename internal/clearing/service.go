package clearing

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/openmarkets/clearing-engine/internal/metrics"
	"github.com/openmarkets/clearing-engine/internal/model"
	"github.com/openmarkets/clearing-engine/internal/registry"
)

// PrincipalHeader carries the authenticated caller identity asserted by
// the transport layer. The engine trusts it per the deployment contract:
// an authenticating proxy terminates the session in front of this
// service.
const PrincipalHeader = "X-Principal"

// Service exposes the clearing engine over HTTP.
type Service struct {
	engine    *Engine
	authority string
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates an HTTP service around an engine. Pass nil for hub
// if WebSocket broadcasting is not needed. authority may additionally
// read any account.
func NewService(engine *Engine, authority string, hub *WSHub) *Service {
	return &Service{engine: engine, authority: authority, wsHub: hub}
}

// Routes registers the service's handlers under /api/v1 on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts/deposit", s.Deposit)
	r.Post("/accounts/withdraw", s.Withdraw)
	r.Get("/accounts/{user}", s.GetMarginAccount)
	r.Get("/positions", s.GetPositions)
	r.Get("/series", s.ListSeries)
	r.Get("/series/{seriesID}", s.GetSeries)
	r.Get("/series/{seriesID}/positions/{user}", s.GetPosition)
	r.Post("/series/{seriesID}/settle", s.SettleSeries)
	r.Post("/trades", s.SubmitTrade)
	r.Post("/transfers/freeze", s.FreezePosition)
	r.Post("/transfers/accept", s.AcceptTransfer)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

func principal(r *http.Request) string {
	return r.Header.Get(PrincipalHeader)
}

// --- Request/Response types ---

// CollateralRequest is the JSON body for deposits and withdrawals.
type CollateralRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// TradeRequest is the JSON body for POST /trades.
type TradeRequest struct {
	TradeID  string          `json:"trade_id"`
	SeriesID string          `json:"series_id"`
	Buyer    string          `json:"buyer"`
	Seller   string          `json:"seller"`
	Qty      decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
}

// TradeResponse is returned from POST /trades.
type TradeResponse struct {
	Accepted bool   `json:"accepted"`
	TradeID  string `json:"trade_id"`
}

// SettleRequest is the JSON body for POST /series/{seriesID}/settle.
// Either a binary settlement price (0 or 100) or the explicit CANCELED
// outcome; CANCELED has no settlement price.
type SettleRequest struct {
	SettlementPrice *decimal.Decimal `json:"settlement_price,omitempty"`
	Outcome         string           `json:"outcome,omitempty"`
}

// FreezeRequest is the JSON body for POST /transfers/freeze.
type FreezeRequest struct {
	SeriesID string          `json:"series_id"`
	User     string          `json:"user,omitempty"` // defaults to the caller
	Qty      decimal.Decimal `json:"qty"`
}

// AcceptRequest is the JSON body for POST /transfers/accept.
type AcceptRequest struct {
	Nonce string `json:"nonce"`
}

// AcceptResponse is returned from POST /transfers/accept.
type AcceptResponse struct {
	Accepted bool `json:"accepted"`
}

// --- Handlers ---

// Deposit handles POST /api/v1/accounts/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	user := principal(r)
	if err := s.engine.Deposit(r.Context(), user, req.Asset, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.Deposits.WithLabelValues(req.Asset).Inc()

	s.respondAccount(w, r, user)
}

// Withdraw handles POST /api/v1/accounts/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	user := principal(r)
	if err := s.engine.Withdraw(r.Context(), user, req.Asset, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.Withdrawals.WithLabelValues(req.Asset).Inc()

	s.respondAccount(w, r, user)
}

// GetMarginAccount handles GET /api/v1/accounts/{user}?refresh=true
func (s *Service) GetMarginAccount(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	caller := principal(r)
	if caller != user && caller != s.authority {
		writeError(w, http.StatusForbidden, "not_authorized", "cannot read another account")
		return
	}

	refresh := r.URL.Query().Get("refresh") == "true"
	acct, err := s.engine.MarginAccount(r.Context(), user, refresh)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, acct)
}

// GetPositions handles GET /api/v1/positions, scoped to the caller.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Positions(r.Context(), principal(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/series/{seriesID}/positions/{user}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	seriesID := chi.URLParam(r, "seriesID")
	user := chi.URLParam(r, "user")

	caller := principal(r)
	if caller != user && caller != s.authority {
		writeError(w, http.StatusForbidden, "not_authorized", "cannot read another position")
		return
	}

	pos, err := s.engine.Position(r.Context(), seriesID, user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if pos == nil {
		writeError(w, http.StatusNotFound, "position_not_found", "no position for series "+seriesID)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListSeries handles GET /api/v1/series as a registry pass-through.
func (s *Service) ListSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.engine.ListSeries(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if series == nil {
		series = []model.Series{}
	}
	writeJSON(w, http.StatusOK, series)
}

// GetSeries handles GET /api/v1/series/{seriesID} as a registry pass-through.
func (s *Service) GetSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.engine.Series(r.Context(), chi.URLParam(r, "seriesID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// SubmitTrade handles POST /api/v1/trades
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	trade := model.MatchedTrade{
		TradeID:  req.TradeID,
		SeriesID: req.SeriesID,
		Buyer:    req.Buyer,
		Seller:   req.Seller,
		Qty:      req.Qty,
		Price:    req.Price,
	}

	accepted, err := s.engine.SubmitMatchedTrade(r.Context(), principal(r), trade)
	if err != nil {
		_, code := statusFor(err)
		metrics.TradesRejected.WithLabelValues(code).Inc()
		writeEngineError(w, err)
		return
	}
	metrics.TradesCleared.Inc()

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     EventTradeCleared,
			SeriesID: req.SeriesID,
			TradeID:  req.TradeID,
			Buyer:    req.Buyer,
			Seller:   req.Seller,
			Qty:      req.Qty.String(),
			Price:    req.Price.String(),
		})
	}

	writeJSON(w, http.StatusOK, TradeResponse{Accepted: accepted, TradeID: req.TradeID})
}

// SettleSeries handles POST /api/v1/series/{seriesID}/settle
func (s *Service) SettleSeries(w http.ResponseWriter, r *http.Request) {
	seriesID := chi.URLParam(r, "seriesID")

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	outcome, ok := settleOutcome(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input",
			"settlement requires price 0 or 100, or outcome CANCELED")
		return
	}

	if err := s.engine.SettleSeries(r.Context(), principal(r), seriesID, outcome); err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.Settlements.WithLabelValues(string(outcome)).Inc()

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     EventSeriesSettled,
			SeriesID: seriesID,
			Outcome:  string(outcome),
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"series_id": seriesID, "outcome": string(outcome)})
}

// settleOutcome maps the request to a binary outcome: price 100 → YES,
// price 0 → NO, or the explicit CANCELED path.
func settleOutcome(req SettleRequest) (model.Outcome, bool) {
	if req.Outcome == string(model.OutcomeCanceled) {
		return model.OutcomeCanceled, req.SettlementPrice == nil
	}
	if req.Outcome != "" || req.SettlementPrice == nil {
		return "", false
	}
	switch {
	case req.SettlementPrice.Equal(decimal.NewFromInt(100)):
		return model.OutcomeYes, true
	case req.SettlementPrice.IsZero():
		return model.OutcomeNo, true
	}
	return "", false
}

// FreezePosition handles POST /api/v1/transfers/freeze
func (s *Service) FreezePosition(w http.ResponseWriter, r *http.Request) {
	var req FreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	caller := principal(r)
	user := req.User
	if user == "" {
		user = caller
	}

	proof, err := s.engine.FreezePosition(r.Context(), caller, req.SeriesID, user, req.Qty)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.ProofsIssued.Inc()

	writeJSON(w, http.StatusOK, proof)
}

// AcceptTransfer handles POST /api/v1/transfers/accept
func (s *Service) AcceptTransfer(w http.ResponseWriter, r *http.Request) {
	var req AcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	caller := principal(r)
	accepted, err := s.engine.AcceptTransfer(r.Context(), caller, req.Nonce)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.ProofsResolved.WithLabelValues(string(model.ProofConsumed)).Inc()

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     EventPositionTransferred,
			Acceptor: caller,
		})
	}

	writeJSON(w, http.StatusOK, AcceptResponse{Accepted: accepted})
}

func (s *Service) respondAccount(w http.ResponseWriter, r *http.Request, user string) {
	acct, err := s.engine.MarginAccount(r.Context(), user, false)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// --- Error mapping ---

// statusFor maps engine errors to HTTP status codes and machine-readable
// reason codes. Transient infrastructure failures map to 503 so callers
// can retry them; definitive rejections map to 4xx/409.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, ErrSeriesNotFound):
		return http.StatusNotFound, "series_not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, ErrMarginInsufficient):
		return http.StatusConflict, "margin_insufficient"
	case errors.Is(err, ErrInsufficientPosition):
		return http.StatusConflict, "insufficient_position"
	case errors.Is(err, ErrSeriesExpired):
		return http.StatusConflict, "series_expired"
	case errors.Is(err, ErrSeriesNotExpired):
		return http.StatusConflict, "series_not_expired"
	case errors.Is(err, ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, ErrDuplicateTrade):
		return http.StatusConflict, "duplicate_trade"
	case errors.Is(err, ErrInvalidProof):
		return http.StatusConflict, "invalid_proof"
	case errors.Is(err, registry.ErrUnavailable):
		return http.StatusServiceUnavailable, "registry_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func writeEngineError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeError(w, status, code, err.Error())
}

// writeError writes a JSON error response with a machine-readable code
// and a human-readable detail carrying the offending operands.
func writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
