// Package model defines the core domain types shared across the clearing
// engine. All monetary values use shopspring/decimal, never float64, for
// money. Prices live on the 0–100 binary settlement scale.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is one asset's collateral split inside a margin account.
// Free is withdrawable; Locked is reserved against open positions and
// outstanding transfer proofs. Neither is ever negative.
type Balance struct {
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total returns free + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// MarginAccount holds a user's collateral across settlement assets.
// Created implicitly on first deposit; never deleted.
type MarginAccount struct {
	Owner    string             `json:"owner"`
	Balances map[string]Balance `json:"balances"` // asset → balance
}

// NewMarginAccount returns an empty account for owner.
func NewMarginAccount(owner string) *MarginAccount {
	return &MarginAccount{Owner: owner, Balances: make(map[string]Balance)}
}

// Balance returns the balance for asset, zero-valued if the asset has
// never been touched.
func (a *MarginAccount) Balance(asset string) Balance {
	return a.Balances[asset]
}

// Credit adds amount to the free balance for asset.
func (a *MarginAccount) Credit(asset string, amount decimal.Decimal) {
	b := a.Balances[asset]
	b.Free = b.Free.Add(amount)
	a.Balances[asset] = b
}

// Debit removes amount from the free balance for asset. The caller must
// have verified sufficiency; Debit does not re-check.
func (a *MarginAccount) Debit(asset string, amount decimal.Decimal) {
	b := a.Balances[asset]
	b.Free = b.Free.Sub(amount)
	a.Balances[asset] = b
}

// Lock moves amount from free to locked for asset. A negative amount
// releases locked collateral back to free.
func (a *MarginAccount) Lock(asset string, amount decimal.Decimal) {
	b := a.Balances[asset]
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	a.Balances[asset] = b
}

// Unlock releases amount from locked to free for asset.
func (a *MarginAccount) Unlock(asset string, amount decimal.Decimal) {
	a.Lock(asset, amount.Neg())
}

// Position is a user's net exposure in one series. NetQty is signed:
// positive = long/YES, negative = short/NO. CostBasis is the signed net
// premium committed at trade time (buys add qty×price, sells subtract);
// per series the cost bases of all users sum to zero, as do the net
// quantities plus any exposure held in outstanding transfer proofs.
type Position struct {
	SeriesID  string          `json:"series_id"`
	User      string          `json:"user"`
	Asset     string          `json:"asset"` // settlement asset, copied from the series
	NetQty    decimal.Decimal `json:"net_qty"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Locked    decimal.Decimal `json:"locked"` // margin reserved against this position
	UpdatedAt time.Time       `json:"updated_at"`
}

// Series is registry-owned reference data. The clearing engine never
// writes it; it validates trades and computes settlement against it.
type Series struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	ExpiryAt        time.Time `json:"expiry_at"`
	SettlementAsset string    `json:"settlement_asset"`
	PayoffType      string    `json:"payoff_type"` // "binary"
	OracleSource    string    `json:"oracle_source"`
}

// Expired reports whether the series has passed its expiry at now.
func (s *Series) Expired(now time.Time) bool {
	return !now.Before(s.ExpiryAt)
}

// Outcome is the resolved result of a series.
type Outcome string

const (
	OutcomeYes      Outcome = "YES"
	OutcomeNo       Outcome = "NO"
	OutcomeCanceled Outcome = "CANCELED"
)

// Settlement records a series' one-time resolution.
type Settlement struct {
	SeriesID  string          `json:"series_id"`
	Outcome   Outcome         `json:"outcome"`
	Price     decimal.Decimal `json:"price"` // 100 for YES, 0 for NO; unused for CANCELED
	SettledBy string          `json:"settled_by"`
	SettledAt time.Time       `json:"settled_at"`
}

// MatchedTrade is the transient input to trade submission: a buyer/seller
// pair already matched off-engine. TradeID is the idempotency key.
type MatchedTrade struct {
	TradeID  string          `json:"trade_id"`
	SeriesID string          `json:"series_id"`
	Buyer    string          `json:"buyer"`
	Seller   string          `json:"seller"`
	Qty      decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
}

// TradeRecord is the persisted result of a cleared trade, kept so replays
// of the same trade_id return the original result without reapplying.
type TradeRecord struct {
	TradeID   string          `json:"trade_id"`
	SeriesID  string          `json:"series_id"`
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	ClearedAt time.Time       `json:"cleared_at"`
}

// ProofState is the lifecycle state of a PositionProof.
type ProofState string

const (
	// ProofIssued means the proof is live and can be accepted once.
	ProofIssued ProofState = "issued"
	// ProofConsumed means the proof was accepted. Terminal.
	ProofConsumed ProofState = "consumed"
	// ProofVoided means the series settled before the proof was accepted;
	// the frozen exposure was returned to the issuer. Terminal.
	ProofVoided ProofState = "voided"
)

// PositionProof is a frozen slice of a position eligible for one-time
// transfer. Qty and CostBasis are the signed exposure and premium moved
// out of the issuer's active position; Reserved is the margin held in the
// issuer's account on the frozen slice until the proof resolves.
type PositionProof struct {
	Nonce     string          `json:"nonce"`
	SeriesID  string          `json:"series_id"`
	Issuer    string          `json:"issuer"`
	Asset     string          `json:"asset"`
	Qty       decimal.Decimal `json:"qty"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Reserved  decimal.Decimal `json:"reserved"`
	State     ProofState      `json:"state"`
	IssuedAt  time.Time       `json:"issued_at"`
}
