// Package clearing implements the margin clearing engine: the system of
// record for collateral, matched trades, net positions, settlement and
// position transfers. The HTTP handlers exposing it live in service.go.
//
// All monetary values use shopspring/decimal; never float64 for money.
package clearing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openmarkets/clearing-engine/internal/locking"
	"github.com/openmarkets/clearing-engine/internal/margin"
	"github.com/openmarkets/clearing-engine/internal/metrics"
	"github.com/openmarkets/clearing-engine/internal/model"
	"github.com/openmarkets/clearing-engine/internal/registry"
	"github.com/openmarkets/clearing-engine/internal/store"
)

// settleRetries bounds the optimistic holder-set loop in SettleSeries.
const settleRetries = 5

// Engine executes clearing operations as serializable transactions over
// the shared ledger state. Every mutating operation acquires the keyed
// locks of each margin account and series it touches, validates against
// committed state, and commits through a single atomic store mutation.
// Single-instance: the keyed locks are in-process, like the rest of the
// engine's serialization.
type Engine struct {
	store     store.Store // primary: every locked read-modify-write goes here
	queries   store.Store // unlocked snapshot reads; may be cache-backed
	registry  registry.Registry
	locks     *locking.KeyedMutex
	authority string // principal allowed to settle series
	now       func() time.Time
}

// NewEngine creates a clearing engine over the primary store. authority
// is the principal trusted to submit oracle-attested settlements.
func NewEngine(st store.Store, reg registry.Registry, authority string) *Engine {
	return &Engine{
		store:     st,
		queries:   st,
		registry:  reg,
		locks:     locking.NewKeyedMutex(),
		authority: authority,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UseQueryStore routes the engine's unlocked snapshot reads (account and
// position queries without refresh) through st, typically a cache-backed
// store. Mutating operations keep reading the primary store: a cache
// entry repopulated by a racing unlocked reader can outlive the writer's
// invalidation until TTL, and feeding that stale snapshot into a locked
// read-modify-write would overwrite committed state.
func (e *Engine) UseQueryStore(st store.Store) {
	e.queries = st
}

// lookupSeries fetches series reference data, translating registry errors
// into the clearing taxonomy. Transient registry failures pass through
// unchanged so callers can distinguish them from definitive rejections.
func (e *Engine) lookupSeries(ctx context.Context, seriesID string) (*model.Series, error) {
	s, err := e.registry.GetSeries(ctx, seriesID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSeriesNotFound, seriesID)
		}
		return nil, err
	}
	return s, nil
}

// Deposit credits amount of asset to the user's free balance, creating
// the account on first use. Deposits never fail for insufficiency.
func (e *Engine) Deposit(ctx context.Context, user, asset string, amount decimal.Decimal) error {
	if user == "" || asset == "" {
		return fmt.Errorf("%w: user and asset are required", ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit amount must be positive, got %s", ErrInvalidInput, amount)
	}

	unlock := e.locks.Lock(locking.AccountKey(user))
	defer unlock()

	acct, err := e.store.GetAccount(ctx, user)
	if err != nil {
		return err
	}
	acct.Credit(asset, amount)

	if err := e.store.Apply(ctx, store.Mutation{Accounts: []*model.MarginAccount{acct}}); err != nil {
		return err
	}

	slog.Info("collateral deposited", "user", user, "asset", asset, "amount", amount.String())
	return nil
}

// Withdraw debits amount of asset from the user's free balance. Collateral
// locked against open positions is never withdrawable.
func (e *Engine) Withdraw(ctx context.Context, user, asset string, amount decimal.Decimal) error {
	if user == "" || asset == "" {
		return fmt.Errorf("%w: user and asset are required", ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: withdrawal amount must be positive, got %s", ErrInvalidInput, amount)
	}

	unlock := e.locks.Lock(locking.AccountKey(user))
	defer unlock()

	acct, err := e.store.GetAccount(ctx, user)
	if err != nil {
		return err
	}

	free := acct.Balance(asset).Free
	if amount.GreaterThan(free) {
		return fmt.Errorf("%w: requested %s %s, free %s", ErrInsufficientFunds, amount, asset, free)
	}
	acct.Debit(asset, amount)

	if err := e.store.Apply(ctx, store.Mutation{Accounts: []*model.MarginAccount{acct}}); err != nil {
		return err
	}

	slog.Info("collateral withdrawn", "user", user, "asset", asset, "amount", amount.String())
	return nil
}

// SubmitMatchedTrade validates and applies an externally matched trade:
// buyer's net position gains qty, seller's loses qty, and both sides'
// margin adjusts to the worst-case loss of their new net position.
// trade_id is an idempotency key: resubmitting an applied trade returns
// the original result without reapplying.
func (e *Engine) SubmitMatchedTrade(ctx context.Context, caller string, t model.MatchedTrade) (bool, error) {
	if t.TradeID == "" || t.SeriesID == "" || t.Buyer == "" || t.Seller == "" {
		return false, fmt.Errorf("%w: trade_id, series_id, buyer and seller are required", ErrInvalidInput)
	}
	if t.Buyer == t.Seller {
		return false, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidInput)
	}
	if !t.Qty.IsPositive() {
		return false, fmt.Errorf("%w: qty must be positive, got %s", ErrInvalidInput, t.Qty)
	}
	if err := margin.ValidatePrice(t.Price); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if caller != t.Buyer && caller != t.Seller && caller != e.authority {
		return false, fmt.Errorf("%w: %s is not a party to trade %s", ErrNotAuthorized, caller, t.TradeID)
	}

	series, err := e.lookupSeries(ctx, t.SeriesID)
	if err != nil {
		return false, err
	}
	if series.Expired(e.now()) {
		return false, fmt.Errorf("%w: %s expired at %s", ErrSeriesExpired, t.SeriesID, series.ExpiryAt.Format(time.RFC3339))
	}

	unlock := e.locks.Lock(
		locking.AccountKey(t.Buyer),
		locking.AccountKey(t.Seller),
		locking.SeriesKey(t.SeriesID),
	)
	defer unlock()

	// Idempotency: an already-applied trade_id replays its original result.
	// The same trade_id with a different payload is a definitive conflict.
	if prior, err := e.store.GetTrade(ctx, t.TradeID); err != nil {
		return false, err
	} else if prior != nil {
		if prior.SeriesID != t.SeriesID || prior.Buyer != t.Buyer || prior.Seller != t.Seller ||
			!prior.Qty.Equal(t.Qty) || !prior.Price.Equal(t.Price) {
			return false, fmt.Errorf("%w: %s previously applied with different terms", ErrDuplicateTrade, t.TradeID)
		}
		return true, nil
	}

	if settled, err := e.store.GetSettlement(ctx, t.SeriesID); err != nil {
		return false, err
	} else if settled != nil {
		return false, fmt.Errorf("%w: %s", ErrSeriesExpired, t.SeriesID)
	}

	buyerPos, err := e.positionOrNew(ctx, t.SeriesID, t.Buyer, series.SettlementAsset)
	if err != nil {
		return false, err
	}
	sellerPos, err := e.positionOrNew(ctx, t.SeriesID, t.Seller, series.SettlementAsset)
	if err != nil {
		return false, err
	}

	buyerAcct, err := e.store.GetAccount(ctx, t.Buyer)
	if err != nil {
		return false, err
	}
	sellerAcct, err := e.store.GetAccount(ctx, t.Seller)
	if err != nil {
		return false, err
	}

	premium := t.Qty.Mul(t.Price)

	// Margin deltas are computed against the NET position after the
	// trade, so offsetting trades release collateral.
	buyerDelta, err := e.checkMargin(buyerAcct, buyerPos,
		buyerPos.NetQty.Add(t.Qty), buyerPos.CostBasis.Add(premium))
	if err != nil {
		return false, fmt.Errorf("buyer %s: %w", t.Buyer, err)
	}
	sellerDelta, err := e.checkMargin(sellerAcct, sellerPos,
		sellerPos.NetQty.Sub(t.Qty), sellerPos.CostBasis.Sub(premium))
	if err != nil {
		return false, fmt.Errorf("seller %s: %w", t.Seller, err)
	}

	now := e.now()
	applyTradeSide(buyerAcct, buyerPos, t.Qty, premium, buyerDelta, now)
	applyTradeSide(sellerAcct, sellerPos, t.Qty.Neg(), premium.Neg(), sellerDelta, now)

	record := &model.TradeRecord{
		TradeID:   t.TradeID,
		SeriesID:  t.SeriesID,
		Buyer:     t.Buyer,
		Seller:    t.Seller,
		Qty:       t.Qty,
		Price:     t.Price,
		ClearedAt: now,
	}

	mut := store.Mutation{
		Accounts:  []*model.MarginAccount{buyerAcct, sellerAcct},
		Positions: []*model.Position{buyerPos, sellerPos},
		Trade:     record,
	}
	if err := e.store.Apply(ctx, mut); err != nil {
		return false, err
	}

	slog.Info("trade cleared",
		"trade_id", t.TradeID,
		"series", t.SeriesID,
		"buyer", t.Buyer,
		"seller", t.Seller,
		"qty", t.Qty.String(),
		"price", t.Price.String(),
	)
	return true, nil
}

// checkMargin returns the locked-margin delta the new net position
// requires, or ErrMarginInsufficient when free balance cannot cover it.
func (e *Engine) checkMargin(acct *model.MarginAccount, pos *model.Position, newNet, newCB decimal.Decimal) (decimal.Decimal, error) {
	newReq := margin.Required(newNet, newCB)
	delta := newReq.Sub(pos.Locked)

	if delta.IsPositive() {
		free := acct.Balance(pos.Asset).Free
		if delta.GreaterThan(free) {
			return decimal.Decimal{}, fmt.Errorf("%w: requires %s %s, free %s",
				ErrMarginInsufficient, delta, pos.Asset, free)
		}
	}
	return delta, nil
}

// applyTradeSide mutates one party's account and position for a signed
// fill (qtyDelta positive for the buyer, negative for the seller).
func applyTradeSide(acct *model.MarginAccount, pos *model.Position, qtyDelta, premiumDelta, lockDelta decimal.Decimal, now time.Time) {
	pos.NetQty = pos.NetQty.Add(qtyDelta)
	pos.CostBasis = pos.CostBasis.Add(premiumDelta)
	pos.Locked = pos.Locked.Add(lockDelta)
	pos.UpdatedAt = now
	acct.Lock(pos.Asset, lockDelta)
}

func (e *Engine) positionOrNew(ctx context.Context, seriesID, user, asset string) (*model.Position, error) {
	pos, err := e.store.GetPosition(ctx, seriesID, user)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &model.Position{SeriesID: seriesID, User: user, Asset: asset}
	}
	return pos, nil
}

// MarginAccount returns the user's balances. With refresh=false this is a
// fast cached snapshot; with refresh=true the locked collateral is
// re-derived per asset from the position book and outstanding transfer
// proofs, persisted, and returned as the authoritative state.
func (e *Engine) MarginAccount(ctx context.Context, user string, refresh bool) (*model.MarginAccount, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if !refresh {
		return e.queries.GetAccount(ctx, user)
	}

	unlock := e.locks.Lock(locking.AccountKey(user))
	defer unlock()

	acct, err := e.store.GetAccount(ctx, user)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.PositionsByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	proofs, err := e.store.ProofsByIssuer(ctx, user)
	if err != nil {
		return nil, err
	}

	required := make(map[string]decimal.Decimal)
	updated := make([]*model.Position, 0, len(positions))
	for i := range positions {
		p := positions[i]
		req := margin.Required(p.NetQty, p.CostBasis)
		required[p.Asset] = required[p.Asset].Add(req)
		if !req.Equal(p.Locked) {
			p.Locked = req
			p.UpdatedAt = e.now()
			updated = append(updated, &p)
		}
	}
	for _, pr := range proofs {
		if pr.State == model.ProofIssued {
			required[pr.Asset] = required[pr.Asset].Add(pr.Reserved)
		}
	}

	for asset, b := range acct.Balances {
		total := b.Total()
		locked := required[asset]
		b.Locked = locked
		b.Free = total.Sub(locked)
		acct.Balances[asset] = b
	}

	mut := store.Mutation{Accounts: []*model.MarginAccount{acct}, Positions: updated}
	if err := e.store.Apply(ctx, mut); err != nil {
		return nil, err
	}
	return acct, nil
}

// Positions returns all of the user's positions.
func (e *Engine) Positions(ctx context.Context, user string) ([]model.Position, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	return e.queries.PositionsByUser(ctx, user)
}

// Position returns the position for (seriesID, user), or nil if the pair
// has never traded.
func (e *Engine) Position(ctx context.Context, seriesID, user string) (*model.Position, error) {
	if seriesID == "" || user == "" {
		return nil, fmt.Errorf("%w: series_id and user are required", ErrInvalidInput)
	}
	return e.queries.GetPosition(ctx, seriesID, user)
}

// ListSeries passes through to the registry.
func (e *Engine) ListSeries(ctx context.Context) ([]model.Series, error) {
	return e.registry.ListSeries(ctx)
}

// Series passes a single-series read through to the registry.
func (e *Engine) Series(ctx context.Context, seriesID string) (*model.Series, error) {
	if seriesID == "" {
		return nil, fmt.Errorf("%w: series_id is required", ErrInvalidInput)
	}
	return e.lookupSeries(ctx, seriesID)
}

// SettleSeries resolves an expired series exactly once. For YES/NO every
// position is credited its P&L (netQty×price − costBasis), all margin
// reserved for the series unlocks, and every position zeroes, atomically.
// CANCELED returns all locked margin without applying any payoff.
// Outstanding transfer proofs are voided first: their frozen exposure
// folds back into the issuer's position before payoff is computed.
func (e *Engine) SettleSeries(ctx context.Context, caller, seriesID string, outcome model.Outcome) error {
	if caller != e.authority {
		return fmt.Errorf("%w: %s may not settle series", ErrNotAuthorized, caller)
	}
	if outcome != model.OutcomeYes && outcome != model.OutcomeNo && outcome != model.OutcomeCanceled {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, outcome)
	}

	series, err := e.lookupSeries(ctx, seriesID)
	if err != nil {
		return err
	}
	if !series.Expired(e.now()) {
		return fmt.Errorf("%w: %s expires at %s", ErrSeriesNotExpired, seriesID, series.ExpiryAt.Format(time.RFC3339))
	}

	// The holder set is discovered without locks, then re-verified under
	// them: a concurrent transfer acceptance could add a holder between
	// the read and the lock. Trades cannot, since the series is expired.
	for attempt := 0; attempt < settleRetries; attempt++ {
		ok, err := e.trySettle(ctx, caller, seriesID, outcome)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("settle %s: holder set kept changing", seriesID)
}

func (e *Engine) trySettle(ctx context.Context, caller, seriesID string, outcome model.Outcome) (bool, error) {
	holders, err := e.seriesHolders(ctx, seriesID)
	if err != nil {
		return false, err
	}

	keys := []string{locking.SeriesKey(seriesID)}
	for user := range holders {
		keys = append(keys, locking.AccountKey(user))
	}
	unlock := e.locks.Lock(keys...)
	defer unlock()

	if settled, err := e.store.GetSettlement(ctx, seriesID); err != nil {
		return false, err
	} else if settled != nil {
		return false, fmt.Errorf("%w: %s settled as %s at %s",
			ErrAlreadySettled, seriesID, settled.Outcome, settled.SettledAt.Format(time.RFC3339))
	}

	positions, err := e.store.PositionsBySeries(ctx, seriesID)
	if err != nil {
		return false, err
	}
	proofs, err := e.store.ProofsBySeries(ctx, seriesID)
	if err != nil {
		return false, err
	}

	// Retry if a holder appeared that we do not hold a lock for.
	for _, p := range positions {
		if _, ok := holders[p.User]; !ok {
			return false, nil
		}
	}
	for _, pr := range proofs {
		if _, ok := holders[pr.Issuer]; pr.State == model.ProofIssued && !ok {
			return false, nil
		}
	}

	now := e.now()
	book := make(map[string]*model.Position, len(positions))
	for i := range positions {
		p := positions[i]
		book[p.User] = &p
	}

	// Void outstanding proofs: frozen exposure returns to the issuer.
	voided := make([]*model.PositionProof, 0, len(proofs))
	for i := range proofs {
		pr := proofs[i]
		if pr.State != model.ProofIssued {
			continue
		}
		pos, ok := book[pr.Issuer]
		if !ok {
			pos = &model.Position{SeriesID: seriesID, User: pr.Issuer, Asset: pr.Asset}
			book[pr.Issuer] = pos
		}
		pos.NetQty = pos.NetQty.Add(pr.Qty)
		pos.CostBasis = pos.CostBasis.Add(pr.CostBasis)
		pos.Locked = pos.Locked.Add(pr.Reserved)

		pr.State = model.ProofVoided
		voided = append(voided, &pr)
	}

	price := decimal.Zero
	if outcome == model.OutcomeYes {
		price = margin.SettlementPrice(true)
	}

	accounts := make([]*model.MarginAccount, 0, len(book))
	finalized := make([]*model.Position, 0, len(book))
	for _, pos := range book {
		acct, err := e.store.GetAccount(ctx, pos.User)
		if err != nil {
			return false, err
		}

		acct.Unlock(pos.Asset, pos.Locked)
		if outcome != model.OutcomeCanceled {
			payoff := margin.Payoff(pos.NetQty, pos.CostBasis, price)
			acct.Credit(pos.Asset, payoff)
		}

		pos.NetQty = decimal.Zero
		pos.CostBasis = decimal.Zero
		pos.Locked = decimal.Zero
		pos.UpdatedAt = now

		accounts = append(accounts, acct)
		finalized = append(finalized, pos)
	}

	mut := store.Mutation{
		Accounts:  accounts,
		Positions: finalized,
		Proofs:    voided,
		Settlement: &model.Settlement{
			SeriesID:  seriesID,
			Outcome:   outcome,
			Price:     price,
			SettledBy: caller,
			SettledAt: now,
		},
	}
	if err := e.store.Apply(ctx, mut); err != nil {
		return false, err
	}

	if len(voided) > 0 {
		metrics.ProofsResolved.WithLabelValues(string(model.ProofVoided)).Add(float64(len(voided)))
	}
	slog.Info("series settled",
		"series", seriesID,
		"outcome", string(outcome),
		"positions", len(finalized),
		"proofs_voided", len(voided),
	)
	return true, nil
}

func (e *Engine) seriesHolders(ctx context.Context, seriesID string) (map[string]struct{}, error) {
	positions, err := e.store.PositionsBySeries(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	proofs, err := e.store.ProofsBySeries(ctx, seriesID)
	if err != nil {
		return nil, err
	}

	holders := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		holders[p.User] = struct{}{}
	}
	for _, pr := range proofs {
		if pr.State == model.ProofIssued {
			holders[pr.Issuer] = struct{}{}
		}
	}
	return holders, nil
}

// FreezePosition reserves qty of the user's net exposure in a series for
// one-time transfer and returns the proof binding it. The frozen slice
// carries a proportional share of the cost basis and keeps its margin
// reserved in the issuer's account until the proof is consumed or voided.
func (e *Engine) FreezePosition(ctx context.Context, caller, seriesID, user string, qty decimal.Decimal) (*model.PositionProof, error) {
	if seriesID == "" || user == "" {
		return nil, fmt.Errorf("%w: series_id and user are required", ErrInvalidInput)
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: freeze qty must be positive, got %s", ErrInvalidInput, qty)
	}
	if caller != user && caller != e.authority {
		return nil, fmt.Errorf("%w: %s may not freeze %s's position", ErrNotAuthorized, caller, user)
	}

	if _, err := e.lookupSeries(ctx, seriesID); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(locking.AccountKey(user), locking.SeriesKey(seriesID))
	defer unlock()

	if settled, err := e.store.GetSettlement(ctx, seriesID); err != nil {
		return nil, err
	} else if settled != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySettled, seriesID)
	}

	pos, err := e.store.GetPosition(ctx, seriesID, user)
	if err != nil {
		return nil, err
	}
	if pos == nil || qty.GreaterThan(pos.NetQty.Abs()) {
		available := decimal.Zero
		if pos != nil {
			available = pos.NetQty.Abs()
		}
		return nil, fmt.Errorf("%w: freeze %s exceeds transferable %s", ErrInsufficientPosition, qty, available)
	}

	moved := qty
	if pos.NetQty.IsNegative() {
		moved = qty.Neg()
	}
	movedCB := margin.Split(pos.NetQty, pos.CostBasis, qty)

	acct, err := e.store.GetAccount(ctx, user)
	if err != nil {
		return nil, err
	}

	newNet := pos.NetQty.Sub(moved)
	newCB := pos.CostBasis.Sub(movedCB)
	newReq := margin.Required(newNet, newCB)

	reserved := pos.Locked.Sub(newReq)
	if reserved.IsNegative() {
		// Rounding in the cost-basis split can leave the remainder
		// requiring slightly more than was locked; top up from free.
		topUp := reserved.Neg()
		if topUp.GreaterThan(acct.Balance(pos.Asset).Free) {
			return nil, fmt.Errorf("%w: freeze requires %s %s more", ErrMarginInsufficient, topUp, pos.Asset)
		}
		acct.Lock(pos.Asset, topUp)
		reserved = decimal.Zero
	}

	now := e.now()
	pos.NetQty = newNet
	pos.CostBasis = newCB
	pos.Locked = newReq
	pos.UpdatedAt = now

	proof := &model.PositionProof{
		Nonce:     uuid.New().String(),
		SeriesID:  seriesID,
		Issuer:    user,
		Asset:     pos.Asset,
		Qty:       moved,
		CostBasis: movedCB,
		Reserved:  reserved,
		State:     model.ProofIssued,
		IssuedAt:  now,
	}

	mut := store.Mutation{
		Accounts:  []*model.MarginAccount{acct},
		Positions: []*model.Position{pos},
		Proofs:    []*model.PositionProof{proof},
	}
	if err := e.store.Apply(ctx, mut); err != nil {
		return nil, err
	}

	slog.Info("position frozen for transfer",
		"series", seriesID,
		"issuer", user,
		"qty", moved.String(),
		"nonce", proof.Nonce,
	)
	return proof, nil
}

// AcceptTransfer consumes a proof exactly once, crediting its exposure to
// the caller's position. The issuer's reserved margin releases; the
// acceptor must have free margin for their new net requirement.
func (e *Engine) AcceptTransfer(ctx context.Context, caller, nonce string) (bool, error) {
	if caller == "" || nonce == "" {
		return false, fmt.Errorf("%w: caller and nonce are required", ErrInvalidInput)
	}

	// Peek to learn the issuer, then re-read under the locks.
	peek, err := e.store.GetProof(ctx, nonce)
	if err != nil {
		return false, err
	}
	if peek == nil {
		return false, fmt.Errorf("%w: unknown nonce", ErrInvalidProof)
	}

	unlock := e.locks.Lock(
		locking.AccountKey(caller),
		locking.AccountKey(peek.Issuer),
		locking.SeriesKey(peek.SeriesID),
	)
	defer unlock()

	proof, err := e.store.GetProof(ctx, nonce)
	if err != nil {
		return false, err
	}
	if proof == nil || proof.State != model.ProofIssued {
		return false, fmt.Errorf("%w: proof is not accepting", ErrInvalidProof)
	}
	if settled, err := e.store.GetSettlement(ctx, proof.SeriesID); err != nil {
		return false, err
	} else if settled != nil {
		return false, fmt.Errorf("%w: series %s has settled", ErrInvalidProof, proof.SeriesID)
	}

	acceptorAcct, err := e.store.GetAccount(ctx, caller)
	if err != nil {
		return false, err
	}
	issuerAcct := acceptorAcct
	if caller != proof.Issuer {
		issuerAcct, err = e.store.GetAccount(ctx, proof.Issuer)
		if err != nil {
			return false, err
		}
	}

	pos, err := e.positionOrNew(ctx, proof.SeriesID, caller, proof.Asset)
	if err != nil {
		return false, err
	}

	// Release the issuer's reservation before checking the acceptor, so
	// self-acceptance folds the slice back without double-charging.
	issuerAcct.Unlock(proof.Asset, proof.Reserved)

	delta, err := e.checkMargin(acceptorAcct, pos, pos.NetQty.Add(proof.Qty), pos.CostBasis.Add(proof.CostBasis))
	if err != nil {
		return false, fmt.Errorf("acceptor %s: %w", caller, err)
	}
	applyTradeSide(acceptorAcct, pos, proof.Qty, proof.CostBasis, delta, e.now())

	proof.State = model.ProofConsumed

	accounts := []*model.MarginAccount{acceptorAcct}
	if issuerAcct != acceptorAcct {
		accounts = append(accounts, issuerAcct)
	}
	mut := store.Mutation{
		Accounts:  accounts,
		Positions: []*model.Position{pos},
		Proofs:    []*model.PositionProof{proof},
	}
	if err := e.store.Apply(ctx, mut); err != nil {
		return false, err
	}

	slog.Info("position transfer accepted",
		"series", proof.SeriesID,
		"issuer", proof.Issuer,
		"acceptor", caller,
		"qty", proof.Qty.String(),
		"nonce", nonce,
	)
	return true, nil
}
