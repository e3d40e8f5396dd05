package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openmarkets/clearing-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Tables: margin_balances (user_id, asset), positions (series_id, user_id),
// trades (trade_id), transfer_proofs (nonce), settlements (series_id).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetAccount(ctx context.Context, user string) (*model.MarginAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset, free::TEXT, locked::TEXT
		 FROM margin_balances WHERE user_id = $1`, user)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", user, err)
	}
	defer rows.Close()

	acct := model.NewMarginAccount(user)
	for rows.Next() {
		var asset, freeS, lockedS string
		if err := rows.Scan(&asset, &freeS, &lockedS); err != nil {
			return nil, err
		}
		var b model.Balance
		b.Free, _ = decimal.NewFromString(freeS)
		b.Locked, _ = decimal.NewFromString(lockedS)
		acct.Balances[asset] = b
	}
	return acct, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, seriesID, user string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT series_id, user_id, asset,
		        net_qty::TEXT, cost_basis::TEXT, locked::TEXT, updated_at
		 FROM positions WHERE series_id = $1 AND user_id = $2`, seriesID, user)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", seriesID, user, err)
	}
	return p, nil
}

func (s *PostgresStore) PositionsByUser(ctx context.Context, user string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT series_id, user_id, asset,
		        net_qty::TEXT, cost_basis::TEXT, locked::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY series_id`, user)
}

func (s *PostgresStore) PositionsBySeries(ctx context.Context, seriesID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT series_id, user_id, asset,
		        net_qty::TEXT, cost_basis::TEXT, locked::TEXT, updated_at
		 FROM positions WHERE series_id = $1 ORDER BY user_id`, seriesID)
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, arg any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetTrade(ctx context.Context, tradeID string) (*model.TradeRecord, error) {
	var t model.TradeRecord
	var qtyS, priceS string

	err := s.pool.QueryRow(ctx,
		`SELECT trade_id, series_id, buyer, seller, qty::TEXT, price::TEXT, cleared_at
		 FROM trades WHERE trade_id = $1`, tradeID).
		Scan(&t.TradeID, &t.SeriesID, &t.Buyer, &t.Seller, &qtyS, &priceS, &t.ClearedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", tradeID, err)
	}

	t.Qty, _ = decimal.NewFromString(qtyS)
	t.Price, _ = decimal.NewFromString(priceS)
	return &t, nil
}

func (s *PostgresStore) GetProof(ctx context.Context, nonce string) (*model.PositionProof, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT nonce, series_id, issuer, asset,
		        qty::TEXT, cost_basis::TEXT, reserved::TEXT, state, issued_at
		 FROM transfer_proofs WHERE nonce = $1`, nonce)

	p, err := scanProof(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proof %s: %w", nonce, err)
	}
	return p, nil
}

func (s *PostgresStore) ProofsBySeries(ctx context.Context, seriesID string) ([]model.PositionProof, error) {
	return s.queryProofs(ctx,
		`SELECT nonce, series_id, issuer, asset,
		        qty::TEXT, cost_basis::TEXT, reserved::TEXT, state, issued_at
		 FROM transfer_proofs WHERE series_id = $1 ORDER BY issued_at`, seriesID)
}

func (s *PostgresStore) ProofsByIssuer(ctx context.Context, issuer string) ([]model.PositionProof, error) {
	return s.queryProofs(ctx,
		`SELECT nonce, series_id, issuer, asset,
		        qty::TEXT, cost_basis::TEXT, reserved::TEXT, state, issued_at
		 FROM transfer_proofs WHERE issuer = $1 ORDER BY issued_at`, issuer)
}

func (s *PostgresStore) queryProofs(ctx context.Context, sql string, arg any) ([]model.PositionProof, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proofs []model.PositionProof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, *p)
	}
	return proofs, rows.Err()
}

func (s *PostgresStore) GetSettlement(ctx context.Context, seriesID string) (*model.Settlement, error) {
	var st model.Settlement
	var priceS string

	err := s.pool.QueryRow(ctx,
		`SELECT series_id, outcome, price::TEXT, settled_by, settled_at
		 FROM settlements WHERE series_id = $1`, seriesID).
		Scan(&st.SeriesID, &st.Outcome, &priceS, &st.SettledBy, &st.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", seriesID, err)
	}

	st.Price, _ = decimal.NewFromString(priceS)
	return &st, nil
}

// Apply commits the mutation in a single transaction.
func (s *PostgresStore) Apply(ctx context.Context, mut Mutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range mut.Accounts {
		for asset, b := range a.Balances {
			if _, err := tx.Exec(ctx,
				`INSERT INTO margin_balances (user_id, asset, free, locked)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
				 ON CONFLICT (user_id, asset)
				 DO UPDATE SET free = EXCLUDED.free, locked = EXCLUDED.locked`,
				a.Owner, asset, b.Free.String(), b.Locked.String()); err != nil {
				return fmt.Errorf("apply balance %s/%s: %w", a.Owner, asset, err)
			}
		}
	}

	for _, p := range mut.Positions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (series_id, user_id, asset, net_qty, cost_basis, locked, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
			 ON CONFLICT (series_id, user_id)
			 DO UPDATE SET net_qty = EXCLUDED.net_qty, cost_basis = EXCLUDED.cost_basis,
			               locked = EXCLUDED.locked, updated_at = EXCLUDED.updated_at`,
			p.SeriesID, p.User, p.Asset,
			p.NetQty.String(), p.CostBasis.String(), p.Locked.String(),
			p.UpdatedAt); err != nil {
			return fmt.Errorf("apply position %s/%s: %w", p.SeriesID, p.User, err)
		}
	}

	if t := mut.Trade; t != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (trade_id, series_id, buyer, seller, qty, price, cleared_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
			t.TradeID, t.SeriesID, t.Buyer, t.Seller,
			t.Qty.String(), t.Price.String(), t.ClearedAt); err != nil {
			return fmt.Errorf("apply trade %s: %w", t.TradeID, err)
		}
	}

	for _, p := range mut.Proofs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO transfer_proofs (nonce, series_id, issuer, asset, qty, cost_basis, reserved, state, issued_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
			 ON CONFLICT (nonce)
			 DO UPDATE SET state = EXCLUDED.state`,
			p.Nonce, p.SeriesID, p.Issuer, p.Asset,
			p.Qty.String(), p.CostBasis.String(), p.Reserved.String(),
			string(p.State), p.IssuedAt); err != nil {
			return fmt.Errorf("apply proof %s: %w", p.Nonce, err)
		}
	}

	if st := mut.Settlement; st != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO settlements (series_id, outcome, price, settled_by, settled_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
			st.SeriesID, string(st.Outcome), st.Price.String(),
			st.SettledBy, st.SettledAt); err != nil {
			return fmt.Errorf("apply settlement %s: %w", st.SeriesID, err)
		}
	}

	return tx.Commit(ctx)
}

// pgxRow covers both pgx.Row and pgx.Rows for shared scan helpers.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var netQtyS, costBasisS, lockedS string

	if err := row.Scan(&p.SeriesID, &p.User, &p.Asset,
		&netQtyS, &costBasisS, &lockedS, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.NetQty, _ = decimal.NewFromString(netQtyS)
	p.CostBasis, _ = decimal.NewFromString(costBasisS)
	p.Locked, _ = decimal.NewFromString(lockedS)
	return &p, nil
}

func scanProof(row pgxRow) (*model.PositionProof, error) {
	var p model.PositionProof
	var qtyS, costBasisS, reservedS, stateS string

	if err := row.Scan(&p.Nonce, &p.SeriesID, &p.Issuer, &p.Asset,
		&qtyS, &costBasisS, &reservedS, &stateS, &p.IssuedAt); err != nil {
		return nil, err
	}

	p.Qty, _ = decimal.NewFromString(qtyS)
	p.CostBasis, _ = decimal.NewFromString(costBasisS)
	p.Reserved, _ = decimal.NewFromString(reservedS)
	p.State = model.ProofState(stateS)
	return &p, nil
}
