// Package store defines the persistence interface for the clearing engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/openmarkets/clearing-engine/internal/model"
)

// Mutation is one atomic state change: every listed account, position,
// trade record, proof and settlement commits together or not at all.
// The engine holds the relevant keyed locks while a mutation is built and
// applied, so implementations only need all-or-nothing persistence
// (a transaction in PostgreSQL, a single critical section in memory).
type Mutation struct {
	Accounts   []*model.MarginAccount
	Positions  []*model.Position
	Trade      *model.TradeRecord
	Proofs     []*model.PositionProof
	Settlement *model.Settlement
}

// Users returns the owners of every account touched by the mutation.
// Used by the cache layer for invalidation.
func (m *Mutation) Users() []string {
	users := make([]string, 0, len(m.Accounts))
	for _, a := range m.Accounts {
		users = append(users, a.Owner)
	}
	return users
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for account and position reads.
type Store interface {
	// --- Margin accounts ---

	// GetAccount returns the user's margin account, or an empty account
	// if the user has never deposited.
	GetAccount(ctx context.Context, user string) (*model.MarginAccount, error)

	// --- Position book ---

	// GetPosition returns the position for (seriesID, user), or nil if
	// the pair has never traded.
	GetPosition(ctx context.Context, seriesID, user string) (*model.Position, error)

	// PositionsByUser returns all of a user's positions.
	PositionsByUser(ctx context.Context, user string) ([]model.Position, error)

	// PositionsBySeries returns every position in a series.
	PositionsBySeries(ctx context.Context, seriesID string) ([]model.Position, error)

	// --- Trade idempotency ---

	// GetTrade returns the record for tradeID, or nil if never applied.
	GetTrade(ctx context.Context, tradeID string) (*model.TradeRecord, error)

	// --- Transfer proofs ---

	// GetProof returns the proof with the given nonce, or nil.
	GetProof(ctx context.Context, nonce string) (*model.PositionProof, error)

	// ProofsBySeries returns all proofs referencing a series.
	ProofsBySeries(ctx context.Context, seriesID string) ([]model.PositionProof, error)

	// ProofsByIssuer returns all proofs issued by a user.
	ProofsByIssuer(ctx context.Context, issuer string) ([]model.PositionProof, error)

	// --- Settlements ---

	// GetSettlement returns the settlement for seriesID, or nil if the
	// series has not settled.
	GetSettlement(ctx context.Context, seriesID string) (*model.Settlement, error)

	// --- Commit ---

	// Apply commits a mutation atomically.
	Apply(ctx context.Context, mut Mutation) error
}
