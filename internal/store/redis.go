package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openmarkets/clearing-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for account and position reads. Mutations go to the primary store
// and invalidate every touched user's cached entries. The cached account
// read is what serves getMarginAccount with refresh=false; refresh=true
// bypasses this layer entirely (the engine recomputes and re-applies).
//
// Cached reads are snapshot reads: an unlocked reader racing a writer can
// repopulate a just-invalidated key with pre-commit state, which then
// lives until TTL. That is acceptable for query endpoints and exactly why
// the engine's read-modify-write paths must use Mutator, whose reads
// always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Mutator returns the Store view for mutating code paths: every read goes
// straight to the primary, while Apply still runs the cache invalidation.
func (s *CachedStore) Mutator() Store {
	return mutatorStore{Store: s.primary, cached: s}
}

// mutatorStore serves reads from the primary and writes through the
// cached store so invalidation is not lost.
type mutatorStore struct {
	Store // primary
	cached *CachedStore
}

func (m mutatorStore) Apply(ctx context.Context, mut Mutation) error {
	return m.cached.Apply(ctx, mut)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, user string) (*model.MarginAccount, error) {
	data, err := s.rdb.Get(ctx, accountKey(user)).Bytes()
	if err == nil {
		var a model.MarginAccount
		if json.Unmarshal(data, &a) == nil {
			if a.Balances == nil {
				a.Balances = make(map[string]model.Balance)
			}
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, user)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(user), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) PositionsByUser(ctx context.Context, user string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(user)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.PositionsByUser(ctx, user)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(user), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, mut Mutation) error {
	if err := s.primary.Apply(ctx, mut); err != nil {
		return err
	}
	// Invalidate after commit; next read re-populates.
	for _, user := range mut.Users() {
		s.rdb.Del(ctx, accountKey(user), positionsKey(user))
	}
	for _, p := range mut.Positions {
		s.rdb.Del(ctx, positionsKey(p.User))
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, seriesID, user string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, seriesID, user)
}

func (s *CachedStore) PositionsBySeries(ctx context.Context, seriesID string) ([]model.Position, error) {
	return s.primary.PositionsBySeries(ctx, seriesID)
}

func (s *CachedStore) GetTrade(ctx context.Context, tradeID string) (*model.TradeRecord, error) {
	return s.primary.GetTrade(ctx, tradeID)
}

func (s *CachedStore) GetProof(ctx context.Context, nonce string) (*model.PositionProof, error) {
	return s.primary.GetProof(ctx, nonce)
}

func (s *CachedStore) ProofsBySeries(ctx context.Context, seriesID string) ([]model.PositionProof, error) {
	return s.primary.ProofsBySeries(ctx, seriesID)
}

func (s *CachedStore) ProofsByIssuer(ctx context.Context, issuer string) ([]model.PositionProof, error) {
	return s.primary.ProofsByIssuer(ctx, issuer)
}

func (s *CachedStore) GetSettlement(ctx context.Context, seriesID string) (*model.Settlement, error) {
	return s.primary.GetSettlement(ctx, seriesID)
}

// --- Cache keys ---

func accountKey(user string) string   { return fmt.Sprintf("account:%s", user) }
func positionsKey(user string) string { return fmt.Sprintf("positions:%s", user) }
