package store

import (
	"context"
	"sync"

	"github.com/openmarkets/clearing-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.MarginAccount
	positions   map[string]*model.Position // key: seriesID + "/" + user
	trades      map[string]*model.TradeRecord
	proofs      map[string]*model.PositionProof
	settlements map[string]*model.Settlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.MarginAccount),
		positions:   make(map[string]*model.Position),
		trades:      make(map[string]*model.TradeRecord),
		proofs:      make(map[string]*model.PositionProof),
		settlements: make(map[string]*model.Settlement),
	}
}

func posKey(seriesID, user string) string {
	return seriesID + "/" + user
}

func (s *MemoryStore) GetAccount(_ context.Context, user string) (*model.MarginAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[user]
	if !ok {
		return model.NewMarginAccount(user), nil
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, seriesID, user string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(seriesID, user)]
	if !ok {
		return nil, nil
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) PositionsByUser(_ context.Context, user string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.User == user {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) PositionsBySeries(_ context.Context, seriesID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.SeriesID == seriesID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTrade(_ context.Context, tradeID string) (*model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[tradeID]
	if !ok {
		return nil, nil
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) GetProof(_ context.Context, nonce string) (*model.PositionProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proofs[nonce]
	if !ok {
		return nil, nil
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ProofsBySeries(_ context.Context, seriesID string) ([]model.PositionProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PositionProof
	for _, p := range s.proofs {
		if p.SeriesID == seriesID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ProofsByIssuer(_ context.Context, issuer string) ([]model.PositionProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PositionProof
	for _, p := range s.proofs {
		if p.Issuer == issuer {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, seriesID string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[seriesID]
	if !ok {
		return nil, nil
	}
	copy := *st
	return &copy, nil
}

func (s *MemoryStore) Apply(_ context.Context, mut Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range mut.Accounts {
		s.accounts[a.Owner] = copyAccount(a)
	}
	for _, p := range mut.Positions {
		copy := *p
		s.positions[posKey(p.SeriesID, p.User)] = &copy
	}
	if mut.Trade != nil {
		copy := *mut.Trade
		s.trades[copy.TradeID] = &copy
	}
	for _, p := range mut.Proofs {
		copy := *p
		s.proofs[copy.Nonce] = &copy
	}
	if mut.Settlement != nil {
		copy := *mut.Settlement
		s.settlements[copy.SeriesID] = &copy
	}
	return nil
}

// copyAccount deep-copies an account so callers cannot mutate stored state.
func copyAccount(a *model.MarginAccount) *model.MarginAccount {
	out := model.NewMarginAccount(a.Owner)
	for asset, b := range a.Balances {
		out.Balances[asset] = b
	}
	return out
}
