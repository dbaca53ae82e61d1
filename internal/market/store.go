package market

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Store is the index-addressed arena holding every market record. Records
// are value-typed entries in the tables below; resolution moves an id from
// the active set to the matured set without deleting the record.
//
// The store provides no locking: the engine serializes every mutating call.
type Store struct {
	singles map[uuid.UUID]*Market
	chained map[uuid.UUID]*ChainedMarket

	activeSingles map[uuid.UUID]struct{}
	activeChained map[uuid.UUID]struct{}

	maturedSingles []uuid.UUID
	maturedChained []uuid.UUID
}

func NewStore() *Store {
	return &Store{
		singles:       make(map[uuid.UUID]*Market),
		chained:       make(map[uuid.UUID]*ChainedMarket),
		activeSingles: make(map[uuid.UUID]struct{}),
		activeChained: make(map[uuid.UUID]struct{}),
	}
}

// AddMarket inserts a newly created single-leg market into the active partition.
func (s *Store) AddMarket(m *Market) {
	s.singles[m.ID] = m
	s.activeSingles[m.ID] = struct{}{}
}

// AddChainedMarket inserts a newly created chained market into the active partition.
func (s *Store) AddChainedMarket(cm *ChainedMarket) {
	s.chained[cm.ID] = cm
	s.activeChained[cm.ID] = struct{}{}
}

// Market looks up a single-leg market by id.
func (s *Store) Market(id uuid.UUID) (*Market, bool) {
	m, ok := s.singles[id]
	return m, ok
}

// ChainedMarket looks up a chained market by id.
func (s *Store) ChainedMarket(id uuid.UUID) (*ChainedMarket, bool) {
	cm, ok := s.chained[id]
	return cm, ok
}

// MoveToMatured moves a resolved single-leg market out of the active set.
// The record itself stays in the arena.
func (s *Store) MoveToMatured(id uuid.UUID) {
	if _, ok := s.activeSingles[id]; !ok {
		return
	}
	delete(s.activeSingles, id)
	s.maturedSingles = append(s.maturedSingles, id)
}

// MoveChainedToMatured moves a resolved chained market out of the active set.
func (s *Store) MoveChainedToMatured(id uuid.UUID) {
	if _, ok := s.activeChained[id]; !ok {
		return
	}
	delete(s.activeChained, id)
	s.maturedChained = append(s.maturedChained, id)
}

// ActiveMarkets returns all unresolved single-leg markets.
func (s *Store) ActiveMarkets() []*Market {
	out := make([]*Market, 0, len(s.activeSingles))
	for id := range s.activeSingles {
		out = append(out, s.singles[id])
	}
	return out
}

// ActiveChainedMarkets returns all unresolved chained markets.
func (s *Store) ActiveChainedMarkets() []*ChainedMarket {
	out := make([]*ChainedMarket, 0, len(s.activeChained))
	for id := range s.activeChained {
		out = append(out, s.chained[id])
	}
	return out
}

// MaturedMarkets returns resolved single-leg markets in resolution order.
func (s *Store) MaturedMarkets() []*Market {
	out := make([]*Market, 0, len(s.maturedSingles))
	for _, id := range s.maturedSingles {
		out = append(out, s.singles[id])
	}
	return out
}

// MaturedChainedMarkets returns resolved chained markets in resolution order.
func (s *Store) MaturedChainedMarkets() []*ChainedMarket {
	out := make([]*ChainedMarket, 0, len(s.maturedChained))
	for _, id := range s.maturedChained {
		out = append(out, s.chained[id])
	}
	return out
}

// MarketsByOwner returns every single-leg market owned by the given address.
func (s *Store) MarketsByOwner(owner common.Address) []*Market {
	var out []*Market
	for _, m := range s.singles {
		if m.Owner == owner {
			out = append(out, m)
		}
	}
	return out
}

// ChainedMarketsByOwner returns every chained market owned by the given address.
func (s *Store) ChainedMarketsByOwner(owner common.Address) []*ChainedMarket {
	var out []*ChainedMarket
	for _, cm := range s.chained {
		if cm.Owner == owner {
			out = append(out, cm)
		}
	}
	return out
}

// Counts returns (active, matured) totals across both market kinds.
func (s *Store) Counts() (active int, matured int) {
	return len(s.activeSingles) + len(s.activeChained),
		len(s.maturedSingles) + len(s.maturedChained)
}

// ActiveCounts returns the active counts per kind.
func (s *Store) ActiveCounts() (singles int, chained int) {
	return len(s.activeSingles), len(s.activeChained)
}
