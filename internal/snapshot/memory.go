package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/balance/procedure"
	"github.com/smallbiznis/entitlements/internal/clock"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
)

type memoryEntry struct {
	mu        sync.Mutex
	doc       *customerdomain.FullCustomer
	expiresAt time.Time
	removed   bool
}

// MemoryStore keeps documents in process. Each key has its own mutex, so
// deductions for one customer serialize while other customers proceed.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	clock   clock.Clock
}

func NewMemoryStore(ttl time.Duration, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		clock:   clk,
	}
}

// acquire returns the locked live entry for key, or nil.
func (s *MemoryStore) acquire(key customerdomain.Key) *memoryEntry {
	s.mu.Lock()
	entry, ok := s.entries[key.String()]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	if entry.removed {
		entry.mu.Unlock()
		return nil
	}
	if !entry.expiresAt.IsZero() && !s.clock.Now().Before(entry.expiresAt) {
		entry.removed = true
		entry.mu.Unlock()
		s.drop(key, entry)
		return nil
	}
	return entry
}

func (s *MemoryStore) drop(key customerdomain.Key, entry *memoryEntry) {
	s.mu.Lock()
	if current, ok := s.entries[key.String()]; ok && current == entry {
		delete(s.entries, key.String())
	}
	s.mu.Unlock()
}

func (s *MemoryStore) Get(ctx context.Context, key customerdomain.Key) (*customerdomain.FullCustomer, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	entry := s.acquire(key)
	if entry == nil {
		return nil, ErrMiss
	}
	defer entry.mu.Unlock()
	return entry.doc.Clone(), nil
}

func (s *MemoryStore) Set(ctx context.Context, doc *customerdomain.FullCustomer) error {
	if doc == nil {
		return ErrInvalidKey
	}
	key := doc.Key()
	if err := validKey(key); err != nil {
		return err
	}

	entry := s.newEntry(doc)

	s.mu.Lock()
	previous := s.entries[key.String()]
	s.entries[key.String()] = entry
	s.mu.Unlock()

	if previous != nil {
		previous.mu.Lock()
		previous.removed = true
		previous.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) SetIfVersion(ctx context.Context, doc *customerdomain.FullCustomer, version int64) error {
	if doc == nil {
		return ErrInvalidKey
	}
	key := doc.Key()
	if err := validKey(key); err != nil {
		return err
	}

	entry := s.acquire(key)
	if entry == nil {
		if version != VersionAbsent {
			return ErrVersionConflict
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.entries[key.String()]; ok {
			return ErrVersionConflict
		}
		s.entries[key.String()] = s.newEntry(doc)
		return nil
	}
	defer entry.mu.Unlock()

	if entry.doc.Version != version {
		return ErrVersionConflict
	}
	fresh := s.newEntry(doc)
	entry.doc, entry.expiresAt = fresh.doc, fresh.expiresAt
	return nil
}

func (s *MemoryStore) newEntry(doc *customerdomain.FullCustomer) *memoryEntry {
	entry := &memoryEntry{doc: doc.Clone()}
	if s.ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(s.ttl)
	}
	return entry
}

func (s *MemoryStore) Invalidate(ctx context.Context, key customerdomain.Key) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	entry, ok := s.entries[key.String()]
	delete(s.entries, key.String())
	s.mu.Unlock()

	if ok {
		entry.mu.Lock()
		entry.removed = true
		entry.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) Deduct(ctx context.Context, key customerdomain.Key, req domain.ProcedureRequest) (domain.ProcedureResponse, error) {
	if err := validKey(key); err != nil {
		return domain.ProcedureResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.ProcedureResponse{}, err
	}

	entry := s.acquire(key)
	if entry == nil {
		return procedure.Run(nil, req, s.clock.Now()), nil
	}
	defer entry.mu.Unlock()

	return procedure.Run(entry.doc, req, s.clock.Now()), nil
}

func (s *MemoryStore) Restore(ctx context.Context, key customerdomain.Key, states map[string]customerdomain.BalanceState) (map[string]customerdomain.BalanceState, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	entry := s.acquire(key)
	if entry == nil {
		return nil, nil
	}
	defer entry.mu.Unlock()

	return entry.doc.Stamp(states), nil
}
