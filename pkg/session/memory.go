package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"tbc/pkg/escrowfsm"
	"tbc/pkg/tgp"
)

// MemoryStore is the authoritative in-process store. Each entry carries its
// own mutex so one session's in-flight validation never blocks another's.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*entry
	persister Persister
	now       func() time.Time
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

type MemoryOption func(*MemoryStore)

// WithPersister attaches a durable sink receiving every committed snapshot.
func WithPersister(p Persister) MemoryOption {
	return func(m *MemoryStore) { m.persister = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		items: map[string]*entry{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	key := Key(s.ChainID, s.ID)
	m.mu.Lock()
	if existing, ok := m.items[key]; ok {
		// A fully expired record does not block id reuse.
		existing.mu.Lock()
		expired := escrowfsm.IsExpired(m.now(), existing.s.ExpiresAt)
		existing.mu.Unlock()
		if !expired {
			m.mu.Unlock()
			return ErrDuplicateSession
		}
	}
	m.items[key] = &entry{s: s.Clone()}
	m.mu.Unlock()
	m.persist(ctx, s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, chainID uint64, id string) (*Session, error) {
	e, err := m.lookup(chainID, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if escrowfsm.IsExpired(m.now(), e.s.ExpiresAt) {
		return nil, ErrExpired
	}
	return e.s.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, chainID uint64, id string, fn func(*Session) error) (*Session, error) {
	e, err := m.lookup(chainID, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if escrowfsm.IsExpired(m.now(), e.s.ExpiresAt) {
		return nil, ErrExpired
	}
	work := e.s.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	e.s = work
	snapshot := work.Clone()
	m.persist(ctx, snapshot)
	return snapshot, nil
}

func (m *MemoryStore) ConsumeNonce(ctx context.Context, chainID uint64, id, nonce string) error {
	_, err := m.Update(ctx, chainID, id, func(s *Session) error {
		return s.ConsumeNonce(nonce)
	})
	return err
}

func (m *MemoryStore) SweepExpired(ctx context.Context, now time.Time) []*Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.items))
	for _, e := range m.items {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var swept []*Session
	for _, e := range entries {
		e.mu.Lock()
		s := e.s
		if !escrowfsm.IsTerminal(s.State) && escrowfsm.IsExpired(now, s.ExpiresAt) {
			work := s.Clone()
			work.State = escrowfsm.Error
			work.Reason = tgp.ReasonTimeout
			e.s = work
			swept = append(swept, work.Clone())
		}
		e.mu.Unlock()
	}
	for _, s := range swept {
		m.persist(ctx, s)
	}
	// Terminal records past a grace window are evicted entirely.
	m.evictStale(now)
	return swept
}

func (m *MemoryStore) List(ctx context.Context, limit int) []*Session {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.items))
	for _, e := range m.items {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

const evictionGrace = time.Hour

func (m *MemoryStore) evictStale(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.items {
		e.mu.Lock()
		gone := escrowfsm.IsExpired(now, e.s.ExpiresAt.Add(evictionGrace))
		e.mu.Unlock()
		if gone {
			delete(m.items, key)
		}
	}
}

func (m *MemoryStore) lookup(chainID uint64, id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.items[Key(chainID, id)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return e, nil
}

func (m *MemoryStore) persist(ctx context.Context, s *Session) {
	if m.persister == nil {
		return
	}
	if err := m.persister.Save(ctx, s); err != nil {
		log.Printf("session persist %s: %v", Key(s.ChainID, s.ID), err)
	}
}
