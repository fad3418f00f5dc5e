package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tbc/pkg/escrowfsm"
	"tbc/pkg/tgp"
)

func newSession(id string, chainID uint64, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		ChainID:   chainID,
		State:     escrowfsm.Acked,
		Amount:    "100",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestMemoryStoreCreate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	if err := m.Create(ctx, newSession("s-1", 1, time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Create(ctx, newSession("s-1", 1, time.Minute)); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	// Same id on another chain is a distinct session.
	if err := m.Create(ctx, newSession("s-1", 2, time.Minute)); err != nil {
		t.Fatalf("cross-chain create: %v", err)
	}
}

func TestMemoryStoreExpiredIDReuse(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	clock := now
	m := NewMemoryStore(WithClock(func() time.Time { return clock }))

	if err := m.Create(ctx, newSession("s-1", 1, time.Second)); err != nil {
		t.Fatal(err)
	}
	clock = now.Add(2 * time.Second)
	if err := m.Create(ctx, newSession("s-1", 1, time.Minute)); err != nil {
		t.Fatalf("expired id must be reusable: %v", err)
	}
}

func TestMemoryStoreGet(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	clock := now
	m := NewMemoryStore(WithClock(func() time.Time { return clock }))

	if _, err := m.Get(ctx, 1, "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected unknown session, got %v", err)
	}
	if err := m.Create(ctx, newSession("s-1", 1, time.Second)); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, 1, "s-1")
	if err != nil || got.ID != "s-1" {
		t.Fatalf("get: %v %v", got, err)
	}
	// Snapshot, not the live record.
	got.State = escrowfsm.Error
	again, _ := m.Get(ctx, 1, "s-1")
	if again.State != escrowfsm.Acked {
		t.Fatal("Get must return a clone")
	}

	clock = now.Add(2 * time.Second)
	if _, err := m.Get(ctx, 1, "s-1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.Create(ctx, newSession("s-1", 1, time.Minute)); err != nil {
		t.Fatal(err)
	}

	t.Run("commit_swaps_clone", func(t *testing.T) {
		updated, err := m.Update(ctx, 1, "s-1", func(s *Session) error {
			s.State = escrowfsm.Committed
			return s.ConsumeNonce("n-1")
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.State != escrowfsm.Committed || !updated.NonceUsed("n-1") {
			t.Fatalf("unexpected snapshot: %+v", updated)
		}
	})

	t.Run("failed_fn_rolls_back", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := m.Update(ctx, 1, "s-1", func(s *Session) error {
			s.State = escrowfsm.Error
			s.UsedNonces["n-2"] = struct{}{}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected fn error, got %v", err)
		}
		got, _ := m.Get(ctx, 1, "s-1")
		if got.State != escrowfsm.Committed || got.NonceUsed("n-2") {
			t.Fatalf("failed update leaked: %+v", got)
		}
	})

	t.Run("unknown_session", func(t *testing.T) {
		_, err := m.Update(ctx, 1, "nope", func(*Session) error { return nil })
		if !errors.Is(err, ErrUnknownSession) {
			t.Fatalf("expected unknown session, got %v", err)
		}
	})
}

func TestMemoryStoreConsumeNonce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.Create(ctx, newSession("s-1", 1, time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := m.ConsumeNonce(ctx, 1, "s-1", "n-1"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := m.ConsumeNonce(ctx, 1, "s-1", "n-1"); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestMemoryStoreUpdateSerializesPerSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.Create(ctx, newSession("s-1", 1, time.Minute)); err != nil {
		t.Fatal(err)
	}

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = m.Update(ctx, 1, "s-1", func(s *Session) error {
				return s.ConsumeNonce(fmt.Sprintf("n-%d", n))
			})
		}(i)
	}
	wg.Wait()
	got, err := m.Get(ctx, 1, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.UsedNonces) != workers {
		t.Fatalf("expected %d nonces, got %d", workers, len(got.UsedNonces))
	}
}

func TestMemoryStoreSweepExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	m := NewMemoryStore()

	live := newSession("live", 1, time.Minute)
	overdue := newSession("overdue", 1, -time.Second)
	done := newSession("done", 1, -time.Second)
	done.State = escrowfsm.Settled
	for _, s := range []*Session{live, overdue, done} {
		// Create checks expiry for reuse only, so expired fixtures insert fine.
		if err := m.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	swept := m.SweepExpired(ctx, now)
	if len(swept) != 1 || swept[0].ID != "overdue" {
		t.Fatalf("expected one swept session, got %+v", swept)
	}
	if swept[0].State != escrowfsm.Error || swept[0].Reason != tgp.ReasonTimeout {
		t.Fatalf("swept session must be ERROR/TIMEOUT, got %+v", swept[0])
	}
	// Terminal sessions are left as they are.
	if again := m.SweepExpired(ctx, now); len(again) != 0 {
		t.Fatalf("second sweep must be empty, got %+v", again)
	}
	if got, err := m.Get(ctx, 1, "live"); err != nil || got.State != escrowfsm.Acked {
		t.Fatalf("live session must survive: %v %v", got, err)
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	s := newSession("old", 1, -2*time.Hour)
	if err := m.Create(ctx, s); err != nil {
		t.Fatal(err)
	}
	m.SweepExpired(ctx, time.Now().UTC())
	if _, err := m.Get(ctx, 1, "old"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected eviction past grace, got %v", err)
	}
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s := newSession(fmt.Sprintf("s-%d", i), 1, time.Minute)
		s.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := m.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	out := m.List(ctx, 3)
	if len(out) != 3 {
		t.Fatalf("expected 3, got %d", len(out))
	}
	if out[0].ID != "s-4" || out[1].ID != "s-3" {
		t.Fatalf("expected newest first, got %s %s", out[0].ID, out[1].ID)
	}
}

type recordingPersister struct {
	mu    sync.Mutex
	saves []string
	err   error
}

func (p *recordingPersister) Save(ctx context.Context, s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, Key(s.ChainID, s.ID)+":"+s.State)
	return p.err
}

func TestMemoryStorePersister(t *testing.T) {
	ctx := context.Background()
	p := &recordingPersister{}
	m := NewMemoryStore(WithPersister(p))
	if err := m.Create(ctx, newSession("s-1", 1, time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Update(ctx, 1, "s-1", func(s *Session) error {
		s.State = escrowfsm.Committed
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(p.saves) != 2 || p.saves[1] != "1/s-1:COMMITTED" {
		t.Fatalf("unexpected persister calls: %v", p.saves)
	}

	// Persistence failures are logged, never surfaced.
	p.err = errors.New("db down")
	if _, err := m.Update(ctx, 1, "s-1", func(s *Session) error { return nil }); err != nil {
		t.Fatalf("persist failure must not fail the update: %v", err)
	}
}
