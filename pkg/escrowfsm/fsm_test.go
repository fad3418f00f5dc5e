package escrowfsm

import (
	"errors"
	"testing"
	"time"

	"tbc/pkg/tgp"
)

func TestLinearProgression(t *testing.T) {
	order := []string{Init, Queried, Acked, Committed, Accepted, Fulfilled, Verified, Claimed, Settled}
	for i := 0; i < len(order)-1; i++ {
		if !CanTransition(order[i], order[i+1]) {
			t.Fatalf("%s -> %s must be legal", order[i], order[i+1])
		}
	}
	// No skipping.
	if CanTransition(Acked, Accepted) || CanTransition(Init, Acked) || CanTransition(Committed, Fulfilled) {
		t.Fatal("skipping states must be illegal")
	}
	// No going back.
	if CanTransition(Committed, Acked) || CanTransition(Settled, Claimed) {
		t.Fatal("backward transitions must be illegal")
	}
}

func TestErrorReachability(t *testing.T) {
	for _, from := range []string{Init, Queried, Acked, Committed, Accepted, Fulfilled, Verified, Claimed} {
		if !CanTransition(from, Error) {
			t.Fatalf("%s -> ERROR must be legal", from)
		}
	}
	if CanTransition(Settled, Error) || CanTransition(Error, Error) {
		t.Fatal("terminal states must be frozen")
	}
}

func TestTransition(t *testing.T) {
	got, err := Transition(Acked, Committed)
	if err != nil || got != Committed {
		t.Fatalf("expected COMMITTED, got %s err=%v", got, err)
	}
	got, err = Transition(Settled, Error)
	if !errors.Is(err, ErrInvalidTransition) || got != Settled {
		t.Fatalf("expected frozen SETTLED, got %s err=%v", got, err)
	}
}

func TestNext(t *testing.T) {
	cases := []struct {
		from string
		kind tgp.Kind
		to   string
	}{
		{Init, tgp.KindQuery, Queried},
		{Acked, tgp.KindCommit, Committed},
		{Committed, tgp.KindAccept, Accepted},
		{Accepted, tgp.KindFulfill, Fulfilled},
		{Fulfilled, tgp.KindVerify, Verified},
		{Verified, tgp.KindClaim, Claimed},
		{Claimed, tgp.KindSettle, Settled},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.kind)
		if err != nil || got != tc.to {
			t.Errorf("Next(%s, %s) = %s, %v; want %s", tc.from, tc.kind, got, err, tc.to)
		}
	}

	if _, err := Next(Acked, tgp.KindAccept); !errors.Is(err, ErrUnexpectedKind) {
		t.Fatalf("out-of-order kind must fail, got %v", err)
	}
	if _, err := Next(Settled, tgp.KindQuery); !errors.Is(err, ErrUnexpectedKind) {
		t.Fatalf("terminal state expects nothing, got %v", err)
	}
}

func TestExpected(t *testing.T) {
	if kind, ok := Expected(Acked); !ok || kind != tgp.KindCommit {
		t.Fatalf("ACKED waits for COMMIT, got %s %v", kind, ok)
	}
	if _, ok := Expected(Error); ok {
		t.Fatal("ERROR waits for nothing")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now().UTC()
	if IsExpired(now, time.Time{}) {
		t.Fatal("zero deadline never expires")
	}
	if IsExpired(now, now.Add(time.Minute)) {
		t.Fatal("future deadline is live")
	}
	if !IsExpired(now, now.Add(-time.Second)) {
		t.Fatal("past deadline is expired")
	}
}
