package pipeline

import (
	"context"
	"testing"
	"time"

	"tbc/pkg/escrowfsm"
	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

func TestEligibilityChecker(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	checker := &EligibilityChecker{Now: func() time.Time { return base }}

	mk := func(state string, deadline time.Time) *session.Session {
		s := testDelegationSession()
		s.State = state
		s.FulfillDeadline = deadline
		return s
	}

	t.Run("verify_within_deadline", func(t *testing.T) {
		s := mk(escrowfsm.Fulfilled, base.Add(time.Minute))
		if err := checker.Check(ctx, &Context{}, s, tgp.Message{Kind: tgp.KindVerify}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("verify_after_deadline", func(t *testing.T) {
		s := mk(escrowfsm.Fulfilled, base.Add(-time.Second))
		err := checker.Check(ctx, &Context{}, s, tgp.Message{Kind: tgp.KindVerify})
		if got := reasonOf(t, err); got != tgp.ReasonNotEligible {
			t.Fatalf("expected NOT_ELIGIBLE, got %s", got)
		}
	})

	t.Run("verify_without_armed_deadline", func(t *testing.T) {
		s := mk(escrowfsm.Fulfilled, time.Time{})
		if err := checker.Check(ctx, &Context{}, s, tgp.Message{Kind: tgp.KindVerify}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("claim_before_verification", func(t *testing.T) {
		s := mk(escrowfsm.Fulfilled, base.Add(time.Minute))
		err := checker.Check(ctx, &Context{}, s, tgp.Message{Kind: tgp.KindClaim})
		if got := reasonOf(t, err); got != tgp.ReasonNotEligible {
			t.Fatalf("expected NOT_ELIGIBLE, got %s", got)
		}
	})

	t.Run("claim_after_verification", func(t *testing.T) {
		s := mk(escrowfsm.Verified, base.Add(-time.Minute))
		// A verified session can still claim after the fulfill window.
		if err := checker.Check(ctx, &Context{}, s, tgp.Message{Kind: tgp.KindClaim}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("other_kinds_ungoverned", func(t *testing.T) {
		s := mk(escrowfsm.Acked, base.Add(-time.Hour))
		for _, kind := range []tgp.Kind{tgp.KindQuery, tgp.KindCommit, tgp.KindAccept, tgp.KindFulfill, tgp.KindSettle} {
			if err := checker.Check(ctx, &Context{}, s, tgp.Message{Kind: kind}); err != nil {
				t.Fatalf("%s: %v", kind, err)
			}
		}
	})
}
