package pipeline

import (
	"context"
	"errors"
	"testing"

	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

type recordingChecker struct {
	name string
	err  error
	log  *[]string
}

func (c *recordingChecker) Name() string { return c.name }

func (c *recordingChecker) Check(ctx context.Context, pctx *Context, s *session.Session, msg tgp.Message) error {
	*c.log = append(*c.log, c.name)
	return c.err
}

func TestChainShortCircuits(t *testing.T) {
	ctx := context.Background()
	var log []string
	chain := NewChain(
		&recordingChecker{name: "first", log: &log},
		&recordingChecker{name: "second", err: Fail(tgp.ReasonPolicyDenied, "no"), log: &log},
		&recordingChecker{name: "third", log: &log},
	)
	err := chain.Run(ctx, &Context{}, testDelegationSession(), tgp.Message{Kind: tgp.KindQuery})
	if got := reasonOf(t, err); got != tgp.ReasonPolicyDenied {
		t.Fatalf("expected POLICY_DENIED, got %s", got)
	}
	if len(log) != 2 || log[0] != "first" || log[1] != "second" {
		t.Fatalf("layers after a failure must not run: %v", log)
	}
}

func TestChainWrapsPlainErrors(t *testing.T) {
	var log []string
	chain := NewChain(&recordingChecker{name: "broken", err: errors.New("boom"), log: &log})
	err := chain.Run(context.Background(), &Context{}, testDelegationSession(), tgp.Message{})
	if got := reasonOf(t, err); got != tgp.ReasonSystemUnavailable {
		t.Fatalf("plain errors map to SYSTEM_UNAVAILABLE, got %s", got)
	}
}

func TestCheckErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &CheckError{Reason: tgp.ReasonPolicyDenied, Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("CheckError must unwrap")
	}
	if err.Error() == "" {
		t.Fatal("empty message")
	}
	if (&CheckError{Reason: tgp.ReasonTimeout}).Error() != string(tgp.ReasonTimeout) {
		t.Fatal("reason-only formatting")
	}
}
