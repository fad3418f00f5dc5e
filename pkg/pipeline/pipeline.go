package pipeline

import (
	"context"
	"fmt"

	"tbc/pkg/models"
	"tbc/pkg/policy"
	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

// CheckError carries the reason code a failing layer surfaces to the caller.
type CheckError struct {
	Reason tgp.Reason
	Err    error
}

func (e *CheckError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

func Fail(reason tgp.Reason, format string, args ...interface{}) *CheckError {
	return &CheckError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Context accumulates what earlier layers resolved so later layers never
// re-fetch. It lives for exactly one message.
type Context struct {
	Profile         models.MerchantProfile
	RegistryVersion string
	Rules           *policy.Ruleset
}

// Checker is one admission-control layer. Check runs inside the session's
// critical section and may mutate the working session copy; the mutation is
// only committed together with the state transition of the same message.
// Checkers skip kinds they do not govern by returning nil.
type Checker interface {
	Name() string
	Check(ctx context.Context, pctx *Context, s *session.Session, msg tgp.Message) error
}

// Chain runs its layers in fixed order and short-circuits on the first
// failure. Order matters: later layers assume earlier ones already hold.
type Chain struct {
	checkers []Checker
}

func NewChain(checkers ...Checker) *Chain {
	return &Chain{checkers: checkers}
}

// Run returns nil when every layer passes, or the failing layer's
// *CheckError. Layers after a failing one are never invoked.
func (c *Chain) Run(ctx context.Context, pctx *Context, s *session.Session, msg tgp.Message) error {
	for _, checker := range c.checkers {
		if err := checker.Check(ctx, pctx, s, msg); err != nil {
			if _, ok := err.(*CheckError); ok {
				return err
			}
			return &CheckError{Reason: tgp.ReasonSystemUnavailable, Err: err}
		}
	}
	return nil
}
