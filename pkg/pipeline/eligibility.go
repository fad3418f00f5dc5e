package pipeline

import (
	"context"
	"time"

	"tbc/pkg/escrowfsm"
	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

// EligibilityChecker enforces the escrow timing rules: a VERIFY or CLAIM is
// only eligible while the fulfill deadline still holds. Once the deadline
// lapses without on-chain verification, the only legal outcome is the
// refund path (the session is swept to ERROR and can never reach SETTLED).
type EligibilityChecker struct {
	Now func() time.Time
}

func (c *EligibilityChecker) Name() string { return "eligibility" }

func (c *EligibilityChecker) Check(ctx context.Context, pctx *Context, s *session.Session, msg tgp.Message) error {
	now := c.now()
	switch msg.Kind {
	case tgp.KindVerify:
		if s.State == escrowfsm.Fulfilled && !s.FulfillDeadline.IsZero() && now.After(s.FulfillDeadline) {
			return Fail(tgp.ReasonNotEligible, "fulfill deadline lapsed before on-chain verification")
		}
	case tgp.KindClaim:
		if s.State == escrowfsm.Fulfilled {
			// Verification never arrived; only withdraw/refund is legal now.
			return Fail(tgp.ReasonNotEligible, "claim before on-chain verification")
		}
		if !s.FulfillDeadline.IsZero() && now.After(s.FulfillDeadline) && s.State != escrowfsm.Verified {
			return Fail(tgp.ReasonNotEligible, "claim window closed")
		}
	}
	return nil
}

func (c *EligibilityChecker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}
