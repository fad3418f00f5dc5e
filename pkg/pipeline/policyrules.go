package pipeline

import (
	"context"

	"tbc/pkg/policy"
	"tbc/pkg/ratelimit"
	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

// PolicyChecker applies the gateway ruleset: jurisdiction, sanctions,
// per-merchant allowlist, and rate limits. The session pins a ruleset
// version on admission; every later message is judged against that exact
// snapshot, never a newer one.
type PolicyChecker struct {
	Rules   *policy.Holder
	Limiter ratelimit.Limiter
}

func (c *PolicyChecker) Name() string { return "policy" }

func (c *PolicyChecker) Check(ctx context.Context, pctx *Context, s *session.Session, msg tgp.Message) error {
	rules := c.snapshot(s)
	if rules == nil {
		return Fail(tgp.ReasonSystemUnavailable, "no policy ruleset loaded")
	}
	pctx.Rules = rules
	if s.PolicyVersion == "" {
		s.PolicyVersion = rules.Version
	}

	if !rules.JurisdictionAllowed(s.ChainID) {
		return Fail(tgp.ReasonPolicyDenied, "chain %d outside allowed jurisdictions", s.ChainID)
	}
	if !rules.MerchantAllowed(s.MerchantProfileHash) {
		return Fail(tgp.ReasonPolicyDenied, "merchant %s not allowlisted", s.MerchantProfileHash)
	}
	if rules.Sanctioned(pctx.Profile.MerchantAddress) {
		return Fail(tgp.ReasonPolicyDenied, "merchant address sanctioned")
	}
	if s.Delegation != nil && rules.Sanctioned(s.Delegation.VerifyingContract) {
		return Fail(tgp.ReasonPolicyDenied, "settlement contract sanctioned")
	}

	// Rate limiting gates admission only; in-flight sessions are not cut off
	// halfway through the handshake.
	if msg.Kind == tgp.KindQuery && c.Limiter != nil && rules.RateLimitPerMinute > 0 {
		decision := c.Limiter.Allow("merchant:"+s.MerchantProfileHash, rules.RateLimitPerMinute)
		if !decision.Allowed {
			return Fail(tgp.ReasonPolicyDenied, "merchant rate limit exceeded (%d/%d)", decision.Count, decision.Limit)
		}
	}
	return nil
}

func (c *PolicyChecker) snapshot(s *session.Session) *policy.Ruleset {
	if c.Rules == nil {
		return nil
	}
	if s.PolicyVersion != "" {
		return c.Rules.Version(s.PolicyVersion)
	}
	return c.Rules.Current()
}
