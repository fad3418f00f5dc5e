package pipeline

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"tbc/pkg/models"
	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

// ReplayGuard reserves a nonce across gateway instances. Reserve returns
// false when the nonce was already taken.
type ReplayGuard interface {
	Reserve(ctx context.Context, key string) (bool, error)
}

// DelegationChecker verifies the off-chain delegation grant attached to a
// COMMIT: signature, expiry, scope and chain binding, spend cap, and nonce
// uniqueness. Nonce consumption happens here, inside the session's critical
// section, so it commits or rolls back together with the state transition.
type DelegationChecker struct {
	Guard ReplayGuard
	Now   func() time.Time
}

func (c *DelegationChecker) Name() string { return "delegation" }

func (c *DelegationChecker) Check(ctx context.Context, pctx *Context, s *session.Session, msg tgp.Message) error {
	if msg.Kind != tgp.KindCommit {
		return nil
	}
	var payload models.CommitPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return Fail(tgp.ReasonInvalidDelegation, "commit payload: %v", err)
	}
	grant := payload.Delegation

	if grant.SessionID != s.ID {
		return Fail(tgp.ReasonInvalidDelegation, "grant bound to session %q", grant.SessionID)
	}
	if grant.ChainID != s.ChainID {
		return Fail(tgp.ReasonInvalidDelegation, "grant bound to chain %d", grant.ChainID)
	}
	expiry, err := time.Parse(time.RFC3339, grant.Expiry)
	if err != nil {
		return Fail(tgp.ReasonInvalidDelegation, "grant expiry: %v", err)
	}
	now := c.now()
	if !now.Before(expiry) {
		return Fail(tgp.ReasonInvalidDelegation, "grant expired at %s", grant.Expiry)
	}
	if !strings.EqualFold(grant.VerifyingContract, pctx.Profile.SettlementContract) {
		return Fail(tgp.ReasonInvalidDelegation, "verifying contract mismatch")
	}
	if grant.ScopeHash != models.ScopeHash(grant.VerifyingContract, s.MerchantProfileHash) {
		return Fail(tgp.ReasonInvalidDelegation, "scope hash mismatch")
	}
	covers, err := models.AmountCovers(grant.SpendCap, s.Amount)
	if err != nil {
		return Fail(tgp.ReasonInvalidDelegation, "spend cap: %v", err)
	}
	if !covers {
		return Fail(tgp.ReasonInvalidDelegation, "spend cap below payment amount")
	}
	if err := verifyGrantSignature(grant); err != nil {
		return Fail(tgp.ReasonInvalidDelegation, "signature: %v", err)
	}

	nonce := strings.TrimSpace(grant.Nonce)
	if nonce == "" {
		return Fail(tgp.ReasonInvalidDelegation, "grant nonce required")
	}
	if c.Guard != nil {
		key := "nonce:" + session.Key(s.ChainID, s.ID) + ":" + nonce
		ok, err := c.Guard.Reserve(ctx, key)
		if err != nil {
			return Fail(tgp.ReasonSystemUnavailable, "replay guard: %v", err)
		}
		if !ok {
			return Fail(tgp.ReasonReplayedNonce, "nonce %q already reserved", nonce)
		}
	}
	if err := s.ConsumeNonce(nonce); err != nil {
		return Fail(tgp.ReasonReplayedNonce, "nonce %q already consumed", nonce)
	}
	s.Delegation = &grant
	return nil
}

func (c *DelegationChecker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func verifyGrantSignature(grant models.DelegationGrant) error {
	if !strings.EqualFold(grant.Signature.Alg, "ed25519") {
		return errors.New("unsupported signature alg")
	}
	pub, err := base64.StdEncoding.DecodeString(grant.Owner)
	if err != nil {
		return errors.New("owner key not base64")
	}
	if len(pub) != ed25519.PublicKeySize {
		return errors.New("owner key size invalid")
	}
	sig, err := base64.StdEncoding.DecodeString(grant.Signature.Sig)
	if err != nil {
		return errors.New("signature not base64")
	}
	binding, err := models.DelegationBinding(grant)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), binding, sig) {
		return errors.New("verification failed")
	}
	return nil
}
