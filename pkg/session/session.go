package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tbc/pkg/models"
	"tbc/pkg/tgp"
)

var (
	ErrDuplicateSession = errors.New("duplicate session")
	ErrUnknownSession   = errors.New("unknown session")
	ErrExpired          = errors.New("session expired")
	ErrReplayedNonce    = errors.New("nonce already consumed")
	ErrFrozen           = errors.New("session is terminal")
)

// Session is one escrow attempt's state, from QUERY to a terminal state.
// The true uniqueness key is (chain_id, session_id).
type Session struct {
	ID                  string
	ChainID             uint64
	State               string
	MerchantProfileHash string
	Amount              string
	SpendLimit          string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	FulfillDeadline     time.Time
	UsedNonces          map[string]struct{}
	Delegation          *models.DelegationGrant
	Envelope            *models.Envelope
	// Profile is the merchant profile resolved at admission. Later messages
	// are validated against this pinned copy, never a mid-session re-fetch.
	Profile             *models.MerchantProfile
	NATAddress          string
	NATCommitment       string
	RegistryVersion     string
	PolicyVersion       string
	ClientRPCReachable  bool
	Origin              tgp.Origin
	Reason              tgp.Reason
}

// Key returns the composite lookup key for a session.
func Key(chainID uint64, id string) string {
	return fmt.Sprintf("%d/%s", chainID, id)
}

// NonceUsed reports set membership without consuming.
func (s *Session) NonceUsed(nonce string) bool {
	_, ok := s.UsedNonces[nonce]
	return ok
}

// ConsumeNonce marks a nonce as spent. Callers must hold the session's
// store-level critical section; consumption is atomic with the state
// mutation of the same message.
func (s *Session) ConsumeNonce(nonce string) error {
	if s.UsedNonces == nil {
		s.UsedNonces = map[string]struct{}{}
	}
	if _, ok := s.UsedNonces[nonce]; ok {
		return ErrReplayedNonce
	}
	s.UsedNonces[nonce] = struct{}{}
	return nil
}

// Clone returns a deep copy. Updates operate on a clone and swap it in on
// success so a failed mutation never leaves a half-applied session.
func (s *Session) Clone() *Session {
	cp := *s
	cp.UsedNonces = make(map[string]struct{}, len(s.UsedNonces))
	for n := range s.UsedNonces {
		cp.UsedNonces[n] = struct{}{}
	}
	if s.Delegation != nil {
		d := *s.Delegation
		cp.Delegation = &d
	}
	if s.Envelope != nil {
		e := *s.Envelope
		cp.Envelope = &e
	}
	if s.Profile != nil {
		p := *s.Profile
		cp.Profile = &p
	}
	return &cp
}

// Store is the only mutable shared state in the gateway. Operations on a
// single session are linearized; distinct sessions proceed in parallel.
type Store interface {
	// Create registers a new session. Fails with ErrDuplicateSession when
	// (chain_id, session_id) is already live.
	Create(ctx context.Context, s *Session) error
	// Get returns a snapshot of the session. Expired sessions fail with
	// ErrExpired regardless of stored state; terminal sessions remain
	// readable for audit until expiry.
	Get(ctx context.Context, chainID uint64, id string) (*Session, error)
	// Update runs fn inside the session's critical section. fn receives a
	// clone; the clone replaces the stored session only when fn returns nil.
	// At most one Update per session is in flight at a time, including while
	// fn performs blocking validation calls.
	Update(ctx context.Context, chainID uint64, id string, fn func(*Session) error) (*Session, error)
	// ConsumeNonce spends a nonce outside a larger update. Most callers
	// consume via the session inside Update instead.
	ConsumeNonce(ctx context.Context, chainID uint64, id, nonce string) error
	// SweepExpired moves every session past its deadline to ERROR with
	// reason TIMEOUT and returns the swept snapshots.
	SweepExpired(ctx context.Context, now time.Time) []*Session
	// List returns up to limit session snapshots, newest first.
	List(ctx context.Context, limit int) []*Session
}

// Persister receives committed session snapshots for durable storage. Best
// effort: persistence failures are logged by callers, never applied as
// message failures.
type Persister interface {
	Save(ctx context.Context, s *Session) error
}
