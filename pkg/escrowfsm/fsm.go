package escrowfsm

import (
	"errors"
	"time"

	"tbc/pkg/tgp"
)

// Session states, in protocol order. SETTLED is the terminal success state,
// ERROR the terminal failure state reachable from any non-terminal state.
const (
	Init      = "INIT"
	Queried   = "QUERIED"
	Acked     = "ACKED"
	Committed = "COMMITTED"
	Accepted  = "ACCEPTED"
	Fulfilled = "FULFILLED"
	Verified  = "VERIFIED"
	Claimed   = "CLAIMED"
	Settled   = "SETTLED"
	Error     = "ERROR"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrUnexpectedKind    = errors.New("message kind not expected in current state")
)

var forward = map[string]string{
	Init:      Queried,
	Queried:   Acked,
	Acked:     Committed,
	Committed: Accepted,
	Accepted:  Fulfilled,
	Fulfilled: Verified,
	Verified:  Claimed,
	Claimed:   Settled,
}

// CanTransition reports whether from -> to is legal. The machine is strictly
// linear; no transition skips a state, and ERROR is reachable from every
// non-terminal state.
func CanTransition(from, to string) bool {
	if to == Error {
		return !IsTerminal(from)
	}
	return forward[from] == to
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// expects maps each state to the message kind that advances it. ACK is
// TBC-emitted during QUERY handling, so QUERIED is advanced internally.
var expects = map[string]tgp.Kind{
	Init:      tgp.KindQuery,
	Queried:   tgp.KindAck,
	Acked:     tgp.KindCommit,
	Committed: tgp.KindAccept,
	Accepted:  tgp.KindFulfill,
	Fulfilled: tgp.KindVerify,
	Verified:  tgp.KindClaim,
	Claimed:   tgp.KindSettle,
}

// Next returns the state a message of the given kind drives the session to,
// or ErrUnexpectedKind when the kind is out of order for the current state.
func Next(from string, kind tgp.Kind) (string, error) {
	expected, ok := expects[from]
	if !ok || expected != kind {
		return from, ErrUnexpectedKind
	}
	return forward[from], nil
}

// Expected returns the inbound kind a session in the given state is waiting
// for. Used by the expiry sweep to report what never arrived.
func Expected(state string) (tgp.Kind, bool) {
	k, ok := expects[state]
	return k, ok
}

func IsTerminal(state string) bool {
	return state == Settled || state == Error
}

func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}
