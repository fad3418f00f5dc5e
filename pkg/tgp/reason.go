package tgp

// Reason is a machine-readable code carried by every ERROR message so
// callers can distinguish recoverable from terminal outcomes.
type Reason string

const (
	// Validation failures (pipeline L1-L6).
	ReasonUnknownMerchant           Reason = "UNKNOWN_MERCHANT"
	ReasonInvalidDelegation         Reason = "INVALID_DELEGATION"
	ReasonContractIntegrityMismatch Reason = "CONTRACT_INTEGRITY_MISMATCH"
	ReasonProofInvalid              Reason = "PROOF_INVALID"
	ReasonPolicyDenied              Reason = "POLICY_DENIED"
	ReasonNotEligible               Reason = "NOT_ELIGIBLE"

	// State failures (session store / state machine).
	ReasonInvalidTransition Reason = "INVALID_TRANSITION"
	ReasonExpired           Reason = "EXPIRED"
	ReasonReplayedNonce     Reason = "REPLAYED_NONCE"
	ReasonDuplicateSession  Reason = "DUPLICATE_SESSION"
	ReasonUnknownSession    Reason = "UNKNOWN_SESSION"
	ReasonTimeout           Reason = "TIMEOUT"

	// Transport and system failures.
	ReasonMalformedMessage  Reason = "MALFORMED_MESSAGE"
	ReasonTransportError    Reason = "TRANSPORT_ERROR"
	ReasonSystemUnavailable Reason = "SYSTEM_UNAVAILABLE"
)

// Class buckets a reason into the error taxonomy.
type Class string

const (
	ClassValidation Class = "validation"
	ClassState      Class = "state"
	ClassTransport  Class = "transport"
	ClassSystem     Class = "system"
)

func (r Reason) Class() Class {
	switch r {
	case ReasonUnknownMerchant, ReasonInvalidDelegation, ReasonContractIntegrityMismatch,
		ReasonProofInvalid, ReasonPolicyDenied, ReasonNotEligible:
		return ClassValidation
	case ReasonInvalidTransition, ReasonExpired, ReasonReplayedNonce,
		ReasonDuplicateSession, ReasonUnknownSession, ReasonTimeout:
		return ClassState
	case ReasonMalformedMessage, ReasonTransportError:
		return ClassTransport
	default:
		return ClassSystem
	}
}

// Recoverable reports whether the caller may retry with a fresh QUERY after
// receiving this reason. Transport and system failures leave the session
// untouched or retriable; validation and state failures freeze it.
func (r Reason) Recoverable() bool {
	switch r.Class() {
	case ClassTransport, ClassSystem:
		return true
	default:
		return r == ReasonUnknownSession || r == ReasonDuplicateSession
	}
}
