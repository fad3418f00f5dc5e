package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"tbc/pkg/envelope"
	"tbc/pkg/escrowfsm"
	"tbc/pkg/models"
	"tbc/pkg/pipeline"
	"tbc/pkg/session"
	"tbc/pkg/stream"
	"tbc/pkg/tgp"
)

// Relay broadcasts a signed transaction on behalf of a client whose own RPC
// path is unusable. Returns the transaction hash reported by the relay.
type Relay interface {
	Broadcast(ctx context.Context, chainID uint64, signedTx string) (string, error)
}

// Auditor receives one entry per handled message. Best effort: audit
// failures are logged and never surfaced as message failures.
type Auditor interface {
	SessionEvent(ctx context.Context, s *session.Session, kind tgp.Kind, reason tgp.Reason)
}

// Publisher fan-outs session lifecycle events to streaming subscribers.
type Publisher interface {
	Publish(evt stream.Event)
}

// Metrics is the slice of the metrics registry the engine reports into.
type Metrics interface {
	IncMessage(kind, outcome string)
	IncReason(reason string)
	IncSessionState(state string)
	IncRelayBroadcasts()
	ObserveLatency(name string, d time.Duration)
}

const (
	defaultSessionTTL    = 15 * time.Minute
	defaultFulfillWindow = 10 * time.Minute
)

// Engine drives one inbound protocol message through admission control, the
// session state machine, and the kind-specific side effects, then produces
// the single outbound message the transport returns to the sender.
//
// All mutation happens inside the session store's per-session critical
// section: admission checks, nonce consumption, and the state transition of
// a message commit together or not at all.
type Engine struct {
	Store  session.Store
	Checks *pipeline.Chain

	Hub     Publisher
	Relay   Relay
	Audit   Auditor
	Metrics Metrics

	SessionTTL    time.Duration
	FulfillWindow time.Duration
	Now           func() time.Time
}

// errFrozen aborts an Update without swapping the working copy in.
var errFrozen = errors.New("dispatch: no mutation")

// outcome carries a failure out of the Update closure when the stored
// session must stay untouched (transport-class failures, frozen sessions).
type outcome struct {
	reason tgp.Reason
	detail string
}

// HandleRaw parses a raw inbound frame and handles it. Malformed frames get
// an ERROR reply and never touch the store.
func (e *Engine) HandleRaw(ctx context.Context, raw []byte, origin tgp.Origin) tgp.Message {
	msg, err := tgp.Parse(raw, origin)
	if err != nil {
		e.count(string(tgp.KindError), "rejected")
		e.reason(tgp.ReasonMalformedMessage)
		return errorMessage(0, "", tgp.ReasonMalformedMessage, err.Error())
	}
	return e.Handle(ctx, msg)
}

// Handle runs one parsed message to completion and returns the outbound
// reply: ACK for an admitted QUERY, a state echo for every other accepted
// kind, or an ERROR carrying the reason code.
func (e *Engine) Handle(ctx context.Context, msg tgp.Message) tgp.Message {
	started := e.now()
	var out tgp.Message
	if msg.Kind == tgp.KindQuery {
		out = e.handleQuery(ctx, msg)
	} else {
		out = e.handleExisting(ctx, msg)
	}
	e.observe("handle."+string(msg.Kind), e.now().Sub(started))
	if out.Kind == tgp.KindError {
		e.count(string(msg.Kind), "rejected")
	} else {
		e.count(string(msg.Kind), "accepted")
	}
	return out
}

// handleQuery admits a new session. The session is created in INIT, then a
// single Update runs the admission layers, builds the envelope, and advances
// INIT -> QUERIED -> ACKED; the ACK the caller receives is emitted from the
// same critical section that committed the state.
func (e *Engine) handleQuery(ctx context.Context, msg tgp.Message) tgp.Message {
	var payload models.QueryPayload
	if err := msg.DecodePayload(&payload); err != nil {
		e.reason(tgp.ReasonMalformedMessage)
		return errorMessage(msg.ChainID, msg.SessionID, tgp.ReasonMalformedMessage, err.Error())
	}
	chainID := payload.ChainID
	if chainID == 0 {
		chainID = msg.ChainID
	}
	if chainID == 0 || payload.MerchantProfileHash == "" {
		e.reason(tgp.ReasonMalformedMessage)
		return errorMessage(chainID, msg.SessionID, tgp.ReasonMalformedMessage, "chain_id and merchant_profile_hash required")
	}
	if _, err := models.ParseAmount(payload.Amount); err != nil {
		e.reason(tgp.ReasonMalformedMessage)
		return errorMessage(chainID, msg.SessionID, tgp.ReasonMalformedMessage, "amount must be a decimal integer string")
	}

	id := msg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	s := &session.Session{
		ID:                  id,
		ChainID:             chainID,
		State:               escrowfsm.Init,
		MerchantProfileHash: payload.MerchantProfileHash,
		Amount:              payload.Amount,
		SpendLimit:          payload.SpendLimit,
		ClientRPCReachable:  payload.ClientRPCReachable,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.sessionTTL()),
		Origin:              msg.Origin,
	}
	if err := e.Store.Create(ctx, s); err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			// The live session keeps its state; a colliding QUERY is answered
			// and forgotten.
			e.reason(tgp.ReasonDuplicateSession)
			return errorMessage(chainID, id, tgp.ReasonDuplicateSession, "session id already live on this chain")
		}
		e.reason(tgp.ReasonSystemUnavailable)
		return errorMessage(chainID, id, tgp.ReasonSystemUnavailable, err.Error())
	}

	updated, err := e.Store.Update(ctx, chainID, id, func(s *session.Session) error {
		pctx := &pipeline.Context{}
		if err := e.Checks.Run(ctx, pctx, s, msg); err != nil {
			commitError(s, checkReason(err), err.Error())
			return nil
		}
		env, err := envelope.Build(envelope.Input{Session: s, Profile: pctx.Profile, Rules: pctx.Rules})
		if err != nil {
			commitError(s, tgp.ReasonSystemUnavailable, err.Error())
			return nil
		}
		nat := envelope.MapSender(s.ChainID, s.ID, s.MerchantProfileHash)
		s.Envelope = &env
		s.NATAddress = nat.Address
		s.NATCommitment = nat.Commitment
		s.State = escrowfsm.Acked
		s.Reason = ""
		return nil
	})
	return e.finish(ctx, msg, updated, storeFailure(err, nil))
}

func (e *Engine) handleExisting(ctx context.Context, msg tgp.Message) tgp.Message {
	var fail *outcome
	updated, err := e.Store.Update(ctx, msg.ChainID, msg.SessionID, func(s *session.Session) error {
		if escrowfsm.IsTerminal(s.State) {
			// Terminal sessions are frozen; late messages bounce off without
			// rewriting the recorded outcome.
			fail = &outcome{reason: tgp.ReasonInvalidTransition, detail: "session is " + s.State}
			return errFrozen
		}
		pctx := &pipeline.Context{}
		if err := e.Checks.Run(ctx, pctx, s, msg); err != nil {
			commitError(s, checkReason(err), err.Error())
			return nil
		}
		next, err := escrowfsm.Next(s.State, msg.Kind)
		if err != nil {
			commitError(s, tgp.ReasonInvalidTransition, string(msg.Kind)+" not expected in "+s.State)
			return nil
		}
		if err := e.applyKind(ctx, s, msg); err != nil {
			return err
		}
		if s.State == escrowfsm.Error {
			return nil
		}
		s.State = next
		s.Reason = ""
		return nil
	})
	return e.finish(ctx, msg, updated, storeFailure(err, fail))
}

// applyKind performs the side effects a kind carries beyond its transition.
// A nil return with the session in ERROR means the failure was committed.
func (e *Engine) applyKind(ctx context.Context, s *session.Session, msg tgp.Message) error {
	switch msg.Kind {
	case tgp.KindAccept:
		var payload models.AcceptPayload
		if err := msg.DecodePayload(&payload); err != nil {
			commitError(s, tgp.ReasonMalformedMessage, err.Error())
			return nil
		}
		if s.Envelope == nil {
			commitError(s, tgp.ReasonSystemUnavailable, "no envelope recorded for session")
			return nil
		}
		want, err := models.EnvelopeHash(*s.Envelope)
		if err != nil {
			commitError(s, tgp.ReasonSystemUnavailable, err.Error())
			return nil
		}
		if payload.EnvelopeHash != want {
			commitError(s, tgp.ReasonContractIntegrityMismatch, "accepted envelope hash does not match the issued envelope")
			return nil
		}
	case tgp.KindFulfill:
		var payload models.FulfillPayload
		if err := msg.DecodePayload(&payload); err != nil {
			commitError(s, tgp.ReasonMalformedMessage, err.Error())
			return nil
		}
		s.FulfillDeadline = e.now().Add(e.fulfillWindow())
		if s.Envelope != nil && s.Envelope.Route == models.RouteRelay {
			if payload.SignedTx == "" {
				commitError(s, tgp.ReasonMalformedMessage, "relay route requires signed_tx")
				return nil
			}
			if e.Relay == nil {
				commitError(s, tgp.ReasonSystemUnavailable, "no relay configured")
				return nil
			}
			if _, err := e.Relay.Broadcast(ctx, s.ChainID, payload.SignedTx); err != nil {
				commitError(s, tgp.ReasonSystemUnavailable, "relay broadcast: "+err.Error())
				return nil
			}
			if e.Metrics != nil {
				e.Metrics.IncRelayBroadcasts()
			}
		}
	case tgp.KindClaim:
		var payload models.ClaimPayload
		if err := msg.DecodePayload(&payload); err != nil {
			commitError(s, tgp.ReasonMalformedMessage, err.Error())
			return nil
		}
		if payload.Nonce != "" {
			if err := s.ConsumeNonce(payload.Nonce); err != nil {
				commitError(s, tgp.ReasonReplayedNonce, "claim nonce already consumed")
				return nil
			}
		}
	}
	return nil
}

// finish converts the Update result into the outbound message and emits the
// observability side effects.
func (e *Engine) finish(ctx context.Context, msg tgp.Message, s *session.Session, fail *outcome) tgp.Message {
	if fail != nil {
		e.reason(fail.reason)
		if s != nil {
			e.publish(s, msg.Kind, fail.reason)
		}
		return errorMessage(msg.ChainID, msg.SessionID, fail.reason, fail.detail)
	}
	if s == nil {
		e.reason(tgp.ReasonSystemUnavailable)
		return errorMessage(msg.ChainID, msg.SessionID, tgp.ReasonSystemUnavailable, "session store unavailable")
	}

	e.publish(s, msg.Kind, s.Reason)
	e.stateTotal(s.State)
	if e.Audit != nil {
		e.Audit.SessionEvent(ctx, s, msg.Kind, s.Reason)
	}

	if s.State == escrowfsm.Error {
		e.reason(s.Reason)
		log.Printf("dispatch: session %s rejected %s: %s", session.Key(s.ChainID, s.ID), msg.Kind, s.Reason)
		return errorMessage(s.ChainID, s.ID, s.Reason, "")
	}
	if msg.Kind == tgp.KindQuery {
		return tgp.NewOutbound(tgp.KindAck, s.ChainID, s.ID, models.AckPayload{Envelope: *s.Envelope})
	}
	return tgp.NewOutbound(msg.Kind, s.ChainID, s.ID, tgp.StatusPayload{State: s.State})
}

// Sweep expires overdue sessions and announces each timeout to subscribers.
func (e *Engine) Sweep(ctx context.Context) int {
	swept := e.Store.SweepExpired(ctx, e.now())
	for _, s := range swept {
		e.reason(tgp.ReasonTimeout)
		e.stateTotal(s.State)
		e.publish(s, tgp.KindError, tgp.ReasonTimeout)
		if e.Audit != nil {
			e.Audit.SessionEvent(ctx, s, tgp.KindError, tgp.ReasonTimeout)
		}
	}
	return len(swept)
}

func (e *Engine) publish(s *session.Session, kind tgp.Kind, reason tgp.Reason) {
	if e.Hub == nil {
		return
	}
	e.Hub.Publish(stream.NewSessionEvent(session.Key(s.ChainID, s.ID), "session.state", stream.SessionState{
		SessionID: s.ID,
		ChainID:   s.ChainID,
		State:     s.State,
		Kind:      string(kind),
		Reason:    string(reason),
	}))
}

func commitError(s *session.Session, reason tgp.Reason, detail string) {
	s.State = escrowfsm.Error
	s.Reason = reason
	if detail != "" {
		log.Printf("dispatch: session %s -> ERROR (%s): %s", session.Key(s.ChainID, s.ID), reason, detail)
	}
}

func checkReason(err error) tgp.Reason {
	var ce *pipeline.CheckError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return tgp.ReasonSystemUnavailable
}

func storeFailure(err error, fail *outcome) *outcome {
	if fail != nil {
		return fail
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrUnknownSession):
		return &outcome{reason: tgp.ReasonUnknownSession, detail: "no live session with this id"}
	case errors.Is(err, session.ErrExpired):
		return &outcome{reason: tgp.ReasonExpired, detail: "session deadline passed"}
	default:
		return &outcome{reason: tgp.ReasonSystemUnavailable, detail: err.Error()}
	}
}

func errorMessage(chainID uint64, sessionID string, reason tgp.Reason, detail string) tgp.Message {
	return tgp.NewOutbound(tgp.KindError, chainID, sessionID, tgp.ErrorPayload{Reason: reason, Message: detail})
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) sessionTTL() time.Duration {
	if e.SessionTTL > 0 {
		return e.SessionTTL
	}
	return defaultSessionTTL
}

func (e *Engine) fulfillWindow() time.Duration {
	if e.FulfillWindow > 0 {
		return e.FulfillWindow
	}
	return defaultFulfillWindow
}

func (e *Engine) count(kind, outcome string) {
	if e.Metrics != nil {
		e.Metrics.IncMessage(kind, outcome)
	}
}

func (e *Engine) stateTotal(state string) {
	if e.Metrics != nil && state != "" {
		e.Metrics.IncSessionState(state)
	}
}

func (e *Engine) reason(r tgp.Reason) {
	if e.Metrics != nil && r != "" {
		e.Metrics.IncReason(string(r))
	}
}

func (e *Engine) observe(name string, d time.Duration) {
	if e.Metrics != nil {
		e.Metrics.ObserveLatency(name, d)
	}
}
