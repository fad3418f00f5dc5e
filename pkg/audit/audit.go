package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends one immutable record per handled protocol message. With
// Redact set, wallet keys, signatures, and nonces are replaced by salted
// hashes before the record leaves the process.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	SessionID       string
	ChainID         uint64
	Kind            string
	Origin          string
	State           string
	Reason          string
	Amount          string
	PolicyVersion   string
	RegistryVersion string
	DelegationRaw   json.RawMessage
	CreatedAt       time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO session_audit
		(session_id, chain_id, kind, origin, state, reason, amount, policy_version, registry_version, delegation_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.SessionID, rec.ChainID, rec.Kind, rec.Origin, rec.State, rec.Reason, rec.Amount,
		rec.PolicyVersion, rec.RegistryVersion, rec.DelegationRaw, rec.CreatedAt)
	return err
}

// SessionEvent records a handled message against its session. Best effort:
// failures are logged, never propagated into message handling.
func (w *Writer) SessionEvent(ctx context.Context, s *session.Session, kind tgp.Kind, reason tgp.Reason) {
	rec := Record{
		SessionID:       s.ID,
		ChainID:         s.ChainID,
		Kind:            string(kind),
		Origin:          string(s.Origin),
		State:           s.State,
		Reason:          string(reason),
		Amount:          s.Amount,
		PolicyVersion:   s.PolicyVersion,
		RegistryVersion: s.RegistryVersion,
		CreatedAt:       time.Now().UTC(),
	}
	if s.Delegation != nil {
		raw, err := json.Marshal(s.Delegation)
		if err == nil {
			rec.DelegationRaw = raw
		}
	}
	if err := w.Append(ctx, rec); err != nil {
		log.Printf("audit: append session %s: %v", session.Key(s.ChainID, s.ID), err)
	}
}

// Trail returns a session's records oldest first.
func (w *Writer) Trail(ctx context.Context, chainID uint64, sessionID string) ([]Record, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT session_id, chain_id, kind, origin, state, reason, amount, policy_version, registry_version, delegation_raw, created_at
		FROM session_audit WHERE chain_id=$1 AND session_id=$2 ORDER BY created_at ASC
	`, chainID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var delegation json.RawMessage
		if err := rows.Scan(&rec.SessionID, &rec.ChainID, &rec.Kind, &rec.Origin, &rec.State, &rec.Reason,
			&rec.Amount, &rec.PolicyVersion, &rec.RegistryVersion, &delegation, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.DelegationRaw = delegation
		out = append(out, rec)
	}
	return out, rows.Err()
}
