package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tbc/pkg/tgp"
)

type sessionDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresPersister keeps the minimum durable fields for crash recovery:
// state, expires_at and the consumed-nonce set, keyed by (chain_id,
// session_id).
type PostgresPersister struct {
	DB sessionDB
}

func (p *PostgresPersister) Save(ctx context.Context, s *Session) error {
	nonces := make([]string, 0, len(s.UsedNonces))
	for n := range s.UsedNonces {
		nonces = append(nonces, n)
	}
	noncesRaw, err := json.Marshal(nonces)
	if err != nil {
		return err
	}
	var delegation, envelope []byte
	if s.Delegation != nil {
		delegation, _ = json.Marshal(s.Delegation)
	}
	if s.Envelope != nil {
		envelope, _ = json.Marshal(s.Envelope)
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO sessions
		(chain_id, session_id, state, merchant_profile_hash, amount, spend_limit,
		 created_at, expires_at, fulfill_deadline, used_nonces, delegation_raw,
		 envelope_raw, nat_commitment, registry_version, policy_version, origin, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (chain_id, session_id) DO UPDATE SET
		 state=EXCLUDED.state, expires_at=EXCLUDED.expires_at,
		 fulfill_deadline=EXCLUDED.fulfill_deadline, used_nonces=EXCLUDED.used_nonces,
		 delegation_raw=EXCLUDED.delegation_raw, envelope_raw=EXCLUDED.envelope_raw,
		 nat_commitment=EXCLUDED.nat_commitment, registry_version=EXCLUDED.registry_version,
		 policy_version=EXCLUDED.policy_version, reason=EXCLUDED.reason
	`, s.ChainID, s.ID, s.State, s.MerchantProfileHash, s.Amount, s.SpendLimit,
		s.CreatedAt, s.ExpiresAt, nullTime(s.FulfillDeadline), noncesRaw, delegation,
		envelope, s.NATCommitment, s.RegistryVersion, s.PolicyVersion, string(s.Origin), string(s.Reason))
	return err
}

// LoadLive restores non-terminal, non-expired sessions after a restart.
func (p *PostgresPersister) LoadLive(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT chain_id, session_id, state, merchant_profile_hash, amount, spend_limit,
		       created_at, expires_at, fulfill_deadline, used_nonces, delegation_raw,
		       envelope_raw, nat_commitment, registry_version, policy_version, origin, reason
		FROM sessions
		WHERE state NOT IN ('SETTLED','ERROR') AND expires_at > $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func originFrom(s string) tgp.Origin {
	switch tgp.Origin(s) {
	case tgp.OriginHTTP, tgp.OriginStream, tgp.OriginChain:
		return tgp.Origin(s)
	default:
		return tgp.OriginHTTP
	}
}

func reasonFrom(s string) tgp.Reason {
	return tgp.Reason(s)
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		s              Session
		fulfill        *time.Time
		noncesRaw      []byte
		delegationRaw  []byte
		envelopeRaw    []byte
		origin, reason string
	)
	if err := row.Scan(&s.ChainID, &s.ID, &s.State, &s.MerchantProfileHash, &s.Amount,
		&s.SpendLimit, &s.CreatedAt, &s.ExpiresAt, &fulfill, &noncesRaw, &delegationRaw,
		&envelopeRaw, &s.NATCommitment, &s.RegistryVersion, &s.PolicyVersion, &origin, &reason); err != nil {
		return nil, err
	}
	if fulfill != nil {
		s.FulfillDeadline = *fulfill
	}
	var nonces []string
	if len(noncesRaw) > 0 {
		if err := json.Unmarshal(noncesRaw, &nonces); err != nil {
			return nil, err
		}
	}
	s.UsedNonces = make(map[string]struct{}, len(nonces))
	for _, n := range nonces {
		s.UsedNonces[n] = struct{}{}
	}
	if len(delegationRaw) > 0 {
		if err := json.Unmarshal(delegationRaw, &s.Delegation); err != nil {
			return nil, err
		}
	}
	if len(envelopeRaw) > 0 {
		if err := json.Unmarshal(envelopeRaw, &s.Envelope); err != nil {
			return nil, err
		}
	}
	s.Origin = originFrom(origin)
	s.Reason = reasonFrom(reason)
	return &s, nil
}
