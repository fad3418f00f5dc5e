package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tbc/pkg/models"
	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

type fakeAuditDB struct {
	execErr   error
	queryErr  error
	rows      [][]any
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	_ = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	if len(f.rows) == 0 {
		return &fakeAuditRows{err: errors.New("no rows")}
	}
	return &fakeAuditRows{rows: f.rows[:1]}
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeAuditRows{rows: f.rows}, nil
}

type fakeAuditRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeAuditRows) Close()                                       {}
func (r *fakeAuditRows) Err() error                                   { return r.err }
func (r *fakeAuditRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeAuditRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeAuditRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeAuditRows) RawValues() [][]byte                          { return nil }
func (r *fakeAuditRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeAuditRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeAuditRows) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	values := r.rows[r.idx-1]
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *uint64:
		v, ok := val.(uint64)
		if !ok {
			return fmt.Errorf("expected uint64, got %T", val)
		}
		*d = v
		return nil
	case *json.RawMessage:
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		case nil:
			*d = nil
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func rawArgString(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func TestWriterAppendAndTrail(t *testing.T) {
	now := time.Date(2026, 8, 14, 12, 0, 0, 0, time.UTC)
	grant := json.RawMessage(`{"owner":"b64key","nonce":"n-1","signature":{"alg":"ed25519","sig":"rawsig"}}`)
	db := &fakeAuditDB{
		rows: [][]any{
			{"s-1", uint64(8453), "QUERY", "http", "ACKED", "", "1000", "v3", "r9", json.RawMessage(nil), now},
			{"s-1", uint64(8453), "COMMIT", "http", "COMMITTED", "", "1000", "v3", "r9", grant, now.Add(time.Second)},
		},
	}
	w := &Writer{DB: db}

	rec := Record{
		SessionID:       "s-1",
		ChainID:         8453,
		Kind:            "COMMIT",
		Origin:          "http",
		State:           "COMMITTED",
		Amount:          "1000",
		PolicyVersion:   "v3",
		RegistryVersion: "r9",
		DelegationRaw:   grant,
		CreatedAt:       now,
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 11 {
		t.Fatalf("expected 11 exec args, got %d", len(db.execArgs))
	}
	if got := rawArgString(db.execArgs[9]); got != string(grant) {
		t.Fatalf("unexpected delegation arg: %s", got)
	}

	trail, err := w.Trail(context.Background(), 8453, "s-1")
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 records, got %d", len(trail))
	}
	if trail[0].Kind != "QUERY" || trail[1].State != "COMMITTED" {
		t.Fatalf("unexpected trail: %+v", trail)
	}
	if len(db.queryArgs) != 2 {
		t.Fatalf("expected chain-scoped query args, got %d", len(db.queryArgs))
	}
}

func TestWriterRedactionAndErrors(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{
		DB:       db,
		HashSalt: []byte("salt-1"),
		Redact:   true,
	}
	grant := json.RawMessage(`{"delegate_key":"dk","owner":"ownerkey","spend_cap":"5000","expiry":"2026-09-01T00:00:00Z","scope_hash":"0xab","session_id":"s-1","nonce":"secret-nonce","chain_id":8453,"verifying_contract":"0xcc","signature":{"alg":"ed25519","sig":"rawsig"}}`)
	rec := Record{
		SessionID:     "s-1",
		ChainID:       8453,
		Kind:          "COMMIT",
		DelegationRaw: grant,
		CreatedAt:     time.Now().UTC(),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append redacted: %v", err)
	}

	stored := rawArgString(db.execArgs[9])
	if strings.Contains(stored, "secret-nonce") || strings.Contains(stored, "rawsig") || strings.Contains(stored, "ownerkey") {
		t.Fatalf("secret material leaked into audit record: %s", stored)
	}
	if !strings.Contains(stored, "nonce_hash") || !strings.Contains(stored, "sig_hash") {
		t.Fatalf("expected hashed fields in redacted grant: %s", stored)
	}
	if !strings.Contains(stored, "\"spend_cap\":\"5000\"") {
		t.Fatalf("expected public economics preserved: %s", stored)
	}

	db.execErr = errors.New("exec failed")
	if err := w.Append(context.Background(), rec); err == nil {
		t.Fatal("expected append error")
	}

	db.queryErr = errors.New("query failed")
	if _, err := w.Trail(context.Background(), 8453, "s-1"); err == nil {
		t.Fatal("expected trail error")
	}
}

func TestSessionEventBestEffort(t *testing.T) {
	db := &fakeAuditDB{execErr: errors.New("db down")}
	w := &Writer{DB: db}
	s := &session.Session{
		ID:      "s-2",
		ChainID: 1,
		State:   "ERROR",
		Amount:  "10",
		Origin:  tgp.OriginHTTP,
		Delegation: &models.DelegationGrant{
			Owner: "k",
			Nonce: "n",
		},
	}
	// Must not panic or propagate the failure.
	w.SessionEvent(context.Background(), s, tgp.KindCommit, tgp.ReasonReplayedNonce)
	if len(db.execArgs) != 11 {
		t.Fatalf("expected append attempt, got %d args", len(db.execArgs))
	}
	if got := rawArgString(db.execArgs[5]); got != "REPLAYED_NONCE" {
		t.Fatalf("unexpected reason arg: %s", got)
	}
}
