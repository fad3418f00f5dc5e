package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncMessage("QUERY", "accepted")
	r.IncMessage("query", "accepted")
	r.IncReason("POLICY_DENIED")
	r.IncSessionState("ACKED")
	r.SetGauge("sessions_live", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Messages["QUERY|accepted"] != 2 {
		t.Fatalf("expected QUERY|accepted=2 got=%d", snap.Messages["QUERY|accepted"])
	}
	if snap.Reasons["POLICY_DENIED"] != 1 {
		t.Fatalf("expected POLICY_DENIED=1 got=%d", snap.Reasons["POLICY_DENIED"])
	}
	if snap.SessionStateTotals["ACKED"] != 1 {
		t.Fatalf("expected ACKED=1 got=%d", snap.SessionStateTotals["ACKED"])
	}
	if snap.Gauges["sessions_live"] != 3 {
		t.Fatalf("expected gauge sessions_live=3 got=%v", snap.Gauges["sessions_live"])
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/messages", 200, 12*time.Millisecond)
	r.Observe("POST /v1/messages", 500, 20*time.Millisecond)
	r.IncMessage("COMMIT", "rejected")
	r.IncReason("REPLAYED_NONCE")
	r.IncRelayBroadcasts()
	r.AddSweptSessions(2)
	r.SetGauge("sessions_live", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "tbc_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "tbc_message_total{kind=\"COMMIT\",outcome=\"rejected\"} 1") {
		t.Fatalf("missing message metric: %s", body)
	}
	if !strings.Contains(body, "tbc_reason_total{reason=\"REPLAYED_NONCE\"} 1") {
		t.Fatalf("missing reason metric: %s", body)
	}
	if !strings.Contains(body, "tbc_relay_broadcasts_total 1") {
		t.Fatalf("missing relay metric: %s", body)
	}
	if !strings.Contains(body, "tbc_swept_sessions_total 2") {
		t.Fatalf("missing sweep metric: %s", body)
	}
	if !strings.Contains(body, "tbc_gauge{name=\"sessions_live\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncMessage("", "accepted")
	r.IncReason("")
	r.IncSessionState("")
	r.SetGauge("", 5)
	r.AddSweptSessions(0)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
