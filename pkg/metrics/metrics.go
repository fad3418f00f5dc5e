package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	message       map[string]int64
	reason        map[string]int64
	gauges        map[string]float64
	sessionState  map[string]int64
	relayBcasts   int64
	sweptTotal    int64
	proofLatency  ProofLatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type ProofLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	Messages            map[string]int64        `json:"messages"`
	Reasons             map[string]int64        `json:"reasons"`
	Gauges              map[string]float64      `json:"gauges"`
	SessionStateTotals  map[string]int64        `json:"session_state_totals"`
	RelayBroadcasts     int64                   `json:"relay_broadcasts_total"`
	SweptSessions       int64                   `json:"swept_sessions_total"`
	ProofVerifyLatency  ProofLatencyStat        `json:"proof_verify_latency_ms"`
	Histograms          []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		message:      map[string]int64{},
		reason:       map[string]int64{},
		gauges:       map[string]float64{},
		sessionState: map[string]int64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncMessage counts one handled protocol message by kind and outcome
// ("accepted" or "rejected").
func (r *Registry) IncMessage(kind, outcome string) {
	kind = strings.TrimSpace(strings.ToUpper(kind))
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if kind == "" {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	r.mu.Lock()
	r.message[kind+"|"+outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) ObserveProofVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proofLatency.Count++
	r.proofLatency.TotalMS += ms
	r.proofLatency.LastMS = ms
	if ms > r.proofLatency.MaxMS {
		r.proofLatency.MaxMS = ms
	}
	r.proofLatency.AvgMS = float64(r.proofLatency.TotalMS) / float64(r.proofLatency.Count)
}

func (r *Registry) IncSessionState(state string) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.sessionState[state]++
	r.mu.Unlock()
}

func (r *Registry) IncRelayBroadcasts() {
	r.mu.Lock()
	r.relayBcasts++
	r.mu.Unlock()
}

func (r *Registry) AddSweptSessions(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.sweptTotal += int64(n)
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		Messages:           make(map[string]int64, len(r.message)),
		Reasons:            make(map[string]int64, len(r.reason)),
		Gauges:             make(map[string]float64, len(r.gauges)),
		SessionStateTotals: make(map[string]int64, len(r.sessionState)),
		RelayBroadcasts:    r.relayBcasts,
		SweptSessions:      r.sweptTotal,
		ProofVerifyLatency: ProofLatencyStat{
			Count:   r.proofLatency.Count,
			TotalMS: r.proofLatency.TotalMS,
			MaxMS:   r.proofLatency.MaxMS,
			LastMS:  r.proofLatency.LastMS,
			AvgMS:   r.proofLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.message {
		out.Messages[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.sessionState {
		out.SessionStateTotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP tbc_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE tbc_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "tbc_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP tbc_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE tbc_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "tbc_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP tbc_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE tbc_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "tbc_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP tbc_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE tbc_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "tbc_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP tbc_message_total handled protocol messages by kind and outcome\n")
		b.WriteString("# TYPE tbc_message_total counter\n")
		for _, key := range SortedKeys(snap.Messages) {
			parts := strings.SplitN(key, "|", 2)
			kind := parts[0]
			outcome := "unknown"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "tbc_message_total{kind=%q,outcome=%q} %d\n", kind, outcome, snap.Messages[key])
		}
		b.WriteString("# HELP tbc_reason_total rejections by reason code\n")
		b.WriteString("# TYPE tbc_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "tbc_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP tbc_session_state_total session transitions by resulting state\n")
		b.WriteString("# TYPE tbc_session_state_total counter\n")
		for _, state := range SortedKeys(snap.SessionStateTotals) {
			fmt.Fprintf(b, "tbc_session_state_total{state=%q} %d\n", state, snap.SessionStateTotals[state])
		}
		b.WriteString("# HELP tbc_gauge operational gauge metrics\n")
		b.WriteString("# TYPE tbc_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "tbc_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP tbc_latency_seconds latency histogram\n")
			b.WriteString("# TYPE tbc_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "tbc_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "tbc_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "tbc_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "tbc_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "tbc_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "tbc_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "tbc_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP tbc_proof_verify_latency_ms proof verifier latency in ms\n")
		b.WriteString("# TYPE tbc_proof_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "tbc_proof_verify_latency_ms{stat=%q} %d\n", "last", snap.ProofVerifyLatency.LastMS)
		fmt.Fprintf(b, "tbc_proof_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.ProofVerifyLatency.AvgMS)
		fmt.Fprintf(b, "tbc_proof_verify_latency_ms{stat=%q} %d\n", "max", snap.ProofVerifyLatency.MaxMS)

		b.WriteString("# HELP tbc_relay_broadcasts_total relayed signed transactions\n")
		b.WriteString("# TYPE tbc_relay_broadcasts_total counter\n")
		fmt.Fprintf(b, "tbc_relay_broadcasts_total %d\n", snap.RelayBroadcasts)

		b.WriteString("# HELP tbc_swept_sessions_total sessions expired by the sweep loop\n")
		b.WriteString("# TYPE tbc_swept_sessions_total counter\n")
		fmt.Fprintf(b, "tbc_swept_sessions_total %d\n", snap.SweptSessions)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
