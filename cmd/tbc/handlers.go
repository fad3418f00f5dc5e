package main

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"tbc/pkg/httpx"
	"tbc/pkg/models"
	"tbc/pkg/policy"
	"tbc/pkg/session"
	"tbc/pkg/stream"
	"tbc/pkg/tgp"
)

// handleMessage is the request/response transport. Protocol-level failures
// travel in-band as ERROR messages with HTTP 200; only transport problems
// map to HTTP errors.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	out := s.Engine.HandleRaw(r.Context(), body, tgp.OriginHTTP)
	httpx.WriteJSON(w, http.StatusOK, out)
}

// streamSessions is the WebSocket transport: the client sends protocol
// messages as JSON frames and receives replies plus session lifecycle events
// on the same connection. ?chain_id=&session_id= narrows events to one
// session; without it the subscriber sees everything.
func (s *Server) streamSessions(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	sessionKey := ""
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		chainID, err := strconv.ParseUint(strings.TrimSpace(r.URL.Query().Get("chain_id")), 10, 64)
		if err != nil || chainID == 0 {
			httpx.Error(w, http.StatusBadRequest, "session_id filter requires chain_id")
			return
		}
		sessionKey = session.Key(chainID, id)
	}

	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Hub.Subscribe(sessionKey, 64)
	defer s.Hub.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))

	replies := make(chan tgp.Message, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, frame, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			out := s.Engine.HandleRaw(ctx, frame, tgp.OriginStream)
			select {
			case replies <- out:
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case out := <-replies:
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, out)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// sessionView is the operator-facing session snapshot. Nonces and delegation
// secrets never leave through this surface.
type sessionView struct {
	SessionID           string           `json:"session_id"`
	ChainID             uint64           `json:"chain_id"`
	State               string           `json:"state"`
	Reason              string           `json:"reason,omitempty"`
	MerchantProfileHash string           `json:"merchant_profile_hash"`
	Amount              string           `json:"amount"`
	Route               string           `json:"route,omitempty"`
	NATAddress          string           `json:"nat_address,omitempty"`
	PolicyVersion       string           `json:"policy_version,omitempty"`
	RegistryVersion     string           `json:"registry_version,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	ExpiresAt           time.Time        `json:"expires_at"`
	Envelope            *models.Envelope `json:"envelope,omitempty"`
}

func viewOf(s *session.Session) sessionView {
	v := sessionView{
		SessionID:           s.ID,
		ChainID:             s.ChainID,
		State:               s.State,
		Reason:              string(s.Reason),
		MerchantProfileHash: s.MerchantProfileHash,
		Amount:              s.Amount,
		NATAddress:          s.NATAddress,
		PolicyVersion:       s.PolicyVersion,
		RegistryVersion:     s.RegistryVersion,
		CreatedAt:           s.CreatedAt,
		ExpiresAt:           s.ExpiresAt,
		Envelope:            s.Envelope,
	}
	if s.Envelope != nil {
		v.Route = s.Envelope.Route
	}
	return v
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	sessions := s.Store.List(r.Context(), limit)
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	chainID, id, ok := sessionParams(w, r)
	if !ok {
		return
	}
	sess, err := s.Store.Get(r.Context(), chainID, id)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "session not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) getSessionAudit(w http.ResponseWriter, r *http.Request) {
	chainID, id, ok := sessionParams(w, r)
	if !ok {
		return
	}
	trail, err := s.Audit.Trail(r.Context(), chainID, id)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"records": trail})
}

func (s *Server) reloadRuleset(w http.ResponseWriter, r *http.Request) {
	if s.RulesetPath == "" {
		httpx.Error(w, http.StatusConflict, "no ruleset file configured")
		return
	}
	rs, err := policy.Load(s.RulesetPath)
	if err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "ruleset reload failed: "+err.Error())
		return
	}
	s.Rules.Swap(rs)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"version": rs.Version})
}

func sessionParams(w http.ResponseWriter, r *http.Request) (uint64, string, bool) {
	chainID, err := strconv.ParseUint(chi.URLParam(r, "chain_id"), 10, 64)
	if err != nil || chainID == 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid chain_id")
		return 0, "", false
	}
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if id == "" {
		httpx.Error(w, http.StatusBadRequest, "session_id required")
		return 0, "", false
	}
	return chainID, id, true
}

// withAdmin guards operator endpoints with the static bearer token. With no
// token configured the surface is disabled entirely.
func (s *Server) withAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" {
			httpx.Error(w, http.StatusForbidden, "admin surface disabled")
			return
		}
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.AdminToken)) != 1 {
			httpx.Error(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		h(w, r)
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
