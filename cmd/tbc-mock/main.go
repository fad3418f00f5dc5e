package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"tbc/pkg/httpx"
	"tbc/pkg/models"
	"tbc/pkg/registry"
	"tbc/pkg/telemetry"
)

// tbc-mock serves the three upstreams the gateway depends on (merchant
// registry, proof verifier, transaction relay) for local development. The
// verifier accepts any proof whose bytes are non-empty; the relay echoes a
// deterministic fake tx hash.

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

type mockUpstreams struct {
	mu       sync.Mutex
	registry *registry.Static
	txSeq    int
}

func newMockUpstreams() *mockUpstreams {
	profile := models.MerchantProfile{
		MerchantAddress:    "0x1111111111111111111111111111111111111111",
		SettlementContract: "0x2222222222222222222222222222222222222222",
		CodeHash:           "0xcode",
		TxFeeBps:           30,
		ZkFeeBps:           10,
		GasFeeFixed:        "21000",
		ProfileHash:        "0xprofile",
	}
	return &mockUpstreams{
		registry: &registry.Static{
			Version:  "mock-1",
			Profiles: map[string]models.MerchantProfile{profile.ProfileHash: profile},
		},
	}
}

func (m *mockUpstreams) resolveProfile(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(chi.URLParam(r, "hash"))
	profile, version, err := m.registry.Resolve(r.Context(), hash)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "profile not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"profile": profile,
		"version": version,
	})
}

func (m *mockUpstreams) registerProfile(w http.ResponseWriter, r *http.Request) {
	var profile models.MerchantProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid profile")
		return
	}
	if strings.TrimSpace(profile.ProfileHash) == "" {
		httpx.Error(w, http.StatusBadRequest, "profile_hash required")
		return
	}
	m.mu.Lock()
	m.registry.Profiles[strings.ToLower(profile.ProfileHash)] = profile
	m.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m *mockUpstreams) verify(w http.ResponseWriter, r *http.Request) {
	var proof models.ProofArtifact
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid proof")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{
		"valid": strings.TrimSpace(proof.Proof) != "",
	})
}

func (m *mockUpstreams) broadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChainID  uint64 `json:"chain_id"`
		SignedTx string `json:"signed_tx"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request")
		return
	}
	if strings.TrimSpace(req.SignedTx) == "" {
		httpx.Error(w, http.StatusUnprocessableEntity, "signed_tx required")
		return
	}
	m.mu.Lock()
	m.txSeq++
	seq := m.txSeq
	m.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"tx_hash": "0xmock" + strconv.FormatUint(req.ChainID, 10) + "x" + strconv.Itoa(seq),
	})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func newRouter(m *mockUpstreams) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("tbc-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "tbc-mock"})
	})
	r.Get("/v1/registry/profiles/{hash}", m.resolveProfile)
	r.Post("/v1/registry/profiles", m.registerProfile)
	r.Post("/v1/verify", m.verify)
	r.Post("/v1/relay/broadcast", m.broadcast)
	return r
}

func runMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "tbc-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	addr := env("ADDR", ":8085")
	log.Printf("tbc-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           newRouter(newMockUpstreams()),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
