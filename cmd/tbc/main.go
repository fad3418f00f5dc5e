package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"tbc/pkg/audit"
	"tbc/pkg/chain"
	"tbc/pkg/dispatch"
	"tbc/pkg/escrowfsm"
	"tbc/pkg/hardening"
	"tbc/pkg/httpx"
	"tbc/pkg/metrics"
	"tbc/pkg/pipeline"
	"tbc/pkg/policy"
	"tbc/pkg/ratelimit"
	"tbc/pkg/registry"
	"tbc/pkg/session"
	"tbc/pkg/store"
	"tbc/pkg/stream"
	"tbc/pkg/telemetry"
	"tbc/pkg/tgp"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server carries everything the HTTP and WebSocket surfaces need. The
// protocol itself lives in dispatch.Engine; this layer is transport only.
type Server struct {
	Engine              *dispatch.Engine
	Store               session.Store
	Audit               *audit.Writer
	Hub                 *stream.Hub
	Metrics             *metrics.Registry
	Rules               *policy.Holder
	RulesetPath         string
	AdminToken          string
	MaxRequestBodyBytes int64
}

// serverDBCloser is what runServer needs from Postgres: the query surface the
// audit writer and session persister share, plus pool shutdown. *pgxpool.Pool
// satisfies it; tests substitute fakes.
type serverDBCloser interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

type (
	initTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
	openDBFunc        func(ctx context.Context) (serverDBCloser, error)
	openRedisFunc     func(ctx context.Context) (*redis.Client, error)
	listenFunc        func(server *http.Server) error
	startLoopsFunc    func(ctx context.Context, s *Server)
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (serverDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn    = func(ctx context.Context, s *Server) {
		go s.sweepLoop(ctx)
		go s.metricsLoop(ctx)
		if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
			go s.observerLoop(ctx, strings.Split(brokers, ","))
		}
	}
)

func main() {
	if err := runServer(initTelemetryFn, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("tbc: %v", err)
	}
}

func runServer(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "tbc")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	registryAuthHeader := env("REGISTRY_AUTH_HEADER", "")
	registryAuthToken := env("REGISTRY_AUTH_TOKEN", "")
	verifierAuthHeader := env("VERIFIER_AUTH_HEADER", "")
	verifierAuthToken := env("VERIFIER_AUTH_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "tbc",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		StreamAllowedOrigins:  env("WS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "REGISTRY_AUTH_HEADER", Value: registryAuthHeader},
			{Name: "REGISTRY_AUTH_TOKEN", Value: registryAuthToken},
			{Name: "VERIFIER_AUTH_HEADER", Value: verifierAuthHeader},
			{Name: "VERIFIER_AUTH_TOKEN", Value: verifierAuthToken},
			{Name: "ADMIN_TOKEN", Value: env("ADMIN_TOKEN", "")},
		},
	}); err != nil {
		return err
	}

	rules, rulesetPath, err := loadRuleset()
	if err != nil {
		return err
	}

	sessionTTL := envDurationSec("SESSION_TTL_SEC", 900)
	upstreamRetries := envInt("UPSTREAM_RETRIES", 2)
	upstreamRetryDelay := time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 100))
	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000)),
	})

	var limiter ratelimit.Limiter
	window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, window)
	} else {
		limiter = ratelimit.NewInMemory(window)
	}

	auditWriter := &audit.Writer{
		DB:       pool,
		HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
		Redact:   strings.EqualFold(env("AUDIT_REDACT", "true"), "true"),
	}

	persister := &session.PostgresPersister{DB: pool}
	sessions := session.NewMemoryStore(session.WithPersister(persister))
	if restored, err := persister.LoadLive(ctx, time.Now().UTC()); err != nil {
		log.Printf("session restore skipped: %v", err)
	} else {
		for _, s := range restored {
			if err := sessions.Create(ctx, s); err != nil {
				log.Printf("session restore %s: %v", session.Key(s.ChainID, s.ID), err)
			}
		}
		if len(restored) > 0 {
			log.Printf("restored %d live sessions", len(restored))
		}
	}

	reg := metrics.NewRegistry()
	checks := pipeline.NewChain(
		&pipeline.RegistryChecker{Resolver: &registry.Client{
			HTTPClient: httpClient,
			BaseURL:    env("REGISTRY_URL", "http://localhost:8091"),
			AuthHeader: registryAuthHeader,
			AuthToken:  registryAuthToken,
			Retries:    upstreamRetries,
			RetryDelay: upstreamRetryDelay,
			CacheTTL:   sessionTTL,
		}},
		&pipeline.DelegationChecker{Guard: &pipeline.CacheReplayGuard{Cache: cache}},
		&pipeline.IntegrityChecker{Resolver: &pipeline.RPCCodeResolver{
			HTTPClient: httpClient,
			Endpoints:  parseChainEndpoints(env("RPC_ENDPOINTS", "")),
			Retries:    upstreamRetries,
			RetryDelay: upstreamRetryDelay,
		}},
		&pipeline.ProofChecker{
			Verifier: &pipeline.HTTPVerifier{
				HTTPClient: httpClient,
				BaseURL:    env("VERIFIER_URL", "http://localhost:8092"),
				AuthHeader: verifierAuthHeader,
				AuthToken:  verifierAuthToken,
				Retries:    upstreamRetries,
				RetryDelay: upstreamRetryDelay,
			},
			Metrics: reg,
		},
		&pipeline.PolicyChecker{Rules: rules, Limiter: limiter},
		&pipeline.EligibilityChecker{},
	)

	hub := stream.NewHub()
	engine := &dispatch.Engine{
		Store:  sessions,
		Checks: checks,
		Hub:    hub,
		Relay: &chain.RelayClient{
			Endpoint:   env("RELAY_URL", ""),
			AuthToken:  env("RELAY_AUTH_TOKEN", ""),
			HTTPClient: httpClient,
			Retries:    upstreamRetries,
			RetryDelay: upstreamRetryDelay,
		},
		Audit:         auditWriter,
		Metrics:       reg,
		SessionTTL:    sessionTTL,
		FulfillWindow: envDurationSec("FULFILL_WINDOW_SEC", 600),
	}

	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	s := &Server{
		Engine:              engine,
		Store:               sessions,
		Audit:               auditWriter,
		Hub:                 hub,
		Metrics:             reg,
		Rules:               rules,
		RulesetPath:         rulesetPath,
		AdminToken:          env("ADMIN_TOKEN", ""),
		MaxRequestBodyBytes: maxBody,
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("tbc"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "tbc"})
	})
	r.Post("/v1/messages", s.handleMessage)
	r.Get("/v1/stream", s.streamSessions)

	r.Get("/metrics", s.withAdmin(s.Metrics.Handler()))
	r.Get("/metrics/prometheus", s.withAdmin(s.Metrics.PrometheusHandler()))
	r.Get("/v1/sessions", s.withAdmin(s.listSessions))
	r.Get("/v1/sessions/{chain_id}/{session_id}", s.withAdmin(s.getSession))
	r.Get("/v1/sessions/{chain_id}/{session_id}/audit", s.withAdmin(s.getSessionAudit))
	r.Post("/v1/policy/reload", s.withAdmin(s.reloadRuleset))

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8090")
	log.Printf("tbc listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// loadRuleset reads the YAML policy ruleset. Without a file the gateway runs
// with an open dev ruleset; production deployments ship one.
func loadRuleset() (*policy.Holder, string, error) {
	path := env("POLICY_RULESET_FILE", "")
	if path == "" {
		return policy.NewHolder(&policy.Ruleset{Version: "dev"}), "", nil
	}
	rs, err := policy.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("ruleset: %w", err)
	}
	log.Printf("loaded policy ruleset %s from %s", rs.Version, path)
	return policy.NewHolder(rs), path, nil
}

// parseChainEndpoints parses "1=https://rpc.one,8453=https://rpc.base" into
// the per-chain JSON-RPC allowlist.
func parseChainEndpoints(raw string) map[uint64]string {
	out := map[uint64]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSpace(kv[0]), 10, 64)
		if err != nil || id == 0 {
			continue
		}
		endpoint := strings.TrimSpace(kv[1])
		if endpoint != "" {
			out[id] = endpoint
		}
	}
	return out
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := envDurationSec("SWEEP_INTERVAL_SEC", 30)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Engine.Sweep(ctx); n > 0 {
				s.Metrics.AddSweptSessions(n)
				log.Printf("swept %d expired sessions", n)
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			live := 0
			for _, sess := range s.Store.List(ctx, 10000) {
				if !escrowfsm.IsTerminal(sess.State) {
					live++
				}
			}
			s.Metrics.SetGauge("sessions_live", float64(live))
		}
	}
}

func (s *Server) observerLoop(ctx context.Context, brokers []string) {
	cfg := chain.KafkaConfig{
		Brokers: brokers,
		Topic:   env("KAFKA_TOPIC", "escrow-events"),
		GroupID: env("KAFKA_GROUP_ID", "tbc"),
	}
	for {
		observer, err := chain.NewKafkaObserver(cfg)
		if err != nil {
			log.Printf("chain observer disabled: %v", err)
			return
		}
		err = chain.Run(ctx, observer, func(ctx context.Context, msg tgp.Message) {
			out := s.Engine.Handle(ctx, msg)
			if out.Kind == tgp.KindError {
				log.Printf("chain event for %s rejected", msg.SessionID)
			}
		})
		_ = observer.Close()
		if ctx.Err() != nil {
			return
		}
		log.Printf("chain observer restarting: %v", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
