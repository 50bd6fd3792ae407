// cmd/policy-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attager/internal/audit"
	"attager/internal/credential"
	"attager/internal/policy"
	"attager/pkg/config"
	"attager/pkg/db"
	"attager/pkg/keyring"
	"attager/pkg/logger"
	"attager/pkg/middleware"
	"attager/pkg/tenants"
)

func main() {
	// 1. Load configuration & initialize structured logger.
	cfg := config.Load()
	appLog := logger.New(cfg.Env).With("component", "policy-service")

	// 2. Policy store and rate counters: Redis when REDIS_URL is set.
	rdb := db.MustRedis(cfg, appLog)
	var (
		store   policy.Store
		seeder  policy.Seeder
		counter policy.Counter
	)
	if rdb != nil {
		rs := policy.NewRedisStore(rdb)
		store, seeder, counter = rs, rs, policy.NewRedisCounter(rdb)
	} else {
		ms := policy.NewMemoryStore()
		store, seeder, counter = ms, ms, policy.NewMemoryCounter()
	}
	seed, err := policy.LoadSeedFile(cfg.PolicySeedFile)
	if err != nil {
		appLog.Fatalw("policy seed", "file", cfg.PolicySeedFile, "err", err)
	}
	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if applied, err := policy.SeedIfEmpty(seedCtx, seeder, seed); err != nil {
		appLog.Warnw("policy seed failed", "err", err)
	} else if applied {
		appLog.Infow("policy store seeded", "rulesets", len(seed.Rulesets), "policies", len(seed.Policies))
	}
	seedCancel()

	// 3. Audit sinks: log server, Redis list, or the service log as fallback.
	var sinks []audit.Sink
	if cfg.LogSinkURL != "" {
		sinks = append(sinks, audit.NewHTTPSink(cfg.LogSinkURL, &http.Client{Timeout: cfg.AuditTimeout}))
	}
	if rdb != nil {
		sinks = append(sinks, audit.NewRedisSink(rdb))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.NewLogSink(appLog))
	}
	emitter := audit.NewEmitter(appLog, sinks,
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithRetries(cfg.AuditRetries),
		audit.WithTimeout(cfg.AuditTimeout),
	)

	// 4. Cache, verdict source and evaluator.
	cache := policy.NewCache(store, appLog, policy.WithStoreTimeout(cfg.StoreTimeout))
	verdicts := policy.NewGeminiSource(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.VerdictModel, cfg.VerdictTimeout)
	if cfg.GeminiAPIKey == "" {
		appLog.Warnw("GEMINI_API_KEY not set, prompt rulesets will fail closed")
	}
	evaluator := policy.NewEvaluator(cache, verdicts, appLog,
		policy.WithCounter(counter),
		policy.WithCounterTimeout(cfg.StoreTimeout),
		policy.WithVerdictTimeout(cfg.VerdictTimeout),
		policy.WithDefaultModel(cfg.VerdictModel),
		policy.WithAudit(emitter),
	)
	if cfg.AgentID != "" {
		if snap, err := cache.Get(context.Background(), cfg.AgentID); err != nil {
			appLog.Warnw("policy warm-up failed", "agent", cfg.AgentID, "err", err)
		} else {
			appLog.Infow("policy warmed", "agent", cfg.AgentID, "found", snap != nil)
		}
	}

	// 5. Router. Credentials are optional for evaluation (they satisfy
	// requires_auth rules) and mandatory for cache control.
	router := chi.NewRouter()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recover(appLog))
	router.Use(middleware.DebugWriteHeader(appLog))
	router.Use(middleware.Tracing("policy-service", appLog))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	router.Get("/metrics", promhttp.Handler().ServeHTTP)

	verifier := credentialVerifier(cfg, appLog)
	router.Group(func(r chi.Router) {
		if verifier != nil {
			r.Use(middleware.OptionalAuthenticate(verifier, appLog))
		}
		policy.RegisterHTTP(r, cache, evaluator)
	})
	switch {
	case verifier != nil:
		router.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(verifier, appLog))
			policy.RegisterAdmin(r, cache)
		})
	case cfg.Env != "prod":
		appLog.Warnw("JWT_SECRET not set, cache control is unauthenticated")
		policy.RegisterAdmin(router, cache)
	default:
		appLog.Warnw("JWT_SECRET not set, cache control disabled")
	}

	// 6. Serve until SIGINT/SIGTERM, then drain the audit queue.
	httpServer := &http.Server{Addr: cfg.PolicyAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		appLog.Infow("policy-service listening", "addr", cfg.PolicyAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	<-stopCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	if err := emitter.Close(ctx); err != nil {
		appLog.Warnw("audit queue not drained", "err", err, "failures", emitter.Failures())
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	fmt.Println("policy-service stopped")
}

// credentialVerifier builds the bearer verifier from the auth-service key
// and identity store settings, or returns nil when no JWT secret is set.
func credentialVerifier(cfg config.Config, log logger.Sugared) middleware.Verifier {
	if cfg.JWTSecret == "" {
		return nil
	}
	keys, err := keyring.New(cfg.JWTAlgorithm, cfg.JWTKeyID, cfg.JWTSecret, cfg.JWTPreviousKeys)
	if err != nil {
		log.Fatalw("jwt keyring", "err", err)
	}
	var identities tenants.Provider
	if pool := db.MustConnect(cfg, log); pool != nil {
		identities = tenants.NewPostgresProvider(pool, log)
	} else {
		identities = tenants.NewMemoryProviderFromEnv(log, cfg.IdentitySeed)
	}
	return credential.NewVerifier(identities, keys, log,
		credential.WithIssuer(cfg.JWTIssuer),
		credential.WithSkew(cfg.ClockSkew),
	)
}
