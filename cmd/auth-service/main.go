// cmd/auth-service/main.go
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

	"attager/internal/credential"
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
	appLog := logger.New(cfg.Env).With("component", "auth-service")

	// 2. Identity store: Postgres when DATABASE_URL is set, otherwise in-memory.
	dbPool := db.MustConnect(cfg, appLog)
	var identities tenants.Provider
	if dbPool != nil {
		if err := tenants.EnsureSchema(context.Background(), dbPool); err != nil {
			appLog.Fatalw("identity schema", "err", err)
		}
		if err := tenants.SeedFromEnv(context.Background(), dbPool, cfg.IdentitySeed); err != nil {
			appLog.Warnw("identity seed failed", "err", err)
		}
		identities = tenants.NewPostgresProvider(dbPool, appLog)
	} else {
		identities = tenants.NewMemoryProviderFromEnv(appLog, cfg.IdentitySeed)
	}

	// 3. Signing keys and the credential issuer/verifier pair.
	keys, err := keyring.New(cfg.JWTAlgorithm, cfg.JWTKeyID, cfg.JWTSecret, cfg.JWTPreviousKeys)
	if err != nil {
		appLog.Fatalw("jwt keyring", "err", err)
	}
	opts := []credential.Option{
		credential.WithTTL(cfg.JWTTTL),
		credential.WithIssuer(cfg.JWTIssuer),
		credential.WithSkew(cfg.ClockSkew),
	}
	issuer, err := credential.NewIssuer(identities, keys, appLog, opts...)
	if err != nil {
		appLog.Fatalw("credential issuer", "err", err)
	}
	verifier := credential.NewVerifier(identities, keys, appLog, opts...)

	// 4. Router: public login, everything else behind bearer auth.
	router := chi.NewRouter()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recover(appLog))
	router.Use(middleware.DebugWriteHeader(appLog))
	router.Use(middleware.Tracing("auth-service", appLog))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	credential.RegisterHTTP(router, issuer)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(verifier, appLog))
		credential.RegisterProtected(r)
	})

	// 5. Serve until SIGINT/SIGTERM, then shut down gracefully.
	httpServer := &http.Server{Addr: cfg.AuthAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		appLog.Infow("auth-service listening", "addr", cfg.AuthAddr, "kid", keys.KeyID())
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
	if dbPool != nil {
		dbPool.Close()
	}
	fmt.Println("auth-service stopped")
}
