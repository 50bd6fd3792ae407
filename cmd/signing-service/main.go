// cmd/signing-service/main.go
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

	"attager/internal/artifact"
	"attager/pkg/config"
	"attager/pkg/keyring"
	"attager/pkg/logger"
	"attager/pkg/middleware"
)

func main() {
	cfg := config.Load()
	appLog := logger.New(cfg.Env).With("component", "signing-service")

	// Envelopes are always HS256; the algorithm is not configurable here.
	keys, err := keyring.New("HS256", cfg.JWSKeyID, cfg.JWSSecret, cfg.JWSPreviousKeys)
	if err != nil {
		appLog.Fatalw("jws keyring", "err", err)
	}
	opts := []artifact.Option{
		artifact.WithIssuer(cfg.JWSIssuer),
		artifact.WithDefaultTTL(cfg.JWSDefaultTTL),
		artifact.WithPolicyVersion(cfg.PolicyVersion),
		artifact.WithSkew(cfg.ClockSkew),
	}
	signer := artifact.NewSigner(keys, appLog, opts...)
	verifier := artifact.NewVerifier(keys, opts...)

	router := chi.NewRouter()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recover(appLog))
	router.Use(middleware.DebugWriteHeader(appLog))
	router.Use(middleware.Tracing("signing-service", appLog))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	artifact.RegisterHTTP(router, signer, verifier, appLog)

	httpServer := &http.Server{Addr: cfg.SigningAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		appLog.Infow("signing-service listening", "addr", cfg.SigningAddr, "kid", keys.KeyID())
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
	fmt.Println("signing-service stopped")
}
