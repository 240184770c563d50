package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aaroen/anyrouter-proxy/internal/boundary"
	"github.com/Aaroen/anyrouter-proxy/internal/config"
	"github.com/Aaroen/anyrouter-proxy/internal/cookiejar"
	"github.com/Aaroen/anyrouter-proxy/internal/cooldown"
	"github.com/Aaroen/anyrouter-proxy/internal/failover"
	"github.com/Aaroen/anyrouter-proxy/internal/latch"
	"github.com/Aaroen/anyrouter-proxy/internal/logger"
	"github.com/Aaroen/anyrouter-proxy/internal/pending"
	"github.com/Aaroen/anyrouter-proxy/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	log.Info("logger initialized", "debug_mode", cfg.Debug)

	if len(cfg.APIKeys) == 0 {
		log.Warn("no API_KEYS configured, every request will fail over immediately")
	}

	cooldownStore := cooldown.New(cfg.CooldownStatePath, cfg.APIKeys, log)
	cooldownStore.Load()

	client := &http.Client{Timeout: cfg.ClientTimeout}
	jar := cookiejar.New(client, cfg.ChallengeHostHints, log)
	jar.SetFetchDeadline(cfg.CookieTimeout)
	pendingBuf := pending.New(log)
	usageCounter := usage.New()
	nonessentialLatch := latch.New(cfg.NonessentialSet)

	engine := failover.New(cfg, log, client, cooldownStore, usageCounter, pendingBuf, jar, nonessentialLatch)
	engine.SetRequestTimeout(cfg.ClientTimeout)
	router := boundary.NewRouter(engine, log, cfg.Debug)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exiting")
}
