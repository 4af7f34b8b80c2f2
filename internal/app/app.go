// Package app wires every component into a running process: it is the
// sole place that knows the full dependency graph between the KV store,
// the secret vault, the runtime key store, the signed-request verifier,
// the adapter registry, the admin session store, the pairing store, the
// rate limiter, the egress proxy, and the HTTP router. Grounded on the
// teacher's internal/app.Run (read config, connect infra, start the
// mode-selected server loop).
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/dhannusch/pincer/internal/config"
	"github.com/dhannusch/pincer/internal/httpserver"
	"github.com/dhannusch/pincer/internal/kv"
	"github.com/dhannusch/pincer/internal/notify"
	"github.com/dhannusch/pincer/internal/pairing"
	"github.com/dhannusch/pincer/internal/platform"
	"github.com/dhannusch/pincer/internal/proxy"
	"github.com/dhannusch/pincer/internal/ratelimit"
	"github.com/dhannusch/pincer/internal/registry"
	"github.com/dhannusch/pincer/internal/runtimekey"
	"github.com/dhannusch/pincer/internal/session"
	"github.com/dhannusch/pincer/internal/telemetry"
	"github.com/dhannusch/pincer/internal/vault"
	"github.com/dhannusch/pincer/internal/verifier"
	"github.com/dhannusch/pincer/internal/version"
)

// Run is the process entry point: it reads config, connects to
// infrastructure, and starts the mode-selected loop ("api" or "migrate").
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting pincer", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}
	if cfg.Mode != "api" {
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "pincer", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	store := kv.New(db)

	v := vault.New(store, cfg.KEK)
	if cfg.VaultAddr != "" {
		hc, err := vault.NewHashiCorpResolver(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMount)
		if err != nil {
			return fmt.Errorf("initializing hashicorp vault resolver: %w", err)
		}
		v = v.WithExternalResolver(hc)
		logger.Info("hashicorp vault fallback resolver enabled", "addr", cfg.VaultAddr)
	}

	keys := runtimekey.New(store, v)

	verif := verifier.New(keys, v, cfg.DefaultHMACSecretBinding, cfg.DefaultKeySecretBinding)

	regCacheTTL, err := time.ParseDuration(cfg.RegistryCacheTTL)
	if err != nil {
		return fmt.Errorf("parsing registry cache ttl %q: %w", cfg.RegistryCacheTTL, err)
	}
	reg := registry.New(store, v, regCacheTTL)

	absoluteTTL, err := time.ParseDuration(cfg.SessionAbsoluteTTL)
	if err != nil {
		return fmt.Errorf("parsing session absolute ttl %q: %w", cfg.SessionAbsoluteTTL, err)
	}
	idleTTL, err := time.ParseDuration(cfg.SessionIdleTTL)
	if err != nil {
		return fmt.Errorf("parsing session idle ttl %q: %w", cfg.SessionIdleTTL, err)
	}
	rotateInterval, err := time.ParseDuration(cfg.SessionRotateInterval)
	if err != nil {
		return fmt.Errorf("parsing session rotate interval %q: %w", cfg.SessionRotateInterval, err)
	}
	sessions := session.New(store, session.Config{
		BootstrapToken:       cfg.BootstrapToken,
		PBKDF2Iterations:     cfg.PasswordPBKDF2Iterations,
		AbsoluteTTL:          absoluteTTL,
		IdleTTL:              idleTTL,
		RotateInterval:       rotateInterval,
		LoginLockThreshold:   cfg.LoginLockThreshold,
		LoginLockBaseSeconds: cfg.LoginLockBaseSeconds,
		LoginLockMaxSeconds:  cfg.LoginLockMaxSeconds,
	})

	pairingTTL, err := time.ParseDuration(cfg.PairingTTL)
	if err != nil {
		return fmt.Errorf("parsing pairing ttl %q: %w", cfg.PairingTTL, err)
	}
	pairings := pairing.New(store, pairingTTL)

	limiter := ratelimit.New(rdb)

	egress := proxy.New(reg, v, limiter, recordEgressOutcome)

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackAdminChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack admin notifications enabled", "channel", cfg.SlackAdminChannel)
	} else {
		logger.Info("slack admin notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	srv := httpserver.NewServer(httpserver.Deps{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Redis:    rdb,
		Metrics:  metricsReg,
		Vault:    v,
		Keys:     keys,
		Verifier: verif,
		Registry: reg,
		Sessions: sessions,
		Pairings: pairings,
		Proxy:    egress,
		Notifier: notifier,
	})

	reaperInterval, err := time.ParseDuration(cfg.ReaperInterval)
	if err != nil {
		return fmt.Errorf("parsing reaper interval %q: %w", cfg.ReaperInterval, err)
	}
	reaperCtx, cancelReaper := context.WithCancel(ctx)
	defer cancelReaper()
	go platform.RunExpiryReaperLoop(reaperCtx, store, reaperInterval, logger)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// recordEgressOutcome translates a proxy.Outcome into the egress proxy's
// Prometheus metrics.
func recordEgressOutcome(o proxy.Outcome) {
	telemetry.EgressRequestsTotal.WithLabelValues(o.Adapter, o.Action, o.Result).Inc()
	if o.Result == "allowed" {
		telemetry.EgressRequestDuration.WithLabelValues(o.Adapter, o.Action, o.StatusClass).Observe(float64(o.LatencyMs) / 1000)
	}
}
