// Package app wires storeforge's infrastructure, domain, and HTTP layers
// together and runs the API server until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/storeforge/internal/audit"
	"github.com/wisbric/storeforge/internal/breaker"
	"github.com/wisbric/storeforge/internal/chartinstaller"
	"github.com/wisbric/storeforge/internal/clusteradapter"
	"github.com/wisbric/storeforge/internal/config"
	"github.com/wisbric/storeforge/internal/enginesetup"
	"github.com/wisbric/storeforge/internal/guardrail"
	"github.com/wisbric/storeforge/internal/httpserver"
	"github.com/wisbric/storeforge/internal/limiter"
	"github.com/wisbric/storeforge/internal/orchestrator"
	"github.com/wisbric/storeforge/internal/platform"
	"github.com/wisbric/storeforge/internal/store"
	"github.com/wisbric/storeforge/internal/telemetry"
	"github.com/wisbric/storeforge/internal/tenantauth"
)

// Run is the main application entry point: it connects to infrastructure,
// recovers any stores left mid-workflow by an unclean shutdown, then serves
// HTTP traffic until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting storeforge", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBPoolMin, cfg.DBPoolMax, cfg.DBPoolIdleTime())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metrics := telemetry.New()

	clusterBreaker := breaker.New(breaker.Config{
		Name:             "cluster",
		FailureThreshold: uint32(cfg.CBFailureThreshold),
		ResetTimeout:     cfg.CBResetTimeout(),
		HalfOpenMax:      uint32(cfg.CBHalfOpenMax),
		IsFailure:        breaker.ClusterIsFailure,
	})
	breaker.Register(clusterBreaker)

	cluster, err := clusteradapter.New(cfg.Kubeconfig, cfg.KubeContext, clusterBreaker)
	if err != nil {
		return fmt.Errorf("initializing cluster adapter: %w", err)
	}

	charts := chartinstaller.New(cfg.HelmBin, cfg.Kubeconfig, cfg.KubeContext)
	execer := enginesetup.New(cluster.Clientset(), cluster.RESTConfig())

	lim := limiter.New("provisioning", cfg.ProvisioningMaxConcurrent, cfg.ProvisioningMaxQueue, cfg.ProvisioningQueueTimeout())

	storesRepo := store.New(db)
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	orch := orchestrator.New(orchestrator.Config{
		ReadinessTimeout:  cfg.ProvisioningTimeout(),
		ReadinessInterval: cfg.ProvisioningPollInterval(),
		MaxRetries:        cfg.ProvisioningMaxRetries,
		RetryBaseDelay:    cfg.ProvisioningRetryBaseDelay(),
		RetryMaxDelay:     30 * time.Second,
		DomainSuffix:      cfg.StoreDomainSuffix,
		ChartVersion:      cfg.HelmChartVersion,
		WordPressChart:    cfg.HelmChartWordPress,
		MedusaChart:       cfg.HelmChartMedusa,
	}, db, storesRepo, auditWriter, cluster, charts, execer, lim, metrics, logger)

	logger.Info("recovering stores left in-flight by a prior shutdown")
	if err := orch.RecoverStuckStores(ctx); err != nil {
		return fmt.Errorf("recovering stuck stores: %w", err)
	}

	users := tenantauth.NewStore(db)
	tokens, err := tenantauth.NewTokenManager(cfg.JWTSecret, cfg.JWTExpiresIn)
	if err != nil {
		return fmt.Errorf("initializing token manager: %w", err)
	}

	reqLimiter := guardrail.NewLimiter(rdb, "rl:req", cfg.RateLimitMax, cfg.RateLimitWindow())
	loginLimiter := guardrail.NewLimiter(rdb, "rl:login", cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow())
	registerLimiter := guardrail.NewLimiter(rdb, "rl:register", cfg.RegistrationRateLimitMax, cfg.RegistrationRateLimitWindow())
	lockout := guardrail.NewLockout(rdb, cfg.AccountLockoutMaxAttempts, cfg.AccountLockoutDuration(), cfg.LoginRateLimitWindow())
	cooldown := guardrail.NewCooldownTracker(cfg.StoreCreationCooldown())

	srv := httpserver.NewServer(
		httpserver.ServerConfig{CORSOrigin: cfg.CORSOrigin},
		logger, db, rdb, metrics, orch, users, tokens, auditWriter,
		reqLimiter, loginLimiter, registerLimiter, lockout, cooldown,
		cfg.MaxStoresPerUser,
	)

	return serve(ctx, logger, srv, cfg.ListenAddr())
}

func serve(ctx context.Context, logger *slog.Logger, srv *httpserver.Server, addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		srv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
