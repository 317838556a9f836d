package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/storeforge/internal/apperror"
	"github.com/wisbric/storeforge/internal/audit"
	"github.com/wisbric/storeforge/internal/guardrail"
	"github.com/wisbric/storeforge/internal/orchestrator"
	"github.com/wisbric/storeforge/internal/telemetry"
	"github.com/wisbric/storeforge/internal/tenantauth"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	CORSOrigin string
}

// Server wires every route onto a chi mux.
type Server struct {
	Router *chi.Mux

	db      *pgxpool.Pool
	rdb     *redis.Client
	logger  *slog.Logger
	metrics *telemetry.Metrics

	orch   *orchestrator.Orchestrator
	users  *tenantauth.Store
	tokens *tenantauth.TokenManager
	audit  *audit.Writer

	reqLimiter      *guardrail.Limiter
	loginLimiter    *guardrail.Limiter
	registerLimiter *guardrail.Limiter
	lockout         *guardrail.Lockout
	cooldown        *guardrail.CooldownTracker

	maxStoresPerUser int
	shuttingDown     atomic.Bool
}

// NewServer builds the router and mounts every route.
func NewServer(
	cfg ServerConfig,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metrics *telemetry.Metrics,
	orch *orchestrator.Orchestrator,
	users *tenantauth.Store,
	tokens *tenantauth.TokenManager,
	auditW *audit.Writer,
	reqLimiter, loginLimiter, registerLimiter *guardrail.Limiter,
	lockout *guardrail.Lockout,
	cooldown *guardrail.CooldownTracker,
	maxStoresPerUser int,
) *Server {
	s := &Server{
		Router:          chi.NewRouter(),
		db:              db,
		rdb:             rdb,
		logger:          logger,
		metrics:         metrics,
		orch:            orch,
		users:           users,
		tokens:          tokens,
		audit:           auditW,
		reqLimiter:      reqLimiter,
		loginLimiter:    loginLimiter,
		registerLimiter: registerLimiter,
		lockout:         lockout,
		cooldown:        cooldown,
		maxStoresPerUser: maxStoresPerUser,
	}

	s.Router.Use(chimiddleware.Recoverer)
	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics(metrics))
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/health/live", s.handleHealthLive)
		r.Get("/health/ready", s.handleHealthReady)
		r.Group(func(r chi.Router) {
			r.Use(tenantauth.Middleware(tokens), tenantauth.RequireRole(tenantauth.RoleAdmin))
			r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requestRateLimit)

			r.Route("/auth", func(r chi.Router) {
				r.With(s.registrationRateLimit).Post("/register", s.handleRegister)
				r.With(s.loginRateLimitAndLockout).Post("/login", s.handleLogin)

				r.Group(func(r chi.Router) {
					r.Use(tenantauth.Middleware(tokens))
					r.Get("/me", s.handleMe)
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(tenantauth.Middleware(tokens))

				r.Route("/stores", func(r chi.Router) {
					r.Post("/", s.handleCreateStore)
					r.Get("/", s.handleListStores)
					r.Get("/{id}", s.handleGetStore)
					r.Delete("/{id}", s.handleDeleteStore)
					r.Post("/{id}/retry", s.handleRetryStore)
					r.Get("/{id}/logs", s.handleStoreLogs)
				})

				r.Get("/audit", s.handleListAudit)
			})
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// handleHealth reports DB and cluster reachability plus concurrency stats.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.db.Ping(ctx) == nil
	redisOK := s.rdb.Ping(ctx).Err() == nil
	cluster := s.orch.ClusterHealth(ctx)

	status := http.StatusOK
	if !dbOK || !redisOK || !cluster.Connected {
		status = http.StatusServiceUnavailable
	}

	Respond(w, r, status, map[string]any{
		"database":    dbOK,
		"redis":       redisOK,
		"cluster":     cluster,
		"concurrency": s.orch.GetConcurrencyStats(),
	})
}

// handleHealthLive always reports 200 if the process is alive.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	Respond(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// handleHealthReady reports 503 while the server is draining during shutdown.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		Respond(w, r, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	Respond(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// Shutdown marks the server as draining so /health/ready starts failing,
// letting a load balancer stop sending new traffic before the process exits.
func (s *Server) Shutdown() {
	s.shuttingDown.Store(true)
}

// requestRateLimit enforces the global per-caller request rate limit.
func (s *Server) requestRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := clientKey(r)
		result, err := s.reqLimiter.Allow(r.Context(), id)
		if err != nil {
			s.logger.Warn("rate limiter unavailable, failing open", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !result.Allowed {
			RespondAppError(w, r, s.logger, apperror.RateLimitExceeded(result.RetryAfterSeconds))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registrationRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := clientKey(r)
		result, err := s.registerLimiter.Allow(r.Context(), id)
		if err != nil {
			s.logger.Warn("registration limiter unavailable, failing open", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !result.Allowed {
			RespondAppError(w, r, s.logger, apperror.RegistrationRateLimited(result.RetryAfterSeconds))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loginRateLimitAndLockout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := clientKey(r)
		result, err := s.loginLimiter.Allow(r.Context(), id)
		if err != nil {
			s.logger.Warn("login limiter unavailable, failing open", "error", err)
		} else if !result.Allowed {
			RespondAppError(w, r, s.logger, apperror.LoginRateLimited(result.RetryAfterSeconds))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
