// Package server wires configuration, storage, the execution runtime and
// the HTTP routes together.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/snippetbox/internal/auth"
	"github.com/sakif/snippetbox/internal/config"
	"github.com/sakif/snippetbox/internal/handler"
	"github.com/sakif/snippetbox/internal/middleware"
	"github.com/sakif/snippetbox/internal/model"
	sqliteRepo "github.com/sakif/snippetbox/internal/repository/sqlite"
	"github.com/sakif/snippetbox/internal/service"
)

// installBudget is added to the write timeout for first-time package installs.
const installBudget = 5 * time.Minute

type Server struct {
	router  *chi.Mux
	cfg     *config.Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
	runtime *Runtime
	service *service.ExecutionService
	limiter *middleware.RateLimiter
	tokens  *auth.TokenService
}

// New builds the router. The server does not own db or rt; the caller
// closes them after Run returns.
func New(cfg *config.Config, db *sqliteRepo.DB, rt *Runtime, logger *slog.Logger) (*Server, error) {
	s := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		logger:  logger,
		db:      db,
		runtime: rt,
		service: service.NewExecutionService(rt.Dispatcher, db, logger),
		limiter: middleware.NewRateLimiter(cfg.RateLimit.GlobalRPS, cfg.RateLimit.PerClientRPS, cfg.RateLimit.Burst),
	}

	if cfg.Auth.JWTSecret != "" {
		tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("configuring tokens: %w", err)
		}
		s.tokens = tokens
	} else {
		logger.Warn("auth.jwt_secret not set; all requests are untrusted")
	}

	s.setupRoutes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	health := handler.NewHealthHandler(map[string]func() error{
		"database": s.db.Ping,
		"runner": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return s.runtime.Ping(ctx)
		},
	})
	s.router.Get("/healthz", health.HandleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	executeHandler := handler.NewExecuteHandler(s.service, s.cfg.Server.MaxBodyBytes, s.logger)
	historyHandler := handler.NewHistoryHandler(s.service, s.logger)
	languagesHandler := handler.NewLanguagesHandler(s.runtime.Registry, func(l model.Language) string {
		return s.runtime.Dispatcher.Strategy(l).String()
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Use(auth.Authenticate(s.tokens))

		r.Get("/languages", languagesHandler.HandleList)
		r.Post("/execute", executeHandler.HandleExecute)

		if s.tokens != nil {
			tokenHandler := handler.NewTokenHandler(s.tokens, auth.NewKeyService(), s.cfg.Auth.OperatorKeyHash, s.logger)
			r.Post("/tokens", tokenHandler.HandleIssue)
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireTrusted)
			r.Get("/executions", historyHandler.HandleList)
			r.Get("/executions/{id}", historyHandler.HandleGet)
		})
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully. Leftover
// ephemeral environments are swept before the listener opens and then
// periodically alongside history pruning.
func (s *Server) Run(ctx context.Context) error {
	s.maintain(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.writeTimeout(),
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server starting",
			slog.String("addr", s.cfg.Server.Addr),
			slog.String("backend", s.cfg.Runner.Backend),
			slog.String("workspace", s.runtime.Provisioner.Workspace()),
			slog.String("database", s.cfg.Storage.DBPath),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	})

	g.Go(func() error {
		s.limiter.Run(ctx, time.Minute)
		return nil
	})

	g.Go(func() error {
		interval := s.cfg.Workspace.SweepAge
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.maintain(ctx)
			}
		}
	})

	return g.Wait()
}

// maintain sweeps stale ephemeral environments and prunes old history.
// Failures are logged; neither blocks serving.
func (s *Server) maintain(ctx context.Context) {
	if s.cfg.Workspace.SweepAge > 0 {
		if n, err := s.runtime.Provisioner.Sweep(s.cfg.Workspace.SweepAge); err != nil {
			s.logger.Warn("workspace sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("swept stale environments", slog.Int("removed", n))
		}
	}
	if _, err := s.service.Prune(ctx, s.cfg.Storage.Retention); err != nil {
		s.logger.Warn("history prune failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeTimeout() time.Duration {
	return s.cfg.Runner.QueueTimeout + s.cfg.Limits.Ceiling.WallClock + installBudget
}
