package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/metacog-lab/backend/internal/archive"
	"github.com/metacog-lab/backend/internal/auth"
	"github.com/metacog-lab/backend/internal/config"
	"github.com/metacog-lab/backend/internal/database"
	"github.com/metacog-lab/backend/internal/middleware"
	"github.com/metacog-lab/backend/internal/sessions"
	"github.com/metacog-lab/backend/internal/staircase"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level == "debug" {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zcfg.Build()
}

// configSource is the staircase default provider the server runs with.
type configSource interface {
	sessions.ConfigSource
	Start(ctx context.Context) error
	Stop()
}

// staticSource serves the built-in defaults and never reloads.
type staticSource struct{ config.Static }

func (staticSource) Start(context.Context) error { return nil }
func (staticSource) Stop()                       {}

func newConfigSource(cfg *config.Config, logger *zap.Logger) (configSource, error) {
	if cfg.StaircasePath == "" {
		logger.Info("using built-in staircase defaults")
		return staticSource{config.Static(staircase.DefaultConfig())}, nil
	}
	return config.NewWatcher(cfg.StaircasePath, logger.Named("config"),
		config.OnReload(func(c staircase.Config) {
			logger.Info("new sessions will use reloaded staircase defaults",
				zap.String("method", string(c.Method)))
		}))
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Initialize database
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	source, err := newConfigSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("load staircase config: %w", err)
	}
	defer source.Stop()

	archiver, err := archive.New(cfg.Archive)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	if cfg.Archive.Enabled {
		logger.Info("archiving finished sessions",
			zap.String("endpoint", cfg.Archive.Endpoint),
			zap.String("bucket", cfg.Archive.Bucket))
	}

	// Initialize handlers
	tokens := auth.NewTokens(cfg.JWTSecret)
	authHandler := auth.NewHandler(auth.NewStore(db), tokens, logger)

	service, err := sessions.NewService(sessions.NewStore(db), source, cfg.LiveSessionCapacity,
		sessions.WithArchiver(archiver),
		sessions.WithLogger(logger.Named("sessions")))
	if err != nil {
		return err
	}
	sessionHandler := sessions.NewHandler(service, logger)

	handler := newRouter(authHandler, sessionHandler, tokens, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return source.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(authHandler *auth.Handler, sessionHandler *sessions.Handler, tokens *auth.Tokens, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(logger.Named("http")))
	api := r.PathPrefix("/api/v1").Subrouter()

	// Public routes
	api.HandleFunc("/auth/register", authHandler.Register).Methods("POST")
	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST")

	// Participant routes, keyed by session UUID
	api.HandleFunc("/sessions", sessionHandler.StartSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/next", sessionHandler.NextValue).Methods("GET")
	api.HandleFunc("/sessions/{id}/responses", sessionHandler.RecordResponse).Methods("POST")
	api.HandleFunc("/sessions/{id}/summary", sessionHandler.GetSummary).Methods("GET")
	api.HandleFunc("/sessions/{id}/finish", sessionHandler.FinishSession).Methods("POST")
	api.HandleFunc("/submit_data", sessionHandler.SubmitData).Methods("POST")

	// Protected routes
	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.Auth(tokens))
	protected.HandleFunc("/auth/me", authHandler.GetCurrentExperimenter).Methods("GET")
	protected.HandleFunc("/admin/sessions", sessionHandler.ListSessions).Methods("GET")
	protected.HandleFunc("/admin/sessions/{id}/trials", sessionHandler.ListTrials).Methods("GET")
	protected.HandleFunc("/admin/sessions/{id}/live", sessionHandler.Live).Methods("GET")
	protected.HandleFunc("/admin/staircase/config", sessionHandler.GetStaircaseConfig).Methods("GET")
	protected.HandleFunc("/admin/staircase/schema", sessionHandler.GetStaircaseSchema).Methods("GET")

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	return c.Handler(r)
}
