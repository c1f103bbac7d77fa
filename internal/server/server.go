// Package server orchestrates all components: manifest, COMMS, journal, HTTP transport, health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/http-transport/internal/config"
	"github.com/morezero/http-transport/pkg/commsutil"
	"github.com/morezero/http-transport/pkg/db"
	"github.com/morezero/http-transport/pkg/events"
	"github.com/morezero/http-transport/pkg/httptransport"
	"github.com/morezero/http-transport/pkg/manifest"
	"github.com/morezero/http-transport/pkg/transport"
)

const logPrefix = "server:server"

// healthCheckTimeout bounds the database ping behind /health.
const healthCheckTimeout = 5 * time.Second

// Server is the http-transport orchestrator.
type Server struct {
	cfg      *config.Config
	manifest *manifest.Resolved

	nc          *comms.Conn
	pool        *pgxpool.Pool
	adapter     *httptransport.Adapter
	deferredSub *comms.Subscription
	ready       atomic.Bool
}

// HealthChecks reports each dependency; disabled dependencies are omitted.
type HealthChecks struct {
	Comms    *bool `json:"comms,omitempty"`
	Database *bool `json:"database,omitempty"`
}

// HealthOutput is the /health body.
type HealthOutput struct {
	Status    string       `json:"status"`
	Node      string       `json:"node"`
	Pending   int          `json:"pending"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp"`
}

// SetupLogging installs the default slog text logger at the configured level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	m, err := manifest.Load(cfg.ManifestFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load manifest: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Starting http-transport node %s", logPrefix, m.Name))

	s := New(cfg, manifest.Resolve(m))
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return s.Stop(ctx)
}

// New creates a Server. Nothing is connected until Start.
func New(cfg *config.Config, m *manifest.Resolved) *Server {
	return &Server{cfg: cfg, manifest: m}
}

// Start connects COMMS and the journal when enabled, then initializes the transport.
func (s *Server) Start(ctx context.Context) error {
	var publishers events.MultiPublisher

	// Step 1: COMMS
	var fwd Forwarder
	if s.cfg.COMMSEnabled {
		nc, err := commsutil.Connect(s.cfg.COMMSURL, s.cfg.COMMSName)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		s.nc = nc
		publishers = append(publishers, events.NewCommsPublisher(nc, &events.CommsPublisherOpts{
			GlobalSubject: s.cfg.EventSubject,
		}))
		fwd = NewCommsForwarder(nc)
	} else {
		slog.Info(fmt.Sprintf("%s - COMMS disabled", logPrefix))
	}

	// Step 2: journal
	if s.cfg.JournalEnabled() {
		pool, err := openJournal(ctx, s.cfg)
		if err != nil {
			s.closeDeps()
			return err
		}
		s.pool = pool
		publishers = append(publishers, db.NewJournal(pool))
	}

	// Step 3: handlers from the manifest
	handlers, err := BuildHandlers(s.manifest, fwd)
	if err != nil {
		s.closeDeps()
		return fmt.Errorf("%s - invalid manifest: %w", logPrefix, err)
	}
	svc := transport.NewStaticService(handlers, s.manifest.Sendable())

	// Step 4: transport
	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if len(publishers) > 0 {
		publisher = publishers
	}
	s.adapter = httptransport.New(httptransport.Options{
		Host:            s.cfg.Host,
		Port:            s.cfg.Port,
		Priority:        s.cfg.Priority,
		DeferredTimeout: s.cfg.DeferredTimeout,
		MaxBodyBytes:    s.cfg.MaxBodyBytes,
		Fallback:        s.routes(),
		Publisher:       publisher,
	})
	if err := s.adapter.Init(ctx, svc); err != nil {
		s.closeDeps()
		return fmt.Errorf("%s - failed to start transport: %w", logPrefix, err)
	}

	// Step 5: deferred responses arriving over COMMS
	if s.nc != nil {
		sub, err := commsutil.SubscribeDeferred(s.nc, commsutil.SubjectDeferredResponse, s.adapter)
		if err != nil {
			_ = s.adapter.Shutdown(ctx)
			s.closeDeps()
			return err
		}
		s.deferredSub = sub
	}

	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - http-transport is ready (%d receivable, %d sendable)",
		logPrefix, len(handlers), len(s.manifest.Sendable())))
	return nil
}

// Stop shuts the transport down and releases COMMS and the journal.
func (s *Server) Stop(ctx context.Context) error {
	s.ready.Store(false)
	if s.deferredSub != nil {
		if err := s.deferredSub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - unsubscribe deferred: %v", logPrefix, err))
		}
	}
	var err error
	if s.adapter != nil {
		err = s.adapter.Shutdown(ctx)
	}
	s.closeDeps()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return err
}

// Adapter exposes the transport, mainly for tests and embedding.
func (s *Server) Adapter() *httptransport.Adapter {
	return s.adapter
}

func (s *Server) closeDeps() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
		s.nc = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

func openJournal(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	if cfg.RunMigrations {
		migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	return pool, nil
}

// routes serves everything on the shared port except POST /http-transport.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	return mux
}

// Health checks COMMS and the database when they are enabled.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{
		Status:    "healthy",
		Node:      s.manifest.Name(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.adapter != nil {
		out.Pending = s.adapter.Pending()
	}
	if s.cfg.COMMSEnabled {
		ok := s.nc != nil && s.nc.IsConnected()
		out.Checks.Comms = &ok
		if !ok {
			out.Status = "unhealthy"
		}
	}
	if s.cfg.JournalEnabled() {
		ok := s.pool != nil && s.pool.Ping(ctx) == nil
		out.Checks.Database = &ok
		if !ok {
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug(fmt.Sprintf("%s - failed to write response: %v", logPrefix, err))
	}
}
