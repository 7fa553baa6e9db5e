package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/plexarhq/plexar/internal/audit"
	"github.com/plexarhq/plexar/internal/circuitbreaker"
	"github.com/plexarhq/plexar/internal/costopt"
	"github.com/plexarhq/plexar/internal/deploy"
	"github.com/plexarhq/plexar/internal/experiments"
	"github.com/plexarhq/plexar/internal/health"
	"github.com/plexarhq/plexar/internal/logging"
	"github.com/plexarhq/plexar/internal/optimize"
	"github.com/plexarhq/plexar/internal/providers"
	"github.com/plexarhq/plexar/internal/ratelimit"
	"github.com/plexarhq/plexar/internal/router"
	"github.com/plexarhq/plexar/internal/store"
	"github.com/plexarhq/plexar/internal/tracing"
	"github.com/plexarhq/plexar/orchestrator"
)

// Server hosts the orchestrator and its operational HTTP surface.
type Server struct {
	cfg    Config
	logger *slog.Logger

	r    *chi.Mux
	orch *orchestrator.Orchestrator
	db   *store.SQLiteStore

	otelShutdown func(context.Context) error
}

// NewServer builds the orchestrator from config and mounts the ops routes.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelEnabled {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelEndpoint),
			slog.String("service", cfg.OTelServiceName))
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	endpoints := make(map[string]providers.Endpoint, len(cfg.Arms))
	for _, arm := range cfg.Arms {
		endpoints[arm] = providers.Endpoint{
			BaseURL:  cfg.ArmEndpoints[arm],
			ModelRef: cfg.ArmModelRefs[arm],
		}
	}

	orchCfg := orchestrator.Config{
		Region:          cfg.Region,
		ProjectName:     cfg.ProjectName,
		Arms:            cfg.Arms,
		DirectEndpoints: endpoints,
		GatewayURL:      cfg.GatewayURL,
		GatewayRefs:     cfg.ArmModelRefs,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeout(),
			HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		},
		Cost: func() costopt.Config {
			c := costopt.DefaultConfig()
			c.Strategy = costopt.Strategy(cfg.CostStrategy)
			c.TargetCostReduction = cfg.TargetCostReduction
			c.BaselineCostPerReq = cfg.BaselineCostPerReq
			return c
		}(),
		Deployment: deploy.State{Mode: deploy.Active},
		Thresholds: deploy.DefaultThresholds(),
		Rollback:   deploy.DefaultRollbackConfig(),
		Loop: optimize.Config{
			OptimizationInterval:      cfg.OptimizationInterval(),
			TrafficAllocationInterval: cfg.TrafficAllocationInterval(),
			SignificanceThreshold:     cfg.SignificanceThreshold,
			AutoStopExperiments:       cfg.AutoExperimentEnabled,
			AutoApplyRecommendations:  true,
			TrafficAllocationEnabled:  cfg.TrafficAllocationEnabled,
		},
		Router: router.Config{
			CostEnabled:    cfg.CostOptimizerEnabled,
			TrafficEnabled: cfg.TrafficAllocationEnabled,
		},
		Health: health.ProberConfig{
			Interval:     cfg.HealthCheckInterval(),
			ProbeTimeout: 5 * time.Second,
		},
		StartLoops:   true,
		VaultEnabled: cfg.VaultEnabled,
	}

	orch, err := orchestrator.Init(orchCfg,
		orchestrator.WithLogger(logger),
		orchestrator.WithExperiments(experiments.NewInMemory(
			experiments.WithDefaultTraffic(cfg.MinTrafficForExperiment))),
		orchestrator.WithAuditWriter(func(e audit.Entry) error {
			return db.AppendAudit(context.Background(), store.AuditRecord{
				ID:        e.ID,
				Timestamp: e.Timestamp,
				Kind:      e.Kind,
				RequestID: e.RequestID,
				Arm:       e.Arm,
				Outcome:   e.Outcome,
				Detail:    e.Detail,
			})
		}))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		orch:         orch,
		db:           db,
		otelShutdown: otelShutdown,
	}
	s.restoreState()
	s.mountRoutes()
	return s, nil
}

// restoreState loads the vault blob and the latest snapshot from the store.
func (s *Server) restoreState() {
	ctx := context.Background()

	if salt, creds, err := s.db.LoadVaultBlob(ctx); err == nil && salt != nil {
		v := s.orch.Vault()
		v.SetSalt(salt)
		if err := v.Import(creds); err != nil {
			s.logger.Warn("vault restore failed", slog.String("error", err.Error()))
		} else {
			s.logger.Info("restored vault credentials", slog.Int("arms", len(creds)))
		}
	}
	if s.cfg.VaultPassword != "" && s.cfg.VaultEnabled {
		s.logger.Warn("PLEXAR_VAULT_PASSWORD is set: the vault password is visible in the process environment")
		if err := s.orch.Vault().Unlock([]byte(s.cfg.VaultPassword)); err != nil {
			s.logger.Error("vault auto-unlock failed", slog.String("error", err.Error()))
		}
	}

	snap, err := s.db.LatestSnapshot(ctx)
	if err != nil {
		s.logger.Warn("snapshot load failed", slog.String("error", err.Error()))
		return
	}
	if snap == nil {
		return
	}
	if err := s.orch.Import(snap.Data); err != nil {
		s.logger.Warn("snapshot import failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("restored state snapshot",
		slog.Int64("id", snap.ID),
		slog.Time("created_at", snap.CreatedAt))
}

func (s *Server) mountRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}

	corsOrigins := s.cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	rl := ratelimit.New(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst,
		ratelimit.WithCounter(s.orch.Metrics().RateLimitedTotal))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"deployment": s.orch.Deployment(),
		})
	})
	r.Method(http.MethodGet, "/metrics", s.orch.Metrics().Handler())

	r.Route("/ops/v1", func(r chi.Router) {
		r.Use(rl.Middleware)

		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.orch.Collector().Summary())
		})
		r.Get("/arms", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"stats":    s.orch.ArmStats(),
				"breakers": s.orch.BreakerStates(),
			})
		})
		r.Get("/allocation", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.orch.Allocation())
		})
		r.Get("/violations", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.orch.Guardrail().Violations())
		})
		r.Get("/rollbacks", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.orch.Rollbacks())
		})
		r.Get("/winrate", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.orch.WinRate())
		})
		r.Get("/audit", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.orch.RecentAudit(100))
		})
		r.Get("/flags", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.orch.Flags().Snapshot())
		})
		r.Get("/events", s.handleEvents)

		// Mutating routes require the admin token.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/snapshot", s.handleExportSnapshot)
			r.Post("/snapshot", s.handleImportSnapshot)
			r.Put("/deployment", s.handleSetDeployment)
		})
	})

	s.r = r
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.r }

// Orchestrator exposes the owned orchestrator (used by embedding callers).
func (s *Server) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// requireAdmin guards mutating ops routes with a constant-time token check.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			http.Error(w, "admin token not configured", http.StatusForbidden)
			return
		}
		got := r.Header.Get("Authorization")
		want := "Bearer " + s.cfg.AdminToken
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleExportSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := s.orch.Export()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := s.db.SaveSnapshot(r.Context(), orchestrator.SnapshotVersion, data); err != nil {
		s.logger.Warn("snapshot persist failed", slog.String("error", err.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleImportSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.orch.Import(data); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

func (s *Server) handleSetDeployment(w http.ResponseWriter, r *http.Request) {
	var state deploy.State
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch state.Mode {
	case deploy.Dark, deploy.Shadow, deploy.Canary, deploy.Active:
	default:
		http.Error(w, "unknown deployment mode", http.StatusBadRequest)
		return
	}
	s.orch.SetDeployment(state)
	writeJSON(w, http.StatusOK, s.orch.Deployment())
}

// handleEvents streams orchestration events over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	sub := s.orch.Events().Subscribe(64)
	defer s.orch.Events().Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-sub.C:
			_, _ = fmt.Fprintf(w, "data: %s\n\n", e.JSON())
			flusher.Flush()
		}
	}
}

// Close persists a final snapshot and shuts everything down.
func (s *Server) Close(ctx context.Context) {
	if data, err := s.orch.Export(); err == nil {
		if _, err := s.db.SaveSnapshot(ctx, orchestrator.SnapshotVersion, data); err != nil {
			s.logger.Warn("final snapshot persist failed", slog.String("error", err.Error()))
		}
	}
	if v := s.orch.Vault(); v.Salt() != nil {
		if err := s.db.SaveVaultBlob(ctx, v.Salt(), v.Export()); err != nil {
			s.logger.Warn("vault persist failed", slog.String("error", err.Error()))
		}
	}
	s.orch.Shutdown(ctx)
	if s.otelShutdown != nil {
		_ = s.otelShutdown(ctx)
	}
	_ = s.db.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
