// Package httpapi serves the localhost-bound UI API: project and session
// management, the chat event stream, run/log/billing queries, and the
// health/metrics endpoints.
package httpapi

import (
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amonhq/amon/internal/billing"
	"github.com/amonhq/amon/internal/bus"
	"github.com/amonhq/amon/internal/chatmodel"
	"github.com/amonhq/amon/internal/config"
	"github.com/amonhq/amon/internal/eventlog"
	"github.com/amonhq/amon/internal/graph"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/orchestrator"
	"github.com/amonhq/amon/internal/policy"
	"github.com/amonhq/amon/internal/project"
	"github.com/amonhq/amon/internal/sandbox"
	"github.com/amonhq/amon/internal/sessionstore"
	"github.com/amonhq/amon/internal/streambroker"
	"github.com/amonhq/amon/internal/telemetry"
	"github.com/amonhq/amon/internal/tool"
	"github.com/amonhq/amon/internal/vault"
)

// Options configures a Server.
type Options struct {
	Config   *config.Holder
	Projects *project.Store
	Bus      *bus.Bus
	Billing  *billing.Ledger
	Model    chatmodel.ChatModel
	Tools    *tool.Registry
	Sandbox  sandbox.Runner
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
	Registry prometheus.Registerer
	// AuditLog is the global audit stream policy decisions append to.
	AuditLog *eventlog.Log
}

// Server is the HTTP API host. Per-project wiring (gate, vault, sessions,
// runtime, orchestrator) is built lazily and cached.
type Server struct {
	opts   Options
	router chi.Router
	broker *streambroker.Broker
	health *telemetry.HealthRecorder

	mu       sync.Mutex
	projects map[string]*projectCtx
	tokens   map[string]streamInit
}

// projectCtx is the cached per-project wiring.
type projectCtx struct {
	project  model.Project
	gate     *policy.Gate
	vault    *vault.Vault
	sessions *sessionstore.Store
	events   *eventlog.Log
	runtime  *graph.Runtime
	orch     *orchestrator.Orchestrator
}

// streamInit is one exchanged stream token for long messages.
type streamInit struct {
	ProjectID string
	ChatID    string
	Message   string
	Mode      string
	Expires   time.Time
}

// New constructs a Server and mounts its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	cfg := opts.Config.Current()
	s := &Server{
		opts: opts,
		broker: streambroker.New(streambroker.Options{
			Bus:            opts.Bus,
			RecoveryWindow: cfg.Stream.RecoveryWindow,
			Logger:         opts.Logger,
		}),
		health:   telemetry.NewHealthRecorder(opts.Registry, 60*time.Second),
		projects: make(map[string]*projectCtx),
		tokens:   make(map[string]streamInit),
	}
	s.router = s.routes()
	return s
}

// Handler returns the mounted router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
	}))
	r.Use(s.recordRequests)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/projects", s.listProjects)
		r.Post("/projects", s.createProject)

		r.Post("/chat/sessions", s.ensureSession)
		r.Get("/chat/stream", s.chatStream)
		r.Post("/chat/stream/init", s.chatStreamInit)
		r.Post("/chat/plan/confirm", s.planConfirm)
		r.Post("/context/clear", s.contextClear)

		r.Get("/runs", s.listRuns)
		r.Get("/runs/{runID}/graph", s.runGraph)
		r.Get("/runs/{runID}/nodes/{nodeID}", s.runNode)
		r.Get("/runs/{runID}/artifacts", s.runArtifacts)

		r.Get("/logs/query", s.queryLogs)
		r.Get("/events/query", s.queryEvents)

		r.Get("/billing/summary", s.billingSummary)
		r.Get("/billing/stream", s.billingStream)
	})
	r.Get("/health", s.healthz)
	if reg, ok := s.opts.Registry.(prometheus.Gatherer); ok {
		r.Method("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return r
}

// recordRequests feeds the health recorder's rolling error-rate window.
func (s *Server) recordRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.health.RecordRequest(ww.Status() >= 500)
	})
}

// ctx returns (building if needed) the per-project wiring.
func (s *Server) ctx(projectID string) (*projectCtx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.projects[projectID]; ok {
		return pc, nil
	}
	p, err := s.opts.Projects.Load(projectID)
	if err != nil {
		return nil, err
	}
	cfg := s.opts.Config.Current()

	gate := policy.New(policy.Options{
		AllowedPrefixes: p.AllowedPrefixes,
		ProjectRoot:     p.Root,
		AllowRules:      []policy.Rule{{Tool: "*"}},
		AuditAppend:     s.auditAppend(p.ID),
	})
	v := vault.New(vault.Options{
		ProjectRoot:     p.Root,
		DataDir:         cfg.DataDir,
		Resolver:        gate,
		TrashRetainDays: p.TrashRetainDays,
	})
	sessions, err := sessionstore.New(sessionstore.Options{ProjectDir: p.Root, Logger: s.opts.Logger})
	if err != nil {
		return nil, err
	}
	events, err := eventlog.Open(eventlog.Options{
		Path:        filepath.Join(p.Root, ".amon", "logs", "events.log"),
		RotateBytes: cfg.RotateBytes,
	})
	if err != nil {
		return nil, err
	}
	rt := graph.New(graph.Options{
		Project:    p,
		RunsDir:    filepath.Join(p.Root, ".amon", "runs"),
		Gate:       gate,
		Vault:      v,
		Bus:        s.opts.Bus,
		Billing:    s.opts.Billing,
		ProjectLog: events,
		Caps: graph.Capabilities{
			Model:   s.opts.Model,
			Tools:   s.opts.Tools,
			Sandbox: s.opts.Sandbox,
		},
		Logger:            s.opts.Logger,
		Metrics:           s.opts.Metrics,
		MaxParallelNodes:  cfg.Runtime.MaxParallelNodes,
		MaxParallelRuns:   cfg.Runtime.MaxParallelRuns,
		CancelGrace:       cfg.CancelGrace(),
		DefaultInactivity: time.Duration(cfg.Runtime.InactivityS * float64(time.Second)),
		DefaultHard:       time.Duration(cfg.Runtime.HardS * float64(time.Second)),
	})
	orch := orchestrator.New(orchestrator.Options{
		Project:  p,
		Sessions: sessions,
		Runtime:  rt,
		Bus:      s.opts.Bus,
		Logger:   s.opts.Logger,
	})
	pc := &projectCtx{
		project:  p,
		gate:     gate,
		vault:    v,
		sessions: sessions,
		events:   events,
		runtime:  rt,
		orch:     orch,
	}
	s.projects[projectID] = pc
	return pc, nil
}

// auditAppend writes one hashed policy decision to the global audit stream.
func (s *Server) auditAppend(projectID string) func(policy.AuditEntry) {
	return func(entry policy.AuditEntry) {
		if s.opts.AuditLog == nil {
			return
		}
		_, _ = s.opts.AuditLog.Append(model.Event{
			TS:        time.Now().UTC(),
			Scope:     "audit",
			ProjectID: projectID,
			Type:      "tool.decision",
			Actor:     "policy",
			Source:    entry.Caller.Source,
			Payload: map[string]any{
				"tool":            entry.ToolName,
				"decision":        string(entry.Decision),
				"reason":          entry.Reason,
				"require_confirm": entry.RequireConfirm,
				"args_sha256":     entry.ArgsSHA256,
				"run_id":          entry.Caller.RunID,
			},
		})
	}
}
