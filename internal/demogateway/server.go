// Package demogateway is a simulated HMI/SCADA gateway exposing the REST
// surface the client integrates with. It exists for local development and
// tests; state lives in SQLite and module deployments advance on a timer.
package demogateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/forgeline/gwbridge/internal/logging"
)

// Server is the HTTP + WebSocket surface of the simulated gateway.
type Server struct {
	cfg      Config
	store    *Store
	router   chi.Router
	upgrader websocket.Upgrader
	logger   logging.Logger

	watchMu  sync.Mutex
	watchers map[string][]chan ProgressEvent

	stepperCancel context.CancelFunc
}

// ProgressEvent is one deployment state change pushed to websocket
// subscribers.
type ProgressEvent struct {
	ModuleID string `json:"module_id"`
	State    string `json:"state"`
	Detail   string `json:"detail,omitempty"`
}

// NewServer creates a Server with its own Store.
func NewServer(cfg Config, logger logging.Logger) (*Server, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("demogateway: a bearer token is required")
	}
	logger = logging.OrNop(logger).With(logging.Field{Key: "component", Value: "demogateway"})

	store, err := NewStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		store:  store,
		router: chi.NewRouter(),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		watchers: make(map[string][]chan ProgressEvent),
	}
	s.routes()

	if cfg.DeployStepEvery > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.stepperCancel = cancel
		go s.runStepper(ctx)
	}

	return s, nil
}

// Store exposes the backing store for seeding (tests, demo data).
func (s *Server) Store() *Store { return s.store }

func (s *Server) routes() {
	r := s.router

	r.Use(s.authMiddleware)

	// Projects
	r.Get("/projects", s.handleListProjects)
	r.Post("/projects", s.handleCreateProject)
	r.Get("/projects/{name}", s.handleGetProject)
	r.Delete("/projects/{name}", s.handleDeleteProject)
	r.Get("/projects/{name}/export", s.handleExportProject)
	r.Post("/projects/import", s.handleImportProject)

	// Resources
	r.Get("/projects/{name}/resources/{type}/*", s.handleGetResource)
	r.Put("/projects/{name}/resources/{type}/*", s.handlePutResource)
	r.Delete("/projects/{name}/resources/{type}/*", s.handleDeleteResource)

	// Tags
	r.Post("/tags/read", s.handleReadTags)
	r.Post("/tags/write", s.handleWriteTags)

	// Modules
	r.Get("/modules", s.handleListModules)
	r.Post("/modules", s.handleUploadModule)
	r.Get("/modules/{id}/status", s.handleModuleStatus)
	r.Get("/ws/modules/{id}/progress", s.handleModuleProgressWS)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		if got != "Bearer "+s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "missing or invalid credential")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("http_request",
		logging.Field{Key: "method", Value: r.Method},
		logging.Field{Key: "path", Value: r.URL.Path})
	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // allow streaming exports
	}
}

// Close stops the deployment stepper and releases the store.
func (s *Server) Close() {
	if s.stepperCancel != nil {
		s.stepperCancel()
	}
	s.store.Close()
	s.watchMu.Lock()
	for id, chans := range s.watchers {
		for _, ch := range chans {
			close(ch)
		}
		delete(s.watchers, id)
	}
	s.watchMu.Unlock()
}

// ─── Deployment stepper ────────────────────────────────────────────────

func (s *Server) runStepper(ctx context.Context) {
	t := time.NewTicker(s.cfg.DeployStepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.StepDeployments(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("stepping deployments", logging.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// StepDeployments advances every non-terminal deployment one state:
// Validating → Installing → Installed (or Failed when FailDeploys is set).
// Exposed so tests can drive the machine deterministically.
func (s *Server) StepDeployments(ctx context.Context) error {
	mods, err := s.store.ListModules(ctx)
	if err != nil {
		return err
	}
	for _, m := range mods {
		var next, detail string
		switch m.State {
		case "Validating":
			if s.cfg.FailDeploys {
				next, detail = "Failed", "validation rejected by gateway"
			} else {
				next = "Installing"
			}
		case "Installing":
			next = "Installed"
		default:
			continue
		}
		if err := s.store.SetModuleState(ctx, m.ID, next, detail); err != nil {
			return err
		}
		s.notifyWatchers(m.ID, ProgressEvent{ModuleID: m.ID, State: next, Detail: detail})
	}
	return nil
}

func (s *Server) notifyWatchers(id string, ev ProgressEvent) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	chans := s.watchers[id]
	for _, ch := range chans {
		// Non-blocking send; a slow subscriber drops events.
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.State == "Installed" || ev.State == "Failed" {
		for _, ch := range chans {
			close(ch)
		}
		delete(s.watchers, id)
	}
}

func (s *Server) subscribe(id string) chan ProgressEvent {
	ch := make(chan ProgressEvent, 16)
	s.watchMu.Lock()
	s.watchers[id] = append(s.watchers[id], ch)
	s.watchMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(id string, ch chan ProgressEvent) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	chans := s.watchers[id]
	for i, c := range chans {
		if c == ch {
			s.watchers[id] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}

// ─── JSON helpers ──────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
