// Package api serves the driver control endpoints: acquisition status and
// commands, the parameter mirror, run history, self-health, device link
// diagnostics, and debug sessions.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kgofron/ADTimePix3/internal/health"
	"github.com/kgofron/ADTimePix3/internal/metrics"
	"github.com/kgofron/ADTimePix3/internal/poller"
	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/status"
	"github.com/kgofron/ADTimePix3/pkg/types"
	"github.com/kgofron/ADTimePix3/pkg/utils"
)

// Driver is the acquisition surface the server exposes. *poller.Poller
// implements it.
type Driver interface {
	State() types.AcquisitionState
	Stats() poller.Stats
	Params() map[string]types.ParamValue
	StartAcquisition(ctx context.Context) error
	StopAcquisition(ctx context.Context) error
	Reset(ctx context.Context) error
	SetParameter(ctx context.Context, name string, value types.ParamValue) error
}

// HealthReporter answers health requests with a fresh check pass.
type HealthReporter interface {
	RunChecks(ctx context.Context) health.Snapshot
}

// ServerConfig configures the control API server.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8070",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Options carries the server's collaborators. Driver is required; the
// rest degrade to "not configured" responses when absent.
type Options struct {
	Driver  Driver
	Health  HealthReporter
	Link    *metrics.LinkMetrics
	Runs    *status.RunLog
	Logger  *utils.StructuredLogger
	Version string
}

// Server is the driver control API.
type Server struct {
	config     ServerConfig
	driver     Driver
	health     HealthReporter
	link       *metrics.LinkMetrics
	runs       *status.RunLog
	debug      *utils.DebugManager
	logger     *utils.StructuredLogger
	version    string
	httpServer *http.Server
}

// NewServer builds the server and its route table.
func NewServer(config ServerConfig, opts Options) (*Server, error) {
	if opts.Driver == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "control API requires a driver").
			WithComponent("api")
	}
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		if err != nil {
			return nil, err
		}
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		config:  config,
		driver:  opts.Driver,
		health:  opts.Health,
		link:    opts.Link,
		runs:    opts.Runs,
		debug:   utils.GetDebugManager(),
		logger:  logger.WithComponent("api"),
		version: version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/driver/status", s.handleStatus)
	mux.HandleFunc("/api/v1/driver/params", s.handleParams)
	mux.HandleFunc("/api/v1/driver/params/", s.handleParam)
	mux.HandleFunc("/api/v1/driver/start", s.handleStart)
	mux.HandleFunc("/api/v1/driver/stop", s.handleStop)
	mux.HandleFunc("/api/v1/driver/reset", s.handleReset)
	mux.HandleFunc("/api/v1/driver/health", s.handleHealth)
	mux.HandleFunc("/api/v1/driver/link", s.handleLink)
	mux.HandleFunc("/api/v1/driver/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/debug/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/debug/sessions/", s.handleSession)
	mux.HandleFunc("/api/v1/info", s.handleInfo)

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Control API listening", map[string]interface{}{
		"address": s.config.Address,
	})
	return s.httpServer.ListenAndServe()
}

// StartBackground runs the server in a goroutine and logs any listen
// failure.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control API failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Control API shutting down", nil)
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Driver endpoints

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.driver.Stats())
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	params := s.driver.Params()
	values := make(map[string]interface{}, len(params))
	for name, value := range params {
		values[name] = value.Interface()
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"params":    values,
		"count":     len(values),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleParam(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/driver/params/")
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "Parameter name required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok := s.driver.Params()[name]
		if !ok {
			s.respondError(w, http.StatusNotFound, "Unknown parameter: "+name)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"param":     name,
			"value":     value.Interface(),
			"timestamp": time.Now(),
		})

	case http.MethodPut:
		var body struct {
			Value interface{} `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
			return
		}
		value, err := types.ParamValueFromJSON(body.Value)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "Unsupported value: "+err.Error())
			return
		}
		if err := s.driver.SetParameter(r.Context(), name, value); err != nil {
			s.respondDriverError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"param":     name,
			"value":     value.Interface(),
			"timestamp": time.Now(),
		})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, "start", s.driver.StartAcquisition)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, "stop", s.driver.StopAcquisition)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, "reset", s.driver.Reset)
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, name string, run func(context.Context) error) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := run(r.Context()); err != nil {
		s.respondDriverError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"command":   name,
		"state":     s.driver.State().String(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "unknown",
			"note":   "Health monitoring not configured",
		})
		return
	}

	snap := s.health.RunChecks(r.Context())

	statusCode := http.StatusOK
	switch snap.Status {
	case health.StatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
	case health.StatusDegraded:
		statusCode = http.StatusPartialContent
	}
	s.respondJSON(w, statusCode, snap)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.link == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Link diagnostics not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.link.Snapshot())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.runs == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Run tracking not configured")
		return
	}

	recent := s.runs.Recent(0)
	response := map[string]interface{}{
		"recent": recent,
		"count":  len(recent),
		"totals": s.runs.TotalsSnapshot(),
	}
	if current, ok := s.runs.Current(); ok {
		response["current"] = current
	}
	s.respondJSON(w, http.StatusOK, response)
}

// Debug session endpoints

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions := s.debug.ListSessions()
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"sessions": sessions,
			"count":    len(sessions),
		})

	case http.MethodPost:
		var body struct {
			ID         string   `json:"id"`
			Components []string `json:"components"`
			MaxEvents  int      `json:"max_events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			s.respondError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
			return
		}
		if body.ID == "" {
			body.ID = uuid.New().String()
		}
		if s.debug.GetSession(body.ID) != nil {
			s.respondError(w, http.StatusConflict, "Session already exists: "+body.ID)
			return
		}
		s.debug.StartSession(body.ID, body.Components, body.MaxEvents)
		s.logger.Info("Debug session started", map[string]interface{}{
			"session":    body.ID,
			"components": body.Components,
		})
		s.respondJSON(w, http.StatusCreated, map[string]interface{}{
			"session":    body.ID,
			"components": body.Components,
		})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/debug/sessions/")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Session ID required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		session := s.debug.GetSession(id)
		if session == nil {
			s.respondError(w, http.StatusNotFound, "Unknown session: "+id)
			return
		}
		// ?component= peeks at one component's events while the session
		// keeps recording; without it the summary is returned.
		if comp := r.URL.Query().Get("component"); comp != "" {
			events := session.GetEventsByComponent(comp)
			s.respondJSON(w, http.StatusOK, map[string]interface{}{
				"session":   id,
				"component": comp,
				"events":    events,
				"count":     len(events),
			})
			return
		}
		s.respondJSON(w, http.StatusOK, session.GetStats())

	case http.MethodDelete:
		session := s.debug.StopSession(id)
		if session == nil {
			s.respondError(w, http.StatusNotFound, "Unknown session: "+id)
			return
		}
		events := session.GetEvents()
		s.logger.Info("Debug session stopped", map[string]interface{}{
			"session": id,
			"events":  len(events),
		})
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"session": id,
			"events":  events,
			"count":   len(events),
		})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "tpx3d",
		"version":   s.version,
		"timestamp": time.Now(),
		"endpoints": []string{
			"/api/v1/driver/status",
			"/api/v1/driver/params",
			"/api/v1/driver/params/{name}",
			"/api/v1/driver/start",
			"/api/v1/driver/stop",
			"/api/v1/driver/reset",
			"/api/v1/driver/health",
			"/api/v1/driver/link",
			"/api/v1/driver/runs",
			"/api/v1/debug/sessions",
			"/api/v1/debug/sessions/{id}",
			"/api/v1/info",
		},
	})
}

// Middleware and helpers

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug("API request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      recorder.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Cannot encode API response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondDriverError maps a command failure to its HTTP status: Busy and
// AlreadyStarted to 409, ParamNotFound to 404, device faults to 502.
func (s *Server) respondDriverError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	s.respondJSON(w, errors.GetDefaultHTTPStatus(code), map[string]interface{}{
		"error":     err.Error(),
		"code":      string(code),
		"timestamp": time.Now(),
	})
}
