// Package httpapi adapts the control API onto HTTP: JSON endpoints
// under /api, a Prometheus exposition endpoint, and a liveness probe.
// It contains no orchestration logic of its own.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"mas/pkg/audit"
	"mas/pkg/config"
	"mas/pkg/control"
	"mas/pkg/logx"
	"mas/pkg/proto"
	"mas/pkg/registry"
)

// authUser is the fixed basic-auth username; only the password is
// configurable.
const authUser = "mas"

// shutdownGrace bounds the drain of in-flight requests on stop.
const shutdownGrace = 5 * time.Second

// Server serves the HTTP control surface.
type Server struct {
	cfg      config.HTTPConfig
	api      control.API
	gatherer prometheus.Gatherer
	logger   *logx.Logger
}

// NewServer builds the HTTP adapter. gatherer may be nil, in which
// case /metrics reports 404.
func NewServer(cfg config.HTTPConfig, api control.API, gatherer prometheus.Gatherer) *Server {
	return &Server{
		cfg:      cfg,
		api:      api,
		gatherer: gatherer,
		logger:   logx.NewLogger("httpapi"),
	}
}

// Handler returns the routed handler; tests drive it through
// httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// The liveness probe stays unauthenticated.
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /api/agents", s.requireAuth(s.handleListAgents))
	mux.HandleFunc("POST /api/agents", s.requireAuth(s.handleRegister))
	mux.HandleFunc("GET /api/agents/{id}", s.requireAuth(s.handleGetAgent))
	mux.HandleFunc("DELETE /api/agents/{id}", s.requireAuth(s.handleDeregister))
	mux.HandleFunc("POST /api/agents/{id}/start", s.requireAuth(s.handleStart))
	mux.HandleFunc("POST /api/agents/{id}/stop", s.requireAuth(s.handleStop))
	mux.HandleFunc("POST /api/agents/{id}/restart", s.requireAuth(s.handleRestart))
	mux.HandleFunc("POST /api/send", s.requireAuth(s.handleSend))
	mux.HandleFunc("GET /api/audit", s.requireAuth(s.handleAudit))
	mux.HandleFunc("GET /api/dlq", s.requireAuth(s.handleDLQ))
	mux.HandleFunc("GET /api/snapshot", s.requireAuth(s.handleSnapshot))
	mux.HandleFunc("GET /api/messages", s.requireAuth(s.handleMessages))
	mux.HandleFunc("GET /metrics", s.requireAuth(s.handleMetrics))
}

// Start runs the listener until ctx is cancelled; the server itself
// shuts down gracefully in the background, mirroring the daemon's
// stop sequence.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Password == "" {
		return fmt.Errorf("httpapi: no password configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("control surface listening on %s", s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown: %v", err)
		}
	}()
	return nil
}

// requireAuth wraps a handler with basic auth. Both fields compare in
// constant time.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || s.cfg.Password == "" ||
			subtle.ConstantTimeCompare([]byte(user), []byte(authUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) != 1 {
			if ok {
				s.logger.Warn("failed auth from %s (user %q)", r.RemoteAddr, user)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="mas"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var filter registry.ListFilter
	if tag := r.URL.Query().Get("capability"); tag != "" {
		filter.Capability = tag
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := proto.ParseState(raw)
		if err != nil {
			writeError(w, proto.Errorf(proto.ErrIllegalState, "%v", err))
			return
		}
		filter.States = []proto.State{state}
	}
	agents, err := s.api.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var spec registry.RegisterSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, proto.Errorf(proto.ErrIllegalState, "bad register body: %v", err))
		return
	}
	d, err := s.api.Register(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	d, err := s.api.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Deregister(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.api.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.api.Stop)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.api.Restart)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "status": "ok"})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req control.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, proto.Errorf(proto.ErrIllegalState, "bad send body: %v", err))
		return
	}
	res, err := s.api.Send(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Actor:         q.Get("actor"),
		Kind:          audit.Category(q.Get("kind")),
		Status:        audit.Status(q.Get("status")),
		CorrelationID: q.Get("correlation_id"),
		Limit:         queryInt(q.Get("limit"), 0),
	}
	records, err := s.api.AuditQuery(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.api.DLQ(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.api.MetricsSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 100)
	entries, err := s.api.Messages(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleMetrics encodes the gathered Prometheus registry as text
// exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.gatherer == nil {
		http.Error(w, "metrics not wired", http.StatusNotFound)
		return
	}
	families, err := s.gatherer.Gather()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			s.logger.Warn("encode metric family %s: %v", mf.GetName(), err)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error string        `json:"error"`
	Kind  proto.ErrKind `json:"kind"`
}

// writeError maps tagged error kinds onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	kind := proto.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case proto.ErrNoSuchAgent, proto.ErrNoSuchRecipient:
		code = http.StatusNotFound
	case proto.ErrDuplicateName, proto.ErrIllegalState, proto.ErrIllegalTransition:
		code = http.StatusConflict
	case proto.ErrBackpressureTimeout:
		code = http.StatusServiceUnavailable
	case proto.ErrDeadlineExceeded:
		code = http.StatusGatewayTimeout
	case proto.ErrDeniedByPolicy:
		code = http.StatusForbidden
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: kind})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
