// Package gateway is the HTTP surface of statusboard: the write path that
// persists records and notifies the broadcast room, the read API that embeds
// derived staleness, the websocket upgrade, and the SSE fallback stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/statusboard/internal/audit"
	"github.com/basket/statusboard/internal/bus"
	"github.com/basket/statusboard/internal/config"
	sbotel "github.com/basket/statusboard/internal/otel"
	"github.com/basket/statusboard/internal/persistence"
	"github.com/basket/statusboard/internal/room"
	"github.com/basket/statusboard/internal/shared"
	"github.com/basket/statusboard/internal/staleness"
)

type Config struct {
	Store  *persistence.Store
	Room   *room.Room
	Engine *staleness.Engine
	Bus    *bus.Bus
	// Audit records key denials and committed writes. Nil disables it.
	Audit *audit.Log

	Logger  *slog.Logger
	Metrics *sbotel.Metrics
	Tracer  trace.Tracer

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	Auth            config.AuthConfig
	CORS            config.CORSConfig
	RateLimit       config.RateLimitConfig
	MaxRequestBytes int64

	// ConfigFingerprint is the hash of the active config exposed on /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	validator *validator
	limiter   *RateLimitMiddleware
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Room == nil || cfg.Engine == nil {
		return nil, errors.New("gateway: store, room and engine are required")
	}
	v, err := newValidator()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		validator: v,
		limiter:   NewRateLimitMiddleware(cfg.RateLimit, cfg.Metrics),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("statusboard/gateway")
	}
	return s, nil
}

// StartBackground runs housekeeping for the lifetime of ctx.
func (s *Server) StartBackground(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

// Handler returns the routed handler wrapped in, outermost first: request
// size limit, CORS, API key auth, rate limit, panic recovery, tracing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/ws", s.handleWS)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)

	mux.HandleFunc("POST /api/features", s.handleCreateFeature)
	mux.HandleFunc("GET /api/features/{id}", s.handleGetFeature)
	mux.HandleFunc("PATCH /api/features/{id}", s.handleUpdateFeature)

	mux.HandleFunc("POST /api/test-logs", s.handleCreateTestLog)
	mux.HandleFunc("POST /api/file-changes", s.handleCreateFileChange)

	mux.HandleFunc("GET /api/projects/{id}/considerations", s.handleListConsiderations)
	mux.HandleFunc("POST /api/considerations", s.handleCreateConsideration)

	mux.HandleFunc("GET /api/projects/{id}/leads", s.handleListLeads)
	mux.HandleFunc("POST /api/leads", s.handleCreateLead)
	mux.HandleFunc("PATCH /api/leads/{id}", s.handleUpdateLead)
	mux.HandleFunc("DELETE /api/leads/{id}", s.handleDeleteLead)

	var h http.Handler = mux
	h = s.traceMiddleware(h)
	h = s.recoveryMiddleware(h)
	h = s.limiter.Wrap(h)
	h = NewAuthMiddleware(s.cfg.Auth).WithAudit(s.cfg.Audit).Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"room":               s.cfg.Room.Name(),
		"clients":            s.cfg.Room.Count(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Bus != nil {
		payload["bus_subscribers"] = s.cfg.Bus.SubscriberCount()
	}
	if s.cfg.Audit != nil {
		payload["auth_denials"] = s.cfg.Audit.DenyCount()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// handleWS upgrades to a websocket and hands the connection to the room for
// its whole lifetime.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "Expected WebSocket", http.StatusBadRequest)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: upgrade failed", append(shared.LogAttrs(r.Context()), "error", err)...)
		return
	}
	s.cfg.Room.Serve(r.Context(), ws)
}

// notify tells live viewers that something changed. It runs after a write
// has committed and never affects the write's response.
func (s *Server) notify(ctx context.Context, kind string, ids map[string]string) {
	s.recordWrite(ctx, kind, ids)
	s.cfg.Room.Broadcast(ctx, room.ChangeEvent{Kind: kind, SubjectIDs: ids})
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.ChangeTopic(kind), bus.ChangeNotice{Kind: kind, SubjectIDs: ids})
	}
}

func (s *Server) recordWrite(ctx context.Context, kind string, ids map[string]string) {
	if s.cfg.Audit == nil {
		return
	}
	keys := make([]string, 0, len(ids))
	for k := range ids {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + ids[k]
	}
	actor := ""
	if entry := KeyEntryFromContext(ctx); entry != nil {
		actor = entry.Name
	}
	s.cfg.Audit.Record(audit.Entry{
		Decision: audit.DecisionAllow,
		Action:   kind,
		Actor:    actor,
		Subject:  strings.Join(parts, " "),
		TraceID:  shared.TraceID(ctx),
	})
}

// deriveBefore captures a feature's state ahead of a write so the write's
// effect on staleness can be observed. ok is false when no comparison is possible.
func (s *Server) deriveBefore(ctx context.Context, featureID string) (staleness.State, bool) {
	if featureID == "" {
		return staleness.State{}, false
	}
	st, err := s.cfg.Engine.Derive(ctx, featureID)
	if err != nil {
		s.logger.Warn("derive before write failed", append(shared.LogAttrs(ctx), "error", err)...)
		return staleness.State{}, false
	}
	return st, true
}

// observeAfter re-derives a feature after a write and publishes any fresh/stale transition.
func (s *Server) observeAfter(ctx context.Context, projectID, featureID string, before staleness.State) {
	after, err := s.cfg.Engine.Derive(ctx, featureID)
	if err != nil {
		s.logger.Warn("derive after write failed", append(shared.LogAttrs(ctx), "error", err)...)
		return
	}
	tr := s.cfg.Engine.Observe(ctx, featureID, before, after)
	if tr == "" || s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(bus.TopicStalenessTransition, bus.StalenessTransitionEvent{
		FeatureID:  featureID,
		ProjectID:  projectID,
		Transition: tr,
		At:         time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps err onto an HTTP status and writes it. Server-side failures are
// logged and reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		writeError(w, reqErr.status, reqErr.msg)
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, persistence.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, persistence.ErrInvalidReference):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, persistence.ErrInvalidStatus), errors.Is(err, persistence.ErrInvalidLeadStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", append(shared.LogAttrs(r.Context()), "path", r.URL.Path, "error", err)...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
