// Package api exposes the session engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/okian/patientsim/internal/adapters/http/swagger"
	"github.com/okian/patientsim/internal/domain/dedupe"
	"github.com/okian/patientsim/internal/domain/evaluation"
	"github.com/okian/patientsim/internal/domain/types"
	"github.com/okian/patientsim/internal/orchestrator"
	"github.com/okian/patientsim/pkg/logger"
)

const maxBodyBytes = 64 << 10

// ModelUnavailableMessage is the trainee-facing text for a failed model call.
const ModelUnavailableMessage = "The patient could not respond just now. Please try again."

// Engine is the session API the handlers call.
type Engine interface {
	ListCases() []types.CaseSummary
	StartSession(ctx context.Context, caseID string) (orchestrator.Started, error)
	SubmitUtterance(ctx context.Context, sessionID, text string) (orchestrator.TurnResult, error)
	EndSession(ctx context.Context, sessionID string) (evaluation.Report, error)
	AbortSession(ctx context.Context, sessionID string) error
	Report(ctx context.Context, sessionID string) (evaluation.Report, error)
	Transcript(ctx context.Context, sessionID string) (string, error)
}

// Server wires HTTP routes for the session API.
type Server struct {
	engine   Engine
	deduper  dedupe.Deduper
	stats    *StatsHandler
	sessions *SessionsHandler
	logger   logger.Logger
}

// NewServer creates the API server. A nil deduper disables Idempotency-Key handling.
func NewServer(engine Engine, deduper dedupe.Deduper, stats StatsProvider) *Server {
	log := logger.Named("http")
	return &Server{
		engine:   engine,
		deduper:  deduper,
		stats:    NewStatsHandler(stats),
		sessions: &SessionsHandler{engine: engine, deduper: deduper, logger: log},
		logger:   log,
	}
}

// Routes returns the router with every endpoint and middleware attached.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.logger))
	r.Use(MetricsMiddleware)

	r.Method(http.MethodGet, "/healthz", HandleHealth())
	r.Get("/stats", s.stats.HandleStats)
	r.Get("/cases", s.handleListCases)
	swagger.Register(r)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.sessions.HandleStart)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", s.sessions.HandleAbort)
			r.Post("/utterances", s.sessions.HandleUtterance)
			r.Post("/end", s.sessions.HandleEnd)
			r.Get("/report", s.sessions.HandleReport)
			r.Get("/transcript", s.sessions.HandleTranscript)
		})
	})
	return r
}

type casesResponse struct {
	Cases []types.CaseSummary `json:"cases"`
}

func (s *Server) handleListCases(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, casesResponse{Cases: s.engine.ListCases()})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError translates err into a status code and a {code,message} body.
// Server-side failures are logged and answered with a generic message.
func writeError(ctx context.Context, log logger.Logger, w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		msg = ModelUnavailableMessage
		log.Warn(ctx, "model unavailable", logger.String("request_id", middleware.GetReqID(ctx)), logger.Error(err))
	case status >= http.StatusInternalServerError:
		msg = http.StatusText(status)
		log.Error(ctx, "request failed", logger.String("request_id", middleware.GetReqID(ctx)), logger.Error(err))
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, orchestrator.ErrEmptyUtterance):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, orchestrator.ErrCaseNotFound):
		return http.StatusNotFound, "case_not_found"
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, orchestrator.ErrReportNotFound):
		return http.StatusNotFound, "report_not_found"
	case errors.Is(err, orchestrator.ErrTurnInProgress), errors.Is(err, ErrRequestInFlight):
		return http.StatusConflict, "turn_in_progress"
	case errors.Is(err, orchestrator.ErrSessionAborted):
		return http.StatusConflict, "session_aborted"
	case errors.Is(err, orchestrator.ErrSessionNotActive):
		return http.StatusConflict, "session_not_active"
	case errors.Is(err, orchestrator.ErrInvalidCaseDefinition):
		return http.StatusUnprocessableEntity, "invalid_case_definition"
	case errors.Is(err, orchestrator.ErrContextOverflow):
		return http.StatusUnprocessableEntity, "context_overflow"
	case errors.Is(err, orchestrator.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, orchestrator.ErrUnknownTransition):
		return http.StatusInternalServerError, "unknown_transition"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
