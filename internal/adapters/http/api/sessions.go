package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/okian/patientsim/internal/domain/dedupe"
	"github.com/okian/patientsim/pkg/logger"
	"github.com/okian/patientsim/pkg/metrics"
)

// IdempotencyKeyHeader lets clients retry an utterance without recording it twice.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayHeader marks a response served from the idempotency cache.
const ReplayHeader = "Idempotent-Replay"

// SessionsHandler serves the session lifecycle endpoints.
type SessionsHandler struct {
	engine  Engine
	deduper dedupe.Deduper
	logger  logger.Logger
}

type startRequest struct {
	CaseID string `json:"case_id"`
}

type utteranceRequest struct {
	Text string `json:"text"`
}

func decode(r *http.Request, w http.ResponseWriter, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// HandleStart handles POST /sessions.
func (h *SessionsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	const op = "api.start_session"
	var req startRequest
	if err := decode(r, w, &req); err != nil {
		writeError(r.Context(), h.logger, w, WrapKind(op, ErrBadRequest, err))
		return
	}
	if strings.TrimSpace(req.CaseID) == "" {
		writeError(r.Context(), h.logger, w, WrapKind(op, ErrBadRequest, errors.New("missing case_id")))
		return
	}
	started, err := h.engine.StartSession(r.Context(), req.CaseID)
	if err != nil {
		writeError(r.Context(), h.logger, w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

// HandleUtterance handles POST /sessions/{id}/utterances. With an
// Idempotency-Key, a retried request replays the first response; a retry
// that arrives while the first is running gets 409.
func (h *SessionsHandler) HandleUtterance(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_utterance"
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req utteranceRequest
	if err := decode(r, w, &req); err != nil {
		writeError(ctx, h.logger, w, WrapKind(op, ErrBadRequest, err))
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key != "" && h.deduper != nil {
		key = id + "/" + key
		if entry, seen := h.deduper.SeenAndRecord(ctx, key); seen {
			metrics.RecordDuplicateRequest()
			if !entry.Done {
				writeError(ctx, h.logger, w, NewKind(op, ErrRequestInFlight))
				return
			}
			w.Header().Set(ReplayHeader, "true")
			writeRaw(w, http.StatusOK, entry.Value)
			return
		}
		completed := false
		defer func() {
			// a failed or panicking request recorded nothing, so its key may be retried
			if !completed {
				h.deduper.Unrecord(context.WithoutCancel(ctx), key)
			}
		}()
		h.submit(w, r, op, id, req.Text, func(body []byte) {
			h.deduper.Complete(ctx, key, body)
			completed = true
		})
		return
	}
	h.submit(w, r, op, id, req.Text, nil)
}

// submit runs one turn and writes its result. complete, when set, receives
// the encoded body before it is written.
func (h *SessionsHandler) submit(w http.ResponseWriter, r *http.Request, op, id, text string, complete func([]byte)) {
	ctx := r.Context()
	res, err := h.engine.SubmitUtterance(ctx, id, text)
	if err != nil {
		writeError(ctx, h.logger, w, Wrap(op, err))
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		writeError(ctx, h.logger, w, WrapKind(op, ErrEncodingResponse, err))
		return
	}
	body = append(body, '\n')
	if complete != nil {
		complete(body)
	}
	writeRaw(w, http.StatusOK, body)
}

// HandleEnd handles POST /sessions/{id}/end.
func (h *SessionsHandler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.EndSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), h.logger, w, Wrap("api.end_session", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleAbort handles DELETE /sessions/{id}.
func (h *SessionsHandler) HandleAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.AbortSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(r.Context(), h.logger, w, Wrap("api.abort_session", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReport handles GET /sessions/{id}/report.
func (h *SessionsHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), h.logger, w, Wrap("api.get_report", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleTranscript handles GET /sessions/{id}/transcript.
func (h *SessionsHandler) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	text, err := h.engine.Transcript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), h.logger, w, Wrap("api.get_transcript", err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}
