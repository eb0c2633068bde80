package worker

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-ttsgw/internal/synth"
)

const maxJobBody = 1 << 20

// HTTPHandler runs a single job per request, for local testing and for
// callers that cannot reach the bus. Streams are written as NDJSON.
type HTTPHandler struct {
	handler Handler
	logger  *slog.Logger
}

func NewHTTPHandler(handler Handler, log *slog.Logger) *HTTPHandler {
	return &HTTPHandler{handler: handler, logger: log.With(slog.String("component", "worker-http"))}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, synth.ErrorResult{Message: "method not allowed"})
		return
	}
	var job synth.Job
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJobBody)).Decode(&job); err != nil {
		writeJSON(w, http.StatusBadRequest, synth.ErrorResult{Message: "invalid job payload: " + err.Error()})
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	w.Header().Set("X-Job-Id", job.ID)

	switch res := h.handler.Handle(r.Context(), job).(type) {
	case synth.BufferedResult:
		writeJSON(w, http.StatusOK, res)
	case synth.ErrorResult:
		writeJSON(w, statusFor(res.Kind), res)
	case *synth.Stream:
		h.stream(w, job.ID, res)
	default:
		writeJSON(w, http.StatusInternalServerError, synth.ErrorResult{Message: "Handler exception: unexpected result"})
	}
}

func (h *HTTPHandler) stream(w http.ResponseWriter, jobID string, stream *synth.Stream) {
	defer stream.Close()
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for chunk := range stream.Chunks() {
		if err := enc.Encode(chunk); err != nil {
			h.logger.Info("client went away mid-stream", slog.String("job_id", jobID), slog.String("error", err.Error()))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	<-stream.Done()
	if err := stream.Err(); err != nil {
		_ = enc.Encode(synth.NewErrorResult(err))
	}
}

func statusFor(kind string) int {
	switch kind {
	case synth.KindValidation:
		return http.StatusBadRequest
	case synth.KindCapacity:
		return http.StatusServiceUnavailable
	case synth.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
