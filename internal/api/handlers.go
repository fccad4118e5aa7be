package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/enginehost/internal/bridge"
	"github.com/mattjoyce/enginehost/internal/protocol"
)

// SessionHeader names the UI session issuing an operation.
const SessionHeader = "X-Session-ID"

const (
	defaultCallsLimit = 50
	maxCallsLimit     = 1000
)

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.host.Status()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		WorkerState:   st.Worker.State,
		Ready:         st.Worker.Ready,
		Generation:    st.Worker.Generation,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleOperation handles POST /v1/operations/{operation}
// The body is the operation payload; the response is always a bridge.Result.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	operation := chi.URLParam(r, "operation")

	body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxLineBytes+1))
	if err != nil {
		respondResult(w, bridge.Result{Code: bridge.CodeInvalidRequest, Error: "failed to read request body"})
		return
	}
	if len(body) > protocol.MaxLineBytes {
		respondResult(w, bridge.Result{Code: bridge.CodeInvalidRequest, Error: "payload too large"})
		return
	}
	payload, ok := normalizePayload(body)
	if !ok {
		respondResult(w, bridge.Result{Code: bridge.CodeInvalidRequest, Error: "payload must be a JSON object"})
		return
	}

	session := r.Header.Get(SessionHeader)
	if session != "" {
		w.Header().Set(SessionHeader, session)
	}

	res := s.host.Perform(r.Context(), operation, payload)
	if !res.Success {
		s.logger.Warn("operation failed",
			"operation", operation,
			"code", res.Code,
			"error", res.Error,
			"session", session,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	respondResult(w, res)
}

// normalizePayload accepts an empty body or a JSON object.
func normalizePayload(body []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, true
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

// handleWorkerStatus handles GET /v1/worker
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.host.Status())
}

// handleWorkerRestart handles POST /v1/worker/restart
// A disconnecting client does not abort a restart in progress.
func (s *Server) handleWorkerRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Restart(context.WithoutCancel(r.Context())); err != nil {
		s.logger.Error("worker restart failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "restart failed: "+err.Error())
		return
	}
	st := s.host.Status()
	respondJSON(w, http.StatusOK, ActionResponse{Status: "restarted", Worker: &st})
}

// handleWorkerShutdown handles POST /v1/worker/shutdown
// Only the worker stops; the host keeps serving.
func (s *Server) handleWorkerShutdown(w http.ResponseWriter, r *http.Request) {
	s.host.Shutdown()
	respondJSON(w, http.StatusAccepted, ActionResponse{Status: "terminating"})
}

// handleShutdown handles POST /v1/shutdown
// The worker is stopped and the host exits once the response is written.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusAccepted, ActionResponse{Status: "exiting"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	go s.host.Exit()
}

// handleReload handles POST /v1/reload
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	results := s.host.Reload(r.Context())
	if results == nil {
		results = []bridge.Result{}
	}
	respondJSON(w, http.StatusOK, ReloadResponse{Status: "reloaded", Results: results})
}

// handleListCalls handles GET /v1/calls?limit=N
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.writeError(w, http.StatusNotFound, "call journal is disabled")
		return
	}

	limit := defaultCallsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCallsLimit)
	}

	calls, err := s.calls.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list calls", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	respondJSON(w, http.StatusOK, CallsResponse{Calls: calls})
}

// handlePaths handles GET /v1/paths
func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.host.Paths())
}

// handleOpenAPI handles GET /v1/openapi.json
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Version, s.config.Operations))
}

// statusForCode maps a result code onto an HTTP status.
func statusForCode(code string) int {
	switch code {
	case bridge.CodeInvalidRequest:
		return http.StatusBadRequest
	case bridge.CodeWorkerUnavailable, bridge.CodeCanceled:
		return http.StatusServiceUnavailable
	case bridge.CodeCallInProgress:
		return http.StatusConflict
	case bridge.CodeWriteFailed, bridge.CodeWorkerDied:
		return http.StatusBadGateway
	case bridge.CodeCallTimeout:
		return http.StatusGatewayTimeout
	case bridge.CodeOperationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondResult(w http.ResponseWriter, res bridge.Result) {
	status := http.StatusOK
	if !res.Success {
		status = statusForCode(res.Code)
	}
	respondJSON(w, status, res)
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
