package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/buildinfo"
	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/logging"
	"github.com/agusx1211/dispatch/internal/orchestrator"
	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/session"
	"github.com/agusx1211/dispatch/internal/store"
)

const (
	defaultListLimit = 50
	maxBodyBytes     = 1 << 20
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Named("webserver").Warn("failed to encode json response", zap.Int("status", status), zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, runtime.ErrNotTracked):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidPayload),
		errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, dispatch.ErrUnknownAction),
		errors.Is(err, dispatch.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, runtime.ErrAlreadyTracked),
		errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, orchestrator.ErrNoAction):
		return http.StatusConflict
	case errors.Is(err, runtime.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body is empty")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func pathID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	return id, id != ""
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Running int    `json:"running"`
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: buildinfo.Current().Version,
		Running: len(srv.registry.ListRunning()),
	})
}

func (srv *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))

	var (
		rows []store.Session
		err  error
	)
	if status != "" {
		st, ok := store.ParseStatus(status)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		rows, err = srv.ledger.ListByStatus(r.Context(), st, limit)
	} else {
		rows, err = srv.ledger.List(r.Context(), limit)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type runningTasksResponse struct {
	Tasks []session.Task `json:"tasks"`
}

func (srv *Server) handleRunningTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := srv.sessions.ListAll(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []session.Task{}
	}
	writeJSON(w, http.StatusOK, runningTasksResponse{Tasks: tasks})
}

func (srv *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	view, err := srv.sessions.Detail(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (srv *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := srv.orch.Stop(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessionId": id})
}

type approveResponse struct {
	SessionID string          `json:"sessionId"`
	Action    json.RawMessage `json:"action"`
}

func (srv *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	action, err := srv.orch.Approve(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	raw, err := dispatch.EncodeAction(action)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{SessionID: id, Action: raw})
}
