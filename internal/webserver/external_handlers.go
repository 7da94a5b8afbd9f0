package webserver

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/session"
	"github.com/agusx1211/dispatch/internal/sse"
	"github.com/agusx1211/dispatch/internal/store"
	"github.com/agusx1211/dispatch/pkg/protocol"
)

type okResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
}

func (srv *Server) handleExternalUpsert(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExternalUpsert
	if !decodeBody(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	status := store.StatusRunning
	if req.Status != "" {
		status = store.NormalizeStatus(req.Status)
	}

	err := srv.ledger.Upsert(r.Context(), store.Session{
		ID:           id,
		CapabilityID: strings.TrimSpace(req.CapabilityID),
		Query:        req.Query,
		Status:       status,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	if status == store.StatusRunning {
		srv.trackExternal(id, req)
	} else {
		srv.registry.Finish(id, string(status))
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true, SessionID: id})
}

// trackExternal mirrors an externally executed task into the registry so it
// shows up in the running-task index and can be attached to.
func (srv *Server) trackExternal(id string, req protocol.ExternalUpsert) {
	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = req.CapabilityID
	}
	opts := []runtime.TrackOption{runtime.WithQuery(req.Query)}
	if req.PID > 0 {
		pid := req.PID
		opts = append(opts, runtime.WithLiveness(func() bool { return session.ProcessAlive(pid) }))
	}
	_, err := srv.registry.Track(srv.base, id, req.CapabilityID, label, opts...)
	switch {
	case err == nil:
		srv.registry.Publish(id, sse.Session{SessionID: id})
	case errors.Is(err, runtime.ErrAlreadyTracked):
	default:
		srv.log.Warn("track external session failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (srv *Server) handleExternalMessage(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExternalMessage
	if !decodeBody(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	kind := store.TurnKind(strings.TrimSpace(req.Type))
	if kind == "" {
		kind = store.TurnAssistant
	}
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown message type")
		return
	}

	turn, err := srv.ledger.AppendTurn(r.Context(), id, store.TurnInput{
		Kind:       kind,
		Content:    req.Content,
		ToolName:   req.ToolName,
		ToolInput:  req.ToolInput,
		ToolResult: req.ToolResult,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	switch kind {
	case store.TurnAssistant:
		// Already persisted, so it must not count as pending live text.
		srv.registry.Publish(id, sse.Text{Content: req.Content})
	case store.TurnToolUse:
		srv.registry.Publish(id, sse.ToolUse{ToolName: req.ToolName, ToolInput: req.ToolInput})
	case store.TurnToolResult:
		srv.registry.Publish(id, sse.ToolResult{ToolResult: req.ToolResult})
	case store.TurnError:
		srv.registry.Publish(id, sse.Error{Message: req.Content})
	}
	writeJSON(w, http.StatusOK, turn)
}

func (srv *Server) handleExternalStatus(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExternalStatus
	if !decodeBody(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	status := store.NormalizeStatus(req.Status)
	if err := srv.ledger.SetStatus(r.Context(), id, status); err != nil {
		writeErr(w, err)
		return
	}
	if req.Cost > 0 {
		if err := srv.ledger.AddCost(r.Context(), id, req.Cost); err != nil {
			writeErr(w, err)
			return
		}
	}
	if status.Terminal() {
		srv.registry.Finish(id, string(status))
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true, SessionID: id})
}
