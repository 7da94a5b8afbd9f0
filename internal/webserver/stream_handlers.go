package webserver

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/orchestrator"
	"github.com/agusx1211/dispatch/internal/sse"
)

// lazyStream defers the SSE status line until the first event, so request
// errors found before streaming starts can still be answered with JSON.
type lazyStream struct {
	w  http.ResponseWriter
	sw *sse.Writer
}

func (l *lazyStream) Send(ev sse.Event) error {
	if l.sw == nil {
		sw, err := sse.NewWriter(l.w)
		if err != nil {
			return err
		}
		l.sw = sw
	}
	return l.sw.Send(ev)
}

func (l *lazyStream) started() bool { return l.sw != nil }

func (srv *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ConverseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	stream := &lazyStream{w: w}
	err := srv.orch.Converse(r.Context(), req, stream)
	if err == nil {
		return
	}
	if !stream.started() {
		writeErr(w, err)
		return
	}
	srv.log.Warn("converse stream failed", zap.String("session_id", req.SessionID), zap.Error(err))
}

func (srv *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ExecuteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := srv.orch.Execute(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	srv.streamAttached(w, r, id)
}

func (srv *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	srv.streamAttached(w, r, id)
}

// streamAttached replays a live session and follows it until it finishes,
// the client leaves, or another client attaches in its place. Leaving does
// not stop the task.
func (srv *Server) streamAttached(w http.ResponseWriter, r *http.Request, id string) {
	sub, err := srv.registry.Attach(id, true)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer sub.Close()

	sw, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ctx := r.Context()
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if err := sw.Send(ev); err != nil {
			srv.log.Debug("attach client gone", zap.String("session_id", id), zap.Error(err))
			return
		}
		if _, done := ev.(sse.Done); done {
			return
		}
	}
}
