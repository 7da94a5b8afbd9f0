package webserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agusx1211/dispatch/internal/sse"
)

const wsWriteTimeout = 15 * time.Second

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// handleSessionWebSocket is the WebSocket twin of the SSE attach stream. Each
// event is sent as {"type": ..., "data": ...}.
func (srv *Server) handleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sub, err := srv.registry.Attach(id, true)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer sub.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// Reads are only used to notice the client closing.
	ctx := ws.CloseRead(r.Context())

	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			ws.Close(websocket.StatusNormalClosure, "stream ended")
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err := wsjson.Write(writeCtx, ws, wsEnvelope{Type: ev.Type(), Data: ev})
		cancel()
		if err != nil {
			return
		}
		if _, done := ev.(sse.Done); done {
			ws.Close(websocket.StatusNormalClosure, "done")
			return
		}
	}
}
