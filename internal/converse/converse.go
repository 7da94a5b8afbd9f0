// Package converse is the client side of a dispatch conversation. A Machine
// drives at most one stream at a time against the server and folds the
// events into a transcript, the current action and phase, and any pending
// question.
package converse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/model"
	"github.com/agusx1211/dispatch/internal/store"
)

var (
	// ErrNotResumable is returned by Resume for sessions that are not
	// dispatch conversations.
	ErrNotResumable = errors.New("session is not a dispatch conversation")
	// ErrInFlight is returned when an operation needs the machine idle.
	ErrInFlight = errors.New("a submission is in flight")
	// ErrQuestionPending is returned by Submit while a question waits for an
	// answer.
	ErrQuestionPending = errors.New("a question is waiting for an answer")
	// ErrNoSession is returned when no session id is bound yet.
	ErrNoSession = errors.New("no session bound")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation closed")
)

// UpstreamError is a non-2xx response from the server.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

// MessageKind classifies a transcript entry.
type MessageKind string

const (
	KindUser      MessageKind = "user"
	KindAssistant MessageKind = "assistant"
	KindTool      MessageKind = "tool"
	KindError     MessageKind = "error"
	KindSystem    MessageKind = "system"
)

// Message is one entry of the client transcript.
type Message struct {
	ID        string          `json:"id"`
	Kind      MessageKind     `json:"type"`
	Content   string          `json:"content"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// State is what a conversation view renders.
type State struct {
	SessionID        string
	Messages         []Message
	Action           dispatch.Action
	Phase            dispatch.Phase
	ApprovalRequired bool
	ValidationErrors []string
	PendingQuestion  *dispatch.Question
	// Thinking is set while the server is producing and no question is out.
	Thinking bool
	// Streaming is set while a submission is in flight.
	Streaming bool
	// Notice is the latest status line from the server.
	Notice string
	// Err is latched by a failed turn and cleared by the next Submit.
	Err error
}

func (s State) clone() State {
	out := s
	out.Messages = slices.Clone(s.Messages)
	out.ValidationErrors = slices.Clone(s.ValidationErrors)
	return out
}

// ConverseRequest is the body of POST /api/converse.
type ConverseRequest struct {
	SessionID string          `json:"sessionId,omitempty"`
	Messages  []model.Message `json:"messages"`
}

// Transcript is a persisted session as returned by GET /api/sessions/{id}.
type Transcript struct {
	ID           string       `json:"id"`
	CapabilityID string       `json:"skillId"`
	Query        string       `json:"query"`
	Status       store.Status `json:"status"`
	Live         bool         `json:"isLive"`
	Turns        []store.Turn `json:"messages"`
}

// Transport is the server surface a Machine talks to.
type Transport interface {
	// Converse opens a turn and returns the SSE body.
	Converse(ctx context.Context, req ConverseRequest) (io.ReadCloser, error)
	Session(ctx context.Context, id string) (*Transcript, error)
	Approve(ctx context.Context, id string) (dispatch.Action, error)
}

// Options configures a Machine.
type Options struct {
	// FlushInterval bounds how long streamed text is held before it is
	// applied. Zero means 16ms; a negative value applies every chunk
	// immediately.
	FlushInterval time.Duration
	// FlushBytes applies held text once it reaches this size. Zero means
	// 4096.
	FlushBytes int
	// Uploader handles attachments. Submit with attachments fails without
	// one.
	Uploader Uploader
}

const (
	defaultFlushInterval = 16 * time.Millisecond
	defaultFlushBytes    = 4096
)

// history returns the transcript entries a server turn takes as history:
// user and assistant messages with non-empty content.
func (s State) history() []model.Message {
	out := make([]model.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Kind {
		case KindUser:
			out = append(out, model.Message{Role: model.RoleUser, Content: m.Content})
		case KindAssistant:
			out = append(out, model.Message{Role: model.RoleAssistant, Content: m.Content})
		}
	}
	return out
}
