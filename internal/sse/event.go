// Package sse is the wire codec for conversation streams. Each event is a
// block of "event:" and "data:" lines terminated by a blank line; data holds
// one JSON object.
package sse

import (
	"encoding/json"
	"time"

	"github.com/agusx1211/dispatch/internal/dispatch"
)

// Event types.
const (
	TypeSession    = "session"
	TypeText       = "text"
	TypeAction     = "action"
	TypeState      = "state"
	TypeQuestion   = "question"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeError      = "error"
	TypeDone       = "done"
	TypeStatus     = "status"
	TypeWarning    = "warning"
)

// Event is one decoded stream event. The concrete types are listed below;
// consumers switch on them exhaustively.
type Event interface {
	Type() string
	isEvent()
}

// Session binds the stream to a session id. It is always the first event.
type Session struct {
	SessionID string `json:"sessionId"`
}

// Text is an incremental chunk of assistant output.
type Text struct {
	Content string `json:"content"`
}

// Action carries the assistant's guarded decision.
type Action struct {
	Action dispatch.Action
}

// State reports the conversation phase.
type State struct {
	Phase            dispatch.Phase `json:"phase"`
	ApprovalRequired bool           `json:"approvalRequired"`
	ValidationErrors []string       `json:"validationErrors,omitempty"`
	LastUpdatedAt    int64          `json:"lastUpdatedAt,omitempty"`
}

// Question pauses the turn until the user answers.
type Question struct {
	Question *dispatch.Question
}

// ToolUse records a tool invocation by the assistant.
type ToolUse struct {
	ToolName  string          `json:"toolName"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
}

// ToolResult records a tool's output.
type ToolResult struct {
	ToolResult string `json:"toolResult"`
	ToolUseID  string `json:"toolUseId,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// Error is a non-fatal failure surfaced to the user.
type Error struct {
	Message string `json:"message"`
}

// Done ends the turn.
type Done struct{}

// Status is a progress notice that is not part of the transcript.
type Status struct {
	Content string `json:"content"`
}

// Warning is a degraded-but-continuing notice.
type Warning struct {
	Content string `json:"content"`
}

func (Session) Type() string    { return TypeSession }
func (Text) Type() string       { return TypeText }
func (Action) Type() string     { return TypeAction }
func (State) Type() string      { return TypeState }
func (Question) Type() string   { return TypeQuestion }
func (ToolUse) Type() string    { return TypeToolUse }
func (ToolResult) Type() string { return TypeToolResult }
func (Error) Type() string      { return TypeError }
func (Done) Type() string       { return TypeDone }
func (Status) Type() string     { return TypeStatus }
func (Warning) Type() string    { return TypeWarning }

func (Session) isEvent()    {}
func (Text) isEvent()       {}
func (Action) isEvent()     {}
func (State) isEvent()      {}
func (Question) isEvent()   {}
func (ToolUse) isEvent()    {}
func (ToolResult) isEvent() {}
func (Error) isEvent()      {}
func (Done) isEvent()       {}
func (Status) isEvent()     {}
func (Warning) isEvent()    {}

// NewState stamps a state event with the current time.
func NewState(phase dispatch.Phase, approval bool, validationErrors []string) State {
	return State{
		Phase:            phase,
		ApprovalRequired: approval,
		ValidationErrors: validationErrors,
		LastUpdatedAt:    time.Now().UnixMilli(),
	}
}

// MarshalJSON writes the action with its discriminator.
func (a Action) MarshalJSON() ([]byte, error) {
	return dispatch.EncodeAction(a.Action)
}

// MarshalJSON writes the question payload.
func (q Question) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.Question)
}

// UnmarshalJSON maps unknown phases to clarify.
func (s *State) UnmarshalJSON(data []byte) error {
	type wire struct {
		Phase            string   `json:"phase"`
		ApprovalRequired bool     `json:"approvalRequired"`
		ValidationErrors []string `json:"validationErrors"`
		LastUpdatedAt    int64    `json:"lastUpdatedAt"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = State{
		Phase:            dispatch.ParsePhase(w.Phase),
		ApprovalRequired: w.ApprovalRequired,
		ValidationErrors: w.ValidationErrors,
		LastUpdatedAt:    w.LastUpdatedAt,
	}
	return nil
}
