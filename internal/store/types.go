package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a session id does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidPayload is returned for turns that carry nothing.
	ErrInvalidPayload = errors.New("invalid turn payload")
	// ErrInvalidTransition is returned for status changes that would re-open
	// a finished session or use a value outside the known set.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusAborted:
		return true
	}
	return false
}

// ParseStatus accepts only the five canonical values.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.TrimSpace(s)); st {
	case StatusRunning, StatusCompleted, StatusFailed, StatusStopped, StatusAborted:
		return st, true
	}
	return "", false
}

// NormalizeStatus coerces loose values from external reporters. Anything
// unrecognized becomes failed.
func NormalizeStatus(s string) Status {
	if st, ok := ParseStatus(strings.ToLower(s)); ok {
		return st
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "done", "success", "succeeded":
		return StatusCompleted
	case "cancelled", "canceled":
		return StatusAborted
	case "error":
		return StatusFailed
	}
	return StatusFailed
}

// TurnKind classifies a transcript entry.
type TurnKind string

const (
	TurnUser       TurnKind = "user"
	TurnAssistant  TurnKind = "assistant"
	TurnToolUse    TurnKind = "tool_use"
	TurnToolResult TurnKind = "tool_result"
	TurnError      TurnKind = "error"
	TurnSystem     TurnKind = "system"
)

// Valid reports whether k is a known kind.
func (k TurnKind) Valid() bool {
	switch k {
	case TurnUser, TurnAssistant, TurnToolUse, TurnToolResult, TurnError, TurnSystem:
		return true
	}
	return false
}

// Session is one row of the ledger.
type Session struct {
	ID           string    `json:"id"`
	CapabilityID string    `json:"skillId"`
	Query        string    `json:"query"`
	Status       Status    `json:"status"`
	WorkDir      string    `json:"workDir,omitempty"`
	Cost         float64   `json:"cost"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Turn is one transcript entry. Synthetic turns are produced by the live
// view and never stored; they have ID 0.
type Turn struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"sessionId"`
	Kind       TurnKind        `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	ToolResult string          `json:"toolResult,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Synthetic  bool            `json:"synthetic,omitempty"`
}

// TurnInput is the payload of AppendTurn.
type TurnInput struct {
	Kind       TurnKind
	Content    string
	ToolName   string
	ToolInput  json.RawMessage
	ToolResult string
}

// Detail is a session with its transcript.
type Detail struct {
	Session
	Turns []Turn `json:"messages"`
}
