// Package model runs a conversation turn against a language model and
// reports what it produces as a flat sequence of events.
package model

import (
	"context"
	"encoding/json"
)

// Kind classifies an Event.
type Kind int

const (
	KindText Kind = iota
	KindToolUse
	KindToolResult
	KindStatus
)

// Event is one unit of runner output.
type Event struct {
	Kind       Kind
	Text       string
	ToolName   string
	ToolInput  json.RawMessage
	ToolUseID  string
	ToolResult string
	IsError    bool
}

// Role of a history message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior exchange passed to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a single turn.
type Request struct {
	SessionID string
	// System is the system instruction for the turn.
	System string
	// History holds earlier messages, oldest first, excluding Query.
	History []Message
	Query   string
	FileIDs []string
	// Dispatch marks dispatch conversations, which end with an action marker.
	Dispatch bool
}

// Runner executes a turn. emit is called from the goroutine that called Run;
// Run returns after the last emit. A cancelled ctx ends the turn early and
// Run returns ctx.Err().
type Runner interface {
	Run(ctx context.Context, req Request, emit func(Event)) error
}

// AskUserQuestionTool is the tool name the model uses to ask the user for
// structured input.
const AskUserQuestionTool = "AskUserQuestion"
