package protocol

import "encoding/json"

// Request bodies of the external session endpoints. Cron jobs, bots and other
// executors outside the server report their sessions with these.

// ExternalUpsert is the body of POST /api/sessions/external/upsert.
type ExternalUpsert struct {
	SessionID    string `json:"sessionId"`
	Query        string `json:"query"`
	Status       string `json:"status,omitempty"`
	CapabilityID string `json:"skillId,omitempty"`
	Label        string `json:"skillName,omitempty"`
	// PID, when set, lets the reaper drop the task once the process exits.
	PID int `json:"pid,omitempty"`
}

// ExternalMessage is the body of POST /api/sessions/external/message.
type ExternalMessage struct {
	SessionID  string          `json:"sessionId"`
	Type       string          `json:"type"`
	Content    string          `json:"content"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	ToolResult string          `json:"toolResult,omitempty"`
}

// ExternalStatus is the body of POST /api/sessions/external/status.
type ExternalStatus struct {
	SessionID string  `json:"sessionId"`
	Status    string  `json:"status"`
	Cost      float64 `json:"cost,omitempty"`
}
