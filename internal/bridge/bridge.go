// Package bridge reports work done outside the server (cron jobs, chat-bot
// handlers) into the session ledger through the external session endpoints.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agusx1211/dispatch/internal/store"
	"github.com/agusx1211/dispatch/pkg/protocol"
)

const defaultTimeout = 10 * time.Second

// Client calls the external session endpoints of a dispatch server.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New returns a client for baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:      strings.TrimSpace(token),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Upsert creates or updates an external session. A running session shows up
// in the running-task index until its status turns terminal.
func (c *Client) Upsert(ctx context.Context, req protocol.ExternalUpsert) error {
	return c.post(ctx, "/api/sessions/external/upsert", req)
}

// AppendMessage adds one transcript entry to an external session.
func (c *Client) AppendMessage(ctx context.Context, req protocol.ExternalMessage) error {
	return c.post(ctx, "/api/sessions/external/message", req)
}

// SetStatus moves an external session to status, adding cost when positive.
func (c *Client) SetStatus(ctx context.Context, sessionID string, status store.Status, cost float64) error {
	return c.post(ctx, "/api/sessions/external/status", protocol.ExternalStatus{
		SessionID: sessionID,
		Status:    string(status),
		Cost:      cost,
	})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	if c == nil {
		return fmt.Errorf("bridge client is nil")
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && strings.TrimSpace(e.Error) != "" {
		return &Error{Status: resp.StatusCode, Message: e.Error}
	}
	return &Error{Status: resp.StatusCode}
}

// Error is a non-200 reply from the server.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}
