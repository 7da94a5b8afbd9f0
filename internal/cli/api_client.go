package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/dispatch/internal/config"
	"github.com/agusx1211/dispatch/internal/session"
	"github.com/agusx1211/dispatch/internal/store"
)

// apiClient reads sessions from a running server.
type apiClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

func newAPIClient(cmd *cobra.Command, cfg *config.Config) *apiClient {
	return &apiClient{
		BaseURL:    strings.TrimRight(cfg.Client.BaseURL, "/"),
		HTTPClient: httpClient(cmd, 10*time.Second),
		Token:      strings.TrimSpace(cfg.Client.Token),
	}
}

func (c *apiClient) ListSessions(ctx context.Context, status string, limit int) ([]store.Session, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []store.Session
	if err := c.doJSON(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) Session(ctx context.Context, id string) (*session.View, error) {
	var out session.View
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(strings.TrimSpace(id)), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) RunningTasks(ctx context.Context) ([]session.Task, error) {
	var out struct {
		Tasks []session.Task `json:"tasks"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/running-tasks", &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *apiClient) Stop(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(strings.TrimSpace(id))+"/stop", nil)
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("server request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		var apiErr apiErrorResponse
		if err := json.Unmarshal(respBody, &apiErr); err == nil && strings.TrimSpace(apiErr.Error) != "" {
			return fmt.Errorf("server request failed (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server request failed with status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
