package converse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agusx1211/dispatch/internal/dispatch"
)

const maxErrorBody = 4 << 10

// HTTPTransport talks to a dispatch server over its JSON and SSE API.
type HTTPTransport struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// Client defaults to a client without a timeout, since turns stream.
	Client *http.Client
}

// NewHTTPTransport returns a transport for baseURL.
func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{BaseURL: strings.TrimRight(baseURL, "/"), Token: token}
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(t.BaseURL, "/")+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	return req, nil
}

func (t *HTTPTransport) do(req *http.Request) (*http.Response, error) {
	resp, err := t.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, upstreamError(resp)
	}
	return resp, nil
}

// upstreamError reads the {"error": "..."} body the server sends.
func upstreamError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &UpstreamError{Status: resp.StatusCode, Body: msg}
}

// Converse implements Transport.
func (t *HTTPTransport) Converse(ctx context.Context, body ConverseRequest) (io.ReadCloser, error) {
	req, err := t.newRequest(ctx, http.MethodPost, "/api/converse", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Session implements Transport.
func (t *HTTPTransport) Session(ctx context.Context, id string) (*Transcript, error) {
	req, err := t.newRequest(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tr Transcript
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &tr, nil
}

// Approve implements Transport.
func (t *HTTPTransport) Approve(ctx context.Context, id string) (dispatch.Action, error) {
	req, err := t.newRequest(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/approve", nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Action json.RawMessage `json:"action"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode approval: %w", err)
	}
	return dispatch.DecodeAction(out.Action)
}
