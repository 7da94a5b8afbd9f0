package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agusx1211/dispatch/internal/config"
)

// execute runs the root command with args and returns everything it wrote.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DISPATCH_HOME", t.TempDir())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags undoes flag values left behind by an earlier execution, since
// commands are package globals.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

type apiCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

type fakeAPI struct {
	mu     sync.Mutex
	calls  []apiCall
	routes map[string]string
}

func newFakeAPI(t *testing.T, routes map[string]string) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{routes: routes}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
	}
	a.mu.Lock()
	a.calls = append(a.calls, apiCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   body,
	})
	a.mu.Unlock()

	resp, ok := a.routes[r.Method+" "+r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"session not found"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(resp))
}

func (a *fakeAPI) last() apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[len(a.calls)-1]
}

func (a *fakeAPI) all() []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]apiCall(nil), a.calls...)
}

func TestSessionsListJSON(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]string{
		"GET /api/sessions": `[{"id":"s1","skillId":"","query":"q","status":"running","cost":0,"createdAt":"2026-03-01T10:00:00Z","updatedAt":"2026-03-01T10:00:00Z"}]`,
	})

	out, err := execute(t, "", "sessions", "list", "--server", srv.URL, "--token", "tok", "--status", "running", "--limit", "5", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "s1"`)

	call := api.last()
	assert.Equal(t, "/api/sessions", call.Path)
	assert.Equal(t, "limit=5&status=running", call.Query)
	assert.Equal(t, "Bearer tok", call.Auth)
}

func TestSessionsRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "", "sessions", "list", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown format "xml"`)
}

func TestSessionsShow(t *testing.T) {
	_, srv := newFakeAPI(t, map[string]string{
		"GET /api/sessions/cron-a-1": `{"id":"cron-a-1","query":"backup","status":"completed","source":"cron","isLive":false,
			"createdAt":"2026-03-01T10:00:00Z","messages":[{"id":1,"type":"assistant","content":"copied 3 files"}]}`,
	})

	out, err := execute(t, "", "sessions", "show", "cron-a-1", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "cron-a-1 [completed]")
	assert.Contains(t, out, "source:      cron")
	assert.Contains(t, out, "copied 3 files")
}

func TestSessionsShowNotFound(t *testing.T) {
	_, srv := newFakeAPI(t, nil)

	_, err := execute(t, "", "sessions", "show", "nope", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(404): session not found")
}

func TestSessionsRunningAndStop(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]string{
		"GET /api/sessions/running-tasks": `{"tasks":[{"sessionId":"bot-x-1","skillId":"","skillName":"Digest","query":"q","startedAt":"2026-03-01T10:00:00Z","source":"bot","isLive":true}]}`,
		"POST /api/sessions/bot-x-1/stop": `{"ok":true}`,
	})

	out, err := execute(t, "", "sessions", "running", "--server", srv.URL, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "sessionId: bot-x-1")
	assert.Contains(t, out, "skillName: Digest")

	out, err = execute(t, "", "sessions", "stop", "bot-x-1", "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Stop requested for bot-x-1\n", out)
	assert.Equal(t, http.MethodPost, api.last().Method)
}

func TestReportCommands(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]string{
		"POST /api/sessions/external/upsert":  `{"ok":true}`,
		"POST /api/sessions/external/message": `{"ok":true}`,
		"POST /api/sessions/external/status":  `{"ok":true}`,
	})
	const id = "cron-nightly-1a2b3c4d"

	_, err := execute(t, "", "report", "upsert", "--server", srv.URL, "--session", id,
		"--query", "nightly backup", "--label", "Backup", "--pid", "42")
	require.NoError(t, err)
	body := api.last().Body
	assert.Equal(t, id, body["sessionId"])
	assert.Equal(t, "nightly backup", body["query"])
	assert.Equal(t, "Backup", body["skillName"])
	assert.Equal(t, float64(42), body["pid"])

	_, err = execute(t, "copied 42 files\n", "report", "message", "--server", srv.URL, "--session", id)
	require.NoError(t, err)
	body = api.last().Body
	assert.Equal(t, "assistant", body["type"])
	assert.Equal(t, "copied 42 files\n", body["content"])

	_, err = execute(t, "", "report", "message", "--server", srv.URL, "--session", id,
		"--type", "tool_use", "--tool", "Bash", "--tool-input", `{"cmd":"ls"}`, "listing")
	require.NoError(t, err)
	body = api.last().Body
	assert.Equal(t, "Bash", body["toolName"])
	assert.Equal(t, map[string]any{"cmd": "ls"}, body["toolInput"])

	_, err = execute(t, "", "report", "status", "--server", srv.URL, "--session", id, "--status", "done", "--cost", "0.5")
	require.NoError(t, err)
	body = api.last().Body
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, 0.5, body["cost"])

	assert.Len(t, api.all(), 4)
}

func TestReportMessageValidation(t *testing.T) {
	api, srv := newFakeAPI(t, nil)

	_, err := execute(t, "", "report", "message", "--server", srv.URL, "--session", "bot-a-1", "--type", "chatter", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown message type "chatter"`)

	_, err = execute(t, "", "report", "message", "--server", srv.URL, "--session", "bot-a-1", "--type", "tool_use", "--tool-input", "{", "x")
	require.Error(t, err)
	assert.Empty(t, api.all())
}

func TestReportSurfacesServerError(t *testing.T) {
	_, srv := newFakeAPI(t, nil)

	_, err := execute(t, "", "report", "status", "--server", srv.URL, "--session", "cron-a-1", "--status", "failed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned 404: session not found")
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	out, err := execute(t, "", "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "Wrote "+path+"\n", out)
	require.FileExists(t, path)

	_, err = execute(t, "", "config", "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "", "config", "init", "--config", path, "--force")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.AuthToken = "s3cret-token"
	cfg.Server.Port = 9090
	require.NoError(t, config.Write(path, cfg))

	out, err = execute(t, "", "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "# "+path)
	assert.Contains(t, out, "port = 9090")
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "s3cret-token")

	out, err = execute(t, "", "config", "show", "--config", path, "--reveal")
	require.NoError(t, err)
	assert.Contains(t, out, "s3cret-token")
}

func TestConfigPath(t *testing.T) {
	out, err := execute(t, "", "config", "path", "--config", "/tmp/x.toml")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.toml\n", out)
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "", "version", "-o", "json")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info["version"])
	assert.NotEmpty(t, info["goVersion"])
}

func TestCommandJobReportsOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	var echo bytes.Buffer
	job := commandJob([]string{"sh", "-c", `echo hi; echo "$DISPATCH_SESSION_ID"`}, &echo)

	res, err := job(context.Background(), "cron-test-00000000")
	require.NoError(t, err)
	assert.Equal(t, "hi\ncron-test-00000000\n", res.Output)
	assert.Equal(t, res.Output, echo.String())
}

func TestCommandJobFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	job := commandJob([]string{"sh", "-c", "echo oops >&2; exit 3"}, io.Discard)

	res, err := job(context.Background(), "cron-test-00000000")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
	assert.Equal(t, "oops\n", res.Output)
}

func TestRunReportsCommandToServer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	api, srv := newFakeAPI(t, map[string]string{
		"POST /api/sessions/external/upsert":  `{"ok":true}`,
		"POST /api/sessions/external/message": `{"ok":true}`,
		"POST /api/sessions/external/status":  `{"ok":true}`,
	})

	_, err := execute(t, "", "run", "--server", srv.URL, "--source", "cron", "--job", "nightly", "--quiet", "--", "sh", "-c", "exit 2")
	require.Error(t, err)
	assert.Equal(t, "sh exited with status 2", err.Error())

	calls := api.all()
	require.NotEmpty(t, calls)
	first, final := calls[0].Body, calls[len(calls)-1].Body
	assert.True(t, strings.HasPrefix(first["sessionId"].(string), "cron-nightly-"))
	assert.Equal(t, "sh -c exit 2", first["query"])
	assert.Equal(t, "nightly", first["skillName"])
	assert.Equal(t, float64(os.Getpid()), first["pid"])
	assert.Equal(t, "failed", final["status"])
}
