package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agusx1211/dispatch/internal/bridge"
)

// maxReportedOutput is how much of a command's output is kept for the
// session transcript. The tail is kept.
const maxReportedOutput = 32 << 10

var runCmd = &cobra.Command{
	Use:   "run --source <cron|bot> --job <id> -- <command> [args...]",
	Short: "Run a command as an externally reported session",
	Long: `Run a command and report it to the server as a cron or bot session. The
session shows up in 'dispatch sessions running' while the command runs; its
output is recorded in the transcript and the exit status decides whether the
session completes or fails.

Examples:
  dispatch run --source cron --job nightly-backup -- ./backup.sh
  dispatch run --source bot --job standup --capability digest -- ./digest.py`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExternal,
}

func init() {
	addClientFlags(runCmd)
	runCmd.Flags().String("source", string(bridge.SourceCron), "Where the job comes from: cron, cron-manual or bot")
	runCmd.Flags().String("job", "", "Job id, used in the session id")
	runCmd.Flags().String("capability", "", "Capability id the job runs")
	runCmd.Flags().String("label", "", "Display name in task lists")
	runCmd.Flags().String("query", "", "Query text to record (default: the command line)")
	runCmd.Flags().Bool("quiet", false, "Do not echo the command's output")
	_ = runCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(runCmd)
}

func runExternal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, clientBindings(cmd)...)
	if err != nil {
		return err
	}
	rawSource, _ := cmd.Flags().GetString("source")
	source, err := bridge.ParseSource(rawSource)
	if err != nil {
		return err
	}
	jobID, _ := cmd.Flags().GetString("job")
	capability, _ := cmd.Flags().GetString("capability")
	label, _ := cmd.Flags().GetString("label")
	query, _ := cmd.Flags().GetString("query")
	quiet, _ := cmd.Flags().GetBool("quiet")
	if query == "" {
		query = strings.Join(args, " ")
	}
	if label == "" {
		label = jobID
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newBridgeClient(cmd, cfg)

	var echo io.Writer = cmd.OutOrStdout()
	if quiet {
		echo = io.Discard
	}
	id, err := client.Run(ctx, bridge.Job{
		Source:       source,
		ID:           jobID,
		CapabilityID: capability,
		Label:        label,
		Query:        query,
	}, commandJob(args, echo))
	if id != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", id)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s exited with status %d", args[0], exitErr.ExitCode())
	}
	return err
}

// commandJob runs args, copying its output to echo and keeping the tail for
// the report.
func commandJob(args []string, echo io.Writer) bridge.JobFunc {
	return func(ctx context.Context, sessionID string) (bridge.Result, error) {
		tail := &tailBuffer{max: maxReportedOutput}
		c := exec.CommandContext(ctx, args[0], args[1:]...)
		c.Env = append(os.Environ(), "DISPATCH_SESSION_ID="+sessionID)
		c.Stdin = os.Stdin
		c.Stdout = io.MultiWriter(echo, tail)
		c.Stderr = io.MultiWriter(echo, tail)
		err := c.Run()
		return bridge.Result{Output: tail.String()}, err
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "…\n" + string(t.buf)
	}
	return string(t.buf)
}
