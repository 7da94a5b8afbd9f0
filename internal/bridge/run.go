package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/hexid"
	"github.com/agusx1211/dispatch/internal/logging"
	"github.com/agusx1211/dispatch/internal/store"
	"github.com/agusx1211/dispatch/pkg/protocol"
)

// Source is where an external job comes from. It becomes the session id
// prefix, which is how the task index derives the origin.
type Source string

const (
	SourceCron       Source = "cron"
	SourceCronManual Source = "cron-manual"
	SourceBot        Source = "bot"
)

// ParseSource accepts "cron", "cron-manual" and "bot".
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceCron, SourceCronManual, SourceBot:
		return src, nil
	}
	return "", fmt.Errorf("unknown source %q (want cron, cron-manual or bot)", s)
}

// Job describes one external execution.
type Job struct {
	Source       Source
	ID           string
	CapabilityID string
	Label        string
	Query        string
}

// Result is what a job produced.
type Result struct {
	Output string
	Cost   float64
}

// JobFunc does the work for a job. sessionID is the ledger session the job
// is reported under.
type JobFunc func(ctx context.Context, sessionID string) (Result, error)

// reportTimeout bounds the final status report, which runs even when the
// job's context is already cancelled.
const reportTimeout = 5 * time.Second

// Run reports job as a running session, runs fn, records its output as an
// assistant message and sets the final status: completed, failed, or
// aborted when ctx was cancelled. It returns the session id and fn's error.
func (c *Client) Run(ctx context.Context, job Job, fn JobFunc) (string, error) {
	log := logging.Named("bridge")
	id := hexid.Join(string(job.Source), job.ID)

	err := c.Upsert(ctx, protocol.ExternalUpsert{
		SessionID:    id,
		Query:        job.Query,
		Status:       string(store.StatusRunning),
		CapabilityID: job.CapabilityID,
		Label:        job.Label,
		PID:          os.Getpid(),
	})
	if err != nil {
		return "", fmt.Errorf("registering job: %w", err)
	}
	log.Info("job started", zap.String("session_id", id), zap.String("source", string(job.Source)))

	res, runErr := fn(ctx, id)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if out := strings.TrimSpace(res.Output); out != "" {
		if err := c.AppendMessage(rctx, protocol.ExternalMessage{SessionID: id, Type: string(store.TurnAssistant), Content: out}); err != nil {
			log.Warn("report output failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	status := store.StatusCompleted
	switch {
	case runErr != nil && (ctx.Err() != nil || errors.Is(runErr, context.Canceled)):
		status = store.StatusAborted
	case runErr != nil:
		status = store.StatusFailed
		if err := c.AppendMessage(rctx, protocol.ExternalMessage{SessionID: id, Type: string(store.TurnError), Content: runErr.Error()}); err != nil {
			log.Warn("report error failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	if err := c.SetStatus(rctx, id, status, res.Cost); err != nil {
		return id, errors.Join(runErr, fmt.Errorf("reporting status: %w", err))
	}
	log.Info("job finished", zap.String("session_id", id), zap.String("status", string(status)))
	return id, runErr
}
