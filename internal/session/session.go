// Package session answers read-side questions about sessions by combining
// the durable ledger with the live runtime registry: what a client should
// see when it resumes a session, and which tasks are still running.
package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/store"
)

// Ledger is the read side of the session store.
type Ledger interface {
	Get(ctx context.Context, id string) (*store.Detail, error)
	ListByStatus(ctx context.Context, status store.Status, limit int) ([]store.Session, error)
}

// Live is the read side of the runtime registry.
type Live interface {
	Snapshot(id string) (runtime.Snapshot, bool)
	ListRunning() []runtime.Snapshot
}

// Service merges ledger and registry state. It never writes to either.
type Service struct {
	ledger Ledger
	live   Live
}

// NewService returns a Service over the given ledger and registry.
func NewService(ledger Ledger, live Live) *Service {
	return &Service{ledger: ledger, live: live}
}

// Origin is the channel a session came from.
type Origin string

const (
	OriginDesktop  Origin = "desktop"
	OriginConverse Origin = "converse"
	OriginCron     Origin = "cron"
	OriginBot      Origin = "bot"
)

// Session id prefixes used by external executors.
const (
	PrefixCron       = "cron-"
	PrefixCronManual = "cron-manual-"
	PrefixBot        = "bot-"
	prefixBotLegacy  = "feishu-"
)

// OriginOf derives the origin from the session id and capability. It is
// computed on read and never stored.
func OriginOf(sessionID, capabilityID string) Origin {
	switch {
	case strings.HasPrefix(sessionID, PrefixCronManual), strings.HasPrefix(sessionID, PrefixCron):
		return OriginCron
	case strings.HasPrefix(sessionID, PrefixBot), strings.HasPrefix(sessionID, prefixBotLegacy):
		return OriginBot
	case capabilityID == dispatch.DispatchCapability:
		return OriginConverse
	}
	return OriginDesktop
}

// ProcessAlive checks if a process with the given PID is still running.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Send signal 0 to check liveness.
	return proc.Signal(syscall.Signal(0)) == nil
}

// FormatElapsed returns a human-readable elapsed time string.
func FormatElapsed(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// FormatTimeAgo returns a human-readable "time ago" string relative to now.
func FormatTimeAgo(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		if m := int(d.Minutes()); m != 1 {
			return fmt.Sprintf("%d minutes ago", m)
		}
		return "1 minute ago"
	case d < 24*time.Hour:
		if h := int(d.Hours()); h != 1 {
			return fmt.Sprintf("%d hours ago", h)
		}
		return "1 hour ago"
	default:
		return t.Local().Format("Jan 2 15:04")
	}
}
