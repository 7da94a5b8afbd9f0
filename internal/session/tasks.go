package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/store"
)

// Task is one entry of the background task index.
type Task struct {
	SessionID    string    `json:"sessionId"`
	CapabilityID string    `json:"skillId"`
	Label        string    `json:"skillName"`
	Query        string    `json:"query"`
	StartedAt    time.Time `json:"startedAt"`
	Source       Origin    `json:"source"`
	Live         bool      `json:"isLive"`
}

// DispatchLabel names dispatch conversations in task lists.
const DispatchLabel = "Dispatch"

// ListAll returns every running task: registry entries, plus dispatch
// conversations the ledger marks running that have no registry entry. The
// registry wins when both know a session. Results are sorted by start time,
// most recent first.
func (s *Service) ListAll(ctx context.Context) ([]Task, error) {
	live := s.live.ListRunning()
	seen := make(map[string]bool, len(live))
	tasks := make([]Task, 0, len(live))
	for _, snap := range live {
		seen[snap.SessionID] = true
		tasks = append(tasks, Task{
			SessionID:    snap.SessionID,
			CapabilityID: snap.CapabilityID,
			Label:        snap.Label,
			Query:        snap.Query,
			StartedAt:    snap.StartedAt,
			Source:       OriginOf(snap.SessionID, snap.CapabilityID),
			Live:         true,
		})
	}

	rows, err := s.ledger.ListByStatus(ctx, store.StatusRunning, 0)
	if err != nil {
		return nil, fmt.Errorf("listing running sessions: %w", err)
	}
	for _, row := range rows {
		if seen[row.ID] || row.CapabilityID != dispatch.DispatchCapability {
			continue
		}
		tasks = append(tasks, Task{
			SessionID:    row.ID,
			CapabilityID: row.CapabilityID,
			Label:        DispatchLabel,
			Query:        row.Query,
			StartedAt:    row.CreatedAt,
			Source:       OriginOf(row.ID, row.CapabilityID),
		})
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].SessionID < tasks[j].SessionID
		}
		return tasks[i].StartedAt.After(tasks[j].StartedAt)
	})
	return tasks, nil
}
