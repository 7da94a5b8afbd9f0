package session

import (
	"context"
	"strings"

	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/store"
)

// View is a session as a resuming client should see it.
type View struct {
	store.Session
	Turns  []store.Turn      `json:"messages"`
	Live   bool              `json:"isLive"`
	Source Origin            `json:"source"`
	Task   *runtime.Snapshot `json:"liveTask,omitempty"`
}

// LiveView returns the persisted transcript, extended with at most one
// synthetic user turn and one synthetic assistant turn when the session is
// running and the registry holds content the ledger does not have yet.
// Calling it repeatedly without intervening writes yields the same result.
func (s *Service) LiveView(ctx context.Context, id string) ([]store.Turn, error) {
	v, err := s.Detail(ctx, id)
	if err != nil {
		return nil, err
	}
	return v.Turns, nil
}

// Detail returns the merged view with session metadata.
func (s *Service) Detail(ctx context.Context, id string) (*View, error) {
	d, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	v := &View{
		Session: d.Session,
		Turns:   d.Turns,
		Source:  OriginOf(d.ID, d.CapabilityID),
	}
	snap, ok := s.live.Snapshot(id)
	if !ok || !snap.Running {
		return v, nil
	}
	v.Live = true
	v.Task = &snap
	v.Turns = mergeLive(d.Turns, snap)
	return v, nil
}

func mergeLive(persisted []store.Turn, snap runtime.Snapshot) []store.Turn {
	out := make([]store.Turn, len(persisted), len(persisted)+2)
	copy(out, persisted)

	if q := strings.TrimSpace(snap.Query); q != "" && strings.TrimSpace(lastContent(persisted, store.TurnUser)) != q {
		out = append(out, store.Turn{
			SessionID: snap.SessionID,
			Kind:      store.TurnUser,
			Content:   snap.Query,
			CreatedAt: snap.StartedAt,
			Synthetic: true,
		})
	}
	if strings.TrimSpace(snap.Text) != "" && lastContent(persisted, store.TurnAssistant) != snap.Text {
		out = append(out, store.Turn{
			SessionID: snap.SessionID,
			Kind:      store.TurnAssistant,
			Content:   snap.Text,
			CreatedAt: snap.LastEventAt,
			Synthetic: true,
		})
	}
	return out
}

func lastContent(turns []store.Turn, kind store.TurnKind) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Kind == kind {
			return turns[i].Content
		}
	}
	return ""
}
