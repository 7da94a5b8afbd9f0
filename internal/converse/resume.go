package converse

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/store"
)

// fromTurns translates persisted turns into the transcript shape a live
// stream produces.
func fromTurns(turns []store.Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		m := Message{ID: turnMessageID(t), CreatedAt: t.CreatedAt}
		switch t.Kind {
		case store.TurnUser:
			m.Kind = KindUser
			m.Content = t.Content
		case store.TurnAssistant:
			m.Kind = KindAssistant
			m.Content = strings.TrimSpace(dispatch.StripMarker(t.Content))
			if m.Content == "" {
				continue
			}
		case store.TurnToolUse:
			m.Kind = KindTool
			m.ToolName = t.ToolName
			m.ToolInput = t.ToolInput
		case store.TurnToolResult:
			m.Kind = KindTool
			m.ToolName = t.ToolName
			m.Content = t.ToolResult
		case store.TurnError:
			m.Kind = KindError
			m.Content = t.Content
		case store.TurnSystem:
			m.Kind = KindSystem
			m.Content = t.Content
		default:
			continue
		}
		out = append(out, m)
	}
	return out
}

func turnMessageID(t store.Turn) string {
	if t.ID == 0 {
		return string(t.Kind) + "_" + uuid.NewString()
	}
	return fmt.Sprintf("%s_%d", t.Kind, t.ID)
}

// lastAction recovers the decision carried by the latest assistant turn.
func lastAction(tr *Transcript) dispatch.Action {
	for i := len(tr.Turns) - 1; i >= 0; i-- {
		t := tr.Turns[i]
		switch t.Kind {
		case store.TurnUser:
			return nil
		case store.TurnAssistant:
			if a := dispatch.ExtractAction(t.Content); a != nil {
				return a
			}
		}
	}
	return nil
}
