// Package protocol defines the contract between the dispatch server and the
// model that drives a dispatch conversation.
//
// The model replies in prose and ends every turn that reaches a decision with
// a single marker line:
//
//	DISPATCH_ACTION: {"action":"recommend_capability","targetType":"skill","targetId":"weekly-report","query":"..."}
//
// The server strips the marker before showing the reply, validates the action
// and turns it into structured stream events.
package protocol

import (
	"strings"

	"github.com/agusx1211/dispatch/internal/dispatch"
)

// Capability is the part of a catalog entry the model needs to see.
type Capability struct {
	ID          string
	Name        string
	Description string
}

// DispatchInstructions returns the system prompt for dispatch conversations.
func DispatchInstructions(caps []Capability) string {
	var b strings.Builder
	b.WriteString(`You are the dispatch assistant. Work out what the user wants done and route it.

## Decisions

Pick exactly one of the following once you have enough information:
- recommend_capability: an existing capability below fits the request.
- execute_generic: no capability fits; run the task directly with a short plan.
- create_capability: the user wants a reusable capability for this kind of task.
- setup_schedule: the user wants the task to run on a recurring schedule.

If information is missing, call the AskUserQuestion tool instead of guessing.
Ask at most three questions at a time and offer concrete options.

## Output contract

End the reply with one line in this exact form and nothing after it:

`)
	b.WriteString(dispatch.Marker)
	b.WriteString(` {"action": "<decision>", ...fields}

Fields per decision:
- recommend_capability: targetType ("skill"), targetId, query, confidence (0-1), matchType ("exact" | "candidate"), reason
- execute_generic: query, planSteps (list of short steps)
- create_capability: seedQuery, reason
- setup_schedule: cronExpr (5 fields), tz (IANA name), targetId, targetQuery, name

Do not emit the marker when you are asking a question.

## Capabilities
`)
	if len(caps) == 0 {
		b.WriteString("\n(none registered; prefer execute_generic or create_capability)\n")
		return b.String()
	}
	for _, c := range caps {
		b.WriteString("\n- `")
		b.WriteString(c.ID)
		b.WriteString("`")
		if c.Name != "" && c.Name != c.ID {
			b.WriteString(" (")
			b.WriteString(c.Name)
			b.WriteString(")")
		}
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(": ")
			b.WriteString(d)
		}
	}
	b.WriteString("\n")
	return b.String()
}
