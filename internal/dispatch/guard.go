package dispatch

import (
	"fmt"
	"strings"
)

// Catalog answers whether a capability exists.
type Catalog interface {
	Has(id string) bool
}

// GuardResult is the checked outcome of a proposed action. Exactly one of
// Action and Question is set.
type GuardResult struct {
	Action           Action
	Question         *Question
	Phase            Phase
	ApprovalRequired bool
	ValidationErrors []string
}

// OK reports whether the action passed validation.
func (g GuardResult) OK() bool { return g.Action != nil }

// Guard validates a against the catalog and decides the phase it moves the
// conversation into. Actions that would start work require approval.
func Guard(a Action, catalog Catalog) GuardResult {
	switch act := a.(type) {
	case Recommend:
		if catalog == nil || !catalog.Has(act.TargetID) {
			q := NewQuestion([]QuestionItem{{
				Header:   "Capability check",
				Question: fmt.Sprintf("No %s named %q was found. How should I continue?", act.TargetType, act.TargetID),
				Options: []Option{
					{Label: "Run with the generic assistant", Description: "Finish the task once without a capability"},
					{Label: "Create a new capability", Description: "Turn this task into a reusable capability"},
					{Label: "Keep matching", Description: "Look for another existing capability"},
				},
			}}, ContextClarify)
			return GuardResult{
				Question:         q,
				Phase:            PhaseMatch,
				ValidationErrors: []string{fmt.Sprintf("capability not found: %s/%s", act.TargetType, act.TargetID)},
			}
		}
		return GuardResult{Action: act, Phase: PhaseReady}

	case SetupSchedule:
		if act.TargetType == "" {
			act.TargetType = "skill"
		}
		var missing []string
		if !ValidCronExpr(act.CronExpr) {
			missing = append(missing, "cronExpr")
		}
		if act.TZ == "" {
			missing = append(missing, "tz")
		}
		if act.TargetID == "" {
			missing = append(missing, "targetId")
		}
		if act.TargetQuery == "" {
			missing = append(missing, "targetQuery")
		}
		if len(missing) == 0 && (catalog == nil || !catalog.Has(act.TargetID)) {
			missing = append(missing, "targetId")
		}
		if len(missing) > 0 {
			errs := make([]string, 0, len(missing))
			for _, f := range missing {
				errs = append(errs, "schedule field missing or invalid: "+f)
			}
			return GuardResult{
				Question:         scheduleQuestion(missing),
				Phase:            PhaseScheduleWizard,
				ValidationErrors: errs,
			}
		}
		return GuardResult{Action: act, Phase: PhaseScheduleWizard, ApprovalRequired: true}

	case ExecuteGeneric:
		return GuardResult{Action: act, Phase: PhasePlanReview, ApprovalRequired: true}

	case CreateCapability:
		return GuardResult{Action: act, Phase: PhaseChooseStrategy, ApprovalRequired: true}
	}
	return GuardResult{Phase: PhaseClarify, ValidationErrors: []string{ErrUnknownAction.Error()}}
}

// ValidCronExpr accepts standard five-field cron expressions.
func ValidCronExpr(expr string) bool {
	return len(strings.Fields(expr)) == 5
}

func scheduleQuestion(missing []string) *Question {
	var items []QuestionItem
	for _, field := range missing {
		switch field {
		case "cronExpr":
			items = append(items, QuestionItem{
				Header:   "Frequency",
				Question: "How often should this run? Pick one or give a cron expression.",
				Options: []Option{
					{Label: "Every day at 09:00", Description: "cron: 0 9 * * *"},
					{Label: "Mondays at 09:00", Description: "cron: 0 9 * * 1"},
					{Label: "Every hour", Description: "cron: 0 * * * *"},
				},
			})
		case "tz":
			items = append(items, QuestionItem{
				Header:   "Time zone",
				Question: "Which time zone should the schedule use?",
				Options: []Option{
					{Label: "UTC", Description: "Coordinated Universal Time"},
					{Label: "America/Los_Angeles", Description: "US Pacific"},
					{Label: "Europe/Berlin", Description: "Central European"},
				},
			})
		case "targetId":
			items = append(items, QuestionItem{
				Header:   "Target capability",
				Question: "Which capability id should the schedule run?",
				Options:  []Option{},
			})
		case "targetQuery":
			items = append(items, QuestionItem{
				Header:   "Task",
				Question: "What should each scheduled run do?",
				Options: []Option{
					{Label: "Reuse the current request", Description: "Use this conversation's request as the query"},
				},
			})
		}
	}
	return NewQuestion(dedupeItems(items), ContextSchedule, missing...)
}

func dedupeItems(items []QuestionItem) []QuestionItem {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if seen[it.Question] {
			continue
		}
		seen[it.Question] = true
		out = append(out, it)
	}
	return out
}
