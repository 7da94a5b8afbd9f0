package dispatch

// Phase is the coarse stage of a dispatch conversation.
type Phase string

const (
	PhaseClarify        Phase = "clarify"
	PhaseMatch          Phase = "match"
	PhaseChooseStrategy Phase = "choose_strategy"
	PhasePlanReview     Phase = "plan_review"
	PhaseScheduleWizard Phase = "schedule_wizard"
	PhaseReady          Phase = "ready"
)

// ParsePhase maps any unrecognized value to PhaseClarify.
func ParsePhase(s string) Phase {
	switch p := Phase(s); p {
	case PhaseClarify, PhaseMatch, PhaseChooseStrategy, PhasePlanReview, PhaseScheduleWizard, PhaseReady:
		return p
	}
	return PhaseClarify
}
