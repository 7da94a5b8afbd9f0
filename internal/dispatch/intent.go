package dispatch

import (
	"regexp"
	"strings"
)

var (
	rejectCreatePattern = regexp.MustCompile(`(?i)don'?t\s+create|do\s+not\s+create|no\s+new\s+(skill|capability)|without\s+(a\s+)?new\s+(skill|capability)`)
	acceptCreatePattern = regexp.MustCompile(`(?i)create\s+(a\s+)?new\s+(skill|capability)|create_skill|create\s+capability|make\s+(this|it)\s+(a\s+)?(reusable\s+)?(skill|capability)`)
	genericPattern      = regexp.MustCompile(`(?i)just\s+do\s+it|do\s+it\s+directly|run\s+it\s+directly|generic`)
)

func classify(text string) (create, generic bool) {
	reject := rejectCreatePattern.MatchString(text)
	accept := acceptCreatePattern.MatchString(text)
	return accept && !reject, reject || genericPattern.MatchString(text)
}

// DetectDirectIntent short-circuits the model when the user explicitly asks
// to create a capability or to run the task directly.
func DetectDirectIntent(query string) Action {
	text := strings.TrimSpace(query)
	if text == "" {
		return nil
	}
	create, generic := classify(text)
	switch {
	case create:
		return CreateCapability{Mode: "skill", SeedQuery: text}
	case generic:
		return ExecuteGeneric{Query: text, PlanSteps: []string{}}
	}
	return nil
}

// InferFallback derives an action from the query and reply when the model
// produced no marker.
func InferFallback(query, reply string) Action {
	create, generic := classify(query + "\n" + reply)
	switch {
	case create:
		if query == "" {
			query = "Create a new capability for this task"
		}
		return CreateCapability{Mode: "skill", SeedQuery: query}
	case generic:
		if query == "" {
			query = "Run this task directly without creating a capability"
		}
		return ExecuteGeneric{Query: query, PlanSteps: []string{}}
	}
	return nil
}
