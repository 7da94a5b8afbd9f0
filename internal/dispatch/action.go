// Package dispatch defines the vocabulary of a dispatch conversation: the
// action the assistant proposes, the phase the conversation is in and the
// structured questions it asks back.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Capability ids with special meaning.
const (
	// DispatchCapability marks a session as a dispatch conversation.
	DispatchCapability = "__converse__"
	// GenericCapability runs a query with the general-purpose assistant.
	GenericCapability = "__generic__"
)

var (
	// ErrUnknownAction is returned for a missing or unrecognized discriminator.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidAction is returned when a recognized action lacks required fields.
	ErrInvalidAction = errors.New("invalid action")
)

// ActionKind is the wire discriminator of an Action.
type ActionKind string

const (
	KindRecommend ActionKind = "recommend_capability"
	KindExecute   ActionKind = "execute_generic"
	KindCreate    ActionKind = "create_capability"
	KindSchedule  ActionKind = "setup_schedule"
)

// Action is the assistant's decision for a turn. The concrete types are
// Recommend, ExecuteGeneric, CreateCapability and SetupSchedule.
type Action interface {
	Kind() ActionKind
	isAction()
}

// Recommend points the user at an existing capability.
type Recommend struct {
	TargetType string   `json:"targetType"`
	TargetID   string   `json:"targetId"`
	Query      string   `json:"query"`
	Confidence *float64 `json:"confidence,omitempty"`
	MatchType  string   `json:"matchType,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ExecuteGeneric runs the query without a dedicated capability.
type ExecuteGeneric struct {
	Query     string   `json:"query"`
	PlanSteps []string `json:"planSteps"`
}

// CreateCapability drafts a new capability seeded with a query.
type CreateCapability struct {
	Mode      string `json:"mode"`
	SeedQuery string `json:"seedQuery"`
	Reason    string `json:"reason,omitempty"`
}

// SetupSchedule registers a recurring run of a capability.
type SetupSchedule struct {
	CronExpr    string `json:"cronExpr"`
	TZ          string `json:"tz,omitempty"`
	TargetType  string `json:"targetType,omitempty"`
	TargetID    string `json:"targetId,omitempty"`
	TargetQuery string `json:"targetQuery"`
	Name        string `json:"name,omitempty"`
}

func (Recommend) Kind() ActionKind        { return KindRecommend }
func (ExecuteGeneric) Kind() ActionKind   { return KindExecute }
func (CreateCapability) Kind() ActionKind { return KindCreate }
func (SetupSchedule) Kind() ActionKind    { return KindSchedule }

func (Recommend) isAction()        {}
func (ExecuteGeneric) isAction()   {}
func (CreateCapability) isAction() {}
func (SetupSchedule) isAction()    {}

// EncodeAction renders a with its "action" discriminator.
func EncodeAction(a Action) ([]byte, error) {
	if a == nil {
		return nil, ErrUnknownAction
	}
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", a.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", a.Kind(), err)
	}
	kind, _ := json.Marshal(string(a.Kind()))
	fields["action"] = kind
	return json.Marshal(fields)
}

// DecodeAction parses a tagged action. Legacy discriminators are rewritten to
// their current form. Either one complete variant is returned or an error;
// there is no partial result.
func DecodeAction(raw []byte) (Action, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return actionFromMap(obj)
}

func actionFromMap(obj map[string]any) (Action, error) {
	kind := str(obj["action"])
	switch kind {
	case string(KindRecommend):
		a := Recommend{
			TargetType: str(obj["targetType"]),
			TargetID:   str(obj["targetId"]),
			Query:      str(obj["query"]),
			Reason:     str(obj["reason"]),
		}
		if a.TargetType == "" {
			a.TargetType = "skill"
		}
		if c, ok := obj["confidence"].(float64); ok {
			a.Confidence = &c
		}
		if mt := str(obj["matchType"]); mt == "exact" || mt == "candidate" {
			a.MatchType = mt
		}
		if a.TargetID == "" || a.Query == "" {
			return nil, fmt.Errorf("%w: %s requires targetId and query", ErrInvalidAction, kind)
		}
		return a, nil

	case string(KindExecute):
		a := ExecuteGeneric{Query: str(obj["query"]), PlanSteps: strList(obj["planSteps"])}
		if a.Query == "" {
			return nil, fmt.Errorf("%w: %s requires query", ErrInvalidAction, kind)
		}
		return a, nil

	case string(KindCreate), "create_skill":
		a := CreateCapability{
			Mode:      "skill",
			SeedQuery: firstStr(obj, "seedQuery", "query"),
			Reason:    str(obj["reason"]),
		}
		if a.SeedQuery == "" {
			return nil, fmt.Errorf("%w: %s requires seedQuery", ErrInvalidAction, kind)
		}
		return a, nil

	case string(KindSchedule):
		a := SetupSchedule{
			CronExpr:    str(obj["cronExpr"]),
			TZ:          str(obj["tz"]),
			TargetType:  "skill",
			TargetID:    str(obj["targetId"]),
			TargetQuery: firstStr(obj, "targetQuery", "query"),
			Name:        str(obj["name"]),
		}
		if a.CronExpr == "" || a.TargetQuery == "" {
			return nil, fmt.Errorf("%w: %s requires cronExpr and targetQuery", ErrInvalidAction, kind)
		}
		return a, nil

	case "setup_cron":
		a := SetupSchedule{
			CronExpr:    str(obj["cronSchedule"]),
			TargetType:  "skill",
			TargetQuery: firstStr(obj, "cronTargetQuery", "query"),
		}
		if a.CronExpr == "" || a.TargetQuery == "" {
			return nil, fmt.Errorf("%w: %s requires cronSchedule and query", ErrInvalidAction, kind)
		}
		return a, nil

	case "navigate_skill", "navigate_workflow":
		idKey := "skillId"
		if kind == "navigate_workflow" {
			idKey = "workflowId"
		}
		a := Recommend{
			TargetType: "skill",
			TargetID:   str(obj[idKey]),
			Query:      str(obj["query"]),
			Reason:     "legacy action: " + kind,
		}
		if a.TargetID == "" || a.Query == "" {
			return nil, fmt.Errorf("%w: %s requires %s and query", ErrInvalidAction, kind, idKey)
		}
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func firstStr(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(obj[k]); s != "" {
			return s
		}
	}
	return ""
}

func strList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := str(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
