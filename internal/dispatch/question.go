package dispatch

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// QuestionContext tells the client why a question was asked.
type QuestionContext string

const (
	ContextClarify  QuestionContext = "clarify"
	ContextSchedule QuestionContext = "schedule"
	ContextApproval QuestionContext = "approval"
)

// Option is one suggested answer.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// QuestionItem is a single prompt inside a Question.
type QuestionItem struct {
	Question    string   `json:"question"`
	Header      string   `json:"header"`
	Options     []Option `json:"options"`
	MultiSelect bool     `json:"multiSelect"`
}

// Question is a structured request for user input that pauses the turn.
type Question struct {
	ID            string          `json:"id"`
	ToolUseID     string          `json:"toolUseId"`
	Questions     []QuestionItem  `json:"questions"`
	MissingFields []string        `json:"missingFields,omitempty"`
	Context       QuestionContext `json:"questionContext,omitempty"`
}

// NewQuestion assigns fresh ids to a set of items.
func NewQuestion(items []QuestionItem, qctx QuestionContext, missing ...string) *Question {
	return &Question{
		ID:            "question_" + uuid.NewString(),
		ToolUseID:     "tool_" + uuid.NewString(),
		Questions:     items,
		MissingFields: missing,
		Context:       qctx,
	}
}

// JoinAnswers concatenates the non-empty answers with newlines. Answers are
// keyed by question text and ordered by the question's items; keys that match
// no item follow in sorted order.
func (q *Question) JoinAnswers(answers map[string]string) string {
	seen := make(map[string]bool, len(answers))
	parts := make([]string, 0, len(answers))
	if q != nil {
		for _, item := range q.Questions {
			if seen[item.Question] {
				continue
			}
			seen[item.Question] = true
			if v := strings.TrimSpace(answers[item.Question]); v != "" {
				parts = append(parts, v)
			}
		}
	}

	rest := make([]string, 0)
	for k := range answers {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		if v := strings.TrimSpace(answers[k]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

// QuestionFromToolInput builds a Question from an AskUserQuestion tool call.
// It accepts either a "questions" array or a single "question" with options.
// It returns nil when no usable prompt is present.
func QuestionFromToolInput(input json.RawMessage, toolUseID string) *Question {
	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err != nil || obj == nil {
		return nil
	}

	rawItems, _ := obj["questions"].([]any)
	if rawItems == nil {
		if str(obj["question"]) == "" {
			return nil
		}
		rawItems = []any{obj}
	}

	items := make([]QuestionItem, 0, len(rawItems))
	for _, raw := range rawItems {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text := str(m["question"])
		if text == "" {
			continue
		}
		header := str(m["header"])
		if header == "" {
			header = "Question"
		}
		multi, _ := m["multiSelect"].(bool)
		items = append(items, QuestionItem{
			Question:    text,
			Header:      header,
			Options:     parseOptions(m["options"]),
			MultiSelect: multi,
		})
	}
	if len(items) == 0 {
		return nil
	}

	q := NewQuestion(items, QuestionContext(""), strList(obj["missingFields"])...)
	if len(q.MissingFields) == 0 {
		q.MissingFields = nil
	}
	switch c := QuestionContext(str(obj["questionContext"])); c {
	case ContextClarify, ContextSchedule, ContextApproval:
		q.Context = c
	}
	if toolUseID != "" {
		q.ToolUseID = toolUseID
	}
	return q
}

func parseOptions(v any) []Option {
	raw, _ := v.([]any)
	out := make([]Option, 0, len(raw))
	for _, o := range raw {
		switch opt := o.(type) {
		case string:
			if label := strings.TrimSpace(opt); label != "" {
				out = append(out, Option{Label: label})
			}
		case map[string]any:
			if label := str(opt["label"]); label != "" {
				out = append(out, Option{Label: label, Description: str(opt["description"])})
			}
		}
	}
	return out
}
