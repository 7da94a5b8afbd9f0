package dispatch

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Marker prefixes the out-of-band action the model appends to its reply.
const Marker = "DISPATCH_ACTION:"

var (
	askCallPattern = regexp.MustCompile(`(?i)AskU(?:ser|er)Question\(`)
	askToolPattern = regexp.MustCompile(`(?i)^AskU(?:ser|er)Question$`)
)

// ExtractAction returns the last marker in text that decodes to a valid
// action, or nil.
func ExtractAction(text string) Action {
	var found Action
	rest := text
	for {
		i := strings.Index(rest, Marker)
		if i < 0 {
			return found
		}
		rest = rest[i+len(Marker):]
		if a := decodeMarker(rest); a != nil {
			found = a
		}
	}
}

// decodeMarker reads exactly one JSON object following the marker, so nested
// braces inside string values do not cut it short.
func decodeMarker(after string) Action {
	body := strings.TrimLeft(after, " \t\r\n")
	if !strings.HasPrefix(body, "{") {
		return nil
	}
	var raw json.RawMessage
	if err := json.NewDecoder(strings.NewReader(body)).Decode(&raw); err != nil {
		return nil
	}
	a, err := DecodeAction(raw)
	if err != nil {
		return nil
	}
	return a
}

// StripMarker removes the action marker and everything after it.
func StripMarker(text string) string {
	i := strings.Index(text, Marker)
	if i < 0 {
		return text
	}
	return strings.TrimRight(text[:i], " \t\r\n")
}

// IsAskUserQuestion reports whether a tool name is the question tool.
func IsAskUserQuestion(toolName string) bool {
	return askToolPattern.MatchString(strings.TrimSpace(toolName))
}

// QuestionFromText finds an inline AskUserQuestion({...}) call in text.
func QuestionFromText(text string) *Question {
	loc := askCallPattern.FindStringIndex(text)
	if loc == nil {
		return nil
	}
	var raw json.RawMessage
	dec := json.NewDecoder(strings.NewReader(text[loc[1]:]))
	if err := dec.Decode(&raw); err != nil {
		return nil
	}
	return QuestionFromToolInput(raw, "")
}
