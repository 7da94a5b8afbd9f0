package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agusx1211/dispatch/internal/dispatch"
)

var blockSeparator = regexp.MustCompile(`\r?\n\r?\n`)

// Encode renders ev as one framed block.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encoding nil event")
	}
	var data []byte
	var err error
	if _, ok := ev.(Done); ok {
		data = []byte("{}")
	} else {
		data, err = json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encoding %s event: %w", ev.Type(), err)
		}
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + len(ev.Type()) + 16)
	buf.WriteString("event: ")
	buf.WriteString(ev.Type())
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Split cuts buffer into complete blocks and returns the trailing partial
// block as remainder.
func Split(buffer string) (blocks []string, remainder string) {
	parts := blockSeparator.Split(buffer, -1)
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// Decode parses one block. ok is false for blocks without an event line,
// without data, with invalid JSON or with an unknown type.
func Decode(block string) (ev Event, ok bool) {
	var typ string
	var data strings.Builder
	hasData := false
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			typ = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimLeft(strings.TrimPrefix(line, "data:"), " \t"))
			hasData = true
		}
	}
	if typ == "" || !hasData || data.Len() == 0 {
		return nil, false
	}
	payload := []byte(data.String())
	if !json.Valid(payload) {
		return nil, false
	}

	ev, err := decodePayload(typ, payload)
	if err != nil {
		return nil, false
	}
	return ev, true
}

func decodePayload(typ string, payload []byte) (Event, error) {
	switch typ {
	case TypeSession:
		return unmarshal[Session](payload)
	case TypeText:
		return unmarshal[Text](payload)
	case TypeAction:
		a, err := dispatch.DecodeAction(payload)
		if err != nil {
			return nil, err
		}
		return Action{Action: a}, nil
	case TypeState:
		return unmarshal[State](payload)
	case TypeQuestion:
		var q dispatch.Question
		if err := json.Unmarshal(payload, &q); err != nil {
			return nil, err
		}
		return Question{Question: &q}, nil
	case TypeToolUse:
		return unmarshal[ToolUse](payload)
	case TypeToolResult:
		return unmarshal[ToolResult](payload)
	case TypeError:
		return unmarshal[Error](payload)
	case TypeDone:
		return Done{}, nil
	case TypeStatus:
		return unmarshal[Status](payload)
	case TypeWarning:
		return unmarshal[Warning](payload)
	}
	return nil, fmt.Errorf("unknown event type %q", typ)
}

func unmarshal[T Event](payload []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return e, nil
}
