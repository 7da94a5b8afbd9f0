package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractActionLastValidWins(t *testing.T) {
	text := "Thinking...\n" +
		`DISPATCH_ACTION: {"action":"execute_generic","query":"first"}` + "\n" +
		`DISPATCH_ACTION: {"action":"bogus"}` + "\n" +
		`DISPATCH_ACTION: {"action":"create_capability","seedQuery":"second {with braces}"}`

	got := ExtractAction(text)
	require.NotNil(t, got)
	assert.Equal(t, CreateCapability{Mode: "skill", SeedQuery: "second {with braces}"}, got)
}

func TestExtractActionNone(t *testing.T) {
	assert.Nil(t, ExtractAction("plain reply"))
	assert.Nil(t, ExtractAction("DISPATCH_ACTION: {broken"))
}

func TestStripMarker(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Sure, running it.\nDISPATCH_ACTION: {\"action\":\"execute_generic\",\"query\":\"x\"}", "Sure, running it."},
		{"Partial DISPATCH_ACTION: {\"act", "Partial"},
		{"no marker", "no marker"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripMarker(tt.in))
	}
}

func TestQuestionFromText(t *testing.T) {
	text := `I need more info. AskUserQuestion({"question":"Which format (pdf or docx)?","options":["pdf","docx"]})`
	q := QuestionFromText(text)
	require.NotNil(t, q)
	require.Len(t, q.Questions, 1)
	assert.Equal(t, "Which format (pdf or docx)?", q.Questions[0].Question)
	assert.Equal(t, []Option{{Label: "pdf"}, {Label: "docx"}}, q.Questions[0].Options)

	assert.Nil(t, QuestionFromText("no call here"))
}

func TestIsAskUserQuestion(t *testing.T) {
	assert.True(t, IsAskUserQuestion("AskUserQuestion"))
	assert.True(t, IsAskUserQuestion("askuerquestion"))
	assert.False(t, IsAskUserQuestion("Read"))
}
