package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/model"
)

var _ model.Runner = (*Runner)(nil)

func TestNewRequiresKey(t *testing.T) {
	_, err := New(context.Background(), Config{APIKey: "  "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")
}

func TestAskUserQuestionDecl(t *testing.T) {
	decl := askUserQuestionDecl()
	assert.Equal(t, model.AskUserQuestionTool, decl.Name)
	assert.True(t, dispatch.IsAskUserQuestion(decl.Name))
	assert.Contains(t, decl.Parameters.Properties, "questions")
	assert.Equal(t, []string{"questions"}, decl.Parameters.Required)
}

func TestWithFiles(t *testing.T) {
	assert.Equal(t, "summarize", withFiles("summarize", nil))
	assert.Equal(t, "summarize\n\nAttached files: f1, f2", withFiles("summarize", []string{"f1", "f2"}))
}
