// Package gemini runs dispatch turns against the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/agusx1211/dispatch/internal/logging"
	"github.com/agusx1211/dispatch/internal/model"
)

// Config configures the runner.
type Config struct {
	APIKey string
	Model  string
}

// Runner streams turns from the Gemini API.
type Runner struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// New creates a client. It does not contact the API.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Runner{client: client, model: cfg.Model, log: logging.Named("model")}, nil
}

// Run streams the response. Function calls are reported as tool uses; the
// only declared function is AskUserQuestion.
func (g *Runner) Run(ctx context.Context, req model.Request, emit func(model.Event)) error {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.RoleUser
		if m.Role == model.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	contents = append(contents, genai.NewContentFromText(withFiles(req.Query, req.FileIDs), genai.RoleUser))

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Dispatch {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{askUserQuestionDecl()}}}
	}

	g.log.Debug("generate stream",
		zap.String("session_id", req.SessionID),
		zap.String("model", g.model),
		zap.Int("history", len(req.History)))

	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("genai stream: %w", err)
		}
		if text := resp.Text(); text != "" {
			emit(model.Event{Kind: model.KindText, Text: text})
		}
		for _, call := range resp.FunctionCalls() {
			input, err := json.Marshal(call.Args)
			if err != nil {
				input = []byte("{}")
			}
			emit(model.Event{Kind: model.KindToolUse, ToolName: call.Name, ToolInput: input, ToolUseID: call.ID})
		}
	}
	return ctx.Err()
}

func withFiles(query string, fileIDs []string) string {
	if len(fileIDs) == 0 {
		return query
	}
	return query + "\n\nAttached files: " + strings.Join(fileIDs, ", ")
}

func askUserQuestionDecl() *genai.FunctionDeclaration {
	str := &genai.Schema{Type: genai.TypeString}
	option := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"label":       str,
			"description": str,
		},
		Required: []string{"label"},
	}
	question := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"question":    str,
			"header":      str,
			"options":     {Type: genai.TypeArray, Items: option},
			"multiSelect": {Type: genai.TypeBoolean},
		},
		Required: []string{"question"},
	}
	return &genai.FunctionDeclaration{
		Name:        model.AskUserQuestionTool,
		Description: "Ask the user one or more structured questions when required information is missing.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"questions":       {Type: genai.TypeArray, Items: question},
				"missingFields":   {Type: genai.TypeArray, Items: str},
				"questionContext": {Type: genai.TypeString, Enum: []string{"clarify", "schedule", "approval"}},
			},
			Required: []string{"questions"},
		},
	}
}
