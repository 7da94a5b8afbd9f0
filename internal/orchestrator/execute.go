package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/catalog"
	"github.com/agusx1211/dispatch/internal/model"
	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/sse"
	"github.com/agusx1211/dispatch/internal/store"
)

// ExecuteRequest starts a capability run.
type ExecuteRequest struct {
	SessionID    string `json:"sessionId,omitempty"`
	CapabilityID string `json:"skillId"`
	Query        string `json:"query"`
}

// Execute starts a background run of a capability and returns its session
// id. The run is tied to the orchestrator, not to ctx: clients follow it by
// attaching to the registry and may come and go.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	query, fileIDs := ExtractFileIDs(req.Query)
	if query == "" {
		return "", fmt.Errorf("%w: query required", ErrInvalidRequest)
	}
	capability, ok := o.catalog.Get(strings.TrimSpace(req.CapabilityID))
	if !ok {
		return "", fmt.Errorf("%w: unknown capability %q", ErrInvalidRequest, req.CapabilityID)
	}

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	taskCtx, err := o.reg.Track(o.base, id, capability.ID, capability.Name, runtime.WithQuery(query))
	if err != nil {
		return "", fmt.Errorf("track session %s: %w", id, err)
	}
	row := store.Session{ID: id, CapabilityID: capability.ID, Status: store.StatusRunning}
	if _, err := o.ledger.Get(ctx, id); errors.Is(err, store.ErrNotFound) {
		row.Query = query
	}
	if err := o.ledger.Upsert(ctx, row); err != nil {
		o.reg.Release(id)
		return "", err
	}
	o.persist(ctx, id, store.TurnInput{Kind: store.TurnUser, Content: query})
	o.reg.Publish(id, sse.Session{SessionID: id})

	o.log.Info("capability run started",
		zap.String("session_id", id),
		zap.String("capability_id", capability.ID))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(taskCtx, id, capability, model.Request{
			SessionID: id,
			System:    capability.Prompt,
			Query:     query,
			FileIDs:   fileIDs,
		})
	}()
	return id, nil
}

func (o *Orchestrator) execute(ctx context.Context, id string, capability catalog.Capability, req model.Request) {
	pctx := context.WithoutCancel(ctx)
	var text strings.Builder

	err := o.runner.Run(ctx, req, func(ev model.Event) {
		switch ev.Kind {
		case model.KindText:
			if ev.Text == "" {
				return
			}
			text.WriteString(ev.Text)
			_ = o.reg.AppendLiveText(id, ev.Text)
			o.reg.Publish(id, sse.Text{Content: ev.Text})
		case model.KindToolUse:
			o.persist(pctx, id, store.TurnInput{Kind: store.TurnToolUse, ToolName: ev.ToolName, ToolInput: ev.ToolInput})
			o.reg.Publish(id, sse.ToolUse{ToolName: ev.ToolName, ToolInput: ev.ToolInput, ToolUseID: ev.ToolUseID})
		case model.KindToolResult:
			o.persist(pctx, id, store.TurnInput{Kind: store.TurnToolResult, ToolName: ev.ToolName, ToolResult: ev.ToolResult})
			o.reg.Publish(id, sse.ToolResult{ToolResult: ev.ToolResult, ToolUseID: ev.ToolUseID, IsError: ev.IsError})
		case model.KindStatus:
			o.reg.Publish(id, sse.Status{Content: ev.Text})
		}
	})

	if text.Len() > 0 {
		o.persist(pctx, id, store.TurnInput{Kind: store.TurnAssistant, Content: text.String()})
	}

	status := store.StatusCompleted
	switch {
	case o.reg.StopRequested(id), ctx.Err() != nil:
		status = store.StatusAborted
	case err != nil:
		status = store.StatusFailed
		o.persist(pctx, id, store.TurnInput{Kind: store.TurnError, Content: err.Error()})
		o.reg.Publish(id, sse.Error{Message: err.Error()})
	}
	if err := o.ledger.SetStatus(pctx, id, status); err != nil {
		o.log.Warn("set status failed", zap.String("session_id", id), zap.Error(err))
	}
	o.reg.Finish(id, string(status))

	o.log.Info("capability run finished",
		zap.String("session_id", id),
		zap.String("capability_id", capability.ID),
		zap.String("status", string(status)))
}
