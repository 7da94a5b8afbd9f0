package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/model"
	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/session"
	"github.com/agusx1211/dispatch/internal/sse"
	"github.com/agusx1211/dispatch/internal/store"
)

const clarifyPrompt = "I still need a bit more to go on. Could you describe the goal again, or tell me which step to clarify first?"

var fileIDPattern = regexp.MustCompile(`(?i)\[Uploaded file IDs?\s*:\s*([^\]]+)\]`)

// ConverseRequest is the body of a dispatch turn. The last message is the new
// user input; earlier ones are history.
type ConverseRequest struct {
	SessionID string          `json:"sessionId,omitempty"`
	Messages  []model.Message `json:"messages"`
}

// ExtractFileIDs removes "[Uploaded file IDs: a,b]" tags from text and returns
// the cleaned text and the ids in first-seen order.
func ExtractFileIDs(text string) (string, []string) {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range fileIDPattern.FindAllStringSubmatch(text, -1) {
		for _, id := range strings.Split(m[1], ",") {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return strings.TrimSpace(fileIDPattern.ReplaceAllString(text, "")), ids
}

func splitMessages(msgs []model.Message) (query string, history []model.Message, err error) {
	if len(msgs) == 0 {
		return "", nil, fmt.Errorf("%w: messages required", ErrInvalidRequest)
	}
	last := msgs[len(msgs)-1]
	if strings.TrimSpace(last.Content) == "" {
		return "", nil, fmt.Errorf("%w: last message is empty", ErrInvalidRequest)
	}
	for _, m := range msgs[:len(msgs)-1] {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			return "", nil, fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, m.Role)
		}
		if m.Role == model.RoleAssistant {
			m.Content = dispatch.StripMarker(m.Content)
		}
		history = append(history, m)
	}
	return last.Content, history, nil
}

// Converse runs one dispatch turn and streams it to sink. Errors returned
// before the first event is sent describe the request and leave no trace in
// the ledger; after that, failures are reported in-stream.
//
// The session stays running across turns. A stop marks it stopped; Approve
// completes it.
func (o *Orchestrator) Converse(ctx context.Context, req ConverseRequest, sink Sink) error {
	raw, history, err := splitMessages(req.Messages)
	if err != nil {
		return err
	}
	query, fileIDs := ExtractFileIDs(raw)
	if query == "" {
		query = strings.TrimSpace(raw)
	}

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	row := store.Session{ID: id, CapabilityID: dispatch.DispatchCapability, Status: store.StatusRunning}
	existing, err := o.ledger.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		row.Query = query
	case err != nil:
		return err
	case existing.CapabilityID != dispatch.DispatchCapability:
		return fmt.Errorf("%w: session %s is a %s session", ErrInvalidRequest, id, session.OriginOf(id, existing.CapabilityID))
	}

	taskCtx, err := o.reg.Track(ctx, id, dispatch.DispatchCapability, session.DispatchLabel, runtime.WithQuery(query))
	if err != nil {
		return fmt.Errorf("track session %s: %w", id, err)
	}
	if err := o.ledger.Upsert(ctx, row); err != nil {
		o.reg.Release(id)
		return err
	}

	// Transcript writes outlive a client that hangs up mid-turn.
	pctx := context.WithoutCancel(ctx)
	o.persist(pctx, id, store.TurnInput{Kind: store.TurnUser, Content: query})

	runCtx, cancel := context.WithCancel(taskCtx)
	defer cancel()
	t := &turn{o: o, id: id, sink: sink, cancel: cancel, pctx: pctx}

	t.send(sse.Session{SessionID: id})
	t.send(sse.NewState(dispatch.PhaseClarify, false, nil))

	status := store.StatusRunning
	if a := dispatch.DetectDirectIntent(query); a != nil {
		o.log.Debug("direct intent", zap.String("session_id", id), zap.String("action", string(a.Kind())))
		t.decide(a)
		t.send(sse.Done{})
	} else {
		status = t.run(runCtx, model.Request{
			SessionID: id,
			System:    o.catalog.Instructions(),
			History:   history,
			Query:     query,
			FileIDs:   fileIDs,
			Dispatch:  true,
		})
	}

	if status != store.StatusRunning {
		if err := o.ledger.SetStatus(pctx, id, status); err != nil {
			o.log.Warn("set status failed", zap.String("session_id", id), zap.Error(err))
		}
		o.forget(id)
	}
	o.reg.Finish(id, string(status))
	return nil
}

// turn is the per-request state of a dispatch turn. It is used from a single
// goroutine; runners call emit on the goroutine that called Run.
type turn struct {
	o       *Orchestrator
	id      string
	sink    Sink
	cancel  context.CancelFunc
	pctx    context.Context
	sinkErr error

	text     strings.Builder
	question *dispatch.Question
}

// send publishes ev for attached observers and writes it to the caller. The
// first write error cancels the turn.
func (t *turn) send(ev sse.Event) {
	t.o.reg.Publish(t.id, ev)
	if t.sinkErr != nil {
		return
	}
	if err := t.sink.Send(ev); err != nil {
		t.sinkErr = err
		t.cancel()
		t.o.log.Debug("client gone", zap.String("session_id", t.id), zap.Error(err))
	}
}

func (t *turn) emit(ev model.Event) {
	if t.question != nil {
		return
	}
	switch ev.Kind {
	case model.KindText:
		if ev.Text == "" {
			return
		}
		t.text.WriteString(ev.Text)
		_ = t.o.reg.AppendLiveText(t.id, ev.Text)
		t.send(sse.Text{Content: ev.Text})

	case model.KindToolUse:
		if dispatch.IsAskUserQuestion(ev.ToolName) {
			q := dispatch.QuestionFromToolInput(ev.ToolInput, ev.ToolUseID)
			if q == nil {
				q = fallbackQuestion(ev.ToolInput, ev.ToolUseID)
			}
			t.question = q
			t.cancel()
			return
		}
		t.o.persist(t.pctx, t.id, store.TurnInput{Kind: store.TurnToolUse, ToolName: ev.ToolName, ToolInput: ev.ToolInput})
		t.send(sse.ToolUse{ToolName: ev.ToolName, ToolInput: ev.ToolInput, ToolUseID: ev.ToolUseID})

	case model.KindToolResult:
		t.o.persist(t.pctx, t.id, store.TurnInput{Kind: store.TurnToolResult, ToolName: ev.ToolName, ToolResult: ev.ToolResult})
		t.send(sse.ToolResult{ToolResult: ev.ToolResult, ToolUseID: ev.ToolUseID, IsError: ev.IsError})

	case model.KindStatus:
		t.send(sse.Status{Content: ev.Text})
	}
}

// run drives the model and returns the status the session should move to.
func (t *turn) run(ctx context.Context, req model.Request) store.Status {
	err := t.o.runner.Run(ctx, req, t.emit)
	full := t.text.String()
	if full != "" {
		t.o.persist(t.pctx, t.id, store.TurnInput{Kind: store.TurnAssistant, Content: full})
	}

	switch {
	case t.question != nil:
		t.ask(t.question)
		t.send(sse.Done{})
		return store.StatusRunning

	case t.o.reg.StopRequested(t.id):
		t.send(sse.Done{})
		return store.StatusStopped

	case t.sinkErr != nil || (err != nil && ctx.Err() != nil):
		// Client went away; the session stays resumable.
		return store.StatusRunning

	case err != nil:
		t.o.log.Warn("dispatch turn failed", zap.String("session_id", t.id), zap.Error(err))
		t.o.persist(t.pctx, t.id, store.TurnInput{Kind: store.TurnError, Content: err.Error()})
		t.send(sse.Error{Message: err.Error()})
		t.send(sse.Done{})
		return store.StatusRunning
	}

	if q := dispatch.QuestionFromText(full); q != nil {
		t.ask(q)
		t.send(sse.Done{})
		return store.StatusRunning
	}
	a := dispatch.ExtractAction(full)
	if a == nil {
		a = dispatch.InferFallback(req.Query, full)
	}
	if a != nil {
		t.decide(a)
	} else if strings.TrimSpace(full) == "" {
		t.send(sse.Text{Content: clarifyPrompt})
	}
	t.send(sse.Done{})
	return store.StatusRunning
}

// decide guards a and emits the resulting state followed by the action, a
// follow-up question or the validation errors.
func (t *turn) decide(a dispatch.Action) {
	g := dispatch.Guard(a, t.o.catalog)
	t.send(sse.NewState(g.Phase, g.ApprovalRequired, g.ValidationErrors))
	switch {
	case g.OK():
		t.o.remember(t.id, g.Action)
		t.send(sse.Action{Action: g.Action})
	case g.Question != nil:
		t.send(sse.Question{Question: g.Question})
	case len(g.ValidationErrors) > 0:
		t.send(sse.Error{Message: strings.Join(g.ValidationErrors, "; ")})
	}
}

func (t *turn) ask(q *dispatch.Question) {
	phase := dispatch.PhaseClarify
	if q.Context == dispatch.ContextSchedule {
		phase = dispatch.PhaseScheduleWizard
	}
	t.send(sse.NewState(phase, false, nil))
	t.send(sse.Question{Question: q})
}

// fallbackQuestion wraps a tool call whose input did not parse into a single
// free-form question.
func fallbackQuestion(input json.RawMessage, toolUseID string) *dispatch.Question {
	text := "Please add the missing details so I can continue."
	var obj struct {
		Question string `json:"question"`
	}
	if json.Unmarshal(input, &obj) == nil && strings.TrimSpace(obj.Question) != "" {
		text = strings.TrimSpace(obj.Question)
	}
	q := dispatch.NewQuestion([]dispatch.QuestionItem{{
		Header:   "More details",
		Question: text,
		Options:  []dispatch.Option{},
	}}, dispatch.ContextClarify)
	if toolUseID != "" {
		q.ToolUseID = toolUseID
	}
	return q
}
