package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agusx1211/dispatch/internal/catalog"
	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/model"
	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/sse"
	"github.com/agusx1211/dispatch/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []sse.Event
}

func (r *recorder) Send(ev sse.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type())
	}
	return out
}

func (r *recorder) find(typ string) []sse.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sse.Event
	for _, ev := range r.events {
		if ev.Type() == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	ledger *store.Store
	reg    *runtime.Registry
	runner *model.Scripted
	orch   *Orchestrator
}

func newFixture(t *testing.T, runner *model.Scripted) *fixture {
	t.Helper()
	ledger, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	reg := runtime.New(runtime.Options{})
	orch := New(Options{
		Ledger:   ledger,
		Registry: reg,
		Runner:   runner,
		Catalog: catalog.New([]catalog.Capability{
			{ID: "digest", Name: "Digest", Description: "Daily digest", Prompt: "Write the digest."},
		}),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, orch.Close(ctx))
		assert.NoError(t, reg.Shutdown(ctx))
		assert.NoError(t, ledger.Close())
	})
	return &fixture{ledger: ledger, reg: reg, runner: runner, orch: orch}
}

func userTurn(text string) ConverseRequest {
	return ConverseRequest{Messages: []model.Message{{Role: model.RoleUser, Content: text}}}
}

func text(s string) model.Event { return model.Event{Kind: model.KindText, Text: s} }

func (f *fixture) status(t *testing.T, id string) store.Status {
	t.Helper()
	d, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return d.Status
}

func (f *fixture) waitRunning(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := f.reg.Snapshot(id)
		return ok && snap.Running
	}, 2*time.Second, 5*time.Millisecond)
}

const recommendReply = `This is what the digest capability is for.
DISPATCH_ACTION: {"action":"recommend_capability","targetType":"skill","targetId":"digest","query":"daily digest"}`

func TestConverseEmitsGuardedAction(t *testing.T) {
	f := newFixture(t, &model.Scripted{Events: []model.Event{
		text(recommendReply[:20]),
		text(recommendReply[20:]),
	}})
	rec := &recorder{}
	req := userTurn("send me the daily digest")
	req.SessionID = "s-1"

	require.NoError(t, f.orch.Converse(context.Background(), req, rec))

	want := []string{"session", "state", "text", "text", "state", "action", "done"}
	if diff := cmp.Diff(want, rec.types()); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
	state := rec.find(sse.TypeState)[1].(sse.State)
	assert.Equal(t, dispatch.PhaseReady, state.Phase)
	assert.False(t, state.ApprovalRequired)
	action := rec.find(sse.TypeAction)[0].(sse.Action)
	assert.Equal(t, dispatch.Recommend{TargetType: "skill", TargetID: "digest", Query: "daily digest"}, action.Action)

	d, err := f.ledger.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, d.Status)
	assert.Equal(t, dispatch.DispatchCapability, d.CapabilityID)
	require.Len(t, d.Turns, 2)
	assert.Equal(t, store.TurnUser, d.Turns[0].Kind)
	assert.Equal(t, recommendReply, d.Turns[1].Content)

	snap, ok := f.reg.Snapshot("s-1")
	require.True(t, ok)
	assert.False(t, snap.Running)

	reqs := f.runner.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Dispatch)
	assert.Contains(t, reqs[0].System, "`digest` (Digest)")
}

func TestConverseQuestionToolEndsTurn(t *testing.T) {
	f := newFixture(t, &model.Scripted{Events: []model.Event{
		text("Let me check one thing."),
		{Kind: model.KindToolUse, ToolName: "AskUserQuestion", ToolUseID: "tu-1",
			ToolInput: json.RawMessage(`{"question":"Which day?","options":["Mon","Tue"]}`)},
		text("never streamed"),
	}})
	rec := &recorder{}

	require.NoError(t, f.orch.Converse(context.Background(), userTurn("schedule something"), rec))

	want := []string{"session", "state", "text", "state", "question", "done"}
	if diff := cmp.Diff(want, rec.types()); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
	q := rec.find(sse.TypeQuestion)[0].(sse.Question).Question
	assert.Equal(t, "tu-1", q.ToolUseID)
	require.Len(t, q.Questions, 1)
	assert.Equal(t, "Which day?", q.Questions[0].Question)
	for _, ev := range rec.find(sse.TypeText) {
		assert.NotContains(t, ev.(sse.Text).Content, "never streamed")
	}
}

func TestConverseInlineQuestionCall(t *testing.T) {
	f := newFixture(t, &model.Scripted{Events: []model.Event{
		text(`AskUserQuestion({"questions":[{"question":"Which report?","header":"Report","options":[]}],"questionContext":"schedule"})`),
	}})
	rec := &recorder{}

	require.NoError(t, f.orch.Converse(context.Background(), userTurn("run it every week"), rec))

	states := rec.find(sse.TypeState)
	require.Len(t, states, 2)
	assert.Equal(t, dispatch.PhaseScheduleWizard, states[1].(sse.State).Phase)
	require.Len(t, rec.find(sse.TypeQuestion), 1)
	assert.Empty(t, rec.find(sse.TypeAction))
}

func TestConverseDirectIntentSkipsModel(t *testing.T) {
	f := newFixture(t, &model.Scripted{})
	rec := &recorder{}

	require.NoError(t, f.orch.Converse(context.Background(), userTurn("just do it: tidy my downloads folder"), rec))

	assert.Equal(t, []string{"session", "state", "state", "action", "done"}, rec.types())
	state := rec.find(sse.TypeState)[1].(sse.State)
	assert.Equal(t, dispatch.PhasePlanReview, state.Phase)
	assert.True(t, state.ApprovalRequired)
	assert.IsType(t, dispatch.ExecuteGeneric{}, rec.find(sse.TypeAction)[0].(sse.Action).Action)
	assert.Empty(t, f.runner.Requests())
}

func TestConverseUnknownTargetAsksInstead(t *testing.T) {
	f := newFixture(t, &model.Scripted{Events: []model.Event{
		text(`DISPATCH_ACTION: {"action":"recommend_capability","targetType":"skill","targetId":"nope","query":"x"}`),
	}})
	rec := &recorder{}

	require.NoError(t, f.orch.Converse(context.Background(), userTurn("use nope"), rec))

	state := rec.find(sse.TypeState)[1].(sse.State)
	assert.Equal(t, dispatch.PhaseMatch, state.Phase)
	assert.NotEmpty(t, state.ValidationErrors)
	assert.Len(t, rec.find(sse.TypeQuestion), 1)
	assert.Empty(t, rec.find(sse.TypeAction))
}

func TestConverseEmptyReplyAsksForClarification(t *testing.T) {
	f := newFixture(t, &model.Scripted{})
	rec := &recorder{}

	require.NoError(t, f.orch.Converse(context.Background(), userTurn("hmm"), rec))

	assert.Equal(t, []string{"session", "state", "text", "done"}, rec.types())
	assert.Equal(t, clarifyPrompt, rec.find(sse.TypeText)[0].(sse.Text).Content)
}

func TestConverseRunnerErrorKeepsSessionResumable(t *testing.T) {
	runner := &model.Scripted{Err: errors.New("quota exceeded")}
	f := newFixture(t, runner)
	rec := &recorder{}
	req := userTurn("summarize my inbox")
	req.SessionID = "s-err"

	require.NoError(t, f.orch.Converse(context.Background(), req, rec))

	errs := rec.find(sse.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "quota exceeded", errs[0].(sse.Error).Message)
	assert.Equal(t, sse.TypeDone, rec.types()[len(rec.types())-1])
	assert.Equal(t, store.StatusRunning, f.status(t, "s-err"))

	runner.Err = nil
	req.Messages = append(req.Messages,
		model.Message{Role: model.RoleAssistant, Content: "sorry"},
		model.Message{Role: model.RoleUser, Content: "try again"})
	require.NoError(t, f.orch.Converse(context.Background(), req, &recorder{}))

	d, err := f.ledger.Get(context.Background(), "s-err")
	require.NoError(t, err)
	assert.Equal(t, "summarize my inbox", d.Query)
	kinds := make([]store.TurnKind, 0, len(d.Turns))
	for _, turn := range d.Turns {
		kinds = append(kinds, turn.Kind)
	}
	assert.Equal(t, []store.TurnKind{store.TurnUser, store.TurnError, store.TurnUser}, kinds)
	assert.Len(t, runner.Requests()[1].History, 2)
}

func TestConverseRejectsConcurrentTurn(t *testing.T) {
	f := newFixture(t, &model.Scripted{Hold: true})
	ctx, cancel := context.WithCancel(context.Background())
	req := userTurn("long task")
	req.SessionID = "s-busy"

	done := make(chan error, 1)
	go func() { done <- f.orch.Converse(ctx, req, &recorder{}) }()
	f.waitRunning(t, "s-busy")

	err := f.orch.Converse(context.Background(), req, &recorder{})
	require.ErrorIs(t, err, runtime.ErrAlreadyTracked)

	cancel()
	require.NoError(t, <-done)
	// A client that hangs up leaves the session resumable.
	assert.Equal(t, store.StatusRunning, f.status(t, "s-busy"))
}

func TestConverseStop(t *testing.T) {
	f := newFixture(t, &model.Scripted{Events: []model.Event{text("working")}, Hold: true})
	rec := &recorder{}
	req := userTurn("long task")
	req.SessionID = "s-stop"

	done := make(chan error, 1)
	go func() { done <- f.orch.Converse(context.Background(), req, rec) }()
	f.waitRunning(t, "s-stop")

	require.NoError(t, f.orch.Stop(context.Background(), "s-stop"))
	require.NoError(t, <-done)

	assert.Equal(t, store.StatusStopped, f.status(t, "s-stop"))
	types := rec.types()
	assert.Equal(t, sse.TypeDone, types[len(types)-1])
}

func TestStopWithoutLiveTurnMarksLedger(t *testing.T) {
	f := newFixture(t, &model.Scripted{})
	require.NoError(t, f.ledger.Upsert(context.Background(), store.Session{ID: "idle", CapabilityID: dispatch.DispatchCapability}))

	require.NoError(t, f.orch.Stop(context.Background(), "idle"))
	assert.Equal(t, store.StatusStopped, f.status(t, "idle"))

	require.ErrorIs(t, f.orch.Stop(context.Background(), "missing"), store.ErrNotFound)
}

func TestConverseInvalidRequest(t *testing.T) {
	f := newFixture(t, &model.Scripted{})
	rec := &recorder{}

	err := f.orch.Converse(context.Background(), ConverseRequest{}, rec)
	require.ErrorIs(t, err, ErrInvalidRequest)

	err = f.orch.Converse(context.Background(), userTurn("   "), rec)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, rec.types())
}

func TestConverseRefusesForeignSession(t *testing.T) {
	runner := &model.Scripted{Events: []model.Event{text("hello")}}
	f := newFixture(t, runner)
	ctx := context.Background()
	require.NoError(t, f.ledger.Upsert(ctx, store.Session{ID: "cron-nightly-1a2b3c4d", Query: "nightly backup", Status: store.StatusRunning}))
	require.NoError(t, f.ledger.Upsert(ctx, store.Session{ID: "desk-1", CapabilityID: "digest", Query: "weekly", Status: store.StatusCompleted}))

	for _, id := range []string{"cron-nightly-1a2b3c4d", "desk-1"} {
		rec := &recorder{}
		req := userTurn("take over")
		req.SessionID = id
		err := f.orch.Converse(ctx, req, rec)
		require.ErrorIs(t, err, ErrInvalidRequest, id)
		assert.Empty(t, rec.types(), id)

		d, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, dispatch.DispatchCapability, d.CapabilityID, id)
		assert.Empty(t, d.Turns, id)
		_, tracked := f.reg.Snapshot(id)
		assert.False(t, tracked, id)
	}
	assert.Empty(t, runner.Requests())
}

func TestApprove(t *testing.T) {
	f := newFixture(t, &model.Scripted{Events: []model.Event{text(recommendReply)}})
	req := userTurn("daily digest please")
	req.SessionID = "s-ok"
	require.NoError(t, f.orch.Converse(context.Background(), req, &recorder{}))

	a, err := f.orch.Approve(context.Background(), "s-ok")
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindRecommend, a.Kind())
	assert.Equal(t, store.StatusCompleted, f.status(t, "s-ok"))
}

func TestApproveAfterRestartReadsTranscript(t *testing.T) {
	f := newFixture(t, &model.Scripted{Events: []model.Event{text(recommendReply)}})
	req := userTurn("daily digest please")
	req.SessionID = "s-restart"
	require.NoError(t, f.orch.Converse(context.Background(), req, &recorder{}))

	fresh := New(Options{Ledger: f.ledger, Registry: f.reg, Runner: f.runner, Catalog: f.orch.catalog})
	defer fresh.Close(context.Background())

	a, err := fresh.Approve(context.Background(), "s-restart")
	require.NoError(t, err)
	assert.Equal(t, "digest", a.(dispatch.Recommend).TargetID)
}

func TestApproveErrors(t *testing.T) {
	f := newFixture(t, &model.Scripted{})
	ctx := context.Background()
	require.NoError(t, f.ledger.Upsert(ctx, store.Session{ID: "plain", CapabilityID: "digest"}))
	require.NoError(t, f.ledger.Upsert(ctx, store.Session{ID: "empty", CapabilityID: dispatch.DispatchCapability}))

	_, err := f.orch.Approve(ctx, "plain")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.orch.Approve(ctx, "empty")
	assert.ErrorIs(t, err, ErrNoAction)
	_, err = f.orch.Approve(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func drain(t *testing.T, sub *runtime.Subscription) []sse.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []sse.Event
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			require.NoError(t, ctx.Err())
			return out
		}
		out = append(out, ev)
	}
}

func TestExecuteRunsInBackground(t *testing.T) {
	f := newFixture(t, &model.Scripted{Events: []model.Event{
		text("hello "),
		{Kind: model.KindToolUse, ToolName: "search", ToolUseID: "t1", ToolInput: json.RawMessage(`{"q":"x"}`)},
		{Kind: model.KindToolResult, ToolUseID: "t1", ToolResult: "found"},
		text("world"),
	}})

	id, err := f.orch.Execute(context.Background(), ExecuteRequest{CapabilityID: "digest", Query: "today [Uploaded file IDs: f1]"})
	require.NoError(t, err)

	sub, err := f.reg.Attach(id, true)
	require.NoError(t, err)
	defer sub.Close()
	events := drain(t, sub)

	require.NotEmpty(t, events)
	assert.Equal(t, sse.Session{SessionID: id}, events[0])
	assert.Equal(t, sse.Done{}, events[len(events)-1])
	var streamed strings.Builder
	for _, ev := range events {
		if tx, ok := ev.(sse.Text); ok {
			streamed.WriteString(tx.Content)
		}
	}
	assert.Equal(t, "hello world", streamed.String())

	d, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, d.Status)
	assert.Equal(t, "digest", d.CapabilityID)
	assert.Equal(t, "today", d.Query)
	require.Len(t, d.Turns, 4)
	assert.Equal(t, store.TurnAssistant, d.Turns[3].Kind)

	reqs := f.runner.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"f1"}, reqs[0].FileIDs)
	assert.Equal(t, "Write the digest.", reqs[0].System)
}

func TestExecuteStopAborts(t *testing.T) {
	f := newFixture(t, &model.Scripted{Hold: true})
	id, err := f.orch.Execute(context.Background(), ExecuteRequest{CapabilityID: "digest", Query: "forever"})
	require.NoError(t, err)
	sub, err := f.reg.Attach(id, true)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.orch.Stop(context.Background(), id))
	drain(t, sub)

	assert.Equal(t, store.StatusAborted, f.status(t, id))
}

func TestExecuteFailure(t *testing.T) {
	f := newFixture(t, &model.Scripted{Err: errors.New("tool crashed")})
	id, err := f.orch.Execute(context.Background(), ExecuteRequest{CapabilityID: "digest", Query: "go"})
	require.NoError(t, err)
	sub, err := f.reg.Attach(id, true)
	require.NoError(t, err)
	defer sub.Close()

	events := drain(t, sub)
	assert.Contains(t, events, sse.Event(sse.Error{Message: "tool crashed"}))
	assert.Equal(t, store.StatusFailed, f.status(t, id))
}

func TestExecuteRejectsUnknownCapability(t *testing.T) {
	f := newFixture(t, &model.Scripted{})
	_, err := f.orch.Execute(context.Background(), ExecuteRequest{CapabilityID: "ghost", Query: "x"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.orch.Execute(context.Background(), ExecuteRequest{CapabilityID: "digest"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExtractFileIDs(t *testing.T) {
	got, ids := ExtractFileIDs("summarize these [Uploaded file IDs: a, b] and [uploaded file id: b,c]")
	assert.Equal(t, "summarize these  and", got)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	got, ids = ExtractFileIDs("plain")
	assert.Equal(t, "plain", got)
	assert.Nil(t, ids)
}
