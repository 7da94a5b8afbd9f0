package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/store"
)

type fixture struct {
	ledger   *store.Store
	registry *runtime.Registry
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	registry := runtime.New(runtime.Options{})
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	return &fixture{ledger: ledger, registry: registry, svc: NewService(ledger, registry)}
}

func (f *fixture) seed(t *testing.T, id, capability string, turns ...store.TurnInput) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ledger.Upsert(ctx, store.Session{ID: id, CapabilityID: capability, Query: "q"}))
	for _, in := range turns {
		_, err := f.ledger.AppendTurn(ctx, id, in)
		require.NoError(t, err)
	}
}

type turnView struct {
	Kind      store.TurnKind
	Content   string
	Synthetic bool
}

func summarize(turns []store.Turn) []turnView {
	out := make([]turnView, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnView{Kind: t.Kind, Content: t.Content, Synthetic: t.Synthetic})
	}
	return out
}

func TestLiveViewNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.LiveView(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LiveView() error = %v, want ErrNotFound", err)
	}
}

func TestLiveViewWithoutRegistryEntryEqualsLedger(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", dispatch.DispatchCapability,
		store.TurnInput{Kind: store.TurnUser, Content: "hello"},
		store.TurnInput{Kind: store.TurnAssistant, Content: "hi"},
	)

	got, err := f.svc.LiveView(context.Background(), "s1")
	require.NoError(t, err)
	d, err := f.ledger.Get(context.Background(), "s1")
	require.NoError(t, err)
	if diff := cmp.Diff(d.Turns, got); diff != "" {
		t.Fatalf("LiveView() mismatch (-ledger +view):\n%s", diff)
	}
}

func TestLiveViewAppendsSyntheticTurns(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", "weekly-report",
		store.TurnInput{Kind: store.TurnUser, Content: "first question"},
		store.TurnInput{Kind: store.TurnAssistant, Content: "first answer"},
	)
	_, err := f.registry.Track(context.Background(), "s1", "weekly-report", "Weekly", runtime.WithQuery("second question"))
	require.NoError(t, err)
	require.NoError(t, f.registry.AppendLiveText("s1", "partial"))

	want := []turnView{
		{Kind: store.TurnUser, Content: "first question"},
		{Kind: store.TurnAssistant, Content: "first answer"},
		{Kind: store.TurnUser, Content: "second question", Synthetic: true},
		{Kind: store.TurnAssistant, Content: "partial", Synthetic: true},
	}
	for i := 0; i < 2; i++ {
		got, err := f.svc.LiveView(context.Background(), "s1")
		require.NoError(t, err)
		if diff := cmp.Diff(want, summarize(got)); diff != "" {
			t.Fatalf("call %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestLiveViewSkipsContentAlreadyPersisted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", dispatch.DispatchCapability,
		store.TurnInput{Kind: store.TurnUser, Content: "plan a trip"},
	)
	_, err := f.registry.Track(context.Background(), "s1", dispatch.DispatchCapability, DispatchLabel, runtime.WithQuery("plan a trip"))
	require.NoError(t, err)

	got, err := f.svc.LiveView(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []turnView{{Kind: store.TurnUser, Content: "plan a trip"}}, summarize(got))

	// Once the assistant text is persisted verbatim no synthetic copy appears.
	require.NoError(t, f.registry.AppendLiveText("s1", "Here is a plan"))
	_, err = f.ledger.AppendTurn(context.Background(), "s1", store.TurnInput{Kind: store.TurnAssistant, Content: "Here is a plan"})
	require.NoError(t, err)

	got, err = f.svc.LiveView(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, turn := range got {
		assert.False(t, turn.Synthetic)
	}
}

func TestLiveViewIgnoresFinishedEntries(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1", "cap", store.TurnInput{Kind: store.TurnUser, Content: "x"})
	_, err := f.registry.Track(context.Background(), "s1", "cap", "Cap", runtime.WithQuery("y"))
	require.NoError(t, err)
	require.NoError(t, f.registry.AppendLiveText("s1", "z"))
	f.registry.Finish("s1", "completed")

	v, err := f.svc.Detail(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, v.Live)
	assert.Len(t, v.Turns, 1)
}

func TestListAllUnion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A dispatch conversation awaiting the user: running in the ledger only.
	f.seed(t, "conv-idle", dispatch.DispatchCapability)
	time.Sleep(2 * time.Millisecond)
	// A non-dispatch row marked running without a registry entry is not listed.
	f.seed(t, "orphan", "weekly-report")
	// A completed dispatch conversation is not listed.
	f.seed(t, "conv-done", dispatch.DispatchCapability)
	require.NoError(t, f.ledger.SetStatus(ctx, "conv-done", store.StatusCompleted))
	// A dispatch conversation that is also live: the registry wins.
	f.seed(t, "conv-live", dispatch.DispatchCapability)

	time.Sleep(2 * time.Millisecond)
	_, err := f.registry.Track(ctx, "conv-live", dispatch.DispatchCapability, "Live label", runtime.WithQuery("live query"))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = f.registry.Track(ctx, "cron-nightly-1a2b3c4d", "digest", "Digest")
	require.NoError(t, err)

	tasks, err := f.svc.ListAll(ctx)
	require.NoError(t, err)

	type row struct {
		ID     string
		Label  string
		Source Origin
		Live   bool
	}
	var got []row
	for _, task := range tasks {
		got = append(got, row{task.SessionID, task.Label, task.Source, task.Live})
	}
	want := []row{
		{"cron-nightly-1a2b3c4d", "Digest", OriginCron, true},
		{"conv-live", "Live label", OriginConverse, true},
		{"conv-idle", DispatchLabel, OriginConverse, false},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("ListAll() mismatch (-want +got):\n%s", diff)
	}
}

func TestOriginOf(t *testing.T) {
	tests := []struct {
		id, capability string
		want           Origin
	}{
		{"cron-manual-job-1a2b", "digest", OriginCron},
		{"cron-job-1a2b", dispatch.DispatchCapability, OriginCron},
		{"bot-chat-9", "digest", OriginBot},
		{"feishu-conv-9", "digest", OriginBot},
		{"8f1c", dispatch.DispatchCapability, OriginConverse},
		{"8f1c", "digest", OriginDesktop},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OriginOf(tt.id, tt.capability), tt.id)
	}
}

func TestFormatTimeAgo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "just now", FormatTimeAgo(now.Add(-10*time.Second), now))
	assert.Equal(t, "1 minute ago", FormatTimeAgo(now.Add(-time.Minute), now))
	assert.Equal(t, "5 hours ago", FormatTimeAgo(now.Add(-5*time.Hour), now))
	assert.Equal(t, "2m5s", FormatElapsed(125*time.Second))
}

func TestProcessAlive(t *testing.T) {
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
