package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertCreatesAndUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Session{ID: "s1", CapabilityID: "__converse__", Query: "plan a trip"}))
	d, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, d.Status)
	assert.Equal(t, "plan a trip", d.Query)
	assert.Empty(t, d.Turns)

	// Empty fields keep their stored values.
	require.NoError(t, s.Upsert(ctx, Session{ID: "s1", Status: StatusCompleted}))
	d, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, d.Status)
	assert.Equal(t, "__converse__", d.CapabilityID)
	assert.Equal(t, "plan a trip", d.Query)
}

func TestUpsertRejectsReopen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, Session{ID: "s1", Status: StatusFailed}))

	err := s.Upsert(ctx, Session{ID: "s1", Status: StatusRunning})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Upsert() error = %v, want ErrInvalidTransition", err)
	}
}

func TestAppendTurnOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, Session{ID: "s1"}))

	inputs := []TurnInput{
		{Kind: TurnUser, Content: "hi"},
		{Kind: TurnToolUse, ToolName: "Read", ToolInput: json.RawMessage(`{"path":"a"}`)},
		{Kind: TurnToolResult, ToolResult: "contents"},
		{Kind: TurnAssistant, Content: "done"},
	}
	for _, in := range inputs {
		_, err := s.AppendTurn(ctx, "s1", in)
		require.NoError(t, err)
	}

	d, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, d.Turns, 4)
	for i, turn := range d.Turns {
		assert.Equal(t, inputs[i].Kind, turn.Kind)
		if i > 0 {
			assert.True(t, turn.CreatedAt.After(d.Turns[i-1].CreatedAt), "turn %d not after turn %d", i, i-1)
		}
	}
	assert.JSONEq(t, `{"path":"a"}`, string(d.Turns[1].ToolInput))
	assert.Nil(t, d.Turns[0].ToolInput)
}

func TestAppendTurnErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, Session{ID: "s1"}))

	_, err := s.AppendTurn(ctx, "missing", TurnInput{Kind: TurnUser, Content: "x"})
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	_, err = s.AppendTurn(ctx, "s1", TurnInput{Kind: TurnAssistant})
	assert.True(t, errors.Is(err, ErrInvalidPayload), "got %v", err)

	_, err = s.AppendTurn(ctx, "s1", TurnInput{Kind: "narration", Content: "x"})
	assert.True(t, errors.Is(err, ErrInvalidPayload), "got %v", err)
}

func TestSetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, Session{ID: "s1"}))

	assert.True(t, errors.Is(s.SetStatus(ctx, "nope", StatusCompleted), ErrNotFound))

	require.NoError(t, s.SetStatus(ctx, "s1", "cancelled"))
	d, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, d.Status)

	assert.True(t, errors.Is(s.SetStatus(ctx, "s1", StatusRunning), ErrInvalidTransition))

	// Terminal to terminal is last-write-wins.
	require.NoError(t, s.SetStatus(ctx, "s1", StatusStopped))
	d, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, d.Status)
}

func TestListAndListByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		st := StatusRunning
		if i%2 == 1 {
			st = StatusCompleted
		}
		require.NoError(t, s.Upsert(ctx, Session{ID: fmt.Sprintf("s%d", i), Status: st}))
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "s4", all[0].ID)

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	running, err := s.ListByStatus(ctx, StatusRunning, 0)
	require.NoError(t, err)
	var ids []string
	for _, r := range running {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"s4", "s2", "s0"}, ids)
}

func TestConcurrentAppendsKeepStrictOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, Session{ID: "s1"}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := s.AppendTurn(ctx, "s1", TurnInput{Kind: TurnSystem, Content: fmt.Sprintf("%d-%d", w, i)})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	d, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, d.Turns, 40)
	for i := 1; i < len(d.Turns); i++ {
		assert.True(t, d.Turns[i].CreatedAt.After(d.Turns[i-1].CreatedAt))
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]Status{
		"running":   StatusRunning,
		"Completed": StatusCompleted,
		"done":      StatusCompleted,
		"canceled":  StatusAborted,
		"error":     StatusFailed,
		"exploded":  StatusFailed,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeStatus(in), in)
	}
}
