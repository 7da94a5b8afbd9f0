// Package orchestrator drives turns on the server side: dispatch
// conversations that end in a guarded action, and background capability runs
// that outlive the client that started them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/catalog"
	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/logging"
	"github.com/agusx1211/dispatch/internal/model"
	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/sse"
	"github.com/agusx1211/dispatch/internal/store"
)

var (
	// ErrInvalidRequest is returned for malformed turn requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoAction is returned by Approve when the session has nothing to approve.
	ErrNoAction = errors.New("no action to approve")
	// ErrBusy is returned when a session is still streaming a turn.
	ErrBusy = errors.New("session is busy")
)

// Ledger is the part of the session store the orchestrator writes to.
type Ledger interface {
	Upsert(ctx context.Context, sess store.Session) error
	SetStatus(ctx context.Context, id string, status store.Status) error
	AppendTurn(ctx context.Context, id string, in store.TurnInput) (store.Turn, error)
	Get(ctx context.Context, id string) (*store.Detail, error)
}

// Catalog resolves capabilities and renders the dispatch prompt.
type Catalog interface {
	dispatch.Catalog
	Get(id string) (catalog.Capability, bool)
	Instructions() string
}

// Sink receives the events of one turn in order.
type Sink interface {
	Send(ev sse.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev sse.Event) error

// Send implements Sink.
func (f SinkFunc) Send(ev sse.Event) error { return f(ev) }

// Options wires an Orchestrator.
type Options struct {
	Ledger   Ledger
	Registry *runtime.Registry
	Runner   model.Runner
	Catalog  Catalog
}

// Orchestrator runs turns against the model and records them.
type Orchestrator struct {
	ledger  Ledger
	reg     *runtime.Registry
	runner  model.Runner
	catalog Catalog
	log     *zap.Logger

	mu      sync.Mutex
	actions map[string]dispatch.Action

	// Background runs hang off base so they survive request cancellation.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an Orchestrator. Close releases its background runs.
func New(opts Options) *Orchestrator {
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		ledger:  opts.Ledger,
		reg:     opts.Registry,
		runner:  opts.Runner,
		catalog: opts.Catalog,
		log:     logging.Named("orchestrator"),
		actions: make(map[string]dispatch.Action),
		base:    base,
		cancel:  cancel,
	}
}

// Close cancels background runs and waits for them to record their final
// status.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends a session. A live turn is cancelled and records its own final
// status; otherwise a running ledger row is marked stopped.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	if o.reg.Stop(id) {
		return nil
	}
	d, err := o.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return nil
	}
	o.forget(id)
	return o.ledger.SetStatus(ctx, id, store.StatusStopped)
}

// Approve accepts the last guarded action of a dispatch session, marks the
// session completed and returns the action.
func (o *Orchestrator) Approve(ctx context.Context, id string) (dispatch.Action, error) {
	d, err := o.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.CapabilityID != dispatch.DispatchCapability {
		return nil, fmt.Errorf("%w: %s is not a dispatch session", ErrInvalidRequest, id)
	}
	if snap, ok := o.reg.Snapshot(id); ok && snap.Running {
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}

	a := o.lastAction(id)
	if a == nil {
		a = actionFromTurns(d.Turns)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAction, id)
	}
	g := dispatch.Guard(a, o.catalog)
	if !g.OK() {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrInvalidAction, strings.Join(g.ValidationErrors, "; "))
	}
	if err := o.ledger.SetStatus(ctx, id, store.StatusCompleted); err != nil {
		return nil, err
	}
	o.forget(id)
	o.log.Info("action approved",
		zap.String("session_id", id),
		zap.String("action", string(g.Action.Kind())))
	return g.Action, nil
}

func (o *Orchestrator) remember(id string, a dispatch.Action) {
	o.mu.Lock()
	o.actions[id] = a
	o.mu.Unlock()
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.actions, id)
	o.mu.Unlock()
}

func (o *Orchestrator) lastAction(id string) dispatch.Action {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.actions[id]
}

// actionFromTurns re-reads the action marker from the newest assistant turn
// that carries one. Used after a restart drops the in-memory table.
func actionFromTurns(turns []store.Turn) dispatch.Action {
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Kind != store.TurnAssistant {
			continue
		}
		if a := dispatch.ExtractAction(t.Content); a != nil {
			return a
		}
	}
	return nil
}

// persist appends a turn. Failures are logged and the turn goes on.
func (o *Orchestrator) persist(ctx context.Context, id string, in store.TurnInput) {
	if _, err := o.ledger.AppendTurn(ctx, id, in); err != nil {
		o.log.Warn("append turn failed",
			zap.String("session_id", id),
			zap.String("kind", string(in.Kind)),
			zap.Error(err))
	}
}
