// Package runtime tracks in-flight sessions in process memory: the text
// streamed so far, the query being worked on and a replay buffer for clients
// that reattach. Entries are authoritative for live state only; the ledger
// holds everything durable.
package runtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/eventq"
	"github.com/agusx1211/dispatch/internal/logging"
	"github.com/agusx1211/dispatch/internal/sse"
)

var (
	// ErrAlreadyTracked is returned when a live entry exists for the id.
	ErrAlreadyTracked = errors.New("session already running")
	// ErrNotTracked is returned when no entry exists for the id.
	ErrNotTracked = errors.New("session not tracked")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("registry shut down")
)

// Options configures a Registry.
type Options struct {
	// Grace is how long finished or abandoned entries are kept.
	Grace time.Duration
	// ReapInterval is how often the reaper runs.
	ReapInterval time.Duration
	// ReplayLimit caps buffered events per entry.
	ReplayLimit int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Snapshot is a copy of an entry's state.
type Snapshot struct {
	SessionID     string    `json:"sessionId"`
	CapabilityID  string    `json:"skillId"`
	Label         string    `json:"skillName"`
	Query         string    `json:"query"`
	StartedAt     time.Time `json:"startedAt"`
	LastEventAt   time.Time `json:"lastEventAt"`
	Text          string    `json:"assistantContent"`
	Running       bool      `json:"isRunning"`
	StopRequested bool      `json:"stopRequested,omitempty"`
	FinalStatus   string    `json:"finalStatus,omitempty"`
}

// TrackOption customizes a tracked entry.
type TrackOption func(*entry)

// WithQuery records the query the task is working on.
func WithQuery(q string) TrackOption {
	return func(e *entry) { e.query = q }
}

// WithLiveness installs a probe the reaper consults. Returning false
// releases the entry on the next sweep.
func WithLiveness(alive func() bool) TrackOption {
	return func(e *entry) { e.alive = alive }
}

type entry struct {
	sessionID     string
	capabilityID  string
	label         string
	query         string
	startedAt     time.Time
	lastEventAt   time.Time
	finishedAt    time.Time
	text          strings.Builder
	running       bool
	stopRequested bool
	finalStatus   string

	ctx    context.Context
	cancel context.CancelFunc
	alive  func() bool

	events []sse.Event
	sub    *Subscription
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		SessionID:     e.sessionID,
		CapabilityID:  e.capabilityID,
		Label:         e.label,
		Query:         e.query,
		StartedAt:     e.startedAt,
		LastEventAt:   e.lastEventAt,
		Text:          e.text.String(),
		Running:       e.running,
		StopRequested: e.stopRequested,
		FinalStatus:   e.finalStatus,
	}
}

// Registry is the in-process table of live sessions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	grace        time.Duration
	reapInterval time.Duration
	replayLimit  int
	now          func() time.Time
	log          *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a registry. Call Init to start the reaper.
func New(opts Options) *Registry {
	if opts.Grace <= 0 {
		opts.Grace = 30 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 5 * time.Minute
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 2048
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		entries:      make(map[string]*entry),
		grace:        opts.Grace,
		reapInterval: opts.ReapInterval,
		replayLimit:  opts.ReplayLimit,
		now:          opts.Now,
		log:          logging.Named("runtime"),
		stop:         make(chan struct{}),
	}
}

// Init starts the background reaper. It returns once the reaper is running.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Reap()
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Shutdown cancels every live entry and waits for the reaper to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)
	for id, e := range r.entries {
		e.cancel()
		closeSub(e, true)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track registers a live session. The returned context is cancelled by Stop,
// Release or Shutdown, and by ctx itself.
func (r *Registry) Track(ctx context.Context, sessionID, capabilityID, label string, opts ...TrackOption) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if prev, ok := r.entries[sessionID]; ok {
		if prev.running {
			return nil, ErrAlreadyTracked
		}
		prev.cancel()
		closeSub(prev, true)
	}

	now := r.now()
	taskCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		sessionID:    sessionID,
		capabilityID: capabilityID,
		label:        label,
		startedAt:    now,
		lastEventAt:  now,
		running:      true,
		ctx:          taskCtx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	r.entries[sessionID] = e

	r.log.Debug("task tracked",
		zap.String("session_id", sessionID),
		zap.String("capability_id", capabilityID))
	return taskCtx, nil
}

// AppendLiveText adds streamed assistant text. Unknown ids are ignored.
func (r *Registry) AppendLiveText(sessionID, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	e, ok := r.entries[sessionID]
	if !ok {
		return nil
	}
	e.text.WriteString(chunk)
	e.lastEventAt = r.now()
	return nil
}

// Publish records ev for replay and forwards it to the attached subscriber.
// Done is not published; Finish and Release deliver it.
func (r *Registry) Publish(sessionID string, ev sse.Event) {
	if _, ok := ev.(sse.Done); ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return
	}
	e.lastEventAt = r.now()
	r.buffer(e, ev)
	if e.sub != nil {
		e.sub.box.Put(ev)
	}
}

// buffer appends ev, merging consecutive text so the replay stays compact.
func (r *Registry) buffer(e *entry, ev sse.Event) {
	if t, ok := ev.(sse.Text); ok && len(e.events) > 0 {
		if prev, ok := e.events[len(e.events)-1].(sse.Text); ok {
			e.events[len(e.events)-1] = sse.Text{Content: prev.Content + t.Content}
			return
		}
	}
	e.events = append(e.events, ev)
	if over := len(e.events) - r.replayLimit; over > 0 {
		// Keep the session binding at the head.
		if _, ok := e.events[0].(sse.Session); ok && len(e.events) > 1 {
			e.events = append(e.events[:1], e.events[1+over:]...)
		} else {
			e.events = e.events[over:]
		}
	}
}

// Snapshot returns a copy of the entry for sessionID.
func (r *Registry) Snapshot(sessionID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// ListRunning returns running entries, most recently started first.
func (r *Registry) ListRunning() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		if e.running {
			out = append(out, e.snapshot())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Stop requests cancellation of a running entry. It reports whether one was
// found.
func (r *Registry) Stop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok || !e.running {
		return false
	}
	e.stopRequested = true
	e.cancel()
	r.log.Info("task stop requested", zap.String("session_id", sessionID))
	return true
}

// StopRequested reports whether Stop was called for the current entry.
func (r *Registry) StopRequested(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	return ok && e.stopRequested
}

// Finish marks the entry as no longer running. It stays visible to
// Snapshot and Attach until released or reaped.
func (r *Registry) Finish(sessionID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok || !e.running {
		return
	}
	e.running = false
	e.finalStatus = status
	e.finishedAt = r.now()
	closeSub(e, true)
	r.log.Debug("task finished", zap.String("session_id", sessionID), zap.String("status", status))
}

// Release removes the entry. It is idempotent.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(sessionID, "released")
}

func (r *Registry) releaseLocked(sessionID, reason string) {
	e, ok := r.entries[sessionID]
	if !ok {
		return
	}
	e.cancel()
	closeSub(e, true)
	delete(r.entries, sessionID)
	r.log.Debug("task released", zap.String("session_id", sessionID), zap.String("reason", reason))
}

// Reap releases finished entries past the grace period, entries whose
// liveness probe fails and abandoned entries past the grace period. It
// returns the number released.
func (r *Registry) Reap() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for id, e := range r.entries {
		reason := ""
		switch {
		case e.alive != nil && !e.alive():
			reason = "liveness probe failed"
		case !e.running && now.Sub(e.finishedAt) > r.grace:
			reason = "finished past grace"
		case e.running && e.ctx.Err() != nil && now.Sub(e.lastEventAt) > r.grace:
			reason = "abandoned past grace"
		}
		if reason == "" {
			continue
		}
		r.releaseLocked(id, reason)
		released++
		r.log.Info("task reaped", zap.String("session_id", id), zap.String("reason", reason))
	}
	return released
}

// Subscription receives events published to one entry.
type Subscription struct {
	r         *Registry
	sessionID string
	box       *eventq.Mailbox[sse.Event]
}

// Attach subscribes to an entry. Any previous subscriber is detached. With
// replay set, buffered events are delivered first. A finished entry yields
// its replay followed by Done.
func (r *Registry) Attach(sessionID string, replay bool) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, ErrNotTracked
	}

	sub := &Subscription{r: r, sessionID: sessionID, box: eventq.NewMailbox[sse.Event]()}
	if replay {
		for _, ev := range e.events {
			sub.box.Put(ev)
		}
	}
	if !e.running {
		sub.box.Put(sse.Done{})
		sub.box.Close()
		return sub, nil
	}

	closeSub(e, false)
	e.sub = sub
	return sub, nil
}

// Next blocks for the next event. ok is false once the stream has ended or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (sse.Event, bool) {
	return s.box.Get(ctx)
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if e, ok := s.r.entries[s.sessionID]; ok && e.sub == s {
		e.sub = nil
	}
	s.box.Close()
}

// closeSub ends the current subscriber. With done set, a terminal Done is
// delivered first so the consumer can tell completion from replacement.
func closeSub(e *entry, done bool) {
	if e.sub == nil {
		return
	}
	if done {
		e.sub.box.Put(sse.Done{})
	}
	e.sub.box.Close()
	e.sub = nil
}
