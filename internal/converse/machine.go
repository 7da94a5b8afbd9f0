package converse

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/eventq"
	"github.com/agusx1211/dispatch/internal/logging"
	"github.com/agusx1211/dispatch/internal/model"
	"github.com/agusx1211/dispatch/internal/sse"
)

// Machine is a dispatch conversation. All state changes run on one actor
// goroutine fed by a mailbox; methods are safe for concurrent use.
type Machine struct {
	transport Transport
	uploader  Uploader
	log       *zap.Logger

	box    *eventq.Mailbox[func(*core)]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a Machine. Call Close to stop it.
func New(transport Transport, opts Options) *Machine {
	interval := opts.FlushInterval
	if interval == 0 {
		interval = defaultFlushInterval
	}
	threshold := opts.FlushBytes
	if threshold <= 0 {
		threshold = defaultFlushBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		transport: transport,
		uploader:  opts.Uploader,
		log:       logging.Named("converse"),
		box:       eventq.NewMailbox[func(*core)](),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c := newCore(interval, threshold, m.post, m.log)
	go m.loop(c)
	return m
}

func (m *Machine) loop(c *core) {
	defer close(m.done)
	for {
		cmd, ok := m.box.Get(m.ctx)
		if !ok {
			m.box.Close()
			c.shutdown()
			return
		}
		cmd(c)
	}
}

// Close stops the actor and cancels any open stream. Subscriber channels
// are closed.
func (m *Machine) Close() {
	m.cancel()
	<-m.done
}

func (m *Machine) post(cmd func(*core)) {
	m.box.Put(cmd)
}

// do runs cmd on the actor and waits for it.
func (m *Machine) do(cmd func(*core)) error {
	ran := make(chan struct{})
	if !m.box.Put(func(c *core) {
		defer close(ran)
		cmd(c)
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	var st State
	if m.do(func(c *core) { st = c.st.clone() }) != nil {
		return State{}
	}
	return st
}

// Subscribe returns a channel that always holds the latest state. Slow
// readers skip intermediate states. The channel is closed by Close.
func (m *Machine) Subscribe() <-chan State {
	var ch chan State
	if m.do(func(c *core) { ch = c.subscribe() }) != nil {
		closed := make(chan State)
		close(closed)
		return closed
	}
	return ch
}

// Submit sends text as the next user message and blocks until the server
// ends the turn, the stream fails or ctx is done. Empty text is a no-op.
// Any stream still open is cancelled and drained first.
//
// Failures are latched in State.Err and also returned. Cancellations are
// not failures.
func (m *Machine) Submit(ctx context.Context, text string, attachments ...Attachment) error {
	return m.submit(ctx, text, false, attachments)
}

// RespondToQuestion answers the pending question. Non-empty answers are
// joined in question order and submitted as one message. Without a pending
// question, or with only empty answers, it does nothing.
func (m *Machine) RespondToQuestion(ctx context.Context, answers map[string]string) error {
	var q *dispatch.Question
	if err := m.do(func(c *core) { q = c.st.PendingQuestion }); err != nil {
		return err
	}
	if q == nil {
		return nil
	}
	text := q.JoinAnswers(answers)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return m.submit(ctx, text, true, nil)
}

func (m *Machine) submit(ctx context.Context, text string, answering bool, attachments []Attachment) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		t        *turn
		prev     <-chan struct{}
		req      ConverseRequest
		beginErr error
	)
	err := m.do(func(c *core) {
		history := c.st.history()
		t, prev, beginErr = c.begin(text, answering, cancel)
		req = ConverseRequest{SessionID: c.st.SessionID, Messages: history}
	})
	if err != nil {
		return err
	}
	if beginErr != nil {
		return beginErr
	}
	defer func() {
		m.post(func(c *core) { c.end(t) })
		close(t.done)
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-sctx.Done():
			return nil
		}
	}

	ids, err := uploadAll(sctx, m.uploader, attachments)
	if err != nil {
		return m.failed(sctx, t.gen, err)
	}
	req.Messages = append(req.Messages, model.Message{Role: model.RoleUser, Content: withFileIDs(text, ids)})

	body, err := m.transport.Converse(sctx, req)
	if err != nil {
		var up *UpstreamError
		if errors.As(err, &up) && (up.Status == http.StatusServiceUnavailable || up.Status == http.StatusNotFound) {
			m.log.Warn("dispatch unavailable, falling back to generic execution", zap.Int("status", up.Status))
			m.post(func(c *core) { c.fallback(t.gen, text) })
			return nil
		}
		return m.failed(sctx, t.gen, err)
	}
	defer body.Close()

	dec := sse.NewDecoder(body)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return m.failed(sctx, t.gen, err)
		}
		m.post(func(c *core) { c.apply(t.gen, ev) })
		if _, done := ev.(sse.Done); done {
			return nil
		}
	}
}

// failed latches err unless it is a cancellation, which is swallowed.
func (m *Machine) failed(ctx context.Context, gen uint64, err error) error {
	if aborted(ctx, err) {
		m.log.Debug("stream aborted", zap.Error(err))
		return nil
	}
	m.log.Warn("turn failed", zap.Error(err))
	m.post(func(c *core) { c.failTurn(gen, err) })
	return err
}

// aborted reports whether err comes from tearing down the stream on
// purpose rather than from a real failure.
func aborted(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrBodyReadAfterClose) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"body closed", "use of closed", "request canceled", "operation was canceled"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Stop cancels the open stream. It does not end the session on the server.
func (m *Machine) Stop() {
	_ = m.do(func(c *core) { c.stop() })
}

// Reset stops any stream and clears everything, including the session id.
func (m *Machine) Reset() {
	_ = m.do(func(c *core) { c.reset() })
}

// Resume loads a persisted dispatch conversation and binds its session id.
// It fails with ErrInFlight while a submission is open and with
// ErrNotResumable for sessions that are not dispatch conversations.
func (m *Machine) Resume(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrNoSession
	}
	var busy bool
	if err := m.do(func(c *core) { busy = c.turn != nil }); err != nil {
		return err
	}
	if busy {
		return ErrInFlight
	}

	tr, err := m.transport.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if tr.CapabilityID != dispatch.DispatchCapability {
		return ErrNotResumable
	}

	var inFlight error
	err = m.do(func(c *core) {
		if c.turn != nil {
			inFlight = ErrInFlight
			return
		}
		c.restore(tr)
	})
	if err != nil {
		return err
	}
	return inFlight
}

// Approve asks the server to approve the current action and clears it. It
// returns the approved action.
func (m *Machine) Approve(ctx context.Context) (dispatch.Action, error) {
	var (
		id   string
		busy bool
	)
	if err := m.do(func(c *core) { id, busy = c.st.SessionID, c.turn != nil }); err != nil {
		return nil, err
	}
	if busy {
		return nil, ErrInFlight
	}
	if id == "" {
		return nil, ErrNoSession
	}

	action, err := m.transport.Approve(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = m.do(func(c *core) {
		if c.st.SessionID != id {
			return
		}
		c.st.Action = nil
		c.st.ApprovalRequired = false
		c.publish()
	})
	return action, nil
}
