package converse

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/eventq"
	"github.com/agusx1211/dispatch/internal/sse"
	"github.com/agusx1211/dispatch/internal/store"
)

const fallbackNotice = "The dispatch service is unavailable, so I switched to generic execution. Confirm and I will carry on."

// turn is one open stream.
type turn struct {
	gen    uint64
	cancel func()
	done   chan struct{}
}

// core is the state owned by the actor goroutine. Nothing else touches it.
type core struct {
	st   State
	gen  uint64
	turn *turn
	// draining is the done channel of a stream dropped by reset that may
	// still be reading.
	draining <-chan struct{}

	// Streamed text waiting to be applied, the raw text of the current
	// assistant segment, and that segment's index in st.Messages.
	pending   strings.Builder
	raw       strings.Builder
	segment   int
	silenced  bool
	timer     *time.Timer
	interval  time.Duration
	threshold int

	post func(func(*core))
	subs []chan State
	log  *zap.Logger
}

func newCore(interval time.Duration, threshold int, post func(func(*core)), log *zap.Logger) *core {
	return &core{
		st:        State{Phase: dispatch.PhaseClarify},
		segment:   -1,
		interval:  interval,
		threshold: threshold,
		post:      post,
		log:       log,
	}
}

func newMessage(kind MessageKind, content string) Message {
	return Message{ID: string(kind) + "_" + uuid.NewString(), Kind: kind, Content: content, CreatedAt: time.Now()}
}

// apply folds one event of generation gen into the state. Events from a
// superseded generation are dropped.
func (c *core) apply(gen uint64, ev sse.Event) {
	if gen != c.gen {
		return
	}
	if t, ok := ev.(sse.Text); ok {
		c.text(t.Content)
		return
	}

	// Everything queued so far lands before the non-text event.
	c.flush()

	switch ev := ev.(type) {
	case sse.Session:
		if ev.SessionID != "" {
			c.st.SessionID = ev.SessionID
		}
	case sse.Action:
		c.st.Action = ev.Action
	case sse.State:
		c.st.Phase = dispatch.ParsePhase(string(ev.Phase))
		c.st.ApprovalRequired = ev.ApprovalRequired
		c.st.ValidationErrors = ev.ValidationErrors
	case sse.Question:
		c.st.PendingQuestion = ev.Question
		c.st.Thinking = false
		c.silenced = true
	case sse.ToolUse:
		m := newMessage(KindTool, "")
		m.ToolName = ev.ToolName
		if m.ToolName == "" {
			m.ToolName = "UnknownTool"
		}
		m.ToolInput = ev.ToolInput
		m.ToolUseID = ev.ToolUseID
		c.st.Messages = append(c.st.Messages, m)
		c.newSegment()
	case sse.ToolResult:
		m := newMessage(KindTool, ev.ToolResult)
		m.ToolUseID = ev.ToolUseID
		m.IsError = ev.IsError
		c.st.Messages = append(c.st.Messages, m)
		c.newSegment()
	case sse.Error:
		c.fail(errors.New(ev.Message))
	case sse.Status:
		c.st.Notice = ev.Content
	case sse.Warning:
		c.st.Notice = ev.Content
	case sse.Done:
		c.st.Thinking = false
		c.st.Streaming = false
	case sse.Text:
		// handled above
	default:
		c.log.Debug("ignoring event", zap.String("type", ev.Type()))
		return
	}
	c.publish()
}

func (c *core) text(chunk string) {
	if c.silenced || chunk == "" {
		return
	}
	c.pending.WriteString(chunk)
	if c.interval <= 0 || c.pending.Len() >= c.threshold {
		c.flush()
		c.publish()
		return
	}
	c.armFlush()
}

func (c *core) armFlush() {
	if c.timer != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(c.interval, func() {
		c.post(func(c *core) {
			if c.timer != t {
				return
			}
			c.timer = nil
			c.flush()
			c.publish()
		})
	})
	c.timer = t
}

func (c *core) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// flush applies held text to the current assistant segment. The action
// marker never reaches the transcript.
func (c *core) flush() {
	c.stopTimer()
	if c.pending.Len() == 0 {
		return
	}
	c.raw.WriteString(c.pending.String())
	c.pending.Reset()

	cleaned := strings.TrimSpace(dispatch.StripMarker(c.raw.String()))
	if c.segment < 0 {
		if cleaned == "" {
			return
		}
		c.st.Messages = append(c.st.Messages, newMessage(KindAssistant, cleaned))
		c.segment = len(c.st.Messages) - 1
		return
	}
	c.st.Messages[c.segment].Content = cleaned
}

func (c *core) newSegment() {
	c.segment = -1
	c.raw.Reset()
}

// fail latches err. Only the first error of a turn is kept.
func (c *core) fail(err error) {
	if c.st.Err == nil {
		c.st.Err = err
	}
	c.st.Thinking = false
}

// begin starts generation gen+1 for a new submission. The previous stream,
// if any, is cancelled; the caller waits on the returned channel before
// opening the next one.
func (c *core) begin(text string, answering bool, cancel func()) (*turn, <-chan struct{}, error) {
	if c.st.PendingQuestion != nil && !answering {
		return nil, nil, ErrQuestionPending
	}

	c.flush()
	prev := c.draining
	c.draining = nil
	if c.turn != nil {
		c.turn.cancel()
		prev = c.turn.done
	}
	c.gen++
	c.turn = &turn{gen: c.gen, cancel: cancel, done: make(chan struct{})}

	c.st.Messages = append(c.st.Messages, newMessage(KindUser, text))
	c.st.Action = nil
	c.st.PendingQuestion = nil
	c.st.Err = nil
	c.st.Notice = ""
	c.st.Thinking = true
	c.st.Streaming = true
	c.silenced = false
	c.newSegment()
	c.publish()
	return c.turn, prev, nil
}

// end closes the bookkeeping of t once its stream has exited.
func (c *core) end(t *turn) {
	if c.turn != t {
		return
	}
	c.flush()
	c.turn = nil
	c.st.Thinking = false
	c.st.Streaming = false
	c.publish()
}

// failTurn latches err for generation gen.
func (c *core) failTurn(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.flush()
	c.fail(err)
	c.publish()
}

// fallback proposes running the query generically when the dispatch
// service is missing.
func (c *core) fallback(gen uint64, query string) {
	if gen != c.gen {
		return
	}
	c.flush()
	c.st.Messages = append(c.st.Messages, newMessage(KindAssistant, fallbackNotice))
	c.st.Action = dispatch.ExecuteGeneric{Query: query, PlanSteps: []string{}}
	c.st.Thinking = false
	c.publish()
}

// stop cancels the open stream. Text already received is kept.
func (c *core) stop() {
	if c.turn != nil {
		c.turn.cancel()
	}
	c.flush()
	c.st.Thinking = false
	c.publish()
}

// reset drops everything, including the bound session.
func (c *core) reset() {
	if c.turn != nil {
		c.turn.cancel()
		c.draining = c.turn.done
		c.turn = nil
	}
	c.stopTimer()
	c.pending.Reset()
	c.newSegment()
	c.silenced = false
	c.gen++
	c.st = State{Phase: dispatch.PhaseClarify}
	c.publish()
}

// restore replaces the state with a persisted transcript.
func (c *core) restore(tr *Transcript) {
	c.stopTimer()
	c.pending.Reset()
	c.newSegment()
	c.silenced = false
	c.gen++

	st := State{SessionID: tr.ID, Phase: dispatch.PhaseClarify, Messages: fromTurns(tr.Turns)}
	if tr.Status == store.StatusRunning {
		st.Action = lastAction(tr)
		if st.Action != nil {
			st.Phase = dispatch.PhaseReady
		}
	}
	c.st = st
	c.publish()
}

func (c *core) subscribe() chan State {
	ch := make(chan State, 1)
	c.subs = append(c.subs, ch)
	eventq.Latest(ch, c.st.clone())
	return ch
}

func (c *core) publish() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.st.clone()
	for _, ch := range c.subs {
		eventq.Latest(ch, snap)
	}
}

func (c *core) shutdown() {
	if c.turn != nil {
		c.turn.cancel()
	}
	c.stopTimer()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}
