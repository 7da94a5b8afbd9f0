package chatui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/agusx1211/dispatch/internal/converse"
	"github.com/agusx1211/dispatch/internal/dispatch"
)

// lineChat is the non-interactive front end: one message per input line,
// replies printed once each turn ends.
type lineChat struct {
	ctx     context.Context
	machine Machine
	sc      *bufio.Scanner
	out     io.Writer
	printed int
}

// RunLines reads messages from in and prints replies to out until in is
// exhausted, the user types /quit or ctx is done.
func RunLines(ctx context.Context, machine Machine, in io.Reader, out io.Writer) error {
	lc := &lineChat{ctx: ctx, machine: machine, sc: bufio.NewScanner(in), out: out}
	lc.sc.Buffer(make([]byte, 64*1024), 1<<20)
	lc.printed = len(machine.State().Messages)
	if lc.printed > 0 {
		lc.printTail(machine.State(), 0)
	}

	for {
		line, ok := lc.read("> ")
		if !ok {
			return lc.sc.Err()
		}
		if line == "" {
			continue
		}
		switch parseCommand(line) {
		case cmdQuit:
			return nil
		case cmdHelp:
			fmt.Fprintln(out, helpText)
			continue
		case cmdStop:
			machine.Stop()
			continue
		case cmdReset:
			machine.Reset()
			lc.printed = 0
			fmt.Fprintln(out, "(new conversation)")
			continue
		case cmdApprove:
			lc.approve()
			continue
		}

		if err := lc.turn(func() error { return machine.Submit(ctx, line) }); err != nil {
			return err
		}
		for {
			q := machine.State().PendingQuestion
			if q == nil {
				break
			}
			answers, ok := lc.ask(q)
			if !ok {
				return lc.sc.Err()
			}
			if err := lc.turn(func() error { return machine.RespondToQuestion(ctx, answers) }); err != nil {
				return err
			}
			if next := machine.State().PendingQuestion; next != nil && next.ID == q.ID {
				break
			}
		}
	}
}

func (lc *lineChat) read(prompt string) (string, bool) {
	if lc.ctx.Err() != nil {
		return "", false
	}
	fmt.Fprint(lc.out, prompt)
	if !lc.sc.Scan() {
		return "", false
	}
	return strings.TrimSpace(lc.sc.Text()), true
}

// turn runs one submission and prints what it produced. Turn failures are
// printed, not returned; only a cancelled context ends the session.
func (lc *lineChat) turn(run func() error) error {
	err := run()
	st := lc.machine.State()
	lc.printTail(st, lc.printed)
	switch {
	case lc.ctx.Err() != nil:
		return lc.ctx.Err()
	case err != nil && st.Err == nil && !errors.Is(err, context.Canceled):
		fmt.Fprintln(lc.out, "error:", err)
	}
	return nil
}

func (lc *lineChat) printTail(st converse.State, from int) {
	if from > len(st.Messages) {
		from = 0
	}
	for _, m := range st.Messages[from:] {
		if m.Kind == converse.KindUser {
			continue
		}
		fmt.Fprintln(lc.out, plainMessage(m))
	}
	lc.printed = len(st.Messages)

	if st.Action != nil {
		for _, l := range describeAction(st.Action) {
			fmt.Fprintln(lc.out, "  "+l)
		}
		if st.ApprovalRequired {
			fmt.Fprintln(lc.out, "  (type /approve to run it)")
		}
	}
	if st.Notice != "" {
		fmt.Fprintln(lc.out, "note:", st.Notice)
	}
	if st.Err != nil {
		fmt.Fprintln(lc.out, "error:", st.Err)
	}
}

func plainMessage(m converse.Message) string {
	switch m.Kind {
	case converse.KindTool:
		if m.ToolName != "" {
			return "[" + m.ToolName + "]"
		}
		return "  -> " + firstLine(m.Content)
	case converse.KindError:
		return "error: " + m.Content
	}
	return m.Content
}

// ask collects one answer per question item.
func (lc *lineChat) ask(q *dispatch.Question) (map[string]string, bool) {
	answers := make(map[string]string, len(q.Questions))
	if len(q.Questions) == 0 {
		line, ok := lc.read("? ")
		answers["answer"] = line
		return answers, ok
	}
	for _, item := range q.Questions {
		fmt.Fprintln(lc.out, item.Question)
		for i, opt := range item.Options {
			fmt.Fprintf(lc.out, "  %d) %s\n", i+1, opt.Label)
		}
		line, ok := lc.read("? ")
		if !ok {
			return nil, false
		}
		answers[item.Question] = answerFor(item, line)
	}
	return answers, true
}

func (lc *lineChat) approve() {
	action, err := lc.machine.Approve(lc.ctx)
	if err != nil {
		fmt.Fprintln(lc.out, "approve failed:", err)
		return
	}
	if action == nil {
		fmt.Fprintln(lc.out, "approved")
		return
	}
	fmt.Fprintln(lc.out, "approved:", action.Kind())
}
