// Package chatui is the terminal front end for dispatch conversations: a
// bubbletea program for interactive terminals and a plain line mode for
// pipes.
package chatui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/dispatch/internal/converse"
	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/theme"
)

type stateMsg converse.State

type stateClosedMsg struct{}

type turnDoneMsg struct{ err error }

type approvedMsg struct {
	action dispatch.Action
	err    error
}

// Model is the bubbletea model of the chat screen.
type Model struct {
	ctx     context.Context
	machine Machine
	states  <-chan converse.State

	st    converse.State
	input textinput.Model
	vp    viewport.Model
	spin  spinner.Model

	width  int
	height int

	// answers collects replies to the pending question, one item at a time.
	questionID string
	answers    map[string]string
	item       int

	flash    string
	quitting bool
}

// NewModel returns a chat model driving machine.
func NewModel(ctx context.Context, machine Machine) Model {
	in := textinput.New()
	in.Prompt = "> "
	in.Placeholder = "What do you want done?"
	in.PromptStyle = lipgloss.NewStyle().Foreground(theme.ColorMauve)
	in.TextStyle = lipgloss.NewStyle().Foreground(theme.ColorText)
	in.PlaceholderStyle = dimStyle
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorLavender)

	m := Model{
		ctx:     ctx,
		machine: machine,
		states:  machine.Subscribe(),
		input:   in,
		vp:      viewport.New(80, 20),
		spin:    sp,
		width:   80,
		height:  24,
		answers: make(map[string]string),
	}
	m.setState(machine.State())
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitState(), m.spin.Tick)
}

func (m Model) waitState() tea.Cmd {
	ch := m.states
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return stateClosedMsg{}
		}
		return stateMsg(st)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case stateMsg:
		m.setState(converse.State(msg))
		return m, m.waitState()

	case stateClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case turnDoneMsg:
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) && m.st.Err == nil {
			m.flash = msg.err.Error()
		}
		if msg.err != nil && m.st.PendingQuestion != nil {
			m.answers = make(map[string]string)
			m.item = 0
		}
		return m, nil

	case approvedMsg:
		switch {
		case msg.err != nil:
			m.flash = "approve failed: " + msg.err.Error()
		case msg.action == nil:
			m.flash = "approved"
		default:
			m.flash = "approved: " + string(msg.action.Kind())
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "esc":
		return m, m.stop()
	case "ctrl+a":
		return m, m.approve()
	case "ctrl+r":
		return m, m.reset()
	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd
	case "enter":
		line := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if line == "" {
			return m, nil
		}
		m.flash = ""
		return m.enter(line)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) enter(line string) (tea.Model, tea.Cmd) {
	switch parseCommand(line) {
	case cmdApprove:
		return m, m.approve()
	case cmdStop:
		return m, m.stop()
	case cmdReset:
		return m, m.reset()
	case cmdQuit:
		m.quitting = true
		return m, tea.Quit
	case cmdHelp:
		m.flash = helpText
		return m, nil
	}

	if q := m.st.PendingQuestion; q != nil {
		if m.item < len(q.Questions) {
			item := q.Questions[m.item]
			m.answers[item.Question] = answerFor(item, line)
			m.item++
			if m.item < len(q.Questions) {
				return m, nil
			}
		} else {
			m.answers["answer"] = line
		}
		answers := m.answers
		ctx, machine := m.ctx, m.machine
		return m, func() tea.Msg {
			return turnDoneMsg{err: machine.RespondToQuestion(ctx, answers)}
		}
	}

	ctx, machine := m.ctx, m.machine
	return m, func() tea.Msg {
		return turnDoneMsg{err: machine.Submit(ctx, line)}
	}
}

func (m Model) approve() tea.Cmd {
	if m.st.Action == nil {
		return nil
	}
	ctx, machine := m.ctx, m.machine
	return func() tea.Msg {
		action, err := machine.Approve(ctx)
		return approvedMsg{action: action, err: err}
	}
}

func (m Model) stop() tea.Cmd {
	machine := m.machine
	return func() tea.Msg {
		machine.Stop()
		return nil
	}
}

func (m Model) reset() tea.Cmd {
	machine := m.machine
	return func() tea.Msg {
		machine.Reset()
		return nil
	}
}

func (m *Model) setState(st converse.State) {
	m.st = st
	qid := ""
	if st.PendingQuestion != nil {
		qid = st.PendingQuestion.ID
	}
	if qid != m.questionID {
		m.questionID = qid
		m.answers = make(map[string]string)
		m.item = 0
	}
	m.layout()
}

func (m *Model) layout() {
	m.input.Width = max(m.width-4, 8)
	m.vp.Width = m.width
	m.vp.Height = max(m.height-lipgloss.Height(m.footer())-1, 3)
	m.refresh()
}

func (m *Model) refresh() {
	atBottom := m.vp.AtBottom()
	m.vp.SetContent(renderTranscript(m.st.Messages, m.width))
	if atBottom || m.st.Streaming {
		m.vp.GotoBottom()
	}
}

func (m Model) header() string {
	title := headerStyle.Render("dispatch")
	parts := []string{title, theme.PhaseBadge(m.st.Phase)}
	if m.st.SessionID != "" {
		parts = append(parts, dimStyle.Render(m.st.SessionID))
	}
	if m.st.Thinking || m.st.Streaming {
		parts = append(parts, m.spin.View())
	}
	return strings.Join(parts, " ")
}

func (m Model) footer() string {
	var sections []string

	if m.st.Action != nil {
		lines := describeAction(m.st.Action)
		hint := "ctrl+a to approve"
		if m.st.ApprovalRequired {
			hint = "approval required · " + hint
		}
		lines = append(lines, dimStyle.Render(hint))
		for _, v := range m.st.ValidationErrors {
			lines = append(lines, errorStyle.Render("! "+v))
		}
		sections = append(sections, panelStyle.Width(max(m.width-2, 10)).Render(strings.Join(lines, "\n")))
	}

	if q := m.st.PendingQuestion; q != nil && m.item < len(q.Questions) {
		sections = append(sections, panelStyle.Width(max(m.width-2, 10)).Render(renderQuestionItem(q.Questions[m.item])))
	}

	switch {
	case m.st.Err != nil:
		sections = append(sections, errorStyle.Render("error: "+m.st.Err.Error()))
	case m.flash != "":
		sections = append(sections, noticeStyle.Render(m.flash))
	case m.st.Notice != "":
		sections = append(sections, noticeStyle.Render(m.st.Notice))
	}

	sections = append(sections, m.input.View())
	sections = append(sections, dimStyle.Render("enter send · esc stop · ctrl+a approve · ctrl+r reset · ctrl+c quit"))
	return strings.Join(sections, "\n")
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.header() + "\n" + m.vp.View() + "\n" + m.footer()
}

// Run shows the chat screen until the user quits or ctx is cancelled.
func Run(ctx context.Context, machine Machine) error {
	p := tea.NewProgram(NewModel(ctx, machine), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
