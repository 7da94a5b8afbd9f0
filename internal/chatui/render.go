package chatui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/dispatch/internal/converse"
	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/theme"
)

var (
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(theme.ColorMauve)
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(theme.ColorBlue)
	toolStyle           = lipgloss.NewStyle().Foreground(theme.ColorOverlay0).Italic(true)
	errorStyle          = lipgloss.NewStyle().Foreground(theme.ColorRed)
	noticeStyle         = lipgloss.NewStyle().Foreground(theme.ColorYellow)
	dimStyle            = lipgloss.NewStyle().Foreground(theme.ColorOverlay0)
	textStyle           = lipgloss.NewStyle().Foreground(theme.ColorText)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBase).
			Background(theme.ColorLavender).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorSurface2).
			Padding(0, 1)
)

// renderTranscript lays out messages for a column of the given width.
func renderTranscript(msgs []converse.Message, width int) string {
	if width < 10 {
		width = 10
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderMessage(m, width))
		b.WriteString("\n")
	}
	return b.String()
}

func renderMessage(m converse.Message, width int) string {
	body := ansi.Wrap(m.Content, width-2, " ")
	switch m.Kind {
	case converse.KindUser:
		return userLabelStyle.Render("you") + "\n" + textStyle.Render(body)
	case converse.KindAssistant:
		return assistantLabelStyle.Render("dispatch") + "\n" + textStyle.Render(body)
	case converse.KindTool:
		if m.ToolName != "" {
			return toolStyle.Render("⚙ " + m.ToolName)
		}
		line := firstLine(m.Content)
		if m.IsError {
			return errorStyle.Render(ansi.Truncate("  ✗ "+line, width, "…"))
		}
		return toolStyle.Render(ansi.Truncate("  ↳ "+line, width, "…"))
	case converse.KindError:
		return errorStyle.Render("error: " + body)
	case converse.KindSystem:
		return dimStyle.Render(body)
	}
	return body
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// describeAction lists the user-facing fields of an action.
func describeAction(a dispatch.Action) []string {
	switch a := a.(type) {
	case dispatch.Recommend:
		lines := []string{"Run capability " + a.TargetID}
		if a.Query != "" {
			lines = append(lines, "query: "+a.Query)
		}
		if a.Confidence != nil {
			lines = append(lines, fmt.Sprintf("confidence: %.0f%%", *a.Confidence*100))
		}
		if a.Reason != "" {
			lines = append(lines, "why: "+a.Reason)
		}
		return lines
	case dispatch.ExecuteGeneric:
		lines := []string{"Run directly: " + a.Query}
		for i, step := range a.PlanSteps {
			lines = append(lines, fmt.Sprintf("  %d. %s", i+1, step))
		}
		return lines
	case dispatch.CreateCapability:
		lines := []string{"Create a new capability"}
		if a.SeedQuery != "" {
			lines = append(lines, "from: "+a.SeedQuery)
		}
		if a.Reason != "" {
			lines = append(lines, "why: "+a.Reason)
		}
		return lines
	case dispatch.SetupSchedule:
		name := a.Name
		if name == "" {
			name = a.TargetQuery
		}
		lines := []string{"Schedule " + name, "cron: " + a.CronExpr}
		if a.TZ != "" {
			lines = append(lines, "tz: "+a.TZ)
		}
		return lines
	}
	return nil
}

// answerFor maps a numeric reply onto the matching option label. Any other
// reply is returned as typed.
func answerFor(item dispatch.QuestionItem, reply string) string {
	reply = strings.TrimSpace(reply)
	if n, err := strconv.Atoi(reply); err == nil && n >= 1 && n <= len(item.Options) {
		return item.Options[n-1].Label
	}
	return reply
}

func renderQuestionItem(item dispatch.QuestionItem) string {
	var b strings.Builder
	if item.Header != "" {
		b.WriteString(dimStyle.Render(item.Header) + "\n")
	}
	b.WriteString(textStyle.Bold(true).Render(item.Question))
	for i, opt := range item.Options {
		line := fmt.Sprintf("\n  %d) %s", i+1, opt.Label)
		if opt.Description != "" {
			line += dimStyle.Render(" - " + opt.Description)
		}
		b.WriteString(line)
	}
	return b.String()
}
