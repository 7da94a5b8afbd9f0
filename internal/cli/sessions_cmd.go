package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/session"
	"github.com/agusx1211/dispatch/internal/store"
	"github.com/agusx1211/dispatch/internal/theme"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List and inspect sessions",
	Long: `List recent sessions from the ledger, show a transcript, or list every
task that is still running (desktop runs, dispatch conversations, cron jobs
and bot requests).`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsRunningCmd = &cobra.Command{
	Use:   "running",
	Short: "List running tasks from every source",
	Args:  cobra.NoArgs,
	RunE:  runSessionsRunning,
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsStop,
}

func init() {
	for _, c := range []*cobra.Command{sessionsCmd, sessionsListCmd, sessionsShowCmd, sessionsRunningCmd, sessionsStopCmd} {
		addClientFlags(c)
	}
	for _, c := range []*cobra.Command{sessionsCmd, sessionsListCmd, sessionsShowCmd, sessionsRunningCmd} {
		c.Flags().StringP("format", "o", formatTable, "Output format: table, json or yaml")
	}
	for _, c := range []*cobra.Command{sessionsCmd, sessionsListCmd} {
		c.Flags().String("status", "", "Only sessions with this status")
		c.Flags().Int("limit", 50, "Maximum number of sessions")
	}
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsRunningCmd, sessionsStopCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func outputFormat(cmd *cobra.Command) (string, error) {
	f, _ := cmd.Flags().GetString("format")
	switch f = strings.ToLower(strings.TrimSpace(f)); f {
	case formatTable, formatJSON, formatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want table, json or yaml)", f)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := loadConfig(cmd, clientBindings(cmd)...)
	if err != nil {
		return err
	}
	rows, err := newAPIClient(cmd, cfg).ListSessions(cmd.Context(), status, limit)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	return renderSessions(cmd.OutOrStdout(), rows, format, time.Now())
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, clientBindings(cmd)...)
	if err != nil {
		return err
	}
	view, err := newAPIClient(cmd, cfg).Session(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return renderDetail(cmd.OutOrStdout(), view, format)
}

func runSessionsRunning(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, clientBindings(cmd)...)
	if err != nil {
		return err
	}
	tasks, err := newAPIClient(cmd, cfg).RunningTasks(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing running tasks: %w", err)
	}
	return renderTasks(cmd.OutOrStdout(), tasks, format, time.Now())
}

func runSessionsStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, clientBindings(cmd)...)
	if err != nil {
		return err
	}
	if err := newAPIClient(cmd, cfg).Stop(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for %s\n", args[0])
	return nil
}

// writeStructured renders v as indented JSON or as YAML with the same keys.
func writeStructured(w io.Writer, v any, format string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == formatJSON {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	// JSON is valid YAML; going through a node keeps the key order.
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow and quoting styles the JSON source left behind.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorSurface2)).
		Headers(headers...)
}

var headerCellStyle = lipgloss.NewStyle().Bold(true).Foreground(theme.ColorLavender).Padding(0, 1)

var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func renderSessions(w io.Writer, rows []store.Session, format string, now time.Time) error {
	if format != formatTable {
		if rows == nil {
			rows = []store.Session{}
		}
		return writeStructured(w, rows, format)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, paint(colorDim, "No sessions."))
		return nil
	}
	statuses := make([]store.Status, len(rows))
	t := newTable("ID", "STATUS", "CAPABILITY", "QUERY", "UPDATED")
	for i, s := range rows {
		statuses[i] = s.Status
		t.Row(s.ID, string(s.Status), capabilityLabel(s.CapabilityID), truncate(s.Query, 48), session.FormatTimeAgo(s.UpdatedAt, now))
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerCellStyle
		}
		if col == 1 && row >= 0 && row < len(statuses) {
			return cellStyle.Inherit(theme.StatusStyle(statuses[row]))
		}
		return cellStyle
	})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func renderTasks(w io.Writer, tasks []session.Task, format string, now time.Time) error {
	if format != formatTable {
		if tasks == nil {
			tasks = []session.Task{}
		}
		return writeStructured(w, tasks, format)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(w, paint(colorDim, "Nothing is running."))
		return nil
	}
	t := newTable("ID", "SOURCE", "TASK", "QUERY", "RUNNING FOR", "LIVE")
	for _, task := range tasks {
		live := ""
		if task.Live {
			live = "●"
		}
		t.Row(task.SessionID, string(task.Source), task.Label, truncate(task.Query, 40), session.FormatElapsed(now.Sub(task.StartedAt)), live)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerCellStyle
		}
		return cellStyle
	})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func capabilityLabel(id string) string {
	switch id {
	case "":
		return "-"
	case dispatch.DispatchCapability:
		return session.DispatchLabel
	case dispatch.GenericCapability:
		return "generic"
	}
	return id
}

func renderDetail(w io.Writer, v *session.View, format string) error {
	if format != formatTable {
		return writeStructured(w, v, format)
	}
	fmt.Fprintf(w, "%s %s\n", paint(styleBoldCyan, v.ID), statusBadge(v.Status))
	printField(w, "source", string(v.Source))
	printField(w, "capability", capabilityLabel(v.CapabilityID))
	if v.Query != "" {
		printField(w, "query", v.Query)
	}
	if v.Cost > 0 {
		printField(w, "cost", fmt.Sprintf("$%.4f", v.Cost))
	}
	printField(w, "started", v.CreatedAt.Local().Format(time.DateTime))
	if v.Live {
		printField(w, "live", "yes")
	}
	fmt.Fprintln(w)

	for _, turn := range v.Turns {
		fmt.Fprintln(w, formatTurn(turn))
	}
	return nil
}

func formatTurn(t store.Turn) string {
	marker := ""
	if t.Synthetic {
		marker = paint(colorDim, " (live)")
	}
	switch t.Kind {
	case store.TurnUser:
		return paint(colorBlue, "you") + marker + "\n  " + indent(t.Content)
	case store.TurnAssistant:
		return paint(colorGreen, "assistant") + marker + "\n  " + indent(dispatch.StripMarker(t.Content))
	case store.TurnToolUse:
		return paint(colorDim, "  ⚙ "+t.ToolName)
	case store.TurnToolResult:
		return paint(colorDim, "  ↳ "+truncate(t.ToolResult, 100))
	case store.TurnError:
		return paint(colorRed, "error: "+t.Content)
	case store.TurnSystem:
		return paint(colorDim, t.Content)
	}
	return t.Content
}

func indent(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n  ")
}
