package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/dispatch/internal/bridge"
	"github.com/agusx1211/dispatch/internal/config"
	"github.com/agusx1211/dispatch/internal/store"
	"github.com/agusx1211/dispatch/pkg/protocol"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report an external session step by step",
	Long: `Low-level access to the external session endpoints, for executors that
manage their own process lifecycle. Use 'dispatch run' to wrap a single
command instead.

Examples:
  dispatch report upsert --session cron-nightly-1a2b3c4d --query "nightly backup" --label Backup
  echo "copied 42 files" | dispatch report message --session cron-nightly-1a2b3c4d
  dispatch report status --session cron-nightly-1a2b3c4d --status completed --cost 0.02`,
}

var reportUpsertCmd = &cobra.Command{
	Use:   "upsert",
	Short: "Create or update an external session",
	Args:  cobra.NoArgs,
	RunE:  runReportUpsert,
}

var reportMessageCmd = &cobra.Command{
	Use:   "message [content]",
	Short: "Append a transcript entry (content from args or stdin)",
	RunE:  runReportMessage,
}

var reportStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Set the session status",
	Args:  cobra.NoArgs,
	RunE:  runReportStatus,
}

func init() {
	for _, c := range []*cobra.Command{reportUpsertCmd, reportMessageCmd, reportStatusCmd} {
		addClientFlags(c)
		c.Flags().String("session", "", "Session id (cron-..., cron-manual-... or bot-...)")
		_ = c.MarkFlagRequired("session")
	}
	reportUpsertCmd.Flags().String("query", "", "Query text")
	reportUpsertCmd.Flags().String("status", "", "Initial status (default running)")
	reportUpsertCmd.Flags().String("capability", "", "Capability id")
	reportUpsertCmd.Flags().String("label", "", "Display name in task lists")
	reportUpsertCmd.Flags().Int("pid", 0, "Process to watch; the task is dropped when it exits")

	reportMessageCmd.Flags().String("type", string(store.TurnAssistant), "Entry type: assistant, user, tool_use, tool_result, error or system")
	reportMessageCmd.Flags().String("tool", "", "Tool name (tool_use)")
	reportMessageCmd.Flags().String("tool-input", "", "Tool input as JSON (tool_use)")

	reportStatusCmd.Flags().String("status", "", "completed, failed, stopped or aborted")
	reportStatusCmd.Flags().Float64("cost", 0, "Cost to add to the session")
	_ = reportStatusCmd.MarkFlagRequired("status")

	reportCmd.AddCommand(reportUpsertCmd, reportMessageCmd, reportStatusCmd)
	rootCmd.AddCommand(reportCmd)
}

func reportClient(cmd *cobra.Command) (*bridge.Client, string, error) {
	cfg, err := loadConfig(cmd, clientBindings(cmd)...)
	if err != nil {
		return nil, "", err
	}
	return newBridgeClient(cmd, cfg), flagString(cmd, "session"), nil
}

func newBridgeClient(cmd *cobra.Command, cfg *config.Config) *bridge.Client {
	c := bridge.New(cfg.Client.BaseURL, cfg.Client.Token)
	c.HTTPClient = httpClient(cmd, c.HTTPClient.Timeout)
	return c
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return strings.TrimSpace(v)
}

func runReportUpsert(cmd *cobra.Command, args []string) error {
	c, id, err := reportClient(cmd)
	if err != nil {
		return err
	}
	pid, _ := cmd.Flags().GetInt("pid")
	return c.Upsert(cmd.Context(), protocol.ExternalUpsert{
		SessionID:    id,
		Query:        flagString(cmd, "query"),
		Status:       flagString(cmd, "status"),
		CapabilityID: flagString(cmd, "capability"),
		Label:        flagString(cmd, "label"),
		PID:          pid,
	})
}

func runReportMessage(cmd *cobra.Command, args []string) error {
	c, id, err := reportClient(cmd)
	if err != nil {
		return err
	}
	content := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		content = string(data)
	}
	kind := store.TurnKind(flagString(cmd, "type"))
	if !kind.Valid() {
		return fmt.Errorf("unknown message type %q", kind)
	}

	msg := protocol.ExternalMessage{SessionID: id, Type: string(kind), Content: content}
	switch kind {
	case store.TurnToolUse:
		msg.ToolName = flagString(cmd, "tool")
		if raw := flagString(cmd, "tool-input"); raw != "" {
			if !json.Valid([]byte(raw)) {
				return fmt.Errorf("--tool-input is not valid JSON")
			}
			msg.ToolInput = json.RawMessage(raw)
		}
	case store.TurnToolResult:
		msg.ToolResult = content
	}
	return c.AppendMessage(cmd.Context(), msg)
}

func runReportStatus(cmd *cobra.Command, args []string) error {
	c, id, err := reportClient(cmd)
	if err != nil {
		return err
	}
	cost, _ := cmd.Flags().GetFloat64("cost")
	return c.SetStatus(cmd.Context(), id, store.NormalizeStatus(flagString(cmd, "status")), cost)
}
