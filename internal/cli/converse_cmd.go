package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/dispatch/internal/chatui"
	"github.com/agusx1211/dispatch/internal/converse"
)

var converseCmd = &cobra.Command{
	Use:     "converse [message]",
	Aliases: []string{"chat"},
	Short:   "Chat with the dispatcher",
	Long: `Open a dispatch conversation against a running server. In a terminal
this starts the interactive chat screen; with piped input every line is sent
as one message and replies are printed as plain text.

Use --resume to continue an earlier dispatch conversation.`,
	RunE: runConverse,
}

func init() {
	addClientFlags(converseCmd)
	converseCmd.Flags().String("resume", "", "Resume the dispatch conversation with this session id")
	converseCmd.Flags().Bool("plain", false, "Use line mode even in a terminal")
	rootCmd.AddCommand(converseCmd)
}

func runConverse(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, clientBindings(cmd)...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := converse.NewHTTPTransport(cfg.Client.BaseURL, cfg.Client.Token)
	tr.Client = httpClient(cmd, 0)
	machine := converse.New(tr, converse.Options{
		FlushInterval: cfg.Client.FlushInterval,
		FlushBytes:    cfg.Client.FlushBytes,
	})
	defer machine.Close()

	if id, _ := cmd.Flags().GetString("resume"); strings.TrimSpace(id) != "" {
		if err := machine.Resume(ctx, id); err != nil {
			if errors.Is(err, converse.ErrNotResumable) {
				return fmt.Errorf("%s is not a dispatch conversation; use 'dispatch sessions show %s'", id, id)
			}
			return fmt.Errorf("resuming %s: %w", id, err)
		}
	}

	first := strings.TrimSpace(strings.Join(args, " "))
	plain, _ := cmd.Flags().GetBool("plain")
	interactive := !plain && isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())

	if !interactive {
		var in io.Reader = cmd.InOrStdin()
		if first != "" {
			in = io.MultiReader(strings.NewReader(first+"\n"), in)
		}
		return chatui.RunLines(ctx, machine, in, cmd.OutOrStdout())
	}

	if first != "" {
		// Errors are latched in the machine state and shown on screen.
		go func() { _ = machine.Submit(ctx, first) }()
	}
	return chatui.Run(ctx, machine)
}
