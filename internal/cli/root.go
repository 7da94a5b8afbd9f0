package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/buildinfo"
	"github.com/agusx1211/dispatch/internal/config"
	"github.com/agusx1211/dispatch/internal/logging"
)

const (
	// ANSI color codes
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorDim   = "\033[2m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Conversational task dispatch",
	Long: colorBold + `dispatch` + colorReset + ` ` + buildinfo.Current().Version + `

  Talk to a dispatch assistant that picks a capability, plans a generic run,
  drafts a new capability or sets up a schedule. Every conversation and every
  background job is a session you can list, inspect and resume.

` + colorBold + `Getting Started:` + colorReset + `
  dispatch config init            Write ~/.dispatch/config.toml
  dispatch serve                  Start the server
  dispatch converse               Chat with the dispatcher
  dispatch sessions running       Show everything still running
  dispatch run --source cron --job nightly -- ./backup.sh`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.dispatch/config.toml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		logFile, _ := cmd.Flags().GetString("log-file")

		// serve logs to stderr. Interactive commands stay quiet unless asked,
		// since log lines would tear through the chat screen.
		if cmd != serveCmd && !debugFlag && logFile == "" {
			return nil
		}
		if cmd != serveCmd && logFile == "" {
			logFile = filepath.Join(config.Dir(), "logs", "dispatch.log")
		}
		l, err := logging.Init(logging.Options{
			Debug:       debugFlag,
			File:        logFile,
			Development: logFile == "" && isatty.IsTerminal(os.Stderr.Fd()),
		})
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		if logFile != "" && debugFlag {
			fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logFile)
		}
		bi := buildinfo.Current()
		l.Debug("dispatch starting",
			zap.String("version", bi.Version),
			zap.String("commit", bi.CommitHash),
			zap.String("command", cmd.Name()),
			zap.Strings("args", args),
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		logging.L().Debug("exit with error", zap.Error(err))
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
}
