package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agusx1211/dispatch/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		info := buildinfo.Current()
		if format != formatTable {
			return writeStructured(cmd.OutOrStdout(), info, format)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "dispatch %s\n", info.Version)
		fmt.Fprintf(out, "  commit: %s\n", info.CommitHash)
		fmt.Fprintf(out, "  built:  %s\n", info.BuildDate)
		fmt.Fprintf(out, "  go:     %s %s\n", info.GoVersion, info.Platform)
		return nil
	},
}

func init() {
	versionCmd.Flags().StringP("format", "o", formatTable, "Output format: table, json or yaml")
	rootCmd.AddCommand(versionCmd)
}
