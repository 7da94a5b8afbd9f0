package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/dispatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the dispatch config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings (secrets redacted)",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), configFile(cmd))
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	configShowCmd.Flags().Bool("reveal", false, "Show tokens and API keys")
	configCmd.AddCommand(configInitCmd, configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func configFile(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); strings.TrimSpace(p) != "" {
		return p
	}
	return config.Path()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile(cmd)
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.Write(path, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if reveal, _ := cmd.Flags().GetBool("reveal"); !reveal {
		cfg = cfg.Redacted()
	}
	data, err := config.Encode(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if cfg.File != "" {
		fmt.Fprintf(out, "# %s\n", cfg.File)
	}
	_, err = out.Write(data)
	return err
}
