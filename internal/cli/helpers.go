package cli

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/dispatch/internal/config"
	"github.com/agusx1211/dispatch/internal/store"
	"github.com/agusx1211/dispatch/internal/theme"
)

// loadConfig reads the config file named by --config, overlaid with the
// given flag bindings.
func loadConfig(cmd *cobra.Command, bindings ...config.Binding) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(strings.TrimSpace(path), bindings...)
}

// bind maps flag names to config keys for loadConfig.
func bind(cmd *cobra.Command, pairs ...string) []config.Binding {
	out := make([]config.Binding, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, config.Binding{Key: pairs[i+1], Flag: cmd.Flags().Lookup(pairs[i])})
	}
	return out
}

// addClientFlags registers the flags shared by commands that call a running
// server.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "Server base URL (default client.base_url)")
	cmd.Flags().String("token", "", "Bearer token for the server")
	cmd.Flags().Bool("insecure", false, "Skip TLS certificate verification (self-signed servers)")
}

func clientBindings(cmd *cobra.Command) []config.Binding {
	return bind(cmd, "server", "client.base_url", "token", "client.token")
}

// httpClient returns a client for talking to the server. timeout 0 means no
// timeout, which streaming requests need.
func httpClient(cmd *cobra.Command, timeout time.Duration) *http.Client {
	c := &http.Client{Timeout: timeout}
	if insecure, _ := cmd.Flags().GetBool("insecure"); insecure {
		c.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for self-signed servers
		}
	}
	return c
}

var colorEnabled = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

func paint(color, s string) string {
	if !colorEnabled {
		return s
	}
	return color + s + colorReset
}

// printField prints a labeled field.
func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", paint(colorBold, fmt.Sprintf("%-12s", label+":")), value)
}

// statusBadge returns a status badge, colored like the session tables.
func statusBadge(status store.Status) string {
	if !colorEnabled {
		return "[" + string(status) + "]"
	}
	return "[" + theme.StatusText(status) + "]"
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
