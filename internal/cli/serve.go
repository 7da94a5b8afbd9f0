package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agusx1211/dispatch/internal/catalog"
	"github.com/agusx1211/dispatch/internal/config"
	"github.com/agusx1211/dispatch/internal/logging"
	"github.com/agusx1211/dispatch/internal/model"
	"github.com/agusx1211/dispatch/internal/model/gemini"
	"github.com/agusx1211/dispatch/internal/orchestrator"
	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/session"
	"github.com/agusx1211/dispatch/internal/store"
	"github.com/agusx1211/dispatch/internal/webserver"
)

const (
	mdnsServiceType = "_dispatch._tcp"
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch server",
	Long: `Start the HTTP server: the conversation stream, capability runs, the
session API and the external session endpoints used by cron and bot
executors.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.IntP("port", "p", 0, "Port to listen on (default server.port)")
	f.String("host", "", "Host to bind to (default server.host)")
	f.Bool("expose", false, "Bind to 0.0.0.0 for LAN/remote access (enables TLS and a token)")
	f.String("tls", "", "TLS mode: 'self-signed' or 'custom' (requires --cert and --key)")
	f.String("cert", "", "Path to TLS certificate file (for --tls=custom)")
	f.String("key", "", "Path to TLS key file (for --tls=custom)")
	f.String("auth-token", "", "Require Bearer token for API access")
	f.Float64("rate-limit", 0, "Max requests per second per IP (0 = unlimited)")
	f.Bool("mdns", false, "Advertise server on local network via mDNS/Bonjour")
	f.Bool("qr", false, "Print a QR code of the server URL")
	f.String("model", "", "Model provider: echo or genai (default model.provider)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, bind(cmd,
		"port", "server.port",
		"host", "server.host",
		"tls", "server.tls",
		"cert", "server.cert_file",
		"key", "server.key_file",
		"auth-token", "server.auth_token",
		"rate-limit", "server.rate_limit",
		"mdns", "server.mdns",
		"model", "model.provider",
	)...)
	if err != nil {
		return err
	}
	log := logging.Named("serve")

	expose, _ := cmd.Flags().GetBool("expose")
	printQR, _ := cmd.Flags().GetBool("qr")
	if expose {
		cfg.Server.Host = "0.0.0.0"
		if !cmd.Flags().Changed("tls") && cfg.Server.TLS == config.TLSOff {
			cfg.Server.TLS = config.TLSSelfSigned
		}
		if strings.TrimSpace(cfg.Server.AuthToken) == "" {
			cfg.Server.AuthToken = generateToken()
			fmt.Fprintf(os.Stderr, "Generated auth token: %s\n", cfg.Server.AuthToken)
		}
		fmt.Fprintln(os.Stderr, "Warning: Exposing server on all interfaces.")
		printQR = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer ledger.Close()

	reg := runtime.New(runtime.Options{
		Grace:        cfg.Runtime.Grace,
		ReapInterval: cfg.Runtime.ReapInterval,
		ReplayLimit:  cfg.Runtime.ReplayLimit,
	})
	if err := reg.Init(ctx); err != nil {
		return fmt.Errorf("starting runtime registry: %w", err)
	}

	runner, err := newRunner(ctx, cfg.Model)
	if err != nil {
		_ = reg.Shutdown(context.Background())
		return err
	}
	orch := orchestrator.New(orchestrator.Options{
		Ledger:   ledger,
		Registry: reg,
		Runner:   runner,
		Catalog:  catalog.New(cfg.Capabilities),
	})

	srv := webserver.New(webserver.Deps{
		Ledger:       ledger,
		Registry:     reg,
		Sessions:     session.NewService(ledger, reg),
		Orchestrator: orch,
	}, webserver.Options{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		TLSMode:   cfg.Server.TLS,
		CertFile:  cfg.Server.CertFile,
		KeyFile:   cfg.Server.KeyFile,
		AuthToken: cfg.Server.AuthToken,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	})
	serveErr, err := srv.Start()
	if err != nil {
		_ = reg.Shutdown(context.Background())
		return fmt.Errorf("starting server: %w", err)
	}

	url := serverURL(srv, cfg.Server.Host)
	fmt.Printf("%s %s\n", paint(styleBoldWhite, "dispatch serving on"), url)
	fmt.Printf("  ledger: %s  model: %s  capabilities: %d\n", cfg.Store.Path, cfg.Model.Provider, len(cfg.Capabilities))
	if cfg.Server.AuthToken != "" {
		fmt.Println("  Auth token required for API access.")
	}
	if printQR {
		if err := printQRCode(url); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to render QR code: %v\n", err)
		}
	}

	if expose || cfg.Server.MDNS {
		mdnsServer, err := startMDNSService(srv.Port(), url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", err)
		} else {
			defer mdnsServer.Shutdown()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err, ok := <-serveErr:
			if ok && err != nil {
				return err
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop taking requests first, then cancel runs and drop live state.
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			orch.Close(shutdownCtx),
			reg.Shutdown(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited", zap.Error(err))
		return err
	}
	return nil
}

func newRunner(ctx context.Context, cfg config.Model) (model.Runner, error) {
	switch cfg.Provider {
	case "genai":
		r, err := gemini.New(ctx, gemini.Config{APIKey: cfg.APIKey, Model: cfg.Name})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return model.Echo{}, nil
	}
}

func serverURL(srv *webserver.Server, host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		if ip := lanIP(); ip != "" {
			host = ip
		} else {
			host = "127.0.0.1"
		}
	}
	return fmt.Sprintf("%s://%s", srv.Scheme(), net.JoinHostPort(host, fmt.Sprint(srv.Port())))
}

// lanIP returns the first non-loopback IPv4 address, if any.
func lanIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return ""
}

func generateToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func startMDNSService(port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	host, _ := os.Hostname()
	name := "dispatch"
	if host != "" {
		name = "dispatch-" + strings.Split(host, ".")[0]
	}
	txtRecords := []string{
		fmt.Sprintf("url=%s", url),
		"api=/api/health",
	}
	service, err := mdns.NewMDNSService(name, mdnsServiceType, "local.", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{
		Zone: service,
	})
}

func printQRCode(url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}
