package webserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agusx1211/dispatch/internal/logging"
	"github.com/agusx1211/dispatch/internal/orchestrator"
	"github.com/agusx1211/dispatch/internal/runtime"
	"github.com/agusx1211/dispatch/internal/session"
	"github.com/agusx1211/dispatch/internal/store"
)

// Options configures web server behavior.
type Options struct {
	Host      string
	Port      int
	TLSMode   string
	CertFile  string
	KeyFile   string
	AuthToken string
	RateLimit float64
	RateBurst int
}

// Deps are the components the HTTP API serves.
type Deps struct {
	Ledger       *store.Store
	Registry     *runtime.Registry
	Sessions     *session.Service
	Orchestrator *orchestrator.Orchestrator
}

// Server hosts the HTTP API, SSE streams and the WebSocket attach bridge.
type Server struct {
	ledger   *store.Store
	registry *runtime.Registry
	sessions *session.Service
	orch     *orchestrator.Orchestrator
	log      *zap.Logger

	// base outlives requests; externally reported tasks are tracked on it.
	base   context.Context
	cancel context.CancelFunc

	httpServer *http.Server
	port       int
	host       string
	tlsMode    string
	certFile   string
	keyFile    string
	authToken  string
	rateLimit  float64
	rateBurst  int
}

// New constructs a web server. Call Start to begin listening.
func New(deps Deps, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}

	port := opts.Port
	if port < 0 {
		port = 8080
	}

	base, cancel := context.WithCancel(context.Background())
	srv := &Server{
		ledger:    deps.Ledger,
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		orch:      deps.Orchestrator,
		log:       logging.Named("webserver"),
		base:      base,
		cancel:    cancel,
		host:      host,
		port:      port,
		tlsMode:   strings.TrimSpace(opts.TLSMode),
		certFile:  strings.TrimSpace(opts.CertFile),
		keyFile:   strings.TrimSpace(opts.KeyFile),
		authToken: strings.TrimSpace(opts.AuthToken),
		rateLimit: opts.RateLimit,
		rateBurst: opts.RateBurst,
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)

	handler := corsMiddleware(srv.logMiddleware(rateLimitMiddleware(srv.rateLimit, srv.rateBurst, authMiddleware(srv.authToken, mux))))
	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler returns the full middleware-wrapped handler.
func (srv *Server) Handler() http.Handler {
	return srv.httpServer.Handler
}

// Start listens and serves in a background goroutine. It returns once the
// listener is bound; serve errors are reported on the returned channel.
func (srv *Server) Start() (<-chan error, error) {
	if srv.tlsMode != "" {
		var cert tls.Certificate
		var err error

		switch srv.tlsMode {
		case "self-signed":
			cert, err = generateSelfSignedCert(srv.host)
			if err != nil {
				return nil, fmt.Errorf("generating self-signed certificate: %w", err)
			}
		case "custom":
			cert, err = tls.LoadX509KeyPair(srv.certFile, srv.keyFile)
			if err != nil {
				return nil, fmt.Errorf("loading TLS certificate: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported TLS mode: %q", srv.tlsMode)
		}

		srv.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return nil, err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}
	srv.log.Info("listening", zap.String("addr", srv.Addr()), zap.String("scheme", srv.Scheme()))

	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		var err error
		if srv.tlsMode != "" {
			err = srv.httpServer.ServeTLS(ln, "", "")
		} else {
			err = srv.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("server stopped with error", zap.Error(err))
			errc <- err
		}
	}()
	return errc, nil
}

// Shutdown gracefully stops the HTTP server.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.cancel()
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// Port returns the bound port.
func (srv *Server) Port() int {
	return srv.port
}

// Scheme returns the URL scheme for the running server.
func (srv *Server) Scheme() string {
	if srv.tlsMode != "" {
		return "https"
	}
	return "http"
}

func (srv *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", srv.handleHealth)

	// Turns
	mux.HandleFunc("POST /api/converse", srv.handleConverse)
	mux.HandleFunc("POST /api/execute", srv.handleExecute)

	// Sessions
	mux.HandleFunc("GET /api/sessions", srv.handleListSessions)
	mux.HandleFunc("GET /api/sessions/running-tasks", srv.handleRunningTasks)
	mux.HandleFunc("GET /api/sessions/{id}", srv.handleSessionDetail)
	mux.HandleFunc("GET /api/sessions/{id}/attach", srv.handleAttach)
	mux.HandleFunc("POST /api/sessions/{id}/stop", srv.handleStop)
	mux.HandleFunc("POST /api/sessions/{id}/approve", srv.handleApprove)

	// External executors (cron, bots)
	mux.HandleFunc("POST /api/sessions/external/upsert", srv.handleExternalUpsert)
	mux.HandleFunc("POST /api/sessions/external/message", srv.handleExternalMessage)
	mux.HandleFunc("POST /api/sessions/external/status", srv.handleExternalStatus)

	mux.HandleFunc("GET /ws/sessions/{id}", srv.handleSessionWebSocket)

	mux.HandleFunc("/api/{rest...}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}
