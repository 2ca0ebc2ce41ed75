package api

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/connection"
	"whatsapp-gateway/internal/metrics"
	"whatsapp-gateway/internal/types"
)

const statusPollInterval = 5 * time.Second

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type indexData struct {
	ExposeSession bool
	AuthRequired  bool
	PollInterval  int64
}

// Connection is the part of the connection controller the API drives.
type Connection interface {
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	SendMessage(ctx context.Context, recipient, text string) error
	Status() connection.Status
	QRCode() (string, bool)
	Session() ([]byte, bool)
	Snapshot() connection.Snapshot
	Reset(ctx context.Context) error
	Logout(ctx context.Context) error
}

// EventLog returns recorded connection transitions, newest first.
type EventLog interface {
	RecentConnectionEvents(ctx context.Context, limit int) ([]types.ConnectionEvent, error)
}

// Server is the HTTP API of the gateway. It exposes pairing, sending,
// status and session management endpoints plus a small status page.
type Server struct {
	cfg        *config.Config
	conn       Connection
	events     EventLog
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     waLog.Logger
	mw         *middleware
	mux        *http.ServeMux
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new API server with the given dependencies.
//
// Parameters:
//   - cfg: port, API key, CORS, rate limit and session exposure settings
//   - conn: the connection controller
//   - events: transition log for /debug-session (optional)
//   - m, gatherer: metrics recorded by handlers and served on /metrics
//   - logger: application logger
func NewServer(cfg *config.Config, conn Connection, events EventLog, m *metrics.Metrics, gatherer prometheus.Gatherer, logger waLog.Logger) *Server {
	if logger == nil {
		logger = waLog.Noop
	}
	if m == nil {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		gatherer = reg
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:       cfg,
		conn:      conn,
		events:    events,
		metrics:   m,
		gatherer:  gatherer,
		logger:    logger,
		mw:        newMiddleware(cfg, m),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.registerHandlers()

	if cfg.APIKey == "" || cfg.DisableAuthCheck {
		logger.Warnf("API key check is disabled; sensitive endpoints are open to anyone who can reach port %d", cfg.APIPort)
	}
	return s
}

// Handler returns the root handler with all routes registered.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// registerHandlers sets up all routes. Sensitive endpoints go through the
// full secure chain; read-only endpoints polled by the status page skip auth.
func (s *Server) registerHandlers() {
	mw := s.mw

	// Status page and public read-only endpoints
	s.mux.HandleFunc("/{$}", mw.public("index", pageCSP, s.handleIndex))
	s.mux.HandleFunc("/status", mw.public("status", apiCSP, s.handleStatus))
	s.mux.HandleFunc("/qrcode", mw.public("qrcode", pageCSP, s.handleQRCode))
	s.mux.HandleFunc("/health", mw.public("health", apiCSP, s.handleHealth))

	metricsHandler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	s.mux.HandleFunc("/metrics", mw.public("metrics", apiCSP, metricsHandler.ServeHTTP))

	// Session lifecycle
	s.mux.HandleFunc("/pair", mw.secure("pair", s.handlePair))
	s.mux.HandleFunc("/send", mw.secure("send", s.handleSend))
	s.mux.HandleFunc("/reset", mw.secure("reset", s.handleReset))
	s.mux.HandleFunc("/logout", mw.secure("logout", s.handleLogout))

	if s.cfg.ExposeSession {
		s.mux.HandleFunc("/get-session", mw.secure("get-session", s.handleGetSession))
		s.mux.HandleFunc("/debug-session", mw.secure("debug-session", s.handleDebugSession))
	}
}

// Start listens on the configured port in a background goroutine.
// Listener errors other than a clean shutdown are logged.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.cfg.APIPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// pairing and sending wait on the WhatsApp servers
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Infof("Starting HTTP server on %s", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("HTTP server error: %v", err)
		}
	}()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
