// Package server exposes the SDK over HTTP: WebSocket and WebRTC entry
// points, connection info for clients, session listing, outbound calls and
// the telephony webhook.
package server

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/foundation-voice-go/pkg/sdk"
	"github.com/chriscow/foundation-voice-go/pkg/session"
	"github.com/chriscow/foundation-voice-go/pkg/transport"
)

const (
	DefaultAddr            = ":8000"
	DefaultSweepInterval   = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

var requests = expvar.NewMap("http_requests")

// Config controls the listener and background work.
type Config struct {
	Addr string
	// PublicURL is the externally reachable base URL. When empty it is
	// derived from each request.
	PublicURL       string
	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
	LiveKit         transport.LiveKitOptions
}

// Server serves one SDK.
type Server struct {
	sdk      *sdk.SDK
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	// background rooms started by /connect
	wg sync.WaitGroup
}

// New returns a server for s.
func New(s *sdk.SDK, cfg Config, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		sdk:    s,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.handle("GET /ws", s.handleWebSocket)
	s.handle("POST /api/offer", s.handleOffer)
	s.handle("POST /connect", s.handleConnect)
	s.handle("GET /sessions", s.handleSessions)
	s.handle("DELETE /sessions/{id}", s.handleEndSession)
	s.handle("POST /calls", s.handleCall)
	s.handle("POST /twilio/inbound", s.handleInbound)
	s.handle("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.sdk.Sessions().Len()})
	})
	s.mux.Handle("GET /debug/vars", expvar.Handler())
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	route := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		route = pattern[i+1:]
	}
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(route, 1)
		h(w, r)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Run listens until ctx is done, sweeping idle sessions in the background.
// On shutdown every live session is evicted with reason shutdown.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sdk.Sessions().Run(sweepCtx, s.cfg.SweepInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("server listening", slog.String("addr", s.cfg.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	stopSweep()
	n := s.sdk.Sessions().CloseAll(session.StateShutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown", slog.Any("error", err))
	}
	wg.Wait()
	s.wg.Wait()

	s.logger.Info("server stopped", slog.Int("sessions_closed", n))
	return runErr
}

// publicURL is the configured base URL or one derived from r.
func (s *Server) publicURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimSuffix(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
