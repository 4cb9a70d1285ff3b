// Package httpapi is the HTTP shim in front of the board: posting, listing,
// live streams (SSE and websocket), health and optional pprof.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"toastboard/internal/board"
	"toastboard/internal/eventbus"
	"toastboard/internal/runtime/supervisor"
	logx "toastboard/pkg/logx"
)

const (
	DefaultAddr       = ":8080"
	DefaultMaxContent = 500
	// TruncationSuffix is appended to posts cut at MaxContent runes.
	TruncationSuffix = "... and I've said too much."
)

// Config configures the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// MaxContent is the post length in runes before truncation.
	MaxContent int
	Pprof      PprofConfig
}

// PprofConfig exposes net/http/pprof under /debug/pprof/.
//
// A token is required unless AllowInsecure is set.
type PprofConfig struct {
	Enabled       bool
	Token         string
	AllowInsecure bool
}

// LoopReporter reports supervised loops for /healthz.
type LoopReporter interface {
	Loops() []supervisor.LoopStats
}

// Server serves the board over HTTP.
type Server struct {
	cfg     Config
	board   *board.Board
	counter *eventbus.Counter
	loops   LoopReporter
	log     logx.Logger

	upgrader websocket.Upgrader
	started  time.Time
}

// New builds a server. counter and loops may be nil.
func New(cfg Config, b *board.Board, counter *eventbus.Counter, loops LoopReporter, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxContent <= 0 {
		cfg.MaxContent = DefaultMaxContent
	}
	return &Server{
		cfg:     cfg,
		board:   b,
		counter: counter,
		loops:   loops,
		log:     log.With(logx.String("comp", "http")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		started: time.Now(),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/").HandlerFunc(s.index)
	r.Methods(http.MethodGet).Path("/toasts").HandlerFunc(s.listToasts)
	r.Methods(http.MethodPost).Path("/toasts").HandlerFunc(s.postToast)
	// Plain HTML forms may post to the index.
	r.Methods(http.MethodPost).Path("/").HandlerFunc(s.postToast)
	r.Methods(http.MethodGet).Path("/toasts/stream").HandlerFunc(s.streamSSE)
	r.Methods(http.MethodGet).Path("/toasts/ws").HandlerFunc(s.streamWS)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)

	s.mountPprof(r)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, req)
		lvl := s.log.Debug
		if m.Code >= http.StatusInternalServerError {
			lvl = s.log.Warn
		}
		lvl("handled",
			logx.String("method", req.Method),
			logx.String("path", req.URL.Path),
			logx.Int("status", m.Code),
			logx.Int64("bytes", m.Written),
			logx.Duration("took", m.Duration),
		)
	})
}

// Serve listens on cfg.Addr and serves until ctx is done. It is meant to run
// under supervisor.GoRestart.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		// Live streams end with the context; this bounds the rest.
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof.Enabled))
	err := srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
