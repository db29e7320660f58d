// Package server implements the dev server's request dispatcher: exact-match
// static routes first, then the live reload stream, then the build middleware.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/devserve/internal/metrics"
	"github.com/Kush-Singh-26/devserve/internal/routes"
)

const DefaultShutdownTimeout = 5 * time.Second

func init() {
	// Browsers refuse to stream-compile wasm served with any other type.
	_ = mime.AddExtensionType(".wasm", "application/wasm")
}

// State is the dispatcher lifecycle: Created -> Listening -> Draining -> Stopped.
type State int32

const (
	Created State = iota
	Listening
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Listening:
		return "listening"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

type Options struct {
	Host string
	Port int // 0 picks a free port

	// ShutdownTimeout bounds how long Stop waits for in-flight requests.
	ShutdownTimeout time.Duration

	// Fs is where static route targets are read from (default: OS filesystem).
	Fs     afero.Fs
	Logger *slog.Logger

	// Compress gzips static route responses for clients that accept it.
	Compress bool

	// Hub, when set, is served as an SSE stream at LiveReloadPath.
	Hub            *Hub
	LiveReloadPath string

	Metrics *metrics.Requests
}

// Server is the running dispatcher. It is created by Start and stopped with Stop.
type Server struct {
	opts     Options
	registry *routes.Registry
	fallback http.Handler
	fs       afero.Fs
	logger   *slog.Logger
	metrics  *metrics.Requests

	mu         sync.Mutex
	state      atomic.Int32
	listener   net.Listener
	httpServer *http.Server

	done     chan struct{}
	serveErr error
	stopped  chan struct{}
	stopErr  error
}

// New prepares a dispatcher in the Created state. Nothing is bound until Start.
func New(opts Options, registry *routes.Registry, fallback http.Handler) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.Requests{}
	}
	if opts.LiveReloadPath == "" {
		opts.LiveReloadPath = "/events"
	}
	if registry == nil {
		registry = routes.NewRegistry()
	}
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}

	return &Server{
		opts:     opts,
		registry: registry,
		fallback: fallback,
		fs:       opts.Fs,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start binds opts.Host:opts.Port and begins serving. On a bind failure it
// returns a *BindError and no server.
func Start(opts Options, registry *routes.Registry, fallback http.Handler) (*Server, error) {
	s := New(opts, registry, fallback)
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start binds the listener, freezes the route registry and serves in the
// background. It may only succeed once.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Created {
		return fmt.Errorf("cannot start server in state %s", st)
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	s.registry.Freeze()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.state.Store(int32(Listening))

	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped unexpectedly", "addr", addr, "error", err)
			s.serveErr = err
		}
	}()

	s.logger.Info("Dispatcher listening", "addr", ln.Addr().String(), "static_routes", s.registry.Len())
	return nil
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound TCP port, which differs from Options.Port when that was 0.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// URL returns the http:// base URL of the running server.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	return "http://" + addr.String()
}

// Done is closed when the serve loop has exited.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the serve loop exits and returns its error, if any.
func (s *Server) Wait() error {
	<-s.done
	return s.serveErr
}

// Stop closes the listener and waits up to ShutdownTimeout for in-flight
// requests to finish, then force-closes whatever is left. Calling Stop again
// returns nil once the first call has completed.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.State() {
	case Created:
		s.state.Store(int32(Stopped))
		close(s.stopped)
		close(s.done)
		s.mu.Unlock()
		return nil
	case Draining, Stopped:
		s.mu.Unlock()
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state.Store(int32(Draining))
	s.mu.Unlock()

	s.logger.Info("Draining dispatcher", "grace", s.opts.ShutdownTimeout)

	// Open event streams never finish on their own.
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}

	graceCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(graceCtx); err != nil {
		s.logger.Warn("Grace period expired, closing remaining connections", "error", err)
		_ = s.httpServer.Close()
		s.stopErr = fmt.Errorf("drain incomplete: %w", err)
	}
	<-s.done

	s.state.Store(int32(Stopped))
	close(s.stopped)
	s.logger.Info("Dispatcher stopped")
	return s.stopErr
}

// ServeHTTP dispatches one request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		if target, ok := s.registry.Lookup(r.URL.Path); ok {
			s.serveStatic(w, r, target)
			return
		}
		if s.opts.Hub != nil && r.URL.Path == s.opts.LiveReloadPath {
			s.opts.Hub.ServeHTTP(w, r)
			return
		}
	}

	s.metrics.IncFallback()
	s.fallback.ServeHTTP(w, r)
}

// serveStatic reads target on every request so rebuilt artifacts are never stale.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, target string) {
	data, err := afero.ReadFile(s.fs, target)
	if err != nil {
		readErr := &FileReadError{Path: r.URL.Path, Target: target, Err: err}
		s.metrics.IncStaticFailure()
		s.logger.Error("Failed to serve static route", "path", r.URL.Path, "target", target, "missing", readErr.Missing(), "error", err)
		http.Error(w, "500 - Internal Server Error: could not read "+filepath.Base(target), http.StatusInternalServerError)
		return
	}

	s.metrics.IncStaticHit()

	h := w.Header()
	h.Set("Content-Type", contentType(target))
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("X-Content-Type-Options", "nosniff")

	write := func(w http.ResponseWriter, r *http.Request) {
		if w.Header().Get("Content-Encoding") == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := w.Write(data); err != nil {
			s.logger.Debug("Client went away during static response", "path", r.URL.Path, "error", err)
		}
	}

	if s.opts.Compress {
		gzipHandler(write)(w, r)
		return
	}
	write(w, r)
}

func contentType(target string) string {
	if ct := mime.TypeByExtension(filepath.Ext(target)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
