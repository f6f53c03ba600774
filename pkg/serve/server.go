// Package serve binds the dispatch engine to net/http: it creates
// exactly one exchange state per inbound request or upgrade, runs the
// route table, guarantees lifecycle teardown on every exit path, and
// drains live connections in two phases on shutdown.
package serve

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/strand-go/strand/pkg/dispatch"
	"github.com/strand-go/strand/pkg/drain"
	"github.com/strand-go/strand/pkg/exchange"
)

// ProtocolWebSocket is the upgrade protocol token served by this
// adapter; it is what dispatch.Router.Upgrade routes register under.
const ProtocolWebSocket = "websocket"

// Middleware wraps the server's HTTP handler, e.g. for host-level
// access logging. Dispatch-level concerns belong in handler chains.
type Middleware func(http.Handler) http.Handler

// Server is the transport adapter for one listener.
type Server struct {
	config *Config
	router *dispatch.Router
	drain  *drain.Coordinator

	upgrader   websocket.Upgrader
	middleware []Middleware
	renderErr  ErrorRenderer

	httpServer *http.Server
	logger     *slog.Logger

	// exchanges is the identity-keyed side table that makes exchange
	// creation idempotent: a second observation of the same request
	// (e.g. an upgrade probe before dispatch) returns the same state.
	mu        sync.Mutex
	exchanges map[*http.Request]*exchange.Exchange
}

// New creates a Server with the given configuration.
func New(config *Config) *Server {
	config = config.withDefaults()

	logger := slog.Default().With("component", "server")
	if err := config.Validate(); err != nil {
		logger.Error("config validation failed", "error", err)
	}

	return &Server{
		config: config,
		router: dispatch.NewRouter(),
		drain:  drain.NewCoordinator(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		renderErr: DefaultErrorRenderer,
		logger:    logger,
		exchanges: make(map[*http.Request]*exchange.Exchange),
	}
}

// SetRouter sets the route table dispatched by this server.
func (s *Server) SetRouter(r *dispatch.Router) {
	s.router = r
}

// Router returns the current route table.
func (s *Server) Router() *dispatch.Router {
	return s.router
}

// Drain returns the listener's drain coordinator, for hosts that
// orchestrate draining themselves (e.g. zero-downtime handoff).
func (s *Server) Drain() *drain.Coordinator {
	return s.drain
}

// SetErrorRenderer replaces the error-output collaborator.
func (s *Server) SetErrorRenderer(fn ErrorRenderer) {
	if fn != nil {
		s.renderErr = fn
	}
}

// Use adds server-level middleware around the whole dispatch handler.
func (s *Server) Use(mw Middleware) {
	s.middleware = append(s.middleware, mw)
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// SetLogger sets the server logger.
func (s *Server) SetLogger(logger *slog.Logger) { s.logger = logger }

// Handler returns an http.Handler for mounting in external routers
// (chi, stdlib mux, ...) with the server-level middleware applied.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = http.HandlerFunc(s.serve)
	for i := len(s.middleware) - 1; i >= 0; i-- {
		handler = s.middleware[i](handler)
	}
	return handler
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

// observe returns the exchange state for the request, creating it on
// first observation. transport-level idempotence: probing and then
// dispatching the same request share one state record.
func (s *Server) observe(w http.ResponseWriter, r *http.Request) *exchange.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.exchanges[r]; ok {
		return ex
	}
	ex := exchange.New(r, newHTTPOutput(w), s.logger)
	s.exchanges[r] = ex
	return ex
}

// forget drops the side-table entry once the transport is done
// surfacing the request.
func (s *Server) forget(r *http.Request) {
	s.mu.Lock()
	delete(s.exchanges, r)
	s.mu.Unlock()
}

// CanUpgrade is the read-only upgrade-eligibility probe: it answers
// whether the route table would accept the upgrade without running any
// handler. The probe shares the exchange state that a subsequent
// dispatch of the same request will use.
func (s *Server) CanUpgrade(w http.ResponseWriter, r *http.Request, proto string) bool {
	ex := s.observe(w, r)
	return s.router.CanUpgrade(ex, proto)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if !validPath(r.URL.Path) {
		s.renderErr(ErrBadRequest, newHTTPOutput(w))
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.serveUpgrade(w, r)
		return
	}
	s.serveRequest(w, r)
}

// validPath rejects malformed input at the exchange-creation boundary.
func validPath(path string) bool {
	return strings.HasPrefix(path, "/") && !strings.ContainsAny(path, "\x00\\")
}

func (s *Server) serveRequest(w http.ResponseWriter, r *http.Request) {
	ex := s.observe(w, r)
	defer s.forget(r)
	out := ex.Output().(*HTTPOutput)

	s.drain.Track(ex)

	// An abrupt client disconnect triggers teardown immediately; the
	// normal-completion Finish below then finds empty queues.
	stop := context.AfterFunc(r.Context(), func() {
		ex.Finish(exchange.ErrClientGone)
	})

	err := s.dispatch(ex)
	if err != nil {
		s.renderErr(err, out)
	}

	out.markFinished()
	stop()
	ex.Finish(exchange.ErrCompleted)
	s.drain.Detach(ex)
}

func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	ex := s.observe(w, r)
	defer s.forget(r)
	ex.Protocol = ProtocolWebSocket

	if !s.router.CanUpgrade(ex, ProtocolWebSocket) {
		s.renderErr(ErrUnhandled, ex.Output())
		ex.Finish(exchange.ErrCompleted)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote its failure response.
		s.logger.Error("websocket upgrade failed", "error", err)
		ex.Finish(exchange.ErrCompleted)
		return
	}
	out := newSocketOutput(conn)
	ex.SetOutput(out)

	s.drain.Track(ex)

	err = s.dispatch(ex)
	if err != nil {
		s.renderErr(err, out)
	}

	conn.Close()
	out.markFinished()
	ex.Finish(exchange.ErrCompleted)
	s.drain.Detach(ex)
}

// dispatch runs the route table for the exchange, converting a panic
// or an unhandled result into a boundary error for the renderer.
func (s *Server) dispatch(ex *exchange.Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				"exchange_id", ex.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("serve: handler panic: %v", r)
		}
	}()

	handled, err := s.router.Dispatch(ex)
	if err != nil {
		return err
	}
	if !handled {
		return ErrUnhandled
	}
	return nil
}

// Run starts the server and blocks until a SIGINT/SIGTERM triggers a
// graceful, drained shutdown.
func (s *Server) Run() error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil

	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains the listener in two phases: a cooperative soft-close
// bounded by DrainTimeout, then a forced hard-close of whatever is
// left, then shutdown of the HTTP server itself.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	idle := make(chan struct{})
	s.drain.NotifyIdle(func() { close(idle) })
	s.drain.SoftClose("shutdown", s.config.DrainTimeout, func(err error) {
		s.logger.Error("drain error", "error", err)
	})

	select {
	case <-idle:
	case <-ctx.Done():
		s.drain.HardCloseAll("shutdown timeout")
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && err != context.DeadlineExceeded {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}
