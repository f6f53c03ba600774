// Package exchange holds the per-request state record and its lifecycle
// coordinator. Exactly one Exchange exists per inbound request or
// upgrade attempt; the transport adapter creates it when the exchange is
// first observed and triggers teardown when its output completes.
package exchange

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/strand-go/strand/pkg/pathspec"
)

// Output is the neutral sink an exchange writes its completion to. The
// transport adapter implements it over a response writer for plain HTTP
// exchanges and over the underlying connection for upgrades.
type Output interface {
	// Started reports whether any part of a response has been produced.
	Started() bool

	// Finished reports whether the output stream has fully completed.
	Finished() bool

	// WriteStatus emits a minimal completion with the given status code,
	// or the protocol's nearest equivalent for non-HTTP outputs.
	WriteStatus(code int) error

	// Destroy tears down the underlying connection immediately.
	Destroy() error

	// DisableKeepAlive marks the connection to be closed after the
	// current exchange instead of being reused.
	DisableKeepAlive()
}

// Task is a deferred or teardown callback. The context carries the
// request-scoped values of the exchange but is not canceled, since
// tasks run after the exchange's own signal has fired.
type Task func(ctx context.Context) error

// DrainHook is invoked when listener draining begins, giving in-flight
// handlers a chance to wrap up (for example emit a final streamed
// message). It may block; a returned error escalates the exchange to an
// immediate hard-close.
type DrainHook func(reason string) error

// Exchange is the state record for one inbound request or upgrade.
type Exchange struct {
	// Identity
	ID        string
	CreatedAt time.Time

	// Request is the transport's read-only view of the exchange.
	Request *http.Request

	// URL is the original request URL, before any scoping.
	URL *url.URL

	// Protocol is the upgrade protocol for upgrade exchanges
	// (e.g. "websocket"), or "" for plain request/response exchanges.
	Protocol string

	// Cancellation signal, fired exactly once when the output completes
	// normally or the client disconnects.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// taskCtx is handed to deferred/teardown tasks: same values as ctx,
	// but never canceled.
	taskCtx context.Context

	// mu guards the mutable fields below.
	mu         sync.Mutex
	path       string
	params     map[string]pathspec.Param
	deferred   []Task
	teardown   []Task
	drainHooks []DrainHook
	completed  bool
	output     Output
	reporter   func(error)
	data       map[string]any

	// runMu serializes lifecycle runs: a second Finish, or a teardown
	// registered mid-run, waits for the in-flight run to end.
	runMu sync.Mutex

	logger *slog.Logger
}

// generateExchangeID generates a cryptographically random exchange ID.
func generateExchangeID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("exchange: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// New creates the state record for a freshly observed exchange. The
// transport adapter must ensure it is called at most once per physical
// exchange; see the adapter's idempotent side table.
func New(req *http.Request, out Output, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}

	// The request context dies when the transport hands the connection
	// back; the exchange signal outlives it and fires on Finish only.
	base := context.WithoutCancel(req.Context())
	ctx, cancel := context.WithCancelCause(base)

	ex := &Exchange{
		ID:        generateExchangeID(),
		CreatedAt: time.Now(),
		Request:   req,
		URL:       req.URL,
		ctx:       ctx,
		cancel:    cancel,
		taskCtx:   base,
		path:      req.URL.Path,
		params:    map[string]pathspec.Param{},
		output:    out,
	}
	ex.logger = logger.With("component", "exchange", "exchange_id", ex.ID)
	return ex
}

// Context returns the exchange's cancellation context. It is canceled
// exactly once, when the output completes or the client disconnects;
// handlers holding long-lived resources must observe it.
func (ex *Exchange) Context() context.Context { return ex.ctx }

// Done returns the cancellation channel of the exchange context.
func (ex *Exchange) Done() <-chan struct{} { return ex.ctx.Done() }

// CloseReason returns why the exchange ended: ErrCompleted,
// ErrClientGone, ErrHardClosed, or nil while still live.
func (ex *Exchange) CloseReason() error {
	return context.Cause(ex.ctx)
}

// Output returns the exchange's output sink.
func (ex *Exchange) Output() Output {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.output
}

// SetOutput replaces the output sink. The transport adapter calls this
// when an exchange changes shape, e.g. after a websocket upgrade.
func (ex *Exchange) SetOutput(out Output) {
	ex.mu.Lock()
	ex.output = out
	ex.mu.Unlock()
}

// RefuseKeepAlive marks the output connection to not be reused once the
// current exchange ends. Used by the drain coordinator on soft-close.
func (ex *Exchange) RefuseKeepAlive() {
	ex.mu.Lock()
	out := ex.output
	ex.mu.Unlock()
	if out != nil {
		out.DisableKeepAlive()
	}
}

// Path returns the decoded path in the current routing scope. Entering
// a mounted sub-router narrows it to the unconsumed remainder.
func (ex *Exchange) Path() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.path
}

// PushScope enters a routing scope: the scoped path is replaced and the
// given captures are merged over the parent's into a fresh frozen
// snapshot. The returned restore function pops back to the parent scope
// and must run even when the handler chain fails; callers defer it.
func (ex *Exchange) PushScope(path string, params map[string]pathspec.Param) (restore func()) {
	ex.mu.Lock()
	prevPath := ex.path
	prevParams := ex.params

	merged := make(map[string]pathspec.Param, len(prevParams)+len(params))
	for name, p := range prevParams {
		merged[name] = p
	}
	for name, p := range params {
		merged[name] = p
	}
	ex.path = path
	ex.params = merged
	ex.mu.Unlock()

	return func() {
		ex.mu.Lock()
		ex.path = prevPath
		ex.params = prevParams
		ex.mu.Unlock()
	}
}

// Param returns the named single-segment capture of the current scope.
func (ex *Exchange) Param(name string) (string, bool) {
	ex.mu.Lock()
	p, ok := ex.params[name]
	ex.mu.Unlock()
	if !ok {
		return "", false
	}
	return p.Value()
}

// ParamList returns the named multi-segment capture of the current
// scope. It is empty for absent or single-segment parameters.
func (ex *Exchange) ParamList(name string) []string {
	ex.mu.Lock()
	p, ok := ex.params[name]
	ex.mu.Unlock()
	if !ok {
		return []string{}
	}
	return p.List()
}

// Params returns the frozen parameter snapshot of the current scope.
// The map must not be modified.
func (ex *Exchange) Params() map[string]pathspec.Param {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.params
}

// OnDrain registers a hook invoked when listener draining begins.
func (ex *Exchange) OnDrain(hook DrainHook) {
	ex.mu.Lock()
	ex.drainHooks = append(ex.drainHooks, hook)
	ex.mu.Unlock()
}

// DrainHooks returns a snapshot of the registered drain hooks.
func (ex *Exchange) DrainHooks() []DrainHook {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	hooks := make([]DrainHook, len(ex.drainHooks))
	copy(hooks, ex.drainHooks)
	return hooks
}

// SetReporter sets the callback that receives aggregated teardown
// failures. Defaults to logging via the exchange logger.
func (ex *Exchange) SetReporter(fn func(error)) {
	ex.mu.Lock()
	ex.reporter = fn
	ex.mu.Unlock()
}

// Logger returns the exchange-scoped logger.
func (ex *Exchange) Logger() *slog.Logger { return ex.logger }
