// Package drain coordinates graceful, timed teardown of a listener's
// live exchanges: a cooperative soft-close phase that lets in-flight
// work wrap up, followed by a forced hard-close once a deadline passes.
package drain

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/strand-go/strand/pkg/exchange"
)

// Phase is the listener-wide drain state. It only ever moves forward.
type Phase int

const (
	// PhaseOpen accepts and serves exchanges normally.
	PhaseOpen Phase = iota

	// PhaseSoftClosing drains existing exchanges cooperatively. New
	// exchanges are still tracked; only existing ones are asked to
	// wrap up. The asymmetry supports zero-downtime handoff.
	PhaseSoftClosing

	// PhaseHardClosing forcibly terminates everything still tracked.
	PhaseHardClosing
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseSoftClosing:
		return "soft-closing"
	case PhaseHardClosing:
		return "hard-closing"
	default:
		return "unknown"
	}
}

// tracked is the per-exchange drain record.
type tracked struct {
	ex        *exchange.Exchange
	softAt    time.Time
	hardAt    time.Time
	softTimer *time.Timer
	hardTimer *time.Timer
	softDone  bool
	hardDone  bool
}

// Coordinator owns the active-exchange set of one listener and its
// soft/hard close transitions. All methods are safe for concurrent use.
type Coordinator struct {
	mu        sync.Mutex
	phase     Phase
	reason    string
	reportErr func(error)
	tracked   map[*exchange.Exchange]*tracked
	onIdle    []func()

	// Counters
	totalTracked    uint64
	totalHardClosed uint64
	peak            int

	logger *slog.Logger
}

// NewCoordinator creates an open drain coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		tracked: make(map[*exchange.Exchange]*tracked),
		logger:  logger.With("component", "drain"),
	}
}

// Phase returns the current drain phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Reason returns the reason string of the current phase.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Track adds an exchange to the active set. Exchanges arriving during
// soft-close are tracked but not asked to drain; only the set that
// existed when soft-close began is.
func (c *Coordinator) Track(ex *exchange.Exchange) {
	c.mu.Lock()
	if _, ok := c.tracked[ex]; ok {
		c.mu.Unlock()
		return
	}
	c.tracked[ex] = &tracked{ex: ex}
	c.totalTracked++
	if len(c.tracked) > c.peak {
		c.peak = len(c.tracked)
	}
	if c.reportErr != nil {
		ex.SetReporter(c.reportErr)
	}
	c.mu.Unlock()
}

// Detach removes an exchange from the active set, stopping its timers.
// When the set becomes empty every registered idle callback fires once,
// asynchronously.
func (c *Coordinator) Detach(ex *exchange.Exchange) {
	c.mu.Lock()
	t, ok := c.tracked[ex]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.tracked, ex)
	stopTimersLocked(t)

	var idle []func()
	if len(c.tracked) == 0 {
		idle = c.onIdle
		c.onIdle = nil
	}
	c.mu.Unlock()

	for _, fn := range idle {
		go fn()
	}
}

// Count returns the number of tracked exchanges.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}

// NotifyIdle registers fn to run once, asynchronously, when the active
// set becomes empty. If it already is, fn fires immediately.
func (c *Coordinator) NotifyIdle(fn func()) {
	c.mu.Lock()
	if len(c.tracked) == 0 {
		c.mu.Unlock()
		go fn()
		return
	}
	c.onIdle = append(c.onIdle, fn)
	c.mu.Unlock()
}

// SoftClose begins (or tightens) the cooperative drain phase: every
// currently tracked exchange has its drain hooks invoked with reason,
// its connection marked to refuse keep-alive, and a hard-close timer
// scheduled at now+timeout. Invoking SoftClose again only moves
// deadlines earlier, never later. reportErr, if non-nil, becomes the
// error-reporting callback for the phase.
func (c *Coordinator) SoftClose(reason string, timeout time.Duration, reportErr func(error)) {
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	if c.phase < PhaseSoftClosing {
		c.phase = PhaseSoftClosing
	}
	c.reason = reason
	if reportErr != nil {
		c.reportErr = reportErr
	}
	entries := make([]*tracked, 0, len(c.tracked))
	for _, t := range c.tracked {
		entries = append(entries, t)
	}
	c.mu.Unlock()

	c.logger.Info("soft-close started",
		"reason", reason,
		"timeout", timeout,
		"active_exchanges", len(entries))

	for _, t := range entries {
		c.softCloseOne(t, reason, deadline)
	}
}

// softCloseOne applies the soft-close protocol to a single tracked
// exchange: tighten its hard deadline, refuse keep-alive, and run its
// drain hooks once. A failing hook escalates to an immediate hard-close
// rather than waiting for the timer.
func (c *Coordinator) softCloseOne(t *tracked, reason string, hardDeadline time.Time) {
	c.mu.Lock()
	if t.hardDone {
		c.mu.Unlock()
		return
	}
	c.scheduleHardLocked(t, hardDeadline)
	fire := !t.softDone
	t.softDone = true
	if c.reportErr != nil {
		t.ex.SetReporter(c.reportErr)
	}
	c.mu.Unlock()

	t.ex.RefuseKeepAlive()
	if !fire {
		return
	}

	hooks := t.ex.DrainHooks()
	if len(hooks) == 0 {
		return
	}
	ex := t.ex
	go func() {
		for _, hook := range hooks {
			if err := runHook(hook, reason); err != nil {
				c.report(fmt.Errorf("drain: soft-close hook for exchange %s: %w", ex.ID, err))
				c.HardClose(ex)
				return
			}
		}
	}()
}

// runHook invokes one drain hook, converting a panic into an error.
func runHook(hook exchange.DrainHook, reason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("drain: hook panic: %v", r)
		}
	}()
	return hook(reason)
}

// HardClose forcibly terminates one exchange: a 503-equivalent
// completion if a response was started but not finished, destruction of
// the underlying connection, teardown of the exchange lifecycle, and
// removal from the active set. Hard-closing an already hard-closed
// exchange is a no-op.
func (c *Coordinator) HardClose(ex *exchange.Exchange) {
	c.mu.Lock()
	t, ok := c.tracked[ex]
	if !ok || t.hardDone {
		c.mu.Unlock()
		return
	}
	t.hardDone = true
	stopTimersLocked(t)
	c.totalHardClosed++
	c.mu.Unlock()

	if out := ex.Output(); out != nil && !out.Finished() {
		if out.Started() {
			if err := out.WriteStatus(http.StatusServiceUnavailable); err != nil {
				c.logger.Debug("hard-close status write failed",
					"exchange_id", ex.ID, "error", err)
			}
		}
		if err := out.Destroy(); err != nil {
			c.logger.Debug("hard-close destroy failed",
				"exchange_id", ex.ID, "error", err)
		}
	}

	if err := ex.Finish(exchange.ErrHardClosed); err != nil {
		c.report(err)
	}

	c.logger.Info("exchange hard-closed", "exchange_id", ex.ID)
	c.Detach(ex)
}

// HardCloseAll moves the listener to the hard-closing phase and
// force-terminates every tracked exchange.
func (c *Coordinator) HardCloseAll(reason string) {
	c.mu.Lock()
	if c.phase < PhaseHardClosing {
		c.phase = PhaseHardClosing
	}
	c.reason = reason
	exchanges := make([]*exchange.Exchange, 0, len(c.tracked))
	for ex := range c.tracked {
		exchanges = append(exchanges, ex)
	}
	c.mu.Unlock()

	c.logger.Info("hard-close started",
		"reason", reason,
		"active_exchanges", len(exchanges))

	for _, ex := range exchanges {
		c.HardClose(ex)
	}
}

// ScheduleClose lets one exchange request its own timed drain, e.g.
// "this access token expires at time T". A zero time leaves the
// corresponding deadline unset. Deadlines compose with listener-wide
// draining by always taking the earlier of the two, never the later.
func (c *Coordinator) ScheduleClose(ex *exchange.Exchange, softAt, hardAt time.Time) {
	c.mu.Lock()
	t, ok := c.tracked[ex]
	if !ok || t.hardDone {
		c.mu.Unlock()
		return
	}
	c.scheduleSoftLocked(t, softAt)
	c.scheduleHardLocked(t, hardAt)
	c.mu.Unlock()
}

// scheduleSoftLocked arms or tightens the per-exchange soft timer.
func (c *Coordinator) scheduleSoftLocked(t *tracked, at time.Time) {
	if at.IsZero() || t.softDone {
		return
	}
	if !t.softAt.IsZero() && !at.Before(t.softAt) {
		return
	}
	t.softAt = at
	if t.softTimer != nil {
		t.softTimer.Stop()
	}
	ex := t.ex
	t.softTimer = time.AfterFunc(time.Until(at), func() {
		c.mu.Lock()
		reason := c.reason
		entry, ok := c.tracked[ex]
		var hardAt time.Time
		if ok {
			hardAt = entry.hardAt
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		if reason == "" {
			reason = "scheduled close"
		}
		// No new hard deadline here; a scheduled soft fire without a
		// hard deadline relies on the exchange wrapping up on its own.
		c.softCloseOne(entry, reason, hardAt)
	})
}

// scheduleHardLocked arms or tightens the per-exchange hard timer. The
// replaced timer is stopped so rescheduling never leaks the old one.
func (c *Coordinator) scheduleHardLocked(t *tracked, at time.Time) {
	if at.IsZero() {
		return
	}
	if !t.hardAt.IsZero() && !at.Before(t.hardAt) {
		return
	}
	t.hardAt = at
	if t.hardTimer != nil {
		t.hardTimer.Stop()
	}
	ex := t.ex
	t.hardTimer = time.AfterFunc(time.Until(at), func() {
		c.HardClose(ex)
	})
}

func stopTimersLocked(t *tracked) {
	if t.softTimer != nil {
		t.softTimer.Stop()
		t.softTimer = nil
	}
	if t.hardTimer != nil {
		t.hardTimer.Stop()
		t.hardTimer = nil
	}
}

// report delivers a drain-phase error to the active callback, falling
// back to the coordinator logger.
func (c *Coordinator) report(err error) {
	c.mu.Lock()
	fn := c.reportErr
	c.mu.Unlock()
	if fn != nil {
		fn(err)
		return
	}
	c.logger.Error("drain error", "error", err)
}

// Stats contains aggregated coordinator statistics.
type Stats struct {
	Active          int
	Peak            int
	TotalTracked    uint64
	TotalHardClosed uint64
	Phase           Phase
}

// Stats returns a snapshot of coordinator statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Active:          len(c.tracked),
		Peak:            c.peak,
		TotalTracked:    c.totalTracked,
		TotalHardClosed: c.totalHardClosed,
		Phase:           c.phase,
	}
}
