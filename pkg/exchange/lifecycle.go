package exchange

import (
	"errors"
	"runtime/debug"
)

// Defer registers a cleanup task that runs before the teardown queue
// when the exchange's output completes. Tasks run last-in-first-out,
// sequentially, each awaited before the next starts.
//
// Registering a task after teardown has fully completed runs it
// immediately instead of silently dropping it.
func (ex *Exchange) Defer(task Task) {
	ex.enqueue(task, false)
}

// OnTeardown registers a resource-release task that runs after the
// deferred queue when the exchange's output completes. Ordering and
// post-completion behavior match Defer.
func (ex *Exchange) OnTeardown(task Task) {
	ex.enqueue(task, true)
}

func (ex *Exchange) enqueue(task Task, teardown bool) {
	ex.mu.Lock()
	if !ex.completed {
		if teardown {
			ex.teardown = append(ex.teardown, task)
		} else {
			ex.deferred = append(ex.deferred, task)
		}
		ex.mu.Unlock()
		return
	}
	ex.mu.Unlock()

	// Post-teardown sink: the lifecycle already ran to completion, so
	// the task executes right here and its failure is still reported.
	if err := ex.safeRun(task); err != nil {
		ex.report(&LifecycleError{ExchangeID: ex.ID, Op: "post-teardown task", Err: err})
	}
}

// Finish triggers the exchange lifecycle: the cancellation signal fires
// with the given cause (first cause wins), then the deferred queue and
// the teardown queue drain in that order, each last-in-first-out, each
// task awaited before the next starts.
//
// Finish is safe to call more than once: a duplicate call waits for the
// in-flight run and then drains whatever was registered meanwhile, with
// its own error set. Failures never abort the remaining tasks; they are
// aggregated, reported, and returned.
func (ex *Exchange) Finish(cause error) error {
	if cause == nil {
		cause = ErrCompleted
	}
	ex.cancel(cause)

	ex.runMu.Lock()
	defer ex.runMu.Unlock()

	var all error
	for {
		ex.mu.Lock()
		deferred, teardown := ex.deferred, ex.teardown
		ex.deferred, ex.teardown = nil, nil
		if len(deferred) == 0 && len(teardown) == 0 {
			ex.completed = true
			ex.mu.Unlock()
			break
		}
		ex.mu.Unlock()

		var errs []error
		errs = append(errs, ex.runQueue(deferred)...)
		errs = append(errs, ex.runQueue(teardown)...)
		if agg := errors.Join(errs...); agg != nil {
			ex.report(agg)
			all = errors.Join(all, agg)
		}
	}
	return all
}

// Completed reports whether the lifecycle has fully run; from then on
// new tasks execute immediately on registration.
func (ex *Exchange) Completed() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.completed
}

// runQueue runs one task queue last-in-first-out, collecting failures.
func (ex *Exchange) runQueue(tasks []Task) []error {
	var errs []error
	for i := len(tasks) - 1; i >= 0; i-- {
		if err := ex.safeRun(tasks[i]); err != nil {
			errs = append(errs, &LifecycleError{ExchangeID: ex.ID, Op: "lifecycle task", Err: err})
		}
	}
	return errs
}

// safeRun executes one task, converting a panic into an error so one
// bad task cannot take down the rest of the queue.
func (ex *Exchange) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskPanicError{ExchangeID: ex.ID, Panic: r, Stack: debug.Stack()}
		}
	}()
	return task(ex.taskCtx)
}

// report delivers an aggregated failure to the configured reporter,
// falling back to the exchange logger.
func (ex *Exchange) report(err error) {
	ex.mu.Lock()
	fn := ex.reporter
	ex.mu.Unlock()
	if fn != nil {
		fn(err)
		return
	}
	ex.logger.Error("teardown errors", "error", err)
}
