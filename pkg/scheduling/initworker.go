package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/logging"
	"github.com/imagegen/orchestrator/pkg/metrics"
)

// initQueuePollInterval bounds how long the init worker sleeps without a wake
// signal, so retry re-enqueues still make progress.
const initQueuePollInterval = 250 * time.Millisecond

// initWorker is the single background worker that drains the registry's init
// queue and publishes record status transitions.
type initWorker struct {
	reg *Registry
	log logging.Logger
}

func newInitWorker(reg *Registry, log logging.Logger) *initWorker {
	return &initWorker{reg: reg, log: log}
}

// run drains the init queue until ctx is cancelled.
func (w *initWorker) run(ctx context.Context) {
	for {
		rec := w.reg.dequeueInit()
		if rec == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.reg.initWake:
			case <-time.After(initQueuePollInterval):
			}
			continue
		}
		w.reg.initRecord(ctx, rec)
	}
}

// initRecord performs one initialization attempt for the record, handling
// status transitions and retry re-enqueueing. It also serves as the inline
// init path for fast-loading driver types.
func (g *Registry) initRecord(ctx context.Context, rec *Record) {
	if !rec.Enabled() {
		rec.setStatus(StatusDisabled)
		return
	}

	rec.setStatus(StatusLoading)
	rec.mu.Lock()
	rec.initAttempts++
	attempts := rec.initAttempts
	driver := rec.driver
	rec.mu.Unlock()

	err := driver.Init(ctx)
	if err == nil {
		rec.maxUsages.Store(int32(max(driver.MaxUsages(), 1)))
		rec.mu.Lock()
		rec.initErr = nil
		rec.mu.Unlock()
		rec.setStatus(StatusRunning)
		rec.log.Infof("Backend %d (%s) is running after %d attempt(s)",
			rec.ID(), rec.Type().Name, attempts)
		metrics.InitsTotal.WithLabelValues("ok").Inc()
		g.recomputeLoadedModels()
		g.scheduler.poke()
		return
	}

	var initErr *generation.InitError
	refused := errors.As(err, &initErr) && initErr.Refused
	if !refused && attempts < g.cfg.MaxInitAttempts && ctx.Err() == nil {
		rec.log.Warnf("Backend %d init attempt %d/%d failed, will retry: %v",
			rec.ID(), attempts, g.cfg.MaxInitAttempts, err)
		rec.setStatus(StatusWaiting)
		metrics.InitsTotal.WithLabelValues("retry").Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(initRetryDelay):
		}
		g.enqueueInit(rec)
		return
	}

	rec.mu.Lock()
	rec.initErr = err
	rec.mu.Unlock()
	rec.setStatus(StatusErrored)
	metrics.InitsTotal.WithLabelValues("error").Inc()
	rec.log.Errorf("Backend %d (%s) failed to initialize: %v",
		rec.ID(), rec.Type().Name, innermost(err))
	if strings.Contains(err.Error(), "connection refused") {
		rec.log.Error("The backend's server refused the connection. " +
			"Check that the worker process is able to start and that the configured host and port are correct.")
	}
	g.updateStatusMetrics()
}

// innermost unwraps an error chain to its deepest cause, so that users see
// the underlying failure rather than layers of wrapping.
func innermost(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
