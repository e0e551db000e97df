package integration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gammazero/workerpool"

	"github.com/priyxstudio/franchise/internal/metrics"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 8

// Stats is a point in time view of the dispatcher counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Queued    int64 `json:"queued"`
}

// Dispatcher runs handler jobs on a bounded worker pool. Every job is
// isolated: errors and panics are logged as HandlerFailure and counted, and
// never reach the submitter or other jobs.
type Dispatcher struct {
	pool *workerpool.WorkerPool

	mu      sync.RWMutex
	stopped bool

	// pending counts queued and running jobs; idle is signalled when it
	// drops to zero.
	pendingMu sync.Mutex
	idle      *sync.Cond
	pending   int

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	metrics *metrics.Collector
	logger  *log.Entry
}

// NewDispatcher starts a pool with the given number of workers.
func NewDispatcher(workers int, mc *metrics.Collector) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	d := &Dispatcher{
		pool:    workerpool.New(workers),
		metrics: mc,
		logger:  log.WithField("component", "dispatcher"),
	}
	d.idle = sync.NewCond(&d.pendingMu)
	return d
}

// Submit queues fn and returns immediately. It returns false if the
// dispatcher has been stopped. The job runs with a context that is not
// cancelled when ctx is.
func (d *Dispatcher) Submit(ctx context.Context, ruleID, handler string, fn func(ctx context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.logger.WithFields(log.Fields{"rule_id": ruleID, "handler": handler}).Warn("dispatcher stopped, dropping job")
		return false
	}

	jobCtx := context.WithoutCancel(ctx)
	d.submitted.Add(1)
	d.track(1)
	d.pool.Submit(func() {
		defer d.track(-1)
		d.run(jobCtx, ruleID, handler, fn)
	})
	d.metrics.RecordQueueDepth(d.pool.WaitingQueueSize())
	return true
}

func (d *Dispatcher) run(ctx context.Context, ruleID, handler string, fn func(ctx context.Context) error) {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				d.metrics.RecordHandlerPanic()
				err = errors.Errorf("panic: %v", r)
			}
		}()
		err = fn(ctx)
	}()

	label := ruleID
	if label == "" {
		label = "listener:" + handler
	}
	d.metrics.RecordDispatch(label, time.Since(start), err)
	if err != nil {
		d.failed.Add(1)
		failure := &HandlerFailure{RuleID: ruleID, Handler: handler, Cause: err}
		d.logger.WithError(failure).WithFields(log.Fields{"rule_id": ruleID, "handler": handler}).Error("integration handler failed")
		return
	}
	d.succeeded.Add(1)
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted: d.submitted.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Queued:    int64(d.pool.WaitingQueueSize()),
	}
}

func (d *Dispatcher) track(delta int) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending += delta
	if d.pending == 0 {
		d.idle.Broadcast()
	}
}

// Drain blocks until no job is queued or running, including jobs submitted
// by running jobs. Jobs may be submitted concurrently; Drain returns at the
// first moment the dispatcher is idle.
func (d *Dispatcher) Drain() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for d.pending > 0 {
		d.idle.Wait()
	}
}

// Stop refuses new jobs and waits for queued ones to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.pool.StopWait()
	d.logger.Debug("dispatcher stopped")
}
