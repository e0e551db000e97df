package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"golang.org/x/time/rate"

	"github.com/priyxstudio/franchise/cache"
	"github.com/priyxstudio/franchise/integration"
	"github.com/priyxstudio/franchise/internal/metrics"
	"github.com/priyxstudio/franchise/modules"
	"github.com/priyxstudio/franchise/system"
)

// DefaultRealtimeInterval is the tick interval used when none is configured.
const DefaultRealtimeInterval = 30 * time.Second

const (
	StateExceeded  = "exceeded"
	StateRecovered = "recovered"
)

// Emitter accepts events. *integration.Engine implements it.
type Emitter interface {
	Emit(ctx context.Context, ev integration.Event) error
}

// Check measures one health signal. Measure returns false when there is not
// enough data to judge, in which case the previous state is kept.
type Check struct {
	Name      string
	Threshold float64
	Measure   func(ctx context.Context, now time.Time) (float64, bool, error)
}

// RealtimeLoop evaluates threshold checks on a fixed interval and emits an
// alert whenever a check crosses its threshold in either direction.
type RealtimeLoop struct {
	emitter  Emitter
	interval time.Duration
	checks   []Check
	limiter  *rate.Limiter

	mu       sync.Mutex
	breached map[string]bool

	tracker
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clock   func() time.Time
	metrics *metrics.Collector
	logger  *log.Entry
}

// RealtimeOption configures a RealtimeLoop.
type RealtimeOption func(*RealtimeLoop)

// WithRealtimeInterval sets the tick interval.
func WithRealtimeInterval(d time.Duration) RealtimeOption {
	return func(l *RealtimeLoop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithCheck adds a threshold check.
func WithCheck(c Check) RealtimeOption {
	return func(l *RealtimeLoop) {
		l.checks = append(l.checks, c)
	}
}

// WithAlertsPerMinute limits how many alerts the loop emits. Zero or less
// disables the limit.
func WithAlertsPerMinute(n int) RealtimeOption {
	return func(l *RealtimeLoop) {
		if n <= 0 {
			l.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		l.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
}

// WithRealtimeClock overrides the time source.
func WithRealtimeClock(fn func() time.Time) RealtimeOption {
	return func(l *RealtimeLoop) {
		l.clock = fn
	}
}

// WithRealtimeMetrics records ticks and alerts on the collector.
func WithRealtimeMetrics(c *metrics.Collector) RealtimeOption {
	return func(l *RealtimeLoop) {
		l.metrics = c
	}
}

// NewRealtimeLoop returns a stopped loop emitting alerts through emitter.
func NewRealtimeLoop(emitter Emitter, opts ...RealtimeOption) *RealtimeLoop {
	l := &RealtimeLoop{
		emitter:  emitter,
		interval: DefaultRealtimeInterval,
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 30),
		breached: make(map[string]bool),
		clock:    time.Now,
		logger:   log.WithField("component", "realtime"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs the loop in the background until Stop is called or ctx is
// cancelled.
func (l *RealtimeLoop) Start(ctx context.Context) error {
	if !l.start(l.clock()) {
		return ErrAlreadyRunning
	}
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.run(ctx)

	l.logger.WithFields(log.Fields{"interval": l.interval.String(), "checks": len(l.checks)}).Info("realtime loop started")
	return nil
}

func (l *RealtimeLoop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.running.Store(false)
			return
		case <-ticker.C:
			if !l.running.Load() {
				return
			}
			l.Tick(ctx)
		}
	}
}

// Stop clears the running flag and waits for the loop to exit.
func (l *RealtimeLoop) Stop() {
	if !l.stop() {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.logger.Info("realtime loop stopped")
}

// Status reports the loop state.
func (l *RealtimeLoop) Status() Status {
	return l.status("realtime")
}

// Tick evaluates every check once. Checks that fail to measure are logged and
// reported in the loop status; they never stop the loop.
func (l *RealtimeLoop) Tick(ctx context.Context) {
	start := time.Now()
	now := l.clock()

	var errs []error
	for _, c := range l.checks {
		value, ok, err := c.Measure(ctx, now)
		if err != nil {
			l.logger.WithError(err).WithField("check", c.Name).Warn("failed to evaluate threshold check")
			errs = append(errs, errors.WithMessage(err, c.Name))
			continue
		}
		if !ok {
			continue
		}
		l.evaluate(ctx, c, value)
	}

	err := errors.Combine(errs...)
	l.tick(now, err)
	l.metrics.RecordTick("realtime", time.Since(start), err)
}

func (l *RealtimeLoop) evaluate(ctx context.Context, c Check, value float64) {
	breached := value > c.Threshold

	l.mu.Lock()
	was := l.breached[c.Name]
	l.mu.Unlock()
	if breached == was {
		return
	}

	state, eventType := StateExceeded, integration.EventThresholdExceeded
	if !breached {
		state, eventType = StateRecovered, integration.EventThresholdRecovered
	}
	logger := l.logger.WithFields(log.Fields{"check": c.Name, "value": value, "threshold": c.Threshold, "state": state})

	// An alert that is rate limited keeps the old state so the edge is
	// reported on a later tick.
	if !l.limiter.Allow() {
		logger.Warn("alert rate limit reached, deferring alert")
		return
	}

	ev := integration.Event{
		Type:      eventType,
		ModuleID:  modules.SystemScopeID,
		ScopeType: string(modules.ScopeSystem),
		ScopeID:   modules.SystemScopeID,
		Timestamp: l.clock(),
		Data: map[string]interface{}{
			"check":     c.Name,
			"state":     state,
			"value":     value,
			"threshold": c.Threshold,
			"message":   fmt.Sprintf("%s is %.3f, threshold %.3f", c.Name, value, c.Threshold),
		},
	}
	if err := l.emitter.Emit(ctx, ev); err != nil {
		logger.WithError(err).Error("failed to emit alert")
		return
	}

	l.mu.Lock()
	l.breached[c.Name] = breached
	l.mu.Unlock()
	l.metrics.RecordAlert(c.Name, state)

	if breached {
		logger.Warn("threshold exceeded")
	} else {
		logger.Info("threshold recovered")
	}
}

// Breached reports whether the named check is currently over its threshold.
func (l *RealtimeLoop) Breached(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.breached[name]
}

// StatsSource exposes dispatcher counters. *integration.Dispatcher
// implements it.
type StatsSource interface {
	Stats() integration.Stats
}

// ErrorRateCheck measures the share of failed handler jobs since the
// previous tick. Ticks with fewer than minSamples finished jobs are skipped.
func ErrorRateCheck(src StatsSource, threshold float64, minSamples int) Check {
	var mu sync.Mutex
	var last integration.Stats
	return Check{
		Name:      "error_rate",
		Threshold: threshold,
		Measure: func(context.Context, time.Time) (float64, bool, error) {
			mu.Lock()
			defer mu.Unlock()
			cur := src.Stats()
			failed := cur.Failed - last.Failed
			total := failed + cur.Succeeded - last.Succeeded
			if total < int64(minSamples) || total == 0 {
				return 0, false, nil
			}
			last = cur
			return float64(failed) / float64(total), true, nil
		},
	}
}

// DriftCheck measures the share of cached integration results older than
// staleAfter. An empty cache is skipped.
func DriftCheck(c cache.Cache, staleAfter time.Duration, threshold float64) Check {
	return Check{
		Name:      "drift_score",
		Threshold: threshold,
		Measure: func(ctx context.Context, now time.Time) (float64, bool, error) {
			entries, err := c.Entries(ctx)
			if err != nil {
				return 0, false, err
			}
			if len(entries) == 0 {
				return 0, false, nil
			}
			stale := 0
			for _, e := range entries {
				if now.Sub(e.Timestamp) > staleAfter {
					stale++
				}
			}
			return float64(stale) / float64(len(entries)), true, nil
		},
	}
}

// MemoryCheck measures host memory usage in percent.
func MemoryCheck(threshold float64) Check {
	return Check{
		Name:      "memory_percent",
		Threshold: threshold,
		Measure: func(ctx context.Context, _ time.Time) (float64, bool, error) {
			p, err := system.MemoryUsedPercent(ctx)
			if err != nil {
				return 0, false, err
			}
			return p, true, nil
		},
	}
}
