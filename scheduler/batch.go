package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/priyxstudio/franchise/integration"
	"github.com/priyxstudio/franchise/internal/metrics"
	"github.com/priyxstudio/franchise/internal/models"
	"github.com/priyxstudio/franchise/modules"
)

const (
	// DefaultBatchInterval is how often rule schedules are compared with the
	// clock when none is configured.
	DefaultBatchInterval = time.Minute

	// DefaultBatchConcurrency bounds how many due rules run at once.
	DefaultBatchConcurrency = 4

	// RunsCollection holds one artifact record per completed batch run.
	RunsCollection = "integration_runs"

	// EventBatchDelivery is the type of the synthetic event attached to batch
	// deliveries.
	EventBatchDelivery = "integration.batch"
)

// RecordStore is the part of the central store the batch loop uses.
// *store.Central implements it.
type RecordStore interface {
	Window(ctx context.Context, collection string, from, to time.Time) ([]models.Record, error)
	Write(ctx context.Context, rec *models.Record) error
}

// BatchEngine is the part of the integration engine the batch loop uses.
type BatchEngine interface {
	Emitter
	BatchRules() []integration.Rule
	Deliver(ctx context.Context, d integration.Delivery) int
}

// BatchLoop runs enabled batch rules whose cron schedule is due.
type BatchLoop struct {
	engine     BatchEngine
	activation integration.ActivationChecker
	records    RecordStore
	syncs      SyncStore

	interval    time.Duration
	concurrency int64
	location    *time.Location
	anchor      time.Time

	scheduler gocron.Scheduler
	tracker

	clock   func() time.Time
	metrics *metrics.Collector
	logger  *log.Entry
}

// BatchOption configures a BatchLoop.
type BatchOption func(*BatchLoop)

// WithBatchInterval sets how often schedules are checked.
func WithBatchInterval(d time.Duration) BatchOption {
	return func(l *BatchLoop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithConcurrency bounds how many due rules run at the same time.
func WithConcurrency(n int) BatchOption {
	return func(l *BatchLoop) {
		if n > 0 {
			l.concurrency = int64(n)
		}
	}
}

// WithLocation sets the time zone cron schedules are evaluated in.
func WithLocation(loc *time.Location) BatchOption {
	return func(l *BatchLoop) {
		if loc != nil {
			l.location = loc
		}
	}
}

// WithAnchor sets the time schedules of rules that never ran are counted
// from. It defaults to the time the loop is created.
func WithAnchor(t time.Time) BatchOption {
	return func(l *BatchLoop) {
		l.anchor = t
	}
}

// WithBatchClock overrides the time source.
func WithBatchClock(fn func() time.Time) BatchOption {
	return func(l *BatchLoop) {
		l.clock = fn
	}
}

// WithBatchMetrics records ticks and runs on the collector.
func WithBatchMetrics(c *metrics.Collector) BatchOption {
	return func(l *BatchLoop) {
		l.metrics = c
	}
}

// NewBatchLoop returns a stopped batch loop.
func NewBatchLoop(engine BatchEngine, activation integration.ActivationChecker, records RecordStore, syncs SyncStore, opts ...BatchOption) *BatchLoop {
	l := &BatchLoop{
		engine:      engine,
		activation:  activation,
		records:     records,
		syncs:       syncs,
		interval:    DefaultBatchInterval,
		concurrency: DefaultBatchConcurrency,
		location:    time.UTC,
		clock:       time.Now,
		logger:      log.WithField("component", "batch"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.anchor.IsZero() {
		l.anchor = l.clock()
	}
	return l
}

// Start schedules the check job and returns. The job never overlaps itself;
// a tick that is still running when the next one is due delays it.
func (l *BatchLoop) Start(ctx context.Context) error {
	if !l.start(l.clock()) {
		return ErrAlreadyRunning
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(l.location))
	if err != nil {
		l.running.Store(false)
		return errors.Wrap(err, "scheduler: failed to create batch scheduler")
	}
	_, err = s.NewJob(
		gocron.DurationJob(l.interval),
		gocron.NewTask(func() {
			if !l.running.Load() {
				return
			}
			l.Tick(ctx)
		}),
		gocron.WithName("batch-rules"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		l.running.Store(false)
		_ = s.Shutdown()
		return errors.Wrap(err, "scheduler: failed to schedule batch job")
	}
	l.scheduler = s
	s.Start()

	l.logger.WithFields(log.Fields{"interval": l.interval.String(), "location": l.location.String()}).Info("batch loop started")
	return nil
}

// Stop clears the running flag and waits for a running tick to finish.
func (l *BatchLoop) Stop() error {
	if !l.stop() {
		return nil
	}
	if l.scheduler == nil {
		return nil
	}
	err := l.scheduler.Shutdown()
	l.logger.Info("batch loop stopped")
	return errors.Wrap(err, "scheduler: failed to stop batch scheduler")
}

// Status reports the loop state.
func (l *BatchLoop) Status() Status {
	return l.status("batch")
}

// Due reports whether rule should run at now. A rule is due once its next
// scheduled time after its last run, or after the loop anchor for rules that
// never ran, has passed.
func (l *BatchLoop) Due(ctx context.Context, rule integration.Rule, now time.Time) (bool, error) {
	base := l.anchor
	row, ok, err := l.syncs.Get(ctx, rule.ID)
	if err != nil {
		return false, err
	}
	if ok {
		base = row.LastSyncTime
		if row.LastAttemptTime.After(base) {
			base = row.LastAttemptTime
		}
	}
	next := rule.Next(base.In(l.location))
	return !next.IsZero() && !now.Before(next), nil
}

// Tick runs every due batch rule once, at most concurrency at a time, and
// waits for them to finish.
func (l *BatchLoop) Tick(ctx context.Context) {
	start := time.Now()
	now := l.clock()

	var mu sync.Mutex
	var errs []error
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	sem := semaphore.NewWeighted(l.concurrency)
	var wg sync.WaitGroup
	for _, rule := range l.engine.BatchRules() {
		due, err := l.Due(ctx, rule, now)
		if err != nil {
			l.logger.WithError(err).WithField("rule_id", rule.ID).Error("failed to check batch rule schedule")
			fail(err)
			continue
		}
		if !due {
			continue
		}

		wg.Add(1)
		go func(r integration.Rule) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			if err := l.Run(ctx, r, now); err != nil {
				fail(errors.WithMessage(err, r.ID))
			}
		}(rule)
	}
	wg.Wait()

	err := errors.Combine(errs...)
	l.tick(now, err)
	l.metrics.RecordTick("batch", time.Since(start), err)
}

// Run executes one batch rule for the window ending at tick and records the
// outcome in the sync store. A failed run is retried at the rule's next
// scheduled time.
func (l *BatchLoop) Run(ctx context.Context, rule integration.Rule, tick time.Time) error {
	logger := l.logger.WithFields(log.Fields{"rule_id": rule.ID, "source": rule.SourceModule, "target": rule.TargetModule})

	summary, err := l.run(ctx, rule, tick)
	l.metrics.RecordBatchRun(rule.ID, summary.Records, err)
	if err != nil {
		logger.WithError(err).Error("batch integration failed")
		if serr := l.syncs.Failed(ctx, rule.ID, tick, err); serr != nil {
			logger.WithError(serr).Error("failed to record batch failure")
		}
		return err
	}
	if err := l.syncs.Succeeded(ctx, rule.ID, tick); err != nil {
		logger.WithError(err).Error("failed to record batch sync time")
		return err
	}
	logger.WithFields(log.Fields{"records": summary.Records, "deliveries": summary.Deliveries}).Info("batch integration completed")
	return nil
}

func (l *BatchLoop) run(ctx context.Context, rule integration.Rule, tick time.Time) (integration.BatchCompleted, error) {
	summary := integration.BatchCompleted{
		RuleID:       rule.ID,
		SourceModule: rule.SourceModule,
		TargetModule: rule.TargetModule,
		WindowStart:  tick.Add(-rule.WindowDuration()).UTC(),
		WindowEnd:    tick.UTC(),
	}
	row, ok, err := l.syncs.Get(ctx, rule.ID)
	if err != nil {
		return summary, err
	}
	if ok && !row.LastSyncTime.IsZero() {
		summary.WindowStart = row.LastSyncTime.UTC()
	}

	recs, err := l.records.Window(ctx, rule.Collection, summary.WindowStart, summary.WindowEnd)
	if err != nil {
		return summary, err
	}

	groups := make(map[modules.Scope][]map[string]interface{})
	for _, rec := range recs {
		if !matchesEventTypes(rule, rec.EventType) {
			continue
		}
		mapped, ok, err := rule.Apply(rec.Data)
		if err != nil {
			l.logger.WithError(err).WithFields(log.Fields{"rule_id": rule.ID, "record_id": rec.ID}).Warn("failed to map record")
			continue
		}
		if !ok {
			continue
		}
		scope := recordScope(rec)
		groups[scope] = append(groups[scope], mapped)
		summary.Records++
	}

	scopes := make([]modules.Scope, 0, len(groups))
	for s := range groups {
		scopes = append(scopes, s)
	}
	sort.Slice(scopes, func(i, j int) bool {
		return scopes[i].String() < scopes[j].String()
	})

	for _, scope := range scopes {
		active, err := integration.Attached(ctx, l.activation, rule, scope)
		if err != nil {
			return summary, err
		}
		if !active {
			continue
		}
		items := groups[scope]
		l.engine.Deliver(ctx, integration.Delivery{
			Rule:    rule,
			Scope:   scope,
			Payload: aggregate(items, summary.WindowStart, summary.WindowEnd),
			Records: len(items),
			Event: integration.Event{
				ID:        uuid.NewString(),
				Type:      EventBatchDelivery,
				ModuleID:  rule.SourceModule,
				Timestamp: tick,
				ScopeType: string(scope.Type),
				ScopeID:   scope.ID,
			},
		})
		summary.Deliveries++
	}

	artifact := &models.Record{
		Collection: RunsCollection,
		Key:        rule.ID + ":" + summary.WindowEnd.Format(time.RFC3339),
		EventType:  integration.EventBatchCompleted,
		ScopeType:  string(modules.ScopeSystem),
		ScopeID:    modules.SystemScopeID,
		RecordedAt: tick.UTC(),
		Data: map[string]interface{}{
			"rule_id":       rule.ID,
			"source_module": rule.SourceModule,
			"target_module": rule.TargetModule,
			"records":       summary.Records,
			"deliveries":    summary.Deliveries,
			"window_start":  summary.WindowStart.Format(time.RFC3339Nano),
			"window_end":    summary.WindowEnd.Format(time.RFC3339Nano),
		},
	}
	if err := l.records.Write(ctx, artifact); err != nil {
		return summary, err
	}

	err = l.engine.Emit(ctx, integration.Event{
		Type:      integration.EventBatchCompleted,
		ModuleID:  rule.TargetModule,
		Timestamp: tick,
		ScopeType: string(modules.ScopeSystem),
		ScopeID:   modules.SystemScopeID,
		Data: map[string]interface{}{
			"rule_id":       summary.RuleID,
			"source_module": summary.SourceModule,
			"target_module": summary.TargetModule,
			"records":       summary.Records,
			"deliveries":    summary.Deliveries,
			"window_start":  summary.WindowStart,
			"window_end":    summary.WindowEnd,
		},
	})
	if err != nil {
		l.logger.WithError(err).WithField("rule_id", rule.ID).Warn("failed to emit batch completion")
	}
	return summary, nil
}

func matchesEventTypes(rule integration.Rule, eventType string) bool {
	if len(rule.EventTypes) == 0 {
		return true
	}
	for _, t := range rule.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

func recordScope(rec models.Record) modules.Scope {
	return integration.Event{ScopeType: rec.ScopeType, ScopeID: rec.ScopeID}.Scope()
}

// aggregate builds the payload delivered for one scope: the mapped items,
// their count and the sum of every top level numeric field.
func aggregate(items []map[string]interface{}, from, to time.Time) map[string]interface{} {
	totals := make(map[string]interface{})
	for _, item := range items {
		for k, v := range item {
			f, ok := v.(float64)
			if !ok {
				continue
			}
			sum, _ := totals[k].(float64)
			totals[k] = sum + f
		}
	}
	list := make([]interface{}, len(items))
	for i, item := range items {
		list[i] = item
	}
	return map[string]interface{}{
		"count":        len(items),
		"items":        list,
		"totals":       totals,
		"window_start": from.Format(time.RFC3339Nano),
		"window_end":   to.Format(time.RFC3339Nano),
	}
}
