package scheduler

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/google/uuid"

	"github.com/priyxstudio/franchise/integration"
	"github.com/priyxstudio/franchise/internal/database"
	"github.com/priyxstudio/franchise/internal/models"
	"github.com/priyxstudio/franchise/modules"
	"github.com/priyxstudio/franchise/store"
)

func TestMain(m *testing.M) {
	log.SetHandler(discard.Default)
	os.Exit(m.Run())
}

type activeIn map[modules.Scope]bool

func (a activeIn) IsActivated(_ context.Context, _ string, scope modules.Scope) (bool, error) {
	return a[scope], nil
}

// without reports one module as not activated anywhere.
type without struct {
	integration.ActivationChecker
	module string
}

func (w without) IsActivated(ctx context.Context, module string, scope modules.Scope) (bool, error) {
	if module == w.module {
		return false, nil
	}
	return w.ActivationChecker.IsActivated(ctx, module, scope)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type batchFixture struct {
	engine  *integration.Engine
	central *store.Central
	syncs   *GormSyncStore
	loop    *BatchLoop
	clock   *clock

	mu         sync.Mutex
	deliveries []integration.Delivery
	completed  []integration.Event
}

var anchor = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func newBatchFixture(t *testing.T, records RecordStore) *batchFixture {
	t.Helper()
	db, err := database.OpenInMemory(uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}

	f := &batchFixture{clock: &clock{now: anchor}}
	act := activeIn{modules.Branch("1"): true}

	d := integration.NewDispatcher(2, nil)
	t.Cleanup(d.Stop)
	f.engine = integration.NewEngine(act, d)
	f.central = store.NewCentral(db)
	f.syncs = NewSyncStore(db)

	err = f.engine.RegisterRule(integration.Rule{
		ID:              "nightly_labor_cost",
		SourceModule:    "payroll",
		TargetModule:    "analytics",
		IntegrationType: integration.Batch,
		Schedule:        "0 2 * * *",
		DataMapping:     map[string]string{"work_hours": "hours", "employee_id": "employee_id"},
		Conditions:      map[string]interface{}{"hours": "> 0"},
		Enabled:         true,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.engine.Handle("analytics", "recorder", func(_ context.Context, d integration.Delivery) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.deliveries = append(f.deliveries, d)
		return nil
	})
	f.engine.On(integration.EventBatchCompleted, "recorder", func(_ context.Context, ev integration.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.completed = append(f.completed, ev)
		return nil
	})

	if records == nil {
		records = f.central
	}
	f.loop = NewBatchLoop(f.engine, act, records, f.syncs, WithAnchor(anchor), WithBatchClock(f.clock.Now))
	return f
}

func (f *batchFixture) tickAt(t *testing.T, at time.Time) {
	t.Helper()
	f.clock.Set(at)
	f.loop.Tick(context.Background())
	f.engine.Dispatcher().Drain()
}

func (f *batchFixture) write(t *testing.T, scopeID string, hours float64, at time.Time) {
	t.Helper()
	err := f.central.Write(context.Background(), &models.Record{
		Collection: "payroll",
		Key:        uuid.NewString(),
		EventType:  "payroll.calculated",
		ScopeType:  "branch",
		ScopeID:    scopeID,
		Data:       map[string]interface{}{"employee_id": 7, "work_hours": hours},
		RecordedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBatchLoop_RunsOncePerScheduledTime(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t, nil)

	f.tickAt(t, anchor.Add(time.Hour))
	if _, ok, _ := f.syncs.Get(ctx, "nightly_labor_cost"); ok {
		t.Fatalf("expected the rule not to run before 02:00")
	}

	due := anchor.Add(2 * time.Hour)
	f.tickAt(t, due)
	row, ok, err := f.syncs.Get(ctx, "nightly_labor_cost")
	if err != nil || !ok {
		t.Fatalf("expected sync state after the first run, got %v %v", ok, err)
	}
	if !row.LastSyncTime.Equal(due) {
		t.Fatalf("expected last sync %s, got %s", due, row.LastSyncTime)
	}

	f.tickAt(t, due.Add(time.Minute))
	row, _, _ = f.syncs.Get(ctx, "nightly_labor_cost")
	if row.Runs != 1 {
		t.Fatalf("expected no rerun on the next tick, got %d runs", row.Runs)
	}

	f.tickAt(t, due.Add(24*time.Hour))
	row, _, _ = f.syncs.Get(ctx, "nightly_labor_cost")
	if row.Runs != 2 || !row.LastSyncTime.Equal(due.Add(24*time.Hour)) {
		t.Fatalf("expected a second run the next night, got %+v", row)
	}

	st := f.loop.Status()
	if st.Ticks != 4 || st.LastError != "" || st.Name != "batch" {
		t.Fatalf("unexpected loop status %+v", st)
	}
}

func TestBatchLoop_DeliversAggregatePerActivatedScope(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t, nil)
	due := anchor.Add(2 * time.Hour)

	f.write(t, "1", 8, anchor.Add(-time.Hour))
	f.write(t, "1", 4.5, anchor.Add(time.Hour))
	f.write(t, "1", 0, anchor.Add(time.Hour))
	f.write(t, "2", 6, anchor.Add(time.Hour))
	// Outside the first window.
	f.write(t, "1", 100, due.Add(-25*time.Hour))

	f.tickAt(t, due)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deliveries) != 1 {
		t.Fatalf("expected one aggregate for the activated branch, got %d", len(f.deliveries))
	}
	d := f.deliveries[0]
	if d.Scope != modules.Branch("1") || d.Records != 2 {
		t.Fatalf("unexpected delivery scope %s with %d records", d.Scope, d.Records)
	}
	totals, _ := d.Payload["totals"].(map[string]interface{})
	if totals["hours"] != 12.5 {
		t.Fatalf("expected summed hours 12.5, got %v", d.Payload["totals"])
	}
	if d.Event.Type != EventBatchDelivery {
		t.Fatalf("unexpected delivery event type %s", d.Event.Type)
	}

	if len(f.completed) != 1 {
		t.Fatalf("expected one batch completed event, got %d", len(f.completed))
	}
	p, ok := f.completed[0].Payload.(*integration.BatchCompleted)
	if !ok || p.Records != 3 || p.Deliveries != 1 {
		t.Fatalf("unexpected batch completion %+v", f.completed[0].Payload)
	}

	runs, err := f.central.Window(ctx, RunsCollection, time.Time{}, due)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Data["rule_id"] != "nightly_labor_cost" {
		t.Fatalf("expected one run artifact, got %+v", runs)
	}
}

func TestBatchLoop_SecondRunReadsSinceLastSync(t *testing.T) {
	f := newBatchFixture(t, nil)
	due := anchor.Add(2 * time.Hour)

	f.write(t, "1", 3, anchor.Add(time.Hour))
	f.tickAt(t, due)
	f.write(t, "1", 5, due.Add(time.Hour))
	f.tickAt(t, due.Add(24*time.Hour))

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deliveries) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(f.deliveries))
	}
	totals, _ := f.deliveries[1].Payload["totals"].(map[string]interface{})
	if f.deliveries[1].Records != 1 || totals["hours"] != 5.0 {
		t.Fatalf("expected only the new record in the second window, got %v", f.deliveries[1].Payload)
	}
}

func TestBatchLoop_SkipsScopesWithoutActivatedSource(t *testing.T) {
	f := newBatchFixture(t, nil)
	act := without{ActivationChecker: activeIn{modules.Branch("1"): true}, module: "payroll"}
	f.loop = NewBatchLoop(f.engine, act, f.central, f.syncs, WithAnchor(anchor), WithBatchClock(f.clock.Now))

	f.write(t, "1", 8, anchor.Add(time.Hour))
	f.tickAt(t, anchor.Add(2*time.Hour))

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deliveries) != 0 {
		t.Fatalf("expected no aggregate while payroll is not activated, got %d", len(f.deliveries))
	}
	if len(f.completed) != 1 {
		t.Fatalf("expected the run to complete, got %d completions", len(f.completed))
	}
	if p, ok := f.completed[0].Payload.(*integration.BatchCompleted); !ok || p.Deliveries != 0 {
		t.Fatalf("unexpected batch completion %+v", f.completed[0].Payload)
	}
}

type brokenRecords struct {
	err error
}

func (b brokenRecords) Window(context.Context, string, time.Time, time.Time) ([]models.Record, error) {
	return nil, b.err
}

func (b brokenRecords) Write(context.Context, *models.Record) error {
	return b.err
}

func TestBatchLoop_FailureIsRecordedAndRetriedNextSchedule(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t, brokenRecords{err: errors.New("central store unavailable")})
	due := anchor.Add(2 * time.Hour)

	f.tickAt(t, due)
	row, ok, _ := f.syncs.Get(ctx, "nightly_labor_cost")
	if !ok {
		t.Fatalf("expected the failed attempt to be recorded")
	}
	if !row.LastSyncTime.IsZero() || !row.LastAttemptTime.Equal(due) || row.Failures != 1 {
		t.Fatalf("unexpected sync state after failure %+v", row)
	}
	if row.LastError == "" || f.loop.Status().LastError == "" {
		t.Fatalf("expected the error to be recorded")
	}

	f.tickAt(t, due.Add(time.Hour))
	if row, _, _ = f.syncs.Get(ctx, "nightly_labor_cost"); row.Runs != 1 {
		t.Fatalf("expected no retry before the next scheduled time, got %d runs", row.Runs)
	}
	if ok, _ := f.loop.Due(ctx, f.engine.BatchRules()[0], due.Add(24*time.Hour)); !ok {
		t.Fatalf("expected the rule to be due at its next scheduled time")
	}
}

func TestBatchLoop_StartStop(t *testing.T) {
	f := newBatchFixture(t, nil)
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.loop.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !f.loop.Status().Running {
		t.Fatalf("expected the loop to report running")
	}
	if err := f.loop.Stop(); err != nil {
		t.Fatal(err)
	}
	if f.loop.Status().Running {
		t.Fatalf("expected the loop to report stopped")
	}
}
