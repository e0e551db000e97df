package store

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/priyxstudio/franchise/integration"
	"github.com/priyxstudio/franchise/internal/database"
	"github.com/priyxstudio/franchise/internal/models"
	"github.com/priyxstudio/franchise/modules"
)

func TestMain(m *testing.M) {
	log.SetHandler(discard.Default)
	os.Exit(m.Run())
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenInMemory(uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func fastRetries() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestCentral_Window(t *testing.T) {
	ctx := context.Background()
	c := NewCentral(openDB(t))
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := c.Write(ctx, &models.Record{
			Collection: "sales",
			Key:        uuid.NewString(),
			ScopeType:  "branch",
			ScopeID:    "1",
			Data:       map[string]interface{}{"amount": float64(i)},
			RecordedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	if err := c.Write(ctx, &models.Record{Collection: "payroll", RecordedAt: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	// (1h, 3h] holds the records at 2h and 3h.
	recs, err := c.Window(ctx, "sales", base.Add(time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Data["amount"] != 2.0 || recs[1].Data["amount"] != 3.0 {
		t.Fatalf("unexpected window contents %v %v", recs[0].Data, recs[1].Data)
	}
	if _, ok := recs[0].Data["amount"].(float64); !ok {
		t.Fatalf("expected numbers to read back as float64, got %T", recs[0].Data["amount"])
	}

	all, err := c.Window(ctx, "sales", time.Time{}, base.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected a zero lower bound to read everything, got %d", len(all))
	}

	n, err := c.Prune(ctx, "sales", base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned records, got %d", n)
	}
	if count, _ := c.Count(ctx, "sales"); count != 3 {
		t.Fatalf("expected 3 records left, got %d", count)
	}
	if count, _ := c.Count(ctx, "payroll"); count != 1 {
		t.Fatalf("expected other collections to be untouched, got %d", count)
	}
}

func TestCentral_WriteRequiresCollection(t *testing.T) {
	c := NewCentral(openDB(t))
	if err := c.Write(context.Background(), &models.Record{}); err == nil {
		t.Fatalf("expected an error for a record without a collection")
	}
}

func TestCentral_RetriesTransientErrors(t *testing.T) {
	db := openDB(t)
	var failures atomic.Int32
	failures.Store(2)
	err := db.Callback().Create().Before("gorm:create").Register("test:busy", func(tx *gorm.DB) {
		if failures.Add(-1) >= 0 {
			_ = tx.AddError(errors.New("database is locked (5) (SQLITE_BUSY)"))
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	c := NewCentral(db, WithBackOff(fastRetries))
	if err := c.Write(context.Background(), &models.Record{Collection: "sales"}); err != nil {
		t.Fatalf("expected write to succeed after retries, got %v", err)
	}
	if n, _ := c.Count(context.Background(), "sales"); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}

	failures.Store(10)
	c = NewCentral(db, WithBackOff(fastRetries), WithWriteRetries(2))
	if err := c.Write(context.Background(), &models.Record{Collection: "sales"}); err == nil {
		t.Fatalf("expected write to fail once retries are exhausted")
	}
}

func TestCentral_PermanentErrorsAreNotRetried(t *testing.T) {
	db := openDB(t)
	var calls atomic.Int32
	err := db.Callback().Create().Before("gorm:create").Register("test:broken", func(tx *gorm.DB) {
		calls.Add(1)
		_ = tx.AddError(errors.New("no such table: store_records"))
	})
	if err != nil {
		t.Fatal(err)
	}

	c := NewCentral(db, WithBackOff(fastRetries))
	if err := c.Write(context.Background(), &models.Record{Collection: "sales"}); err == nil {
		t.Fatalf("expected an error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestCentral_Notifications(t *testing.T) {
	ctx := context.Background()
	c := NewCentral(openDB(t))

	for _, n := range []*models.Notification{
		{Level: LevelWarning, Title: "error_rate threshold exceeded", ModuleID: "system"},
		{Title: "Batch integration nightly completed", ModuleID: "analytics"},
		{Level: LevelError, Title: "Module payroll entered the error state", ModuleID: "payroll"},
	} {
		if err := c.Notify(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Notify(ctx, &models.Notification{}); err == nil {
		t.Fatalf("expected an error for a notification without a title")
	}

	all, err := c.Notifications(ctx, NotificationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(all))
	}
	if all[0].ModuleID != "payroll" {
		t.Fatalf("expected newest first, got %s", all[0].ModuleID)
	}

	info, _ := c.Notifications(ctx, NotificationFilter{Level: LevelInfo})
	if len(info) != 1 || info[0].ModuleID != "analytics" {
		t.Fatalf("expected the defaulted info notification, got %v", info)
	}

	if err := c.MarkRead(ctx, all[0].ID); err != nil {
		t.Fatal(err)
	}
	unread, _ := c.Notifications(ctx, NotificationFilter{UnreadOnly: true})
	if len(unread) != 2 {
		t.Fatalf("expected 2 unread notifications, got %d", len(unread))
	}
	if err := c.MarkRead(ctx, 999); err == nil {
		t.Fatalf("expected an error for a missing notification")
	}
}

type allActive struct{}

func (allActive) IsActivated(context.Context, string, modules.Scope) (bool, error) {
	return true, nil
}

func TestAttach_RecordsDeliversAndNotifies(t *testing.T) {
	ctx := context.Background()
	c := NewCentral(openDB(t))

	d := integration.NewDispatcher(2, nil)
	defer d.Stop()
	e := integration.NewEngine(allActive{}, d)
	if err := e.RegisterRule(integration.Rule{
		ID:              "attendance_to_payroll",
		SourceModule:    "attendance",
		TargetModule:    "payroll",
		IntegrationType: integration.Realtime,
		DataMapping:     map[string]string{"work_hours": "work_hours"},
		Enabled:         true,
	}); err != nil {
		t.Fatal(err)
	}
	Attach(e, c)

	err := e.Emit(ctx, integration.Event{
		Type:     "attendance.recorded",
		ModuleID: "attendance",
		ScopeID:  "1",
		Data:     map[string]interface{}{"employee_id": 1, "work_hours": 6},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = e.Emit(ctx, integration.Event{
		Type:     integration.EventThresholdExceeded,
		ModuleID: "system",
		Data:     map[string]interface{}{"check": "error_rate", "state": "exceeded", "value": 0.5, "threshold": 0.2},
	})
	if err != nil {
		t.Fatal(err)
	}
	d.Drain()

	raw, err := c.Window(ctx, "attendance", time.Time{}, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 1 || raw[0].EventType != "attendance.recorded" || raw[0].ScopeID != "1" {
		t.Fatalf("expected the raw attendance event to be recorded, got %+v", raw)
	}
	if n, _ := c.Count(ctx, "system"); n != 0 {
		t.Fatalf("expected engine events not to be recorded, got %d", n)
	}

	mapped, err := c.Window(ctx, "payroll", time.Time{}, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(mapped) != 1 || len(mapped[0].Data) != 1 || mapped[0].Data["work_hours"] != 6.0 {
		t.Fatalf("expected the mapped payload in the payroll collection, got %+v", mapped)
	}

	notes, err := c.Notifications(ctx, NotificationFilter{Level: LevelWarning})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Title != "error_rate threshold exceeded" {
		t.Fatalf("expected one alert notification, got %+v", notes)
	}
}
