package store

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"gorm.io/datatypes"

	"github.com/priyxstudio/franchise/integration"
	"github.com/priyxstudio/franchise/internal/models"
	"github.com/priyxstudio/franchise/modules"
)

const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Attach subscribes the central store to the engine: raw module events are
// recorded, deliveries are written to their target collection and alerts,
// batch completions and module errors become notifications.
func Attach(e *integration.Engine, c *Central) {
	e.On(integration.AllModules, "store.events", c.RecordEvent)
	e.Handle(integration.AllModules, "store.deliveries", c.WriteDelivery)
	for _, t := range []string{
		integration.EventThresholdExceeded,
		integration.EventThresholdRecovered,
		integration.EventBatchCompleted,
		modules.EventError,
	} {
		e.On(t, "store.notifications", c.NotifyEvent)
	}
}

// RecordEvent writes a module event to the collection named after its
// module. Events emitted by the engine itself are not recorded.
func (c *Central) RecordEvent(ctx context.Context, ev integration.Event) error {
	if integration.IsEngineEvent(ev.Type) {
		return nil
	}
	return c.Write(ctx, &models.Record{
		Collection: ev.ModuleID,
		Key:        ev.ID,
		EventType:  ev.Type,
		ScopeType:  ev.ScopeType,
		ScopeID:    ev.ScopeID,
		Data:       datatypes.JSONMap(ev.Data),
		RecordedAt: ev.Timestamp.UTC(),
	})
}

// WriteDelivery writes a mapped payload to the collection named after the
// rule's target module.
func (c *Central) WriteDelivery(ctx context.Context, d integration.Delivery) error {
	ts := d.Event.Timestamp
	if ts.IsZero() {
		ts = c.clock()
	}
	return c.Write(ctx, &models.Record{
		Collection: d.Rule.TargetModule,
		Key:        d.Rule.ID + ":" + d.Event.ID,
		EventType:  d.Event.Type,
		ScopeType:  string(d.Scope.Type),
		ScopeID:    d.Scope.ID,
		Data:       datatypes.JSONMap(d.Payload),
		RecordedAt: ts.UTC(),
	})
}

// NotifyEvent turns alerts, batch completions and module errors into
// notifications.
func (c *Central) NotifyEvent(ctx context.Context, ev integration.Event) error {
	n := &models.Notification{
		ModuleID:  ev.ModuleID,
		ScopeType: ev.ScopeType,
		ScopeID:   ev.ScopeID,
		UserID:    ev.UserID,
		Data:      datatypes.JSONMap(ev.Data),
		CreatedAt: ev.Timestamp.UTC(),
	}
	switch p := ev.Payload.(type) {
	case *integration.Alert:
		if ev.Type == integration.EventThresholdRecovered {
			n.Level = LevelInfo
			n.Title = fmt.Sprintf("%s recovered", p.Name)
		} else {
			n.Level = LevelWarning
			n.Title = fmt.Sprintf("%s threshold exceeded", p.Name)
		}
		n.Message = p.Message
		if n.Message == "" {
			n.Message = fmt.Sprintf("value %.3f, threshold %.3f", p.Value, p.Threshold)
		}
	case *integration.BatchCompleted:
		n.Level = LevelInfo
		n.Title = fmt.Sprintf("Batch integration %s completed", p.RuleID)
		n.Message = fmt.Sprintf("%d records from %s delivered to %s in %d scopes", p.Records, p.SourceModule, p.TargetModule, p.Deliveries)
		n.ModuleID = p.TargetModule
	case *integration.ModuleChanged:
		if ev.Type != modules.EventError {
			return nil
		}
		n.Level = LevelError
		n.Title = fmt.Sprintf("Module %s entered the error state", p.ModuleID)
		n.Message = p.Reason
	default:
		log.WithField("event_type", ev.Type).Debug("no notification for event")
		return nil
	}
	return c.Notify(ctx, n)
}
