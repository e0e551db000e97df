package store

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/priyxstudio/franchise/internal/models"
)

// DefaultWriteRetries is the number of times a transient write error is
// retried when none is configured.
const DefaultWriteRetries = 3

// Central is the gorm backed central store. Modules write their records here
// and batch rules read windows of them back.
type Central struct {
	db      *gorm.DB
	retries uint64
	backoff func() backoff.BackOff
	clock   func() time.Time
	logger  *log.Entry
}

// Option configures a Central store.
type Option func(*Central)

// WithWriteRetries sets how many times a transient write error is retried.
func WithWriteRetries(n uint64) Option {
	return func(c *Central) {
		c.retries = n
	}
}

// WithBackOff overrides the retry policy between write attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Central) {
		c.backoff = fn
	}
}

// WithClock overrides the time source used to stamp records.
func WithClock(fn func() time.Time) Option {
	return func(c *Central) {
		c.clock = fn
	}
}

// NewCentral returns a central store backed by db.
func NewCentral(db *gorm.DB, opts ...Option) *Central {
	c := &Central{
		db:      db,
		retries: DefaultWriteRetries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
		clock:  time.Now,
		logger: log.WithField("component", "store"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write persists a record. Records without a time are stamped with the
// current time. Transient errors such as a locked database are retried.
func (c *Central) Write(ctx context.Context, rec *models.Record) error {
	if rec.Collection == "" {
		return errors.New("store: record collection is required")
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = c.clock().UTC()
	}
	err := c.retry(ctx, "write", func() error {
		return c.db.WithContext(ctx).Create(rec).Error
	})
	return errors.WithMessagef(err, "store: failed to write record to %s", rec.Collection)
}

// Window returns the records of a collection recorded in (from, to], oldest
// first. A zero from reads from the beginning of the collection.
func (c *Central) Window(ctx context.Context, collection string, from, to time.Time) ([]models.Record, error) {
	q := c.db.WithContext(ctx).Where("collection = ? AND recorded_at <= ?", collection, to.UTC())
	if !from.IsZero() {
		q = q.Where("recorded_at > ?", from.UTC())
	}
	var out []models.Record
	if err := q.Order("recorded_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, errors.Wrapf(err, "store: failed to read window of %s", collection)
	}
	for i := range out {
		if err := plain(&out[i].Data); err != nil {
			return nil, errors.Wrapf(err, "store: failed to decode record %d", out[i].ID)
		}
	}
	return out, nil
}

// plain replaces the json.Number values datatypes.JSONMap scans into with
// float64, the way every other payload in the engine is decoded.
func plain(m *datatypes.JSONMap) error {
	if len(*m) == 0 {
		return nil
	}
	b, err := json.Marshal(*m)
	if err != nil {
		return err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// Count returns the number of records in a collection.
func (c *Central) Count(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&models.Record{}).Where("collection = ?", collection).Count(&n).Error
	return n, errors.Wrapf(err, "store: failed to count %s", collection)
}

// Prune deletes the records of a collection recorded before t.
func (c *Central) Prune(ctx context.Context, collection string, before time.Time) (int64, error) {
	res := c.db.WithContext(ctx).Where("collection = ? AND recorded_at < ?", collection, before.UTC()).Delete(&models.Record{})
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "store: failed to prune %s", collection)
	}
	return res.RowsAffected, nil
}

// NotificationFilter narrows Notifications. Zero values match everything.
type NotificationFilter struct {
	Level      string
	ModuleID   string
	UnreadOnly bool
	Limit      int
}

// Notify persists a notification.
func (c *Central) Notify(ctx context.Context, n *models.Notification) error {
	if n.Title == "" {
		return errors.New("store: notification title is required")
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}
	err := c.retry(ctx, "notify", func() error {
		return c.db.WithContext(ctx).Create(n).Error
	})
	return errors.WithMessage(err, "store: failed to write notification")
}

// Notifications returns matching notifications, newest first.
func (c *Central) Notifications(ctx context.Context, f NotificationFilter) ([]models.Notification, error) {
	q := c.db.WithContext(ctx).Model(&models.Notification{})
	if f.Level != "" {
		q = q.Where("level = ?", f.Level)
	}
	if f.ModuleID != "" {
		q = q.Where("module_id = ?", f.ModuleID)
	}
	if f.UnreadOnly {
		q = q.Where("read = ?", false)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Notification
	if err := q.Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "store: failed to list notifications")
	}
	for i := range out {
		if err := plain(&out[i].Data); err != nil {
			return nil, errors.Wrapf(err, "store: failed to decode notification %d", out[i].ID)
		}
	}
	return out, nil
}

// MarkRead flags a notification as read.
func (c *Central) MarkRead(ctx context.Context, id uint) error {
	res := c.db.WithContext(ctx).Model(&models.Notification{}).Where("id = ?", id).Update("read", true)
	if res.Error != nil {
		return errors.Wrap(res.Error, "store: failed to mark notification read")
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("store: notification %d does not exist", id)
	}
	return nil
}

func (c *Central) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(c.backoff(), c.retries), ctx)
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		c.logger.WithError(err).WithFields(log.Fields{"op": op, "attempt": attempt}).Warn("transient store error, retrying")
		return err
	}, b)
}

// isTransient reports whether SQLite rejected the statement because another
// connection held the database.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}
