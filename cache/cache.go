// Package cache keeps the last mapped payload delivered between each pair of
// modules. The realtime loop reads entry timestamps to detect stale
// integrations.
package cache

import (
	"context"
	"time"

	"emperror.dev/errors"

	"github.com/priyxstudio/franchise/config"
	"github.com/priyxstudio/franchise/internal/metrics"
)

// Entry is the last payload mapped from Source to Target.
type Entry struct {
	Source    string                 `json:"source_module"`
	Target    string                 `json:"target_module"`
	RuleID    string                 `json:"rule_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Cache stores one Entry per (source, target) pair.
type Cache interface {
	Put(ctx context.Context, e Entry) error
	// Get returns ErrNotFound when no entry exists for the pair.
	Get(ctx context.Context, source, target string) (Entry, error)
	Entries(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, source, target string) error
	// Cleanup removes entries whose timestamp is older than maxAge and
	// returns the number removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}

// ErrNotFound is returned by Get for pairs without an entry.
var ErrNotFound = errors.New("cache: entry not found")

// New returns the cache selected by the configuration driver.
func New(ctx context.Context, cfg config.CacheConfiguration, mc *metrics.Collector) (Cache, error) {
	var c Cache
	switch cfg.Driver {
	case "", "memory":
		c = NewMemory(cfg.TTLDuration(), cfg.CleanupIntervalDuration())
	case "redis":
		r, err := NewRedis(ctx, RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.TTLDuration(),
		})
		if err != nil {
			return nil, err
		}
		c = r
	default:
		return nil, errors.Errorf("cache: unknown driver %q", cfg.Driver)
	}
	return Instrument(c, mc), nil
}

func key(source, target string) string {
	return source + "->" + target
}

// Instrument records every cache operation on the collector. A nil collector
// returns c unchanged.
func Instrument(c Cache, mc *metrics.Collector) Cache {
	if mc == nil {
		return c
	}
	return &instrumented{Cache: c, metrics: mc}
}

type instrumented struct {
	Cache
	metrics *metrics.Collector
}

func (i *instrumented) Put(ctx context.Context, e Entry) error {
	err := i.Cache.Put(ctx, e)
	i.metrics.RecordCache("put", err)
	return err
}

func (i *instrumented) Get(ctx context.Context, source, target string) (Entry, error) {
	e, err := i.Cache.Get(ctx, source, target)
	if errors.Is(err, ErrNotFound) {
		i.metrics.RecordCache("miss", nil)
	} else {
		i.metrics.RecordCache("get", err)
	}
	return e, err
}

func (i *instrumented) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := i.Cache.Cleanup(ctx, maxAge)
	i.metrics.RecordCache("cleanup", err)
	return n, err
}
