package cache

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

// RedisOptions configures the shared cache backend.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Redis stores entries as JSON values under Prefix so several engine
// processes can read the same results.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Cache = (*Redis)(nil)

// NewRedis connects to the server and verifies it responds.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "cache: failed to reach redis at %s", opts.Address)
	}
	return newRedis(client, opts), nil
}

func newRedis(client *redis.Client, opts RedisOptions) *Redis {
	return &Redis{client: client, prefix: opts.Prefix, ttl: opts.TTL}
}

func (r *Redis) key(source, target string) string {
	return r.prefix + key(source, target)
}

func (r *Redis) Put(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "cache: failed to encode entry")
	}
	if err := r.client.Set(ctx, r.key(e.Source, e.Target), b, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "cache: failed to store entry")
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, source, target string) (Entry, error) {
	b, err := r.client.Get(ctx, r.key(source, target)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, errors.Wrap(err, "cache: failed to load entry")
	}
	return decodeEntry(b)
}

func (r *Redis) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := r.scan(ctx, func(_ string, e Entry) error {
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, source, target string) error {
	return errors.Wrap(r.client.Del(ctx, r.key(source, target)).Err(), "cache: failed to delete entry")
}

func (r *Redis) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	var stale []string
	err := r.scan(ctx, func(k string, e Entry) error {
		if e.Timestamp.Before(cutoff) {
			stale = append(stale, k)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, stale...).Result()
	if err != nil {
		return 0, errors.Wrap(err, "cache: failed to delete stale entries")
	}
	return int(n), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// scan visits every entry under the prefix. Keys that expire between SCAN and
// GET are skipped.
func (r *Redis) scan(ctx context.Context, fn func(key string, e Entry) error) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		b, err := r.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			return errors.Wrap(err, "cache: failed to load entry")
		}
		e, err := decodeEntry(b)
		if err != nil {
			return err
		}
		if err := fn(k, e); err != nil {
			return err
		}
	}
	return errors.Wrap(iter.Err(), "cache: failed to scan entries")
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, errors.Wrap(err, "cache: failed to decode entry")
	}
	return e, nil
}
