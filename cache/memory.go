package cache

import (
	"context"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is a process local cache. Expired entries are swept by go-cache at
// the cleanup interval.
type Memory struct {
	items *gocache.Cache
}

var _ Cache = (*Memory)(nil)

// NewMemory returns an in-memory cache whose entries expire after ttl.
func NewMemory(ttl, cleanupInterval time.Duration) *Memory {
	return &Memory{items: gocache.New(ttl, cleanupInterval)}
}

func (m *Memory) Put(_ context.Context, e Entry) error {
	m.items.Set(key(e.Source, e.Target), cloneEntry(e), gocache.DefaultExpiration)
	return nil
}

func (m *Memory) Get(_ context.Context, source, target string) (Entry, error) {
	v, ok := m.items.Get(key(source, target))
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(v.(Entry)), nil
}

// Entries returns every unexpired entry sorted by source then target.
func (m *Memory) Entries(_ context.Context) ([]Entry, error) {
	items := m.items.Items()
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		out = append(out, cloneEntry(it.Object.(Entry)))
	}
	sortEntries(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, source, target string) error {
	m.items.Delete(key(source, target))
	return nil
}

func (m *Memory) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for k, it := range m.items.Items() {
		if it.Object.(Entry).Timestamp.Before(cutoff) {
			m.items.Delete(k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error {
	m.items.Flush()
	return nil
}

func cloneEntry(e Entry) Entry {
	data := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		data[k] = v
	}
	e.Data = data
	return e
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Source != entries[j].Source {
			return entries[i].Source < entries[j].Source
		}
		return entries[i].Target < entries[j].Target
	})
}
