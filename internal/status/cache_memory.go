package status

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pbx-controlplane/internal/metrics"
	"pbx-controlplane/pkg/clock"
)

// MemoryCache is the in-process Cache. Each key owns an entry with its own
// mutex; writers on different keys never contend and readers never lock.
type MemoryCache struct {
	ttl   time.Duration
	clock clock.Clock
	log   *slog.Logger

	entries map[Kind]*sync.Map // key -> *entry
	queues  sync.Map           // queue name -> *sync.Map of member id -> struct{}
}

type entry struct {
	mu   sync.Mutex
	dead bool // removed from the map; writers must start over
	rec  atomic.Pointer[slot]
}

type slot struct{ rec Record }

func (e *entry) load() Record {
	if s := e.rec.Load(); s != nil {
		return s.rec
	}
	return nil
}

// NewMemoryCache returns an empty cache. ttl <= 0 means DefaultTTL.
func NewMemoryCache(ttl time.Duration, c clock.Clock, log *slog.Logger) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &MemoryCache{
		ttl:   ttl,
		clock: clock.OrReal(c),
		log:   log.With("component", "status_cache", "backend", "memory"),
		entries: map[Kind]*sync.Map{
			KindOperator: {},
			KindChannel:  {},
			KindQueue:    {},
		},
	}
}

func (m *MemoryCache) TTL() time.Duration { return m.ttl }

func (m *MemoryCache) Put(ctx context.Context, u Update) (Record, error) {
	if err := checkKind(u.Kind()); err != nil {
		return nil, err
	}
	keys := m.entries[u.Kind()]
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, _ := keys.LoadOrStore(u.Key(), &entry{})
		e := v.(*entry)

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		now := m.clock.Now()
		old := e.load()
		prev := old
		if prev != nil && Expired(prev, now, m.ttl) {
			prev = nil
		}
		next, err := u.Apply(prev, now)
		if err != nil {
			e.mu.Unlock()
			m.countPut(u.Kind(), err)
			return nil, err
		}
		e.rec.Store(&slot{rec: next})
		if op, ok := next.(*OperatorStatus); ok {
			m.reindex(old, op)
		}
		e.mu.Unlock()
		metrics.CacheOps.WithLabelValues("memory", "put", "ok").Inc()
		return next, nil
	}
}

func (m *MemoryCache) countPut(kind Kind, err error) {
	if errors.Is(err, ErrStaleUpdate) {
		metrics.StaleUpdates.WithLabelValues(string(kind)).Inc()
		metrics.CacheOps.WithLabelValues("memory", "put", "stale").Inc()
		return
	}
	metrics.CacheOps.WithLabelValues("memory", "put", "error").Inc()
}

// reindex moves an operator between queue sets. Callers hold the entry lock.
func (m *MemoryCache) reindex(old Record, next *OperatorStatus) {
	keep := next.Memberships()
	if prev, ok := old.(*OperatorStatus); ok {
		for _, q := range prev.Memberships() {
			if !slices.Contains(keep, q) {
				m.unindexQueue(q, prev.MemberID)
			}
		}
	}
	for _, q := range keep {
		v, _ := m.queues.LoadOrStore(q, &sync.Map{})
		v.(*sync.Map).Store(next.MemberID, struct{}{})
	}
}

func (m *MemoryCache) unindex(op *OperatorStatus) {
	for _, q := range op.Memberships() {
		m.unindexQueue(q, op.MemberID)
	}
}

func (m *MemoryCache) unindexQueue(queue, memberID string) {
	if v, ok := m.queues.Load(queue); ok {
		v.(*sync.Map).Delete(memberID)
	}
}

func (m *MemoryCache) Get(ctx context.Context, kind Kind, key string) (Record, bool, error) {
	if err := checkKind(kind); err != nil {
		return nil, false, err
	}
	v, ok := m.entries[kind].Load(key)
	if !ok {
		return nil, false, nil
	}
	rec := v.(*entry).load()
	if rec == nil || Expired(rec, m.clock.Now(), m.ttl) {
		return nil, false, nil
	}
	return rec, true, nil
}

func (m *MemoryCache) GetAll(ctx context.Context, kind Kind) ([]Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	out := []Record{}
	m.entries[kind].Range(func(_, v any) bool {
		if rec := v.(*entry).load(); rec != nil && !Expired(rec, now, m.ttl) {
			out = append(out, rec)
		}
		return true
	})
	sortRecords(out)
	return out, nil
}

func (m *MemoryCache) OperatorsByQueue(ctx context.Context, queue string) ([]*OperatorStatus, error) {
	out := []*OperatorStatus{}
	v, ok := m.queues.Load(queue)
	if !ok {
		return out, nil
	}
	v.(*sync.Map).Range(func(k, _ any) bool {
		rec, found, _ := m.Get(ctx, KindOperator, k.(string))
		// the index may briefly lag a concurrent move
		if op, isOp := rec.(*OperatorStatus); found && isOp && op.InQueue(queue) {
			out = append(out, op)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

func (m *MemoryCache) Delete(ctx context.Context, kind Kind, key string) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	if v, ok := m.entries[kind].Load(key); ok {
		m.remove(kind, key, v.(*entry), nil)
	}
	metrics.CacheOps.WithLabelValues("memory", "delete", "ok").Inc()
	return nil
}

func (m *MemoryCache) ClearAll(ctx context.Context) error {
	for kind, keys := range m.entries {
		keys.Range(func(k, v any) bool {
			m.remove(kind, k.(string), v.(*entry), nil)
			return true
		})
	}
	m.log.InfoContext(ctx, "status cache cleared")
	metrics.CacheOps.WithLabelValues("memory", "clear", "ok").Inc()
	return nil
}

// remove retires e. When keep is non-nil the entry is only removed if keep
// still reports true under the entry lock.
func (m *MemoryCache) remove(kind Kind, key string, e *entry, keep func(Record) bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	rec := e.load()
	if keep != nil && rec != nil && keep(rec) {
		return false
	}
	e.dead = true
	m.entries[kind].CompareAndDelete(key, e)
	if op, ok := rec.(*OperatorStatus); ok {
		m.unindex(op)
	}
	return true
}

// Sweep physically drops expired entries and returns how many it removed.
// Expired entries are already invisible to readers; Sweep only frees memory.
func (m *MemoryCache) Sweep() int {
	now := m.clock.Now()
	alive := func(r Record) bool { return !Expired(r, now, m.ttl) }
	n := 0
	for kind, keys := range m.entries {
		keys.Range(func(k, v any) bool {
			rec := v.(*entry).load()
			if rec != nil && alive(rec) {
				return true
			}
			if m.remove(kind, k.(string), v.(*entry), alive) {
				n++
			}
			return true
		})
	}
	if n > 0 {
		m.log.Debug("swept expired status records", "count", n)
		metrics.CacheOps.WithLabelValues("memory", "sweep", "ok").Add(float64(n))
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (m *MemoryCache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := m.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Sweep()
		}
	}
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key() < recs[j].Key() })
}

func (m *MemoryCache) Snapshot(ctx context.Context) (*Snapshot, error) {
	return TakeSnapshot(ctx, m, m.clock.Now())
}
