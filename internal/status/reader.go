package status

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"pbx-controlplane/internal/metrics"
	"pbx-controlplane/pkg/clock"
)

// Reader serves status reads from the cache and falls back to the durable
// store on a miss or while the cache is unavailable. Fallback results are
// returned as-is and never written back into the cache.
type Reader struct {
	cache Cache
	store DurableStore
	clock clock.Clock
	log   *slog.Logger

	group singleflight.Group
}

type ReaderOptions struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// NewReader builds a Reader. store may be nil, in which case a cache miss
// is a miss.
func NewReader(cache Cache, store DurableStore, opts ReaderOptions) *Reader {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reader{
		cache: cache,
		store: store,
		clock: clock.OrReal(opts.Clock),
		log:   opts.Logger.With("component", "status_reader"),
	}
}

type lookup struct {
	rec Record
	ok  bool
}

// Read returns the record for kind/key. Cache outages are logged and
// counted but never returned; store failures are.
func (r *Reader) Read(ctx context.Context, kind Kind, key string) (Record, bool, error) {
	rec, ok, err := r.cache.Get(ctx, kind, key)
	reason := "miss"
	switch {
	case err == nil && ok:
		return rec, true, nil
	case err != nil && !errors.Is(err, ErrCacheUnavailable):
		return nil, false, err
	case err != nil:
		reason = "unavailable"
		r.log.WarnContext(ctx, "status cache unavailable, reading durable store", "kind", kind, "key", key, "error", err)
	}
	metrics.ReaderFallbacks.WithLabelValues(string(kind), reason).Inc()

	if r.store == nil {
		return nil, false, nil
	}
	v, err, _ := r.group.Do(string(kind)+"\x00"+key, func() (any, error) {
		rec, ok, err := r.store.Get(ctx, kind, key)
		return lookup{rec: rec, ok: ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(lookup)
	return res.rec, res.ok, nil
}

func (r *Reader) GetOperator(ctx context.Context, memberID string) (*OperatorStatus, bool, error) {
	rec, ok, err := r.Read(ctx, KindOperator, memberID)
	if err != nil || !ok {
		return nil, false, err
	}
	op, ok := rec.(*OperatorStatus)
	return op, ok, nil
}

func (r *Reader) GetChannel(ctx context.Context, channelID string) (*ChannelStatus, bool, error) {
	rec, ok, err := r.Read(ctx, KindChannel, channelID)
	if err != nil || !ok {
		return nil, false, err
	}
	ch, ok := rec.(*ChannelStatus)
	if !ok {
		return nil, false, nil
	}
	return ch.WithDuration(r.clock.Now()), true, nil
}

func (r *Reader) GetQueueStatus(ctx context.Context, queue string) (*QueueStatus, bool, error) {
	rec, ok, err := r.Read(ctx, KindQueue, queue)
	if err != nil || !ok {
		return nil, false, err
	}
	q, ok := rec.(*QueueStatus)
	return q, ok, nil
}

// GetQueueOperators lists the operators indexed under queue. While the
// cache is unavailable it lists from the store when the store supports it,
// and returns an empty list otherwise.
func (r *Reader) GetQueueOperators(ctx context.Context, queue string) ([]*OperatorStatus, error) {
	ops, err := r.cache.OperatorsByQueue(ctx, queue)
	if err == nil {
		return ops, nil
	}
	if !errors.Is(err, ErrCacheUnavailable) {
		return nil, err
	}
	lister := r.unavailable(ctx, KindOperator, err)
	if lister == nil {
		return []*OperatorStatus{}, nil
	}
	v, err, _ := r.group.Do("queue-operators\x00"+queue, func() (any, error) {
		return lister.ListOperatorsByQueue(ctx, queue)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*OperatorStatus), nil
}

func (r *Reader) GetAllChannels(ctx context.Context) ([]*ChannelStatus, error) {
	recs, err := r.list(ctx, KindChannel)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	out := make([]*ChannelStatus, 0, len(recs))
	for _, rec := range recs {
		if ch, ok := rec.(*ChannelStatus); ok {
			out = append(out, ch.WithDuration(now))
		}
	}
	return out, nil
}

// GetFullSnapshot returns every operator, channel and queue. Kinds are read
// one after another, so the result can be torn across kinds.
func (r *Reader) GetFullSnapshot(ctx context.Context) (*Snapshot, error) {
	now := r.clock.Now()
	snap := &Snapshot{
		Operators: []*OperatorStatus{},
		Channels:  []*ChannelStatus{},
		Queues:    []*QueueStatus{},
		TakenAt:   now,
	}
	for _, kind := range []Kind{KindOperator, KindChannel, KindQueue} {
		recs, err := r.list(ctx, kind)
		if err != nil {
			return nil, err
		}
		snap.add(recs)
	}
	for i, ch := range snap.Channels {
		snap.Channels[i] = ch.WithDuration(now)
	}
	return snap, nil
}

func (r *Reader) list(ctx context.Context, kind Kind) ([]Record, error) {
	recs, err := r.cache.GetAll(ctx, kind)
	if err == nil {
		return recs, nil
	}
	if !errors.Is(err, ErrCacheUnavailable) {
		return nil, err
	}
	lister := r.unavailable(ctx, kind, err)
	if lister == nil {
		return []Record{}, nil
	}
	v, err, _ := r.group.Do("list\x00"+string(kind), func() (any, error) {
		return lister.List(ctx, kind)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Record), nil
}

// unavailable records a cache outage on a list read and returns the store's
// lister, if any.
func (r *Reader) unavailable(ctx context.Context, kind Kind, err error) DurableLister {
	r.log.WarnContext(ctx, "status cache unavailable for list read", "kind", kind, "error", err)
	metrics.ReaderFallbacks.WithLabelValues(string(kind), "unavailable").Inc()
	lister, _ := r.store.(DurableLister)
	return lister
}

// The writes below exist for tests and operator resets. Production state
// only enters the cache through the event router.

func (r *Reader) SetOperator(ctx context.Context, u OperatorUpdate) (*OperatorStatus, error) {
	rec, err := r.cache.Put(ctx, u)
	if err != nil {
		return nil, err
	}
	return rec.(*OperatorStatus), nil
}

func (r *Reader) SetChannel(ctx context.Context, u ChannelUpdate) (*ChannelStatus, error) {
	rec, err := r.cache.Put(ctx, u)
	if err != nil {
		return nil, err
	}
	return rec.(*ChannelStatus).WithDuration(r.clock.Now()), nil
}

func (r *Reader) SetQueue(ctx context.Context, u QueueUpdate) (*QueueStatus, error) {
	rec, err := r.cache.Put(ctx, u)
	if err != nil {
		return nil, err
	}
	return rec.(*QueueStatus), nil
}

func (r *Reader) DeleteOperator(ctx context.Context, memberID string) error {
	return r.cache.Delete(ctx, KindOperator, memberID)
}

func (r *Reader) ClearAll(ctx context.Context) error {
	return r.cache.ClearAll(ctx)
}
