package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"pbx-controlplane/internal/metrics"
	"pbx-controlplane/pkg/clock"
)

const (
	// DefaultRedisPrefix namespaces every key the cache writes.
	DefaultRedisPrefix = "pbx:"

	// maxTxRetries bounds optimistic retries when a watched key changes.
	maxTxRetries = 16
)

// RedisCache is a Cache shared between processes. Each record is one key
// with a PX expiry equal to its remaining TTL; per-key merges use
// WATCH/MULTI/EXEC and indexes are Redis sets.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	clock  clock.Clock
	log    *slog.Logger
}

type RedisCacheOptions struct {
	TTL    time.Duration
	Prefix string
	Clock  clock.Clock
	Logger *slog.Logger
}

func NewRedisCache(client redis.UniversalClient, opts RedisCacheOptions) *RedisCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisCache{
		client: client,
		ttl:    opts.TTL,
		prefix: opts.Prefix,
		clock:  clock.OrReal(opts.Clock),
		log:    opts.Logger.With("component", "status_cache", "backend", "redis"),
	}
}

func (r *RedisCache) TTL() time.Duration { return r.ttl }

func (r *RedisCache) recordKey(kind Kind, key string) string {
	return r.prefix + "status:" + string(kind) + ":" + key
}

func (r *RedisCache) kindIndex(kind Kind) string {
	return r.prefix + "idx:" + string(kind) + "s"
}

func (r *RedisCache) queueIndex(queue string) string {
	return r.prefix + "idx:queue:" + queue + ":operators"
}

func (r *RedisCache) Put(ctx context.Context, u Update) (Record, error) {
	if err := checkKind(u.Kind()); err != nil {
		return nil, err
	}
	key := r.recordKey(u.Kind(), u.Key())

	var next Record
	txf := func(tx *redis.Tx) error {
		var old Record
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return unavailable("get", err)
		default:
			if old, err = decodeRecord(u.Kind(), data); err != nil {
				// an undecodable value is treated as absent and overwritten
				r.log.WarnContext(ctx, "dropping undecodable status record", "key", key, "error", err)
				old = nil
			}
		}

		now := r.clock.Now()
		prev := old
		if prev != nil && Expired(prev, now, r.ttl) {
			prev = nil
		}
		rec, err := u.Apply(prev, now)
		if err != nil {
			return err
		}
		val, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("status: encode %s: %w", u.Kind(), err)
		}
		remaining := r.ttl - now.Sub(rec.Updated())
		if remaining <= 0 {
			// already past its TTL on arrival; nothing visible to store
			next = rec
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, remaining)
			pipe.SAdd(ctx, r.kindIndex(u.Kind()), u.Key())
			if op, ok := rec.(*OperatorStatus); ok {
				keep := op.Memberships()
				if was, ok := old.(*OperatorStatus); ok {
					for _, q := range was.Memberships() {
						if !slices.Contains(keep, q) {
							pipe.SRem(ctx, r.queueIndex(q), op.MemberID)
						}
					}
				}
				for _, q := range keep {
					pipe.SAdd(ctx, r.queueIndex(q), op.MemberID)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		next = rec
		return nil
	}

	if err := r.watch(ctx, txf, key); err != nil {
		r.count("put", err)
		if errors.Is(err, ErrStaleUpdate) {
			metrics.StaleUpdates.WithLabelValues(string(u.Kind())).Inc()
		}
		return nil, err
	}
	r.count("put", nil)
	return next, nil
}

// watch runs txf under WATCH and retries while the transaction is aborted
// by a concurrent writer.
func (r *RedisCache) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrStaleUpdate) && !errors.Is(err, ErrInvalidUpdate) &&
			!errors.Is(err, ErrCacheUnavailable) && ctx.Err() == nil {
			return unavailable("watch", err)
		}
		return err
	}
	return unavailable("watch", fmt.Errorf("gave up after %d conflicting transactions", maxTxRetries))
}

func (r *RedisCache) count(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleUpdate):
		result = "stale"
	default:
		result = "error"
	}
	metrics.CacheOps.WithLabelValues("redis", op, result).Inc()
}

func (r *RedisCache) Get(ctx context.Context, kind Kind, key string) (Record, bool, error) {
	if err := checkKind(kind); err != nil {
		return nil, false, err
	}
	data, err := r.client.Get(ctx, r.recordKey(kind, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		r.count("get", err)
		return nil, false, unavailable("get", err)
	}
	rec, err := decodeRecord(kind, data)
	if err != nil {
		r.log.WarnContext(ctx, "undecodable status record", "kind", kind, "key", key, "error", err)
		return nil, false, nil
	}
	if Expired(rec, r.clock.Now(), r.ttl) {
		return nil, false, nil
	}
	return rec, true, nil
}

func (r *RedisCache) GetAll(ctx context.Context, kind Kind) ([]Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	members, err := r.client.SMembers(ctx, r.kindIndex(kind)).Result()
	if err != nil {
		r.count("get_all", err)
		return nil, unavailable("smembers", err)
	}
	return r.fetch(ctx, kind, r.kindIndex(kind), members)
}

func (r *RedisCache) OperatorsByQueue(ctx context.Context, queue string) ([]*OperatorStatus, error) {
	idx := r.queueIndex(queue)
	members, err := r.client.SMembers(ctx, idx).Result()
	if err != nil {
		r.count("by_queue", err)
		return nil, unavailable("smembers", err)
	}
	recs, err := r.fetch(ctx, KindOperator, idx, members)
	if err != nil {
		return nil, err
	}
	out := make([]*OperatorStatus, 0, len(recs))
	for _, rec := range recs {
		if op, ok := rec.(*OperatorStatus); ok && op.InQueue(queue) {
			out = append(out, op)
		}
	}
	return out, nil
}

// fetch loads the members of an index and prunes the ones whose record
// has expired.
func (r *RedisCache) fetch(ctx context.Context, kind Kind, idx string, members []string) ([]Record, error) {
	out := []Record{}
	if len(members) == 0 {
		return out, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = r.recordKey(kind, m)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		r.count("mget", err)
		return nil, unavailable("mget", err)
	}

	now := r.clock.Now()
	var gone []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			gone = append(gone, members[i])
			continue
		}
		rec, err := decodeRecord(kind, []byte(s))
		if err != nil {
			r.log.WarnContext(ctx, "undecodable status record", "kind", kind, "key", members[i], "error", err)
			continue
		}
		if Expired(rec, now, r.ttl) {
			continue
		}
		out = append(out, rec)
	}
	if len(gone) > 0 {
		if err := r.client.SRem(ctx, idx, gone...).Err(); err != nil {
			r.log.WarnContext(ctx, "index prune failed", "index", idx, "error", err)
		}
	}
	sortRecords(out)
	return out, nil
}

func (r *RedisCache) Delete(ctx context.Context, kind Kind, key string) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	rk := r.recordKey(kind, key)
	txf := func(tx *redis.Tx) error {
		var queues []string
		if kind == KindOperator {
			data, err := tx.Get(ctx, rk).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return unavailable("get", err)
			}
			if err == nil {
				if rec, derr := decodeRecord(kind, data); derr == nil {
					queues = rec.(*OperatorStatus).Memberships()
				}
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rk)
			pipe.SRem(ctx, r.kindIndex(kind), key)
			for _, q := range queues {
				pipe.SRem(ctx, r.queueIndex(q), key)
			}
			return nil
		})
		return err
	}
	err := r.watch(ctx, txf, rk)
	r.count("delete", err)
	return err
}

// ClearAll removes every key under the cache prefix.
func (r *RedisCache) ClearAll(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.client.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				r.count("clear", err)
				return unavailable("del", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		r.count("clear", err)
		return unavailable("scan", err)
	}
	if err := flush(); err != nil {
		r.count("clear", err)
		return unavailable("del", err)
	}
	r.count("clear", nil)
	r.log.InfoContext(ctx, "status cache cleared")
	return nil
}

func (r *RedisCache) Snapshot(ctx context.Context) (*Snapshot, error) {
	return TakeSnapshot(ctx, r, r.clock.Now())
}
