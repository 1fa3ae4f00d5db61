package status

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is how long a record stays visible after its last update.
const DefaultTTL = time.Hour

// ErrCacheUnavailable wraps every backend failure of a Cache.
var ErrCacheUnavailable = errors.New("status: cache unavailable")

// Cache is the real-time status store. Put is atomic per key; there is no
// ordering across keys and no global lock.
type Cache interface {
	Put(ctx context.Context, u Update) (Record, error)
	Get(ctx context.Context, kind Kind, key string) (Record, bool, error)
	GetAll(ctx context.Context, kind Kind) ([]Record, error)
	OperatorsByQueue(ctx context.Context, queue string) ([]*OperatorStatus, error)
	Delete(ctx context.Context, kind Kind, key string) error
	ClearAll(ctx context.Context) error
}

// TakeSnapshot composes the three GetAll reads. The reads are independent,
// so a snapshot may be torn across kinds.
func TakeSnapshot(ctx context.Context, c Cache, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		Operators: []*OperatorStatus{},
		Channels:  []*ChannelStatus{},
		Queues:    []*QueueStatus{},
		TakenAt:   now,
	}
	for _, kind := range []Kind{KindOperator, KindChannel, KindQueue} {
		recs, err := c.GetAll(ctx, kind)
		if err != nil {
			return nil, err
		}
		snap.add(recs)
	}
	return snap, nil
}

func (s *Snapshot) add(recs []Record) {
	for _, r := range recs {
		switch v := r.(type) {
		case *OperatorStatus:
			s.Operators = append(s.Operators, v)
		case *ChannelStatus:
			s.Channels = append(s.Channels, v)
		case *QueueStatus:
			s.Queues = append(s.Queues, v)
		}
	}
}

func checkKind(kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidUpdate, kind)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCacheUnavailable, op, err)
}
