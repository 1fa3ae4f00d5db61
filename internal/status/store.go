package status

import (
	"context"
	"encoding/json"
	"fmt"
)

// DurableStore is the system of record behind the cache. The reader only
// ever calls Get; Put exists for the services that own the records.
type DurableStore interface {
	Get(ctx context.Context, kind Kind, key string) (Record, bool, error)
	Put(ctx context.Context, r Record) error
}

// DurableLister is an optional DurableStore capability used by list reads
// while the cache is unavailable.
type DurableLister interface {
	List(ctx context.Context, kind Kind) ([]Record, error)
	ListOperatorsByQueue(ctx context.Context, queue string) ([]*OperatorStatus, error)
}

func unmarshalRecord(kind Kind, data []byte) (Record, error) {
	var r Record
	switch kind {
	case KindOperator:
		r = &OperatorStatus{}
	case KindChannel:
		r = &ChannelStatus{}
	case KindQueue:
		r = &QueueStatus{}
	default:
		return nil, fmt.Errorf("status: unknown kind %q", kind)
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("status: unmarshal %s: %w", kind, err)
	}
	return r, nil
}
