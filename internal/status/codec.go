package status

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Records are stored as deterministic CBOR. Times are encoded as RFC 3339
// text with nanoseconds so merge ordering survives a round trip.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("status: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("status: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(r Record) ([]byte, error) {
	return encMode.Marshal(r)
}

func decodeRecord(kind Kind, data []byte) (Record, error) {
	var r Record
	switch kind {
	case KindOperator:
		r = &OperatorStatus{}
	case KindChannel:
		r = &ChannelStatus{}
	case KindQueue:
		r = &QueueStatus{}
	default:
		return nil, fmt.Errorf("status: decode: unknown kind %q", kind)
	}
	if err := decMode.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("status: decode %s: %w", kind, err)
	}
	return r, nil
}
