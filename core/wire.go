package core

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/vmihailenco/msgpack/v5"
)

// WireFormat selects the serialization used for event headers and payload
// envelopes on a given chain. The chosen format is embedded in the
// redo-log's on-disk header so any replica opening the log knows how to
// decode it without out-of-band configuration.
type WireFormat uint8

const (
	WireJSON WireFormat = iota
	WireMessagePack
	WireRLP
)

func (f WireFormat) String() string {
	switch f {
	case WireJSON:
		return "json"
	case WireMessagePack:
		return "msgpack"
	case WireRLP:
		return "rlp"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// encodeWire marshals v using the chain's configured wire format. RLP
// stands in for the original implementation's Bincode: a compact,
// canonical, fixed-schema binary encoding, appropriate for the same role
// (a dense on-the-wire representation with no self-describing tags).
func encodeWire(format WireFormat, v interface{}) ([]byte, error) {
	switch format {
	case WireJSON:
		return json.Marshal(v)
	case WireMessagePack:
		return msgpack.Marshal(v)
	case WireRLP:
		return rlp.EncodeToBytes(v)
	default:
		return nil, fmt.Errorf("%w: wire format %d", ErrSerialization, format)
	}
}

func decodeWire(format WireFormat, data []byte, v interface{}) error {
	switch format {
	case WireJSON:
		return json.Unmarshal(data, v)
	case WireMessagePack:
		return msgpack.Unmarshal(data, v)
	case WireRLP:
		return rlp.DecodeBytes(data, v)
	default:
		return fmt.Errorf("%w: wire format %d", ErrSerialization, format)
	}
}
