package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// Hash is a 32-byte content hash, used both as an event's identity
// (EventHash) and wherever a short digest of opaque bytes is required.
type Hash [32]byte

// ZeroHash is the all-zero Hash value, used as the "unset" marker by
// IsZero.
var ZeroHash Hash

// HashBytes computes the blake3 digest of data.
func HashBytes(data []byte) Hash {
	var h Hash
	sum := blake3.Sum256(data)
	copy(h[:], sum[:])
	return h
}

// ShortHash returns an 8-byte truncated blake3 digest, used for the
// confidentiality hash that detects key confusion without revealing the
// derived key material.
func ShortHash(data []byte) [8]byte {
	var out [8]byte
	full := blake3.Sum256(data)
	copy(out[:], full[:8])
	return out
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Hex is an alias for String.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// Short prints the first and last two bytes, e.g. "dead…beef", for compact
// log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:2]) + "…" + hex.EncodeToString(h[30:])
}

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("hash: expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}
