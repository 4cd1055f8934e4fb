package core

import (
	"fmt"
	"time"
)

// Signature is a single signature over an event's hash, tagged with the
// hash of the public key that produced it.
type Signature struct {
	SignerHash Hash
	Sig        []byte
}

// PublicKeyAttachment is present on events that register a new signing key
// (a `PublicKey` metadata entry); the signature plugin (C5) caches these.
type PublicKeyAttachment struct {
	Hash Hash
	Key  []byte
}

// Header is the fixed, hashable part of an event. `Data` itself lives
// alongside the header in Event and is not part of the hash input
// directly — only its DataHash is.
//
// Extra metadata that models don't recognize as a named field still
// round-trips via Extra, a tagged fallback list, rather than being
// dropped on re-encode.
type Header struct {
	PrimaryKey      PrimaryKey
	ParentLink      *PrimaryKey `rlp:"nil"`
	Timestamp       int64
	Authorization   Authorization
	Confidentiality *Confidentiality `rlp:"nil"`
	DataHash        *Hash            `rlp:"nil"`
	Signatures      []Signature
	PublicKey       *PublicKeyAttachment `rlp:"nil"`
	Collection      *CollectionKey       `rlp:"nil"`
	IV              []byte
	TypeName        string
	Tombstone       bool
	ReplyTo         *PrimaryKey `rlp:"nil"`
	Extra           []ExtraMeta
}

// ExtraMeta is a raw tagged entry preserved for forward compatibility:
// readers that don't recognize Tag simply carry it through untouched.
type ExtraMeta struct {
	Tag string
	Raw []byte
}

// Event is a single immutable record in a chain's redo-log.
type Event struct {
	Header Header
	Hash   Hash
	Data   []byte `rlp:"nil"`
}

// NewHeader builds a header for a fresh mutation, stamping the current
// time. Callers fill in Authorization, Collection, etc. before the event is
// handed to the chain pipeline.
func NewHeader(key PrimaryKey) Header {
	return Header{
		PrimaryKey: key,
		Timestamp:  time.Now().UnixNano(),
	}
}

// ComputeEventHash hashes the header as encoded in the chain's configured
// wire format. Signatures are excluded from the hashed bytes: a signature
// attests to the hash, so the hash itself cannot depend on it.
func ComputeEventHash(format WireFormat, header Header) (Hash, error) {
	header.Signatures = nil
	b, err := encodeWire(format, header)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: encode header: %v", ErrSerialization, err)
	}
	return HashBytes(b), nil
}

// SerializeEvent produces the on-disk/on-wire representation of an event:
// the encoded header followed by the raw data bytes (data is carried
// outside the header encoding so large payloads never have to round-trip
// through the structured encoder).
func SerializeEvent(format WireFormat, header Header, data []byte) ([]byte, []byte, error) {
	hb, err := encodeWire(format, header)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return hb, data, nil
}

// DeserializeEvent is the inverse of SerializeEvent.
func DeserializeEvent(format WireFormat, headerBytes, data []byte) (Header, error) {
	var h Header
	if err := decodeWire(format, headerBytes, &h); err != nil {
		return Header{}, fmt.Errorf("%w: decode header: %v", ErrSerialization, err)
	}
	return h, nil
}

// Validate enforces the header/data invariants:
//   - event_hash = H(header) is checked by the caller (it owns `format`);
//   - if data is present, H(data) must equal header.DataHash;
//   - a tombstone event must carry no data and must name its primary key.
func (e *Event) Validate() error {
	if e.Header.Tombstone {
		if len(e.Data) != 0 {
			return fmt.Errorf("%w: tombstone carries data", ErrValidation)
		}
		if e.Header.PrimaryKey.IsZero() {
			return fmt.Errorf("%w: tombstone missing primary key", ErrValidation)
		}
		return nil
	}
	if len(e.Data) > 0 {
		if e.Header.DataHash == nil {
			return fmt.Errorf("%w: data present without data_hash", ErrValidation)
		}
		got := HashBytes(e.Data)
		if got != *e.Header.DataHash {
			return fmt.Errorf("%w: data_hash mismatch", ErrMissingData)
		}
	}
	return nil
}
