package core

// ReadKind tags the variant of a read authorization policy.
type ReadKind uint8

const (
	ReadInherit ReadKind = iota
	ReadEveryone
	ReadSpecific
)

// ReadPolicy is the `read` half of an event's authorization metadata.
//
//   - Inherit: resolved by walking the parent chain (ReadKind == ReadInherit).
//   - Everyone: world-readable, optionally with a session key attached for
//     transport-level confidentiality (SessionKey non-nil).
//   - Specific: readable only by holders of the read-key whose hash is
//     KeyHash; the tree authority derives the per-event symmetric key from
//     that read-key and the event's primary key.
type ReadPolicy struct {
	Kind       ReadKind
	SessionKey []byte `msgpack:",omitempty" json:",omitempty"`
	KeyHash    [8]byte
}

func (p ReadPolicy) IsInherit() bool { return p.Kind == ReadInherit }

// WriteKind tags the variant of a write authorization policy.
type WriteKind uint8

const (
	WriteInherit WriteKind = iota
	WriteNobody
	WriteSpecific
	WriteAnyOf
)

// WritePolicy is the `write` half of an event's authorization metadata.
type WritePolicy struct {
	Kind        WriteKind
	SignKeyHash Hash
	AnyOf       []Hash `msgpack:",omitempty" json:",omitempty"`
}

func (p WritePolicy) IsInherit() bool { return p.Kind == WriteInherit }

// Admits reports whether a signature by signerHash satisfies this write
// policy. WriteNobody never admits any signer; WriteInherit is meaningless
// here and must have been resolved to a concrete policy beforehand.
func (p WritePolicy) Admits(signerHash Hash) bool {
	switch p.Kind {
	case WriteSpecific:
		return p.SignKeyHash == signerHash
	case WriteAnyOf:
		for _, h := range p.AnyOf {
			if h == signerHash {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Authorization is the full (read, write) policy tuple attached to every
// event, resolvable through parent inheritance (C4).
type Authorization struct {
	Read  ReadPolicy
	Write WritePolicy
}

// Confidentiality carries the short-hash of a per-event derived encryption
// key, letting ingress detect key confusion without the key material ever
// appearing on the wire.
type Confidentiality struct {
	Hash [8]byte
}
