package core

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

// PrimaryKey is the 128-bit opaque identifier addressing a DAO within a
// chain. It is totally ordered (big-endian byte comparison) and hashable.
type PrimaryKey [16]byte

// ZeroPrimaryKey is never a valid key; loading it is always an error.
var ZeroPrimaryKey PrimaryKey

// NewPrimaryKey generates a pseudo-random primary key.
func NewPrimaryKey() PrimaryKey {
	var k PrimaryKey
	copy(k[:], uuid.New()[:])
	return k
}

// PrimaryKeyFromName derives a deterministic primary key from a name,
// folded into the half-open integer range [rangeLo, rangeHi). This is used
// to pack externally-assigned integer ids (e.g. a user or group id from an
// authentication service) into a reserved region of key space so that
// lookups by name are stable across replicas without a central allocator.
func PrimaryKeyFromName(name string, rangeLo, rangeHi uint64) PrimaryKey {
	if rangeHi <= rangeLo {
		panic("core: PrimaryKeyFromName requires rangeHi > rangeLo")
	}
	span := rangeHi - rangeLo
	sum := blake3.Sum256([]byte(name))
	folded := binary.BigEndian.Uint64(sum[:8])%span + rangeLo

	var k PrimaryKey
	copy(k[:8], sum[8:16])
	binary.BigEndian.PutUint64(k[8:], folded)
	return k
}

// Compare returns -1, 0 or 1 following the usual ordering contract.
func (k PrimaryKey) Compare(other PrimaryKey) int {
	for i := range k {
		if k[i] != other[i] {
			if k[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (k PrimaryKey) IsZero() bool { return k == ZeroPrimaryKey }

func (k PrimaryKey) String() string { return hex.EncodeToString(k[:]) }

func (k PrimaryKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(k[:]))
}

func (k *PrimaryKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("primary key: %w", err)
	}
	if len(b) != len(k) {
		return fmt.Errorf("primary key: expected %d bytes, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return nil
}

// CollectionID identifies an untyped child multimap hanging off a parent
// DAO.
type CollectionID uint64

// CollectionKey is the composite key of a collection: the parent's primary
// key plus the collection id.
type CollectionKey struct {
	Parent PrimaryKey
	ID     CollectionID
}
