package core

import (
	"fmt"
	"sync"
)

// Scope selects how hard DioMut.Commit waits before returning, trading off
// latency against durability guarantee.
type Scope uint8

const (
	// ScopeNone skips the mesh quorum wait. Commit still submits every
	// row synchronously and returns any rejection directly, exactly as
	// under ScopeLocal; it does not return before the local append.
	ScopeNone Scope = iota
	// ScopeLocal waits for the local redo-log append to durably land.
	ScopeLocal
	// ScopeFull waits for the configured mesh quorum to acknowledge the
	// commit as well (C10).
	ScopeFull
)

// QuorumWaiter is satisfied by a mesh session (C10); DioMut.Commit calls
// it only under ScopeFull. Kept as a narrow interface so diomut.go has no
// direct dependency on the mesh transport.
type QuorumWaiter interface {
	AwaitQuorum(hashes []Hash) error
}

// dirtyRow is one pending mutation: either a fresh/updated header+data
// pair, or a tombstone.
type dirtyRow struct {
	header Header
	data   []byte
}

// DioMut is a mutable transactional session over a Chain: writes accumulate
// locally — "dirty" rows, a delete set, and a local lock table — and are
// not visible to other sessions until Commit walks them through the
// chain's pipeline in primary-key order.
type DioMut struct {
	mu sync.Mutex

	dio    *Dio
	waiter QuorumWaiter
	format WireFormat

	dirty   map[PrimaryKey]dirtyRow
	deletes map[PrimaryKey]struct{}
	locks   map[PrimaryKey]struct{}

	signer   *KeyPair
	writeKey []byte

	committed bool
	closeOnce sync.Once
}

// SetSigner attaches a signing identity. Store and the tombstone headers
// Commit builds for Delete are both signed with it as they are staged; a
// caller that never calls SetSigner is expected to sign its own headers
// before handing them to Store.
func (m *DioMut) SetSigner(kp *KeyPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signer = kp
}

// SetWriteKey configures the master key Store uses to automatically
// encrypt data for headers whose resolved read policy is ReadSpecific,
// mirroring the master key Dio uses on the read side to decrypt. Store
// derives the per-event key from this master key and checks it against the
// policy's KeyHash before sealing, so staging under the wrong key fails
// fast instead of producing an event nobody can read back.
func (m *DioMut) SetWriteKey(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeKey = key
}

// NewDioMut opens a mutable session layered on top of an existing read
// session, so reads issued mid-transaction still benefit from dio's
// cache.
func NewDioMut(dio *Dio, waiter QuorumWaiter, format WireFormat) *DioMut {
	return &DioMut{
		dio:     dio,
		waiter:  waiter,
		format:  format,
		dirty:   make(map[PrimaryKey]dirtyRow),
		deletes: make(map[PrimaryKey]struct{}),
		locks:   make(map[PrimaryKey]struct{}),
	}
}

// Lock records key in this session's local lock table, which Commit
// clears. The table is private to this DioMut: Lock always succeeds, and
// it neither detects nor rejects a lock on the same key held by another
// DioMut in this process. It does not reach across processes either —
// cross-replica mutual exclusion is a mesh (C10) concern.
func (m *DioMut) Lock(key PrimaryKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return nil
	}
	m.locks[key] = struct{}{}
	return nil
}

// Store stages a write of data under the given header. The header's
// PrimaryKey must already be set (NewHeader does this); if its parent is
// unsaved within this same session, Store returns ErrSaveParentFirst so
// callers build trees root-first.
//
// If this session has a write key configured and the header's resolved
// read policy is ReadSpecific, Store encrypts data before staging it,
// filling in IV and Confidentiality to match. DataHash is then
// (re)computed from whatever bytes actually end up staged — ciphertext if
// sealed, plaintext otherwise.
//
// If this session also has a signer configured, Store signs the finalized
// header itself, after encryption and DataHash are settled, so the
// signature always covers the header as staged. Without a configured
// signer, the caller must have already signed a header whose DataHash
// matches what Store will derive — which means a caller that wants
// encryption applied must rely on SetSigner rather than pre-signing,
// since it cannot know the ciphertext's hash in advance.
func (m *DioMut) Store(header Header, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if header.ParentLink != nil {
		parent := *header.ParentLink
		_, stagedParent := m.dirty[parent]
		_, existingParent := m.dio.chain.timeline.Latest(parent)
		if !stagedParent && !existingParent {
			return ErrSaveParentFirst
		}
	}

	sealed, err := m.sealIfNeeded(&header, data)
	if err != nil {
		return err
	}
	data = sealed

	if len(data) > 0 {
		h := HashBytes(data)
		header.DataHash = &h
	}

	if m.signer != nil {
		sigHash, err := ComputeEventHash(m.format, header)
		if err != nil {
			return err
		}
		header.Signatures = []Signature{m.signer.Sign(sigHash)}
		header.PublicKey = &PublicKeyAttachment{Hash: m.signer.Hash(), Key: m.signer.PublicKeyBytes()}
	}

	delete(m.deletes, header.PrimaryKey)
	m.dirty[header.PrimaryKey] = dirtyRow{header: header, data: data}
	return nil
}

// sealIfNeeded encrypts data against header's resolved read policy when
// this session carries a write key and that policy is ReadSpecific,
// returning the ciphertext and filling in header.IV/Confidentiality. It
// returns data unchanged otherwise.
func (m *DioMut) sealIfNeeded(header *Header, data []byte) ([]byte, error) {
	if len(m.writeKey) == 0 || len(data) == 0 {
		return data, nil
	}
	auth, err := m.dio.chain.treeAuth.ResolveAuthorization(*header)
	if err != nil {
		return nil, err
	}
	if auth.Read.Kind != ReadSpecific {
		return data, nil
	}
	key, short := DeriveReadKey(m.writeKey, header.PrimaryKey)
	if short != auth.Read.KeyHash {
		return nil, fmt.Errorf("%w: configured write key does not match this key's read policy", ErrValidation)
	}
	nonce, ciphertext, err := Encrypt(key, data)
	if err != nil {
		return nil, err
	}
	header.IV = nonce[:]
	header.Confidentiality = &Confidentiality{Hash: short}
	return ciphertext, nil
}

// Delete stages a tombstone for key: on Commit it is written as a
// Tombstone event superseding whatever is currently there. Deleting an
// already-tombstoned key returns ErrAlreadyDeleted.
func (m *DioMut) Delete(key PrimaryKey) error {
	leaf, ok := m.dio.chain.timeline.Latest(key)
	if ok && leaf.Tombstoned {
		return ErrAlreadyDeleted
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dirty, key)
	m.deletes[key] = struct{}{}
	return nil
}

// Load reads through to the underlying Dio, but first checks this
// session's own uncommitted writes so a transaction observes its own
// mutations (read-your-writes).
func (m *DioMut) Load(key PrimaryKey) (Event, error) {
	m.mu.Lock()
	if _, deleted := m.deletes[key]; deleted {
		m.mu.Unlock()
		return Event{}, ErrTombstoned
	}
	if row, ok := m.dirty[key]; ok {
		m.mu.Unlock()
		h, err := ComputeEventHash(m.format, row.header)
		if err != nil {
			return Event{}, err
		}
		return Event{Header: row.header, Hash: h, Data: row.data}, nil
	}
	m.mu.Unlock()
	return m.dio.Load(key)
}

// Cancel discards every staged write without touching the chain. Safe to
// call multiple times and safe to call after Commit (a no-op then).
func (m *DioMut) Cancel() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.dirty = nil
		m.deletes = nil
		m.locks = nil
	})
}

// Commit runs:
//  1. snapshot the dirty set and delete set under lock;
//  2. build a Tombstone header for every delete;
//  3. order all resulting headers by primary key so concurrent sessions
//     committing overlapping trees converge on the same submission order;
//  4. submit each event to the chain's pipeline in that order;
//  5. on any rejection, stop and return the error without staging-undo
//     (events already accepted before the failure are not rolled back;
//     commit is non-atomic across rows by design);
//  6. release this session's local locks;
//  7. if Scope is Full, await mesh quorum on every newly-committed hash.
func (m *DioMut) Commit(scope Scope) ([]Event, error) {
	m.mu.Lock()
	if m.committed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session already committed", ErrValidation)
	}
	rows := make([]dirtyRow, 0, len(m.dirty)+len(m.deletes))
	for _, row := range m.dirty {
		rows = append(rows, row)
	}
	signer := m.signer
	for key := range m.deletes {
		h := NewHeader(key)
		h.Tombstone = true
		// A tombstone re-states the key's existing authorization rather
		// than inheriting through ParentLink: the key itself has no
		// parent to inherit from, and WriteInherit here would resolve to
		// the unsigned root default (WriteNobody).
		if prior, ok := m.dio.chain.HeaderOf(key); ok {
			h.Authorization = prior.Authorization
		} else {
			h.Authorization = Authorization{Read: ReadPolicy{Kind: ReadEveryone}, Write: WritePolicy{Kind: WriteNobody}}
		}
		if signer != nil {
			sigHash, err := ComputeEventHash(m.format, h)
			if err != nil {
				m.mu.Unlock()
				return nil, err
			}
			h.Signatures = []Signature{signer.Sign(sigHash)}
		}
		rows = append(rows, dirtyRow{header: h})
	}
	m.committed = true
	locks := m.locks
	m.mu.Unlock()

	sortRowsByKey(rows)

	committed := make([]Event, 0, len(rows))
	for _, row := range rows {
		evt, err := m.dio.chain.Submit(row.header, row.data)
		if err != nil {
			return committed, err
		}
		committed = append(committed, evt)
		m.dio.cache.Add(evt.Header.PrimaryKey, evt)
	}

	for key := range locks {
		delete(m.locks, key)
	}

	if scope == ScopeFull && m.waiter != nil {
		hashes := make([]Hash, len(committed))
		for i, evt := range committed {
			hashes[i] = evt.Hash
		}
		if err := m.waiter.AwaitQuorum(hashes); err != nil {
			return committed, err
		}
	}
	return committed, nil
}

func sortRowsByKey(rows []dirtyRow) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].header.PrimaryKey.Compare(rows[j-1].header.PrimaryKey) < 0; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}
