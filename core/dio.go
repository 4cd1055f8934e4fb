package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dio is a read-only data-I/O session (C8): a short-lived view over a
// Chain that caches loaded events so repeated reads of the same primary
// key within one session don't re-hit the redo-log.
type Dio struct {
	chain *Chain
	cache *lru.Cache[PrimaryKey, Event]

	// masterReadKey, if set, is used to derive per-event symmetric keys
	// for decrypting Specific-confidentiality events this session is
	// permitted to read.
	masterReadKey []byte
}

// DioOptions configures a read session.
type DioOptions struct {
	CacheSize int
	ReadKey   []byte
}

// NewDio opens a read session over chain.
func NewDio(chain *Chain, opts DioOptions) (*Dio, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	cache, err := lru.New[PrimaryKey, Event](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	d := &Dio{chain: chain, cache: cache, masterReadKey: opts.ReadKey}
	return d, nil
}

// decryptIfNeeded applies the session's read key to an event's data when
// the event carries a Confidentiality hash.
func (d *Dio) decryptIfNeeded(evt Event) (Event, error) {
	if evt.Header.Confidentiality == nil {
		return evt, nil
	}
	if len(d.masterReadKey) == 0 {
		return Event{}, ErrMissingReadKey
	}
	key, short := DeriveReadKey(d.masterReadKey, evt.Header.PrimaryKey)
	if err := CheckConfidentiality(evt.Header, short); err != nil {
		return Event{}, err
	}
	nonce, err := nonceFromIV(evt.Header.IV)
	if err != nil {
		return Event{}, err
	}
	plain, err := Decrypt(key, nonce, evt.Data)
	if err != nil {
		return Event{}, err
	}
	evt.Data = plain
	return evt, nil
}

// Load fetches the current state of key, consulting the session cache
// first and decrypting confidential payloads transparently.
func (d *Dio) Load(key PrimaryKey) (Event, error) {
	if cached, ok := d.cache.Get(key); ok {
		return cached, nil
	}
	evt, err := d.chain.Load(key)
	if err != nil {
		return Event{}, err
	}
	evt, err = d.decryptIfNeeded(evt)
	if err != nil {
		return Event{}, err
	}
	d.cache.Add(key, evt)
	return evt, nil
}

// LoadByHash fetches a historical event directly, bypassing the
// current-head check (tombstones and superseded versions both load).
func (d *Dio) LoadByHash(h Hash) (Event, error) {
	evt, err := d.chain.LoadByHash(h)
	if err != nil {
		return Event{}, err
	}
	return d.decryptIfNeeded(evt)
}

// Children returns the primary keys whose current head names parent.
func (d *Dio) Children(parent PrimaryKey) []PrimaryKey {
	return d.chain.Children(parent)
}

// Decache drops a key from the session cache, called in response to a
// Chain.Subscribe broadcast when another writer supersedes it.
func (d *Dio) Decache(key PrimaryKey) {
	d.cache.Remove(key)
}

// WeakRef is a lazy, possibly-stale pointer to another object in the same
// chain: it carries only the primary key and resolves through whatever
// Dio asks for it, rather than holding a strong reference to either the
// session or the data.
type WeakRef[T any] struct {
	Key PrimaryKey
}

// NewWeakRef wraps a primary key as a typed weak reference.
func NewWeakRef[T any](key PrimaryKey) WeakRef[T] {
	return WeakRef[T]{Key: key}
}

// Resolve loads and decodes the referenced object through dio. Returns
// ErrWeakDio if dio is nil (the weak reference outlived its session).
func (w WeakRef[T]) Resolve(dio *Dio, format WireFormat) (T, error) {
	var zero T
	if dio == nil {
		return zero, ErrWeakDio
	}
	evt, err := dio.Load(w.Key)
	if err != nil {
		return zero, err
	}
	var out T
	if err := decodeWire(format, evt.Data, &out); err != nil {
		return zero, fmt.Errorf("%w: decode weak ref payload: %v", ErrSerialization, err)
	}
	return out, nil
}

// VecRef is an ordered collection of weak references sharing a parent and
// CollectionID: it resolves to the current children of that parent within
// the given collection.
type VecRef[T any] struct {
	Parent PrimaryKey
	ID     CollectionID
}

// NewVecRef builds a collection reference.
func NewVecRef[T any](parent PrimaryKey, id CollectionID) VecRef[T] {
	return VecRef[T]{Parent: parent, ID: id}
}

// Resolve returns every child of Parent tagged with this collection,
// decoded as T, in timeline insertion order.
func (v VecRef[T]) Resolve(dio *Dio, format WireFormat) ([]T, error) {
	if dio == nil {
		return nil, ErrWeakDio
	}
	var out []T
	for _, childKey := range dio.Children(v.Parent) {
		evt, err := dio.Load(childKey)
		if err != nil {
			if err == ErrTombstoned || err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if evt.Header.Collection == nil || evt.Header.Collection.ID != v.ID || evt.Header.Collection.Parent != v.Parent {
			continue
		}
		var decoded T
		if err := decodeWire(format, evt.Data, &decoded); err != nil {
			return nil, fmt.Errorf("%w: decode collection member: %v", ErrSerialization, err)
		}
		out = append(out, decoded)
	}
	return out, nil
}
