package core

import (
	"sort"
	"sync"
)

// TimelineLeaf is the latest known state for a primary key: which event
// hash currently represents it and whether that event tombstoned it.
type TimelineLeaf struct {
	EventHash  Hash
	Tombstoned bool
	Timestamp  int64
}

// Timeline is the in-memory indexer plugin (C6): the last stage before a
// sink, maintaining the per-key head, parent/child adjacency, and a
// timestamp-ordered view, all derived purely from accepted events. It is
// not consulted for replay decisions; TreeAuthority reads it, through
// Chain.HeaderOf, to find parent headers when resolving Inherit policies.
type Timeline struct {
	mu sync.RWMutex

	// latest maps a primary key to its current head.
	latest map[PrimaryKey]TimelineLeaf

	// children maps a parent primary key to the ordered list of primary
	// keys that named it as ParentLink, insertion order preserved.
	children map[PrimaryKey][]PrimaryKey

	// byTime is a timestamp-ascending list of (timestamp, hash) pairs for
	// range scans ("everything committed after T").
	byTime []timelineEntry
}

type timelineEntry struct {
	Timestamp int64
	Hash      Hash
	Key       PrimaryKey
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		latest:   make(map[PrimaryKey]TimelineLeaf),
		children: make(map[PrimaryKey][]PrimaryKey),
	}
}

// Observe records an accepted event's effect on the index. Called by the
// chain's single-writer feed loop once an event has cleared the whole
// plugin pipeline.
func (t *Timeline) Observe(evt Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := TimelineLeaf{
		EventHash:  evt.Hash,
		Tombstoned: evt.Header.Tombstone,
		Timestamp:  evt.Header.Timestamp,
	}
	t.latest[evt.Header.PrimaryKey] = leaf
	entry := timelineEntry{
		Timestamp: evt.Header.Timestamp,
		Hash:      evt.Hash,
		Key:       evt.Header.PrimaryKey,
	}
	i := sort.Search(len(t.byTime), func(i int) bool { return t.byTime[i].Timestamp > entry.Timestamp })
	t.byTime = append(t.byTime, timelineEntry{})
	copy(t.byTime[i+1:], t.byTime[i:])
	t.byTime[i] = entry

	if evt.Header.ParentLink != nil {
		parent := *evt.Header.ParentLink
		for _, existing := range t.children[parent] {
			if existing == evt.Header.PrimaryKey {
				return
			}
		}
		t.children[parent] = append(t.children[parent], evt.Header.PrimaryKey)
	}
}

// Latest returns the current head leaf for a primary key.
func (t *Timeline) Latest(key PrimaryKey) (TimelineLeaf, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf, ok := t.latest[key]
	return leaf, ok
}

// Children returns, in first-seen order, every primary key that an
// observed event has linked to parent through ParentLink; a key stays
// listed after a later event changes or drops its ParentLink. The
// returned slice is a copy.
func (t *Timeline) Children(parent PrimaryKey) []PrimaryKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	kids := t.children[parent]
	out := make([]PrimaryKey, len(kids))
	copy(out, kids)
	return out
}

// Since returns every event hash committed at or after ts, in timestamp
// order; events with equal timestamps keep their arrival order.
func (t *Timeline) Since(ts int64) []Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Hash
	for _, e := range t.byTime {
		if e.Timestamp >= ts {
			out = append(out, e.Hash)
		}
	}
	return out
}

// Forget removes a primary key's head entry, used when a compactor drops
// an event during Flip and no newer event superseded it (the key reverts
// to unknown rather than pointing at a pruned hash).
func (t *Timeline) Forget(key PrimaryKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.latest, key)
}

// Len reports how many distinct primary keys the timeline currently
// tracks.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.latest)
}
