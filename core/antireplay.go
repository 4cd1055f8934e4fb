package core

import (
	"fmt"
	"sync"
)

// AntiReplay is both a validator (reject an event whose hash has already
// been accepted) and a sink (record the hash once an event is accepted).
// It is the first plugin in the chain pipeline.
type AntiReplay struct {
	mu   sync.RWMutex
	seen map[Hash]struct{}
}

// NewAntiReplay returns an empty anti-replay set.
func NewAntiReplay() *AntiReplay {
	return &AntiReplay{seen: make(map[Hash]struct{})}
}

// Validate rejects an event whose hash is already known.
func (ar *AntiReplay) Validate(evt *Event) error {
	ar.mu.RLock()
	_, dup := ar.seen[evt.Hash]
	ar.mu.RUnlock()
	if dup {
		return fmt.Errorf("%w: duplicate event hash %s", ErrValidation, evt.Hash.Short())
	}
	return nil
}

// Record accepts an event hash into the anti-replay set. Called after an
// event clears every other plugin in the pipeline.
func (ar *AntiReplay) Record(h Hash) {
	ar.mu.Lock()
	ar.seen[h] = struct{}{}
	ar.mu.Unlock()
}

// RelevanceCheck reports whether h has already been seen during an initial
// disk load, so the caller (C2's replay loop) can skip re-processing an
// older duplicate copy in place rather than rejecting it outright.
func (ar *AntiReplay) RelevanceCheck(h Hash) (alreadySeen bool) {
	ar.mu.RLock()
	_, alreadySeen = ar.seen[h]
	ar.mu.RUnlock()
	return alreadySeen
}

// Forget removes a hash from the anti-replay set, used by Flip/compaction
// when an event is dropped from the log entirely (it must be re-acceptable
// if some future sync resends it).
func (ar *AntiReplay) Forget(h Hash) {
	ar.mu.Lock()
	delete(ar.seen, h)
	ar.mu.Unlock()
}

// Len reports how many distinct event hashes are tracked.
func (ar *AntiReplay) Len() int {
	ar.mu.RLock()
	defer ar.mu.RUnlock()
	return len(ar.seen)
}
