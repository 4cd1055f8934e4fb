package core

import "time"

// Verdict is a compactor's vote on whether an event survives a Flip.
// Numeric ordering doubles as the tie-break priority:
// ForceKeep > Keep > Drop > Abstain.
type Verdict uint8

const (
	VerdictAbstain Verdict = iota
	VerdictDrop
	VerdictKeep
	VerdictForceKeep
)

// CompactionContext gives a Compactor read access to the indices it needs
// to render a verdict, without granting it write access to the chain.
type CompactionContext struct {
	Timeline  *Timeline
	AntiReplay *AntiReplay
	// ReferencedSigners is the set of public-key hashes cited in a
	// Signature by some event on disk when the Flip starts, used by
	// PublicKeyRetentionCompactor. Chain.Flip builds it before any verdict
	// is rendered, so it also counts signatures on events that the same
	// Flip then drops.
	ReferencedSigners map[Hash]struct{}
}

// Compactor renders a per-event verdict during a Flip. User compactors
// implement this interface directly; the built-in policies below cover the
// common retention cases.
type Compactor interface {
	Compact(evt Event, ctx CompactionContext) Verdict
}

// CompactorChain runs every compactor over an event and resolves their
// verdicts by priority (ForceKeep > Keep > Drop > Abstain). If every
// compactor abstains, the event is kept — an unopinionated chain should
// never silently lose data.
type CompactorChain struct {
	Compactors []Compactor
}

func (c CompactorChain) Resolve(evt Event, ctx CompactionContext) Verdict {
	best := VerdictAbstain
	for _, cp := range c.Compactors {
		v := cp.Compact(evt, ctx)
		if v > best {
			best = v
		}
	}
	if best == VerdictAbstain {
		return VerdictKeep
	}
	return best
}

// LatestPerKeyCompactor keeps only the latest event for each primary key,
// as recorded by the timeline's primary index. Tombstones are left for
// TombstoneTerminatesCompactor to decide, since a tombstone being "latest"
// doesn't by itself mean it should be kept forever.
type LatestPerKeyCompactor struct{}

func (LatestPerKeyCompactor) Compact(evt Event, ctx CompactionContext) Verdict {
	if evt.Header.Tombstone {
		return VerdictAbstain
	}
	leaf, ok := ctx.Timeline.Latest(evt.Header.PrimaryKey)
	if !ok {
		return VerdictDrop
	}
	if leaf.EventHash == evt.Hash {
		return VerdictKeep
	}
	return VerdictDrop
}

// TombstoneTerminatesCompactor owns the full retention decision for
// tombstones: a superseded tombstone (one no longer the current event for
// its key) always drops, and the current tombstone is kept until
// GracePeriod has elapsed since it was written, at which point it drops
// too — freeing the key entirely so a fresh write can reuse it without
// history. A zero GracePeriod keeps the current tombstone forever. Now
// defaults to time.Now when nil, overridable in tests.
type TombstoneTerminatesCompactor struct {
	GracePeriod time.Duration
	Now         func() time.Time
}

func (c TombstoneTerminatesCompactor) Compact(evt Event, ctx CompactionContext) Verdict {
	if !evt.Header.Tombstone {
		return VerdictAbstain
	}
	leaf, ok := ctx.Timeline.Latest(evt.Header.PrimaryKey)
	if !ok || leaf.EventHash != evt.Hash {
		return VerdictDrop
	}
	if c.GracePeriod <= 0 {
		return VerdictKeep
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	age := now().Sub(time.Unix(0, evt.Header.Timestamp))
	if age >= c.GracePeriod {
		return VerdictDrop
	}
	return VerdictKeep
}

// PublicKeyRetentionCompactor keeps a PublicKey-registering event as long
// as some surviving event still references it in a Signature, so ingress
// verification of older, still-relevant events keeps working after a Flip.
type PublicKeyRetentionCompactor struct{}

func (PublicKeyRetentionCompactor) Compact(evt Event, ctx CompactionContext) Verdict {
	if evt.Header.PublicKey == nil {
		return VerdictAbstain
	}
	if _, referenced := ctx.ReferencedSigners[evt.Header.PublicKey.Hash]; referenced {
		return VerdictForceKeep
	}
	return VerdictAbstain
}

// CompactorFunc adapts a plain function to the Compactor interface, for
// small user-supplied policies that don't need their own type.
type CompactorFunc func(evt Event, ctx CompactionContext) Verdict

func (f CompactorFunc) Compact(evt Event, ctx CompactionContext) Verdict { return f(evt, ctx) }
