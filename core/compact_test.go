package core

import (
	"testing"
	"time"
)

func TestCompactorChainResolveAllAbstainKeeps(t *testing.T) {
	chain := CompactorChain{Compactors: []Compactor{
		CompactorFunc(func(Event, CompactionContext) Verdict { return VerdictAbstain }),
	}}
	v := chain.Resolve(Event{}, CompactionContext{})
	if v != VerdictKeep {
		t.Fatalf("expected all-abstain to default to Keep, got %v", v)
	}
}

func TestCompactorChainResolvePicksHighestVerdict(t *testing.T) {
	chain := CompactorChain{Compactors: []Compactor{
		CompactorFunc(func(Event, CompactionContext) Verdict { return VerdictDrop }),
		CompactorFunc(func(Event, CompactionContext) Verdict { return VerdictForceKeep }),
		CompactorFunc(func(Event, CompactionContext) Verdict { return VerdictKeep }),
	}}
	v := chain.Resolve(Event{}, CompactionContext{})
	if v != VerdictForceKeep {
		t.Fatalf("expected ForceKeep to win, got %v", v)
	}
}

func TestLatestPerKeyCompactorDropsSuperseded(t *testing.T) {
	tl := NewTimeline()
	key := NewPrimaryKey()
	older := Event{Header: Header{PrimaryKey: key, Timestamp: 1}, Hash: HashBytes([]byte("older"))}
	newer := Event{Header: Header{PrimaryKey: key, Timestamp: 2}, Hash: HashBytes([]byte("newer"))}
	tl.Observe(older)
	tl.Observe(newer)

	ctx := CompactionContext{Timeline: tl}
	c := LatestPerKeyCompactor{}
	if v := c.Compact(older, ctx); v != VerdictDrop {
		t.Fatalf("expected superseded event to Drop, got %v", v)
	}
	if v := c.Compact(newer, ctx); v != VerdictKeep {
		t.Fatalf("expected latest event to Keep, got %v", v)
	}
}

func TestTombstoneTerminatesCompactorKeepsCurrentTombstone(t *testing.T) {
	tl := NewTimeline()
	key := NewPrimaryKey()
	tomb := Event{Header: Header{PrimaryKey: key, Timestamp: 1, Tombstone: true}, Hash: HashBytes([]byte("tomb"))}
	tl.Observe(tomb)

	c := TombstoneTerminatesCompactor{}
	ctx := CompactionContext{Timeline: tl}
	if v := c.Compact(tomb, ctx); v != VerdictKeep {
		t.Fatalf("expected current tombstone to Keep, got %v", v)
	}

	nonTomb := Event{Header: Header{PrimaryKey: key}}
	if v := c.Compact(nonTomb, ctx); v != VerdictAbstain {
		t.Fatalf("expected non-tombstone to Abstain, got %v", v)
	}
}

func TestTombstoneTerminatesCompactorDropsSupersededTombstone(t *testing.T) {
	tl := NewTimeline()
	key := NewPrimaryKey()
	tomb := Event{Header: Header{PrimaryKey: key, Timestamp: 1, Tombstone: true}, Hash: HashBytes([]byte("tomb"))}
	resurrection := Event{Header: Header{PrimaryKey: key, Timestamp: 2}, Hash: HashBytes([]byte("new"))}
	tl.Observe(tomb)
	tl.Observe(resurrection)

	c := TombstoneTerminatesCompactor{}
	ctx := CompactionContext{Timeline: tl}
	if v := c.Compact(tomb, ctx); v != VerdictDrop {
		t.Fatalf("expected superseded tombstone to Drop, got %v", v)
	}
}

func TestTombstoneTerminatesCompactorExpiresAfterGracePeriod(t *testing.T) {
	tl := NewTimeline()
	key := NewPrimaryKey()
	now := time.Now()
	tomb := Event{
		Header: Header{PrimaryKey: key, Timestamp: now.Add(-2 * time.Minute).UnixNano(), Tombstone: true},
		Hash:   HashBytes([]byte("tomb")),
	}
	tl.Observe(tomb)
	ctx := CompactionContext{Timeline: tl}

	fresh := TombstoneTerminatesCompactor{GracePeriod: time.Hour, Now: func() time.Time { return now }}
	if v := fresh.Compact(tomb, ctx); v != VerdictKeep {
		t.Fatalf("expected tombstone within its grace period to Keep, got %v", v)
	}

	expired := TombstoneTerminatesCompactor{GracePeriod: time.Minute, Now: func() time.Time { return now }}
	if v := expired.Compact(tomb, ctx); v != VerdictDrop {
		t.Fatalf("expected tombstone past its grace period to Drop, got %v", v)
	}
}

func TestPublicKeyRetentionCompactorForceKeepsReferencedSigner(t *testing.T) {
	signerHash := HashBytes([]byte("signer"))
	evt := Event{Header: Header{PublicKey: &PublicKeyAttachment{Hash: signerHash}}}

	referenced := CompactionContext{ReferencedSigners: map[Hash]struct{}{signerHash: {}}}
	c := PublicKeyRetentionCompactor{}
	if v := c.Compact(evt, referenced); v != VerdictForceKeep {
		t.Fatalf("expected referenced signer to ForceKeep, got %v", v)
	}

	unreferenced := CompactionContext{ReferencedSigners: map[Hash]struct{}{}}
	if v := c.Compact(evt, unreferenced); v != VerdictAbstain {
		t.Fatalf("expected unreferenced signer to Abstain, got %v", v)
	}
}
