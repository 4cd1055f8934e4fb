package core

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// TrustMode controls how much verification work the chain repeats for an
// event that arrives already vetted by another replica.
type TrustMode uint8

const (
	// TrustDistributed re-runs the full plugin pipeline (anti-replay,
	// signature, tree authority) on every event regardless of origin.
	// The default, and the only safe mode for a chain with untrusted peers.
	TrustDistributed TrustMode = iota

	// TrustCentralized skips signature and tree-authority re-verification
	// for events arriving over an already-authenticated mesh session from
	// a configured upstream authority; anti-replay still runs. Intended
	// for read-replica topologies where the upstream is the sole writer.
	TrustCentralized
)

// Plugin is a single stage of the ingress pipeline: AntiReplay,
// SignaturePlugin and TreeAuthority all satisfy it.
type Plugin interface {
	Validate(evt *Event) error
}

// Sink is the terminal stage that commits an event once every Plugin
// has accepted it.
type Sink interface {
	Observe(evt Event)
}

// Chain owns one redo-log and the plugin pipeline guarding it: the unit
// of replication and authorization, with a single writer goroutine
// appending events in the order they are accepted.
type Chain struct {
	mu sync.RWMutex

	redoLog    *RedoLog
	antiReplay *AntiReplay
	sigPlugin  *SignaturePlugin
	treeAuth   *TreeAuthority
	timeline   *Timeline
	trustMode  TrustMode

	feed chan submitRequest
	done chan struct{}

	subsMu sync.Mutex
	subs   []chan Hash

	log *logrus.Entry
}

type submitRequest struct {
	header Header
	data   []byte
	trust  bool // true: skip signature/tree-authority re-verification
	reply  chan submitResult
}

type submitResult struct {
	event Event
	err   error
}

// ChainOptions configures OpenChain.
type ChainOptions struct {
	Format        WireFormat
	Sync          SyncPolicy
	TrustMode     TrustMode
	KeyCacheSize  int
}

// OpenChain opens (or creates) the redo-log at path and wires the default
// plugin pipeline around it, then starts the single-writer feed loop.
func OpenChain(path string, opts ChainOptions) (*Chain, error) {
	if opts.KeyCacheSize <= 0 {
		opts.KeyCacheSize = 4096
	}
	rl, err := OpenRedoLog(path, opts.Format, opts.Sync)
	if err != nil {
		return nil, err
	}
	sigPlugin, err := NewSignaturePlugin(opts.KeyCacheSize)
	if err != nil {
		rl.Close()
		return nil, err
	}

	c := &Chain{
		redoLog:    rl,
		antiReplay: NewAntiReplay(),
		sigPlugin:  sigPlugin,
		timeline:   NewTimeline(),
		trustMode:  opts.TrustMode,
		feed:       make(chan submitRequest, 64),
		done:       make(chan struct{}),
		log:        logrus.WithField("component", "chain").WithField("path", path),
	}
	c.treeAuth = NewTreeAuthority(c)

	if err := c.replayTimeline(); err != nil {
		rl.Close()
		return nil, err
	}

	go c.runFeedLoop()
	return c, nil
}

// replayTimeline rebuilds the in-memory indexer and anti-replay set from
// whatever is already on disk, so a reopened chain resumes with a warm
// index instead of rescanning on first read.
func (c *Chain) replayTimeline() error {
	events, err := c.redoLog.All()
	if err != nil {
		return err
	}
	for _, evt := range events {
		c.antiReplay.Record(evt.Hash)
		c.timeline.Observe(evt)
		if evt.Header.PublicKey != nil {
			_ = c.sigPlugin.Learn(evt.Header.PublicKey.Hash, evt.Header.PublicKey.Key)
		}
	}
	return nil
}

// HeaderOf implements ParentResolver for TreeAuthority by resolving a
// primary key's current head header out of the redo-log.
func (c *Chain) HeaderOf(key PrimaryKey) (Header, bool) {
	leaf, ok := c.timeline.Latest(key)
	if !ok {
		return Header{}, false
	}
	evt, err := c.redoLog.Read(leaf.EventHash)
	if err != nil {
		return Header{}, false
	}
	return evt.Header, true
}

func (c *Chain) runFeedLoop() {
	for {
		select {
		case req := <-c.feed:
			evt, err := c.process(req)
			req.reply <- submitResult{event: evt, err: err}
		case <-c.done:
			return
		}
	}
}

// process runs one event through the pipeline and, on success, the sink.
// It only ever runs on the feed loop goroutine, giving every chain a
// single writer regardless of how many callers call Submit concurrently —
// events commit in the order the chain accepts them.
func (c *Chain) process(req submitRequest) (Event, error) {
	hash, err := ComputeEventHash(c.redoLog.format, req.header)
	if err != nil {
		return Event{}, err
	}
	evt := Event{Header: req.header, Hash: hash, Data: req.data}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}

	if err := c.antiReplay.Validate(&evt); err != nil {
		return Event{}, err
	}
	if !(req.trust && c.trustMode == TrustCentralized) {
		if err := c.sigPlugin.Validate(&evt); err != nil {
			return Event{}, err
		}
		if err := c.treeAuth.Validate(&evt); err != nil {
			return Event{}, err
		}
	}

	if _, _, err := c.redoLog.Append(evt.Header, evt.Data); err != nil {
		return Event{}, err
	}
	c.antiReplay.Record(evt.Hash)
	c.timeline.Observe(evt)
	c.broadcastDecache(evt.Hash)
	return evt, nil
}

// Submit hands a fully-built event to the chain's pipeline and blocks
// until it has been validated and durably appended (or rejected).
func (c *Chain) Submit(header Header, data []byte) (Event, error) {
	reply := make(chan submitResult, 1)
	c.feed <- submitRequest{header: header, data: data, reply: reply}
	res := <-reply
	return res.event, res.err
}

// SubmitTrusted is Submit with the chain's TrustMode degradation applied:
// under TrustCentralized it skips signature/tree-authority re-
// verification, for events relayed by an already-authenticated upstream
// mesh session (C10).
func (c *Chain) SubmitTrusted(header Header, data []byte) (Event, error) {
	reply := make(chan submitResult, 1)
	c.feed <- submitRequest{header: header, data: data, trust: true, reply: reply}
	res := <-reply
	return res.event, res.err
}

// Load resolves a primary key to its current event. A tombstoned key
// returns ErrTombstoned; an unknown key returns ErrNotFound.
func (c *Chain) Load(key PrimaryKey) (Event, error) {
	leaf, ok := c.timeline.Latest(key)
	if !ok {
		return Event{}, ErrNotFound
	}
	if leaf.Tombstoned {
		return Event{}, ErrTombstoned
	}
	return c.redoLog.Read(leaf.EventHash)
}

// LoadByHash returns an event regardless of whether it is still the
// current head for its primary key (used by mesh catch-up and history
// reads).
func (c *Chain) LoadByHash(h Hash) (Event, error) {
	return c.redoLog.Read(h)
}

// Children returns the ordered primary keys whose current head names
// parent as ParentLink.
func (c *Chain) Children(parent PrimaryKey) []PrimaryKey {
	return c.timeline.Children(parent)
}

// Subscribe registers a channel that receives the hash of every event
// this chain commits, so a DIO read cache (C8) can invalidate stale
// entries. The returned function unsubscribes.
func (c *Chain) Subscribe(buffer int) (ch <-chan Hash, unsubscribe func()) {
	sub := make(chan Hash, buffer)
	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()
	return sub, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(sub)
				return
			}
		}
	}
}

func (c *Chain) broadcastDecache(h Hash) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub <- h:
		default:
			c.log.Warn("decache subscriber full, dropping notification")
		}
	}
}

// Flip runs the compactor chain over every event currently on disk and
// rewrites the log to keep only what survives. Concurrent Flip calls are
// serialized by the chain's mutex.
func (c *Chain) Flip(compactors CompactorChain) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	events, err := c.redoLog.All()
	if err != nil {
		return err
	}

	referenced := make(map[Hash]struct{})
	for _, evt := range events {
		for _, sig := range evt.Header.Signatures {
			referenced[sig.SignerHash] = struct{}{}
		}
	}
	ctx := CompactionContext{Timeline: c.timeline, AntiReplay: c.antiReplay, ReferencedSigners: referenced}

	handle, err := c.redoLog.Flip()
	if err != nil {
		return err
	}
	kept := 0
	for _, evt := range events {
		verdict := compactors.Resolve(evt, ctx)
		if verdict == VerdictDrop {
			c.antiReplay.Forget(evt.Hash)
			continue
		}
		if err := handle.CopyEvent(evt.Hash); err != nil {
			_ = handle.Abort()
			return fmt.Errorf("%w: copy surviving event during flip: %v", ErrIO, err)
		}
		kept++
	}
	if err := handle.Commit(); err != nil {
		return err
	}
	c.log.WithField("kept", kept).WithField("total", len(events)).Info("flip complete")
	return nil
}

// Backup streams a consistent snapshot of the chain's redo-log.
func (c *Chain) Backup(w io.Writer, includeActive bool) error {
	return c.redoLog.Backup(w, includeActive)
}

// EventCount reports how many events are currently in the redo-log.
func (c *Chain) EventCount() int { return c.redoLog.Len() }

// PrimaryKeyCount reports how many distinct primary keys the timeline
// currently tracks.
func (c *Chain) PrimaryKeyCount() int { return c.timeline.Len() }

// Close stops the feed loop and closes the underlying redo-log.
func (c *Chain) Close() error {
	close(c.done)
	return c.redoLog.Close()
}
