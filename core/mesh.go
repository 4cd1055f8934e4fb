package core

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// MeshState is the client-visible lifecycle of a mesh session pipe: one
// correlated request/reply connection to a single upstream chain.
type MeshState int32

const (
	MeshConnecting MeshState = iota
	MeshConnected
	MeshReadOnly
	MeshDisconnected
)

func (s MeshState) String() string {
	switch s {
	case MeshConnecting:
		return "connecting"
	case MeshConnected:
		return "connected"
	case MeshReadOnly:
		return "read-only"
	case MeshDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// RecoveryMode decides what a session does when its transport drops.
type RecoveryMode uint8

const (
	// RecoveryErrorOnLoss marks the session MeshDisconnected and rejects
	// every pending commit and ends every pending load; pending Lock calls
	// are not failed. The session does not reconnect.
	RecoveryErrorOnLoss RecoveryMode = iota
	// RecoveryReadOnlyOnLoss marks the session MeshReadOnly and rejects
	// every pending commit (reason ErrReadOnly) and ends every pending load.
	// The session does not reconnect in this mode, and commits are neither
	// upgraded to Full scope nor held for a later flush.
	RecoveryReadOnlyOnLoss
	// RecoverySilentRetry reconnects in the background and FIFO-replays
	// any commits that were in flight when the drop happened.
	RecoverySilentRetry
)

// MeshMessageKind tags the variant of a MeshMessage. Go has no sum type,
// so — as in Header (event.go) — every variant becomes a named optional
// field on one struct rather than a family of types.
type MeshMessageKind uint8

const (
	MsgHello MeshMessageKind = iota
	MsgEvents
	MsgConfirmed
	MsgRejected
	MsgLoadMany
	MsgPayload
	MsgEndOfLoad
	MsgLock
	MsgLockReply
	MsgUnlock
	MsgSubscribe
	MsgEvent
	MsgFatalTerminate
)

// MeshMessage is the single wire envelope for every message a mesh
// session pipe exchanges.
type MeshMessage struct {
	Kind MeshMessageKind

	// CommitID correlates an Events request with its eventual
	// Confirmed/Rejected reply.
	CommitID string
	// LoadID correlates a LoadMany request with the Payload messages and
	// terminal EndOfLoad that answer it.
	LoadID string

	Format  WireFormat
	Headers []Header
	Datas   [][]byte
	Keys    []PrimaryKey
	Event   *Event

	LockKey PrimaryKey
	Granted bool

	Reason string
}

func encodeMeshMessage(m MeshMessage) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encode mesh message: %v", ErrSerialization, err)
	}
	return b, nil
}

func decodeMeshMessage(b []byte) (MeshMessage, error) {
	var m MeshMessage
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return MeshMessage{}, fmt.Errorf("%w: decode mesh message: %v", ErrSerialization, err)
	}
	return m, nil
}

// pendingCommit records a commit that this session sent but had not yet
// heard Confirmed/Rejected for. On reconnect under RecoverySilentRetry
// these replay in the order they were originally submitted: an in-flight
// Full-scope commit is re-queued, not failed.
type pendingCommit struct {
	msg   MeshMessage
	reply chan MeshMessage
}

// MeshSession is one client-side connection in the mesh replication
// protocol: a single logical pipe to one upstream chain server, carrying
// correlated async request/reply traffic over a gorilla websocket
// transport, with a background read loop fanning incoming messages out to
// channel-based subscribers.
type MeshSession struct {
	url      string
	chain    *Chain
	recovery RecoveryMode

	conn     *websocket.Conn
	writeMu  sync.Mutex
	state    atomic.Int32

	mu           sync.Mutex
	pendingByID  map[string]chan MeshMessage
	loadChansByID map[string]chan MeshMessage
	locksByKey   map[PrimaryKey]chan MeshMessage
	inFlight     []*pendingCommit

	subMu   sync.Mutex
	subs    []chan Event

	done chan struct{}
	log  *logrus.Entry
}

// Dial opens a mesh session to url, sends the Hello handshake, and starts
// the background read loop. Events pushed by the server (MsgEvent) are
// applied to chain via SubmitTrusted — callers are expected to have
// configured chain with TrustCentralized if this upstream is to be
// trusted without re-verifying signatures.
func Dial(url string, chain *Chain, recovery RecoveryMode) (*MeshSession, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDisconnected, url, err)
	}
	ms := &MeshSession{
		url:           url,
		chain:         chain,
		recovery:      recovery,
		conn:          conn,
		pendingByID:   make(map[string]chan MeshMessage),
		loadChansByID: make(map[string]chan MeshMessage),
		locksByKey:    make(map[PrimaryKey]chan MeshMessage),
		done:          make(chan struct{}),
		log:           logrus.WithField("component", "mesh").WithField("url", url),
	}
	ms.state.Store(int32(MeshConnecting))

	if err := ms.send(MeshMessage{Kind: MsgHello}); err != nil {
		conn.Close()
		return nil, err
	}
	ms.state.Store(int32(MeshConnected))
	go ms.readLoop()
	return ms, nil
}

// State reports the session's current lifecycle state.
func (ms *MeshSession) State() MeshState { return MeshState(ms.state.Load()) }

func (ms *MeshSession) send(m MeshMessage) error {
	b, err := encodeMeshMessage(m)
	if err != nil {
		return err
	}
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()
	if err := ms.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (ms *MeshSession) readLoop() {
	for {
		_, raw, err := ms.conn.ReadMessage()
		if err != nil {
			ms.handleDisconnect(err)
			return
		}
		msg, err := decodeMeshMessage(raw)
		if err != nil {
			ms.log.WithError(err).Warn("dropping malformed mesh message")
			continue
		}
		ms.dispatch(msg)
	}
}

func (ms *MeshSession) dispatch(msg MeshMessage) {
	switch msg.Kind {
	case MsgConfirmed, MsgRejected:
		ms.mu.Lock()
		ch, ok := ms.pendingByID[msg.CommitID]
		if ok {
			delete(ms.pendingByID, msg.CommitID)
			ms.removeInFlight(msg.CommitID)
		}
		ms.mu.Unlock()
		if ok {
			ch <- msg
		}

	case MsgPayload:
		ms.mu.Lock()
		ch, ok := ms.loadChansByID[msg.LoadID]
		ms.mu.Unlock()
		if ok {
			ch <- msg
		}

	case MsgEndOfLoad:
		ms.mu.Lock()
		ch, ok := ms.loadChansByID[msg.LoadID]
		if ok {
			delete(ms.loadChansByID, msg.LoadID)
		}
		ms.mu.Unlock()
		if ok {
			ch <- msg
			close(ch)
		}

	case MsgLockReply:
		ms.mu.Lock()
		ch, ok := ms.locksByKey[msg.LockKey]
		if ok {
			delete(ms.locksByKey, msg.LockKey)
		}
		ms.mu.Unlock()
		if ok {
			ch <- msg
		}

	case MsgEvent:
		if msg.Event == nil {
			return
		}
		if ms.chain != nil {
			if _, err := ms.chain.SubmitTrusted(msg.Event.Header, msg.Event.Data); err != nil {
				ms.log.WithError(err).Warn("rejected event pushed by mesh upstream")
				return
			}
		}
		ms.broadcastLocal(*msg.Event)

	case MsgFatalTerminate:
		ms.log.WithField("reason", msg.Reason).Warn("mesh upstream sent fatal terminate")
		ms.conn.Close()

	default:
		ms.log.Warnf("unexpected mesh message kind %d from server role", msg.Kind)
	}
}

func (ms *MeshSession) removeInFlight(commitID string) {
	out := ms.inFlight[:0]
	for _, pc := range ms.inFlight {
		if pc.msg.CommitID != commitID {
			out = append(out, pc)
		}
	}
	ms.inFlight = out
}

// handleDisconnect applies RecoveryMode when the transport dies.
func (ms *MeshSession) handleDisconnect(cause error) {
	ms.log.WithError(cause).Warn("mesh transport lost")
	switch ms.recovery {
	case RecoveryErrorOnLoss:
		ms.state.Store(int32(MeshDisconnected))
		ms.failAllPending(ErrDisconnected)
	case RecoveryReadOnlyOnLoss:
		ms.state.Store(int32(MeshReadOnly))
		ms.failAllPending(ErrReadOnly)
	case RecoverySilentRetry:
		ms.state.Store(int32(MeshDisconnected))
		go ms.reconnectAndReplay()
	}
}

func (ms *MeshSession) failAllPending(cause error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for id, ch := range ms.pendingByID {
		ch <- MeshMessage{Kind: MsgRejected, CommitID: id, Reason: cause.Error()}
		delete(ms.pendingByID, id)
	}
	for id, ch := range ms.loadChansByID {
		close(ch)
		delete(ms.loadChansByID, id)
	}
}

// reconnectAndReplay retries the dial until it succeeds, then FIFO-
// replays every commit that was in flight at disconnect time, in their
// original submission order — the chosen resolution for a Full-scope
// commit caught mid-flight (no event is ever silently dropped by a
// transient disconnect under SilentRetry).
func (ms *MeshSession) reconnectAndReplay() {
	backoff := 200 * time.Millisecond
	for {
		select {
		case <-ms.done:
			return
		default:
		}
		conn, _, err := websocket.DefaultDialer.Dial(ms.url, nil)
		if err != nil {
			time.Sleep(backoff)
			if backoff < 10*time.Second {
				backoff *= 2
			}
			continue
		}
		ms.writeMu.Lock()
		ms.conn = conn
		ms.writeMu.Unlock()
		ms.state.Store(int32(MeshConnected))
		go ms.readLoop()

		ms.mu.Lock()
		queued := append([]*pendingCommit(nil), ms.inFlight...)
		ms.mu.Unlock()
		for _, pc := range queued {
			_ = ms.send(pc.msg)
		}
		return
	}
}

// CommitEvents submits a batch of events to the upstream, returning once
// scope's durability requirement is met. ScopeNone returns as soon as the
// write is flushed to the transport.
func (ms *MeshSession) CommitEvents(format WireFormat, headers []Header, datas [][]byte, scope Scope) error {
	commitID := uuid.NewString()
	msg := MeshMessage{Kind: MsgEvents, CommitID: commitID, Format: format, Headers: headers, Datas: datas}

	reply := make(chan MeshMessage, 1)
	ms.mu.Lock()
	ms.pendingByID[commitID] = reply
	pc := &pendingCommit{msg: msg, reply: reply}
	ms.inFlight = append(ms.inFlight, pc)
	ms.mu.Unlock()

	if err := ms.send(msg); err != nil {
		return err
	}
	if scope == ScopeNone {
		return nil
	}

	select {
	case resp := <-reply:
		if resp.Kind == MsgRejected {
			return fmt.Errorf("%w: %s", ErrServerRejected, resp.Reason)
		}
		return nil
	case <-time.After(30 * time.Second):
		return ErrTimeout
	}
}

// AwaitQuorum implements QuorumWaiter for DioMut.Commit(ScopeFull): it
// sends a header-less Events message and waits for the upstream's
// Confirmed/Rejected reply, piggy-backing on the same exchange used for
// CommitEvents. The hashes argument is not sent; the server acknowledges
// any header-less Events message immediately, without checking which
// events it holds.
func (ms *MeshSession) AwaitQuorum(hashes []Hash) error {
	commitID := uuid.NewString()
	msg := MeshMessage{Kind: MsgEvents, CommitID: commitID, Keys: nil}
	reply := make(chan MeshMessage, 1)
	ms.mu.Lock()
	ms.pendingByID[commitID] = reply
	ms.mu.Unlock()

	if err := ms.send(msg); err != nil {
		return err
	}
	select {
	case resp := <-reply:
		if resp.Kind == MsgRejected {
			return fmt.Errorf("%w: quorum wait: %s", ErrServerRejected, resp.Reason)
		}
		return nil
	case <-time.After(30 * time.Second):
		return ErrTimeout
	}
}

// LoadMany requests a bulk catch-up load of the given keys, streaming
// Payload messages into the returned channel until EndOfLoad closes it.
func (ms *MeshSession) LoadMany(keys []PrimaryKey) (<-chan Event, error) {
	loadID := uuid.NewString()
	ch := make(chan MeshMessage, 16)
	ms.mu.Lock()
	ms.loadChansByID[loadID] = ch
	ms.mu.Unlock()

	if err := ms.send(MeshMessage{Kind: MsgLoadMany, LoadID: loadID, Keys: keys}); err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for m := range ch {
			if m.Kind == MsgPayload && m.Event != nil {
				out <- *m.Event
			}
		}
	}()
	return out, nil
}

// Lock requests an exclusive remote lock on key, blocking until the
// upstream grants or denies it.
func (ms *MeshSession) Lock(key PrimaryKey) error {
	reply := make(chan MeshMessage, 1)
	ms.mu.Lock()
	ms.locksByKey[key] = reply
	ms.mu.Unlock()

	if err := ms.send(MeshMessage{Kind: MsgLock, LockKey: key}); err != nil {
		return err
	}
	select {
	case resp := <-reply:
		if !resp.Granted {
			return ErrObjectStillLocked
		}
		return nil
	case <-time.After(30 * time.Second):
		return ErrTimeout
	}
}

// Unlock releases a previously-granted remote lock.
func (ms *MeshSession) Unlock(key PrimaryKey) error {
	return ms.send(MeshMessage{Kind: MsgUnlock, LockKey: key})
}

// Subscribe asks the upstream to start pushing MsgEvent notifications for
// its chain, and returns a channel of locally-applied events.
func (ms *MeshSession) Subscribe(buffer int) (<-chan Event, error) {
	if err := ms.send(MeshMessage{Kind: MsgSubscribe}); err != nil {
		return nil, err
	}
	sub := make(chan Event, buffer)
	ms.subMu.Lock()
	ms.subs = append(ms.subs, sub)
	ms.subMu.Unlock()
	return sub, nil
}

func (ms *MeshSession) broadcastLocal(evt Event) {
	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	for _, sub := range ms.subs {
		select {
		case sub <- evt:
		default:
			ms.log.Warn("local mesh subscriber full, dropping event")
		}
	}
}

// Close tears down the session permanently; RecoverySilentRetry will not
// attempt to reconnect afterward.
func (ms *MeshSession) Close() error {
	close(ms.done)
	ms.state.Store(int32(MeshDisconnected))
	return ms.conn.Close()
}

// MeshServer is the accept side of the mesh replication protocol: it
// upgrades incoming HTTP connections to websockets and services each one
// as an independent peer pipe against a single shared chain, one goroutine
// per connected peer.
type MeshServer struct {
	chain     *Chain
	format    WireFormat
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]chan Hash

	locksMu sync.Mutex
	locks   map[PrimaryKey]*websocket.Conn
}

// NewMeshServer wires a server around chain. format is stored on the
// server but not used: MsgEvent pushes carry the committed Event inside
// the msgpack-encoded mesh envelope whatever format is.
func NewMeshServer(chain *Chain, format WireFormat) *MeshServer {
	return &MeshServer{
		chain:  chain,
		format: format,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]chan Hash),
		locks: make(map[PrimaryKey]*websocket.Conn),
	}
}

// ServeHTTP implements http.Handler, upgrading each request to a mesh
// session and servicing it until the peer disconnects.
func (s *MeshServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("mesh server: websocket upgrade failed")
		return
	}
	go s.servePeer(conn)
}

func (s *MeshServer) servePeer(conn *websocket.Conn) {
	log := logrus.WithField("component", "mesh-server")
	defer conn.Close()
	defer s.releaseLocksHeldBy(conn)

	var writeMu sync.Mutex
	write := func(m MeshMessage) error {
		b, err := encodeMeshMessage(m)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, b)
	}

	hashes, unsubscribe := s.chain.Subscribe(64)
	defer unsubscribe()

	var subscribed atomic.Bool
	go func() {
		for h := range hashes {
			if !subscribed.Load() {
				continue
			}
			evt, err := s.chain.LoadByHash(h)
			if err != nil {
				continue
			}
			_ = write(MeshMessage{Kind: MsgEvent, Event: &evt})
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("mesh peer disconnected")
			return
		}
		msg, err := decodeMeshMessage(raw)
		if err != nil {
			log.WithError(err).Warn("dropping malformed mesh message from peer")
			continue
		}

		switch msg.Kind {
		case MsgHello:
			_ = write(MeshMessage{Kind: MsgHello})

		case MsgSubscribe:
			subscribed.Store(true)

		case MsgEvents:
			s.handleEvents(write, msg)

		case MsgLoadMany:
			s.handleLoadMany(write, msg)

		case MsgLock:
			granted := s.tryLock(msg.LockKey, conn)
			_ = write(MeshMessage{Kind: MsgLockReply, LockKey: msg.LockKey, Granted: granted})

		case MsgUnlock:
			s.unlock(msg.LockKey, conn)

		default:
			log.Warnf("unexpected mesh message kind %d from client role", msg.Kind)
		}
	}
}

func (s *MeshServer) handleEvents(write func(MeshMessage) error, msg MeshMessage) {
	if len(msg.Headers) == 0 {
		// A header-less Events message is a pure quorum-ack poll
		// (MeshSession.AwaitQuorum); this server is itself the quorum,
		// so it always acknowledges immediately.
		_ = write(MeshMessage{Kind: MsgConfirmed, CommitID: msg.CommitID})
		return
	}
	for i, header := range msg.Headers {
		var data []byte
		if i < len(msg.Datas) {
			data = msg.Datas[i]
		}
		if _, err := s.chain.Submit(header, data); err != nil {
			_ = write(MeshMessage{Kind: MsgRejected, CommitID: msg.CommitID, Reason: err.Error()})
			return
		}
	}
	_ = write(MeshMessage{Kind: MsgConfirmed, CommitID: msg.CommitID})
}

// tryLock grants key to conn iff no other peer currently holds it: clients
// of the same server mutually exclude each other on key, even though the
// server itself is the chain's sole writer.
func (s *MeshServer) tryLock(key PrimaryKey, conn *websocket.Conn) bool {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if holder, held := s.locks[key]; held && holder != conn {
		return false
	}
	s.locks[key] = conn
	return true
}

// unlock releases key, but only if conn is the peer currently holding it.
func (s *MeshServer) unlock(key PrimaryKey, conn *websocket.Conn) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if holder, held := s.locks[key]; held && holder == conn {
		delete(s.locks, key)
	}
}

// releaseLocksHeldBy drops every lock conn held, called when its peer
// disconnects so a dead client can't strand a key locked forever.
func (s *MeshServer) releaseLocksHeldBy(conn *websocket.Conn) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	for key, holder := range s.locks {
		if holder == conn {
			delete(s.locks, key)
		}
	}
}

func (s *MeshServer) handleLoadMany(write func(MeshMessage) error, msg MeshMessage) {
	for _, key := range msg.Keys {
		evt, err := s.chain.Load(key)
		if err != nil {
			continue
		}
		_ = write(MeshMessage{Kind: MsgPayload, LoadID: msg.LoadID, Event: &evt})
	}
	_ = write(MeshMessage{Kind: MsgEndOfLoad, LoadID: msg.LoadID})
}
