package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ServiceHandler answers one Invoke call: decode the request payload, do
// whatever the service does, and produce a response payload. Handlers are
// registered per TypeName: service hooks piggyback on the event's type
// name to route to the right handler.
type ServiceHandler func(ctx context.Context, request Event) (responseData []byte, err error)

// ServiceBus dispatches commit events tagged with a recognized TypeName to
// a registered handler, then commits the handler's response as a ReplyTo
// event so the original caller's Invoke can correlate it. It follows a
// publish/subscribe
// shape, generalized from fire-and-forget notification to a correlated
// RPC-style call carried over the chain's own event stream.
type ServiceBus struct {
	chain    *Chain
	dio      *Dio
	format   WireFormat
	quorum   QuorumWaiter
	signer   *KeyPair

	mu       sync.RWMutex
	handlers map[string]ServiceHandler

	waitersMu sync.Mutex
	waiters   map[PrimaryKey]chan Event

	unsubscribe func()
}

// NewServiceBus wires a bus to chain, subscribing to its decache
// broadcast so it can notice both request events (to dispatch) and reply
// events (to wake a pending Invoke). signer authenticates every request
// and reply event the bus itself constructs; it may be nil only if chain
// runs under a write policy that WriteEveryone-style admits unsigned
// events, which the default pipeline never does.
func NewServiceBus(chain *Chain, dio *Dio, format WireFormat, quorum QuorumWaiter, signer *KeyPair) *ServiceBus {
	sb := &ServiceBus{
		chain:    chain,
		dio:      dio,
		format:   format,
		quorum:   quorum,
		signer:   signer,
		handlers: make(map[string]ServiceHandler),
		waiters:  make(map[PrimaryKey]chan Event),
	}
	hashes, unsub := chain.Subscribe(64)
	sb.unsubscribe = unsub
	go sb.watch(hashes)
	return sb
}

// sign finalizes header for submission: it computes the signing hash,
// attaches signer's signature and public key, and leaves header untouched
// if no signer is configured.
func (sb *ServiceBus) sign(header Header) (Header, error) {
	if sb.signer == nil {
		return header, nil
	}
	h, err := ComputeEventHash(sb.format, header)
	if err != nil {
		return header, err
	}
	header.Signatures = []Signature{sb.signer.Sign(h)}
	header.PublicKey = &PublicKeyAttachment{Hash: sb.signer.Hash(), Key: sb.signer.PublicKeyBytes()}
	return header, nil
}

// Register binds a handler to a service type name. Calling Register for
// an already-registered name replaces the previous handler.
func (sb *ServiceBus) Register(typeName string, handler ServiceHandler) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.handlers[typeName] = handler
}

func (sb *ServiceBus) watch(hashes <-chan Hash) {
	for h := range hashes {
		evt, err := sb.chain.LoadByHash(h)
		if err != nil {
			continue
		}

		if evt.Header.ReplyTo != nil {
			sb.waitersMu.Lock()
			ch, ok := sb.waiters[*evt.Header.ReplyTo]
			if ok {
				delete(sb.waiters, *evt.Header.ReplyTo)
			}
			sb.waitersMu.Unlock()
			if ok {
				ch <- evt
				close(ch)
			}
			continue
		}

		sb.mu.RLock()
		handler, ok := sb.handlers[evt.Header.TypeName]
		sb.mu.RUnlock()
		if !ok {
			continue
		}
		go sb.invoke(handler, evt)
	}
}

func (sb *ServiceBus) invoke(handler ServiceHandler, request Event) {
	respData, err := handler(context.Background(), request)
	if err != nil {
		respData = []byte(err.Error())
	}
	replyKey := NewPrimaryKey()
	header := NewHeader(replyKey)
	header.TypeName = request.Header.TypeName + ".reply"
	header.ReplyTo = &request.Header.PrimaryKey
	header.Authorization = request.Header.Authorization
	if len(respData) > 0 {
		dh := HashBytes(respData)
		header.DataHash = &dh
	}
	header, err = sb.sign(header)
	if err != nil {
		return
	}
	if _, err := sb.chain.Submit(header, respData); err != nil {
		return
	}
}

// Invoke commits a request event tagged with typeName and blocks until a
// handler's reply event arrives (or ctx is done). This is the client side
// of the RPC-over-events pattern.
func (sb *ServiceBus) Invoke(ctx context.Context, typeName string, payload []byte, scope Scope) (Event, error) {
	requestKey := NewPrimaryKey()
	header := NewHeader(requestKey)
	header.TypeName = typeName
	writePolicy := WritePolicy{Kind: WriteNobody}
	if sb.signer != nil {
		writePolicy = WritePolicy{Kind: WriteSpecific, SignKeyHash: sb.signer.Hash()}
	}
	header.Authorization = Authorization{Read: ReadPolicy{Kind: ReadEveryone}, Write: writePolicy}
	if len(payload) > 0 {
		dh := HashBytes(payload)
		header.DataHash = &dh
	}
	header, err := sb.sign(header)
	if err != nil {
		return Event{}, err
	}

	wait := make(chan Event, 1)
	sb.waitersMu.Lock()
	sb.waiters[requestKey] = wait
	sb.waitersMu.Unlock()

	evt, err := sb.chain.Submit(header, payload)
	if err != nil {
		sb.waitersMu.Lock()
		delete(sb.waiters, requestKey)
		sb.waitersMu.Unlock()
		return Event{}, err
	}

	if scope == ScopeFull && sb.quorum != nil {
		if err := sb.quorum.AwaitQuorum([]Hash{evt.Hash}); err != nil {
			return Event{}, err
		}
	}

	select {
	case reply := <-wait:
		return reply, nil
	case <-ctx.Done():
		sb.waitersMu.Lock()
		delete(sb.waiters, requestKey)
		sb.waitersMu.Unlock()
		return Event{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Close unsubscribes from the chain's decache broadcast.
func (sb *ServiceBus) Close() {
	if sb.unsubscribe != nil {
		sb.unsubscribe()
	}
}

// NewRequestID is a small helper for callers that want to correlate a
// service request with application-level logging before it is committed.
func NewRequestID() string { return uuid.NewString() }
