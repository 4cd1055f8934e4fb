package core

import (
	"encoding/base64"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// AteSession bundles the pieces an application actually needs to talk to
// one chain: a read session, an optional mesh connection for replication,
// and the service bus for RPC-over-events.
type AteSession struct {
	Chain   *Chain
	Dio     *Dio
	Mesh    *MeshSession
	Service *ServiceBus
}

// Close tears down whichever components are non-nil, in dependency order
// (service bus before mesh before chain).
func (s *AteSession) Close() error {
	if s.Service != nil {
		s.Service.Close()
	}
	if s.Mesh != nil {
		_ = s.Mesh.Close()
	}
	if s.Chain != nil {
		return s.Chain.Close()
	}
	return nil
}

// SessionToken is the portable, wire-transmissible capability a client
// presents to re-establish a Dio/DioMut against a remote chain without
// re-deriving its read key from scratch. It intentionally carries the
// master read key in the clear: transport confidentiality for the handoff
// itself is the caller's responsibility (e.g. a TLS-terminated side
// channel).
type SessionToken struct {
	ChainPath string
	Format    WireFormat
	ReadKey   []byte
}

// EncodeSessionToken serializes a token as base64(msgpack(token)), a
// compact representation suitable for embedding in a URL query parameter
// or a CLI flag.
func EncodeSessionToken(tok SessionToken) (string, error) {
	b, err := msgpack.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("%w: encode session token: %v", ErrSerialization, err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// DecodeSessionToken is the inverse of EncodeSessionToken.
func DecodeSessionToken(s string) (SessionToken, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return SessionToken{}, fmt.Errorf("%w: decode session token base64: %v", ErrSerialization, err)
	}
	var tok SessionToken
	if err := msgpack.Unmarshal(raw, &tok); err != nil {
		return SessionToken{}, fmt.Errorf("%w: decode session token: %v", ErrSerialization, err)
	}
	return tok, nil
}

// OpenSession opens a chain from a token and layers a cached read Dio
// session on top of it; cacheSize <= 0 selects NewDio's default of 1024
// entries. Callers that also want
// mesh replication dial separately and assign the result into
// AteSession.Mesh.
func OpenSession(tok SessionToken, sync SyncPolicy, cacheSize int) (*AteSession, error) {
	chain, err := OpenChain(tok.ChainPath, ChainOptions{Format: tok.Format, Sync: sync})
	if err != nil {
		return nil, err
	}
	dio, err := NewDio(chain, DioOptions{CacheSize: cacheSize, ReadKey: tok.ReadKey})
	if err != nil {
		_ = chain.Close()
		return nil, err
	}
	return &AteSession{Chain: chain, Dio: dio}, nil
}
