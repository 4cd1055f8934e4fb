package core

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestMeshServer(t *testing.T, chain *Chain) (url string) {
	t.Helper()
	server := NewMeshServer(chain, WireMessagePack)
	httpSrv := httptest.NewServer(server)
	t.Cleanup(httpSrv.Close)
	return "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

func TestMeshSessionCommitEventsAppliesOnServer(t *testing.T) {
	serverChain := openTestChain(t, ChainOptions{})
	url := newTestMeshServer(t, serverChain)

	clientChain := openTestChain(t, ChainOptions{})
	session, err := Dial(url, clientChain, RecoveryErrorOnLoss)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	kp, _ := GenerateKeyPair()
	key := NewPrimaryKey()
	h := signedHeader(WireMessagePack, kp, key, []byte("v1"))

	if err := session.CommitEvents(WireMessagePack, []Header{h}, [][]byte{[]byte("v1")}, ScopeLocal); err != nil {
		t.Fatalf("CommitEvents: %v", err)
	}

	evt, err := serverChain.Load(key)
	if err != nil {
		t.Fatalf("server chain Load: %v", err)
	}
	if string(evt.Data) != "v1" {
		t.Fatalf("unexpected server data %q", evt.Data)
	}
}

func TestMeshSessionCommitEventsRejectedSurfacesReason(t *testing.T) {
	serverChain := openTestChain(t, ChainOptions{})
	url := newTestMeshServer(t, serverChain)

	clientChain := openTestChain(t, ChainOptions{})
	session, err := Dial(url, clientChain, RecoveryErrorOnLoss)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	unsigned := NewHeader(NewPrimaryKey())
	unsigned.Authorization = Authorization{Read: ReadPolicy{Kind: ReadEveryone}, Write: WritePolicy{Kind: WriteNobody}}

	err = session.CommitEvents(WireMessagePack, []Header{unsigned}, [][]byte{nil}, ScopeLocal)
	if err == nil {
		t.Fatalf("expected rejection for an unsigned event")
	}
}

func TestMeshSessionSubscribeReceivesServerEvents(t *testing.T) {
	serverChain := openTestChain(t, ChainOptions{})
	url := newTestMeshServer(t, serverChain)

	clientChain := openTestChain(t, ChainOptions{TrustMode: TrustCentralized})
	session, err := Dial(url, clientChain, RecoveryErrorOnLoss)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	events, err := session.Subscribe(8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Give the server a moment to mark this peer subscribed before the
	// event it needs to forward actually commits.
	time.Sleep(50 * time.Millisecond)

	kp, _ := GenerateKeyPair()
	h := signedHeader(WireMessagePack, kp, NewPrimaryKey(), []byte("pushed"))
	if _, err := serverChain.Submit(h, []byte("pushed")); err != nil {
		t.Fatalf("server Submit: %v", err)
	}

	select {
	case evt := <-events:
		if string(evt.Data) != "pushed" {
			t.Fatalf("unexpected pushed data %q", evt.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for pushed event")
	}
}

func TestMeshSessionLoadMany(t *testing.T) {
	serverChain := openTestChain(t, ChainOptions{})
	kp, _ := GenerateKeyPair()
	key := NewPrimaryKey()
	h := signedHeader(WireMessagePack, kp, key, []byte("bulk"))
	if _, err := serverChain.Submit(h, []byte("bulk")); err != nil {
		t.Fatalf("server Submit: %v", err)
	}

	url := newTestMeshServer(t, serverChain)
	clientChain := openTestChain(t, ChainOptions{})
	session, err := Dial(url, clientChain, RecoveryErrorOnLoss)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	ch, err := session.LoadMany([]PrimaryKey{key})
	if err != nil {
		t.Fatalf("LoadMany: %v", err)
	}
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatalf("expected at least one loaded event")
		}
		if string(evt.Data) != "bulk" {
			t.Fatalf("unexpected loaded data %q", evt.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for LoadMany payload")
	}
}

func TestMeshSessionLockGrantedOnSingleWriterServer(t *testing.T) {
	serverChain := openTestChain(t, ChainOptions{})
	url := newTestMeshServer(t, serverChain)
	clientChain := openTestChain(t, ChainOptions{})
	session, err := Dial(url, clientChain, RecoveryErrorOnLoss)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	if err := session.Lock(NewPrimaryKey()); err != nil {
		t.Fatalf("Lock: %v", err)
	}
}
