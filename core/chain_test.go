package core

import (
	"path/filepath"
	"testing"
)

func openTestChain(t *testing.T, opts ChainOptions) *Chain {
	t.Helper()
	if opts.Format == 0 && opts.Sync == 0 {
		opts.Format = WireMessagePack
	}
	path := filepath.Join(t.TempDir(), "ate.log")
	c, err := OpenChain(path, opts)
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// signedHeader builds a header admitting kp as its sole writer, with
// DataHash set from data (if any) before the hash is computed and signed —
// DataHash must be final before signing, since the signature covers the
// header's encoded bytes including DataHash.
func signedHeader(format WireFormat, kp *KeyPair, key PrimaryKey, data []byte) Header {
	h := NewHeader(key)
	h.Authorization = Authorization{
		Read:  ReadPolicy{Kind: ReadEveryone},
		Write: WritePolicy{Kind: WriteSpecific, SignKeyHash: kp.Hash()},
	}
	if len(data) > 0 {
		dh := HashBytes(data)
		h.DataHash = &dh
	}
	hash, err := ComputeEventHash(format, h)
	if err != nil {
		panic(err)
	}
	h.Signatures = []Signature{kp.Sign(hash)}
	h.PublicKey = &PublicKeyAttachment{Hash: kp.Hash(), Key: kp.PublicKeyBytes()}
	return h
}

func TestChainSubmitAndLoad(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	kp, _ := GenerateKeyPair()
	key := NewPrimaryKey()
	h := signedHeader(WireMessagePack, kp, key, []byte("hello"))

	evt, err := c.Submit(h, []byte("hello"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := c.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Hash != evt.Hash || string(got.Data) != "hello" {
		t.Fatalf("Load mismatch: %+v", got)
	}
}

func TestChainSubmitRejectsUnsignedEvent(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	key := NewPrimaryKey()
	h := NewHeader(key)
	h.Authorization = Authorization{Read: ReadPolicy{Kind: ReadEveryone}, Write: WritePolicy{Kind: WriteNobody}}

	if _, err := c.Submit(h, nil); err == nil {
		t.Fatalf("expected Submit to reject an event with no signatures")
	}
}

func TestChainSubmitRejectsUnadmittedSigner(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	owner, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()
	key := NewPrimaryKey()

	h := NewHeader(key)
	h.Authorization = Authorization{
		Read:  ReadPolicy{Kind: ReadEveryone},
		Write: WritePolicy{Kind: WriteSpecific, SignKeyHash: owner.Hash()},
	}
	hash, err := ComputeEventHash(WireMessagePack, h)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	h.Signatures = []Signature{other.Sign(hash)}
	h.PublicKey = &PublicKeyAttachment{Hash: other.Hash(), Key: other.PublicKeyBytes()}

	if _, err := c.Submit(h, nil); err == nil {
		t.Fatalf("expected Submit to reject a signer not admitted by the write policy")
	}
}

func TestChainLoadUnknownKeyErrors(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	if _, err := c.Load(NewPrimaryKey()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChainTombstoneMakesKeyUnloadable(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	kp, _ := GenerateKeyPair()
	key := NewPrimaryKey()
	h := signedHeader(WireMessagePack, kp, key, []byte("v1"))
	if _, err := c.Submit(h, []byte("v1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tomb := NewHeader(key)
	tomb.Tombstone = true
	tomb.Authorization = h.Authorization
	hash, err := ComputeEventHash(WireMessagePack, tomb)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	tomb.Signatures = []Signature{kp.Sign(hash)}
	if _, err := c.Submit(tomb, nil); err != nil {
		t.Fatalf("Submit tombstone: %v", err)
	}

	if _, err := c.Load(key); err != ErrTombstoned {
		t.Fatalf("expected ErrTombstoned, got %v", err)
	}
}

func TestChainSubscribeReceivesDecache(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	kp, _ := GenerateKeyPair()
	ch, unsub := c.Subscribe(4)
	defer unsub()

	h := signedHeader(WireMessagePack, kp, NewPrimaryKey(), []byte("x"))
	evt, err := c.Submit(h, []byte("x"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case got := <-ch:
		if got != evt.Hash {
			t.Fatalf("decache hash mismatch: got %v want %v", got, evt.Hash)
		}
	default:
		t.Fatalf("expected a decache notification on commit")
	}
}

func TestChainReopenReplaysTimelineAndSigners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ate.log")
	kp, _ := GenerateKeyPair()
	key := NewPrimaryKey()

	c, err := OpenChain(path, ChainOptions{Format: WireMessagePack})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	h := signedHeader(WireMessagePack, kp, key, []byte("v1"))
	if _, err := c.Submit(h, []byte("v1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.Close()

	c2, err := OpenChain(path, ChainOptions{Format: WireMessagePack})
	if err != nil {
		t.Fatalf("reopen OpenChain: %v", err)
	}
	defer c2.Close()

	if c2.EventCount() != 1 || c2.PrimaryKeyCount() != 1 {
		t.Fatalf("expected replayed state, got events=%d keys=%d", c2.EventCount(), c2.PrimaryKeyCount())
	}

	// A second event from the same signer, admitted without re-attaching
	// PublicKey, proves the signer cache survived replay.
	h2 := NewHeader(NewPrimaryKey())
	h2.Authorization = Authorization{
		Read:  ReadPolicy{Kind: ReadEveryone},
		Write: WritePolicy{Kind: WriteSpecific, SignKeyHash: kp.Hash()},
	}
	hash, err := ComputeEventHash(WireMessagePack, h2)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	h2.Signatures = []Signature{kp.Sign(hash)}
	if _, err := c2.Submit(h2, nil); err != nil {
		t.Fatalf("Submit after reopen: %v", err)
	}
}

func TestChainSubmitTrustedSkipsVerificationUnderCentralized(t *testing.T) {
	c := openTestChain(t, ChainOptions{TrustMode: TrustCentralized})
	key := NewPrimaryKey()
	h := NewHeader(key)
	h.Authorization = Authorization{Read: ReadPolicy{Kind: ReadEveryone}, Write: WritePolicy{Kind: WriteNobody}}

	if _, err := c.SubmitTrusted(h, nil); err != nil {
		t.Fatalf("SubmitTrusted under TrustCentralized should skip signature/authority checks: %v", err)
	}
}

func TestChainFlipWithTombstoneCompactorSucceeds(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	kp, _ := GenerateKeyPair()
	key := NewPrimaryKey()
	h := signedHeader(WireMessagePack, kp, key, []byte("v1"))
	if _, err := c.Submit(h, []byte("v1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tomb := NewHeader(key)
	tomb.Tombstone = true
	tomb.Authorization = h.Authorization
	hash, err := ComputeEventHash(WireMessagePack, tomb)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	tomb.Signatures = []Signature{kp.Sign(hash)}
	if _, err := c.Submit(tomb, nil); err != nil {
		t.Fatalf("Submit tombstone: %v", err)
	}

	if err := c.Flip(CompactorChain{Compactors: []Compactor{TombstoneTerminatesCompactor{}}}); err != nil {
		t.Fatalf("Flip: %v", err)
	}
}
