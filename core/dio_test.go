package core

import "testing"

type widget struct {
	Name string
}

func TestDioLoadReloadsAfterDecache(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	kp, _ := GenerateKeyPair()
	key := NewPrimaryKey()
	data := []byte("payload")
	h := signedHeader(WireMessagePack, kp, key, data)
	if _, err := c.Submit(h, data); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	dio, err := NewDio(c, DioOptions{})
	if err != nil {
		t.Fatalf("NewDio: %v", err)
	}
	evt, err := dio.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(evt.Data) != "payload" {
		t.Fatalf("unexpected data %q", evt.Data)
	}

	// Second load should hit the session cache rather than the chain; we
	// can't observe that directly, but Decache should make it re-fetch
	// without error either way.
	dio.Decache(key)
	evt2, err := dio.Load(key)
	if err != nil {
		t.Fatalf("Load after decache: %v", err)
	}
	if evt2.Hash != evt.Hash {
		t.Fatalf("expected same event after decache, got %v vs %v", evt2.Hash, evt.Hash)
	}
}

func TestDioChildrenReflectsParentLink(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	kp, _ := GenerateKeyPair()
	parentKey := NewPrimaryKey()
	parent := signedHeader(WireMessagePack, kp, parentKey, nil)
	if _, err := c.Submit(parent, nil); err != nil {
		t.Fatalf("Submit parent: %v", err)
	}

	childKey := NewPrimaryKey()
	child := NewHeader(childKey)
	child.ParentLink = &parentKey
	child.Authorization = Authorization{
		Read:  ReadPolicy{Kind: ReadEveryone},
		Write: WritePolicy{Kind: WriteSpecific, SignKeyHash: kp.Hash()},
	}
	hash, err := ComputeEventHash(WireMessagePack, child)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	child.Signatures = []Signature{kp.Sign(hash)}
	if _, err := c.Submit(child, nil); err != nil {
		t.Fatalf("Submit child: %v", err)
	}

	dio, err := NewDio(c, DioOptions{})
	if err != nil {
		t.Fatalf("NewDio: %v", err)
	}
	kids := dio.Children(parentKey)
	if len(kids) != 1 || kids[0] != childKey {
		t.Fatalf("expected [childKey], got %v", kids)
	}
}

func TestDioLoadWithoutReadKeyFailsOnConfidentialEvent(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	kp, _ := GenerateKeyPair()
	key := NewPrimaryKey()
	masterKey := []byte("a master secret of arbitrary length")
	derivedKey, short := DeriveReadKey(masterKey, key)

	h := NewHeader(key)
	h.Authorization = Authorization{
		Read:  ReadPolicy{Kind: ReadSpecific, KeyHash: short},
		Write: WritePolicy{Kind: WriteSpecific, SignKeyHash: kp.Hash()},
	}
	nonce, ciphertext, err := Encrypt(derivedKey, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	h.IV = nonce[:]
	h.Confidentiality = &Confidentiality{Hash: short}
	h.DataHash = hashPtr(HashBytes(ciphertext))
	hash, err := ComputeEventHash(WireMessagePack, h)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	h.Signatures = []Signature{kp.Sign(hash)}
	h.PublicKey = &PublicKeyAttachment{Hash: kp.Hash(), Key: kp.PublicKeyBytes()}
	if _, err := c.Submit(h, ciphertext); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	dio, err := NewDio(c, DioOptions{})
	if err != nil {
		t.Fatalf("NewDio: %v", err)
	}
	if _, err := dio.Load(key); err != ErrMissingReadKey {
		t.Fatalf("expected ErrMissingReadKey, got %v", err)
	}

	dio2, err := NewDio(c, DioOptions{ReadKey: masterKey})
	if err != nil {
		t.Fatalf("NewDio with read key: %v", err)
	}
	evt, err := dio2.Load(key)
	if err != nil {
		t.Fatalf("Load with read key: %v", err)
	}
	if string(evt.Data) != "secret" {
		t.Fatalf("unexpected decrypted data %q", evt.Data)
	}
}

func TestWeakRefResolveRoundTrips(t *testing.T) {
	c := openTestChain(t, ChainOptions{})
	kp, _ := GenerateKeyPair()
	key := NewPrimaryKey()
	payload, err := encodeWire(WireMessagePack, widget{Name: "gizmo"})
	if err != nil {
		t.Fatalf("encodeWire: %v", err)
	}
	h := signedHeader(WireMessagePack, kp, key, payload)
	if _, err := c.Submit(h, payload); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	dio, err := NewDio(c, DioOptions{})
	if err != nil {
		t.Fatalf("NewDio: %v", err)
	}
	ref := NewWeakRef[widget](key)
	got, err := ref.Resolve(dio, WireMessagePack)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Name != "gizmo" {
		t.Fatalf("unexpected widget %+v", got)
	}
}

func TestWeakRefResolveNilDioErrors(t *testing.T) {
	ref := NewWeakRef[widget](NewPrimaryKey())
	if _, err := ref.Resolve(nil, WireMessagePack); err != ErrWeakDio {
		t.Fatalf("expected ErrWeakDio, got %v", err)
	}
}

func hashPtr(h Hash) *Hash { return &h }
