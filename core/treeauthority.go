package core

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ParentResolver looks up the header of a prior event by primary key, so
// TreeAuthority can walk a chain of ParentLinks to resolve Inherit policies.
// The chain (C7) supplies this from its timeline + redo-log.
type ParentResolver interface {
	HeaderOf(key PrimaryKey) (Header, bool)
}

// TreeAuthority is the plugin that resolves tree-inherited authorization
// and enforces/derives per-event confidentiality. It sits after Signature
// and before the Indexer in the default pipeline.
type TreeAuthority struct {
	resolver ParentResolver
}

// NewTreeAuthority builds a TreeAuthority bound to a chain's parent
// resolver.
func NewTreeAuthority(resolver ParentResolver) *TreeAuthority {
	return &TreeAuthority{resolver: resolver}
}

// maxInheritDepth bounds the parent walk so a cyclic or dangling
// ParentLink chain fails fast instead of hanging ingress.
const maxInheritDepth = 256

// ResolveAuthorization walks ParentLink until it finds a concrete (non-
// Inherit) policy: authority is derived from the nearest ancestor that
// states one explicitly. A header with no parent and an Inherit policy
// resolves to WriteNobody/ReadEveryone defaults — root events must state
// their own policy explicitly in practice, but ingress never panics over
// it.
func (ta *TreeAuthority) ResolveAuthorization(h Header) (Authorization, error) {
	auth := h.Authorization
	cur := h
	for depth := 0; auth.Read.IsInherit() || auth.Write.IsInherit(); depth++ {
		if depth >= maxInheritDepth {
			return Authorization{}, fmt.Errorf("%w: inherit chain exceeds depth %d", ErrValidation, maxInheritDepth)
		}
		if cur.ParentLink == nil {
			if auth.Read.IsInherit() {
				auth.Read = ReadPolicy{Kind: ReadEveryone}
			}
			if auth.Write.IsInherit() {
				auth.Write = WritePolicy{Kind: WriteNobody}
			}
			break
		}
		parent, ok := ta.resolver.HeaderOf(*cur.ParentLink)
		if !ok {
			return Authorization{}, fmt.Errorf("%w: parent %s not found while resolving inherit", ErrValidation, cur.ParentLink.String())
		}
		if auth.Read.IsInherit() {
			auth.Read = parent.Authorization.Read
		}
		if auth.Write.IsInherit() {
			auth.Write = parent.Authorization.Write
		}
		cur = parent
	}
	return auth, nil
}

// Validate resolves the event's authorization and rejects it if the
// signer named in the (possibly freshly-resolved) write policy didn't
// actually sign the event. Signature plugin (C5) has already verified the
// cryptographic signatures themselves; TreeAuthority only checks that one
// of them satisfies the policy.
func (ta *TreeAuthority) Validate(evt *Event) error {
	auth, err := ta.ResolveAuthorization(evt.Header)
	if err != nil {
		return err
	}
	if auth.Write.Kind == WriteNobody {
		return fmt.Errorf("%w: write policy admits nobody", ErrValidation)
	}
	admitted := false
	for _, sig := range evt.Header.Signatures {
		if auth.Write.Admits(sig.SignerHash) {
			admitted = true
			break
		}
	}
	if !admitted {
		return fmt.Errorf("%w: no signature satisfies write policy", ErrValidation)
	}
	return nil
}

// DeriveReadKey derives the per-event symmetric key for a Specific read
// policy from a caller-held master key: the derived secret is
// blake3(masterKey || primaryKey), truncated to the 32-byte secretbox key
// size, with a short-hash recorded so ingress can detect a caller
// presenting the wrong key before attempting a doomed decrypt.
func DeriveReadKey(masterKey []byte, target PrimaryKey) (key [32]byte, shortHash [8]byte) {
	material := append(append([]byte{}, masterKey...), target[:]...)
	full := HashBytes(material)
	copy(key[:], full[:32])
	shortHash = ShortHash(key[:])
	return key, shortHash
}

// Encrypt seals data under key using nacl/secretbox, returning the nonce
// (used as the event's IV) and ciphertext separately so the header's IV
// field and the event's Data field stay distinct.
func Encrypt(key [32]byte, plaintext []byte) (nonce [24]byte, ciphertext []byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	ciphertext = secretbox.Seal(nil, plaintext, &nonce, &key)
	return nonce, ciphertext, nil
}

// Decrypt opens a secretbox-sealed payload, failing with ErrDecrypt. A
// malformed IV is caught before this call, by nonceFromIV (ErrNoIvPresent).
func Decrypt(key [32]byte, nonce [24]byte, ciphertext []byte) ([]byte, error) {
	plain, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// CheckConfidentiality verifies that the caller-derived key's short hash
// matches the event's recorded Confidentiality hash before attempting a
// decrypt, catching key confusion cheaply (no AEAD attempt against the
// wrong key).
func CheckConfidentiality(h Header, keyShortHash [8]byte) error {
	if h.Confidentiality == nil {
		return nil
	}
	if h.Confidentiality.Hash != keyShortHash {
		return ErrDecrypt
	}
	return nil
}

// nonceFromIV adapts a header's variable-length IV field to secretbox's
// fixed 24-byte nonce, as recorded at encrypt time by Encrypt above.
func nonceFromIV(iv []byte) ([24]byte, error) {
	var nonce [24]byte
	if len(iv) != 24 {
		return nonce, ErrNoIvPresent
	}
	copy(nonce[:], iv)
	return nonce, nil
}
