package core

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	lru "github.com/hashicorp/golang-lru/v2"
)

// KeyPair is a secp256k1 signing keypair, the concrete key material behind
// a Signature/PublicKeyAttachment pair.
type KeyPair struct {
	priv *secp256k1.PrivateKey
}

// GenerateKeyPair creates a fresh signing key.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrIO, err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKeyBytes returns the compressed public key encoding stored in a
// PublicKeyAttachment and transmitted on the wire.
func (k *KeyPair) PublicKeyBytes() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

// PrivateKeyBytes returns the raw scalar, for callers that persist an
// identity keypair across process restarts (e.g. the CLI).
func (k *KeyPair) PrivateKeyBytes() []byte {
	return k.priv.Serialize()
}

// KeyPairFromBytes rebuilds a KeyPair from a previously persisted private
// key scalar.
func KeyPairFromBytes(b []byte) *KeyPair {
	return &KeyPair{priv: secp256k1.PrivKeyFromBytes(b)}
}

// Hash is the public-key hash identifying this key throughout the system
// (the SignerHash/SignKeyHash fields).
func (k *KeyPair) Hash() Hash {
	return HashBytes(k.PublicKeyBytes())
}

// Sign produces a Signature over an event hash.
func (k *KeyPair) Sign(eventHash Hash) Signature {
	sig := ecdsa.Sign(k.priv, eventHash[:])
	return Signature{SignerHash: k.Hash(), Sig: sig.Serialize()}
}

// verifyWith checks a single signature against a known public key.
func verifyWith(pub *secp256k1.PublicKey, eventHash Hash, sigBytes []byte) bool {
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(eventHash[:], pub)
}

// SignaturePlugin is the second stage of the default pipeline (§4.7): it
// verifies every signature attached to an event, caching parsed public
// keys (C5's "public key cache") so repeated signers don't re-pay DER
// parse cost. A PublicKeyAttachment on the event itself seeds the cache,
// mirroring how the original chain bootstraps trust in a new signer the
// first time it's seen.
type SignaturePlugin struct {
	cache *lru.Cache[Hash, *secp256k1.PublicKey]
}

// NewSignaturePlugin builds a plugin with an LRU public-key cache sized
// capacity entries.
func NewSignaturePlugin(capacity int) (*SignaturePlugin, error) {
	cache, err := lru.New[Hash, *secp256k1.PublicKey](capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return &SignaturePlugin{cache: cache}, nil
}

// Learn registers a public key under its hash, as if freshly attached by
// a PublicKeyAttachment. Safe to call redundantly.
func (sp *SignaturePlugin) Learn(hash Hash, keyBytes []byte) error {
	pub, err := secp256k1.ParsePubKey(keyBytes)
	if err != nil {
		return fmt.Errorf("%w: parse public key: %v", ErrValidation, err)
	}
	sp.cache.Add(hash, pub)
	return nil
}

// Validate performs a two-pass ingress check:
//  1. if the event attaches a new PublicKey, learn it first so a
//     self-signed registration event can verify against its own attachment;
//  2. verify every Signature against a cached public key, rejecting the
//     event if any signature fails or names an unknown signer.
func (sp *SignaturePlugin) Validate(evt *Event) error {
	if evt.Header.PublicKey != nil {
		if err := sp.Learn(evt.Header.PublicKey.Hash, evt.Header.PublicKey.Key); err != nil {
			return err
		}
	}
	if len(evt.Header.Signatures) == 0 {
		return fmt.Errorf("%w: event carries no signatures", ErrValidation)
	}
	for _, sig := range evt.Header.Signatures {
		pub, ok := sp.cache.Get(sig.SignerHash)
		if !ok {
			return fmt.Errorf("%w: unknown signer %s", ErrValidation, sig.SignerHash.Short())
		}
		if !verifyWith(pub, evt.Hash, sig.Sig) {
			return fmt.Errorf("%w: signature verification failed for signer %s", ErrValidation, sig.SignerHash.Short())
		}
	}
	return nil
}

// Len reports the number of cached public keys, exposed for metrics (C12).
func (sp *SignaturePlugin) Len() int {
	return sp.cache.Len()
}
