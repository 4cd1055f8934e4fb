package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	core "ate/core"
)

// loadOrCreateIdentity returns the CLI's persistent signing key, stored
// hex-encoded as atectl.key in the directory that holds the chain's
// redo-log file, so repeated invocations of atectl sign as the same
// identity.
func loadOrCreateIdentity(dataPath string) (*core.KeyPair, error) {
	keyPath := filepath.Join(filepath.Dir(dataPath), "atectl.key")

	if b, err := os.ReadFile(keyPath); err == nil {
		raw, herr := hex.DecodeString(string(b))
		if herr != nil {
			return nil, fmt.Errorf("identity: corrupt key file %s: %w", keyPath, herr)
		}
		return core.KeyPairFromBytes(raw), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", keyPath, err)
	}

	kp, err := core.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(kp.PrivateKeyBytes())), 0o600); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", keyPath, err)
	}
	return kp, nil
}

// signHeader computes the header's event hash, signs it with identity, and
// attaches both the signature and (redundantly but harmlessly) a PublicKey
// registration so a fresh replica can learn the signer from the event
// stream alone.
func signHeader(format core.WireFormat, header core.Header, identity *core.KeyPair) (core.Header, error) {
	h, err := core.ComputeEventHash(format, header)
	if err != nil {
		return header, err
	}
	header.Signatures = []core.Signature{identity.Sign(h)}
	header.PublicKey = &core.PublicKeyAttachment{Hash: identity.Hash(), Key: identity.PublicKeyBytes()}
	return header, nil
}
