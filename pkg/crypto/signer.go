// Package crypto provides the Ed25519 signing and verification primitives
// used by the package installer's G5 signature gate and by the trusted-key
// registry.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer produces detached signatures over arbitrary payload bytes.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKeyHex() string
}

// Verifier checks a detached signature against the public key registered
// under keyID.
type Verifier interface {
	Verify(keyID, sigHex string, data []byte) (bool, error)
}

// Ed25519Signer signs with an in-memory Ed25519 private key.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewEd25519Signer generates a fresh keypair for the given key ID.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewEd25519SignerFromSeed rebuilds a signer from a stored 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KeyID: keyID}, nil
}

// Sign returns a hex-encoded detached signature over data.
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, data)), nil
}

// PublicKeyHex returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// StaticVerifier verifies signatures against a fixed trusted-key set keyed
// by key ID, as loaded from the --trusted-keys JSON map.
type StaticVerifier struct {
	trustedKeys map[string]ed25519.PublicKey // keyID -> pubkey
}

// NewStaticVerifier builds a verifier from a keyID->hexPubKey map.
func NewStaticVerifier(trusted map[string]string) (*StaticVerifier, error) {
	keys := make(map[string]ed25519.PublicKey, len(trusted))
	for id, hexKey := range trusted {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("crypto: invalid public key for key id %q: %w", id, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("crypto: invalid public key size for key id %q", id)
		}
		keys[id] = ed25519.PublicKey(raw)
	}
	return &StaticVerifier{trustedKeys: keys}, nil
}

// Verify checks sigHex over data using the named trusted key.
func (v *StaticVerifier) Verify(keyID, sigHex string, data []byte) (bool, error) {
	pub, ok := v.trustedKeys[keyID]
	if !ok {
		return false, fmt.Errorf("crypto: key id %q is not trusted", keyID)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}

// KnownKey reports whether keyID is present in the trusted set.
func (v *StaticVerifier) KnownKey(keyID string) bool {
	_, ok := v.trustedKeys[keyID]
	return ok
}
