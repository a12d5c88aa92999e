// Package cryptoutil implements the cryptographic primitives the ADNL
// handshake and channel cipher are built on: Ed25519 identity keys, X25519
// shared-secret derivation via Edwards-to-Montgomery conversion, the
// AES-256-CTR packet cipher keyed from a shared secret and checksum, and
// SHA-256 object hashing. The keying in SharedSecret/PacketCipher is
// bit-exact with the reference implementation.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"

	"github.com/pkg/errors"
)

// KeyPair is an Ed25519 identity: a 64-byte ed25519.PrivateKey (the
// 32-byte seed followed by the public key) and its 32-byte public key.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateKeyPair creates a fresh Ed25519 identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// KeyPairFromSeed rebuilds a KeyPair from a 32-byte private seed, as used
// when a NodeKey is loaded from configuration rather than freshly minted.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign produces an Ed25519 signature over data.
func (k *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(k.Private, data)
}

// Verify checks an Ed25519 signature against a raw 32-byte public key.
func Verify(public ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(public, data, sig)
}

// Sha256 hashes data, used to compute both short ids (sha256 of the boxed
// public key record) and the packet checksum over a plaintext envelope.
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}
