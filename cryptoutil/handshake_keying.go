package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

// fieldPrime is 2^255 - 19, the modulus curve25519 and ed25519 share.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// edwardsYToMontgomeryU converts a compressed Ed25519 public key (32 bytes,
// little-endian y-coordinate with the sign of x packed into the top bit) to
// the corresponding Montgomery u-coordinate, via u = (1+y) / (1-y) mod p.
// The sign bit carries no information about u and is simply discarded.
func edwardsYToMontgomeryU(compressedEd25519 []byte) ([]byte, error) {
	if len(compressedEd25519) != 32 {
		return nil, errors.Errorf("compressed edwards point must be 32 bytes, got %d", len(compressedEd25519))
	}

	be := make([]byte, 32)
	for i, b := range compressedEd25519 {
		be[31-i] = b
	}
	be[0] &^= 0x80 // clear the sign bit (bit 255 in little-endian layout)

	y := new(big.Int).SetBytes(be)
	one := big.NewInt(1)

	num := new(big.Int).Add(one, y)
	num.Mod(num, fieldPrime)

	den := new(big.Int).Sub(one, y)
	den.Mod(den, fieldPrime)
	if den.Sign() == 0 {
		return nil, errors.New("bad public key data: 1-y is zero")
	}

	denInv := new(big.Int).ModInverse(den, fieldPrime)
	if denInv == nil {
		return nil, errors.New("bad public key data: no modular inverse")
	}

	u := num.Mul(num, denInv)
	u.Mod(u, fieldPrime)

	out := make([]byte, 32)
	ub := u.Bytes()
	for i, b := range ub {
		out[len(ub)-1-i] = b
	}
	return out, nil
}

// expandSeedToScalar turns a 32-byte Ed25519 private seed into the clamped
// X25519 scalar that implicitly underlies the Edwards public point derived
// from that same seed: scalar = clamp(SHA-512(seed)[0:32]). Ed25519 never
// uses the raw seed as its signing scalar either -- it signs with this exact
// expanded-and-clamped value -- so using anything else here would derive a
// different point than the one edwardsYToMontgomeryU is converting.
// curve25519.X25519 clamps its scalar argument again internally, making the
// explicit clamp below idempotent; it is kept so the returned value is a
// valid X25519 scalar on its own terms.
func expandSeedToScalar(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	var scalar [32]byte
	copy(scalar[:], h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}

// SharedSecret derives the X25519 shared secret between a local 32-byte
// Ed25519 private seed (expanded to its clamped scalar) and a remote
// compressed Ed25519 public key: X25519(priv,
// to_montgomery(decompress(remote_public))). It keys the handshake cipher;
// channel ciphers are keyed from the channel's own X25519 exchange in
// adnl/channel.go, which does not call this function.
func SharedSecret(localPrivateSeed []byte, remotePublic []byte) ([32]byte, error) {
	var secret [32]byte
	if len(localPrivateSeed) != 32 {
		return secret, errors.Errorf("private scalar must be 32 bytes, got %d", len(localPrivateSeed))
	}
	montgomeryU, err := edwardsYToMontgomeryU(remotePublic)
	if err != nil {
		return secret, errors.Wrap(err, "convert remote public key to montgomery form")
	}
	scalar := expandSeedToScalar(localPrivateSeed)
	out, err := curve25519.X25519(scalar[:], montgomeryU)
	if err != nil {
		return secret, errors.Wrap(err, "x25519 scalar multiplication")
	}
	copy(secret[:], out)
	return secret, nil
}

// PacketCipher derives the AES-256-CTR stream cipher used to encrypt or
// decrypt one ADNL packet from a 32-byte shared secret and a 32-byte
// checksum over the plaintext envelope:
//
//	key = shared_secret[0:16] || checksum[16:32]
//	iv  = checksum[0:4] || shared_secret[20:32]
//
// This layout is bit-exact with the reference implementation and used by
// both the handshake cipher (shared secret from ephemeral X25519) and the
// channel ciphers (shared secret from the channel's own key exchange).
func PacketCipher(sharedSecret, checksum [32]byte) (cipher.Stream, error) {
	var key [32]byte
	copy(key[0:16], sharedSecret[0:16])
	copy(key[16:32], checksum[16:32])

	var iv [16]byte
	copy(iv[0:4], checksum[0:4])
	copy(iv[4:16], sharedSecret[20:32])

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "build aes-256 block cipher")
	}
	return cipher.NewCTR(block, iv[:]), nil
}
