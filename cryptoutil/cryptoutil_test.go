package cryptoutil

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("adnl handshake payload")
	sig := kp.Sign(msg)
	require.True(t, Verify(kp.Public, msg, sig))
	require.False(t, Verify(kp.Public, []byte("tampered"), sig))
}

func TestKeyPairFromSeedDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	a, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	b, err := KeyPairFromSeed(seed)
	require.NoError(t, err)

	require.True(t, bytes.Equal(a.Public, b.Public))
}

func TestSharedSecretSymmetric(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	secretAB, err := SharedSecret(a.Private.Seed(), b.Public)
	require.NoError(t, err)
	secretBA, err := SharedSecret(b.Private.Seed(), a.Public)
	require.NoError(t, err)

	require.Equal(t, secretAB, secretBA)
}

func TestPacketCipherRoundTrip(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	secret, err := SharedSecret(a.Private.Seed(), b.Public)
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog, 32x")
	checksum := Sha256(plaintext)

	encStream, err := PacketCipher(secret, checksum)
	require.NoError(t, err)
	ciphertext := make([]byte, len(plaintext))
	encStream.XORKeyStream(ciphertext, plaintext)

	decStream, err := PacketCipher(secret, checksum)
	require.NoError(t, err)
	decrypted := make([]byte, len(ciphertext))
	decStream.XORKeyStream(decrypted, ciphertext)

	require.True(t, bytes.Equal(plaintext, decrypted))
	require.False(t, bytes.Equal(plaintext, ciphertext))
}
