package adnl

import (
	"github.com/pkg/errors"

	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/cryptoutil"
	"github.com/ground-x/adnl/packetview"
)

// handshakeHdrLen is the fixed prefix before the checksum on a handshake
// packet: 32-byte recipient short id + 32-byte ephemeral public key.
const (
	shortIDLen    = common.HashSize
	ephemeralLen  = 32
	checksumLen   = 32
	handshakeHdrLen = shortIDLen + ephemeralLen
)

// buildHandshakePacket implements spec.md section 4.1's send pipeline for
// the handshake (no established channel) case: derive the X25519 shared
// secret between a fresh ephemeral key and the recipient's full public key,
// checksum the plaintext, key an AES-256-CTR stream from secret+checksum,
// and prepend recipient short id || ephemeral public || checksum.
func buildHandshakePacket(recipientShortID common.Hash, recipientPublic []byte, plaintext []byte) ([]byte, error) {
	ephemeralKP, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "generate handshake ephemeral key")
	}

	secret, err := cryptoutil.SharedSecret(ephemeralKP.Private.Seed(), recipientPublic)
	if err != nil {
		return nil, errors.Wrap(err, "derive handshake shared secret")
	}

	checksum := cryptoutil.Sha256(plaintext)

	stream, err := cryptoutil.PacketCipher(secret, checksum)
	if err != nil {
		return nil, errors.Wrap(err, "build handshake cipher")
	}

	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	header := make([]byte, 0, handshakeHdrLen+checksumLen)
	header = append(header, recipientShortID[:]...)
	header = append(header, ephemeralKP.Public...)
	header = append(header, checksum[:]...)

	return packetview.Prepend(header, ciphertext), nil
}

// openHandshakePacket implements the recipient side: given the node's
// matched local private key, pull the ephemeral public key and checksum out
// of the header, derive the same shared secret, decrypt, and verify
// sha256(plaintext) == checksum.
func openHandshakePacket(localPrivateSeed []byte, view *packetview.View) ([]byte, error) {
	ephemeralPublic, err := view.Take(ephemeralLen)
	if err != nil {
		return nil, errors.Wrap(err, "read handshake ephemeral public key")
	}
	checksumBytes, err := view.Take(checksumLen)
	if err != nil {
		return nil, errors.Wrap(err, "read handshake checksum")
	}
	var checksum [32]byte
	copy(checksum[:], checksumBytes)

	secret, err := cryptoutil.SharedSecret(localPrivateSeed, ephemeralPublic)
	if err != nil {
		return nil, errors.Wrap(err, "derive handshake shared secret")
	}

	stream, err := cryptoutil.PacketCipher(secret, checksum)
	if err != nil {
		return nil, errors.Wrap(err, "build handshake cipher")
	}

	ciphertext := view.Data()
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)

	got := cryptoutil.Sha256(plaintext)
	if got != checksum {
		return nil, errors.New("adnl: handshake checksum mismatch")
	}
	return plaintext, nil
}

// buildChannelPacket encrypts plaintext under an established channel's
// outbound cipher and prepends the channel id + checksum, spec.md's
// "established" send path.
func buildChannelPacket(ch *ChannelState, plaintext []byte) ([]byte, error) {
	checksum := cryptoutil.Sha256(plaintext)
	ciphertext := make([]byte, len(plaintext))
	ch.cipherOut.XORKeyStream(ciphertext, plaintext)

	header := make([]byte, 0, shortIDLen+checksumLen)
	header = append(header, ch.channelID[:]...)
	header = append(header, checksum[:]...)
	return packetview.Prepend(header, ciphertext), nil
}

// openChannelPacket decrypts a packet known to belong to an established
// channel (the caller has already matched the channel id prefix).
func openChannelPacket(ch *ChannelState, view *packetview.View) ([]byte, error) {
	checksumBytes, err := view.Take(checksumLen)
	if err != nil {
		return nil, errors.Wrap(err, "read channel checksum")
	}
	var checksum [32]byte
	copy(checksum[:], checksumBytes)

	ciphertext := view.Data()
	plaintext := make([]byte, len(ciphertext))
	ch.cipherIn.XORKeyStream(plaintext, ciphertext)

	got := cryptoutil.Sha256(plaintext)
	if got != checksum {
		return nil, errors.New("adnl: channel checksum mismatch")
	}
	return plaintext, nil
}
