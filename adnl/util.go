package adnl

import "crypto/rand"

func randRead(b []byte) (int, error) {
	return rand.Read(b)
}

// packetOffsetSize is the random-byte reservation spec.md section 9 notes
// the reference source leaves as a TODO ("randomly choose between 7 and
// 15"). Per that same section's instruction, it stays fixed at 16 bytes
// until the protocol peer version is settled.
const packetOffsetSize = 16

func randomPacketOffset() ([]byte, error) {
	b := make([]byte, packetOffsetSize)
	if _, err := randRead(b); err != nil {
		return nil, err
	}
	return b, nil
}
