package adnl

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/cryptoutil"
	"github.com/ground-x/adnl/tl"
)

// boxedPublicKey is the TL-boxed record a short id hashes: sha256(tl_boxed
// (public_key_record)), spec.md section 6.
type boxedPublicKey struct {
	Key KeyPairPublic
}

// KeyPairPublic is the subset of cryptoutil.KeyPair needed to compute a
// short id and run a handshake without exposing the private scalar.
type KeyPairPublic = [32]byte

func (b boxedPublicKey) Tag() tl.Tag { return tagPublicKeyEd25519 }
func (b boxedPublicKey) MarshalTL(w *tl.Writer) error {
	w.WriteBytes(b.Key[:])
	return nil
}

// computeShortID hashes the boxed public key record, giving the 32-byte
// short id used everywhere a full key would otherwise be unwieldy.
func computeShortID(public []byte) (common.Hash, error) {
	var key KeyPairPublic
	copy(key[:], public)
	return tl.HashBoxed(boxedPublicKey{Key: key})
}

// ComputeShortID is the exported form of computeShortID, used by the
// overlay package to derive a peer's short id from its full ADNL public
// key the same way the ADNL node itself does.
func ComputeShortID(public []byte) (common.Hash, error) {
	return computeShortID(public)
}

// NodeKey is an immutable local identity: Ed25519 key pair plus the short
// id derived from it. Held via shared ownership (a pointer, handed out from
// the KeyStore) and keyed in the keystore by a small integer tag.
type NodeKey struct {
	KeyPair *cryptoutil.KeyPair
	ShortID common.Hash
}

// NewNodeKey wraps an already-generated key pair, computing its short id.
func NewNodeKey(kp *cryptoutil.KeyPair) (*NodeKey, error) {
	shortID, err := computeShortID(kp.Public)
	if err != nil {
		return nil, errors.Wrap(err, "compute short id")
	}
	return &NodeKey{KeyPair: kp, ShortID: shortID}, nil
}

// KeyStore owns every local identity an ADNL node holds, indexed both by
// short id (for incoming-packet recipient matching) and by a caller-chosen
// small integer tag (for add_key/key_by_tag).
type KeyStore struct {
	mu       sync.RWMutex
	byTag    map[int]*NodeKey
	byShort  map[common.Hash]*NodeKey
}

func newKeyStore() *KeyStore {
	return &KeyStore{
		byTag:   make(map[int]*NodeKey),
		byShort: make(map[common.Hash]*NodeKey),
	}
}

// Add registers kp under tag, computing and returning its short id.
// Re-adding the same tag replaces the previous key.
func (ks *KeyStore) Add(kp *cryptoutil.KeyPair, tag int) (common.Hash, error) {
	nk, err := NewNodeKey(kp)
	if err != nil {
		return common.Hash{}, err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.byTag[tag] = nk
	ks.byShort[nk.ShortID] = nk
	return nk.ShortID, nil
}

// ByTag returns the NodeKey registered under tag.
func (ks *KeyStore) ByTag(tag int) (*NodeKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	nk, ok := ks.byTag[tag]
	return nk, ok
}

// ByShortID returns the NodeKey whose short id is id -- the lookup the
// receive pipeline performs against the first 32 bytes of every inbound
// datagram.
func (ks *KeyStore) ByShortID(id common.Hash) (*NodeKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	nk, ok := ks.byShort[id]
	return nk, ok
}
