// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ratchet implements the forward secret double ratchet used for
// the privgate control channel. Every message is encrypted under a fresh
// one-time key derived from a keyed-hash chain; a Diffie-Hellman step
// replaces the chains whenever a peer announces a new ratchet key, and can
// be forced locally to rotate the data channel master key.
//
// The receive path tolerates reordering through a bounded skipped-key
// cache and refuses replays through a per-DH-key window of consumed
// message numbers. All chain and message key material is wiped as soon as
// it goes out of use, on error paths included.
package ratchet

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"
	"sync"
)

const (
	// defaultMaxSkip bounds how far ahead of the receive counter a
	// single message may be before it is rejected outright.
	defaultMaxSkip = 1000

	// defaultMaxSkippedKeys bounds the skipped-key cache. The oldest
	// entry is evicted and wiped when the bound is exceeded.
	defaultMaxSkippedKeys = 1000
)

var (
	ErrAlreadyInitialized = errors.New("ratchet: already initialized")
	ErrNotInitialized     = errors.New("ratchet: not initialized")
	ErrShortSharedSecret  = errors.New("ratchet: shared secret shorter than 32 bytes")
	ErrNoSendChain        = errors.New("ratchet: no send chain established yet")
	ErrNoRecvChain        = errors.New("ratchet: no receive chain established yet")
	ErrNoPeerKey          = errors.New("ratchet: peer ratchet key not yet known")
	ErrReplayed           = errors.New("ratchet: message number already consumed")
	ErrDuplicateOrDelayed = errors.New("ratchet: duplicate message or message delayed past tolerance")
	ErrMaxSkipExceeded    = errors.New("ratchet: message skips past the reordering limit")
	ErrDecryptFailed      = errors.New("ratchet: cannot decrypt")
)

// skippedKeyID identifies a cached message key by the sender ratchet
// public key and message number it was derived for. It is a value type so
// map lookups compare the key bytes, never reference identity.
type skippedKeyID struct {
	dhPublic   [32]byte
	messageNum uint32
}

// skippedKey is a cached one-time message key together with an insertion
// sequence used for oldest-first eviction.
type skippedKey struct {
	key [32]byte
	seq uint64
}

type pendingSkipped struct {
	id  skippedKeyID
	key [32]byte
}

// Ratchet holds the chain state for one side of a control channel.
// Exactly one Ratchet exists per authenticated session; all methods are
// safe for concurrent use and serialize on an internal mutex.
type Ratchet struct {
	// MaxSkip and MaxSkippedKeys may be adjusted after New and before
	// the ratchet is initialized.
	MaxSkip        int
	MaxSkippedKeys int

	mtx  sync.Mutex
	rand io.Reader

	rootKey   [32]byte
	sendChain [32]byte
	recvChain [32]byte

	haveSendChain bool
	haveRecvChain bool

	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32

	dhPair     *KeyPair
	peerPublic [32]byte
	havePeer   bool

	// step is set when the peer has announced a new ratchet key and the
	// next send must perform a DH step before deriving message keys.
	step bool

	skipped map[skippedKeyID]*skippedKey
	skipSeq uint64

	// replay tracks consumed message numbers per observed peer ratchet
	// key. Entries for a key are dropped once the ratchet moves past it.
	replay map[[32]byte]map[uint32]struct{}

	masterKey  [32]byte
	generation uint64

	initialized bool
}

// New returns an uninitialized ratchet reading entropy from rand.
func New(rand io.Reader) *Ratchet {
	return &Ratchet{
		MaxSkip:        defaultMaxSkip,
		MaxSkippedKeys: defaultMaxSkippedKeys,
		rand:           rand,
		skipped:        make(map[skippedKeyID]*skippedKey),
		replay:         make(map[[32]byte]map[uint32]struct{}),
	}
}

// InitInitiator initializes the side that speaks first. It seeds the root
// key from the shared secret, generates a fresh ephemeral pair and
// performs one DH step against the peer's ratchet public key so a send
// chain exists immediately.
func (r *Ratchet) InitInitiator(sharedSecret []byte, peerPublic *[32]byte) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.initialized {
		return ErrAlreadyInitialized
	}
	if len(sharedSecret) < 32 {
		return ErrShortSharedSecret
	}
	if err := seedRootKey(&r.rootKey, sharedSecret); err != nil {
		return err
	}
	r.peerPublic = *peerPublic
	r.havePeer = true
	if err := r.sendStep(); err != nil {
		Zero32(&r.rootKey)
		return err
	}
	r.initialized = true
	return nil
}

// InitResponder initializes the side that answers. The responder does not
// yet know the peer's ratchet key; no chains exist until the first inbound
// message triggers a DH step. The responder's own pair must be the one
// whose public key the initiator was given.
func (r *Ratchet) InitResponder(sharedSecret []byte, own *KeyPair) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.initialized {
		return ErrAlreadyInitialized
	}
	if len(sharedSecret) < 32 {
		return ErrShortSharedSecret
	}
	if err := seedRootKey(&r.rootKey, sharedSecret); err != nil {
		return err
	}
	r.dhPair = own
	r.initialized = true
	return nil
}

// sendStep performs the send half of a DH ratchet step: a fresh ephemeral
// pair, a root update against the peer's latest key and a new send chain.
// The caller must hold the mutex.
func (r *Ratchet) sendStep() error {
	if !r.havePeer {
		return ErrNoPeerKey
	}
	kp, err := GenerateKeyPair(r.rand)
	if err != nil {
		return err
	}
	dh, err := kp.dh(&r.peerPublic)
	if err != nil {
		kp.wipe()
		return err
	}
	if r.dhPair != nil {
		r.dhPair.wipe()
	}
	r.dhPair = kp

	chain := kdfRoot(&r.rootKey, &dh)
	Zero32(&dh)
	r.sendChain = chain
	r.haveSendChain = true
	r.prevSendCount = r.sendCount
	r.sendCount = 0
	kdfMaster(&r.masterKey, &r.rootKey, &chain)
	Zero32(&chain)
	r.generation++
	r.step = false
	return nil
}

// Encrypt seals plaintext under the next send-chain message key and
// returns the header and ciphertext. The ciphertext is a random 12-byte
// nonce followed by the AEAD output; the serialized header is the
// associated data. Fails if no send chain exists yet (the responder before
// its first inbound message).
func (r *Ratchet) Encrypt(plaintext []byte) (*Header, []byte, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if !r.initialized {
		return nil, nil, ErrNotInitialized
	}
	if r.step {
		if err := r.sendStep(); err != nil {
			return nil, nil, err
		}
	}
	if !r.haveSendChain {
		return nil, nil, ErrNoSendChain
	}

	msgKey := kdfChain(&r.sendChain)
	header := &Header{
		DHPublic:     r.dhPair.Public(),
		PrevChainLen: r.prevSendCount,
		MessageNum:   r.sendCount,
	}
	ciphertext, err := sealMessage(r.rand, &msgKey, header, plaintext)
	Zero32(&msgKey)
	if err != nil {
		return nil, nil, err
	}
	r.sendCount++
	return header, ciphertext, nil
}

// Decrypt opens a control message. Replay is checked before anything
// else; a matching skipped key is consumed and evicted; a new peer
// ratchet key triggers a DH step. All ratchet mutations happen on
// provisional state and are committed only after the AEAD authenticates,
// so a forged or replayed message never advances the session.
func (r *Ratchet) Decrypt(h *Header, ciphertext []byte) ([]byte, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if !r.initialized {
		return nil, ErrNotInitialized
	}
	if len(ciphertext) < nonceSize+tagSize {
		return nil, ErrShortMessage
	}

	// Replay window first, independent of any cached key.
	if nums, ok := r.replay[h.DHPublic]; ok {
		if _, dup := nums[h.MessageNum]; dup {
			return nil, ErrReplayed
		}
	}

	// A cached skipped key decrypts directly and is evicted.
	id := skippedKeyID{dhPublic: h.DHPublic, messageNum: h.MessageNum}
	if sk, ok := r.skipped[id]; ok {
		plaintext, err := openMessage(&sk.key, h, ciphertext)
		if err != nil {
			return nil, ErrDecryptFailed
		}
		Zero32(&sk.key)
		delete(r.skipped, id)
		r.markConsumed(h.DHPublic, h.MessageNum)
		return plaintext, nil
	}

	// Work on provisional copies; commit only on success.
	provRoot := r.rootKey
	provRecv := r.recvChain
	provRecvCount := r.recvCount
	provHaveRecv := r.haveRecvChain
	var provMaster [32]byte
	var pending []pendingSkipped

	wipePending := func() {
		for i := range pending {
			Zero32(&pending[i].key)
		}
	}

	newPeer := !r.havePeer || h.DHPublic != r.peerPublic
	if newPeer {
		// Cache the tail of the superseded receive chain so delayed
		// messages from it still decrypt.
		if provHaveRecv && h.PrevChainLen > provRecvCount {
			if int(h.PrevChainLen-provRecvCount) > r.MaxSkip {
				return nil, ErrMaxSkipExceeded
			}
			for n := provRecvCount; n < h.PrevChainLen; n++ {
				key := kdfChain(&provRecv)
				pending = append(pending, pendingSkipped{
					id:  skippedKeyID{dhPublic: r.peerPublic, messageNum: n},
					key: key,
				})
			}
		}

		dh, err := r.dhPair.dh(&h.DHPublic)
		if err != nil {
			wipePending()
			return nil, err
		}
		provRecv = kdfRoot(&provRoot, &dh)
		Zero32(&dh)
		provHaveRecv = true
		provRecvCount = 0
		kdfMaster(&provMaster, &provRoot, &provRecv)
	}

	if !provHaveRecv {
		wipePending()
		return nil, ErrNoRecvChain
	}
	if h.MessageNum < provRecvCount {
		// From the past but no saved key: a duplicate, or the saved
		// key already expired from the cache.
		wipePending()
		return nil, ErrDuplicateOrDelayed
	}
	if int(h.MessageNum-provRecvCount) > r.MaxSkip {
		wipePending()
		return nil, ErrMaxSkipExceeded
	}
	for n := provRecvCount; n < h.MessageNum; n++ {
		key := kdfChain(&provRecv)
		pending = append(pending, pendingSkipped{
			id:  skippedKeyID{dhPublic: h.DHPublic, messageNum: n},
			key: key,
		})
	}

	msgKey := kdfChain(&provRecv)
	plaintext, err := openMessage(&msgKey, h, ciphertext)
	Zero32(&msgKey)
	if err != nil {
		wipePending()
		Zero32(&provMaster)
		return nil, ErrDecryptFailed
	}

	// Commit.
	if newPeer {
		if r.havePeer {
			delete(r.replay, r.peerPublic)
		}
		r.peerPublic = h.DHPublic
		r.havePeer = true
		r.step = true
		r.masterKey = provMaster
		Zero32(&provMaster)
		r.generation++
	}
	r.rootKey = provRoot
	r.recvChain = provRecv
	r.haveRecvChain = provHaveRecv
	r.recvCount = h.MessageNum + 1
	for i := range pending {
		r.storeSkipped(pending[i].id, &pending[i].key)
	}
	r.markConsumed(h.DHPublic, h.MessageNum)
	return plaintext, nil
}

// ForceStep performs a DH ratchet step without waiting for an inbound
// message. It is used to proactively rotate the data channel master key.
// Fails if the peer's ratchet key is not yet known.
func (r *Ratchet) ForceStep() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}
	return r.sendStep()
}

// MasterKey returns a copy of the current session master key. The caller
// owns the copy and must wipe it after use. The zero value is returned
// while no DH step has happened yet.
func (r *Ratchet) MasterKey() [32]byte {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.masterKey
}

// KeyGeneration returns the number of DH ratchet steps this side has
// performed. It increases strictly monotonically and tags the master key.
func (r *Ratchet) KeyGeneration() uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.generation
}

// Destroy wipes all chain and key material. The ratchet is unusable
// afterwards.
func (r *Ratchet) Destroy() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	Zero32(&r.rootKey)
	Zero32(&r.sendChain)
	Zero32(&r.recvChain)
	Zero32(&r.masterKey)
	if r.dhPair != nil {
		r.dhPair.wipe()
		r.dhPair = nil
	}
	for id, sk := range r.skipped {
		Zero32(&sk.key)
		delete(r.skipped, id)
	}
	for k := range r.replay {
		delete(r.replay, k)
	}
	r.haveSendChain = false
	r.haveRecvChain = false
	r.havePeer = false
	r.initialized = false
	r.sendCount, r.recvCount, r.prevSendCount = 0, 0, 0
}

// storeSkipped caches a skipped message key, evicting and wiping the
// oldest entry when the cache is full. The caller must hold the mutex.
func (r *Ratchet) storeSkipped(id skippedKeyID, key *[32]byte) {
	if len(r.skipped) >= r.MaxSkippedKeys {
		var oldestID skippedKeyID
		var oldest *skippedKey
		for eid, sk := range r.skipped {
			if oldest == nil || sk.seq < oldest.seq {
				oldest, oldestID = sk, eid
			}
		}
		if oldest != nil {
			Zero32(&oldest.key)
			delete(r.skipped, oldestID)
		}
	}
	r.skipSeq++
	sk := &skippedKey{seq: r.skipSeq}
	sk.key = *key
	Zero32(key)
	r.skipped[id] = sk
}

// markConsumed records a (dhPublic, messageNum) pair in the replay window.
// The caller must hold the mutex.
func (r *Ratchet) markConsumed(dhPublic [32]byte, messageNum uint32) {
	nums, ok := r.replay[dhPublic]
	if !ok {
		nums = make(map[uint32]struct{})
		r.replay[dhPublic] = nums
	}
	nums[messageNum] = struct{}{}
}

// sealMessage AEAD-encrypts plaintext under key with the serialized
// header as associated data, prepending a random nonce.
func sealMessage(rand io.Reader, key *[32]byte, h *Header, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := io.ReadFull(rand, out); err != nil {
		return nil, err
	}
	ad := h.Marshal()
	return aead.Seal(out, out[:nonceSize], plaintext, ad[:]), nil
}

// openMessage reverses sealMessage.
func openMessage(key *[32]byte, h *Header, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	ad := h.Marshal()
	return aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], ad[:])
}

func newAEAD(key *[32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Zero32 wipes a 32-byte buffer in place.
func Zero32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}
