package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionSalt = "lodestone-session-v1"

	// maxChainSkip bounds how far ahead of our receive counter a ciphertext
	// may be before we declare the session desynchronized instead of
	// fast-forwarding the chain.
	maxChainSkip = 64
)

var (
	// ErrUnknownPeer is the hard failure for operating on an untrusted or
	// unknown identity. Callers must trigger re-registration, never retry.
	ErrUnknownPeer = errors.New("no cipher session for untrusted identity")

	// ErrSessionDesync is the recoverable failure for a structurally valid
	// ciphertext whose counter does not line up with our chain state. The
	// protocol heals this with a resend-prekeys round trip.
	ErrSessionDesync = errors.New("cipher session desynchronized")

	// ErrDecryptFailed is fatal for the message in question: the ciphertext
	// is corrupt or was not produced for us.
	ErrDecryptFailed = errors.New("decryption failed: authentication error")

	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Cipher encrypts and decrypts payloads between this store's identity and a
// trusted peer using per-direction hash-ratcheted chain keys.
//
// Wire format: [counter (4 bytes, big-endian)][nonce (12 bytes)][AEAD ciphertext]
type Cipher struct {
	store *Store
}

// deriveSession computes fresh chain state for a newly trusted peer. Both
// sides derive the same pair of chains with the directions swapped.
func (s *Store) deriveSession(peer Identity) (*peerRecord, error) {
	shared, err := curve25519.X25519(s.local.PrivateKey, peer.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("shared secret computation failed: %w", err)
	}

	me := Identity{AccountID: s.local.AccountID, DeviceID: s.local.DeviceID}
	root, err := deriveKey(shared, sessionSalt, "root")
	if err != nil {
		return nil, err
	}
	sendChain, err := deriveKey(root, sessionSalt, "chain:"+me.Key()+">"+peer.Key())
	if err != nil {
		return nil, err
	}
	recvChain, err := deriveKey(root, sessionSalt, "chain:"+peer.Key()+">"+me.Key())
	if err != nil {
		return nil, err
	}

	return &peerRecord{
		AccountID: peer.AccountID,
		DeviceID:  peer.DeviceID,
		PublicKey: peer.PublicKey,
		SendChain: sendChain,
		RecvChain: recvChain,
		TrustedAt: time.Now().UnixMilli(),
	}, nil
}

func deriveKey(secret []byte, salt, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte(salt), []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// messageKey derives the AEAD key for the current chain position.
func messageKey(chain []byte) []byte {
	h := sha256.New()
	h.Write(chain)
	h.Write([]byte{0x01})
	return h.Sum(nil)
}

// stepChain advances the chain by one position.
func stepChain(chain []byte) []byte {
	h := sha256.New()
	h.Write(chain)
	h.Write([]byte{0x02})
	return h.Sum(nil)
}

func (c *Cipher) loadPeer(peer Identity) (*peerRecord, error) {
	var rec *peerRecord
	err := c.store.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(peersBucket)).Get([]byte(peer.Key()))
		if raw == nil {
			return ErrUnknownPeer
		}
		rec = &peerRecord{}
		return cbor.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Cipher) storePeer(peer Identity, rec *peerRecord) error {
	enc, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return c.store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).Put([]byte(peer.Key()), enc)
	})
}

// Encrypt seals plaintext for peer and advances the sending chain.
func (c *Cipher) Encrypt(peer Identity, plaintext []byte) ([]byte, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.closed {
		return nil, ErrStoreClosed
	}

	rec, err := c.loadPeer(peer)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(messageKey(rec.SendChain))
	if err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, rec.SendCount)

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 4+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, header)

	rec.SendChain = stepChain(rec.SendChain)
	rec.SendCount++
	if err := c.storePeer(peer, rec); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt opens a ciphertext from peer. A counter behind our chain, or more
// than maxChainSkip ahead of it, yields ErrSessionDesync; an authentication
// failure yields ErrDecryptFailed.
func (c *Cipher) Decrypt(peer Identity, ciphertext []byte) ([]byte, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.closed {
		return nil, ErrStoreClosed
	}

	if len(ciphertext) < 4+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrCiphertextTooShort
	}

	rec, err := c.loadPeer(peer)
	if err != nil {
		return nil, err
	}

	header := ciphertext[:4]
	counter := binary.BigEndian.Uint32(header)
	nonce := ciphertext[4 : 4+chacha20poly1305.NonceSize]
	sealed := ciphertext[4+chacha20poly1305.NonceSize:]

	// Stale counter: the sender is using chain state we already ratcheted
	// past (or we lost state). Either way the session needs a re-exchange.
	if counter < rec.RecvCount {
		return nil, ErrSessionDesync
	}
	if counter-rec.RecvCount > maxChainSkip {
		return nil, ErrSessionDesync
	}

	chain := rec.RecvChain
	for i := rec.RecvCount; i < counter; i++ {
		chain = stepChain(chain)
	}

	aead, err := chacha20poly1305.New(messageKey(chain))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	rec.RecvChain = stepChain(chain)
	rec.RecvCount = counter + 1
	if err := c.storePeer(peer, rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// SealGroup encrypts a group broadcast under our own sender key for the group.
func (c *Cipher) SealGroup(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenGroup decrypts a group broadcast with the sender's key for the group.
func (c *Cipher) OpenGroup(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrCiphertextTooShort
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[:chacha20poly1305.NonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// NewGroupKey generates a fresh 32-byte sender key.
func NewGroupKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return key, nil
}
