package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/curve25519"
)

const (
	localBucket     = "local"
	peersBucket     = "peers"
	groupKeysBucket = "groupkeys"

	localIdentityKey = "identity"
)

var (
	ErrAlreadyTrusted     = errors.New("identity is already trusted")
	ErrNotTrusted         = errors.New("identity is not trusted")
	ErrDeviceIDAlreadySet = errors.New("device id has already been assigned")
	ErrStoreClosed        = errors.New("identity store is closed")
)

// localIdentity is the persisted form of our own identity.
type localIdentity struct {
	AccountID  uuid.UUID `cbor:"1,keyasint"`
	DeviceID   uint32    `cbor:"2,keyasint"`
	PrivateKey []byte    `cbor:"3,keyasint"`
	PublicKey  []byte    `cbor:"4,keyasint"`
}

// peerRecord holds a trusted remote identity and the cipher session state
// negotiated with it. Chain keys are hash-ratcheted; counters detect desync.
type peerRecord struct {
	AccountID uuid.UUID `cbor:"1,keyasint"`
	DeviceID  uint32    `cbor:"2,keyasint"`
	PublicKey []byte    `cbor:"3,keyasint"`
	SendChain []byte    `cbor:"4,keyasint"`
	SendCount uint32    `cbor:"5,keyasint"`
	RecvChain []byte    `cbor:"6,keyasint"`
	RecvCount uint32    `cbor:"7,keyasint"`
	TrustedAt int64     `cbor:"8,keyasint"`
}

// groupKeyRecord is one member's sender key for one group.
type groupKeyRecord struct {
	Key       []byte `cbor:"1,keyasint"`
	CreatedAt int64  `cbor:"2,keyasint"`
}

// Store persists the local identity, trusted peers and group sender keys.
// Every mutation is committed to disk before the method returns.
type Store struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	local  localIdentity
	closed bool
}

// Open opens (or creates) the identity store at path. On first run a fresh
// X25519 keypair and account id are generated and persisted immediately.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	s := &Store{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{localBucket, peersBucket, groupKeysBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		b := tx.Bucket([]byte(localBucket))
		raw := b.Get([]byte(localIdentityKey))
		if raw != nil {
			return cbor.Unmarshal(raw, &s.local)
		}

		local, err := generateLocalIdentity()
		if err != nil {
			return err
		}
		s.local = local

		enc, err := cbor.Marshal(&s.local)
		if err != nil {
			return err
		}
		return b.Put([]byte(localIdentityKey), enc)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize identity store: %w", err)
	}

	return s, nil
}

func generateLocalIdentity() (localIdentity, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return localIdentity{}, fmt.Errorf("key generation failed: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return localIdentity{}, fmt.Errorf("key generation failed: %w", err)
	}

	return localIdentity{
		AccountID:  uuid.New(),
		PrivateKey: priv[:],
		PublicKey:  pub,
	}, nil
}

// CurrentIdentity returns this side's identity. DeviceID is zero until the
// server assigns one during device registration (and stays zero on servers).
func (s *Store) CurrentIdentity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub := make([]byte, len(s.local.PublicKey))
	copy(pub, s.local.PublicKey)
	return Identity{
		AccountID: s.local.AccountID,
		DeviceID:  s.local.DeviceID,
		PublicKey: pub,
	}
}

// SetDeviceID records the server-assigned device id. It may be called exactly
// once per store; a second call fails without mutating the stored value.
func (s *Store) SetDeviceID(deviceID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.local.DeviceID != 0 {
		return ErrDeviceIDAlreadySet
	}

	updated := s.local
	updated.DeviceID = deviceID
	if err := s.putLocal(updated); err != nil {
		return err
	}
	s.local = updated
	return nil
}

func (s *Store) putLocal(local localIdentity) error {
	enc, err := cbor.Marshal(&local)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(localBucket)).Put([]byte(localIdentityKey), enc)
	})
}

// IsTrustedIdentity reports whether a verified public key is on file for peer.
func (s *Store) IsTrustedIdentity(peer Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trusted := false
	s.db.View(func(tx *bbolt.Tx) error {
		trusted = tx.Bucket([]byte(peersBucket)).Get([]byte(peer.Key())) != nil
		return nil
	})
	return trusted
}

// TrustIdentity verifies and stores the peer's public key and derives fresh
// cipher session state. Fails if the peer is already trusted: callers must
// untrust first, which is what the resend-prekeys recovery path does.
func (s *Store) TrustIdentity(peer Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if len(peer.PublicKey) != 32 {
		return fmt.Errorf("invalid public key length %d for %s", len(peer.PublicKey), peer)
	}

	rec, err := s.deriveSession(peer)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(peersBucket))
		key := []byte(peer.Key())
		if b.Get(key) != nil {
			return ErrAlreadyTrusted
		}
		enc, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, enc)
	})
}

// UntrustIdentity removes the peer and its session state. Removing an unknown
// peer is not an error.
func (s *Store) UntrustIdentity(peer Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).Delete([]byte(peer.Key()))
	})
}

// TrustedIdentities returns all peers currently on file.
func (s *Store) TrustedIdentities() ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).ForEach(func(_, v []byte) error {
			var rec peerRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, Identity{
				AccountID: rec.AccountID,
				DeviceID:  rec.DeviceID,
				PublicKey: rec.PublicKey,
			})
			return nil
		})
	})
	return out, err
}

// Reset wipes all trust and session state, keeping only the local keypair.
// This is the designed recovery path when the server reports us untrusted.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{peersBucket, groupKeysBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cipher returns the encrypt/decrypt capability bound to this store.
func (s *Store) Cipher() *Cipher {
	return &Cipher{store: s}
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func groupKeyKey(groupID uuid.UUID, member Identity) []byte {
	return []byte(groupID.String() + "/" + member.Key())
}

// SetGroupKey stores member's sender key for a group, replacing any prior key.
func (s *Store) SetGroupKey(groupID uuid.UUID, member Identity, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec := groupKeyRecord{Key: key, CreatedAt: time.Now().UnixMilli()}
	enc, err := cbor.Marshal(&rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(groupKeysBucket)).Put(groupKeyKey(groupID, member), enc)
	})
}

// GroupKey returns member's sender key for a group, if known.
func (s *Store) GroupKey(groupID uuid.UUID, member Identity) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var key []byte
	s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(groupKeysBucket)).Get(groupKeyKey(groupID, member))
		if raw == nil {
			return nil
		}
		var rec groupKeyRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return err
		}
		key = rec.Key
		return nil
	})
	return key, key != nil
}

// InvalidateGroupKey removes a departed member's sender key so ciphertext
// produced under it can no longer be decrypted going forward.
func (s *Store) InvalidateGroupKey(groupID uuid.UUID, member Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(groupKeysBucket)).Delete(groupKeyKey(groupID, member))
	})
}

// DropGroup removes every sender key held for a group.
func (s *Store) DropGroup(groupID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	prefix := []byte(groupID.String() + "/")
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(groupKeysBucket))
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
