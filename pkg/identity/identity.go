// Package identity owns the local cryptographic identity, the set of trusted
// remote identities, and the Cipher capability used to encrypt traffic between
// two identities. State is persisted in a bbolt database so a restart never
// leaves the protocol running on partial key material.
package identity

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// ServerDeviceID is the device id of the per-deployment server identity.
// Client device ids are assigned by the server starting at 1.
const ServerDeviceID = 0

// Identity is a stable cryptographic principal: an account id plus a
// server-assigned device id plus an X25519 public key. Identities are
// immutable once issued; equality is (account id, device id).
type Identity struct {
	AccountID uuid.UUID
	DeviceID  uint32
	PublicKey []byte
}

// Equal reports whether two identities name the same principal.
// Key material is not part of equality.
func (id Identity) Equal(other Identity) bool {
	return id.AccountID == other.AccountID && id.DeviceID == other.DeviceID
}

// SamePublicKey additionally compares the public key blobs.
func (id Identity) SamePublicKey(other Identity) bool {
	return id.Equal(other) && bytes.Equal(id.PublicKey, other.PublicKey)
}

// IsServer reports whether this is the deployment's server identity.
func (id Identity) IsServer() bool {
	return id.DeviceID == ServerDeviceID
}

// IsZero reports whether the identity is the unknown sentinel (first run,
// before the server has ever issued a device id).
func (id Identity) IsZero() bool {
	return id.AccountID == uuid.Nil && len(id.PublicKey) == 0
}

// Key returns the canonical map/storage key for the identity.
func (id Identity) Key() string {
	return fmt.Sprintf("%s.%d", id.AccountID, id.DeviceID)
}

func (id Identity) String() string {
	return id.Key()
}
