package identity

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenGeneratesIdentity(t *testing.T) {
	s := openTestStore(t)

	id := s.CurrentIdentity()
	assert.NotEqual(t, uuid.Nil, id.AccountID)
	assert.Equal(t, uint32(0), id.DeviceID)
	assert.Len(t, id.PublicKey, 32)
}

func TestIdentityPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	s, err := Open(path)
	require.NoError(t, err)
	first := s.CurrentIdentity()
	require.NoError(t, s.SetDeviceID(4))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	second := s.CurrentIdentity()
	assert.Equal(t, first.AccountID, second.AccountID)
	assert.Equal(t, first.PublicKey, second.PublicKey)
	assert.Equal(t, uint32(4), second.DeviceID)
}

func TestSetDeviceIDOnce(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SetDeviceID(9))
	err := s.SetDeviceID(10)
	assert.Equal(t, ErrDeviceIDAlreadySet, err)
	assert.Equal(t, uint32(9), s.CurrentIdentity().DeviceID)
}

func TestTrustLifecycle(t *testing.T) {
	s := openTestStore(t)
	peer := openTestStore(t).CurrentIdentity()
	peer.DeviceID = 2

	assert.False(t, s.IsTrustedIdentity(peer))

	require.NoError(t, s.TrustIdentity(peer))
	assert.True(t, s.IsTrustedIdentity(peer))

	// Trusting again without untrusting first must fail.
	assert.Equal(t, ErrAlreadyTrusted, s.TrustIdentity(peer))

	require.NoError(t, s.UntrustIdentity(peer))
	assert.False(t, s.IsTrustedIdentity(peer))

	// Untrusting an unknown peer is a no-op.
	assert.NoError(t, s.UntrustIdentity(peer))
}

func TestTrustRejectsBadKey(t *testing.T) {
	s := openTestStore(t)

	err := s.TrustIdentity(Identity{
		AccountID: uuid.New(),
		DeviceID:  1,
		PublicKey: []byte("short"),
	})
	assert.Error(t, err)
}

func TestTrustedIdentities(t *testing.T) {
	s := openTestStore(t)

	a := openTestStore(t).CurrentIdentity()
	a.DeviceID = 1
	b := openTestStore(t).CurrentIdentity()
	b.DeviceID = 2
	require.NoError(t, s.TrustIdentity(a))
	require.NoError(t, s.TrustIdentity(b))

	peers, err := s.TrustedIdentities()
	require.NoError(t, err)
	assert.Len(t, peers, 2)
}

func TestResetKeepsLocalKeypair(t *testing.T) {
	s := openTestStore(t)
	before := s.CurrentIdentity()

	peer := openTestStore(t).CurrentIdentity()
	peer.DeviceID = 1
	require.NoError(t, s.TrustIdentity(peer))

	groupID := uuid.New()
	key, err := NewGroupKey()
	require.NoError(t, err)
	require.NoError(t, s.SetGroupKey(groupID, peer, key))

	require.NoError(t, s.Reset())

	after := s.CurrentIdentity()
	assert.Equal(t, before.AccountID, after.AccountID)
	assert.Equal(t, before.PublicKey, after.PublicKey)
	assert.False(t, s.IsTrustedIdentity(peer))
	_, ok := s.GroupKey(groupID, peer)
	assert.False(t, ok)
}

func TestGroupKeys(t *testing.T) {
	s := openTestStore(t)
	groupID := uuid.New()
	other := uuid.New()
	member := Identity{AccountID: uuid.New(), DeviceID: 1}

	_, ok := s.GroupKey(groupID, member)
	assert.False(t, ok)

	key, err := NewGroupKey()
	require.NoError(t, err)
	require.NoError(t, s.SetGroupKey(groupID, member, key))
	require.NoError(t, s.SetGroupKey(other, member, key))

	got, ok := s.GroupKey(groupID, member)
	require.True(t, ok)
	assert.Equal(t, key, got)

	// Replacing an existing key wins.
	rotated, err := NewGroupKey()
	require.NoError(t, err)
	require.NoError(t, s.SetGroupKey(groupID, member, rotated))
	got, ok = s.GroupKey(groupID, member)
	require.True(t, ok)
	assert.Equal(t, rotated, got)

	require.NoError(t, s.InvalidateGroupKey(groupID, member))
	_, ok = s.GroupKey(groupID, member)
	assert.False(t, ok)

	// DropGroup only clears the named group.
	require.NoError(t, s.SetGroupKey(groupID, member, key))
	require.NoError(t, s.DropGroup(groupID))
	_, ok = s.GroupKey(groupID, member)
	assert.False(t, ok)
	_, ok = s.GroupKey(other, member)
	assert.True(t, ok)
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	peer := Identity{AccountID: uuid.New(), DeviceID: 1, PublicKey: make([]byte, 32)}
	assert.Equal(t, ErrStoreClosed, s.TrustIdentity(peer))
	assert.Equal(t, ErrStoreClosed, s.SetDeviceID(1))
	assert.Equal(t, ErrStoreClosed, s.Reset())
	assert.NoError(t, s.Close())
}
