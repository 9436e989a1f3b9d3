package protocol

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-chat/lodestone/pkg/identity"
)

// newPeerPair opens two identity stores that mutually trust each other, the
// way a client and server do after a completed key exchange.
func newPeerPair(t *testing.T) (*identity.Store, *identity.Store) {
	t.Helper()

	client, err := identity.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.SetDeviceID(1))

	server, err := identity.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	require.NoError(t, client.TrustIdentity(server.CurrentIdentity()))
	require.NoError(t, server.TrustIdentity(client.CurrentIdentity()))
	return client, server
}

func TestEncodePlainRejectsAppKinds(t *testing.T) {
	_, err := EncodePlain(TypeCreateGroup, &CreateGroupMessage{Name: "raid"})
	assert.Equal(t, ErrPlaintextNotAllowed, err)
}

func TestPlainHandshakeRoundTrip(t *testing.T) {
	client, _ := newPeerPair(t)

	original := &IdentifyMessage{
		Registered: true,
		Identity: WireIdentity{
			AccountID: uuid.New(),
			DeviceID:  7,
			PublicKey: make([]byte, 32),
		},
	}
	data, err := EncodePlain(TypeIdentify, original)
	require.NoError(t, err)

	frame, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), frame.Flags&FlagEncrypted)

	msg, sender, err := DecodeFramePayload(frame, client.Cipher())
	require.NoError(t, err)
	assert.True(t, sender.IsZero())

	decoded, ok := msg.(*IdentifyMessage)
	require.True(t, ok)
	assert.Equal(t, original.Registered, decoded.Registered)
	assert.Equal(t, original.Identity.AccountID, decoded.Identity.AccountID)
	assert.Equal(t, original.Identity.DeviceID, decoded.Identity.DeviceID)
}

func TestEncryptedRoundTrip(t *testing.T) {
	client, server := newPeerPair(t)
	clientID := client.CurrentIdentity()
	serverID := server.CurrentIdentity()

	original := &CreateGroupMessage{Name: "expedition", GroupType: GroupTypeNormal}
	data, err := EncodeEncrypted(client.Cipher(), clientID, serverID, TypeCreateGroup, original)
	require.NoError(t, err)

	frame, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(FlagEncrypted), frame.Flags&FlagEncrypted)

	msg, sender, err := DecodeFramePayload(frame, server.Cipher())
	require.NoError(t, err)
	assert.Equal(t, clientID.AccountID, sender.AccountID)
	assert.Equal(t, clientID.DeviceID, sender.DeviceID)

	decoded, ok := msg.(*CreateGroupMessage)
	require.True(t, ok)
	assert.Equal(t, original.Name, decoded.Name)
}

func TestAppKindRequiresEnvelope(t *testing.T) {
	client, _ := newPeerPair(t)

	payload, err := (&CreateGroupMessage{Name: "nope"}).Encode()
	require.NoError(t, err)
	data, err := EncodeMessage(ProtocolVersion, TypeCreateGroup, 0, payload)
	require.NoError(t, err)

	frame, err := DecodeMessage(data)
	require.NoError(t, err)

	_, _, err = DecodeFramePayload(frame, client.Cipher())
	assert.Equal(t, ErrPlaintextNotAllowed, err)
}

func TestReplayYieldsSessionDesync(t *testing.T) {
	client, server := newPeerPair(t)

	data, err := EncodeEncrypted(client.Cipher(), client.CurrentIdentity(), server.CurrentIdentity(), TypeKeepAlive, &KeepAliveMessage{})
	require.NoError(t, err)

	frame, err := DecodeMessage(data)
	require.NoError(t, err)

	_, _, err = DecodeFramePayload(frame, server.Cipher())
	require.NoError(t, err)

	// A second delivery of the same frame lands behind the receive counter.
	_, _, err = DecodeFramePayload(frame, server.Cipher())
	assert.True(t, errors.Is(err, identity.ErrSessionDesync))
}

func TestEnvelopeFromUnknownPeer(t *testing.T) {
	_, server := newPeerPair(t)

	stranger, err := identity.Open(filepath.Join(t.TempDir(), "stranger.db"))
	require.NoError(t, err)
	defer stranger.Close()
	require.NoError(t, stranger.SetDeviceID(3))
	require.NoError(t, stranger.TrustIdentity(server.CurrentIdentity()))

	data, err := EncodeEncrypted(stranger.Cipher(), stranger.CurrentIdentity(), server.CurrentIdentity(), TypeKeepAlive, &KeepAliveMessage{})
	require.NoError(t, err)

	frame, err := DecodeMessage(data)
	require.NoError(t, err)

	// The server never trusted the stranger, so the envelope names an
	// unknown sender.
	_, sender, err := DecodeFramePayload(frame, server.Cipher())
	assert.True(t, errors.Is(err, identity.ErrUnknownPeer))
	assert.Equal(t, stranger.CurrentIdentity().AccountID, sender.AccountID)
}

func TestUnknownMessageType(t *testing.T) {
	client, _ := newPeerPair(t)

	data, err := EncodeMessage(ProtocolVersion, 0x7F, 0, nil)
	require.NoError(t, err)
	frame, err := DecodeMessage(data)
	require.NoError(t, err)

	_, _, err = DecodeFramePayload(frame, client.Cipher())
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
}

func TestMalformedEnvelope(t *testing.T) {
	client, _ := newPeerPair(t)

	data, err := EncodeMessage(ProtocolVersion, TypeKeepAlive, FlagEncrypted, []byte{1, 2, 3})
	require.NoError(t, err)
	frame, err := DecodeMessage(data)
	require.NoError(t, err)

	_, _, err = DecodeFramePayload(frame, client.Cipher())
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}
