package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reencode(t *testing.T, msgType uint8, msg ProtocolMessage) ProtocolMessage {
	t.Helper()
	payload, err := msg.Encode()
	require.NoError(t, err)
	decoded, err := NewMessage(msgType)
	require.NoError(t, err)
	require.NoError(t, decoded.Decode(payload))
	return decoded
}

func TestGroupInviteRoundTrip(t *testing.T) {
	inviter := uuid.New()
	original := &GroupInviteMessage{
		Group: WireGroup{
			GroupID: uuid.New(),
			Name:    "Raid Night",
			Type:    GroupTypeNormal,
			Members: []WireMember{
				{AccountID: inviter, PlayerName: "Owner Resident", Role: RoleOwner, State: MemberAccepted, Online: true},
				{AccountID: uuid.New(), PlayerName: "Invitee Resident", Role: RoleMember, State: MemberPending},
			},
		},
		InviterID: inviter,
	}

	decoded := reencode(t, TypeGroupInvite, original).(*GroupInviteMessage)
	assert.Equal(t, original.Group.GroupID, decoded.Group.GroupID)
	assert.Equal(t, original.Group.Name, decoded.Group.Name)
	require.Len(t, decoded.Group.Members, 2)
	assert.Equal(t, original.Group.Members[0], decoded.Group.Members[0])
	assert.Equal(t, original.Group.Members[1], decoded.Group.Members[1])
	assert.Equal(t, inviter, decoded.InviterID)
}

func TestCreateGroupRoundTrip(t *testing.T) {
	original := &CreateGroupMessage{
		Name:        "Raid Night",
		GroupType:   GroupTypeNormal,
		PlayerNames: []string{"First Resident", "Second Resident"},
	}
	decoded := reencode(t, TypeCreateGroup, original).(*CreateGroupMessage)
	assert.Equal(t, original, decoded)

	// An empty initial roster stays empty.
	bare := reencode(t, TypeCreateGroup, &CreateGroupMessage{Name: "Solo"}).(*CreateGroupMessage)
	assert.Empty(t, bare.PlayerNames)
}

func TestAcceptMembershipRoundTrip(t *testing.T) {
	accepted := reencode(t, TypeAcceptMembership, &AcceptMembershipMessage{
		GroupID: uuid.New(),
		Accept:  true,
	}).(*AcceptMembershipMessage)
	assert.True(t, accepted.Accept)

	declined := reencode(t, TypeAcceptMembership, &AcceptMembershipMessage{
		GroupID: uuid.New(),
	}).(*AcceptMembershipMessage)
	assert.False(t, declined.Accept)
}

func TestMemberLeftRoundTrip(t *testing.T) {
	// With a player attached.
	withPlayer := &MemberLeftMessage{
		GroupID:    uuid.New(),
		HasPlayer:  true,
		AccountID:  uuid.New(),
		PlayerName: "Leaver Resident",
	}
	decoded := reencode(t, TypeMemberLeft, withPlayer).(*MemberLeftMessage)
	assert.Equal(t, withPlayer, decoded)

	// Group deletion carries no player.
	deleted := &MemberLeftMessage{GroupID: uuid.New(), HasPlayer: false}
	decoded = reencode(t, TypeMemberLeft, deleted).(*MemberLeftMessage)
	assert.False(t, decoded.HasPlayer)
	assert.Equal(t, uuid.Nil, decoded.AccountID)
}

func TestDisconnectOptionalReason(t *testing.T) {
	reason := "server shutting down"
	decoded := reencode(t, TypeDisconnect, &DisconnectMessage{Reason: &reason}).(*DisconnectMessage)
	require.NotNil(t, decoded.Reason)
	assert.Equal(t, reason, *decoded.Reason)

	decoded = reencode(t, TypeDisconnect, &DisconnectMessage{}).(*DisconnectMessage)
	assert.Nil(t, decoded.Reason)
}

func TestErrorMessageRoundTrip(t *testing.T) {
	decoded := reencode(t, TypeError, &ErrorMessage{
		ErrorCode: ErrCodeRateLimitExceeded,
		Message:   "message rate exceeded",
	}).(*ErrorMessage)
	assert.Equal(t, uint16(ErrCodeRateLimitExceeded), decoded.ErrorCode)
	assert.Equal(t, "message rate exceeded", decoded.Message)
}

func TestJoinAcknowledgedRoundTrip(t *testing.T) {
	original := &JoinAcknowledgedMessage{
		GroupID:   uuid.New(),
		AccountID: uuid.New(),
		DeviceID:  3,
		SenderKey: []byte("thirty-two bytes of key material"),
	}
	decoded := reencode(t, TypeJoinAcknowledged, original).(*JoinAcknowledgedMessage)
	assert.Equal(t, original, decoded)
}

func TestMessageDecodeRejectsTruncation(t *testing.T) {
	payload, err := (&GroupCreatedMessage{Group: WireGroup{GroupID: uuid.New(), Name: "X"}}).Encode()
	require.NoError(t, err)

	msg, err := NewMessage(TypeGroupCreated)
	require.NoError(t, err)
	assert.Error(t, msg.Decode(payload[:len(payload)-2]))
}
