package group

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-chat/lodestone/pkg/protocol"
	"github.com/lodestone-chat/lodestone/pkg/store"
)

// stubPresence marks every account offline unless flipped on.
type stubPresence map[uuid.UUID]bool

func (p stubPresence) Online(accountID uuid.UUID) bool { return p[accountID] }

func newTestService(t *testing.T) (*Service, *store.DB, stubPresence) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "groups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	presence := stubPresence{}
	return NewService(db, presence), db, presence
}

func newTestActor(t *testing.T, db *store.DB, name string) Actor {
	t.Helper()
	p, err := db.CreateProfile(uuid.New(), make([]byte, 32), []byte("tok"))
	require.NoError(t, err)
	require.NoError(t, db.SetPlayerName(p.AccountID, name))
	return Actor{AccountID: p.AccountID, DeviceID: 1, PlayerName: name}
}

// createTestGroup makes a group owned by owner and returns its id.
func createTestGroup(t *testing.T, svc *Service, owner Actor) uuid.UUID {
	t.Helper()
	batch, err := svc.CreateGroup(owner, "Expedition", protocol.GroupTypeNormal, nil)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	created := batch[0].Message.(*protocol.GroupCreatedMessage)
	return created.Group.GroupID
}

// inviteAndAccept puts member on the roster as accepted.
func inviteAndAccept(t *testing.T, svc *Service, owner, member Actor, groupID uuid.UUID) {
	t.Helper()
	roster := rosterNames(t, svc, groupID)
	_, err := svc.Invite(owner, groupID, append(roster, member.PlayerName))
	require.NoError(t, err)
	_, err = svc.AcceptMembership(member, groupID, true)
	require.NoError(t, err)
}

func rosterNames(t *testing.T, svc *Service, groupID uuid.UUID) []string {
	t.Helper()
	members, err := svc.db.MembersOf(groupID)
	require.NoError(t, err)
	names := make([]string, 0, len(members))
	for _, m := range members {
		if m.Role != protocol.RoleOwner {
			names = append(names, m.PlayerName)
		}
	}
	return names
}

func typesTo(batch Batch, account uuid.UUID) []uint8 {
	var types []uint8
	for _, out := range batch {
		if out.To == account {
			types = append(types, out.Type)
		}
	}
	return types
}

func TestCreateGroup(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")

	batch, err := svc.CreateGroup(owner, "Raid Night", protocol.GroupTypeNormal, nil)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, owner.AccountID, batch[0].To)
	assert.Equal(t, uint8(protocol.TypeGroupCreated), batch[0].Type)

	created := batch[0].Message.(*protocol.GroupCreatedMessage)
	require.Len(t, created.Group.Members, 1)
	assert.Equal(t, uint8(protocol.RoleOwner), created.Group.Members[0].Role)
	assert.Equal(t, uint8(protocol.MemberAccepted), created.Group.Members[0].State)
}

func TestCreateGroupValidation(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")

	_, err := svc.CreateGroup(owner, "Proximity", protocol.GroupTypeNearby, nil)
	var gerr *GroupError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrInvalidGroupType, gerr.Code)

	_, err = svc.CreateGroup(owner, "", protocol.GroupTypeNormal, nil)
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrInvalidGroupType, gerr.Code)
}

func TestCreateGroupWithInitialRoster(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	invitee := newTestActor(t, db, "Invitee Resident")

	batch, err := svc.CreateGroup(owner, "Raid Night", protocol.GroupTypeNormal, []string{invitee.PlayerName, "No Such Player"})
	require.NoError(t, err)

	// The owner gets the creation snapshot, the named player an invite;
	// unknown names are skipped.
	assert.Equal(t, []uint8{protocol.TypeGroupCreated}, typesTo(batch, owner.AccountID))
	assert.Equal(t, []uint8{protocol.TypeGroupInvite}, typesTo(batch, invitee.AccountID))

	created := batch[0].Message.(*protocol.GroupCreatedMessage)
	m, err := svc.db.GetMember(created.Group.GroupID, invitee.AccountID)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.MemberPending), m.State)
	require.NotNil(t, m.InvitedBy)
	assert.Equal(t, owner.AccountID, *m.InvitedBy)
}

func TestInvite(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	invitee := newTestActor(t, db, "Invitee Resident")
	groupID := createTestGroup(t, svc, owner)

	batch, err := svc.Invite(owner, groupID, []string{invitee.PlayerName, "No Such Player"})
	require.NoError(t, err)

	// Unknown names are skipped; the invitee gets exactly one invite.
	require.Len(t, batch, 1)
	assert.Equal(t, invitee.AccountID, batch[0].To)
	assert.Equal(t, uint8(protocol.TypeGroupInvite), batch[0].Type)
	invite := batch[0].Message.(*protocol.GroupInviteMessage)
	assert.Equal(t, owner.AccountID, invite.InviterID)
	assert.Len(t, invite.Group.Members, 2)

	m, err := svc.db.GetMember(groupID, invitee.AccountID)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.MemberPending), m.State)
}

func TestInviteRequiresOwner(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	member := newTestActor(t, db, "Member Resident")
	groupID := createTestGroup(t, svc, owner)
	inviteAndAccept(t, svc, owner, member, groupID)

	_, err := svc.Invite(member, groupID, []string{"Anyone Else"})
	var gerr *GroupError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrNotOwner, gerr.Code)
}

func TestInviteReconcilesRoster(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	keep := newTestActor(t, db, "Keep Resident")
	drop := newTestActor(t, db, "Drop Resident")
	groupID := createTestGroup(t, svc, owner)
	inviteAndAccept(t, svc, owner, keep, groupID)
	inviteAndAccept(t, svc, owner, drop, groupID)

	// A desired list without drop ejects them.
	batch, err := svc.Invite(owner, groupID, []string{keep.PlayerName})
	require.NoError(t, err)

	_, err = svc.db.GetMember(groupID, drop.AccountID)
	assert.ErrorIs(t, err, store.ErrMemberNotFound)
	_, err = svc.db.GetMember(groupID, keep.AccountID)
	assert.NoError(t, err)

	// The ejected account hears about it too.
	assert.Contains(t, typesTo(batch, drop.AccountID), uint8(protocol.TypeMemberLeft))
}

func TestAcceptMembership(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	joiner := newTestActor(t, db, "Joiner Resident")
	groupID := createTestGroup(t, svc, owner)

	_, err := svc.Invite(owner, groupID, []string{joiner.PlayerName})
	require.NoError(t, err)

	batch, err := svc.AcceptMembership(joiner, groupID, true)
	require.NoError(t, err)

	// Accepted co-members hear the state change; the joiner gets a snapshot.
	assert.Equal(t, []uint8{protocol.TypeMemberStateChanged}, typesTo(batch, owner.AccountID))
	assert.Equal(t, []uint8{protocol.TypeGroupRejoined}, typesTo(batch, joiner.AccountID))

	// Accepting twice fails.
	_, err = svc.AcceptMembership(joiner, groupID, true)
	var gerr *GroupError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrNotPending, gerr.Code)
}

func TestDeclineMembership(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	joiner := newTestActor(t, db, "Joiner Resident")
	groupID := createTestGroup(t, svc, owner)

	_, err := svc.Invite(owner, groupID, []string{joiner.PlayerName})
	require.NoError(t, err)

	batch, err := svc.AcceptMembership(joiner, groupID, false)
	require.NoError(t, err)

	// The owner hears the decline; the decliner gets no snapshot.
	assert.Equal(t, []uint8{protocol.TypeMemberStateChanged}, typesTo(batch, owner.AccountID))
	assert.Empty(t, typesTo(batch, joiner.AccountID))
	changed := batch[0].Message.(*protocol.MemberStateChangedMessage)
	assert.Equal(t, uint8(protocol.MemberDeclined), changed.Member.State)

	// The roster entry stays, marked declined.
	m, err := svc.db.GetMember(groupID, joiner.AccountID)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.MemberDeclined), m.State)

	// The invite is settled: it cannot be accepted afterwards.
	_, err = svc.AcceptMembership(joiner, groupID, true)
	var gerr *GroupError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrNotPending, gerr.Code)

	// A declined member coming online gets no replay.
	batch, err = svc.PlayerOnline(joiner)
	require.NoError(t, err)
	assert.Empty(t, typesTo(batch, joiner.AccountID))
}

func TestReinviteAfterDecline(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	joiner := newTestActor(t, db, "Joiner Resident")
	groupID := createTestGroup(t, svc, owner)

	_, err := svc.Invite(owner, groupID, []string{joiner.PlayerName})
	require.NoError(t, err)
	_, err = svc.AcceptMembership(joiner, groupID, false)
	require.NoError(t, err)

	// Re-inviting a declined member revives the pending invite.
	batch, err := svc.Invite(owner, groupID, []string{joiner.PlayerName})
	require.NoError(t, err)
	assert.Equal(t, []uint8{protocol.TypeGroupInvite}, typesTo(batch, joiner.AccountID))

	m, err := svc.db.GetMember(groupID, joiner.AccountID)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.MemberPending), m.State)

	// The revived invite can be accepted normally.
	_, err = svc.AcceptMembership(joiner, groupID, true)
	require.NoError(t, err)
	m, err = svc.db.GetMember(groupID, joiner.AccountID)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.MemberAccepted), m.State)
}

func TestLeaveNotifiesEveryRosterEntry(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	leaver := newTestActor(t, db, "Leaver Resident")
	pending := newTestActor(t, db, "Pending Resident")
	groupID := createTestGroup(t, svc, owner)
	inviteAndAccept(t, svc, owner, leaver, groupID)
	_, err := svc.Invite(owner, groupID, append(rosterNames(t, svc, groupID), pending.PlayerName))
	require.NoError(t, err)

	batch, err := svc.Leave(leaver, groupID)
	require.NoError(t, err)

	// The owner, the still-pending invitee, and the leaver's own account are
	// all told; the leaver's other devices need the notice to drop state.
	var notified []uuid.UUID
	for _, out := range batch {
		if out.Type == protocol.TypeMemberLeft {
			notified = append(notified, out.To)
		}
	}
	assert.Len(t, notified, 3)
	assert.Contains(t, notified, owner.AccountID)
	assert.Contains(t, notified, pending.AccountID)
	assert.Contains(t, notified, leaver.AccountID)
}

func TestOwnerLeavePromotesLongestMember(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	first := newTestActor(t, db, "First Resident")
	second := newTestActor(t, db, "Second Resident")
	groupID := createTestGroup(t, svc, owner)
	inviteAndAccept(t, svc, owner, first, groupID)
	inviteAndAccept(t, svc, owner, second, groupID)

	batch, err := svc.Leave(owner, groupID)
	require.NoError(t, err)

	m, err := svc.db.GetMember(groupID, first.AccountID)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.RoleOwner), m.Role)

	assert.Contains(t, typesTo(batch, first.AccountID), uint8(protocol.TypeOwnershipTransferred))
	assert.Contains(t, typesTo(batch, second.AccountID), uint8(protocol.TypeOwnershipTransferred))
}

func TestOwnerLeaveWithOnlyPendingDeletesGroup(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	pending := newTestActor(t, db, "Pending Resident")
	groupID := createTestGroup(t, svc, owner)
	_, err := svc.Invite(owner, groupID, []string{pending.PlayerName})
	require.NoError(t, err)

	batch, err := svc.Leave(owner, groupID)
	require.NoError(t, err)

	_, err = svc.db.GetGroup(groupID)
	assert.ErrorIs(t, err, store.ErrGroupNotFound)

	// The pending invitee hears both the departure and the deletion.
	types := typesTo(batch, pending.AccountID)
	assert.Len(t, types, 2)
}

func TestLastMemberLeaveDeletesGroup(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	groupID := createTestGroup(t, svc, owner)

	batch, err := svc.Leave(owner, groupID)
	require.NoError(t, err)

	// Only the leaver's own account hears about it, for its other devices.
	assert.Equal(t, []uint8{protocol.TypeMemberLeft}, typesTo(batch, owner.AccountID))
	assert.Len(t, batch, 1)

	_, err = svc.db.GetGroup(groupID)
	assert.ErrorIs(t, err, store.ErrGroupNotFound)
}

func TestEject(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	target := newTestActor(t, db, "Target Resident")
	groupID := createTestGroup(t, svc, owner)
	inviteAndAccept(t, svc, owner, target, groupID)

	var gerr *GroupError
	_, err := svc.Eject(target, groupID, owner.AccountID)
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrNotOwner, gerr.Code)

	_, err = svc.Eject(owner, groupID, owner.AccountID)
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrSelfTarget, gerr.Code)

	batch, err := svc.Eject(owner, groupID, target.AccountID)
	require.NoError(t, err)

	_, err = svc.db.GetMember(groupID, target.AccountID)
	assert.ErrorIs(t, err, store.ErrMemberNotFound)
	assert.Contains(t, typesTo(batch, target.AccountID), uint8(protocol.TypeMemberLeft))
}

func TestDelete(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	member := newTestActor(t, db, "Member Resident")
	groupID := createTestGroup(t, svc, owner)
	inviteAndAccept(t, svc, owner, member, groupID)

	var gerr *GroupError
	_, err := svc.Delete(member, groupID)
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrNotOwner, gerr.Code)

	batch, err := svc.Delete(owner, groupID)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	for _, out := range batch {
		left := out.Message.(*protocol.MemberLeftMessage)
		assert.False(t, left.HasPlayer)
	}

	_, err = svc.db.GetGroup(groupID)
	assert.ErrorIs(t, err, store.ErrGroupNotFound)
}

func TestTransferOwnership(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	next := newTestActor(t, db, "Next Resident")
	pending := newTestActor(t, db, "Pending Resident")
	groupID := createTestGroup(t, svc, owner)
	inviteAndAccept(t, svc, owner, next, groupID)
	_, err := svc.Invite(owner, groupID, append(rosterNames(t, svc, groupID), pending.PlayerName))
	require.NoError(t, err)

	var gerr *GroupError
	_, err = svc.TransferOwnership(owner, groupID, owner.AccountID)
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrSelfTarget, gerr.Code)

	_, err = svc.TransferOwnership(owner, groupID, pending.AccountID)
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrNotAccepted, gerr.Code)

	batch, err := svc.TransferOwnership(owner, groupID, next.AccountID)
	require.NoError(t, err)
	assert.Len(t, batch, 3)

	m, err := svc.db.GetMember(groupID, next.AccountID)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.RoleOwner), m.Role)
	m, err = svc.db.GetMember(groupID, owner.AccountID)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.RoleMember), m.Role)
}

func TestAcknowledgeJoin(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	joiner := newTestActor(t, db, "Joiner Resident")
	pending := newTestActor(t, db, "Pending Resident")
	groupID := createTestGroup(t, svc, owner)
	inviteAndAccept(t, svc, owner, joiner, groupID)
	_, err := svc.Invite(owner, groupID, append(rosterNames(t, svc, groupID), pending.PlayerName))
	require.NoError(t, err)

	key := []byte("opaque sender key material 32 by")

	// Forwarding to a pending member is refused.
	var gerr *GroupError
	_, err = svc.AcknowledgeJoin(owner, &protocol.AcknowledgeJoinMessage{
		GroupID:   groupID,
		AccountID: pending.AccountID,
		SenderKey: key,
	})
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrNotAccepted, gerr.Code)

	owner.DeviceID = 3
	batch, err := svc.AcknowledgeJoin(owner, &protocol.AcknowledgeJoinMessage{
		GroupID:   groupID,
		AccountID: joiner.AccountID,
		SenderKey: key,
	})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, joiner.AccountID, batch[0].To)

	// The forwarded key is stamped with the sender's real device.
	ack := batch[0].Message.(*protocol.JoinAcknowledgedMessage)
	assert.Equal(t, owner.AccountID, ack.AccountID)
	assert.Equal(t, uint32(3), ack.DeviceID)
	assert.Equal(t, key, ack.SenderKey)
}

func TestPlayerOnline(t *testing.T) {
	svc, db, presence := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	returning := newTestActor(t, db, "Returning Resident")
	invited := newTestActor(t, db, "Invited Resident")
	groupID := createTestGroup(t, svc, owner)
	inviteAndAccept(t, svc, owner, returning, groupID)
	_, err := svc.Invite(owner, groupID, append(rosterNames(t, svc, groupID), invited.PlayerName))
	require.NoError(t, err)

	presence[owner.AccountID] = true

	// An accepted member coming online gets a snapshot, co-members a flip.
	batch, err := svc.PlayerOnline(returning)
	require.NoError(t, err)
	assert.Equal(t, []uint8{protocol.TypeGroupRejoined}, typesTo(batch, returning.AccountID))
	assert.Equal(t, []uint8{protocol.TypeMemberPresence}, typesTo(batch, owner.AccountID))
	// Pending invitees do not get presence.
	assert.Empty(t, typesTo(batch, invited.AccountID))

	// A pending member coming online gets its invite replayed, only that.
	batch, err = svc.PlayerOnline(invited)
	require.NoError(t, err)
	require.Equal(t, []uint8{protocol.TypeGroupInvite}, typesTo(batch, invited.AccountID))
	assert.Empty(t, typesTo(batch, owner.AccountID))

	invite := batch[0].Message.(*protocol.GroupInviteMessage)
	assert.Equal(t, owner.AccountID, invite.InviterID)
}

func TestPlayerOffline(t *testing.T) {
	svc, db, _ := newTestService(t)
	owner := newTestActor(t, db, "Owner Resident")
	leaver := newTestActor(t, db, "Leaver Resident")
	groupID := createTestGroup(t, svc, owner)
	inviteAndAccept(t, svc, owner, leaver, groupID)

	batch, err := svc.PlayerOffline(leaver.AccountID)
	require.NoError(t, err)

	require.Equal(t, []uint8{protocol.TypeMemberPresence}, typesTo(batch, owner.AccountID))
	flip := batch[0].Message.(*protocol.MemberPresenceMessage)
	assert.Equal(t, leaver.AccountID, flip.AccountID)
	assert.False(t, flip.Online)

	// Membership in normal groups survives going offline.
	_, err = svc.db.GetMember(groupID, leaver.AccountID)
	assert.NoError(t, err)
}

func TestNearbyGroupDissolvesOffline(t *testing.T) {
	svc, db, _ := newTestService(t)
	a := newTestActor(t, db, "Alpha Resident")
	b := newTestActor(t, db, "Beta Resident")

	groupID, _, err := svc.ReconcileNearby(uuid.Nil, "Nearby: Plaza", []Actor{a, b})
	require.NoError(t, err)

	_, err = svc.PlayerOffline(a.AccountID)
	require.NoError(t, err)
	_, err = svc.db.GetMember(groupID, a.AccountID)
	assert.ErrorIs(t, err, store.ErrMemberNotFound)

	_, err = svc.PlayerOffline(b.AccountID)
	require.NoError(t, err)
	_, err = svc.db.GetGroup(groupID)
	assert.ErrorIs(t, err, store.ErrGroupNotFound)
}

func TestReconcileNearby(t *testing.T) {
	svc, db, _ := newTestService(t)
	a := newTestActor(t, db, "Alpha Resident")
	b := newTestActor(t, db, "Beta Resident")
	c := newTestActor(t, db, "Gamma Resident")

	_, _, err := svc.ReconcileNearby(uuid.Nil, "Nearby: Plaza", nil)
	var gerr *GroupError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrLastMember, gerr.Code)

	groupID, batch, err := svc.ReconcileNearby(uuid.Nil, "Nearby: Plaza", []Actor{a, b})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, groupID)
	// Everyone on the roster gets a snapshot; nobody gets an invite.
	assert.Equal(t, []uint8{protocol.TypeGroupRejoined}, typesTo(batch, a.AccountID))
	assert.Equal(t, []uint8{protocol.TypeGroupRejoined}, typesTo(batch, b.AccountID))

	// Reconciling to {b, c} drops a and adds c, auto-accepted.
	_, batch, err = svc.ReconcileNearby(groupID, "Nearby: Plaza", []Actor{b, c})
	require.NoError(t, err)

	_, err = svc.db.GetMember(groupID, a.AccountID)
	assert.ErrorIs(t, err, store.ErrMemberNotFound)
	m, err := svc.db.GetMember(groupID, c.AccountID)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.MemberAccepted), m.State)
	assert.Contains(t, typesTo(batch, a.AccountID), uint8(protocol.TypeMemberLeft))

	// The surviving roster still has exactly one owner.
	members, err := svc.db.MembersOf(groupID)
	require.NoError(t, err)
	owners := 0
	for _, m := range members {
		if m.Role == protocol.RoleOwner {
			owners++
		}
	}
	assert.Equal(t, 1, owners)

	// A normal group cannot be reconciled as nearby.
	owner := newTestActor(t, db, "Owner Resident")
	normalID := createTestGroup(t, svc, owner)
	_, _, err = svc.ReconcileNearby(normalID, "Nearby: Fake", []Actor{owner})
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrInvalidGroupType, gerr.Code)
}
