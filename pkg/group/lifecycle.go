package group

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lodestone-chat/lodestone/pkg/protocol"
	"github.com/lodestone-chat/lodestone/pkg/store"
)

// memberLeftFanout notifies every remaining roster entry (pending members
// hold a roster snapshot from their invite, so they hear about departures
// too) and optionally the removed account itself.
func (s *Service) memberLeftFanout(groupID uuid.UUID, roster []*store.Member, removed *store.Member, notifyRemoved bool) Batch {
	msg := &protocol.MemberLeftMessage{
		GroupID:    groupID,
		HasPlayer:  true,
		AccountID:  removed.AccountID,
		PlayerName: removed.PlayerName,
	}
	var batch Batch
	for _, m := range roster {
		if m.AccountID == removed.AccountID {
			continue
		}
		batch = append(batch, Outgoing{To: m.AccountID, Type: protocol.TypeMemberLeft, Message: msg})
	}
	if notifyRemoved {
		batch = append(batch, Outgoing{To: removed.AccountID, Type: protocol.TypeMemberLeft, Message: msg})
	}
	return batch
}

// groupDeletedFanout tells every roster entry the group is gone.
func groupDeletedFanout(groupID uuid.UUID, roster []*store.Member) Batch {
	msg := &protocol.MemberLeftMessage{GroupID: groupID, HasPlayer: false}
	var batch Batch
	for _, m := range roster {
		batch = append(batch, Outgoing{To: m.AccountID, Type: protocol.TypeMemberLeft, Message: msg})
	}
	return batch
}

// Leave removes actor from the group. A departing owner hands ownership to
// the longest-standing accepted member; a group left with no accepted
// members is deleted.
func (s *Service) Leave(actor Actor, groupID uuid.UUID) (Batch, error) {
	_, members, gerr := s.loadGroup(groupID)
	if gerr != nil {
		return nil, gerr
	}
	entry, gerr := s.loadMember(groupID, actor.AccountID)
	if gerr != nil {
		return nil, gerr
	}

	if err := s.db.RemoveMember(groupID, actor.AccountID); err != nil {
		return nil, fmt.Errorf("leaving group: %w", err)
	}

	// The leaver's account is notified too so its other devices drop local
	// state and rotate sender keys.
	batch := s.memberLeftFanout(groupID, members, entry, true)

	remaining := make([]*store.Member, 0, len(members)-1)
	var heir *store.Member
	for _, m := range members {
		if m.AccountID == actor.AccountID {
			continue
		}
		remaining = append(remaining, m)
		// MembersOf orders by join time, first accepted wins.
		if heir == nil && m.State == protocol.MemberAccepted {
			heir = m
		}
	}

	if len(remaining) == 0 {
		if err := s.db.DeleteGroup(groupID); err != nil {
			return nil, fmt.Errorf("deleting empty group: %w", err)
		}
		return batch, nil
	}

	if entry.Role == protocol.RoleOwner {
		if heir == nil {
			// Only pending invites remain. Nobody can own the group.
			if err := s.db.DeleteGroup(groupID); err != nil {
				return nil, fmt.Errorf("deleting ownerless group: %w", err)
			}
			return append(batch, groupDeletedFanout(groupID, remaining)...), nil
		}
		if err := s.db.SetMemberRole(groupID, heir.AccountID, protocol.RoleOwner); err != nil {
			return nil, fmt.Errorf("promoting heir: %w", err)
		}
		msg := &protocol.OwnershipTransferredMessage{GroupID: groupID, NewOwnerID: heir.AccountID}
		for _, m := range remaining {
			batch = append(batch, Outgoing{To: m.AccountID, Type: protocol.TypeOwnershipTransferred, Message: msg})
		}
	}
	return batch, nil
}

// Eject removes a member by owner decree. The ejected account is told too so
// its client can drop local state.
func (s *Service) Eject(actor Actor, groupID, target uuid.UUID) (Batch, error) {
	_, members, gerr := s.loadGroup(groupID)
	if gerr != nil {
		return nil, gerr
	}
	actorEntry, gerr := s.loadMember(groupID, actor.AccountID)
	if gerr != nil {
		return nil, gerr
	}
	if actorEntry.Role != protocol.RoleOwner {
		return nil, errf(ErrNotOwner, "%s does not own %s", actor.AccountID, groupID)
	}
	if target == actor.AccountID {
		return nil, errf(ErrSelfTarget, "owner cannot eject itself, leave instead")
	}
	targetEntry, gerr := s.loadMember(groupID, target)
	if gerr != nil {
		return nil, gerr
	}

	if err := s.db.RemoveMember(groupID, target); err != nil {
		return nil, fmt.Errorf("ejecting member: %w", err)
	}
	return s.memberLeftFanout(groupID, members, targetEntry, true), nil
}

// Delete tears the group down entirely.
func (s *Service) Delete(actor Actor, groupID uuid.UUID) (Batch, error) {
	_, members, gerr := s.loadGroup(groupID)
	if gerr != nil {
		return nil, gerr
	}
	actorEntry, gerr := s.loadMember(groupID, actor.AccountID)
	if gerr != nil {
		return nil, gerr
	}
	if actorEntry.Role != protocol.RoleOwner {
		return nil, errf(ErrNotOwner, "%s does not own %s", actor.AccountID, groupID)
	}

	if err := s.db.DeleteGroup(groupID); err != nil {
		return nil, fmt.Errorf("deleting group: %w", err)
	}
	return groupDeletedFanout(groupID, members), nil
}

// TransferOwnership hands the group to another accepted member. The store
// commits the demotion and promotion atomically; a crash between the wire
// acknowledgment and client-side bookkeeping is healed by the next roster
// snapshot.
func (s *Service) TransferOwnership(actor Actor, groupID, newOwner uuid.UUID) (Batch, error) {
	_, members, gerr := s.loadGroup(groupID)
	if gerr != nil {
		return nil, gerr
	}
	actorEntry, gerr := s.loadMember(groupID, actor.AccountID)
	if gerr != nil {
		return nil, gerr
	}
	if actorEntry.Role != protocol.RoleOwner {
		return nil, errf(ErrNotOwner, "%s does not own %s", actor.AccountID, groupID)
	}
	if newOwner == actor.AccountID {
		return nil, errf(ErrSelfTarget, "group is already owned by %s", newOwner)
	}
	targetEntry, gerr := s.loadMember(groupID, newOwner)
	if gerr != nil {
		return nil, gerr
	}
	if targetEntry.State != protocol.MemberAccepted {
		return nil, errf(ErrNotAccepted, "%s has not accepted membership in %s", newOwner, groupID)
	}

	if err := s.db.TransferOwnership(groupID, actor.AccountID, newOwner); err != nil {
		return nil, fmt.Errorf("transferring ownership: %w", err)
	}

	msg := &protocol.OwnershipTransferredMessage{GroupID: groupID, NewOwnerID: newOwner}
	var batch Batch
	for _, m := range members {
		batch = append(batch, Outgoing{To: m.AccountID, Type: protocol.TypeOwnershipTransferred, Message: msg})
	}
	return batch, nil
}

// PlayerOnline replays what the account missed while offline: one invite per
// group it is still pending in, a roster snapshot per group it belongs to,
// and a presence flip to everyone sharing a group with it.
func (s *Service) PlayerOnline(actor Actor) (Batch, error) {
	entries, err := s.db.GroupsForAccount(actor.AccountID)
	if err != nil {
		return nil, fmt.Errorf("loading memberships: %w", err)
	}

	var batch Batch
	for _, entry := range entries {
		g, members, gerr := s.loadGroup(entry.GroupID)
		if gerr != nil {
			continue
		}

		if entry.State == protocol.MemberPending {
			inviter := uuid.Nil
			if entry.InvitedBy != nil {
				inviter = *entry.InvitedBy
			}
			batch = append(batch, Outgoing{
				To:      actor.AccountID,
				Type:    protocol.TypeGroupInvite,
				Message: &protocol.GroupInviteMessage{Group: s.wireGroup(g, members), InviterID: inviter},
			})
			continue
		}
		if entry.State != protocol.MemberAccepted {
			// Declined invites are not replayed.
			continue
		}

		batch = append(batch, Outgoing{
			To:      actor.AccountID,
			Type:    protocol.TypeGroupRejoined,
			Message: &protocol.GroupRejoinedMessage{Group: s.wireGroup(g, members)},
		})
		presence := &protocol.MemberPresenceMessage{GroupID: entry.GroupID, AccountID: actor.AccountID, Online: true}
		for _, m := range members {
			if m.State == protocol.MemberAccepted && m.AccountID != actor.AccountID {
				batch = append(batch, Outgoing{To: m.AccountID, Type: protocol.TypeMemberPresence, Message: presence})
			}
		}
	}
	return batch, nil
}

// PlayerOffline flips presence for co-members and drops the account out of
// nearby groups, which exist only while their members are around.
func (s *Service) PlayerOffline(account uuid.UUID) (Batch, error) {
	entries, err := s.db.GroupsForAccount(account)
	if err != nil {
		return nil, fmt.Errorf("loading memberships: %w", err)
	}

	var batch Batch
	for _, entry := range entries {
		if entry.State != protocol.MemberAccepted {
			continue
		}
		g, members, gerr := s.loadGroup(entry.GroupID)
		if gerr != nil {
			continue
		}

		if g.Type == protocol.GroupTypeNearby {
			if err := s.db.RemoveMember(entry.GroupID, account); err == nil {
				batch = append(batch, s.memberLeftFanout(entry.GroupID, members, entry, false)...)
				if len(members) == 1 {
					s.db.DeleteGroup(entry.GroupID)
				}
			}
			continue
		}

		presence := &protocol.MemberPresenceMessage{GroupID: entry.GroupID, AccountID: account, Online: false}
		for _, m := range members {
			if m.State == protocol.MemberAccepted && m.AccountID != account {
				batch = append(batch, Outgoing{To: m.AccountID, Type: protocol.TypeMemberPresence, Message: presence})
			}
		}
	}
	return batch, nil
}

// ReconcileNearby synthesizes or updates a proximity group so its roster
// equals the given accounts. Members are auto-accepted; nobody is invited.
// Pass uuid.Nil as groupID to create the group.
func (s *Service) ReconcileNearby(groupID uuid.UUID, name string, accounts []Actor) (uuid.UUID, Batch, error) {
	if len(accounts) == 0 {
		return uuid.Nil, nil, errf(ErrLastMember, "nearby group needs at least one member")
	}

	if groupID == uuid.Nil {
		groupID = uuid.New()
		if err := s.db.CreateGroup(groupID, name, protocol.GroupTypeNearby, accounts[0].AccountID, accounts[0].PlayerName); err != nil {
			return uuid.Nil, nil, fmt.Errorf("creating nearby group: %w", err)
		}
	}

	g, members, gerr := s.loadGroup(groupID)
	if gerr != nil {
		return uuid.Nil, nil, gerr
	}
	if g.Type != protocol.GroupTypeNearby {
		return uuid.Nil, nil, errf(ErrInvalidGroupType, "group %s is not a nearby group", groupID)
	}

	desired := make(map[uuid.UUID]Actor, len(accounts))
	for _, a := range accounts {
		desired[a.AccountID] = a
	}

	var batch Batch
	stillOwned := false
	for _, m := range members {
		if _, keep := desired[m.AccountID]; keep {
			if m.Role == protocol.RoleOwner {
				stillOwned = true
			}
			continue
		}
		if err := s.db.RemoveMember(groupID, m.AccountID); err != nil {
			return uuid.Nil, nil, fmt.Errorf("removing nearby member: %w", err)
		}
		batch = append(batch, s.memberLeftFanout(groupID, members, m, true)...)
	}

	onRoster := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		onRoster[m.AccountID] = true
	}
	for _, a := range accounts {
		if onRoster[a.AccountID] {
			continue
		}
		if err := s.db.AddMember(groupID, a.AccountID, a.PlayerName, uuid.Nil); err != nil {
			return uuid.Nil, nil, fmt.Errorf("adding nearby member: %w", err)
		}
		if err := s.db.SetMemberState(groupID, a.AccountID, protocol.MemberAccepted); err != nil {
			return uuid.Nil, nil, fmt.Errorf("accepting nearby member: %w", err)
		}
	}

	if !stillOwned {
		if err := s.db.SetMemberRole(groupID, accounts[0].AccountID, protocol.RoleOwner); err != nil {
			return uuid.Nil, nil, fmt.Errorf("promoting nearby owner: %w", err)
		}
	}

	fresh, err := s.db.MembersOf(groupID)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("loading roster: %w", err)
	}
	snapshot := &protocol.GroupRejoinedMessage{Group: s.wireGroup(g, fresh)}
	for _, m := range fresh {
		batch = append(batch, Outgoing{To: m.AccountID, Type: protocol.TypeGroupRejoined, Message: snapshot})
	}
	return groupID, batch, nil
}
