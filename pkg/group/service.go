package group

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lodestone-chat/lodestone/pkg/protocol"
	"github.com/lodestone-chat/lodestone/pkg/store"
)

// Presence reports whether any device of an account currently holds a
// started session. Injected by the server's session manager.
type Presence interface {
	Online(accountID uuid.UUID) bool
}

// Actor is the authenticated account performing an operation.
type Actor struct {
	AccountID  uuid.UUID
	DeviceID   uint32
	PlayerName string
}

// Outgoing is one message addressed to one account. The dispatcher resolves
// the account to its live sessions and silently drops offline recipients
// (except invites, which are replayed by PlayerOnline).
type Outgoing struct {
	To      uuid.UUID
	Type    uint8
	Message protocol.ProtocolMessage
}

// Batch is the ordered fan-out an operation produces. Order matters: state
// change notifications precede snapshots for the same transition.
type Batch []Outgoing

// Service owns group membership state. Every operation authorizes against
// freshly loaded store state, applies at most one mutation, and returns the
// resulting fan-out.
type Service struct {
	db       *store.DB
	presence Presence
}

func NewService(db *store.DB, presence Presence) *Service {
	return &Service{db: db, presence: presence}
}

func (s *Service) wireMember(m *store.Member) protocol.WireMember {
	return protocol.WireMember{
		AccountID:  m.AccountID,
		PlayerName: m.PlayerName,
		Role:       m.Role,
		State:      m.State,
		Online:     s.presence.Online(m.AccountID),
	}
}

func (s *Service) wireGroup(g *store.Group, members []*store.Member) protocol.WireGroup {
	wg := protocol.WireGroup{
		GroupID: g.ID,
		Name:    g.Name,
		Type:    g.Type,
		Members: make([]protocol.WireMember, 0, len(members)),
	}
	for _, m := range members {
		wg.Members = append(wg.Members, s.wireMember(m))
	}
	return wg
}

// loadMember authorizes actor against the group, requiring at least the given
// role and state.
func (s *Service) loadMember(groupID, accountID uuid.UUID) (*store.Member, *GroupError) {
	m, err := s.db.GetMember(groupID, accountID)
	if err == store.ErrMemberNotFound {
		return nil, errf(ErrNotMember, "%s is not a member of %s", accountID, groupID)
	}
	if err != nil {
		return nil, errf(ErrNotFound, "loading member: %v", err)
	}
	return m, nil
}

func (s *Service) loadGroup(groupID uuid.UUID) (*store.Group, []*store.Member, *GroupError) {
	g, err := s.db.GetGroup(groupID)
	if err == store.ErrGroupNotFound {
		return nil, nil, errf(ErrNotFound, "group %s not found", groupID)
	}
	if err != nil {
		return nil, nil, errf(ErrNotFound, "loading group: %v", err)
	}
	members, err := s.db.MembersOf(groupID)
	if err != nil {
		return nil, nil, errf(ErrNotFound, "loading roster: %v", err)
	}
	return g, members, nil
}

// CreateGroup makes a new group with actor as its accepted owner and the
// named players as pending invitees. Nearby groups are server-synthesized and
// cannot be created over the wire.
func (s *Service) CreateGroup(actor Actor, name string, groupType uint8, playerNames []string) (Batch, error) {
	if groupType != protocol.GroupTypeNormal {
		return nil, errf(ErrInvalidGroupType, "group type %d is not client-creatable", groupType)
	}
	if name == "" {
		return nil, errf(ErrInvalidGroupType, "group name must not be empty")
	}

	groupID := uuid.New()
	if err := s.db.CreateGroup(groupID, name, groupType, actor.AccountID, actor.PlayerName); err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}

	g, members, gerr := s.loadGroup(groupID)
	if gerr != nil {
		return nil, gerr
	}
	batch := Batch{{
		To:      actor.AccountID,
		Type:    protocol.TypeGroupCreated,
		Message: &protocol.GroupCreatedMessage{Group: s.wireGroup(g, members)},
	}}

	// The initial roster goes through the same reconciliation as a later
	// Invite; only the owner is on the roster, so nothing can be ejected.
	invites, err := s.Invite(actor, groupID, playerNames)
	if err != nil {
		return nil, err
	}
	return append(batch, invites...), nil
}

// Invite reconciles the group roster against the desired player-name list:
// names not yet on the roster become pending invites, roster members missing
// from the list (other than the owner) are ejected. Unknown player names are
// skipped.
func (s *Service) Invite(actor Actor, groupID uuid.UUID, playerNames []string) (Batch, error) {
	g, members, gerr := s.loadGroup(groupID)
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

	desired := make(map[string]bool, len(playerNames))
	for _, name := range playerNames {
		desired[name] = true
	}
	onRoster := make(map[string]*store.Member, len(members))
	for _, m := range members {
		onRoster[m.PlayerName] = m
	}

	var batch Batch

	// Ejections first so the subsequent snapshot reflects them.
	for _, m := range members {
		if m.Role == protocol.RoleOwner || desired[m.PlayerName] {
			continue
		}
		if err := s.db.RemoveMember(groupID, m.AccountID); err != nil {
			return nil, fmt.Errorf("ejecting %s: %w", m.AccountID, err)
		}
		batch = append(batch, s.memberLeftFanout(groupID, members, m, true)...)
	}

	for _, name := range playerNames {
		if existing, ok := onRoster[name]; ok {
			// A declined member being re-invited goes back to pending; an
			// accepted member never regresses.
			if existing.State != protocol.MemberDeclined {
				continue
			}
			if err := s.db.SetMemberState(groupID, existing.AccountID, protocol.MemberPending); err != nil {
				return nil, fmt.Errorf("re-inviting %q: %w", name, err)
			}
			batch = append(batch, s.inviteFor(g, existing.AccountID, actor.AccountID))
			continue
		}
		profile, err := s.db.GetProfileByPlayerName(name)
		if err == store.ErrProfileNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving player %q: %w", name, err)
		}
		if err := s.db.AddMember(groupID, profile.AccountID, name, actor.AccountID); err != nil {
			return nil, fmt.Errorf("inviting %q: %w", name, err)
		}

		invited := &store.Member{
			GroupID:    groupID,
			AccountID:  profile.AccountID,
			PlayerName: name,
			Role:       protocol.RoleMember,
			State:      protocol.MemberPending,
		}
		for _, m := range members {
			if m.State == protocol.MemberAccepted && m.AccountID != profile.AccountID {
				batch = append(batch, Outgoing{
					To:      m.AccountID,
					Type:    protocol.TypeMemberStateChanged,
					Message: &protocol.MemberStateChangedMessage{GroupID: groupID, Member: s.wireMember(invited)},
				})
			}
		}
		batch = append(batch, s.inviteFor(g, profile.AccountID, actor.AccountID))
	}
	return batch, nil
}

// inviteFor builds a GroupInvite carrying the current roster snapshot.
func (s *Service) inviteFor(g *store.Group, to, inviter uuid.UUID) Outgoing {
	members, _ := s.db.MembersOf(g.ID)
	return Outgoing{
		To:      to,
		Type:    protocol.TypeGroupInvite,
		Message: &protocol.GroupInviteMessage{Group: s.wireGroup(g, members), InviterID: inviter},
	}
}

// AcceptMembership settles actor's pending invite one way or the other.
// Accepting announces the new member to accepted co-members and hands the
// accepter a fresh roster snapshot; declining is recorded and announced but
// keeps the roster entry so a later re-invite can revive it.
func (s *Service) AcceptMembership(actor Actor, groupID uuid.UUID, accept bool) (Batch, error) {
	g, members, gerr := s.loadGroup(groupID)
	if gerr != nil {
		return nil, gerr
	}
	entry, gerr := s.loadMember(groupID, actor.AccountID)
	if gerr != nil {
		return nil, gerr
	}
	if entry.State != protocol.MemberPending {
		return nil, errf(ErrNotPending, "%s has no pending invite for %s", actor.AccountID, groupID)
	}

	state := uint8(protocol.MemberAccepted)
	if !accept {
		state = protocol.MemberDeclined
	}
	if err := s.db.SetMemberState(groupID, actor.AccountID, state); err != nil {
		return nil, fmt.Errorf("settling membership: %w", err)
	}
	entry.State = state

	var batch Batch
	for _, m := range members {
		if m.State == protocol.MemberAccepted && m.AccountID != actor.AccountID {
			batch = append(batch, Outgoing{
				To:      m.AccountID,
				Type:    protocol.TypeMemberStateChanged,
				Message: &protocol.MemberStateChangedMessage{GroupID: groupID, Member: s.wireMember(entry)},
			})
		}
	}
	if !accept {
		return batch, nil
	}

	fresh, err := s.db.MembersOf(groupID)
	if err != nil {
		return nil, fmt.Errorf("loading roster: %w", err)
	}
	batch = append(batch, Outgoing{
		To:      actor.AccountID,
		Type:    protocol.TypeGroupRejoined,
		Message: &protocol.GroupRejoinedMessage{Group: s.wireGroup(g, fresh)},
	})
	return batch, nil
}

// AcknowledgeJoin forwards an existing member's sender key to a newly
// accepted member. Both sides must be accepted members; the key itself is
// opaque to the service.
func (s *Service) AcknowledgeJoin(actor Actor, msg *protocol.AcknowledgeJoinMessage) (Batch, error) {
	sender, gerr := s.loadMember(msg.GroupID, actor.AccountID)
	if gerr != nil {
		return nil, gerr
	}
	if sender.State != protocol.MemberAccepted {
		return nil, errf(ErrNotAccepted, "%s has not accepted membership in %s", actor.AccountID, msg.GroupID)
	}
	target, gerr := s.loadMember(msg.GroupID, msg.AccountID)
	if gerr != nil {
		return nil, gerr
	}
	if target.State != protocol.MemberAccepted {
		return nil, errf(ErrNotAccepted, "%s has not accepted membership in %s", msg.AccountID, msg.GroupID)
	}

	return Batch{{
		To:   msg.AccountID,
		Type: protocol.TypeJoinAcknowledged,
		Message: &protocol.JoinAcknowledgedMessage{
			GroupID:   msg.GroupID,
			AccountID: actor.AccountID,
			DeviceID:  actor.DeviceID,
			SenderKey: msg.SenderKey,
		},
	}}, nil
}
