package client

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lodestone-chat/lodestone/pkg/identity"
	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

// GroupEvents carries the group module's callbacks. All fields optional.
type GroupEvents struct {
	// Invited fires when another player invites this account to a group.
	Invited func(group protocol.WireGroup, inviter uuid.UUID)
	// Updated fires whenever a cached group's roster changes.
	Updated func(group protocol.WireGroup)
	// Left fires when this account drops off a roster, or the group dies
	// (groupDeleted true).
	Left func(groupID uuid.UUID, groupDeleted bool)
	// Message fires for a decrypted group broadcast.
	Message func(groupID uuid.UUID, sender identity.Identity, plaintext []byte)
	// Presence fires when a co-member goes online or offline.
	Presence func(groupID, account uuid.UUID, online bool)
}

// Groups is the client-side group membership and sender-key module. The
// server owns the roster; this module mirrors it and keeps one symmetric
// sender key per (group, member device) so broadcasts stay end-to-end
// encrypted through the relay.
type Groups struct {
	client *Client
	events GroupEvents

	mu     sync.RWMutex
	groups map[uuid.UUID]protocol.WireGroup
}

// NewGroups creates the group module and registers it with the client.
func NewGroups(c *Client, events GroupEvents) *Groups {
	g := &Groups{
		client: c,
		events: events,
		groups: make(map[uuid.UUID]protocol.WireGroup),
	}
	c.RegisterModule(g)
	return g
}

func (g *Groups) Name() string { return "groups" }

func (g *Groups) SessionStarted() {}

func (g *Groups) SessionStopping() {}

// Known returns the cached view of a group.
func (g *Groups) Known(groupID uuid.UUID) (protocol.WireGroup, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.groups[groupID]
	return grp, ok
}

// Create asks the server for a new group with the named players invited.
func (g *Groups) Create(name string, playerNames ...string) error {
	return g.client.Send(protocol.TypeCreateGroup, &protocol.CreateGroupMessage{
		Name:        name,
		GroupType:   protocol.GroupTypeNormal,
		PlayerNames: playerNames,
	})
}

// Invite replaces a group's desired roster with the named players.
func (g *Groups) Invite(groupID uuid.UUID, playerNames []string) error {
	return g.client.Send(protocol.TypeInvite, &protocol.InviteMessage{
		GroupID:     groupID,
		PlayerNames: playerNames,
	})
}

// Accept accepts a pending membership.
func (g *Groups) Accept(groupID uuid.UUID) error {
	return g.client.Send(protocol.TypeAcceptMembership, &protocol.AcceptMembershipMessage{GroupID: groupID, Accept: true})
}

// Decline turns a pending membership down and drops the cached invite.
func (g *Groups) Decline(groupID uuid.UUID) error {
	if err := g.client.Send(protocol.TypeAcceptMembership, &protocol.AcceptMembershipMessage{GroupID: groupID}); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.groups, groupID)
	g.mu.Unlock()
	return nil
}

// Leave leaves a group.
func (g *Groups) Leave(groupID uuid.UUID) error {
	return g.client.Send(protocol.TypeLeaveGroup, &protocol.LeaveGroupMessage{GroupID: groupID})
}

// Eject removes a member (owner only).
func (g *Groups) Eject(groupID, account uuid.UUID) error {
	return g.client.Send(protocol.TypeEjectMember, &protocol.EjectMemberMessage{GroupID: groupID, AccountID: account})
}

// Delete dissolves a group (owner only).
func (g *Groups) Delete(groupID uuid.UUID) error {
	return g.client.Send(protocol.TypeDeleteGroup, &protocol.DeleteGroupMessage{GroupID: groupID})
}

// TransferOwnership hands the group to another accepted member (owner only).
func (g *Groups) TransferOwnership(groupID, account uuid.UUID) error {
	return g.client.Send(protocol.TypeTransferOwnership, &protocol.TransferOwnershipMessage{GroupID: groupID, AccountID: account})
}

// SendMessage seals a broadcast with this device's sender key and relays it.
func (g *Groups) SendMessage(groupID uuid.UUID, plaintext []byte) error {
	key, err := g.ownSenderKey(groupID)
	if err != nil {
		return err
	}
	ciphertext, err := g.client.IdentityStore().Cipher().SealGroup(key, plaintext)
	if err != nil {
		return err
	}
	return g.client.Send(protocol.TypeGroupEnvelope, &protocol.GroupEnvelopeMessage{
		GroupID:    groupID,
		Ciphertext: ciphertext,
	})
}

// HandleServerMessage routes group sub-protocol responses.
func (g *Groups) HandleServerMessage(msgType uint8, msg protocol.ProtocolMessage) bool {
	switch m := msg.(type) {
	case *protocol.GroupCreatedMessage:
		g.cacheGroup(m.Group)
	case *protocol.GroupInviteMessage:
		g.cacheGroup(m.Group)
		if g.events.Invited != nil {
			g.events.Invited(m.Group, m.InviterID)
		}
	case *protocol.GroupRejoinedMessage:
		g.cacheGroup(m.Group)
		g.distributeSenderKey(m.Group)
	case *protocol.MemberStateChangedMessage:
		g.onMemberStateChanged(m)
	case *protocol.MemberLeftMessage:
		g.onMemberLeft(m)
	case *protocol.OwnershipTransferredMessage:
		g.onOwnershipTransferred(m)
	case *protocol.MemberPresenceMessage:
		g.onMemberPresence(m)
	case *protocol.JoinAcknowledgedMessage:
		g.onJoinAcknowledged(m)
	case *protocol.GroupDeliveryMessage:
		g.onGroupDelivery(m)
	default:
		return false
	}
	return true
}

func (g *Groups) cacheGroup(grp protocol.WireGroup) {
	g.mu.Lock()
	g.groups[grp.GroupID] = grp
	g.mu.Unlock()
	if g.events.Updated != nil {
		g.events.Updated(grp)
	}
}

// ownSenderKey returns this device's symmetric sender key for a group,
// minting and persisting one on first use.
func (g *Groups) ownSenderKey(groupID uuid.UUID) ([]byte, error) {
	ids := g.client.IdentityStore()
	self := ids.CurrentIdentity()
	if key, ok := ids.GroupKey(groupID, self); ok {
		return key, nil
	}
	key, err := identity.NewGroupKey()
	if err != nil {
		return nil, fmt.Errorf("minting sender key: %w", err)
	}
	if err := ids.SetGroupKey(groupID, self, key); err != nil {
		return nil, err
	}
	return key, nil
}

// distributeSenderKey sends this device's sender key to every other accepted
// member. Run on every (re)join so late joiners always catch up.
func (g *Groups) distributeSenderKey(grp protocol.WireGroup) {
	self := g.client.IdentityStore().CurrentIdentity()
	key, err := g.ownSenderKey(grp.GroupID)
	if err != nil {
		g.client.logger.Printf("Sender key for group %s unavailable: %v", grp.GroupID, err)
		return
	}
	for _, member := range grp.Members {
		if member.AccountID == self.AccountID || member.State != protocol.MemberAccepted {
			continue
		}
		if err := g.client.Send(protocol.TypeAcknowledgeJoin, &protocol.AcknowledgeJoinMessage{
			GroupID:   grp.GroupID,
			AccountID: member.AccountID,
			SenderKey: key,
		}); err != nil {
			g.client.logger.Printf("Sender key distribution to %s failed: %v", member.AccountID, err)
		}
	}
}

func (g *Groups) onMemberStateChanged(m *protocol.MemberStateChangedMessage) {
	g.mu.Lock()
	grp, ok := g.groups[m.GroupID]
	if ok {
		replaced := false
		for i := range grp.Members {
			if grp.Members[i].AccountID == m.Member.AccountID {
				grp.Members[i] = m.Member
				replaced = true
				break
			}
		}
		if !replaced {
			grp.Members = append(grp.Members, m.Member)
		}
		g.groups[m.GroupID] = grp
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	// A newly accepted member needs our sender key before our broadcasts
	// make sense to them.
	if m.Member.State == protocol.MemberAccepted {
		key, err := g.ownSenderKey(m.GroupID)
		if err == nil {
			if err := g.client.Send(protocol.TypeAcknowledgeJoin, &protocol.AcknowledgeJoinMessage{
				GroupID:   m.GroupID,
				AccountID: m.Member.AccountID,
				SenderKey: key,
			}); err != nil {
				g.client.logger.Printf("Sender key distribution to %s failed: %v", m.Member.AccountID, err)
			}
		}
	}
	if g.events.Updated != nil {
		g.events.Updated(g.mustGroup(m.GroupID))
	}
}

func (g *Groups) onMemberLeft(m *protocol.MemberLeftMessage) {
	ids := g.client.IdentityStore()
	self := ids.CurrentIdentity()

	if !m.HasPlayer {
		// Group dissolved: every key for it is dead.
		g.mu.Lock()
		delete(g.groups, m.GroupID)
		g.mu.Unlock()
		if err := ids.DropGroup(m.GroupID); err != nil {
			g.client.logger.Printf("Dropping group keys failed: %v", err)
		}
		if g.events.Left != nil {
			g.events.Left(m.GroupID, true)
		}
		return
	}

	if m.AccountID == self.AccountID {
		// We were ejected or left.
		g.mu.Lock()
		delete(g.groups, m.GroupID)
		g.mu.Unlock()
		if err := ids.DropGroup(m.GroupID); err != nil {
			g.client.logger.Printf("Dropping group keys failed: %v", err)
		}
		if g.events.Left != nil {
			g.events.Left(m.GroupID, false)
		}
		return
	}

	g.mu.Lock()
	grp, ok := g.groups[m.GroupID]
	if ok {
		members := grp.Members[:0]
		for _, member := range grp.Members {
			if member.AccountID != m.AccountID {
				members = append(members, member)
			}
		}
		grp.Members = members
		g.groups[m.GroupID] = grp
	}
	g.mu.Unlock()

	// The departed member held our sender key; rotate it and re-distribute
	// so they cannot read anything sent after this point.
	if err := ids.DropGroup(m.GroupID); err != nil {
		g.client.logger.Printf("Rotating group keys failed: %v", err)
	}
	if ok {
		g.distributeSenderKey(g.mustGroup(m.GroupID))
		if g.events.Updated != nil {
			g.events.Updated(g.mustGroup(m.GroupID))
		}
	}
}

func (g *Groups) onOwnershipTransferred(m *protocol.OwnershipTransferredMessage) {
	g.mu.Lock()
	grp, ok := g.groups[m.GroupID]
	if ok {
		for i := range grp.Members {
			if grp.Members[i].AccountID == m.NewOwnerID {
				grp.Members[i].Role = protocol.RoleOwner
			} else if grp.Members[i].Role == protocol.RoleOwner {
				grp.Members[i].Role = protocol.RoleMember
			}
		}
		g.groups[m.GroupID] = grp
	}
	g.mu.Unlock()
	if ok && g.events.Updated != nil {
		g.events.Updated(g.mustGroup(m.GroupID))
	}
}

func (g *Groups) onMemberPresence(m *protocol.MemberPresenceMessage) {
	g.mu.Lock()
	grp, ok := g.groups[m.GroupID]
	if ok {
		for i := range grp.Members {
			if grp.Members[i].AccountID == m.AccountID {
				grp.Members[i].Online = m.Online
			}
		}
		g.groups[m.GroupID] = grp
	}
	g.mu.Unlock()
	if g.events.Presence != nil {
		g.events.Presence(m.GroupID, m.AccountID, m.Online)
	}
}

func (g *Groups) onJoinAcknowledged(m *protocol.JoinAcknowledgedMessage) {
	sender := identity.Identity{AccountID: m.AccountID, DeviceID: m.DeviceID}
	if err := g.client.IdentityStore().SetGroupKey(m.GroupID, sender, m.SenderKey); err != nil {
		g.client.logger.Printf("Storing sender key from %s failed: %v", m.AccountID, err)
	}
}

func (g *Groups) onGroupDelivery(m *protocol.GroupDeliveryMessage) {
	sender := identity.Identity{AccountID: m.AccountID, DeviceID: m.DeviceID}
	ids := g.client.IdentityStore()
	key, ok := ids.GroupKey(m.GroupID, sender)
	if !ok {
		// We never got this sender's key. Offer ours, which prompts theirs
		// back on the next distribution pass.
		g.client.logger.Printf("No sender key for %s in group %s, dropping message", m.AccountID, m.GroupID)
		if myKey, err := g.ownSenderKey(m.GroupID); err == nil {
			g.client.Send(protocol.TypeAcknowledgeJoin, &protocol.AcknowledgeJoinMessage{
				GroupID:   m.GroupID,
				AccountID: m.AccountID,
				SenderKey: myKey,
			})
		}
		return
	}

	plaintext, err := ids.Cipher().OpenGroup(key, m.Ciphertext)
	if err != nil {
		// The sender rotated; invalidate so the next key exchange heals it.
		g.client.logger.Printf("Group message from %s undecryptable: %v", m.AccountID, err)
		ids.InvalidateGroupKey(m.GroupID, sender)
		return
	}
	if g.events.Message != nil {
		g.events.Message(m.GroupID, sender, plaintext)
	}
}

func (g *Groups) mustGroup(groupID uuid.UUID) protocol.WireGroup {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.groups[groupID]
}
