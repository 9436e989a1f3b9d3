package server

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lodestone-chat/lodestone/pkg/identity"
	"github.com/lodestone-chat/lodestone/pkg/protocol"
	"github.com/lodestone-chat/lodestone/pkg/store"
)

// messagingHandler relays sealed envelopes. The server never sees the inner
// plaintext: group envelopes are sealed with the group sender key and direct
// envelopes with the pairwise session of the two devices.
type messagingHandler struct {
	s *Server
}

func (h *messagingHandler) Name() string { return "messaging" }

func (h *messagingHandler) Handle(sess *Session, msg protocol.ProtocolMessage) (bool, error) {
	switch m := msg.(type) {
	case *protocol.GroupEnvelopeMessage:
		return true, h.relayGroupEnvelope(sess, m)
	case *protocol.DirectEnvelopeMessage:
		return true, h.relayDirectEnvelope(sess, m)
	}
	return false, nil
}

func (h *messagingHandler) relayGroupEnvelope(sess *Session, m *protocol.GroupEnvelopeMessage) error {
	sender := sess.Identity()
	if err := h.s.requireAcceptedMember(sess, m.GroupID); err != nil {
		return err
	}

	members, err := h.s.db.MembersOf(m.GroupID)
	if err != nil {
		return err
	}
	out := &protocol.GroupDeliveryMessage{
		GroupID:    m.GroupID,
		AccountID:  sender.AccountID,
		DeviceID:   sender.DeviceID,
		Ciphertext: m.Ciphertext,
	}
	for _, member := range members {
		if member.State != protocol.MemberAccepted {
			continue
		}
		for _, peer := range h.s.sessions.SessionsForAccount(member.AccountID) {
			if peer.ID == sess.ID {
				continue
			}
			if err := h.s.sendTo(peer, protocol.TypeGroupMessage, out); err != nil {
				debugLog.Printf("Session %d: group relay to session %d failed: %v", sess.ID, peer.ID, err)
			}
		}
	}
	return nil
}

func (h *messagingHandler) relayDirectEnvelope(sess *Session, m *protocol.DirectEnvelopeMessage) error {
	sender := sess.Identity()
	target, ok := h.s.sessions.SessionForIdentity(identity.Identity{AccountID: m.AccountID, DeviceID: m.DeviceID})
	if !ok || target.State() != StateConnected {
		// Offline devices miss direct traffic; senders learn presence from
		// MEMBER_PRESENCE and friend updates.
		return nil
	}
	return h.s.sendTo(target, protocol.TypeDirectMessage, &protocol.DirectDeliveryMessage{
		AccountID:  sender.AccountID,
		DeviceID:   sender.DeviceID,
		Ciphertext: m.Ciphertext,
	})
}

// locationHandler rebroadcasts opaque location blobs to a group's online
// accepted members.
type locationHandler struct {
	s *Server
}

func (h *locationHandler) Name() string { return "locations" }

func (h *locationHandler) Handle(sess *Session, msg protocol.ProtocolMessage) (bool, error) {
	m, ok := msg.(*protocol.LocationUpdateMessage)
	if !ok {
		return false, nil
	}
	sender := sess.Identity()
	if err := h.s.requireAcceptedMember(sess, m.GroupID); err != nil {
		return true, err
	}

	members, err := h.s.db.MembersOf(m.GroupID)
	if err != nil {
		return true, err
	}
	out := &protocol.LocationBroadcastMessage{
		GroupID:   m.GroupID,
		AccountID: sender.AccountID,
		DeviceID:  sender.DeviceID,
		Blob:      m.Blob,
	}
	for _, member := range members {
		if member.State != protocol.MemberAccepted || member.AccountID == sender.AccountID {
			continue
		}
		for _, peer := range h.s.sessions.SessionsForAccount(member.AccountID) {
			if err := h.s.sendTo(peer, protocol.TypeLocationBroadcast, out); err != nil {
				debugLog.Printf("Session %d: location relay to session %d failed: %v", sess.ID, peer.ID, err)
			}
		}
	}
	return true, nil
}

// friendsHandler manages the symmetric friend graph. Every row change is
// mirrored to both accounts so each side's list stays consistent.
type friendsHandler struct {
	s *Server
}

func (h *friendsHandler) Name() string { return "friends" }

func (h *friendsHandler) Handle(sess *Session, msg protocol.ProtocolMessage) (bool, error) {
	switch m := msg.(type) {
	case *protocol.FriendRequestMessage:
		return true, h.request(sess, m)
	case *protocol.FriendResponseMessage:
		return true, h.respond(sess, m)
	case *protocol.FriendRemoveMessage:
		return true, h.remove(sess, m)
	case *protocol.ListFriendsMessage:
		return true, h.list(sess)
	}
	return false, nil
}

func (h *friendsHandler) request(sess *Session, m *protocol.FriendRequestMessage) error {
	me := sess.Identity().AccountID
	profile, err := h.s.db.GetProfileByPlayerName(m.PlayerName)
	if errors.Is(err, store.ErrProfileNotFound) {
		return h.s.sendError(sess, protocol.ErrCodeUnknownAccount, "no such player: "+m.PlayerName)
	}
	if err != nil {
		return err
	}
	if profile.AccountID == me {
		return h.s.sendError(sess, protocol.ErrCodeInvalidInput, "cannot friend yourself")
	}

	// An incoming request from someone we already asked counts as acceptance.
	state := uint8(protocol.FriendPendingOutgoing)
	mirror := uint8(protocol.FriendPendingIncoming)
	if existing, err := h.s.db.GetFriend(me, profile.AccountID); err == nil && existing.State == protocol.FriendPendingIncoming {
		state = protocol.FriendAccepted
		mirror = protocol.FriendAccepted
	}
	if err := h.s.db.UpsertFriend(me, profile.AccountID, state); err != nil {
		return err
	}
	if err := h.s.db.UpsertFriend(profile.AccountID, me, mirror); err != nil {
		return err
	}
	h.notifyBoth(sess, me, profile.AccountID, state, mirror)
	return nil
}

func (h *friendsHandler) respond(sess *Session, m *protocol.FriendResponseMessage) error {
	me := sess.Identity().AccountID
	row, err := h.s.db.GetFriend(me, m.AccountID)
	if errors.Is(err, store.ErrRecordNotFound) || (err == nil && row.State != protocol.FriendPendingIncoming) {
		return h.s.sendError(sess, protocol.ErrCodeInvalidInput, "no pending friend request from that account")
	}
	if err != nil {
		return err
	}

	if !m.Accepted {
		if err := h.s.db.RemoveFriend(me, m.AccountID); err != nil {
			return err
		}
		h.notifyBoth(sess, me, m.AccountID, protocol.FriendRemoved, protocol.FriendRemoved)
		return nil
	}
	if err := h.s.db.UpsertFriend(me, m.AccountID, protocol.FriendAccepted); err != nil {
		return err
	}
	if err := h.s.db.UpsertFriend(m.AccountID, me, protocol.FriendAccepted); err != nil {
		return err
	}
	h.notifyBoth(sess, me, m.AccountID, protocol.FriendAccepted, protocol.FriendAccepted)
	return nil
}

func (h *friendsHandler) remove(sess *Session, m *protocol.FriendRemoveMessage) error {
	me := sess.Identity().AccountID
	if err := h.s.db.RemoveFriend(me, m.AccountID); err != nil {
		return err
	}
	h.notifyBoth(sess, me, m.AccountID, protocol.FriendRemoved, protocol.FriendRemoved)
	return nil
}

func (h *friendsHandler) list(sess *Session) error {
	me := sess.Identity().AccountID
	rows, err := h.s.db.FriendsOf(me)
	if err != nil {
		return err
	}
	friends := make([]protocol.WireFriend, 0, len(rows))
	for _, row := range rows {
		friends = append(friends, h.wireFriend(row.FriendID, row.State))
	}
	return h.s.sendTo(sess, protocol.TypeFriendList, &protocol.FriendListMessage{Friends: friends})
}

func (h *friendsHandler) wireFriend(account uuid.UUID, state uint8) protocol.WireFriend {
	name := ""
	if profile, err := h.s.db.GetProfile(account); err == nil {
		name = profile.PlayerName
	}
	return protocol.WireFriend{
		AccountID:  account,
		PlayerName: name,
		State:      state,
		Online:     h.s.sessions.Online(account),
	}
}

// notifyBoth pushes each side's view of the changed relationship.
func (h *friendsHandler) notifyBoth(sess *Session, me, other uuid.UUID, myState, otherState uint8) {
	if err := h.s.sendTo(sess, protocol.TypeFriendUpdate, &protocol.FriendUpdateMessage{
		Friend: h.wireFriend(other, myState),
	}); err != nil {
		debugLog.Printf("Session %d: friend update send failed: %v", sess.ID, err)
	}
	update := &protocol.FriendUpdateMessage{Friend: h.wireFriend(me, otherState)}
	for _, peer := range h.s.sessions.SessionsForAccount(other) {
		if err := h.s.sendTo(peer, protocol.TypeFriendUpdate, update); err != nil {
			debugLog.Printf("Session %d: friend update send failed: %v", peer.ID, err)
		}
	}
}

// textureHandler is content-addressed blob storage for avatar textures.
type textureHandler struct {
	s *Server
}

func (h *textureHandler) Name() string { return "textures" }

func (h *textureHandler) Handle(sess *Session, msg protocol.ProtocolMessage) (bool, error) {
	switch m := msg.(type) {
	case *protocol.TextureUploadMessage:
		if len(m.Data) > h.s.config.MaxTextureBytes {
			return true, h.s.sendError(sess, protocol.ErrCodeInvalidInput, "texture exceeds size limit")
		}
		if err := h.s.db.PutTexture(m.Hash, m.Data); err != nil {
			return true, err
		}
		return true, h.s.sendTo(sess, protocol.TypeTextureStored, &protocol.TextureStoredMessage{Hash: m.Hash})

	case *protocol.TextureRequestMessage:
		data, err := h.s.db.GetTexture(m.Hash)
		if errors.Is(err, store.ErrTextureNotFound) {
			return true, h.s.sendTo(sess, protocol.TypeTextureData, &protocol.TextureDataMessage{Hash: m.Hash})
		}
		if err != nil {
			return true, err
		}
		return true, h.s.sendTo(sess, protocol.TypeTextureData, &protocol.TextureDataMessage{
			Hash:  m.Hash,
			Found: true,
			Data:  data,
		})
	}
	return false, nil
}

// dhtHandler is a small expiring key-value store clients use for shared
// discovery records.
type dhtHandler struct {
	s *Server
}

func (h *dhtHandler) Name() string { return "dht" }

func (h *dhtHandler) Handle(sess *Session, msg protocol.ProtocolMessage) (bool, error) {
	switch m := msg.(type) {
	case *protocol.DHTPutMessage:
		if len(m.Value) > h.s.config.MaxRecordBytes {
			return true, h.s.sendError(sess, protocol.ErrCodeInvalidInput, "record exceeds size limit")
		}
		ttl := int(m.TTLSeconds)
		if ttl <= 0 || ttl > h.s.config.MaxRecordTTLSeconds {
			ttl = h.s.config.MaxRecordTTLSeconds
		}
		expiresAt := time.Now().UnixMilli() + int64(ttl)*1000
		if err := h.s.db.PutRecord(m.Key, m.Value, expiresAt); err != nil {
			return true, err
		}
		return true, h.s.sendTo(sess, protocol.TypeDHTStored, &protocol.DHTStoredMessage{Key: m.Key})

	case *protocol.DHTGetMessage:
		value, err := h.s.db.GetRecord(m.Key, time.Now().UnixMilli())
		if errors.Is(err, store.ErrRecordNotFound) {
			return true, h.s.sendTo(sess, protocol.TypeDHTValue, &protocol.DHTValueMessage{Key: m.Key})
		}
		if err != nil {
			return true, err
		}
		return true, h.s.sendTo(sess, protocol.TypeDHTValue, &protocol.DHTValueMessage{
			Key:   m.Key,
			Found: true,
			Value: value,
		})
	}
	return false, nil
}

// requireAcceptedMember checks that the session's account sits on the roster
// in the ACCEPTED state, sending an addressed error if not.
func (s *Server) requireAcceptedMember(sess *Session, groupID uuid.UUID) error {
	member, err := s.db.GetMember(groupID, sess.Identity().AccountID)
	if errors.Is(err, store.ErrGroupNotFound) || errors.Is(err, store.ErrMemberNotFound) {
		return s.sendError(sess, protocol.ErrCodeNotMember, "not a member of that group")
	}
	if err != nil {
		return err
	}
	if member.State != protocol.MemberAccepted {
		return s.sendError(sess, protocol.ErrCodeNotMember, "membership not yet accepted")
	}
	return nil
}
