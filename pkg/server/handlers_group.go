package server

import (
	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

// groupHandler maps the group sub-protocol onto the group service. Every
// operation returns a batch of fan-out messages which the server delivers to
// whoever is online.
type groupHandler struct {
	s *Server
}

func (h *groupHandler) Name() string { return "groups" }

func (h *groupHandler) Handle(sess *Session, msg protocol.ProtocolMessage) (bool, error) {
	switch m := msg.(type) {
	case *protocol.CreateGroupMessage:
		batch, err := h.s.groups.CreateGroup(actor(sess), m.Name, m.GroupType, m.PlayerNames)
		if err != nil {
			return true, err
		}
		h.s.deliver(batch)
		return true, nil

	case *protocol.InviteMessage:
		batch, err := h.s.groups.Invite(actor(sess), m.GroupID, m.PlayerNames)
		if err != nil {
			return true, err
		}
		h.s.deliver(batch)
		return true, nil

	case *protocol.AcceptMembershipMessage:
		batch, err := h.s.groups.AcceptMembership(actor(sess), m.GroupID, m.Accept)
		if err != nil {
			return true, err
		}
		h.s.deliver(batch)
		return true, nil

	case *protocol.AcknowledgeJoinMessage:
		batch, err := h.s.groups.AcknowledgeJoin(actor(sess), m)
		if err != nil {
			return true, err
		}
		h.s.deliver(batch)
		return true, nil

	case *protocol.LeaveGroupMessage:
		batch, err := h.s.groups.Leave(actor(sess), m.GroupID)
		if err != nil {
			return true, err
		}
		h.s.deliver(batch)
		return true, nil

	case *protocol.EjectMemberMessage:
		batch, err := h.s.groups.Eject(actor(sess), m.GroupID, m.AccountID)
		if err != nil {
			return true, err
		}
		h.s.deliver(batch)
		return true, nil

	case *protocol.DeleteGroupMessage:
		batch, err := h.s.groups.Delete(actor(sess), m.GroupID)
		if err != nil {
			return true, err
		}
		h.s.deliver(batch)
		return true, nil

	case *protocol.TransferOwnershipMessage:
		batch, err := h.s.groups.TransferOwnership(actor(sess), m.GroupID, m.AccountID)
		if err != nil {
			return true, err
		}
		h.s.deliver(batch)
		return true, nil
	}
	return false, nil
}
