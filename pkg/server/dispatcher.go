package server

import (
	"errors"
	"fmt"

	"github.com/lodestone-chat/lodestone/pkg/group"
	"github.com/lodestone-chat/lodestone/pkg/identity"
	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

// subHandler is one sub-protocol of the dispatcher. Handlers are consulted
// in registration order; the first to claim a message wins.
type subHandler interface {
	Name() string
	Handle(sess *Session, msg protocol.ProtocolMessage) (bool, error)
}

// handleMessage decodes a frame and routes it. Handshake-family messages are
// dispatched by session state; everything else requires CONNECTED and runs
// through the ordered sub-protocol handlers.
func (s *Server) handleMessage(sess *Session, frame *protocol.Frame) error {
	msg, sender, err := protocol.DecodeFramePayload(frame, s.ids.Cipher())
	if err != nil {
		return s.handleDecodeError(sess, frame, err)
	}

	// An encrypted envelope names its sender; it must be the device bound
	// to this connection.
	if frame.Flags&protocol.FlagEncrypted != 0 && !sender.Equal(sess.Identity()) {
		s.sendError(sess, protocol.ErrCodeInvalidFormat, "envelope sender does not match session")
		return errTeardown
	}

	if isHandshakeKind(frame.Type) || sess.State() != StateConnected {
		return s.handleHandshakeMessage(sess, frame, msg)
	}

	for _, h := range s.handlers {
		claimed, err := h.Handle(sess, msg)
		if err != nil {
			var gerr *group.GroupError
			if errors.As(err, &gerr) {
				// Authorization and state violations are addressed errors,
				// never teardowns.
				return s.sendError(sess, gerr.ProtocolCode(), gerr.Detail)
			}
			return err
		}
		if claimed {
			return nil
		}
	}
	return s.sendError(sess, protocol.ErrCodeUnhandledMessage, fmt.Sprintf("no handler for message type 0x%02x", frame.Type))
}

func isHandshakeKind(msgType uint8) bool {
	switch msgType {
	case protocol.TypeIdentify, protocol.TypeSendPreKeys, protocol.TypeStartSession,
		protocol.TypeCheckTrust, protocol.TypeKeepAlive, protocol.TypeResendPreKeys,
		protocol.TypeDisconnect:
		return true
	}
	return false
}

// handleDecodeError picks the recovery path for an undecodable frame.
func (s *Server) handleDecodeError(sess *Session, frame *protocol.Frame, err error) error {
	switch {
	case errors.Is(err, identity.ErrSessionDesync):
		// Recoverable: reset our half of the pairwise session and ask the
		// client to do the same. The triggering message is lost.
		debugLog.Printf("Session %d: cipher desync on type 0x%02x, resetting session", sess.ID, frame.Type)
		if rerr := s.retrust(sess.Identity()); rerr != nil {
			return rerr
		}
		return s.sendTo(sess, protocol.TypeResendPreKeys, &protocol.ResendPreKeysMessage{})

	case errors.Is(err, identity.ErrUnknownPeer):
		// Hard failure: we have no session for this device. The client must
		// reset and re-register.
		s.sendTo(sess, protocol.TypeTrustResult, &protocol.TrustResultMessage{Trusted: false})
		return errTeardown

	case errors.Is(err, identity.ErrDecryptFailed):
		// Fatal for the message only.
		return s.sendError(sess, protocol.ErrCodeInvalidFormat, "message authentication failed")

	case errors.Is(err, protocol.ErrPlaintextNotAllowed):
		s.sendError(sess, protocol.ErrCodeUnexpectedMessage, "message kind requires encryption")
		return errTeardown

	case errors.Is(err, protocol.ErrUnknownMessageType):
		return s.sendError(sess, protocol.ErrCodeUnsupportedVersion, err.Error())

	default:
		return s.sendError(sess, protocol.ErrCodeInvalidFormat, fmt.Sprintf("malformed message: %v", err))
	}
}

// sendTo encodes a message for one session, sealing it unless the kind may
// travel in the clear. Failure to encrypt for an untrusted peer drops the
// message silently: the recipient is mid-reset.
func (s *Server) sendTo(sess *Session, msgType uint8, msg protocol.ProtocolMessage) error {
	var data []byte
	var err error
	if protocol.PlaintextAllowed(msgType) {
		data, err = protocol.EncodePlain(msgType, msg)
	} else {
		data, err = protocol.EncodeEncrypted(s.ids.Cipher(), s.ids.CurrentIdentity(), sess.Identity(), msgType, msg)
		if errors.Is(err, identity.ErrUnknownPeer) {
			debugLog.Printf("Session %d: dropping 0x%02x, peer not trusted", sess.ID, msgType)
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("encoding message 0x%02x: %w", msgType, err)
	}

	if s.metrics != nil {
		s.metrics.RecordMessageSent(messageTypeToString(msgType))
	}
	return sess.Conn.WriteBytes(data)
}

// sendError sends an ERROR message to a session
func (s *Server) sendError(sess *Session, code uint16, message string) error {
	return s.sendTo(sess, protocol.TypeError, &protocol.ErrorMessage{
		ErrorCode: code,
		Message:   message,
	})
}

// deliver fans a batch out to every started session of each recipient.
// Offline recipients are dropped silently; durable replay (pending invites,
// rejoin snapshots) happens when they come back via PlayerOnline.
func (s *Server) deliver(batch group.Batch) {
	if s.metrics != nil {
		s.metrics.RecordBatchRecipients(len(batch))
	}
	for _, out := range batch {
		for _, sess := range s.sessions.SessionsForAccount(out.To) {
			if err := s.sendTo(sess, out.Type, out.Message); err != nil {
				debugLog.Printf("Session %d: batch send 0x%02x failed: %v", sess.ID, out.Type, err)
			}
		}
	}
}

// actor builds the group-service view of a started session.
func actor(sess *Session) group.Actor {
	id := sess.Identity()
	return group.Actor{
		AccountID:  id.AccountID,
		DeviceID:   id.DeviceID,
		PlayerName: sess.PlayerName(),
	}
}
