package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lodestone-chat/lodestone/pkg/identity"
)

var (
	ErrMalformedMessage = errors.New("malformed message payload")

	// ErrPlaintextNotAllowed marks an app-level kind that arrived without
	// FlagEncrypted. Only the handshake family may travel in the clear.
	ErrPlaintextNotAllowed = errors.New("message kind requires an encrypted envelope")
)

// NewMessage returns an empty message struct for a frame type byte.
func NewMessage(msgType uint8) (ProtocolMessage, error) {
	switch msgType {
	case TypeIdentify:
		return &IdentifyMessage{}, nil
	case TypeSendPreKeys:
		return &SendPreKeysMessage{}, nil
	case TypeStartSession:
		return &StartSessionMessage{}, nil
	case TypeCheckTrust:
		return &CheckTrustMessage{}, nil
	case TypeKeepAlive:
		return &KeepAliveMessage{}, nil
	case TypeResendPreKeys:
		return &ResendPreKeysMessage{}, nil
	case TypeDisconnect:
		return &DisconnectMessage{}, nil
	case TypeCreateGroup:
		return &CreateGroupMessage{}, nil
	case TypeInvite:
		return &InviteMessage{}, nil
	case TypeAcceptMembership:
		return &AcceptMembershipMessage{}, nil
	case TypeAcknowledgeJoin:
		return &AcknowledgeJoinMessage{}, nil
	case TypeLeaveGroup:
		return &LeaveGroupMessage{}, nil
	case TypeEjectMember:
		return &EjectMemberMessage{}, nil
	case TypeDeleteGroup:
		return &DeleteGroupMessage{}, nil
	case TypeTransferOwnership:
		return &TransferOwnershipMessage{}, nil
	case TypeGroupEnvelope:
		return &GroupEnvelopeMessage{}, nil
	case TypeDirectEnvelope:
		return &DirectEnvelopeMessage{}, nil
	case TypeLocationUpdate:
		return &LocationUpdateMessage{}, nil
	case TypeFriendRequest:
		return &FriendRequestMessage{}, nil
	case TypeFriendResponse:
		return &FriendResponseMessage{}, nil
	case TypeFriendRemove:
		return &FriendRemoveMessage{}, nil
	case TypeListFriends:
		return &ListFriendsMessage{}, nil
	case TypeTextureUpload:
		return &TextureUploadMessage{}, nil
	case TypeTextureRequest:
		return &TextureRequestMessage{}, nil
	case TypeDHTPut:
		return &DHTPutMessage{}, nil
	case TypeDHTGet:
		return &DHTGetMessage{}, nil
	case TypeIdentifyAck:
		return &IdentifyAckMessage{}, nil
	case TypeRegistrationChallenge:
		return &RegistrationChallengeMessage{}, nil
	case TypeDeviceRegistered:
		return &DeviceRegisteredMessage{}, nil
	case TypePreKeysResponse:
		return &PreKeysResponseMessage{}, nil
	case TypeSessionStartResponse:
		return &SessionStartResponseMessage{}, nil
	case TypeTrustResult:
		return &TrustResultMessage{}, nil
	case TypeKeepAliveAck:
		return &KeepAliveAckMessage{}, nil
	case TypeError:
		return &ErrorMessage{}, nil
	case TypeGroupCreated:
		return &GroupCreatedMessage{}, nil
	case TypeGroupInvite:
		return &GroupInviteMessage{}, nil
	case TypeMemberStateChanged:
		return &MemberStateChangedMessage{}, nil
	case TypeJoinAcknowledged:
		return &JoinAcknowledgedMessage{}, nil
	case TypeMemberLeft:
		return &MemberLeftMessage{}, nil
	case TypeOwnershipTransferred:
		return &OwnershipTransferredMessage{}, nil
	case TypeGroupRejoined:
		return &GroupRejoinedMessage{}, nil
	case TypeMemberPresence:
		return &MemberPresenceMessage{}, nil
	case TypeGroupMessage:
		return &GroupDeliveryMessage{}, nil
	case TypeDirectMessage:
		return &DirectDeliveryMessage{}, nil
	case TypeLocationBroadcast:
		return &LocationBroadcastMessage{}, nil
	case TypeFriendUpdate:
		return &FriendUpdateMessage{}, nil
	case TypeFriendList:
		return &FriendListMessage{}, nil
	case TypeTextureStored:
		return &TextureStoredMessage{}, nil
	case TypeTextureData:
		return &TextureDataMessage{}, nil
	case TypeDHTStored:
		return &DHTStoredMessage{}, nil
	case TypeDHTValue:
		return &DHTValueMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, msgType)
	}
}

// PlaintextAllowed reports whether a kind may travel without an encrypted
// envelope. Everything outside the handshake family must be sealed once the
// two sides trust each other.
func PlaintextAllowed(msgType uint8) bool {
	switch msgType {
	case TypeIdentify, TypeIdentifyAck, TypeRegistrationChallenge,
		TypeDeviceRegistered, TypeSendPreKeys, TypePreKeysResponse,
		TypeResendPreKeys, TypeDisconnect, TypeError:
		return true
	}
	return false
}

// EncodePlain serializes a message into an unencrypted frame ready for the
// wire. Legal only for handshake-family kinds.
func EncodePlain(msgType uint8, msg ProtocolMessage) ([]byte, error) {
	if !PlaintextAllowed(msgType) {
		return nil, ErrPlaintextNotAllowed
	}
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	return EncodeMessage(ProtocolVersion, msgType, 0, payload)
}

// EncodeEncrypted serializes a message, seals it for peer and wraps it in a
// FlagEncrypted frame. The envelope payload is
// [sender account (16 bytes)][sender device (4 bytes)][ciphertext].
func EncodeEncrypted(cipher *identity.Cipher, sender identity.Identity, peer identity.Identity, msgType uint8, msg ProtocolMessage) ([]byte, error) {
	plaintext, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	ciphertext, err := cipher.Encrypt(peer, plaintext)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	if err := WriteUUID(buf, sender.AccountID); err != nil {
		return nil, err
	}
	if err := WriteUint32(buf, sender.DeviceID); err != nil {
		return nil, err
	}
	if err := WriteBytes(buf, ciphertext); err != nil {
		return nil, err
	}
	return EncodeMessage(ProtocolVersion, msgType, FlagEncrypted, buf.Bytes())
}

// DecodeFramePayload turns a decoded frame into a typed message. For
// FlagEncrypted frames the envelope is opened with cipher; the claimed sender
// identity is returned so callers can check it against the session. Cipher
// errors (identity.ErrSessionDesync, identity.ErrUnknownPeer,
// identity.ErrDecryptFailed) pass through unwrapped so callers can pick the
// recovery path; structural failures map to ErrMalformedMessage.
func DecodeFramePayload(frame *Frame, cipher *identity.Cipher) (ProtocolMessage, identity.Identity, error) {
	var sender identity.Identity

	msg, err := NewMessage(frame.Type)
	if err != nil {
		return nil, sender, err
	}

	payload := frame.Payload
	if frame.Flags&FlagEncrypted != 0 {
		buf := bytes.NewReader(payload)
		accountID, err := ReadUUID(buf)
		if err != nil {
			return nil, sender, ErrMalformedMessage
		}
		deviceID, err := ReadUint32(buf)
		if err != nil {
			return nil, sender, ErrMalformedMessage
		}
		ciphertext, err := ReadBytes(buf)
		if err != nil {
			return nil, sender, ErrMalformedMessage
		}
		sender = identity.Identity{AccountID: accountID, DeviceID: deviceID}

		payload, err = cipher.Decrypt(sender, ciphertext)
		if err != nil {
			return nil, sender, err
		}
	} else if !PlaintextAllowed(frame.Type) {
		return nil, sender, ErrPlaintextNotAllowed
	}

	if err := msg.Decode(payload); err != nil {
		return nil, sender, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, sender, nil
}

// Compile-time interface checks
var (
	_ ProtocolMessage = (*IdentifyMessage)(nil)
	_ ProtocolMessage = (*IdentifyAckMessage)(nil)
	_ ProtocolMessage = (*RegistrationChallengeMessage)(nil)
	_ ProtocolMessage = (*DeviceRegisteredMessage)(nil)
	_ ProtocolMessage = (*SendPreKeysMessage)(nil)
	_ ProtocolMessage = (*PreKeysResponseMessage)(nil)
	_ ProtocolMessage = (*ResendPreKeysMessage)(nil)
	_ ProtocolMessage = (*StartSessionMessage)(nil)
	_ ProtocolMessage = (*SessionStartResponseMessage)(nil)
	_ ProtocolMessage = (*CheckTrustMessage)(nil)
	_ ProtocolMessage = (*TrustResultMessage)(nil)
	_ ProtocolMessage = (*KeepAliveMessage)(nil)
	_ ProtocolMessage = (*KeepAliveAckMessage)(nil)
	_ ProtocolMessage = (*DisconnectMessage)(nil)
	_ ProtocolMessage = (*ErrorMessage)(nil)
	_ ProtocolMessage = (*CreateGroupMessage)(nil)
	_ ProtocolMessage = (*GroupCreatedMessage)(nil)
	_ ProtocolMessage = (*InviteMessage)(nil)
	_ ProtocolMessage = (*GroupInviteMessage)(nil)
	_ ProtocolMessage = (*AcceptMembershipMessage)(nil)
	_ ProtocolMessage = (*MemberStateChangedMessage)(nil)
	_ ProtocolMessage = (*AcknowledgeJoinMessage)(nil)
	_ ProtocolMessage = (*JoinAcknowledgedMessage)(nil)
	_ ProtocolMessage = (*LeaveGroupMessage)(nil)
	_ ProtocolMessage = (*EjectMemberMessage)(nil)
	_ ProtocolMessage = (*MemberLeftMessage)(nil)
	_ ProtocolMessage = (*DeleteGroupMessage)(nil)
	_ ProtocolMessage = (*TransferOwnershipMessage)(nil)
	_ ProtocolMessage = (*OwnershipTransferredMessage)(nil)
	_ ProtocolMessage = (*GroupRejoinedMessage)(nil)
	_ ProtocolMessage = (*MemberPresenceMessage)(nil)
	_ ProtocolMessage = (*GroupEnvelopeMessage)(nil)
	_ ProtocolMessage = (*DirectEnvelopeMessage)(nil)
	_ ProtocolMessage = (*GroupDeliveryMessage)(nil)
	_ ProtocolMessage = (*DirectDeliveryMessage)(nil)
	_ ProtocolMessage = (*LocationUpdateMessage)(nil)
	_ ProtocolMessage = (*LocationBroadcastMessage)(nil)
	_ ProtocolMessage = (*FriendRequestMessage)(nil)
	_ ProtocolMessage = (*FriendResponseMessage)(nil)
	_ ProtocolMessage = (*FriendRemoveMessage)(nil)
	_ ProtocolMessage = (*ListFriendsMessage)(nil)
	_ ProtocolMessage = (*FriendUpdateMessage)(nil)
	_ ProtocolMessage = (*FriendListMessage)(nil)
	_ ProtocolMessage = (*TextureUploadMessage)(nil)
	_ ProtocolMessage = (*TextureStoredMessage)(nil)
	_ ProtocolMessage = (*TextureRequestMessage)(nil)
	_ ProtocolMessage = (*TextureDataMessage)(nil)
	_ ProtocolMessage = (*DHTPutMessage)(nil)
	_ ProtocolMessage = (*DHTStoredMessage)(nil)
	_ ProtocolMessage = (*DHTGetMessage)(nil)
	_ ProtocolMessage = (*DHTValueMessage)(nil)
)
