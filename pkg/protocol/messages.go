package protocol

import (
	"bytes"
	"errors"
	"io"

	"github.com/google/uuid"
)

// ProtocolMessage interface - all protocol messages must implement this
type ProtocolMessage interface {
	// Encode serializes the message to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer (efficient)
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from bytes
	Decode(payload []byte) error
}

// Message type constants (Client → Server)
const (
	TypeIdentify          = 0x01
	TypeSendPreKeys       = 0x02
	TypeStartSession      = 0x03
	TypeCheckTrust        = 0x04
	TypeKeepAlive         = 0x05
	TypeResendPreKeys     = 0x06 // sent by either side to heal a desynced session
	TypeDisconnect        = 0x07 // sent by either side

	TypeCreateGroup       = 0x10
	TypeInvite            = 0x11
	TypeAcceptMembership  = 0x12
	TypeAcknowledgeJoin   = 0x13
	TypeLeaveGroup        = 0x14
	TypeEjectMember       = 0x15
	TypeDeleteGroup       = 0x16
	TypeTransferOwnership = 0x17

	TypeGroupEnvelope  = 0x20
	TypeDirectEnvelope = 0x21

	TypeLocationUpdate = 0x30

	TypeFriendRequest  = 0x40
	TypeFriendResponse = 0x41
	TypeFriendRemove   = 0x42
	TypeListFriends    = 0x43

	TypeTextureUpload  = 0x50
	TypeTextureRequest = 0x51

	TypeDHTPut = 0x60
	TypeDHTGet = 0x61
)

// Message type constants (Server → Client)
const (
	TypeIdentifyAck           = 0x81
	TypeRegistrationChallenge = 0x82
	TypeDeviceRegistered      = 0x83
	TypePreKeysResponse       = 0x84
	TypeSessionStartResponse  = 0x85
	TypeTrustResult           = 0x86
	TypeKeepAliveAck          = 0x87
	TypeError                 = 0x88

	TypeGroupCreated         = 0x90
	TypeGroupInvite          = 0x91
	TypeMemberStateChanged   = 0x92
	TypeJoinAcknowledged     = 0x93
	TypeMemberLeft           = 0x94
	TypeOwnershipTransferred = 0x95
	TypeGroupRejoined        = 0x96
	TypeMemberPresence       = 0x97

	TypeGroupMessage  = 0xA0
	TypeDirectMessage = 0xA1

	TypeLocationBroadcast = 0xB0

	TypeFriendUpdate = 0xC0
	TypeFriendList   = 0xC1

	TypeTextureStored = 0xD0
	TypeTextureData   = 0xD1

	TypeDHTStored = 0xE0
	TypeDHTValue  = 0xE1
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat      = 1000
	ErrCodeUnsupportedVersion = 1001
	ErrCodeUnexpectedMessage  = 1002
	ErrCodeUnhandledMessage   = 1003

	// Authentication errors (2xxx)
	ErrCodeUnknownAccount          = 2000
	ErrCodeUntrusted               = 2001
	ErrCodeVerificationFailed      = 2002
	ErrCodePrivateIdentityMismatch = 2003
	ErrCodeSessionNotStarted       = 2004

	// Authorization errors (3xxx)
	ErrCodePermissionDenied = 3000
	ErrCodeNotOwner         = 3001
	ErrCodeNotMember        = 3002

	// Resource errors (4xxx)
	ErrCodeNotFound        = 4000
	ErrCodeGroupNotFound   = 4001
	ErrCodeAlreadyExists   = 4002
	ErrCodeTextureNotFound = 4003

	// Rate limit errors (5xxx)
	ErrCodeRateLimitExceeded = 5000

	// Validation errors (6xxx)
	ErrCodeInvalidInput     = 6000
	ErrCodeInvalidGroupType = 6001

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
	ErrCodeStorageError  = 9001
)

// SessionStartResponse result values
const (
	SessionStartOK                      = 0
	SessionStartVerificationFailed      = 1
	SessionStartPrivateIdentityMismatch = 2
)

var ErrUnknownMessageType = errors.New("unknown message type")

// WireIdentity is the on-wire form of an identity reference.
type WireIdentity struct {
	AccountID uuid.UUID
	DeviceID  uint32
	PublicKey []byte
}

func writeWireIdentity(w io.Writer, id WireIdentity) error {
	if err := WriteUUID(w, id.AccountID); err != nil {
		return err
	}
	if err := WriteUint32(w, id.DeviceID); err != nil {
		return err
	}
	return WriteBytes(w, id.PublicKey)
}

func readWireIdentity(r io.Reader) (WireIdentity, error) {
	var id WireIdentity
	var err error
	if id.AccountID, err = ReadUUID(r); err != nil {
		return id, err
	}
	if id.DeviceID, err = ReadUint32(r); err != nil {
		return id, err
	}
	if id.PublicKey, err = ReadBytes(r); err != nil {
		return id, err
	}
	return id, nil
}

// IdentifyMessage (0x01) - First message on every connection. Registered is
// false until the device has completed out-of-band registration and holds a
// server-assigned device id; that state triggers the registration challenge.
type IdentifyMessage struct {
	Registered bool
	Identity   WireIdentity
}

func (m *IdentifyMessage) EncodeTo(w io.Writer) error {
	if err := WriteBool(w, m.Registered); err != nil {
		return err
	}
	return writeWireIdentity(w, m.Identity)
}

func (m *IdentifyMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *IdentifyMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	registered, err := ReadBool(buf)
	if err != nil {
		return err
	}
	m.Registered = registered
	m.Identity, err = readWireIdentity(buf)
	return err
}

// IdentifyAckMessage (0x81) - Server acknowledges a known identity, returning
// its own identity plus the private-identity token the client must present
// during session start.
type IdentifyAckMessage struct {
	ServerIdentity WireIdentity
	PrivateToken   []byte
}

func (m *IdentifyAckMessage) EncodeTo(w io.Writer) error {
	if err := writeWireIdentity(w, m.ServerIdentity); err != nil {
		return err
	}
	return WriteBytes(w, m.PrivateToken)
}

func (m *IdentifyAckMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *IdentifyAckMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.ServerIdentity, err = readWireIdentity(buf); err != nil {
		return err
	}
	m.PrivateToken, err = ReadBytes(buf)
	return err
}

// RegistrationChallengeMessage (0x82) - First-run response: the client must
// complete device registration out-of-band before the handshake can continue.
type RegistrationChallengeMessage struct {
	URL   string
	Token string
}

func (m *RegistrationChallengeMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.URL); err != nil {
		return err
	}
	return WriteString(w, m.Token)
}

func (m *RegistrationChallengeMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *RegistrationChallengeMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	url, err := ReadString(buf)
	if err != nil {
		return err
	}
	token, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.URL = url
	m.Token = token
	return nil
}

// DeviceRegisteredMessage (0x83) - Out-of-band confirmation produced a
// server-assigned device id. The client persists it exactly once.
type DeviceRegisteredMessage struct {
	DeviceID uint32
}

func (m *DeviceRegisteredMessage) EncodeTo(w io.Writer) error {
	return WriteUint32(w, m.DeviceID)
}

func (m *DeviceRegisteredMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DeviceRegisteredMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	deviceID, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	m.DeviceID = deviceID
	return nil
}

// SendPreKeysMessage (0x02) - Public key bundle for the key exchange.
type SendPreKeysMessage struct {
	Identity     WireIdentity
	SignedPreKey []byte
}

func (m *SendPreKeysMessage) EncodeTo(w io.Writer) error {
	if err := writeWireIdentity(w, m.Identity); err != nil {
		return err
	}
	return WriteBytes(w, m.SignedPreKey)
}

func (m *SendPreKeysMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *SendPreKeysMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.Identity, err = readWireIdentity(buf); err != nil {
		return err
	}
	m.SignedPreKey, err = ReadBytes(buf)
	return err
}

// PreKeysResponseMessage (0x84) - The other side's bundle.
type PreKeysResponseMessage struct {
	Identity     WireIdentity
	SignedPreKey []byte
}

func (m *PreKeysResponseMessage) EncodeTo(w io.Writer) error {
	if err := writeWireIdentity(w, m.Identity); err != nil {
		return err
	}
	return WriteBytes(w, m.SignedPreKey)
}

func (m *PreKeysResponseMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PreKeysResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.Identity, err = readWireIdentity(buf); err != nil {
		return err
	}
	m.SignedPreKey, err = ReadBytes(buf)
	return err
}

// ResendPreKeysMessage (0x06) - Self-healing request after a cipher desync.
// Safe to send repeatedly; the receiver re-runs the key exchange.
type ResendPreKeysMessage struct{}

func (m *ResendPreKeysMessage) EncodeTo(w io.Writer) error { return nil }

func (m *ResendPreKeysMessage) Encode() ([]byte, error) { return []byte{}, nil }

func (m *ResendPreKeysMessage) Decode(payload []byte) error { return nil }

// StartSessionMessage (0x03) - Platform session proof plus the private token
// from IdentifyAck.
type StartSessionMessage struct {
	PlayerName   string
	SessionToken string
	PrivateToken []byte
}

func (m *StartSessionMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.PlayerName); err != nil {
		return err
	}
	if err := WriteString(w, m.SessionToken); err != nil {
		return err
	}
	return WriteBytes(w, m.PrivateToken)
}

func (m *StartSessionMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *StartSessionMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	playerName, err := ReadString(buf)
	if err != nil {
		return err
	}
	sessionToken, err := ReadString(buf)
	if err != nil {
		return err
	}
	privateToken, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.PlayerName = playerName
	m.SessionToken = sessionToken
	m.PrivateToken = privateToken
	return nil
}

// SessionStartResponseMessage (0x85) - Result of the platform verification.
type SessionStartResponseMessage struct {
	Result     uint8
	PlayerName string
}

func (m *SessionStartResponseMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.Result); err != nil {
		return err
	}
	return WriteString(w, m.PlayerName)
}

func (m *SessionStartResponseMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *SessionStartResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	result, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	playerName, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Result = result
	m.PlayerName = playerName
	return nil
}

// CheckTrustMessage (0x04) - "Are we trusted?" probe before going active.
type CheckTrustMessage struct{}

func (m *CheckTrustMessage) EncodeTo(w io.Writer) error { return nil }

func (m *CheckTrustMessage) Encode() ([]byte, error) { return []byte{}, nil }

func (m *CheckTrustMessage) Decode(payload []byte) error { return nil }

// TrustResultMessage (0x86) - Server's answer. Trusted=false tells the client
// to reset its identity store and restart the handshake from scratch.
type TrustResultMessage struct {
	Trusted bool
}

func (m *TrustResultMessage) EncodeTo(w io.Writer) error {
	return WriteBool(w, m.Trusted)
}

func (m *TrustResultMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TrustResultMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	trusted, err := ReadBool(buf)
	if err != nil {
		return err
	}
	m.Trusted = trusted
	return nil
}

// KeepAliveMessage (0x05) - Periodic no-op once CONNECTED.
type KeepAliveMessage struct{}

func (m *KeepAliveMessage) EncodeTo(w io.Writer) error { return nil }

func (m *KeepAliveMessage) Encode() ([]byte, error) { return []byte{}, nil }

func (m *KeepAliveMessage) Decode(payload []byte) error { return nil }

// KeepAliveAckMessage (0x87)
type KeepAliveAckMessage struct{}

func (m *KeepAliveAckMessage) EncodeTo(w io.Writer) error { return nil }

func (m *KeepAliveAckMessage) Encode() ([]byte, error) { return []byte{}, nil }

func (m *KeepAliveAckMessage) Decode(payload []byte) error { return nil }

// DisconnectMessage (0x07) - Graceful teardown with an optional reason.
type DisconnectMessage struct {
	Reason *string
}

func (m *DisconnectMessage) EncodeTo(w io.Writer) error {
	return WriteOptionalString(w, m.Reason)
}

func (m *DisconnectMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DisconnectMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	reason, err := ReadOptionalString(buf)
	if err != nil {
		return err
	}
	m.Reason = reason
	return nil
}

// ErrorMessage (0x88) - Structured error addressed to the offending client.
type ErrorMessage struct {
	ErrorCode uint16
	Message   string
}

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.ErrorCode); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.ErrorCode = code
	m.Message = message
	return nil
}
