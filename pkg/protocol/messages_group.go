package protocol

import (
	"bytes"
	"errors"
	"io"

	"github.com/google/uuid"
)

// Group type constants
const (
	GroupTypeNormal = 0
	GroupTypeNearby = 1
)

// Member role constants
const (
	RoleMember = 0
	RoleOwner  = 1
)

// Member state constants
const (
	MemberPending  = 0
	MemberAccepted = 1
	MemberDeclined = 2
)

var ErrTooManyMembers = errors.New("member list exceeds maximum size")

// maxWireMembers bounds membership lists on the wire.
const maxWireMembers = 4096

// WireMember is the on-wire form of one group member.
type WireMember struct {
	AccountID  uuid.UUID
	PlayerName string
	Role       uint8
	State      uint8
	Online     bool
}

func writeWireMember(w io.Writer, m WireMember) error {
	if err := WriteUUID(w, m.AccountID); err != nil {
		return err
	}
	if err := WriteString(w, m.PlayerName); err != nil {
		return err
	}
	if err := WriteUint8(w, m.Role); err != nil {
		return err
	}
	if err := WriteUint8(w, m.State); err != nil {
		return err
	}
	return WriteBool(w, m.Online)
}

func readWireMember(r io.Reader) (WireMember, error) {
	var m WireMember
	var err error
	if m.AccountID, err = ReadUUID(r); err != nil {
		return m, err
	}
	if m.PlayerName, err = ReadString(r); err != nil {
		return m, err
	}
	if m.Role, err = ReadUint8(r); err != nil {
		return m, err
	}
	if m.State, err = ReadUint8(r); err != nil {
		return m, err
	}
	m.Online, err = ReadBool(r)
	return m, err
}

// WireGroup is the on-wire form of a group with its full membership.
type WireGroup struct {
	GroupID uuid.UUID
	Name    string
	Type    uint8
	Members []WireMember
}

func writeWireGroup(w io.Writer, g WireGroup) error {
	if len(g.Members) > maxWireMembers {
		return ErrTooManyMembers
	}
	if err := WriteUUID(w, g.GroupID); err != nil {
		return err
	}
	if err := WriteString(w, g.Name); err != nil {
		return err
	}
	if err := WriteUint8(w, g.Type); err != nil {
		return err
	}
	if err := WriteUint16(w, uint16(len(g.Members))); err != nil {
		return err
	}
	for _, m := range g.Members {
		if err := writeWireMember(w, m); err != nil {
			return err
		}
	}
	return nil
}

func readWireGroup(r io.Reader) (WireGroup, error) {
	var g WireGroup
	var err error
	if g.GroupID, err = ReadUUID(r); err != nil {
		return g, err
	}
	if g.Name, err = ReadString(r); err != nil {
		return g, err
	}
	if g.Type, err = ReadUint8(r); err != nil {
		return g, err
	}
	count, err := ReadUint16(r)
	if err != nil {
		return g, err
	}
	if count > maxWireMembers {
		return g, ErrTooManyMembers
	}
	g.Members = make([]WireMember, 0, count)
	for i := uint16(0); i < count; i++ {
		m, err := readWireMember(r)
		if err != nil {
			return g, err
		}
		g.Members = append(g.Members, m)
	}
	return g, nil
}

// CreateGroupMessage (0x10) - Name, type and the initial desired roster. The
// named players are recorded pending and sent invites alongside creation.
type CreateGroupMessage struct {
	Name        string
	GroupType   uint8
	PlayerNames []string
}

func (m *CreateGroupMessage) EncodeTo(w io.Writer) error {
	if len(m.PlayerNames) > maxWireMembers {
		return ErrTooManyMembers
	}
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	if err := WriteUint8(w, m.GroupType); err != nil {
		return err
	}
	if err := WriteUint16(w, uint16(len(m.PlayerNames))); err != nil {
		return err
	}
	for _, name := range m.PlayerNames {
		if err := WriteString(w, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *CreateGroupMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *CreateGroupMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	name, err := ReadString(buf)
	if err != nil {
		return err
	}
	groupType, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	if count > maxWireMembers {
		return ErrTooManyMembers
	}
	names := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		player, err := ReadString(buf)
		if err != nil {
			return err
		}
		names = append(names, player)
	}
	m.Name = name
	m.GroupType = groupType
	m.PlayerNames = names
	return nil
}

// GroupCreatedMessage (0x90) - Confirmation with the full initial membership
// (just the owner, accepted).
type GroupCreatedMessage struct {
	Group WireGroup
}

func (m *GroupCreatedMessage) EncodeTo(w io.Writer) error {
	return writeWireGroup(w, m.Group)
}

func (m *GroupCreatedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *GroupCreatedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	group, err := readWireGroup(buf)
	if err != nil {
		return err
	}
	m.Group = group
	return nil
}

// InviteMessage (0x11) - The desired membership roster. The receiving side
// diffs it against current membership: new names become pending invites,
// missing names are ejected.
type InviteMessage struct {
	GroupID     uuid.UUID
	PlayerNames []string
}

func (m *InviteMessage) EncodeTo(w io.Writer) error {
	if len(m.PlayerNames) > maxWireMembers {
		return ErrTooManyMembers
	}
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	if err := WriteUint16(w, uint16(len(m.PlayerNames))); err != nil {
		return err
	}
	for _, name := range m.PlayerNames {
		if err := WriteString(w, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *InviteMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *InviteMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	groupID, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	if count > maxWireMembers {
		return ErrTooManyMembers
	}
	names := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		name, err := ReadString(buf)
		if err != nil {
			return err
		}
		names = append(names, name)
	}
	m.GroupID = groupID
	m.PlayerNames = names
	return nil
}

// GroupInviteMessage (0x91) - Delivered to the invited player, carrying the
// group snapshot so the client can render it before accepting.
type GroupInviteMessage struct {
	Group     WireGroup
	InviterID uuid.UUID
}

func (m *GroupInviteMessage) EncodeTo(w io.Writer) error {
	if err := writeWireGroup(w, m.Group); err != nil {
		return err
	}
	return WriteUUID(w, m.InviterID)
}

func (m *GroupInviteMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *GroupInviteMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	group, err := readWireGroup(buf)
	if err != nil {
		return err
	}
	inviterID, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	m.Group = group
	m.InviterID = inviterID
	return nil
}

// AcceptMembershipMessage (0x12) - The invited player's answer. Accept false
// records the invite as declined.
type AcceptMembershipMessage struct {
	GroupID uuid.UUID
	Accept  bool
}

func (m *AcceptMembershipMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	return WriteBool(w, m.Accept)
}

func (m *AcceptMembershipMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *AcceptMembershipMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	groupID, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	accept, err := ReadBool(buf)
	if err != nil {
		return err
	}
	m.GroupID = groupID
	m.Accept = accept
	return nil
}

// MemberStateChangedMessage (0x92) - Broadcast to accepted members when a
// member's state or role changes (invite accepted, promotion, presence is
// carried separately).
type MemberStateChangedMessage struct {
	GroupID uuid.UUID
	Member  WireMember
}

func (m *MemberStateChangedMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	return writeWireMember(w, m.Member)
}

func (m *MemberStateChangedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *MemberStateChangedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	groupID, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	member, err := readWireMember(buf)
	if err != nil {
		return err
	}
	m.GroupID = groupID
	m.Member = member
	return nil
}

// AcknowledgeJoinMessage (0x13) - An existing member hands its group sender
// key to a newly accepted member. The key travels inside the encrypted
// envelope; the server only sees routing fields.
type AcknowledgeJoinMessage struct {
	GroupID   uuid.UUID
	AccountID uuid.UUID
	DeviceID  uint32
	SenderKey []byte
}

func (m *AcknowledgeJoinMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	if err := WriteUUID(w, m.AccountID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.DeviceID); err != nil {
		return err
	}
	return WriteBytes(w, m.SenderKey)
}

func (m *AcknowledgeJoinMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *AcknowledgeJoinMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.GroupID, err = ReadUUID(buf); err != nil {
		return err
	}
	if m.AccountID, err = ReadUUID(buf); err != nil {
		return err
	}
	if m.DeviceID, err = ReadUint32(buf); err != nil {
		return err
	}
	m.SenderKey, err = ReadBytes(buf)
	return err
}

// JoinAcknowledgedMessage (0x93) - The forwarded sender key as seen by the
// new member.
type JoinAcknowledgedMessage struct {
	GroupID   uuid.UUID
	AccountID uuid.UUID
	DeviceID  uint32
	SenderKey []byte
}

func (m *JoinAcknowledgedMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	if err := WriteUUID(w, m.AccountID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.DeviceID); err != nil {
		return err
	}
	return WriteBytes(w, m.SenderKey)
}

func (m *JoinAcknowledgedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *JoinAcknowledgedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.GroupID, err = ReadUUID(buf); err != nil {
		return err
	}
	if m.AccountID, err = ReadUUID(buf); err != nil {
		return err
	}
	if m.DeviceID, err = ReadUint32(buf); err != nil {
		return err
	}
	m.SenderKey, err = ReadBytes(buf)
	return err
}

// LeaveGroupMessage (0x14)
type LeaveGroupMessage struct {
	GroupID uuid.UUID
}

func (m *LeaveGroupMessage) EncodeTo(w io.Writer) error {
	return WriteUUID(w, m.GroupID)
}

func (m *LeaveGroupMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *LeaveGroupMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	groupID, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	m.GroupID = groupID
	return nil
}

// EjectMemberMessage (0x15) - Owner removes a member.
type EjectMemberMessage struct {
	GroupID   uuid.UUID
	AccountID uuid.UUID
}

func (m *EjectMemberMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	return WriteUUID(w, m.AccountID)
}

func (m *EjectMemberMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *EjectMemberMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.GroupID, err = ReadUUID(buf); err != nil {
		return err
	}
	m.AccountID, err = ReadUUID(buf)
	return err
}

// MemberLeftMessage (0x94) - A member left, was ejected, or the group was
// deleted (HasPlayer=false). Receivers invalidate the departed member's
// sender key.
type MemberLeftMessage struct {
	GroupID    uuid.UUID
	HasPlayer  bool
	AccountID  uuid.UUID
	PlayerName string
}

func (m *MemberLeftMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	if err := WriteBool(w, m.HasPlayer); err != nil {
		return err
	}
	if !m.HasPlayer {
		return nil
	}
	if err := WriteUUID(w, m.AccountID); err != nil {
		return err
	}
	return WriteString(w, m.PlayerName)
}

func (m *MemberLeftMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *MemberLeftMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.GroupID, err = ReadUUID(buf); err != nil {
		return err
	}
	if m.HasPlayer, err = ReadBool(buf); err != nil {
		return err
	}
	if !m.HasPlayer {
		m.AccountID = uuid.Nil
		m.PlayerName = ""
		return nil
	}
	if m.AccountID, err = ReadUUID(buf); err != nil {
		return err
	}
	m.PlayerName, err = ReadString(buf)
	return err
}

// DeleteGroupMessage (0x16)
type DeleteGroupMessage struct {
	GroupID uuid.UUID
}

func (m *DeleteGroupMessage) EncodeTo(w io.Writer) error {
	return WriteUUID(w, m.GroupID)
}

func (m *DeleteGroupMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DeleteGroupMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	groupID, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	m.GroupID = groupID
	return nil
}

// TransferOwnershipMessage (0x17)
type TransferOwnershipMessage struct {
	GroupID   uuid.UUID
	AccountID uuid.UUID
}

func (m *TransferOwnershipMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	return WriteUUID(w, m.AccountID)
}

func (m *TransferOwnershipMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TransferOwnershipMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.GroupID, err = ReadUUID(buf); err != nil {
		return err
	}
	m.AccountID, err = ReadUUID(buf)
	return err
}

// OwnershipTransferredMessage (0x95)
type OwnershipTransferredMessage struct {
	GroupID    uuid.UUID
	NewOwnerID uuid.UUID
}

func (m *OwnershipTransferredMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	return WriteUUID(w, m.NewOwnerID)
}

func (m *OwnershipTransferredMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *OwnershipTransferredMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.GroupID, err = ReadUUID(buf); err != nil {
		return err
	}
	m.NewOwnerID, err = ReadUUID(buf)
	return err
}

// GroupRejoinedMessage (0x96) - Sent on reconnect for each group the player
// still belongs to, carrying the current membership snapshot.
type GroupRejoinedMessage struct {
	Group WireGroup
}

func (m *GroupRejoinedMessage) EncodeTo(w io.Writer) error {
	return writeWireGroup(w, m.Group)
}

func (m *GroupRejoinedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *GroupRejoinedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	group, err := readWireGroup(buf)
	if err != nil {
		return err
	}
	m.Group = group
	return nil
}

// MemberPresenceMessage (0x97) - Online/offline change for one member,
// broadcast to the group's accepted members.
type MemberPresenceMessage struct {
	GroupID   uuid.UUID
	AccountID uuid.UUID
	Online    bool
}

func (m *MemberPresenceMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	if err := WriteUUID(w, m.AccountID); err != nil {
		return err
	}
	return WriteBool(w, m.Online)
}

func (m *MemberPresenceMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *MemberPresenceMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.GroupID, err = ReadUUID(buf); err != nil {
		return err
	}
	if m.AccountID, err = ReadUUID(buf); err != nil {
		return err
	}
	m.Online, err = ReadBool(buf)
	return err
}
