package protocol

import (
	"bytes"
	"io"

	"github.com/google/uuid"
)

// Friend state constants
const (
	FriendPendingOutgoing = 0
	FriendPendingIncoming = 1
	FriendAccepted        = 2
	FriendRemoved         = 3
)

// GroupEnvelopeMessage (0x20) - Sender-key ciphertext for the server to relay
// to every other accepted member. The server never sees the plaintext.
type GroupEnvelopeMessage struct {
	GroupID    uuid.UUID
	Ciphertext []byte
}

func (m *GroupEnvelopeMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	return WriteBytes(w, m.Ciphertext)
}

func (m *GroupEnvelopeMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *GroupEnvelopeMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.GroupID, err = ReadUUID(buf); err != nil {
		return err
	}
	m.Ciphertext, err = ReadBytes(buf)
	return err
}

// DirectEnvelopeMessage (0x21) - Pairwise ciphertext for one specific device.
type DirectEnvelopeMessage struct {
	AccountID  uuid.UUID
	DeviceID   uint32
	Ciphertext []byte
}

func (m *DirectEnvelopeMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.AccountID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.DeviceID); err != nil {
		return err
	}
	return WriteBytes(w, m.Ciphertext)
}

func (m *DirectEnvelopeMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DirectEnvelopeMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.AccountID, err = ReadUUID(buf); err != nil {
		return err
	}
	if m.DeviceID, err = ReadUint32(buf); err != nil {
		return err
	}
	m.Ciphertext, err = ReadBytes(buf)
	return err
}

// GroupDeliveryMessage (0xA0) - A relayed group envelope with the sender
// stamped by the server.
type GroupDeliveryMessage struct {
	GroupID    uuid.UUID
	AccountID  uuid.UUID
	DeviceID   uint32
	Ciphertext []byte
}

func (m *GroupDeliveryMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	if err := WriteUUID(w, m.AccountID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.DeviceID); err != nil {
		return err
	}
	return WriteBytes(w, m.Ciphertext)
}

func (m *GroupDeliveryMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *GroupDeliveryMessage) Decode(payload []byte) error {
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
	m.Ciphertext, err = ReadBytes(buf)
	return err
}

// DirectDeliveryMessage (0xA1) - A relayed direct envelope with the sender
// stamped by the server.
type DirectDeliveryMessage struct {
	AccountID  uuid.UUID
	DeviceID   uint32
	Ciphertext []byte
}

func (m *DirectDeliveryMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.AccountID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.DeviceID); err != nil {
		return err
	}
	return WriteBytes(w, m.Ciphertext)
}

func (m *DirectDeliveryMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DirectDeliveryMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.AccountID, err = ReadUUID(buf); err != nil {
		return err
	}
	if m.DeviceID, err = ReadUint32(buf); err != nil {
		return err
	}
	m.Ciphertext, err = ReadBytes(buf)
	return err
}

// LocationUpdateMessage (0x30) - Position blob sealed under the sender's group
// key, relayed to the group's online accepted members.
type LocationUpdateMessage struct {
	GroupID uuid.UUID
	Blob    []byte
}

func (m *LocationUpdateMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	return WriteBytes(w, m.Blob)
}

func (m *LocationUpdateMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *LocationUpdateMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.GroupID, err = ReadUUID(buf); err != nil {
		return err
	}
	m.Blob, err = ReadBytes(buf)
	return err
}

// LocationBroadcastMessage (0xB0)
type LocationBroadcastMessage struct {
	GroupID   uuid.UUID
	AccountID uuid.UUID
	DeviceID  uint32
	Blob      []byte
}

func (m *LocationBroadcastMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.GroupID); err != nil {
		return err
	}
	if err := WriteUUID(w, m.AccountID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.DeviceID); err != nil {
		return err
	}
	return WriteBytes(w, m.Blob)
}

func (m *LocationBroadcastMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *LocationBroadcastMessage) Decode(payload []byte) error {
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
	m.Blob, err = ReadBytes(buf)
	return err
}

// FriendRequestMessage (0x40) - Addressed by player name; the server resolves
// it to an account.
type FriendRequestMessage struct {
	PlayerName string
}

func (m *FriendRequestMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.PlayerName)
}

func (m *FriendRequestMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *FriendRequestMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	name, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.PlayerName = name
	return nil
}

// FriendResponseMessage (0x41)
type FriendResponseMessage struct {
	AccountID uuid.UUID
	Accepted  bool
}

func (m *FriendResponseMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.AccountID); err != nil {
		return err
	}
	return WriteBool(w, m.Accepted)
}

func (m *FriendResponseMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *FriendResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.AccountID, err = ReadUUID(buf); err != nil {
		return err
	}
	m.Accepted, err = ReadBool(buf)
	return err
}

// FriendRemoveMessage (0x42)
type FriendRemoveMessage struct {
	AccountID uuid.UUID
}

func (m *FriendRemoveMessage) EncodeTo(w io.Writer) error {
	return WriteUUID(w, m.AccountID)
}

func (m *FriendRemoveMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *FriendRemoveMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	accountID, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	m.AccountID = accountID
	return nil
}

// ListFriendsMessage (0x43)
type ListFriendsMessage struct{}

func (m *ListFriendsMessage) EncodeTo(w io.Writer) error { return nil }

func (m *ListFriendsMessage) Encode() ([]byte, error) { return []byte{}, nil }

func (m *ListFriendsMessage) Decode(payload []byte) error { return nil }

// WireFriend is the on-wire form of one friend entry.
type WireFriend struct {
	AccountID  uuid.UUID
	PlayerName string
	State      uint8
	Online     bool
}

func writeWireFriend(w io.Writer, f WireFriend) error {
	if err := WriteUUID(w, f.AccountID); err != nil {
		return err
	}
	if err := WriteString(w, f.PlayerName); err != nil {
		return err
	}
	if err := WriteUint8(w, f.State); err != nil {
		return err
	}
	return WriteBool(w, f.Online)
}

func readWireFriend(r io.Reader) (WireFriend, error) {
	var f WireFriend
	var err error
	if f.AccountID, err = ReadUUID(r); err != nil {
		return f, err
	}
	if f.PlayerName, err = ReadString(r); err != nil {
		return f, err
	}
	if f.State, err = ReadUint8(r); err != nil {
		return f, err
	}
	f.Online, err = ReadBool(r)
	return f, err
}

// FriendUpdateMessage (0xC0) - One friend entry changed (new request, answer,
// removal, or presence flip).
type FriendUpdateMessage struct {
	Friend WireFriend
}

func (m *FriendUpdateMessage) EncodeTo(w io.Writer) error {
	return writeWireFriend(w, m.Friend)
}

func (m *FriendUpdateMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *FriendUpdateMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	friend, err := readWireFriend(buf)
	if err != nil {
		return err
	}
	m.Friend = friend
	return nil
}

// FriendListMessage (0xC1)
type FriendListMessage struct {
	Friends []WireFriend
}

func (m *FriendListMessage) EncodeTo(w io.Writer) error {
	if len(m.Friends) > maxWireMembers {
		return ErrTooManyMembers
	}
	if err := WriteUint16(w, uint16(len(m.Friends))); err != nil {
		return err
	}
	for _, f := range m.Friends {
		if err := writeWireFriend(w, f); err != nil {
			return err
		}
	}
	return nil
}

func (m *FriendListMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *FriendListMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	if count > maxWireMembers {
		return ErrTooManyMembers
	}
	friends := make([]WireFriend, 0, count)
	for i := uint16(0); i < count; i++ {
		f, err := readWireFriend(buf)
		if err != nil {
			return err
		}
		friends = append(friends, f)
	}
	m.Friends = friends
	return nil
}

// TextureUploadMessage (0x50) - Content-addressed blob upload.
type TextureUploadMessage struct {
	Hash string
	Data []byte
}

func (m *TextureUploadMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Hash); err != nil {
		return err
	}
	return WriteBytes(w, m.Data)
}

func (m *TextureUploadMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TextureUploadMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	hash, err := ReadString(buf)
	if err != nil {
		return err
	}
	data, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.Hash = hash
	m.Data = data
	return nil
}

// TextureStoredMessage (0xD0)
type TextureStoredMessage struct {
	Hash string
}

func (m *TextureStoredMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Hash)
}

func (m *TextureStoredMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TextureStoredMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	hash, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Hash = hash
	return nil
}

// TextureRequestMessage (0x51)
type TextureRequestMessage struct {
	Hash string
}

func (m *TextureRequestMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Hash)
}

func (m *TextureRequestMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TextureRequestMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	hash, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Hash = hash
	return nil
}

// TextureDataMessage (0xD1) - Found=false means the hash is unknown.
type TextureDataMessage struct {
	Hash  string
	Found bool
	Data  []byte
}

func (m *TextureDataMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Hash); err != nil {
		return err
	}
	if err := WriteBool(w, m.Found); err != nil {
		return err
	}
	if !m.Found {
		return nil
	}
	return WriteBytes(w, m.Data)
}

func (m *TextureDataMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TextureDataMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.Hash, err = ReadString(buf); err != nil {
		return err
	}
	if m.Found, err = ReadBool(buf); err != nil {
		return err
	}
	if !m.Found {
		m.Data = nil
		return nil
	}
	m.Data, err = ReadBytes(buf)
	return err
}

// DHTPutMessage (0x60) - Store a small value under a key with a TTL.
type DHTPutMessage struct {
	Key        string
	Value      []byte
	TTLSeconds uint32
}

func (m *DHTPutMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Key); err != nil {
		return err
	}
	if err := WriteBytes(w, m.Value); err != nil {
		return err
	}
	return WriteUint32(w, m.TTLSeconds)
}

func (m *DHTPutMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DHTPutMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.Key, err = ReadString(buf); err != nil {
		return err
	}
	if m.Value, err = ReadBytes(buf); err != nil {
		return err
	}
	m.TTLSeconds, err = ReadUint32(buf)
	return err
}

// DHTStoredMessage (0xE0)
type DHTStoredMessage struct {
	Key string
}

func (m *DHTStoredMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Key)
}

func (m *DHTStoredMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DHTStoredMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	key, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Key = key
	return nil
}

// DHTGetMessage (0x61)
type DHTGetMessage struct {
	Key string
}

func (m *DHTGetMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Key)
}

func (m *DHTGetMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DHTGetMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	key, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Key = key
	return nil
}

// DHTValueMessage (0xE1) - Found=false means missing or expired.
type DHTValueMessage struct {
	Key   string
	Found bool
	Value []byte
}

func (m *DHTValueMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Key); err != nil {
		return err
	}
	if err := WriteBool(w, m.Found); err != nil {
		return err
	}
	if !m.Found {
		return nil
	}
	return WriteBytes(w, m.Value)
}

func (m *DHTValueMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DHTValueMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	var err error
	if m.Key, err = ReadString(buf); err != nil {
		return err
	}
	if m.Found, err = ReadBool(buf); err != nil {
		return err
	}
	if !m.Found {
		m.Value = nil
		return nil
	}
	m.Value, err = ReadBytes(buf)
	return err
}
