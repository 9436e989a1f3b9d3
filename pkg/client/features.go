package client

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"

	"github.com/lodestone-chat/lodestone/pkg/identity"
	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

func identityFor(account uuid.UUID, device uint32) identity.Identity {
	return identity.Identity{AccountID: account, DeviceID: device}
}

// Locations shares opaque position blobs with a group's online members.
type Locations struct {
	client *Client
	// Broadcast fires for every co-member position update.
	Broadcast func(groupID, account uuid.UUID, blob []byte)
}

func NewLocations(c *Client) *Locations {
	l := &Locations{client: c}
	c.RegisterModule(l)
	return l
}

func (l *Locations) Name() string { return "locations" }

func (l *Locations) SessionStarted() {}

func (l *Locations) SessionStopping() {}

// Update publishes this device's position blob to a group.
func (l *Locations) Update(groupID uuid.UUID, blob []byte) error {
	return l.client.Send(protocol.TypeLocationUpdate, &protocol.LocationUpdateMessage{
		GroupID: groupID,
		Blob:    blob,
	})
}

func (l *Locations) HandleServerMessage(msgType uint8, msg protocol.ProtocolMessage) bool {
	m, ok := msg.(*protocol.LocationBroadcastMessage)
	if !ok {
		return false
	}
	if l.Broadcast != nil {
		l.Broadcast(m.GroupID, m.AccountID, m.Blob)
	}
	return true
}

// Friends mirrors the server-side friend graph.
type Friends struct {
	client *Client

	// Updated fires for every relationship change.
	Updated func(friend protocol.WireFriend)
	// Listed fires with the full list after a List call.
	Listed func(friends []protocol.WireFriend)

	mu      sync.RWMutex
	friends map[uuid.UUID]protocol.WireFriend
}

func NewFriends(c *Client) *Friends {
	f := &Friends{
		client:  c,
		friends: make(map[uuid.UUID]protocol.WireFriend),
	}
	c.RegisterModule(f)
	return f
}

func (f *Friends) Name() string { return "friends" }

// SessionStarted refreshes the friend list on every connect.
func (f *Friends) SessionStarted() {
	if err := f.List(); err != nil {
		f.client.logger.Printf("Friend list refresh failed: %v", err)
	}
}

func (f *Friends) SessionStopping() {}

// Request sends a friend request by player name.
func (f *Friends) Request(playerName string) error {
	return f.client.Send(protocol.TypeFriendRequest, &protocol.FriendRequestMessage{PlayerName: playerName})
}

// Respond accepts or declines an incoming request.
func (f *Friends) Respond(account uuid.UUID, accepted bool) error {
	return f.client.Send(protocol.TypeFriendResponse, &protocol.FriendResponseMessage{
		AccountID: account,
		Accepted:  accepted,
	})
}

// Remove removes a friend in both directions.
func (f *Friends) Remove(account uuid.UUID) error {
	return f.client.Send(protocol.TypeFriendRemove, &protocol.FriendRemoveMessage{AccountID: account})
}

// List asks the server for the current friend list.
func (f *Friends) List() error {
	return f.client.Send(protocol.TypeListFriends, &protocol.ListFriendsMessage{})
}

// Known returns the cached relationship with an account.
func (f *Friends) Known(account uuid.UUID) (protocol.WireFriend, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	friend, ok := f.friends[account]
	return friend, ok
}

func (f *Friends) HandleServerMessage(msgType uint8, msg protocol.ProtocolMessage) bool {
	switch m := msg.(type) {
	case *protocol.FriendUpdateMessage:
		f.mu.Lock()
		if m.Friend.State == protocol.FriendRemoved {
			delete(f.friends, m.Friend.AccountID)
		} else {
			f.friends[m.Friend.AccountID] = m.Friend
		}
		f.mu.Unlock()
		if f.Updated != nil {
			f.Updated(m.Friend)
		}
	case *protocol.FriendListMessage:
		f.mu.Lock()
		f.friends = make(map[uuid.UUID]protocol.WireFriend, len(m.Friends))
		for _, friend := range m.Friends {
			f.friends[friend.AccountID] = friend
		}
		f.mu.Unlock()
		if f.Listed != nil {
			f.Listed(m.Friends)
		}
	default:
		return false
	}
	return true
}

// Textures is the content-addressed blob store client.
type Textures struct {
	client *Client
	// Received fires when a requested texture arrives (found may be false).
	Received func(hash string, found bool, data []byte)
	// Stored fires when an upload is confirmed.
	Stored func(hash string)
}

func NewTextures(c *Client) *Textures {
	t := &Textures{client: c}
	c.RegisterModule(t)
	return t
}

func (t *Textures) Name() string { return "textures" }

func (t *Textures) SessionStarted() {}

func (t *Textures) SessionStopping() {}

// Upload stores a texture under its content hash and returns the hash.
func (t *Textures) Upload(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	return hash, t.client.Send(protocol.TypeTextureUpload, &protocol.TextureUploadMessage{
		Hash: hash,
		Data: data,
	})
}

// Fetch requests a texture by hash.
func (t *Textures) Fetch(hash string) error {
	return t.client.Send(protocol.TypeTextureRequest, &protocol.TextureRequestMessage{Hash: hash})
}

func (t *Textures) HandleServerMessage(msgType uint8, msg protocol.ProtocolMessage) bool {
	switch m := msg.(type) {
	case *protocol.TextureStoredMessage:
		if t.Stored != nil {
			t.Stored(m.Hash)
		}
	case *protocol.TextureDataMessage:
		if t.Received != nil {
			t.Received(m.Hash, m.Found, m.Data)
		}
	default:
		return false
	}
	return true
}

// Records is the client for the server's expiring key-value store.
type Records struct {
	client *Client
	// Value fires when a lookup answers (found may be false).
	Value func(key string, found bool, value []byte)
	// Stored fires when a put is confirmed.
	Stored func(key string)
}

func NewRecords(c *Client) *Records {
	r := &Records{client: c}
	c.RegisterModule(r)
	return r
}

func (r *Records) Name() string { return "records" }

func (r *Records) SessionStarted() {}

func (r *Records) SessionStopping() {}

// Put stores a value under key for ttlSeconds.
func (r *Records) Put(key string, value []byte, ttlSeconds uint32) error {
	return r.client.Send(protocol.TypeDHTPut, &protocol.DHTPutMessage{
		Key:        key,
		Value:      value,
		TTLSeconds: ttlSeconds,
	})
}

// Get looks a key up.
func (r *Records) Get(key string) error {
	return r.client.Send(protocol.TypeDHTGet, &protocol.DHTGetMessage{Key: key})
}

func (r *Records) HandleServerMessage(msgType uint8, msg protocol.ProtocolMessage) bool {
	switch m := msg.(type) {
	case *protocol.DHTStoredMessage:
		if r.Stored != nil {
			r.Stored(m.Key)
		}
	case *protocol.DHTValueMessage:
		if r.Value != nil {
			r.Value(m.Key, m.Found, m.Value)
		}
	default:
		return false
	}
	return true
}

// DirectMessages exchanges pairwise-sealed payloads between two devices.
type DirectMessages struct {
	client *Client
	// Received fires for each direct payload. The ciphertext is opened with
	// the pairwise session for the sending device.
	Received func(account uuid.UUID, device uint32, plaintext []byte)
}

func NewDirectMessages(c *Client) *DirectMessages {
	d := &DirectMessages{client: c}
	c.RegisterModule(d)
	return d
}

func (d *DirectMessages) Name() string { return "direct" }

func (d *DirectMessages) SessionStarted() {}

func (d *DirectMessages) SessionStopping() {}

// Send seals a payload for one specific trusted device and relays it.
func (d *DirectMessages) Send(account uuid.UUID, device uint32, plaintext []byte) error {
	peer := d.client.IdentityStore()
	ciphertext, err := peer.Cipher().Encrypt(identityFor(account, device), plaintext)
	if err != nil {
		return err
	}
	return d.client.Send(protocol.TypeDirectEnvelope, &protocol.DirectEnvelopeMessage{
		AccountID:  account,
		DeviceID:   device,
		Ciphertext: ciphertext,
	})
}

func (d *DirectMessages) HandleServerMessage(msgType uint8, msg protocol.ProtocolMessage) bool {
	m, ok := msg.(*protocol.DirectDeliveryMessage)
	if !ok {
		return false
	}
	sender := identityFor(m.AccountID, m.DeviceID)
	plaintext, err := d.client.IdentityStore().Cipher().Decrypt(sender, m.Ciphertext)
	if err != nil {
		d.client.logger.Printf("Direct message from %s/%d undecryptable: %v", m.AccountID, m.DeviceID, err)
		return true
	}
	if d.Received != nil {
		d.Received(m.AccountID, m.DeviceID, plaintext)
	}
	return true
}
