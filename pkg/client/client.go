package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/lodestone-chat/lodestone/pkg/identity"
	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

// HandshakePhase is the client's view of the handshake state machine. It
// mirrors the server's states exactly.
type HandshakePhase int

const (
	PhaseIdle HandshakePhase = iota
	PhaseIdentifying
	PhaseRegistering
	PhaseKeyExchange
	PhaseSessionStart
	PhaseTrustCheck
	PhaseConnected
)

func (p HandshakePhase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseIdentifying:
		return "IDENTIFYING"
	case PhaseRegistering:
		return "REGISTERING"
	case PhaseKeyExchange:
		return "KEY_EXCHANGE"
	case PhaseSessionStart:
		return "SESSION_START"
	case PhaseTrustCheck:
		return "TRUST_CHECK"
	case PhaseConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

const keepAliveInterval = 10 * time.Second

// FeatureModule is one client-side sub-protocol. Modules are offered decoded
// server messages in registration order after the handshake kinds; the first
// to claim a message wins.
type FeatureModule interface {
	Name() string
	HandleServerMessage(msgType uint8, msg protocol.ProtocolMessage) bool
	SessionStarted()
	SessionStopping()
}

// Events carries the orchestrator's callbacks into the embedding application.
// All fields are optional.
type Events struct {
	// RegistrationChallenge fires when the server requires out-of-band device
	// registration. The application must get the URL opened; the handshake
	// stays suspended until the server confirms.
	RegistrationChallenge func(url, token string)
	// SessionStarted fires on reaching CONNECTED.
	SessionStarted func(playerName string)
	// SessionFailed fires on a distinguished session-start failure.
	SessionFailed func(result uint8)
	// IdentityReset fires after the local identity store was wiped because
	// the server no longer trusts it.
	IdentityReset func()
	// Disconnected fires when the transport drops.
	Disconnected func(err error)
	// ServerError fires for addressed ERROR messages.
	ServerError func(code uint16, message string)
}

// Config configures a client runtime.
type Config struct {
	ServerAddr   string
	DataDir      string
	PlayerName   string
	SessionToken string
	Logger       *log.Logger
	Events       Events
}

// Client drives one device's connection to a Lodestone server: the instance
// lock, the identity store, the handshake, keep-alives and routing of decoded
// responses into feature modules.
type Client struct {
	cfg    Config
	conn   *Connection
	ids    *identity.Store
	lock   *instanceLock
	logger *log.Logger

	mu           sync.RWMutex
	phase        HandshakePhase
	serverID     identity.Identity
	privateToken []byte
	resetDone    bool // one reset-and-retry per Run, never a loop

	modules []FeatureModule

	keepaliveStop chan struct{}

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient acquires the instance lock and opens the identity store. The
// lock is held until Close.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	lock, err := acquireInstanceLock(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	ids, err := identity.Open(filepath.Join(cfg.DataDir, "identity.db"))
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("opening identity store: %w", err)
	}

	conn, err := NewConnection(cfg.ServerAddr)
	if err != nil {
		ids.Close()
		lock.Release()
		return nil, err
	}
	conn.SetLogger(cfg.Logger)

	return &Client{
		cfg:      cfg,
		conn:     conn,
		ids:      ids,
		lock:     lock,
		logger:   cfg.Logger,
		phase:    PhaseIdle,
		shutdown: make(chan struct{}),
	}, nil
}

// RegisterModule appends a feature module to the routing order.
func (c *Client) RegisterModule(m FeatureModule) {
	c.modules = append(c.modules, m)
}

// IdentityStore exposes the client's identity store to feature modules.
func (c *Client) IdentityStore() *identity.Store {
	return c.ids
}

// Phase returns the current handshake phase.
func (c *Client) Phase() HandshakePhase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Client) setPhase(p HandshakePhase) {
	c.mu.Lock()
	old := c.phase
	c.phase = p
	c.mu.Unlock()
	if old != p {
		c.logger.Printf("Handshake phase: %s → %s", old, p)
	}
}

// Connect checks discovery, dials the server and starts the handshake. The
// processing loop runs until Close.
func (c *Client) Connect() error {
	if err := c.conn.CheckDiscovery(); err != nil {
		return err
	}
	if err := c.conn.Connect(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.processLoop()

	return c.beginHandshake()
}

// Close tears the runtime down and releases every held resource. The
// instance lock goes last so a fresh client can start immediately after.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.shutdown)
		c.stopKeepalive()
		c.conn.Close()
		c.wg.Wait()
		if err := c.ids.Close(); err != nil {
			c.logger.Printf("Error closing identity store: %v", err)
		}
		c.lock.Release()
	})
}

// beginHandshake (re)starts the handshake from the top.
func (c *Client) beginHandshake() error {
	c.setPhase(PhaseIdentifying)

	local := c.ids.CurrentIdentity()
	return c.send(protocol.TypeIdentify, &protocol.IdentifyMessage{
		Registered: local.DeviceID != 0,
		Identity: protocol.WireIdentity{
			AccountID: local.AccountID,
			DeviceID:  local.DeviceID,
			PublicKey: local.PublicKey,
		},
	})
}

// send encodes a message for the server, sealing it unless the kind may
// travel plaintext.
func (c *Client) send(msgType uint8, msg protocol.ProtocolMessage) error {
	var data []byte
	var err error
	if protocol.PlaintextAllowed(msgType) {
		data, err = protocol.EncodePlain(msgType, msg)
	} else {
		c.mu.RLock()
		server := c.serverID
		c.mu.RUnlock()
		if server.IsZero() {
			return fmt.Errorf("cannot send 0x%02x before key exchange", msgType)
		}
		data, err = protocol.EncodeEncrypted(c.ids.Cipher(), c.ids.CurrentIdentity(), server, msgType, msg)
	}
	if err != nil {
		return fmt.Errorf("encoding message 0x%02x: %w", msgType, err)
	}
	return c.conn.SendBytes(data)
}

// processLoop consumes the connection's channels until shutdown.
func (c *Client) processLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.shutdown:
			return

		case frame, ok := <-c.conn.Incoming():
			if !ok {
				return
			}
			if err := c.handleFrame(frame); err != nil {
				c.logger.Printf("Frame handling error: %v", err)
			}

		case update, ok := <-c.conn.StateChanges():
			if !ok {
				return
			}
			switch update.State {
			case StateTypeDisconnected:
				c.onTransportDown(update.Err)
			case StateTypeConnected:
				// Reconnected: the whole handshake starts over.
				if err := c.beginHandshake(); err != nil {
					c.logger.Printf("Handshake restart failed: %v", err)
				}
			}

		case err, ok := <-c.conn.Errors():
			if !ok {
				return
			}
			c.logger.Printf("Connection error: %v", err)
		}
	}
}

// onTransportDown rolls the state machine back and notifies modules.
func (c *Client) onTransportDown(err error) {
	wasConnected := c.Phase() == PhaseConnected
	c.setPhase(PhaseIdle)
	c.stopKeepalive()

	if wasConnected {
		for _, m := range c.modules {
			m.SessionStopping()
		}
	}
	if c.cfg.Events.Disconnected != nil {
		c.cfg.Events.Disconnected(err)
	}
}

// handleFrame decodes one server frame and routes it.
func (c *Client) handleFrame(frame *protocol.Frame) error {
	msg, _, err := protocol.DecodeFramePayload(frame, c.ids.Cipher())
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrSessionDesync):
			// Recoverable: reset our half and tell the server to do the same.
			c.logger.Printf("Cipher desync on type 0x%02x, resetting session", frame.Type)
			if rerr := c.retrustServer(); rerr != nil {
				return rerr
			}
			return c.send(protocol.TypeResendPreKeys, &protocol.ResendPreKeysMessage{})
		case errors.Is(err, identity.ErrDecryptFailed):
			c.logger.Printf("Dropping undecryptable message type 0x%02x", frame.Type)
			return nil
		default:
			return err
		}
	}

	if c.handleHandshakeResponse(frame.Type, msg) {
		return nil
	}

	for _, m := range c.modules {
		if m.HandleServerMessage(frame.Type, msg) {
			return nil
		}
	}
	c.logger.Printf("Unclaimed server message type 0x%02x", frame.Type)
	return nil
}

// handleHandshakeResponse advances the handshake machine. Returns true if the
// message was a global handshake kind.
func (c *Client) handleHandshakeResponse(msgType uint8, msg protocol.ProtocolMessage) bool {
	switch m := msg.(type) {
	case *protocol.IdentifyAckMessage:
		c.onIdentifyAck(m)
	case *protocol.RegistrationChallengeMessage:
		c.onRegistrationChallenge(m)
	case *protocol.DeviceRegisteredMessage:
		c.onDeviceRegistered(m)
	case *protocol.PreKeysResponseMessage:
		c.onPreKeysResponse(m)
	case *protocol.SessionStartResponseMessage:
		c.onSessionStartResponse(m)
	case *protocol.TrustResultMessage:
		c.onTrustResult(m)
	case *protocol.ResendPreKeysMessage:
		// Server-detected desync: re-derive our half of the session.
		if err := c.retrustServer(); err != nil {
			c.logger.Printf("Session reset failed: %v", err)
		}
	case *protocol.KeepAliveAckMessage:
		// Liveness confirmed, nothing to do.
	case *protocol.ErrorMessage:
		c.logger.Printf("Server error %d: %s", m.ErrorCode, m.Message)
		if c.cfg.Events.ServerError != nil {
			c.cfg.Events.ServerError(m.ErrorCode, m.Message)
		}
	case *protocol.DisconnectMessage:
		reason := "server closed the session"
		if m.Reason != nil {
			reason = *m.Reason
		}
		c.logger.Printf("Server disconnect: %s", reason)
		c.conn.Disconnect()
	default:
		return false
	}
	return true
}

func (c *Client) onIdentifyAck(msg *protocol.IdentifyAckMessage) {
	if c.Phase() != PhaseIdentifying {
		c.logger.Printf("Unexpected IDENTIFY_ACK in phase %s", c.Phase())
		return
	}

	c.mu.Lock()
	c.serverID = identity.Identity{
		AccountID: msg.ServerIdentity.AccountID,
		DeviceID:  msg.ServerIdentity.DeviceID,
		PublicKey: msg.ServerIdentity.PublicKey,
	}
	c.privateToken = msg.PrivateToken
	c.mu.Unlock()

	c.setPhase(PhaseKeyExchange)

	local := c.ids.CurrentIdentity()
	if err := c.send(protocol.TypeSendPreKeys, &protocol.SendPreKeysMessage{
		Identity: protocol.WireIdentity{
			AccountID: local.AccountID,
			DeviceID:  local.DeviceID,
			PublicKey: local.PublicKey,
		},
		SignedPreKey: local.PublicKey,
	}); err != nil {
		c.logger.Printf("Sending prekeys failed: %v", err)
	}
}

func (c *Client) onRegistrationChallenge(msg *protocol.RegistrationChallengeMessage) {
	c.setPhase(PhaseRegistering)
	c.logger.Printf("Device registration required: %s", msg.URL)
	if c.cfg.Events.RegistrationChallenge != nil {
		c.cfg.Events.RegistrationChallenge(msg.URL, msg.Token)
	}
}

func (c *Client) onDeviceRegistered(msg *protocol.DeviceRegisteredMessage) {
	if c.Phase() != PhaseRegistering {
		c.logger.Printf("Unexpected DEVICE_REGISTERED in phase %s", c.Phase())
		return
	}

	// The device id is assigned exactly once for the life of this identity.
	if err := c.ids.SetDeviceID(msg.DeviceID); err != nil {
		c.logger.Printf("FATAL: persisting device id failed: %v", err)
		c.conn.Disconnect()
		return
	}
	c.logger.Printf("Registered as device %d", msg.DeviceID)

	// Identify again, this time as a registered device.
	if err := c.beginHandshake(); err != nil {
		c.logger.Printf("Re-identify failed: %v", err)
	}
}

func (c *Client) onPreKeysResponse(msg *protocol.PreKeysResponseMessage) {
	// Re-entrant: this is also the desync recovery confirmation.
	c.mu.Lock()
	c.serverID = identity.Identity{
		AccountID: msg.Identity.AccountID,
		DeviceID:  msg.Identity.DeviceID,
		PublicKey: msg.Identity.PublicKey,
	}
	c.mu.Unlock()

	if err := c.retrustServer(); err != nil {
		c.logger.Printf("Trusting server failed: %v", err)
		return
	}

	if c.Phase() != PhaseKeyExchange {
		return
	}
	c.setPhase(PhaseSessionStart)

	c.mu.RLock()
	token := c.privateToken
	c.mu.RUnlock()
	if err := c.send(protocol.TypeStartSession, &protocol.StartSessionMessage{
		PlayerName:   c.cfg.PlayerName,
		SessionToken: c.cfg.SessionToken,
		PrivateToken: token,
	}); err != nil {
		c.logger.Printf("Starting session failed: %v", err)
	}
}

func (c *Client) onSessionStartResponse(msg *protocol.SessionStartResponseMessage) {
	switch msg.Result {
	case protocol.SessionStartOK:
		c.setPhase(PhaseTrustCheck)
		if err := c.send(protocol.TypeCheckTrust, &protocol.CheckTrustMessage{}); err != nil {
			c.logger.Printf("Trust check failed to send: %v", err)
		}

	case protocol.SessionStartVerificationFailed:
		// The platform rejected the session token. Reauthentication is an
		// application concern; nothing local is wrong.
		c.logger.Printf("Session verification failed, reauthenticate with the platform")
		if c.cfg.Events.SessionFailed != nil {
			c.cfg.Events.SessionFailed(msg.Result)
		}
		c.conn.Disconnect()

	case protocol.SessionStartPrivateIdentityMismatch:
		c.logger.Printf("Private identity mismatch, resetting local identity")
		if c.cfg.Events.SessionFailed != nil {
			c.cfg.Events.SessionFailed(msg.Result)
		}
		c.resetAndRetry()
	}
}

func (c *Client) onTrustResult(msg *protocol.TrustResultMessage) {
	if msg.Trusted {
		if c.Phase() != PhaseTrustCheck {
			return
		}
		c.setPhase(PhaseConnected)
		c.startKeepalive()
		for _, m := range c.modules {
			m.SessionStarted()
		}
		if c.cfg.Events.SessionStarted != nil {
			c.cfg.Events.SessionStarted(c.cfg.PlayerName)
		}
		return
	}

	// The server does not trust our persisted state. Wipe it and run the
	// whole handshake again as a brand-new identity.
	c.logger.Printf("Server revoked trust, resetting local identity")
	c.resetAndRetry()
}

// resetAndRetry wipes the identity store and restarts the handshake once.
// A second trust failure after a clean reset is not recoverable locally.
func (c *Client) resetAndRetry() {
	c.mu.Lock()
	already := c.resetDone
	c.resetDone = true
	c.mu.Unlock()
	if already {
		c.logger.Printf("Identity reset already attempted, giving up")
		c.conn.Disconnect()
		return
	}

	if err := c.ids.Reset(); err != nil {
		c.logger.Printf("Identity reset failed: %v", err)
		c.conn.Disconnect()
		return
	}
	if c.cfg.Events.IdentityReset != nil {
		c.cfg.Events.IdentityReset()
	}

	if err := c.beginHandshake(); err != nil {
		c.logger.Printf("Handshake restart after reset failed: %v", err)
	}
}

// retrustServer resets the pairwise cipher session with the server.
func (c *Client) retrustServer() error {
	c.mu.RLock()
	server := c.serverID
	c.mu.RUnlock()
	if server.IsZero() {
		return fmt.Errorf("server identity not yet known")
	}

	if c.ids.IsTrustedIdentity(server) {
		if err := c.ids.UntrustIdentity(server); err != nil {
			return fmt.Errorf("untrusting server: %w", err)
		}
	}
	if err := c.ids.TrustIdentity(server); err != nil {
		return fmt.Errorf("trusting server: %w", err)
	}
	return nil
}

// startKeepalive starts the liveness ticker. At most one ticker runs no
// matter how many times the handshake completes.
func (c *Client) startKeepalive() {
	c.mu.Lock()
	if c.keepaliveStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.keepaliveStop = stop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.shutdown:
				return
			case <-ticker.C:
				if c.Phase() != PhaseConnected {
					continue
				}
				if err := c.send(protocol.TypeKeepAlive, &protocol.KeepAliveMessage{}); err != nil {
					c.logger.Printf("Keepalive send failed: %v", err)
				}
			}
		}
	}()
}

func (c *Client) stopKeepalive() {
	c.mu.Lock()
	stop := c.keepaliveStop
	c.keepaliveStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Send exposes the sealed send path to feature modules.
func (c *Client) Send(msgType uint8, msg protocol.ProtocolMessage) error {
	return c.send(msgType, msg)
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
