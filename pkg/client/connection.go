package client

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// DisconnectReason indicates why a connection was lost
type DisconnectReason int

const (
	DisconnectUnknown DisconnectReason = iota
	DisconnectError                    // Read/write error
	DisconnectServerDown               // Server closed connection
	DisconnectUserRequested            // User explicitly disconnected
)

// Connection is the client's websocket transport. It owns the read and write
// loops and surfaces decoded frames, errors and state changes over channels.
type Connection struct {
	wsURL        string // Full websocket URL (e.g. "wss://server:7645/ws")
	httpBase     string // HTTP base for discovery and registration
	mu           sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	reconnecting bool

	// Channels for communication
	incoming    chan *protocol.Frame
	outgoing    chan *protocol.Frame
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Auto-reconnect settings
	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	lastDisconnectReason DisconnectReason

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Logging
	logger *log.Logger

	// Shutdown
	shutdown chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewConnection creates a connection for a server address. Accepted forms:
// "host", "host:port", "ws://host:port", "wss://host:port".
func NewConnection(addr string) (*Connection, error) {
	wsURL, httpBase, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		wsURL:             wsURL,
		httpBase:          httpBase,
		incoming:          make(chan *protocol.Frame, 100),
		outgoing:          make(chan *protocol.Frame, 100),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		autoReconnect:     true,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		shutdown:          make(chan struct{}),
	}, nil
}

const defaultServerPort = "7645"

func parseServerAddress(raw string) (wsURL, httpBase string, err error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", errors.New("server address is empty")
	}

	scheme := "ws"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, parseErr := url.Parse(trimmed)
		if parseErr != nil {
			return "", "", fmt.Errorf("invalid server address %q: %w", raw, parseErr)
		}
		switch strings.ToLower(u.Scheme) {
		case "ws", "http":
			scheme = "ws"
		case "wss", "https":
			scheme = "wss"
		default:
			return "", "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
		}
		hostPort = u.Host
	}

	if !strings.Contains(hostPort, ":") {
		hostPort += ":" + defaultServerPort
	}

	httpScheme := "http"
	if scheme == "wss" {
		httpScheme = "https"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, hostPort), fmt.Sprintf("%s://%s", httpScheme, hostPort), nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// DisableAutoReconnect disables automatic reconnection on connection loss
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

// logf logs a message if a logger is set
func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// CheckDiscovery fetches the server's discovery document and verifies the
// protocol versions overlap. Called before the socket handshake so a build
// mismatch fails fast with a clear error instead of a mid-handshake teardown.
func (c *Connection) CheckDiscovery() error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(c.httpBase + "/discovery")
	if err != nil {
		return fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discovery endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		ProtocolVersions []uint8 `json:"protocol_versions"`
	}
	if err := decodeJSON(resp.Body, &doc); err != nil {
		return fmt.Errorf("bad discovery response: %w", err)
	}
	for _, v := range doc.ProtocolVersions {
		if v == protocol.ProtocolVersion {
			return nil
		}
	}
	return fmt.Errorf("server does not support protocol v%d (offers %v)", protocol.ProtocolVersion, doc.ProtocolVersions)
}

// Connect establishes the websocket connection and starts the IO loops
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.wsURL)

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logf("Connected successfully to %s", c.wsURL)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)

	return nil
}

// Disconnect closes the connection
func (c *Connection) Disconnect() {
	c.disconnectWithReason(DisconnectUserRequested)
}

func (c *Connection) disconnectWithReason(reason DisconnectReason) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.logf("Disconnecting from %s (reason: %v)", c.wsURL, reason)
	c.connected = false
	c.lastDisconnectReason = reason
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdown)
	c.Disconnect()
	c.wg.Wait()
	close(c.incoming)
	close(c.outgoing)
	close(c.errors)
	close(c.stateChange)
}

// Send queues one pre-framed message for the write loop
func (c *Connection) Send(frame *protocol.Frame) error {
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.shutdown:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

// SendBytes queues one already-encoded frame for the write loop
func (c *Connection) SendBytes(data []byte) error {
	frame, err := protocol.DecodeMessage(data)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Incoming returns the channel for receiving frames from server
func (c *Connection) Incoming() <-chan *protocol.Frame {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Address returns the websocket URL this connection targets
func (c *Connection) Address() string {
	return c.wsURL
}

// HTTPBase returns the server's HTTP base URL (discovery, registration)
func (c *Connection) HTTPBase() string {
	return c.httpBase
}

// BytesSent returns the total bytes sent
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes received
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// readLoop reads frames from the connection
func (c *Connection) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logf("Connection closed by server")
				c.handleDisconnectWithReason(DisconnectServerDown)
				return
			}
			select {
			case <-c.shutdown:
			default:
				c.logf("Read error: %v", err)
				c.errors <- fmt.Errorf("read error: %w", err)
				c.handleDisconnectWithReason(DisconnectError)
			}
			return
		}
		c.bytesReceived.Add(uint64(len(data)))

		frame, err := protocol.DecodeMessage(data)
		if err != nil {
			c.logf("Frame decode error: %v", err)
			c.errors <- fmt.Errorf("frame decode error: %w", err)
			continue
		}

		c.logf("← RECV: Type=0x%02X Flags=0x%02X PayloadLen=%d", frame.Type, frame.Flags, len(frame.Payload))

		select {
		case c.incoming <- frame:
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop sends frames to the connection
func (c *Connection) writeLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		select {
		case frame := <-c.outgoing:
			c.mu.RLock()
			connected := c.connected
			c.mu.RUnlock()
			if !connected {
				continue
			}

			data, err := protocol.EncodeMessage(frame.Version, frame.Type, frame.Flags, frame.Payload)
			if err != nil {
				c.logf("Encode error: %v", err)
				c.errors <- fmt.Errorf("encode error: %w", err)
				continue
			}

			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.logf("Write error: %v", err)
				c.errors <- fmt.Errorf("write error: %w", err)
				c.handleDisconnectWithReason(DisconnectError)
				return
			}
			c.bytesSent.Add(uint64(len(data)))

			c.logf("→ SEND: Type=0x%02X Flags=0x%02X PayloadLen=%d", frame.Type, frame.Flags, len(frame.Payload))

		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) handleDisconnectWithReason(reason DisconnectReason) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.lastDisconnectReason = reason
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	c.logf("Disconnected from server (reason: %v)", reason)

	disconnectErr := fmt.Errorf("disconnected from server")
	select {
	case c.errors <- disconnectErr:
	default:
	}

	select {
	case c.stateChange <- ConnectionStateUpdate{State: StateTypeDisconnected, Err: disconnectErr}:
	default:
	}

	if c.autoReconnect {
		c.logf("Auto-reconnect enabled, starting reconnect loop")
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	attempt := 1

	for {
		select {
		case <-c.shutdown:
			c.logf("Reconnect loop cancelled (shutdown)")
			return
		case <-time.After(delay):
			c.logf("Reconnect attempt %d to %s", attempt, c.wsURL)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt}:
			default:
			}

			if err := c.Connect(); err != nil {
				c.logf("Reconnect attempt %d failed: %v", attempt, err)

				delay = delay * 2
				if delay > c.maxReconnectDelay {
					delay = c.maxReconnectDelay
				}
				attempt++
				continue
			}

			c.logf("Reconnected successfully after %d attempts", attempt)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeConnected}:
			default:
			}

			return
		}
	}
}
