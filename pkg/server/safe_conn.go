package server

import (
	"bytes"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

// SafeConn wraps a websocket connection with automatic write synchronization
// to prevent concurrent writes from corrupting the wire protocol frames.
//
// Under load, multiple goroutines (request handlers and batch senders) may
// try to write to the same connection simultaneously. Gorilla websocket
// connections support one concurrent writer only, so SafeConn encapsulates
// both the connection and its write mutex, making it impossible to write
// without proper synchronization.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a websocket connection with write synchronization
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// EncodeFrame encodes and sends a protocol frame with automatic write
// synchronization. This is the ONLY way to write frames to the connection.
func (sc *SafeConn) EncodeFrame(frame *protocol.Frame) error {
	buf := new(bytes.Buffer)
	if err := protocol.EncodeFrame(buf, frame); err != nil {
		return err
	}
	return sc.WriteBytes(buf.Bytes())
}

// ReadFrame reads a protocol frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	_, data, err := sc.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMessage(data)
}

// WriteBytes writes one pre-encoded frame as a binary websocket message.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address as a string
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}
