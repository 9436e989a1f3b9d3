package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lodestone-chat/lodestone/pkg/identity"
)

// HandshakeState tracks how far a connection has progressed through the
// connect sequence. Application traffic is only legal in StateConnected.
type HandshakeState uint8

const (
	StateAwaitIdentify HandshakeState = iota
	StateRegistering
	StateKeyExchange
	StateSessionStart
	StateTrustCheck
	StateConnected
)

func (st HandshakeState) String() string {
	switch st {
	case StateAwaitIdentify:
		return "AWAIT_IDENTIFY"
	case StateRegistering:
		return "REGISTERING"
	case StateKeyExchange:
		return "KEY_EXCHANGE"
	case StateSessionStart:
		return "SESSION_START"
	case StateTrustCheck:
		return "TRUST_CHECK"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Session represents an active client connection
type Session struct {
	ID         uint64
	Conn       *SafeConn
	RemoteAddr string

	mu            sync.RWMutex
	state         HandshakeState
	stateDeadline time.Time         // handshake watchdog kills sessions past this
	identity      identity.Identity // set once the Identify message is accepted
	playerName    string            // set once the platform session is verified
	privateToken  []byte            // token issued at identify, proven at session start
	regToken      string            // pending device-registration token, if any

	limiter      *ingressLimiter
	lastActivity int64 // Unix millis, atomic
}

// State returns the session's handshake state
func (s *Session) State() HandshakeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the identity bound to this session (zero before identify)
func (s *Session) Identity() identity.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// PlayerName returns the verified player name (empty before session start)
func (s *Session) PlayerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerName
}

// Started reports whether the session reached CONNECTED
func (s *Session) Started() bool {
	return s.State() == StateConnected
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixMilli())
}

// advance moves the handshake forward and resets the per-state deadline.
func (s *Session) advance(state HandshakeState, deadline time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if state == StateConnected {
		s.stateDeadline = time.Time{}
	} else {
		s.stateDeadline = time.Now().Add(deadline)
	}
}

// SessionListener observes session lifecycle transitions. Stopping fires
// before the session leaves the manager so listeners can still address it.
type SessionListener interface {
	SessionStarted(sess *Session)
	SessionStopping(sess *Session)
}

// SessionManager manages all active sessions with reverse lookups by
// identity, account and player name.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64

	byIdentity map[string]*Session             // identity key -> session (one per device)
	byAccount  map[uuid.UUID]map[uint64]*Session // account -> started sessions
	byPlayer   map[string]*Session             // player name -> session

	listeners []SessionListener
	metrics   *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions:   make(map[uint64]*Session),
		nextID:     1,
		byIdentity: make(map[string]*Session),
		byAccount:  make(map[uuid.UUID]map[uint64]*Session),
		byPlayer:   make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// AddListener registers a lifecycle listener. Not safe to call after the
// server starts accepting connections.
func (sm *SessionManager) AddListener(l SessionListener) {
	sm.listeners = append(sm.listeners, l)
}

// CreateSession creates a new session in the AWAIT_IDENTIFY state
func (sm *SessionManager) CreateSession(conn *SafeConn, limiter *ingressLimiter, handshakeDeadline time.Duration) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:            sessionID,
		Conn:          conn,
		RemoteAddr:    conn.RemoteAddr(),
		state:         StateAwaitIdentify,
		stateDeadline: time.Now().Add(handshakeDeadline),
		limiter:       limiter,
	}
	sess.touch()

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated()
	}
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// BindIdentity indexes the session under its identity once Identify is
// accepted. A second live session for the same device replaces the first:
// the old connection is closed, the new one wins.
func (sm *SessionManager) BindIdentity(sess *Session, id identity.Identity) {
	sess.mu.Lock()
	sess.identity = id
	sess.mu.Unlock()

	sm.mu.Lock()
	old := sm.byIdentity[id.Key()]
	sm.byIdentity[id.Key()] = sess
	sm.mu.Unlock()

	if old != nil && old.ID != sess.ID {
		sm.RemoveSession(old.ID)
	}
}

// BindPlayer indexes a started session by account and player name.
func (sm *SessionManager) BindPlayer(sess *Session, playerName string) {
	sess.mu.Lock()
	sess.playerName = playerName
	account := sess.identity.AccountID
	sess.mu.Unlock()

	sm.mu.Lock()
	if sm.byAccount[account] == nil {
		sm.byAccount[account] = make(map[uint64]*Session)
	}
	sm.byAccount[account][sess.ID] = sess
	sm.byPlayer[playerName] = sess
	sm.mu.Unlock()

	for _, l := range sm.listeners {
		l.SessionStarted(sess)
	}
}

// SessionsForAccount returns every started session for an account
func (sm *SessionManager) SessionsForAccount(account uuid.UUID) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	bucket := sm.byAccount[account]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(bucket))
	for _, sess := range bucket {
		out = append(out, sess)
	}
	return out
}

// SessionForIdentity returns the live session for a specific device
func (sm *SessionManager) SessionForIdentity(id identity.Identity) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.byIdentity[id.Key()]
	return sess, ok
}

// SessionForPlayer returns the started session holding a player name
func (sm *SessionManager) SessionForPlayer(playerName string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.byPlayer[playerName]
	return sess, ok
}

// Online reports whether any device of the account has a started session.
// Satisfies the group service's presence dependency.
func (sm *SessionManager) Online(account uuid.UUID) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byAccount[account]) > 0
}

// RemoveSession removes a session, fires SessionStopping first, cleans the
// reverse indices and closes the connection.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	// Stopping listeners run while the reverse indices are still intact so
	// presence fan-out can see who else is online.
	if sess.Started() {
		for _, l := range sm.listeners {
			l.SessionStopping(sess)
		}
	}

	sess.mu.RLock()
	id := sess.identity
	playerName := sess.playerName
	sess.mu.RUnlock()

	sm.mu.Lock()
	if cur := sm.byIdentity[id.Key()]; cur != nil && cur.ID == sessionID {
		delete(sm.byIdentity, id.Key())
	}
	if bucket := sm.byAccount[id.AccountID]; bucket != nil {
		delete(bucket, sessionID)
		if len(bucket) == 0 {
			delete(sm.byAccount, id.AccountID)
		}
	}
	if cur := sm.byPlayer[playerName]; cur != nil && cur.ID == sessionID {
		delete(sm.byPlayer, playerName)
	}
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionDisconnected()
	}

	sess.Conn.Close()
}

// CountOnlineUsers returns the number of currently connected sessions
func (sm *SessionManager) CountOnlineUsers() uint32 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return uint32(len(sm.sessions))
}

// ExpiredHandshakes returns sessions whose per-state deadline has passed.
func (sm *SessionManager) ExpiredHandshakes(now time.Time) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var out []*Session
	for _, sess := range sm.sessions {
		sess.mu.RLock()
		expired := sess.state != StateConnected && now.After(sess.stateDeadline)
		sess.mu.RUnlock()
		if expired {
			out = append(out, sess)
		}
	}
	return out
}

// CloseAll closes all sessions
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sm.RemoveSession(sess.ID)
	}
}
