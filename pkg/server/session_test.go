package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-chat/lodestone/pkg/identity"
)

// newTestSafeConn dials a throwaway websocket pair and returns the
// server-side connection.
func newTestSafeConn(t *testing.T) *SafeConn {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)
	upg := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-connCh:
		return NewSafeConn(c)
	case <-time.After(2 * time.Second):
		t.Fatal("websocket upgrade timed out")
		return nil
	}
}

func testIdentity(device uint32) identity.Identity {
	return identity.Identity{
		AccountID: uuid.New(),
		DeviceID:  device,
		PublicKey: make([]byte, 32),
	}
}

// recordingListener captures lifecycle callbacks in order.
type recordingListener struct {
	started  []uint64
	stopping []uint64
	// onStopping runs inside the SessionStopping callback.
	onStopping func(sess *Session)
}

func (l *recordingListener) SessionStarted(sess *Session)  { l.started = append(l.started, sess.ID) }
func (l *recordingListener) SessionStopping(sess *Session) {
	l.stopping = append(l.stopping, sess.ID)
	if l.onStopping != nil {
		l.onStopping(sess)
	}
}

func TestSessionLifecycle(t *testing.T) {
	sm := NewSessionManager()
	listener := &recordingListener{}
	sm.AddListener(listener)

	sess := sm.CreateSession(newTestSafeConn(t), nil, 30*time.Second)
	assert.Equal(t, StateAwaitIdentify, sess.State())
	assert.False(t, sess.Started())

	got, ok := sm.GetSession(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)

	id := testIdentity(1)
	sm.BindIdentity(sess, id)
	got, ok = sm.SessionForIdentity(id)
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.False(t, sm.Online(id.AccountID))

	sess.advance(StateConnected, 0)
	sm.BindPlayer(sess, "Aria Resident")
	assert.True(t, sess.Started())
	assert.True(t, sm.Online(id.AccountID))
	assert.Equal(t, []uint64{sess.ID}, listener.started)

	got, ok = sm.SessionForPlayer("Aria Resident")
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Len(t, sm.SessionsForAccount(id.AccountID), 1)

	sm.RemoveSession(sess.ID)
	assert.Equal(t, []uint64{sess.ID}, listener.stopping)
	assert.False(t, sm.Online(id.AccountID))
	_, ok = sm.SessionForIdentity(id)
	assert.False(t, ok)
	_, ok = sm.SessionForPlayer("Aria Resident")
	assert.False(t, ok)
	_, ok = sm.GetSession(sess.ID)
	assert.False(t, ok)

	// Removing twice is a no-op.
	sm.RemoveSession(sess.ID)
	assert.Len(t, listener.stopping, 1)
}

func TestStoppingSeesIntactIndices(t *testing.T) {
	sm := NewSessionManager()
	id := testIdentity(1)
	second := testIdentity(2)
	second.AccountID = id.AccountID

	listener := &recordingListener{}
	sm.AddListener(listener)

	sessA := sm.CreateSession(newTestSafeConn(t), nil, 30*time.Second)
	sm.BindIdentity(sessA, id)
	sessA.advance(StateConnected, 0)
	sm.BindPlayer(sessA, "Aria Resident")

	sessB := sm.CreateSession(newTestSafeConn(t), nil, 30*time.Second)
	sm.BindIdentity(sessB, second)
	sessB.advance(StateConnected, 0)
	sm.BindPlayer(sessB, "Aria Resident")

	// While one session stops, the account's other device is still indexed,
	// which is what keeps multi-device accounts from flapping offline.
	var observed int
	listener.onStopping = func(sess *Session) {
		observed = len(sm.SessionsForAccount(id.AccountID))
	}
	sm.RemoveSession(sessA.ID)
	assert.Equal(t, 2, observed)
	assert.True(t, sm.Online(id.AccountID))

	sm.RemoveSession(sessB.ID)
	assert.False(t, sm.Online(id.AccountID))
}

func TestBindIdentityReplacesOldSession(t *testing.T) {
	sm := NewSessionManager()
	id := testIdentity(1)

	old := sm.CreateSession(newTestSafeConn(t), nil, 30*time.Second)
	sm.BindIdentity(old, id)

	replacement := sm.CreateSession(newTestSafeConn(t), nil, 30*time.Second)
	sm.BindIdentity(replacement, id)

	_, ok := sm.GetSession(old.ID)
	assert.False(t, ok)
	got, ok := sm.SessionForIdentity(id)
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestExpiredHandshakes(t *testing.T) {
	sm := NewSessionManager()

	stuck := sm.CreateSession(newTestSafeConn(t), nil, time.Millisecond)
	healthy := sm.CreateSession(newTestSafeConn(t), nil, time.Hour)
	connected := sm.CreateSession(newTestSafeConn(t), nil, time.Millisecond)
	connected.advance(StateConnected, 0)

	expired := sm.ExpiredHandshakes(time.Now().Add(time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, stuck.ID, expired[0].ID)
	assert.NotEqual(t, healthy.ID, expired[0].ID)
}

func TestCloseAll(t *testing.T) {
	sm := NewSessionManager()
	for i := 0; i < 3; i++ {
		sm.CreateSession(newTestSafeConn(t), nil, 30*time.Second)
	}
	assert.Equal(t, uint32(3), sm.CountOnlineUsers())

	sm.CloseAll()
	assert.Equal(t, uint32(0), sm.CountOnlineUsers())
}

func TestIngressLimiter(t *testing.T) {
	// Tiny hourly budget so the ceiling is observable in a unit test.
	limiter := newIngressLimiter(1000, 1000, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(), "message %d should pass", i)
	}
	assert.False(t, limiter.Allow())
}

func TestIngressLimiterBurst(t *testing.T) {
	limiter := newIngressLimiter(1, 2, 100000)
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
}
