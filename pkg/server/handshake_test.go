package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

func TestHTTPVerifier(t *testing.T) {
	var lastBody map[string]string
	status := http.StatusOK
	valid := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&lastBody)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"valid": valid})
	}))
	defer srv.Close()

	v := newHTTPVerifier(srv.URL)

	ok, err := v.VerifySession("Aria Resident", "tok-123")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Aria Resident", lastBody["player_name"])
	assert.Equal(t, "tok-123", lastBody["session_token"])

	valid = false
	ok, err = v.VerifySession("Aria Resident", "tok-123")
	require.NoError(t, err)
	assert.False(t, ok)

	// An explicit rejection is a clean false, not an error.
	status = http.StatusUnauthorized
	ok, err = v.VerifySession("Aria Resident", "expired")
	require.NoError(t, err)
	assert.False(t, ok)

	// A broken verification service is an error, not a rejection.
	status = http.StatusInternalServerError
	_, err = v.VerifySession("Aria Resident", "tok-123")
	assert.Error(t, err)
}

func TestHTTPVerifierUnreachable(t *testing.T) {
	v := newHTTPVerifier("http://127.0.0.1:1/verify")
	_, err := v.VerifySession("Aria Resident", "tok")
	assert.Error(t, err)
}

func TestAcceptAllVerifier(t *testing.T) {
	v := acceptAllVerifier{}

	ok, err := v.VerifySession("Anyone", "any-token")
	require.NoError(t, err)
	assert.True(t, ok)

	// Even dev mode refuses an empty token.
	ok, err = v.VerifySession("Anyone", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewToken(t *testing.T) {
	a, err := newToken()
	require.NoError(t, err)
	b, err := newToken()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestIsHandshakeKind(t *testing.T) {
	for _, msgType := range []uint8{
		protocol.TypeIdentify,
		protocol.TypeSendPreKeys,
		protocol.TypeStartSession,
		protocol.TypeCheckTrust,
		protocol.TypeKeepAlive,
		protocol.TypeResendPreKeys,
		protocol.TypeDisconnect,
	} {
		assert.True(t, isHandshakeKind(msgType), "0x%02x", msgType)
	}
	for _, msgType := range []uint8{
		protocol.TypeCreateGroup,
		protocol.TypeGroupEnvelope,
		protocol.TypeDHTPut,
	} {
		assert.False(t, isHandshakeKind(msgType), "0x%02x", msgType)
	}
}
