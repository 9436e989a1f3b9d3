package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantWS   string
		wantHTTP string
		wantErr  bool
	}{
		{
			name:     "bare host",
			input:    "chat.example.com",
			wantWS:   "ws://chat.example.com:7645/ws",
			wantHTTP: "http://chat.example.com:7645",
		},
		{
			name:     "host with port",
			input:    "localhost:9000",
			wantWS:   "ws://localhost:9000/ws",
			wantHTTP: "http://localhost:9000",
		},
		{
			name:     "ws scheme",
			input:    "ws://chat.example.com:7645",
			wantWS:   "ws://chat.example.com:7645/ws",
			wantHTTP: "http://chat.example.com:7645",
		},
		{
			name:     "wss scheme",
			input:    "wss://chat.example.com",
			wantWS:   "wss://chat.example.com:7645/ws",
			wantHTTP: "https://chat.example.com:7645",
		},
		{
			name:     "https maps to wss",
			input:    "https://chat.example.com:8443",
			wantWS:   "wss://chat.example.com:8443/ws",
			wantHTTP: "https://chat.example.com:8443",
		},
		{
			name:     "http maps to ws",
			input:    "http://localhost:7645",
			wantWS:   "ws://localhost:7645/ws",
			wantHTTP: "http://localhost:7645",
		},
		{
			name:    "empty",
			input:   "   ",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			input:   "ftp://chat.example.com",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wsURL, httpBase, err := parseServerAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantWS, wsURL)
			assert.Equal(t, tt.wantHTTP, httpBase)
		})
	}
}

func TestCheckDiscovery(t *testing.T) {
	versions := []uint8{protocol.ProtocolVersion}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/discovery" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":           "lodestone",
			"protocol_versions": versions,
		})
	}))
	defer srv.Close()

	conn, err := NewConnection(srv.URL)
	require.NoError(t, err)
	assert.NoError(t, conn.CheckDiscovery())

	versions = []uint8{99}
	assert.ErrorContains(t, conn.CheckDiscovery(), "does not support")
}

func TestCheckDiscoveryUnreachable(t *testing.T) {
	conn, err := NewConnection("127.0.0.1:1")
	require.NoError(t, err)
	assert.Error(t, conn.CheckDiscovery())
}

func TestHandshakePhaseString(t *testing.T) {
	assert.Equal(t, "IDLE", PhaseIdle.String())
	assert.Equal(t, "CONNECTED", PhaseConnected.String())
}
