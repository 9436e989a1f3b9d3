package server

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lodestone-chat/lodestone/pkg/identity"
	"github.com/lodestone-chat/lodestone/pkg/protocol"
	"github.com/lodestone-chat/lodestone/pkg/store"
)

// ErrClientDisconnecting signals a graceful teardown requested by the client.
var ErrClientDisconnecting = errors.New("client disconnecting")

// errTeardown signals the server decided to drop the connection after
// already sending the appropriate wire message.
var errTeardown = errors.New("connection teardown")

// SessionVerifier proves a session token against the game platform. The
// production implementation calls the platform's verification service; tests
// inject their own.
type SessionVerifier interface {
	VerifySession(playerName, sessionToken string) (bool, error)
}

// httpVerifier posts the token to a verification service.
type httpVerifier struct {
	url    string
	client *http.Client
}

func newHTTPVerifier(verifyURL string) *httpVerifier {
	return &httpVerifier{
		url:    verifyURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *httpVerifier) VerifySession(playerName, sessionToken string) (bool, error) {
	body, err := json.Marshal(map[string]string{
		"player_name":   playerName,
		"session_token": sessionToken,
	})
	if err != nil {
		return false, err
	}
	resp, err := v.client.Post(v.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("verification service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verification service returned %d", resp.StatusCode)
	}

	var result struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("bad verification response: %w", err)
	}
	return result.Valid, nil
}

// acceptAllVerifier trusts every token. Development only.
type acceptAllVerifier struct{}

func (acceptAllVerifier) VerifySession(playerName, sessionToken string) (bool, error) {
	return sessionToken != "", nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token generation failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// handleHandshakeMessage routes pre-CONNECTED traffic by session state. The
// ordering is strict: a message for the wrong state is a protocol error that
// drops the connection.
func (s *Server) handleHandshakeMessage(sess *Session, frame *protocol.Frame, msg protocol.ProtocolMessage) error {
	switch m := msg.(type) {
	case *protocol.IdentifyMessage:
		if sess.State() != StateAwaitIdentify {
			s.sendError(sess, protocol.ErrCodeUnexpectedMessage, "already identified")
			return errTeardown
		}
		return s.handleIdentify(sess, m)

	case *protocol.SendPreKeysMessage:
		if sess.State() != StateKeyExchange {
			s.sendError(sess, protocol.ErrCodeUnexpectedMessage, "key exchange not in progress")
			return errTeardown
		}
		return s.handleSendPreKeys(sess, m)

	case *protocol.StartSessionMessage:
		if sess.State() != StateSessionStart {
			s.sendError(sess, protocol.ErrCodeUnexpectedMessage, "session start not expected")
			return errTeardown
		}
		return s.handleStartSession(sess, m)

	case *protocol.CheckTrustMessage:
		if sess.State() != StateTrustCheck {
			s.sendError(sess, protocol.ErrCodeUnexpectedMessage, "trust check not expected")
			return errTeardown
		}
		return s.handleCheckTrust(sess)

	case *protocol.ResendPreKeysMessage:
		// Legal in any identified state: this is the desync recovery path
		// and must stay re-entrant.
		if sess.Identity().IsZero() {
			s.sendError(sess, protocol.ErrCodeUnexpectedMessage, "not identified")
			return errTeardown
		}
		return s.handleResendPreKeys(sess)

	case *protocol.KeepAliveMessage:
		if sess.State() != StateConnected {
			s.sendError(sess, protocol.ErrCodeUnexpectedMessage, "keepalive before session start")
			return errTeardown
		}
		return s.sendTo(sess, protocol.TypeKeepAliveAck, &protocol.KeepAliveAckMessage{})

	case *protocol.DisconnectMessage:
		return ErrClientDisconnecting

	default:
		// Application traffic before CONNECTED. The encryption gate already
		// rejects plaintext; this rejects everything else.
		s.sendError(sess, protocol.ErrCodeUnexpectedMessage, "not connected")
		return errTeardown
	}
}

func (s *Server) handleIdentify(sess *Session, msg *protocol.IdentifyMessage) error {
	id := identity.Identity{
		AccountID: msg.Identity.AccountID,
		DeviceID:  msg.Identity.DeviceID,
		PublicKey: msg.Identity.PublicKey,
	}
	if len(id.PublicKey) != 32 {
		s.sendError(sess, protocol.ErrCodeInvalidFormat, "bad public key length")
		return errTeardown
	}

	if !msg.Registered {
		return s.beginRegistration(sess, id)
	}

	profile, err := s.db.GetProfile(id.AccountID)
	if err == store.ErrProfileNotFound {
		// Unknown account claiming to be registered: the client's store and
		// ours disagree. Tell it to reset and re-register.
		s.metrics.RecordHandshakeOutcome("unknown_account")
		s.sendTo(sess, protocol.TypeTrustResult, &protocol.TrustResultMessage{Trusted: false})
		return errTeardown
	}
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}
	device, err := s.db.GetDevice(id.AccountID, id.DeviceID)
	if err == store.ErrDeviceNotFound {
		s.metrics.RecordHandshakeOutcome("unknown_device")
		s.sendTo(sess, protocol.TypeTrustResult, &protocol.TrustResultMessage{Trusted: false})
		return errTeardown
	}
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}
	// Each device has its own static key; the wire key must match the key
	// that device registered with.
	if !bytes.Equal(device.PublicKey, id.PublicKey) {
		s.metrics.RecordHandshakeOutcome("key_mismatch")
		s.sendTo(sess, protocol.TypeTrustResult, &protocol.TrustResultMessage{Trusted: false})
		return errTeardown
	}

	sess.mu.Lock()
	sess.privateToken = profile.PrivateToken
	sess.mu.Unlock()

	s.sessions.BindIdentity(sess, id)
	sess.advance(StateKeyExchange, s.handshakeDeadline())

	serverID := s.ids.CurrentIdentity()
	return s.sendTo(sess, protocol.TypeIdentifyAck, &protocol.IdentifyAckMessage{
		ServerIdentity: protocol.WireIdentity{
			AccountID: serverID.AccountID,
			DeviceID:  identity.ServerDeviceID,
			PublicKey: serverID.PublicKey,
		},
		PrivateToken: profile.PrivateToken,
	})
}

// beginRegistration suspends the handshake until the out-of-band
// registration endpoint is hit with the challenge token.
func (s *Server) beginRegistration(sess *Session, id identity.Identity) error {
	if _, err := s.db.GetProfile(id.AccountID); err == store.ErrProfileNotFound {
		token, err := newToken()
		if err != nil {
			return err
		}
		if _, err := s.db.CreateProfile(id.AccountID, id.PublicKey, []byte(token)); err != nil {
			return fmt.Errorf("creating profile: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	regToken, err := newToken()
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.identity = id
	sess.regToken = regToken
	sess.mu.Unlock()

	s.registrationMu.Lock()
	s.pendingRegistrations[regToken] = sess.ID
	s.registrationMu.Unlock()

	sess.advance(StateRegistering, s.handshakeDeadline())

	base := strings.TrimSuffix(s.config.PublicBaseURL, "/")
	challenge := base + s.config.RegistrationPath + "?token=" + url.QueryEscape(regToken)
	return s.sendTo(sess, protocol.TypeRegistrationChallenge, &protocol.RegistrationChallengeMessage{
		URL:   challenge,
		Token: regToken,
	})
}

// completeRegistration is called by the HTTP registration endpoint once the
// challenge token comes back. It allocates the device id and resumes the
// suspended handshake.
func (s *Server) completeRegistration(token string) error {
	s.registrationMu.Lock()
	sessionID, ok := s.pendingRegistrations[token]
	if ok {
		delete(s.pendingRegistrations, token)
	}
	s.registrationMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown registration token")
	}

	sess, ok := s.sessions.GetSession(sessionID)
	if !ok || sess.State() != StateRegistering {
		return fmt.Errorf("registration session gone")
	}

	sess.mu.RLock()
	account := sess.identity.AccountID
	publicKey := sess.identity.PublicKey
	tokenMatches := sess.regToken == token
	sess.mu.RUnlock()
	if !tokenMatches {
		return fmt.Errorf("registration token mismatch")
	}

	deviceID, err := s.db.AllocateDeviceID(account, publicKey)
	if err != nil {
		return fmt.Errorf("allocating device id: %w", err)
	}

	// Back to the top: the client persists the device id and identifies
	// again, this time as a registered device.
	sess.advance(StateAwaitIdentify, s.handshakeDeadline())
	s.metrics.RecordHandshakeOutcome("device_registered")
	return s.sendTo(sess, protocol.TypeDeviceRegistered, &protocol.DeviceRegisteredMessage{DeviceID: deviceID})
}

func (s *Server) handleSendPreKeys(sess *Session, msg *protocol.SendPreKeysMessage) error {
	id := sess.Identity()
	wire := identity.Identity{
		AccountID: msg.Identity.AccountID,
		DeviceID:  msg.Identity.DeviceID,
		PublicKey: msg.Identity.PublicKey,
	}
	if !wire.Equal(id) || !bytes.Equal(wire.PublicKey, id.PublicKey) {
		s.sendError(sess, protocol.ErrCodeInvalidFormat, "prekey identity does not match session")
		return errTeardown
	}

	if err := s.retrust(id); err != nil {
		return err
	}

	sess.advance(StateSessionStart, s.handshakeDeadline())

	serverID := s.ids.CurrentIdentity()
	return s.sendTo(sess, protocol.TypePreKeysResponse, &protocol.PreKeysResponseMessage{
		Identity: protocol.WireIdentity{
			AccountID: serverID.AccountID,
			DeviceID:  identity.ServerDeviceID,
			PublicKey: serverID.PublicKey,
		},
		SignedPreKey: serverID.PublicKey,
	})
}

// retrust resets the cipher session with a device. Trusting an already
// trusted identity fails by design, so recovery always goes through untrust.
func (s *Server) retrust(id identity.Identity) error {
	if s.ids.IsTrustedIdentity(id) {
		if err := s.ids.UntrustIdentity(id); err != nil {
			return fmt.Errorf("untrusting peer: %w", err)
		}
	}
	if err := s.ids.TrustIdentity(id); err != nil {
		return fmt.Errorf("trusting peer: %w", err)
	}
	return nil
}

func (s *Server) handleStartSession(sess *Session, msg *protocol.StartSessionMessage) error {
	sess.mu.RLock()
	expected := sess.privateToken
	sess.mu.RUnlock()

	if !bytes.Equal(expected, msg.PrivateToken) {
		// The client proved it holds our keys but not our private token:
		// its persisted identity does not match this account's history.
		s.metrics.RecordHandshakeOutcome("private_identity_mismatch")
		return s.sendTo(sess, protocol.TypeSessionStartResponse, &protocol.SessionStartResponseMessage{
			Result: protocol.SessionStartPrivateIdentityMismatch,
		})
	}

	ok, err := s.verifier.VerifySession(msg.PlayerName, msg.SessionToken)
	if err != nil {
		errorLog.Printf("Session %d: verification error: %v", sess.ID, err)
		s.sendError(sess, protocol.ErrCodeInternalError, "verification unavailable")
		return errTeardown
	}
	if !ok {
		s.metrics.RecordHandshakeOutcome("verification_failed")
		return s.sendTo(sess, protocol.TypeSessionStartResponse, &protocol.SessionStartResponseMessage{
			Result: protocol.SessionStartVerificationFailed,
		})
	}

	if err := s.db.SetPlayerName(sess.Identity().AccountID, msg.PlayerName); err != nil {
		return fmt.Errorf("recording player name: %w", err)
	}

	sess.mu.Lock()
	sess.playerName = msg.PlayerName
	sess.mu.Unlock()
	sess.advance(StateTrustCheck, s.handshakeDeadline())

	return s.sendTo(sess, protocol.TypeSessionStartResponse, &protocol.SessionStartResponseMessage{
		Result:     protocol.SessionStartOK,
		PlayerName: msg.PlayerName,
	})
}

func (s *Server) handleCheckTrust(sess *Session) error {
	id := sess.Identity()
	trusted := s.ids.IsTrustedIdentity(id)
	if !trusted {
		s.metrics.RecordHandshakeOutcome("untrusted")
		s.sendTo(sess, protocol.TypeTrustResult, &protocol.TrustResultMessage{Trusted: false})
		return errTeardown
	}

	sess.advance(StateConnected, 0)
	if err := s.sendTo(sess, protocol.TypeTrustResult, &protocol.TrustResultMessage{Trusted: true}); err != nil {
		return err
	}

	s.metrics.RecordHandshakeOutcome("connected")
	// Going active: index by player, fire presence and invite replay.
	s.sessions.BindPlayer(sess, sess.PlayerName())
	return nil
}

func (s *Server) handleResendPreKeys(sess *Session) error {
	id := sess.Identity()
	if err := s.retrust(id); err != nil {
		return err
	}

	serverID := s.ids.CurrentIdentity()
	return s.sendTo(sess, protocol.TypePreKeysResponse, &protocol.PreKeysResponseMessage{
		Identity: protocol.WireIdentity{
			AccountID: serverID.AccountID,
			DeviceID:  identity.ServerDeviceID,
			PublicKey: serverID.PublicKey,
		},
		SignedPreKey: serverID.PublicKey,
	})
}

func (s *Server) handshakeDeadline() time.Duration {
	return time.Duration(s.config.HandshakeTimeoutSeconds) * time.Second
}
