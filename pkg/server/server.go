package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lodestone-chat/lodestone/pkg/group"
	"github.com/lodestone-chat/lodestone/pkg/identity"
	"github.com/lodestone-chat/lodestone/pkg/protocol"
	"github.com/lodestone-chat/lodestone/pkg/store"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// Server is the Lodestone presence and relay server. It terminates one
// websocket per client device, walks each connection through the handshake
// state machine and relays sealed traffic between sessions.
type Server struct {
	db       *store.DB
	ids      *identity.Store
	sessions *SessionManager
	groups   *group.Service
	verifier SessionVerifier
	handlers []subHandler
	config   ServerConfig

	httpServer    *http.Server
	metricsServer *http.Server

	shutdown  chan struct{}
	wg        sync.WaitGroup
	metrics   *Metrics
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64

	// Suspended registration handshakes, keyed by challenge token
	registrationMu       sync.Mutex
	pendingRegistrations map[string]uint64
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, dbPath, identityPath string) (*Server, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ids, err := identity.Open(identityPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	if err := initLoggers(); err != nil {
		ids.Close()
		db.Close()
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	var verifier SessionVerifier
	if config.VerificationURL != "" {
		verifier = newHTTPVerifier(config.VerificationURL)
	} else {
		log.Printf("WARNING: no verification URL configured, accepting any session token")
		verifier = acceptAllVerifier{}
	}

	server := &Server{
		db:                   db,
		ids:                  ids,
		sessions:             sessions,
		groups:               group.NewService(db, sessions),
		verifier:             verifier,
		config:               config,
		shutdown:             make(chan struct{}),
		metrics:              metrics,
		startTime:            time.Now(),
		pendingRegistrations: make(map[string]uint64),
	}
	server.handlers = server.buildHandlers()
	sessions.AddListener((*presenceBridge)(server))

	return server, nil
}

// buildHandlers assembles the dispatcher chain from the enabled features.
func (s *Server) buildHandlers() []subHandler {
	var handlers []subHandler
	if s.config.GroupsEnabled {
		handlers = append(handlers, &groupHandler{s}, &messagingHandler{s})
	}
	if s.config.LocationsEnabled {
		handlers = append(handlers, &locationHandler{s})
	}
	if s.config.FriendsEnabled {
		handlers = append(handlers, &friendsHandler{s})
	}
	if s.config.TexturesEnabled {
		handlers = append(handlers, &textureHandler{s})
	}
	handlers = append(handlers, &dhtHandler{s})
	return handlers
}

// presenceBridge feeds session lifecycle events into the group service, which
// answers with replay and presence fan-out batches.
type presenceBridge Server

func (b *presenceBridge) SessionStarted(sess *Session) {
	s := (*Server)(b)
	batch, err := s.groups.PlayerOnline(actor(sess))
	if err != nil {
		errorLog.Printf("Session %d: online fan-out failed: %v", sess.ID, err)
		return
	}
	s.deliver(batch)
}

func (b *presenceBridge) SessionStopping(sess *Session) {
	s := (*Server)(b)
	account := sess.Identity().AccountID
	// Another device may still hold the account online; the stopping session
	// is still indexed at this point.
	if len(s.sessions.SessionsForAccount(account)) > 1 {
		return
	}
	batch, err := s.groups.PlayerOffline(account)
	if err != nil {
		errorLog.Printf("Session %d: offline fan-out failed: %v", sess.ID, err)
		return
	}
	s.deliver(batch)
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "lodestone")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "lodestone")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Redirect standard log to stdout and server.log. Truncate server.log on
	// startup to avoid confusion from multiple runs.
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  protocol.MaxFrameSize,
	WriteBufferSize: protocol.MaxFrameSize,
	// The browser is not a supported client; native clients send no Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Start starts the public and internal HTTP servers and the background loops
func (s *Server) Start() error {
	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/ws", s.HandleWebSocket)
	publicMux.HandleFunc("/discovery", s.DiscoveryHandler)
	publicMux.HandleFunc(s.config.RegistrationPath, s.RegistrationHandler)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler: publicMux,
	}

	// Metrics server is internal only - never expose publicly!
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/health", s.HealthHandler)
	s.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler: metricsMux,
	}

	go func() {
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	go func() {
		log.Printf("Public HTTP server listening on %s (/ws, /discovery, %s)", s.httpServer.Addr, s.config.RegistrationPath)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Public HTTP server error: %v", err)
		}
	}()

	s.wg.Add(4)
	go s.metricsLoggingLoop()
	go s.sessionCleanupLoop()
	go s.handshakeWatchdogLoop()
	go s.retentionCleanupLoop()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}

	log.Println("Notifying connected clients of shutdown...")
	s.notifyClientsOfShutdown()

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if err := s.ids.Close(); err != nil {
		log.Printf("Error closing identity store: %v", err)
	}
	if err := s.db.Close(); err != nil {
		log.Printf("Error during database close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// notifyClientsOfShutdown sends DISCONNECT message to all connected clients
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.sessions.GetAllSessions()
	if len(sessions) == 0 {
		log.Println("No active sessions to notify")
		return
	}

	reason := "Server shutting down for maintenance"
	data, err := protocol.EncodePlain(protocol.TypeDisconnect, &protocol.DisconnectMessage{Reason: &reason})
	if err != nil {
		log.Printf("Failed to encode disconnect message: %v", err)
		return
	}

	sent := 0
	for _, sess := range sessions {
		if err := sess.Conn.WriteBytes(data); err == nil {
			sent++
		}
	}

	log.Printf("Shutdown notification sent to %d/%d sessions", sent, len(sessions))
}

// HandleWebSocket upgrades an HTTP request and runs the connection's message
// loop. One websocket carries everything a device does.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	limiter := newIngressLimiter(s.config.MessagesPerSecond, s.config.MessageBurst, s.config.MessagesPerHour)
	sess := s.sessions.CreateSession(NewSafeConn(wsConn), limiter, s.handshakeDeadline())

	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %d)", sess.RemoteAddr, sess.ID)

	go s.messageLoop(sess)
}

// messageLoop handles messages for an established connection
func (s *Server) messageLoop(sess *Session) {
	defer s.sessions.RemoveSession(sess.ID)

	for {
		frame, err := sess.Conn.ReadFrame()
		if err != nil {
			_, exists := s.sessions.GetSession(sess.ID)
			if exists {
				s.disconnectionsSinceReport.Add(1)
				if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					debugLog.Printf("Session %d: Client disconnected (message loop read)", sess.ID)
				} else {
					debugLog.Printf("Session %d: Message loop read error: %v", sess.ID, err)
				}
			}
			return
		}

		debugLog.Printf("Session %d ← RECV: Type=0x%02X Flags=0x%02X PayloadLen=%d", sess.ID, frame.Type, frame.Flags, len(frame.Payload))
		sess.touch()

		if s.metrics != nil {
			s.metrics.RecordMessageReceived(messageTypeToString(frame.Type))
		}

		// One budget for everything the connection sends. Exceeding it drops
		// the connection, not just the message.
		if !sess.limiter.Allow() {
			s.metrics.RecordRateLimitDisconnect()
			s.sendError(sess, protocol.ErrCodeRateLimitExceeded, "message rate limit exceeded")
			debugLog.Printf("Session %d: rate limit exceeded, disconnecting", sess.ID)
			return
		}

		if err := s.handleMessage(sess, frame); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				s.disconnectionsSinceReport.Add(1)
				debugLog.Printf("Session %d disconnected gracefully", sess.ID)
				return
			}
			if errors.Is(err, errTeardown) {
				s.disconnectionsSinceReport.Add(1)
				debugLog.Printf("Session %d: connection torn down after protocol error", sess.ID)
				return
			}
			errorLog.Printf("Session %d handle error: %v", sess.ID, err)
			s.sendError(sess, protocol.ErrCodeInternalError, fmt.Sprintf("Internal error: %v", err))
		}
	}
}

// DiscoveryHandler describes this server to probing clients: protocol
// versions, enabled features and how sessions get verified.
func (s *Server) DiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{
		"service":           "lodestone",
		"protocol_versions": []uint8{protocol.ProtocolVersion},
		"features": map[string]bool{
			"groups":    s.config.GroupsEnabled,
			"locations": s.config.LocationsEnabled,
			"friends":   s.config.FriendsEnabled,
			"textures":  s.config.TexturesEnabled,
		},
		"verification": map[string]bool{
			"required": s.config.VerificationURL != "",
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// RegistrationHandler completes a suspended device registration. The client
// opens the challenge URL out of band; hitting it proves the client controls
// the connection the challenge went out on.
func (s *Server) RegistrationHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	if err := s.completeRegistration(token); err != nil {
		debugLog.Printf("Registration failed for token %q: %v", token, err)
		http.Error(w, "registration failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Device registered. You can return to the client.")
}

// HealthHandler reports liveness for the internal health check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.sessions.CountOnlineUsers(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			activeSessions := s.sessions.CountOnlineUsers()
			goroutines := runtime.NumGoroutine()

			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				activeSessions, connected, disconnected, goroutines)
		}
	}
}

// handshakeWatchdogLoop drops connections stuck in a handshake state past
// their deadline.
func (s *Server) handshakeWatchdogLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			for _, sess := range s.sessions.ExpiredHandshakes(time.Now()) {
				s.disconnectionsSinceReport.Add(1)
				debugLog.Printf("Session %d: handshake deadline expired in state %s", sess.ID, sess.State())
				s.sessions.RemoveSession(sess.ID)
			}
		}
	}
}

// sessionCleanupLoop periodically cleans up stale sessions
func (s *Server) sessionCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupStaleSessions()
		}
	}
}

// cleanupStaleSessions removes sessions that have been inactive
func (s *Server) cleanupStaleSessions() {
	timeout := time.Duration(s.config.SessionTimeoutSeconds) * time.Second
	cutoff := time.Now().Add(-timeout).UnixMilli()

	for _, sess := range s.sessions.GetAllSessions() {
		if atomic.LoadInt64(&sess.lastActivity) < cutoff {
			s.disconnectionsSinceReport.Add(1)
			debugLog.Printf("Closing stale session %d (inactive for %v)", sess.ID, timeout)
			s.sessions.RemoveSession(sess.ID)
		}
	}
}

// retentionCleanupLoop expires discovery records past their TTL.
func (s *Server) retentionCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.config.RetentionIntervalMins) * time.Minute)
	defer ticker.Stop()

	s.cleanupExpiredRecords()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupExpiredRecords()
		}
	}
}

func (s *Server) cleanupExpiredRecords() {
	count, err := s.db.DeleteExpiredRecords(time.Now().UnixMilli())
	if err != nil {
		log.Printf("Error cleaning up expired records: %v", err)
		return
	}
	if count > 0 {
		log.Printf("Cleaned up %d expired discovery records", count)
	}
}
