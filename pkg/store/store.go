package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrGroupNotFound indicates the group does not exist.
	ErrGroupNotFound = errors.New("group not found")
	// ErrProfileNotFound indicates no profile exists for the account.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrMemberNotFound indicates the account is not on the group's roster.
	ErrMemberNotFound = errors.New("member not found")
	// ErrDeviceNotFound indicates the account has no device with that id.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrTextureNotFound indicates no texture is stored under the hash.
	ErrTextureNotFound = errors.New("texture not found")
	// ErrRecordNotFound indicates the key is absent or expired.
	ErrRecordNotFound = errors.New("record not found")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool (25 connections)
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers in WAL mode, one writer
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Exactly 1 connection, no pooling
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{conn: conn, writeConn: writeConn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- GroupRoom table
CREATE TABLE IF NOT EXISTS GroupRoom (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	group_type INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

-- GroupMember table
CREATE TABLE IF NOT EXISTS GroupMember (
	group_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	player_name TEXT NOT NULL,
	role INTEGER NOT NULL DEFAULT 0,
	state INTEGER NOT NULL DEFAULT 0,
	invited_by TEXT,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (group_id, account_id),
	FOREIGN KEY (group_id) REFERENCES GroupRoom(id) ON DELETE CASCADE
);

-- Profile table
CREATE TABLE IF NOT EXISTS Profile (
	account_id TEXT PRIMARY KEY,
	player_name TEXT NOT NULL DEFAULT '',
	private_token BLOB NOT NULL,
	public_key BLOB NOT NULL,
	device_counter INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
);

-- Device table (one row per registered device, each with its own static key)
CREATE TABLE IF NOT EXISTS Device (
	account_id TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	public_key BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, device_id),
	FOREIGN KEY (account_id) REFERENCES Profile(account_id) ON DELETE CASCADE
);

-- Friend table (one row per direction)
CREATE TABLE IF NOT EXISTS Friend (
	account_id TEXT NOT NULL,
	friend_id TEXT NOT NULL,
	state INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, friend_id)
);

-- Texture table (content-addressed)
CREATE TABLE IF NOT EXISTS Texture (
	hash TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

-- DHTRecord table
CREATE TABLE IF NOT EXISTS DHTRecord (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_members_account ON GroupMember(account_id);
CREATE INDEX IF NOT EXISTS idx_profiles_player ON Profile(player_name);
CREATE INDEX IF NOT EXISTS idx_friends_friend ON Friend(friend_id);
CREATE INDEX IF NOT EXISTS idx_dht_expiry ON DHTRecord(expires_at);
`

	_, err := db.conn.Exec(schema)
	return err
}

// Group represents a group record
type Group struct {
	ID        uuid.UUID
	Name      string
	Type      uint8 // 0=normal, 1=nearby (server-synthesized)
	CreatedAt int64 // Unix timestamp in milliseconds
}

// Member represents one account's place on a group roster
type Member struct {
	GroupID    uuid.UUID
	AccountID  uuid.UUID
	PlayerName string
	Role       uint8 // 0=member, 1=owner
	State      uint8 // 0=pending, 1=accepted, 2=declined
	InvitedBy  *uuid.UUID
	JoinedAt   int64 // Unix timestamp in milliseconds
}

// Profile represents a registered account
type Profile struct {
	AccountID     uuid.UUID
	PlayerName    string
	PrivateToken  []byte // opaque secret echoed back during session start
	PublicKey     []byte // X25519 public key (32 bytes)
	DeviceCounter uint32 // highest device id handed out so far
	CreatedAt     int64  // Unix timestamp in milliseconds
	LastSeen      int64  // Unix timestamp in milliseconds
}

// Device represents one registered device of an account
type Device struct {
	AccountID uuid.UUID
	DeviceID  uint32
	PublicKey []byte // X25519 public key (32 bytes)
	CreatedAt int64  // Unix timestamp in milliseconds
}

// Friend represents one direction of a friend relationship
type Friend struct {
	AccountID uuid.UUID
	FriendID  uuid.UUID
	State     uint8 // protocol friend state constants
	CreatedAt int64 // Unix timestamp in milliseconds
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
