package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateProfile registers a new account with its public key and a freshly
// minted private token. Returns the stored profile.
func (db *DB) CreateProfile(accountID uuid.UUID, publicKey, privateToken []byte) (*Profile, error) {
	now := nowMillis()
	_, err := db.writeConn.Exec(`
		INSERT INTO Profile (account_id, player_name, private_token, public_key, device_counter, created_at, last_seen)
		VALUES (?, '', ?, ?, 0, ?, ?)
	`, accountID.String(), privateToken, publicKey, now, now)
	if err != nil {
		return nil, err
	}
	return &Profile{
		AccountID:    accountID,
		PrivateToken: privateToken,
		PublicKey:    publicKey,
		CreatedAt:    now,
		LastSeen:     now,
	}, nil
}

func scanProfile(row *sql.Row) (*Profile, error) {
	p := &Profile{}
	var accountID string
	err := row.Scan(&accountID, &p.PlayerName, &p.PrivateToken, &p.PublicKey, &p.DeviceCounter, &p.CreatedAt, &p.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.AccountID, err = uuid.Parse(accountID); err != nil {
		return nil, fmt.Errorf("corrupt account id %q: %w", accountID, err)
	}
	return p, nil
}

// GetProfile returns the profile for an account
func (db *DB) GetProfile(accountID uuid.UUID) (*Profile, error) {
	row := db.conn.QueryRow(`
		SELECT account_id, player_name, private_token, public_key, device_counter, created_at, last_seen
		FROM Profile WHERE account_id = ?
	`, accountID.String())
	return scanProfile(row)
}

// GetProfileByPlayerName returns the profile currently holding a player name
func (db *DB) GetProfileByPlayerName(playerName string) (*Profile, error) {
	row := db.conn.QueryRow(`
		SELECT account_id, player_name, private_token, public_key, device_counter, created_at, last_seen
		FROM Profile WHERE player_name = ?
	`, playerName)
	return scanProfile(row)
}

// AllocateDeviceID hands out the next device id for an account and records
// the device's static public key in the same transaction. Device ids start at
// 1; id 0 is reserved for the server itself.
func (db *DB) AllocateDeviceID(accountID uuid.UUID, publicKey []byte) (uint32, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var counter uint32
	err = tx.QueryRow(`SELECT device_counter FROM Profile WHERE account_id = ?`, accountID.String()).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProfileNotFound
	}
	if err != nil {
		return 0, err
	}

	counter++
	if _, err := tx.Exec(`UPDATE Profile SET device_counter = ? WHERE account_id = ?`, counter, accountID.String()); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`
		INSERT INTO Device (account_id, device_id, public_key, created_at) VALUES (?, ?, ?, ?)
	`, accountID.String(), counter, publicKey, nowMillis()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return counter, nil
}

// GetDevice returns one registered device of an account
func (db *DB) GetDevice(accountID uuid.UUID, deviceID uint32) (*Device, error) {
	d := &Device{AccountID: accountID, DeviceID: deviceID}
	err := db.conn.QueryRow(`
		SELECT public_key, created_at FROM Device WHERE account_id = ? AND device_id = ?
	`, accountID.String(), deviceID).Scan(&d.PublicKey, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// SetPlayerName records the verified player name for an account. The name is
// re-verified on every session start, so a name moving between accounts just
// follows the platform's view.
func (db *DB) SetPlayerName(accountID uuid.UUID, playerName string) error {
	res, err := db.writeConn.Exec(`
		UPDATE Profile SET player_name = ?, last_seen = ? WHERE account_id = ?
	`, playerName, nowMillis(), accountID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// TouchProfile updates last_seen
func (db *DB) TouchProfile(accountID uuid.UUID) error {
	_, err := db.writeConn.Exec(`
		UPDATE Profile SET last_seen = ? WHERE account_id = ?
	`, nowMillis(), accountID.String())
	return err
}
