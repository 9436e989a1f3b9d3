package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// UpsertFriend writes one direction of a friend relationship
func (db *DB) UpsertFriend(accountID, friendID uuid.UUID, state uint8) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO Friend (account_id, friend_id, state, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, friend_id) DO UPDATE SET state = excluded.state
	`, accountID.String(), friendID.String(), state, nowMillis())
	return err
}

// GetFriend returns one direction of a friend relationship
func (db *DB) GetFriend(accountID, friendID uuid.UUID) (*Friend, error) {
	f := &Friend{}
	var aid, fid string
	err := db.conn.QueryRow(`
		SELECT account_id, friend_id, state, created_at
		FROM Friend WHERE account_id = ? AND friend_id = ?
	`, accountID.String(), friendID.String()).Scan(&aid, &fid, &f.State, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	f.AccountID = accountID
	f.FriendID = friendID
	return f, nil
}

// RemoveFriend deletes both directions of a relationship
func (db *DB) RemoveFriend(accountID, friendID uuid.UUID) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`
		DELETE FROM Friend WHERE account_id = ? AND friend_id = ?
	`, accountID.String(), friendID.String()); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		DELETE FROM Friend WHERE account_id = ? AND friend_id = ?
	`, friendID.String(), accountID.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// FriendsOf returns every relationship row owned by an account
func (db *DB) FriendsOf(accountID uuid.UUID) ([]*Friend, error) {
	rows, err := db.conn.Query(`
		SELECT account_id, friend_id, state, created_at
		FROM Friend WHERE account_id = ?
		ORDER BY created_at ASC
	`, accountID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []*Friend
	for rows.Next() {
		f := &Friend{}
		var aid, fid string
		if err := rows.Scan(&aid, &fid, &f.State, &f.CreatedAt); err != nil {
			return nil, err
		}
		if f.AccountID, err = uuid.Parse(aid); err != nil {
			return nil, fmt.Errorf("corrupt account id %q: %w", aid, err)
		}
		if f.FriendID, err = uuid.Parse(fid); err != nil {
			return nil, fmt.Errorf("corrupt friend id %q: %w", fid, err)
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// PutTexture stores a content-addressed blob. Re-uploading the same hash is
// a no-op.
func (db *DB) PutTexture(hash string, data []byte) error {
	_, err := db.writeConn.Exec(`
		INSERT OR IGNORE INTO Texture (hash, data, created_at) VALUES (?, ?, ?)
	`, hash, data, nowMillis())
	return err
}

// GetTexture returns the blob stored under a hash
func (db *DB) GetTexture(hash string) ([]byte, error) {
	var data []byte
	err := db.conn.QueryRow(`SELECT data FROM Texture WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTextureNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PutRecord stores a value under a key until expiresAt, replacing any prior
// value.
func (db *DB) PutRecord(key string, value []byte, expiresAt int64) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO DHTRecord (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	return err
}

// GetRecord returns the live value under a key. Expired rows read as absent;
// the retention loop deletes them later.
func (db *DB) GetRecord(key string, now int64) ([]byte, error) {
	var value []byte
	err := db.conn.QueryRow(`
		SELECT value FROM DHTRecord WHERE key = ? AND expires_at > ?
	`, key, now).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// DeleteExpiredRecords removes rows past their expiry, returning the count.
func (db *DB) DeleteExpiredRecords(now int64) (int64, error) {
	res, err := db.writeConn.Exec(`DELETE FROM DHTRecord WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
