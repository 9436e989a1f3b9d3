package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateGroup inserts a new group with its owner as the single accepted member.
func (db *DB) CreateGroup(groupID uuid.UUID, name string, groupType uint8, owner uuid.UUID, ownerName string) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := nowMillis()
	if _, err := tx.Exec(`
		INSERT INTO GroupRoom (id, name, group_type, created_at) VALUES (?, ?, ?, ?)
	`, groupID.String(), name, groupType, now); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO GroupMember (group_id, account_id, player_name, role, state, invited_by, joined_at)
		VALUES (?, ?, ?, 1, 1, NULL, ?)
	`, groupID.String(), owner.String(), ownerName, now); err != nil {
		return err
	}
	return tx.Commit()
}

// GetGroup returns a group by ID
func (db *DB) GetGroup(groupID uuid.UUID) (*Group, error) {
	g := &Group{}
	var id string
	err := db.conn.QueryRow(`
		SELECT id, name, group_type, created_at FROM GroupRoom WHERE id = ?
	`, groupID.String()).Scan(&id, &g.Name, &g.Type, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	if g.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt group id %q: %w", id, err)
	}
	return g, nil
}

// DeleteGroup removes a group; members cascade.
func (db *DB) DeleteGroup(groupID uuid.UUID) error {
	res, err := db.writeConn.Exec(`DELETE FROM GroupRoom WHERE id = ?`, groupID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrGroupNotFound
	}
	return nil
}

func scanMembers(rows *sql.Rows) ([]*Member, error) {
	defer rows.Close()
	var members []*Member
	for rows.Next() {
		m := &Member{}
		var groupID, accountID string
		var invitedBy sql.NullString
		if err := rows.Scan(&groupID, &accountID, &m.PlayerName, &m.Role, &m.State, &invitedBy, &m.JoinedAt); err != nil {
			return nil, err
		}
		var err error
		if m.GroupID, err = uuid.Parse(groupID); err != nil {
			return nil, fmt.Errorf("corrupt group id %q: %w", groupID, err)
		}
		if m.AccountID, err = uuid.Parse(accountID); err != nil {
			return nil, fmt.Errorf("corrupt account id %q: %w", accountID, err)
		}
		if invitedBy.Valid {
			inviter, err := uuid.Parse(invitedBy.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt inviter id %q: %w", invitedBy.String, err)
			}
			m.InvitedBy = &inviter
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// MembersOf returns the full roster of a group, owner first.
func (db *DB) MembersOf(groupID uuid.UUID) ([]*Member, error) {
	rows, err := db.conn.Query(`
		SELECT group_id, account_id, player_name, role, state, invited_by, joined_at
		FROM GroupMember WHERE group_id = ?
		ORDER BY role DESC, joined_at ASC
	`, groupID.String())
	if err != nil {
		return nil, err
	}
	return scanMembers(rows)
}

// GetMember returns one account's roster entry for a group
func (db *DB) GetMember(groupID, accountID uuid.UUID) (*Member, error) {
	m := &Member{}
	var gid, aid string
	var invitedBy sql.NullString
	err := db.conn.QueryRow(`
		SELECT group_id, account_id, player_name, role, state, invited_by, joined_at
		FROM GroupMember WHERE group_id = ? AND account_id = ?
	`, groupID.String(), accountID.String()).Scan(&gid, &aid, &m.PlayerName, &m.Role, &m.State, &invitedBy, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	m.GroupID = groupID
	m.AccountID = accountID
	if invitedBy.Valid {
		inviter, err := uuid.Parse(invitedBy.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt inviter id %q: %w", invitedBy.String, err)
		}
		m.InvitedBy = &inviter
	}
	return m, nil
}

// AddMember inserts a pending roster entry (an invite)
func (db *DB) AddMember(groupID, accountID uuid.UUID, playerName string, invitedBy uuid.UUID) error {
	var inviter interface{}
	if invitedBy != uuid.Nil {
		inviter = invitedBy.String()
	}
	_, err := db.writeConn.Exec(`
		INSERT INTO GroupMember (group_id, account_id, player_name, role, state, invited_by, joined_at)
		VALUES (?, ?, ?, 0, 0, ?, ?)
	`, groupID.String(), accountID.String(), playerName, inviter, nowMillis())
	return err
}

// RemoveMember deletes a roster entry
func (db *DB) RemoveMember(groupID, accountID uuid.UUID) error {
	res, err := db.writeConn.Exec(`
		DELETE FROM GroupMember WHERE group_id = ? AND account_id = ?
	`, groupID.String(), accountID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// SetMemberState transitions a member's state
func (db *DB) SetMemberState(groupID, accountID uuid.UUID, state uint8) error {
	res, err := db.writeConn.Exec(`
		UPDATE GroupMember SET state = ? WHERE group_id = ? AND account_id = ?
	`, state, groupID.String(), accountID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// SetMemberRole changes a member's role
func (db *DB) SetMemberRole(groupID, accountID uuid.UUID, role uint8) error {
	res, err := db.writeConn.Exec(`
		UPDATE GroupMember SET role = ? WHERE group_id = ? AND account_id = ?
	`, role, groupID.String(), accountID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// TransferOwnership demotes the old owner and promotes the new one in one
// transaction so the single-owner invariant holds at every commit point.
func (db *DB) TransferOwnership(groupID, oldOwner, newOwner uuid.UUID) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE GroupMember SET role = 0 WHERE group_id = ? AND account_id = ? AND role = 1
	`, groupID.String(), oldOwner.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrMemberNotFound
	}

	res, err = tx.Exec(`
		UPDATE GroupMember SET role = 1 WHERE group_id = ? AND account_id = ? AND state = 1
	`, groupID.String(), newOwner.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrMemberNotFound
	}
	return tx.Commit()
}

// GroupsForAccount returns every group the account has a roster entry in,
// with the entry's state.
func (db *DB) GroupsForAccount(accountID uuid.UUID) ([]*Member, error) {
	rows, err := db.conn.Query(`
		SELECT group_id, account_id, player_name, role, state, invited_by, joined_at
		FROM GroupMember WHERE account_id = ?
		ORDER BY joined_at ASC
	`, accountID.String())
	if err != nil {
		return nil, err
	}
	return scanMembers(rows)
}
