package store

import (
	"database/sql"
	"fmt"
	"slices"
)

// DefaultLimit is the page size used when callers pass a non-positive limit.
const DefaultLimit = 20

const messageColumns = `id, text, sender_id, is_read, created_at, edited_at, deleted_at`

// SaveMessages upserts messages of a contact. On id collision the incoming
// fields win, except that a read flag is never cleared and a soft delete is
// never undone. The contact's last_update only moves forward.
func (db *DB) SaveMessages(msgs []Message, contactID, userID int64) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var newest int64
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (user_id, id, contact_id, text, sender_id, is_read, created_at, edited_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, id) DO UPDATE SET
				contact_id = excluded.contact_id,
				text = excluded.text,
				sender_id = excluded.sender_id,
				is_read = MAX(messages.is_read, excluded.is_read),
				created_at = excluded.created_at,
				edited_at = COALESCE(excluded.edited_at, messages.edited_at),
				deleted_at = COALESCE(excluded.deleted_at, messages.deleted_at)`,
			userID, m.ID, contactID, m.Text, m.SenderID, m.IsRead,
			millis(m.CreatedAt), nullMillis(m.EditedAt), nullMillis(m.DeletedAt)); err != nil {
			return fmt.Errorf("upsert message %d: %w", m.ID, err)
		}
		newest = max(newest, millis(m.CreatedAt))
	}

	if _, err := tx.Exec(`
		UPDATE contacts SET last_update = MAX(last_update, ?)
		WHERE user_id = ? AND id = ?`, newest, userID, contactID); err != nil {
		return fmt.Errorf("advance contact last_update: %w", err)
	}
	return tx.Commit()
}

// RetrieveMessages returns a page of a contact's messages ordered by id
// ascending. AnchorNone starts at the first unread message not sent by userID
// and falls back to the latest page when everything is read.
func (db *DB) RetrieveMessages(anchor Anchor, contactID, userID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	const base = `SELECT ` + messageColumns + ` FROM messages WHERE user_id = ? AND contact_id = ?`
	switch anchor.Kind {
	case AnchorBefore:
		msgs, err := db.queryMessages(base+` AND id < ? ORDER BY id DESC LIMIT ?`, userID, contactID, anchor.ID, limit)
		slices.Reverse(msgs)
		return msgs, err
	case AnchorAfter:
		return db.queryMessages(base+` AND id > ? ORDER BY id ASC LIMIT ?`, userID, contactID, anchor.ID, limit)
	case AnchorBetween:
		return db.queryMessages(base+` AND id > ? AND id < ? ORDER BY id ASC LIMIT ?`, userID, contactID, anchor.ID, anchor.ToID, limit)
	}

	var firstUnread sql.NullInt64
	if err := db.QueryRow(`
		SELECT MIN(id) FROM messages
		WHERE user_id = ? AND contact_id = ? AND is_read = 0 AND sender_id != ?`,
		userID, contactID, userID).Scan(&firstUnread); err != nil {
		return nil, fmt.Errorf("first unread: %w", err)
	}
	if firstUnread.Valid {
		return db.queryMessages(base+` AND id >= ? ORDER BY id ASC LIMIT ?`, userID, contactID, firstUnread.Int64, limit)
	}
	msgs, err := db.queryMessages(base+` ORDER BY id DESC LIMIT ?`, userID, contactID, limit)
	slices.Reverse(msgs)
	return msgs, err
}

// RetrieveMessage returns a message by id, or nil when it is not cached.
func (db *DB) RetrieveMessage(id, userID int64) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE user_id = ? AND id = ?`, userID, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AtLeastOneMessage reports whether any message of the contact is cached.
func (db *DB) AtLeastOneMessage(userID, contactID int64) (bool, error) {
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS (SELECT 1 FROM messages WHERE user_id = ? AND contact_id = ?)`,
		userID, contactID).Scan(&exists)
	return exists, err
}

// UpdateMessagesRead marks every message of the contact with id <= untilID in
// the given direction as read. Rows are only ever set, so a smaller untilID
// than one already applied changes nothing.
func (db *DB) UpdateMessagesRead(untilID, contactID, userID int64, dir Direction) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	senderClause := `sender_id = ?`
	if dir == SentByOthers {
		senderClause = `sender_id != ?`
	}
	if _, err := tx.Exec(`
		UPDATE messages SET is_read = 1
		WHERE user_id = ? AND contact_id = ? AND id <= ? AND is_read = 0 AND `+senderClause,
		userID, contactID, untilID, userID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	if dir == SentByOthers {
		if _, err := tx.Exec(`
			UPDATE contacts SET unread_message_count = 0
			WHERE user_id = ? AND id = ? AND last_message_id IS NOT NULL AND last_message_id <= ?`,
			userID, contactID, untilID); err != nil {
			return fmt.Errorf("reset unread count: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateMessage applies an edit or soft delete to an already cached message.
// It reports false when the message is not cached; no row is created.
func (db *DB) UpdateMessage(m Message, userID int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET
			text = ?,
			edited_at = COALESCE(?, edited_at),
			deleted_at = COALESCE(?, deleted_at),
			is_read = MAX(is_read, ?)
		WHERE user_id = ? AND id = ?`,
		m.Text, nullMillis(m.EditedAt), nullMillis(m.DeletedAt), m.IsRead, userID, m.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *DB) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var (
		m                   Message
		createdAt           int64
		editedAt, deletedAt sql.NullInt64
	)
	if err := s.Scan(&m.ID, &m.Text, &m.SenderID, &m.IsRead, &createdAt, &editedAt, &deletedAt); err != nil {
		return Message{}, err
	}
	m.CreatedAt = fromMillis(createdAt)
	m.EditedAt = fromNullMillis(editedAt)
	m.DeletedAt = fromNullMillis(deletedAt)
	return m, nil
}
