package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// lastMessageRecord is the JSON form of Contact.LastMessage kept inline on the
// contact row, so that it never enters the contiguous messages table.
type lastMessageRecord struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	SenderID   int64  `json:"sender_id"`
	IsRead     bool   `json:"is_read"`
	CreatedAt  int64  `json:"created_at"`
	EditedAt   *int64 `json:"edited_at,omitempty"`
	DeletedAt  *int64 `json:"deleted_at,omitempty"`
	PreviousID *int64 `json:"previous_id,omitempty"`
}

// SaveContacts upserts contacts and their responders in a single transaction.
// last_update never moves backwards; the cached last message only changes
// when the incoming contact is at least as recent.
func (db *DB) SaveContacts(contacts []Contact, userID int64) error {
	if len(contacts) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range contacts {
		r := c.Responder
		if _, err := tx.Exec(`
			INSERT INTO users (id, name, email, avatar_url, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				email = excluded.email,
				avatar_url = excluded.avatar_url,
				created_at = excluded.created_at`,
			r.ID, r.Name, r.Email, r.AvatarURL, millis(r.CreatedAt)); err != nil {
			return fmt.Errorf("upsert responder %d: %w", r.ID, err)
		}

		lastID, lastJSON, err := encodeLastMessage(c.LastMessage)
		if err != nil {
			return fmt.Errorf("encode last message of contact %d: %w", c.ID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO contacts (user_id, id, responder_id, blocked_by_user_id, unread_message_count, created_at, last_update, last_message_id, last_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, id) DO UPDATE SET
				responder_id = excluded.responder_id,
				blocked_by_user_id = excluded.blocked_by_user_id,
				unread_message_count = excluded.unread_message_count,
				created_at = excluded.created_at,
				last_message_id = CASE WHEN excluded.last_update >= contacts.last_update
					THEN COALESCE(excluded.last_message_id, contacts.last_message_id) ELSE contacts.last_message_id END,
				last_message = CASE WHEN excluded.last_update >= contacts.last_update
					THEN COALESCE(excluded.last_message, contacts.last_message) ELSE contacts.last_message END,
				last_update = MAX(contacts.last_update, excluded.last_update)`,
			userID, c.ID, r.ID, nullInt64(c.BlockedByUserID), c.UnreadMessageCount,
			millis(c.CreatedAt), millis(c.LastUpdate), lastID, lastJSON); err != nil {
			return fmt.Errorf("upsert contact %d: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// RetrieveContacts returns contacts ordered by last_update descending. When
// before is set only contacts updated strictly earlier are returned; ids in
// exceptIDs are skipped.
func (db *DB) RetrieveContacts(userID int64, exceptIDs []int64, before *time.Time, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	q := `
		SELECT c.id, c.blocked_by_user_id, c.unread_message_count, c.created_at, c.last_update, c.last_message,
			u.id, u.name, u.email, u.avatar_url, u.created_at
		FROM contacts c
		JOIN users u ON u.id = c.responder_id
		WHERE c.user_id = ?`
	args := []any{userID}
	if before != nil {
		q += ` AND c.last_update < ?`
		args = append(args, before.UnixMilli())
	}
	if len(exceptIDs) > 0 {
		q += ` AND c.id NOT IN (?` + strings.Repeat(`, ?`, len(exceptIDs)-1) + `)`
		for _, id := range exceptIDs {
			args = append(args, id)
		}
	}
	q += ` ORDER BY c.last_update DESC, c.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var (
			c                                       Contact
			blockedBy                               sql.NullInt64
			createdAt, lastUpdate, responderCreated int64
			lastJSON                                sql.NullString
		)
		if err := rows.Scan(&c.ID, &blockedBy, &c.UnreadMessageCount, &createdAt, &lastUpdate, &lastJSON,
			&c.Responder.ID, &c.Responder.Name, &c.Responder.Email, &c.Responder.AvatarURL, &responderCreated); err != nil {
			return nil, err
		}
		c.BlockedByUserID = fromNullInt64(blockedBy)
		c.CreatedAt = fromMillis(createdAt)
		c.LastUpdate = fromMillis(lastUpdate)
		c.Responder.CreatedAt = fromMillis(responderCreated)
		if c.LastMessage, err = decodeLastMessage(lastJSON); err != nil {
			return nil, fmt.Errorf("decode last message of contact %d: %w", c.ID, err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// Counts returns the number of contacts and messages cached for userID.
// Images are keyed by URL and shared by every user, so Images counts them all.
func (db *DB) Counts(userID int64) (Counts, error) {
	var c Counts
	err := db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM contacts WHERE user_id = ?),
			(SELECT COUNT(*) FROM messages WHERE user_id = ?),
			(SELECT COUNT(*) FROM image_data)`, userID, userID).Scan(&c.Contacts, &c.Messages, &c.Images)
	return c, err
}

func encodeLastMessage(lm *LastMessage) (sql.NullInt64, sql.NullString, error) {
	if lm == nil {
		return sql.NullInt64{}, sql.NullString{}, nil
	}
	m := lm.Message
	rec := lastMessageRecord{
		ID:         m.ID,
		Text:       m.Text,
		SenderID:   m.SenderID,
		IsRead:     m.IsRead,
		CreatedAt:  millis(m.CreatedAt),
		EditedAt:   fromNullInt64(nullMillis(m.EditedAt)),
		DeletedAt:  fromNullInt64(nullMillis(m.DeletedAt)),
		PreviousID: lm.PreviousID,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return sql.NullInt64{}, sql.NullString{}, err
	}
	return sql.NullInt64{Int64: m.ID, Valid: true}, sql.NullString{String: string(data), Valid: true}, nil
}

func decodeLastMessage(s sql.NullString) (*LastMessage, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var rec lastMessageRecord
	if err := json.Unmarshal([]byte(s.String), &rec); err != nil {
		return nil, err
	}
	lm := &LastMessage{
		Message: Message{
			ID:        rec.ID,
			Text:      rec.Text,
			SenderID:  rec.SenderID,
			IsRead:    rec.IsRead,
			CreatedAt: fromMillis(rec.CreatedAt),
		},
		PreviousID: rec.PreviousID,
	}
	if rec.EditedAt != nil {
		lm.Message.EditedAt = fromNullMillis(sql.NullInt64{Int64: *rec.EditedAt, Valid: true})
	}
	if rec.DeletedAt != nil {
		lm.Message.DeletedAt = fromNullMillis(sql.NullInt64{Int64: *rec.DeletedAt, Valid: true})
	}
	return lm, nil
}
