package store

import (
	"database/sql"
	"time"
)

// SaveImageData upserts the blob cached for url.
func (db *DB) SaveImageData(data []byte, url string) error {
	_, err := db.Exec(`
		INSERT INTO image_data (url, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		url, data, time.Now().UnixMilli())
	return err
}

// RetrieveImageData returns the blob cached for url, or nil when absent.
func (db *DB) RetrieveImageData(url string) ([]byte, error) {
	var data []byte
	err := db.QueryRow(`SELECT data FROM image_data WHERE url = ?`, url).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
