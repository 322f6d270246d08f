// Package store persists conversation snapshots to a local SQLite database
// and enforces the save/restore/prune policy around the active session.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/inklet-app/diagramchat/backend/internal/model/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    payload TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at
    ON conversations(updated_at DESC);`

// maxPayloadBytes bounds one serialized conversation. Local storage is
// best-effort; an oversized snapshot is an error the caller logs and drops.
const maxPayloadBytes = 256 * 1024

// ErrPayloadTooLarge is returned when a snapshot exceeds maxPayloadBytes.
var ErrPayloadTooLarge = errors.New("conversation payload exceeds size bound")

// Database wraps the SQLite handle.
type Database struct {
	db *sql.DB
}

// Open opens (creating if needed) the conversation database at path.
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Database{db: db}, nil
}

// Close releases the underlying handle.
func (d *Database) Close() error {
	return d.db.Close()
}

// Upsert inserts or replaces the conversation keyed by its id.
func (d *Database) Upsert(conv chat.Conversation) error {
	payload, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if len(payload) > maxPayloadBytes {
		return ErrPayloadTooLarge
	}

	_, err = d.db.Exec(`
        INSERT INTO conversations (id, title, payload, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            title = excluded.title,
            payload = excluded.payload,
            updated_at = excluded.updated_at`,
		conv.ID, conv.Title, string(payload), conv.UpdatedAt)
	return err
}

// Get loads one conversation by id.
func (d *Database) Get(id string) (chat.Conversation, bool, error) {
	var payload string
	err := d.db.QueryRow(
		`SELECT payload FROM conversations WHERE id = ?`, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, false, nil
	}
	if err != nil {
		return chat.Conversation{}, false, err
	}

	var conv chat.Conversation
	if err := json.Unmarshal([]byte(payload), &conv); err != nil {
		return chat.Conversation{}, false, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return conv, true, nil
}

// List returns all conversations, most recently updated first.
func (d *Database) List() ([]chat.Conversation, error) {
	rows, err := d.db.Query(
		`SELECT payload FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]chat.Conversation, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var conv chat.Conversation
		if err := json.Unmarshal([]byte(payload), &conv); err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// Delete removes one conversation.
func (d *Database) Delete(id string) error {
	_, err := d.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// Prune evicts everything beyond the max most recently updated rows.
func (d *Database) Prune(max int) error {
	if max <= 0 {
		return nil
	}
	_, err := d.db.Exec(`
        DELETE FROM conversations WHERE id NOT IN (
            SELECT id FROM conversations ORDER BY updated_at DESC LIMIT ?
        )`, max)
	return err
}
