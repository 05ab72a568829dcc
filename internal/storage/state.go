package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Navigation state ---

func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO nav_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now(),
	)
	if err != nil {
		return fmt.Errorf("setting state %s: %w", key, err)
	}
	return nil
}

// GetState returns ErrNotFound for a key that was never set.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM nav_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting state %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) DeleteState(key string) error {
	if _, err := s.db.Exec("DELETE FROM nav_state WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting state %s: %w", key, err)
	}
	return nil
}

// --- Memory drafts ---

// SaveDraft stores d, replacing any earlier draft for the same memory.
// UpdatedAt is set by the store.
func (s *Store) SaveDraft(d Draft) error {
	_, err := s.db.Exec(`
		INSERT INTO memory_drafts (memory_id, filename, type, content, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			filename = excluded.filename,
			type = excluded.type,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		d.MemoryID, d.Filename, d.Type, d.Content, now(),
	)
	if err != nil {
		return fmt.Errorf("saving draft %s: %w", d.MemoryID, err)
	}
	return nil
}

func (s *Store) GetDraft(memoryID string) (Draft, error) {
	var (
		d         Draft
		updatedAt string
	)
	err := s.db.QueryRow(`
		SELECT memory_id, filename, type, content, updated_at
		FROM memory_drafts WHERE memory_id = ?`, memoryID,
	).Scan(&d.MemoryID, &d.Filename, &d.Type, &d.Content, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("getting draft %s: %w", memoryID, err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Draft{}, fmt.Errorf("parsing draft updated_at %q: %w", updatedAt, err)
	}
	return d, nil
}

// ListDrafts returns all drafts, most recently updated first.
func (s *Store) ListDrafts() ([]Draft, error) {
	rows, err := s.db.Query(`
		SELECT memory_id, filename, type, content, updated_at
		FROM memory_drafts ORDER BY updated_at DESC, memory_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}
	defer rows.Close()

	var drafts []Draft
	for rows.Next() {
		var (
			d         Draft
			updatedAt string
		)
		if err := rows.Scan(&d.MemoryID, &d.Filename, &d.Type, &d.Content, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning draft: %w", err)
		}
		if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing draft updated_at %q: %w", updatedAt, err)
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// DeleteDraft is a no-op for a memory without a draft.
func (s *Store) DeleteDraft(memoryID string) error {
	if _, err := s.db.Exec("DELETE FROM memory_drafts WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("deleting draft %s: %w", memoryID, err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
