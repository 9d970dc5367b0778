package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction of a journaled transfer.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Transfer status values.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Transfer is one journaled bulk transfer.
type Transfer struct {
	ID        string
	SessionID string
	Direction string
	Slot      string
	Save      bool
	Bytes     int64
	Chunks    int
	Status    string
	Digest    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeginTransfer journals a new transfer and returns its id.
func (s *Store) BeginTransfer(ctx context.Context, sessionID, direction, slot string, save bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO transfers (id, session_id, direction, slot, is_save) VALUES (?, ?, ?, ?, ?)",
		id, sessionID, direction, slot, save,
	)
	if err != nil {
		return "", fmt.Errorf("failed to log %s transfer: %w", direction, err)
	}
	return id, nil
}

// LogProgress records the bytes and chunks moved so far.
func (s *Store) LogProgress(ctx context.Context, id string, bytes int64, chunks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(ctx, id,
		"UPDATE transfers SET bytes = ?, chunks = ? WHERE id = ?",
		bytes, chunks, id,
	)
}

// CompleteTransfer marks a transfer as completed with the digest of the
// moved content.
func (s *Store) CompleteTransfer(ctx context.Context, id, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(ctx, id,
		"UPDATE transfers SET status = ?, digest = ? WHERE id = ?",
		StatusCompleted, digest, id,
	)
}

// AbortTransfer marks a transfer as aborted.
func (s *Store) AbortTransfer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(ctx, id,
		"UPDATE transfers SET status = ? WHERE id = ? AND status = ?",
		StatusAborted, id, StatusActive,
	)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update transfer %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: transfer %s", ErrNotFound, id)
	}
	return nil
}

// GetTransfer returns a journaled transfer.
func (s *Store) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	var tr Transfer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, direction, slot, is_save, bytes, chunks, status, digest, created_at, updated_at
		FROM transfers WHERE id = ?`, id,
	).Scan(&tr.ID, &tr.SessionID, &tr.Direction, &tr.Slot, &tr.Save, &tr.Bytes, &tr.Chunks, &tr.Status, &tr.Digest, &tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transfer %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return &tr, nil
}

// SessionTransfers lists the transfers of a session, oldest first.
func (s *Store) SessionTransfers(ctx context.Context, sessionID string) ([]Transfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, direction, slot, is_save, bytes, chunks, status, digest, created_at, updated_at
		FROM transfers WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var tr Transfer
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.Direction, &tr.Slot, &tr.Save, &tr.Bytes, &tr.Chunks, &tr.Status, &tr.Digest, &tr.CreatedAt, &tr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// AbortSession marks every active transfer of a session as aborted. It is
// called when the session disconnects mid-transfer.
func (s *Store) AbortSession(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"UPDATE transfers SET status = ? WHERE session_id = ? AND status = ?",
		StatusAborted, sessionID, StatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to abort session transfers: %w", err)
	}
	return result.RowsAffected()
}

// CleanupExpired removes finished transfers older than maxAge.
func (s *Store) CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge).Format("2006-01-02 15:04:05")
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM transfers WHERE status != ? AND updated_at < ?",
		StatusActive, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired transfers: %w", err)
	}
	return result.RowsAffected()
}
