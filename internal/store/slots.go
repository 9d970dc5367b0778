package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Slot is one stored snapshot.
type Slot struct {
	Role      string
	Name      string
	Data      []byte
	Digest    string
	Size      int
	Save      bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SlotInfo describes a slot without its content.
type SlotInfo struct {
	Role      string
	Name      string
	Digest    string
	Size      int
	Save      bool
	UpdatedAt time.Time
}

// PutSlot stores data in the slot, replacing any previous content, and
// returns the content digest.
func (s *Store) PutSlot(ctx context.Context, role, name string, data []byte, save bool) (string, error) {
	if data == nil {
		data = []byte{}
	}
	digest := Digest(data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slots (role, name, data, digest, size, is_save)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(role, name) DO UPDATE SET
			data = excluded.data,
			digest = excluded.digest,
			size = excluded.size,
			is_save = excluded.is_save`,
		role, name, data, digest, len(data), save,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store slot %s/%s: %w", role, name, err)
	}
	return digest, nil
}

// GetSlot returns the slot content after verifying its digest.
func (s *Store) GetSlot(ctx context.Context, role, name string) (*Slot, error) {
	var slot Slot
	err := s.db.QueryRowContext(ctx, `
		SELECT role, name, data, digest, size, is_save, created_at, updated_at
		FROM slots WHERE role = ? AND name = ?`,
		role, name,
	).Scan(&slot.Role, &slot.Name, &slot.Data, &slot.Digest, &slot.Size, &slot.Save, &slot.CreatedAt, &slot.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: slot %s/%s", ErrNotFound, role, name)
		}
		return nil, fmt.Errorf("failed to get slot %s/%s: %w", role, name, err)
	}

	if Digest(slot.Data) != slot.Digest {
		return nil, fmt.Errorf("%w: %s/%s", ErrCorrupt, role, name)
	}
	return &slot, nil
}

// DeleteSlot removes a slot.
func (s *Store) DeleteSlot(ctx context.Context, role, name string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM slots WHERE role = ? AND name = ?", role, name)
	if err != nil {
		return fmt.Errorf("failed to delete slot %s/%s: %w", role, name, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: slot %s/%s", ErrNotFound, role, name)
	}
	return nil
}

// ListSlots returns every slot ordered by role and name.
func (s *Store) ListSlots(ctx context.Context) ([]SlotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, name, digest, size, is_save, updated_at
		FROM slots ORDER BY role, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer rows.Close()

	var infos []SlotInfo
	for rows.Next() {
		var info SlotInfo
		if err := rows.Scan(&info.Role, &info.Name, &info.Digest, &info.Size, &info.Save, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slots: %w", err)
	}
	return infos, nil
}
