// Package store persists snapshot slots and the bulk transfer journal in a
// local SQLite database. Slots are keyed by the owning role ("host" or
// "client") and a slot name ("battle" or "base"); their content is opaque.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/coopsync/coopsync/internal/log"
	"github.com/coopsync/coopsync/internal/migrations"
	"github.com/coopsync/coopsync/internal/sqlite"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrNotFound is returned when a slot or transfer does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCorrupt is returned when a slot's content no longer matches its digest.
	ErrCorrupt = errors.New("slot digest mismatch")
)

// Store wraps the database handle.
type Store struct {
	db *sql.DB
	// mu serializes journal writes coming from the bulk worker and the
	// simulation goroutine.
	mu sync.Mutex
}

// Open opens or creates the store at path and migrates its schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := migrations.BootstrapStore(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := sqlite.Checkpoint(s.db); err != nil {
		log.Warn().Err(err).Msg("Failed to checkpoint store before closing")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// Digest returns the hex BLAKE2b-256 digest used to verify slot content.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
