package migrations

import (
	"context"
	"database/sql"
)

// InitStoreMigrations adds the schema of the snapshot store
func InitStoreMigrations(runner *Runner) {
	runner.AddMigration(
		1,
		"Create slots table",
		`CREATE TABLE slots (
			role TEXT NOT NULL,
			name TEXT NOT NULL,
			data BLOB NOT NULL,
			digest TEXT NOT NULL,
			size INTEGER NOT NULL,
			is_save BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (role, name)
		)`,
	)

	runner.AddMigration(
		2,
		"Create trigger for slots updated_at",
		`CREATE TRIGGER trig_slots_updated_at
		AFTER UPDATE OF data ON slots
		BEGIN
			UPDATE slots SET updated_at = CURRENT_TIMESTAMP WHERE role = NEW.role AND name = NEW.name;
		END`,
	)

	runner.AddMigration(
		3,
		"Create transfers journal",
		`CREATE TABLE transfers (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('send', 'receive')),
			slot TEXT NOT NULL,
			is_save BOOLEAN NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL DEFAULT 0,
			chunks INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			digest TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	runner.AddMigration(
		4,
		"Create index on transfers session",
		`CREATE INDEX idx_transfers_session_id ON transfers(session_id)`,
	)

	runner.AddMigration(
		5,
		"Create trigger for transfers updated_at",
		`CREATE TRIGGER trig_transfers_updated_at
		AFTER UPDATE OF bytes, chunks, status ON transfers
		BEGIN
			UPDATE transfers SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END`,
	)
}

// BootstrapStore brings the snapshot store schema up to date
func BootstrapStore(ctx context.Context, db *sql.DB) error {
	runner := NewRunner(db)
	InitStoreMigrations(runner)
	return runner.Run(ctx)
}
