package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesAndReopens(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "coop.db")
	t.Logf("Database path: %s", dbPath)

	db, err := Open(dbPath)
	require.NoError(t, err, "Opening new file failed")

	_, err = db.Exec(`CREATE TABLE test_table (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err, "Creating test_table failed")
	_, err = db.Exec(`INSERT INTO test_table (name) VALUES ('a')`)
	require.NoError(t, err)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	require.NoError(t, Checkpoint(db), "Checkpoint failed")
	require.NoError(t, db.Close(), "Closing DB failed")

	reopened, err := Open(dbPath)
	require.NoError(t, err, "Reopening existing file failed")
	defer reopened.Close()

	var count int
	require.NoError(t, reopened.QueryRow(`SELECT count(*) FROM test_table`).Scan(&count))
	assert.Equal(t, 1, count)
}
