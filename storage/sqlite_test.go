package storage

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupTestSQLite creates a test SQLite database
func setupTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sqlite, err := NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err, "Failed to create SQLite database")
	require.NotNil(t, sqlite.DB, "Database connection should not be nil")
	t.Cleanup(func() { _ = sqlite.Close() })

	return sqlite
}

func TestNewSQLite_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "vitaview.db")

	sqlite, err := NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, dbPath, sqlite.Path)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	assert.NoError(t, sqlite.HealthCheck())
	require.NoError(t, sqlite.Close())
	assert.Error(t, sqlite.HealthCheck(), "Health check should fail on closed database")
}

func TestSQLite_CreateTables(t *testing.T) {
	sqlite := setupTestSQLite(t)

	for _, table := range []string{"role_assignments", "audit_records"} {
		var count int
		err := sqlite.ReadDB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "Table %s should exist", table)
	}
}

func TestSQLite_ReadPoolIsQueryOnly(t *testing.T) {
	sqlite := setupTestSQLite(t)

	_, err := sqlite.ReadDB.Exec(`DELETE FROM audit_records`)
	assert.Error(t, err, "Read pool must reject writes")
}

func TestSQLite_WithTransaction(t *testing.T) {
	sqlite := setupTestSQLite(t)
	insert := `INSERT INTO role_assignments (id, user_id, role_id, assigned_by, assigned_at) VALUES (?, 'u', 'r', 'a', '2024-01-01T00:00:00Z')`

	t.Run("commit", func(t *testing.T) {
		err := sqlite.WithTransaction(func(tx *sql.Tx) error {
			_, err := tx.Exec(insert, "a1")
			return err
		})
		require.NoError(t, err)
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := sqlite.WithTransaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(insert, "a2"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("rollback on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = sqlite.WithTransaction(func(tx *sql.Tx) error {
				_, _ = tx.Exec(insert, "a3")
				panic("boom")
			})
		})
	})

	var count int
	require.NoError(t, sqlite.ReadDB.QueryRow(`SELECT COUNT(*) FROM role_assignments`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestValidateDatabasePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative", "data/vitaview.db", false},
		{"memory", ":memory:", false},
		{"temp dir", filepath.Join(os.TempDir(), "x.db"), false},
		{"empty", "", true},
		{"traversal", "../../etc/passwd", true},
		{"null byte", "data/x\x00.db", true},
		{"reserved", "data/CON.db", true},
		{"absolute", "/etc/vitaview.db", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDatabasePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
