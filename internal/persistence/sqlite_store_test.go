package persistence

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// An in-memory database exists per connection; a second pooled
	// connection would see an empty schema.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storeUnderTest {
		store, err := NewSQLiteStore(newSQLiteDB(t))
		require.NoError(t, err)
		return storeUnderTest{Runs: store, Tasks: store}
	})
}

func TestSQLiteStoreSchemaIdempotent(t *testing.T) {
	db := newSQLiteDB(t)
	_, err := NewSQLiteStore(db)
	require.NoError(t, err)
	_, err = NewSQLiteStore(db)
	require.NoError(t, err)
}
