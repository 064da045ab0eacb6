// Package testutil opens throwaway SQLite databases for tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casebook-app/migrate/internal/datastore"
	"github.com/casebook-app/migrate/internal/datastore/entities"
)

// NewManager returns an initialized manager backed by a SQLite file in a
// temporary directory. The connection is closed when the test ends.
func NewManager(t testing.TB) *datastore.Manager {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_foreign_keys=ON"
	mgr, err := datastore.Open(datastore.Config{Driver: datastore.DriverSQLite, DSN: dsn}, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Initialize())
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

// SeedUser inserts a user row directly, bypassing repository rules.
func SeedUser(t testing.TB, mgr *datastore.Manager, u *entities.User) *entities.User {
	t.Helper()
	require.NoError(t, mgr.DB().Create(u).Error)
	return u
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
