package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreWithMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := OpenSQL(ctx, DialectSQLite, filepath.Join(t.TempDir(), "credsentry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	version, err := Migrate(s.DB(), DialectSQLite)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	again, err := Migrate(s.DB(), DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, version, again)

	exerciseStore(t, s)
}
