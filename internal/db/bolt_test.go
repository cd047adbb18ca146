package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenBoltCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "engine.db")

	db, err := OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.FileExists(t, path)
}
