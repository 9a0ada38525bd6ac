package logrepl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
)

func TestLSNStoreLoadMissingFile(t *testing.T) {
	store := newLSNStore(filepath.Join(t.TempDir(), "absent", "checkpoint"))
	lsn, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(0), lsn)
}

func TestLSNStoreRoundTrip(t *testing.T) {
	store := newLSNStore(filepath.Join(t.TempDir(), "nested", "dir", "checkpoint"))

	want := pglogrepl.LSN(0x16B374D848)
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Overwrites advance the checkpoint in place.
	require.NoError(t, store.Save(want+100))
	got, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, want+100, got)
}

func TestLSNStoreInitCreatesMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")
	store := newLSNStore(path)

	require.NoError(t, store.Init())
	require.FileExists(t, path)

	lsn, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(0), lsn)

	// Init never clobbers an existing checkpoint.
	require.NoError(t, store.Save(42))
	require.NoError(t, store.Init())
	lsn, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(42), lsn)
}

func TestLSNStoreLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	_, err := newLSNStore(path).Load()
	require.ErrorContains(t, err, "malformed replication checkpoint")

	// An empty file behaves like a fresh session.
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0644))
	lsn, err := newLSNStore(path).Load()
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(0), lsn)
}
