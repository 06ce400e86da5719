package boltdb

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refdb/refdbtest"
	"github.com/odvcencio/refdb/pkg/refs"
)

func openTemp(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "refs.bolt"), WithNoSync(true))
	require.NoError(t, err)
	return b
}

func TestConformance(t *testing.T) {
	refdbtest.Run(t, func(t *testing.T) refdb.Backend {
		return openTemp(t)
	})
}

func TestRenameReflog_KeepsSequence(t *testing.T) {
	b := openTemp(t)
	defer b.Free()

	who := refdb.Signature{Name: "T", Email: "t@example.com", When: time.Unix(1700000000, 0)}
	require.NoError(t, b.AppendReflog("refs/heads/a", refdb.ReflogEntry{New: refdbtest.H1, Who: who, Message: "one"}))
	require.NoError(t, b.RenameReflog("refs/heads/a", "refs/heads/b"))
	require.NoError(t, b.AppendReflog("refs/heads/b", refdb.ReflogEntry{Old: refdbtest.H1, New: refdbtest.H2, Who: who, Message: "two"}))

	entries, err := b.ReadReflog("refs/heads/b")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Message)
	assert.Equal(t, "one", entries[1].Message)
	assert.Equal(t, object.ZeroID, entries[1].Old)
}

func TestIterate_SeeksPrefix(t *testing.T) {
	b := openTemp(t)
	defer b.Free()

	for _, name := range []string{"refs/heads/main", "refs/remotes/origin/main", "refs/tags/v1", "HEAD"} {
		require.NoError(t, b.WriteDirect(name, refdbtest.H1, false))
	}
	it, err := b.Iterate("refs/remotes/*")
	require.NoError(t, err)
	got, err := refdb.Collect(it, refs.KindAll)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "refs/remotes/origin/main", got[0].Name)
}

func TestFree_ThenCallsFail(t *testing.T) {
	b := openTemp(t)
	require.NoError(t, b.Free())

	_, err := b.Lookup("HEAD")
	assert.True(t, errors.Is(err, refdb.ErrClosed), "Lookup after Free: %v", err)
	assert.ErrorIs(t, b.Free(), refdb.ErrClosed)
}
