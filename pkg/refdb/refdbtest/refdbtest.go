// Package refdbtest is a conformance suite every refdb.Backend must pass.
package refdbtest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// Factory returns a fresh, empty backend. The suite frees it.
type Factory func(t *testing.T) refdb.Backend

var (
	H1 = object.MustParseID("be3563ae3f795b2b4353bcce3a527ad0a4f7f644be3563ae3f795b2b4353bcce")
	H2 = object.MustParseID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
)

// Run executes the suite.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b refdb.Backend)
	}{
		{"LookupMissing", testLookupMissing},
		{"WriteDirectAndLookup", testWriteDirectAndLookup},
		{"NoAccidentalOverwrite", testNoAccidentalOverwrite},
		{"ForceOverwritesEitherKind", testForceOverwritesEitherKind},
		{"ForceWriteIdempotent", testForceWriteIdempotent},
		{"RenamePreservesPayload", testRenamePreservesPayload},
		{"RenameMissingIsNotFound", testRenameMissingIsNotFound},
		{"RenameConflict", testRenameConflict},
		{"RenameAcrossDirectoryBoundary", testRenameAcrossDirectoryBoundary},
		{"DeleteAbsentIsNoop", testDeleteAbsentIsNoop},
		{"IterateGlob", testIterateGlob},
		{"IterateStableAndSnapshot", testIterateStableAndSnapshot},
		{"IterateNames", testIterateNames},
		{"DanglingSymbolic", testDanglingSymbolic},
		{"ConcurrentUnforcedSingleWinner", testConcurrentUnforcedSingleWinner},
		{"Compress", testCompress},
		{"Reflog", testReflog},
		{"ReflogRenameReplacesTarget", testReflogRenameReplacesTarget},
		{"Lock", testLock},
		{"CompareAndSwap", testCompareAndSwap},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := factory(t)
			t.Cleanup(func() { _ = b.Free() })
			tc.fn(t, b)
		})
	}
}

func lookup(t *testing.T, b refdb.Backend, name string) refs.Record {
	t.Helper()
	rec, err := b.Lookup(name)
	require.NoError(t, err, "Lookup(%s)", name)
	return rec
}

func testLookupMissing(t *testing.T, b refdb.Backend) {
	ok, err := b.Exists("refs/heads/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Lookup("refs/heads/missing")
	assert.ErrorIs(t, err, refdb.ErrNotFound)
}

func testWriteDirectAndLookup(t *testing.T, b refdb.Backend) {
	require.NoError(t, b.WriteDirect("refs/heads/newref", H1, false))
	require.NoError(t, b.WriteSymbolic("HEAD", "refs/heads/newref", false))

	ok, err := b.Exists("refs/heads/newref")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, lookup(t, b, "refs/heads/newref").Equal(refs.Direct(H1)))
	assert.True(t, lookup(t, b, "HEAD").Equal(refs.Symbolic("refs/heads/newref")))
}

func testNoAccidentalOverwrite(t *testing.T, b refdb.Backend) {
	require.NoError(t, b.WriteDirect("refs/heads/direct", H1, false))
	require.NoError(t, b.WriteSymbolic("refs/heads/sym", "refs/heads/direct", false))

	err := b.WriteDirect("refs/heads/direct", H2, false)
	require.ErrorIs(t, err, refdb.ErrConflict)
	var conflict *refdb.ConflictError
	if errors.As(err, &conflict) && conflict.Existing != refs.KindInvalid {
		assert.Equal(t, refs.KindDirect, conflict.Existing)
	}
	assert.True(t, lookup(t, b, "refs/heads/direct").Equal(refs.Direct(H1)))

	err = b.WriteSymbolic("refs/heads/sym", "refs/heads/other", false)
	require.ErrorIs(t, err, refdb.ErrConflict)
	assert.True(t, lookup(t, b, "refs/heads/sym").Equal(refs.Symbolic("refs/heads/direct")))

	// A symbolic write over a direct entry conflicts too.
	err = b.WriteSymbolic("refs/heads/direct", "refs/heads/sym", false)
	require.ErrorIs(t, err, refdb.ErrConflict)
	assert.True(t, lookup(t, b, "refs/heads/direct").Equal(refs.Direct(H1)))
}

func testForceOverwritesEitherKind(t *testing.T, b refdb.Backend) {
	require.NoError(t, b.WriteDirect("refs/heads/directRef", H1, false))
	require.NoError(t, b.WriteDirect("refs/heads/directRef2", H1, false))
	require.NoError(t, b.WriteSymbolic("refs/heads/newref", "refs/heads/directRef", false))

	require.NoError(t, b.WriteSymbolic("refs/heads/newref", "refs/heads/directRef2", true))
	assert.True(t, lookup(t, b, "refs/heads/newref").Equal(refs.Symbolic("refs/heads/directRef2")))

	require.NoError(t, b.WriteDirect("refs/heads/newref", H2, true))
	assert.True(t, lookup(t, b, "refs/heads/newref").Equal(refs.Direct(H2)))

	require.NoError(t, b.WriteSymbolic("refs/heads/directRef", "refs/heads/newref", true))
	assert.True(t, lookup(t, b, "refs/heads/directRef").Equal(refs.Symbolic("refs/heads/newref")))
}

func testForceWriteIdempotent(t *testing.T, b refdb.Backend) {
	require.NoError(t, b.WriteDirect("refs/heads/x", H1, true))
	once := snapshot(t, b)
	require.NoError(t, b.WriteDirect("refs/heads/x", H1, true))
	assert.Equal(t, once, snapshot(t, b))

	require.NoError(t, b.WriteSymbolic("refs/heads/y", "refs/heads/x", true))
	once = snapshot(t, b)
	require.NoError(t, b.WriteSymbolic("refs/heads/y", "refs/heads/x", true))
	assert.Equal(t, once, snapshot(t, b))
}

func testRenamePreservesPayload(t *testing.T, b refdb.Backend) {
	require.NoError(t, b.WriteDirect("refs/heads/testref", H1, false))
	require.NoError(t, b.WriteSymbolic("refs/heads/sym", "refs/heads/testref", false))

	rec, err := b.Rename("refs/heads/testref", "refs/heads/testref2", false)
	require.NoError(t, err)
	assert.True(t, rec.Equal(refs.Direct(H1)))

	ok, err := b.Exists("refs/heads/testref")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, lookup(t, b, "refs/heads/testref2").Equal(refs.Direct(H1)))

	rec, err = b.Rename("refs/heads/sym", "refs/heads/a/sym", false)
	require.NoError(t, err)
	assert.True(t, rec.Equal(refs.Symbolic("refs/heads/testref")))
	assert.True(t, lookup(t, b, "refs/heads/a/sym").Equal(refs.Symbolic("refs/heads/testref")))
}

func testRenameMissingIsNotFound(t *testing.T, b refdb.Backend) {
	_, err := b.Rename("refs/heads/testref", "refs/heads/testref2", false)
	assert.ErrorIs(t, err, refdb.ErrNotFound)

	require.NoError(t, b.WriteDirect("refs/heads/testref2", H1, false))
	_, err = b.Rename("refs/heads/testref", "refs/heads/testref2", false)
	assert.ErrorIs(t, err, refdb.ErrNotFound)
	_, err = b.Rename("refs/heads/testref", "refs/heads/testref2", true)
	assert.ErrorIs(t, err, refdb.ErrNotFound)
	assert.True(t, lookup(t, b, "refs/heads/testref2").Equal(refs.Direct(H1)))

	// The missing source is reported even when the target is malformed.
	_, err = b.Rename("refs/heads/testref", "refs/heads/bad..name", false)
	assert.ErrorIs(t, err, refdb.ErrNotFound)
}

func testRenameAcrossDirectoryBoundary(t *testing.T, b refdb.Backend) {
	require.NoError(t, b.WriteDirect("refs/heads/a/b", H1, false))
	rec, err := b.Rename("refs/heads/a/b", "refs/heads/a", false)
	require.NoError(t, err)
	assert.True(t, rec.Equal(refs.Direct(H1)))
	assert.True(t, lookup(t, b, "refs/heads/a").Equal(refs.Direct(H1)))
	ok, err := b.Exists("refs/heads/a/b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.WriteSymbolic("refs/heads/c", "refs/heads/a", false))
	rec, err = b.Rename("refs/heads/c", "refs/heads/c/d", false)
	require.NoError(t, err)
	assert.True(t, rec.Equal(refs.Symbolic("refs/heads/a")))
	assert.True(t, lookup(t, b, "refs/heads/c/d").Equal(refs.Symbolic("refs/heads/a")))
	ok, err = b.Exists("refs/heads/c")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"refs/heads/a", "refs/heads/c/d"}, names(t, b, "refs/heads/*"))
}

func testRenameConflict(t *testing.T, b refdb.Backend) {
	require.NoError(t, b.WriteDirect("refs/heads/testref", H1, false))
	require.NoError(t, b.WriteDirect("refs/heads/testref2", H2, false))

	_, err := b.Rename("refs/heads/testref", "refs/heads/testref2", false)
	require.ErrorIs(t, err, refdb.ErrConflict)
	assert.True(t, lookup(t, b, "refs/heads/testref").Equal(refs.Direct(H1)))
	assert.True(t, lookup(t, b, "refs/heads/testref2").Equal(refs.Direct(H2)))

	rec, err := b.Rename("refs/heads/testref", "refs/heads/testref2", true)
	require.NoError(t, err)
	assert.True(t, rec.Equal(refs.Direct(H1)))
	assert.True(t, lookup(t, b, "refs/heads/testref2").Equal(refs.Direct(H1)))
	ok, err := b.Exists("refs/heads/testref")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testDeleteAbsentIsNoop(t *testing.T, b refdb.Backend) {
	require.NoError(t, b.Delete("refs/heads/never"))

	require.NoError(t, b.WriteDirect("refs/heads/gone", H1, false))
	require.NoError(t, b.Delete("refs/heads/gone"))
	ok, err := b.Exists("refs/heads/gone")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, b.Delete("refs/heads/gone"))
}

func seedHeads(t *testing.T, b refdb.Backend) {
	t.Helper()
	require.NoError(t, b.WriteSymbolic("HEAD", "refs/heads/testref", false))
	require.NoError(t, b.WriteDirect("refs/heads/testref", H1, false))
	require.NoError(t, b.WriteSymbolic("refs/heads/othersymbolic", "refs/heads/testref", false))
	require.NoError(t, b.WriteDirect("refs/heads/a/b", H2, false))
	require.NoError(t, b.WriteDirect("refs/tags/testref", H2, false))
}

func names(t *testing.T, b refdb.Backend, glob string) []string {
	t.Helper()
	it, err := b.Iterate(glob)
	require.NoError(t, err)
	got, err := refdb.Collect(it, refs.KindAll)
	require.NoError(t, err)
	out := make([]string, 0, len(got))
	for _, r := range got {
		out = append(out, r.Name)
	}
	return out
}

func snapshot(t *testing.T, b refdb.Backend) []string {
	t.Helper()
	it, err := b.Iterate("")
	require.NoError(t, err)
	got, err := refdb.Collect(it, refs.KindAll)
	require.NoError(t, err)
	out := make([]string, 0, len(got))
	for _, r := range got {
		out = append(out, r.String())
	}
	return out
}

func testIterateGlob(t *testing.T, b refdb.Backend) {
	seedHeads(t, b)

	assert.Equal(t, []string{"refs/heads/a/b", "refs/heads/othersymbolic", "refs/heads/testref"}, names(t, b, "refs/heads/*"))
	assert.Equal(t, []string{"refs/heads/testref"}, names(t, b, "refs/heads/?estref"))
	assert.Empty(t, names(t, b, "refs/heads/estref"))
	assert.Equal(t, []string{"HEAD", "refs/heads/a/b", "refs/heads/othersymbolic", "refs/heads/testref", "refs/tags/testref"}, names(t, b, ""))
	assert.Equal(t, []string{"refs/heads/testref", "refs/tags/testref"}, names(t, b, "refs/*/testref"))
}

func testIterateStableAndSnapshot(t *testing.T, b refdb.Backend) {
	seedHeads(t, b)
	first := snapshot(t, b)
	assert.Equal(t, first, snapshot(t, b))

	it, err := b.Iterate("refs/heads/*")
	require.NoError(t, err)
	require.NoError(t, b.WriteDirect("refs/heads/zzz-late", H1, false))
	got, err := refdb.Collect(it, refs.KindAll)
	require.NoError(t, err)
	for _, r := range got {
		assert.NotEqual(t, "refs/heads/zzz-late", r.Name, "iterator saw an entry written after it was created")
	}
}

func testIterateNames(t *testing.T, b refdb.Backend) {
	seedHeads(t, b)
	it, err := b.Iterate("refs/heads/*")
	require.NoError(t, err)
	got, err := refdb.CollectNames(it)
	require.NoError(t, err)
	assert.Equal(t, []string{"refs/heads/a/b", "refs/heads/othersymbolic", "refs/heads/testref"}, got)
}

func testDanglingSymbolic(t *testing.T, b refdb.Backend) {
	require.NoError(t, b.WriteDirect("refs/heads/testref", H1, false))
	require.NoError(t, b.WriteSymbolic("HEAD", "refs/heads/testref", false))
	require.NoError(t, b.Delete("refs/heads/testref"))

	assert.True(t, lookup(t, b, "HEAD").Equal(refs.Symbolic("refs/heads/testref")))
	_, err := b.Lookup("refs/heads/testref")
	assert.ErrorIs(t, err, refdb.ErrNotFound)
}

func testConcurrentUnforcedSingleWinner(t *testing.T, b refdb.Backend) {
	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	successCh := make(chan object.ID, workers)
	errCh := make(chan error, workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			id := object.HashBytes([]byte(fmt.Sprint(i)))
			if err := b.WriteDirect("refs/heads/feature", id, false); err != nil {
				errCh <- err
				return
			}
			successCh <- id
		}()
	}
	wg.Wait()
	close(successCh)
	close(errCh)

	require.Len(t, successCh, 1)
	winner := <-successCh
	for err := range errCh {
		assert.ErrorIs(t, err, refdb.ErrConflict)
	}
	assert.True(t, lookup(t, b, "refs/heads/feature").Equal(refs.Direct(winner)))
}

func testCompress(t *testing.T, b refdb.Backend) {
	c, ok := b.(refdb.Compressor)
	if !b.Capabilities().Has(refdb.CapCompress) || !ok {
		t.Skip("compress not advertised")
	}
	seedHeads(t, b)
	before := snapshot(t, b)
	require.NoError(t, c.Compress())
	assert.Equal(t, before, snapshot(t, b))

	// Entries stay writable and deletable after compression.
	require.NoError(t, b.WriteDirect("refs/heads/testref", H2, true))
	assert.True(t, lookup(t, b, "refs/heads/testref").Equal(refs.Direct(H2)))
	require.NoError(t, b.Delete("refs/tags/testref"))
	ok, err := b.Exists("refs/tags/testref")
	require.NoError(t, err)
	assert.False(t, ok)
	err = b.WriteDirect("refs/heads/a/b", H1, false)
	assert.ErrorIs(t, err, refdb.ErrConflict)
}

func testReflog(t *testing.T, b refdb.Backend) {
	rl, ok := b.(refdb.Reflogger)
	if !b.Capabilities().Has(refdb.CapReflog) || !ok {
		t.Skip("reflog not advertised")
	}
	const name = "refs/heads/main"
	has, err := rl.HasReflog(name)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, rl.EnsureReflog(name))
	has, err = rl.HasReflog(name)
	require.NoError(t, err)
	assert.True(t, has)

	who := refdb.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(1700000000, 0)}
	require.NoError(t, rl.AppendReflog(name, refdb.ReflogEntry{Old: object.ZeroID, New: H1, Who: who, Message: "create"}))
	require.NoError(t, rl.AppendReflog(name, refdb.ReflogEntry{Old: H1, New: H2, Who: who, Message: "update: fast-forward"}))

	entries, err := rl.ReadReflog(name)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, H2, entries[0].New)
	assert.Equal(t, "update: fast-forward", entries[0].Message)
	assert.Equal(t, H1, entries[1].New)
	assert.Equal(t, "Test", entries[1].Who.Name)
	assert.Equal(t, "test@example.com", entries[1].Who.Email)
	assert.Equal(t, int64(1700000000), entries[1].Who.When.Unix())

	require.NoError(t, rl.RenameReflog(name, "refs/heads/renamed"))
	has, err = rl.HasReflog(name)
	require.NoError(t, err)
	assert.False(t, has)
	entries, err = rl.ReadReflog("refs/heads/renamed")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, rl.DeleteReflog("refs/heads/renamed"))
	entries, err = rl.ReadReflog("refs/heads/renamed")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testReflogRenameReplacesTarget(t *testing.T, b refdb.Backend) {
	rl, ok := b.(refdb.Reflogger)
	if !b.Capabilities().Has(refdb.CapReflog) || !ok {
		t.Skip("reflog not advertised")
	}
	who := refdb.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(1700000000, 0)}
	require.NoError(t, rl.AppendReflog("refs/heads/a", refdb.ReflogEntry{New: H1, Who: who, Message: "a1"}))
	require.NoError(t, rl.AppendReflog("refs/heads/b", refdb.ReflogEntry{New: H2, Who: who, Message: "b1"}))

	require.NoError(t, rl.RenameReflog("refs/heads/a", "refs/heads/b"))
	entries, err := rl.ReadReflog("refs/heads/b")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a1", entries[0].Message)
	assert.Equal(t, H1, entries[0].New)
}

func testLock(t *testing.T, b refdb.Backend) {
	lk, ok := b.(refdb.Locker)
	if !b.Capabilities().Has(refdb.CapLock) || !ok {
		t.Skip("lock not advertised")
	}
	const name = "refs/heads/locked"
	require.NoError(t, lk.Lock(name))
	assert.ErrorIs(t, lk.Lock(name), refdb.ErrLocked)

	require.NoError(t, lk.Unlock(name, refdb.Unlock{Action: refdb.UnlockWrite, Record: refs.Direct(H1)}))
	assert.True(t, lookup(t, b, name).Equal(refs.Direct(H1)))

	assert.ErrorIs(t, lk.Unlock(name, refdb.Unlock{}), refdb.ErrNotLocked)

	require.NoError(t, lk.Lock(name))
	err := lk.Unlock(name, refdb.Unlock{Action: refdb.UnlockWrite, Record: refs.Direct(H2)})
	assert.ErrorIs(t, err, refdb.ErrConflict)
	assert.True(t, lookup(t, b, name).Equal(refs.Direct(H1)))

	require.NoError(t, lk.Lock(name))
	require.NoError(t, lk.Unlock(name, refdb.Unlock{Action: refdb.UnlockDelete}))
	ok, err = b.Exists(name)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lk.Lock(name))
	require.NoError(t, lk.Unlock(name, refdb.Unlock{Action: refdb.UnlockDiscard}))
	require.NoError(t, lk.Lock(name))
	require.NoError(t, lk.Unlock(name, refdb.Unlock{}))
}

func testCompareAndSwap(t *testing.T, b refdb.Backend) {
	cas, ok := b.(refdb.CASWriter)
	if !b.Capabilities().Has(refdb.CapCAS) || !ok {
		t.Skip("compare-and-swap not advertised")
	}
	const name = "refs/heads/main"

	require.NoError(t, cas.CompareAndWrite(refs.NewDirect(name, H1), refs.Record{}))
	err := cas.CompareAndWrite(refs.NewDirect(name, H2), refs.Record{})
	assert.ErrorIs(t, err, refdb.ErrCASMismatch)

	err = cas.CompareAndWrite(refs.NewDirect(name, H2), refs.Direct(H2))
	assert.ErrorIs(t, err, refdb.ErrCASMismatch)
	assert.True(t, lookup(t, b, name).Equal(refs.Direct(H1)))

	require.NoError(t, cas.CompareAndWrite(refs.NewDirect(name, H2), refs.Direct(H1)))
	assert.True(t, lookup(t, b, name).Equal(refs.Direct(H2)))

	assert.ErrorIs(t, cas.CompareAndDelete(name, refs.Direct(H1)), refdb.ErrCASMismatch)
	require.NoError(t, cas.CompareAndDelete(name, refs.Direct(H2)))
	ok, err = b.Exists(name)
	require.NoError(t, err)
	assert.False(t, ok)
}
