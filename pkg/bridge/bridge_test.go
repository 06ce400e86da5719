package bridge_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/refdb/pkg/bridge"
	"github.com/odvcencio/refdb/pkg/native"
	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refdb/memdb"
	"github.com/odvcencio/refdb/pkg/refdb/refdbtest"
	"github.com/odvcencio/refdb/pkg/refs"
)

var (
	h1 = refdbtest.H1
	h2 = refdbtest.H2
)

func openMem(t *testing.T, opts ...memdb.Option) (*native.Refdb, *native.Heap) {
	t.Helper()
	heap := native.NewHeap()
	db, err := bridge.Open(memdb.New(opts...), heap)
	require.NoError(t, err)
	return db, heap
}

func TestScenario_DeleteLeavesDanglingHead(t *testing.T) {
	db, heap := openMem(t)

	require.NoError(t, db.Write(refs.NewDirect("refs/heads/testref", h1), native.WriteOptions{}))
	require.NoError(t, db.Write(refs.NewSymbolic("HEAD", "refs/heads/testref"), native.WriteOptions{}))

	resolved, err := db.Resolve("HEAD")
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/testref", resolved.Name)
	assert.True(t, resolved.Record.Equal(refs.Direct(h1)))

	require.NoError(t, db.Delete("refs/heads/testref", nil))

	head, err := db.Lookup("HEAD")
	require.NoError(t, err)
	assert.True(t, head.Equal(refs.Symbolic("refs/heads/testref")))

	_, err = db.Resolve("HEAD")
	assert.ErrorIs(t, err, refdb.ErrNotFound)

	db.Free()
	assert.Zero(t, heap.Live(), "leaked: %v", heap.LiveKinds())
}

func TestScenario_DirectOnlyTags(t *testing.T) {
	db, heap := openMem(t)

	require.NoError(t, db.Write(refs.NewDirect("refs/tags/correct1", h1), native.WriteOptions{}))
	for _, name := range []string{"refs/tags/broken1", "refs/tags/broken2", "refs/tags/broken3"} {
		require.NoError(t, db.Write(refs.NewSymbolic(name, "refs/heads/nonexistent"), native.WriteOptions{}))
	}

	it, err := db.Iterate("refs/tags/*")
	require.NoError(t, err)
	got, err := refdb.Collect(it, refs.KindDirect)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "refs/tags/correct1", got[0].Name)

	db.Free()
	assert.Zero(t, heap.Live(), "leaked: %v", heap.LiveKinds())
}

func TestWrite_SignatureAppendsReflog(t *testing.T) {
	db, heap := openMem(t)
	defer db.Free()

	who := &refdb.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(1700000000, 0).In(time.FixedZone("", 2*3600))}
	name := "refs/heads/main"
	require.NoError(t, db.Write(refs.NewDirect(name, h1), native.WriteOptions{Who: who, Message: "create"}))

	expected := refs.Direct(h1)
	require.NoError(t, db.Write(refs.NewDirect(name, h2), native.WriteOptions{Who: who, Message: "update", Expected: &expected}))

	entries, err := db.ReadReflog(name)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, h1, entries[0].Old)
	assert.Equal(t, h2, entries[0].New)
	assert.Equal(t, "update", entries[0].Message)
	assert.Equal(t, object.ZeroID, entries[1].Old)
	assert.Equal(t, h1, entries[1].New)
	_, offset := entries[1].Who.When.Zone()
	assert.Equal(t, 2*3600, offset)
	assert.Equal(t, int64(1700000000), entries[1].Who.When.Unix())

	assert.Zero(t, heap.Live(), "leaked: %v", heap.LiveKinds())
}

func TestWrite_PreconditionMismatch(t *testing.T) {
	db, _ := openMem(t)
	defer db.Free()

	name := "refs/heads/main"
	absent := refs.Record{}
	require.NoError(t, db.Write(refs.NewDirect(name, h1), native.WriteOptions{Expected: &absent}))

	err := db.Write(refs.NewDirect(name, h2), native.WriteOptions{Expected: &absent})
	assert.ErrorIs(t, err, refdb.ErrCASMismatch)
	assert.Equal(t, native.CodeModified, native.CodeOf(err))

	wrong := refs.Direct(h2)
	assert.ErrorIs(t, db.Delete(name, &wrong), refdb.ErrCASMismatch)
	right := refs.Direct(h1)
	require.NoError(t, db.Delete(name, &right))
}

func TestWrite_PreconditionWithoutCAS(t *testing.T) {
	db, _ := openMem(t, memdb.WithCapabilities(refdb.CapReflog))
	defer db.Free()

	absent := refs.Record{}
	err := db.Write(refs.NewDirect("refs/heads/main", h1), native.WriteOptions{Expected: &absent})
	assert.ErrorIs(t, err, refdb.ErrUnsupported)

	ok, err := db.Exists("refs/heads/main")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRename_MovesReflog(t *testing.T) {
	db, _ := openMem(t)
	defer db.Free()

	who := &refdb.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(1700000000, 0)}
	require.NoError(t, db.Write(refs.NewDirect("refs/heads/old", h1), native.WriteOptions{Who: who, Message: "create"}))

	rec, err := db.Rename("refs/heads/old", "refs/heads/new", native.WriteOptions{Who: who, Message: "rename"})
	require.NoError(t, err)
	assert.True(t, rec.Equal(refs.Direct(h1)))

	has, err := db.HasReflog("refs/heads/old")
	require.NoError(t, err)
	assert.False(t, has)

	entries, err := db.ReadReflog("refs/heads/new")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "rename", entries[0].Message)
	assert.Equal(t, h1, entries[0].Old)
	assert.Equal(t, h1, entries[0].New)
}

func TestDelete_DropsReflog(t *testing.T) {
	db, _ := openMem(t)
	defer db.Free()

	who := &refdb.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(1700000000, 0)}
	require.NoError(t, db.Write(refs.NewDirect("refs/heads/gone", h1), native.WriteOptions{Who: who}))
	require.NoError(t, db.Delete("refs/heads/gone", nil))

	has, err := db.HasReflog("refs/heads/gone")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestNegotiate_InstallsOnlyImplementedSlots(t *testing.T) {
	b := bridge.New(memdb.New(memdb.WithCapabilities(refdb.CapCompress)), nil)
	table := b.Bind()
	defer table.Free(table.Handle)

	assert.Equal(t, refdb.CapCompress, b.Capabilities())
	assert.NotNil(t, table.Compress)
	assert.Nil(t, table.HasLog)
	assert.Nil(t, table.ReflogRead)
	assert.Nil(t, table.Lock)
	assert.Nil(t, table.Unlock)
}

// advertiser claims every capability but implements only the base
// contract.
type advertiser struct{ refdb.Backend }

func (advertiser) Capabilities() refdb.Capabilities {
	return refdb.CapCompress | refdb.CapReflog | refdb.CapLock | refdb.CapCAS
}

func TestNegotiate_AdvertisedButMissing(t *testing.T) {
	heap := native.NewHeap()
	b := bridge.New(advertiser{memdb.New()}, heap)
	table := b.Bind()

	assert.Equal(t, refdb.Capabilities(0), b.Capabilities())
	assert.Nil(t, table.Compress)
	assert.Nil(t, table.EnsureLog)
	assert.Nil(t, table.Lock)

	db, err := native.Open(table, heap)
	require.NoError(t, err)
	defer db.Free()
	assert.ErrorIs(t, db.Compress(), refdb.ErrUnsupported)
	_, err = db.ReadReflog("HEAD")
	assert.ErrorIs(t, err, refdb.ErrUnsupported)
	_, err = db.Lock("HEAD")
	assert.ErrorIs(t, err, refdb.ErrUnsupported)
}

func TestLifecycle(t *testing.T) {
	b := bridge.New(memdb.New(), nil)
	assert.Equal(t, bridge.StateUnbound, b.State())
	assert.Panics(t, func() { b.Table() })

	table := b.Bind()
	assert.Equal(t, bridge.StateBound, b.State())
	assert.Same(t, table, b.Table())
	assert.Panics(t, func() { b.Bind() })

	h := table.Handle
	table.Free(h)
	assert.Equal(t, bridge.StateFreed, b.State())
	assert.Panics(t, func() { b.Table() })

	var e native.ErrorBuf
	var exists int32
	assert.Panics(t, func() { table.Exists(&exists, h, native.CString("HEAD"), &e) }, "call through freed handle")
	assert.Panics(t, func() { table.Free(h) }, "second free")
}

func TestFree_ClosesOpenIterators(t *testing.T) {
	heap := native.NewHeap()
	backend := memdb.New()
	backend.Set("refs/heads/main", refs.Direct(h1))
	b := bridge.New(backend, heap)
	table := b.Bind()

	var e native.ErrorBuf
	var it native.Iterator
	require.Equal(t, native.CodeOK, table.Iter(&it, table.Handle, native.CString(""), &e))
	assert.Equal(t, 1, b.OpenIterators())

	table.Free(table.Handle)
	assert.Equal(t, 0, b.OpenIterators())

	var out *native.Ref
	assert.Panics(t, func() { it.Table.Next(&out, it.Handle, &e) })
	assert.Zero(t, heap.Live())
}

func TestIterator_NamesAndExhaustion(t *testing.T) {
	heap := native.NewHeap()
	backend := memdb.New()
	backend.Set("refs/heads/a", refs.Direct(h1))
	backend.Set("refs/heads/b", refs.Symbolic("refs/heads/a"))
	table := bridge.Bind(backend, heap)
	defer table.Free(table.Handle)

	var e native.ErrorBuf
	var it native.Iterator
	require.Equal(t, native.CodeOK, table.Iter(&it, table.Handle, native.CString("refs/heads/*"), &e))
	defer it.Table.Free(it.Handle)

	var name native.CStr
	require.Equal(t, native.CodeOK, it.Table.NextName(&name, it.Handle, &e))
	assert.Equal(t, "refs/heads/a", name.String())

	var ref *native.Ref
	require.Equal(t, native.CodeOK, it.Table.Next(&ref, it.Handle, &e))
	assert.Equal(t, native.RefSymbolic, ref.Type())
	assert.Equal(t, "refs/heads/a", ref.Target().String())
	heap.FreeRef(ref)

	assert.Equal(t, native.CodeIterOver, it.Table.Next(&ref, it.Handle, &e))
	_, set := e.Message()
	assert.False(t, set, "iteration end carries no message")
}

func TestLock_TokenRoundTrip(t *testing.T) {
	db, heap := openMem(t)
	defer db.Free()

	token, err := db.Lock("refs/heads/main")
	require.NoError(t, err)
	_, err = db.Lock("refs/heads/main")
	assert.ErrorIs(t, err, refdb.ErrLocked)

	who := refdb.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(1700000000, 0)}
	require.NoError(t, db.Unlock(token, refdb.Unlock{
		Action:       refdb.UnlockWrite,
		Record:       refs.Direct(h1),
		UpdateReflog: true,
		Who:          who,
		Message:      "locked write",
	}))
	rec, err := db.Lookup("refs/heads/main")
	require.NoError(t, err)
	assert.True(t, rec.Equal(refs.Direct(h1)))

	entries, err := db.ReadReflog("refs/heads/main")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "locked write", entries[0].Message)

	assert.Panics(t, func() { _ = db.Unlock(token, refdb.Unlock{}) }, "spent token")
	assert.Zero(t, heap.Live())
}

func TestLock_InvalidRecordStillReleases(t *testing.T) {
	db, _ := openMem(t)
	defer db.Free()

	token, err := db.Lock("refs/heads/main")
	require.NoError(t, err)
	err = db.Unlock(token, refdb.Unlock{Action: refdb.UnlockWrite})
	require.Error(t, err)

	token, err = db.Lock("refs/heads/main")
	require.NoError(t, err)
	require.NoError(t, db.Unlock(token, refdb.Unlock{}))
}

func TestLock_TokenFromAnotherBackend(t *testing.T) {
	tableA := bridge.Bind(memdb.New(), nil)
	tableB := bridge.Bind(memdb.New(), nil)
	defer tableA.Free(tableA.Handle)
	defer tableB.Free(tableB.Handle)

	var e native.ErrorBuf
	var token native.Handle
	require.Equal(t, native.CodeOK, tableA.Lock(&token, tableA.Handle, native.CString("HEAD"), &e))
	assert.Panics(t, func() {
		tableB.Unlock(tableB.Handle, token, native.UnlockDiscard, 0, 0, nil, nil, nil, &e)
	})
}

// faulty panics on every lookup.
type faulty struct{ *memdb.Backend }

func (faulty) Lookup(string) (refs.Record, error) { panic("corrupt index") }

func TestFault_Contained(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := bridge.NewMetrics()
	require.NoError(t, m.Register(reg))

	heap := native.NewHeap()
	db, err := bridge.Open(faulty{memdb.New()}, heap, bridge.WithMetrics(m))
	require.NoError(t, err)
	defer db.Free()

	_, err = db.Lookup("HEAD")
	require.Error(t, err)
	assert.Equal(t, native.CodeError, native.CodeOf(err))
	assert.Contains(t, err.Error(), "backend fault: corrupt index")

	// The backend is still usable after a contained fault.
	require.NoError(t, db.Write(refs.NewDirect("refs/heads/main", h1), native.WriteOptions{}))
	ok, err := db.Exists("refs/heads/main")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1.0, counterValue(t, reg, "refdb_bridge_faults_total", map[string]string{"slot": "lookup"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "refdb_bridge_calls_total", map[string]string{"slot": "lookup", "code": "error"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "refdb_bridge_calls_total", map[string]string{"slot": "exists", "code": "ok"}))
	assert.Zero(t, heap.Live())
}

func TestMetrics_CountsCodes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := bridge.NewMetrics()
	require.NoError(t, m.Register(reg))

	db, err := bridge.Open(memdb.New(), nil, bridge.WithMetrics(m))
	require.NoError(t, err)

	_, err = db.Lookup("refs/heads/missing")
	assert.ErrorIs(t, err, refdb.ErrNotFound)
	_, err = db.Lookup("refs/heads/missing")
	assert.ErrorIs(t, err, refdb.ErrNotFound)
	require.NoError(t, db.Write(refs.NewDirect("refs/heads/main", h1), native.WriteOptions{}))
	err = db.Write(refs.NewDirect("refs/heads/main", h2), native.WriteOptions{})
	assert.ErrorIs(t, err, refdb.ErrConflict)
	db.Free()

	assert.Equal(t, 2.0, counterValue(t, reg, "refdb_bridge_calls_total", map[string]string{"slot": "lookup", "code": "not_found"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "refdb_bridge_calls_total", map[string]string{"slot": "write", "code": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "refdb_bridge_calls_total", map[string]string{"slot": "write", "code": "exists"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "refdb_bridge_calls_total", map[string]string{"slot": "free", "code": "ok"}))
}

func TestInvalidName_MapsToInvalidSpec(t *testing.T) {
	db, _ := openMem(t)
	defer db.Free()

	err := db.Write(refs.NewDirect("refs/heads/bad..name", h1), native.WriteOptions{})
	assert.ErrorIs(t, err, refs.ErrInvalidName)
	assert.Equal(t, native.CodeInvalidSpec, native.CodeOf(err))
}

func TestRename_MissingSourceBeforeInvalidTarget(t *testing.T) {
	db, _ := openMem(t)
	defer db.Free()

	_, err := db.Rename("refs/heads/missing", "refs/heads/bad..name", native.WriteOptions{})
	assert.ErrorIs(t, err, refdb.ErrNotFound)
	assert.Equal(t, native.CodeNotFound, native.CodeOf(err))

	require.NoError(t, db.Write(refs.NewDirect("refs/heads/main", h1), native.WriteOptions{}))
	_, err = db.Rename("refs/heads/main", "refs/heads/bad..name", native.WriteOptions{})
	assert.Equal(t, native.CodeInvalidSpec, native.CodeOf(err))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			match := true
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
