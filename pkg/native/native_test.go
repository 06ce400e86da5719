package native

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

func mustPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s did not panic", what)
		}
	}()
	fn()
}

func TestCStr_String(t *testing.T) {
	tests := []struct {
		in   CStr
		want string
	}{
		{CString("refs/heads/main"), "refs/heads/main"},
		{CStr("refs/heads/a\x00ignored"), "refs/heads/a"},
		{CStr("no terminator"), "no terminator"},
		{CStr{'r', 0xff, 'f', 0}, "r�f"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("CStr(%q).String() = %q, want %q", []byte(tt.in), got, tt.want)
		}
	}
	if !CStr(nil).IsNull() || CString("").IsNull() {
		t.Fatal("only a nil CStr is null")
	}
}

func TestHeap_Ownership(t *testing.T) {
	h := NewHeap()
	r := h.NewDirectRef("refs/heads/main", Oid{1})
	s := h.NewSignature("Test", "test@example.com", 1700000000, 60)
	if h.Live() != 2 {
		t.Fatalf("Live = %d, want 2", h.Live())
	}
	h.FreeRef(r)
	h.FreeSignature(s)
	if h.Live() != 0 || h.Allocated() != 2 {
		t.Fatalf("Live = %d Allocated = %d, want 0 and 2", h.Live(), h.Allocated())
	}

	mustPanic(t, "double free", func() { h.FreeRef(r) })
	mustPanic(t, "use after free", func() { _ = r.Name() })
	mustPanic(t, "free of unallocated ref", func() { h.FreeRef(&Ref{}) })

	h.FreeRef(nil)
	l := h.NewReflog([]ReflogEntry{{Message: CString("create")}})
	if got := h.LiveKinds()["reflog"]; got != 1 {
		t.Fatalf("LiveKinds[reflog] = %d, want 1", got)
	}
	if l.Len() != 1 || l.Entry(0).Message.String() != "create" {
		t.Fatalf("reflog entry = %+v", l.Entry(0))
	}
	h.FreeReflog(l)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, CodeOK},
		{refdb.NotFound("refs/heads/x"), CodeNotFound},
		{refdb.Conflict("refs/heads/x", refs.KindDirect), CodeExists},
		{fmt.Errorf("write: %w", refdb.ErrCASMismatch), CodeModified},
		{refdb.ErrLocked, CodeLocked},
		{refdb.ErrUnsupported, CodePassthrough},
		{refdb.ErrIterOver, CodeIterOver},
		{refs.ValidateName("bad"), CodeInvalidSpec},
		{errors.New("disk on fire"), CodeError},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("resolve: %w", &Error{Op: "lookup", Code: CodeNotFound, Message: "refs/heads/x"})
	if !errors.Is(err, refdb.ErrNotFound) {
		t.Fatalf("%v is not ErrNotFound", err)
	}
	if errors.Is(err, refdb.ErrConflict) {
		t.Fatalf("%v matched ErrConflict", err)
	}
	if got := err.Error(); !strings.Contains(got, "lookup: not_found: refs/heads/x") {
		t.Fatalf("Error() = %q", got)
	}
}

// fakeTable serves lookups from a map, with no optional slots.
func fakeTable(heap *Heap, entries map[string]refs.Record) *BackendTable {
	return &BackendTable{
		Version: TableVersion,
		Handle:  1,
		Exists: func(exists *int32, _ Handle, name CStr, _ *ErrorBuf) Code {
			_, ok := entries[name.String()]
			*exists = boolInt(ok)
			return CodeOK
		},
		Lookup: func(out **Ref, _ Handle, name CStr, e *ErrorBuf) Code {
			rec, ok := entries[name.String()]
			if !ok {
				e.Set("not found")
				return CodeNotFound
			}
			if target, ok := rec.SymbolicTarget(); ok {
				*out = heap.NewSymbolicRef(name.String(), target)
			} else {
				id, _ := rec.Target()
				*out = heap.NewDirectRef(name.String(), OidOf(id))
			}
			return CodeOK
		},
		Iter:   func(*Iterator, Handle, CStr, *ErrorBuf) Code { return CodePassthrough },
		Write:  func(Handle, *Ref, int32, *Signature, CStr, *Oid, CStr, *ErrorBuf) Code { return CodeOK },
		Rename: func(**Ref, Handle, CStr, CStr, int32, *Signature, CStr, *ErrorBuf) Code { return CodeOK },
		Delete: func(Handle, CStr, *Oid, CStr, *ErrorBuf) Code { return CodeOK },
		Free:   func(Handle) {},
	}
}

func TestOpen_Validation(t *testing.T) {
	heap := NewHeap()
	if _, err := Open(nil, heap); err == nil {
		t.Fatal("Open(nil) should fail")
	}

	tbl := fakeTable(heap, nil)
	tbl.Version = TableVersion + 1
	if _, err := Open(tbl, heap); err == nil {
		t.Fatal("Open with a newer table version should fail")
	}

	tbl = fakeTable(heap, nil)
	tbl.Handle = 0
	if _, err := Open(tbl, heap); err == nil {
		t.Fatal("Open with no handle should fail")
	}

	tbl = fakeTable(heap, nil)
	tbl.Rename = nil
	_, err := Open(tbl, heap)
	if err == nil || !strings.Contains(err.Error(), `"rename"`) {
		t.Fatalf("Open without rename = %v", err)
	}

	db, err := Open(fakeTable(heap, nil), heap)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if caps := db.Capabilities(); caps != 0 {
		t.Fatalf("Capabilities = %s, want none", caps)
	}
	if err := db.Compress(); !errors.Is(err, refdb.ErrUnsupported) {
		t.Fatalf("Compress = %v, want ErrUnsupported", err)
	}
	if _, err := db.Lock("HEAD"); !errors.Is(err, refdb.ErrUnsupported) {
		t.Fatalf("Lock = %v, want ErrUnsupported", err)
	}
	db.Free()
	mustPanic(t, "second Free", db.Free)
	mustPanic(t, "use after Free", func() { _, _ = db.Exists("HEAD") })
}

func TestResolve_DepthLimit(t *testing.T) {
	heap := NewHeap()
	entries := map[string]refs.Record{
		"refs/heads/main": refs.Direct([32]byte{7}),
		"refs/s1":         refs.Symbolic("refs/heads/main"),
		"refs/s2":         refs.Symbolic("refs/s1"),
		"refs/s3":         refs.Symbolic("refs/s2"),
		"refs/s4":         refs.Symbolic("refs/s3"),
		"refs/s5":         refs.Symbolic("refs/s4"),
		"refs/s6":         refs.Symbolic("refs/s5"),
		"refs/loop":       refs.Symbolic("refs/loop"),
	}
	db, err := Open(fakeTable(heap, entries), heap)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Free()

	ref, err := db.Resolve("refs/s5")
	if err != nil {
		t.Fatalf("Resolve(s5): %v", err)
	}
	if ref.Name != "refs/heads/main" {
		t.Fatalf("Resolve(s5) = %s, want refs/heads/main", ref.Name)
	}
	if _, err := db.Resolve("refs/s6"); !errors.Is(err, ErrSymbolicDepth) {
		t.Fatalf("Resolve(s6) = %v, want ErrSymbolicDepth", err)
	}
	if _, err := db.Resolve("refs/loop"); !errors.Is(err, ErrSymbolicDepth) {
		t.Fatalf("Resolve(loop) = %v, want ErrSymbolicDepth", err)
	}
	if heap.Live() != 0 {
		t.Fatalf("leaked %v", heap.LiveKinds())
	}
}

func TestPreconditions(t *testing.T) {
	if old, target := preconditions(nil); old != nil || target != nil {
		t.Fatal("nil expected should be unconditional")
	}
	absent := refs.Record{}
	if old, target := preconditions(&absent); old == nil || *old != (Oid{}) || target != nil {
		t.Fatal("invalid expected should send a zero oid")
	}
	sym := refs.Symbolic("refs/heads/main")
	if old, target := preconditions(&sym); old != nil || target.String() != "refs/heads/main" {
		t.Fatal("symbolic expected should send the target")
	}
}
