package memdb

import (
	"errors"
	"testing"

	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refdb/refdbtest"
	"github.com/odvcencio/refdb/pkg/refs"
)

func TestConformance(t *testing.T) {
	refdbtest.Run(t, func(t *testing.T) refdb.Backend { return New() })
}

func TestConformance_NoOptionalCapabilities(t *testing.T) {
	refdbtest.Run(t, func(t *testing.T) refdb.Backend { return New(WithCapabilities(0)) })
}

func TestCompress_RecordsRun(t *testing.T) {
	b := New()
	if err := b.Compress(); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if b.Compressed() != 1 {
		t.Fatalf("Compressed = %d, want 1", b.Compressed())
	}
}

func TestFree_ThenCallsFail(t *testing.T) {
	b := New()
	b.Set("refs/heads/main", refs.Direct(refdbtest.H1))
	if err := b.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := b.Exists("refs/heads/main"); !errors.Is(err, refdb.ErrClosed) {
		t.Fatalf("Exists after Free = %v, want ErrClosed", err)
	}
	if err := b.Free(); err == nil {
		t.Fatal("second Free should fail")
	}
	if b.Len() != 0 {
		t.Fatalf("Len after Free = %d", b.Len())
	}
}
