package repo

import (
	"errors"
	"testing"
	"time"

	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

func fixedClock(r *Repo) {
	at := time.Unix(1700000000, 0).UTC()
	r.Refs.now = func() time.Time {
		at = at.Add(time.Second)
		return at
	}
}

func TestReadReflog_NewestFirstWithLimit(t *testing.T) {
	for _, backend := range []string{BackendFiles, BackendBolt, BackendSQLite, BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			r := initRepo(t, WithBackend(backend))
			fixedClock(r)
			r.Refs.SetIdentity("Test", "test@example.com")

			if err := r.CreateBranch("main", h1); err != nil {
				t.Fatalf("CreateBranch: %v", err)
			}
			expected := refs.Direct(h1)
			if err := r.Refs.Update("refs/heads/main", h2, &expected, "fast-forward"); err != nil {
				t.Fatalf("Update: %v", err)
			}

			entries, err := r.ReadReflog("HEAD", 0)
			if err != nil {
				t.Fatalf("ReadReflog: %v", err)
			}
			if len(entries) != 2 {
				t.Fatalf("reflog length = %d, want 2", len(entries))
			}
			if entries[0].Message != "fast-forward" || entries[0].Old != h1 || entries[0].New != h2 {
				t.Fatalf("newest entry = %+v", entries[0])
			}
			if entries[1].Message != "create" || entries[1].Old != object.ZeroID || entries[1].New != h1 {
				t.Fatalf("oldest entry = %+v", entries[1])
			}
			if entries[1].Who.Name != "Test" || entries[1].Who.Email != "test@example.com" {
				t.Fatalf("oldest entry identity = %+v", entries[1].Who)
			}
			if entries[0].Who.When.Unix() <= entries[1].Who.When.Unix() {
				t.Fatalf("timestamps not increasing: %v then %v", entries[1].Who.When, entries[0].Who.When)
			}

			limited, err := r.ReadReflog("main", 1)
			if err != nil {
				t.Fatalf("ReadReflog(limit 1): %v", err)
			}
			if len(limited) != 1 || limited[0].New != h2 {
				t.Fatalf("ReadReflog(limit 1) = %+v", limited)
			}
		})
	}
}

func TestReadReflog_NoIdentityNoEntries(t *testing.T) {
	r := initRepo(t)
	if err := r.CreateBranch("main", h1); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	entries, err := r.ReadReflog("main", 0)
	if err != nil {
		t.Fatalf("ReadReflog: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("reflog = %+v, want empty", entries)
	}
}

func TestReadReflog_Unsupported(t *testing.T) {
	r := initRepo(t, WithBackend(BackendBadger))
	if _, err := r.ReadReflog("main", 0); !errors.Is(err, refdb.ErrUnsupported) {
		t.Fatalf("ReadReflog on badger = %v, want ErrUnsupported", err)
	}
}
