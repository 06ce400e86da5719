package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/odvcencio/refdb/pkg/object"
)

var (
	h1 = object.MustParseID("be3563ae3f795b2b4353bcce3a527ad0a4f7f644be3563ae3f795b2b4353bcce")
	h2 = object.MustParseID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
)

func initRepo(t *testing.T, opts ...Option) *Repo {
	t.Helper()
	r, err := Init(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func assertDir(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected directory %s: %v", path, err)
	}
	if !info.IsDir() {
		t.Fatalf("%s is not a directory", path)
	}
}

func assertFileContent(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	if string(data) != want {
		t.Fatalf("%s = %q, want %q", path, data, want)
	}
}

func TestInit_CreatesStructure(t *testing.T) {
	dir := t.TempDir()

	r, err := Init(dir)
	if err != nil {
		t.Fatalf("Init(%q): %v", dir, err)
	}
	defer r.Close()
	if r.RootDir != dir {
		t.Errorf("RootDir = %q, want %q", r.RootDir, dir)
	}

	gotDir := filepath.Join(dir, ".got")
	if r.GotDir != gotDir {
		t.Errorf("GotDir = %q, want %q", r.GotDir, gotDir)
	}
	assertDir(t, gotDir)
	assertDir(t, filepath.Join(gotDir, "refs"))
	assertFileContent(t, filepath.Join(gotDir, "HEAD"), "ref: refs/heads/main\n")

	if _, err := os.Stat(filepath.Join(gotDir, "config.toml")); err != nil {
		t.Fatalf("config.toml: %v", err)
	}
	if r.Config.Refdb.Backend != BackendFiles {
		t.Errorf("backend = %q, want %q", r.Config.Refdb.Backend, BackendFiles)
	}
}

func TestInit_ExistingRepo_Error(t *testing.T) {
	dir := t.TempDir()

	r, err := Init(dir)
	if err != nil {
		t.Fatalf("first Init: %v", err)
	}
	r.Close()

	if _, err := Init(dir); err == nil {
		t.Fatal("second Init should fail on existing repo, got nil error")
	}
}

func TestOpen_FromSubdirectory(t *testing.T) {
	dir := t.TempDir()

	r, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	r.Close()

	sub := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	r, err = Open(sub)
	if err != nil {
		t.Fatalf("Open(%q): %v", sub, err)
	}
	defer r.Close()

	if r.RootDir != dir {
		t.Errorf("RootDir = %q, want %q", r.RootDir, dir)
	}
	if r.GotDir != filepath.Join(dir, ".got") {
		t.Errorf("GotDir = %q, want %q", r.GotDir, filepath.Join(dir, ".got"))
	}
}

func TestOpen_NoRepo_Error(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatal("Open should fail in non-repo directory, got nil error")
	}
}

func TestInit_DefaultBranch(t *testing.T) {
	r := initRepo(t, WithDefaultBranch("trunk"))

	head, err := r.Head()
	if err != nil {
		t.Fatalf("Head(): %v", err)
	}
	if head != "refs/heads/trunk" {
		t.Errorf("Head() = %q, want %q", head, "refs/heads/trunk")
	}
}

// Every persistent backend keeps HEAD and branches across Close/Open.
func TestInit_EachBackendPersists(t *testing.T) {
	for _, backend := range []string{BackendFiles, BackendBolt, BackendSQLite, BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			r, err := Init(dir, WithBackend(backend))
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if err := r.Refs.Add("refs/heads/main", h1, false); err != nil {
				t.Fatalf("Add: %v", err)
			}
			r.Close()

			r, err = Open(dir)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer r.Close()
			if r.Config.Refdb.Backend != backend {
				t.Fatalf("backend = %q, want %q", r.Config.Refdb.Backend, backend)
			}
			got, err := r.ResolveRef("HEAD")
			if err != nil {
				t.Fatalf("ResolveRef(HEAD): %v", err)
			}
			if got != h1 {
				t.Fatalf("ResolveRef(HEAD) = %s, want %s", got, h1)
			}
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	r, err := Init(t.TempDir(), WithBackend(BackendMemory))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
