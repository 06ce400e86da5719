package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odvcencio/refdb/internal/logging"
	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
)

var (
	idA = object.HashBytes([]byte("a")).String()
	idB = object.HashBytes([]byte("b")).String()
)

func chdirForTest(t *testing.T, dir string) func() {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%s): %v", dir, err)
	}
	return func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore cwd: %v", err)
		}
	}
}

func runGot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func mustRunGot(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, err := runGot(t, args...)
	if err != nil {
		t.Fatalf("got %s: %v\nstderr:\n%s", strings.Join(args, " "), err, errOut)
	}
	return out
}

func initCmdRepo(t *testing.T, args ...string) string {
	t.Helper()
	dir := t.TempDir()
	restore := chdirForTest(t, dir)
	t.Cleanup(restore)
	out := mustRunGot(t, append([]string{"init"}, args...)...)
	if !strings.Contains(out, "initialized empty got repository") {
		t.Fatalf("init output = %q", out)
	}
	return dir
}

func TestShowRefListsHeadAfterInit(t *testing.T) {
	initCmdRepo(t)

	out := mustRunGot(t, "show-ref")
	if strings.TrimSpace(out) != "ref: refs/heads/main HEAD" {
		t.Fatalf("show-ref = %q", out)
	}
	if got := strings.TrimSpace(mustRunGot(t, "symbolic-ref", "HEAD")); got != "refs/heads/main" {
		t.Fatalf("symbolic-ref HEAD = %q", got)
	}
	if out := mustRunGot(t, "pack-refs"); !strings.Contains(out, "packed refs") {
		t.Fatalf("pack-refs output = %q", out)
	}
}

func TestUpdateRefPreconditions(t *testing.T) {
	initCmdRepo(t)

	mustRunGot(t, "update-ref", "--create", "refs/heads/main", idA)
	if _, _, err := runGot(t, "update-ref", "--create", "refs/heads/main", idB); !errors.Is(err, refdb.ErrCASMismatch) {
		t.Fatalf("update-ref --create over existing = %v, want ErrCASMismatch", err)
	}
	if _, _, err := runGot(t, "update-ref", "--old", idB, "refs/heads/main", idB); !errors.Is(err, refdb.ErrCASMismatch) {
		t.Fatalf("update-ref --old stale = %v, want ErrCASMismatch", err)
	}
	mustRunGot(t, "update-ref", "--old", idA, "refs/heads/main", idB)

	out := mustRunGot(t, "show-ref", "--kind", "direct")
	if strings.TrimSpace(out) != idB+" refs/heads/main" {
		t.Fatalf("show-ref --kind direct = %q", out)
	}
}

func TestBranchTagAndDelete(t *testing.T) {
	initCmdRepo(t)
	mustRunGot(t, "update-ref", "refs/heads/main", idA)

	mustRunGot(t, "branch", "feature")
	mustRunGot(t, "branch", "-m", "feature", "topic")
	out := mustRunGot(t, "branch")
	if out != "* main\n  topic\n" {
		t.Fatalf("branch list = %q", out)
	}

	mustRunGot(t, "tag", "v1", "topic")
	out = mustRunGot(t, "tag", "--show-hash")
	if strings.TrimSpace(out) != idA+" v1" {
		t.Fatalf("tag list = %q", out)
	}

	out = mustRunGot(t, "show-ref", "--names-only", "refs/*")
	if out != "refs/heads/main\nrefs/heads/topic\nrefs/tags/v1\n" {
		t.Fatalf("show-ref --names-only = %q", out)
	}

	if _, _, err := runGot(t, "delete-ref", "--old", idB, "refs/tags/v1"); !errors.Is(err, refdb.ErrCASMismatch) {
		t.Fatalf("delete-ref with stale --old = %v, want ErrCASMismatch", err)
	}
	mustRunGot(t, "delete-ref", "--old", idA, "refs/tags/v1")
	if _, _, err := runGot(t, "delete-ref", "refs/tags/v1"); !errors.Is(err, refdb.ErrNotFound) {
		t.Fatalf("second delete-ref = %v, want ErrNotFound", err)
	}
}

func TestRenameRefReportsSide(t *testing.T) {
	initCmdRepo(t)
	mustRunGot(t, "update-ref", "refs/heads/a", idA)
	mustRunGot(t, "update-ref", "refs/heads/b", idB)

	_, _, err := runGot(t, "rename-ref", "refs/heads/a", "refs/heads/b")
	var re *refdb.RenameError
	if !errors.As(err, &re) || re.Side != refdb.RenameTarget {
		t.Fatalf("rename onto existing = %v, want target-side RenameError", err)
	}

	out := mustRunGot(t, "rename-ref", "--force", "refs/heads/a", "refs/heads/b")
	if !strings.Contains(out, "renamed refs/heads/a to refs/heads/b") {
		t.Fatalf("rename-ref output = %q", out)
	}
}

func TestReflogUsesEnvironmentIdentity(t *testing.T) {
	t.Setenv("GOT_USER_NAME", "Env User")
	t.Setenv("GOT_USER_EMAIL", "env@example.com")
	initCmdRepo(t)

	mustRunGot(t, "update-ref", "-m", "first", "refs/heads/main", idA)
	mustRunGot(t, "update-ref", "-m", "second", "refs/heads/main", idB)

	out := mustRunGot(t, "reflog", "--limit", "1", "main")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 {
		t.Fatalf("reflog lines = %q", out)
	}
	if !strings.HasPrefix(lines[0], idB[:8]) || !strings.Contains(lines[0], "Env User <env@example.com> second") {
		t.Fatalf("reflog entry = %q", lines[0])
	}
}

func TestInitWithBackendFlagPersists(t *testing.T) {
	dir := initCmdRepo(t, "--backend", "bolt", "--initial-branch", "trunk")

	if _, err := os.Stat(filepath.Join(dir, ".got", "refs.db")); err != nil {
		t.Fatalf("bolt store missing: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ".got", "config.toml"))
	if err != nil {
		t.Fatalf("ReadFile(config.toml): %v", err)
	}
	if !strings.Contains(string(data), `backend = "bolt"`) {
		t.Fatalf("config.toml = %s", data)
	}

	if got := strings.TrimSpace(mustRunGot(t, "symbolic-ref", "HEAD")); got != "refs/heads/trunk" {
		t.Fatalf("symbolic-ref HEAD = %q", got)
	}
	if _, _, err := runGot(t, "pack-refs"); !errors.Is(err, refdb.ErrUnsupported) {
		t.Fatalf("pack-refs on bolt = %v, want ErrUnsupported", err)
	}
}

func TestStatsFlagReportsCalls(t *testing.T) {
	initCmdRepo(t)

	_, errOut, err := runGot(t, "--stats", "show-ref")
	if err != nil {
		t.Fatalf("show-ref --stats: %v", err)
	}
	if !strings.Contains(errOut, `refdb_bridge_calls_total{code="ok",slot="iter"} `) {
		t.Fatalf("stats output missing iter call:\n%s", errOut)
	}
}

func TestConfigFileSetsLogFormat(t *testing.T) {
	dir := initCmdRepo(t)
	t.Cleanup(func() {
		settings = newSettings()
		_ = logging.Configure(os.Stderr, "info", "text")
	})
	cfgPath := filepath.Join(dir, "got.toml")
	if err := os.WriteFile(cfgPath, []byte("[log]\nlevel = \"debug\"\nformat = \"json\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, errOut, err := runGot(t, "--config", cfgPath, "show-ref")
	if err != nil {
		t.Fatalf("show-ref --config: %v", err)
	}
	if !strings.Contains(errOut, `"component":"repo"`) {
		t.Fatalf("expected json debug logs, got:\n%s", errOut)
	}
}
