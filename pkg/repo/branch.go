package repo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// Head returns the name HEAD points at ("refs/heads/main"), or the object
// ID in hex when HEAD is detached.
func (r *Repo) Head() (string, error) {
	rec, err := r.Refs.Head()
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	return rec.TargetString(), nil
}

// ResolveRef resolves a ref name to an object ID.
//
// Resolution order:
//  1. "HEAD" and names under refs/ are resolved as given.
//  2. Otherwise, try "refs/heads/<name>", then "refs/tags/<name>".
func (r *Repo) ResolveRef(name string) (object.ID, error) {
	candidates := []string{name}
	if name != refs.Head && !strings.HasPrefix(name, refs.Prefix) {
		candidates = []string{refs.BranchName(name), refs.TagName(name)}
	}
	var lastErr error
	for _, c := range candidates {
		ref, err := r.Refs.Resolve(c)
		if err == nil {
			id, _ := ref.Record.Target()
			return id, nil
		}
		if !errors.Is(err, refdb.ErrNotFound) {
			return object.ID{}, fmt.Errorf("resolve ref %q: %w", name, err)
		}
		lastErr = err
	}
	return object.ID{}, fmt.Errorf("resolve ref %q: %w", name, lastErr)
}

// CreateBranch creates a new branch pointing at target. Returns an error if
// the branch already exists.
func (r *Repo) CreateBranch(name string, target object.ID) error {
	if err := r.Refs.Add(refs.BranchName(name), target, false); err != nil {
		if errors.Is(err, refdb.ErrConflict) {
			return fmt.Errorf("create branch: branch %q already exists: %w", name, err)
		}
		return fmt.Errorf("create branch %q: %w", name, err)
	}
	return nil
}

// DeleteBranch removes refs/heads/<name>. Returns an error if the branch is
// the current branch or does not exist.
func (r *Repo) DeleteBranch(name string) error {
	// Check if this is the current branch.
	current, err := r.CurrentBranch()
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	if current == name {
		return fmt.Errorf("delete branch: cannot delete current branch %q", name)
	}

	if err := r.Refs.Remove(refs.BranchName(name), nil); err != nil {
		if errors.Is(err, refdb.ErrNotFound) {
			return fmt.Errorf("delete branch: branch %q does not exist: %w", name, err)
		}
		return fmt.Errorf("delete branch %q: %w", name, err)
	}
	return nil
}

// RenameBranch moves a branch, repointing HEAD when it was the current one.
func (r *Repo) RenameBranch(oldName, newName string, force bool) error {
	current, err := r.CurrentBranch()
	if err != nil {
		return fmt.Errorf("rename branch: %w", err)
	}
	if _, err := r.Refs.Rename(refs.BranchName(oldName), refs.BranchName(newName), force); err != nil {
		return fmt.Errorf("rename branch: %w", err)
	}
	if current == oldName {
		if err := r.Refs.AddSymbolic(refs.Head, refs.BranchName(newName), true); err != nil {
			return fmt.Errorf("rename branch: update HEAD: %w", err)
		}
	}
	return nil
}

// ListBranches returns the branch names sorted alphabetically.
func (r *Repo) ListBranches() ([]string, error) {
	branches, err := r.Refs.Branches()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	names := make([]string, 0, len(branches))
	for _, b := range branches {
		names = append(names, strings.TrimPrefix(b.Name, refs.HeadsPrefix))
	}
	return names, nil
}

// CurrentBranch returns the branch name if HEAD is symbolic
// (refs/heads/main -> "main"). If HEAD is detached it returns "".
func (r *Repo) CurrentBranch() (string, error) {
	rec, err := r.Refs.Head()
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	target, ok := rec.SymbolicTarget()
	if ok && strings.HasPrefix(target, refs.HeadsPrefix) {
		return strings.TrimPrefix(target, refs.HeadsPrefix), nil
	}

	// Detached HEAD or unexpected format.
	return "", nil
}
