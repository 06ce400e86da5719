package repo

import (
	"fmt"
	"strings"

	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// ReadReflog returns the newest limit entries of ref's reflog, newest
// first. limit <= 0 returns them all. An empty ref or "HEAD" reads the
// current branch's log when HEAD is symbolic.
func (r *Repo) ReadReflog(ref string, limit int) ([]refdb.ReflogEntry, error) {
	refName := r.resolveReflogRefName(ref)
	entries, err := r.Refs.Reflog(refName)
	if err != nil {
		return nil, fmt.Errorf("read reflog: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *Repo) resolveReflogRefName(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == refs.Head {
		if rec, err := r.Refs.Head(); err == nil {
			if target, ok := rec.SymbolicTarget(); ok {
				return target
			}
		}
		return refs.Head
	}
	if strings.HasPrefix(ref, refs.Prefix) {
		return ref
	}
	return refs.BranchName(ref)
}
