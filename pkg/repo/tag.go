package repo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// CreateTag creates or updates a lightweight tag ref under refs/tags/.
func (r *Repo) CreateTag(name string, target object.ID, force bool) error {
	name = strings.TrimSpace(name)
	if err := validateTagName(name); err != nil {
		return fmt.Errorf("create tag: %w", err)
	}
	if target.IsZero() {
		return fmt.Errorf("create tag: target hash is required")
	}
	if err := r.Refs.Add(refs.TagName(name), target, force); err != nil {
		if errors.Is(err, refdb.ErrConflict) {
			return fmt.Errorf("create tag: tag %q already exists: %w", name, err)
		}
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// DeleteTag removes a tag ref from refs/tags/.
func (r *Repo) DeleteTag(name string) error {
	name = strings.TrimSpace(name)
	if err := validateTagName(name); err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	if err := r.Refs.Remove(refs.TagName(name), nil); err != nil {
		if errors.Is(err, refdb.ErrNotFound) {
			return fmt.Errorf("delete tag: tag %q does not exist: %w", name, err)
		}
		return fmt.Errorf("delete tag: %w", err)
	}
	return nil
}

// ResolveTag resolves a tag name under refs/tags/.
func (r *Repo) ResolveTag(name string) (object.ID, error) {
	name = strings.TrimSpace(name)
	if err := validateTagName(name); err != nil {
		return object.ID{}, fmt.Errorf("resolve tag: %w", err)
	}
	return r.ResolveRef(refs.TagName(name))
}

// ListTags lists the names of tags that point straight at an object,
// sorted alphabetically.
func (r *Repo) ListTags() ([]string, error) {
	tags, err := r.Refs.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, strings.TrimPrefix(t.Name, refs.TagsPrefix))
	}
	return names, nil
}

// ListTagsWithHashes returns tag name -> target ID.
func (r *Repo) ListTagsWithHashes() (map[string]object.ID, error) {
	tags, err := r.Refs.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	out := make(map[string]object.ID, len(tags))
	for _, t := range tags {
		id, _ := t.Record.Target()
		out[strings.TrimPrefix(t.Name, refs.TagsPrefix)] = id
	}
	return out, nil
}

func validateTagName(name string) error {
	if name == "" {
		return fmt.Errorf("tag name is required")
	}
	if err := refs.ValidateName(refs.TagName(name)); err != nil {
		return fmt.Errorf("invalid tag name %q: %w", name, err)
	}
	return nil
}
