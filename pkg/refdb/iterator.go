package refdb

import (
	"errors"
	"sort"

	"github.com/odvcencio/refdb/pkg/refs"
)

// Iterator is a finite forward cursor. Next and NextName report the end of
// the sequence with ErrIterOver. An Iterator is driven by one caller at a
// time; distinct iterators may be used concurrently.
type Iterator interface {
	Next() (refs.Reference, error)
	// NextName advances without materializing the record.
	NextName() (string, error)
	Close() error
}

// SliceIterator walks a snapshot taken at construction.
type SliceIterator struct {
	entries []refs.Reference
	pos     int
	closed  bool
}

// NewSliceIterator sorts entries by name and iterates over them. The slice
// is owned by the iterator afterwards.
func NewSliceIterator(entries []refs.Reference) *SliceIterator {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &SliceIterator{entries: entries}
}

func (it *SliceIterator) Next() (refs.Reference, error) {
	if it.closed || it.pos >= len(it.entries) {
		return refs.Reference{}, ErrIterOver
	}
	ref := it.entries[it.pos]
	it.pos++
	return ref, nil
}

func (it *SliceIterator) NextName() (string, error) {
	if it.closed || it.pos >= len(it.entries) {
		return "", ErrIterOver
	}
	name := it.entries[it.pos].Name
	it.pos++
	return name, nil
}

func (it *SliceIterator) Close() error {
	it.closed = true
	it.entries = nil
	return nil
}

// Collect drains it, keeping references whose kind is in mask, and closes
// it.
func Collect(it Iterator, mask refs.Kind) ([]refs.Reference, error) {
	defer it.Close()
	var out []refs.Reference
	for {
		ref, err := it.Next()
		if errors.Is(err, ErrIterOver) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if ref.Kind().In(mask) {
			out = append(out, ref)
		}
	}
}

// CollectNames drains it in name-only mode and closes it.
func CollectNames(it Iterator) ([]string, error) {
	defer it.Close()
	var out []string
	for {
		name, err := it.NextName()
		if errors.Is(err, ErrIterOver) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
}
