// Package fsdb stores references as loose files under a repository
// directory, the way .got/refs has always been laid out:
//
//	<root>/HEAD
//	<root>/refs/heads/main
//	<root>/packed-refs        (zstd, written by Compress)
//	<root>/logs/refs/heads/main
//
// A loose file holds either a hex object id or "ref: <name>". Every
// mutation holds <path>.lock, created exclusively, and lands by rename.
package fsdb

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/odvcencio/refdb/internal/logging"
	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

const symbolicPrefix = "ref: "

// Capabilities is every optional operation fsdb implements.
const Capabilities = refdb.CapCompress | refdb.CapReflog | refdb.CapLock | refdb.CapCAS

// Backend is a loose-file reference store rooted at a directory.
type Backend struct {
	root        string
	lockTimeout time.Duration
	level       zstd.EncoderLevel
	concurrency int
	logger      *slog.Logger

	// packMu keeps Compress exclusive against every other operation in
	// this process. Cross-process exclusion comes from the lock files.
	packMu sync.RWMutex

	packedMu    sync.Mutex
	packedCache packedSnapshot
	enc         *zstd.Encoder
	dec         *zstd.Decoder

	heldMu sync.Mutex
	held   map[string]*lockFile

	closedMu sync.RWMutex
	closed   bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithLockTimeout bounds how long writes wait on a held lock file.
func WithLockTimeout(d time.Duration) Option {
	return func(b *Backend) { b.lockTimeout = d }
}

// WithCompressionLevel sets the zstd level used for packed-refs.
func WithCompressionLevel(level int) Option {
	return func(b *Backend) { b.level = zstd.EncoderLevelFromZstd(level) }
}

// WithConcurrency bounds the goroutines used to read loose files in bulk.
func WithConcurrency(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// Open returns a backend rooted at dir, creating dir/refs if needed.
func Open(dir string, opts ...Option) (*Backend, error) {
	b := &Backend{
		root:        dir,
		lockTimeout: DefaultLockTimeout,
		level:       zstd.SpeedDefault,
		concurrency: 8,
		logger:      logging.Logger("refdb/fsdb"),
		held:        make(map[string]*lockFile),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := os.MkdirAll(filepath.Join(dir, "refs"), 0o755); err != nil {
		return nil, fmt.Errorf("fsdb open: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(b.level))
	if err != nil {
		return nil, fmt.Errorf("fsdb open: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("fsdb open: %w", err)
	}
	b.enc, b.dec = enc, dec
	return b, nil
}

var (
	_ refdb.Backend    = (*Backend)(nil)
	_ refdb.Compressor = (*Backend)(nil)
	_ refdb.Reflogger  = (*Backend)(nil)
	_ refdb.Locker     = (*Backend)(nil)
	_ refdb.CASWriter  = (*Backend)(nil)
)

// Root returns the directory the backend stores into.
func (b *Backend) Root() string { return b.root }

func (b *Backend) Capabilities() refdb.Capabilities { return Capabilities }

func (b *Backend) check(name string) error {
	b.closedMu.RLock()
	closed := b.closed
	b.closedMu.RUnlock()
	if closed {
		return refdb.ErrClosed
	}
	return refs.ValidateName(name)
}

func (b *Backend) refPath(name string) string {
	return filepath.Join(b.root, filepath.FromSlash(name))
}

func encodeRecord(rec refs.Record) []byte {
	if target, ok := rec.SymbolicTarget(); ok {
		return []byte(symbolicPrefix + target + "\n")
	}
	id, _ := rec.Target()
	return []byte(id.String() + "\n")
}

func decodeRecord(name string, data []byte) (refs.Record, error) {
	s := strings.TrimSpace(string(data))
	if target, ok := strings.CutPrefix(s, symbolicPrefix); ok {
		target = strings.TrimSpace(target)
		if target == "" {
			return refs.Record{}, fmt.Errorf("ref %q: empty symbolic target", name)
		}
		return refs.Symbolic(target), nil
	}
	id, err := object.ParseID(s)
	if err != nil {
		return refs.Record{}, fmt.Errorf("ref %q: %w", name, err)
	}
	return refs.Direct(id), nil
}

// readLoose returns the loose file for name. A directory in its place
// counts as absent.
func (b *Backend) readLoose(name string) (refs.Record, bool, error) {
	data, err := os.ReadFile(b.refPath(name))
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.EISDIR) || errors.Is(err, syscall.ENOTDIR) {
			return refs.Record{}, false, nil
		}
		return refs.Record{}, false, fmt.Errorf("read ref %q: %w", name, err)
	}
	rec, err := decodeRecord(name, data)
	if err != nil {
		return refs.Record{}, false, err
	}
	return rec, true, nil
}

func (b *Backend) lookup(name string) (refs.Record, bool, error) {
	rec, ok, err := b.readLoose(name)
	if err != nil || ok {
		return rec, ok, err
	}
	packed, err := b.loadPacked()
	if err != nil {
		return refs.Record{}, false, err
	}
	rec, ok = packed[name]
	return rec, ok, nil
}

func (b *Backend) Exists(name string) (bool, error) {
	if err := b.check(name); err != nil {
		return false, err
	}
	b.packMu.RLock()
	defer b.packMu.RUnlock()
	_, ok, err := b.lookup(name)
	return ok, err
}

func (b *Backend) Lookup(name string) (refs.Record, error) {
	if err := b.check(name); err != nil {
		return refs.Record{}, err
	}
	b.packMu.RLock()
	defer b.packMu.RUnlock()
	rec, ok, err := b.lookup(name)
	if err != nil {
		return refs.Record{}, err
	}
	if !ok {
		return refs.Record{}, refdb.NotFound(name)
	}
	return rec, nil
}

// lock takes <name>.lock, waiting up to the configured timeout.
func (b *Backend) lock(name string) (*lockFile, error) {
	path := b.refPath(name)
	lockPath := path + lockSuffix
	// A concurrent delete may prune the parent between MkdirAll and the
	// lock create, so try twice.
	for attempt := 0; ; attempt++ {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ref dir: %w", err)
		}
		f, err := acquireLock(lockPath, b.lockTimeout)
		if err == nil {
			return &lockFile{path: path, lockPath: lockPath, f: f}, nil
		}
		if !os.IsNotExist(err) || attempt > 0 {
			return nil, fmt.Errorf("lock %q: %w", name, err)
		}
	}
}

func (b *Backend) WriteDirect(name string, target object.ID, force bool) error {
	return b.write(name, refs.Direct(target), force)
}

func (b *Backend) WriteSymbolic(name, target string, force bool) error {
	return b.write(name, refs.Symbolic(target), force)
}

func (b *Backend) write(name string, rec refs.Record, force bool) error {
	if err := b.check(name); err != nil {
		return err
	}
	b.packMu.RLock()
	defer b.packMu.RUnlock()

	lk, err := b.lock(name)
	if err != nil {
		return err
	}
	defer lk.release()

	if !force {
		existing, ok, err := b.lookup(name)
		if err != nil {
			return err
		}
		if ok {
			return refdb.Conflict(name, existing.Kind())
		}
	}
	if err := lk.commit(encodeRecord(rec)); err != nil {
		return fmt.Errorf("write ref %q: %w", name, err)
	}
	return nil
}

func (b *Backend) Rename(oldName, newName string, force bool) (refs.Record, error) {
	if err := b.check(oldName); err != nil {
		return refs.Record{}, err
	}
	b.packMu.RLock()
	defer b.packMu.RUnlock()

	if err := b.check(newName); err != nil {
		// A missing source is reported before a malformed target.
		if _, ok, lerr := b.lookup(oldName); lerr == nil && !ok {
			return refs.Record{}, refdb.NotFound(oldName)
		}
		return refs.Record{}, err
	}

	if oldName == newName {
		rec, ok, err := b.lookup(oldName)
		if err != nil {
			return refs.Record{}, err
		}
		if !ok {
			return refs.Record{}, refdb.NotFound(oldName)
		}
		return rec, nil
	}

	if nested(oldName, newName) {
		return b.renameNested(oldName, newName, force)
	}

	defer b.pruneRef(oldName)

	// Lock in name order so two opposite renames cannot deadlock.
	first, second := oldName, newName
	if second < first {
		first, second = second, first
	}
	lkFirst, err := b.lock(first)
	if err != nil {
		return refs.Record{}, err
	}
	defer lkFirst.release()
	lkSecond, err := b.lock(second)
	if err != nil {
		return refs.Record{}, err
	}
	defer lkSecond.release()
	newLock := lkFirst
	if first != newName {
		newLock = lkSecond
	}

	rec, ok, err := b.lookup(oldName)
	if err != nil {
		return refs.Record{}, err
	}
	if !ok {
		return refs.Record{}, refdb.NotFound(oldName)
	}
	if !force {
		existing, ok, err := b.lookup(newName)
		if err != nil {
			return refs.Record{}, err
		}
		if ok {
			return refs.Record{}, refdb.Conflict(newName, existing.Kind())
		}
	}

	if err := newLock.commit(encodeRecord(rec)); err != nil {
		return refs.Record{}, fmt.Errorf("rename %q -> %q: %w", oldName, newName, err)
	}
	if err := b.removeEntry(oldName); err != nil {
		return refs.Record{}, fmt.Errorf("rename %q -> %q: %w", oldName, newName, err)
	}
	return rec, nil
}

// nested reports whether one name is a directory of the other, so their
// loose files cannot exist side by side.
func nested(a, b string) bool {
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// renameNested moves a reference onto its own parent or child path. The
// source file, or the directory holding it, sits where the target goes, so
// the source is removed before the target is committed and written back
// if the commit fails.
func (b *Backend) renameNested(oldName, newName string, force bool) (refs.Record, error) {
	toParent := strings.HasPrefix(oldName, newName+"/")

	// A parent's lock file sits beside its directory, so it can be held
	// for the whole move. A child's lock needs the source file gone first.
	var lkNew *lockFile
	var err error
	if toParent {
		if lkNew, err = b.lock(newName); err != nil {
			return refs.Record{}, err
		}
		defer lkNew.release()
	}
	lkOld, err := b.lock(oldName)
	if err != nil {
		return refs.Record{}, err
	}
	defer lkOld.release()

	rec, ok, err := b.lookup(oldName)
	if err != nil {
		return refs.Record{}, err
	}
	if !ok {
		return refs.Record{}, refdb.NotFound(oldName)
	}
	if !force {
		existing, ok, err := b.lookup(newName)
		if err != nil {
			return refs.Record{}, err
		}
		if ok {
			return refs.Record{}, refdb.Conflict(newName, existing.Kind())
		}
	}
	if err := b.removeEntry(oldName); err != nil {
		return refs.Record{}, fmt.Errorf("rename %q -> %q: %w", oldName, newName, err)
	}

	restore := func(cause error) (refs.Record, error) {
		if lkNew != nil {
			lkNew.release()
		}
		b.pruneRef(newName)
		lk := lkOld
		if toParent {
			var err error
			if lk, err = b.lock(oldName); err != nil {
				b.logger.Error("rename: source lost", "ref", oldName, "value", rec.String(), "error", err)
				return refs.Record{}, fmt.Errorf("rename %q -> %q: %w", oldName, newName, cause)
			}
			defer lk.release()
		}
		if err := lk.commit(encodeRecord(rec)); err != nil {
			b.logger.Error("rename: source lost", "ref", oldName, "value", rec.String(), "error", err)
		}
		return refs.Record{}, fmt.Errorf("rename %q -> %q: %w", oldName, newName, cause)
	}

	if toParent {
		// The source lock lives inside the target's directory.
		lkOld.release()
		b.pruneRef(oldName)
	} else {
		if lkNew, err = b.lock(newName); err != nil {
			return restore(err)
		}
		defer lkNew.release()
	}
	if err := lkNew.commit(encodeRecord(rec)); err != nil {
		return restore(err)
	}
	return rec, nil
}

// removeEntry drops name from both the loose files and packed-refs. The
// caller holds name's lock and prunes the parent directories after
// releasing it.
func (b *Backend) removeEntry(name string) error {
	if err := os.Remove(b.refPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove ref %q: %w", name, err)
	}

	packed, err := b.loadPacked()
	if err != nil {
		return err
	}
	if _, ok := packed[name]; !ok {
		return nil
	}
	return b.rewritePacked(func(m map[string]refs.Record) { delete(m, name) })
}

func (b *Backend) Delete(name string) error {
	if err := b.check(name); err != nil {
		return err
	}
	b.packMu.RLock()
	defer b.packMu.RUnlock()
	defer b.pruneRef(name)

	lk, err := b.lock(name)
	if err != nil {
		return err
	}
	defer lk.release()
	return b.removeEntry(name)
}

func (b *Backend) pruneRef(name string) {
	b.pruneEmptyDirs(filepath.Dir(b.refPath(name)), filepath.Join(b.root, "refs"))
}

// pruneEmptyDirs removes empty directories from dir upward, stopping at
// stop.
func (b *Backend) pruneEmptyDirs(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// looseNames lists HEAD and every loose ref under refs/.
func (b *Backend) looseNames() ([]string, error) {
	var names []string
	if info, err := os.Stat(b.refPath(refs.Head)); err == nil && !info.IsDir() {
		names = append(names, refs.Head)
	}
	err := filepath.WalkDir(filepath.Join(b.root, "refs"), func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), lockSuffix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return names, nil
}

func (b *Backend) Iterate(glob string) (refdb.Iterator, error) {
	g, err := refdb.CompileGlob(glob)
	if err != nil {
		return nil, err
	}
	b.closedMu.RLock()
	closed := b.closed
	b.closedMu.RUnlock()
	if closed {
		return nil, refdb.ErrClosed
	}
	b.packMu.RLock()
	defer b.packMu.RUnlock()

	names, err := b.looseNames()
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, name := range names {
		if g.Match(name) {
			matched = append(matched, name)
		}
	}
	loose, err := b.readLooseAll(matched)
	if err != nil {
		return nil, err
	}
	packed, err := b.loadPacked()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(loose))
	snapshot := make([]refs.Reference, 0, len(loose)+len(packed))
	for _, ref := range loose {
		seen[ref.Name] = struct{}{}
		snapshot = append(snapshot, ref)
	}
	for name, rec := range packed {
		if _, ok := seen[name]; ok || !g.Match(name) {
			continue
		}
		snapshot = append(snapshot, refs.Reference{Name: name, Record: rec})
	}
	return refdb.NewSliceIterator(snapshot), nil
}

func (b *Backend) Free() error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return fmt.Errorf("fsdb: %w", refdb.ErrClosed)
	}
	b.closed = true
	b.closedMu.Unlock()

	b.heldMu.Lock()
	for name, lk := range b.held {
		lk.release()
		delete(b.held, name)
	}
	b.heldMu.Unlock()

	b.enc.Close()
	b.dec.Close()
	return nil
}
