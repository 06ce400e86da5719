package fsdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sourcegraph/conc/pool"

	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

const (
	packedName     = "packed-refs"
	packedHeader   = "# got packed-refs v1"
	checksumPrefix = "# checksum "
)

type packedSnapshot struct {
	modTime time.Time
	size    int64
	loaded  bool
	entries map[string]refs.Record
}

func (b *Backend) packedPath() string {
	return filepath.Join(b.root, packedName)
}

// loadPacked returns the packed entries, rereading the file only when its
// size or mtime changed. The returned map must not be modified.
func (b *Backend) loadPacked() (map[string]refs.Record, error) {
	b.packedMu.Lock()
	defer b.packedMu.Unlock()

	info, err := os.Stat(b.packedPath())
	if err != nil {
		if os.IsNotExist(err) {
			b.packedCache = packedSnapshot{}
			return nil, nil
		}
		return nil, fmt.Errorf("stat packed-refs: %w", err)
	}
	c := b.packedCache
	if c.loaded && c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
		return c.entries, nil
	}

	raw, err := os.ReadFile(b.packedPath())
	if err != nil {
		return nil, fmt.Errorf("read packed-refs: %w", err)
	}
	entries, err := b.decodePacked(raw)
	if err != nil {
		return nil, err
	}
	b.packedCache = packedSnapshot{modTime: info.ModTime(), size: info.Size(), loaded: true, entries: entries}
	return entries, nil
}

func (b *Backend) decodePacked(raw []byte) (map[string]refs.Record, error) {
	data, err := b.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress packed-refs: %w", err)
	}
	entries := make(map[string]refs.Record)
	var want string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if sum, ok := strings.CutPrefix(line, checksumPrefix); ok {
			want = sum
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hex, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("packed-refs: malformed line %q", line)
		}
		id, err := object.ParseID(hex)
		if err != nil {
			return nil, fmt.Errorf("packed-refs %q: %w", name, err)
		}
		entries[name] = refs.Direct(id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("packed-refs: %w", err)
	}
	// Files written before the trailer existed carry no checksum.
	if want != "" {
		if got := fmt.Sprintf("%016x", packedChecksum(sortedNames(entries), entries)); got != want {
			return nil, fmt.Errorf("packed-refs: checksum mismatch: have %s, want %s", got, want)
		}
	}
	return entries, nil
}

func sortedNames(entries map[string]refs.Record) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// packedChecksum digests each name with its record hash, in name order.
func packedChecksum(names []string, entries map[string]refs.Record) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, name := range names {
		_, _ = d.WriteString(name)
		binary.LittleEndian.PutUint64(buf[:], entries[name].Hash())
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

func (b *Backend) encodePacked(entries map[string]refs.Record) []byte {
	names := sortedNames(entries)

	var buf bytes.Buffer
	buf.WriteString(packedHeader)
	buf.WriteByte('\n')
	for _, name := range names {
		id, _ := entries[name].Target()
		fmt.Fprintf(&buf, "%s %s\n", id, name)
	}
	fmt.Fprintf(&buf, "%s%016x\n", checksumPrefix, packedChecksum(names, entries))
	return b.enc.EncodeAll(buf.Bytes(), nil)
}

// rewritePacked applies mutate to a copy of the packed entries and
// replaces the file under packed-refs.lock.
func (b *Backend) rewritePacked(mutate func(map[string]refs.Record)) error {
	path := b.packedPath()
	f, err := acquireLock(path+lockSuffix, b.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock packed-refs: %w", err)
	}
	lk := &lockFile{path: path, lockPath: path + lockSuffix, f: f}
	defer lk.release()

	current, err := b.loadPacked()
	if err != nil {
		return err
	}
	next := make(map[string]refs.Record, len(current))
	for name, rec := range current {
		next[name] = rec
	}
	mutate(next)

	err = lk.commit(b.encodePacked(next))
	b.packedMu.Lock()
	b.packedCache = packedSnapshot{}
	b.packedMu.Unlock()
	if err != nil {
		return fmt.Errorf("write packed-refs: %w", err)
	}
	return nil
}

// readLooseAll reads the named loose files in parallel. Names whose file
// vanished in the meantime are dropped.
func (b *Backend) readLooseAll(names []string) ([]refs.Reference, error) {
	out := make([]refs.Reference, len(names))
	found := make([]bool, len(names))

	p := pool.New().WithErrors().WithMaxGoroutines(b.concurrency)
	for i, name := range names {
		p.Go(func() error {
			rec, ok, err := b.readLoose(name)
			if err != nil {
				return err
			}
			out[i] = refs.Reference{Name: name, Record: rec}
			found[i] = ok
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	kept := out[:0]
	for i := range out {
		if found[i] {
			kept = append(kept, out[i])
		}
	}
	return kept, nil
}

// Compress folds every direct loose ref under refs/ into packed-refs and
// removes the loose files it packed. Symbolic refs and HEAD stay loose.
func (b *Backend) Compress() error {
	b.closedMu.RLock()
	closed := b.closed
	b.closedMu.RUnlock()
	if closed {
		return fmt.Errorf("compress: %w", refdb.ErrClosed)
	}
	b.packMu.Lock()
	defer b.packMu.Unlock()

	names, err := b.looseNames()
	if err != nil {
		return err
	}
	loose, err := b.readLooseAll(names)
	if err != nil {
		return err
	}

	var packable []refs.Reference
	for _, ref := range loose {
		if ref.Name == refs.Head || ref.Kind() != refs.KindDirect {
			continue
		}
		packable = append(packable, ref)
	}
	if len(packable) == 0 {
		b.logger.Debug("compress: nothing to pack")
		return nil
	}

	if err := b.rewritePacked(func(m map[string]refs.Record) {
		for _, ref := range packable {
			m[ref.Name] = ref.Record
		}
	}); err != nil {
		return err
	}

	pruned := 0
	for _, ref := range packable {
		lk, err := b.lock(ref.Name)
		if err != nil {
			// The loose file shadows an identical packed entry.
			b.logger.Warn("compress: skip prune", "ref", ref.Name, "error", err)
			continue
		}
		rec, ok, err := b.readLoose(ref.Name)
		if err == nil && ok && rec.Equal(ref.Record) {
			if err := os.Remove(lk.path); err == nil {
				pruned++
			}
		}
		lk.release()
		b.pruneRef(ref.Name)
	}
	b.logger.Debug("compress", "packed", len(packable), "pruned", pruned)
	return nil
}
