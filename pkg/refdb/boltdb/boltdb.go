// Package boltdb stores references in a bbolt file. References live in
// one bucket keyed by name; each reference log is a nested bucket of
// sequence-keyed JSON entries.
package boltdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/odvcencio/refdb/internal/logging"
	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

var (
	bucketRefs    = []byte("refs")
	bucketReflogs = []byte("reflogs")
)

const symbolicPrefix = "ref: "

// Capabilities is every optional operation boltdb implements.
const Capabilities = refdb.CapReflog | refdb.CapCAS

// Backend is a bbolt-backed reference store.
type Backend struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
	closed atomic.Bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithNoSync disables fsync per transaction. Only tests should use it.
func WithNoSync(noSync bool) Option {
	return func(b *Backend) { b.noSync = noSync }
}

// Open opens or creates the database file at path.
func Open(path string, opts ...Option) (*Backend, error) {
	b := &Backend{logger: logging.Logger("refdb/boltdb")}
	for _, opt := range opts {
		opt(b)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRefs, bucketReflogs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.logger.Debug("opened refdb", "path", path, "noSync", b.noSync)
	return b, nil
}

var (
	_ refdb.Backend   = (*Backend)(nil)
	_ refdb.Reflogger = (*Backend)(nil)
	_ refdb.CASWriter = (*Backend)(nil)
)

func (b *Backend) Capabilities() refdb.Capabilities { return Capabilities }

func encode(rec refs.Record) []byte {
	if target, ok := rec.SymbolicTarget(); ok {
		return []byte(symbolicPrefix + target)
	}
	id, _ := rec.Target()
	return []byte(id.String())
}

func decode(name string, v []byte) (refs.Record, error) {
	if target, ok := bytes.CutPrefix(v, []byte(symbolicPrefix)); ok {
		return refs.Symbolic(string(target)), nil
	}
	id, err := object.ParseID(string(v))
	if err != nil {
		return refs.Record{}, fmt.Errorf("ref %q: %w", name, err)
	}
	return refs.Direct(id), nil
}

// get reads name from the refs bucket. bbolt memory is only valid inside
// the transaction; decode copies what it keeps.
func get(tx *bbolt.Tx, name string) (refs.Record, bool, error) {
	v := tx.Bucket(bucketRefs).Get([]byte(name))
	if v == nil {
		return refs.Record{}, false, nil
	}
	rec, err := decode(name, v)
	return rec, err == nil, err
}

// view runs fn in a read transaction, mapping a closed database to
// ErrClosed.
func (b *Backend) view(fn func(tx *bbolt.Tx) error) error {
	err := b.db.View(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return refdb.ErrClosed
	}
	return err
}

func (b *Backend) update(fn func(tx *bbolt.Tx) error) error {
	err := b.db.Update(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return refdb.ErrClosed
	}
	return err
}

func (b *Backend) Exists(name string) (bool, error) {
	if err := refs.ValidateName(name); err != nil {
		return false, err
	}
	var ok bool
	err := b.view(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketRefs).Get([]byte(name)) != nil
		return nil
	})
	return ok, err
}

func (b *Backend) Lookup(name string) (refs.Record, error) {
	if err := refs.ValidateName(name); err != nil {
		return refs.Record{}, err
	}
	var rec refs.Record
	err := b.view(func(tx *bbolt.Tx) error {
		var ok bool
		var err error
		rec, ok, err = get(tx, name)
		if err != nil {
			return err
		}
		if !ok {
			return refdb.NotFound(name)
		}
		return nil
	})
	return rec, err
}

func (b *Backend) WriteDirect(name string, target object.ID, force bool) error {
	return b.write(name, refs.Direct(target), force)
}

func (b *Backend) WriteSymbolic(name, target string, force bool) error {
	return b.write(name, refs.Symbolic(target), force)
}

func (b *Backend) write(name string, rec refs.Record, force bool) error {
	if err := refs.ValidateName(name); err != nil {
		return err
	}
	return b.update(func(tx *bbolt.Tx) error {
		if !force {
			existing, ok, err := get(tx, name)
			if err != nil {
				return err
			}
			if ok {
				return refdb.Conflict(name, existing.Kind())
			}
		}
		return tx.Bucket(bucketRefs).Put([]byte(name), encode(rec))
	})
}

func (b *Backend) Rename(oldName, newName string, force bool) (refs.Record, error) {
	if err := refs.ValidateName(oldName); err != nil {
		return refs.Record{}, err
	}
	var rec refs.Record
	err := b.update(func(tx *bbolt.Tx) error {
		var ok bool
		var err error
		rec, ok, err = get(tx, oldName)
		if err != nil {
			return err
		}
		if !ok {
			return refdb.NotFound(oldName)
		}
		if err := refs.ValidateName(newName); err != nil {
			return err
		}
		if oldName == newName {
			return nil
		}
		if !force {
			existing, ok, err := get(tx, newName)
			if err != nil {
				return err
			}
			if ok {
				return refdb.Conflict(newName, existing.Kind())
			}
		}
		bucket := tx.Bucket(bucketRefs)
		if err := bucket.Put([]byte(newName), encode(rec)); err != nil {
			return err
		}
		return bucket.Delete([]byte(oldName))
	})
	if err != nil {
		return refs.Record{}, err
	}
	return rec, nil
}

func (b *Backend) Delete(name string) error {
	if err := refs.ValidateName(name); err != nil {
		return err
	}
	return b.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRefs).Delete([]byte(name))
	})
}

// Iterate seeks to the glob's literal prefix and scans forward while keys
// still carry it.
func (b *Backend) Iterate(glob string) (refdb.Iterator, error) {
	g, err := refdb.CompileGlob(glob)
	if err != nil {
		return nil, err
	}
	prefix := []byte(g.Prefix())

	var snapshot []refs.Reference
	err = b.view(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRefs).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			name := string(k)
			if !g.Match(name) {
				continue
			}
			rec, err := decode(name, v)
			if err != nil {
				return err
			}
			snapshot = append(snapshot, refs.Reference{Name: name, Record: rec})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refdb.NewSliceIterator(snapshot), nil
}

func (b *Backend) Free() error {
	if b.closed.Swap(true) {
		return fmt.Errorf("boltdb: %w", refdb.ErrClosed)
	}
	b.logger.Debug("closing refdb")
	return b.db.Close()
}

func (b *Backend) CompareAndWrite(ref refs.Reference, expected refs.Record) error {
	if err := refs.ValidateName(ref.Name); err != nil {
		return err
	}
	return b.update(func(tx *bbolt.Tx) error {
		current, found, err := get(tx, ref.Name)
		if err != nil {
			return err
		}
		if err := refdb.CheckExpected(ref.Name, current, found, expected); err != nil {
			return err
		}
		return tx.Bucket(bucketRefs).Put([]byte(ref.Name), encode(ref.Record))
	})
}

func (b *Backend) CompareAndDelete(name string, expected refs.Record) error {
	if err := refs.ValidateName(name); err != nil {
		return err
	}
	return b.update(func(tx *bbolt.Tx) error {
		current, found, err := get(tx, name)
		if err != nil {
			return err
		}
		if err := refdb.CheckExpected(name, current, found, expected); err != nil {
			return err
		}
		return tx.Bucket(bucketRefs).Delete([]byte(name))
	})
}

// reflogRecord is the JSON form of one log entry.
type reflogRecord struct {
	Old     string `json:"old"`
	New     string `json:"new"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Unix    int64  `json:"unix"`
	Message string `json:"message"`
}

func (b *Backend) HasReflog(name string) (bool, error) {
	var ok bool
	err := b.view(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketReflogs).Bucket([]byte(name)) != nil
		return nil
	})
	return ok, err
}

func (b *Backend) EnsureReflog(name string) error {
	if err := refs.ValidateName(name); err != nil {
		return err
	}
	return b.update(func(tx *bbolt.Tx) error {
		_, err := tx.Bucket(bucketReflogs).CreateBucketIfNotExists([]byte(name))
		return err
	})
}

func (b *Backend) AppendReflog(name string, e refdb.ReflogEntry) error {
	if err := refs.ValidateName(name); err != nil {
		return err
	}
	when := e.Who.When
	if when.IsZero() {
		when = time.Now()
	}
	data, err := json.Marshal(reflogRecord{
		Old:     e.Old.String(),
		New:     e.New.String(),
		Name:    e.Who.Name,
		Email:   e.Who.Email,
		Unix:    when.Unix(),
		Message: strings.TrimSpace(e.Message),
	})
	if err != nil {
		return fmt.Errorf("encoding reflog entry: %w", err)
	}
	return b.update(func(tx *bbolt.Tx) error {
		log, err := tx.Bucket(bucketReflogs).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		seq, err := log.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return log.Put(key[:], data)
	})
}

// ReadReflog returns entries newest first.
func (b *Backend) ReadReflog(name string) ([]refdb.ReflogEntry, error) {
	var out []refdb.ReflogEntry
	err := b.view(func(tx *bbolt.Tx) error {
		log := tx.Bucket(bucketReflogs).Bucket([]byte(name))
		if log == nil {
			return nil
		}
		cursor := log.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var r reflogRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decoding reflog %q: %w", name, err)
			}
			oldID, err := object.ParseID(r.Old)
			if err != nil {
				return fmt.Errorf("reflog %q: %w", name, err)
			}
			newID, err := object.ParseID(r.New)
			if err != nil {
				return fmt.Errorf("reflog %q: %w", name, err)
			}
			out = append(out, refdb.ReflogEntry{
				Old:     oldID,
				New:     newID,
				Who:     refdb.Signature{Name: r.Name, Email: r.Email, When: time.Unix(r.Unix, 0)},
				Message: r.Message,
			})
		}
		return nil
	})
	return out, err
}

// RenameReflog copies the nested bucket under the new name and drops the
// old one in the same transaction.
func (b *Backend) RenameReflog(oldName, newName string) error {
	if err := refs.ValidateName(newName); err != nil {
		return err
	}
	return b.update(func(tx *bbolt.Tx) error {
		logs := tx.Bucket(bucketReflogs)
		src := logs.Bucket([]byte(oldName))
		if src == nil {
			return nil
		}
		if logs.Bucket([]byte(newName)) != nil {
			if err := logs.DeleteBucket([]byte(newName)); err != nil {
				return err
			}
		}
		dst, err := logs.CreateBucket([]byte(newName))
		if err != nil {
			return err
		}
		if err := src.ForEach(func(k, v []byte) error {
			return dst.Put(k, v)
		}); err != nil {
			return err
		}
		if err := dst.SetSequence(src.Sequence()); err != nil {
			return err
		}
		return logs.DeleteBucket([]byte(oldName))
	})
}

func (b *Backend) DeleteReflog(name string) error {
	return b.update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketReflogs).DeleteBucket([]byte(name))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
