// Package sqldb stores references in a SQL database through gorm. The
// default driver is a pure-Go sqlite.
package sqldb

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/odvcencio/refdb/internal/logging"
	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// Capabilities is every optional operation sqldb implements.
const Capabilities = refdb.CapCompress | refdb.CapReflog | refdb.CapCAS

// Backend is a gorm-backed reference store.
type Backend struct {
	db     *gorm.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// Open opens (or creates) a sqlite database at path. ":memory:" gives a
// private in-memory database.
func Open(path string, opts ...Option) (*Backend, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	return New(db, opts...)
}

// New migrates the schema on db and returns a backend over it.
func New(db *gorm.DB, opts ...Option) (*Backend, error) {
	b := &Backend{db: db, logger: logging.Logger("refdb/sqldb")}
	for _, opt := range opts {
		opt(b)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqldb: %w", err)
	}
	// One connection: transactions serialize and an in-memory database is
	// shared by every call.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Ref{}, &Reflog{}, &ReflogEntry{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

var (
	_ refdb.Backend    = (*Backend)(nil)
	_ refdb.Compressor = (*Backend)(nil)
	_ refdb.Reflogger  = (*Backend)(nil)
	_ refdb.CASWriter  = (*Backend)(nil)
)

func (b *Backend) Capabilities() refdb.Capabilities { return Capabilities }

func (b *Backend) begin(name string) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return refdb.ErrClosed
	}
	return refs.ValidateName(name)
}

func toRow(name string, rec refs.Record) Ref {
	row := Ref{Name: name, Kind: uint8(rec.Kind())}
	if id, ok := rec.Target(); ok {
		row.Target = id.String()
	}
	if target, ok := rec.SymbolicTarget(); ok {
		row.Symbolic = target
	}
	return row
}

func fromRow(row Ref) (refs.Record, error) {
	switch refs.Kind(row.Kind) {
	case refs.KindDirect:
		id, err := object.ParseID(row.Target)
		if err != nil {
			return refs.Record{}, fmt.Errorf("ref %q: %w", row.Name, err)
		}
		return refs.Direct(id), nil
	case refs.KindSymbolic:
		return refs.Symbolic(row.Symbolic), nil
	default:
		return refs.Record{}, fmt.Errorf("ref %q: bad kind %d", row.Name, row.Kind)
	}
}

// find loads name within tx. The bool is false when the row is absent.
func find(tx *gorm.DB, name string) (Ref, bool, error) {
	var row Ref
	err := tx.Where("name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, fmt.Errorf("select %q: %w", name, err)
	}
	return row, true, nil
}

// put inserts or replaces name, bumping the version of an existing row.
func put(tx *gorm.DB, existing Ref, found bool, name string, rec refs.Record) error {
	row := toRow(name, rec)
	row.Version = 1
	if found {
		row.Version = existing.Version + 1
	}
	if err := tx.Save(&row).Error; err != nil {
		return fmt.Errorf("save %q: %w", name, err)
	}
	return nil
}

func (b *Backend) Exists(name string) (bool, error) {
	if err := b.begin(name); err != nil {
		return false, err
	}
	var n int64
	if err := b.db.Model(&Ref{}).Where("name = ?", name).Count(&n).Error; err != nil {
		return false, fmt.Errorf("exists %q: %w", name, err)
	}
	return n > 0, nil
}

func (b *Backend) Lookup(name string) (refs.Record, error) {
	if err := b.begin(name); err != nil {
		return refs.Record{}, err
	}
	row, ok, err := find(b.db, name)
	if err != nil {
		return refs.Record{}, err
	}
	if !ok {
		return refs.Record{}, refdb.NotFound(name)
	}
	return fromRow(row)
}

func (b *Backend) WriteDirect(name string, target object.ID, force bool) error {
	return b.write(name, refs.Direct(target), force)
}

func (b *Backend) WriteSymbolic(name, target string, force bool) error {
	return b.write(name, refs.Symbolic(target), force)
}

func (b *Backend) write(name string, rec refs.Record, force bool) error {
	if err := b.begin(name); err != nil {
		return err
	}
	return b.db.Transaction(func(tx *gorm.DB) error {
		existing, found, err := find(tx, name)
		if err != nil {
			return err
		}
		if found && !force {
			return refdb.Conflict(name, refs.Kind(existing.Kind))
		}
		return put(tx, existing, found, name, rec)
	})
}

func (b *Backend) Rename(oldName, newName string, force bool) (refs.Record, error) {
	if err := b.begin(oldName); err != nil {
		return refs.Record{}, err
	}
	var rec refs.Record
	err := b.db.Transaction(func(tx *gorm.DB) error {
		src, ok, err := find(tx, oldName)
		if err != nil {
			return err
		}
		if !ok {
			return refdb.NotFound(oldName)
		}
		if err := refs.ValidateName(newName); err != nil {
			return err
		}
		if rec, err = fromRow(src); err != nil {
			return err
		}
		if oldName == newName {
			return nil
		}
		dst, found, err := find(tx, newName)
		if err != nil {
			return err
		}
		if found && !force {
			return refdb.Conflict(newName, refs.Kind(dst.Kind))
		}
		if err := put(tx, dst, found, newName, rec); err != nil {
			return err
		}
		if err := tx.Where("name = ?", oldName).Delete(&Ref{}).Error; err != nil {
			return fmt.Errorf("delete %q: %w", oldName, err)
		}
		return nil
	})
	if err != nil {
		return refs.Record{}, err
	}
	return rec, nil
}

func (b *Backend) Delete(name string) error {
	if err := b.begin(name); err != nil {
		return err
	}
	if err := b.db.Where("name = ?", name).Delete(&Ref{}).Error; err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Iterate narrows the query to the glob's literal prefix and matches the
// rest in Go.
func (b *Backend) Iterate(glob string) (refdb.Iterator, error) {
	g, err := refdb.CompileGlob(glob)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, refdb.ErrClosed
	}

	q := b.db.Model(&Ref{}).Order("name")
	if prefix := g.Prefix(); prefix != "" {
		q = q.Where(`name LIKE ? ESCAPE '\'`, likeEscaper.Replace(prefix)+"%")
	}
	var rows []Ref
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}

	snapshot := make([]refs.Reference, 0, len(rows))
	for _, row := range rows {
		if !g.Match(row.Name) {
			continue
		}
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		snapshot = append(snapshot, refs.Reference{Name: row.Name, Record: rec})
	}
	return refdb.NewSliceIterator(snapshot), nil
}

// Compress vacuums the database file.
func (b *Backend) Compress() error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return refdb.ErrClosed
	}
	if err := b.db.Exec("VACUUM").Error; err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

func (b *Backend) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("sqldb: %w", refdb.ErrClosed)
	}
	b.closed = true
	sqlDB, err := b.db.DB()
	if err != nil {
		return fmt.Errorf("sqldb: %w", err)
	}
	return sqlDB.Close()
}

func (b *Backend) CompareAndWrite(ref refs.Reference, expected refs.Record) error {
	if err := b.begin(ref.Name); err != nil {
		return err
	}
	return b.db.Transaction(func(tx *gorm.DB) error {
		row, found, err := find(tx, ref.Name)
		if err != nil {
			return err
		}
		var current refs.Record
		if found {
			if current, err = fromRow(row); err != nil {
				return err
			}
		}
		if err := refdb.CheckExpected(ref.Name, current, found, expected); err != nil {
			return err
		}
		return put(tx, row, found, ref.Name, ref.Record)
	})
}

func (b *Backend) CompareAndDelete(name string, expected refs.Record) error {
	if err := b.begin(name); err != nil {
		return err
	}
	return b.db.Transaction(func(tx *gorm.DB) error {
		row, found, err := find(tx, name)
		if err != nil {
			return err
		}
		var current refs.Record
		if found {
			if current, err = fromRow(row); err != nil {
				return err
			}
		}
		if err := refdb.CheckExpected(name, current, found, expected); err != nil {
			return err
		}
		if !found {
			return nil
		}
		// The version guard catches a writer outside this process.
		res := tx.Where("name = ? AND version = ?", name, row.Version).Delete(&Ref{})
		if res.Error != nil {
			return fmt.Errorf("delete %q: %w", name, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %q changed concurrently", refdb.ErrCASMismatch, name)
		}
		return nil
	})
}

func (b *Backend) HasReflog(name string) (bool, error) {
	if err := b.begin(name); err != nil {
		return false, err
	}
	var n int64
	if err := b.db.Model(&Reflog{}).Where("name = ?", name).Count(&n).Error; err != nil {
		return false, fmt.Errorf("has reflog %q: %w", name, err)
	}
	return n > 0, nil
}

func (b *Backend) EnsureReflog(name string) error {
	if err := b.begin(name); err != nil {
		return err
	}
	if err := ensureReflog(b.db, name); err != nil {
		return fmt.Errorf("ensure reflog %q: %w", name, err)
	}
	return nil
}

func ensureReflog(tx *gorm.DB, name string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Reflog{Name: name}).Error
}

func (b *Backend) AppendReflog(name string, e refdb.ReflogEntry) error {
	if err := b.begin(name); err != nil {
		return err
	}
	when := e.Who.When
	if when.IsZero() {
		when = time.Now()
	}
	return b.db.Transaction(func(tx *gorm.DB) error {
		if err := ensureReflog(tx, name); err != nil {
			return fmt.Errorf("reflog %q: %w", name, err)
		}
		row := ReflogEntry{
			Name:    name,
			Old:     e.Old.String(),
			New:     e.New.String(),
			Who:     e.Who.Name,
			Email:   e.Who.Email,
			Unix:    when.Unix(),
			Message: e.Message,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("reflog %q: %w", name, err)
		}
		return nil
	})
}

// ReadReflog returns entries newest first.
func (b *Backend) ReadReflog(name string) ([]refdb.ReflogEntry, error) {
	if err := b.begin(name); err != nil {
		return nil, err
	}
	var rows []ReflogEntry
	if err := b.db.Where("name = ?", name).Order("seq DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read reflog %q: %w", name, err)
	}
	out := make([]refdb.ReflogEntry, 0, len(rows))
	for _, row := range rows {
		oldID, err := object.ParseID(row.Old)
		if err != nil {
			return nil, fmt.Errorf("reflog %q: %w", name, err)
		}
		newID, err := object.ParseID(row.New)
		if err != nil {
			return nil, fmt.Errorf("reflog %q: %w", name, err)
		}
		out = append(out, refdb.ReflogEntry{
			Old:     oldID,
			New:     newID,
			Who:     refdb.Signature{Name: row.Who, Email: row.Email, When: time.Unix(row.Unix, 0)},
			Message: row.Message,
		})
	}
	return out, nil
}

func (b *Backend) RenameReflog(oldName, newName string) error {
	if err := b.begin(oldName); err != nil {
		return err
	}
	if err := refs.ValidateName(newName); err != nil {
		return err
	}
	return b.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("name = ?", oldName).Delete(&Reflog{})
		if res.Error != nil {
			return fmt.Errorf("rename reflog: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		// The moved log replaces whatever history newName had.
		if err := tx.Where("name = ?", newName).Delete(&ReflogEntry{}).Error; err != nil {
			return fmt.Errorf("rename reflog: %w", err)
		}
		if err := ensureReflog(tx, newName); err != nil {
			return fmt.Errorf("rename reflog: %w", err)
		}
		if err := tx.Model(&ReflogEntry{}).Where("name = ?", oldName).Update("name", newName).Error; err != nil {
			return fmt.Errorf("rename reflog: %w", err)
		}
		return nil
	})
}

func (b *Backend) DeleteReflog(name string) error {
	if err := b.begin(name); err != nil {
		return err
	}
	return b.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("name = ?", name).Delete(&ReflogEntry{}).Error; err != nil {
			return fmt.Errorf("delete reflog: %w", err)
		}
		if err := tx.Where("name = ?", name).Delete(&Reflog{}).Error; err != nil {
			return fmt.Errorf("delete reflog: %w", err)
		}
		return nil
	})
}
