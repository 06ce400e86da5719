package repo

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refdb/boltdb"
	"github.com/odvcencio/refdb/pkg/refdb/dsdb"
	"github.com/odvcencio/refdb/pkg/refdb/fsdb"
	"github.com/odvcencio/refdb/pkg/refdb/memdb"
	"github.com/odvcencio/refdb/pkg/refdb/sqldb"
)

var defaultPaths = map[string]string{
	BackendFiles:  "",
	BackendBolt:   "refs.db",
	BackendSQLite: "refs.sqlite",
	BackendBadger: "refs.badger",
}

func backendPath(gotDir string, cfg RefdbConfig) string {
	p := cfg.Path
	if p == "" {
		p = defaultPaths[cfg.Backend]
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(gotDir, p)
}

// openBackend constructs the backend cfg names.
func openBackend(gotDir string, cfg RefdbConfig, logger *slog.Logger) (refdb.Backend, error) {
	path := backendPath(gotDir, cfg)
	switch cfg.Backend {
	case BackendFiles, "":
		opts := []fsdb.Option{fsdb.WithLogger(logger.With("backend", BackendFiles))}
		if cfg.LockTimeout.Duration > 0 {
			opts = append(opts, fsdb.WithLockTimeout(cfg.LockTimeout.Duration))
		}
		if cfg.CompressionLevel > 0 {
			opts = append(opts, fsdb.WithCompressionLevel(cfg.CompressionLevel))
		}
		return fsdb.Open(path, opts...)
	case BackendBolt:
		return boltdb.Open(path, boltdb.WithLogger(logger.With("backend", BackendBolt)), boltdb.WithNoSync(cfg.NoSync))
	case BackendSQLite:
		return sqldb.Open(path, sqldb.WithLogger(logger.With("backend", BackendSQLite)))
	case BackendBadger:
		return dsdb.OpenBadger(path, dsdb.WithLogger(logger.With("backend", BackendBadger)))
	case BackendMemory:
		return memdb.New(memdb.WithLogger(logger.With("backend", BackendMemory))), nil
	}
	return nil, fmt.Errorf("unknown refdb backend %q", cfg.Backend)
}
