package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/odvcencio/refdb/internal/logging"
	"github.com/odvcencio/refdb/pkg/bridge"
	"github.com/odvcencio/refdb/pkg/native"
	"github.com/odvcencio/refdb/pkg/refdb"
	"github.com/odvcencio/refdb/pkg/refs"
)

// DefaultBranch is the branch HEAD points at in a new repository.
const DefaultBranch = "main"

func buildOptions(opts []Option) *options {
	o := &options{
		defaultBranch: DefaultBranch,
		logger:        logging.Logger("repo"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Init creates a new Got repository at path: .got/, its config.toml, and a
// HEAD that points at the default branch, written through the configured
// reference backend. Returns an error if a .got/ directory already exists.
func Init(path string, opts ...Option) (*Repo, error) {
	o := buildOptions(opts)
	gotDir := filepath.Join(path, ".got")

	// Fail if .got/ already exists.
	if _, err := os.Stat(gotDir); err == nil {
		return nil, fmt.Errorf("init: repository already exists at %s", gotDir)
	}
	if err := os.MkdirAll(gotDir, 0o755); err != nil {
		return nil, fmt.Errorf("init: mkdir %s: %w", gotDir, err)
	}

	cfg := DefaultConfig()
	if o.backend != "" {
		cfg.Refdb.Backend = o.backend
	}
	if err := WriteConfig(gotDir, cfg); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}

	r, err := open(path, gotDir, cfg, o)
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	head := refs.BranchName(o.defaultBranch)
	if err := r.Refs.AddSymbolic(refs.Head, head, false); err != nil && !errors.Is(err, refdb.ErrConflict) {
		_ = r.Close()
		return nil, fmt.Errorf("init: write HEAD: %w", err)
	}
	r.logger.Debug("initialized repository", "root", path, "backend", cfg.Refdb.Backend, "head", head)
	return r, nil
}

// Open searches upward from path for a .got/ directory and opens the
// repository. Returns an error if no .got/ directory is found.
func Open(path string, opts ...Option) (*Repo, error) {
	o := buildOptions(opts)

	// Resolve to absolute path for consistent traversal.
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open: abs path: %w", err)
	}

	cur := abs
	for {
		gotDir := filepath.Join(cur, ".got")
		info, err := os.Stat(gotDir)
		if err == nil && info.IsDir() {
			cfg, err := ReadConfig(gotDir)
			if err != nil {
				return nil, fmt.Errorf("open: %w", err)
			}
			if o.backend != "" {
				cfg.Refdb.Backend = o.backend
			}
			r, err := open(cur, gotDir, cfg, o)
			if err != nil {
				return nil, fmt.Errorf("open: %w", err)
			}
			return r, nil
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			// Reached filesystem root without finding .got/.
			return nil, fmt.Errorf("open: not a got repository (or any parent up to /)")
		}
		cur = parent
	}
}

func open(root, gotDir string, cfg *Config, o *options) (*Repo, error) {
	backend, err := openBackend(gotDir, cfg.Refdb, o.logger)
	if err != nil {
		return nil, err
	}
	var bopts []bridge.Option
	if o.metrics != nil {
		bopts = append(bopts, bridge.WithMetrics(o.metrics))
	}
	db, err := bridge.Open(backend, native.NewHeap(), bopts...)
	if err != nil {
		return nil, err
	}
	return &Repo{
		RootDir: root,
		GotDir:  gotDir,
		Config:  cfg,
		Refs:    newReferences(db, o.logger),
		db:      db,
		logger:  o.logger,
	}, nil
}
