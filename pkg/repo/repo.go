package repo

import (
	"log/slog"
	"sync"

	"github.com/odvcencio/refdb/pkg/bridge"
	"github.com/odvcencio/refdb/pkg/native"
)

// Repo represents an opened Got repository.
type Repo struct {
	RootDir string  // working directory root
	GotDir  string  // .got/ directory
	Config  *Config // .got/config.toml as loaded
	Refs    *References

	db     *native.Refdb
	logger *slog.Logger

	closeOnce sync.Once
}

// Option configures Init and Open.
type Option func(*options)

type options struct {
	backend       string
	defaultBranch string
	metrics       *bridge.Metrics
	logger        *slog.Logger
}

// WithBackend overrides the reference backend named in the repository
// config. For Init it is also the backend recorded in the new config.
func WithBackend(name string) Option {
	return func(o *options) { o.backend = name }
}

// WithDefaultBranch sets the branch a new repository's HEAD points at.
func WithDefaultBranch(name string) Option {
	return func(o *options) { o.defaultBranch = name }
}

// WithMetrics counts reference backend call-ins into m.
func WithMetrics(m *bridge.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Close frees the reference backend. Further calls on r panic.
func (r *Repo) Close() error {
	r.closeOnce.Do(func() {
		r.db.Free()
		r.logger.Debug("closed repository", "root", r.RootDir)
	})
	return nil
}

// Capabilities lists the optional reference operations the configured
// backend provides, as seen through the native table.
func (r *Repo) Capabilities() string {
	return r.db.Capabilities().String()
}
