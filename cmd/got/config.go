package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/odvcencio/refdb/internal/logging"
	"github.com/odvcencio/refdb/pkg/bridge"
	"github.com/odvcencio/refdb/pkg/object"
	"github.com/odvcencio/refdb/pkg/repo"
)

const (
	keyLogLevel  = "log.level"
	keyLogFormat = "log.format"
	keyBackend   = "refdb.backend"
	keyStats     = "stats"
	keyUserName  = "user.name"
	keyUserEmail = "user.email"
)

// settings layers flags over GOT_* environment variables over an optional
// config file. GOT_USER_NAME maps to user.name, GOT_REFDB_BACKEND to
// refdb.backend, and so on.
var settings = newSettings()

func newSettings() *viper.Viper {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("."),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)
	v.SetEnvPrefix("GOT")
	v.AutomaticEnv()
	v.SetDefault(keyLogFormat, "text")
	return v
}

func bindFlag(flags *pflag.FlagSet, key, name string) {
	if err := settings.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

func loadConfigFile(path string) error {
	if path == "" {
		return nil
	}
	settings.SetConfigFile(path)
	if err := settings.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// logWriter is where configureLogging last pointed the log handler.
var logWriter io.Writer = os.Stderr

func configureLogging(w io.Writer, level string) error {
	logWriter = w
	return logging.Configure(w, level, settings.GetString(keyLogFormat))
}

var (
	statsOnce     sync.Once
	statsRegistry *prometheus.Registry
	statsMetrics  *bridge.Metrics
)

func metrics() *bridge.Metrics {
	if !settings.GetBool(keyStats) {
		return nil
	}
	statsOnce.Do(func() {
		statsRegistry = prometheus.NewRegistry()
		statsMetrics = bridge.NewMetrics()
		if err := statsMetrics.Register(statsRegistry); err != nil {
			panic(err)
		}
	})
	return statsMetrics
}

// reportStats prints one "name{labels} value" line per counter series.
func reportStats(w io.Writer) error {
	if statsRegistry == nil || !settings.GetBool(keyStats) {
		return nil
	}
	families, err := statsRegistry.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return nil
}

// openRepo opens the repository containing the working directory with the
// configured backend override, identity and metrics.
func openRepo() (*repo.Repo, error) {
	var opts []repo.Option
	if b := settings.GetString(keyBackend); b != "" {
		opts = append(opts, repo.WithBackend(b))
	}
	if m := metrics(); m != nil {
		opts = append(opts, repo.WithMetrics(m))
	}
	r, err := repo.Open(".", opts...)
	if err != nil {
		return nil, err
	}
	if settings.GetString(keyLogLevel) == "" && r.Config.Core.LogLevel != "" {
		if err := configureLogging(logWriter, r.Config.Core.LogLevel); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("config core.log_level: %w", err)
		}
	}
	if name := settings.GetString(keyUserName); name != "" {
		r.Refs.SetIdentity(name, settings.GetString(keyUserEmail))
	}
	return r, nil
}

// resolveTarget accepts a full object ID or any name ResolveRef accepts.
func resolveTarget(r *repo.Repo, arg string) (object.ID, error) {
	arg = strings.TrimSpace(arg)
	if id, err := object.ParseID(arg); err == nil {
		return id, nil
	}
	id, err := r.ResolveRef(arg)
	if err != nil {
		return object.ZeroID, fmt.Errorf("%q is neither an object ID nor a resolvable reference: %w", arg, err)
	}
	return id, nil
}
