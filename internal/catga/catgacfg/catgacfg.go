// Package catgacfg implements the host-facing Registration API (§6): a
// Config struct loadable from TOML plus environment-variable overlay, a
// WorkerId resolver, and a Builder that turns a Config (or direct option
// functions) into a wired mediator.Mediator and id.Generator pair.
//
// Grounded on internal/config/config.go's nested config struct shape and
// internal/config/loader.go's "parse TOML into a TOMLConfig, then let
// environment variables override individual fields" two-pass loading.
package catgacfg

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"go.catga.dev/internal/catga/batcher"
	"go.catga.dev/internal/catga/id"
	"go.catga.dev/internal/catga/mediator"
)

// WorkerIdConfig describes how to resolve the Snowflake worker id: either
// an explicit value, or the name of an environment variable to read it
// from. Without either, ResolveWorkerId fails unless DevModeAllowed is
// set, in which case it falls back to worker id 0 and logs a warning.
type WorkerIdConfig struct {
	Explicit       uint64
	ExplicitSet    bool
	EnvVar         string
	DevModeAllowed bool
}

// BatchDefaults mirrors the per-type AutoBatcher knobs in §6's Registration
// API, carried at the Config level as the defaults new batch registrations
// inherit unless overridden per call.
type BatchDefaults struct {
	MaxBatchSize   int `toml:"max_batch_size"`
	BatchTimeoutMs int `toml:"batch_timeout_ms"`
	MaxQueueLength int `toml:"max_queue_length"`
	FlushDegree    int `toml:"flush_degree"`
}

// Config is the in-process configuration shape, independent of how it was
// loaded (TOML file, environment, or constructed directly in tests).
type Config struct {
	WorkerId      WorkerIdConfig
	EnableLogging bool
	EnableTracing bool
	BatchDefaults BatchDefaults
}

// tomlConfig is the on-disk shape, following the teacher's TOMLConfig
// pattern of a parallel struct with `toml` tags instead of tagging Config
// directly (so Config can carry non-TOML-shaped fields like WorkerIdConfig's
// two resolution modes without contorting the file format).
type tomlConfig struct {
	Worker struct {
		Id     *int64 `toml:"id"`
		EnvVar string `toml:"env_var"`
	} `toml:"worker"`
	EnableLogging bool          `toml:"enable_logging"`
	EnableTracing bool          `toml:"enable_tracing"`
	Batch         BatchDefaults `toml:"batch"`
}

// LoadFromFile parses a TOML config file, mirroring
// internal/config/loader.go's LoadFromFile.
func LoadFromFile(path string) (*Config, error) {
	var tc tomlConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return nil, fmt.Errorf("catgacfg: parse %s: %w", path, err)
	}
	cfg := &Config{
		EnableLogging: tc.EnableLogging,
		EnableTracing: tc.EnableTracing,
		BatchDefaults: tc.Batch,
		WorkerId:      WorkerIdConfig{EnvVar: tc.Worker.EnvVar},
	}
	if tc.Worker.Id != nil {
		cfg.WorkerId.Explicit = uint64(*tc.Worker.Id)
		cfg.WorkerId.ExplicitSet = true
	}
	return cfg, nil
}

// ResolveWorkerId resolves wc to a worker id following §4.1/§6: an
// explicit value wins; otherwise the named environment variable is read
// and parsed; if neither is available, DevModeAllowed permits falling
// back to 0 but only with a logged warning, matching the teacher's pattern
// of loud defaults for anything that would be dangerous in production
// (e.g. DevHTTPMediatorConfig's explicit naming).
func ResolveWorkerId(wc WorkerIdConfig, logger *slog.Logger) (uint64, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if wc.ExplicitSet {
		return wc.Explicit, nil
	}
	if wc.EnvVar != "" {
		raw, ok := os.LookupEnv(wc.EnvVar)
		if ok {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("catgacfg: env var %s=%q is not a valid worker id: %w", wc.EnvVar, raw, err)
			}
			return v, nil
		}
	}
	if !wc.DevModeAllowed {
		return 0, fmt.Errorf("catgacfg: no worker id configured (set WorkerIdConfig.Explicit, or EnvVar %q, or opt into DevModeAllowed)", wc.EnvVar)
	}
	logger.Warn("catgacfg: no worker id configured, falling back to 0 because DevModeAllowed is set; this is only safe for a single-node development deployment")
	return 0, nil
}

// Built is everything Builder.Build produces: a wired Mediator and the
// Generator sharing the resolved WorkerId, ready for handler registration.
type Built struct {
	Mediator *mediator.Mediator
	IdGen    *id.Generator
}

// Builder is the in-process counterpart of §6's abstract Registration API
// builder: it accepts either a Config or direct option setters, then
// produces a wired Mediator/Generator pair.
type Builder struct {
	cfg     Config
	logger  *slog.Logger
	metrics mediator.Metrics
	scope   mediator.ScopeFactory
}

// NewBuilder starts from cfg's values. A zero-value Config has no worker
// id source, so Build fails on it unless WorkerId.DevModeAllowed is set.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// WithLogger overrides the default slog.Default() logger used both for
// Builder's own diagnostics (e.g. the dev-mode worker id warning) and for
// the constructed Mediator.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetrics attaches a mediator.Metrics sink, typically
// catgametrics.Metrics.
func (b *Builder) WithMetrics(m mediator.Metrics) *Builder {
	b.metrics = m
	return b
}

// WithScopeFactory overrides the default no-op DI scope.
func (b *Builder) WithScopeFactory(f mediator.ScopeFactory) *Builder {
	b.scope = f
	return b
}

// Build resolves the worker id, constructs the Generator, and constructs
// the Mediator with every Config-derived Option applied.
func (b *Builder) Build() (*Built, error) {
	workerId, err := ResolveWorkerId(b.cfg.WorkerId, b.logger)
	if err != nil {
		return nil, err
	}

	opts := []mediator.Option{
		mediator.WithLogging(b.cfg.EnableLogging),
		mediator.WithTracing(b.cfg.EnableTracing),
	}
	if b.logger != nil {
		opts = append(opts, mediator.WithLogger(b.logger))
	}
	if b.metrics != nil {
		opts = append(opts, mediator.WithMetrics(b.metrics))
	}
	if b.scope != nil {
		opts = append(opts, mediator.WithScopeFactory(b.scope))
	}

	return &Built{
		Mediator: mediator.New(opts...),
		IdGen:    id.New(workerId),
	}, nil
}

// BatcherOptions copies Config's BatchDefaults into batcher.Options
// unchanged; zero-valued fields are left zero here and replaced by
// batcher.New's defaults (MaxBatchSize 16, BatchTimeoutMs 10,
// MaxQueueLength 10,000, FlushDegree 0).
func (c Config) BatcherOptions() batcher.Options {
	return batcher.Options{
		MaxBatchSize:   c.BatchDefaults.MaxBatchSize,
		BatchTimeoutMs: c.BatchDefaults.BatchTimeoutMs,
		MaxQueueLength: c.BatchDefaults.MaxQueueLength,
		FlushDegree:    c.BatchDefaults.FlushDegree,
	}
}
