package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapflowio/reconcile/internal/pg"
)

// Mode selects how export files are located in object storage.
type Mode string

const (
	// ModeDateAware keeps files under date-named sub-paths whose partition
	// date falls inside the configured range, plus all full-load files.
	ModeDateAware Mode = "date-aware"
	// ModeAbsolutePath takes the configured keys verbatim, no filtering.
	ModeAbsolutePath Mode = "absolute-path"
	// ModeFullLoadOnly keeps only the initial full-load export set.
	ModeFullLoadOnly Mode = "full-load-only"
)

var ModeOptions = []Mode{ModeDateAware, ModeAbsolutePath, ModeFullLoadOnly}

// Endpoint is one database connection target with its own trust policy.
type Endpoint struct {
	DSN   string
	Trust pg.TrustPolicy
}

type LoggerConfig struct {
	LogLevel logrus.Level
}

// Config is the full set of run parameters. Immutable once a run starts.
type Config struct {
	Bucket   string
	Prefix   string
	Database string
	Schema   string

	IncludedTables []string
	ExcludedTables []string

	Mode         Mode
	AbsoluteKeys []string
	StartDate    time.Time
	StopDate     time.Time // zero value means no upper bound

	ChunkSize      int64
	BatchSize      int64
	MaxConnections int
	StartPosition  int64
	AcquireTimeout time.Duration

	SnapshotOnly bool
	DiffOnly     bool

	Source Endpoint
	Target Endpoint

	Logger LoggerConfig
}

type Option func(*Config)

func NewConfig(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	c.SetDefault()
	return c
}

func WithBucket(bucket string) Option {
	return func(c *Config) { c.Bucket = bucket }
}

func WithPrefix(prefix string) Option {
	return func(c *Config) { c.Prefix = strings.Trim(prefix, "/") }
}

func WithDatabase(database string) Option {
	return func(c *Config) { c.Database = database }
}

func WithSchema(schema string) Option {
	return func(c *Config) { c.Schema = schema }
}

func WithIncludedTables(tables []string) Option {
	return func(c *Config) { c.IncludedTables = tables }
}

func WithExcludedTables(tables []string) Option {
	return func(c *Config) { c.ExcludedTables = tables }
}

func WithMode(mode Mode) Option {
	return func(c *Config) { c.Mode = mode }
}

func WithAbsoluteKeys(keys []string) Option {
	return func(c *Config) { c.AbsoluteKeys = keys }
}

func WithDateRange(start, stop time.Time) Option {
	return func(c *Config) {
		c.StartDate = start
		c.StopDate = stop
	}
}

func WithChunkSize(size int64) Option {
	return func(c *Config) { c.ChunkSize = size }
}

func WithBatchSize(size int64) Option {
	return func(c *Config) { c.BatchSize = size }
}

func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

func WithStartPosition(pos int64) Option {
	return func(c *Config) { c.StartPosition = pos }
}

func WithAcquireTimeout(d time.Duration) Option {
	return func(c *Config) { c.AcquireTimeout = d }
}

func WithSnapshotOnly(enabled bool) Option {
	return func(c *Config) { c.SnapshotOnly = enabled }
}

func WithDiffOnly(enabled bool) Option {
	return func(c *Config) { c.DiffOnly = enabled }
}

func WithSourceDSN(dsn string) Option {
	return func(c *Config) { c.Source.DSN = dsn }
}

func WithTargetDSN(dsn string) Option {
	return func(c *Config) { c.Target.DSN = dsn }
}

func WithSourceTrust(acceptInvalidCerts bool) Option {
	return func(c *Config) { c.Source.Trust.AcceptInvalidCerts = acceptInvalidCerts }
}

func WithTargetTrust(acceptInvalidCerts bool) Option {
	return func(c *Config) { c.Target.Trust.AcceptInvalidCerts = acceptInvalidCerts }
}

func WithLogLevel(level logrus.Level) Option {
	return func(c *Config) { c.Logger.LogLevel = level }
}

func (c *Config) SetDefault() {
	if c.Schema == "" {
		c.Schema = "public"
	}

	if c.Mode == "" {
		c.Mode = ModeDateAware
	}

	if c.ChunkSize == 0 {
		c.ChunkSize = 1_000
	}

	if c.BatchSize == 0 {
		c.BatchSize = c.ChunkSize
	}

	if c.MaxConnections == 0 {
		c.MaxConnections = 5
	}

	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 30 * time.Second
	}

	if c.Logger.LogLevel == 0 {
		c.Logger.LogLevel = logrus.InfoLevel
	}
}

func (c *Config) Validate() error {
	var err error

	if !c.DiffOnly {
		if isEmpty(c.Bucket) {
			err = errors.Join(err, errors.New("bucket cannot be empty"))
		}
		if isEmpty(c.Database) {
			err = errors.Join(err, errors.New("database cannot be empty"))
		}
	}

	if isEmpty(c.Source.DSN) {
		err = errors.Join(err, errors.New("source dsn cannot be empty"))
	}

	if isEmpty(c.Target.DSN) {
		err = errors.Join(err, errors.New("target dsn cannot be empty"))
	}

	if !modeIsValid(c.Mode) {
		err = errors.Join(err, fmt.Errorf("undefined mode %q. valid modes are: %v", c.Mode, ModeOptions))
	}

	if c.Mode == ModeDateAware && !c.DiffOnly && c.StartDate.IsZero() {
		err = errors.Join(err, errors.New("start date is required for date-aware mode"))
	}

	if c.Mode == ModeAbsolutePath && !c.DiffOnly && len(c.AbsoluteKeys) == 0 {
		err = errors.Join(err, errors.New("absolute-path mode requires at least one key"))
	}

	if !c.StopDate.IsZero() && c.StopDate.Before(c.StartDate) {
		err = errors.Join(err, errors.New("stop date cannot be before start date"))
	}

	if c.ChunkSize <= 0 {
		err = errors.Join(err, errors.New("chunk size must be positive"))
	}

	if c.BatchSize <= 0 {
		err = errors.Join(err, errors.New("batch size must be positive"))
	}

	if c.MaxConnections <= 0 {
		err = errors.Join(err, errors.New("max connections must be positive"))
	}

	if c.StartPosition < 0 {
		err = errors.Join(err, errors.New("start position cannot be negative"))
	}

	if c.SnapshotOnly && c.DiffOnly {
		err = errors.Join(err, errors.New("snapshot-only and diff-only are mutually exclusive"))
	}

	if len(c.IncludedTables) > 0 && len(c.ExcludedTables) > 0 {
		err = errors.Join(err, errors.New("included and excluded tables cannot both be set"))
	}

	return err
}

func (c *Config) Print() {
	fmt.Printf("Config: Bucket=%s Prefix=%s Database=%s Schema=%s Mode=%s ChunkSize=%d MaxConnections=%d\n",
		c.Bucket, c.Prefix, c.Database, c.Schema, c.Mode, c.ChunkSize, c.MaxConnections)
}

func modeIsValid(mode Mode) bool {
	for _, m := range ModeOptions {
		if m == mode {
			return true
		}
	}
	return false
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
