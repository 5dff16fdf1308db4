package migrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBatchSize     = 500
	DefaultMaxRetries    = 3
	DefaultTargetPort    = 5432
	DefaultTargetSchema  = "public"
	DefaultSSLMode       = "disable"
	DefaultLockTTL       = 15 * time.Minute
	DefaultMemoryBudget  = 256 << 20
	LargeBatchThreshold  = 10000
	checkpointFileSuffix = ".checkpoint"
)

// DefaultExcludedTables are bookkeeping tables of schema migration tools; the
// application recreates them itself when it bootstraps the target.
var DefaultExcludedTables = []string{"migratehistory", "alembic_version"}

var validSSLModes = []string{"disable", "require", "verify-ca", "verify-full"}

// TargetConfig holds the PostgreSQL connection parameters.
type TargetConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	Schema   string
}

// Address returns host:port/database, without credentials.
func (t TargetConfig) Address() string {
	return fmt.Sprintf("%s/%s", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), t.Database)
}

// DSN returns a lib/pq connection URL.
func (t TargetConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(t.User, t.Password),
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
		Path:   "/" + t.Database,
	}
	q := url.Values{}
	q.Set("sslmode", t.SSLMode)
	q.Set("connect_timeout", "5")
	u.RawQuery = q.Encode()
	return u.String()
}

// RetryPolicy controls batch retries on transient target errors.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config is the resolved, validated input of a migration run. Build it with
// NewConfig; the engine keeps its own copy.
type Config struct {
	SourcePath  string
	Target      TargetConfig
	BatchSize   int
	EnvFilePath string

	CheckpointPath  string
	Workers         int
	Retry           RetryPolicy
	TruncateOnStart bool
	ExcludeTables   []string
	JSONFallback    bool
	MaxFailedRows   int64
	LockTTL         time.Duration
	MemoryBudget    int64
}

// NewConfig applies defaults to raw and validates the result.
func NewConfig(raw Config) (Config, error) {
	cfg := raw
	if raw.ExcludeTables != nil {
		cfg.ExcludeTables = append([]string{}, raw.ExcludeTables...)
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Target.Port == 0 {
		cfg.Target.Port = DefaultTargetPort
	}
	if cfg.Target.SSLMode == "" {
		cfg.Target.SSLMode = DefaultSSLMode
	}
	if cfg.Target.Schema == "" {
		cfg.Target.Schema = DefaultTargetSchema
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = DefaultMaxRetries
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = 5 * time.Second
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.MemoryBudget == 0 {
		cfg.MemoryBudget = DefaultMemoryBudget
	}
	if cfg.ExcludeTables == nil {
		cfg.ExcludeTables = append([]string(nil), DefaultExcludedTables...)
	}
	if cfg.CheckpointPath == "" && cfg.SourcePath != "" {
		cfg.CheckpointPath = cfg.SourcePath + checkpointFileSuffix
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.SourcePath) == "":
		return fmt.Errorf("%w: source database path is required", ErrInvalidConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	case strings.TrimSpace(c.Target.Host) == "":
		return fmt.Errorf("%w: target host is required", ErrInvalidConfig)
	case c.Target.Port <= 0 || c.Target.Port > 65535:
		return fmt.Errorf("%w: target port %d out of range", ErrInvalidConfig, c.Target.Port)
	case strings.TrimSpace(c.Target.Database) == "":
		return fmt.Errorf("%w: target database is required", ErrInvalidConfig)
	case strings.TrimSpace(c.Target.User) == "":
		return fmt.Errorf("%w: target user is required", ErrInvalidConfig)
	case !contains(validSSLModes, c.Target.SSLMode):
		return fmt.Errorf("%w: unsupported sslmode %q", ErrInvalidConfig, c.Target.SSLMode)
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	case c.Retry.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	case c.MaxFailedRows < 0:
		return fmt.Errorf("%w: max failed rows must not be negative", ErrInvalidConfig)
	case c.CheckpointPath == "":
		return fmt.Errorf("%w: checkpoint path is required", ErrInvalidConfig)
	}
	return nil
}

// RunKey identifies a source/target pair in the checkpoint store.
func (c Config) RunKey() string {
	source := c.SourcePath
	if abs, err := filepath.Abs(source); err == nil {
		source = abs
	}
	sum := sha256.Sum256([]byte(source + "\x00" + c.Target.Address() + "\x00" + c.Target.Schema))
	return hex.EncodeToString(sum[:8])
}

// Excluded reports whether table is skipped by configuration.
func (c Config) Excluded(table string) bool {
	return contains(c.ExcludeTables, table)
}
