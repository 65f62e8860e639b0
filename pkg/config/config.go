// Package config loads StrataDB configuration.
//
// Sources are applied in order, later ones overriding earlier ones:
//
//  1. Built-in defaults (Defaults)
//  2. An optional YAML file
//  3. An optional .env file, which only sets variables not already present
//     in the process environment
//  4. STRATADB_* environment variables
//
// The result is checked with struct tags (go-playground/validator) plus a few
// cross-field rules before it is returned.
//
// Example Usage:
//
//	cfg, err := config.Load(config.Options{File: "stratadb.yaml", EnvFile: ".env"})
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	cfg.Memory.ApplyRuntimeMemory()
//
// Environment Variables:
//   - STRATADB_DATA_DIR="./data"
//   - STRATADB_IN_MEMORY=false
//   - STRATADB_SYNC_WRITES=false
//   - STRATADB_GC_INTERVAL=10m
//   - STRATADB_AUTHOR="stratadb"
//   - STRATADB_LAYERS="manual,discovery,base"
//   - STRATADB_CACHE_ENABLED=true
//   - STRATADB_CACHE_SIZE=10000
//   - STRATADB_CACHE_TTL=5m
//   - STRATADB_LOG_LEVEL=INFO
//   - STRATADB_LOG_FORMAT=text
//   - STRATADB_LOG_OUTPUT=stderr
//   - STRATADB_AUDIT_ENABLED=false
//   - STRATADB_AUDIT_LOG_PATH="./logs/audit.log"
//   - STRATADB_METRICS_ADDRESS=":9464"
//   - STRATADB_AUTH_ENABLED=false
//   - STRATADB_AUTH_DEFAULT_ROLE=viewer
//   - STRATADB_AUTH_GRANTS="alice=admin;bot=editor@discovery,staging"
//   - STRATADB_MEMORY_LIMIT="2GiB"
//   - STRATADB_GC_PERCENT=100
package config

import (
	"fmt"
	"math"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/orneryd/stratadb/pkg/auth"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all StrataDB configuration.
//
// Configuration is organized into logical sections:
//   - Database: storage location and write defaults
//   - Cache: merged-view cache bounds
//   - Logging: structured logging
//   - Audit: commit audit trail
//   - Metrics: Prometheus endpoint
//   - Auth: layer-scoped authorization
//   - Memory: Go runtime tuning
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Auth     AuthConfig     `yaml:"auth"`
	Memory   MemoryConfig   `yaml:"memory"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	// DataDir is the directory for data storage
	DataDir string `yaml:"data_dir"`
	// InMemory keeps everything in memory; DataDir is ignored
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces fsync on every commit
	SyncWrites bool `yaml:"sync_writes"`
	// LowMemory shrinks badger's memtables and caches
	LowMemory bool `yaml:"low_memory"`
	// GCInterval between value-log GC passes (0 = disabled)
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
	// Author recorded on changesets when the caller names none
	Author string `yaml:"author" validate:"required,max=256"`
	// Layers is the default layer set for reads, highest precedence first
	Layers []string `yaml:"layers" validate:"dive,required"`
}

// CacheConfig holds merged-view cache settings.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxEntries bounds the LRU (0 = default)
	MaxEntries int `yaml:"max_entries" validate:"gte=0"`
	// TTL expires entries regardless of validity (0 = never)
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (DEBUG, INFO, WARN, ERROR)
	Level string `yaml:"level"`
	// Format (json, text)
	Format string `yaml:"format" validate:"oneof=json text"`
	// Output path (stdout, stderr, or file path)
	Output string `yaml:"output" validate:"required"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	LogPath    string `yaml:"log_path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"omitempty,hostname_port"`
	Path    string `yaml:"path" validate:"required,startswith=/"`
}

// AuthConfig holds authorization settings.
type AuthConfig struct {
	// Enabled turns enforcement on
	Enabled bool `yaml:"enabled"`
	// DefaultRole for principals without grants
	DefaultRole string `yaml:"default_role" validate:"oneof=admin editor viewer none"`
	// Grants bind principals to roles, globally or per layer
	Grants []auth.Grant `yaml:"grants" validate:"dive"`
}

// Policy converts the section into an auth policy configuration.
func (c *AuthConfig) Policy() auth.PolicyConfig {
	return auth.PolicyConfig{
		Enabled:     c.Enabled,
		DefaultRole: auth.Role(c.DefaultRole),
		Grants:      c.Grants,
	}
}

// MemoryConfig holds Go runtime memory management settings.
type MemoryConfig struct {
	// RuntimeLimitStr is the human-readable soft memory limit (e.g., "2GiB", "512MB")
	RuntimeLimitStr string `yaml:"runtime_limit"`
	// RuntimeLimit is the soft memory limit (GOMEMLIMIT) in bytes
	// 0 = unlimited (Go manages automatically)
	RuntimeLimit int64 `yaml:"-" validate:"gte=0"`
	// GCPercent controls GC aggressiveness (GOGC)
	// 100 = default, lower = more aggressive (less memory, more CPU)
	GCPercent int `yaml:"gc_percent" validate:"gte=-1"`
}

// Options selects the optional configuration sources.
type Options struct {
	// File is a YAML configuration file ("" = none)
	File string
	// EnvFile is a dotenv file; a missing file is ignored ("" = none)
	EnvFile string
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataDir:    "./data",
			GCInterval: 10 * time.Minute,
			Author:     "stratadb",
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 10000,
			TTL:        5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Audit: AuditConfig{
			LogPath: "./logs/audit.log",
		},
		Metrics: MetricsConfig{
			Address: ":9464",
			Path:    "/metrics",
		},
		Auth: AuthConfig{
			DefaultRole: string(auth.RoleViewer),
		},
		Memory: MemoryConfig{
			RuntimeLimitStr: "0",
			GCPercent:       100,
		},
	}
}

// Load builds a validated configuration from defaults, opts.File,
// opts.EnvFile and the process environment.
func Load(opts Options) (*Config, error) {
	config := Defaults()

	if opts.File != "" {
		if err := config.loadFile(opts.File); err != nil {
			return nil, err
		}
	}
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(err, "loading %s", opts.EnvFile)
		}
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	limit, err := parseMemorySize(config.Memory.RuntimeLimitStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid configuration: memory.runtime_limit")
	}
	config.Memory.RuntimeLimit = limit

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromEnv returns defaults overridden by STRATADB_* environment
// variables, without validation.
func LoadFromEnv() *Config {
	config := Defaults()
	_ = config.applyEnv()
	config.Memory.RuntimeLimit, _ = parseMemorySize(config.Memory.RuntimeLimitStr)
	return config
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening config file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Database.DataDir = getEnv("STRATADB_DATA_DIR", c.Database.DataDir)
	c.Database.InMemory = getEnvBool("STRATADB_IN_MEMORY", c.Database.InMemory)
	c.Database.SyncWrites = getEnvBool("STRATADB_SYNC_WRITES", c.Database.SyncWrites)
	c.Database.LowMemory = getEnvBool("STRATADB_LOW_MEMORY", c.Database.LowMemory)
	c.Database.GCInterval = getEnvDuration("STRATADB_GC_INTERVAL", c.Database.GCInterval)
	c.Database.Author = getEnv("STRATADB_AUTHOR", c.Database.Author)
	c.Database.Layers = getEnvStringSlice("STRATADB_LAYERS", c.Database.Layers)

	c.Cache.Enabled = getEnvBool("STRATADB_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.MaxEntries = getEnvInt("STRATADB_CACHE_SIZE", c.Cache.MaxEntries)
	c.Cache.TTL = getEnvDuration("STRATADB_CACHE_TTL", c.Cache.TTL)

	c.Logging.Level = getEnv("STRATADB_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("STRATADB_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("STRATADB_LOG_OUTPUT", c.Logging.Output)

	c.Audit.Enabled = getEnvBool("STRATADB_AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.LogPath = getEnv("STRATADB_AUDIT_LOG_PATH", c.Audit.LogPath)
	c.Audit.SyncWrites = getEnvBool("STRATADB_AUDIT_SYNC_WRITES", c.Audit.SyncWrites)

	c.Metrics.Enabled = getEnvBool("STRATADB_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Address = getEnv("STRATADB_METRICS_ADDRESS", c.Metrics.Address)
	c.Metrics.Path = getEnv("STRATADB_METRICS_PATH", c.Metrics.Path)

	c.Auth.Enabled = getEnvBool("STRATADB_AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.DefaultRole = getEnv("STRATADB_AUTH_DEFAULT_ROLE", c.Auth.DefaultRole)
	if val := os.Getenv("STRATADB_AUTH_GRANTS"); val != "" {
		grants, err := ParseGrants(val)
		if err != nil {
			return err
		}
		c.Auth.Grants = grants
	}

	c.Memory.RuntimeLimitStr = getEnv("STRATADB_MEMORY_LIMIT", c.Memory.RuntimeLimitStr)
	c.Memory.GCPercent = getEnvInt("STRATADB_GC_PERCENT", c.Memory.GCPercent)
	return nil
}

// ParseGrants parses "principal=role[@layer,layer];..." into grants.
func ParseGrants(s string) ([]auth.Grant, error) {
	var out []auth.Grant
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		principal, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, errors.Errorf("grant %q: expected principal=role", entry)
		}
		roleName, layers, _ := strings.Cut(rest, "@")
		role, err := auth.RoleFromString(strings.TrimSpace(roleName))
		if err != nil {
			return nil, errors.Wrapf(err, "grant %q", entry)
		}
		g := auth.Grant{Principal: strings.TrimSpace(principal), Role: role}
		for _, l := range strings.Split(layers, ",") {
			if l = strings.TrimSpace(l); l != "" {
				g.Layers = append(g.Layers, l)
			}
		}
		out = append(out, g)
	}
	return out, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for logical errors and invalid values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if !c.Database.InMemory && c.Database.DataDir == "" {
		return errors.New("invalid configuration: data_dir is required unless in_memory is set")
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return errors.Errorf("invalid configuration: log level %q", c.Logging.Level)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("invalid configuration: metrics enabled but no address")
	}
	if c.Audit.Enabled && c.Audit.LogPath == "" {
		return errors.New("invalid configuration: audit enabled but no log_path")
	}
	if c.Auth.Enabled && len(c.Auth.Grants) == 0 && c.Auth.DefaultRole == string(auth.RoleNone) {
		return errors.New("invalid configuration: auth enabled with no grants and default role none locks everyone out")
	}
	return nil
}

// String returns a representation of the Config safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, InMemory: %v, Cache: %v/%d, Audit: %v, Auth: %v, Metrics: %v}",
		c.Database.DataDir, c.Database.InMemory,
		c.Cache.Enabled, c.Cache.MaxEntries,
		c.Audit.Enabled, c.Auth.Enabled, c.Metrics.Enabled,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}

// parseMemorySize parses a memory size such as "512MiB", "2GB" or "1024".
// SI suffixes are decimal and IEC suffixes binary. "", "0" and "unlimited"
// mean no limit.
func parseMemorySize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" || strings.EqualFold(s, "unlimited") {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "memory size %q", s)
	}
	if n > math.MaxInt64 {
		return 0, errors.Errorf("memory size %q overflows", s)
	}
	return int64(n), nil
}

// FormatMemorySize renders a byte count with binary units ("1.5 GiB").
func FormatMemorySize(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}
