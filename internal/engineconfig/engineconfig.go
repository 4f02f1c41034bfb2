// Package engineconfig is the storage engine's configuration surface
// (spec §6, "Collection configuration options"): per-collection knobs for
// the open cache, sync-coalescing engine, and bstream direct-I/O thread
// pool, plus the region-wide data/metadata paths.
//
// The layered Configuration/LoadFromFile/LoadFromEnv/Validate shape
// generalizes a cache/network/security-sectioned config file to the
// DBPF collection knobs of spec §6 and §4.13.
package engineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// OpenCacheConfig sizes a collection's open-file cache (spec §4.3).
type OpenCacheConfig struct {
	PoolSize   int    `yaml:"pool_size"`
	NumBuckets uint32 `yaml:"num_buckets"`
}

// CoalescingConfig drives the sync-coalescing engine (spec §4.6).
type CoalescingConfig struct {
	MetaSyncEnabled bool `yaml:"meta_sync_enabled"`
	HighWatermark   int  `yaml:"high_watermark"`
	LowWatermark    int  `yaml:"low_watermark"`
}

// DirectIOConfig configures the bstream thread-pool path (spec §4.10).
type DirectIOConfig struct {
	ThreadCount     int           `yaml:"thread_count"`
	OpsPerQueue     int           `yaml:"ops_per_queue"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxConcurrentIO int           `yaml:"max_concurrent_io"`
}

// AttributeCacheConfig configures the process-wide attribute cache
// (consulted as an external collaborator per spec §1, but its capacity
// and keyword filter are collection-level knobs per spec §6).
type AttributeCacheConfig struct {
	Keywords    []string `yaml:"keywords"`
	SizeBytes   int64    `yaml:"size_bytes"`
	MaxElements int      `yaml:"max_elements"`
}

// HandleRange bounds the decimal range of handles a collection may
// allocate, so multiple collections sharing a region can partition the
// handle space (spec §6, "handle ranges").
type HandleRange struct {
	Low  uint64 `yaml:"low"`
	High uint64 `yaml:"high"`
}

// CollectionConfig is one collection's full set of tunables.
type CollectionConfig struct {
	Name                       string               `yaml:"name"`
	HandleRange                HandleRange          `yaml:"handle_range"`
	HandleTimeout              time.Duration        `yaml:"handle_timeout"`
	OpenCache                  OpenCacheConfig      `yaml:"open_cache"`
	Coalescing                 CoalescingConfig     `yaml:"coalescing"`
	DirectIO                   DirectIOConfig       `yaml:"direct_io"`
	AttributeCache             AttributeCacheConfig `yaml:"attribute_cache"`
	ImmediateCompletionEnabled bool                 `yaml:"immediate_completion_enabled"`
}

// LoggingConfig controls the structured logger (pkg/logging).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig toggles Prometheus collection (internal/metrics).
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Configuration is a storage region's complete configuration.
type Configuration struct {
	DataPath     string                      `yaml:"data_path"`
	MetadataPath string                      `yaml:"metadata_path"`
	Collections  map[string]CollectionConfig `yaml:"collections"`
	Logging      LoggingConfig               `yaml:"logging"`
	Metrics      MetricsConfig               `yaml:"metrics"`
}

// DefaultCollection returns the tunables a collection gets when not
// otherwise configured (spec §4.3, §4.6, §4.10 defaults).
func DefaultCollection(name string) CollectionConfig {
	return CollectionConfig{
		Name:          name,
		HandleTimeout: 30 * time.Second,
		OpenCache: OpenCacheConfig{
			PoolSize:   64,
			NumBuckets: 1024,
		},
		Coalescing: CoalescingConfig{
			MetaSyncEnabled: true,
			HighWatermark:   32,
			LowWatermark:    4,
		},
		DirectIO: DirectIOConfig{
			ThreadCount:     4,
			OpsPerQueue:     16,
			Timeout:         10 * time.Second,
			MaxConcurrentIO: 8,
		},
		AttributeCache: AttributeCacheConfig{
			SizeBytes:   64 * 1024 * 1024,
			MaxElements: 100000,
		},
		ImmediateCompletionEnabled: false,
	}
}

// NewDefault returns a configuration with sensible defaults and no
// collections registered yet.
func NewDefault() *Configuration {
	return &Configuration{
		DataPath:     "/var/lib/dbpf/data",
		MetadataPath: "/var/lib/dbpf/meta",
		Collections:  make(map[string]CollectionConfig),
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "dbpf",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays environment variables onto c.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("DBPF_DATA_PATH"); val != "" {
		c.DataPath = val
	}
	if val := os.Getenv("DBPF_METADATA_PATH"); val != "" {
		c.MetadataPath = val
	}
	if val := os.Getenv("DBPF_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("DBPF_LOG_FILE"); val != "" {
		c.Logging.File = val
	}
	if val := os.Getenv("DBPF_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

var validLogLevels = []string{"DEBUG", "INFO", "WARN", "ERROR"}

// Validate checks the configuration and every registered collection's
// knobs for internal consistency.
func (c *Configuration) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("data_path must be set")
	}
	if c.MetadataPath == "" {
		return fmt.Errorf("metadata_path must be set")
	}

	valid := false
	for _, lvl := range validLogLevels {
		if c.Logging.Level == lvl {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level %q (must be one of: %s)", c.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	for name, cc := range c.Collections {
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("collection %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks one collection's tunables (spec §4.6 watermark
// ordering, §4.3/§4.10 positive pool and thread counts).
func (cc *CollectionConfig) Validate() error {
	if cc.OpenCache.PoolSize <= 0 {
		return fmt.Errorf("open_cache.pool_size must be > 0")
	}
	if cc.Coalescing.LowWatermark > cc.Coalescing.HighWatermark {
		return fmt.Errorf("coalescing.low_watermark (%d) must not exceed high_watermark (%d)",
			cc.Coalescing.LowWatermark, cc.Coalescing.HighWatermark)
	}
	if cc.DirectIO.ThreadCount <= 0 {
		return fmt.Errorf("direct_io.thread_count must be > 0")
	}
	if cc.DirectIO.MaxConcurrentIO <= 0 {
		return fmt.Errorf("direct_io.max_concurrent_io must be > 0")
	}
	if cc.HandleRange.High != 0 && cc.HandleRange.Low > cc.HandleRange.High {
		return fmt.Errorf("handle_range.low (%d) must not exceed handle_range.high (%d)",
			cc.HandleRange.Low, cc.HandleRange.High)
	}
	return nil
}
