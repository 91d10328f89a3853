// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/streamrecorder/config.yaml"

// Config represents the complete streamrecorder configuration.
type Config struct {
	// Streams contains per-camera configuration keyed by sanitized stream name.
	Streams map[string]StreamConfig `yaml:"streams" koanf:"streams"`

	// Default configuration used when a stream-specific value is unset.
	Default StreamConfig `yaml:"default" koanf:"default"`

	// Recorder contains Session Supervisor lifecycle/retention settings.
	Recorder RecorderConfig `yaml:"recorder" koanf:"recorder"`

	// Services contains the external collaborator endpoints (spec.md §6).
	Services ServicesConfig `yaml:"services" koanf:"services"`

	// Monitor settings for health checks.
	Monitor MonitorConfig `yaml:"monitor" koanf:"monitor"`
}

// StreamConfig contains the per-camera recording parameters.
type StreamConfig struct {
	URL                    string `yaml:"url" koanf:"url"`                                           // RTSP source, e.g. "rtsp://cam1.local:554/stream1"
	SegmentDurationSeconds int    `yaml:"segment_duration_seconds" koanf:"segment_duration_seconds"` // target segment length
	AudioEnabled           bool   `yaml:"audio_enabled" koanf:"audio_enabled"`                        // include the audio stream, if present
	OutputDir              string `yaml:"output_dir" koanf:"output_dir"`                             // directory new segment files are created under
}

// RecorderConfig contains Session Supervisor lifecycle and retention settings.
type RecorderConfig struct {
	InitialRestartDelay  time.Duration `yaml:"initial_restart_delay" koanf:"initial_restart_delay"`     // first retry delay after a failed segment attempt
	MaxRestartDelay      time.Duration `yaml:"max_restart_delay" koanf:"max_restart_delay"`             // backoff ceiling
	ForceReconnectAfter  int           `yaml:"force_reconnect_after" koanf:"force_reconnect_after"`     // consecutive failures before the input connection is force-cleared
	StopTimeout          time.Duration `yaml:"stop_timeout" koanf:"stop_timeout"`                       // worker join timeout before Stop detaches it
	SegmentMaxAge        time.Duration `yaml:"segment_max_age" koanf:"segment_max_age"`                 // max age of completed segments before deletion (0 = no limit)
	SegmentMaxTotalBytes int64         `yaml:"segment_max_total_bytes" koanf:"segment_max_total_bytes"` // max total bytes per stream's output dir before oldest deletion (0 = no limit)
}

// ServicesConfig contains the external collaborator endpoints spec.md §6
// describes: the recordings catalog, the stream-configuration store, and the
// shutdown supervisor.
type ServicesConfig struct {
	CatalogURL       string `yaml:"catalog_url" koanf:"catalog_url"`               // recordings metadata catalog base URL
	StreamConfigURL  string `yaml:"stream_config_url" koanf:"stream_config_url"`   // per-segment tuning store base URL
	LifecycleURL     string `yaml:"lifecycle_url" koanf:"lifecycle_url"`           // shutdown supervisor base URL (empty = use the in-process Local implementation)
}

// MonitorConfig contains health monitoring settings.
type MonitorConfig struct {
	Enabled            bool          `yaml:"enabled" koanf:"enabled"`                             // enable health monitoring
	Interval           time.Duration `yaml:"interval" koanf:"interval"`                           // health check / recovery interval
	StallCheckInterval time.Duration `yaml:"stall_check_interval" koanf:"stall_check_interval"`   // interval between last-packet-time staleness checks
	MaxStallChecks     int           `yaml:"max_stall_checks" koanf:"max_stall_checks"`           // consecutive stall checks before a forced restart
	RestartUnhealthy   bool          `yaml:"restart_unhealthy" koanf:"restart_unhealthy"`         // auto-restart writers detected as stalled
	HealthAddr         string        `yaml:"health_addr" koanf:"health_addr"`                     // health endpoint address (default: "127.0.0.1:9998")
	DiskLowThresholdMB int64         `yaml:"disk_low_threshold_mb" koanf:"disk_low_threshold_mb"` // warn when free disk under an output dir's filesystem < this value in MB (0 = disabled)
}

// LoadConfig reads and parses the configuration file.
//
// Parameters:
//   - path: Path to YAML configuration file
//
// Returns:
//   - *Config: Parsed configuration
//   - error: if file not found, invalid YAML, or validation fails
//
// Example:
//
//	cfg, err := LoadConfig("/etc/streamrecorder/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	streamCfg := cfg.GetStreamConfig("cam1")
func LoadConfig(path string) (*Config, error) {
	// Read file
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
// Tests can replace this with a function returning a mock atomicFile.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file.
//
// Parameters:
//   - path: Destination file path
//
// Returns:
//   - error: if marshaling fails or file write fails
//
// Example:
//
//	cfg := DefaultConfig()
//	err := cfg.Save("/etc/streamrecorder/config.yaml")
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	// Marshal to YAML
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Atomic write: write to a temp file in the same directory, sync to disk,
	// then rename to the target path. os.Rename is atomic on most filesystems,
	// so a crash mid-write leaves either the old file or the new file, never
	// a partially-written file.
	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on any error
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	// Write data to temp file
	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	// Sync to disk to ensure data is persisted before rename
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config files may contain sensitive settings (catalog/lifecycle URLs)
	// and should not be world-readable.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703 -- path is from CLI flag/config, not web request input
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// GetStreamConfig returns configuration for a stream, falling back to defaults.
//
// This is the primary config lookup method used by the daemon's startup path
// and by internal/streamconfig.Store's in-process implementation.
// It performs a two-stage lookup:
//  1. Check for stream-specific configuration
//  2. Fall back to the default configuration for any unset field
//
// Parameters:
//   - streamName: Sanitized stream name (e.g., "cam1")
//
// Returns:
//   - StreamConfig: Stream-specific config merged with defaults
func (c *Config) GetStreamConfig(streamName string) StreamConfig {
	// Start with default config
	result := c.Default

	// Look up stream-specific config
	if streamCfg, ok := c.Streams[streamName]; ok {
		if streamCfg.URL != "" {
			result.URL = streamCfg.URL
		}
		if streamCfg.SegmentDurationSeconds != 0 {
			result.SegmentDurationSeconds = streamCfg.SegmentDurationSeconds
		}
		result.AudioEnabled = streamCfg.AudioEnabled
		if streamCfg.OutputDir != "" {
			result.OutputDir = streamCfg.OutputDir
		}
	}

	return result
}

// Validate checks configuration for invalid values.
//
// Returns:
//   - error: describing the first validation error found, or nil if valid
func (c *Config) Validate() error {
	// Validate each stream config; a stream definition must have a URL even
	// though it may inherit segment duration/output dir from Default.
	for name, streamCfg := range c.Streams {
		if err := streamCfg.ValidatePartial(); err != nil {
			return fmt.Errorf("stream %q: %w", name, err)
		}
	}

	if err := c.Recorder.Validate(); err != nil {
		return fmt.Errorf("recorder config: %w", err)
	}

	return nil
}

// Validate checks recorder configuration for invalid values.
func (r *RecorderConfig) Validate() error {
	if r.ForceReconnectAfter < 0 {
		return fmt.Errorf("force_reconnect_after must not be negative")
	}
	if r.SegmentMaxTotalBytes < 0 {
		return fmt.Errorf("segment_max_total_bytes must not be negative")
	}
	return nil
}

// ValidatePartial checks stream configuration for invalid values.
//
// This allows stream-specific configs to omit fields they inherit from
// Default. URL is required when the entry is present at all: a stream
// definition with no URL can never be started.
func (s *StreamConfig) ValidatePartial() error {
	if s.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if s.SegmentDurationSeconds < 0 {
		return fmt.Errorf("segment_duration_seconds must not be negative (0 means inherit default)")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
//
// This is used when no config file exists or for testing.
//
// Example:
//
//	cfg := DefaultConfig()
//	cfg.Streams["cam1"] = config.StreamConfig{URL: "rtsp://cam1.local:554/stream1"}
//	cfg.Save("/etc/streamrecorder/config.yaml")
func DefaultConfig() *Config {
	return &Config{
		Streams: make(map[string]StreamConfig),
		Default: StreamConfig{
			SegmentDurationSeconds: 30,
			AudioEnabled:           true,
			OutputDir:              "/var/lib/streamrecorder/recordings",
		},
		Recorder: RecorderConfig{
			InitialRestartDelay: 1 * time.Second,
			MaxRestartDelay:     30 * time.Second,
			ForceReconnectAfter: 5,
			StopTimeout:         5 * time.Second,
			SegmentMaxAge:       7 * 24 * time.Hour,
			SegmentMaxTotalBytes: 0,
		},
		Services: ServicesConfig{
			CatalogURL:      "http://localhost:9990",
			StreamConfigURL: "http://localhost:9990",
			LifecycleURL:    "",
		},
		Monitor: MonitorConfig{
			Enabled:            true,
			Interval:           5 * time.Minute,
			StallCheckInterval: 60 * time.Second,
			MaxStallChecks:     3,
			RestartUnhealthy:   true,
			HealthAddr:         "127.0.0.1:9998",
			DiskLowThresholdMB: 1024,
		},
	}
}
