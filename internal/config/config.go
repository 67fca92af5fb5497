// Package config handles configuration loading, validation, and management for pfeics.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete engine configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version"`

	// Watermark configuration for the embedding layers.
	Watermark WatermarkConfig `toml:"watermark" json:"watermark"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Signing configuration for examiner signatures.
	Signing SigningConfig `toml:"signing" json:"signing"`

	// Watch configuration for container monitoring.
	Watch WatchConfig `toml:"watch" json:"watch"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// WatermarkConfig holds watermark embedding and verification parameters.
type WatermarkConfig struct {
	// Strength is the magnitude floor applied to modulated DWT coefficients.
	Strength float64 `toml:"strength" json:"strength"`

	// Threshold is the minimum DWT bit accuracy for a match verdict.
	Threshold float64 `toml:"threshold" json:"threshold"`

	// Levels is the wavelet decomposition depth.
	Levels int `toml:"levels" json:"levels"`

	// MaxExtractBytes caps LSB extraction when no terminator is found.
	MaxExtractBytes int `toml:"max_extract_bytes" json:"max_extract_bytes"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the case database file.
	Path string `toml:"path" json:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms"`
}

// SigningConfig holds examiner signing key configuration.
type SigningConfig struct {
	// KeyPath is the path to the RSA private key PEM.
	KeyPath string `toml:"key_path" json:"key_path"`

	// PublicKeyPath is the path to the RSA public key PEM.
	PublicKeyPath string `toml:"public_key_path" json:"public_key_path"`
}

// WatchConfig holds exported container monitoring configuration.
type WatchConfig struct {
	// Paths is a list of directories holding exported containers.
	Paths []string `toml:"paths" json:"paths"`

	// DebounceMs is the debounce interval in milliseconds.
	// A file must be stable for this duration before it is rehashed.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format"`

	// Output is the log output: "stdout", "stderr", or a file path.
	Output string `toml:"output" json:"output"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Watermark: WatermarkConfig{
			Strength:        5.0,
			Threshold:       0.85,
			Levels:          3,
			MaxExtractBytes: 1000,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "cases.db"),
			BusyTimeoutMs: 5000,
		},
		Signing: SigningConfig{
			KeyPath:       filepath.Join(dir, "examiner_key.pem"),
			PublicKeyPath: filepath.Join(dir, "examiner_key.pub.pem"),
		},
		Watch: WatchConfig{
			Paths:      []string{},
			DebounceMs: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// DataDir returns the base pfeics directory.
// PFEICS_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("PFEICS_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pfeics"
	}
	return filepath.Join(home, ".pfeics")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with PFEICS_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PFEICS_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PFEICS_SIGNING_KEY_PATH"); v != "" {
		c.Signing.KeyPath = v
	}
	if v := os.Getenv("PFEICS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// EnsureDirectories creates all necessary directories for the engine.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Signing.KeyPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateWatermark(&c.Watermark)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateSigning(&c.Signing)...)
	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateWatermark(w *WatermarkConfig) ValidationErrors {
	var errs ValidationErrors

	if w.Strength <= 0 {
		errs = append(errs, ValidationError{
			Field:   "watermark.strength",
			Message: "strength must be positive",
		})
	}

	if w.Threshold <= 0.0 || w.Threshold > 1.0 {
		errs = append(errs, ValidationError{
			Field:   "watermark.threshold",
			Message: "threshold must be in (0.0, 1.0]",
		})
	}

	if w.Levels < 1 || w.Levels > 10 {
		errs = append(errs, ValidationError{
			Field:   "watermark.levels",
			Message: fmt.Sprintf("decomposition depth must be 1-10, got %d", w.Levels),
		})
	}

	if w.MaxExtractBytes < 1 {
		errs = append(errs, ValidationError{
			Field:   "watermark.max_extract_bytes",
			Message: "extraction cap must be at least 1 byte",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "database path is required",
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateSigning(s *SigningConfig) ValidationErrors {
	var errs ValidationErrors

	if s.KeyPath == "" {
		errs = append(errs, ValidationError{
			Field:   "signing.key_path",
			Message: "signing key path is required",
		})
	}

	return errs
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	for i, path := range w.Paths {
		if path == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("watch.paths[%d]", i),
				Message: "path cannot be empty",
			})
		}
	}

	if w.DebounceMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce_ms",
			Message: "debounce must be at least 100ms",
		})
	}
	if w.DebounceMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce_ms",
			Message: "debounce cannot exceed 60000ms (1 minute)",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	if l.Output == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: "log output is required",
		})
	}

	return errs
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Watch.Paths = append([]string{}, c.Watch.Paths...)
	return &clone
}
