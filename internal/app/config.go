package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raysh454/scoop/internal/capture"
	"github.com/raysh454/scoop/internal/logging"
	"github.com/raysh454/scoop/internal/telemetry"
)

// ExportConfig selects how finished captures are packaged.
type ExportConfig struct {
	IncludeRaw bool `yaml:"include_raw" json:"include_raw"`
	Gzip       bool `yaml:"gzip" json:"gzip"`
}

// Config is the runtime configuration of the scoop command.
type Config struct {
	// StorageRoot holds the archive store and, by default, the catalog.
	StorageRoot string `yaml:"storage_root" json:"storage_root"`
	// CatalogPath defaults to StorageRoot/catalog.db.
	CatalogPath string `yaml:"catalog_path" json:"catalog_path"`

	LogLevel  string         `yaml:"log_level" json:"log_level"`
	LogFormat logging.Format `yaml:"log_format" json:"log_format"`

	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// JobRetentionTime is how long finished jobs stay queryable.
	JobRetentionTime time.Duration `yaml:"job_retention_time" json:"job_retention_time"`

	Capture capture.Options `yaml:"capture" json:"capture"`
	Export  ExportConfig    `yaml:"export" json:"export"`
}

// DefaultConfig returns a Config populated with development defaults.
func DefaultConfig() *Config {
	return &Config{
		StorageRoot:      "~/.local/share/scoop",
		LogLevel:         "info",
		LogFormat:        logging.FormatConsole,
		JobRetentionTime: 10 * time.Minute,
		Capture:          capture.DefaultOptions(),
		Export:           ExportConfig{IncludeRaw: true},
	}
}

// LoadFromFile overlays a YAML or JSON file on the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}
	return cfg, nil
}

// LoadFromEnv applies SCOOP_* environment overrides.
func (c *Config) LoadFromEnv() error {
	str := map[string]*string{
		"SCOOP_STORAGE_ROOT":  &c.StorageRoot,
		"SCOOP_CATALOG_PATH":  &c.CatalogPath,
		"SCOOP_LOG_LEVEL":     &c.LogLevel,
		"SCOOP_OTEL_ENDPOINT": &c.Telemetry.Endpoint,
		"SCOOP_PROXY_HOST":    &c.Capture.ProxyHost,
		"SCOOP_BROWSER_PATH":  &c.Capture.BrowserPath,
		"SCOOP_CA_CERT":       &c.Capture.CACertPath,
		"SCOOP_CA_KEY":        &c.Capture.CAKeyPath,
		"SCOOP_SIGNING_URL":   &c.Capture.SigningURL,
		"SCOOP_SIGNING_TOKEN": &c.Capture.SigningToken,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("SCOOP_LOG_FORMAT"); v != "" {
		c.LogFormat = logging.Format(v)
	}
	if v := os.Getenv("SCOOP_PROXY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCOOP_PROXY_PORT: %w", err)
		}
		c.Capture.ProxyPort = port
	}
	if v := os.Getenv("SCOOP_CAPTURE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SCOOP_CAPTURE_TIMEOUT: %w", err)
		}
		c.Capture.CaptureTimeout = d
	}
	return nil
}

// Validate checks the config and the capture options it carries.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("storage_root is required")
	}
	switch c.LogFormat {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("log_format must be %q or %q", logging.FormatJSON, logging.FormatConsole)
	}
	if c.JobRetentionTime < 0 {
		return fmt.Errorf("job_retention_time must not be negative")
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}

// ArchiveDir is where WACZ files are stored.
func (c *Config) ArchiveDir() string {
	return filepath.Join(expandHome(c.StorageRoot), "archives")
}

// CatalogFile is the path of the catalog database.
func (c *Config) CatalogFile() string {
	if c.CatalogPath != "" {
		return expandHome(c.CatalogPath)
	}
	return filepath.Join(expandHome(c.StorageRoot), "catalog.db")
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
