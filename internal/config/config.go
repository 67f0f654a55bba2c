// Package config loads the daemon/CLI's YAML configuration file, mirroring
// the teacher's own file-based configuration idiom (cli_config.go's
// LocalConfig persisted under the user's home directory) but using
// gopkg.in/yaml.v3 instead of JSON, and generalized from a single
// repository connection to this system's store/broker/cache-folder/
// library settings.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/imagevault/imagevault/internal/model"
)

// StoreConfig configures the MongoDB connection.
type StoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// BrokerConfig configures the AMQP connection.
type BrokerConfig struct {
	URL string `yaml:"url"`
}

// CacheFolderConfig seeds a CacheFolder document at startup, so operators
// can declare the pool of writable directories in one file instead of
// issuing admin commands by hand.
type CacheFolderConfig struct {
	Name         string `yaml:"name"`
	Path         string `yaml:"path"`
	Priority     int    `yaml:"priority"`
	MaxSizeBytes int64  `yaml:"maxSizeBytes"`
}

// LibraryConfig seeds a Library (and, if autoScan is set, its bound
// ScheduledJob) at startup.
type LibraryConfig struct {
	Name     string `yaml:"name"`
	RootPath string `yaml:"rootPath"`
	AutoScan bool   `yaml:"autoScan"`
	Cron     string `yaml:"cron"`
}

// ObservabilityConfig configures the metrics/pprof HTTP surface.
type ObservabilityConfig struct {
	MetricsListenAddr string `yaml:"metricsListenAddr"`
	EnablePProf       bool   `yaml:"enablePprof"`
}

// Config is the top-level daemon configuration document. ThumbnailSettings
// and CacheSettings are two distinct config groups (spec §6's
// thumbnail.default.* vs cache.default.*) because they produce
// differently sized artifacts from the same source image - a square
// 300px thumbnail alongside a 1920x1080 cache image, per the worked
// example in spec §8 Scenario 1.
type Config struct {
	Store             StoreConfig         `yaml:"store"`
	Broker            BrokerConfig        `yaml:"broker"`
	Observability     ObservabilityConfig `yaml:"observability"`
	CacheFolders      []CacheFolderConfig `yaml:"cacheFolders"`
	Libraries         []LibraryConfig     `yaml:"libraries"`
	ThumbnailSettings model.JobSettings   `yaml:"thumbnailSettings"`
	CacheSettings     model.JobSettings   `yaml:"cacheSettings"`
}

// WithDefaults fills in the thumbnail/cache processing settings the daemon
// falls back to when the config file omits them.
func (c *Config) WithDefaults() *Config {
	if c.ThumbnailSettings.TargetWidth == 0 {
		c.ThumbnailSettings.TargetWidth = 300
	}

	if c.ThumbnailSettings.TargetHeight == 0 {
		c.ThumbnailSettings.TargetHeight = 300
	}

	if c.ThumbnailSettings.Quality == 0 {
		c.ThumbnailSettings.Quality = 85
	}

	if c.ThumbnailSettings.Format == "" {
		c.ThumbnailSettings.Format = "jpeg"
	}

	if c.CacheSettings.TargetWidth == 0 {
		c.CacheSettings.TargetWidth = 1920
	}

	if c.CacheSettings.TargetHeight == 0 {
		c.CacheSettings.TargetHeight = 1080
	}

	if c.CacheSettings.Quality == 0 {
		c.CacheSettings.Quality = 85
	}

	if c.CacheSettings.Format == "" {
		c.CacheSettings.Format = "jpeg"
	}

	return c
}

// DefaultPath is the config file location used when --config-file is not
// given, mirroring the teacher's $HOME-relative default.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "imagevault.yaml"
	}

	return filepath.Join(home, ".imagevault", "config.yaml")
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}

	return &cfg, nil
}
