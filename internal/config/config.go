// Package config handles configuration loading for the DS analysis server.
package config

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	DS     DSConfig     `yaml:"ds"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one dataset's input files. Exactly one of
// CountsPath (TSV), NpyPath plus the sidecar lists, or ZarrPath must be
// set; ObsPath is always required.
type DatasetConfig struct {
	CountsPath string `yaml:"counts_path"`
	NpyPath    string `yaml:"npy_path"`
	GenesPath  string `yaml:"genes_path"`
	CellsPath  string `yaml:"cells_path"`
	ZarrPath   string `yaml:"zarr_path"`
	ObsPath    string `yaml:"obs_path"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	DefaultDataset string                   `yaml:"default_dataset"`
	Datasets       map[string]DatasetConfig `yaml:"datasets"`
}

// DatasetIDs returns the configured dataset ids, default first, the rest
// sorted.
func (d *DataConfig) DatasetIDs() []string {
	var ids []string
	if _, ok := d.Datasets[d.DefaultDataset]; ok {
		ids = append(ids, d.DefaultDataset)
	}
	var rest []string
	for id := range d.Datasets {
		if id != d.DefaultDataset {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ids, rest...)
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	AggregateSizeMB     int `yaml:"aggregate_size_mb"`
	AggregateTTLMinutes int `yaml:"aggregate_ttl_minutes"`
	ResultCacheSize     int `yaml:"result_cache_size"`
}

// DSConfig contains differential-state job settings.
type DSConfig struct {
	MaxConcurrent     int    `yaml:"max_concurrent"`
	SQLitePath        string `yaml:"sqlite_path"`
	RetentionDays     int    `yaml:"retention_days"`
	Reducer           string `yaml:"reducer"`
	Layer             string `yaml:"layer"`
	MinNonzeroSamples int    `yaml:"min_nonzero_samples"`
	Workers           int    `yaml:"workers"` // parallel cluster fits per job
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Pseudobulk DS",
		},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets:       map[string]DatasetConfig{},
		},
		Cache: CacheConfig{
			AggregateSizeMB:     256,
			AggregateTTLMinutes: 30,
			ResultCacheSize:     1000,
		},
		DS: DSConfig{
			MaxConcurrent:     1,
			SQLitePath:        "./data/ds_jobs.sqlite",
			RetentionDays:     7,
			Reducer:           "sum",
			Layer:             "counts",
			MinNonzeroSamples: 2,
			Workers:           4,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Data.Datasets == nil {
		cfg.Data.Datasets = map[string]DatasetConfig{}
	}
	if cfg.Data.DefaultDataset == "" {
		for id := range cfg.Data.Datasets {
			if cfg.Data.DefaultDataset == "" || id < cfg.Data.DefaultDataset {
				cfg.Data.DefaultDataset = id
			}
		}
		if cfg.Data.DefaultDataset == "" {
			cfg.Data.DefaultDataset = defaults.Data.DefaultDataset
		}
	}
	if cfg.Cache.AggregateSizeMB == 0 {
		cfg.Cache.AggregateSizeMB = defaults.Cache.AggregateSizeMB
	}
	if cfg.Cache.AggregateTTLMinutes == 0 {
		cfg.Cache.AggregateTTLMinutes = defaults.Cache.AggregateTTLMinutes
	}
	if cfg.Cache.ResultCacheSize == 0 {
		cfg.Cache.ResultCacheSize = defaults.Cache.ResultCacheSize
	}
	if cfg.DS.MaxConcurrent == 0 {
		cfg.DS.MaxConcurrent = defaults.DS.MaxConcurrent
	}
	if cfg.DS.SQLitePath == "" {
		cfg.DS.SQLitePath = defaults.DS.SQLitePath
	}
	if cfg.DS.RetentionDays == 0 {
		cfg.DS.RetentionDays = defaults.DS.RetentionDays
	}
	if cfg.DS.Reducer == "" {
		cfg.DS.Reducer = defaults.DS.Reducer
	}
	if cfg.DS.Layer == "" {
		cfg.DS.Layer = defaults.DS.Layer
	}
	if cfg.DS.MinNonzeroSamples == 0 {
		cfg.DS.MinNonzeroSamples = defaults.DS.MinNonzeroSamples
	}
	if cfg.DS.Workers == 0 {
		cfg.DS.Workers = defaults.DS.Workers
	}
}
