package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantarax/verisync/internal/validation"
)

// Config holds daemon configuration
type Config struct {
	QUICAddress    string `yaml:"quic_address"`
	MetricsAddress string `yaml:"metrics_address"`
	// APIAddress serves the control API; empty disables it.
	APIAddress     string `yaml:"api_address"`
	DataDirectory  string `yaml:"data_directory"`
	KeysDirectory  string `yaml:"keys_directory"`
	LogLevel       string `yaml:"log_level"`

	Store     StoreConfig     `yaml:"store"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Admission AdmissionConfig `yaml:"admission"`

	EventBufferSize int `yaml:"event_buffer_size"`
}

// StoreConfig controls the blob store.
type StoreConfig struct {
	// OutboardPolicy is "retain" or "discard"; discarded outboards are
	// rebuilt from data when a complete blob is served.
	OutboardPolicy string        `yaml:"outboard_policy"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCGracePeriod  time.Duration `yaml:"gc_grace_period"`
}

// TransferConfig controls transfer sessions.
type TransferConfig struct {
	Encodings          []string      `yaml:"encodings"`
	MaxBytesPerSecond  int           `yaml:"max_bytes_per_second"`
	// MaxBlobSize caps the size a responder may announce for a blob.
	MaxBlobSize        uint64        `yaml:"max_blob_size"`
	OutboardCacheSize  int           `yaml:"outboard_cache_size"`
	MaxSessionsPerPeer int           `yaml:"max_sessions_per_peer"`
	HistoryRetention   time.Duration `yaml:"history_retention"`
}

// ResolverConfig controls collection fetches.
type ResolverConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// AdmissionConfig rate-limits incoming connections per remote peer.
type AdmissionConfig struct {
	ConnectionsPerSecond float64 `yaml:"connections_per_second"`
	Burst                int     `yaml:"burst"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".local", "share", "verisync")

	return &Config{
		QUICAddress:    ":4433",
		MetricsAddress: "127.0.0.1:8081",
		APIAddress:     "127.0.0.1:8080",
		DataDirectory:  filepath.Join(base, "data"),
		KeysDirectory:  filepath.Join(base, "keys"),
		LogLevel:       "info",
		Store: StoreConfig{
			OutboardPolicy: "retain",
			GCInterval:     time.Hour,
			GCGracePeriod:  24 * time.Hour,
		},
		Transfer: TransferConfig{
			Encodings:          []string{"zstd", "lz4", "none"},
			OutboardCacheSize:  64,
			MaxBlobSize:        1 << 40,
			MaxSessionsPerPeer: 16,
			HistoryRetention:   7 * 24 * time.Hour,
		},
		Resolver: ResolverConfig{
			Concurrency: runtime.NumCPU(),
		},
		Admission: AdmissionConfig{
			ConnectionsPerSecond: 50,
			Burst:                100,
		},
		EventBufferSize: 100,
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns
// the defaults. VERISYNC_DATA_DIR and VERISYNC_LISTEN override the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	if v := os.Getenv("VERISYNC_DATA_DIR"); v != "" {
		cfg.DataDirectory = v
	}
	if v := os.Getenv("VERISYNC_LISTEN"); v != "" {
		cfg.QUICAddress = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	var errs []error
	if err := validation.ValidateUDPAddr(c.QUICAddress); err != nil {
		errs = append(errs, fmt.Errorf("quic_address: %w", err))
	}
	if c.MetricsAddress != "" {
		if err := validation.ValidateAddr(c.MetricsAddress); err != nil {
			errs = append(errs, fmt.Errorf("metrics_address: %w", err))
		}
	}
	if c.APIAddress != "" {
		if err := validation.ValidateAddr(c.APIAddress); err != nil {
			errs = append(errs, fmt.Errorf("api_address: %w", err))
		}
	}
	if err := validation.ValidateFilePath(c.DataDirectory, false); err != nil {
		errs = append(errs, fmt.Errorf("data_directory: %w", err))
	}
	switch c.Store.OutboardPolicy {
	case "retain", "discard":
	default:
		errs = append(errs, fmt.Errorf("store.outboard_policy: unknown policy %q", c.Store.OutboardPolicy))
	}
	for _, enc := range c.Transfer.Encodings {
		switch enc {
		case "none", "lz4", "zstd":
		default:
			errs = append(errs, fmt.Errorf("transfer.encodings: unknown encoding %q", enc))
		}
	}
	if err := validation.ValidateRangeInt(c.Resolver.Concurrency, 1, 1024); err != nil {
		errs = append(errs, fmt.Errorf("resolver.concurrency: %w", err))
	}
	if c.Transfer.MaxBlobSize == 0 {
		errs = append(errs, errors.New("transfer.max_blob_size: must be positive"))
	}
	if err := validation.ValidateRangeInt(c.Transfer.OutboardCacheSize, 1, 1<<16); err != nil {
		errs = append(errs, fmt.Errorf("transfer.outboard_cache_size: %w", err))
	}
	return errors.Join(errs...)
}
