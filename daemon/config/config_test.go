package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":4433", cfg.QUICAddress)
	require.Equal(t, "retain", cfg.Store.OutboardPolicy)
	require.GreaterOrEqual(t, cfg.Resolver.Concurrency, 1)
}

func TestLoadConfig_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verisync.yaml")
	yamlText := `
quic_address: "127.0.0.1:7000"
data_directory: /var/lib/verisync
store:
  outboard_policy: discard
  gc_interval: 30m
transfer:
  encodings: [lz4, none]
resolver:
  concurrency: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yamlText), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", cfg.QUICAddress)
	require.Equal(t, "/var/lib/verisync", cfg.DataDirectory)
	require.Equal(t, "discard", cfg.Store.OutboardPolicy)
	require.Equal(t, 30*time.Minute, cfg.Store.GCInterval)
	require.Equal(t, 24*time.Hour, cfg.Store.GCGracePeriod, "unset fields keep defaults")
	require.Equal(t, []string{"lz4", "none"}, cfg.Transfer.Encodings)
	require.Equal(t, 3, cfg.Resolver.Concurrency)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("VERISYNC_DATA_DIR", "/srv/blobs")
	t.Setenv("VERISYNC_LISTEN", "127.0.0.1:9999")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, "/srv/blobs", cfg.DataDirectory)
	require.Equal(t, "127.0.0.1:9999", cfg.QUICAddress)
}

func TestValidate_Rejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.OutboardPolicy = "sometimes"
	cfg.Transfer.Encodings = []string{"brotli"}
	cfg.Resolver.Concurrency = 0
	cfg.Transfer.MaxBlobSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "outboard_policy")
	require.Contains(t, err.Error(), "brotli")
	require.Contains(t, err.Error(), "resolver.concurrency")
	require.Contains(t, err.Error(), "max_blob_size")
}
