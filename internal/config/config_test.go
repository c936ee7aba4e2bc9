package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/holger24/afd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "afd.toml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RescanTime)
	assert.Equal(t, 100, cfg.MaxCopiedFiles)
	assert.Equal(t, int64(100<<20), cfg.MaxCopiedFileSize)
	assert.Equal(t, 4334, cfg.AFDD.Port)
	assert.Equal(t, 50, cfg.FD.MaxConnections)
}

func TestLoad_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "afd.toml")
	content := `
service = "afd-test"
rescan_time = 2
max_copied_files = 25
max_shutdown_time = 45

[log]
keep_files = 3
max_size = 1048576

[fd]
max_connections = 12
retry_interval = 30

[afdd]
port = 14334
trusted_ips = ["10.0.*", "192.168.1.7"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "afd-test", cfg.Service)
	assert.Equal(t, 2, cfg.RescanTime)
	assert.Equal(t, 25, cfg.MaxCopiedFiles)
	assert.Equal(t, 45, cfg.MaxShutdownTime)
	assert.Equal(t, 3, cfg.Log.KeepFiles)
	assert.Equal(t, int64(1048576), cfg.Log.MaxSize)
	assert.Equal(t, 12, cfg.FD.MaxConnections)
	assert.Equal(t, 30, cfg.FD.RetryInterval)
	assert.Equal(t, 14334, cfg.AFDD.Port)
	assert.Equal(t, []string{"10.0.*", "192.168.1.7"}, cfg.AFDD.TrustedIPs)

	// Untouched sections keep their defaults.
	assert.Equal(t, 300, cfg.FullScanTimeout)
	assert.Equal(t, 10, cfg.AFDD.MaxConnections)
}

func TestLoad_ClampsShutdownTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "afd.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_shutdown_time = 2\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxShutdownTime)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"negative rescan", "rescan_time = -1\n"},
		{"zero batch files", "max_copied_files = 0\n"},
		{"port out of range", "[afdd]\nport = 70000\n"},
		{"invalid toml", "invalid [[["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "afd.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := config.Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_DurationAccessors(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "5s", cfg.RescanInterval().String())
	assert.Equal(t, "30s", cfg.ShutdownTimeout().String())
	assert.Equal(t, "2m0s", cfg.RetryInterval().String())
}
