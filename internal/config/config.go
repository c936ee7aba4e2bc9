package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the central AFD configuration (etc/afd.toml). Every field has a
// working default; a missing file yields a fully usable configuration.
type Config struct {
	Service string `toml:"service"` // instance name, -sn overrides

	// Scanner.
	RescanTime        int   `toml:"rescan_time"`          // seconds between full scan passes
	MaxCopiedFiles    int   `toml:"max_copied_files"`     // files per pool batch
	MaxCopiedFileSize int64 `toml:"max_copied_file_size"` // bytes per pool batch
	OneDirCopyTimeout int   `toml:"one_dir_copy_timeout"` // seconds
	FullScanTimeout   int   `toml:"full_scan_timeout"`    // seconds
	MaxProcess        int   `toml:"max_process"`          // global dispatch-helper cap
	DirMaxProcess     int   `toml:"dir_max_process"`      // per-directory helper cap
	DefaultAgeLimit   int   `toml:"default_age_limit"`    // seconds, 0 = off
	ParallelScan      int   `toml:"parallel_scan"`        // scan workers, 0 = single-threaded

	// Supervisor.
	MaxShutdownTime int `toml:"max_shutdown_time"` // seconds, min-clamped at load

	Log  LogConfig  `toml:"log"`
	FD   FDConfig   `toml:"fd"`
	AFDD AFDDConfig `toml:"afdd"`
	Stat StatConfig `toml:"stat"`
}

// LogConfig controls the log-ingest daemons.
type LogConfig struct {
	KeepFiles    int   `toml:"keep_files"`    // rotated files retained per type
	MaxSize      int64 `toml:"max_size"`      // rotation size cap, bytes
	SwitchHour   int   `toml:"switch_hour"`   // daily rotation boundary, 0 = midnight
	FlushSeconds int   `toml:"flush_seconds"` // idle flush timer
	FlushRecords int   `toml:"flush_records"` // buffered records before forced flush
}

// FDConfig controls the transfer dispatch consumer.
type FDConfig struct {
	MaxConnections int  `toml:"max_connections"` // global transfer-worker cap
	RetryInterval  int  `toml:"retry_interval"`  // seconds before a failed host is retried
	UseIOURing     bool `toml:"iouring"`         // io_uring copy path in the local worker
}

// AFDDConfig controls the TCP/TLS info daemons.
type AFDDConfig struct {
	BindAddr       string   `toml:"bind_addr"`
	Port           int      `toml:"port"`
	TLSPort        int      `toml:"tls_port"` // 0 = TLS listener disabled
	MaxConnections int      `toml:"max_connections"`
	TrustedIPs     []string `toml:"trusted_ips"`  // glob patterns; empty = local only
	MetricsPort    int      `toml:"metrics_port"` // 0 = metrics listener disabled
	CertFile       string   `toml:"cert_file"`
	KeyFile        string   `toml:"key_file"`
}

// StatConfig controls the stat collector and auxiliary sweeps.
type StatConfig struct {
	Interval       int `toml:"interval"`        // seconds between FSA samples
	RateInterval   int `toml:"rate_interval"`   // seconds between transfer-rate samples
	ArchiveSweep   int `toml:"archive_sweep"`   // seconds between archive-watch passes
	OldFileTime    int `toml:"old_file_time"`   // seconds between queued-file age sweeps
	HeartbeatStale int `toml:"heartbeat_stale"` // seconds before a stale heartbeat counts as dead
}

// minShutdownTime is the lower clamp applied to max_shutdown_time. Clamping
// happens here, at load, and nowhere else.
const minShutdownTime = 10

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service:           "afd",
		RescanTime:        5,
		MaxCopiedFiles:    100,
		MaxCopiedFileSize: 100 << 20,
		OneDirCopyTimeout: 30,
		FullScanTimeout:   300,
		MaxProcess:        50,
		DirMaxProcess:     10,
		MaxShutdownTime:   30,
		Log: LogConfig{
			KeepFiles:    7,
			MaxSize:      10 << 20,
			SwitchHour:   0,
			FlushSeconds: 3,
			FlushRecords: 20,
		},
		FD: FDConfig{
			MaxConnections: 50,
			RetryInterval:  120,
		},
		AFDD: AFDDConfig{
			BindAddr:       "0.0.0.0",
			Port:           4334,
			MaxConnections: 10,
		},
		Stat: StatConfig{
			Interval:       60,
			RateInterval:   5,
			ArchiveSweep:   60,
			OldFileTime:    3600,
			HeartbeatStale: 30,
		},
	}
}

// Load reads the central config file. A missing file is not an error; the
// defaults apply. Values are validated and clamped before return.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.clamp()
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RescanTime <= 0 {
		return errors.New("rescan_time must be positive")
	}
	if c.MaxCopiedFiles <= 0 {
		return errors.New("max_copied_files must be positive")
	}
	if c.MaxCopiedFileSize < 0 {
		return errors.New("max_copied_file_size must not be negative")
	}
	if c.AFDD.Port <= 0 || c.AFDD.Port > 65535 {
		return fmt.Errorf("afdd port %d out of range", c.AFDD.Port)
	}
	if c.FD.MaxConnections <= 0 {
		return errors.New("fd max_connections must be positive")
	}
	return nil
}

func (c *Config) clamp() {
	if c.MaxShutdownTime < minShutdownTime {
		c.MaxShutdownTime = minShutdownTime
	}
	if c.MaxProcess < 1 {
		c.MaxProcess = 1
	}
	if c.DirMaxProcess < 1 {
		c.DirMaxProcess = 1
	}
	if c.Log.KeepFiles < 1 {
		c.Log.KeepFiles = 1
	}
	if c.Log.FlushSeconds < 1 {
		c.Log.FlushSeconds = 1
	}
	if c.Log.FlushRecords < 1 {
		c.Log.FlushRecords = 1
	}
}

// Durations for the fields that are handed around as time.Duration.
func (c Config) RescanInterval() time.Duration  { return time.Duration(c.RescanTime) * time.Second }
func (c Config) OneDirTimeout() time.Duration   { return time.Duration(c.OneDirCopyTimeout) * time.Second }
func (c Config) ScanTimeout() time.Duration     { return time.Duration(c.FullScanTimeout) * time.Second }
func (c Config) ShutdownTimeout() time.Duration { return time.Duration(c.MaxShutdownTime) * time.Second }
func (c Config) RetryInterval() time.Duration   { return time.Duration(c.FD.RetryInterval) * time.Second }
