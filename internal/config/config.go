package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultFormulaURL = "https://formulae.brew.sh/api/formula.json"
	DefaultCaskURL    = "https://formulae.brew.sh/api/cask.json"
)

type Config struct {
	BrewPath       string `mapstructure:"brew_path"`
	HomebrewPrefix string `mapstructure:"homebrew_prefix"`
	CacheDir       string `mapstructure:"cache_dir"`
	FormulaURL     string `mapstructure:"formula_url"`
	CaskURL        string `mapstructure:"cask_url"`

	MaxRetries       int `mapstructure:"max_retries"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms"`

	StaleTimeoutSeconds         int            `mapstructure:"stale_timeout_seconds"`
	DownloadStaleTimeoutSeconds int            `mapstructure:"download_stale_timeout_seconds"`
	WatchdogIntervalSeconds     int            `mapstructure:"watchdog_interval_seconds"`
	PhaseTimeouts               map[string]int `mapstructure:"phase_timeouts"`
	ProgressIntervalMs          int            `mapstructure:"progress_interval_ms"`

	ContinueOnError bool `mapstructure:"continue_on_error"`
	Prefetch        bool `mapstructure:"prefetch"`
	Greedy          bool `mapstructure:"greedy"`
	MinDiskSpaceGB  int  `mapstructure:"min_disk_space_gb"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	ListenAddr            string `mapstructure:"listen_addr"`
	MaxConcurrentCommands int    `mapstructure:"max_concurrent_commands"`
	CommandQueueSize      int    `mapstructure:"command_queue_size"`
	RevalidateWorkers     int    `mapstructure:"revalidate_workers"`
}

func Default() *Config {
	return &Config{
		CacheDir:                    defaultCacheDir(),
		FormulaURL:                  DefaultFormulaURL,
		CaskURL:                     DefaultCaskURL,
		MaxRetries:                  2,
		RetryBaseDelayMs:            1000,
		StaleTimeoutSeconds:         300,
		DownloadStaleTimeoutSeconds: 600,
		WatchdogIntervalSeconds:     30,
		ProgressIntervalMs:          100,
		ContinueOnError:             true,
		Prefetch:                    true,
		MinDiskSpaceGB:              2,
		LogLevel:                    "info",
		LogFormat:                   "text",
		LogMaxSizeMB:                10,
		LogMaxBackups:               3,
		ListenAddr:                  "127.0.0.1:7788",
		MaxConcurrentCommands:       4,
		CommandQueueSize:            32,
		RevalidateWorkers:           2,
	}
}

// Load reads brewkit.yaml (or cfgFile) and BREWKIT_* environment overrides
// on top of Default. A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("brewkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BREWKIT")
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv overrides also apply to keys
// absent from the config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"brew_path", "homebrew_prefix", "cache_dir", "formula_url", "cask_url",
		"max_retries", "retry_base_delay_ms",
		"stale_timeout_seconds", "download_stale_timeout_seconds", "watchdog_interval_seconds",
		"progress_interval_ms", "continue_on_error", "prefetch", "greedy", "min_disk_space_gb",
		"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
		"listen_addr", "max_concurrent_commands", "command_queue_size", "revalidate_workers",
	} {
		_ = v.BindEnv(key)
	}
}

// Settings returns cfg keyed by its config file names.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"brew_path":                      c.BrewPath,
		"homebrew_prefix":                c.HomebrewPrefix,
		"cache_dir":                      c.CacheDir,
		"formula_url":                    c.FormulaURL,
		"cask_url":                       c.CaskURL,
		"max_retries":                    c.MaxRetries,
		"retry_base_delay_ms":            c.RetryBaseDelayMs,
		"stale_timeout_seconds":          c.StaleTimeoutSeconds,
		"download_stale_timeout_seconds": c.DownloadStaleTimeoutSeconds,
		"watchdog_interval_seconds":      c.WatchdogIntervalSeconds,
		"phase_timeouts":                 c.PhaseTimeouts,
		"progress_interval_ms":           c.ProgressIntervalMs,
		"continue_on_error":              c.ContinueOnError,
		"prefetch":                       c.Prefetch,
		"greedy":                         c.Greedy,
		"min_disk_space_gb":              c.MinDiskSpaceGB,
		"log_level":                      c.LogLevel,
		"log_format":                     c.LogFormat,
		"log_file":                       c.LogFile,
		"log_max_size_mb":                c.LogMaxSizeMB,
		"log_max_backups":                c.LogMaxBackups,
		"listen_addr":                    c.ListenAddr,
		"max_concurrent_commands":        c.MaxConcurrentCommands,
		"command_queue_size":             c.CommandQueueSize,
		"revalidate_workers":             c.RevalidateWorkers,
	}
}

// DefaultPath is where Load looks first and SaveTo writes by default.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), "brewkit.yaml")
}

// SaveTo writes cfg as yaml. An empty path writes to DefaultPath.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for key, value := range cfg.Settings() {
		v.Set(key, value)
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return err
	}
	return v.WriteConfigAs(cfgPath)
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutSeconds) * time.Second
}

func (c *Config) DownloadStaleTimeout() time.Duration {
	return time.Duration(c.DownloadStaleTimeoutSeconds) * time.Second
}

func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalSeconds) * time.Second
}

func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMs) * time.Millisecond
}

// PhaseTimeoutDurations returns the per-phase stall overrides.
func (c *Config) PhaseTimeoutDurations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.PhaseTimeouts))
	for phase, secs := range c.PhaseTimeouts {
		out[phase] = time.Duration(secs) * time.Second
	}
	return out
}

// ConfigDir is the per-user directory searched for brewkit.yaml.
func ConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "brewkit")
	}
	return filepath.Join(os.TempDir(), "brewkit")
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "brewkit")
	}
	return filepath.Join(os.TempDir(), "brewkit-cache")
}

// DefaultHomebrewPrefix is the standard install prefix for this platform.
func DefaultHomebrewPrefix() string {
	switch {
	case runtime.GOOS == "darwin" && runtime.GOARCH == "arm64":
		return "/opt/homebrew"
	case runtime.GOOS == "darwin":
		return "/usr/local"
	default:
		return "/home/linuxbrew/.linuxbrew"
	}
}
