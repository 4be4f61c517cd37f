// Package config resolves settings from defaults, an optional config file,
// PVETPL_* environment variables and bound command-line flags.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

// Config holds all application configuration
type Config struct {
	// Provisioning profile
	SSHKeyFile string `mapstructure:"ssh_keyfile"`
	Username   string `mapstructure:"username"`
	Storage    string `mapstructure:"storage"`
	Bridge     string `mapstructure:"bridge"`
	Cores      int    `mapstructure:"cores"`
	Memory     int    `mapstructure:"memory"`
	DiskMinGB  int    `mapstructure:"disk_min_gb"`

	// Working directory for downloads
	WorkDir string `mapstructure:"work_dir"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite_path"`
	FSMDBPath  string `mapstructure:"fsm_db_path"`

	// S3 configuration
	S3Region string `mapstructure:"s3_region"`

	// Download tuning
	DownloadRetries       int           `mapstructure:"download_retries"`
	DownloadRetryInterval time.Duration `mapstructure:"download_retry_interval"`
	MaxImageSize          int64         `mapstructure:"max_image_size"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm_max_retries"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		SSHKeyFile:            "/root/id_rsa.pub",
		Username:              "admin",
		Storage:               "local-zfs",
		Bridge:                "vmbr0",
		Cores:                 4,
		Memory:                1024,
		DiskMinGB:             8,
		WorkDir:               "/var/tmp/gen-linux-template",
		SQLitePath:            "/var/lib/gen-linux-template/ledger.db",
		FSMDBPath:             "/var/lib/gen-linux-template/fsm",
		S3Region:              "us-east-1",
		DownloadRetries:       3,
		DownloadRetryInterval: 2 * time.Second,
		MaxImageSize:          10 * 1024 * 1024 * 1024,
		FSMMaxRetries:         3,
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("ssh_keyfile", d.SSHKeyFile)
	v.SetDefault("username", d.Username)
	v.SetDefault("storage", d.Storage)
	v.SetDefault("bridge", d.Bridge)
	v.SetDefault("cores", d.Cores)
	v.SetDefault("memory", d.Memory)
	v.SetDefault("disk_min_gb", d.DiskMinGB)
	v.SetDefault("work_dir", d.WorkDir)
	v.SetDefault("sqlite_path", d.SQLitePath)
	v.SetDefault("fsm_db_path", d.FSMDBPath)
	v.SetDefault("s3_region", d.S3Region)
	v.SetDefault("download_retries", d.DownloadRetries)
	v.SetDefault("download_retry_interval", d.DownloadRetryInterval)
	v.SetDefault("max_image_size", d.MaxImageSize)
	v.SetDefault("fsm_max_retries", d.FSMMaxRetries)
}

// Load reads configuration into v. An explicit path must exist; without one
// config.{json,yaml} is searched in the working directory and
// /etc/gen-linux-template and silently skipped when absent.
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	// Environment variables (PVETPL_SSH_KEYFILE, PVETPL_WORK_DIR, ...)
	v.SetEnvPrefix("PVETPL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gen-linux-template")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SSHKeyFile == "" {
		return fmt.Errorf("ssh_keyfile cannot be empty")
	}
	if c.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if c.Storage == "" {
		return fmt.Errorf("storage cannot be empty")
	}
	if c.Bridge == "" {
		return fmt.Errorf("bridge cannot be empty")
	}
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be positive")
	}
	if c.Memory <= 0 {
		return fmt.Errorf("memory must be positive")
	}
	if c.DiskMinGB <= 0 {
		return fmt.Errorf("disk_min_gb must be positive")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite_path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm_db_path cannot be empty")
	}
	if c.DownloadRetries < 1 {
		return fmt.Errorf("download_retries must be at least 1")
	}
	if c.MaxImageSize < 0 {
		return fmt.Errorf("max_image_size must be non-negative")
	}
	if c.FSMMaxRetries < 1 {
		return fmt.Errorf("fsm_max_retries must be at least 1")
	}
	return nil
}

// Provision returns the profile applied to every template.
func (c *Config) Provision() provision.Config {
	workDir := c.WorkDir
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}
	return provision.Config{
		SSHKeyFile: c.SSHKeyFile,
		Username:   c.Username,
		Storage:    c.Storage,
		Bridge:     c.Bridge,
		Cores:      c.Cores,
		Memory:     c.Memory,
		DiskMinGB:  c.DiskMinGB,
		WorkDir:    workDir,
	}
}
