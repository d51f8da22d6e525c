package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Target device and kernel configuration
	Device    string `mapstructure:"device"`
	Defconfig string `mapstructure:"defconfig"`

	// Workspace layout
	ConfigDir string `mapstructure:"config-dir"`
	RepoDir   string `mapstructure:"repo-dir"`
	BuildDir  string `mapstructure:"build-dir"`

	// Fixed mount point for every mount/unmount in the run
	MountPoint string `mapstructure:"mount-point"`

	// Journal and workflow databases
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Optional S3 mirror for kernel_config files
	MirrorBucket string `mapstructure:"mirror-bucket"`
	MirrorRegion string `mapstructure:"mirror-region"`

	// Root filesystem composition
	DebianRelease string `mapstructure:"debian-release"`
	Hostname      string `mapstructure:"hostname"`
	RootPassword  string `mapstructure:"root-password"`

	// Network reachability probe
	ProbeAddr           string `mapstructure:"probe-addr"`
	ProbeTimeoutSeconds int    `mapstructure:"probe-timeout-seconds"`

	// Build parallelism override; 0 means probe nproc
	Jobs int `mapstructure:"jobs"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("defconfig", "opz3_defconfig")
	viper.SetDefault("config-dir", "kernel_config")
	viper.SetDefault("repo-dir", "repositories")
	viper.SetDefault("build-dir", "build")
	viper.SetDefault("mount-point", "/mnt")
	viper.SetDefault("sqlite-path", ".artifacts/provision.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("mirror-bucket", "")
	viper.SetDefault("mirror-region", "us-east-1")
	viper.SetDefault("debian-release", "bookworm")
	viper.SetDefault("hostname", "orangepi")
	viper.SetDefault("root-password", "temp123")
	viper.SetDefault("probe-addr", "www.google.com:80")
	viper.SetDefault("probe-timeout-seconds", 5)
	viper.SetDefault("jobs", 0)
	viper.SetDefault("fsm-max-retries", 5)

	// Environment variables (OPZ3_DEVICE, OPZ3_REPO_DIR, ...)
	viper.SetEnvPrefix("OPZ3")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.opz3-imager")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Defconfig == "" {
		return fmt.Errorf("defconfig cannot be empty")
	}
	if c.ConfigDir == "" {
		return fmt.Errorf("config-dir cannot be empty")
	}
	if c.RepoDir == "" {
		return fmt.Errorf("repo-dir cannot be empty")
	}
	if c.MountPoint == "" {
		return fmt.Errorf("mount-point cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("probe-timeout-seconds must be positive")
	}
	if c.Jobs < 0 {
		return fmt.Errorf("jobs must be non-negative")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}

// RequireDevice rejects configurations without a target block device. The
// provisioning commands call this; clean and status do not need a device.
func (c *Config) RequireDevice() error {
	if c.Device == "" {
		return fmt.Errorf("a target block device is required (--device /dev/sdX)")
	}
	if !strings.HasPrefix(c.Device, "/dev/") {
		return fmt.Errorf("device %q must be a /dev path", c.Device)
	}
	return nil
}
