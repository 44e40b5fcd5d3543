package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the collector.
type Config struct {
	Vendor   VendorConfig   `mapstructure:"vendor"`
	Database DatabaseConfig `mapstructure:"database"`
	Backup   BackupConfig   `mapstructure:"backup"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type VendorConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	ApplicationKey string        `mapstructure:"application_key"`
	DeviceID       string        `mapstructure:"device_id"`
	DeviceName     string        `mapstructure:"device_name"`
	APIURL         string        `mapstructure:"api_url"`
	RealtimeURL    string        `mapstructure:"realtime_url"`
	Realtime       bool          `mapstructure:"realtime"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type BackupConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Bucket             string `mapstructure:"bucket"`
	EndpointURL        string `mapstructure:"endpoint_url"`
	Region             string `mapstructure:"region"`
	AccessKeyID        string `mapstructure:"access_key_id"`
	SecretAccessKey    string `mapstructure:"secret_access_key"`
	Prefix             string `mapstructure:"prefix"`
	DailyRetentionDays int    `mapstructure:"daily_retention_days"`
	Schedule           string `mapstructure:"schedule"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the given file, applying defaults and
// AMBIENTLOG_* environment overrides (e.g. AMBIENTLOG_VENDOR_API_KEY).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("AMBIENTLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vendor.api_url", "https://rt.ambientweather.net/v1")
	v.SetDefault("vendor.realtime_url", "wss://rt2.ambientweather.net/socket")
	v.SetDefault("vendor.realtime", true)
	v.SetDefault("vendor.poll_interval", time.Minute)

	v.SetDefault("database.path", "data/weather.db")

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.prefix", "weather-backups/")
	v.SetDefault("backup.region", "us-east-1")
	v.SetDefault("backup.daily_retention_days", 45)
	v.SetDefault("backup.schedule", "0 2 * * *")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Vendor.APIKey == "" || c.Vendor.ApplicationKey == "" {
		return fmt.Errorf("vendor.api_key and vendor.application_key are required")
	}
	if c.Vendor.DeviceID == "" {
		return fmt.Errorf("vendor.device_id is required")
	}
	if c.Vendor.PollInterval <= 0 {
		return fmt.Errorf("vendor.poll_interval must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Backup.Enabled {
		if c.Backup.Bucket == "" || c.Backup.AccessKeyID == "" || c.Backup.SecretAccessKey == "" {
			return fmt.Errorf("backup is enabled but missing required configuration: bucket, access_key_id, secret_access_key")
		}
		if c.Backup.DailyRetentionDays <= 0 {
			return fmt.Errorf("backup.daily_retention_days must be positive")
		}
	}
	return nil
}
