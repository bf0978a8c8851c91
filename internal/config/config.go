package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Monitor MonitorConfig
	Docker  DockerConfig
	Redis   RedisConfig
	Metrics MetricsConfig
	Log     LogConfig
}

// MonitorConfig holds the poll loop settings
type MonitorConfig struct {
	Interval  time.Duration
	Threshold int
	DryRun    bool
}

// DockerConfig holds Docker daemon settings. An empty Host falls back to DOCKER_HOST.
type DockerConfig struct {
	Host        string
	Timeout     time.Duration
	StopTimeout time.Duration
	LogTail     int
}

// RedisConfig holds the rollback event stream settings. An empty URL disables publishing.
type RedisConfig struct {
	URL    string
	Stream string
	MaxLen int64
}

// MetricsConfig holds the Prometheus listener. An empty address disables it.
type MetricsConfig struct {
	Addr string
}

// LogConfig holds logger settings
type LogConfig struct {
	Debug bool
}

// SetDefaults registers every key's default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.threshold", 1)
	v.SetDefault("monitor.dryrun", false)
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.timeout", "10s")
	v.SetDefault("docker.stoptimeout", "10s")
	v.SetDefault("docker.logtail", 20)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.stream", "rollbackd:events")
	v.SetDefault("redis.maxlen", 10000)
	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("log.debug", false)
}

// New returns a viper instance reading ROLLBACKD_* environment variables
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ROLLBACKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the optional config file and builds a validated Config from v
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Monitor: MonitorConfig{
			Interval:  v.GetDuration("monitor.interval"),
			Threshold: v.GetInt("monitor.threshold"),
			DryRun:    v.GetBool("monitor.dryrun"),
		},
		Docker: DockerConfig{
			Host:        v.GetString("docker.host"),
			Timeout:     v.GetDuration("docker.timeout"),
			StopTimeout: v.GetDuration("docker.stoptimeout"),
			LogTail:     v.GetInt("docker.logtail"),
		},
		Redis: RedisConfig{
			URL:    v.GetString("redis.url"),
			Stream: v.GetString("redis.stream"),
			MaxLen: v.GetInt64("redis.maxlen"),
		},
		Metrics: MetricsConfig{
			Addr: v.GetString("metrics.addr"),
		},
		Log: LogConfig{
			Debug: v.GetBool("log.debug"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the monitor cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval))
	}
	if c.Monitor.Threshold < 0 {
		errs = append(errs, fmt.Errorf("monitor.threshold must not be negative, got %d", c.Monitor.Threshold))
	}
	if c.Docker.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("docker.timeout must be positive, got %s", c.Docker.Timeout))
	}
	if c.Docker.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("docker.stoptimeout must not be negative, got %s", c.Docker.StopTimeout))
	}
	if c.Docker.LogTail < 0 {
		errs = append(errs, fmt.Errorf("docker.logtail must not be negative, got %d", c.Docker.LogTail))
	}
	return errors.Join(errs...)
}
