// Package config loads the metrics server settings from defaults, an optional
// YAML file and MEGACITY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. MEGACITY_LOG_LEVEL.
const EnvPrefix = "MEGACITY"

type GPU struct {
	Name    string `mapstructure:"name"`
	Memory  int    `mapstructure:"memory"`
	Version string `mapstructure:"version"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type Postgres struct {
	DSN string `mapstructure:"dsn"`
}

type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Project         string        `mapstructure:"project"`
	Version         string        `mapstructure:"version"`
	EngineVersion   string        `mapstructure:"engine_version"`
	Indent          string        `mapstructure:"indent"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	GPU             GPU           `mapstructure:"gpu"`
	Log             Log           `mapstructure:"log"`
	Redis           Redis         `mapstructure:"redis"`
	Postgres        Postgres      `mapstructure:"postgres"`
}

// SetDefaults registers every key on v so environment overrides resolve
// even when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("enabled", true)
	v.SetDefault("host", "")
	v.SetDefault("port", 8080)
	v.SetDefault("name", "Megacity")
	v.SetDefault("project", "megacity-metro")
	v.SetDefault("version", "dev")
	v.SetDefault("engine_version", "")
	v.SetDefault("indent", "")
	v.SetDefault("read_timeout", 5*time.Second)
	v.SetDefault("write_timeout", 15*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("probe_timeout", 2*time.Second)
	v.SetDefault("gpu.name", "")
	v.SetDefault("gpu.memory", 0)
	v.SetDefault("gpu.version", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("postgres.dsn", "")
}

// Load resolves the configuration held by v. When path is non-empty that file
// must exist; otherwise config.yaml is looked up in the working directory and
// silently skipped when absent.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the server cannot start with. A disabled
// configuration is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("config: name is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unsupported log format %q", c.Log.Format)
	}
	return nil
}
