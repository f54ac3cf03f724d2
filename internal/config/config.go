package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	MISP     MISPConfig     `mapstructure:"misp"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
	Debug       bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Schema          string        `mapstructure:"schema"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&search_path=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode, c.Schema,
	)
}

type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	StreamName string `mapstructure:"stream_name"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
}

// MISPConfig holds the synchronization settings shared by all instances
// plus the per-instance connection blocks.
type MISPConfig struct {
	Interval     time.Duration                 `mapstructure:"interval"`
	CaseTemplate string                        `mapstructure:"case_template"`
	Tags         []string                      `mapstructure:"tags"`
	Instances    map[string]MISPInstanceConfig `mapstructure:"instances"`
}

// MISPInstanceConfig describes one remote MISP server.
type MISPInstanceConfig struct {
	URL          string        `mapstructure:"url"`
	Key          string        `mapstructure:"key"`
	Tags         []string      `mapstructure:"tags"`
	CaseTemplate string        `mapstructure:"case_template"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Proxy        string        `mapstructure:"proxy"`
	VerifyTLS    *bool         `mapstructure:"verify_tls"`
}

// Validate checks that the MISP section is usable: every instance needs a
// URL and an API key. Tags and case template fall back to the globals.
func (c MISPConfig) Validate() error {
	for name, inst := range c.Instances {
		if inst.URL == "" {
			return fmt.Errorf("misp.instances.%s.url is required", name)
		}
		if inst.Key == "" {
			return fmt.Errorf("misp.instances.%s.key is required", name)
		}
	}
	return nil
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mispbridge")
	}

	v.SetDefault("misp.interval", time.Hour)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	// Environment variables
	v.SetEnvPrefix("MISPBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind nested env vars explicitly (viper doesn't auto-bind nested struct fields)
	v.BindEnv("redis.host", "MISPBRIDGE_REDIS_HOST")
	v.BindEnv("redis.port", "MISPBRIDGE_REDIS_PORT")
	v.BindEnv("redis.password", "MISPBRIDGE_REDIS_PASSWORD")
	v.BindEnv("database.host", "MISPBRIDGE_DATABASE_HOST")
	v.BindEnv("database.port", "MISPBRIDGE_DATABASE_PORT")
	v.BindEnv("database.user", "MISPBRIDGE_DATABASE_USER")
	v.BindEnv("database.password", "MISPBRIDGE_DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "MISPBRIDGE_DATABASE_DBNAME")
	v.BindEnv("database.sslmode", "MISPBRIDGE_DATABASE_SSLMODE")
	v.BindEnv("nats.enabled", "MISPBRIDGE_NATS_ENABLED")
	v.BindEnv("nats.url", "MISPBRIDGE_NATS_URL")
	v.BindEnv("app.environment", "MISPBRIDGE_APP_ENVIRONMENT")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.MISP.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadDefault loads configuration with default path
func LoadDefault() (*Config, error) {
	return Load("")
}
