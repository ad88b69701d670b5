package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Presence PresenceConfig `yaml:"presence"`
	Agent    AgentConfig    `yaml:"agent"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int    `yaml:"port" validate:"min=1,max=65535"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=postgres memory"`
	Host     string `yaml:"host" validate:"required_if=Driver postgres"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname" validate:"required_if=Driver postgres"`
	SSLMode  string `yaml:"sslmode"`
	Migrate  bool   `yaml:"migrate"`
}

// RedisConfig holds the cross-instance broadcast relay configuration
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true"`
	Channel string `yaml:"channel"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string `yaml:"secret" validate:"required"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// PresenceConfig tunes the tracking pipeline
type PresenceConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" validate:"gt=0"`
	StaleAfter       time.Duration `yaml:"stale_after" validate:"gt=0"`
	SubscriberBuffer int           `yaml:"subscriber_buffer" validate:"min=1"`
	DeactivateOnStop bool          `yaml:"deactivate_on_stop"`
}

// AgentConfig holds settings for the device-side agent and the remote watcher
type AgentConfig struct {
	ServerURL      string        `yaml:"server_url"`
	Token          string        `yaml:"token"`
	SourceFile     string        `yaml:"source_file"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	Loop           bool          `yaml:"loop"`
}

// Load reads configuration from a YAML file, then applies .env and
// PRESENCE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes raw YAML the same way Load does
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// .env is optional
	_ = godotenv.Load()
	applyEnv(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used for unset fields
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "postgres", Port: 5432, SSLMode: "disable"},
		Redis:    RedisConfig{Channel: "presence:changes"},
		Log:      LogConfig{Level: "info"},
		Presence: PresenceConfig{
			PollInterval:     30 * time.Second,
			StaleAfter:       60 * time.Minute,
			SubscriberBuffer: 64,
		},
		Agent: AgentConfig{ReplayInterval: time.Second},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PRESENCE_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PRESENCE_JWT_SECRET"); v != "" {
		cfg.JWT.Secret = v
	}
	if v := os.Getenv("PRESENCE_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PRESENCE_AGENT_TOKEN"); v != "" {
		cfg.Agent.Token = v
	}
	if v := os.Getenv("PRESENCE_AGENT_SERVER_URL"); v != "" {
		cfg.Agent.ServerURL = v
	}
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// URL returns the connection string in URL form, as migrations expect it
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
