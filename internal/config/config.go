package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultJWTExpiresIn  = "24h"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "relaydesk"
	DefaultPGSSLMode     = "disable"
	DefaultTaskQueueSize = 256
	DefaultTaskWorkers   = 4
	DefaultTaskTimeout   = "15s"
	DefaultSendTimeout   = "30s"
	DefaultCheckSchedule = "*/15 * * * *"
)

type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Admin      AdminConfig      `toml:"admin"`
	Auth       AuthConfig       `toml:"auth"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Tasks      TasksConfig      `toml:"tasks"`
	Channels   ChannelsConfig   `toml:"channels"`
	Health     HealthConfig     `toml:"health"`
	Classifier ClassifierConfig `toml:"classifier"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// PublicBaseURL is the externally reachable origin used when reporting
	// webhook endpoints to tenants, e.g. https://gateway.example.com.
	PublicBaseURL string `toml:"public_base_url"`
}

type AdminConfig struct {
	Email    string `toml:"email"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

func (c AuthConfig) ExpiresIn() time.Duration {
	return parseDurationOr(c.JWTExpiresIn, DefaultJWTExpiresIn)
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
	// MigrateOnStart runs pending schema migrations during serve startup.
	MigrateOnStart bool `toml:"migrate_on_start"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type TasksConfig struct {
	QueueSize int    `toml:"queue_size"`
	Workers   int    `toml:"workers"`
	Timeout   string `toml:"timeout"`
}

func (c TasksConfig) TaskTimeout() time.Duration {
	return parseDurationOr(c.Timeout, DefaultTaskTimeout)
}

type ChannelsConfig struct {
	// SendTimeout bounds every provider transport call.
	SendTimeout string `toml:"send_timeout"`
}

func (c ChannelsConfig) SendTimeoutDuration() time.Duration {
	return parseDurationOr(c.SendTimeout, DefaultSendTimeout)
}

type HealthConfig struct {
	Enabled bool `toml:"enabled"`
	// Schedule is a cron expression for periodic integration connection checks.
	Schedule string `toml:"schedule"`
}

type ClassifierConfig struct {
	BusinessHoursStart int `toml:"business_hours_start"`
	BusinessHoursEnd   int `toml:"business_hours_end"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Email:    "admin@example.com",
			Password: "change-your-password-here",
			Name:     "Admin",
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:           DefaultPGHost,
			Port:           DefaultPGPort,
			User:           DefaultPGUser,
			Database:       DefaultPGDatabase,
			SSLMode:        DefaultPGSSLMode,
			MigrateOnStart: true,
		},
		Tasks: TasksConfig{
			QueueSize: DefaultTaskQueueSize,
			Workers:   DefaultTaskWorkers,
			Timeout:   DefaultTaskTimeout,
		},
		Channels: ChannelsConfig{
			SendTimeout: DefaultSendTimeout,
		},
		Health: HealthConfig{
			Enabled:  true,
			Schedule: DefaultCheckSchedule,
		},
		Classifier: ClassifierConfig{
			BusinessHoursStart: 9,
			BusinessHoursEnd:   17,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func parseDurationOr(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
