// Package config loads server settings from a yaml file, KLEAR_ environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Log      LogConfig      `mapstructure:"log"`
	Seed     SeedConfig     `mapstructure:"seed"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

type APICredential struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	EntityID  string `mapstructure:"entity_id"`
	Admin     bool   `mapstructure:"admin"`
}

type AuthConfig struct {
	JWTSecret      string          `mapstructure:"jwt_secret"`
	APICredentials []APICredential `mapstructure:"api_credentials"`
}

type EngineConfig struct {
	CollaboratorTimeout time.Duration `mapstructure:"collaborator_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	IdempotencyPurge    time.Duration `mapstructure:"idempotency_purge"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Pretty     bool   `mapstructure:"pretty"`
	File       string `mapstructure:"file"` // empty disables the file sink
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type SeedParticipant struct {
	EntityID    string   `mapstructure:"entity_id"`
	DisplayName string   `mapstructure:"display_name"`
	Role        string   `mapstructure:"role"`
	TrustScore  *float64 `mapstructure:"trust_score"`
	Courses     []string `mapstructure:"courses"`
}

type SeedCourse struct {
	AuctionType string `mapstructure:"auction_type"`
	CourseID    string `mapstructure:"course_id"`
	Title       string `mapstructure:"title"`
}

type SeedConfig struct {
	Participants  []SeedParticipant `mapstructure:"participants"`
	GatingCourses []SeedCourse      `mapstructure:"gating_courses"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "klear.db")
	v.SetDefault("auth.jwt_secret", "klear-secret-key")
	v.SetDefault("engine.collaborator_timeout", 2*time.Second)
	v.SetDefault("engine.sweep_interval", 5*time.Second)
	v.SetDefault("engine.idempotency_purge", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads path if given, otherwise searches for config.yaml in the working
// directory and ./config. A missing file is not an error; defaults and the
// environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("KLEAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set")
	}
	if c.Engine.SweepInterval <= 0 {
		return errors.New("engine.sweep_interval must be positive")
	}
	if c.Engine.CollaboratorTimeout <= 0 {
		return errors.New("engine.collaborator_timeout must be positive")
	}
	for i, cred := range c.Auth.APICredentials {
		if cred.APIKey == "" || cred.APISecret == "" || cred.EntityID == "" {
			return fmt.Errorf("auth.api_credentials[%d] needs api_key, api_secret and entity_id", i)
		}
	}
	return nil
}
