package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration, read from an optional
// YAML file. Every field has a sensible default so the server runs
// with no file at all; the credential-store settings come from the
// .env file instead (see LoadEnv).
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Chat     ChatConfig     `yaml:"chat"`
	Groups   GroupsConfig   `yaml:"groups"`
	Scripts  ScriptsConfig  `yaml:"scripts"`
	Log      LogConfig      `yaml:"log"`
	DBHealth DBHealthConfig `yaml:"db_health"`
}

// ListenConfig defines the chat listener and the admin API endpoint.
type ListenConfig struct {
	Port    int    `yaml:"port"`
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
	APIKey  string `yaml:"api_key"`
}

// ChatConfig tunes the event loop and the worker pool.
type ChatConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	Workers          int           `yaml:"workers"`
}

// GroupsConfig locates the persistent group snapshot.
type GroupsConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
}

// ScriptsConfig locates the operator command scripts.
type ScriptsConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig controls the leveled logger.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DBHealthConfig tunes the credential-store health checker.
type DBHealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// Load reads and parses the YAML config file. A missing file is not
// an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 5008
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Chat.HeartbeatTimeout == 0 {
		cfg.Chat.HeartbeatTimeout = 300 * time.Second
	}
	if cfg.Chat.PollTimeout == 0 {
		cfg.Chat.PollTimeout = time.Second
	}
	if cfg.Chat.Workers == 0 {
		cfg.Chat.Workers = 4
	}
	if cfg.Groups.SnapshotPath == "" {
		cfg.Groups.SnapshotPath = "groups_data.json"
	}
	if cfg.Scripts.Dir == "" {
		cfg.Scripts.Dir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
	if cfg.DBHealth.Interval == 0 {
		cfg.DBHealth.Interval = 30 * time.Second
	}
	if cfg.DBHealth.FailureThreshold == 0 {
		cfg.DBHealth.FailureThreshold = 3
	}
}

func validate(cfg *Config) error {
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", cfg.Listen.Port)
	}
	if cfg.Listen.APIPort < 1 || cfg.Listen.APIPort > 65535 {
		return fmt.Errorf("listen.api_port %d out of range", cfg.Listen.APIPort)
	}
	if cfg.Chat.Workers < 1 {
		return fmt.Errorf("chat.workers must be positive, got %d", cfg.Chat.Workers)
	}
	if cfg.Chat.HeartbeatTimeout < time.Second {
		return fmt.Errorf("chat.heartbeat_timeout %v too small", cfg.Chat.HeartbeatTimeout)
	}
	return nil
}

// DBEnv holds the credential-store settings read from the .env file.
type DBEnv struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// Addr returns host:port for the MySQL DSN.
func (e DBEnv) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// LoadEnv reads the .env file (KEY=VALUE lines, # comments, trimmed
// whitespace) and resolves the DB_* keys. Keys absent from the file
// fall back to the process environment. A missing required key is an
// error and aborts startup.
func LoadEnv(path string) (DBEnv, error) {
	vars := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		vars, err = godotenv.Read(path)
		if err != nil {
			return DBEnv{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	get := func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return os.Getenv(key)
	}

	env := DBEnv{
		Host:     get("DB_HOST"),
		User:     get("DB_USER"),
		Password: get("DB_PASSWORD"),
		Name:     get("DB_NAME"),
		Port:     3307,
	}

	for _, req := range []struct{ key, val string }{
		{"DB_HOST", env.Host},
		{"DB_USER", env.User},
		{"DB_PASSWORD", env.Password},
		{"DB_NAME", env.Name},
	} {
		if req.val == "" {
			return DBEnv{}, fmt.Errorf("missing required key %s in %s", req.key, path)
		}
	}

	if p := get("DB_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return DBEnv{}, fmt.Errorf("invalid DB_PORT %q", p)
		}
		env.Port = port
	}
	return env, nil
}
