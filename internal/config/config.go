package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	API        APIConfig        `yaml:"api"`
	Worker     WorkerConfig     `yaml:"worker"`
	Remote     RemoteConfig     `yaml:"remote"`
	Exports    ExportConfig     `yaml:"exports"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Duration accepts Go duration strings ("2m", "500ms") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// WorkerConfig tunes the batch worker, the sync worker and the session
// supervisor.
type WorkerConfig struct {
	TickInterval       Duration `yaml:"tick_interval"`
	SyncMaxConcurrent  int      `yaml:"sync_max_concurrent"`
	SyncMaxJobs        int      `yaml:"sync_max_jobs"`
	MaxRetries         int      `yaml:"max_retries"`
	BackoffBase        Duration `yaml:"backoff_base"`
	BatchSize          int      `yaml:"batch_size"`
	SessionStallAfter  Duration `yaml:"session_stall_after"`
	SessionChunkSize   int      `yaml:"session_chunk_size"`
	SessionChunkBudget int      `yaml:"session_chunk_budget"`
	StuckJobAfter      Duration `yaml:"stuck_job_after"`
}

// RemoteConfig points at the external accounting system.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled  bool    `yaml:"enabled"`
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
}

// Load reads the YAML config at configPath, expanding ${ENV} references
// after merging a .env file when one is present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Worker.SyncMaxConcurrent <= 0 {
		return errors.New("worker sync_max_concurrent must be positive")
	}
	if c.Worker.SyncMaxJobs < c.Worker.SyncMaxConcurrent {
		return fmt.Errorf("worker sync_max_jobs (%d) must be >= sync_max_concurrent (%d)",
			c.Worker.SyncMaxJobs, c.Worker.SyncMaxConcurrent)
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return errors.New("telegram alerts enabled without bot_token")
	}
	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth enabled without api_keys")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 5
	}

	if c.Worker.TickInterval == 0 {
		c.Worker.TickInterval = Duration(15 * time.Second)
	}
	if c.Worker.SyncMaxConcurrent == 0 {
		c.Worker.SyncMaxConcurrent = 5
	}
	if c.Worker.SyncMaxJobs == 0 {
		c.Worker.SyncMaxJobs = 50
	}
	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 5
	}
	if c.Worker.BackoffBase == 0 {
		c.Worker.BackoffBase = Duration(time.Minute)
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 25
	}
	if c.Worker.SessionStallAfter == 0 {
		c.Worker.SessionStallAfter = Duration(2 * time.Minute)
	}
	if c.Worker.SessionChunkSize == 0 {
		c.Worker.SessionChunkSize = 100
	}
	if c.Worker.SessionChunkBudget == 0 {
		c.Worker.SessionChunkBudget = 10
	}
	if c.Worker.StuckJobAfter == 0 {
		c.Worker.StuckJobAfter = Duration(30 * time.Minute)
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = Duration(30 * time.Second)
	}

	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
