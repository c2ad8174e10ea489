// Package config loads the scheduler configuration.
//
// Load reads ENV to pick <dir>/<ENV>.yaml, then the secrets file it names.
// Both files are decoded strictly: unknown fields are errors. LOGGING_LEVEL
// overrides logging.level.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/mips-scheduler/pkg/ratelimit"
	"github.com/Sternrassler/mips-scheduler/pkg/sink"
	"go.yaml.in/yaml/v3"
)

// Environment variables.
const (
	EnvKey      = "ENV"
	LogLevelKey = "LOGGING_LEVEL"
)

// Known environments.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Defaults.
const (
	DefaultLogLevel        = "debug"
	DefaultMIPSTimeout     = 30 * time.Second
	DefaultTelegramTimeout = 10 * time.Second
	DefaultWorkflowTimeout = 30 * time.Minute
	DefaultMetricsAddr     = ":9090"
)

// ErrMissingEnv is returned when ENV is not set.
var ErrMissingEnv = errors.New("ENV is not set")

// Config is the full scheduler configuration.
type Config struct {
	Env string `yaml:"-"`

	// SecretsYAML is the path of the secrets file, relative to the config dir
	// unless absolute.
	SecretsYAML string `yaml:"secrets_yaml"`

	MIPS     MIPS     `yaml:"mips"`
	Telegram Telegram `yaml:"telegram"`
	Schedule Schedule `yaml:"schedule"`
	Sink     Sink     `yaml:"sink"`
	Metrics  Metrics  `yaml:"metrics"`
	Logging  Logging  `yaml:"logging"`
}

// MIPS configures the vendor API client.
type MIPS struct {
	BaseURL    string                   `yaml:"base_url"`
	TimeoutRaw string                   `yaml:"timeout"`
	Dispatch   ratelimit.DispatchConfig `yaml:"dispatch"`
	Workers    int                      `yaml:"workers"`
	ShadowMode bool                     `yaml:"shadow_mode"`

	Timeout  time.Duration `yaml:"-"`
	User     string        `yaml:"-"`
	Password string        `yaml:"-"`
}

// Telegram configures the chat gateway.
type Telegram struct {
	ChatID     int64  `yaml:"chat_id"`
	LogChatID  int64  `yaml:"log_chat_id"`
	TimeoutRaw string `yaml:"timeout"`
	RatePerSec int    `yaml:"rate_per_sec"`
	APIURL     string `yaml:"api_url"`
	// LogLevel is the minimum level forwarded to the log chat. Empty disables
	// forwarding.
	LogLevel string `yaml:"log_level"`

	Timeout   time.Duration `yaml:"-"`
	BotSecret string        `yaml:"-"`
}

// Enabled reports whether a bot secret and chat are configured.
func (t Telegram) Enabled() bool {
	return t.BotSecret != "" && t.ChatID != 0
}

// Schedule configures the control panel and run cadence.
type Schedule struct {
	// Path of the control panel YAML, relative to the config dir unless absolute.
	Path string `yaml:"path"`

	// Cron is a standard 5-field cron spec. Empty means run once and exit.
	Cron string `yaml:"cron"`

	WorkflowTimeoutRaw string        `yaml:"workflow_timeout"`
	WorkflowTimeout    time.Duration `yaml:"-"`
}

// Sink configures result storage.
type Sink struct {
	// RedisAddr enables the redis sink when set.
	RedisAddr     string                      `yaml:"redis_addr"`
	RedisDB       int                         `yaml:"redis_db"`
	StreamPrefix  string                      `yaml:"stream_prefix"`
	Tables        map[string]sink.TableConfig `yaml:"tables"`
	RedisPassword string                      `yaml:"-"`
}

// Metrics configures the health and metrics listener.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Logging configures the logger.
type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Secrets holds credentials kept out of the main config file.
type Secrets struct {
	MIPS struct {
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"mips"`
	Telegram struct {
		BotSecret string `yaml:"bot_secret"`
	} `yaml:"telegram"`
	Redis struct {
		Password string `yaml:"password"`
	} `yaml:"redis"`
}

// Load reads the configuration for the environment named by ENV.
func Load(dir string) (*Config, error) {
	env := strings.TrimSpace(os.Getenv(EnvKey))
	if env == "" {
		return nil, ErrMissingEnv
	}
	return LoadEnv(dir, env)
}

// LoadEnv reads <dir>/<env>.yaml and its secrets file.
func LoadEnv(dir, env string) (*Config, error) {
	path := filepath.Join(dir, env+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := decodeStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Env = env

	if cfg.SecretsYAML != "" {
		secrets, err := loadSecrets(resolve(dir, cfg.SecretsYAML))
		if err != nil {
			return nil, err
		}
		cfg.MIPS.User = secrets.MIPS.User
		cfg.MIPS.Password = secrets.MIPS.Password
		cfg.Telegram.BotSecret = secrets.Telegram.BotSecret
		cfg.Sink.RedisPassword = secrets.Redis.Password
	}

	if lvl := strings.TrimSpace(os.Getenv(LogLevelKey)); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if cfg.Schedule.Path != "" {
		cfg.Schedule.Path = resolve(dir, cfg.Schedule.Path)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadSecrets(path string) (*Secrets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	var s Secrets
	if err := decodeStrict(data, &s); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("yaml decode: %w", err)
	}
	return nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// normalize parses duration strings and fills defaults.
func (c *Config) normalize() error {
	var err error
	if c.MIPS.Timeout, err = ParseDurationOrDefault("mips.timeout", c.MIPS.TimeoutRaw, DefaultMIPSTimeout); err != nil {
		return err
	}
	if c.Telegram.Timeout, err = ParseDurationOrDefault("telegram.timeout", c.Telegram.TimeoutRaw, DefaultTelegramTimeout); err != nil {
		return err
	}
	if c.Schedule.WorkflowTimeout, err = ParseDurationOrDefault("schedule.workflow_timeout", c.Schedule.WorkflowTimeoutRaw, DefaultWorkflowTimeout); err != nil {
		return err
	}
	if c.MIPS.Dispatch.Mode == "" {
		c.MIPS.Dispatch.Mode = ratelimit.ModeNone
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Sink.Tables == nil {
		c.Sink.Tables = map[string]sink.TableConfig{}
	}
	for _, t := range []string{sink.TableExecuteLogs, sink.TablePatchBacklightLogs} {
		if _, ok := c.Sink.Tables[t]; !ok {
			c.Sink.Tables[t] = sink.TableConfig{Name: t}
		}
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MIPS.BaseURL == "" {
		return errors.New("mips.base_url is required")
	}
	if err := c.MIPS.Dispatch.Validate(); err != nil {
		return fmt.Errorf("mips.dispatch: %w", err)
	}
	if c.MIPS.Workers < 0 {
		return fmt.Errorf("mips.workers must be >= 0 (got %d)", c.MIPS.Workers)
	}
	if c.Telegram.RatePerSec < 0 {
		return fmt.Errorf("telegram.rate_per_sec must be >= 0 (got %d)", c.Telegram.RatePerSec)
	}
	if c.Schedule.Path == "" {
		return errors.New("schedule.path is required")
	}
	for name, t := range c.Sink.Tables {
		if t.RowLimit < 0 {
			return fmt.Errorf("sink.tables.%s.row_limit must be >= 0", name)
		}
	}
	return nil
}
