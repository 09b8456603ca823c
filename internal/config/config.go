// Package config loads service settings from defaults, an optional config
// file, an optional .env file and NOTIFYQUEUE_* environment variables, in
// increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "NOTIFYQUEUE"

var (
	ErrUnknownBackend    = errors.New("config: unknown queue backend")
	ErrUnknownMailDriver = errors.New("config: unknown mail driver")
	ErrInvalid           = errors.New("config: invalid value")
)

type Config struct {
	HTTP   HTTPConfig   `mapstructure:"http"`
	Queue  QueueConfig  `mapstructure:"queue"`
	Worker WorkerConfig `mapstructure:"worker"`
	Mail   MailConfig   `mapstructure:"mail"`
	Events EventsConfig `mapstructure:"events"`
	Log    LogConfig    `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type QueueConfig struct {
	// Backend is one of memory, file, postgres, sqlite, redis.
	Backend  string         `mapstructure:"backend"`
	Capacity int            `mapstructure:"capacity"`
	History  int            `mapstructure:"history"`
	FilePath string         `mapstructure:"file_path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
	// Driver is the database/sql driver name: postgres (lib/pq) or pgx.
	Driver string `mapstructure:"driver"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
	Key string `mapstructure:"key"`
}

type WorkerConfig struct {
	Count         int           `mapstructure:"count"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	LeaseTimeout  time.Duration `mapstructure:"lease_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
}

type MailConfig struct {
	// Driver is smtp or log.
	Driver        string         `mapstructure:"driver"`
	Host          string         `mapstructure:"host"`
	Port          int            `mapstructure:"port"`
	Username      string         `mapstructure:"username"`
	Password      string         `mapstructure:"password"`
	From          string         `mapstructure:"from"`
	RatePerSecond float64        `mapstructure:"rate_per_second"`
	Burst         int            `mapstructure:"burst"`
	UserMail      UserMailConfig `mapstructure:"user_mail"`
}

// UserMailConfig is the fixed message sent by GET /send-user-mail.
type UserMailConfig struct {
	To      string `mapstructure:"to"`
	Subject string `mapstructure:"subject"`
	Body    string `mapstructure:"body"`
}

type EventsConfig struct {
	// NATSURL enables NATS publishing when set; otherwise events are logged.
	NATSURL string `mapstructure:"nats_url"`
	Prefix  string `mapstructure:"prefix"`
	Buffer  int    `mapstructure:"buffer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 0)
	v.SetDefault("queue.history", 1024)
	v.SetDefault("queue.file_path", "data/jobs.json")
	v.SetDefault("queue.postgres.dsn", "")
	v.SetDefault("queue.postgres.driver", "postgres")
	v.SetDefault("queue.sqlite.path", "data/notifyqueue.db")
	v.SetDefault("queue.redis.url", "redis://localhost:6379/0")
	v.SetDefault("queue.redis.key", "notifyqueue:jobs")

	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.base_delay", "1s")
	v.SetDefault("worker.max_delay", "5m")
	v.SetDefault("worker.lease_timeout", "30s")
	v.SetDefault("worker.sweep_interval", "5s")
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.send_timeout", "20s")

	v.SetDefault("mail.driver", "log")
	v.SetDefault("mail.host", "localhost")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.from", "notifyqueue@localhost")
	v.SetDefault("mail.rate_per_second", 0)
	v.SetDefault("mail.burst", 1)
	v.SetDefault("mail.user_mail.to", "")
	v.SetDefault("mail.user_mail.subject", "Welcome")
	v.SetDefault("mail.user_mail.body", "Your account is ready.")

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.prefix", "notifyqueue")
	v.SetDefault("events.buffer", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load builds a Config. path may be empty; a named file that cannot be read is
// an error. A missing .env file is not.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return decode(v)
}

// FromBytes builds a Config from an in-memory document of the given viper
// type (yaml, json, toml). Environment overrides still apply.
func FromBytes(configType string, data []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configType, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	invalid := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s %s", ErrInvalid, key, fmt.Sprintf(format, args...)))
	}

	switch c.Queue.Backend {
	case "memory", "file", "postgres", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownBackend, c.Queue.Backend))
	}
	if c.Queue.Backend == "postgres" && c.Queue.Postgres.DSN == "" {
		invalid("queue.postgres.dsn", "is required for the postgres backend")
	}
	if c.Queue.Backend == "file" && c.Queue.FilePath == "" {
		invalid("queue.file_path", "is required for the file backend")
	}
	if c.Queue.Capacity < 0 {
		invalid("queue.capacity", "must be >= 0, got %d", c.Queue.Capacity)
	}

	switch c.Mail.Driver {
	case "smtp":
		if c.Mail.Host == "" || c.Mail.Port <= 0 {
			invalid("mail.host", "and mail.port are required for the smtp driver")
		}
	case "log":
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownMailDriver, c.Mail.Driver))
	}

	if c.Worker.Count < 1 {
		invalid("worker.count", "must be >= 1, got %d", c.Worker.Count)
	}
	if c.Worker.MaxAttempts < 1 {
		invalid("worker.max_attempts", "must be >= 1, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.BaseDelay < 0 || c.Worker.MaxDelay < 0 {
		invalid("worker.base_delay", "and worker.max_delay must not be negative")
	}
	if c.Worker.MaxDelay > 0 && c.Worker.MaxDelay < c.Worker.BaseDelay {
		invalid("worker.max_delay", "%s is below worker.base_delay %s", c.Worker.MaxDelay, c.Worker.BaseDelay)
	}
	if c.Worker.LeaseTimeout <= 0 {
		invalid("worker.lease_timeout", "must be positive")
	}
	// An unbounded send could outlive its lease and be delivered twice.
	if c.Worker.SendTimeout <= 0 {
		invalid("worker.send_timeout", "must be positive")
	} else if c.Worker.SendTimeout >= c.Worker.LeaseTimeout {
		invalid("worker.send_timeout", "%s must be below worker.lease_timeout %s", c.Worker.SendTimeout, c.Worker.LeaseTimeout)
	}

	return errors.Join(errs...)
}
