package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for sharecal.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Model     ModelConfig     `mapstructure:"model"`
	Calendar  CalendarConfig  `mapstructure:"calendar"`
	Mail      MailConfig      `mapstructure:"mail"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Housekeep HousekeepConfig `mapstructure:"housekeeping"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	PublicURL     string        `mapstructure:"public_url"`
	BasicAuthUser string        `mapstructure:"basic_auth_user"`
	BasicAuthPass string        `mapstructure:"basic_auth_pass"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	RateBurst     int           `mapstructure:"rate_burst"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	Debug         bool          `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

type FetcherConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Screenshot   bool          `mapstructure:"screenshot"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Backoff      time.Duration `mapstructure:"backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	MaxTextChars int           `mapstructure:"max_text_chars"`
}

type CacheConfig struct {
	Backend   string        `mapstructure:"backend"` // sqlite | redis
	TTL       time.Duration `mapstructure:"ttl"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
}

type ModelConfig struct {
	Provider            string        `mapstructure:"provider"`
	BaseURL             string        `mapstructure:"base_url"`
	APIKey              string        `mapstructure:"api_key"`
	Name                string        `mapstructure:"name"`
	ReasoningEffort     string        `mapstructure:"reasoning_effort"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
}

type CalendarConfig struct {
	Method                 string `mapstructure:"method"`
	Timezone               string `mapstructure:"timezone"`
	ProdID                 string `mapstructure:"prod_id"`
	IncludeHTMLDescription bool   `mapstructure:"include_html_description"`
}

type MailConfig struct {
	Provider  string        `mapstructure:"provider"` // resend | smtp
	ResendKey string        `mapstructure:"resend_key"`
	ResendURL string        `mapstructure:"resend_url"`
	SMTPHost  string        `mapstructure:"smtp_host"`
	SMTPPort  int           `mapstructure:"smtp_port"`
	SMTPUser  string        `mapstructure:"smtp_user"`
	SMTPPass  string        `mapstructure:"smtp_pass"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RoutingConfig struct {
	FromEmail        string `mapstructure:"from_email"`
	ToTentativeEmail string `mapstructure:"to_tentative_email"`
	ToConfirmedEmail string `mapstructure:"to_confirmed_email"`
	Tentative        bool   `mapstructure:"tentative"`
	Multiday         bool   `mapstructure:"multiday"`
	ReviewFirst      bool   `mapstructure:"review_first"`
	Instructions     string `mapstructure:"instructions"`
}

type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
}

type IngestConfig struct {
	InboxDir string        `mapstructure:"inbox_dir"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type HousekeepConfig struct {
	CacheSweep        string `mapstructure:"cache_sweep"`
	ConfirmationPurge string `mapstructure:"confirmation_purge"`
	DrainSchedule     string `mapstructure:"drain_schedule"`
}

// Load reads defaults, an optional config file and SHARECAL_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sharecal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("SHARECAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.rate_per_minute", 60)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.shutdown_grace", "5s")
	v.SetDefault("server.basic_auth_user", "")
	v.SetDefault("server.basic_auth_pass", "")
	v.SetDefault("server.debug", false)

	v.SetDefault("database.path", "sharecal.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("fetcher.base_url", "http://localhost:3000")
	v.SetDefault("fetcher.timeout", "30s")
	v.SetDefault("fetcher.screenshot", false)
	v.SetDefault("fetcher.max_attempts", 3)
	v.SetDefault("fetcher.backoff", "1s")
	v.SetDefault("fetcher.max_backoff", "10s")
	v.SetDefault("fetcher.max_text_chars", 20000)

	v.SetDefault("cache.backend", "sqlite")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_db", 0)

	v.SetDefault("model.provider", "openai")
	v.SetDefault("model.base_url", "https://api.openai.com/v1")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.name", "gpt-4o-mini")
	v.SetDefault("model.reasoning_effort", "none")
	v.SetDefault("model.timeout", "60s")
	v.SetDefault("model.confidence_threshold", 0.7)

	v.SetDefault("calendar.method", "PUBLISH")
	v.SetDefault("calendar.timezone", "UTC")
	v.SetDefault("calendar.prod_id", "-//sharecal//EN")
	v.SetDefault("calendar.include_html_description", false)

	v.SetDefault("mail.provider", "resend")
	v.SetDefault("mail.resend_url", "https://api.resend.com/emails")
	v.SetDefault("mail.resend_key", "")
	v.SetDefault("mail.smtp_host", "")
	v.SetDefault("mail.smtp_port", 587)
	v.SetDefault("mail.smtp_user", "")
	v.SetDefault("mail.smtp_pass", "")
	v.SetDefault("mail.timeout", "15s")

	// Every key needs a default so Unmarshal sees its env override.
	v.SetDefault("routing.from_email", "")
	v.SetDefault("routing.to_tentative_email", "")
	v.SetDefault("routing.to_confirmed_email", "")
	v.SetDefault("routing.tentative", false)
	v.SetDefault("routing.multiday", false)
	v.SetDefault("routing.review_first", false)
	v.SetDefault("routing.instructions", "")

	v.SetDefault("queue.poll_interval", "30s")
	v.SetDefault("queue.job_timeout", "3m")

	v.SetDefault("ingest.inbox_dir", "inbox")
	v.SetDefault("ingest.watch", true)
	v.SetDefault("ingest.debounce", "250ms")

	v.SetDefault("housekeeping.cache_sweep", "@every 15m")
	v.SetDefault("housekeeping.confirmation_purge", "@every 1h")
	v.SetDefault("housekeeping.drain_schedule", "@every 5m")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Routing.FromEmail == "" {
		return fmt.Errorf("routing.from_email is required")
	}
	if c.Routing.ToTentativeEmail == "" || c.Routing.ToConfirmedEmail == "" {
		return fmt.Errorf("tentative and confirmed recipient addresses are required")
	}
	if c.Model.ConfidenceThreshold < 0 || c.Model.ConfidenceThreshold > 1 {
		return fmt.Errorf("model.confidence_threshold must be within [0,1]")
	}
	switch c.Cache.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Mail.Provider {
	case "resend":
		if c.Mail.ResendKey == "" {
			return fmt.Errorf("mail.resend_key is required for the resend provider")
		}
	case "smtp":
		if c.Mail.SMTPHost == "" {
			return fmt.Errorf("mail.smtp_host is required for the smtp provider")
		}
	default:
		return fmt.Errorf("unknown mail provider %q", c.Mail.Provider)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be greater than 0")
	}
	return nil
}
