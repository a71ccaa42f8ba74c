package main

import (
	"fmt"
	"time"

	"github.com/Sternrassler/alertfeed/pkg/feed"
	"github.com/Sternrassler/alertfeed/pkg/logging"
	"github.com/Sternrassler/alertfeed/pkg/pagination"
	"github.com/Sternrassler/alertfeed/pkg/poll"
	"github.com/Sternrassler/alertfeed/pkg/token"
	"github.com/caarlos0/env/v11"
)

// Config is the proxy configuration, read from the environment.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	BaseURL      string `env:"ALERTFEED_BASE_URL,required"`
	RoutePrefix  string `env:"ALERTFEED_ROUTE_PREFIX" envDefault:"firstalert"`
	ClientID     string `env:"ALERTFEED_CLIENT_ID"`
	ClientSecret string `env:"ALERTFEED_CLIENT_SECRET"`
	UserAgent    string `env:"ALERTFEED_USER_AGENT" envDefault:"alertfeed-proxy/1.0"`

	CacheCapacity int           `env:"ALERTFEED_CACHE_CAPACITY" envDefault:"1000"`
	PageSize      int           `env:"ALERTFEED_PAGE_SIZE" envDefault:"40"`
	Timeout       time.Duration `env:"ALERTFEED_TIMEOUT" envDefault:"30s"`
	MaxRetries    int           `env:"ALERTFEED_MAX_RETRIES" envDefault:"3"`

	PollOnStart    bool          `env:"ALERTFEED_POLL_ON_START" envDefault:"true"`
	PollInterval   time.Duration `env:"ALERTFEED_POLL_INTERVAL" envDefault:"1m"`
	BootstrapCount int           `env:"ALERTFEED_BOOTSTRAP_COUNT" envDefault:"10"`
	Lists          []string      `env:"ALERTFEED_LISTS" envSeparator:","`

	SearchConcurrency int           `env:"ALERTFEED_SEARCH_CONCURRENCY" envDefault:"3"`
	SearchDelay       time.Duration `env:"ALERTFEED_SEARCH_DELAY" envDefault:"1s"`

	// RedisAddr enables the shared token cache and quota mirror.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// NATSURL enables publishing of newly ingested alerts.
	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"alertfeed.alerts"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// loadConfig parses the configuration. A nil environ reads the process
// environment.
func loadConfig(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PageSize <= 0 || c.PageSize > pagination.MaxPageSize {
		return fmt.Errorf("ALERTFEED_PAGE_SIZE must be between 1 and %d (got %d)", pagination.MaxPageSize, c.PageSize)
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("ALERTFEED_CACHE_CAPACITY must be > 0 (got %d)", c.CacheCapacity)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("ALERTFEED_MAX_RETRIES must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.PollInterval < poll.MinInterval {
		return fmt.Errorf("ALERTFEED_POLL_INTERVAL must be at least %s (got %s)", poll.MinInterval, c.PollInterval)
	}
	return nil
}

func (c Config) credential() token.Credential {
	return token.Credential{ClientID: c.ClientID, ClientSecret: c.ClientSecret}
}

// feedConfig maps the proxy configuration onto the service configuration.
// Redis, the sink and the logger are wired by the caller.
func (c Config) feedConfig() feed.Config {
	cfg := feed.DefaultConfig(c.BaseURL, c.credential())
	cfg.RoutePrefix = c.RoutePrefix
	cfg.CacheCapacity = c.CacheCapacity
	cfg.PageSize = c.PageSize
	cfg.Timeout = c.Timeout
	cfg.UserAgent = c.UserAgent
	cfg.Retry.MaxRetries = c.MaxRetries
	cfg.Batch.MaxConcurrent = c.SearchConcurrency
	cfg.Batch.Delay = c.SearchDelay
	return cfg
}

func (c Config) pollOptions() feed.PollOptions {
	return feed.PollOptions{
		Interval:       c.PollInterval,
		BootstrapCount: c.BootstrapCount,
		Lists:          c.Lists,
		PageSize:       c.PageSize,
	}
}

func (c Config) logConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	return cfg
}
