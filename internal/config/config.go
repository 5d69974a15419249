package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type HTTPConfig struct {
	Port            string        `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// SourceConfig names one bulk listing endpoint.
type SourceConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type FeedConfig struct {
	// Sources is "name=url;name=url". Declaration order decides which
	// source wins a duplicate id.
	Sources     string        `yaml:"sources" env:"FEED_SOURCES"`
	Timeout     time.Duration `yaml:"timeout" env:"FEED_TIMEOUT" env-default:"10s"`
	Retries     int           `yaml:"retries" env:"FEED_RETRIES" env-default:"2"`
	RetryDelay  time.Duration `yaml:"retry_delay" env:"FEED_RETRY_DELAY" env-default:"200ms"`
	ListingPath string        `yaml:"listing_path" env:"FEED_LISTING_PATH" env-default:"/api/listings"`
}

type PushConfig struct {
	Transport         string  `yaml:"transport" env:"PUSH_TRANSPORT" env-default:"websocket"`
	HubURL            string  `yaml:"hub_url" env:"PUSH_HUB_URL"`
	NATSURL           string  `yaml:"nats_url" env:"NATS_URL" env-default:"nats://localhost:4222"`
	SubjectPrefix     string  `yaml:"subject_prefix" env:"PUSH_SUBJECT_PREFIX" env-default:"marketplace"`
	Schedule          string  `yaml:"schedule" env:"PUSH_SCHEDULE" env-default:"0s,0s,0s,3s,5s,10s"`
	CeilingAlertAfter int     `yaml:"ceiling_alert_after" env:"PUSH_CEILING_ALERT_AFTER" env-default:"5"`
	ResyncOnReconnect bool    `yaml:"resync_on_reconnect" env:"PUSH_RESYNC_ON_RECONNECT" env-default:"true"`
	PublishRate       float64 `yaml:"publish_rate" env:"PUSH_PUBLISH_RATE" env-default:"20"`
}

type BidsConfig struct {
	BaseURL        string        `yaml:"base_url" env:"BIDS_BASE_URL"`
	BidderID       string        `yaml:"bidder_id" env:"BIDS_BIDDER_ID"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" env:"BIDS_CONFIRM_TIMEOUT" env-default:"10s"`
	RatePerMinute  int           `yaml:"rate_per_minute" env:"BIDS_RATE_PER_MINUTE" env-default:"30"`
}

type JournalConfig struct {
	// DatabaseURL selects the Postgres journal; empty keeps it in memory.
	DatabaseURL string `yaml:"database_url" env:"JOURNAL_DATABASE_URL"`
	Capacity    int    `yaml:"capacity" env:"JOURNAL_CAPACITY" env-default:"10000"`
}

type LoggerConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Encoding   string `yaml:"encoding" env:"LOG_ENCODING" env-default:"json"`
	TimeFormat string `yaml:"time_format" env:"LOG_TIME_FORMAT" env-default:"2006-01-02T15:04:05.000Z07:00"`
}

type TracingConfig struct {
	// Endpoint is an OTLP/HTTP collector host:port; empty disables export.
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"marketsync"`
}

type Config struct {
	Env        string        `yaml:"env" env:"ENV" env-default:"local"`
	APIBaseURL string        `yaml:"api_base_url" env:"API_BASE_URL" env-default:"http://localhost:5000"`
	HTTP       HTTPConfig    `yaml:"http"`
	Feed       FeedConfig    `yaml:"feed"`
	Push       PushConfig    `yaml:"push"`
	Bids       BidsConfig    `yaml:"bids"`
	Journal    JournalConfig `yaml:"journal"`
	Logger     LoggerConfig  `yaml:"logger"`
	Tracing    TracingConfig `yaml:"tracing"`
}

// LoadConfig reads path (when present) and the environment, then fills the
// URLs that derive from APIBaseURL.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, err
		}
		return cfg.finish()
	}

	err := cleanenv.ReadConfig(path, &cfg)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, err
		}
		log.Printf("Warning: Config file not found at %s, attempting to load from environment variables only.", path)
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, err
		}
	}
	return cfg.finish()
}

func MustLoad() *Config {
	configPath := os.Getenv("MARKETSYNC_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	return cfg
}

func (c *Config) finish() (*Config, error) {
	base := strings.TrimRight(c.APIBaseURL, "/")
	if c.Push.HubURL == "" {
		c.Push.HubURL = base + "/hub/marketplace"
	}
	if c.Bids.BaseURL == "" {
		c.Bids.BaseURL = base
	}
	if c.Feed.Sources == "" {
		path := "/" + strings.Trim(c.Feed.ListingPath, "/")
		c.Feed.Sources = fmt.Sprintf("local=%s%s;external=%s%s/external", base, path, base, path)
	}
	if _, err := c.FeedSources(); err != nil {
		return nil, err
	}
	switch c.Push.Transport {
	case "websocket", "nats", "memory":
	default:
		return nil, fmt.Errorf("config: unknown push transport %q", c.Push.Transport)
	}
	return c, nil
}

// FeedSources parses Feed.Sources in declaration order.
func (c *Config) FeedSources() ([]SourceConfig, error) {
	return ParseSources(c.Feed.Sources)
}

// ParseSources parses "name=url;name=url". An entry without a name is
// named after its position.
func ParseSources(s string) ([]SourceConfig, error) {
	var out []SourceConfig
	seen := make(map[string]bool)
	for i, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		if !ok {
			name, url = fmt.Sprintf("source%d", i+1), part
		}
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if url == "" {
			return nil, fmt.Errorf("config: feed source %q has no url", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("config: duplicate feed source %q", name)
		}
		seen[name] = true
		out = append(out, SourceConfig{Name: name, URL: url})
	}
	if len(out) == 0 {
		return nil, errors.New("config: no feed sources")
	}
	return out, nil
}
