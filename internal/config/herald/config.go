package herald_config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/NordCoder/Herald/internal/obs"
	pg "github.com/NordCoder/Herald/internal/repository/postgres"
)

type App struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type Server struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

type OTEL struct {
	Enable       bool    `mapstructure:"enable"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

func (oc OTEL) AsOTELConfig() obs.OTELConfig {
	return obs.OTELConfig{
		Enable:      oc.Enable,
		Endpoint:    oc.OTLPEndpoint,
		ServiceName: oc.ServiceName,
		SampleRatio: oc.SampleRatio,
	}
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func (lc Log) AsLoggerConfig(app App) obs.LogConfig {
	return obs.LogConfig{
		Level:  lc.Level,
		Pretty: lc.Pretty,
		App:    app.Name,
		Env:    app.Env,
		Ver:    app.Version,
	}
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Storage struct {
	Driver string `mapstructure:"driver"`
}

type Kafka struct {
	Enabled           bool     `mapstructure:"enabled"`
	Brokers           []string `mapstructure:"brokers"`
	RequestsTopic     string   `mapstructure:"requests_topic"`
	EventsTopic       string   `mapstructure:"events_topic"`
	GroupID           string   `mapstructure:"group_id"`
	Partitions        int      `mapstructure:"partitions"`
	ReplicationFactor int      `mapstructure:"replication_factor"`
}

type Redis struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
}

type Outbox struct {
	Interval      time.Duration `mapstructure:"interval"`
	Batch         int           `mapstructure:"batch"`
	InProgressTTL time.Duration `mapstructure:"in_progress_ttl"`
}

type Scheduler struct {
	Enabled       bool          `mapstructure:"enabled"`
	Tick          time.Duration `mapstructure:"tick"`
	BatchLimit    int           `mapstructure:"batch_limit"`
	IncludeFailed bool          `mapstructure:"include_failed"`
}

// Channel holds the knobs every channel shares.
type Channel struct {
	Enabled         bool          `mapstructure:"enabled"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
	RetryJitter     time.Duration `mapstructure:"retry_jitter"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

type Endpoint struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

// Subscribed reports whether the endpoint wants the event; no filter means all events.
func (e Endpoint) Subscribed(event string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == event || ev == "*" {
			return true
		}
	}
	return false
}

type Webhook struct {
	Channel           `mapstructure:",squash"`
	RetryableStatuses []int      `mapstructure:"retryable_statuses"`
	Endpoints         []Endpoint `mapstructure:"endpoints"`
	SourceName        string     `mapstructure:"source_name"`
	SourceVersion     string     `mapstructure:"source_version"`
	InboundSecret     string     `mapstructure:"inbound_secret"`
	UserAgent         string     `mapstructure:"user_agent"`
}

type SMTP struct {
	Addr       string        `mapstructure:"addr"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	UseTLS     bool          `mapstructure:"use_tls"`
	Timeout    time.Duration `mapstructure:"timeout"`
	SubjPrefix string        `mapstructure:"subj_prefix"`
}

type Resend struct {
	APIKey string `mapstructure:"api_key"`
}

const (
	ProviderSMTP   = "smtp"
	ProviderResend = "resend"
)

type Email struct {
	Channel  `mapstructure:",squash"`
	Provider string `mapstructure:"provider"`
	From     string `mapstructure:"from"`
	SMTP     SMTP   `mapstructure:"smtp"`
	Resend   Resend `mapstructure:"resend"`
}

type Slack struct {
	Channel        `mapstructure:",squash"`
	WebhookURL     string `mapstructure:"webhook_url"`
	DefaultChannel string `mapstructure:"default_channel"`
}

type SMS struct {
	Channel    `mapstructure:",squash"`
	GatewayURL string `mapstructure:"gateway_url"`
	APIKey     string `mapstructure:"api_key"`
	From       string `mapstructure:"from"`
}

type InApp struct {
	Channel    `mapstructure:",squash"`
	MaxPerUser int           `mapstructure:"max_per_user"`
	SweepEvery time.Duration `mapstructure:"sweep_every"`
}

type Channels struct {
	Email   Email   `mapstructure:"email"`
	Webhook Webhook `mapstructure:"webhook"`
	Slack   Slack   `mapstructure:"slack"`
	SMS     SMS     `mapstructure:"sms"`
	InApp   InApp   `mapstructure:"in_app"`
}

type Config struct {
	App       App       `mapstructure:"app"`
	Server    Server    `mapstructure:"server"`
	Log       Log       `mapstructure:"log"`
	OTEL      OTEL      `mapstructure:"otel"`
	Storage   Storage   `mapstructure:"storage"`
	DB        pg.Config `mapstructure:"db"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Redis     Redis     `mapstructure:"redis"`
	Outbox    Outbox    `mapstructure:"outbox"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Channels  Channels  `mapstructure:"channels"`
}

type ErrConfig string

func (e ErrConfig) Error() string { return string(e) }

// Validate rejects configurations where an enabled channel cannot possibly deliver.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.DB.DSN == "" {
			return ErrConfig("storage: postgres driver needs db.dsn")
		}
	default:
		return ErrConfig(fmt.Sprintf("storage: unknown driver %q", c.Storage.Driver))
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return ErrConfig("kafka: enabled without brokers")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return ErrConfig("redis: enabled without addr")
	}

	ch := c.Channels
	if e := ch.Email; e.Enabled {
		if e.From == "" {
			return ErrConfig("channels.email: from address is required")
		}
		switch e.Provider {
		case ProviderSMTP:
			if e.SMTP.Addr == "" {
				return ErrConfig("channels.email: smtp.addr is required")
			}
		case ProviderResend:
			if e.Resend.APIKey == "" {
				return ErrConfig("channels.email: resend.api_key is required")
			}
		default:
			return ErrConfig(fmt.Sprintf("channels.email: unknown provider %q", e.Provider))
		}
	}
	if w := ch.Webhook; w.Enabled {
		for i, ep := range w.Endpoints {
			if err := validURL(ep.URL); err != nil {
				return ErrConfig(fmt.Sprintf("channels.webhook.endpoints[%d]: %v", i, err))
			}
		}
	}
	if s := ch.Slack; s.Enabled {
		if err := validURL(s.WebhookURL); err != nil {
			return ErrConfig(fmt.Sprintf("channels.slack.webhook_url: %v", err))
		}
	}
	if s := ch.SMS; s.Enabled {
		if err := validURL(s.GatewayURL); err != nil {
			return ErrConfig(fmt.Sprintf("channels.sms.gateway_url: %v", err))
		}
		if s.APIKey == "" {
			return ErrConfig("channels.sms: api_key is required")
		}
	}
	if a := ch.InApp; a.Enabled && a.MaxPerUser <= 0 {
		return ErrConfig("channels.in_app: max_per_user must be positive")
	}

	for name, cc := range map[string]Channel{
		"email": ch.Email.Channel, "webhook": ch.Webhook.Channel, "slack": ch.Slack.Channel,
		"sms": ch.SMS.Channel, "in_app": ch.InApp.Channel,
	} {
		if cc.MaxRetries < 0 {
			return ErrConfig(fmt.Sprintf("channels.%s: max_retries must not be negative", name))
		}
		if cc.Enabled && cc.Timeout <= 0 {
			return ErrConfig(fmt.Sprintf("channels.%s: timeout must be positive", name))
		}
	}
	return nil
}

func validURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be absolute http(s)", raw)
	}
	return nil
}
