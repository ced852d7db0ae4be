package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Postgres PostgresConfig `koanf:"postgres"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	OCR      OCRConfig      `koanf:"ocr"`
	API      APIConfig      `koanf:"api"`
	Bot      BotConfig      `koanf:"bot"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type KafkaConfig struct {
	Brokers       []string   `koanf:"brokers"`
	ClientID      string     `koanf:"client_id"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
	GroupID       string     `koanf:"group_id"`
	ImageTopics   []string   `koanf:"image_topics"`
	CommandTopics []string   `koanf:"command_topics"`
	ReplyTopic    string     `koanf:"reply_topic"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// OCRConfig tunes the priority-scheduled execution engine. The defaults
// match the balanced mode; single_focused and bulk_heavy shift capacity
// toward interactive or batch work respectively.
type OCRConfig struct {
	Endpoint                string  `koanf:"endpoint"`
	Mode                    string  `koanf:"mode"`
	ExpressMaxConcurrent    int     `koanf:"express_max_concurrent"`
	StandardMaxConcurrent   int     `koanf:"standard_max_concurrent"`
	BackgroundMaxConcurrent int     `koanf:"background_max_concurrent"`
	PriorityBorrowing       bool    `koanf:"priority_borrowing"`
	BorrowingThreshold      float64 `koanf:"borrowing_threshold"`
	UsageAdaptation         bool    `koanf:"usage_adaptation"`
	UsageWindowMinutes      int     `koanf:"usage_window_minutes"`
	ModeSwitchThreshold     float64 `koanf:"mode_switch_threshold"`
	BulkThreshold           int     `koanf:"bulk_threshold"`
	RequestTimeoutSeconds   int     `koanf:"request_timeout_seconds"`
	MetricsIntervalSeconds  int     `koanf:"metrics_interval_seconds"`
}

type APIConfig struct {
	JWTSigningSecret  string   `koanf:"jwt_signing_secret"`
	SharedAPIKey      string   `koanf:"shared_api_key"`
	AllowedOrigins    []string `koanf:"allowed_origins"`
	PublicWebURL      string   `koanf:"public_web_url"`
	OAuthClientID     string   `koanf:"oauth_client_id"`
	OAuthClientSecret string   `koanf:"oauth_client_secret"`
	OAuthRedirectURI  string   `koanf:"oauth_redirect_uri"`
	SessionTTLHours   int      `koanf:"session_ttl_hours"`
	SweepIntervalMins int      `koanf:"sweep_interval_mins"`
}

type BotConfig struct {
	ChatToken       string `koanf:"chat_token"`
	WriteBatchSize  int    `koanf:"write_batch_size"`
	FlushIntervalMs int    `koanf:"flush_interval_ms"`
	MaxBulkImages   int    `koanf:"max_bulk_images"`
	ConfirmTTLMins  int    `koanf:"confirm_ttl_mins"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: MKW_POSTGRES__DSN -> postgres.dsn
	if err := k.Load(env.Provider("MKW_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MKW_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Defaults()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	cfg.Kafka.Brokers = splitCommas(cfg.Kafka.Brokers)
	cfg.Kafka.ImageTopics = splitCommas(cfg.Kafka.ImageTopics)
	cfg.Kafka.CommandTopics = splitCommas(cfg.Kafka.CommandTopics)
	cfg.API.AllowedOrigins = splitCommas(cfg.API.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Defaults returns a config populated with every tunable at its default.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "war-ingester-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Kafka: KafkaConfig{
			ClientID:      "war-ingester",
			GroupID:       "war-ingester-bot",
			ReplyTopic:    "chat.replies",
			FetchMaxBytes: 52428800,
		},
		OCR: OCRConfig{
			Mode:                    "balanced",
			ExpressMaxConcurrent:    4,
			StandardMaxConcurrent:   2,
			BackgroundMaxConcurrent: 1,
			PriorityBorrowing:       true,
			BorrowingThreshold:      0.8,
			UsageAdaptation:         true,
			UsageWindowMinutes:      60,
			ModeSwitchThreshold:     0.7,
			BulkThreshold:           10,
			RequestTimeoutSeconds:   60,
			MetricsIntervalSeconds:  60,
		},
		API: APIConfig{
			SessionTTLHours:   72,
			SweepIntervalMins: 15,
		},
		Bot: BotConfig{
			WriteBatchSize:  10,
			FlushIntervalMs: 500,
			MaxBulkImages:   100,
			ConfirmTTLMins:  10,
		},
	}
}

func splitCommas(in []string) []string {
	if len(in) == 1 && strings.Contains(in[0], ",") {
		parts := strings.Split(in[0], ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return in
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	switch c.OCR.Mode {
	case "balanced", "single_focused", "bulk_heavy":
	default:
		return fmt.Errorf("config: ocr.mode must be balanced, single_focused or bulk_heavy (got %q)", c.OCR.Mode)
	}
	if c.OCR.ExpressMaxConcurrent <= 0 {
		return fmt.Errorf("config: ocr.express_max_concurrent must be > 0 (got %d)", c.OCR.ExpressMaxConcurrent)
	}
	if c.OCR.StandardMaxConcurrent <= 0 {
		return fmt.Errorf("config: ocr.standard_max_concurrent must be > 0 (got %d)", c.OCR.StandardMaxConcurrent)
	}
	if c.OCR.BackgroundMaxConcurrent <= 0 {
		return fmt.Errorf("config: ocr.background_max_concurrent must be > 0 (got %d)", c.OCR.BackgroundMaxConcurrent)
	}
	if c.OCR.BorrowingThreshold < 0 || c.OCR.BorrowingThreshold > 1 {
		return fmt.Errorf("config: ocr.borrowing_threshold must be in [0,1] (got %g)", c.OCR.BorrowingThreshold)
	}
	if c.OCR.ModeSwitchThreshold <= 0 || c.OCR.ModeSwitchThreshold >= 1 {
		return fmt.Errorf("config: ocr.mode_switch_threshold must be in (0,1) (got %g)", c.OCR.ModeSwitchThreshold)
	}
	if c.OCR.BulkThreshold < 2 {
		return fmt.Errorf("config: ocr.bulk_threshold must be >= 2 (got %d)", c.OCR.BulkThreshold)
	}
	if c.OCR.UsageWindowMinutes <= 0 {
		return fmt.Errorf("config: ocr.usage_window_minutes must be > 0 (got %d)", c.OCR.UsageWindowMinutes)
	}
	if c.OCR.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("config: ocr.request_timeout_seconds must be > 0 (got %d)", c.OCR.RequestTimeoutSeconds)
	}
	if c.Bot.WriteBatchSize <= 0 {
		return fmt.Errorf("config: bot.write_batch_size must be > 0 (got %d)", c.Bot.WriteBatchSize)
	}
	if c.Bot.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: bot.flush_interval_ms must be > 0 (got %d)", c.Bot.FlushIntervalMs)
	}
	if c.Bot.MaxBulkImages <= 0 {
		return fmt.Errorf("config: bot.max_bulk_images must be > 0 (got %d)", c.Bot.MaxBulkImages)
	}
	if c.API.SweepIntervalMins <= 0 {
		return fmt.Errorf("config: api.sweep_interval_mins must be > 0 (got %d)", c.API.SweepIntervalMins)
	}
	return nil
}

// ValidateAPI checks the fields only the review API needs. The bot and
// migrate subcommands do not require them.
func (c *Config) ValidateAPI() error {
	if c.API.JWTSigningSecret == "" {
		return fmt.Errorf("config: api.jwt_signing_secret is required")
	}
	if c.API.SharedAPIKey == "" {
		return fmt.Errorf("config: api.shared_api_key is required")
	}
	if c.API.PublicWebURL == "" {
		return fmt.Errorf("config: api.public_web_url is required")
	}
	return nil
}

// ValidateBot checks the fields only the bot worker needs.
func (c *Config) ValidateBot() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("config: kafka.group_id is required")
	}
	if len(c.Kafka.ImageTopics) == 0 && len(c.Kafka.CommandTopics) == 0 {
		return fmt.Errorf("config: at least one of kafka.image_topics or kafka.command_topics is required")
	}
	if c.API.PublicWebURL == "" {
		return fmt.Errorf("config: api.public_web_url is required for session links")
	}
	if c.OCR.Endpoint == "" {
		return fmt.Errorf("config: ocr.endpoint is required")
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
