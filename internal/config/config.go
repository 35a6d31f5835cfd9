package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "CHAT"

	defaultHTTPAddress       = "0.0.0.0:8083"
	defaultGRPCAddress       = "0.0.0.0:9083"
	defaultLogLevel          = "info"
	defaultAuditExchange     = "audit.events"
	defaultBroadcastExchange = "chat.broadcast"
	defaultAuthIssuer        = "chat-delivery"
	defaultRateLimit         = 10
	defaultRateWindow        = 60 * time.Second
	defaultUnreadTTL         = 30 * time.Second
	defaultMaxAttempts       = 5
	defaultCatchUpBatch      = 100
	defaultCatchUpMax        = 500
	defaultWorkers           = 64
	defaultEnvironment       = "development"
	defaultReplacement       = "*"
)

// AppConfig captures runtime configuration for the delivery service.
type AppConfig struct {
	HTTPAddress       string
	GRPCAddress       string
	DatabaseDSN       string
	RedisAddress      string
	AMQPURL           string
	AuditExchange     string
	BroadcastExchange string
	SigningSecret     string
	AuthIssuer        string
	LogLevel          string
	RateLimit         int
	RateWindow        time.Duration
	UnreadTTL         time.Duration
	MaxAttempts       int
	CatchUpBatch      int
	CatchUpMax        int
	Workers           int
	TracingEndpoint   string
	Environment       string
	CensoredWords     []string
	Replacement       string
	DebugEnabled      bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on v.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", defaultHTTPAddress)
	v.SetDefault("grpc.address", defaultGRPCAddress)
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.audit_exchange", defaultAuditExchange)
	v.SetDefault("amqp.broadcast_exchange", defaultBroadcastExchange)
	v.SetDefault("auth.signing_secret", "")
	v.SetDefault("auth.issuer", defaultAuthIssuer)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("ratelimit.limit", defaultRateLimit)
	v.SetDefault("ratelimit.window", defaultRateWindow)
	v.SetDefault("notifications.unread_ttl", defaultUnreadTTL)
	v.SetDefault("delivery.max_attempts", defaultMaxAttempts)
	v.SetDefault("catchup.batch_size", defaultCatchUpBatch)
	v.SetDefault("catchup.max_messages", defaultCatchUpMax)
	v.SetDefault("workers.size", defaultWorkers)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("service.environment", defaultEnvironment)
	v.SetDefault("moderation.censored_words", []string{})
	v.SetDefault("moderation.replacement", defaultReplacement)
	v.SetDefault("debug.enabled", false)
}

// Load parses runtime configuration from v.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       v.GetString("http.address"),
		GRPCAddress:       v.GetString("grpc.address"),
		DatabaseDSN:       v.GetString("database.dsn"),
		RedisAddress:      v.GetString("redis.address"),
		AMQPURL:           v.GetString("amqp.url"),
		AuditExchange:     v.GetString("amqp.audit_exchange"),
		BroadcastExchange: v.GetString("amqp.broadcast_exchange"),
		SigningSecret:     v.GetString("auth.signing_secret"),
		AuthIssuer:        v.GetString("auth.issuer"),
		LogLevel:          v.GetString("log.level"),
		RateLimit:         v.GetInt("ratelimit.limit"),
		RateWindow:        v.GetDuration("ratelimit.window"),
		UnreadTTL:         v.GetDuration("notifications.unread_ttl"),
		MaxAttempts:       v.GetInt("delivery.max_attempts"),
		CatchUpBatch:      v.GetInt("catchup.batch_size"),
		CatchUpMax:        v.GetInt("catchup.max_messages"),
		Workers:           v.GetInt("workers.size"),
		TracingEndpoint:   v.GetString("tracing.endpoint"),
		Environment:       v.GetString("service.environment"),
		CensoredWords:     splitList(v.GetStringSlice("moderation.censored_words")),
		Replacement:       v.GetString("moderation.replacement"),
		DebugEnabled:      v.GetBool("debug.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// ReplacementRune returns the first rune of the masking replacement.
func (c AppConfig) ReplacementRune() rune {
	for _, r := range c.Replacement {
		return r
	}
	return '*'
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("ratelimit.limit must be positive")
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.max_attempts must be positive")
	}
	if c.CatchUpBatch <= 0 || c.CatchUpMax < c.CatchUpBatch {
		return fmt.Errorf("catchup.batch_size must be positive and not above catchup.max_messages")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers.size must be positive")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
