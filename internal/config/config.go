package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the service.
type Config struct {
	Server struct {
		HTTPAddr        string        `mapstructure:"http_addr"`
		GRPCAddr        string        `mapstructure:"grpc_addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
		// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For is believed.
		TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	} `mapstructure:"server"`

	Database struct {
		Driver string `mapstructure:"driver"` // "postgres" | "" (in-memory)
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Auth struct {
		SigningKey        string        `mapstructure:"signing_key"`
		Issuer            string        `mapstructure:"issuer"`
		Audience          string        `mapstructure:"audience"`
		AccessTTL         time.Duration `mapstructure:"access_ttl"`
		SessionTTL        time.Duration `mapstructure:"session_ttl"`
		ResetTokenTTL     time.Duration `mapstructure:"reset_token_ttl"`
		LockoutThreshold  int           `mapstructure:"lockout_threshold"`
		LockoutDuration   time.Duration `mapstructure:"lockout_duration"`
		PasswordMinLength int           `mapstructure:"password_min_length"`
		PasswordMaxAge    time.Duration `mapstructure:"password_max_age"`
		MFAIssuer         string        `mapstructure:"mfa_issuer"`
	} `mapstructure:"auth"`

	Events struct {
		Driver string `mapstructure:"driver"` // "nats" | "kafka" | "" (disabled)

		NATS struct {
			URL           string        `mapstructure:"url"`
			SubjectPrefix string        `mapstructure:"subject_prefix"`
			ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
		} `mapstructure:"nats"`

		Kafka struct {
			Brokers []string `mapstructure:"brokers"`
			Topic   string   `mapstructure:"topic"`
		} `mapstructure:"kafka"`
	} `mapstructure:"events"`

	Redis struct {
		Addr        string `mapstructure:"addr"` // empty disables the notification queue
		Password    string `mapstructure:"password"`
		DB          int    `mapstructure:"db"`
		PoolSize    int    `mapstructure:"pool_size"`
		NotifyQueue string `mapstructure:"notify_queue"`
	} `mapstructure:"redis"`

	Dispatch struct {
		Workers   int `mapstructure:"workers"`
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"dispatch"`

	RateLimit struct {
		Burst     int `mapstructure:"burst"`
		PerSecond int `mapstructure:"per_second"`
	} `mapstructure:"ratelimit"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // json|console
	} `mapstructure:"logs"`
}

// Load reads configuration from defaults, an optional YAML file and TENANTRY_* env vars.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("tenantry")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tenantry")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")

	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.issuer", "tenantry")
	v.SetDefault("auth.audience", "tenantry-platform")
	v.SetDefault("auth.access_ttl", time.Hour)
	v.SetDefault("auth.session_ttl", 7*24*time.Hour)
	v.SetDefault("auth.reset_token_ttl", time.Hour)
	v.SetDefault("auth.lockout_threshold", 5)
	v.SetDefault("auth.lockout_duration", 30*time.Minute)
	v.SetDefault("auth.password_min_length", 12)
	v.SetDefault("auth.password_max_age", 0)
	v.SetDefault("auth.mfa_issuer", "Tenantry")

	v.SetDefault("events.driver", "")
	v.SetDefault("events.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("events.nats.subject_prefix", "tenantry")
	v.SetDefault("events.nats.reconnect_wait", 500*time.Millisecond)
	v.SetDefault("events.kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("events.kafka.topic", "tenantry.user-events")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.notify_queue", "tenantry:notifications")

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 1024)

	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.per_second", 10)

	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "json")
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Auth.SigningKey) == "" {
		return errors.New("auth.signing_key must be set")
	}
	if len(c.Auth.SigningKey) < 32 {
		return errors.New("auth.signing_key must be at least 32 bytes")
	}
	switch c.Database.Driver {
	case "", "postgres":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn must be set for the postgres driver")
	}
	switch c.Events.Driver {
	case "", "nats", "kafka":
	default:
		return fmt.Errorf("events.driver %q is not supported", c.Events.Driver)
	}
	if c.Events.Driver == "kafka" && len(c.Events.Kafka.Brokers) == 0 {
		return errors.New("events.kafka.brokers must not be empty")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.SessionTTL <= 0 || c.Auth.ResetTokenTTL <= 0 {
		return errors.New("auth ttl values must be positive")
	}
	if c.Auth.LockoutThreshold <= 0 {
		return errors.New("auth.lockout_threshold must be positive")
	}
	if c.Dispatch.Workers <= 0 || c.Dispatch.QueueSize <= 0 {
		return errors.New("dispatch.workers and dispatch.queue_size must be positive")
	}
	return nil
}
