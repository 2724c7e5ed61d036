// Package config loads service settings from an optional YAML file and
// BRANCHGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env string `mapstructure:"env"`

	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		SecureCookies   bool          `mapstructure:"secure_cookies"`
		// TrustedProxies lists peers (CIDR or address) whose X-Forwarded-For is believed.
		TrustedProxies []string `mapstructure:"trusted_proxies"`
	} `mapstructure:"http"`

	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`

	Postgres struct {
		DSN          string `mapstructure:"dsn"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
	} `mapstructure:"postgres"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Auth struct {
		TokenSecret      string        `mapstructure:"token_secret"`
		PersonalTokenTTL time.Duration `mapstructure:"personal_token_ttl"`
		SessionTTL       time.Duration `mapstructure:"session_ttl"`
		RememberTTL      time.Duration `mapstructure:"remember_ttl"`
		TrustedDeviceTTL time.Duration `mapstructure:"trusted_device_ttl"`
	} `mapstructure:"auth"`

	TwoFactor struct {
		Enabled  bool   `mapstructure:"enabled"`
		Required bool   `mapstructure:"required"`
		Issuer   string `mapstructure:"issuer"`
	} `mapstructure:"twofactor"`

	Modules struct {
		FailOpenWithoutSchema bool `mapstructure:"fail_open_without_schema"`
	} `mapstructure:"modules"`

	CORS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"cors"`

	RateLimit struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"ratelimit"`

	Audit struct {
		KafkaBrokers []string `mapstructure:"kafka_brokers"`
		KafkaTopic   string   `mapstructure:"kafka_topic"`
	} `mapstructure:"audit"`

	Telemetry struct {
		LogLevel     string `mapstructure:"log_level"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
		OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	} `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.secure_cookies", false)
	v.SetDefault("http.trusted_proxies", []string{})

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 10)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.personal_token_ttl", "720h")
	v.SetDefault("auth.session_ttl", "12h")
	v.SetDefault("auth.remember_ttl", "720h")
	v.SetDefault("auth.trusted_device_ttl", "720h")

	v.SetDefault("twofactor.enabled", true)
	v.SetDefault("twofactor.required", false)
	v.SetDefault("twofactor.issuer", "branchgate")

	v.SetDefault("modules.fail_open_without_schema", false)

	v.SetDefault("cors.allowed_origins", []string{})

	v.SetDefault("ratelimit.rps", 20.0)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("audit.kafka_brokers", []string{})
	v.SetDefault("audit.kafka_topic", "branchgate.audit")

	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
}

// Load reads path (optional; empty means defaults plus environment).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BRANCHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Production reports whether the service runs in production.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if s := c.Auth.TokenSecret; s != "" && len(s) < 32 {
		errs = append(errs, errors.New("auth.token_secret must be at least 32 bytes"))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("auth.session_ttl must be positive"))
	}
	if c.TwoFactor.Required && !c.TwoFactor.Enabled {
		errs = append(errs, errors.New("twofactor.required needs twofactor.enabled"))
	}
	if c.Production() && c.Modules.FailOpenWithoutSchema {
		errs = append(errs, errors.New("modules.fail_open_without_schema is not allowed in production"))
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("ratelimit.rps and ratelimit.burst must be positive"))
	}
	for _, p := range c.HTTP.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("http.trusted_proxies: %q is neither an address nor a CIDR", p))
		}
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		errs = append(errs, errors.New("audit.kafka_topic is required with kafka brokers"))
	}
	return errors.Join(errs...)
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
