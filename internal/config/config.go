package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Proxy     ProxyConfig     `json:"proxy"`
	Redis     RedisConfig     `json:"redis"`
	Database  DatabaseConfig  `json:"database"`
	Audit     AuditConfig     `json:"audit"`
	Log       LogConfig       `json:"log"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
	AdminAddr   string `json:"admin_addr"`
}

type AuthConfig struct {
	Domain             string   `json:"domain"`
	Audience           string   `json:"audience"`
	Issuer             string   `json:"issuer"`
	JWKSURL            string   `json:"jwks_url"`
	JWKSCacheTTL       Duration `json:"jwks_cache_ttl"`
	MinRefreshInterval Duration `json:"jwks_min_refresh_interval"`
	ClockSkew          Duration `json:"clock_skew"`
}

type RateLimitConfig struct {
	Window      Duration `json:"window"`
	MaxRequests int      `json:"max_requests"`
	Algorithm   string   `json:"algorithm"`
}

type ProxyConfig struct {
	AllowedDomains     []string `json:"allowed_domains"`
	Timeout            Duration `json:"timeout"`
	UserAgent          string   `json:"user_agent"`
	MaxRedirects       int      `json:"max_redirects"`
	BreakerMaxFailures int      `json:"breaker_max_failures"`
	BreakerTimeout     Duration `json:"breaker_timeout"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type DatabaseConfig struct {
	URL string `json:"-"`
}

type AuditConfig struct {
	Retention     Duration `json:"retention"`
	BufferSize    int      `json:"buffer_size"`
	BatchSize     int      `json:"batch_size"`
	FlushInterval Duration `json:"flush_interval"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func (r RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Issuer expected in the "iss" claim; the identity provider appends a trailing slash
func (a AuthConfig) IssuerURL() string {
	if a.Issuer != "" {
		return a.Issuer
	}
	return "https://" + a.Domain + "/"
}

func (a AuthConfig) KeySetURL() string {
	if a.JWKSURL != "" {
		return a.JWKSURL
	}
	return "https://" + a.Domain + "/.well-known/jwks.json"
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        "8080",
			Environment: "development",
			AdminAddr:   ":9090",
		},
		Auth: AuthConfig{
			JWKSCacheTTL:       Duration{time.Hour},
			MinRefreshInterval: Duration{30 * time.Second},
			ClockSkew:          Duration{30 * time.Second},
		},
		RateLimit: RateLimitConfig{
			Window:      Duration{60 * time.Second},
			MaxRequests: 100,
			Algorithm:   "fixed_window",
		},
		Proxy: ProxyConfig{
			Timeout:            Duration{30 * time.Second},
			UserAgent:          "xvpn-proxy/1.0",
			MaxRedirects:       10,
			BreakerMaxFailures: 5,
			BreakerTimeout:     Duration{30 * time.Second},
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Audit: AuditConfig{
			Retention:     Duration{30 * 24 * time.Hour},
			BufferSize:    1024,
			BatchSize:     100,
			FlushInterval: Duration{time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Loads configuration: .env file, then the optional JSON file at path, then environment overrides
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Read is Load without validation, for tools that only need the stores
func Read(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err == nil {
			if err := json.Unmarshal(file, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var err error

	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.Environment, "ENVIRONMENT")
	if v, ok := os.LookupEnv("ADMIN_ADDR"); ok {
		cfg.Server.AdminAddr = strings.TrimSpace(v)
	}

	setString(&cfg.Auth.Domain, "AUTH0_DOMAIN")
	setString(&cfg.Auth.Audience, "AUTH0_AUDIENCE")
	setString(&cfg.Auth.Issuer, "AUTH_ISSUER")
	setString(&cfg.Auth.JWKSURL, "AUTH_JWKS_URL")
	if err = setDuration(&cfg.Auth.JWKSCacheTTL, "AUTH_JWKS_CACHE_TTL"); err != nil {
		return err
	}
	if err = setDuration(&cfg.Auth.MinRefreshInterval, "AUTH_JWKS_MIN_REFRESH_INTERVAL"); err != nil {
		return err
	}
	if err = setDuration(&cfg.Auth.ClockSkew, "AUTH_CLOCK_SKEW"); err != nil {
		return err
	}

	if v := os.Getenv("RATE_LIMIT_WINDOW_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_WINDOW_MS: %w", err)
		}
		cfg.RateLimit.Window = Duration{time.Duration(ms) * time.Millisecond}
	}
	if err = setInt(&cfg.RateLimit.MaxRequests, "RATE_LIMIT_MAX_REQUESTS"); err != nil {
		return err
	}
	setString(&cfg.RateLimit.Algorithm, "RATE_LIMIT_ALGORITHM")

	if v, ok := os.LookupEnv("ALLOWED_PROXY_DOMAINS"); ok {
		cfg.Proxy.AllowedDomains = SplitList(v)
	}
	if err = setDuration(&cfg.Proxy.Timeout, "PROXY_TIMEOUT"); err != nil {
		return err
	}
	setString(&cfg.Proxy.UserAgent, "PROXY_USER_AGENT")
	if err = setInt(&cfg.Proxy.MaxRedirects, "PROXY_MAX_REDIRECTS"); err != nil {
		return err
	}
	if err = setInt(&cfg.Proxy.BreakerMaxFailures, "PROXY_BREAKER_MAX_FAILURES"); err != nil {
		return err
	}
	if err = setDuration(&cfg.Proxy.BreakerTimeout, "PROXY_BREAKER_TIMEOUT"); err != nil {
		return err
	}

	setString(&cfg.Redis.Host, "REDIS_HOST")
	if err = setInt(&cfg.Redis.Port, "REDIS_PORT"); err != nil {
		return err
	}
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	if err = setInt(&cfg.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}

	setString(&cfg.Database.URL, "DATABASE_URL")

	if err = setDuration(&cfg.Audit.Retention, "AUDIT_RETENTION"); err != nil {
		return err
	}
	if err = setInt(&cfg.Audit.BufferSize, "AUDIT_BUFFER_SIZE"); err != nil {
		return err
	}
	if err = setInt(&cfg.Audit.BatchSize, "AUDIT_BATCH_SIZE"); err != nil {
		return err
	}
	if err = setDuration(&cfg.Audit.FlushInterval, "AUDIT_FLUSH_INTERVAL"); err != nil {
		return err
	}

	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	return nil
}

func (c *Config) Validate() error {
	if c.Auth.Audience == "" {
		return errors.New("AUTH0_AUDIENCE is required")
	}
	if c.Auth.Domain == "" && (c.Auth.Issuer == "" || c.Auth.JWKSURL == "") {
		return errors.New("AUTH0_DOMAIN is required unless AUTH_ISSUER and AUTH_JWKS_URL are both set")
	}
	// the store expires windows with millisecond precision
	if c.RateLimit.Window.Duration < time.Millisecond {
		return errors.New("rate limit window must be at least 1ms")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return errors.New("RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	if c.Proxy.Timeout.Duration <= 0 {
		return errors.New("PROXY_TIMEOUT must be positive")
	}
	if c.Audit.Retention.Duration <= 0 {
		return errors.New("AUDIT_RETENTION must be positive")
	}
	if c.Audit.BufferSize <= 0 || c.Audit.BatchSize <= 0 {
		return errors.New("audit buffer and batch sizes must be positive")
	}
	return nil
}

// Splits a comma-separated list, dropping blanks
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	dst.Duration = d
	return nil
}
