package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func setRequiredAuth(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH0_DOMAIN", "tenant.example.auth0.com")
	t.Setenv("AUTH0_AUDIENCE", "https://api.xvpn.example")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredAuth(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RateLimit.Window.Duration != 60*time.Second {
		t.Errorf("window = %v, want 60s", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.MaxRequests != 100 {
		t.Errorf("max requests = %d, want 100", cfg.RateLimit.MaxRequests)
	}
	if cfg.Audit.Retention.Duration != 30*24*time.Hour {
		t.Errorf("retention = %v, want 720h", cfg.Audit.Retention)
	}
	if cfg.Proxy.UserAgent != "xvpn-proxy/1.0" {
		t.Errorf("user agent = %q", cfg.Proxy.UserAgent)
	}
	if len(cfg.Proxy.AllowedDomains) != 0 {
		t.Errorf("allowed domains = %v, want empty", cfg.Proxy.AllowedDomains)
	}
	if got := cfg.Auth.IssuerURL(); got != "https://tenant.example.auth0.com/" {
		t.Errorf("IssuerURL() = %q", got)
	}
	if got := cfg.Auth.KeySetURL(); got != "https://tenant.example.auth0.com/.well-known/jwks.json" {
		t.Errorf("KeySetURL() = %q", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredAuth(t)
	t.Setenv("RATE_LIMIT_WINDOW_MS", "1500")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "7")
	t.Setenv("ALLOWED_PROXY_DOMAINS", " example.com, *.github.com ,,")
	t.Setenv("PROXY_TIMEOUT", "5s")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RateLimit.Window.Duration != 1500*time.Millisecond {
		t.Errorf("window = %v, want 1.5s", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.MaxRequests != 7 {
		t.Errorf("max requests = %d, want 7", cfg.RateLimit.MaxRequests)
	}
	want := []string{"example.com", "*.github.com"}
	if !reflect.DeepEqual(cfg.Proxy.AllowedDomains, want) {
		t.Errorf("allowed domains = %v, want %v", cfg.Proxy.AllowedDomains, want)
	}
	if cfg.Proxy.Timeout.Duration != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Proxy.Timeout)
	}
	if cfg.Redis.GetRedisAddr() != "localhost:6380" {
		t.Errorf("redis addr = %q", cfg.Redis.GetRedisAddr())
	}
}

func TestLoadJSONFileThenEnv(t *testing.T) {
	setRequiredAuth(t)
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "9")

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"rate_limit": {"window": "2m", "max_requests": 50, "algorithm": "fixed_window_kv"},
		"proxy": {"allowed_domains": ["a.example"], "timeout": 2500}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RateLimit.Window.Duration != 2*time.Minute {
		t.Errorf("window = %v, want 2m", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.MaxRequests != 9 {
		t.Errorf("env should override file: max requests = %d", cfg.RateLimit.MaxRequests)
	}
	if cfg.RateLimit.Algorithm != "fixed_window_kv" {
		t.Errorf("algorithm = %q", cfg.RateLimit.Algorithm)
	}
	if cfg.Proxy.Timeout.Duration != 2500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Proxy.Timeout)
	}
	if !reflect.DeepEqual(cfg.Proxy.AllowedDomains, []string{"a.example"}) {
		t.Errorf("allowed domains = %v", cfg.Proxy.AllowedDomains)
	}
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	setRequiredAuth(t)

	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing audience", map[string]string{"AUTH0_DOMAIN": "d.example", "AUTH0_AUDIENCE": ""}},
		{"missing domain", map[string]string{"AUTH0_DOMAIN": "", "AUTH0_AUDIENCE": "aud"}},
		{"bad window", map[string]string{"RATE_LIMIT_WINDOW_MS": "soon"}},
		{"zero max", map[string]string{"RATE_LIMIT_MAX_REQUESTS": "0"}},
		{"bad timeout", map[string]string{"PROXY_TIMEOUT": "30"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredAuth(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			if _, err := Load(""); err == nil {
				t.Fatal("Load() should fail")
			}
		})
	}
}

func TestLoadRejectsSubMillisecondWindow(t *testing.T) {
	setRequiredAuth(t)

	for _, window := range []string{`"500us"`, `"0s"`, `0`} {
		t.Run(window, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			body := `{"rate_limit": {"window": ` + window + `}}`
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatal(err)
			}

			if _, err := Load(path); err == nil {
				t.Fatalf("Load() accepted window %s", window)
			}
		})
	}

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"rate_limit": {"window": "1ms"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimit.Window.Duration != time.Millisecond {
		t.Errorf("window = %v, want 1ms", cfg.RateLimit.Window)
	}
}

func TestReadSkipsValidation(t *testing.T) {
	t.Setenv("AUTH0_DOMAIN", "")
	t.Setenv("AUTH0_AUDIENCE", "")
	t.Setenv("REDIS_HOST", "cache.internal")

	cfg, err := Read("")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.Redis.GetRedisAddr() != "cache.internal:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.GetRedisAddr())
	}
	if _, err := Load(""); err == nil {
		t.Error("Load() accepted a config without auth settings")
	}
}
