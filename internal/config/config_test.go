package config

import (
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/webhook"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		expected     string
	}{
		{name: "returns environment variable when set", key: "HR_TEST_KEY_1", defaultValue: "default", envValue: "env_value", expected: "env_value"},
		{name: "returns default when environment variable is empty", key: "HR_TEST_KEY_2", defaultValue: "default", envValue: "", expected: "default"},
		{name: "handles empty default value", key: "HR_TEST_KEY_3", defaultValue: "", envValue: "env_value", expected: "env_value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.envValue)
			if result := getenv(tt.key, tt.defaultValue); result != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetenvInt(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      int
		expected int
	}{
		{name: "valid integer", envValue: "42", def: 10, expected: 42},
		{name: "negative integer", envValue: "-5", def: 10, expected: -5},
		{name: "invalid integer falls back", envValue: "not_a_number", def: 10, expected: 10},
		{name: "float falls back", envValue: "3.14", def: 10, expected: 10},
		{name: "empty falls back", envValue: "", def: 10, expected: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HR_TEST_INT", tt.envValue)
			if result := getenvInt("HR_TEST_INT", tt.def); result != tt.expected {
				t.Errorf("getenvInt() = %d, want %d", result, tt.expected)
			}
		})
	}
}

func TestGetenvBool(t *testing.T) {
	tests := []struct {
		envValue string
		def      bool
		expected bool
	}{
		{envValue: "true", def: false, expected: true},
		{envValue: "1", def: false, expected: true},
		{envValue: "false", def: true, expected: false},
		{envValue: "yes", def: true, expected: true},
		{envValue: "", def: true, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv("HR_TEST_BOOL", tt.envValue)
			if result := getenvBool("HR_TEST_BOOL", tt.def); result != tt.expected {
				t.Errorf("getenvBool(%q) = %v, want %v", tt.envValue, result, tt.expected)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		envValue string
		expected time.Duration
	}{
		{envValue: "30s", expected: 30 * time.Second},
		{envValue: "72h", expected: 72 * time.Hour},
		{envValue: "soon", expected: time.Minute},
		{envValue: "", expected: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv("HR_TEST_DURATION", tt.envValue)
			if result := getenvDuration("HR_TEST_DURATION", time.Minute); result != tt.expected {
				t.Errorf("getenvDuration(%q) = %v, want %v", tt.envValue, result, tt.expected)
			}
		})
	}
}

func TestWithColon(t *testing.T) {
	tests := map[string]string{
		"8080":         ":8080",
		":8080":        ":8080",
		"0.0.0.0:8080": "0.0.0.0:8080",
		"":             "",
	}
	for in, want := range tests {
		if got := withColon(in); got != want {
			t.Errorf("withColon(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"APP_NAME", "ENVIRONMENT", "HTTP_PORT", "GRPC_PORT", "METRICS_PORT", "STORE_DRIVER",
		"DB_USER", "DB_PASS", "DB_HOST", "DB_PORT", "DB_NAME",
		"NSQ_ENABLED", "NSQD_TCP_ADDR", "NSQ_EVENTS_TOPIC", "NSQ_DISPATCH_CHANNEL",
		"REDIS_URL", "MAX_ATTEMPTS", "RETRY_WINDOW", "WEBHOOK_TIMEOUT", "RESPONSE_BODY_LIMIT",
		"CLAIM_LEASE", "RECONCILE_BATCH", "WEBHOOK_MODE", "AUTH_ENABLED",
		"DB_AUTO_MIGRATE", "DB_CONNECT_RETRIES", "DB_CONNECT_DELAY",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"AppName", cfg.AppName, "harborrelay"},
		{"Environment", cfg.Environment, "development"},
		{"HTTPPort", cfg.HTTPPort, ":8080"},
		{"GRPCPort", cfg.GRPCPort, ":50051"},
		{"MetricsPort", cfg.MetricsPort, ":8083"},
		{"DB.Driver", cfg.DB.Driver, "postgres"},
		{"DB.Name", cfg.DB.Name, "harborrelay"},
		{"DB.AutoMigrate", cfg.DB.AutoMigrate, true},
		{"DB.ConnectRetries", cfg.DB.ConnectRetries, 10},
		{"DB.ConnectDelay", cfg.DB.ConnectDelay, 2 * time.Second},
		{"NSQ.Enabled", cfg.NSQ.Enabled, true},
		{"NSQ.EventsTopic", cfg.NSQ.EventsTopic, "events"},
		{"NSQ.DispatchChannel", cfg.NSQ.DispatchChannel, "dispatchers"},
		{"Redis.URL", cfg.Redis.URL, ""},
		{"Webhook.MaxAttempts", cfg.Webhook.MaxAttempts, 3},
		{"Webhook.RetryWindow", cfg.Webhook.RetryWindow, 72 * time.Hour},
		{"Webhook.Timeout", cfg.Webhook.Timeout, 10 * time.Second},
		{"Webhook.ResponseBodyLimit", cfg.Webhook.ResponseBodyLimit, 2000},
		{"Webhook.ReconcileBatch", cfg.Webhook.ReconcileBatch, 500},
		{"Webhook.Mode", cfg.Webhook.Mode, "auto"},
		{"Auth.Enabled", cfg.Auth.Enabled, true},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("FromEnv().%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_WINDOW", "24h")
	t.Setenv("REDIS_URL", "redis://redis:6379/0")
	t.Setenv("ENVIRONMENT", "Production")

	cfg := FromEnv()

	if cfg.HTTPPort != ":9000" {
		t.Errorf("HTTPPort = %q, want %q", cfg.HTTPPort, ":9000")
	}
	if cfg.DB.Driver != "memory" {
		t.Errorf("DB.Driver = %q, want %q", cfg.DB.Driver, "memory")
	}
	if cfg.Webhook.MaxAttempts != 5 {
		t.Errorf("Webhook.MaxAttempts = %d, want 5", cfg.Webhook.MaxAttempts)
	}
	if cfg.Webhook.RetryWindow != 24*time.Hour {
		t.Errorf("Webhook.RetryWindow = %v, want 24h", cfg.Webhook.RetryWindow)
	}
	if cfg.Redis.URL != "redis://redis:6379/0" {
		t.Errorf("Redis.URL = %q", cfg.Redis.URL)
	}
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q, want production", cfg.Environment)
	}
}

func TestDSN(t *testing.T) {
	cfg := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "5433", Name: "n"}}
	want := "postgres://u:p@h:5433/n?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestSimulationMode(t *testing.T) {
	tests := []struct {
		env  string
		mode string
		want bool
	}{
		{env: "production", mode: "auto", want: false},
		{env: "prod", mode: "auto", want: false},
		{env: "staging", mode: "auto", want: true},
		{env: "development", mode: "auto", want: true},
		{env: "development", mode: "live", want: false},
		{env: "production", mode: "simulate", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.env+"/"+tt.mode, func(t *testing.T) {
			cfg := Config{Environment: tt.env, Webhook: Webhook{Mode: tt.mode}}
			if got := cfg.SimulationMode(); got != tt.want {
				t.Errorf("SimulationMode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy(t *testing.T) {
	cfg := Config{Webhook: Webhook{MaxAttempts: 4, RetryWindow: time.Hour}}
	p := cfg.Policy()

	if p.MaxAttempts != 4 || p.RetryWindow != time.Hour {
		t.Errorf("Policy() = %+v", p)
	}
	if p.Timeout != webhook.DefaultTimeout {
		t.Errorf("Policy().Timeout = %v, want default %v", p.Timeout, webhook.DefaultTimeout)
	}
	if p.ClaimLease != webhook.DefaultClaimLease {
		t.Errorf("Policy().ClaimLease = %v, want default %v", p.ClaimLease, webhook.DefaultClaimLease)
	}
}
