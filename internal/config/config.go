package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/webhook"
)

type DB struct {
	User   string
	Pass   string
	Host   string
	Port   string
	Name   string
	Driver string // "postgres" or "memory"

	AutoMigrate    bool
	ConnectRetries int
	ConnectDelay   time.Duration
}

type NSQ struct {
	Enabled          bool
	NsqdTCPAddr      string // e.g. nsqd:4150
	NsqdHTTPAddr     string // e.g. nsqd:4151, used for stats polling
	LookupHTTPAddr   string // e.g. http://nsqlookupd:4161
	EventsTopic      string // NSQ topic for domain events awaiting dispatch
	DispatchChannel  string // NSQ channel name for dispatchers
	ExhaustedTopic   string // topic for exhausted-delivery notices
	MaxInFlight      int
	RequeueDelay     time.Duration // delay before a message is retried after a persistence failure
	StatsPollEvery   time.Duration
	PublishExhausted bool
}

type Redis struct {
	URL     string // empty disables the reconciler pass lock
	LockKey string
	LockTTL time.Duration // should outlast a full pass, see webhook.Policy.PassLease
}

type Webhook struct {
	MaxAttempts          int           // attempts per delivery, including the first
	RetryWindow          time.Duration // deliveries older than this are never retried
	Timeout              time.Duration // hard per-attempt HTTP timeout
	ResponseBodyLimit    int           // characters of response body kept on a delivery
	ClaimLease           time.Duration // how long a claimed delivery is hidden from other passes
	DispatchConcurrency  int
	ReconcileConcurrency int
	ReconcileBatch       int
	ReconcileInterval    time.Duration
	Mode                 string // auto, live or simulate
	UserAgent            string
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string
	JWKSURL      string // used when PublicKeyPEM is empty
	KeyID        string
	Issuer       string
	Audience     string
}

type Config struct {
	AppName     string
	Environment string // production, staging, development, test
	HTTPPort    string // :8080
	GRPCPort    string // :50051
	MetricsPort string // :8083, used by dispatcher and reconciler
	DB          DB
	NSQ         NSQ
	Redis       Redis
	Webhook     Webhook
	Auth        Auth
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// withColon normalizes a port value so both "8083" and ":8083" work.
func withColon(port string) string {
	if port == "" || strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func FromEnv() Config {
	return Config{
		AppName:     getenv("APP_NAME", "harborrelay"),
		Environment: strings.ToLower(getenv("ENVIRONMENT", "development")),
		HTTPPort:    withColon(getenv("HTTP_PORT", ":8080")),
		GRPCPort:    withColon(getenv("GRPC_PORT", ":50051")),
		MetricsPort: withColon(getenv("METRICS_PORT", ":8083")),
		DB: DB{
			User:   getenv("DB_USER", "postgres"),
			Pass:   getenv("DB_PASS", "postgres"),
			Host:   getenv("DB_HOST", "postgres"),
			Port:   getenv("DB_PORT", "5432"),
			Name:   getenv("DB_NAME", "harborrelay"),
			Driver: strings.ToLower(getenv("STORE_DRIVER", "postgres")),

			AutoMigrate:    getenvBool("DB_AUTO_MIGRATE", true),
			ConnectRetries: getenvInt("DB_CONNECT_RETRIES", 10),
			ConnectDelay:   getenvDuration("DB_CONNECT_DELAY", 2*time.Second),
		},
		NSQ: NSQ{
			Enabled:          getenvBool("NSQ_ENABLED", true),
			NsqdTCPAddr:      getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:     getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:   getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:      getenv("NSQ_EVENTS_TOPIC", "events"),
			DispatchChannel:  getenv("NSQ_DISPATCH_CHANNEL", "dispatchers"),
			ExhaustedTopic:   getenv("NSQ_EXHAUSTED_TOPIC", "deliveries_exhausted"),
			MaxInFlight:      getenvInt("NSQ_MAX_IN_FLIGHT", 200),
			RequeueDelay:     getenvDuration("NSQ_REQUEUE_DELAY", 5*time.Second),
			StatsPollEvery:   getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
			PublishExhausted: getenvBool("PUBLISH_EXHAUSTED", false),
		},
		Redis: Redis{
			URL:     getenv("REDIS_URL", ""),
			LockKey: getenv("RECONCILE_LOCK_KEY", "harborrelay:reconcile:lock"),
			LockTTL: getenvDuration("RECONCILE_LOCK_TTL", 15*time.Minute),
		},
		Webhook: Webhook{
			MaxAttempts:          getenvInt("MAX_ATTEMPTS", webhook.DefaultMaxAttempts),
			RetryWindow:          getenvDuration("RETRY_WINDOW", webhook.DefaultRetryWindow),
			Timeout:              getenvDuration("WEBHOOK_TIMEOUT", webhook.DefaultTimeout),
			ResponseBodyLimit:    getenvInt("RESPONSE_BODY_LIMIT", webhook.DefaultResponseBodyLimit),
			ClaimLease:           getenvDuration("CLAIM_LEASE", webhook.DefaultClaimLease),
			DispatchConcurrency:  getenvInt("DISPATCH_CONCURRENCY", 8),
			ReconcileConcurrency: getenvInt("RECONCILE_CONCURRENCY", 8),
			ReconcileBatch:       getenvInt("RECONCILE_BATCH", 500),
			ReconcileInterval:    getenvDuration("RECONCILE_INTERVAL", time.Minute),
			Mode:                 strings.ToLower(getenv("WEBHOOK_MODE", "auto")),
			UserAgent:            getenv("WEBHOOK_USER_AGENT", "harborrelay/1.0"),
		},
		Auth: Auth{
			Enabled:      getenvBool("AUTH_ENABLED", true),
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWKS_URL", ""),
			KeyID:        getenv("JWT_KEY_ID", ""),
			Issuer:       getenv("JWT_ISSUER", "harborrelay"),
			Audience:     getenv("JWT_AUDIENCE", "harborrelay-api"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// SimulationMode reports whether outbound webhooks should be fabricated
// instead of sent. In auto mode only production sends real requests.
func (c Config) SimulationMode() bool {
	switch c.Webhook.Mode {
	case "simulate":
		return true
	case "live":
		return false
	}
	return c.Environment != "production" && c.Environment != "prod"
}

// Policy returns the delivery policy shared by the attempter, dispatcher and reconciler.
func (c Config) Policy() webhook.Policy {
	return webhook.Policy{
		MaxAttempts:       c.Webhook.MaxAttempts,
		RetryWindow:       c.Webhook.RetryWindow,
		Timeout:           c.Webhook.Timeout,
		ResponseBodyLimit: c.Webhook.ResponseBodyLimit,
		ClaimLease:        c.Webhook.ClaimLease,
	}.Normalize()
}
