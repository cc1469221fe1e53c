package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PostgresDSN   string
	RedisAddr     string
	ClickHouseDSN string
	GeoIPDB       string

	// Hosts that route to the app-event correlator instead of the click
	// dispatcher. FlowHost is the member that forces event=install.
	InAppHosts []string
	FlowHost   string

	ClassifierURL           string
	ClassifierToken         string
	ClassifierCampaignID    int
	ClassifierCampaignToken string
	ClassifierTimeout       time.Duration

	EventServiceURL       string
	AttributionServiceURL string
	StatsServiceURL       string

	FanoutWorkers   int
	FanoutQueueSize int
	FanoutTimeout   time.Duration

	// Per-OS debit for each conversion kind.
	InstallPriceAndroid decimal.Decimal
	InstallPriceIOS     decimal.Decimal
	RegPriceAndroid     decimal.Decimal
	RegPriceIOS         decimal.Decimal
	DepPriceAndroid     decimal.Decimal
	DepPriceIOS         decimal.Decimal

	TimeZone    string
	ServiceTag  string
	ServiceName string

	TemplatesDir string
	StaticDir    string

	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// Tracing configuration
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8880")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)

	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1")
	cfg.GeoIPDB = getenv("GEOIP_DB", "")

	cfg.InAppHosts = envList("IN_APP_HOSTS", nil)
	cfg.FlowHost = getenv("FLOW_HOST", "")

	cfg.ClassifierURL = getenv("CLASSIFIER_URL", "http://localhost:8700")
	cfg.ClassifierToken = getenv("CLASSIFIER_TOKEN", "")
	cfg.ClassifierCampaignID = envInt("CLASSIFIER_CAMPAIGN_ID", 0)
	cfg.ClassifierCampaignToken = getenv("CLASSIFIER_CAMPAIGN_TOKEN", "")
	cfg.ClassifierTimeout = envDuration("CLASSIFIER_TIMEOUT", 200*time.Millisecond)

	cfg.EventServiceURL = getenv("EVENT_SERVICE_URL", "http://localhost:8701")
	cfg.AttributionServiceURL = getenv("ATTRIBUTION_SERVICE_URL", "http://localhost:8702")
	cfg.StatsServiceURL = getenv("STATS_SERVICE_URL", "http://localhost:8703")

	cfg.FanoutWorkers = envInt("FANOUT_WORKERS", 5)
	cfg.FanoutQueueSize = envInt("FANOUT_QUEUE", 256)
	cfg.FanoutTimeout = envDuration("FANOUT_TIMEOUT", time.Second)

	cfg.InstallPriceAndroid = envDecimal("CONVERSION_INSTALL_PRICE_ANDROID", "0.06")
	cfg.InstallPriceIOS = envDecimal("CONVERSION_INSTALL_PRICE_IOS", "0.09")
	cfg.RegPriceAndroid = envDecimal("CONVERSION_REG_PRICE_ANDROID", "0.90")
	cfg.RegPriceIOS = envDecimal("CONVERSION_REG_PRICE_IOS", "1.20")
	cfg.DepPriceAndroid = envDecimal("CONVERSION_DEP_PRICE_ANDROID", "9.00")
	cfg.DepPriceIOS = envDecimal("CONVERSION_DEP_PRICE_IOS", "12.00")

	cfg.TimeZone = getenv("TIME_ZONE", "UTC")
	cfg.ServiceTag = getenv("SERVICE_TAG", "clickgate")
	cfg.ServiceName = getenv("SERVICE_NAME", "clickgate")

	cfg.TemplatesDir = getenv("TEMPLATES_DIR", "templates")
	cfg.StaticDir = getenv("STATIC_DIR", "static")

	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", time.Minute)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TracingEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// ConversionPrice returns the configured debit for the given event kind and OS.
// Unknown combinations price at zero.
func (c Config) ConversionPrice(event, os string) decimal.Decimal {
	android := os == "android"
	switch event {
	case "install":
		if android {
			return c.InstallPriceAndroid
		}
		return c.InstallPriceIOS
	case "reg":
		if android {
			return c.RegPriceAndroid
		}
		return c.RegPriceIOS
	case "dep":
		if android {
			return c.DepPriceAndroid
		}
		return c.DepPriceIOS
	}
	return decimal.Zero
}

// IsInAppHost reports whether the host routes to the app-event correlator.
func (c Config) IsInAppHost(host string) bool {
	for _, h := range c.InAppHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

// envDecimal parses a fixed-point decimal environment variable.
func envDecimal(key, def string) decimal.Decimal {
	fallback, _ := decimal.NewFromString(def)
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := decimal.NewFromString(v); err == nil {
		return d
	}
	return fallback
}

// envList parses a comma-separated environment variable.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
