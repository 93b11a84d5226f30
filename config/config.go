package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"quotefeed/internal/cache"
	"quotefeed/internal/logger"
	"quotefeed/internal/model"
	"quotefeed/internal/quotes"
	"quotefeed/internal/resilience"
	"quotefeed/internal/stream"
)

// Config holds all application configuration loaded from environment
// variables, an optional .env file and an optional YAML tuning file.
type Config struct {
	// Venue credentials. Either AccessToken or the login trio
	// (ClientCode, Password, TOTPSecret) must be set.
	APIKey      string
	AccessToken string
	ClientCode  string
	Password    string
	TOTPSecret  string
	RootURL     string
	StreamURL   string

	// Infrastructure
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SQLitePath      string
	MetricsAddr     string
	LogLevel        string
	AlertWebhookURL string

	// Streaming
	StreamingEnabled bool
	SubscribeTokens  string // "2885,1594:FULL,35001:OHLCV"
	SubscribeMode    model.Mode

	Tuning Tuning
}

// Tuning is the YAML overlay. Zero-valued fields keep their defaults.
type Tuning struct {
	Resilience     resilience.Config `yaml:"resilience"`
	Cache          cache.Config      `yaml:"cache"`
	Quotes         quotes.Config     `yaml:"quotes"`
	Stream         stream.Config     `yaml:"stream"`
	LogFile        logger.FileConfig `yaml:"log_file"`
	HotsetSize     int               `yaml:"hotset_size"`
	HotsetInterval time.Duration     `yaml:"hotset_interval"`
	ResolverMemo   int               `yaml:"resolver_memo"`
	RedisTTL       time.Duration     `yaml:"redis_ttl"`
	HealthInterval time.Duration     `yaml:"health_interval"`
}

// DefaultTuning returns every package's production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		Resilience:     resilience.DefaultConfig(),
		Cache:          cache.DefaultConfig(),
		Quotes:         quotes.DefaultConfig(),
		Stream:         stream.DefaultConfig(),
		HotsetSize:     stream.DefaultHotsetSize,
		HotsetInterval: 30 * time.Second,
		ResolverMemo:   50000,
		RedisTTL:       10 * time.Second,
		HealthInterval: 15 * time.Second,
	}
}

// Load reads .env (if present), the environment and the YAML file named
// by QUOTEFEED_CONFIG (if set).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}

	var missing []string
	cfg := &Config{
		APIKey:      requireEnv("QUOTEFEED_API_KEY", &missing),
		AccessToken: getEnv("QUOTEFEED_ACCESS_TOKEN", ""),
		ClientCode:  getEnv("QUOTEFEED_CLIENT_CODE", ""),
		Password:    getEnv("QUOTEFEED_PASSWORD", ""),
		TOTPSecret:  getEnv("QUOTEFEED_TOTP_SECRET", ""),
		RootURL:     getEnv("QUOTEFEED_ROOT_URL", "http://localhost:9001"),
		StreamURL:   getEnv("QUOTEFEED_STREAM_URL", "ws://localhost:9001/ws"),

		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		SQLitePath:      getEnv("SQLITE_PATH", "data/catalog.db"),
		MetricsAddr:     getEnv("METRICS_ADDR", ":9090"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),

		StreamingEnabled: getEnvBool("STREAMING_ENABLED", true),
		SubscribeTokens:  getEnv("SUBSCRIBE_TOKENS", ""),
		SubscribeMode:    model.Mode(strings.ToUpper(getEnv("SUBSCRIBE_MODE", string(model.ModeLTP)))),

		Tuning: DefaultTuning(),
	}
	if cfg.AccessToken == "" {
		for _, k := range []string{"QUOTEFEED_CLIENT_CODE", "QUOTEFEED_PASSWORD", "QUOTEFEED_TOTP_SECRET"} {
			if os.Getenv(k) == "" {
				missing = append(missing, k)
			}
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: required env vars not set: %s", strings.Join(missing, ", "))
	}
	if !cfg.SubscribeMode.Valid() {
		return nil, fmt.Errorf("config: SUBSCRIBE_MODE %q is not LTP, OHLCV or FULL", cfg.SubscribeMode)
	}

	if path := os.Getenv("QUOTEFEED_CONFIG"); path != "" {
		if err := cfg.Tuning.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.Tuning.LogFile.Path = getEnv("LOG_FILE", cfg.Tuning.LogFile.Path)
	cfg.Tuning.Stream.URL = cfg.StreamURL
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto t.
func (t *Tuning) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, t); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Subscriptions parses SubscribeTokens into tokens grouped by mode.
// Entries are "token" or "token:MODE"; a bare token uses SubscribeMode.
func (c *Config) Subscriptions() map[model.Mode][]model.Token {
	out := make(map[model.Mode][]model.Token)
	for _, part := range strings.Split(c.SubscribeTokens, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		raw, mode := part, c.SubscribeMode
		if i := strings.IndexByte(part, ':'); i >= 0 {
			raw, mode = part[:i], model.Mode(strings.ToUpper(part[i+1:]))
		}
		tok, err := model.ParseToken(raw)
		if err != nil || !mode.Valid() {
			slog.Warn("skipping invalid subscription entry", "component", "config", "entry", part)
			continue
		}
		out[mode] = append(out[mode], tok)
	}
	return out
}

// NeedsLogin reports whether a session must be created at startup.
func (c *Config) NeedsLogin() bool { return c.AccessToken == "" }

func requireEnv(key string, missing *[]string) string {
	v := os.Getenv(key)
	if v == "" {
		*missing = append(*missing, key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "component", "config", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean env var, using default", "component", "config", "key", key, "value", v)
		return fallback
	}
	return b
}
