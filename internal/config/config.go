package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote API
	APIBaseURL     string        `yaml:"api_base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	OutboundRate   float64       `yaml:"outbound_rate"`
	OutboundBurst  int           `yaml:"outbound_burst"`

	// Retry
	FetchMaxRetries int           `yaml:"fetch_max_retries"`
	FetchRetryDelay time.Duration `yaml:"fetch_retry_delay"`

	// Local cache
	CacheBackend  string `yaml:"cache_backend"`
	CacheDBPath   string `yaml:"cache_db_path"`
	CacheMaxPosts int    `yaml:"cache_max_posts"`

	// Background refresh
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Server
	ServerPort        string `yaml:"server_port"`
	CORSAllowedOrigin string `yaml:"cors_allowed_origin"`
	RateLimitGeneral  int    `yaml:"rate_limit_general"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// キャッシュバックエンド
const (
	CacheBackendSQLite = "sqlite"
	CacheBackendMemory = "memory"
)

// Default はすべての項目にデフォルト値を設定したConfigを返す。
func Default() *Config {
	return &Config{
		APIBaseURL:        "http://localhost:5000",
		RequestTimeout:    15 * time.Second,
		OutboundRate:      10,
		OutboundBurst:     20,
		FetchMaxRetries:   3,
		FetchRetryDelay:   600 * time.Millisecond,
		CacheBackend:      CacheBackendSQLite,
		CacheDBPath:       "./storyflow-cache.db",
		CacheMaxPosts:     100,
		RefreshInterval:   0,
		ServerPort:        "8080",
		CORSAllowedOrigin: "http://localhost:5173",
		RateLimitGeneral:  120,
		LogLevel:          "info",
	}
}

// Load は設定を読み込む。
// STORYFLOW_CONFIG にYAMLファイルが指定されていればそれを先に読み込み、
// 環境変数で上書きする。値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("STORYFLOW_CONFIG"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.APIBaseURL = getEnvString("API_BASE_URL", cfg.APIBaseURL)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.OutboundRate = getEnvFloat("OUTBOUND_RATE", cfg.OutboundRate)
	cfg.OutboundBurst = getEnvInt("OUTBOUND_BURST", cfg.OutboundBurst)
	cfg.FetchMaxRetries = getEnvInt("FETCH_MAX_RETRIES", cfg.FetchMaxRetries)
	cfg.FetchRetryDelay = getEnvDuration("FETCH_RETRY_DELAY", cfg.FetchRetryDelay)
	cfg.CacheBackend = strings.ToLower(getEnvString("CACHE_BACKEND", cfg.CacheBackend))
	cfg.CacheDBPath = getEnvString("CACHE_DB_PATH", cfg.CacheDBPath)
	cfg.CacheMaxPosts = getEnvInt("CACHE_MAX_POSTS", cfg.CacheMaxPosts)
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.ServerPort = getEnvString("SERVER_PORT", cfg.ServerPort)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.CORSAllowedOrigin)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", cfg.RateLimitGeneral)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", cfg.LogLevel))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile はYAML設定ファイルの内容をcfgに上書きする。
// ファイルに書かれていない項目は既存の値を保持する。
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL: %q", c.APIBaseURL)
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")

	if c.FetchMaxRetries < 0 {
		return fmt.Errorf("FETCH_MAX_RETRIES must not be negative: %d", c.FetchMaxRetries)
	}
	if c.CacheMaxPosts <= 0 {
		return fmt.Errorf("CACHE_MAX_POSTS must be positive: %d", c.CacheMaxPosts)
	}
	switch c.CacheBackend {
	case CacheBackendSQLite, CacheBackendMemory:
	default:
		return fmt.Errorf("unsupported CACHE_BACKEND: %q (allowed: sqlite, memory)", c.CacheBackend)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
