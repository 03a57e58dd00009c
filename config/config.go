// Package config resolves the engine's process-level configuration
// (spec.md §6), loaded once at construction and held for the engine's
// lifetime.
//
// Grounded on the teacher's loadFromFile + applyEnvOverrides idiom:
// an optional JSON file supplies a base, environment variables take
// precedence, and every field has a hardcoded default so a bare Load()
// call with neither file nor environment still produces a usable config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the root configuration, resolved once at construction.
type Config struct {
	REST      RESTConfig      `json:"rest"`
	WebSocket WebSocketConfig `json:"websocket"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Cache     CacheConfig     `json:"cache"`
	Poller    PollerConfig    `json:"poller"`
	Vault     VaultConfig     `json:"vault"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
}

// RESTConfig configures the signed/unsigned HTTP gateway.
type RESTConfig struct {
	BaseURL    string `json:"baseUrl"`
	APIKey     string `json:"apiKey"`
	APISecret  string `json:"apiSecret"`
	TimeoutMs  int    `json:"timeoutMs"`
}

// WebSocketConfig configures the Stream Session / Connection Supervisor.
type WebSocketConfig struct {
	BaseURL string `json:"baseUrl"`
}

// ReconnectConfig tunes the exponential backoff reconnect schedule.
type ReconnectConfig struct {
	InitialBackoffMs     int64   `json:"initialBackoffMs"`
	MaxBackoffMs         int64   `json:"maxBackoffMs"`
	BackoffFactor        float64 `json:"backoffFactor"`
	MaxReconnectAttempts int     `json:"maxReconnectAttempts"`
}

// HeartbeatConfig tunes ping/pong liveness checking.
type HeartbeatConfig struct {
	IntervalMs int `json:"intervalMs"`
	TimeoutMs  int `json:"timeoutMs"`
}

// RateLimitConfig sets the multi-bucket limiter's fixed windows, normally
// left at the exchange-mandated defaults.
type RateLimitConfig struct {
	WeightPerMinute int `json:"weightPerMinute"`
	OrdersPer10s    int `json:"ordersPer10s"`
	RawPer5min      int `json:"rawPer5min"`
}

// CacheConfig sets the TTL cache's defaults.
type CacheConfig struct {
	MaxSize        int    `json:"maxSize"`
	TTLMs          int    `json:"ttlMs"`
	EvictionPolicy string `json:"evictionPolicy"` // lru, fifo, lfu
}

// PollerConfig tunes the Fallback Poller.
type PollerConfig struct {
	IntervalMs int     `json:"intervalMs"`
	RateLimit  float64 `json:"rateLimit"` // requests/sec, soft pacing only
	Burst      int     `json:"burst"`
}

// VaultConfig optionally sources credentials from HashiCorp Vault instead
// of the static REST.APIKey/APISecret fields.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mountPath"`
	SecretPath string `json:"secretPath"`
}

// HTTPConfig configures the optional status/metrics HTTP surface.
type HTTPConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"productionMode"`
	AllowOrigins   []string `json:"allowOrigins"`
}

// LoggingConfig configures the general-purpose component logger.
type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"jsonFormat"`
	IncludeFile bool   `json:"includeFile"`
}

// Default returns the configuration spec.md §6 specifies when nothing is
// overridden.
func Default() Config {
	return Config{
		REST: RESTConfig{BaseURL: "https://fapi.binance.com", TimeoutMs: 10000},
		WebSocket: WebSocketConfig{BaseURL: "wss://fstream.binance.com"},
		Reconnect: ReconnectConfig{InitialBackoffMs: 3000, MaxBackoffMs: 30000, BackoffFactor: 1.75, MaxReconnectAttempts: 8},
		Heartbeat: HeartbeatConfig{IntervalMs: 30000, TimeoutMs: 10000},
		RateLimit: RateLimitConfig{WeightPerMinute: 2400, OrdersPer10s: 300, RawPer5min: 61000},
		Cache:     CacheConfig{MaxSize: 1000, TTLMs: 30000, EvictionPolicy: "lru"},
		Poller:    PollerConfig{IntervalMs: 5000, RateLimit: 5, Burst: 5},
		HTTP:      HTTPConfig{Enabled: true, Host: "0.0.0.0", Port: 8089, AllowOrigins: []string{"http://localhost:5173"}},
		Logging:   LoggingConfig{Level: "INFO", Output: "stdout", JSONFormat: true},
	}
}

// Load resolves configuration from an optional JSON file at path (missing
// file is not an error — Default() values are used), then overlays
// environment variables, which always take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if file, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(file, &cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides layers environment variables on top of cfg.
// Credentials may come from the config file (rest.apiKey, rest.apiSecret,
// vault.token) or from MARKETSTREAM_API_KEY / MARKETSTREAM_API_SECRET /
// VAULT_TOKEN; a non-empty environment value replaces the file's value.
func applyEnvOverrides(cfg *Config) {
	cfg.REST.BaseURL = getEnvOrDefault("MARKETSTREAM_REST_BASE_URL", cfg.REST.BaseURL)
	cfg.REST.APIKey = getEnvOrDefault("MARKETSTREAM_API_KEY", cfg.REST.APIKey)
	cfg.REST.APISecret = getEnvOrDefault("MARKETSTREAM_API_SECRET", cfg.REST.APISecret)
	cfg.REST.TimeoutMs = getEnvIntOrDefault("MARKETSTREAM_REST_TIMEOUT_MS", cfg.REST.TimeoutMs)

	cfg.WebSocket.BaseURL = getEnvOrDefault("MARKETSTREAM_WS_BASE_URL", cfg.WebSocket.BaseURL)

	cfg.Reconnect.InitialBackoffMs = getEnvInt64OrDefault("MARKETSTREAM_RECONNECT_INITIAL_MS", cfg.Reconnect.InitialBackoffMs)
	cfg.Reconnect.MaxBackoffMs = getEnvInt64OrDefault("MARKETSTREAM_RECONNECT_MAX_MS", cfg.Reconnect.MaxBackoffMs)
	cfg.Reconnect.BackoffFactor = getEnvFloatOrDefault("MARKETSTREAM_RECONNECT_FACTOR", cfg.Reconnect.BackoffFactor)
	cfg.Reconnect.MaxReconnectAttempts = getEnvIntOrDefault("MARKETSTREAM_MAX_RECONNECT_ATTEMPTS", cfg.Reconnect.MaxReconnectAttempts)

	cfg.Heartbeat.IntervalMs = getEnvIntOrDefault("MARKETSTREAM_HEARTBEAT_INTERVAL_MS", cfg.Heartbeat.IntervalMs)
	cfg.Heartbeat.TimeoutMs = getEnvIntOrDefault("MARKETSTREAM_HEARTBEAT_TIMEOUT_MS", cfg.Heartbeat.TimeoutMs)

	cfg.Cache.MaxSize = getEnvIntOrDefault("MARKETSTREAM_CACHE_MAX_SIZE", cfg.Cache.MaxSize)
	cfg.Cache.TTLMs = getEnvIntOrDefault("MARKETSTREAM_CACHE_TTL_MS", cfg.Cache.TTLMs)
	cfg.Cache.EvictionPolicy = getEnvOrDefault("MARKETSTREAM_CACHE_EVICTION_POLICY", cfg.Cache.EvictionPolicy)

	cfg.Poller.IntervalMs = getEnvIntOrDefault("MARKETSTREAM_POLLER_INTERVAL_MS", cfg.Poller.IntervalMs)
	cfg.Poller.RateLimit = getEnvFloatOrDefault("MARKETSTREAM_POLLER_RATE_LIMIT", cfg.Poller.RateLimit)
	cfg.Poller.Burst = getEnvIntOrDefault("MARKETSTREAM_POLLER_BURST", cfg.Poller.Burst)

	cfg.Vault.Enabled = getEnvOrDefault("MARKETSTREAM_VAULT_ENABLED", boolStr(cfg.Vault.Enabled)) == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orDefaultStr(cfg.Vault.MountPath, "secret"))
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orDefaultStr(cfg.Vault.SecretPath, "marketstream/api-keys"))

	cfg.HTTP.Enabled = getEnvOrDefault("MARKETSTREAM_HTTP_ENABLED", boolStr(cfg.HTTP.Enabled)) == "true"
	cfg.HTTP.Host = getEnvOrDefault("MARKETSTREAM_HTTP_HOST", cfg.HTTP.Host)
	cfg.HTTP.Port = getEnvIntOrDefault("MARKETSTREAM_HTTP_PORT", cfg.HTTP.Port)
	cfg.HTTP.ProductionMode = getEnvOrDefault("MARKETSTREAM_HTTP_PRODUCTION", boolStr(cfg.HTTP.ProductionMode)) == "true"

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvOrDefault("LOG_JSON", boolStr(cfg.Logging.JSONFormat)) == "true"
	cfg.Logging.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", boolStr(cfg.Logging.IncludeFile)) == "true"
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func orDefaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
