package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "TOWNSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "townsync.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultRemoteTimeoutMS   = 15000
	defaultRealtimeMode      = RealtimeModeWebSocket
	defaultHeartbeatSeconds  = 30
	defaultDebounceMS        = 300
	defaultPageSize          = 200
	defaultCacheTTLSeconds   = 60
	defaultCacheGraceSeconds = 300

	// RealtimeModeWebSocket subscribes to the backend realtime socket.
	RealtimeModeWebSocket = "websocket"
	// RealtimeModeLocal feeds realtime changes through POST /realtime/ingest.
	RealtimeModeLocal = "local"
)

// AppConfig captures runtime configuration for the sync engine.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	RemoteBaseURL     string
	RemoteAPIKey      string
	RemoteTimeout     time.Duration
	RealtimeMode      string
	RealtimeURL       string
	RealtimeHeartbeat time.Duration
	RealtimeIngestKey string
	DebounceWindow    time.Duration
	PageSize          int
	CacheTTL          time.Duration
	CacheGrace        time.Duration
	AccessToken       string
	SigningSecret     string
	TokenIssuer       string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("remote.timeout_ms", defaultRemoteTimeoutMS)
	configViper.SetDefault("realtime.mode", defaultRealtimeMode)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("sync.debounce_ms", defaultDebounceMS)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTLSeconds)
	configViper.SetDefault("cache.grace_seconds", defaultCacheGraceSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		RemoteBaseURL:     strings.TrimSpace(configViper.GetString("remote.base_url")),
		RemoteAPIKey:      configViper.GetString("remote.api_key"),
		RemoteTimeout:     time.Duration(configViper.GetInt("remote.timeout_ms")) * time.Millisecond,
		RealtimeMode:      strings.ToLower(strings.TrimSpace(configViper.GetString("realtime.mode"))),
		RealtimeURL:       strings.TrimSpace(configViper.GetString("realtime.url")),
		RealtimeHeartbeat: time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		RealtimeIngestKey: configViper.GetString("realtime.ingest_token"),
		DebounceWindow:    time.Duration(configViper.GetInt("sync.debounce_ms")) * time.Millisecond,
		PageSize:          configViper.GetInt("sync.page_size"),
		CacheTTL:          time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		CacheGrace:        time.Duration(configViper.GetInt("cache.grace_seconds")) * time.Second,
		AccessToken:       strings.TrimSpace(configViper.GetString("auth.access_token")),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       configViper.GetString("auth.issuer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	switch c.RealtimeMode {
	case RealtimeModeWebSocket:
		if c.RealtimeURL == "" {
			return fmt.Errorf("realtime.url is required in %s mode", RealtimeModeWebSocket)
		}
	case RealtimeModeLocal:
	default:
		return fmt.Errorf("realtime.mode must be %s or %s, got %q", RealtimeModeWebSocket, RealtimeModeLocal, c.RealtimeMode)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("sync.debounce_ms must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.CacheTTL <= 0 || c.CacheGrace < 0 {
		return fmt.Errorf("cache.ttl_seconds must be positive and cache.grace_seconds non-negative")
	}
	return nil
}

func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
