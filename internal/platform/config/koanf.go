package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config files searched, in order, when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"relay.yaml",
	"relay.yml",
	"/etc/stream-relay/relay.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// envKeys maps environment variables onto koanf paths.
var envKeys = map[string]string{
	"RELAY_SERVER_ADDR":                   "server.addr",
	"RELAY_BASE_PATH":                     "server.base_path",
	"RELAY_SHUTDOWN_TIMEOUT":              "server.shutdown_timeout",
	"RELAY_CONFIG_RATE_LIMIT":             "server.config_rate_limit",
	"LOG_LEVEL":                           "log.level",
	"LOG_FORMAT":                          "log.format",
	"RELAY_MEDIA_SERVER_BINARY":           "media_server.binary",
	"RELAY_MEDIA_SERVER_CONFIG_PATH":      "media_server.config_path",
	"RELAY_MEDIA_SERVER_LOG_FILE":         "media_server.log_file",
	"RELAY_MEDIA_SERVER_LOG_LEVEL":        "media_server.log_level",
	"RELAY_MEDIA_SERVER_HLS_ADDRESS":      "media_server.hls_address",
	"RELAY_MEDIA_SERVER_HLS_ENCRYPTION":   "media_server.hls_encryption",
	"RELAY_MEDIA_SERVER_HLS_SERVER_KEY":   "media_server.hls_server_key",
	"RELAY_MEDIA_SERVER_HLS_SERVER_CERT":  "media_server.hls_server_cert",
	"RELAY_MEDIA_SERVER_HLS_VARIANT":      "media_server.hls_variant",
	"RELAY_MEDIA_SERVER_HLS_ALLOW_ORIGIN": "media_server.hls_allow_origin",
	"RELAY_MEDIA_SERVER_TRUSTED_PROXIES":  "media_server.hls_trusted_proxies",
	"RELAY_SUPERVISOR_WRITE_ATTEMPTS":     "supervisor.write_attempts",
	"RELAY_SUPERVISOR_WRITE_BACKOFF":      "supervisor.write_backoff",
	"RELAY_SUPERVISOR_SPAWN_ATTEMPTS":     "supervisor.spawn_attempts",
	"RELAY_SUPERVISOR_SPAWN_MAX_BACKOFF":  "supervisor.spawn_max_backoff",
	"RELAY_SUPERVISOR_STOP_TIMEOUT":       "supervisor.stop_timeout",
	"RELAY_GATEWAY_UPSTREAM_HOST":         "gateway.upstream_host",
	"RELAY_GATEWAY_TRUST":                 "gateway.trust",
	"RELAY_GATEWAY_CA_FILE":               "gateway.ca_file",
	"RELAY_GATEWAY_BREAKER_FAILURES":      "gateway.breaker_failures",
	"RELAY_GATEWAY_BREAKER_TIMEOUT":       "gateway.breaker_timeout",
	"RELAY_BROADCAST_INTERVAL":            "broadcast.interval",
	"RELAY_SOURCES_ALLOWED":               "sources.allowed",
	"RELAY_SOURCES_COMPARE_UPSTREAM":      "sources.compare_upstream",
}

// Defaults returns the configuration used when nothing overrides it.
// The media server values mirror what rtsp-simple-server expects for
// low-latency HLS behind a local proxy.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BasePath:        "/relay",
			ShutdownTimeout: 10 * time.Second,
			ConfigRateLimit: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		MediaServer: MediaServerConfig{
			Binary:             "bin/rtsp-simple-server",
			ConfigPath:         "bin/rtsp-simple-server.yml",
			LogFile:            "bin/rtsp-simple-server.log",
			LogLevel:           "info",
			ReadBufferCount:    1024,
			HLSAddress:         ":8888",
			HLSEncryption:      true,
			HLSServerKey:       "bin/rtsp-key.pem",
			HLSServerCert:      "bin/rtsp.pem",
			HLSVariant:         "lowLatency",
			HLSSegmentCount:    10,
			HLSSegmentDuration: "1s",
			HLSPartDuration:    "500ms",
			HLSSegmentMaxSize:  "100M",
			HLSAllowOrigin:     "*",
			HLSTrustedProxies:  []string{},
		},
		Supervisor: SupervisorConfig{
			WriteAttempts:   5,
			WriteBackoff:    time.Second,
			SpawnAttempts:   5,
			SpawnMaxBackoff: 30 * time.Second,
			StopTimeout:     5 * time.Second,
		},
		Gateway: GatewayConfig{
			UpstreamHost:    "127.0.0.1",
			Trust:           "skip-verify",
			BreakerFailures: 5,
			BreakerTimeout:  5 * time.Second,
		},
		Broadcast: BroadcastConfig{
			Interval: time.Second,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and the environment, in increasing order of priority, then validates it.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if port := GetEnv("PORT", ""); port != "" && GetEnv("RELAY_SERVER_ADDR", "") == "" {
		if err := k.Set("server.addr", ":"+port); err != nil {
			return nil, fmt.Errorf("failed to apply PORT: %w", err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.Server.BasePath = strings.TrimRight(cfg.Server.BasePath, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

func findConfigFile() string {
	if p := GetEnv(ConfigPathEnvVar, ""); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc returns the koanf path for a known variable and "" for
// everything else, which makes the env provider skip it.
func envTransformFunc(key string) string {
	return envKeys[key]
}
