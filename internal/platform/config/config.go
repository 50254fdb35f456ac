package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// Config is the full runtime configuration of the relay backend.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	MediaServer MediaServerConfig `koanf:"media_server"`
	Supervisor  SupervisorConfig  `koanf:"supervisor"`
	Gateway     GatewayConfig     `koanf:"gateway"`
	Broadcast   BroadcastConfig   `koanf:"broadcast"`
	Sources     SourcesConfig     `koanf:"sources"`
}

// ServerConfig describes the host HTTP surface.
type ServerConfig struct {
	Addr string `koanf:"addr" validate:"required"`
	// BasePath prefixes every relay route, e.g. "/relay" yields "/relay/stream/...".
	BasePath        string        `koanf:"base_path" validate:"required,startswith=/"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	// ConfigRateLimit is the number of POST /api/config requests allowed per IP per minute.
	ConfigRateLimit int `koanf:"config_rate_limit" validate:"gte=1"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// MediaServerConfig holds the static part of the media server configuration
// and the location of its binary. None of it changes after startup.
type MediaServerConfig struct {
	Binary             string   `koanf:"binary" validate:"required"`
	ConfigPath         string   `koanf:"config_path" validate:"required"`
	LogFile            string   `koanf:"log_file"`
	LogLevel           string   `koanf:"log_level" validate:"oneof=error warn info debug"`
	ReadBufferCount    int      `koanf:"read_buffer_count" validate:"gte=1"`
	HLSAddress         string   `koanf:"hls_address" validate:"required"`
	HLSEncryption      bool     `koanf:"hls_encryption"`
	HLSServerKey       string   `koanf:"hls_server_key" validate:"required_if=HLSEncryption true"`
	HLSServerCert      string   `koanf:"hls_server_cert" validate:"required_if=HLSEncryption true"`
	HLSVariant         string   `koanf:"hls_variant" validate:"oneof=mpegts fmp4 lowLatency"`
	HLSSegmentCount    int      `koanf:"hls_segment_count" validate:"gte=3"`
	HLSSegmentDuration string   `koanf:"hls_segment_duration" validate:"required"`
	HLSPartDuration    string   `koanf:"hls_part_duration" validate:"required"`
	HLSSegmentMaxSize  string   `koanf:"hls_segment_max_size" validate:"required"`
	HLSAllowOrigin     string   `koanf:"hls_allow_origin"`
	HLSTrustedProxies  []string `koanf:"hls_trusted_proxies"`
}

// SupervisorConfig bounds the process supervisor's retries.
type SupervisorConfig struct {
	WriteAttempts   int           `koanf:"write_attempts" validate:"gte=1"`
	WriteBackoff    time.Duration `koanf:"write_backoff" validate:"gt=0"`
	SpawnAttempts   int           `koanf:"spawn_attempts" validate:"gte=1"`
	SpawnMaxBackoff time.Duration `koanf:"spawn_max_backoff" validate:"gt=0"`
	StopTimeout     time.Duration `koanf:"stop_timeout" validate:"gt=0"`
}

// GatewayConfig selects how the reverse proxy reaches the media server.
type GatewayConfig struct {
	UpstreamHost string `koanf:"upstream_host" validate:"required"`
	// Trust is the TLS policy for the upstream connection when HLS encryption is on:
	// "skip-verify" accepts the local self-signed certificate, "ca-file" verifies against CAFile.
	Trust  string `koanf:"trust" validate:"oneof=skip-verify ca-file"`
	CAFile string `koanf:"ca_file" validate:"required_if=Trust ca-file"`
	// BreakerFailures consecutive upstream errors make the gateway answer 503
	// for BreakerTimeout instead of dialing a media server that is restarting.
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// BroadcastConfig controls the readiness propagator.
type BroadcastConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

// SourcesConfig constrains which sources the backend accepts.
type SourcesConfig struct {
	// Allowed, when non-empty, is intersected with the names the front end declares.
	Allowed []string `koanf:"allowed"`
	// CompareUpstream makes an upstream URL change on an existing name trigger a rebuild.
	CompareUpstream bool `koanf:"compare_upstream"`
}
