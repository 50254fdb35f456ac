package relay

import (
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"stream-relay/internal/platform/config"
)

// SourceProtocol is the transport the media server uses to pull upstreams.
const SourceProtocol = "udp"

// minTimeoutSeconds is the floor for the media server read/write timeouts.
const minTimeoutSeconds = 2

// Toggle is a boolean the media server reads as yes/no.
type Toggle bool

// MarshalYAML implements yaml.Marshaler.
func (t Toggle) MarshalYAML() (any, error) {
	if t {
		return "yes", nil
	}
	return "no", nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Toggle) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "yes", "true", "on":
		*t = true
	case "no", "false", "off":
		*t = false
	default:
		return fmt.Errorf("invalid toggle %q", node.Value)
	}
	return nil
}

// PathConfig is the per-source entry of the media server configuration.
type PathConfig struct {
	Source         string `yaml:"source"`
	SourceProtocol string `yaml:"sourceProtocol"`
}

// ExternalServerConfig is the complete media server configuration document.
// Field names follow rtsp-simple-server.
type ExternalServerConfig struct {
	LogLevel           string                `yaml:"logLevel"`
	LogDestinations    []string              `yaml:"logDestinations"`
	LogFile            string                `yaml:"logFile"`
	ReadTimeout        string                `yaml:"readTimeout"`
	WriteTimeout       string                `yaml:"writeTimeout"`
	ReadBufferCount    int                   `yaml:"readBufferCount"`
	API                Toggle                `yaml:"api"`
	Metrics            Toggle                `yaml:"metrics"`
	PProf              Toggle                `yaml:"pprof"`
	RTSPDisable        Toggle                `yaml:"rtspDisable"`
	RTMPDisable        Toggle                `yaml:"rtmpDisable"`
	HLSDisable         Toggle                `yaml:"hlsDisable"`
	HLSAddress         string                `yaml:"hlsAddress"`
	HLSAlwaysRemux     Toggle                `yaml:"hlsAlwaysRemux"`
	HLSVariant         string                `yaml:"hlsVariant"`
	HLSSegmentCount    int                   `yaml:"hlsSegmentCount"`
	HLSSegmentDuration string                `yaml:"hlsSegmentDuration"`
	HLSPartDuration    string                `yaml:"hlsPartDuration"`
	HLSSegmentMaxSize  string                `yaml:"hlsSegmentMaxSize"`
	HLSAllowOrigin     string                `yaml:"hlsAllowOrigin"`
	HLSEncryption      Toggle                `yaml:"hlsEncryption"`
	HLSServerKey       string                `yaml:"hlsServerKey"`
	HLSServerCert      string                `yaml:"hlsServerCert"`
	HLSTrustedProxies  []string              `yaml:"hlsTrustedProxies"`
	Paths              map[string]PathConfig `yaml:"paths"`
}

// ServerDefaults are the fields of ExternalServerConfig that do not depend on
// the registry. They are fixed at startup.
type ServerDefaults struct {
	LogLevel           string
	LogFile            string
	ReadBufferCount    int
	HLSAddress         string
	HLSVariant         string
	HLSSegmentCount    int
	HLSSegmentDuration string
	HLSPartDuration    string
	HLSSegmentMaxSize  string
	HLSAllowOrigin     string
	HLSEncryption      bool
	HLSServerKey       string
	HLSServerCert      string
	HLSTrustedProxies  []string
}

// DefaultsFromConfig extracts the static media server settings.
func DefaultsFromConfig(c config.MediaServerConfig) ServerDefaults {
	return ServerDefaults{
		LogLevel:           c.LogLevel,
		LogFile:            c.LogFile,
		ReadBufferCount:    c.ReadBufferCount,
		HLSAddress:         c.HLSAddress,
		HLSVariant:         c.HLSVariant,
		HLSSegmentCount:    c.HLSSegmentCount,
		HLSSegmentDuration: c.HLSSegmentDuration,
		HLSPartDuration:    c.HLSPartDuration,
		HLSSegmentMaxSize:  c.HLSSegmentMaxSize,
		HLSAllowOrigin:     c.HLSAllowOrigin,
		HLSEncryption:      c.HLSEncryption,
		HLSServerKey:       c.HLSServerKey,
		HLSServerCert:      c.HLSServerCert,
		HLSTrustedProxies:  append([]string(nil), c.HLSTrustedProxies...),
	}
}

// Timing carries the caller-supplied refresh cadence.
type Timing struct {
	IntervalMs int
}

// TimeoutSeconds returns max(2, round(IntervalMs/4000)), rounding half up.
func (t Timing) TimeoutSeconds() int {
	n := int(math.Floor(float64(t.IntervalMs)/4000 + 0.5))
	if n < minTimeoutSeconds {
		return minTimeoutSeconds
	}
	return n
}

// Serializer renders registries into media server configuration documents.
type Serializer struct {
	defaults ServerDefaults
}

// NewSerializer returns a serializer using d for every static field.
func NewSerializer(d ServerDefaults) *Serializer {
	return &Serializer{defaults: d}
}

// Serialize builds the document for reg. It has no side effects and the same
// inputs always yield the same document.
func (s *Serializer) Serialize(reg *Registry, t Timing) ExternalServerConfig {
	d := s.defaults
	timeout := fmt.Sprintf("%ds", t.TimeoutSeconds())

	destinations := []string{"stdout"}
	if d.LogFile != "" {
		destinations = []string{"file", "stdout"}
	}
	proxies := d.HLSTrustedProxies
	if proxies == nil {
		proxies = []string{}
	}

	paths := make(map[string]PathConfig, reg.Len())
	for _, src := range reg.Sources() {
		paths[src.Name] = PathConfig{Source: src.UpstreamURI, SourceProtocol: SourceProtocol}
	}

	return ExternalServerConfig{
		LogLevel:           d.LogLevel,
		LogDestinations:    destinations,
		LogFile:            d.LogFile,
		ReadTimeout:        timeout,
		WriteTimeout:       timeout,
		ReadBufferCount:    d.ReadBufferCount,
		API:                false,
		Metrics:            false,
		PProf:              false,
		RTSPDisable:        true,
		RTMPDisable:        true,
		HLSDisable:         false,
		HLSAddress:         d.HLSAddress,
		HLSAlwaysRemux:     true,
		HLSVariant:         d.HLSVariant,
		HLSSegmentCount:    d.HLSSegmentCount,
		HLSSegmentDuration: d.HLSSegmentDuration,
		HLSPartDuration:    d.HLSPartDuration,
		HLSSegmentMaxSize:  d.HLSSegmentMaxSize,
		HLSAllowOrigin:     d.HLSAllowOrigin,
		HLSEncryption:      Toggle(d.HLSEncryption),
		HLSServerKey:       d.HLSServerKey,
		HLSServerCert:      d.HLSServerCert,
		HLSTrustedProxies:  proxies,
		Paths:              paths,
	}
}

// Marshal encodes the document as YAML.
func (c ExternalServerConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseExternalServerConfig decodes a YAML document.
func ParseExternalServerConfig(b []byte) (ExternalServerConfig, error) {
	var c ExternalServerConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return ExternalServerConfig{}, fmt.Errorf("parse media server config: %w", err)
	}
	if c.Paths == nil {
		c.Paths = map[string]PathConfig{}
	}
	return c, nil
}
