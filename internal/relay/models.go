package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Source is a named reference to an upstream stream.
type Source struct {
	Name        string `json:"name"`
	UpstreamURI string `json:"upstream_uri"`
}

// DeclaredSource is one entry of the front end's source list. On the wire it
// is either a bare string, used as both label and URL, or an object
// {"label": ..., "url": ...}.
type DeclaredSource struct {
	Label string `json:"label" validate:"required"`
	URL   string `json:"url" validate:"required"`
}

// UnmarshalJSON accepts both encodings.
func (d *DeclaredSource) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		d.Label, d.URL = s, s
		return nil
	}
	var obj struct {
		Label string `json:"label"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("source must be a string or {label, url}: %w", err)
	}
	if obj.Label == "" {
		obj.Label = obj.URL
	}
	d.Label, d.URL = obj.Label, obj.URL
	return nil
}

// ConfigEvent is the declared configuration sent by the front end. Only
// Sources and UpdateIntervalMs affect the backend; display fields are ignored.
type ConfigEvent struct {
	Sources          []DeclaredSource `json:"sources" validate:"dive"`
	UpdateIntervalMs int              `json:"updateIntervalMs" validate:"gte=0"`
	// ClientID is the front end's session identifier (__uuid in the module config).
	ClientID string `json:"__uuid,omitempty"`
}

// SupervisorState is the lifecycle state of the media server process.
type SupervisorState int32

const (
	StateStopped SupervisorState = iota
	StateConfigWriting
	StateSpawning
	StateRunning
)

func (s SupervisorState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConfigWriting:
		return "config_writing"
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON responses.
func (s SupervisorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *SupervisorState) UnmarshalText(b []byte) error {
	for st := StateStopped; st <= StateRunning; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown supervisor state %q", b)
}

// Notification types exchanged with the front end.
const (
	TypeSetConfig     = "SET_CONFIG"
	TypeUpdateSources = "UPDATE_SOURCES"
	TypeWaitConfig    = "WAIT_CONFIG"
)

// UpdateSources is the periodic broadcast payload.
type UpdateSources struct {
	Registry map[string]string `json:"registry"`
	Ready    bool              `json:"ready"`
}

var (
	// ErrConfigWrite is returned by Apply when the configuration file could
	// not be written within the configured attempts.
	ErrConfigWrite = errors.New("media server config write failed")

	// ErrSpawn is returned by Apply when the media server could not be started.
	ErrSpawn = errors.New("media server spawn failed")

	// ErrProxyMount means the gateway could not be set up; the backend cannot
	// serve streams without it.
	ErrProxyMount = errors.New("stream gateway mount failed")

	// ErrInvalidEvent is returned for configuration events that fail validation.
	ErrInvalidEvent = errors.New("invalid configuration event")

	// ErrNoSources means a non-empty declaration produced no admissible source.
	ErrNoSources = errors.New("no admissible sources")

	// ErrControllerStopped is returned when submitting to a stopped controller.
	ErrControllerStopped = errors.New("controller stopped")
)

// joinNames is used in log attributes.
func joinNames(names []string) string {
	return strings.Join(names, ",")
}
