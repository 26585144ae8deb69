package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can spell durations the Go
// way ("15m", "5s"). JSON numbers are taken as nanoseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(value)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Defaults for the permission core.
const (
	DefaultListenAddr  = ":7656"
	DefaultCacheTTL    = 15 * time.Minute
	DefaultBlobTimeout = 5 * time.Second
	DefaultGracePeriod = 15 * 24 * time.Hour
)

// DefaultMinimumGraceEnd floors app-level grace calculations. Epoch ms.
// 2027-01-01T00:00:00Z; entries written before the floor was raised still
// read as ending no earlier than this.
const DefaultMinimumGraceEnd int64 = 1798761600000

// Settings is the full runtime configuration.
type Settings struct {
	ListenAddr string `yaml:"listenAddr" json:"listenAddr"`
	DataDir    string `yaml:"dataDir" json:"dataDir"`

	LogLevel  string `yaml:"logLevel" json:"logLevel"`
	LogFormat string `yaml:"logFormat" json:"logFormat"`

	// CacheTTL bounds how long an in-memory blob snapshot is served
	// without a re-read.
	CacheTTL Duration `yaml:"cacheTTL" json:"cacheTTL"`

	// BlobTimeout caps each individual blob store operation.
	BlobTimeout Duration `yaml:"blobTimeout" json:"blobTimeout"`

	// GracePeriod is the window granted to unclaimed apps and to unknown
	// users of organization apps.
	GracePeriod Duration `yaml:"gracePeriod" json:"gracePeriod"`

	// MinimumGraceEnd floors app-level grace expiry (epoch ms).
	MinimumGraceEnd int64 `yaml:"minimumGraceEnd" json:"minimumGraceEnd"`

	// PrivateBackend skips permission checks entirely. Used by
	// self-hosted deployments that gate access at the network layer.
	PrivateBackend bool `yaml:"privateBackend" json:"privateBackend"`
}

// DefaultSettings returns settings with all defaults applied.
func DefaultSettings() *Settings {
	return &Settings{
		ListenAddr:      DefaultListenAddr,
		DataDir:         "/var/lib/gatekeeper",
		LogLevel:        "info",
		LogFormat:       "auto",
		CacheTTL:        Duration{DefaultCacheTTL},
		BlobTimeout:     Duration{DefaultBlobTimeout},
		GracePeriod:     Duration{DefaultGracePeriod},
		MinimumGraceEnd: DefaultMinimumGraceEnd,
	}
}

// Validate checks the final configuration for internal consistency.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.ListenAddr) == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if strings.TrimSpace(s.DataDir) == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if s.CacheTTL.Duration <= 0 {
		return fmt.Errorf("cacheTTL must be positive, got %s", s.CacheTTL)
	}
	if s.BlobTimeout.Duration <= 0 {
		return fmt.Errorf("blobTimeout must be positive, got %s", s.BlobTimeout)
	}
	if s.GracePeriod.Duration <= 0 {
		return fmt.Errorf("gracePeriod must be positive, got %s", s.GracePeriod)
	}
	if s.MinimumGraceEnd < 0 {
		return fmt.Errorf("minimumGraceEnd must not be negative")
	}
	return nil
}
