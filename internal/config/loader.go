package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "GATEKEEPER_"

// Loader assembles settings from defaults, an optional config file, and
// environment variables, in that order of precedence.
type Loader struct {
	settings    *Settings
	configPaths []string
}

// NewLoader creates a configuration loader with the standard search paths.
func NewLoader() *Loader {
	return &Loader{
		settings: DefaultSettings(),
		configPaths: []string{
			"/etc/gatekeeper/gatekeeper.yml",
			"/etc/gatekeeper/gatekeeper.yaml",
			"/etc/gatekeeper/gatekeeper.json",
			"./gatekeeper.yml",
			"./gatekeeper.yaml",
			"./gatekeeper.json",
		},
	}
}

// WithConfigPath prepends an explicit config file path to the search list.
func (l *Loader) WithConfigPath(path string) *Loader {
	if path = strings.TrimSpace(path); path != "" {
		l.configPaths = append([]string{path}, l.configPaths...)
	}
	return l
}

// Load resolves the final settings.
func (l *Loader) Load() (*Settings, error) {
	// .env beside the data dir is optional; ignore absence.
	if envPath := os.Getenv(envPrefix + "ENV_FILE"); envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn().Err(err).Str("path", envPath).Msg("Failed to load env file")
		}
	} else {
		_ = godotenv.Load()
	}

	if err := l.loadFromFile(); err != nil {
		log.Warn().Err(err).Msg("Failed to load config file, using defaults")
	}

	l.loadFromEnv()

	if err := l.settings.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return l.settings, nil
}

func (l *Loader) loadFromFile() error {
	for _, path := range l.configPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read config %s: %w", path, err)
		}

		switch filepath.Ext(path) {
		case ".json":
			if err := json.Unmarshal(data, l.settings); err != nil {
				return fmt.Errorf("parse config %s: %w", path, err)
			}
		default:
			if err := yaml.Unmarshal(data, l.settings); err != nil {
				return fmt.Errorf("parse config %s: %w", path, err)
			}
		}

		log.Info().Str("path", path).Msg("Loaded configuration file")
		return nil
	}
	return nil
}

func (l *Loader) loadFromEnv() {
	if v := os.Getenv(envPrefix + "LISTEN_ADDR"); v != "" {
		l.settings.ListenAddr = v
	}
	if v := os.Getenv(envPrefix + "DATA_DIR"); v != "" {
		l.settings.DataDir = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		l.settings.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		l.settings.LogFormat = v
	}
	if v := os.Getenv(envPrefix + "CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			l.settings.CacheTTL = Duration{d}
		} else {
			log.Warn().Str("value", v).Msg("Invalid CACHE_TTL, ignoring")
		}
	}
	if v := os.Getenv(envPrefix + "BLOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			l.settings.BlobTimeout = Duration{d}
		} else {
			log.Warn().Str("value", v).Msg("Invalid BLOB_TIMEOUT, ignoring")
		}
	}
	if v := os.Getenv(envPrefix + "GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			l.settings.GracePeriod = Duration{d}
		} else {
			log.Warn().Str("value", v).Msg("Invalid GRACE_PERIOD, ignoring")
		}
	}
	if v := os.Getenv(envPrefix + "MINIMUM_GRACE_END"); v != "" {
		if ts, err := parseTimestamp(v); err == nil {
			l.settings.MinimumGraceEnd = ts
		} else {
			log.Warn().Str("value", v).Msg("Invalid MINIMUM_GRACE_END, ignoring")
		}
	}
	if v := os.Getenv(envPrefix + "PRIVATE_BACKEND"); v != "" {
		l.settings.PrivateBackend = parseBool(v)
	}
}

// parseTimestamp accepts either epoch milliseconds or RFC3339.
func parseTimestamp(v string) (int64, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
