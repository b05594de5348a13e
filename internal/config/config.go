package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/menta2k/photo-cropper/pkg/region"
	"github.com/menta2k/photo-cropper/pkg/selection"
	"github.com/menta2k/photo-cropper/pkg/session"
	"github.com/menta2k/photo-cropper/pkg/sink"
	"github.com/menta2k/photo-cropper/pkg/source"
	"github.com/menta2k/photo-cropper/pkg/suggest"
)

// Config holds the application configuration
type Config struct {
	Session SessionConfig  `json:"session"`
	Suggest suggest.Config `json:"suggest"`
	Sink    sink.Config    `json:"sink"`
	Server  ServerConfig   `json:"server"`
	Logging LoggingConfig  `json:"logging"`
}

// SessionConfig holds the crop policy applied to every session
type SessionConfig struct {
	MaxDisplayWidth  int     `json:"max_display_width"`
	MaxDisplayHeight int     `json:"max_display_height"`
	Aspect           float64 `json:"aspect"`
	MinWidth         float64 `json:"min_width"`
	MinHeight        float64 `json:"min_height"`
	YieldDelayMS     int     `json:"yield_delay_ms"`
	SuggestTimeoutS  int     `json:"suggest_timeout_seconds"`
}

// ServerConfig holds configuration for the web layer
type ServerConfig struct {
	Addr        string `json:"addr"`
	BodyLimitMB int    `json:"body_limit_mb"`
	MaxSessions int    `json:"max_sessions"`
	StaticDir   string `json:"static_dir"`
	// SessionTTLMinutes cancels sessions left idle this long; zero disables expiry
	SessionTTLMinutes int `json:"session_ttl_minutes"`
}

// LoggingConfig holds configuration for zerolog
type LoggingConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			MaxDisplayWidth:  source.DefaultMaxDisplay,
			MaxDisplayHeight: source.DefaultMaxDisplay,
			Aspect:           1,
			MinWidth:         selection.DefaultMinSize,
			MinHeight:        selection.DefaultMinSize,
			YieldDelayMS:     int(session.DefaultYieldDelay / time.Millisecond),
			SuggestTimeoutS:  30,
		},
		Suggest: suggest.DefaultConfig(),
		Sink:    sink.DefaultConfig(),
		Server: ServerConfig{
			Addr:              ":8080",
			BodyLimitMB:       20,
			MaxSessions:       256,
			StaticDir:         "./public",
			SessionTTLMinutes: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Missing fields keep their
// default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Session.MaxDisplayWidth < 0 || c.Session.MaxDisplayHeight < 0 {
		return fmt.Errorf("session.max_display_width and max_display_height cannot be negative")
	}

	if err := c.Constraints().Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	if c.Session.YieldDelayMS < 0 {
		return fmt.Errorf("session.yield_delay_ms cannot be negative")
	}

	switch c.Suggest.Backend {
	case suggest.BackendNone, suggest.BackendSaliency, suggest.BackendOllama, suggest.BackendLlamaCpp:
	default:
		return fmt.Errorf("suggest.backend must be one of none, saliency, ollama, llamacpp")
	}

	switch strings.ToLower(c.Sink.Type) {
	case "", sink.TypeNone, sink.TypeLocal, sink.TypeMinio, sink.TypeHTTP:
	default:
		return fmt.Errorf("sink.type must be one of none, local, minio, http")
	}

	if c.Server.BodyLimitMB < 1 {
		return fmt.Errorf("server.body_limit_mb must be positive")
	}

	if c.Server.MaxSessions < 1 {
		return fmt.Errorf("server.max_sessions must be positive")
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// Constraints returns the selection constraints of the session section
func (c *Config) Constraints() selection.Constraints {
	return selection.Constraints{
		Aspect:    c.Session.Aspect,
		MinWidth:  c.Session.MinWidth,
		MinHeight: c.Session.MinHeight,
	}
}

// SessionConfig builds the session policy. The suggester and pipeline are left
// for the caller to attach.
func (c *Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.Source.MaxDisplay = region.Dimensions{Width: c.Session.MaxDisplayWidth, Height: c.Session.MaxDisplayHeight}
	sc.Constraints = c.Constraints()
	sc.Scheduler = session.DelayScheduler{Delay: time.Duration(c.Session.YieldDelayMS) * time.Millisecond}
	if c.Session.SuggestTimeoutS > 0 {
		sc.SuggestTimeout = time.Duration(c.Session.SuggestTimeoutS) * time.Second
	}
	return sc
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "photo-cropper", "config.json")
}
