// Package config provides Viper-based configuration loading for the duel client.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIConfig holds REST collaborator settings.
type APIConfig struct {
	// BaseURL is the REST API base, e.g. "http://localhost:8000/api".
	BaseURL string `mapstructure:"base_url"`
	// RequestTimeout bounds a single REST request including retries.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WSConfig holds websocket channel settings shared by both channel kinds.
type WSConfig struct {
	// BaseURL is the websocket endpoint base, e.g. "ws://localhost:8000".
	BaseURL string `mapstructure:"base_url"`
	// KeepaliveInterval is the ping cadence once a channel is open.
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	// ReconnectBaseDelay is multiplied by the attempt count to schedule retries.
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	// MaxReconnectAttempts bounds automatic reconnection per channel.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// MatchConfig holds match lifecycle timing settings. These are client-local
// UX and safety timers; question timing is server-synchronized once active.
type MatchConfig struct {
	// QuestionSeconds is the displayed per-question countdown before the
	// first timer sync arrives.
	QuestionSeconds int `mapstructure:"question_seconds"`
	// ResultDisplay is how long a per-question result stays on screen.
	ResultDisplay time.Duration `mapstructure:"result_display"`
	// StuckGrace is how long to wait for a question after announcing
	// readiness before re-announcing once.
	StuckGrace time.Duration `mapstructure:"stuck_grace"`
	// DisconnectGrace is how long to wait for authoritative final state
	// after the opponent disconnects.
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
}

// PresenceConfig holds presence channel settings.
type PresenceConfig struct {
	// OfferExpirySeconds is the default offer countdown when the server
	// omits a timeout.
	OfferExpirySeconds int `mapstructure:"offer_expiry_seconds"`
}

// Config is the top-level application configuration.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	WS       WSConfig       `mapstructure:"ws"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Match    MatchConfig    `mapstructure:"match"`
	Presence PresenceConfig `mapstructure:"presence"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateAPI(c.API); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWS(c.WS); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMatch(c.Match); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Presence.OfferExpirySeconds < 1 {
		errs = append(errs, fmt.Sprintf("presence.offer_expiry_seconds must be >= 1, got %d", c.Presence.OfferExpirySeconds))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAPI(a APIConfig) error {
	var errs []string
	if a.BaseURL == "" {
		errs = append(errs, "api.base_url must not be empty")
	} else if u, err := url.Parse(a.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Sprintf("api.base_url must be an http(s) URL, got %q", a.BaseURL))
	}
	if a.RequestTimeout <= 0 {
		errs = append(errs, "api.request_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWS(w WSConfig) error {
	var errs []string
	if w.BaseURL == "" {
		errs = append(errs, "ws.base_url must not be empty")
	} else if u, err := url.Parse(w.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Sprintf("ws.base_url must be a ws(s) URL, got %q", w.BaseURL))
	}
	if w.KeepaliveInterval <= 0 {
		errs = append(errs, "ws.keepalive_interval must be positive")
	}
	if w.ReconnectBaseDelay <= 0 {
		errs = append(errs, "ws.reconnect_base_delay must be positive")
	}
	if w.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Sprintf("ws.max_reconnect_attempts must be >= 0, got %d", w.MaxReconnectAttempts))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateMatch(m MatchConfig) error {
	var errs []string
	if m.QuestionSeconds < 1 {
		errs = append(errs, fmt.Sprintf("match.question_seconds must be >= 1, got %d", m.QuestionSeconds))
	}
	if m.ResultDisplay <= 0 {
		errs = append(errs, "match.result_display must be positive")
	}
	if m.StuckGrace <= 0 {
		errs = append(errs, "match.stuck_grace must be positive")
	}
	if m.DisconnectGrace <= 0 {
		errs = append(errs, "match.disconnect_grace must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment
// variable overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with DUEL_ prefix
	v.SetEnvPrefix("DUEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no file is supplied.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshalling defaults cannot fail; the values are typed above.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000/api")
	v.SetDefault("api.request_timeout", "10s")

	v.SetDefault("ws.base_url", "ws://localhost:8000")
	v.SetDefault("ws.keepalive_interval", "30s")
	v.SetDefault("ws.reconnect_base_delay", "1s")
	v.SetDefault("ws.max_reconnect_attempts", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("match.question_seconds", 60)
	v.SetDefault("match.result_display", "3s")
	v.SetDefault("match.stuck_grace", "2s")
	v.SetDefault("match.disconnect_grace", "3s")

	v.SetDefault("presence.offer_expiry_seconds", 60)
}
