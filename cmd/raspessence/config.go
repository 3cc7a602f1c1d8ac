package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"raspessence/lintronic"
)

// Config is the top-level YAML configuration for the raspessence daemon.
//
// The auth secret is deliberately not part of it: it is only read from the
// environment (see LoadAuthSecret).
type Config struct {
	// LinTronic serial link
	Serial SerialConfig `yaml:"serial"`

	// D-Bus connection
	Bus BusConfig `yaml:"bus"`

	// MPRIS player discovery
	Player PlayerConfig `yaml:"player"`

	// HTTP trigger / metrics / state WebSocket
	HTTP HTTPConfig `yaml:"http"`

	// Shutdown timers
	Timers TimersConfig `yaml:"timers"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type BusConfig struct {
	System bool `yaml:"system"` // use the system bus instead of the session bus
}

type PlayerConfig struct {
	NamePrefix string `yaml:"name_prefix"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type TimersConfig struct {
	Paused         time.Duration `yaml:"paused"`
	Stopped        time.Duration `yaml:"stopped"`
	PowerOffSettle time.Duration `yaml:"power_off_settle"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"` // rotated with lumberjack when set
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Serial: SerialConfig{
			Device: defaultSerialDevice,
			Baud:   lintronic.DefaultBaud,
		},
		Bus: BusConfig{
			System: false,
		},
		Player: PlayerConfig{
			NamePrefix: defaultPlayerNamePrefix,
		},
		HTTP: HTTPConfig{
			Listen: defaultHTTPListen,
		},
		Timers: TimersConfig{
			Paused:         defaultPausedTimeout,
			Stopped:        defaultStoppedTimeout,
			PowerOffSettle: defaultPowerOffSettle,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
// Unknown fields are rejected (helps catch typos).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds values given on the command line. Each override is
// only applied if its pointer is non-nil; main.go decides which flags exist.
type FlagOverrides struct {
	SerialDevice *string
	SerialBaud   *int

	SystemBus *bool

	PlayerPrefix *string

	HTTPListen *string

	LogLevel *string
	LogFile  *string
}

// Apply merges the overrides into cfg. If the pointer is non-nil, the value is
// applied (even if it is a “zero value”).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.SerialDevice != nil {
		cfg.Serial.Device = *o.SerialDevice
	}
	if o.SerialBaud != nil {
		cfg.Serial.Baud = *o.SerialBaud
	}
	if o.SystemBus != nil {
		cfg.Bus.System = *o.SystemBus
	}
	if o.PlayerPrefix != nil {
		cfg.Player.NamePrefix = *o.PlayerPrefix
	}
	if o.HTTPListen != nil {
		cfg.HTTP.Listen = *o.HTTPListen
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFile != nil {
		cfg.Logging.File = *o.LogFile
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Serial
	if c.Serial.Device == "" {
		return errors.New("serial.device must not be empty")
	}
	if !lintronic.SupportedBaud(c.Serial.Baud) {
		return fmt.Errorf("serial.baud %d is not a supported rate", c.Serial.Baud)
	}

	// Player
	if strings.TrimSpace(c.Player.NamePrefix) == "" {
		return errors.New("player.name_prefix must not be empty")
	}

	// HTTP
	if c.HTTP.Listen == "" {
		return errors.New("http.listen must not be empty")
	}

	// Timers
	if c.Timers.Paused <= 0 {
		return errors.New("timers.paused must be > 0")
	}
	if c.Timers.Stopped <= 0 {
		return errors.New("timers.stopped must be > 0")
	}
	if c.Timers.PowerOffSettle < 0 {
		return errors.New("timers.power_off_settle must be >= 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// CoordinatorConfig converts the timer section into the reducer's config.
func (c *Config) CoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		PausedTimeout:  c.Timers.Paused,
		StoppedTimeout: c.Timers.Stopped,
		PowerOffSettle: c.Timers.PowerOffSettle,
	}
}

// LoadAuthSecret reads the HTTP trigger secret from the environment.
func LoadAuthSecret() (string, error) {
	secret := os.Getenv(authSecretEnv)
	if secret == "" {
		return "", fmt.Errorf("%s is not set", authSecretEnv)
	}
	return secret, nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
