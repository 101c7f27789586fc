// Package config loads the YAML-driven session/channel configuration that
// seeds a SessionState and its initial control directives, following the
// teacher's LoadConfig pattern (config.go) of reading a file, unmarshalling
// with gopkg.in/yaml.v3, then validating and defaulting in a second pass.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrUnknownField = errors.New("config: unknown field")

// Config is the root document a session is started from.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	LDPC    LDPCConfig    `yaml:"ldpc"`
	Sync    SyncConfig    `yaml:"sync"`
	Bus     BusConfig     `yaml:"bus"`
	Logging LoggingConfig `yaml:"logging"`
}

// SessionConfig identifies the station and its key material.
type SessionConfig struct {
	Callsign      string `yaml:"callsign"`
	PrivateKeyPEM string `yaml:"private_key_pem,omitempty"`
	PublicKeyDir  string `yaml:"public_key_dir,omitempty"`
}

// CryptoConfig mirrors the control directives of §6 that govern signing
// and encryption.
type CryptoConfig struct {
	EnableSigning     bool     `yaml:"enable_signing"`
	EnableEncryption  bool     `yaml:"enable_encryption"`
	RequireSignatures bool     `yaml:"require_signatures"`
	Recipients        []string `yaml:"recipients,omitempty"`
	MacKeyHex         string   `yaml:"mac_key_hex,omitempty"`
	NonceBaseHex      string   `yaml:"nonce_base_hex,omitempty"`
}

// LDPCConfig points at the two required matrix files and bounds decoder
// effort.
type LDPCConfig struct {
	AuthMatrixPath  string `yaml:"auth_matrix_path"`
	VoiceMatrixPath string `yaml:"voice_matrix_path"`
	MaxIters        int    `yaml:"max_iters"`
}

// SyncConfig controls how often an unsigned session emits a sync frame at
// position 0.
type SyncConfig struct {
	Interval uint32 `yaml:"interval"`
}

// BusConfig lets an operator override the default MessageBus queue depths
// from SPEC_FULL.md §4.7 without recompiling.
type BusConfig struct {
	AudioInDepth   int `yaml:"audio_in_depth,omitempty"`
	TextInDepth    int `yaml:"text_in_depth,omitempty"`
	APRSInDepth    int `yaml:"aprs_in_depth,omitempty"`
	AudioOutDepth  int `yaml:"audio_out_depth,omitempty"`
	TextOutDepth   int `yaml:"text_out_depth,omitempty"`
	APRSOutDepth   int `yaml:"aprs_out_depth,omitempty"`
	StatusOutDepth int `yaml:"status_out_depth,omitempty"`
}

// LoggingConfig drives the status package's charmbracelet/log setup.
type LoggingConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	Format string `yaml:"format,omitempty"`
}

// Load reads and validates a YAML config file, applying defaults for
// fields the operator left unset, matching the teacher's LoadConfig
// two-pass shape (unmarshal, then validate/default).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a Config, rejecting unknown top-level and
// nested field names via yaml.Decoder.KnownFields — SPEC_FULL.md §4.9
// requires control directives to be a closed enum, never a free-form map.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w: %v", ErrUnknownField, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 5
	}
	if c.LDPC.MaxIters == 0 {
		c.LDPC.MaxIters = 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Bus.AudioInDepth == 0 {
		c.Bus.AudioInDepth = 24
	}
	if c.Bus.TextInDepth == 0 {
		c.Bus.TextInDepth = 64
	}
	if c.Bus.APRSInDepth == 0 {
		c.Bus.APRSInDepth = 64
	}
	if c.Bus.AudioOutDepth == 0 {
		c.Bus.AudioOutDepth = 24
	}
	if c.Bus.TextOutDepth == 0 {
		c.Bus.TextOutDepth = 64
	}
	if c.Bus.APRSOutDepth == 0 {
		c.Bus.APRSOutDepth = 64
	}
	if c.Bus.StatusOutDepth == 0 {
		c.Bus.StatusOutDepth = 128
	}
}

// Validate enforces the range and presence constraints SPEC_FULL.md §6
// documents for control directives.
func (c *Config) Validate() error {
	if len(c.Session.Callsign) == 0 || len(c.Session.Callsign) > 5 {
		return fmt.Errorf("config: session.callsign must be 1-5 characters")
	}
	if c.Sync.Interval == 0 || c.Sync.Interval > 255 {
		return fmt.Errorf("config: sync.interval must be in 1..255")
	}
	if c.LDPC.AuthMatrixPath == "" || c.LDPC.VoiceMatrixPath == "" {
		return fmt.Errorf("config: ldpc.auth_matrix_path and ldpc.voice_matrix_path are required")
	}
	if c.Crypto.RequireSignatures && !c.Crypto.EnableSigning {
		return fmt.Errorf("config: crypto.require_signatures=true needs crypto.enable_signing=true on the TX side")
	}
	return nil
}
