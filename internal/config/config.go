// Package config loads a ring chat node's settings.
//
// Sources are applied in order, later ones winning:
//
//  1. built-in defaults (Default)
//  2. the YAML or TOML file named by RINGCHAT_CONFIG, decoder picked by extension
//  3. RINGCHAT_* variables from a .env file
//  4. RINGCHAT_* variables from the process environment
//
// The .env file never overrides a variable that is already set in the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/ringchat/internal/ring"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix starts every environment variable the loader reads.
const EnvPrefix = "RINGCHAT_"

// Config holds everything a node needs to start.
type Config struct {
	Listen            string        `yaml:"listen" toml:"listen"`
	Advertise         string        `yaml:"advertise" toml:"advertise"`
	Join              string        `yaml:"join" toml:"join"`
	RingBits          uint          `yaml:"ring_bits" toml:"ring_bits"`
	MaxInflight       int           `yaml:"max_inflight" toml:"max_inflight"`
	MaxSessions       int           `yaml:"max_sessions" toml:"max_sessions"`
	CallTimeout       time.Duration `yaml:"call_timeout" toml:"call_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	StabilizeInterval time.Duration `yaml:"stabilize_interval" toml:"stabilize_interval"`
	AdminListen       string        `yaml:"admin_listen" toml:"admin_listen"`
	DataDir           string        `yaml:"data_dir" toml:"data_dir"`
	LogLevel          string        `yaml:"log_level" toml:"log_level"`
	LogFormat         string        `yaml:"log_format" toml:"log_format"`
	TLS               TLSConfig     `yaml:"tls" toml:"tls"`
}

// TLSConfig names the mutual TLS material.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	CAFile   string `yaml:"ca_file" toml:"ca_file"`
}

// Default returns the built-in settings: a standalone 7-bit ring on
// 127.0.0.1:7000 with stabilization off.
func Default() Config {
	return Config{
		Listen:           "127.0.0.1:7000",
		RingBits:         ring.DefaultBits,
		MaxInflight:      64,
		MaxSessions:      1024,
		CallTimeout:      5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      30 * time.Minute,
		DataDir:          "data",
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Loader reads configuration. The zero value uses os.Getenv and ".env".
type Loader struct {
	// EnvFile is the dotenv file to read; empty means ".env". A missing file is fine.
	EnvFile string
	// Getenv looks up process environment variables; nil means os.Getenv.
	Getenv func(string) string
}

// Load reads the configuration with the default Loader.
func Load() (Config, error) {
	return Loader{}.Load()
}

// Load applies every source and validates the result.
//
// Returns:
//   - The merged configuration
//   - An error wrapping ErrInvalid for bad values, or an I/O or parse error
//
// Example:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatalf("config: %v", err)
//	}
func (l Loader) Load() (Config, error) {
	lookup, err := l.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path := lookup("CONFIG"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// lookup returns a function resolving a RINGCHAT_ variable by suffix, from
// the environment first and the dotenv file second.
func (l Loader) lookup() (func(string) string, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	envFile := l.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", envFile, err)
	}
	return func(suffix string) string {
		if v := getenv(EnvPrefix + suffix); v != "" {
			return v
		}
		return dotenv[EnvPrefix+suffix]
	}, nil
}

// LoadFile decodes a YAML (.yaml, .yml) or TOML (.toml) file over cfg.
// Fields absent from the file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		return fmt.Errorf("config %s: unsupported extension: %w", path, ErrInvalid)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) string) error {
	strs := map[string]*string{
		"LISTEN":        &cfg.Listen,
		"ADVERTISE":     &cfg.Advertise,
		"JOIN":          &cfg.Join,
		"ADMIN_LISTEN":  &cfg.AdminListen,
		"DATA_DIR":      &cfg.DataDir,
		"LOG_LEVEL":     &cfg.LogLevel,
		"LOG_FORMAT":    &cfg.LogFormat,
		"TLS_CERT_FILE": &cfg.TLS.CertFile,
		"TLS_KEY_FILE":  &cfg.TLS.KeyFile,
		"TLS_CA_FILE":   &cfg.TLS.CAFile,
	}
	for key, dst := range strs {
		if v := lookup(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"CALL_TIMEOUT":       &cfg.CallTimeout,
		"HANDSHAKE_TIMEOUT":  &cfg.HandshakeTimeout,
		"IDLE_TIMEOUT":       &cfg.IdleTimeout,
		"STABILIZE_INTERVAL": &cfg.StabilizeInterval,
	}
	for key, dst := range durations {
		if v := lookup(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s=%q: %w", EnvPrefix, key, v, ErrInvalid)
			}
			*dst = d
		}
	}

	if v := lookup("RING_BITS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("%sRING_BITS=%q: %w", EnvPrefix, v, ErrInvalid)
		}
		cfg.RingBits = uint(n)
	}
	ints := map[string]*int{
		"MAX_INFLIGHT": &cfg.MaxInflight,
		"MAX_SESSIONS": &cfg.MaxSessions,
	}
	for key, dst := range ints {
		if v := lookup(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s=%q: %w", EnvPrefix, key, v, ErrInvalid)
			}
			*dst = n
		}
	}
	if v := lookup("TLS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTLS_ENABLED=%q: %w", EnvPrefix, v, ErrInvalid)
		}
		cfg.TLS.Enabled = b
	}
	return nil
}

// AdvertiseAddr returns the address other nodes dial, which is also the
// string hashed into this node's identifier.
func (c Config) AdvertiseAddr() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}

// Space returns the identifier space selected by RingBits.
func (c Config) Space() (ring.Space, error) {
	return ring.NewSpace(c.RingBits)
}

// Self derives this node's descriptor from the advertised address.
func (c Config) Self() (ring.Node, error) {
	space, err := c.Space()
	if err != nil {
		return ring.Node{}, err
	}
	return ring.ParseLocalNode(space, c.AdvertiseAddr())
}

// Validate reports the first unusable setting, wrapped in ErrInvalid.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalid)
	}

	if c.Listen == "" {
		return invalid("listen address is empty")
	}
	if c.RingBits < 1 || c.RingBits > ring.MaxBits {
		return invalid("ring_bits %d outside 1..%d", c.RingBits, ring.MaxBits)
	}
	if c.MaxInflight <= 0 {
		return invalid("max_inflight must be positive, got %d", c.MaxInflight)
	}
	if c.MaxSessions <= 0 {
		return invalid("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.CallTimeout <= 0 {
		return invalid("call_timeout must be positive, got %v", c.CallTimeout)
	}
	if c.HandshakeTimeout <= 0 {
		return invalid("handshake_timeout must be positive, got %v", c.HandshakeTimeout)
	}
	if c.IdleTimeout < 0 {
		return invalid("idle_timeout must not be negative, got %v", c.IdleTimeout)
	}
	if c.StabilizeInterval < 0 {
		return invalid("stabilize_interval must not be negative, got %v", c.StabilizeInterval)
	}

	host, _, err := net.SplitHostPort(c.AdvertiseAddr())
	if err != nil {
		return invalid("advertise address %q: %v", c.AdvertiseAddr(), err)
	}
	if host == "" {
		return invalid("advertise address %q has no host; set advertise", c.AdvertiseAddr())
	}
	if _, err := c.Self(); err != nil {
		return invalid("advertise address: %v", err)
	}
	if c.Join != "" {
		if _, _, err := net.SplitHostPort(c.Join); err != nil {
			return invalid("join address %q: %v", c.Join, err)
		}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level: %v", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return invalid("log_format %q: want text or json", c.LogFormat)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "" || c.TLS.CAFile == "") {
		return invalid("tls enabled without cert_file, key_file and ca_file")
	}
	return nil
}
