// Package config loads the daemon configuration from TOML.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full daemon configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	Account     AccountConfig     `toml:"account"`
	Crypto      CryptoConfig      `toml:"crypto"`
	Olm         OlmConfig         `toml:"olm"`
	Megolm      MegolmConfig      `toml:"megolm"`
	KeyRequests KeyRequestsConfig `toml:"key_requests"`
	Auth        AuthConfig        `toml:"auth"`
	CORS        CORSConfig        `toml:"cors"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	Archive     ArchiveConfig     `toml:"archive"`
	Log         LogConfig         `toml:"log"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// DatabaseConfig points at the SQLite database; ":memory:" keeps it in RAM.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// AccountConfig locates the local device account.
type AccountConfig struct {
	Dir      string `toml:"dir"`
	UserID   string `toml:"user_id"`
	DeviceID string `toml:"device_id"`
}

type CryptoConfig struct {
	// PickleKey is a hex-encoded 32-byte key protecting session state at rest.
	PickleKey string `toml:"pickle_key"`
}

type OlmConfig struct {
	SessionLifetime Duration `toml:"session_lifetime"`
}

type MegolmConfig struct {
	RotationPeriodMS int64  `toml:"rotation_period_ms"`
	RotationMessages uint32 `toml:"rotation_messages"`
	ExportWorkFactor int    `toml:"export_work_factor,omitempty"`
}

type KeyRequestsConfig struct {
	Retention     Duration `toml:"retention"`
	MaxAge        Duration `toml:"max_age"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

type RateLimitConfig struct {
	Enabled           bool `toml:"enabled"`
	RequestsPerMinute int  `toml:"requests_per_minute"`
	Burst             int  `toml:"burst"`
}

// ArchiveConfig selects where key exports are written. This uses a tagged
// union: Type decides which other fields apply.
type ArchiveConfig struct {
	Type string `toml:"type"` // "fs" or "s3"

	// fs
	Dir string `toml:"dir,omitempty"`

	// s3
	Bucket string `toml:"bucket,omitempty"`
	Prefix string `toml:"prefix,omitempty"`
	Region string `toml:"region,omitempty"`
	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string `toml:"endpoint,omitempty"`
	// Static credentials; when empty the default AWS chain is used.
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json, plain
}

// Duration is a time.Duration written as a string such as "24h" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a configuration that runs locally with an in-memory
// database. PickleKey and JWTSecret are left empty and must be set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8008",
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Database: DatabaseConfig{Path: ":memory:"},
		Olm:      OlmConfig{SessionLifetime: Duration{7 * 24 * time.Hour}},
		Megolm: MegolmConfig{
			RotationPeriodMS: 604800000,
			RotationMessages: 100,
		},
		KeyRequests: KeyRequestsConfig{
			Retention:     Duration{24 * time.Hour},
			MaxAge:        Duration{7 * 24 * time.Hour},
			SweepInterval: Duration{time.Hour},
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, Burst: 50},
		Archive:   ArchiveConfig{Type: "fs", Dir: "exports"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Read decodes a Config from r on top of the defaults.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Write encodes cfg to w.
func Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Init writes cfg to path, refusing to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	return Write(f, cfg)
}

// Validate reports every problem with cfg at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := c.PickleKeyBytes(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 characters"))
	}
	if c.Megolm.RotationPeriodMS <= 0 {
		errs = append(errs, errors.New("megolm.rotation_period_ms must be positive"))
	}
	if c.Megolm.RotationMessages == 0 {
		errs = append(errs, errors.New("megolm.rotation_messages must be positive"))
	}
	for name, d := range map[string]Duration{
		"olm.session_lifetime":        c.Olm.SessionLifetime,
		"key_requests.retention":      c.KeyRequests.Retention,
		"key_requests.max_age":        c.KeyRequests.MaxAge,
		"key_requests.sweep_interval": c.KeyRequests.SweepInterval,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_minute must be positive"))
	}
	switch c.Archive.Type {
	case "fs":
		if c.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is required for type fs"))
		}
	case "s3":
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required for type s3"))
		}
		if (c.Archive.AccessKeyID == "") != (c.Archive.SecretAccessKey == "") {
			errs = append(errs, errors.New("archive.access_key_id and archive.secret_access_key must be set together"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive type %q", c.Archive.Type))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json", "plain":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// PickleKeyBytes decodes crypto.pickle_key.
func (c *Config) PickleKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.Crypto.PickleKey)
	if err != nil || len(key) != 32 {
		return nil, errors.New("crypto.pickle_key must be 64 hex characters")
	}
	return key, nil
}

// RotationPeriod is megolm.rotation_period_ms as a duration.
func (c *Config) RotationPeriod() time.Duration {
	return time.Duration(c.Megolm.RotationPeriodMS) * time.Millisecond
}
