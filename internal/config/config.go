// Package config loads the daemon configuration: built-in defaults, then an optional
// YAML file, then GV_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"greenova.io/internal/address"
)

const EnvPrefix = "GV_"

const (
	StoreMemDB  = "memdb"
	StoreSQLite = "sqlite"

	IndexSQLite = "sqlite"
	IndexRemote = "remote"
	IndexNone   = "none"
)

type Config struct {
	Listen  string `yaml:"listen" env:"LISTEN"`
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	// Program ids are 64 hex chars or a seed phrase hashed into an address.
	ProgramID      string `yaml:"program_id" env:"PROGRAM_ID"`
	TokenProgramID string `yaml:"token_program_id" env:"TOKEN_PROGRAM_ID"`

	Store         string        `yaml:"store" env:"STORE"`
	SnapshotEvery time.Duration `yaml:"snapshot_every" env:"SNAPSHOT_EVERY"`
	RotateLayout  string        `yaml:"rotate_layout" env:"ROTATE_LAYOUT"`
	JournalSync   bool          `yaml:"journal_sync" env:"JOURNAL_SYNC"`

	Index     IndexConfig     `yaml:"index" envPrefix:"INDEX_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	WS        WSConfig        `yaml:"ws" envPrefix:"WS_"`
	Admin     AdminConfig     `yaml:"admin" envPrefix:"ADMIN_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
	Offsite   OffsiteConfig   `yaml:"offsite" envPrefix:"OFFSITE_"`
}

type IndexConfig struct {
	Backend     string `yaml:"backend" env:"BACKEND"`
	RemoteURL   string `yaml:"remote_url" env:"REMOTE_URL"`
	RemoteToken string `yaml:"remote_token" env:"REMOTE_TOKEN"`
	Network     string `yaml:"network" env:"NETWORK"`
}

type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret" env:"JWT_SECRET"`
	AllowAnonymous bool   `yaml:"allow_anonymous" env:"ALLOW_ANONYMOUS"`
}

type WSConfig struct {
	MaxQueue    int           `yaml:"max_queue" env:"MAX_QUEUE"`
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`

	// DedupeTTL keeps SUBMIT results for retried ids; negative disables.
	DedupeTTL time.Duration `yaml:"dedupe_ttl" env:"DEDUPE_TTL"`
}

type AdminConfig struct {
	HTTP bool `yaml:"http" env:"HTTP"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
}

// OffsiteConfig mirrors closed journal segments and snapshots to an S3-compatible bucket.
type OffsiteConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Workers         int    `yaml:"workers" env:"WORKERS"`
}

func Defaults() Config {
	return Config{
		Listen:         ":8080",
		DataDir:        "./data",
		ProgramID:      "greenova/escrow",
		TokenProgramID: "greenova/token",
		Store:          StoreSQLite,
		SnapshotEvery:  10 * time.Minute,
		RotateLayout:   "2006-01-02-15",
		JournalSync:    true,
		Index: IndexConfig{
			Backend: IndexSQLite,
			Network: "devnet",
		},
		WS: WSConfig{
			MaxQueue:    32,
			ReadTimeout: 60 * time.Second,
			DedupeTTL:   10 * time.Minute,
		},
		Admin:   AdminConfig{HTTP: true},
		Offsite: OffsiteConfig{Workers: 2},
	}
}

// Load reads path (optional; empty or missing means defaults) and applies env
// overrides on top.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	def := Defaults()
	c.Listen = strings.TrimSpace(c.Listen)
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.ProgramID = strings.TrimSpace(c.ProgramID)
	c.TokenProgramID = strings.TrimSpace(c.TokenProgramID)
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.Index.Backend = strings.ToLower(strings.TrimSpace(c.Index.Backend))
	c.Index.RemoteURL = strings.TrimSpace(c.Index.RemoteURL)
	c.Index.Network = strings.TrimSpace(c.Index.Network)

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.ProgramID == "" {
		c.ProgramID = def.ProgramID
	}
	if c.TokenProgramID == "" {
		c.TokenProgramID = def.TokenProgramID
	}
	if c.Store == "" {
		c.Store = def.Store
	}
	if c.RotateLayout == "" {
		c.RotateLayout = def.RotateLayout
	}
	switch c.Index.Backend {
	case "":
		c.Index.Backend = def.Index.Backend
	case "off", "disabled":
		c.Index.Backend = IndexNone
	}
	if c.Index.Network == "" {
		c.Index.Network = def.Index.Network
	}
	if c.WS.MaxQueue <= 0 {
		c.WS.MaxQueue = def.WS.MaxQueue
	}
	if c.WS.ReadTimeout <= 0 {
		c.WS.ReadTimeout = def.WS.ReadTimeout
	}
	c.Offsite.Endpoint = strings.TrimSpace(c.Offsite.Endpoint)
	c.Offsite.Bucket = strings.TrimSpace(c.Offsite.Bucket)
	if c.Offsite.Workers <= 0 {
		c.Offsite.Workers = def.Offsite.Workers
	}
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemDB, StoreSQLite:
	default:
		return fmt.Errorf("store: unsupported backend %q", c.Store)
	}
	switch c.Index.Backend {
	case IndexSQLite, IndexNone:
	case IndexRemote:
		if c.Index.RemoteURL == "" {
			return fmt.Errorf("index: backend remote needs remote_url")
		}
	default:
		return fmt.Errorf("index: unsupported backend %q", c.Index.Backend)
	}
	if c.SnapshotEvery < 0 {
		return fmt.Errorf("snapshot_every: must be >= 0")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		return fmt.Errorf("auth: set jwt_secret or allow_anonymous")
	}
	if c.Offsite.Enabled && (c.Offsite.Endpoint == "" || c.Offsite.Bucket == "" || c.Offsite.AccessKeyID == "" || c.Offsite.SecretAccessKey == "") {
		return fmt.Errorf("offsite: endpoint, bucket and credentials are required when enabled")
	}
	if c.WS.MaxQueue > 1024 {
		return fmt.Errorf("ws.max_queue: must be <= 1024")
	}
	prog, tok, err := c.Programs()
	if err != nil {
		return err
	}
	if prog == tok {
		return fmt.Errorf("program_id and token_program_id must differ")
	}
	if _, err := time.Parse(c.RotateLayout, time.Now().Format(c.RotateLayout)); err != nil {
		return fmt.Errorf("rotate_layout: %w", err)
	}
	return nil
}

// Programs resolves the escrow and token program ids.
func (c Config) Programs() (program, token address.Address, err error) {
	program, err = resolveID(c.ProgramID)
	if err != nil {
		return program, token, fmt.Errorf("program_id: %w", err)
	}
	token, err = resolveID(c.TokenProgramID)
	if err != nil {
		return program, token, fmt.Errorf("token_program_id: %w", err)
	}
	return program, token, nil
}

func resolveID(s string) (address.Address, error) {
	if s == "" {
		return address.Zero, fmt.Errorf("empty")
	}
	if a, err := address.Parse(s); err == nil {
		return a, nil
	}
	return address.FromSeed(s), nil
}
