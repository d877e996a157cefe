// Package config loads vaultsync configuration.
//
// Configuration is YAML. Defaults are filled in before decoding, unknown
// fields are rejected, and the result is checked against an embedded CUE
// schema. The store master key never lives in the file: it is read from the
// environment variable named by store.key_env.
package config

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/roach88/vaultsync/internal/envelope"
	"github.com/roach88/vaultsync/internal/paginate"
	"github.com/roach88/vaultsync/internal/store"
)

//go:embed schema.cue
var schemaSource string

// DefaultKeyEnv names the environment variable holding the store master key.
const DefaultKeyEnv = "VAULTSYNC_STORE_KEY"

// defaultDataFile is the store path relative to the XDG data home.
const defaultDataFile = "vaultsync/vaultsync.db"

var (
	// ErrInvalid wraps every schema violation.
	ErrInvalid = errors.New("invalid configuration")

	// ErrNoKey is returned when the master key variable is unset.
	ErrNoKey = errors.New("store master key not set")
)

// Config is the full vaultsync configuration.
type Config struct {
	Collection string `yaml:"collection" json:"collection"`
	Source     Source `yaml:"source" json:"source"`
	Store      Store  `yaml:"store" json:"store"`
	Sync       Sync   `yaml:"sync" json:"sync"`
}

// Source describes the remote paginated endpoint.
type Source struct {
	BaseURL    string            `yaml:"base_url" json:"base_url"`
	Path       string            `yaml:"path" json:"path"`
	PageParam  string            `yaml:"page_param" json:"page_param"`
	LimitParam string            `yaml:"limit_param" json:"limit_param"` // empty: no limit parameter is sent
	PageSize   int               `yaml:"page_size" json:"page_size"`
	Timeout    time.Duration     `yaml:"timeout" json:"timeout"` // 0 disables the client timeout
	Headers    map[string]string `yaml:"headers" json:"headers"`
}

// Store locates the local database.
type Store struct {
	Path   string `yaml:"path" json:"path"` // empty: XDG data home
	KeyEnv string `yaml:"key_env" json:"key_env"`
}

// Sync holds pagination budgets and the decoded-record schema.
type Sync struct {
	MaxPages           int      `yaml:"max_pages" json:"max_pages"`
	MaxRecords         int      `yaml:"max_records" json:"max_records"`
	ShortPageThreshold int      `yaml:"short_page_threshold" json:"short_page_threshold"`
	RequiredFields     []string `yaml:"required_fields" json:"required_fields"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	limits := paginate.DefaultLimits()
	return Config{
		Collection: "records",
		Source: Source{
			Path:       "/records",
			PageParam:  "page",
			LimitParam: "limit",
			PageSize:   limits.ShortPageThreshold,
			Timeout:    30 * time.Second,
		},
		Store: Store{
			KeyEnv: DefaultKeyEnv,
		},
		Sync: Sync{
			MaxPages:           limits.MaxPages,
			MaxRecords:         limits.MaxRecords,
			ShortPageThreshold: limits.ShortPageThreshold,
		},
	}
}

// Load reads and validates a config file. An empty path returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default() and validates the result.
// Unknown fields are rejected so typos surface instead of being ignored.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := ctx.Encode(c)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Limits returns the pagination budgets.
func (c Config) Limits() paginate.Limits {
	return paginate.Limits{
		MaxPages:           c.Sync.MaxPages,
		MaxRecords:         c.Sync.MaxRecords,
		ShortPageThreshold: c.Sync.ShortPageThreshold,
	}
}

// Schema returns the fields decoded envelope records must carry.
func (c Config) Schema() envelope.Schema {
	return envelope.Schema{Required: c.Sync.RequiredFields}
}

// StorePath returns the database path, defaulting to
// $XDG_DATA_HOME/vaultsync/vaultsync.db. The parent directory is created.
func (c Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	path, err := xdg.DataFile(defaultDataFile)
	if err != nil {
		return "", fmt.Errorf("resolve default store path: %w", err)
	}
	return path, nil
}

// MasterKey reads the base64 store master key from the environment.
func (c Config) MasterKey() ([]byte, error) {
	return c.masterKey(os.Getenv)
}

func (c Config) masterKey(getenv func(string) string) ([]byte, error) {
	name := c.Store.KeyEnv
	if name == "" {
		name = DefaultKeyEnv
	}

	encoded := strings.TrimSpace(getenv(name))
	if encoded == "" {
		return nil, fmt.Errorf("%w: set %s (generate one with `vaultsync keygen`)", ErrNoKey, name)
	}
	return DecodeKey(encoded)
}

// DecodeKey parses a base64 master key and checks its length.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("decode store master key: %w", err)
	}
	if len(key) != store.KeySize {
		return nil, fmt.Errorf("store master key must be %d bytes, got %d", store.KeySize, len(key))
	}
	return key, nil
}

// EncodeKey renders a master key the way DecodeKey reads it.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
