// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/rigchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete rigchat configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Chat      ChatConfig      `toml:"chat"`
	Transport TransportConfig `toml:"transport"`
	Storage   StorageConfig   `toml:"storage"`
	Session   SessionConfig   `toml:"session"`
	Log       LogConfig       `toml:"log"`

	// Offline restricts the service base URL to loopback addresses.
	Offline bool `toml:"offline"`
}

// ServiceConfig locates the chat service.
type ServiceConfig struct {
	BaseURL string `toml:"base_url"`
	// Version is sent as X-Client-Version; "remote" fetches it from
	// /api/config at startup.
	Version        string `toml:"version"`
	Anonymous      bool   `toml:"anonymous"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Timeout returns the non-streaming request timeout.
func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ChatConfig holds per-send defaults.
type ChatConfig struct {
	Provider           string `toml:"provider"`
	Model              string `toml:"model"`
	MaxContextMessages int    `toml:"max_context_messages"`
	Streaming          bool   `toml:"streaming"`
	SystemPrompt       string `toml:"system_prompt"`
}

// TransportConfig tunes the HTTP client.
type TransportConfig struct {
	// ChunkMode is auto, delta or cumulative.
	ChunkMode         string  `toml:"chunk_mode"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	MaxRetries        int     `toml:"max_retries"`
}

// StorageConfig selects where conversations live.
type StorageConfig struct {
	Driver string `toml:"driver"` // file, bolt, sqlite, memory
	Dir    string `toml:"dir"`
	// Passphrase enables encryption at rest. Prefer RIGCHAT_PASSPHRASE over
	// writing it to the config file.
	Passphrase string `toml:"passphrase,omitempty"`
}

// SessionConfig controls credential handling.
type SessionConfig struct {
	IdleTimeoutMinutes int `toml:"idle_timeout_minutes"`
}

// LogConfig controls diagnostics output.
type LogConfig struct {
	Level       string `toml:"level"`
	Pretty      bool   `toml:"pretty"`
	MetricsAddr string `toml:"metrics_addr"`
}

// Valid chunk modes.
var validChunkModes = map[string]bool{"auto": true, "delta": true, "cumulative": true}

// Valid storage drivers.
var validDrivers = map[string]bool{"file": true, "bolt": true, "sqlite": true, "memory": true}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ""
	if dir, err := Dir(); err == nil {
		dataDir = filepath.Join(dir, "data")
	}
	return &Config{
		Service: ServiceConfig{
			BaseURL:        "http://localhost:8081",
			Version:        "2.2.0",
			TimeoutSeconds: 120,
		},
		Chat: ChatConfig{
			Provider:           "ollama",
			Model:              "llama3.2:1b",
			MaxContextMessages: 20,
			Streaming:          true,
		},
		Transport: TransportConfig{
			ChunkMode:         "auto",
			RequestsPerSecond: 2,
			Burst:             4,
			MaxRetries:        2,
		},
		Storage: StorageConfig{
			Driver: "file",
			Dir:    dataDir,
		},
		Session: SessionConfig{
			IdleTimeoutMinutes: 0,
		},
		Log: LogConfig{
			Level: "warn",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns ~/.rigchat, honoring RIGCHAT_HOME.
func Dir() (string, error) {
	if home := os.Getenv("RIGCHAT_HOME"); home != "" {
		return home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigchat"), nil
}

// Path returns the default TOML config path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the default config file (if any), .env files and environment.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom is Load with an explicit config file. A missing file is not an
// error.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}

	env, err := readDotenv(dotenvPaths(path)...)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	})

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads only the TOML file at path over the defaults, without
// .env files or environment overrides. It is what "config set" edits.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

func dotenvPaths(configPath string) []string {
	paths := []string{".env"}
	if configPath != "" {
		paths = append(paths, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	return paths
}

// readDotenv merges .env files; earlier files win. Missing files are skipped.
func readDotenv(paths ...string) (map[string]string, error) {
	merged := map[string]string{}
	for i := len(paths) - 1; i >= 0; i-- {
		vals, err := godotenv.Read(paths[i])
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", paths[i], err)
		}
		for k, v := range vals {
			merged[k] = v
		}
	}
	return merged, nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies RIGCHAT_* variables found through lookup:
//   - RIGCHAT_BASE_URL, RIGCHAT_APP_VERSION, RIGCHAT_ANONYMOUS
//   - RIGCHAT_PROVIDER, RIGCHAT_MODEL, RIGCHAT_MAX_CONTEXT, RIGCHAT_STREAMING
//   - RIGCHAT_CHUNK_MODE
//   - RIGCHAT_STORAGE_DRIVER, RIGCHAT_DATA_DIR, RIGCHAT_PASSPHRASE
//   - RIGCHAT_LOG_LEVEL, RIGCHAT_METRICS_ADDR, RIGCHAT_OFFLINE
//
// Malformed numbers and booleans are ignored.
func (c *Config) ApplyEnvOverrides(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			if b, err := parseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("RIGCHAT_BASE_URL", &c.Service.BaseURL)
	str("RIGCHAT_APP_VERSION", &c.Service.Version)
	boolean("RIGCHAT_ANONYMOUS", &c.Service.Anonymous)
	str("RIGCHAT_PROVIDER", &c.Chat.Provider)
	str("RIGCHAT_MODEL", &c.Chat.Model)
	integer("RIGCHAT_MAX_CONTEXT", &c.Chat.MaxContextMessages)
	boolean("RIGCHAT_STREAMING", &c.Chat.Streaming)
	str("RIGCHAT_CHUNK_MODE", &c.Transport.ChunkMode)
	str("RIGCHAT_STORAGE_DRIVER", &c.Storage.Driver)
	str("RIGCHAT_DATA_DIR", &c.Storage.Dir)
	str("RIGCHAT_PASSPHRASE", &c.Storage.Passphrase)
	str("RIGCHAT_LOG_LEVEL", &c.Log.Level)
	str("RIGCHAT_METRICS_ADDR", &c.Log.MetricsAddr)
	boolean("RIGCHAT_OFFLINE", &c.Offline)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// SetDefaults fills zero values that would otherwise be invalid.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Service.BaseURL == "" {
		c.Service.BaseURL = d.Service.BaseURL
	}
	c.Service.BaseURL = strings.TrimRight(c.Service.BaseURL, "/")
	if c.Service.TimeoutSeconds <= 0 {
		c.Service.TimeoutSeconds = d.Service.TimeoutSeconds
	}
	if c.Chat.MaxContextMessages <= 0 {
		c.Chat.MaxContextMessages = d.Chat.MaxContextMessages
	}
	if c.Transport.ChunkMode == "" {
		c.Transport.ChunkMode = d.Transport.ChunkMode
	}
	c.Transport.ChunkMode = strings.ToLower(c.Transport.ChunkMode)
	if c.Transport.RequestsPerSecond <= 0 {
		c.Transport.RequestsPerSecond = d.Transport.RequestsPerSecond
	}
	if c.Transport.Burst <= 0 {
		c.Transport.Burst = d.Transport.Burst
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.Dir == "" {
		c.Storage.Dir = d.Storage.Dir
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs ValidateErrors

	u, err := url.Parse(c.Service.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "service.base_url",
			Message: fmt.Sprintf("invalid URL %q, must be http(s)://host[:port]", c.Service.BaseURL),
		})
	}
	if !validChunkModes[c.Transport.ChunkMode] {
		errs = append(errs, ValidationError{
			Field:   "transport.chunk_mode",
			Message: fmt.Sprintf("invalid mode %q, must be one of: auto, delta, cumulative", c.Transport.ChunkMode),
		})
	}
	if !validDrivers[c.Storage.Driver] {
		errs = append(errs, ValidationError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("invalid driver %q, must be one of: file, bolt, sqlite, memory", c.Storage.Driver),
		})
	}
	if c.Storage.Driver != "memory" && c.Storage.Dir == "" {
		errs = append(errs, ValidationError{Field: "storage.dir", Message: "must be set"})
	}
	if c.Chat.MaxContextMessages > 1000 {
		errs = append(errs, ValidationError{
			Field:   "chat.max_context_messages",
			Message: fmt.Sprintf("%d is too large (max 1000)", c.Chat.MaxContextMessages),
		})
	}
	if c.Transport.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "transport.max_retries", Message: "must not be negative"})
	}
	if c.Session.IdleTimeoutMinutes < 0 {
		errs = append(errs, ValidationError{Field: "session.idle_timeout_minutes", Message: "must not be negative"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes cfg as TOML to path with 0600 permissions. The passphrase is
// never written.
func Save(cfg *Config, path string) error {
	out := *cfg
	out.Storage.Passphrase = ""

	var buf bytes.Buffer
	buf.WriteString("# rigchat configuration file\n\n")
	if err := toml.NewEncoder(&buf).Encode(out); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get returns the value at a dotted TOML key such as "chat.model".
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookupField(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set parses value into the field at a dotted TOML key and revalidates.
func (c *Config) Set(key, value string) error {
	field, err := c.lookupField(key)
	if err != nil {
		return err
	}
	prev := reflect.New(field.Type()).Elem()
	prev.Set(field)

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		field.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", key, value)
		}
		field.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid number %q", key, value)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("%s cannot be set directly", key)
	}

	if err := c.Validate(); err != nil {
		field.Set(prev)
		return err
	}
	return nil
}

func (c *Config) lookupField(key string) (reflect.Value, error) {
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown key: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("%s is a section, not a value", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("%s is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Keys lists every settable dotted key.
func Keys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
			if tag == "" {
				continue
			}
			if t.Field(i).Type.Kind() == reflect.Struct {
				walk(t.Field(i).Type, prefix+tag+".")
				continue
			}
			keys = append(keys, prefix+tag)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// =============================================================================
// SINGLETON
// =============================================================================

var (
	globalConfig   *Config
	globalConfigMu sync.RWMutex
)

// Global returns the process-wide configuration, loading it on first use.
// Load failures fall back to defaults.
func Global() *Config {
	globalConfigMu.RLock()
	cfg := globalConfig
	globalConfigMu.RUnlock()
	if cfg != nil {
		return cfg
	}

	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	if globalConfig == nil {
		loaded, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			loaded = Default()
			loaded.SetDefaults()
		}
		globalConfig = loaded
	}
	return globalConfig
}

// SetGlobal replaces the process-wide configuration.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting clears the process-wide configuration.
func ResetGlobalForTesting() {
	SetGlobal(nil)
}
