// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
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

	"github.com/jeranaias/chaterp/internal/cloud"
	"github.com/jeranaias/chaterp/internal/logger"
	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/storage"
	"github.com/jeranaias/chaterp/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chaterp configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Chat endpoint (chaterp serve)
	Server ServerConfig `toml:"server" json:"server"`

	// Completion API the endpoint relays to
	Upstream UpstreamConfig `toml:"upstream" json:"upstream"`

	// Session persistence
	Storage StorageConfig `toml:"storage" json:"storage"`

	// REPL / TUI defaults
	Client ClientConfig `toml:"client" json:"client"`

	Logging LoggingConfig `toml:"logging" json:"logging"`

	// Personas adds catalog entries or overrides builtin ones by id.
	Personas []persona.Persona `toml:"personas" json:"personas,omitempty"`
}

// ServerConfig contains chat endpoint configuration.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `toml:"addr" json:"addr"`
	// AllowedOrigins for CORS. "*" allows any origin.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
	// TrustedProxies whose X-Forwarded-For is honored when logging clients.
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies,omitempty"`
}

// UpstreamConfig contains completion API configuration.
type UpstreamConfig struct {
	URL         string                 `toml:"url" json:"url"`
	APIKey      string                 `toml:"api_key" json:"api_key"`
	TimeoutSecs int                    `toml:"timeout_secs" json:"timeout_secs"`
	Params      cloud.GenerationParams `toml:"params" json:"params"`
}

// Timeout returns the relay time budget.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSecs) * time.Second
}

// StorageConfig selects the session store.
type StorageConfig struct {
	// Backend is "file", "sqlite" or "memory".
	Backend string `toml:"backend" json:"backend"`
	// Path of the file or database. Empty uses ~/.chaterp/sessions.{json,db}.
	Path string `toml:"path" json:"path"`
}

// ClientConfig contains defaults for the terminal front-ends.
type ClientConfig struct {
	// Endpoint is the chat endpoint URL. Empty calls the upstream directly.
	Endpoint  string `toml:"endpoint" json:"endpoint"`
	Persona   string `toml:"persona" json:"persona"`
	Stream    bool   `toml:"stream" json:"stream"`
	ThinkMode bool   `toml:"think_mode" json:"think_mode"`
	// Theme is the glamour style: "auto", "dark", "light" or "notty".
	Theme string `toml:"theme" json:"theme"`
	// Resume reopens the most recent session on start.
	Resume bool `toml:"resume" json:"resume"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
	File  string `toml:"file" json:"file"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			Addr:           "127.0.0.1:3000",
			AllowedOrigins: []string{"*"},
		},

		Upstream: UpstreamConfig{
			URL:         cloud.DefaultEndpoint,
			APIKey:      "",
			TimeoutSecs: int(cloud.DefaultTimeout / time.Second),
			Params:      cloud.DefaultParams(),
		},

		Storage: StorageConfig{
			Backend: storage.BackendFile,
		},

		Client: ClientConfig{
			Endpoint:  "",
			Persona:   persona.DefaultID,
			Stream:    false,
			ThinkMode: false,
			Theme:     "auto",
			Resume:    true,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the chaterp configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chaterp"), nil
}

// ConfigPathTOML returns the path to the TOML config file. CHATERP_CONFIG
// overrides the default location.
func ConfigPathTOML() (string, error) {
	if p := os.Getenv("CHATERP_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, util.DefaultDirPerm)
}

// ensureSecurePermissions tightens config files to 0600 since they may
// hold the API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// StoragePath returns the configured store location, or the default for
// the backend.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	switch c.Storage.Backend {
	case storage.BackendSQLite:
		return filepath.Join(dir, "sessions.db"), nil
	case storage.BackendMemory:
		return "", nil
	default:
		return filepath.Join(dir, "sessions.json"), nil
	}
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// LoadDotEnv loads .env from the working directory and the config
// directory. Variables already set in the environment win.
func LoadDotEnv() {
	candidates := []string{".env"}
	if dir, err := ConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			logger.Warn("failed to load env file", "path", p, "err", err)
		}
	}
}

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	LoadDotEnv()

	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return finish(LoadTOML, tomlPath)
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return finish(LoadJSON, jsonPath)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func finish(load func(*Config, string) error, path string) (*Config, error) {
	cfg := Default()
	if err := load(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		logger.Warn("could not ensure secure permissions", "path", path, "err", err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	for _, key := range md.Undecoded() {
		logger.Warn("unknown config key", "path", path, "key", key.String())
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		logger.Warn("could not ensure secure permissions", "path", path, "err", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation. Missing keys keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	if strings.HasSuffix(path, ".json") {
		return finish(LoadJSON, path)
	}
	return finish(LoadTOML, path)
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# chaterp configuration file")
	fmt.Fprintln(&buf, "# Generated by chaterp - edit with care")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
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
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// MaxTimeoutSecs bounds upstream.timeout_secs.
const MaxTimeoutSecs = 3600

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate validates the configuration. The returned error is a
// ValidateErrors listing every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if _, port, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "invalid address %q: %v", c.Server.Addr, err)
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		add("server.addr", "invalid port %q", port)
	}
	for _, o := range c.Server.AllowedOrigins {
		if o != "*" && !isHTTPURL(o) {
			add("server.allowed_origins", "invalid origin %q", o)
		}
	}

	// Upstream
	if !isHTTPURL(c.Upstream.URL) {
		add("upstream.url", "must be an http(s) URL, got %q", c.Upstream.URL)
	}
	if c.Upstream.TimeoutSecs <= 0 || c.Upstream.TimeoutSecs > MaxTimeoutSecs {
		add("upstream.timeout_secs", "must be between 1 and %d, got %d", MaxTimeoutSecs, c.Upstream.TimeoutSecs)
	}
	p := c.Upstream.Params
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		add("upstream.params.temperature", "must be between 0 and 2")
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		add("upstream.params.top_p", "must be between 0 and 1")
	}
	for name, v := range map[string]*float64{
		"presence_penalty":  p.PresencePenalty,
		"frequency_penalty": p.FrequencyPenalty,
	} {
		if v != nil && (*v < -2 || *v > 2) {
			add("upstream.params."+name, "must be between -2 and 2")
		}
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		add("upstream.params.max_tokens", "must be positive")
	}

	// Storage
	switch c.Storage.Backend {
	case storage.BackendFile, storage.BackendSQLite, storage.BackendMemory:
	default:
		add("storage.backend", "invalid backend %q, must be one of: file, sqlite, memory", c.Storage.Backend)
	}

	// Client
	if c.Client.Endpoint != "" && !isHTTPURL(c.Client.Endpoint) {
		add("client.endpoint", "must be an http(s) URL, got %q", c.Client.Endpoint)
	}
	switch c.Client.Theme {
	case "auto", "dark", "light", "notty", "ascii":
	default:
		add("client.theme", "invalid theme %q", c.Client.Theme)
	}

	// Logging
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level", "invalid level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	// Personas
	for i, ps := range c.Personas {
		id := strings.TrimSpace(ps.ID)
		if id == "" {
			add(fmt.Sprintf("personas[%d].id", i), "must not be empty")
		} else if strings.ContainsAny(id, " \t/") {
			add(fmt.Sprintf("personas[%d].id", i), "invalid id %q", ps.ID)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SetDefaults sets default values for any missing or zero-value fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = defaults.Server.AllowedOrigins
	}

	if c.Upstream.URL == "" {
		c.Upstream.URL = defaults.Upstream.URL
	}
	if c.Upstream.TimeoutSecs == 0 {
		c.Upstream.TimeoutSecs = defaults.Upstream.TimeoutSecs
	}
	if c.Upstream.Params.Model == "" {
		c.Upstream.Params.Model = defaults.Upstream.Params.Model
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)

	if c.Client.Persona == "" {
		c.Client.Persona = defaults.Client.Persona
	}
	if c.Client.Theme == "" {
		c.Client.Theme = defaults.Client.Theme
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - API_URL: overrides upstream.url
//   - API_KEY: overrides upstream.api_key
//   - CHATERP_ADDR: overrides server.addr
//   - CHATERP_MODEL: overrides upstream.params.model
//   - CHATERP_TIMEOUT_SECS: overrides upstream.timeout_secs
//   - CHATERP_STORAGE_BACKEND: overrides storage.backend
//   - CHATERP_STORAGE_PATH: overrides storage.path
//   - CHATERP_ENDPOINT: overrides client.endpoint
//   - CHATERP_LOG_LEVEL: overrides logging.level
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("API_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("CHATERP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CHATERP_MODEL"); v != "" {
		c.Upstream.Params.Model = v
	}
	if v := os.Getenv("CHATERP_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Upstream.TimeoutSecs = n
		} else {
			logger.Warn("ignoring CHATERP_TIMEOUT_SECS", "value", v, "err", err)
		}
	}
	if v := os.Getenv("CHATERP_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("CHATERP_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CHATERP_ENDPOINT"); v != "" {
		c.Client.Endpoint = v
	}
	if v := os.Getenv("CHATERP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// =============================================================================
// DERIVED OBJECTS
// =============================================================================

// PersonaCatalog returns the builtin catalog with configured personas
// merged over it.
func (c *Config) PersonaCatalog() *persona.Catalog {
	return persona.New(c.Personas...)
}

// CloudClient returns an upstream client for the configured API.
func (c *Config) CloudClient() *cloud.Client {
	return cloud.NewClient(c.Upstream.APIKey).
		WithEndpoint(c.Upstream.URL).
		WithTimeout(c.Upstream.Timeout()).
		WithParams(c.Upstream.Params)
}

// OpenSessionStore opens the configured session store.
func (c *Config) OpenSessionStore() (*storage.SessionStore, error) {
	path, err := c.StoragePath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), util.DefaultDirPerm); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	kv, err := storage.OpenKV(c.Storage.Backend, path)
	if err != nil {
		return nil, err
	}
	return storage.NewSessionStore(kv), nil
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation
// (e.g., "upstream.timeout_secs").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return nil, nil
		}
		return field.Elem().Interface(), nil
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go
// field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type
// conversion. Strings are parsed for numeric, bool and pointer fields.
func setFieldValue(field reflect.Value, value interface{}) error {
	if field.Kind() == reflect.Ptr {
		elem := reflect.New(field.Type().Elem())
		if err := setFieldValue(elem.Elem(), value); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, s := range strings.Split(strVal, ",") {
					if s = strings.TrimSpace(s); s != "" {
						items = append(items, s)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetAllKeys returns all scalar configuration keys in dot notation.
func GetAllKeys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := strings.Split(f.Tag.Get("toml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
				walk(f.Type, prefix+name+".")
				continue
			}
			if f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Struct {
				continue
			}
			keys = append(keys, prefix+name)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	clone.Server.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	clone.Personas = append([]persona.Persona(nil), c.Personas...)

	p := &clone.Upstream.Params
	p.Temperature = clonePtr(p.Temperature)
	p.PresencePenalty = clonePtr(p.PresencePenalty)
	p.FrequencyPenalty = clonePtr(p.FrequencyPenalty)
	p.TopP = clonePtr(p.TopP)
	p.MaxTokens = clonePtr(p.MaxTokens)
	return &clone
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Redacted returns a copy with the API key masked.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.Upstream.APIKey != "" {
		safe.Upstream.APIKey = "[REDACTED]"
	}
	return safe
}

// String returns a JSON rendering of the config with secrets redacted.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			logger.Warn("using default config", "err", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
