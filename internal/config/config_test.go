// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chaterp/internal/cloud"
	"github.com/jeranaias/chaterp/internal/persona"
	"github.com/jeranaias/chaterp/internal/storage"
)

// isolate points HOME at a temp dir and clears every variable Load reads.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, k := range []string{
		"CHATERP_CONFIG", "API_URL", "API_KEY", "CHATERP_ADDR", "CHATERP_MODEL",
		"CHATERP_TIMEOUT_SECS", "CHATERP_STORAGE_BACKEND", "CHATERP_STORAGE_PATH",
		"CHATERP_ENDPOINT", "CHATERP_LOG_LEVEL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:3000", cfg.Server.Addr)
	assert.Equal(t, cloud.DefaultEndpoint, cfg.Upstream.URL)
	assert.Equal(t, 2*time.Minute, cfg.Upstream.Timeout())
	assert.Equal(t, cloud.DefaultModel, cfg.Upstream.Params.Model)
	assert.Equal(t, storage.BackendFile, cfg.Storage.Backend)
	assert.Equal(t, persona.DefaultID, cfg.Client.Persona)
	assert.False(t, cfg.Client.Stream, "non-streaming is the default")
}

func TestLoad_NoFiles(t *testing.T) {
	isolate(t)
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	assert.Empty(t, cfg.Upstream.APIKey)
}

func TestLoadFromPath_TOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[server]
addr = "0.0.0.0:8080"
allowed_origins = ["https://erp.example.com"]

[upstream]
api_key = "sk-file"
timeout_secs = 30

[upstream.params]
model = "deepseek-r1"
temperature = 0.2

[storage]
backend = "SQLite"

[[personas]]
id = "general"
system_prompt = "Be terse."

[[personas]]
id = "auditor"
name = "Auditor"
description = "Checks the books"
system_prompt = "You audit."
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, []string{"https://erp.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "sk-file", cfg.Upstream.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout())
	assert.Equal(t, "deepseek-r1", cfg.Upstream.Params.Model)
	require.NotNil(t, cfg.Upstream.Params.Temperature)
	assert.Equal(t, 0.2, *cfg.Upstream.Params.Temperature)
	require.NotNil(t, cfg.Upstream.Params.TopP, "unset params keep their defaults")
	assert.Equal(t, 1.0, *cfg.Upstream.Params.TopP)
	assert.Equal(t, storage.BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, cloud.DefaultEndpoint, cfg.Upstream.URL)

	catalog := cfg.PersonaCatalog()
	assert.Equal(t, "Be terse.", catalog.Lookup("general").SystemPrompt)
	assert.Equal(t, "General Assistant", catalog.Lookup("general").Name)
	assert.Equal(t, "Auditor", catalog.Lookup("auditor").Name)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "permissions are tightened on load")
}

func TestLoadFromPath_JSON(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"client": {"endpoint": "http://localhost:3000/chat", "stream": true}}`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/chat", cfg.Client.Endpoint)
	assert.True(t, cfg.Client.Stream)
	assert.Equal(t, "auto", cfg.Client.Theme)
}

func TestLoadFromPath_Errors(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	_, err := LoadFromPath(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.toml")
	writeFile(t, bad, "[server\naddr=")
	_, err = LoadFromPath(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.toml")
	writeFile(t, invalid, "[storage]\nbackend = \"redis\"\n")
	_, err = LoadFromPath(invalid)
	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs), "err = %v", err)
	assert.Equal(t, "storage.backend", verrs[0].Field)
}

func TestLoad_ConfigEnvPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.toml")
	writeFile(t, path, "[logging]\nlevel = \"debug\"\n")
	t.Setenv("CHATERP_CONFIG", path)
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_JSONFallback(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".chaterp", "config.json"), `{"server": {"addr": "127.0.0.1:4000"}}`)
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", cfg.Server.Addr)
}

func TestLoad_DotEnv(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), "API_KEY=sk-dotenv\nAPI_URL=http://localhost:9999/v1/chat/completions\n")
	t.Chdir(dir)
	t.Setenv("API_URL", "http://override.local/v1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-dotenv", cfg.Upstream.APIKey)
	assert.Equal(t, "http://override.local/v1", cfg.Upstream.URL, "the real environment wins over .env")
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("API_URL", "https://llm.example.com/v1/chat/completions")
	t.Setenv("API_KEY", "sk-env")
	t.Setenv("CHATERP_ADDR", ":9000")
	t.Setenv("CHATERP_MODEL", "gpt-4o")
	t.Setenv("CHATERP_TIMEOUT_SECS", "45")
	t.Setenv("CHATERP_STORAGE_BACKEND", "memory")
	t.Setenv("CHATERP_STORAGE_PATH", "/tmp/x.json")
	t.Setenv("CHATERP_ENDPOINT", "http://127.0.0.1:3000/chat")
	t.Setenv("CHATERP_LOG_LEVEL", "warn")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "https://llm.example.com/v1/chat/completions", cfg.Upstream.URL)
	assert.Equal(t, "sk-env", cfg.Upstream.APIKey)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "gpt-4o", cfg.Upstream.Params.Model)
	assert.Equal(t, 45, cfg.Upstream.TimeoutSecs)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/x.json", cfg.Storage.Path)
	assert.Equal(t, "http://127.0.0.1:3000/chat", cfg.Client.Endpoint)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvOverrides_BadTimeoutIgnored(t *testing.T) {
	isolate(t)
	t.Setenv("CHATERP_TIMEOUT_SECS", "soon")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, 120, cfg.Upstream.TimeoutSecs)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = "no-port"
	cfg.Server.AllowedOrigins = []string{"*", "ftp://x"}
	cfg.Upstream.URL = "not a url"
	cfg.Upstream.TimeoutSecs = 0
	cfg.Upstream.Params.Temperature = cloud.Float(3)
	cfg.Upstream.Params.TopP = cloud.Float(-1)
	cfg.Upstream.Params.PresencePenalty = cloud.Float(5)
	cfg.Upstream.Params.MaxTokens = cloud.Int(0)
	cfg.Storage.Backend = "redis"
	cfg.Client.Endpoint = "localhost:3000"
	cfg.Client.Theme = "neon"
	cfg.Logging.Level = "loud"
	cfg.Personas = []persona.Persona{{ID: ""}, {ID: "has space"}}

	err := cfg.Validate()
	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))

	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"server.addr", "server.allowed_origins", "upstream.url", "upstream.timeout_secs",
		"upstream.params.temperature", "upstream.params.top_p",
		"upstream.params.presence_penalty", "upstream.params.max_tokens",
		"storage.backend", "client.endpoint", "client.theme", "logging.level",
		"personas[0].id", "personas[1].id",
	} {
		assert.True(t, fields[want], "missing error for %s in %v", want, err)
	}
}

func TestValidate_Timeout(t *testing.T) {
	cfg := Default()
	cfg.Upstream.TimeoutSecs = MaxTimeoutSecs + 1
	assert.Error(t, cfg.Validate())
	cfg.Upstream.TimeoutSecs = MaxTimeoutSecs
	assert.NoError(t, cfg.Validate())
}

func TestValidateErrors_Message(t *testing.T) {
	assert.Equal(t, "no validation errors", ValidateErrors{}.Error())
	errs := ValidateErrors{{Field: "a", Message: "bad"}, {Field: "b", Message: "worse"}}
	assert.Equal(t, "a: bad; b: worse", errs.Error())
}

func TestSetDefaults_FillsZeroValues(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{Backend: "SQLITE"}}
	cfg.SetDefaults()

	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	assert.Equal(t, 120, cfg.Upstream.TimeoutSecs)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// SAVE
// =============================================================================

func TestSaveTOML_RoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := Default()
	cfg.Upstream.APIKey = "sk-saved"
	cfg.Client.ThinkMode = true
	cfg.Personas = []persona.Persona{{ID: "auditor", Name: "Auditor", SystemPrompt: "You audit."}}
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# chaterp configuration file"))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-saved", loaded.Upstream.APIKey)
	assert.True(t, loaded.Client.ThinkMode)
	require.Len(t, loaded.Personas, 1)
	assert.Equal(t, "You audit.", loaded.Personas[0].SystemPrompt)
}

func TestSaveJSON_RoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Server.Addr = "127.0.0.1:3100"
	require.NoError(t, SaveJSON(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3100", loaded.Server.Addr)
}

// =============================================================================
// DOT NOTATION
// =============================================================================

func TestGetSet(t *testing.T) {
	cfg := Default()

	v, err := cfg.Get("server.addr")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", v)

	require.NoError(t, cfg.Set("upstream.timeout_secs", "60"))
	assert.Equal(t, 60, cfg.Upstream.TimeoutSecs)

	require.NoError(t, cfg.Set("upstream.params.temperature", "0.9"))
	v, err = cfg.Get("upstream.params.temperature")
	require.NoError(t, err)
	assert.Equal(t, 0.9, v)

	require.NoError(t, cfg.Set("client.stream", "yes"))
	assert.True(t, cfg.Client.Stream)

	require.NoError(t, cfg.Set("server.allowed_origins", "https://a.example, https://b.example"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)

	_, err = cfg.Get("server.nope")
	assert.Error(t, err)
	_, err = cfg.Get("server.addr.deeper")
	assert.Error(t, err)
	assert.Error(t, cfg.Set("upstream.timeout_secs", "soon"))
	_, err = cfg.Get("")
	assert.Error(t, err)
}

func TestGetAllKeys(t *testing.T) {
	keys := GetAllKeys()
	for _, want := range []string{
		"version", "server.addr", "upstream.api_key", "upstream.params.temperature",
		"storage.backend", "client.theme", "logging.level",
	} {
		assert.Contains(t, keys, want)
	}
	assert.NotContains(t, keys, "personas")

	cfg := Default()
	for _, k := range keys {
		_, err := cfg.Get(k)
		assert.NoError(t, err, "key %s", k)
	}
}

func TestString_RedactsKey(t *testing.T) {
	cfg := Default()
	cfg.Upstream.APIKey = "sk-very-secret"

	out := cfg.String()
	assert.NotContains(t, out, "sk-very-secret")
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "sk-very-secret", cfg.Upstream.APIKey, "String must not modify the original")
}

func TestClone_IsDeep(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()

	*clone.Upstream.Params.Temperature = 1.5
	clone.Server.AllowedOrigins[0] = "https://changed"

	assert.Equal(t, 0.5, *cfg.Upstream.Params.Temperature)
	assert.Equal(t, "*", cfg.Server.AllowedOrigins[0])
}

// =============================================================================
// DERIVED OBJECTS
// =============================================================================

func TestStoragePath(t *testing.T) {
	home := isolate(t)
	cfg := Default()

	p, err := cfg.StoragePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".chaterp", "sessions.json"), p)

	cfg.Storage.Backend = storage.BackendSQLite
	p, _ = cfg.StoragePath()
	assert.Equal(t, filepath.Join(home, ".chaterp", "sessions.db"), p)

	cfg.Storage.Backend = storage.BackendMemory
	p, _ = cfg.StoragePath()
	assert.Empty(t, p)

	cfg.Storage.Path = "/data/chat.db"
	p, _ = cfg.StoragePath()
	assert.Equal(t, "/data/chat.db", p)
}

func TestOpenSessionStore(t *testing.T) {
	isolate(t)
	for _, backend := range []string{storage.BackendFile, storage.BackendSQLite, storage.BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			cfg := Default()
			cfg.Storage.Backend = backend

			store, err := cfg.OpenSessionStore()
			require.NoError(t, err)
			defer store.Close()

			conv := storage.NewConversation(persona.DefaultID, storage.ModeFlags{})
			conv.Messages = append(conv.Messages, storage.NewUserMessage("hello"))
			require.NoError(t, store.Save(conv.SessionID, conv))

			id, ok, err := store.MostRecent()
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, conv.SessionID, id)
		})
	}
}

func TestCloudClient(t *testing.T) {
	cfg := Default()
	cfg.Upstream.APIKey = "sk-abcdefghijkl"
	cfg.Upstream.URL = "http://127.0.0.1:1/v1/chat/completions"
	cfg.Upstream.TimeoutSecs = 7

	c := cfg.CloudClient()
	assert.True(t, c.IsConfigured())
	assert.Equal(t, cfg.Upstream.URL, c.Endpoint())
	assert.Equal(t, 7*time.Second, c.Timeout())
	assert.Equal(t, cloud.DefaultModel, c.Params().Model)
}

// =============================================================================
// WATCH
// =============================================================================

func TestWatch_ReloadsOnChange(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[server]\naddr = \"127.0.0.1:3000\"\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, func(cfg *Config, err error) {
		if err == nil {
			reloaded <- cfg
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, path, "[server]\naddr = \"127.0.0.1:3001\"\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "127.0.0.1:3001", cfg.Server.Addr)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatch_ReportsInvalidFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "")

	failures := make(chan error, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, func(cfg *Config, err error) {
		if err != nil {
			failures <- err
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeFile(t, path, "[storage]\nbackend = \"tape\"\n")

	select {
	case err := <-failures:
		assert.Contains(t, err.Error(), "storage.backend")
	case <-time.After(5 * time.Second):
		t.Fatal("invalid config was not reported")
	}
}

func TestNewWatcher_MissingDir(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "gone", "config.toml"), 0, func(*Config, error) {})
	assert.Error(t, err)
}

// =============================================================================
// GLOBAL
// =============================================================================

func TestConfig_ConcurrentAccess(t *testing.T) {
	isolate(t)
	t.Chdir(t.TempDir())
	ResetGlobalForTesting()
	t.Cleanup(ResetGlobalForTesting)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetGlobal(Default())
		}()
		go func() {
			defer wg.Done()
			if Global() == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}

func TestConfig_GlobalInitialization(t *testing.T) {
	isolate(t)
	t.Chdir(t.TempDir())
	ResetGlobalForTesting()
	t.Cleanup(ResetGlobalForTesting)

	cfg := Global()
	require.NotNil(t, cfg)
	assert.Equal(t, Default().Version, cfg.Version)

	custom := Default()
	custom.Server.Addr = "127.0.0.1:3999"
	SetGlobal(custom)
	assert.Equal(t, "127.0.0.1:3999", Global().Server.Addr)

	require.NoError(t, ReloadGlobal())
	assert.Equal(t, Default().Server.Addr, Global().Server.Addr)
}
