package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 300*time.Millisecond, cfg.Coordinator.Debounce)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, time.Minute, cfg.Cache.CleanupInterval)
	assert.Empty(t, cfg.Caches)
}

func TestParseFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
upstream:
  base_url: https://api.example.com/v1
coordinator:
  debounce: 150ms
  refresh_delay: 0s
storage:
  backend: pebble
  path: /tmp/snapshots
caches:
  - name: groups
    ttl: 5m
    max_size: 100
    persist: true
  - name: students
    ttl: 30s
`)

	cfg, err := Parse(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://api.example.com/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, 150*time.Millisecond, cfg.Coordinator.Debounce)
	assert.Zero(t, cfg.Coordinator.RefreshDelay)
	assert.Equal(t, BackendPebble, cfg.Storage.Backend)
	require.Len(t, cfg.Caches, 2)
	assert.Equal(t, NamedCache{Name: "groups", TTL: 5 * time.Minute, MaxSize: 100, Persist: true}, cfg.Caches[0])
	assert.Equal(t, 30*time.Second, cfg.Caches[1].TTL)
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("APP_SERVER_PORT", "7070")
	t.Setenv("APP_COORDINATOR_DEBOUNCE", "1s")

	cfg, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.Coordinator.Debounce)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad port", "server:\n  port: 70000\n"},
		{"unknown backend", "storage:\n  backend: redis\n"},
		{"negative ttl", "caches:\n  - name: a\n    ttl: -1m\n"},
		{"unnamed cache", "caches:\n  - ttl: 1m\n"},
		{"duplicate cache", "caches:\n  - name: a\n  - name: a\n"},
		{"negative max size", "caches:\n  - name: a\n    max_size: -1\n"},
		{"no inflight slots", "coordinator:\n  max_inflight: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndReload(t *testing.T) {
	require.NoError(t, Load(writeConfig(t, "server:\n  port: 8181\n")))
	assert.Equal(t, 8181, Get().Server.Port)

	require.NoError(t, Reload(writeConfig(t, "server:\n  port: 8282\n")))
	assert.Equal(t, 8282, Get().Server.Port)

	assert.Error(t, Load("/does/not/exist.yaml"))
	assert.Equal(t, 8282, Get().Server.Port, "failed load keeps the previous config")
}
