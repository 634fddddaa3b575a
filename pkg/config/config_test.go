// Copyright 2026 Skeinworks
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinworks/skein/pkg/types"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "hashing-v1", cfg.EmbeddingModelName)
	assert.Equal(t, 1000, cfg.MaxQueueSize)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout())
	assert.Equal(t, time.Minute, cfg.CacheTTL())
	assert.Equal(t, 3.0, cfg.AnomalyThresholdSigma)
	assert.Equal(t, 30*time.Minute, cfg.ReviewDeadline())
	assert.Equal(t, ":8420", cfg.Server.ListenAddress)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat())
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.TemplateDebounce())
	assert.Equal(t, filepath.Join(cfg.DataDir, "knowledge"), cfg.PersistDirectory)
	assert.Equal(t, filepath.Join(cfg.DataDir, "templates"), cfg.Templates.Directory)
}

func TestLoadWithoutConfigFile(t *testing.T) {
	t.Setenv("SKEIN_DATA_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.MaxQueueSize)
	assert.Equal(t, os.Getenv("SKEIN_DATA_DIR"), cfg.DataDir)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SKEIN_DATA_DIR", dir)

	body := `max_queue_size: 64
embedding_model_name: hashing-v1
persist_directory: ` + filepath.Join(dir, "kb") + `
server:
  listen_address: "127.0.0.1:9000"
  heartbeat_seconds: 5
templates:
  hot_reload: false
logging:
  level: debug
  format: json
`
	path := filepath.Join(dir, "skein.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.MaxQueueSize)
	assert.Equal(t, filepath.Join(dir, "kb"), cfg.PersistDirectory)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddress)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat())
	assert.False(t, cfg.Templates.HotReload)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Untouched keys keep their defaults.
	assert.Equal(t, 30, cfg.DefaultTimeoutSeconds)
}

func TestLoadSearchesDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SKEIN_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skein.yaml"),
		[]byte("max_queue_size: 7\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxQueueSize)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SKEIN_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skein.yaml"),
		[]byte("max_queue_size: 7\nserver:\n  listen_address: \":1\"\n"), 0o644))
	t.Setenv("SKEIN_MAX_QUEUE_SIZE", "128")
	t.Setenv("SKEIN_SERVER_LISTEN_ADDRESS", ":2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.MaxQueueSize, "environment beats the file")
	assert.Equal(t, ":2", cfg.Server.ListenAddress)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SKEIN_DATA_DIR", dir)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	_, err := Load(path)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SKEIN_DATA_DIR", dir)
	path := filepath.Join(dir, "skein.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_queue_size: 0\n"), 0o644))

	_, err := Load(path)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty embedding model", func(c *Config) { c.EmbeddingModelName = "" }},
		{"zero queue", func(c *Config) { c.MaxQueueSize = 0 }},
		{"zero timeout", func(c *Config) { c.DefaultTimeoutSeconds = 0 }},
		{"negative cache ttl", func(c *Config) { c.CacheTTLSeconds = -1 }},
		{"zero sigma", func(c *Config) { c.AnomalyThresholdSigma = 0 }},
		{"zero review deadline", func(c *Config) { c.ReviewDefaultDeadlineMinutes = 0 }},
		{"empty listen address", func(c *Config) { c.Server.ListenAddress = "" }},
		{"zero heartbeat", func(c *Config) { c.Server.HeartbeatSeconds = 0 }},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeoutSeconds = 0 }},
		{"negative debounce", func(c *Config) { c.Templates.DebounceMs = -1 }},
		{"bogus log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bogus log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Equal(t, types.ErrValidation, types.KindOf(cfg.Validate()))
		})
	}
}
