package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval.Std())
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PhaseInterval.Std())
	assert.Equal(t, 720*time.Hour, cfg.Scheduler.Retention.Std())
	assert.Equal(t, "none", cfg.Narrative.Backend)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proxim8.yml"), []byte("scheduler:\n  interval: 5s\nnarrative:\n  backend: ollama\n  model: phi4\n"), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval.Std())
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PhaseInterval.Std())
	assert.Equal(t, "ollama", cfg.Narrative.Backend)
	assert.Equal(t, "phi4", cfg.Narrative.Model)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration":  "scheduler:\n  interval: soon\n",
		"zero interval": "scheduler:\n  interval: 0s\n",
		"backend":       "narrative:\n  backend: markov\n",
		"log level":     "log:\n  level: loud\n",
		"log format":    "log:\n  format: xml\n",
		"addr":          "server:\n  addr: nowhere\n",
		"base path":     "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSet(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Set("scheduler.interval", "10s"))
	require.NoError(t, cfg.Set("narrative.backend", "Gemini"))
	require.NoError(t, cfg.Set("scheduler.batch_size", "7"))
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Interval.Std())
	assert.Equal(t, "gemini", cfg.Narrative.Backend)
	assert.Equal(t, 7, cfg.Scheduler.BatchSize)
	assert.Error(t, cfg.Set("scheduler.interval", "later"))
	assert.Error(t, cfg.Set("unknown.key", "x"))
	assert.Contains(t, Keys(), "server.addr")
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Set("scheduler.retention", "48h"))
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "retention: 48h0m0s")
	back, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
