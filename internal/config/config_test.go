package config

import (
	"errors"
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
	assert.Equal(t, "0.0.0.0:5000", cfg.Addr())
	assert.Equal(t, 60*time.Second, cfg.HardCeiling())
	assert.Equal(t, 30*time.Second, cfg.RuntimeTimeout())
	assert.Equal(t, 30*time.Second, cfg.ReachabilityTTL())
	assert.Equal(t, 5*time.Minute, cfg.HostProfileTTL())
	assert.True(t, cfg.EnableInProcess)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BUFALA_RUNTIME_HOST", "http://10.0.0.2:11434")
	t.Setenv("BUFALA_HARD_CEILING", "15")
	t.Setenv("BUFALA_FORCE_MODEL", "gemma3n:e2b")
	t.Setenv("BUFALA_IN_PROCESS_FALLBACK", "false")
	t.Setenv("BUFALA_PORT", "not-a-number")

	cfg := LoadConfig()
	assert.Equal(t, "http://10.0.0.2:11434", cfg.RuntimeHost)
	assert.Equal(t, 15, cfg.HardCeilingSeconds)
	assert.Equal(t, "gemma3n:e2b", cfg.ForceModel)
	assert.False(t, cfg.EnableInProcess)
	assert.Equal(t, 5000, cfg.ServerPort)
}

func TestFileWinsOverEnv(t *testing.T) {
	t.Setenv("BUFALA_HARD_CEILING", "15")
	t.Setenv("BUFALA_LOG_LEVEL", "debug")

	path := filepath.Join(t.TempDir(), "bufala.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hard_request_ceiling_seconds: 20\nserver_port: 8080\n"), 0644))

	cfg, err := LoadWithPriority(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.HardCeilingSeconds)
	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://localhost:11434", cfg.RuntimeHost)
}

func TestLoadFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bufala.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"force_model":"gemma3n:lite","log_json":true}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "gemma3n:lite", cfg.ForceModel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, 60, cfg.HardCeilingSeconds)
}

func TestMalformedFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bufala.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_port: [1, 2\n"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatalConfig))

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "bufala.toml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"port":          func(c *Config) { c.ServerPort = 0 },
		"runtime host":  func(c *Config) { c.RuntimeHost = "not a url" },
		"ceiling":       func(c *Config) { c.HardCeilingSeconds = 0 },
		"log level":     func(c *Config) { c.LogLevel = "verbose" },
		"lexicon":       func(c *Config) { c.LexiconPath = filepath.Join(os.TempDir(), "bufala-no-lexicon.yaml") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrFatalConfig)
		})
	}
}

func TestValidateNormalizesLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = " WARN "
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.ForceModel = "gemma3n:e4b"
	cfg.HardCeilingSeconds = 45

	for _, name := range []string{"out.yaml", "out.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, cfg.SaveToFile(path))
		loaded, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, cfg, loaded, name)
	}
}
