package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharnoff/strobe/internal/config"
)

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "strobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	assert.NoError(t, config.Validate(config.Default()))
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
name: living-room
log_level: debug
network:
  broadcast: ["192.168.1.255:56700"]
retry:
  gaps: [100ms, 250ms]
  timeout: 3s
mqtt:
  broker: localhost:1883
  qos: 1
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "living-room", cfg.Name)
	assert.Equal(t, []string{"192.168.1.255:56700"}, cfg.Network.Broadcast)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 250 * time.Millisecond}, cfg.Retry.Gaps)
	assert.Equal(t, 3*time.Second, cfg.Retry.Timeout)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "living-room", cfg.MQTT.ClientID)

	// untouched sections keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Discovery.Interval)
	assert.Equal(t, 4, cfg.Pool.Workers)

	level, err := config.ParseLevel(cfg.LogLevel)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"no broadcast":     "network:\n  broadcast: []\n",
		"bad gap":          "retry:\n  gaps: [0s]\n",
		"forget too early": "discovery:\n  interval: 1m\n  forget_after: 10s\n",
		"bad qos":          "mqtt:\n  qos: 3\n",
		"bad level":        "log_level: loud\n",
		"no workers":       "pool:\n  workers: 0\n",
		"not yaml":         "{{{",
	}

	for name, contents := range cases {
		_, err := config.Load(writeConfig(t, contents))
		assert.Error(t, err, name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
