package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unnamed-rts/server/internal/sim"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 20, cfg.TickRate)
	assert.Equal(t, sim.PolicyDespawn, cfg.Policy())
	assert.Equal(t, sim.DefaultRules(), cfg.Rules())
	assert.Equal(t, 8, cfg.TransportConfig().RetryLimit)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
tick_rate: 30
admin_listen: ":9000"
transport:
  retry_limit: 5
  retry_base: 20ms
  retry_max: 1s
session:
  idle_timeout: 3s
  despawn_policy: observe
snapshot:
  checkpoint_interval: 6
simulation:
  unit_speed: 4.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.TickRate)
	assert.Equal(t, ":9000", cfg.AdminListen)
	assert.Equal(t, 5, cfg.Transport.RetryLimit)
	assert.Equal(t, 20*time.Millisecond, cfg.TransportConfig().RetryBase)
	assert.Equal(t, 3*time.Second, cfg.SessionConfig().IdleTimeout)
	assert.Equal(t, sim.PolicyObserve, cfg.Policy())
	assert.Equal(t, uint64(6), cfg.Snapshot.CheckpointInterval)
	assert.Equal(t, 4.5, cfg.Rules().UnitSpeed)
	// untouched sections keep their defaults
	assert.Equal(t, 64, cfg.Session.CommandCapacity)
	assert.Equal(t, 8, cfg.Snapshot.CheckpointRetention)
}

func TestSchemaRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "tick_rat: 20\n",
		"bad duration":   "transport:\n  retry_base: soon\n",
		"bad policy":     "session:\n  despawn_policy: freeze\n",
		"negative":       "session:\n  command_capacity: 0\n",
		"wrong type":     "tick_rate: fast\n",
		"bad log format": "log:\n  format: xml\n",
		"malformed yaml": "tick_rate: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestSchemaErrorNamesField(t *testing.T) {
	_, err := Load(writeConfig(t, "transport:\n  retry_limit: -1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport.retry_limit")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "tick_rate: 30\n")
	t.Setenv("RTS_TICK_RATE", "60")
	t.Setenv("RTS_DESPAWN_POLICY", "observe")
	t.Setenv("RTS_SESSION_IDLE_TIMEOUT", "45s")
	t.Setenv("RTS_AUDIT_DB", "/tmp/audit.db")
	t.Setenv("RTS_EVENT_LOG", "/tmp/events.ndjson")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.TickRate)
	assert.Equal(t, sim.PolicyObserve, cfg.Policy())
	assert.Equal(t, 45*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, "/tmp/audit.db", cfg.AuditDB)
	assert.Equal(t, "/tmp/events.ndjson", cfg.EventLog)
}

func TestEnvironmentValuesAreValidated(t *testing.T) {
	t.Setenv("RTS_RETRY_BASE", "later")
	_, err := Load("")
	assert.True(t, eris.Is(err, ErrInvalid))

	t.Setenv("RTS_RETRY_BASE", "")
	t.Setenv("RTS_DESPAWN_POLICY", "freeze")
	_, err = Load("")
	assert.True(t, eris.Is(err, ErrInvalid))
}

func TestTransportIdleTimeoutFollowsSession(t *testing.T) {
	cfg, err := Load(writeConfig(t, "session:\n  idle_timeout: 4s\n"))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.TransportConfig().IdleTimeout)
	assert.Equal(t, cfg.SessionConfig().IdleTimeout, cfg.TransportConfig().IdleTimeout)

	cfg, err = Load(writeConfig(t, "transport:\n  idle_timeout: 4s\nsession:\n  idle_timeout: 4s\n"))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.TransportConfig().IdleTimeout)

	_, err = Load(writeConfig(t, "transport:\n  idle_timeout: 30s\nsession:\n  idle_timeout: 4s\n"))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "transport.idle_timeout")
}

func TestMinPlayersFromFileAndEnv(t *testing.T) {
	cfg, err := Load(writeConfig(t, "min_players: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MinPlayers)

	t.Setenv("RTS_MIN_PLAYERS", "4")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MinPlayers)

	_, err = Load(writeConfig(t, "min_players: -1\n"))
	assert.True(t, eris.Is(err, ErrInvalid))
}

func TestValidateCrossFieldRules(t *testing.T) {
	cfg := Default()
	cfg.Transport.RetryMax = cfg.Transport.RetryBase / 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport.retry_max")
}
