package conjunction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	want := DefaultConfig()
	assert.Equal(t, want, cfg)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CONJUNCTION_BACKEND", "bfv")
	t.Setenv("CONJUNCTION_PARTIES", "5")
	t.Setenv("CONJUNCTION_DISTANCE_DIVISOR", "250")
	t.Setenv("CONJUNCTION_ALLOW_CONCURRENT_REQUESTS", "true")
	t.Setenv("CONJUNCTION_DB_PATH", "/tmp/c.db")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendBFV, cfg.Backend)
	assert.Equal(t, 5, cfg.Parties)
	assert.Equal(t, uint64(250), cfg.DistanceDivisor)
	assert.True(t, cfg.AllowConcurrentRequests)
	assert.False(t, cfg.AllowDelegatedSubmission)
	assert.Equal(t, "/tmp/c.db", cfg.DatabasePath)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Backend = "rsa" }},
		{"parties", func(c *Config) { c.Parties = 0 }},
		{"divisor", func(c *Config) { c.DistanceDivisor = 0 }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"event history", func(c *Config) { c.EventHistory = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Setenv("CONJUNCTION_PARTIES", "many")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "parse env:")
}

func TestOpenRuntime(t *testing.T) {
	cfg := testConfig()
	cfg.KeyBits = 512
	cfg.Parties = 2
	rt, err := Open(cfg)
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, 2, rt.Committee.Parties())
	traj, err := EncryptTrajectory(rt.Evaluator, 1, 2, 3, 4, 5)
	require.NoError(t, err)
	_, err = rt.Service.SubmitTrajectory(context.Background(), "op", "op", traj)
	require.NoError(t, err)
	assert.Len(t, rt.Events.Events(), 2)
}
