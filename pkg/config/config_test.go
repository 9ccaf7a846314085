package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supervisor-escalation/pkg/constants"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		constants.EnvStoreBackend,
		constants.EnvRequestTimeout,
		constants.EnvSweepInterval,
		constants.EnvLeaderElection,
		constants.EnvListLimit,
		constants.EnvPodID,
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, constants.BackendRedis, cfg.StoreBackend)
	assert.Equal(t, time.Hour, cfg.RequestTimeout())
	assert.Equal(t, time.Minute, cfg.SweepInterval())
	assert.True(t, cfg.LeaderElection, "leader election defaults on for the redis backend")
	assert.Equal(t, 100, cfg.ListLimit)
	assert.NotEmpty(t, cfg.PodID)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv(constants.EnvStoreBackend, constants.BackendSQLite)
	t.Setenv(constants.EnvRequestTimeout, "120")
	t.Setenv(constants.EnvSweepInterval, "500")
	t.Setenv(constants.EnvListLimit, "25")
	t.Setenv(constants.EnvPodID, "pod-a")
	t.Setenv(constants.EnvRateLimitRPS, "0")
	t.Setenv(constants.EnvNotifyStream, "escalation:events")

	cfg := Load()

	assert.Equal(t, constants.BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, 2*time.Minute, cfg.RequestTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.SweepInterval())
	assert.False(t, cfg.LeaderElection, "leader election defaults off without redis")
	assert.Equal(t, 25, cfg.ListLimit)
	assert.Equal(t, "pod-a", cfg.PodID)
	assert.Zero(t, cfg.RateLimitRPS)
	assert.Equal(t, "escalation:events", cfg.NotifyStream)
}

func TestLoad_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv(constants.EnvRequestTimeout, "soon")

	cfg := Load()

	assert.Equal(t, constants.DefaultRequestTimeoutSeconds, cfg.RequestTimeoutSeconds)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		StoreBackend:          "mongo",
		RequestTimeoutSeconds: 3600,
		SweepIntervalMS:       1000,
		ListLimit:             100,
	}
	require.Error(t, cfg.Validate())

	cfg.StoreBackend = constants.BackendPostgres
	require.NoError(t, cfg.Validate())

	cfg.RequestTimeoutSeconds = 0
	assert.Error(t, cfg.Validate())
}

func TestEffectiveListLimit(t *testing.T) {
	cfg := &Config{ListLimit: 100}

	assert.Equal(t, 100, cfg.EffectiveListLimit(0))
	assert.Equal(t, 100, cfg.EffectiveListLimit(-3))
	assert.Equal(t, 10, cfg.EffectiveListLimit(10))
	assert.Equal(t, 100, cfg.EffectiveListLimit(1000))
}
