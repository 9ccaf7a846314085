package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supervisor-escalation/pkg/config"
	"supervisor-escalation/pkg/constants"
	"supervisor-escalation/pkg/metrics"
	"supervisor-escalation/pkg/models"
)

const seedYAML = `entries:
  - question: What are your opening hours?
    answer: 9am to 6pm, Monday to Saturday.
  - question: Where are you located?
    answer: 12 Market Street, next to the bakery.
`

func testConfig(t *testing.T) *config.Config {
	seed := filepath.Join(t.TempDir(), "knowledge.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedYAML), 0o644))

	return &config.Config{
		Port:                  "0",
		PodID:                 "pod-test",
		StoreBackend:          constants.BackendSQLite,
		SQLiteDir:             t.TempDir(),
		RequestTimeoutSeconds: constants.DefaultRequestTimeoutSeconds,
		SweepIntervalMS:       constants.DefaultSweepIntervalMS,
		ListLimit:             constants.DefaultListLimit,
		KnowledgeSeedFile:     seed,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logger
}

func TestService_StartSeedsAndServes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	svc, err := New(ctx, cfg, testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	assert.True(t, svc.IsLeader(ctx), "without leader election every replica sweeps")

	entries, err := svc.Knowledge().ListAll(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	outcome, err := svc.Coordinator().Escalate(ctx, "When are your opening hours?", models.SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAnswered, outcome.Kind)
	assert.Equal(t, "9am to 6pm, Monday to Saturday.", outcome.Answer)

	require.NoError(t, svc.Stop(ctx))
}

func TestService_SeedIsIdempotentAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	for i := 0; i < 2; i++ {
		svc, err := New(ctx, cfg, testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
		require.NoError(t, err)
		require.NoError(t, svc.Seed(ctx))

		entries, err := svc.Knowledge().ListAll(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		require.NoError(t, svc.Stop(ctx))
	}
}

func TestService_MissingSeedFile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.KnowledgeSeedFile = filepath.Join(t.TempDir(), "missing.yaml")

	svc, err := New(ctx, cfg, testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer svc.Stop(ctx)

	assert.Error(t, svc.Seed(ctx))
}

func TestService_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreBackend = "mongodb"

	_, err := New(context.Background(), cfg, testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, err)
}
