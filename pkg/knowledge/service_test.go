package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supervisor-escalation/pkg/metrics"
	"supervisor-escalation/pkg/models"
	"supervisor-escalation/pkg/store"
)

func setupTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	svc := NewService(s, logger, metrics.NewMetrics(prometheus.NewRegistry()))
	svc.now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	return svc, s
}

func TestService_SearchIsReadOnly(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, "What are your opening hours?", "9am to 7pm.", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		entry, err := svc.Search(ctx, "opening hours")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, added.ID, entry.ID)
		assert.Equal(t, int64(0), entry.UsageCount)
	}
}

func TestService_SearchNoMatch(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	entry, err := svc.Search(ctx, "Do you have a loyalty program?")
	require.NoError(t, err)
	assert.Nil(t, entry, "empty knowledge base never matches")

	_, err = svc.Add(ctx, "What are your opening hours?", "9am to 7pm.", nil)
	require.NoError(t, err)

	entry, err = svc.Search(ctx, "Do you have a loyalty program?")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestService_IncrementUsage(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, "Is there parking?", "Yes, behind the salon.", nil)
	require.NoError(t, err)

	updated, err := svc.IncrementUsage(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.UsageCount)

	_, err = svc.IncrementUsage(ctx, uuid.New().String())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestService_Add(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	source := uuid.New().String()

	entry, err := svc.Add(ctx, "  Do you sell gift cards? ", " Yes. ", &source)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "Do you sell gift cards?", entry.Question)
	assert.Equal(t, "Yes.", entry.Answer)
	assert.Equal(t, int64(0), entry.UsageCount)
	require.NotNil(t, entry.SourceRequestID)
	assert.Equal(t, source, *entry.SourceRequestID)
	assert.True(t, entry.CreatedAt.Equal(svc.now()))
	assert.True(t, entry.UpdatedAt.Equal(entry.CreatedAt))

	duplicate, err := svc.Add(ctx, "Do you sell gift cards?", "Yes, any amount.", nil)
	require.NoError(t, err, "duplicates are allowed")
	assert.NotEqual(t, entry.ID, duplicate.ID)
}

func TestService_AddValidation(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	badSource := "request-42"

	tests := []struct {
		name     string
		question string
		answer   string
		source   *string
		field    string
	}{
		{"empty question", "  ", "answer", nil, "question"},
		{"empty answer", "question", "", nil, "answer"},
		{"malformed source", "question", "answer", &badSource, "source_request_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Add(ctx, tt.question, tt.answer, tt.source)
			require.Error(t, err)
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestService_ListAll(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	first, err := svc.Add(ctx, "Question one?", "One.", nil)
	require.NoError(t, err)
	second, err := svc.Add(ctx, "Question two?", "Two.", nil)
	require.NoError(t, err)
	_, err = svc.IncrementUsage(ctx, second.ID)
	require.NoError(t, err)

	entries, err := svc.ListAll(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.ID, entries[0].ID)
	assert.Equal(t, first.ID, entries[1].ID)

	entries, err = svc.ListAll(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestService_Seed(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, "What are your opening hours?", "9am to 7pm.", nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "knowledge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`entries:
  - question: "WHAT ARE YOUR OPENING HOURS?"
    answer: "Different answer, skipped."
  - question: "Do you take walk-ins?"
    answer: "Yes, when a stylist is free."
  - question: "Is there parking?"
    answer: "Yes, behind the salon."
`), 0o644))

	added, err := svc.Seed(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = svc.Seed(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, added, "seeding twice adds nothing")

	entries, err := svc.ListAll(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestService_SeedErrors(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Seed(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entries: [unterminated"), 0o644))
	_, err = svc.Seed(ctx, path)
	assert.Error(t, err)

	path = filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entries:\n  - question: \"No answer?\"\n"), 0o644))
	_, err = svc.Seed(ctx, path)
	assert.True(t, models.IsValidation(err))
}
