package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supervisor-escalation/pkg/models"
)

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingRequest(question string, createdAt time.Time) *models.HelpRequest {
	return &models.HelpRequest{
		RoomName:            "room-1",
		ParticipantIdentity: "caller-1",
		Question:            question,
		Status:              models.StatusPending,
		CreatedAt:           createdAt,
		TimeoutAt:           createdAt.Add(time.Hour),
	}
}

func strPtr(s string) *string { return &s }

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetHelpRequest", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		req := pendingRequest("Do you do balayage?", baseTime)
		req.Metadata = map[string]any{"channel": "voice"}

		created, err := s.CreateHelpRequest(ctx, req)
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, models.StatusPending, created.Status)
		assert.Nil(t, created.ResolvedAt)
		assert.Nil(t, created.SupervisorAnswer)
		assert.True(t, created.CreatedAt.Equal(baseTime))
		assert.True(t, created.TimeoutAt.Equal(baseTime.Add(time.Hour)))

		got, err := s.GetHelpRequest(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Do you do balayage?", got.Question)
		assert.Equal(t, "room-1", got.RoomName)
		assert.Equal(t, "caller-1", got.ParticipantIdentity)
		assert.Equal(t, "voice", got.Metadata["channel"])
	})

	t.Run("GetUnknownHelpRequest", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetHelpRequest(context.Background(), uuid.New().String())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("TransitionAppliesOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.CreateHelpRequest(ctx, pendingRequest("Do you sell gift cards?", baseTime))
		require.NoError(t, err)

		first, applied, err := s.TransitionHelpRequest(ctx, models.Transition{
			ID: created.ID, From: models.StatusPending, To: models.StatusResolved,
			Answer: strPtr("Yes, in any amount."), At: baseTime.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, models.StatusResolved, first.Status)
		require.NotNil(t, first.SupervisorAnswer)
		assert.Equal(t, "Yes, in any amount.", *first.SupervisorAnswer)
		require.NotNil(t, first.ResolvedAt)
		assert.True(t, first.ResolvedAt.Equal(baseTime.Add(time.Minute)))

		second, applied, err := s.TransitionHelpRequest(ctx, models.Transition{
			ID: created.ID, From: models.StatusPending, To: models.StatusUnresolved,
			At: baseTime.Add(2 * time.Minute),
		})
		require.NoError(t, err, "a losing conditional update is not an error")
		assert.False(t, applied)
		assert.Equal(t, models.StatusResolved, second.Status)
		assert.Equal(t, "Yes, in any amount.", *second.SupervisorAnswer)
		assert.True(t, second.ResolvedAt.Equal(baseTime.Add(time.Minute)))
	})

	t.Run("TransitionUnknownHelpRequest", func(t *testing.T) {
		s := newStore(t)

		_, _, err := s.TransitionHelpRequest(context.Background(), models.Transition{
			ID: uuid.New().String(), From: models.StatusPending, To: models.StatusResolved,
			Answer: strPtr("n/a"), At: baseTime,
		})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("ExpireHelpRequests", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		overdue1, err := s.CreateHelpRequest(ctx, pendingRequest("overdue one", baseTime))
		require.NoError(t, err)
		overdue2, err := s.CreateHelpRequest(ctx, pendingRequest("overdue two", baseTime.Add(time.Minute)))
		require.NoError(t, err)
		boundary, err := s.CreateHelpRequest(ctx, pendingRequest("exactly due", baseTime.Add(2*time.Hour)))
		require.NoError(t, err)
		answered, err := s.CreateHelpRequest(ctx, pendingRequest("answered already", baseTime))
		require.NoError(t, err)
		_, applied, err := s.TransitionHelpRequest(ctx, models.Transition{
			ID: answered.ID, From: models.StatusPending, To: models.StatusResolved,
			Answer: strPtr("done"), At: baseTime.Add(time.Minute),
		})
		require.NoError(t, err)
		require.True(t, applied)

		now := boundary.TimeoutAt
		expired, err := s.ExpireHelpRequests(ctx, now)
		require.NoError(t, err)

		ids := map[string]bool{}
		for _, r := range expired {
			ids[r.ID] = true
			assert.Equal(t, models.StatusUnresolved, r.Status)
			require.NotNil(t, r.ResolvedAt)
			assert.True(t, r.ResolvedAt.Equal(now))
			assert.Nil(t, r.SupervisorAnswer)
		}
		assert.Len(t, expired, 2)
		assert.True(t, ids[overdue1.ID])
		assert.True(t, ids[overdue2.ID])

		again, err := s.ExpireHelpRequests(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, again)

		still, err := s.GetHelpRequest(ctx, boundary.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, still.Status, "timeout_at == now is not overdue")
	})

	t.Run("ListHelpRequests", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 4; i++ {
			r, err := s.CreateHelpRequest(ctx, pendingRequest("question", baseTime.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
			ids = append(ids, r.ID)
		}
		_, _, err := s.TransitionHelpRequest(ctx, models.Transition{
			ID: ids[3], From: models.StatusPending, To: models.StatusResolved,
			Answer: strPtr("answer"), At: baseTime.Add(10 * time.Minute),
		})
		require.NoError(t, err)

		all, err := s.ListHelpRequests(ctx, models.HelpRequestFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, []string{ids[3], ids[2], ids[1], ids[0]},
			[]string{all[0].ID, all[1].ID, all[2].ID, all[3].ID}, "newest first")

		pending := models.StatusPending
		onlyPending, err := s.ListHelpRequests(ctx, models.HelpRequestFilter{Status: &pending})
		require.NoError(t, err)
		require.Len(t, onlyPending, 3)
		assert.Equal(t, ids[2], onlyPending[0].ID)

		limited, err := s.ListHelpRequests(ctx, models.HelpRequestFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, ids[3], limited[0].ID)
		assert.Equal(t, ids[2], limited[1].ID)
	})

	t.Run("KnowledgeEntries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		source := uuid.New().String()
		older, err := s.CreateKnowledgeEntry(ctx, &models.KnowledgeEntry{
			Question: "Do you take walk-ins?", Answer: "Yes, but appointments are recommended.",
			CreatedAt: baseTime, UpdatedAt: baseTime,
		})
		require.NoError(t, err)
		newer, err := s.CreateKnowledgeEntry(ctx, &models.KnowledgeEntry{
			Question: "Where do I park?", Answer: "Behind the salon.", SourceRequestID: &source,
			CreatedAt: baseTime.Add(time.Minute), UpdatedAt: baseTime.Add(time.Minute),
		})
		require.NoError(t, err)
		popular, err := s.CreateKnowledgeEntry(ctx, &models.KnowledgeEntry{
			Question: "What are your hours?", Answer: "9 to 7.", UsageCount: 5,
			CreatedAt: baseTime, UpdatedAt: baseTime,
		})
		require.NoError(t, err)

		got, err := s.GetKnowledgeEntry(ctx, newer.ID)
		require.NoError(t, err)
		require.NotNil(t, got.SourceRequestID)
		assert.Equal(t, source, *got.SourceRequestID)
		assert.Nil(t, older.SourceRequestID)

		entries, err := s.ListKnowledgeEntries(ctx, 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, popular.ID, entries[0].ID, "highest usage first")
		assert.Equal(t, newer.ID, entries[1].ID, "ties broken by most recently updated")
		assert.Equal(t, older.ID, entries[2].ID)

		top, err := s.ListKnowledgeEntries(ctx, 1)
		require.NoError(t, err)
		require.Len(t, top, 1)
		assert.Equal(t, popular.ID, top[0].ID)

		_, err = s.GetKnowledgeEntry(ctx, uuid.New().String())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("IncrementKnowledgeUsageIsAtomic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		entry, err := s.CreateKnowledgeEntry(ctx, &models.KnowledgeEntry{
			Question: "Do you offer student discounts?", Answer: "10% off with a valid ID.",
			CreatedAt: baseTime, UpdatedAt: baseTime,
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.IncrementKnowledgeUsage(ctx, entry.ID)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetKnowledgeEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.UsageCount)

		_, err = s.IncrementKnowledgeUsage(ctx, uuid.New().String())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}
