package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supervisor-escalation/pkg/config"
	"supervisor-escalation/pkg/constants"
	"supervisor-escalation/pkg/metrics"
	"supervisor-escalation/pkg/models"
	"supervisor-escalation/pkg/store"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	expired []models.HelpRequest
}

func (n *recordingNotifier) HelpRequested(ctx context.Context, req *models.HelpRequest) {}
func (n *recordingNotifier) CallerFollowUp(ctx context.Context, req *models.HelpRequest) {}
func (n *recordingNotifier) RequestsExpired(ctx context.Context, reqs []models.HelpRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, reqs...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestManager(t testing.TB) (*Manager, *testClock, *recordingNotifier) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		RequestTimeoutSeconds: 3600,
		ListLimit:             constants.DefaultListLimit,
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	clock := &testClock{now: testNow}
	notifier := &recordingNotifier{}
	m := NewManager(s, cfg, logger, metrics.NewMetrics(prometheus.NewRegistry()), notifier)
	m.now = clock.Now
	return m, clock, notifier
}

var session = models.SessionContext{RoomName: "room-1", ParticipantIdentity: "caller-1"}

func TestManager_Create(t *testing.T) {
	m, _, _ := setupTestManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, session, "  Do you do balayage? ")
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, "Do you do balayage?", req.Question)
	assert.True(t, req.CreatedAt.Equal(testNow))
	assert.True(t, req.TimeoutAt.Equal(testNow.Add(time.Hour)))
	assert.Nil(t, req.ResolvedAt)
	assert.Nil(t, req.SupervisorAnswer)

	anon, err := m.Create(ctx, models.SessionContext{}, "Anyone there?")
	require.NoError(t, err)
	assert.Equal(t, constants.UnknownRoomName, anon.RoomName)
	assert.Equal(t, constants.UnknownParticipantIdentity, anon.ParticipantIdentity)

	_, err = m.Create(ctx, session, "   ")
	assert.True(t, models.IsValidation(err))
}

func TestManager_Resolve(t *testing.T) {
	m, clock, _ := setupTestManager(t)
	ctx := context.Background()

	req, err := m.Create(ctx, session, "Do you sell gift cards?")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	resolved, err := m.Resolve(ctx, req.ID, "Yes, in any amount.")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.SupervisorAnswer)
	assert.Equal(t, "Yes, in any amount.", *resolved.SupervisorAnswer)
	require.NotNil(t, resolved.ResolvedAt)
	assert.True(t, resolved.ResolvedAt.Equal(testNow.Add(10*time.Minute)))

	clock.Advance(10 * time.Minute)
	_, err = m.Resolve(ctx, req.ID, "A different answer")
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	got, err := m.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "Yes, in any amount.", *got.SupervisorAnswer, "second resolve must not overwrite the answer")
	assert.True(t, got.ResolvedAt.Equal(testNow.Add(10*time.Minute)))
}

func TestManager_ResolveErrors(t *testing.T) {
	m, _, _ := setupTestManager(t)
	ctx := context.Background()

	_, err := m.Resolve(ctx, uuid.New().String(), "answer")
	assert.ErrorIs(t, err, models.ErrNotFound)

	req, err := m.Create(ctx, session, "Is there parking?")
	require.NoError(t, err)
	_, err = m.Resolve(ctx, req.ID, "  ")
	assert.True(t, models.IsValidation(err))

	got, err := m.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestManager_MarkUnresolved(t *testing.T) {
	m, _, _ := setupTestManager(t)
	ctx := context.Background()

	withNote, err := m.Create(ctx, session, "Can you fix my car?")
	require.NoError(t, err)
	closed, err := m.MarkUnresolved(ctx, withNote.ID, "Not a salon question")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnresolved, closed.Status)
	require.NotNil(t, closed.SupervisorAnswer)
	assert.Equal(t, "Not a salon question", *closed.SupervisorAnswer)
	require.NotNil(t, closed.ResolvedAt)

	_, err = m.Resolve(ctx, withNote.ID, "too late")
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	noNote, err := m.Create(ctx, session, "Hello?")
	require.NoError(t, err)
	closed, err = m.MarkUnresolved(ctx, noNote.ID, "")
	require.NoError(t, err)
	assert.Nil(t, closed.SupervisorAnswer)
}

func TestManager_SweepTimeouts(t *testing.T) {
	m, clock, notifier := setupTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, session, "first")
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	second, err := m.Create(ctx, session, "second")
	require.NoError(t, err)
	answered, err := m.Create(ctx, session, "answered")
	require.NoError(t, err)
	_, err = m.Resolve(ctx, answered.ID, "done")
	require.NoError(t, err)

	count, err := m.SweepTimeouts(ctx, first.TimeoutAt)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "timeout_at == now is not overdue")

	sweepAt := first.TimeoutAt.Add(time.Second)
	count, err = m.SweepTimeouts(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = m.SweepTimeouts(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "sweep is idempotent")

	expired, err := m.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnresolved, expired.Status)
	assert.True(t, expired.ResolvedAt.Equal(sweepAt))
	assert.Nil(t, expired.SupervisorAnswer)

	still, err := m.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, still.Status)

	require.Len(t, notifier.expired, 1)
	assert.Equal(t, first.ID, notifier.expired[0].ID)

	clock.Advance(2 * time.Hour)
	count, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_ResolveRacingSweep(t *testing.T) {
	for i := 0; i < 20; i++ {
		m, _, _ := setupTestManager(t)
		ctx := context.Background()

		req, err := m.Create(ctx, session, "racing question")
		require.NoError(t, err)

		var (
			wg         sync.WaitGroup
			resolveErr error
			swept      int
			sweepErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, resolveErr = m.Resolve(ctx, req.ID, "answer")
		}()
		go func() {
			defer wg.Done()
			swept, sweepErr = m.SweepTimeouts(ctx, req.TimeoutAt.Add(time.Minute))
		}()
		wg.Wait()

		require.NoError(t, sweepErr)
		final, err := m.Get(ctx, req.ID)
		require.NoError(t, err)

		if resolveErr == nil {
			assert.Equal(t, 0, swept)
			assert.Equal(t, models.StatusResolved, final.Status)
		} else {
			assert.ErrorIs(t, resolveErr, models.ErrAlreadyResolved)
			assert.Equal(t, 1, swept)
			assert.Equal(t, models.StatusUnresolved, final.Status)
		}
	}
}

func TestManager_Listings(t *testing.T) {
	m, clock, _ := setupTestManager(t)
	m.config.ListLimit = 2
	ctx := context.Background()

	var ids []string
	for _, q := range []string{"one", "two", "three"} {
		req, err := m.Create(ctx, session, q)
		require.NoError(t, err)
		ids = append(ids, req.ID)
		clock.Advance(time.Minute)
	}
	_, err := m.Resolve(ctx, ids[2], "answer")
	require.NoError(t, err)

	pending, err := m.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2, "pending listing is not capped by the list limit")
	assert.Equal(t, ids[1], pending[0].ID)
	assert.Equal(t, ids[0], pending[1].ID)

	all, err := m.ListAll(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2, "default cap applies")
	assert.Equal(t, ids[2], all[0].ID)

	all, err = m.ListAll(ctx, 500)
	require.NoError(t, err)
	assert.Len(t, all, 2, "requested limit above the cap is clamped")

	all, err = m.ListAll(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// op is one step applied to a single help request in the property test below.
type op struct {
	Kind    int // 0 resolve, 1 mark unresolved, 2 sweep
	Advance int // minutes to move the clock first
}

func TestManager_TransitionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	opGen := gopter.CombineGens(gen.IntRange(0, 2), gen.IntRange(0, 90)).Map(func(v []interface{}) op {
		return op{Kind: v[0].(int), Advance: v[1].(int)}
	})

	properties.Property("a request leaves pending at most once and never changes afterwards", prop.ForAll(
		func(ops []op) bool {
			m, clock, _ := setupTestManager(t)
			ctx := context.Background()

			req, err := m.Create(ctx, session, "property question")
			if err != nil {
				return false
			}

			var settled *models.HelpRequest
			for _, o := range ops {
				clock.Advance(time.Duration(o.Advance) * time.Minute)
				switch o.Kind {
				case 0:
					_, err = m.Resolve(ctx, req.ID, "answer")
				case 1:
					_, err = m.MarkUnresolved(ctx, req.ID, "")
				case 2:
					_, err = m.Sweep(ctx)
				}
				if err != nil && !errors.Is(err, models.ErrAlreadyResolved) {
					return false
				}
				if settled != nil && err == nil && o.Kind != 2 {
					return false // transition out of a terminal state
				}

				current, err := m.Get(ctx, req.ID)
				if err != nil {
					return false
				}
				if (current.Status == models.StatusPending) != (current.ResolvedAt == nil) {
					return false
				}
				if current.Status == models.StatusPending && current.SupervisorAnswer != nil {
					return false
				}
				if settled != nil {
					if current.Status != settled.Status || !current.ResolvedAt.Equal(*settled.ResolvedAt) {
						return false
					}
				} else if current.Status.Terminal() {
					settled = current
				}
			}
			return true
		},
		gen.SliceOfN(6, opGen),
	))

	properties.TestingRun(t)
}
