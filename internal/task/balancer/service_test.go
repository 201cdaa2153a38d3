package balancer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"jobmesh/internal/cluster"
	"jobmesh/internal/recurrence"
	"jobmesh/internal/storage"
	"jobmesh/internal/task"
)

type mockRescheduler struct {
	mock.Mock
}

func (m *mockRescheduler) Reschedule(ctx context.Context, t task.Task) error {
	return m.Called(ctx, t).Error(0)
}

func dailyTask(id, rangeName string, start recurrence.Clock) task.Task {
	return task.Task{
		ID:      id,
		Org:     "acme",
		Enabled: true,
		Conditions: []task.Condition{{
			ID:         "c1",
			Recurrence: &recurrence.Spec{Kind: recurrence.KindEveryDay, Start: start, TimeRange: rangeName},
		}},
		Actions: []task.Action{{ID: "a1", Kind: "noop"}},
	}
}

func newService(t *testing.T, store storage.Store, locker cluster.Locker, rs Rescheduler) *Service {
	t.Helper()
	noon := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(Config{Ceiling: 2, Timezone: "UTC", Owner: "node-a"}, store, locker, rs,
		WithClock(func() time.Time { return noon }))
}

func TestRebalancePersistsAndReschedules(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.PutTimeRange(ctx, task.TimeRange{Name: "morning", Start: clock(9, 0), End: clock(10, 0)}))
	for i := range 10 {
		require.NoError(t, store.PutTask(ctx, dailyTask(fmt.Sprintf("t%d", i), "morning", recurrence.Clock{})))
	}
	require.NoError(t, store.PutTask(ctx, dailyTask("pinned", "", clock(9, 10))))

	rs := new(mockRescheduler)
	rs.On("Reschedule", mock.Anything, mock.Anything).Return(nil)
	s := newService(t, store, cluster.NewMemory(), rs)

	res, err := s.Rebalance(ctx, "morning")
	require.NoError(t, err)
	assert.Equal(t, 10, res.Tasks)
	assert.Equal(t, 10, res.Moved)
	assert.False(t, res.Observed)
	rs.AssertNumberOfCalls(t, "Reschedule", 10)

	load := map[recurrence.Clock]int{}
	for i := range 10 {
		tk, err := store.GetTask(ctx, "", fmt.Sprintf("t%d", i))
		require.NoError(t, err)
		c := tk.Conditions[0].Recurrence.Start
		assert.True(t, task.TimeRange{Start: clock(9, 0), End: clock(10, 0)}.Contains(c), "t%d at %s", i, c)
		load[c]++
	}
	for c, n := range load {
		assert.LessOrEqual(t, n, 2, "slot %s", c)
	}
	pinned, _ := store.GetTask(ctx, "", "pinned")
	assert.Equal(t, clock(9, 10), pinned.Conditions[0].Recurrence.Start)

	// A second pass over a balanced range moves nothing.
	res, err = s.Rebalance(ctx, "morning")
	require.NoError(t, err)
	assert.Zero(t, res.Moved)
	rs.AssertNumberOfCalls(t, "Reschedule", 10)
}

func TestRebalanceEmptyRangeIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.PutTimeRange(ctx, task.TimeRange{Name: "night", Start: clock(22, 0), End: clock(2, 0)}))
	require.NoError(t, store.PutTask(ctx, dailyTask("pinned", "", clock(23, 0))))

	rs := new(mockRescheduler)
	s := newService(t, store, cluster.NewMemory(), rs)

	res, err := s.Rebalance(ctx, "night")
	require.NoError(t, err)
	assert.Zero(t, res.Tasks)
	rs.AssertNotCalled(t, "Reschedule", mock.Anything, mock.Anything)
}

func TestRebalanceUnknownRange(t *testing.T) {
	t.Parallel()

	s := newService(t, storage.NewMemory(), cluster.NewMemory(), nil)
	_, err := s.Rebalance(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRebalanceObservesOtherHolder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.PutTimeRange(ctx, task.TimeRange{Name: "morning", Start: clock(9, 0), End: clock(10, 0)}))
	locker := cluster.NewMemory()
	ok, err := locker.TryLock(ctx, "balancer.morning", "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = locker.Unlock(ctx, "balancer.morning", "node-b")
	}()

	res, err := newService(t, store, locker, nil).Rebalance(ctx, "morning")
	require.NoError(t, err)
	assert.True(t, res.Observed)
}

func TestOnTaskPutUsesDefaultRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.PutTimeRange(ctx, task.TimeRange{Name: "batch", Start: clock(1, 0), End: clock(3, 0), Default: true}))
	tk := dailyTask("orphan", "gone", clock(12, 0))
	require.NoError(t, store.PutTask(ctx, tk))

	rs := new(mockRescheduler)
	rs.On("Reschedule", mock.Anything, mock.MatchedBy(func(t task.Task) bool { return t.ID == "orphan" })).Return(nil).Once()
	newService(t, store, cluster.NewMemory(), rs).OnTaskPut(ctx, tk)

	got, _ := store.GetTask(ctx, "", "orphan")
	assert.Equal(t, clock(1, 0), got.Conditions[0].Recurrence.Start)
	rs.AssertExpectations(t)
}
