package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmesh/internal/cluster"
	"jobmesh/internal/recurrence"
	"jobmesh/internal/storage"
	"jobmesh/internal/task"
	"jobmesh/internal/task/action"
	"jobmesh/internal/task/executor"
	logx "jobmesh/pkg/logx"
)

type fixture struct {
	o       *Orchestrator
	store   storage.Store
	backend *cluster.Memory
	exec    *executor.Executor
	// stubborn counts units of kind "stubborn" still running.
	stubborn *atomic.Int32
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	return newPeer(t, storage.NewMemory(), cluster.NewMemory(), cfg)
}

// newPeer builds an instance sharing store and backend with others.
func newPeer(t *testing.T, store storage.Store, backend *cluster.Memory, cfg Config) fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := executor.NewPool(executor.PoolConfig{Workers: 2}, logx.Nop(), nil)
	pool.Start(ctx)
	t.Cleanup(func() {
		pool.Stop(context.Background())
		cancel()
	})

	running := new(atomic.Int32)
	reg := action.NewRegistry(action.Noop{}, stubbornAction{running: running})
	exec := executor.New(executor.Config{CancelGrace: 100 * time.Millisecond}, pool, reg)
	if cfg.InstanceID == "" {
		cfg.InstanceID = "node-a"
	}
	o := New(cfg, store, backend, exec)
	return fixture{o: o, store: store, backend: backend, exec: exec, stubborn: running}
}

// stubbornAction sleeps for its "sleep" param and ignores cancellation.
type stubbornAction struct{ running *atomic.Int32 }

func (stubbornAction) Kind() string { return "stubborn" }

func (s stubbornAction) New(a task.Action, _ action.Env) (action.Unit, error) {
	d, err := time.ParseDuration(a.Params["sleep"])
	if err != nil {
		return nil, err
	}
	return action.UnitFunc(func(context.Context) error {
		s.running.Add(1)
		defer s.running.Add(-1)
		time.Sleep(d)
		return nil
	}), nil
}

func noopTask(id string, conds ...task.Condition) task.Task {
	return task.Task{
		ID:         id,
		Org:        "acme",
		Name:       id,
		Enabled:    true,
		Removable:  true,
		Conditions: conds,
		Actions:    []task.Action{{ID: "a1", Kind: "noop"}},
	}
}

func at(id string, when time.Time) task.Condition {
	return task.Condition{ID: id, Recurrence: &recurrence.Spec{Kind: recurrence.KindAt, At: when}}
}

func after(id, parent string) task.Condition {
	return task.Condition{ID: id, Completion: &task.CompletionSignal{TaskID: parent}}
}

func TestRunTaskPersistsStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	fire := time.Now().Add(time.Hour).Truncate(time.Second)
	tk := noopTask("report", at("c1", fire.Add(24*time.Hour)))
	tk.Durable = true
	require.NoError(t, f.o.PutTask(ctx, tk))

	require.NoError(t, f.o.RunTask(ctx, "report", executorInvoker("scheduler", false, fire)))
	st, ok, err := f.store.GetStatus(ctx, "report")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.StateFinished, st.State)
	assert.True(t, st.LastScheduledStart.Equal(fire))
	assert.NotEmpty(t, st.RunID)

	// Manual runs never move the scheduling anchor.
	require.NoError(t, f.o.RunTask(ctx, "report", executorInvoker("api", true, time.Time{})))
	st, _, _ = f.store.GetStatus(ctx, "report")
	assert.True(t, st.Manual)
	assert.True(t, st.LastScheduledStart.Equal(fire), "anchor moved to %v", st.LastScheduledStart)

	ex, _ := f.backend.Executing(ctx)
	assert.Empty(t, ex, "claim must be released after the run")
}

func TestRunTaskClaimedElsewhere(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.o.PutTask(ctx, noopTask("report", at("c1", time.Now().Add(time.Hour)))))

	ok, err := f.backend.Claim(ctx, "report", "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.o.RunTask(ctx, "report", executorInvoker("scheduler", false, time.Now()))
	require.ErrorIs(t, err, ErrClaimed)
	_, found, _ := f.store.GetStatus(ctx, "report")
	assert.False(t, found, "a losing instance must not write status")

	err = f.o.CancelTask("report")
	require.ErrorIs(t, err, executor.ErrNotRunning)
	assert.Contains(t, err.Error(), "node-b")
}

func TestExhaustedTaskIsRetired(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	fire := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, f.o.PutTask(ctx, noopTask("once", at("c1", fire))))

	require.NoError(t, f.o.RunTask(ctx, "once", executorInvoker("scheduler", false, fire)))
	_, err := f.store.GetTask(ctx, "", "once")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	trs, _ := f.backend.Triggers(ctx, "once")
	assert.Empty(t, trs)
}

func TestNextRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	now := time.Now()

	past := noopTask("past", at("c1", now.Add(-2*time.Hour)), at("c2", now.Add(-time.Hour)))
	require.NoError(t, f.o.PutTask(ctx, past))
	_, err := f.o.NextRun(ctx, "past")
	require.ErrorIs(t, err, ErrNoNextRun)
	assert.Contains(t, err.Error(), "has no next runtime")

	soon := now.Add(time.Hour).Truncate(time.Second)
	mixed := noopTask("mixed", at("c1", now.Add(3*time.Hour)), at("c2", soon))
	require.NoError(t, f.o.PutTask(ctx, mixed))
	next, err := f.o.NextRun(ctx, "mixed")
	require.NoError(t, err)
	assert.True(t, next.Equal(soon), "next=%v", next)

	off := noopTask("off", at("c1", soon))
	off.Enabled = false
	require.NoError(t, f.o.PutTask(ctx, off))
	_, err = f.o.NextRun(ctx, "off")
	assert.ErrorIs(t, err, ErrNoNextRun)
}

func TestActivityStates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, f.o.PutTask(ctx, noopTask("pending", at("c1", now.Add(time.Hour)))))
	require.NoError(t, f.o.PutTask(ctx, noopTask("ready", at("c1", now.Add(time.Hour)))))
	require.NoError(t, f.backend.UpsertTrigger(ctx, cluster.Trigger{TaskID: "ready", ConditionID: "c1", NextFire: now.Add(-time.Minute)}))
	require.NoError(t, f.o.PutTask(ctx, noopTask("busy", at("c1", now.Add(time.Hour)))))
	_, _ = f.backend.Claim(ctx, "busy", "node-b", time.Minute)
	require.NoError(t, f.o.PutTask(ctx, noopTask("waiting", after("c1", "pending"))))
	off := noopTask("off", at("c1", now.Add(time.Hour)))
	off.Enabled = false
	require.NoError(t, f.o.PutTask(ctx, off))

	act, err := f.o.Activity(ctx)
	require.NoError(t, err)
	want := map[string]task.NextState{
		"pending": task.NextPending,
		"ready":   task.NextReady,
		"busy":    task.NextRunning,
		"waiting": task.NextWaitForTrigger,
		"off":     task.NextNotScheduled,
	}
	for id, state := range want {
		assert.Equal(t, state, act[id].Next, id)
	}
	assert.False(t, act["pending"].NextStart.IsZero())
}

func TestCompletionRunsDependents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.o.Start(ctx))
	t.Cleanup(func() { _ = f.o.Stop(context.Background()) })

	parent := noopTask("extract", at("c1", time.Now().Add(time.Hour)))
	parent.Durable = true
	require.NoError(t, f.o.PutTask(ctx, parent))
	require.NoError(t, f.o.PutTask(ctx, noopTask("load", after("c1", "extract"))))
	require.NoError(t, f.o.PutTask(ctx, noopTask("other", after("c1", "unrelated"))))

	require.NoError(t, f.o.RunTask(ctx, "extract", executorInvoker("api", true, time.Time{})))

	require.Eventually(t, func() bool {
		st, ok, _ := f.store.GetStatus(ctx, "load")
		return ok && st.State == task.StateFinished
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		dep, err := f.store.GetTask(ctx, "", "load")
		return err == nil && !dep.AnySatisfied()
	}, 2*time.Second, 10*time.Millisecond, "completion flag must be reset after the run")

	_, ok, _ := f.store.GetStatus(ctx, "other")
	assert.False(t, ok)
}

func TestFailedRunDoesNotSignalDependents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.o.Start(ctx))
	t.Cleanup(func() { _ = f.o.Stop(context.Background()) })

	parent := noopTask("extract", at("c1", time.Now().Add(time.Hour)))
	parent.Durable = true
	parent.Actions = []task.Action{{ID: "a1", Kind: "missing"}}
	require.NoError(t, f.o.PutTask(ctx, parent))
	require.NoError(t, f.o.PutTask(ctx, noopTask("load", after("c1", "extract"))))

	err := f.o.RunTask(ctx, "extract", executorInvoker("api", true, time.Time{}))
	require.ErrorIs(t, err, action.ErrUnknownKind)
	st, _, _ := f.store.GetStatus(ctx, "extract")
	assert.Equal(t, task.StateFailed, st.State)

	dep, err := f.store.GetTask(ctx, "", "load")
	require.NoError(t, err)
	assert.False(t, dep.AnySatisfied())
}

func TestLicenseRefusesExtraInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	backend := cluster.NewMemory()
	pool := executor.NewPool(executor.PoolConfig{}, logx.Nop(), nil)
	exec := executor.New(executor.Config{}, pool, action.NewRegistry())

	first := New(Config{InstanceID: "a", MaxInstances: 1}, store, backend, exec)
	require.NoError(t, first.Start(ctx))
	t.Cleanup(func() { _ = first.Stop(context.Background()) })

	time.Sleep(5 * time.Millisecond)
	second := New(Config{InstanceID: "b", MaxInstances: 1}, store, backend, exec)
	err := second.Start(ctx)
	require.ErrorIs(t, err, cluster.ErrLicense)
	assert.False(t, second.Health().Healthy)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.o.PutTask(ctx, noopTask("report", at("c1", time.Now().Add(time.Hour)))))
	require.NoError(t, f.o.Start(ctx))

	h := f.o.Health()
	assert.True(t, h.Healthy)
	assert.True(t, h.LoadLeader)
	assert.Equal(t, 1, h.Entries)
	assert.Equal(t, "node-a", h.Instance)

	require.NoError(t, f.o.Stop(ctx))
	assert.False(t, f.o.Health().Healthy)
}

func TestRemoveTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	keep := noopTask("keep", at("c1", time.Now().Add(time.Hour)))
	keep.Removable = false
	require.NoError(t, f.o.PutTask(ctx, keep))
	require.NoError(t, f.o.PutTask(ctx, noopTask("drop", at("c1", time.Now().Add(time.Hour)))))

	require.ErrorIs(t, f.o.RemoveTask(ctx, "acme", "keep"), ErrNotRemovable)
	require.NoError(t, f.o.RemoveTask(ctx, "acme", "drop"))
	if _, err := f.o.GetTask(ctx, "acme", "drop"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get after remove: %v", err)
	}
	if _, err := f.o.GetTask(ctx, "other-org", "keep"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("org scope: %v", err)
	}
}

func TestInterruptedRunKeepsClaimUntilUnitsEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	peer := newPeer(t, f.store, f.backend, Config{InstanceID: "node-b"})
	ctx := context.Background()
	tk := noopTask("report", at("c1", time.Now().Add(time.Hour)))
	tk.Durable = true
	tk.Actions = []task.Action{{ID: "a1", Kind: "stubborn", Params: map[string]string{"sleep": "500ms"}}}
	require.NoError(t, f.o.PutTask(ctx, tk))

	errc := make(chan error, 1)
	go func() { errc <- f.o.RunTask(ctx, "report", executorInvoker("api", true, time.Time{})) }()
	require.Eventually(t, func() bool { return f.stubborn.Load() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, f.o.CancelTask("report"))
	require.ErrorIs(t, <-errc, executor.ErrInterrupted)
	require.EqualValues(t, 1, f.stubborn.Load(), "unit must outlive the interrupted run")

	err := peer.o.RunTask(ctx, "report", executorInvoker("api", true, time.Time{}))
	require.ErrorIs(t, err, ErrClaimed)
	ex, _ := f.backend.Executing(ctx)
	assert.Equal(t, "node-a", ex["report"])

	require.Eventually(t, func() bool {
		ex, _ := f.backend.Executing(ctx)
		return len(ex) == 0
	}, 2*time.Second, 10*time.Millisecond, "claim must be released once the unit is gone")
	assert.Zero(t, f.stubborn.Load())
}

func TestSecondLocalRunIsBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	tk := noopTask("report", at("c1", time.Now().Add(time.Hour)))
	tk.Durable = true
	tk.Actions = []task.Action{{ID: "a1", Kind: "noop", Params: map[string]string{"delay": "400ms"}}}
	require.NoError(t, f.o.PutTask(ctx, tk))

	first := make(chan error, 1)
	go func() { first <- f.o.RunTask(ctx, "report", executorInvoker("api", true, time.Time{})) }()
	require.Eventually(t, func() bool { return f.exec.IsRunning("report") }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	err := f.o.RunTask(ctx, "report", executorInvoker("api", true, time.Time{}))
	require.ErrorIs(t, err, executor.ErrBusy)
	assert.NotErrorIs(t, err, ErrClaimed)
	require.NoError(t, <-first)

	// A claim this instance holds without a live run still reads as busy.
	ok, err := f.backend.Claim(ctx, "report", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	err = f.o.RunTask(ctx, "report", executorInvoker("scheduler", false, time.Now()))
	assert.ErrorIs(t, err, executor.ErrBusy)
}

func TestClaimRenewedWhileRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ClaimTTL: 90 * time.Millisecond})
	ctx := context.Background()
	tk := noopTask("report", at("c1", time.Now().Add(time.Hour)))
	tk.Durable = true
	tk.Actions = []task.Action{{ID: "a1", Kind: "noop", Params: map[string]string{"delay": "400ms"}}}
	require.NoError(t, f.o.PutTask(ctx, tk))

	done := make(chan error, 1)
	go func() { done <- f.o.RunTask(ctx, "report", executorInvoker("api", true, time.Time{})) }()
	require.Eventually(t, func() bool { return f.exec.IsRunning("report") }, time.Second, time.Millisecond)

	// Well past the first lease.
	time.Sleep(250 * time.Millisecond)
	ok, err := f.backend.Claim(ctx, "report", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "claim expired while the run was alive")

	require.NoError(t, <-done)
	ex, _ := f.backend.Executing(ctx)
	assert.Empty(t, ex)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	now := time.Now()
	daily := func(id string) task.Condition {
		return task.Condition{ID: id, Recurrence: &recurrence.Spec{Kind: recurrence.KindEveryDay, Start: recurrence.NewClock(9, 0, 0)}}
	}
	startAt := now.Add(10 * 24 * time.Hour)
	endedAt := now.Add(-time.Hour)

	tests := []struct {
		name  string
		task  func() task.Task
		check func(t *testing.T, trs []cluster.Trigger, act task.Activity)
	}{
		{
			name: "disabled task is paused",
			task: func() task.Task {
				tk := noopTask("subject", at("c1", now.Add(time.Hour)))
				tk.Enabled = false
				return tk
			},
			check: func(t *testing.T, trs []cluster.Trigger, act task.Activity) {
				require.Len(t, trs, 1)
				assert.True(t, trs[0].Paused)
				assert.Equal(t, task.NextNotScheduled, act.Next)
			},
		},
		{
			name: "start date clips the first fire",
			task: func() task.Task {
				tk := noopTask("subject", daily("c1"))
				tk.StartDate = &startAt
				return tk
			},
			check: func(t *testing.T, trs []cluster.Trigger, act task.Activity) {
				require.Len(t, trs, 1)
				assert.False(t, trs[0].Paused)
				assert.False(t, trs[0].NextFire.Before(startAt), "next=%v start=%v", trs[0].NextFire, startAt)
				assert.True(t, trs[0].NextFire.Before(startAt.Add(25*time.Hour)), "next=%v", trs[0].NextFire)
				assert.Equal(t, task.NextPending, act.Next)
			},
		},
		{
			name: "passed end date pauses",
			task: func() task.Task {
				tk := noopTask("subject", daily("c1"))
				tk.EndDate = &endedAt
				return tk
			},
			check: func(t *testing.T, trs []cluster.Trigger, act task.Activity) {
				require.Len(t, trs, 1)
				assert.True(t, trs[0].Paused)
				assert.Equal(t, task.NextNotScheduled, act.Next)
			},
		},
		{
			name: "invalid condition is skipped",
			task: func() task.Task {
				return noopTask("subject", task.Condition{ID: "c1"})
			},
			check: func(t *testing.T, trs []cluster.Trigger, act task.Activity) {
				assert.Empty(t, trs)
				assert.Equal(t, task.NextNotScheduled, act.Next)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Config{})
			ctx := context.Background()
			require.NoError(t, f.store.PutTask(ctx, tt.task()))
			require.NoError(t, f.store.PutTask(ctx, noopTask("steady", at("c1", now.Add(time.Hour)))))

			require.NoError(t, f.o.Start(ctx))
			t.Cleanup(func() { _ = f.o.Stop(context.Background()) })

			steady, err := f.backend.Triggers(ctx, "steady")
			require.NoError(t, err)
			require.Len(t, steady, 1, "valid tasks must still load")
			assert.False(t, steady[0].Paused)

			trs, err := f.backend.Triggers(ctx, "subject")
			require.NoError(t, err)
			act, err := f.o.Activity(ctx)
			require.NoError(t, err)
			tt.check(t, trs, act["subject"])
		})
	}
}

func TestLoadObservesLeader(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.store.PutTask(ctx, noopTask("report", at("c1", time.Now().Add(time.Hour)))))

	ok, err := f.backend.TryLock(ctx, loadLock, "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	started := make(chan error, 1)
	go func() { started <- f.o.Start(ctx) }()
	t.Cleanup(func() { _ = f.o.Stop(context.Background()) })

	select {
	case err := <-started:
		t.Fatalf("load finished while another instance held the lock: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// The holder writes the trigger; this instance only mirrors it.
	leaderFire := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	require.NoError(t, f.backend.UpsertTrigger(ctx, cluster.Trigger{TaskID: "report", ConditionID: "c1", NextFire: leaderFire}))
	require.NoError(t, f.backend.Unlock(ctx, loadLock, "node-b"))

	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("load never observed the released lock")
	}

	h := f.o.Health()
	assert.False(t, h.LoadLeader)
	assert.Equal(t, 1, h.Entries)
	trs, err := f.backend.Triggers(ctx, "report")
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.True(t, trs[0].NextFire.Equal(leaderFire), "observer rewrote trigger: %v", trs[0].NextFire)
}
