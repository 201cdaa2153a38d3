package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"jobmesh/internal/recurrence"
	"jobmesh/internal/task"
	logx "jobmesh/pkg/logx"
)

func backends(t *testing.T) map[string]func() Store {
	t.Helper()
	open := func(cfg Config) func() Store {
		return func() Store {
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("open %s: %v", cfg.Driver, err)
			}
			return st
		}
	}
	return map[string]func() Store{
		"memory": open(Config{Driver: "memory"}),
		"file":   open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}),
		"sqlite": open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}),
	}
}

func sampleTask(id, org string) task.Task {
	return task.Task{
		ID:      id,
		Org:     org,
		Name:    "task " + id,
		Enabled: true,
		Conditions: []task.Condition{{
			ID:         "c1",
			Recurrence: &recurrence.Spec{Kind: recurrence.KindEveryDay, Start: recurrence.NewClock(9, 30, 0), TimeRange: "night"},
		}},
		Actions: []task.Action{{ID: "a1", Kind: "noop", Params: map[string]string{"k": "v"}}},
		Timeout: task.Duration(time.Minute),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	for name, open := range backends(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open()
			defer st.Close()

			if err := st.PutTask(ctx, sampleTask("b", "acme")); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := st.PutTask(ctx, sampleTask("a", "other")); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, err := st.GetTask(ctx, "acme", "b")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Conditions[0].Recurrence.Start != recurrence.NewClock(9, 30, 0) || got.Timeout.Std() != time.Minute {
				t.Fatalf("decoded %+v", got)
			}
			if _, err := st.GetTask(ctx, "other", "b"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("org scope: %v", err)
			}

			all, _ := st.ListTasks(ctx, "")
			if len(all) != 2 || all[0].ID != "a" {
				t.Fatalf("list all: %+v", all)
			}
			scoped, _ := st.ListTasks(ctx, "acme")
			if len(scoped) != 1 {
				t.Fatalf("list scoped: %d", len(scoped))
			}

			start := time.Now().Truncate(time.Millisecond)
			status := task.RunStatus{TaskID: "b", RunID: "r1", State: task.StateFinished, Start: start, End: start.Add(time.Second), LastScheduledStart: start}
			if err := st.PutStatus(ctx, status); err != nil {
				t.Fatalf("put status: %v", err)
			}
			gs, ok, err := st.GetStatus(ctx, "b")
			if err != nil || !ok || gs.State != task.StateFinished || !gs.LastScheduledStart.Equal(start) {
				t.Fatalf("status %+v ok=%v err=%v", gs, ok, err)
			}

			if err := st.DeleteTask(ctx, "acme", "b"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := st.GetStatus(ctx, "b"); ok {
				t.Fatalf("status should go with the task")
			}
			if err := st.DeleteTask(ctx, "", "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("delete missing: %v", err)
			}
		})
	}
}

func TestStoreTimeRangesAndDedup(t *testing.T) {
	t.Parallel()

	for name, open := range backends(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open()
			defer st.Close()

			r := task.TimeRange{Name: "night", Start: recurrence.NewClock(22, 0, 0), End: recurrence.NewClock(2, 0, 0), Default: true}
			if err := st.PutTimeRange(ctx, r); err != nil {
				t.Fatalf("put range: %v", err)
			}
			got, err := st.GetTimeRange(ctx, "night")
			if err != nil || got != r {
				t.Fatalf("range %+v err=%v", got, err)
			}
			if _, err := st.GetTimeRange(ctx, "day"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing range: %v", err)
			}

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "k", until); err != nil {
				t.Fatalf("dedup: %v", err)
			}
			u, ok, err := st.GetDedup(ctx, "k")
			if err != nil || !ok || !u.Equal(until) {
				t.Fatalf("dedup %v ok=%v err=%v", u, ok, err)
			}
			if err := st.AppendAudit(ctx, AuditEntry{Action: "task.put", Target: "x", OK: true}); err != nil {
				t.Fatalf("audit: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = st.PutTask(ctx, sampleTask("keep", "acme"))
	_ = st.PutTask(ctx, sampleTask("drop", "acme"))
	_ = st.DeleteTask(ctx, "", "drop")
	_ = st.PutTimeRange(ctx, task.TimeRange{Name: "day", Start: recurrence.NewClock(9, 0, 0), End: recurrence.NewClock(17, 0, 0)})
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	tasks, _ := st.ListTasks(ctx, "")
	if len(tasks) != 1 || tasks[0].ID != "keep" {
		t.Fatalf("tasks after reopen: %+v", tasks)
	}
	if _, err := st.GetTimeRange(ctx, "day"); err != nil {
		t.Fatalf("range after reopen: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "cassandra"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
