package cluster

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLockExclusion(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	ok, _ := m.TryLock(ctx, "load", "a", time.Minute)
	if !ok {
		t.Fatalf("first lock should succeed")
	}
	if ok, _ := m.TryLock(ctx, "load", "b", time.Minute); ok {
		t.Fatalf("second owner must not acquire")
	}
	if err := m.Unlock(ctx, "load", "b"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("foreign unlock: %v", err)
	}
	if err := m.Unlock(ctx, "load", "a"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, _ := m.TryLock(ctx, "load", "b", time.Minute); !ok {
		t.Fatalf("lock should be free after unlock")
	}
}

func TestMemoryAwaitWakesOnUnlock(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	_, _ = m.TryLock(ctx, "load", "a", time.Hour)

	done := make(chan error, 1)
	go func() { done <- m.Await(ctx, "load") }()

	select {
	case <-done:
		t.Fatalf("await returned while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	_ = m.Unlock(ctx, "load", "a")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("await: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter not woken")
	}
}

func TestMemoryAwaitReturnsOnExpiry(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = m.TryLock(ctx, "load", "crashed", 30*time.Millisecond)
	if err := m.Await(ctx, "load"); err != nil {
		t.Fatalf("await: %v", err)
	}
}

func TestWithLockNonHolderObserves(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	release := make(chan struct{})
	var runs atomic.Int32

	holder := make(chan bool, 1)
	go func() {
		ran, _ := WithLock(ctx, m, "load", "a", time.Minute, func(context.Context) error {
			runs.Add(1)
			<-release
			return nil
		})
		holder <- ran
	}()
	for runs.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	waiter := make(chan bool, 1)
	go func() {
		ran, _ := WithLock(ctx, m, "load", "b", time.Minute, func(context.Context) error {
			runs.Add(1)
			return nil
		})
		waiter <- ran
	}()

	close(release)
	if !<-holder {
		t.Fatalf("holder should have run")
	}
	if <-waiter {
		t.Fatalf("waiter should observe, not run")
	}
	if runs.Load() != 1 {
		t.Fatalf("runs=%d", runs.Load())
	}
}

func TestCheckLicense(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b"} {
		inst := Instance{ID: id, StartedAt: base.Add(time.Duration(i) * time.Second)}
		if err := CheckLicense(ctx, m, inst, 2, time.Minute); err != nil {
			t.Fatalf("%s: %v", id, err)
		}
	}
	err := CheckLicense(ctx, m, Instance{ID: "c", StartedAt: base.Add(time.Minute)}, 2, time.Minute)
	if !errors.Is(err, ErrLicense) {
		t.Fatalf("third instance: %v", err)
	}
	// Older instances keep their seat.
	if err := CheckLicense(ctx, m, Instance{ID: "a"}, 2, time.Minute); err != nil {
		t.Fatalf("a after c joined: %v", err)
	}
}

func TestMemoryClaim(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	if ok, _ := m.Claim(ctx, "t1", "a", time.Minute); !ok {
		t.Fatalf("first claim")
	}
	if ok, _ := m.Claim(ctx, "t1", "b", time.Minute); ok {
		t.Fatalf("second claim must fail")
	}
	ex, _ := m.Executing(ctx)
	if ex["t1"] != "a" {
		t.Fatalf("executing=%v", ex)
	}
	_ = m.Release(ctx, "t1", "b")
	if ex, _ := m.Executing(ctx); len(ex) != 1 {
		t.Fatalf("foreign release must not clear claim")
	}
	_ = m.Release(ctx, "t1", "a")
	if ok, _ := m.Claim(ctx, "t1", "b", time.Minute); !ok {
		t.Fatalf("claim after release")
	}
}

func TestMemoryRenewClaim(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := m.Renew(ctx, "t1", "a", time.Minute); ok {
		t.Fatalf("renew without a claim must fail")
	}
	if ok, _ := m.Claim(ctx, "t1", "a", time.Minute); !ok {
		t.Fatalf("claim")
	}
	if ok, _ := m.Renew(ctx, "t1", "b", time.Minute); ok {
		t.Fatalf("foreign renew must fail")
	}
	now = now.Add(50 * time.Second)
	if ok, _ := m.Renew(ctx, "t1", "a", time.Minute); !ok {
		t.Fatalf("owner renew")
	}
	// Past the original expiry the renewed claim still holds.
	now = now.Add(30 * time.Second)
	if ok, _ := m.Claim(ctx, "t1", "b", time.Minute); ok {
		t.Fatalf("renewed claim was taken over")
	}
	now = now.Add(time.Minute)
	if ok, _ := m.Renew(ctx, "t1", "a", time.Minute); ok {
		t.Fatalf("expired claim must not renew")
	}
}

func TestMemoryTriggers(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	fire := time.Now().Add(time.Hour)
	_ = m.UpsertTrigger(ctx, Trigger{TaskID: "t1", ConditionID: "c2", NextFire: fire})
	_ = m.UpsertTrigger(ctx, Trigger{TaskID: "t1", ConditionID: "c1", NextFire: fire})
	_ = m.UpsertTrigger(ctx, Trigger{TaskID: "t2", ConditionID: "c1", NextFire: fire})

	_ = m.PauseTriggers(ctx, "t1")
	trs, _ := m.Triggers(ctx, "t1")
	if len(trs) != 2 || trs[0].ConditionID != "c1" || !trs[0].Paused || !trs[1].Paused {
		t.Fatalf("triggers=%+v", trs)
	}
	_ = m.DeleteTriggers(ctx, "t1")
	if all, _ := m.Triggers(ctx, ""); len(all) != 1 {
		t.Fatalf("after delete: %+v", all)
	}
}
