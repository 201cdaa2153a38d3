// Package cluster defines the coordination primitives shared by scheduler
// instances: a lease lock with waiter notification, an instance registry
// and a job store holding triggers and the executing set.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrLockHeld = errors.New("lock held by another instance")
	ErrLicense  = errors.New("too many active scheduler instances")
)

// Trigger is the job-store record for one recurrence condition.
type Trigger struct {
	TaskID      string    `json:"task_id"`
	ConditionID string    `json:"condition_id"`
	NextFire    time.Time `json:"next_fire,omitempty"`
	Paused      bool      `json:"paused,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Instance struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Locker is a lease lock. A lease expires after ttl even if never
// unlocked, so a crashed holder cannot wedge the cluster.
type Locker interface {
	TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name, owner string) error
	// Await blocks until name is free (unlocked or expired) or ctx ends.
	// Waiters are woken by notification.
	Await(ctx context.Context, name string) error
}

type Registry interface {
	Heartbeat(ctx context.Context, inst Instance) error
	// Active lists instances seen within the given duration, oldest first.
	Active(ctx context.Context, within time.Duration) ([]Instance, error)
	Deregister(ctx context.Context, id string) error
}

// JobStore persists triggers and the cluster-wide executing set.
type JobStore interface {
	UpsertTrigger(ctx context.Context, tr Trigger) error
	PauseTriggers(ctx context.Context, taskID string) error
	ResumeTriggers(ctx context.Context, taskID string) error
	DeleteTriggers(ctx context.Context, taskID string) error
	// Triggers lists triggers for taskID, or all when taskID is empty.
	Triggers(ctx context.Context, taskID string) ([]Trigger, error)

	// Claim marks taskID as executing on instanceID. It fails (false) while
	// another live claim exists.
	Claim(ctx context.Context, taskID, instanceID string, ttl time.Duration) (bool, error)
	// Renew pushes the expiry of instanceID's live claim on taskID to
	// now+ttl. It reports false when the claim is gone or held by another
	// instance.
	Renew(ctx context.Context, taskID, instanceID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, taskID, instanceID string) error
	// Executing maps task id to the claiming instance.
	Executing(ctx context.Context) (map[string]string, error)
}

// Backend bundles the three roles; both implementations provide all of them.
type Backend interface {
	Locker
	Registry
	JobStore
	Close() error
}

// WithLock runs fn if the lock is acquired. Otherwise it waits for the
// holder to finish and returns ran=false so the caller can observe the
// holder's result instead of repeating the work.
func WithLock(ctx context.Context, l Locker, name, owner string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := l.TryLock(ctx, name, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		if err := l.Await(ctx, name); err != nil {
			return false, fmt.Errorf("await %s: %w", name, err)
		}
		return false, nil
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if uerr := l.Unlock(uctx, name, owner); uerr != nil && err == nil {
			err = fmt.Errorf("unlock %s: %w", name, uerr)
		}
	}()
	return true, fn(ctx)
}

// CheckLicense records self and refuses when more than limit instances are
// active and self is not among the limit oldest. limit <= 0 disables the check.
func CheckLicense(ctx context.Context, reg Registry, self Instance, limit int, within time.Duration) error {
	if err := reg.Heartbeat(ctx, self); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	if limit <= 0 {
		return nil
	}
	active, err := reg.Active(ctx, within)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	sortInstances(active)
	idx := slices.IndexFunc(active, func(in Instance) bool { return in.ID == self.ID })
	if idx < 0 || idx < limit {
		return nil
	}
	return fmt.Errorf("%w: %d active, limit %d", ErrLicense, len(active), limit)
}

func sortInstances(in []Instance) {
	slices.SortFunc(in, func(a, b Instance) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
