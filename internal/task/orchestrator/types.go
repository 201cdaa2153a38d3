package orchestrator

import (
	"context"
	"errors"
	"time"

	"jobmesh/internal/task"
	"jobmesh/internal/task/executor"
)

var (
	ErrNoNextRun    = errors.New("has no next runtime")
	ErrNotRemovable = errors.New("task is not removable")
	ErrClaimed      = errors.New("task is executing on another instance")
	ErrNotStarted   = errors.New("orchestrator not started")
)

const loadLock = "orchestrator.load"

type Config struct {
	InstanceID string
	Host       string

	// MaxInstances caps active scheduler instances. 0 disables the check.
	MaxInstances int
	// InstanceTTL is how long a silent instance still counts as active.
	InstanceTTL    time.Duration
	HeartbeatEvery time.Duration
	ReloadEvery    time.Duration
	HealthEvery    time.Duration
	LockTTL        time.Duration
	// ClaimTTL is the lease of the executing claim of runs without a
	// timeout. The claim is renewed every third of its lease while the run
	// or its leftover units are alive, so it only expires when this
	// instance dies.
	ClaimTTL time.Duration
	// Parallelism bounds concurrent trigger writes during load.
	Parallelism int
	Timezone    string
}

func (c Config) withDefaults() Config {
	if c.InstanceTTL <= 0 {
		c.InstanceTTL = 30 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = c.InstanceTTL / 3
	}
	if c.ReloadEvery <= 0 {
		c.ReloadEvery = time.Minute
	}
	if c.HealthEvery <= 0 {
		c.HealthEvery = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 12 * time.Hour
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	return c
}

// Runner executes tasks on this instance.
type Runner interface {
	Run(ctx context.Context, t task.Task, inv executor.Invoker) (executor.Result, error)
	Cancel(taskID string) error
	IsRunning(taskID string) bool
}

// HealthStatus reports the liveness of the scheduling loop.
type HealthStatus struct {
	Healthy    bool      `json:"healthy"`
	Instance   string    `json:"instance"`
	LastBeat   time.Time `json:"last_beat"`
	Tasks      int       `json:"tasks"`
	Entries    int       `json:"entries"`
	LastLoad   time.Time `json:"last_load"`
	LoadLeader bool      `json:"load_leader"`
}
