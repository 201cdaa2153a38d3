package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"jobmesh/internal/task"
	logx "jobmesh/pkg/logx"
)

// TaskStore is task CRUD scoped by organization. An empty org matches
// every organization.
type TaskStore interface {
	PutTask(ctx context.Context, t task.Task) error
	GetTask(ctx context.Context, org, id string) (task.Task, error)
	ListTasks(ctx context.Context, org string) ([]task.Task, error)
	DeleteTask(ctx context.Context, org, id string) error
}

// StatusStore keeps the last RunStatus per task.
type StatusStore interface {
	PutStatus(ctx context.Context, st task.RunStatus) error
	GetStatus(ctx context.Context, taskID string) (task.RunStatus, bool, error)
	ListStatuses(ctx context.Context) (map[string]task.RunStatus, error)
}

type RangeStore interface {
	PutTimeRange(ctx context.Context, r task.TimeRange) error
	GetTimeRange(ctx context.Context, name string) (task.TimeRange, error)
	ListTimeRanges(ctx context.Context) ([]task.TimeRange, error)
	DeleteTimeRange(ctx context.Context, name string) error
}

// DedupStore persists notifier dedup windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the persistence API used by the scheduler core.
type Store interface {
	TaskStore
	StatusStore
	RangeStore
	DedupStore
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
