// Package postgres implements cluster.Backend on PostgreSQL. All queries go
// through a DBTX satisfied by *pgxpool.Pool and pgx.Tx. Lock waiters hold a
// dedicated connection that LISTENs for unlock notifications.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmesh/internal/cluster"
	logx "jobmesh/pkg/logx"
)

// unlockChannel carries the released lock name as payload.
const unlockChannel = "jobmesh_lock_released"

//go:embed schema.sql
var schema string

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ListenConn is a dedicated connection able to receive notifications.
type ListenConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

type Store struct {
	db      DBTX
	acquire func(ctx context.Context) (ListenConn, error)
	close   func()
	log     logx.Logger
	now     func() time.Time
}

var _ cluster.Backend = (*Store)(nil)

// Open connects a pool and applies the schema.
func Open(ctx context.Context, dsn string, log logx.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cluster/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cluster/postgres: ping: %w", err)
	}
	s := New(pool, func(ctx context.Context) (ListenConn, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return poolConn{c: c}, nil
	}, log)
	s.close = pool.Close
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing DBTX. acquire provides listening connections for
// Await.
func New(db DBTX, acquire func(ctx context.Context) (ListenConn, error), log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, acquire: acquire, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("cluster/postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// TryLock inserts the lease row, or takes over an expired one. Zero rows
// affected means a live lease exists.
func (s *Store) TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	tag, err := s.db.Exec(ctx,
		`INSERT INTO jobmesh_locks (name, owner, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE
		   SET owner = EXCLUDED.owner,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE jobmesh_locks.expires_at < $3 OR jobmesh_locks.owner = $2`,
		name, owner, now, now.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("cluster/postgres: try lock %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Unlock deletes the lease and notifies waiters in the same statement.
func (s *Store) Unlock(ctx context.Context, name, owner string) error {
	_, err := s.db.Exec(ctx,
		`WITH released AS (
		   DELETE FROM jobmesh_locks WHERE name = $1 AND owner = $2 RETURNING name
		 )
		 SELECT pg_notify('`+unlockChannel+`', name) FROM released`,
		name, owner,
	)
	if err != nil {
		return fmt.Errorf("cluster/postgres: unlock %s: %w", name, err)
	}
	return nil
}

// Await LISTENs before checking the lease so an unlock between the check
// and the wait is never missed. The wait is bounded by the lease expiry.
func (s *Store) Await(ctx context.Context, name string) error {
	if s.acquire == nil {
		return errors.New("cluster/postgres: await needs a listening connection")
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return fmt.Errorf("cluster/postgres: acquire listener: %w", err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = conn.Exec(uctx, "UNLISTEN "+unlockChannel)
		cancel()
		conn.Release()
	}()
	if _, err := conn.Exec(ctx, "LISTEN "+unlockChannel); err != nil {
		return fmt.Errorf("cluster/postgres: listen: %w", err)
	}

	for {
		expires, held, err := s.leaseExpiry(ctx, name)
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		wctx, cancel := context.WithDeadline(ctx, expires)
		n, err := conn.WaitForNotification(wctx)
		expired := wctx.Err() != nil
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !expired {
			return fmt.Errorf("cluster/postgres: wait: %w", err)
		}
		if n != nil {
			s.log.Debug("lock released", logx.String("lock", n.Payload))
		}
	}
}

func (s *Store) leaseExpiry(ctx context.Context, name string) (time.Time, bool, error) {
	var expires time.Time
	err := s.db.QueryRow(ctx,
		`SELECT expires_at FROM jobmesh_locks WHERE name = $1 AND expires_at >= $2`,
		name, s.now(),
	).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cluster/postgres: lease %s: %w", name, err)
	}
	return expires, true, nil
}

func (s *Store) Heartbeat(ctx context.Context, inst cluster.Instance) error {
	now := s.now()
	started := inst.StartedAt
	if started.IsZero() {
		started = now
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO jobmesh_instances (id, host, started_at, last_seen)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET host = EXCLUDED.host, last_seen = EXCLUDED.last_seen`,
		inst.ID, inst.Host, started, now,
	)
	if err != nil {
		return fmt.Errorf("cluster/postgres: heartbeat: %w", err)
	}
	return nil
}

func (s *Store) Active(ctx context.Context, within time.Duration) ([]cluster.Instance, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, host, started_at, last_seen FROM jobmesh_instances
		 WHERE last_seen >= $1
		 ORDER BY started_at ASC, id ASC`,
		s.now().Add(-within),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster/postgres: list instances: %w", err)
	}
	defer rows.Close()

	var out []cluster.Instance
	for rows.Next() {
		var in cluster.Instance
		if err := rows.Scan(&in.ID, &in.Host, &in.StartedAt, &in.LastSeen); err != nil {
			return nil, fmt.Errorf("cluster/postgres: scan instance: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cluster/postgres: iterate instances: %w", err)
	}
	return out, nil
}

func (s *Store) Deregister(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM jobmesh_instances WHERE id = $1`, id); err != nil {
		return fmt.Errorf("cluster/postgres: deregister: %w", err)
	}
	return nil
}

func (s *Store) UpsertTrigger(ctx context.Context, tr cluster.Trigger) error {
	var next *time.Time
	if !tr.NextFire.IsZero() {
		n := tr.NextFire.UTC()
		next = &n
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO jobmesh_triggers (task_id, condition_id, next_fire, paused, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (task_id, condition_id) DO UPDATE SET
		   next_fire = EXCLUDED.next_fire,
		   paused = EXCLUDED.paused,
		   updated_at = EXCLUDED.updated_at`,
		tr.TaskID, tr.ConditionID, next, tr.Paused, s.now(),
	)
	if err != nil {
		return fmt.Errorf("cluster/postgres: upsert trigger %s/%s: %w", tr.TaskID, tr.ConditionID, err)
	}
	return nil
}

func (s *Store) setPaused(ctx context.Context, taskID string, paused bool) error {
	_, err := s.db.Exec(ctx,
		`UPDATE jobmesh_triggers SET paused = $2, updated_at = $3 WHERE task_id = $1`,
		taskID, paused, s.now(),
	)
	if err != nil {
		return fmt.Errorf("cluster/postgres: pause=%v %s: %w", paused, taskID, err)
	}
	return nil
}

func (s *Store) PauseTriggers(ctx context.Context, taskID string) error {
	return s.setPaused(ctx, taskID, true)
}

func (s *Store) ResumeTriggers(ctx context.Context, taskID string) error {
	return s.setPaused(ctx, taskID, false)
}

func (s *Store) DeleteTriggers(ctx context.Context, taskID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM jobmesh_triggers WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("cluster/postgres: delete triggers %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) Triggers(ctx context.Context, taskID string) ([]cluster.Trigger, error) {
	rows, err := s.db.Query(ctx,
		`SELECT task_id, condition_id, next_fire, paused, updated_at FROM jobmesh_triggers
		 WHERE ($1 = '' OR task_id = $1)
		 ORDER BY task_id, condition_id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("cluster/postgres: list triggers: %w", err)
	}
	defer rows.Close()

	var out []cluster.Trigger
	for rows.Next() {
		var (
			tr   cluster.Trigger
			next *time.Time
		)
		if err := rows.Scan(&tr.TaskID, &tr.ConditionID, &next, &tr.Paused, &tr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("cluster/postgres: scan trigger: %w", err)
		}
		if next != nil {
			tr.NextFire = *next
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cluster/postgres: iterate triggers: %w", err)
	}
	return out, nil
}

// Claim uses the same lease upsert as TryLock on the executing table.
func (s *Store) Claim(ctx context.Context, taskID, instanceID string, ttl time.Duration) (bool, error) {
	now := s.now()
	tag, err := s.db.Exec(ctx,
		`INSERT INTO jobmesh_executing (task_id, instance_id, claimed_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (task_id) DO UPDATE
		   SET instance_id = EXCLUDED.instance_id,
		       claimed_at = EXCLUDED.claimed_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE jobmesh_executing.expires_at < $3`,
		taskID, instanceID, now, now.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("cluster/postgres: claim %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Renew(ctx context.Context, taskID, instanceID string, ttl time.Duration) (bool, error) {
	now := s.now()
	tag, err := s.db.Exec(ctx,
		`UPDATE jobmesh_executing SET expires_at = $3
		 WHERE task_id = $1 AND instance_id = $2 AND expires_at >= $4`,
		taskID, instanceID, now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("cluster/postgres: renew %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Release(ctx context.Context, taskID, instanceID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM jobmesh_executing WHERE task_id = $1 AND instance_id = $2`,
		taskID, instanceID,
	)
	if err != nil {
		return fmt.Errorf("cluster/postgres: release %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) Executing(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT task_id, instance_id FROM jobmesh_executing WHERE expires_at >= $1`,
		s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster/postgres: executing: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var taskID, inst string
		if err := rows.Scan(&taskID, &inst); err != nil {
			return nil, fmt.Errorf("cluster/postgres: scan executing: %w", err)
		}
		out[taskID] = inst
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cluster/postgres: iterate executing: %w", err)
	}
	return out, nil
}

type poolConn struct{ c *pgxpool.Conn }

func (p poolConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.c.Exec(ctx, sql, args...)
}

func (p poolConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return p.c.Conn().WaitForNotification(ctx)
}

func (p poolConn) Release() { p.c.Release() }
