package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"jobmesh/internal/recurrence"
	"jobmesh/internal/task"
	logx "jobmesh/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutTask(ctx context.Context, t task.Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: empty id", task.ErrInvalidTask)
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, org, body, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET org=excluded.org, body=excluded.body, updated_at=excluded.updated_at`,
		t.ID, t.Org, string(body), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, org, id string) (task.Task, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM tasks WHERE id = ? AND (? = '' OR org = ?)`, id, org, org,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return task.Task{}, err
	}
	var t task.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return task.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, org string) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body FROM tasks WHERE (? = '' OR org = ?) ORDER BY id`, org, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var t task.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			s.log.Warn("skipping undecodable task", logx.String("task", id), logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTask(ctx context.Context, org, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND (? = '' OR org = ?)`, id, org, org)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM run_status WHERE task_id = ?`, id)
	return err
}

func (s *sqliteStore) PutStatus(ctx context.Context, st task.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_status(task_id, run_id, state, start_ms, end_ms, err, last_scheduled_ms, manual)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET run_id=excluded.run_id, state=excluded.state,
		   start_ms=excluded.start_ms, end_ms=excluded.end_ms, err=excluded.err,
		   last_scheduled_ms=excluded.last_scheduled_ms, manual=excluded.manual`,
		st.TaskID, nullStr(st.RunID), string(st.State), st.Start.UnixMilli(), nullTime(st.End),
		nullStr(st.Error), nullTime(st.LastScheduledStart), boolInt(st.Manual),
	)
	return err
}

const statusColumns = `task_id, run_id, state, start_ms, end_ms, err, last_scheduled_ms, manual`

func scanStatus(row interface{ Scan(...any) error }) (task.RunStatus, error) {
	var (
		st            task.RunStatus
		runID, errStr sql.NullString
		state         string
		start         int64
		end, last     sql.NullInt64
		manual        int
	)
	if err := row.Scan(&st.TaskID, &runID, &state, &start, &end, &errStr, &last, &manual); err != nil {
		return task.RunStatus{}, err
	}
	st.RunID = runID.String
	st.State = task.RunState(state)
	st.Start = time.UnixMilli(start)
	if end.Valid {
		st.End = time.UnixMilli(end.Int64)
	}
	st.Error = errStr.String
	if last.Valid {
		st.LastScheduledStart = time.UnixMilli(last.Int64)
	}
	st.Manual = manual != 0
	return st, nil
}

func (s *sqliteStore) GetStatus(ctx context.Context, taskID string) (task.RunStatus, bool, error) {
	st, err := scanStatus(s.db.QueryRowContext(ctx,
		`SELECT `+statusColumns+` FROM run_status WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return task.RunStatus{}, false, nil
	}
	if err != nil {
		return task.RunStatus{}, false, err
	}
	return st, true, nil
}

func (s *sqliteStore) ListStatuses(ctx context.Context) (map[string]task.RunStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+statusColumns+` FROM run_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]task.RunStatus{}
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out[st.TaskID] = st
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutTimeRange(ctx context.Context, r task.TimeRange) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("time range name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO time_ranges(name, start_at, end_at, is_default) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET start_at=excluded.start_at, end_at=excluded.end_at, is_default=excluded.is_default`,
		r.Name, r.Start.String(), r.End.String(), boolInt(r.Default),
	)
	return err
}

func scanRange(row interface{ Scan(...any) error }) (task.TimeRange, error) {
	var (
		r          task.TimeRange
		start, end string
		def        int
	)
	if err := row.Scan(&r.Name, &start, &end, &def); err != nil {
		return task.TimeRange{}, err
	}
	var err error
	if r.Start, err = recurrence.ParseClock(start); err != nil {
		return task.TimeRange{}, err
	}
	if r.End, err = recurrence.ParseClock(end); err != nil {
		return task.TimeRange{}, err
	}
	r.Default = def != 0
	return r, nil
}

func (s *sqliteStore) GetTimeRange(ctx context.Context, name string) (task.TimeRange, error) {
	r, err := scanRange(s.db.QueryRowContext(ctx,
		`SELECT name, start_at, end_at, is_default FROM time_ranges WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return task.TimeRange{}, fmt.Errorf("%w: time range %s", ErrNotFound, name)
	}
	return r, err
}

func (s *sqliteStore) ListTimeRanges(ctx context.Context) ([]task.TimeRange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, start_at, end_at, is_default FROM time_ranges ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.TimeRange
	for rows.Next() {
		r, err := scanRange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTimeRange(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM time_ranges WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: time range %s", ErrNotFound, name)
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Target),
		boolInt(e.OK), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
