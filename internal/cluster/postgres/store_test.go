package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"jobmesh/internal/cluster"
	logx "jobmesh/pkg/logx"
)

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type mockRow struct {
	scanFn func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFn(dest...) }

type mockRows struct {
	data [][]any
	idx  int
}

func newMockRows(data [][]any) *mockRows { return &mockRows{data: data, idx: -1} }

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return nil }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) Values() ([]any, error)                       { return r.data[r.idx], nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func (r *mockRows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *time.Time:
			*v = row[i].(time.Time)
		case **time.Time:
			*v = row[i].(*time.Time)
		case *bool:
			*v = row[i].(bool)
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}

type fakeListen struct {
	mu       sync.Mutex
	execs    []string
	notify   chan *pgconn.Notification
	released bool
}

func (f *fakeListen) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	f.execs = append(f.execs, sql)
	f.mu.Unlock()
	return pgconn.NewCommandTag(sql), nil
}

func (f *fakeListen) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-f.notify:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeListen) Release() {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
}

func newStore(db DBTX, l *fakeListen) *Store {
	return New(db, func(context.Context) (ListenConn, error) { return l, nil }, logx.Nop())
}

func TestTryLock_Acquired(t *testing.T) {
	db := new(mockDBTX)
	s := newStore(db, nil)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		if len(args) != 4 {
			return false
		}
		lockedAt, ok1 := args[2].(time.Time)
		expiresAt, ok2 := args[3].(time.Time)
		return ok1 && ok2 && expiresAt.Sub(lockedAt) == 10*time.Minute && args[0] == "orchestrator.load"
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	ok, err := s.TryLock(ctx, "orchestrator.load", "node-a", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	db.AssertExpectations(t)
}

func TestTryLock_HeldElsewhere(t *testing.T) {
	db := new(mockDBTX)
	s := newStore(db, nil)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	ok, err := s.TryLock(ctx, "orchestrator.load", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a live lease held by another node must not be taken")
}

func TestTryLock_DBError(t *testing.T) {
	db := new(mockDBTX)
	s := newStore(db, nil)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	ok, err := s.TryLock(ctx, "x", "node-a", time.Minute)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestUnlock_NotifiesWaiters(t *testing.T) {
	db := new(mockDBTX)
	s := newStore(db, nil)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "DELETE FROM jobmesh_locks") && strings.Contains(sql, "pg_notify('"+unlockChannel+"'")
	}), []any{"balancer.night", "node-a"}).Return(pgconn.NewCommandTag("SELECT 1"), nil)

	require.NoError(t, s.Unlock(ctx, "balancer.night", "node-a"))
	db.AssertExpectations(t)
}

func TestAwait_ReturnsWhenFree(t *testing.T) {
	db := new(mockDBTX)
	l := &fakeListen{notify: make(chan *pgconn.Notification)}
	s := newStore(db, l)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(...any) error { return pgx.ErrNoRows }})

	require.NoError(t, s.Await(ctx, "orchestrator.load"))
	assert.Equal(t, []string{"LISTEN " + unlockChannel, "UNLISTEN " + unlockChannel}, l.execs)
	assert.True(t, l.released)
}

func TestAwait_WakesOnNotification(t *testing.T) {
	db := new(mockDBTX)
	l := &fakeListen{notify: make(chan *pgconn.Notification, 1)}
	s := newStore(db, l)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	held := &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*time.Time) = time.Now().Add(time.Hour)
		return nil
	}}
	free := &mockRow{scanFn: func(...any) error { return pgx.ErrNoRows }}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(held).Once()
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(free).Once()

	l.notify <- &pgconn.Notification{Channel: unlockChannel, Payload: "orchestrator.load"}
	require.NoError(t, s.Await(ctx, "orchestrator.load"))
	db.AssertExpectations(t)
}

func TestAwait_ContextCanceled(t *testing.T) {
	db := new(mockDBTX)
	l := &fakeListen{notify: make(chan *pgconn.Notification)}
	s := newStore(db, l)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*time.Time) = time.Now().Add(time.Hour)
			return nil
		}})

	err := s.Await(ctx, "orchestrator.load")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, l.released)
}

func TestClaim(t *testing.T) {
	db := new(mockDBTX)
	s := newStore(db, nil)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil).Once()

	ok, err := s.Claim(ctx, "report", "node-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "report", "node-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "at most one live claim per task")
}

func TestRenew(t *testing.T) {
	db := new(mockDBTX)
	s := newStore(db, nil)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	ok, err := s.Renew(ctx, "report", "node-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Renew(ctx, "report", "node-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder extends a claim")
	db.AssertExpectations(t)
}

func TestActive_ScansRows(t *testing.T) {
	db := new(mockDBTX)
	s := newStore(db, nil)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(newMockRows([][]any{
		{"a", "host-a", t0, t0.Add(time.Minute)},
		{"b", "host-b", t0.Add(time.Second), t0.Add(time.Minute)},
	}), nil)

	got, err := s.Active(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, cluster.Instance{ID: "a", Host: "host-a", StartedAt: t0, LastSeen: t0.Add(time.Minute)}, got[0])
}

func TestTriggers_NullNextFire(t *testing.T) {
	db := new(mockDBTX)
	s := newStore(db, nil)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next := now.Add(time.Hour)

	db.On("Query", ctx, mock.AnythingOfType("string"), []any{""}).Return(newMockRows([][]any{
		{"t1", "c1", &next, false, now},
		{"t2", "c1", (*time.Time)(nil), true, now},
	}), nil)

	got, err := s.Triggers(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].NextFire.Equal(next))
	assert.True(t, got[1].NextFire.IsZero())
	assert.True(t, got[1].Paused)
}
