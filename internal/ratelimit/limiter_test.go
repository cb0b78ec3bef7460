package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usernamesearch/entitlements/internal/db/repositories"
)

// memStore keeps rate limit records in memory with the repository's semantics.
type memStore struct {
	mu      sync.Mutex
	records map[string][]time.Time
	err     error
}

func newMemStore() *memStore { return &memStore{records: make(map[string][]time.Time)} }

func (m *memStore) DeleteBefore(_ context.Context, id string, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	kept := m.records[id][:0]
	for _, at := range m.records[id] {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	m.records[id] = kept
	return nil
}

func (m *memStore) CountSince(_ context.Context, id string, since time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *time.Time
	n := 0
	for _, at := range m.records[id] {
		if at.Before(since) {
			continue
		}
		n++
		if oldest == nil || at.Before(*oldest) {
			t := at
			oldest = &t
		}
	}
	return n, oldest, nil
}

func (m *memStore) Insert(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = append(m.records[id], at)
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestStoreLimiter_Windowing(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewStoreLimiter(newMemStore()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.CheckAndRecord(ctx, "orders:ip:1.2.3.4", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 4-i, d.Remaining)
		clock.Advance(time.Second)
	}

	d, err := l.CheckAndRecord(ctx, "orders:ip:1.2.3.4", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, clock.t.Add(-5*time.Second).Add(time.Minute), d.ResetAt, "reset follows the oldest record")

	// Other identifiers are independent.
	d, err = l.CheckAndRecord(ctx, "orders:ip:5.6.7.8", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.Advance(time.Minute)
	d, err = l.CheckAndRecord(ctx, "orders:ip:1.2.3.4", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestStoreLimiter_DeniedRequestsAreNotRecorded(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	store := newMemStore()
	l := NewStoreLimiter(store).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		_, err := l.CheckAndRecord(context.Background(), "id", 2, time.Minute)
		require.NoError(t, err)
	}
	assert.Len(t, store.records["id"], 2)
}

func TestStoreLimiter_SQLShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewStoreLimiter(repositories.NewRateLimitRepository(db)).WithClock(func() time.Time { return now })

	mock.ExpectExec("DELETE FROM rate_limits WHERE identifier = \\$1 AND created_at < \\$2").
		WithArgs("verify:ip:1.1.1.1", now.Add(-time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\), MIN\\(created_at\\)").
		WithArgs("verify:ip:1.1.1.1", now.Add(-time.Minute)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "min"}).AddRow(1, now.Add(-30*time.Second)))
	mock.ExpectExec("INSERT INTO rate_limits").
		WithArgs("verify:ip:1.1.1.1", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	d, err := l.CheckAndRecord(context.Background(), "verify:ip:1.1.1.1", 20, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 18, d.Remaining)
	assert.Equal(t, now.Add(30*time.Second), d.ResetAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLimiter_StoreErrorSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("DELETE FROM rate_limits").WillReturnError(sql.ErrConnDone)

	_, err = NewStoreLimiter(repositories.NewRateLimitRepository(db)).CheckAndRecord(context.Background(), "id", 5, time.Minute)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestFailOpen(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")

	d, err := FailOpen(NewStoreLimiter(store)).CheckAndRecord(context.Background(), "id", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.Limit)
}

func TestFailOpen_PassesDenialsThrough(t *testing.T) {
	l := FailOpen(NewStoreLimiter(newMemStore()))
	ctx := context.Background()

	_, err := l.CheckAndRecord(ctx, "id", 1, time.Minute)
	require.NoError(t, err)
	d, err := l.CheckAndRecord(ctx, "id", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRedisLimiter_UnreachableFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err = NewRedisLimiter(client).CheckAndRecord(context.Background(), "id", 5, time.Minute)
	require.Error(t, err)

	d, err := FailOpen(NewRedisLimiter(client)).CheckAndRecord(context.Background(), "id", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
