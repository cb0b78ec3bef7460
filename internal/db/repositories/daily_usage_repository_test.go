package repositories

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newDailyUsageRepo(t *testing.T) (*DailyUsageRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDailyUsageRepository(db), mock
}

func TestIncrementIfBelow_Admitted(t *testing.T) {
	repo, mock := newDailyUsageRepo(t)
	mock.ExpectQuery("INSERT INTO user_daily_usage.*ON CONFLICT \\(user_id, ymd\\) DO UPDATE.*" +
		"WHERE user_daily_usage.count < \\$3 RETURNING count").
		WithArgs("google:1", "2026-10-19", 10, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, ok, err := repo.IncrementIfBelow(context.Background(), "google:1", "2026-10-19", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || count != 3 {
		t.Errorf("got ok=%v count=%d, want true 3", ok, count)
	}
}

func TestIncrementIfBelow_LimitReached(t *testing.T) {
	repo, mock := newDailyUsageRepo(t)
	mock.ExpectQuery("INSERT INTO user_daily_usage").
		WillReturnRows(sqlmock.NewRows([]string{"count"}))

	_, ok, err := repo.IncrementIfBelow(context.Background(), "google:1", "2026-10-19", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("ok = true, want false at the limit")
	}
}

func TestIncrementIfBelow_DBError(t *testing.T) {
	repo, mock := newDailyUsageRepo(t)
	mock.ExpectQuery("INSERT INTO user_daily_usage").WillReturnError(errDB)

	if _, _, err := repo.IncrementIfBelow(context.Background(), "u", "d", 1); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestDailyUsageGet_NoRow(t *testing.T) {
	repo, mock := newDailyUsageRepo(t)
	mock.ExpectQuery("SELECT count FROM user_daily_usage").
		WithArgs("google:1", "2026-10-19").
		WillReturnRows(sqlmock.NewRows([]string{"count"}))

	n, err := repo.Get(context.Background(), "google:1", "2026-10-19")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestDailyUsageDeleteBefore(t *testing.T) {
	repo, mock := newDailyUsageRepo(t)
	mock.ExpectExec("DELETE FROM user_daily_usage WHERE ymd < \\$1").
		WithArgs("2026-07-21").
		WillReturnResult(sqlmock.NewResult(0, 40))

	n, err := repo.DeleteBefore(context.Background(), "2026-07-21")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 40 {
		t.Errorf("removed = %d, want 40", n)
	}
}
