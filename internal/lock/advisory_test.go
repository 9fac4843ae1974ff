package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvisoryLocker_AcquireAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	name := RequestLockName("req-1")
	mock.ExpectQuery(`SELECT GET_LOCK\(\?, \?\)`).
		WithArgs(name, 0).
		WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(1))
	mock.ExpectQuery(`SELECT RELEASE_LOCK\(\?\)`).
		WithArgs(name).
		WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(1))

	locker := NewAdvisoryLocker(db, 0)
	lease, err := locker.Acquire(context.Background(), name)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))

	// A second release is a no-op.
	require.NoError(t, lease.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_Busy(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT GET_LOCK`).
		WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(0))

	_, err = NewAdvisoryLocker(db, 0).Acquire(context.Background(), "goforget:request:x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockHeld))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_NullAndErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT GET_LOCK`).
		WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(nil))
	mock.ExpectQuery(`SELECT GET_LOCK`).
		WillReturnError(fmt.Errorf("connection reset"))

	locker := NewAdvisoryLocker(db, 0)

	_, err = locker.Acquire(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned NULL")

	_, err = locker.Acquire(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute GET_LOCK")
	assert.False(t, errors.Is(err, ErrLockHeld))
}

func TestIsLocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT IS_FREE_LOCK\(\?\)`).
		WithArgs("n").
		WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(0))
	mock.ExpectQuery(`SELECT IS_FREE_LOCK\(\?\)`).
		WithArgs("n").
		WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(1))

	locked, err := IsLocked(context.Background(), db, "n")
	require.NoError(t, err)
	assert.True(t, locked)

	locked, err = IsLocked(context.Background(), db, "n")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRequestLockName(t *testing.T) {
	assert.Equal(t, "goforget:request:6f1c-42", RequestLockName("6f1c-42"))
	assert.Equal(t, "goforget:request:a_b_c", RequestLockName("a;b'c"))
	assert.LessOrEqual(t, len(RequestLockName("8a1f5c7e-2b7d-4a51-9f3e-0c3e8d9a6b21")), 64)
}

// ============================================================================
// Integration against a live MySQL server (skipped when unavailable)
// ============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func connectToTestDB(t *testing.T) *sql.DB {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/?parseTime=true",
		getEnv("TEST_MYSQL_USER", "root"),
		getEnv("TEST_MYSQL_PASS", ""),
		getEnv("TEST_MYSQL_HOST", "127.0.0.1"),
		getEnv("TEST_MYSQL_PORT", "3306"),
	)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("Failed to open database connection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("MySQL test server not available: %v", err)
	}
	return db
}

func TestAdvisoryLocker_Integration_Exclusive(t *testing.T) {
	db := connectToTestDB(t)
	defer db.Close()

	name := fmt.Sprintf("goforget:test:%d", time.Now().UnixNano()%1000000)
	locker := NewAdvisoryLocker(db, 0)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, name)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, name)
	assert.ErrorIs(t, err, ErrLockHeld)

	locked, err := IsLocked(ctx, db, name)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, first.Release(ctx))

	second, err := locker.Acquire(ctx, name)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}
