package lock

import (
	"context"
	"database/sql"
	"fmt"
)

// AdvisoryLocker uses MySQL GET_LOCK() on the compliance store.
//
// MySQL advisory locks belong to a session, so every lease pins one pool
// connection until it is released. Closing that connection also frees the
// lock, which makes a crashed worker's locks disappear on their own.
type AdvisoryLocker struct {
	db             *sql.DB
	timeoutSeconds int
}

// NewAdvisoryLocker creates a locker. timeoutSeconds is passed to GET_LOCK;
// 0 returns immediately when the lock is busy.
func NewAdvisoryLocker(db *sql.DB, timeoutSeconds int) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, timeoutSeconds: timeoutSeconds}
}

// Acquire attempts GET_LOCK on a dedicated connection.
//
// MySQL GET_LOCK() return values:
//   - 1: Lock was obtained successfully
//   - 0: Timeout was reached without obtaining the lock
//   - NULL: An error occurred (e.g., out of memory, thread killed)
func (a *AdvisoryLocker) Acquire(ctx context.Context, name string) (Lease, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection for lock: %w", err)
	}

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, a.timeoutSeconds).Scan(&result); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to execute GET_LOCK: %w", err)
	}

	if !result.Valid {
		conn.Close()
		return nil, fmt.Errorf("GET_LOCK returned NULL for lock %q (possible database error)", name)
	}

	switch result.Int64 {
	case 1:
		return &advisoryLease{conn: conn, name: name}, nil
	case 0:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected GET_LOCK return value: %d", result.Int64)
	}
}

type advisoryLease struct {
	conn *sql.Conn
	name string
}

// Release runs RELEASE_LOCK and returns the connection to the pool.
//
// MySQL RELEASE_LOCK() return values:
//   - 1: Lock was released successfully
//   - 0: Lock was not established by this thread (not held)
//   - NULL: Named lock did not exist
func (l *advisoryLease) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()

	var result sql.NullInt64
	if err := l.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.name).Scan(&result); err != nil {
		return fmt.Errorf("failed to execute RELEASE_LOCK: %w", err)
	}
	if !result.Valid {
		return fmt.Errorf("RELEASE_LOCK returned NULL for lock %q (lock did not exist)", l.name)
	}
	if result.Int64 != 1 {
		return fmt.Errorf("lock %q was not held by this session", l.name)
	}
	return nil
}

// IsLocked reports whether some session currently holds the named lock.
func IsLocked(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var result sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT IS_FREE_LOCK(?)", name).Scan(&result); err != nil {
		return false, fmt.Errorf("failed to execute IS_FREE_LOCK: %w", err)
	}
	if !result.Valid {
		return false, fmt.Errorf("IS_FREE_LOCK returned NULL for lock %q", name)
	}
	return result.Int64 == 0, nil
}
