// Package lock prevents two workers from processing the same erasure request
// at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrLockHeld is returned when the lock is owned by another worker.
var ErrLockHeld = errors.New("lock is held by another worker")

// Locker acquires named, exclusive locks.
type Locker interface {
	// Acquire takes the named lock without waiting. It returns ErrLockHeld
	// when another owner holds it.
	Acquire(ctx context.Context, name string) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// RequestLockName returns the lock name for an erasure request.
// Example: RequestLockName("6f1c...") -> "goforget:request:6f1c..."
func RequestLockName(requestID string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, requestID)

	return fmt.Sprintf("goforget:request:%s", sanitized)
}

// WithLock runs fn while holding the named lock. The lock is released even
// when fn panics.
func WithLock(ctx context.Context, l Locker, name string, fn func(context.Context) error) error {
	lease, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}

	defer func() {
		// Release with a fresh context so a canceled caller still frees the lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lease.Release(releaseCtx)
	}()

	return fn(ctx)
}
