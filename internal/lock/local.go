package lock

import (
	"context"
	"fmt"
	"sync"
)

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, name string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[name]; busy {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	l.held[name] = struct{}{}
	return &localLease{owner: l, name: name}, nil
}

type localLease struct {
	owner *LocalLocker
	name  string
	once  sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.name)
		l.owner.mu.Unlock()
	})
	return nil
}
