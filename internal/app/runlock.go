package app

import (
	"context"
	"errors"
	"sync/atomic"
)

// RunLock provides mutual exclusion for emission runs. unlock must be called
// exactly once when acquired is true.
type RunLock interface {
	TryLock(ctx context.Context) (unlock func(context.Context) error, acquired bool, err error)
}

// LocalRunLock excludes overlapping runs inside one process.
type LocalRunLock struct {
	held atomic.Bool
}

func (l *LocalRunLock) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func(context.Context) error {
		l.held.Store(false)
		return nil
	}, true, nil
}

// GuardedRunLock takes the in-process guard before the shared backend, so a
// process never contends with itself on the backend.
type GuardedRunLock struct {
	local   LocalRunLock
	backend RunLock
}

// NewGuardedRunLock wraps backend; a nil backend leaves only the local guard.
func NewGuardedRunLock(backend RunLock) *GuardedRunLock {
	return &GuardedRunLock{backend: backend}
}

func (g *GuardedRunLock) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	releaseLocal, ok, _ := g.local.TryLock(ctx)
	if !ok {
		return nil, false, nil
	}
	if g.backend == nil {
		return releaseLocal, true, nil
	}

	releaseBackend, ok, err := g.backend.TryLock(ctx)
	if err != nil || !ok {
		_ = releaseLocal(ctx)
		return nil, false, err
	}
	return func(ctx context.Context) error {
		backendErr := releaseBackend(ctx)
		return errors.Join(backendErr, releaseLocal(ctx))
	}, true, nil
}
