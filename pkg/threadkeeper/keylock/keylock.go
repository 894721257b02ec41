// Package keylock provides cooperative per-key mutual exclusion with fan-in.
//
// At most one operation runs per key at a time. A caller that arrives while
// an operation for its key is in flight does not start a second one: it
// waits for the first and receives the same result. The key is forgotten as
// soon as the operation settles, so nothing outlives a single call.
package keylock

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Manager owns one lock table. The zero value is not usable; use New.
type Manager struct {
	group    singleflight.Group
	inFlight atomic.Int64
	logger   *slog.Logger
}

// New creates an empty lock table.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "keylock")}
}

// WithLock runs op under key. leader is true when this caller's op is the one
// that ran; false means the result was shared from a concurrent caller.
//
// If ctx is done before the result is available the caller stops waiting and
// gets ctx.Err(). The operation itself is not cancelled.
func (m *Manager) WithLock(ctx context.Context, key string, op func() (any, error)) (value any, leader bool, err error) {
	var ran atomic.Bool
	ch := m.group.DoChan(key, func() (any, error) {
		ran.Store(true)
		m.inFlight.Add(1)
		defer m.inFlight.Add(-1)
		return op()
	})

	select {
	case res := <-ch:
		leader = ran.Load()
		if !leader {
			m.logger.Debug("joined in-flight operation", "key", key)
		}
		return res.Val, leader, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InFlight returns the number of keys currently held.
func (m *Manager) InFlight() int {
	return int(m.inFlight.Load())
}

// Do is a typed wrapper around Manager.WithLock.
func Do[T any](ctx context.Context, m *Manager, key string, op func() (T, error)) (T, bool, error) {
	v, leader, err := m.WithLock(ctx, key, func() (any, error) {
		return op()
	})
	var zero T
	if v == nil {
		return zero, leader, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, leader, err
	}
	return t, leader, err
}
