package store

import (
	"context"
)

// HashStringToInt32 maps an arbitrary key to a stable 32-bit advisory lock
// id: for each byte, h = (h<<5) - h + c, truncated to 32 bits. Equal keys
// always hash to the same lock id.
func HashStringToInt32(key string) int32 {
	var h int32
	for _, c := range []byte(key) {
		h = (h << 5) - h + int32(c)
	}
	return h
}

// AcquireAdvisoryLock blocks until the session-level advisory lock for key
// is held on q.
func AcquireAdvisoryLock(ctx context.Context, q Querier, key string) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_lock($1)`, HashStringToInt32(key)); err != nil {
		return wrapErr("acquire advisory lock", err)
	}
	return nil
}

// ReleaseAdvisoryLock releases the advisory lock for key on q.
func ReleaseAdvisoryLock(ctx context.Context, q Querier, key string) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_unlock($1)`, HashStringToInt32(key)); err != nil {
		return wrapErr("release advisory lock", err)
	}
	return nil
}

// WithAdvisoryLock runs fn while holding the advisory lock for key.
// Session-level locks are connection-scoped, so when a pool is available a
// single connection is pinned for the whole scope. The lock is released on
// every exit path, including panics.
func (s *Store) WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	var q Querier = s.db
	if s.pool != nil {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return wrapErr("acquire connection", err)
		}
		defer conn.Release()
		q = conn
	}

	if err := AcquireAdvisoryLock(ctx, q, key); err != nil {
		return err
	}
	defer func() {
		// Release must not inherit the caller's cancellation.
		_ = ReleaseAdvisoryLock(context.WithoutCancel(ctx), q, key)
	}()

	return fn(ctx)
}
