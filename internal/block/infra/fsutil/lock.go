package fsutil

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired in time.
var ErrLockTimeout = errors.New("timed out waiting for file lock")

// DefaultLockPoll is how often a contended lock is retried.
const DefaultLockPoll = 25 * time.Millisecond

// Lock acquires an exclusive advisory lock on path, creating the file if needed.
// It retries every poll until timeout elapses or ctx is done. The lock is held
// per open file, so two goroutines of one process also exclude each other.
func Lock(ctx context.Context, path string, timeout, poll time.Duration) (*FileLock, error) {
	if poll <= 0 {
		poll = DefaultLockPoll
	}
	deadline := time.Now().Add(timeout)
	for {
		l, ok, err := tryLock(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}
