//go:build !unix

package fsutil

import (
	"errors"
	"os"
	"sync"
)

// FileLock falls back to an exclusive-create lock file where flock is missing.
type FileLock struct {
	path string
	once sync.Once
}

func tryLock(path string) (*FileLock, bool, error) {
	f, err := os.OpenFile(path+".held", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	f.Close()
	return &FileLock{path: path + ".held"}, true, nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	var err error
	l.once.Do(func() { err = os.Remove(l.path) })
	return err
}
