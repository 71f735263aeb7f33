package routes

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v3"
)

// ErrLockTimeout is returned when the route lock cannot be acquired within
// the retry budget.
var ErrLockTimeout = errors.New("timed out waiting for route lock")

const (
	lockRetries    = 20
	lockBackoff    = 50 * time.Millisecond
	lockStaleAfter = 10 * time.Second
)

// dirLock is the inter-process mutex guarding route-table mutations: an
// atomic Mkdir at a well-known path. Every process sharing the state
// directory uses the same protocol, so holding the directory is holding the
// lock.
type dirLock struct {
	path       string
	retries    uint64
	interval   time.Duration
	staleAfter time.Duration
}

func newDirLock(path string) *dirLock {
	return &dirLock{
		path:       path,
		retries:    lockRetries,
		interval:   lockBackoff,
		staleAfter: lockStaleAfter,
	}
}

// acquire takes the lock, breaking a stale one (mtime older than staleAfter)
// before retrying. The protected region is a short JSON read-modify-write, so
// a lock that old can only belong to a dead process.
func (l *dirLock) acquire() error {
	attempt := func() error {
		err := os.Mkdir(l.path, 0o777)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return backoff.Permanent(fmt.Errorf("create lock %s: %w", l.path, err))
		}
		if info, statErr := os.Stat(l.path); statErr == nil && time.Since(info.ModTime()) > l.staleAfter {
			_ = os.Remove(l.path)
		}
		return err
	}
	err := backoff.Retry(attempt, backoff.WithMaxRetries(backoff.NewConstantBackOff(l.interval), l.retries))
	switch {
	case err == nil:
		return nil
	case os.IsExist(err):
		// Retries exhausted while someone else held the directory.
		return fmt.Errorf("%w after %d attempts", ErrLockTimeout, l.retries+1)
	default:
		return err
	}
}

func (l *dirLock) release() {
	_ = os.Remove(l.path)
}
