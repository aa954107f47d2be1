package lock

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// FileLocker locks by creating the key as a file with O_EXCL. The file holds
// the owner as JSON so a waiter can tell who holds it and for how long. A lock
// left behind by a crashed process is reported as stale once it is older than
// StaleAfter but is never removed without ForceUnlock.
type FileLocker struct {
	StaleAfter time.Duration

	logger ectologger.Logger
	now    func() time.Time
}

func NewFileLocker(staleAfter time.Duration, logger ectologger.Logger) *FileLocker {
	return &FileLocker{
		StaleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Acquire creates the lock file at path, retrying with backoff until timeout.
// A zero timeout tries exactly once.
func (l *FileLocker) Acquire(ctx context.Context, path string, timeout time.Duration) (Guard, error) {
	ctx, span := tracing.StartSpan(ctx, "lock.FileLocker.Acquire")
	defer span.End()

	start := l.now()
	deadline := start.Add(timeout)
	backoff := initialBackoff

	for {
		guard, err := l.tryAcquire(path)
		if err == nil {
			metrics.LockWaitDuration.WithLabelValues("file", "acquired").Observe(time.Since(start).Seconds())
			l.logger.WithContext(ctx).WithField("path", path).Debug("Acquired lock")
			return guard, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "failed to create lock file %s", path)
		}

		retry, err := wait(ctx, backoff, deadline)
		if err != nil {
			return nil, err
		}
		if !retry {
			break
		}
		backoff = nextBackoff(backoff)
	}

	metrics.LockWaitDuration.WithLabelValues("file", "timeout").Observe(time.Since(start).Seconds())
	timeoutErr := l.timeoutError(path, time.Since(start))
	l.logger.WithContext(ctx).WithError(timeoutErr).WithFields(map[string]any{
		"path":  path,
		"stale": timeoutErr.Stale,
	}).Warn("Timed out waiting for lock")
	return nil, timeoutErr
}

func (l *FileLocker) tryAcquire(path string) (*fileGuard, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	owner := newOwner(uuid.New().String(), l.now())
	err = json.NewEncoder(f).Encode(owner)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, errors.Wrapf(err, "failed to write lock file %s", path)
	}
	return &fileGuard{path: path, token: owner.Token, logger: l.logger}, nil
}

func (l *FileLocker) timeoutError(path string, waited time.Duration) *errors.LockTimeoutError {
	timeoutErr := &errors.LockTimeoutError{Path: path, Waited: waited}
	owner, heldSince, err := Inspect(path)
	if err != nil {
		// released between the last attempt and now
		return timeoutErr
	}
	timeoutErr.Holder = owner.String()
	timeoutErr.HeldSince = heldSince
	timeoutErr.Stale = l.StaleAfter > 0 && l.now().Sub(heldSince) > l.StaleAfter
	return timeoutErr
}

// Inspect reads the owner of the lock file at path. A lock file whose owner
// record is unreadable, for example because its writer crashed right after
// creating it, yields a zero Owner and the file's modification time.
func Inspect(path string) (Owner, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Owner{}, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, time.Time{}, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil || owner.AcquiredAt.IsZero() {
		return Owner{}, info.ModTime(), nil
	}
	return owner, owner.AcquiredAt, nil
}

// ForceUnlock removes the lock file at path regardless of who holds it. It is
// an operator action for locks left behind by crashed processes. Returns the
// owner that was removed.
func ForceUnlock(path string) (Owner, error) {
	owner, _, err := Inspect(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Owner{}, errors.Wrapf(errors.ErrNotFound, "no lock at %s", path)
		}
		return Owner{}, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Owner{}, errors.Wrapf(err, "failed to remove lock file %s", path)
	}
	return owner, nil
}

type fileGuard struct {
	path   string
	token  string
	logger ectologger.Logger

	once sync.Once
	err  error
}

func (g *fileGuard) Key() string {
	return g.path
}

// Release removes the lock file if it still carries this guard's token.
func (g *fileGuard) Release(ctx context.Context) error {
	g.once.Do(func() {
		owner, _, err := Inspect(g.path)
		switch {
		case os.IsNotExist(err):
			g.err = ErrLockNotHeld
		case err != nil:
			g.err = err
		case owner.Token != g.token:
			g.err = ErrLockNotHeld
		default:
			if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
				g.err = errors.Wrapf(err, "failed to remove lock file %s", g.path)
			}
		}
		if g.err != nil {
			g.logger.WithContext(ctx).WithError(g.err).WithField("path", g.path).Warn("Failed to release lock")
			return
		}
		g.logger.WithContext(ctx).WithField("path", g.path).Debug("Released lock")
	})
	return g.err
}
