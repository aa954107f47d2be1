// Package lock provides scoped exclusive locks for export destinations.
package lock

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/Ramsey-B/thistle/pkg/errors"
)

const (
	initialBackoff = 10 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// ErrLockNotHeld is returned when releasing a lock that was cleared or taken
// over by someone else.
var ErrLockNotHeld = errors.New("lock not held")

// Locker hands out exclusive locks keyed by destination. Acquire waits at most
// timeout and fails with *errors.LockTimeoutError when the key stays held.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (Guard, error)
}

// Guard is a held lock. Release is safe to call more than once.
type Guard interface {
	Key() string
	Release(ctx context.Context) error
}

// Owner identifies the holder of a lock.
type Owner struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (o Owner) String() string {
	if o.Host == "" && o.PID == 0 {
		return "unknown holder"
	}
	return o.Host + " pid " + strconv.Itoa(o.PID)
}

func newOwner(token string, now time.Time) Owner {
	host, _ := os.Hostname()
	return Owner{
		Token:      token,
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: now.UTC(),
	}
}

// nextBackoff doubles the wait up to maxBackoff.
func nextBackoff(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// wait sleeps for backoff or until the deadline, whichever is first. It
// returns false when the caller should stop retrying.
func wait(ctx context.Context, backoff time.Duration, deadline time.Time) (bool, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false, nil
	}
	if backoff > remaining {
		backoff = remaining
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(backoff):
		return true, nil
	}
}
