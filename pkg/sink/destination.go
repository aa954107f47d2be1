package sink

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/lock"
)

const (
	lockSuffix    = ".lock"
	partialSuffix = ".partial"
)

func LockPath(path string) string {
	return path + lockSuffix
}

func PartialPath(path string) string {
	return path + partialSuffix
}

// Incomplete reports whether a previous write to path was left unfinished:
// either its lock or its partial output is still on disk.
func Incomplete(path string) bool {
	for _, p := range []string{LockPath(path), PartialPath(path)} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// Destination is a file written under an exclusive lock. Output goes to
// <path>.partial and only replaces <path> on Commit, so a reader never sees a
// truncated file under the final name. A crash leaves the lock and the
// partial file behind.
type Destination struct {
	path    string
	locker  lock.Locker
	timeout time.Duration
	logger  ectologger.Logger

	guard  lock.Guard
	file   *os.File
	buf    *bufio.Writer
	closed bool
}

func NewDestination(path string, locker lock.Locker, timeout time.Duration, logger ectologger.Logger) *Destination {
	return &Destination{
		path:    path,
		locker:  locker,
		timeout: timeout,
		logger:  logger,
	}
}

func (d *Destination) Path() string {
	return d.path
}

// Open takes the lock and creates the partial file on first call. Later
// calls return the same writer.
func (d *Destination) Open(ctx context.Context) (io.Writer, error) {
	if d.closed {
		return nil, errors.Errorf("destination %s is already closed", d.path)
	}
	if d.buf != nil {
		return d.buf, nil
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %s", d.path)
	}
	guard, err := d.locker.Acquire(ctx, LockPath(d.path), d.timeout)
	if err != nil {
		return nil, err
	}

	partial := PartialPath(d.path)
	if _, err := os.Stat(partial); err == nil {
		d.logger.WithContext(ctx).WithField("path", partial).Warn("Discarding incomplete output left by an earlier run")
	}
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		_ = guard.Release(ctx)
		return nil, errors.Wrapf(err, "failed to create %s", partial)
	}

	d.guard = guard
	d.file = file
	d.buf = bufio.NewWriterSize(file, 256*1024)
	return d.buf, nil
}

// Commit flushes the partial file, moves it to the final path and releases
// the lock. A destination that was never written produces an empty file.
func (d *Destination) Commit(ctx context.Context) (err error) {
	if d.closed {
		return nil
	}
	if _, err := d.Open(ctx); err != nil {
		return err
	}
	d.closed = true
	defer func() {
		if releaseErr := d.guard.Release(ctx); err == nil && releaseErr != nil {
			err = releaseErr
		}
	}()

	partial := PartialPath(d.path)
	err = d.buf.Flush()
	if err == nil {
		err = d.file.Sync()
	}
	if closeErr := d.file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partial)
		return errors.Wrapf(err, "failed to finish %s", partial)
	}
	if err := os.Rename(partial, d.path); err != nil {
		_ = os.Remove(partial)
		return errors.Wrapf(err, "failed to publish %s", d.path)
	}
	syncDir(filepath.Dir(d.path))
	return nil
}

// Discard removes the partial file and releases the lock. The final path is
// left as it was before the write started.
func (d *Destination) Discard(ctx context.Context) error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.file == nil {
		return nil
	}
	_ = d.file.Close()
	err := os.Remove(PartialPath(d.path))
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	if releaseErr := d.guard.Release(ctx); err == nil {
		err = releaseErr
	}
	return err
}

func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}
