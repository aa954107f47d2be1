package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const logExt = ".jsonl"

type logWriter struct {
	file *os.File
	buf  *bufio.Writer
}

// LogStore keeps one JSON-lines append log per dataset in a directory.
// A crash can leave at most one torn line at the end of a log; readers skip
// it and the next writer truncates it before appending.
type LogStore struct {
	dir     string
	logger  ectologger.Logger
	mu      sync.Mutex
	writers map[string]*logWriter
}

// NewLogStore opens (and creates if needed) a log directory.
func NewLogStore(dir string, logger ectologger.Logger) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create statement directory %s", dir)
	}
	return &LogStore{
		dir:     dir,
		logger:  logger,
		writers: map[string]*logWriter{},
	}, nil
}

func (s *LogStore) path(dataset string) string {
	return filepath.Join(s.dir, dataset+logExt)
}

func (s *LogStore) Append(ctx context.Context, stmts ...models.Statement) error {
	ctx, span := tracing.StartSpan(ctx, "store.LogStore.Append")
	defer span.End()

	prepared, err := prepare(stmts)
	if err != nil {
		return err
	}

	// encode everything first so a marshal failure writes nothing
	lines := map[string]*bytes.Buffer{}
	order := []string{}
	for _, stmt := range prepared {
		buf, ok := lines[stmt.Dataset]
		if !ok {
			buf = &bytes.Buffer{}
			lines[stmt.Dataset] = buf
			order = append(order, stmt.Dataset)
		}
		data, err := json.Marshal(stmt)
		if err != nil {
			return errors.Wrapf(err, "failed to encode statement %s", stmt.ID)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dataset := range order {
		w, err := s.writer(dataset)
		if err != nil {
			return err
		}
		if _, err := w.buf.Write(lines[dataset].Bytes()); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("dataset", dataset).Error("Failed to append statements")
			return errors.Wrapf(err, "failed to append to dataset %s", dataset)
		}
	}
	return nil
}

// writer returns the open append handle for a dataset. Callers hold s.mu.
func (s *LogStore) writer(dataset string) (*logWriter, error) {
	if w, ok := s.writers[dataset]; ok {
		return w, nil
	}
	path := s.path(dataset)
	if err := repairTail(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open statement log %s", path)
	}
	w := &logWriter{file: f, buf: bufio.NewWriterSize(f, 64*1024)}
	s.writers[dataset] = w
	return w, nil
}

// repairTail truncates a log back to its last complete line.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to open statement log %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := max(end-chunk, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && err != io.EOF {
			return err
		}
		idx := bytes.LastIndexByte(buf[:n], '\n')
		if idx >= 0 {
			keep := start + int64(idx) + 1
			if keep == size {
				return nil
			}
			return f.Truncate(keep)
		}
		end = start
	}
	return f.Truncate(0)
}

func (s *LogStore) flushLocked(dataset string) error {
	w, ok := s.writers[dataset]
	if !ok {
		return nil
	}
	return w.buf.Flush()
}

// Flush writes buffered statements and syncs every open log to disk.
func (s *LogStore) Flush(ctx context.Context) error {
	_, span := tracing.StartSpan(ctx, "store.LogStore.Flush")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	for dataset, w := range s.writers {
		if err := w.buf.Flush(); err != nil {
			return errors.Wrapf(err, "failed to flush dataset %s", dataset)
		}
		if err := w.file.Sync(); err != nil {
			return errors.Wrapf(err, "failed to sync dataset %s", dataset)
		}
	}
	return nil
}

func (s *LogStore) Iterate(ctx context.Context, filter Filter) iter.Seq2[models.Statement, error] {
	return func(yield func(models.Statement, error) bool) {
		if filter.Dataset != "" {
			if err := ValidateDatasetName(filter.Dataset); err != nil {
				yield(models.Statement{}, err)
				return
			}
		}
		datasets := []string{filter.Dataset}
		if filter.Dataset == "" {
			var err error
			datasets, err = s.Datasets(ctx)
			if err != nil {
				yield(models.Statement{}, err)
				return
			}
		}
		for _, dataset := range datasets {
			if !s.iterateDataset(ctx, dataset, filter, yield) {
				return
			}
		}
	}
}

// iterateDataset yields one dataset's log and reports whether iteration
// should continue.
func (s *LogStore) iterateDataset(ctx context.Context, dataset string, filter Filter, yield func(models.Statement, error) bool) bool {
	fail := func(err error) bool {
		yield(models.Statement{}, err)
		return false
	}

	s.mu.Lock()
	err := s.flushLocked(dataset)
	s.mu.Unlock()
	if err != nil {
		return fail(errors.Wrapf(err, "failed to flush dataset %s", dataset))
	}

	f, err := os.Open(s.path(dataset))
	if os.IsNotExist(err) {
		return true
	}
	if err != nil {
		return fail(errors.Wrapf(err, "failed to open dataset %s", dataset))
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(bytes.TrimSpace(line)) > 0 {
				s.logger.WithContext(ctx).WithField("dataset", dataset).Warn("Skipping incomplete trailing statement")
			}
			return true
		}
		if err != nil {
			return fail(errors.Wrapf(err, "failed to read dataset %s", dataset))
		}
		lineNo++

		var stmt models.Statement
		if err := json.Unmarshal(line, &stmt); err != nil {
			return fail(errors.Wrapf(err, "corrupt statement at %s line %d", dataset, lineNo))
		}
		if !filter.matchesEntity(stmt.EntityID) {
			continue
		}
		if !yield(stmt, nil) {
			return false
		}
	}
}

func (s *LogStore) ReplaceDataset(ctx context.Context, dataset string, stmts []models.Statement) error {
	ctx, span := tracing.StartSpan(ctx, "store.LogStore.ReplaceDataset")
	defer span.End()

	if err := ValidateDatasetName(dataset); err != nil {
		return err
	}
	prepared, err := prepare(stmts)
	if err != nil {
		return err
	}
	for _, stmt := range prepared {
		if stmt.Dataset != dataset {
			return errorForeignDataset(dataset, stmt)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writers[dataset]; ok {
		if err := w.buf.Flush(); err != nil {
			return err
		}
		if err := w.file.Close(); err != nil {
			return err
		}
		delete(s.writers, dataset)
	}

	tmp, err := os.CreateTemp(s.dir, dataset+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create replacement log")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriterSize(tmp, 64*1024)
	enc := json.NewEncoder(w)
	for _, stmt := range prepared {
		if err := enc.Encode(stmt); err != nil {
			tmp.Close()
			return errors.Wrapf(err, "failed to encode statement %s", stmt.ID)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path(dataset)); err != nil {
		return errors.Wrapf(err, "failed to swap dataset %s", dataset)
	}
	syncDir(s.dir)

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset":    dataset,
		"statements": len(prepared),
	}).Info("Replaced dataset")
	return nil
}

func (s *LogStore) Datasets(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list statement directory %s", s.dir)
	}
	seen := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, logExt) {
			continue
		}
		seen[strings.TrimSuffix(name, logExt)] = true
	}
	s.mu.Lock()
	for dataset := range s.writers {
		seen[dataset] = true
	}
	s.mu.Unlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for dataset, w := range s.writers {
		if err := w.buf.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.writers, dataset)
	}
	return firstErr
}

// syncDir makes a rename durable. Not every platform supports syncing a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
