package resolver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
)

// Storage persists the judgement history and the derived canonical index.
// History is the source of truth; the index can always be rebuilt from it.
type Storage interface {
	// Append durably records one applied judgement at the end of the history.
	Append(ctx context.Context, j models.Judgement) error
	// History returns every recorded judgement in append order. Records with a
	// verdict this version does not understand are skipped.
	History(ctx context.Context) ([]models.Judgement, error)
	// SaveIndex replaces the derived id -> canonical id index.
	SaveIndex(ctx context.Context, index map[string]string) error
	// LoadIndex returns the last saved index.
	LoadIndex(ctx context.Context) (map[string]string, error)
	Close() error
}

// judgementRecord is the persisted form of a judgement. The verdict is kept as
// a plain string so unknown verdicts survive a round trip through older code.
type judgementRecord struct {
	Left      string    `json:"left"`
	Right     string    `json:"right"`
	Verdict   string    `json:"verdict"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

func toRecord(j models.Judgement) judgementRecord {
	return judgementRecord{
		Left:      j.Left,
		Right:     j.Right,
		Verdict:   string(j.Verdict),
		Actor:     j.Actor,
		Timestamp: j.Timestamp.UTC(),
	}
}

func (r judgementRecord) judgement() (models.Judgement, bool) {
	verdict, ok := models.ParseVerdict(r.Verdict)
	if !ok {
		return models.Judgement{}, false
	}
	return models.Judgement{
		Left:      r.Left,
		Right:     r.Right,
		Verdict:   verdict,
		Actor:     r.Actor,
		Timestamp: r.Timestamp,
	}, true
}

const (
	bucketJudgements = "judgements"
	bucketIndex      = "index"
)

// BoltStorage keeps resolver state in a single bbolt file. bbolt holds an
// exclusive file lock while open, so one storage location has at most one
// resolver across processes.
type BoltStorage struct {
	db   *bolt.DB
	path string
}

// OpenBoltStorage opens or creates the resolver file. If another process holds
// it, opening fails after timeout.
func OpenBoltStorage(path string, timeout time.Duration) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open resolver file %s", path)
	}
	s := &BoltStorage{db: db, path: path}
	if err := s.initDB(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStorage) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketJudgements, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return errors.Wrapf(err, "initDB: creating bucket %q", name)
			}
		}
		return nil
	})
}

func (s *BoltStorage) Append(ctx context.Context, j models.Judgement) error {
	data, err := json.Marshal(toRecord(j))
	if err != nil {
		return errors.Wrap(err, "failed to encode judgement")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketJudgements))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

func (s *BoltStorage) History(ctx context.Context) ([]models.Judgement, error) {
	var history []models.Judgement
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketJudgements)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec judgementRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "corrupt judgement record %d", binary.BigEndian.Uint64(k))
			}
			j, ok := rec.judgement()
			if !ok {
				continue
			}
			history = append(history, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

func (s *BoltStorage) SaveIndex(ctx context.Context, index map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketIndex)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket([]byte(bucketIndex))
		if err != nil {
			return err
		}
		for id, canonical := range index {
			if err := b.Put([]byte(id), []byte(canonical)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStorage) LoadIndex(ctx context.Context) (map[string]string, error) {
	index := map[string]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIndex)).ForEach(func(k, v []byte) error {
			index[string(k)] = string(v)
			return nil
		})
	})
	return index, err
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// MemoryStorage keeps resolver state in process.
type MemoryStorage struct {
	mu      sync.Mutex
	records []judgementRecord
	index   map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{index: map[string]string{}}
}

func (s *MemoryStorage) Append(ctx context.Context, j models.Judgement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, toRecord(j))
	return nil
}

// AppendRaw adds a record with an arbitrary verdict string.
func (s *MemoryStorage) AppendRaw(left, right, verdict, actor string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, judgementRecord{Left: left, Right: right, Verdict: verdict, Actor: actor, Timestamp: ts})
}

func (s *MemoryStorage) History(ctx context.Context) ([]models.Judgement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var history []models.Judgement
	for _, rec := range s.records {
		if j, ok := rec.judgement(); ok {
			history = append(history, j)
		}
	}
	return history, nil
}

func (s *MemoryStorage) SaveIndex(ctx context.Context, index map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[string]string, len(index))
	for k, v := range index {
		s.index[k] = v
	}
	return nil
}

func (s *MemoryStorage) LoadIndex(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.index))
	for k, v := range s.index {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
