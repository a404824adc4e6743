package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketIgnored = []byte("ignored_containers")
	bucketRuns    = []byte("runs")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return Open(filepath.Join(dataDir, "burrow.db"), false)
}

// Open opens the database at path. A read-only store does not create buckets
// and gives up after a second if a running worker holds the lock.
func Open(path string, readOnly bool) (*BoltStore, error) {
	opts := &bolt.Options{Timeout: time.Second, ReadOnly: readOnly}

	db, err := bolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if readOnly {
		return &BoltStore{db: db}, nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketIgnored, bucketRuns} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ignored container operations
func (s *BoltStore) AddIgnoredContainer(c *types.IgnoredContainer) error {
	return s.put(bucketIgnored, c.ID, c)
}

func (s *BoltStore) IsIgnoredContainer(id string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIgnored)
		if b == nil {
			return nil
		}
		found = b.Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) ListIgnoredContainers() ([]*types.IgnoredContainer, error) {
	var ignored []*types.IgnoredContainer
	err := s.forEach(bucketIgnored, func(v []byte) error {
		var c types.IgnoredContainer
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		ignored = append(ignored, &c)
		return nil
	})
	return ignored, err
}

func (s *BoltStore) DeleteIgnoredContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIgnored).Delete([]byte(id))
	})
}

// Run operations
func (s *BoltStore) SaveRun(run *types.RunRecord) error {
	return s.put(bucketRuns, types.RunKey(run.TaskID, run.RunID), run)
}

func (s *BoltStore) GetRun(taskID string, runID int) (*types.RunRecord, error) {
	var run types.RunRecord
	key := types.RunKey(taskID, runID)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return fmt.Errorf("run not found: %s", key)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("run not found: %s", key)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns every recorded run, most recently finished first
func (s *BoltStore) ListRuns() ([]*types.RunRecord, error) {
	var runs []*types.RunRecord
	err := s.forEach(bucketRuns, func(v []byte) error {
		var run types.RunRecord
		if err := json.Unmarshal(v, &run); err != nil {
			return err
		}
		runs = append(runs, &run)
		return nil
	})
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].FinishedAt.After(runs[j].FinishedAt)
	})
	return runs, err
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) forEach(bucket []byte, fn func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			// read-only open of a fresh database
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(v)
		})
	})
}
