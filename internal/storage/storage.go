// Package storage keeps a history of pipeline runs in BoltDB so results of
// successive experiments can be compared.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	runsBucket = "runs" // Bucket name for run records
	runPrefix  = "run_"
	dbFile     = "cnnsvm-history.db"
)

// Store provides persistent storage for run records using BoltDB.
type Store struct {
	db *bbolt.DB
}

// New opens (creating if needed) the history database under dataPath.
func New(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runsBucket)); err != nil {
			return fmt.Errorf("create runs bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Open opens a history database that must already exist under dataPath.
func Open(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFile)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no run history at %s: %w", dataPath, err)
	}
	return New(dataPath)
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func runKey(t time.Time) []byte {
	return []byte(fmt.Sprintf("%s%019d", runPrefix, t.UnixNano()))
}

// SaveRun stores rec keyed by its start time and fills in rec.ID.
func (s *Store) SaveRun(rec *RunRecord) error {
	if rec.StartedAt.IsZero() {
		return fmt.Errorf("run record has no start time")
	}
	key := runKey(rec.StartedAt)
	rec.ID = string(key)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(runsBucket))

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal run record: %w", err)
		}
		return b.Put(key, data)
	})
}

// GetRuns returns the runs started within [start, end], oldest first.
func (s *Store) GetRuns(start, end time.Time) ([]RunRecord, error) {
	var runs []RunRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(runsBucket)).Cursor()
		endKey := runKey(end)

		for k, v := c.Seek(runKey(start)); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, []byte(runPrefix)) {
				continue
			}
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			runs = append(runs, rec)
		}
		return nil
	})

	return runs, err
}

// Latest returns the most recent run, or nil when the history is empty.
func (s *Store) Latest() (*RunRecord, error) {
	var rec *RunRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(runsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !bytes.HasPrefix(k, []byte(runPrefix)) {
				continue
			}
			var r RunRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			rec = &r
			return nil
		}
		return nil
	})

	return rec, err
}

// Count returns the number of stored runs.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(runsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}
