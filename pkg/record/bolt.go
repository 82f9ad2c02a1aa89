package record

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/kilnhq/kiln/pkg/types"
)

var bucketCompilations = []byte("compilations")

// BoltStore implements Store using bbolt, for single-binary deployments
// where running Postgres is not worth it.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "kiln.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCompilations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Create inserts a new compilation row
func (s *BoltStore) Create(_ context.Context, c *types.Compilation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompilations)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), data)
	})
}

// Get fetches a compilation row by id
func (s *BoltStore) Get(_ context.Context, id string) (*types.Compilation, error) {
	var c types.Compilation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompilations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Update applies a partial patch inside a single transaction
func (s *BoltStore) Update(_ context.Context, id string, patch Patch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompilations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		var c types.Compilation
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}

		if patch.Status != nil {
			c.Status = *patch.Status
		}
		if patch.PDFURL != nil {
			c.PDFURL = *patch.PDFURL
		}
		if patch.SynctexURL != nil {
			c.SynctexURL = *patch.SynctexURL
		}
		if patch.Log != nil {
			c.Log = *patch.Log
		}
		if patch.DurationMS != nil {
			c.DurationMS = *patch.DurationMS
		}

		updated, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}
