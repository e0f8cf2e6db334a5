// Package store implements the embedded ordered key-value store
// that backs AuthCache, RepoCache, RelevanceCalculator's Review objects,
// and GraphBuilder's GraphInfo snapshots. It is opened once at process
// start and closed on shutdown (SPEC_FULL.md section C / spec.md §9
// "Global state").
//
// A thin Get/Put/Scan wrapper over a standalone go.etcd.io/bbolt handle,
// the same way rohankatakam-coderisk and moby-moby open a single-file,
// single-bucket bbolt.DB.
package store

import (
	"bytes"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/vibinex/review-agent/internal/errs"
)

var rootBucket = []byte("root")

// Store is the interface every other component depends on. Errors on
// I/O surface as StoreError and are never panicked (spec.md §4.1).
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// Scan calls fn for every key with the given prefix, in key order,
	// stopping early if fn returns false.
	Scan(prefix string, fn func(key string, value []byte) bool) error
	Close() error
}

type boltStore struct {
	db *bolt.DB
}

// Open creates (if needed) and opens the bbolt database at path,
// ensuring the parent directory and the root bucket exist.
func Open(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.NewStoreError("mkdir", err)
		}
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.NewStoreError("open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.NewStoreError("init bucket", err)
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		v := b.Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errs.NewStoreError("get "+key, err)
	}
	return value, nil
}

func (s *boltStore) Put(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return errs.NewStoreError("put "+key, err)
	}
	return nil
}

func (s *boltStore) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		return b.Delete([]byte(key))
	})
	if err != nil {
		return errs.NewStoreError("delete "+key, err)
	}
	return nil
}

func (s *boltStore) Scan(prefix string, fn func(key string, value []byte) bool) error {
	prefixBytes := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, v := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, v = c.Next() {
			if !fn(string(k), v) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return errs.NewStoreError("scan "+prefix, err)
	}
	return nil
}

func (s *boltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.NewStoreError("close", err)
	}
	return nil
}
