package repository

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"lifeline-offline/internal/domain"

	"go.etcd.io/bbolt"
)

const (
	recordsBucket = "records"
	queueBucket   = "syncQueue"
	metaBucket    = "meta"
	indexPrefix   = "idx:"

	indexSyncStatus = "syncStatus"
	indexUpdatedAt  = "updatedAt"

	metaPersistent = "persistent"
)

// OpenDatabase opens the local record database and creates one bucket per
// store (with its index sub-buckets), the sync queue bucket and the metadata
// bucket. The database starts in best-effort mode (no fsync per commit)
// unless persistent storage was granted earlier.
func OpenDatabase(path string, stores []domain.StoreSpec) (*bbolt.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	if err := ensureBuckets(db, stores); err != nil {
		_ = db.Close()
		return nil, err
	}

	persistent, err := readPersistent(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	db.NoSync = !persistent

	return db, nil
}

func ensureBuckets(db *bbolt.DB, stores []domain.StoreSpec) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{queueBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}

		for _, spec := range stores {
			root, err := tx.CreateBucketIfNotExists([]byte(spec.Name))
			if err != nil {
				return fmt.Errorf("create %s bucket: %w", spec.Name, err)
			}
			if _, err := root.CreateBucketIfNotExists([]byte(recordsBucket)); err != nil {
				return fmt.Errorf("create %s records bucket: %w", spec.Name, err)
			}
			for _, field := range indexFields(spec) {
				if _, err := root.CreateBucketIfNotExists([]byte(indexPrefix + field)); err != nil {
					return fmt.Errorf("create %s index %s: %w", spec.Name, field, err)
				}
			}
		}
		return nil
	})
}

func indexFields(spec domain.StoreSpec) []string {
	fields := []string{indexSyncStatus, indexUpdatedAt}
	return append(fields, spec.Indexes...)
}

func readPersistent(db *bbolt.DB) (bool, error) {
	var persistent bool
	err := db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(metaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket is missing")
		}
		persistent = string(bucket.Get([]byte(metaPersistent))) == "true"
		return nil
	})
	return persistent, err
}
