package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"lifeline-offline/internal/domain"

	"go.etcd.io/bbolt"
)

type QueueRepository interface {
	Append(ctx context.Context, entry *domain.SyncQueueEntry) error
	List(ctx context.Context, tag string) ([]*domain.SyncQueueEntry, error)
	Update(ctx context.Context, entry *domain.SyncQueueEntry) error
	Remove(ctx context.Context, tag string, id uint64) error
	Count(ctx context.Context, tag string) (int, error)
	Tags(ctx context.Context) ([]string, error)
}

type queueRepository struct {
	db *bbolt.DB
}

// NewQueueRepository stores sync queue entries in one sub-bucket per tag of
// the shared queue bucket. Entry ids come from the queue bucket's sequence,
// so they are ordered across tags.
func NewQueueRepository(db *bbolt.DB) QueueRepository {
	return &queueRepository{db: db}
}

func (r *queueRepository) Append(ctx context.Context, entry *domain.SyncQueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Tag == "" {
		return fmt.Errorf("sync tag is required")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(queueBucket))
		if root == nil {
			return fmt.Errorf("sync queue bucket is missing")
		}
		bucket, err := root.CreateBucketIfNotExists([]byte(entry.Tag))
		if err != nil {
			return fmt.Errorf("create queue %s: %w", entry.Tag, err)
		}

		seq, err := root.NextSequence()
		if err != nil {
			return fmt.Errorf("next queue id: %w", err)
		}
		entry.ID = seq

		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal queue entry: %w", err)
		}
		return bucket.Put(entryKey(seq), payload)
	})
}

func (r *queueRepository) List(ctx context.Context, tag string) ([]*domain.SyncQueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []*domain.SyncQueueEntry
	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tagBucket(tx, tag)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var entry domain.SyncQueueEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal queue entry: %w", err)
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *queueRepository) Update(ctx context.Context, entry *domain.SyncQueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tagBucket(tx, entry.Tag)
		if bucket == nil || bucket.Get(entryKey(entry.ID)) == nil {
			return domain.ErrNotFound
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal queue entry: %w", err)
		}
		return bucket.Put(entryKey(entry.ID), payload)
	})
}

func (r *queueRepository) Remove(ctx context.Context, tag string, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tagBucket(tx, tag)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(entryKey(id))
	})
}

func (r *queueRepository) Count(ctx context.Context, tag string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := r.db.View(func(tx *bbolt.Tx) error {
		if bucket := tagBucket(tx, tag); bucket != nil {
			count = bucket.Stats().KeyN
		}
		return nil
	})
	return count, err
}

func (r *queueRepository) Tags(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tags []string
	err := r.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(queueBucket))
		if root == nil {
			return fmt.Errorf("sync queue bucket is missing")
		}
		return root.ForEachBucket(func(name []byte) error {
			tags = append(tags, string(name))
			return nil
		})
	})
	return tags, err
}

func tagBucket(tx *bbolt.Tx, tag string) *bbolt.Bucket {
	root := tx.Bucket([]byte(queueBucket))
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(tag))
}

func entryKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}
