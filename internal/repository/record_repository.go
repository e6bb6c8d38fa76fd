package repository

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"lifeline-offline/internal/domain"

	"go.etcd.io/bbolt"
)

// RecordTx is the view of one store inside a single write transaction.
type RecordTx interface {
	Get(id string) (*domain.DataRecord, error)
	Put(record *domain.DataRecord) error
	Delete(id string) error
}

type RecordRepository interface {
	Get(ctx context.Context, store, id string) (*domain.DataRecord, error)
	Update(ctx context.Context, store string, fn func(tx RecordTx) error) error
	List(ctx context.Context, store string, filter domain.RecordFilter) ([]*domain.DataRecord, error)
	FindByIndex(ctx context.Context, store, field, value string) ([]*domain.DataRecord, error)
	Clear(ctx context.Context, store string) error
	Usage(ctx context.Context) (map[string]int64, error)
	ListSyncedBefore(ctx context.Context, cutoff int64) ([]domain.RecordRef, error)
	DeleteIfUnchanged(ctx context.Context, ref domain.RecordRef) (bool, error)
	Export(ctx context.Context) (map[string][]*domain.DataRecord, error)
	Import(ctx context.Context, stores map[string][]*domain.DataRecord) error
	Persistent(ctx context.Context) (bool, error)
	SetPersistent(ctx context.Context) error
	Stores() []domain.StoreSpec
}

type recordRepository struct {
	db    *bbolt.DB
	specs map[string]domain.StoreSpec
	order []domain.StoreSpec
}

func NewRecordRepository(db *bbolt.DB, stores []domain.StoreSpec) RecordRepository {
	specs := make(map[string]domain.StoreSpec, len(stores))
	for _, s := range stores {
		specs[s.Name] = s
	}
	return &recordRepository{
		db:    db,
		specs: specs,
		order: stores,
	}
}

func (r *recordRepository) Stores() []domain.StoreSpec {
	return append([]domain.StoreSpec(nil), r.order...)
}

func (r *recordRepository) Get(ctx context.Context, store, id string) (*domain.DataRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, err := r.spec(store)
	if err != nil {
		return nil, err
	}

	var record *domain.DataRecord
	err = r.db.View(func(tx *bbolt.Tx) error {
		st, err := openStoreTx(tx, spec)
		if err != nil {
			return err
		}
		record, err = st.Get(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

func (r *recordRepository) Update(ctx context.Context, store string, fn func(tx RecordTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	spec, err := r.spec(store)
	if err != nil {
		return err
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		st, err := openStoreTx(tx, spec)
		if err != nil {
			return err
		}
		return fn(st)
	})
}

func (r *recordRepository) List(ctx context.Context, store string, filter domain.RecordFilter) ([]*domain.DataRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, err := r.spec(store)
	if err != nil {
		return nil, err
	}

	var records []*domain.DataRecord
	err = r.db.View(func(tx *bbolt.Tx) error {
		st, err := openStoreTx(tx, spec)
		if err != nil {
			return err
		}

		if filter.SyncStatus != "" {
			records, err = st.byPrefix(indexSyncStatus, string(filter.SyncStatus))
			if err != nil {
				return err
			}
			sortByUpdatedAt(records)
			records = sinceFilter(records, filter.Since)
			return nil
		}

		records, err = st.updatedSince(filter.Since)
		return err
	})
	if err != nil {
		return nil, err
	}

	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (r *recordRepository) FindByIndex(ctx context.Context, store, field, value string) ([]*domain.DataRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, err := r.spec(store)
	if err != nil {
		return nil, err
	}
	if field == indexUpdatedAt || !hasIndex(spec, field) {
		return nil, fmt.Errorf("store %s has no index %q", store, field)
	}

	var records []*domain.DataRecord
	err = r.db.View(func(tx *bbolt.Tx) error {
		st, err := openStoreTx(tx, spec)
		if err != nil {
			return err
		}
		records, err = st.byPrefix(field, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortByUpdatedAt(records)
	return records, nil
}

func (r *recordRepository) Clear(ctx context.Context, store string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	spec, err := r.spec(store)
	if err != nil {
		return err
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		return resetStore(tx, spec)
	})
}

func (r *recordRepository) Usage(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	usage := make(map[string]int64, len(r.order))
	err := r.db.View(func(tx *bbolt.Tx) error {
		for _, spec := range r.order {
			root := tx.Bucket([]byte(spec.Name))
			if root == nil {
				return fmt.Errorf("%s bucket is missing", spec.Name)
			}
			var size int64
			err := root.ForEachBucket(func(name []byte) error {
				return root.Bucket(name).ForEach(func(k, v []byte) error {
					size += int64(len(k) + len(v))
					return nil
				})
			})
			if err != nil {
				return err
			}
			usage[spec.Name] = size
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// ListSyncedBefore returns SYNCED records last updated before cutoff across
// all stores, oldest first.
func (r *recordRepository) ListSyncedBefore(ctx context.Context, cutoff int64) ([]domain.RecordRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var refs []domain.RecordRef
	err := r.db.View(func(tx *bbolt.Tx) error {
		for _, spec := range r.order {
			st, err := openStoreTx(tx, spec)
			if err != nil {
				return err
			}
			records, err := st.byPrefix(indexSyncStatus, string(domain.SyncStatusSynced))
			if err != nil {
				return err
			}
			for _, rec := range records {
				if rec.UpdatedAt >= cutoff {
					continue
				}
				refs = append(refs, domain.RecordRef{
					Store:     spec.Name,
					ID:        rec.ID,
					UpdatedAt: rec.UpdatedAt,
					Size:      int64(len(st.records.Get([]byte(rec.ID)))),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].UpdatedAt < refs[j].UpdatedAt
	})
	return refs, nil
}

// DeleteIfUnchanged removes the referenced record only if it is still SYNCED
// and has not been written since it was selected.
func (r *recordRepository) DeleteIfUnchanged(ctx context.Context, ref domain.RecordRef) (bool, error) {
	deleted := false
	err := r.Update(ctx, ref.Store, func(tx RecordTx) error {
		rec, err := tx.Get(ref.ID)
		if err != nil || rec == nil {
			return err
		}
		if rec.SyncStatus != domain.SyncStatusSynced || rec.UpdatedAt != ref.UpdatedAt {
			return nil
		}
		deleted = true
		return tx.Delete(ref.ID)
	})
	return deleted, err
}

func (r *recordRepository) Export(ctx context.Context) (map[string][]*domain.DataRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string][]*domain.DataRecord, len(r.order))
	err := r.db.View(func(tx *bbolt.Tx) error {
		for _, spec := range r.order {
			st, err := openStoreTx(tx, spec)
			if err != nil {
				return err
			}
			records := []*domain.DataRecord{}
			err = st.records.ForEach(func(_, v []byte) error {
				rec, err := decodeRecord(v)
				if err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
			out[spec.Name] = records
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Import replaces the contents of every store named in stores within one
// transaction. Nothing is written if any store or record is rejected.
func (r *recordRepository) Import(ctx context.Context, stores map[string][]*domain.DataRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for name := range stores {
		if _, err := r.spec(name); err != nil {
			return err
		}
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		for name, records := range stores {
			spec := r.specs[name]
			if err := resetStore(tx, spec); err != nil {
				return err
			}
			st, err := openStoreTx(tx, spec)
			if err != nil {
				return err
			}
			for _, rec := range records {
				if rec == nil || rec.ID == "" {
					return fmt.Errorf("import %s: record id is required", name)
				}
				if err := st.Put(rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (r *recordRepository) Persistent(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return readPersistent(r.db)
}

func (r *recordRepository) SetPersistent(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(metaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket is missing")
		}
		if err := bucket.Put([]byte(metaPersistent), []byte("true")); err != nil {
			return err
		}
		// Writers are serialised by bbolt, so this commit is the first durable one.
		r.db.NoSync = false
		return nil
	})
}

func (r *recordRepository) spec(store string) (domain.StoreSpec, error) {
	spec, ok := r.specs[store]
	if !ok {
		return domain.StoreSpec{}, fmt.Errorf("%w: %s", domain.ErrUnknownStore, store)
	}
	return spec, nil
}

type storeTx struct {
	spec    domain.StoreSpec
	root    *bbolt.Bucket
	records *bbolt.Bucket
}

func openStoreTx(tx *bbolt.Tx, spec domain.StoreSpec) (*storeTx, error) {
	root := tx.Bucket([]byte(spec.Name))
	if root == nil {
		return nil, fmt.Errorf("%s bucket is missing", spec.Name)
	}
	records := root.Bucket([]byte(recordsBucket))
	if records == nil {
		return nil, fmt.Errorf("%s records bucket is missing", spec.Name)
	}
	return &storeTx{spec: spec, root: root, records: records}, nil
}

func (s *storeTx) Get(id string) (*domain.DataRecord, error) {
	payload := s.records.Get([]byte(id))
	if payload == nil {
		return nil, nil
	}
	return decodeRecord(payload)
}

func (s *storeTx) Put(record *domain.DataRecord) error {
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}

	old, err := s.Get(record.ID)
	if err != nil {
		return err
	}
	if old != nil {
		if err := s.unindex(old); err != nil {
			return err
		}
	}

	stored := *record
	stored.Integrity = ""
	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.records.Put([]byte(record.ID), payload); err != nil {
		return err
	}
	return s.index(&stored)
}

func (s *storeTx) Delete(id string) error {
	old, err := s.Get(id)
	if err != nil || old == nil {
		return err
	}
	if err := s.unindex(old); err != nil {
		return err
	}
	return s.records.Delete([]byte(id))
}

func (s *storeTx) index(rec *domain.DataRecord) error {
	for field, key := range indexKeys(s.spec, rec) {
		if err := s.root.Bucket([]byte(indexPrefix+field)).Put(key, nil); err != nil {
			return fmt.Errorf("index %s: %w", field, err)
		}
	}
	return nil
}

func (s *storeTx) unindex(rec *domain.DataRecord) error {
	for field, key := range indexKeys(s.spec, rec) {
		if err := s.root.Bucket([]byte(indexPrefix+field)).Delete(key); err != nil {
			return fmt.Errorf("unindex %s: %w", field, err)
		}
	}
	return nil
}

func (s *storeTx) byPrefix(field, value string) ([]*domain.DataRecord, error) {
	bucket := s.root.Bucket([]byte(indexPrefix + field))
	if bucket == nil {
		return nil, fmt.Errorf("%s index %s is missing", s.spec.Name, field)
	}

	prefix := valueKey(value, "")
	var records []*domain.DataRecord
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		rec, err := s.Get(string(k[len(prefix):]))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *storeTx) updatedSince(since int64) ([]*domain.DataRecord, error) {
	bucket := s.root.Bucket([]byte(indexPrefix + indexUpdatedAt))
	if bucket == nil {
		return nil, fmt.Errorf("%s updatedAt index is missing", s.spec.Name)
	}

	var records []*domain.DataRecord
	c := bucket.Cursor()
	for k, _ := c.Seek(timeKey(since, "")); k != nil; k, _ = c.Next() {
		rec, err := s.Get(string(k[8:]))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

func resetStore(tx *bbolt.Tx, spec domain.StoreSpec) error {
	root := tx.Bucket([]byte(spec.Name))
	if root == nil {
		return fmt.Errorf("%s bucket is missing", spec.Name)
	}
	names := append([]string{recordsBucket}, prefixed(indexFields(spec))...)
	for _, name := range names {
		if err := root.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("clear %s/%s: %w", spec.Name, name, err)
		}
		if _, err := root.CreateBucket([]byte(name)); err != nil {
			return fmt.Errorf("recreate %s/%s: %w", spec.Name, name, err)
		}
	}
	return nil
}

func prefixed(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = indexPrefix + f
	}
	return out
}

func indexKeys(spec domain.StoreSpec, rec *domain.DataRecord) map[string][]byte {
	keys := map[string][]byte{
		indexSyncStatus: valueKey(string(rec.SyncStatus), rec.ID),
		indexUpdatedAt:  timeKey(rec.UpdatedAt, rec.ID),
	}
	for _, field := range spec.Indexes {
		if v, ok := rec.Index[field]; ok {
			keys[field] = valueKey(v, rec.ID)
		}
	}
	return keys
}

func valueKey(value, id string) []byte {
	key := make([]byte, 0, len(value)+1+len(id))
	key = append(key, value...)
	key = append(key, 0)
	return append(key, id...)
}

func timeKey(ms int64, id string) []byte {
	if ms < 0 {
		ms = 0
	}
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(ms))
	return append(key, id...)
}

func hasIndex(spec domain.StoreSpec, field string) bool {
	for _, f := range indexFields(spec) {
		if f == field {
			return true
		}
	}
	return false
}

func decodeRecord(payload []byte) (*domain.DataRecord, error) {
	var rec domain.DataRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func sortByUpdatedAt(records []*domain.DataRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].UpdatedAt == records[j].UpdatedAt {
			return records[i].ID < records[j].ID
		}
		return records[i].UpdatedAt < records[j].UpdatedAt
	})
}

func sinceFilter(records []*domain.DataRecord, since int64) []*domain.DataRecord {
	if since <= 0 {
		return records
	}
	out := records[:0]
	for _, rec := range records {
		if rec.UpdatedAt >= since {
			out = append(out, rec)
		}
	}
	return out
}
