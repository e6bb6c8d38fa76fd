package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/repository"
	"lifeline-offline/pkg/hash"

	"github.com/google/uuid"
)

// Sealer encrypts and decrypts record payloads.
type Sealer interface {
	Seal(plain []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// SpaceGuard is consulted before every write with the number of bytes about
// to be stored.
type SpaceGuard interface {
	EnsureSpace(ctx context.Context, incoming int64) error
}

type StoreService struct {
	repo   repository.RecordRepository
	specs  map[string]domain.StoreSpec
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	sealer Sealer
	guard  SpaceGuard
}

func NewStoreService(repo repository.RecordRepository, sealer Sealer, logger *slog.Logger) *StoreService {
	specs := make(map[string]domain.StoreSpec)
	for _, spec := range repo.Stores() {
		specs[spec.Name] = spec
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreService{
		repo:   repo,
		specs:  specs,
		logger: logger,
		now:    time.Now,
		sealer: sealer,
	}
}

// SetCipher swaps the payload key. A nil sealer leaves the store without a
// key: sensitive writes fail and encrypted reads fall back to the stored
// value.
func (s *StoreService) SetCipher(sealer Sealer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealer = sealer
}

func (s *StoreService) SetSpaceGuard(guard SpaceGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = guard
}

func (s *StoreService) Stores() []domain.StoreSpec {
	return s.repo.Stores()
}

func (s *StoreService) Put(ctx context.Context, store, id string, data json.RawMessage, opts domain.PutOptions) (*domain.DataRecord, error) {
	spec, err := s.spec(store)
	if err != nil {
		return nil, err
	}

	rec, plain, err := s.prepare(spec, id, data, opts.Encrypt)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSpace(ctx, int64(len(rec.Payload))); err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	err = s.repo.Update(ctx, store, func(tx repository.RecordTx) error {
		return stamp(tx, rec, now)
	})
	if err != nil {
		return nil, err
	}

	return plainView(rec, plain), nil
}

func (s *StoreService) Get(ctx context.Context, store, id string) (*domain.DataRecord, error) {
	rec, err := s.repo.Get(ctx, store, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.open(store, rec), nil
}

func (s *StoreService) GetAll(ctx context.Context, store string, filter domain.RecordFilter) ([]*domain.DataRecord, error) {
	if filter.SyncStatus != "" && !filter.SyncStatus.Valid() {
		return nil, &ValidationError{Field: "syncStatus", Reason: fmt.Sprintf("unknown status %q", filter.SyncStatus)}
	}
	records, err := s.repo.List(ctx, store, filter)
	if err != nil {
		return nil, err
	}
	return s.openAll(store, records), nil
}

func (s *StoreService) FindByIndex(ctx context.Context, store, field, value string) ([]*domain.DataRecord, error) {
	records, err := s.repo.FindByIndex(ctx, store, field, value)
	if err != nil {
		return nil, err
	}
	return s.openAll(store, records), nil
}

func (s *StoreService) Delete(ctx context.Context, store, id string) error {
	return s.repo.Update(ctx, store, func(tx repository.RecordTx) error {
		return tx.Delete(id)
	})
}

func (s *StoreService) Clear(ctx context.Context, store string) error {
	return s.repo.Clear(ctx, store)
}

// UpdateSyncStatus changes the delivery status of a record without creating
// a new version.
func (s *StoreService) UpdateSyncStatus(ctx context.Context, store, id string, status domain.SyncStatus) (*domain.DataRecord, error) {
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}

	var updated *domain.DataRecord
	err := s.repo.Update(ctx, store, func(tx repository.RecordTx) error {
		rec, err := tx.Get(id)
		if err != nil {
			return err
		}
		if rec == nil {
			return domain.ErrNotFound
		}
		rec.SyncStatus = status
		rec.LastSyncAt = s.now().UnixMilli()
		updated = rec
		return tx.Put(rec)
	})
	if err != nil {
		return nil, err
	}
	return s.open(store, updated), nil
}

// Batch applies every op to one store in a single transaction.
func (s *StoreService) Batch(ctx context.Context, store string, ops []domain.BatchOp) ([]*domain.DataRecord, error) {
	spec, err := s.spec(store)
	if err != nil {
		return nil, err
	}

	type prepared struct {
		op    domain.BatchOp
		rec   *domain.DataRecord
		plain []byte
	}

	steps := make([]prepared, 0, len(ops))
	var incoming int64
	for i, op := range ops {
		switch op.Op {
		case domain.BatchPut:
			rec, plain, err := s.prepare(spec, op.ID, op.Data, op.Encrypt)
			if err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
			incoming += int64(len(rec.Payload))
			steps = append(steps, prepared{op: op, rec: rec, plain: plain})
		case domain.BatchDelete:
			if op.ID == "" {
				return nil, &ValidationError{Field: fmt.Sprintf("ops[%d].id", i), Reason: "required for delete"}
			}
			steps = append(steps, prepared{op: op})
		default:
			return nil, &ValidationError{Field: fmt.Sprintf("ops[%d].op", i), Reason: fmt.Sprintf("unknown op %q", op.Op)}
		}
	}

	if err := s.ensureSpace(ctx, incoming); err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	err = s.repo.Update(ctx, store, func(tx repository.RecordTx) error {
		for _, step := range steps {
			if step.rec == nil {
				if err := tx.Delete(step.op.ID); err != nil {
					return err
				}
				continue
			}
			if err := stamp(tx, step.rec, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []*domain.DataRecord
	for _, step := range steps {
		if step.rec != nil {
			out = append(out, plainView(step.rec, step.plain))
		}
	}
	return out, nil
}

// ExportAll snapshots every store. Encrypted payloads stay sealed.
func (s *StoreService) ExportAll(ctx context.Context) (*domain.Backup, error) {
	stores, err := s.repo.Export(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.Backup{
		FormatVersion: domain.BackupFormatVersion,
		ExportedAt:    s.now().UnixMilli(),
		Stores:        stores,
	}, nil
}

func (s *StoreService) ImportAll(ctx context.Context, backup *domain.Backup) error {
	if backup == nil {
		return &ValidationError{Field: "backup", Reason: "required"}
	}
	if backup.FormatVersion != domain.BackupFormatVersion {
		return &ValidationError{Field: "format_version", Reason: fmt.Sprintf("unsupported version %d", backup.FormatVersion)}
	}
	return s.repo.Import(ctx, backup.Stores)
}

func (s *StoreService) spec(store string) (domain.StoreSpec, error) {
	spec, ok := s.specs[store]
	if !ok {
		return domain.StoreSpec{}, fmt.Errorf("%w: %s", domain.ErrUnknownStore, store)
	}
	return spec, nil
}

func (s *StoreService) cipher() Sealer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealer
}

func (s *StoreService) ensureSpace(ctx context.Context, incoming int64) error {
	s.mu.RLock()
	guard := s.guard
	s.mu.RUnlock()
	if guard == nil {
		return nil
	}
	return guard.EnsureSpace(ctx, incoming)
}

// prepare builds the stored form of a record. The returned plain bytes are
// the canonical JSON the checksum covers.
func (s *StoreService) prepare(spec domain.StoreSpec, id string, data json.RawMessage, encryptOpt *bool) (*domain.DataRecord, []byte, error) {
	plain, err := canonicalJSON(data)
	if err != nil {
		return nil, nil, err
	}

	encrypt := spec.Sensitive
	if encryptOpt != nil {
		encrypt = *encryptOpt
	}

	payload := json.RawMessage(plain)
	if encrypt {
		sealer := s.cipher()
		if sealer == nil {
			return nil, nil, domain.ErrNoKey
		}
		sealed, err := sealer.Seal(plain)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt payload: %w", err)
		}
		payload, err = json.Marshal(sealed)
		if err != nil {
			return nil, nil, err
		}
	}

	if id == "" {
		id = uuid.New().String()
	}

	return &domain.DataRecord{
		ID:         id,
		Payload:    payload,
		Version:    1,
		Checksum:   hash.Checksum(plain),
		SyncStatus: domain.SyncStatusPending,
		Encrypted:  encrypt,
		Index:      indexValues(spec, plain),
	}, plain, nil
}

// stamp carries createdAt and version over from the current record. A write
// landing while the previous version is being synced is flagged CONFLICT.
func stamp(tx repository.RecordTx, rec *domain.DataRecord, now int64) error {
	old, err := tx.Get(rec.ID)
	if err != nil {
		return err
	}

	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1
	rec.SyncStatus = domain.SyncStatusPending
	if old != nil {
		rec.CreatedAt = old.CreatedAt
		rec.Version = old.Version + 1
		if now < old.UpdatedAt {
			rec.UpdatedAt = old.UpdatedAt
		}
		rec.LastSyncAt = old.LastSyncAt
		if old.SyncStatus == domain.SyncStatusSyncing {
			rec.SyncStatus = domain.SyncStatusConflict
		}
	}
	return tx.Put(rec)
}

func (s *StoreService) open(store string, rec *domain.DataRecord) *domain.DataRecord {
	out := rec.Clone()
	out.Integrity = domain.IntegrityOK

	if rec.Encrypted {
		plain, err := s.decrypt(rec.Payload)
		if err != nil {
			s.logger.Warn("payload decryption failed, returning stored value",
				"store", store, "id", rec.ID, "error", err)
			out.Integrity = domain.IntegrityDecryptFallback
			return out
		}
		out.Payload = plain
		out.Encrypted = false
	}

	if !hash.Verify(out.Payload, rec.Checksum) {
		s.logger.Warn("record integrity check failed",
			"store", store, "id", rec.ID, "version", rec.Version, "error", domain.ErrIntegrity)
		out.Integrity = domain.IntegrityChecksumMismatch
	}
	return out
}

func (s *StoreService) openAll(store string, records []*domain.DataRecord) []*domain.DataRecord {
	out := make([]*domain.DataRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, s.open(store, rec))
	}
	return out
}

func (s *StoreService) decrypt(payload json.RawMessage) ([]byte, error) {
	sealer := s.cipher()
	if sealer == nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, domain.ErrNoKey)
	}
	var sealed string
	if err := json.Unmarshal(payload, &sealed); err != nil {
		return nil, fmt.Errorf("%w: payload is not sealed: %v", domain.ErrDecryption, err)
	}
	plain, err := sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return plain, nil
}

func plainView(rec *domain.DataRecord, plain []byte) *domain.DataRecord {
	out := rec.Clone()
	out.Payload = append(json.RawMessage(nil), plain...)
	out.Encrypted = false
	out.Integrity = domain.IntegrityOK
	return out
}

// canonicalJSON returns data in the exact form the record codec writes it
// back, so checksums survive a storage round trip.
func canonicalJSON(data json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ValidationError{Field: "data", Reason: "required"}
	}
	out, err := json.Marshal(data)
	if err != nil {
		return nil, &ValidationError{Field: "data", Reason: "not valid JSON"}
	}
	return out, nil
}

func indexValues(spec domain.StoreSpec, plain []byte) map[string]string {
	if len(spec.Indexes) == 0 {
		return nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(plain, &fields); err != nil {
		return nil
	}

	values := make(map[string]string)
	for _, name := range spec.Indexes {
		switch v := fields[name].(type) {
		case string:
			values[name] = v
		case float64:
			values[name] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			values[name] = strconv.FormatBool(v)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
