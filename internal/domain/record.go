package domain

import "encoding/json"

type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusSyncing  SyncStatus = "SYNCING"
	SyncStatusSynced   SyncStatus = "SYNCED"
	SyncStatusConflict SyncStatus = "CONFLICT"
	SyncStatusError    SyncStatus = "ERROR"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSyncing, SyncStatusSynced, SyncStatusConflict, SyncStatusError:
		return true
	}
	return false
}

// Undelivered reports whether a record in this status still has data the
// server has not acknowledged.
func (s SyncStatus) Undelivered() bool {
	return s == SyncStatusPending || s == SyncStatusSyncing || s == SyncStatusConflict
}

type Integrity string

const (
	IntegrityOK               Integrity = "ok"
	IntegrityChecksumMismatch Integrity = "checksum_mismatch"
	IntegrityDecryptFallback  Integrity = "decrypt_fallback"
)

// DataRecord is one versioned unit of offline state. Timestamps are epoch
// milliseconds. Checksum always covers the plaintext payload.
type DataRecord struct {
	ID         string            `json:"id"`
	Payload    json.RawMessage   `json:"payload"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
	Version    int64             `json:"version"`
	Checksum   string            `json:"checksum"`
	SyncStatus SyncStatus        `json:"sync_status"`
	Encrypted  bool              `json:"encrypted"`
	LastSyncAt int64             `json:"last_sync_at,omitempty"`
	Index      map[string]string `json:"index,omitempty"`

	// Integrity is set on records returned from reads only.
	Integrity Integrity `json:"integrity,omitempty"`
}

func (r *DataRecord) Decode(v interface{}) error {
	return json.Unmarshal(r.Payload, v)
}

func (r *DataRecord) Clone() *DataRecord {
	out := *r
	out.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.Index != nil {
		out.Index = make(map[string]string, len(r.Index))
		for k, v := range r.Index {
			out.Index[k] = v
		}
	}
	return &out
}

type RecordFilter struct {
	SyncStatus SyncStatus
	Since      int64
	Limit      int
}

type PutOptions struct {
	Encrypt *bool
}

type BatchOpType string

const (
	BatchPut    BatchOpType = "put"
	BatchDelete BatchOpType = "delete"
)

type BatchOp struct {
	Op      BatchOpType     `json:"op" validate:"required,oneof=put delete"`
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data,omitempty"`
	Encrypt *bool           `json:"encrypt,omitempty"`
}

type PutRecordRequest struct {
	Data    json.RawMessage `json:"data" validate:"required"`
	Encrypt *bool           `json:"encrypt,omitempty"`
}

type UpdateSyncStatusRequest struct {
	Status SyncStatus `json:"status" validate:"required,oneof=PENDING SYNCING SYNCED CONFLICT ERROR"`
}

type BatchRequest struct {
	Ops []BatchOp `json:"ops" validate:"required,min=1,dive"`
}

// RecordRef identifies a record by store and id, together with the
// UpdatedAt it carried when it was selected.
type RecordRef struct {
	Store     string
	ID        string
	UpdatedAt int64
	Size      int64
}
