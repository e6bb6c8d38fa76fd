package domain

import "time"

const (
	TagCrisis        = "crisis"
	TagCrisisReports = "crisis-reports"
	TagWellnessData  = "wellness-data"
	TagMessages      = "messages"
)

type QueuedRequest struct {
	Method string            `json:"method" validate:"required,oneof=POST PUT PATCH DELETE"`
	URL    string            `json:"url" validate:"required,url"`
	Header map[string]string `json:"header,omitempty"`
	Body   []byte            `json:"body,omitempty"`
}

type SyncQueueEntry struct {
	ID             uint64        `json:"id"`
	Tag            string        `json:"tag"`
	Request        QueuedRequest `json:"request"`
	EnqueuedAt     int64         `json:"enqueued_at"`
	MaxRetentionMs int64         `json:"max_retention_ms"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"last_error,omitempty"`
}

func (e *SyncQueueEntry) Expired(nowMs int64) bool {
	return nowMs-e.EnqueuedAt > e.MaxRetentionMs
}

// TagPolicy holds the retention and drain priority of one sync tag. Lower
// Priority values drain first.
type TagPolicy struct {
	Tag          string
	MaxRetention time.Duration
	Priority     int
}

func DefaultTagPolicies() []TagPolicy {
	return []TagPolicy{
		{Tag: TagCrisis, MaxRetention: 24 * time.Hour, Priority: 0},
		{Tag: TagCrisisReports, MaxRetention: 24 * time.Hour, Priority: 1},
		{Tag: TagMessages, MaxRetention: 72 * time.Hour, Priority: 2},
		{Tag: TagWellnessData, MaxRetention: 7 * 24 * time.Hour, Priority: 3},
	}
}

type DrainResult struct {
	Tag       string            `json:"tag"`
	Delivered []*SyncQueueEntry `json:"delivered,omitempty"`
	Retried   []*SyncQueueEntry `json:"retried,omitempty"`
	Expired   []*SyncQueueEntry `json:"expired,omitempty"`
	Remaining int               `json:"remaining"`
}

// Err reports expired entries as a delivery failure.
func (r *DrainResult) Err() error {
	if len(r.Expired) == 0 {
		return nil
	}
	return &QueueExpiryError{Tag: r.Tag, Entries: r.Expired}
}

type EnqueueRequest struct {
	Request QueuedRequest `json:"request" validate:"required"`
}

type QueueAck struct {
	Queued  bool   `json:"queued"`
	Tag     string `json:"tag"`
	EntryID uint64 `json:"entry_id"`
	Message string `json:"message"`
}
