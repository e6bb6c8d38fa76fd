package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUnknownStore   = errors.New("unknown store")
	ErrNetworkFailure = errors.New("network failure")
	ErrCacheMiss      = errors.New("cache miss")
	ErrIntegrity      = errors.New("checksum mismatch")
	ErrDecryption     = errors.New("decryption failed")
	ErrNoKey          = errors.New("no encryption key configured")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrQueueExpired   = errors.New("sync queue entry expired")
	ErrDisposed       = errors.New("cache manager disposed")
	ErrBodyTooLarge   = errors.New("body too large")
)

type QueueExpiryError struct {
	Tag     string
	Entries []*SyncQueueEntry
}

func (e *QueueExpiryError) Error() string {
	return fmt.Sprintf("%d entries in %q expired before delivery", len(e.Entries), e.Tag)
}

func (e *QueueExpiryError) Unwrap() error {
	return ErrQueueExpired
}
