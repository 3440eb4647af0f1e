// Package ledger tracks which webhook calls and inbox messages have already
// been handled, so platform retries never produce duplicate AI replies.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"deskrelay/pkg/kvstore"
)

const keyPrefix = "processed_msg:"

const defaultRecordTTL = 72 * time.Hour

// Record is one immutable processing record. Lifetime is bounded by the
// store TTL; records are never mutated after the write, only re-marked.
type Record struct {
	ID          string         `json:"id"`
	ProcessedAt int64          `json:"processed_at"`
	Success     bool           `json:"success"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Ledger is the idempotency store for call-level and message-level ids.
type Ledger struct {
	store kvstore.Store
	ttl   time.Duration
	log   *slog.Logger
	now   func() time.Time
}

// New creates a ledger over the given store. A non-positive ttl falls back
// to the 72h default.
func New(store kvstore.Store, ttl time.Duration, log *slog.Logger) *Ledger {
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}
	if log == nil {
		log = slog.Default()
	}

	return &Ledger{
		store: store,
		ttl:   ttl,
		log:   log.With("component", "ledger"),
		now:   time.Now,
	}
}

func recordKey(id string) string {
	return keyPrefix + id
}

// IsProcessed reports whether a non-expired record exists for id.
//
// Storage read failures report false: a possible duplicate reply is preferred
// over silently dropping a message.
func (l *Ledger) IsProcessed(ctx context.Context, id string) bool {
	_, found, err := l.store.Get(ctx, recordKey(id))
	if err != nil {
		l.log.Warn("Ledger read failed, treating id as unprocessed", "id", id, "error", err)
		return false
	}

	return found
}

// MarkProcessed writes a record for id with the current time and the ledger
// TTL. Re-marking an id overwrites its metadata and resets the TTL.
func (l *Ledger) MarkProcessed(ctx context.Context, id string, success bool, metadata map[string]any) error {
	record := Record{
		ID:          id,
		ProcessedAt: l.now().Unix(),
		Success:     success,
		Metadata:    metadata,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	if err := l.store.Put(ctx, recordKey(id), payload, l.ttl); err != nil {
		return err
	}

	l.log.Debug("Marked id processed", "id", id, "success", success)
	return nil
}

// GetRecord returns the record for id when one exists.
func (l *Ledger) GetRecord(ctx context.Context, id string) (Record, bool, error) {
	payload, found, err := l.store.Get(ctx, recordKey(id))
	if err != nil || !found {
		return Record{}, false, err
	}

	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, false, err
	}

	return record, true, nil
}

// Remove deletes the record for id. Removing an absent id is a no-op.
func (l *Ledger) Remove(ctx context.Context, id string) error {
	return l.store.Delete(ctx, recordKey(id))
}

// CheckMany checks processed state for each id concurrently. Individual
// lookup failures follow the same fail-open policy as IsProcessed instead of
// failing the whole batch.
func (l *Ledger) CheckMany(ctx context.Context, ids []string) map[string]bool {
	results := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return results
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			processed := l.IsProcessed(ctx, id)

			mu.Lock()
			results[id] = processed
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	return results
}

// RemoveMany deletes records for each id concurrently and returns the first
// error observed, if any.
func (l *Ledger) RemoveMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			if err := l.Remove(ctx, id); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(id)
	}

	wg.Wait()
	return firstErr
}
