package jobstore

import (
	"context"
	"iter"
	"strings"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
)

// Store is the job table contract. Every method may fail with
// STORE_UNAVAILABLE or STORE_THROTTLED; callers decide on retries.
type Store interface {
	// Put creates or replaces the record.
	Put(ctx context.Context, rec JobRecord) error
	// Get fails with RECORD_NOT_FOUND when no row exists for the key.
	Get(ctx context.Context, id string, typ RecordType) (JobRecord, error)
	// PutIfAbsent fails with RECORD_EXISTS when a row exists for the key.
	PutIfAbsent(ctx context.Context, rec JobRecord) error
	// Delete removes the row. Deleting a missing row is not an error.
	Delete(ctx context.Context, id string, typ RecordType) error
	// DeleteIfToken removes the TASK_TOKEN row for id only when it still
	// holds token, returning the removed row. Fails with RECORD_NOT_FOUND
	// when the row is gone or holds another token.
	DeleteIfToken(ctx context.Context, id, token string) (JobRecord, error)
	// ScanPending lazily yields rows of typ whose status is PENDING or IN_PROGRESS.
	ScanPending(ctx context.Context, typ RecordType) iter.Seq2[JobRecord, error]
	// ScanExpired lazily yields rows whose expire_at is at or before now.
	ScanExpired(ctx context.Context, now time.Time) iter.Seq2[JobRecord, error]
}

// CollectPending drains ScanPending into a slice.
func CollectPending(ctx context.Context, s Store, typ RecordType) ([]JobRecord, error) {
	var out []JobRecord
	for rec, err := range s.ScanPending(ctx, typ) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func validateKey(id string, typ RecordType) error {
	if strings.TrimSpace(id) == "" {
		return datacopy.NewError(datacopy.ErrValidation, "record id required", nil, nil)
	}
	if !typ.Valid() {
		return datacopy.NewError(datacopy.ErrValidation, "invalid record type", nil, map[string]any{
			"id_type": string(typ),
		})
	}
	return nil
}

func validateRecord(rec JobRecord) error {
	if err := validateKey(rec.ID, rec.RecordType); err != nil {
		return err
	}
	if rec.RecordType == RecordTypeTaskToken && strings.TrimSpace(rec.ResumeToken) == "" {
		return datacopy.NewError(datacopy.ErrValidation, "task token record requires a resume token", nil, map[string]any{
			"id": rec.ID,
		})
	}
	return nil
}

func notFound(id string, typ RecordType) error {
	return datacopy.NewError(datacopy.ErrRecordNotFound, "", nil, map[string]any{
		"id":      id,
		"id_type": string(typ),
	})
}

func alreadyExists(id string, typ RecordType) error {
	return datacopy.NewError(datacopy.ErrRecordExists, "", nil, map[string]any{
		"id":      id,
		"id_type": string(typ),
	})
}
