package jobstore

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Conditional writes are atomic under
// a single mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]JobRecord
	now     func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used to stamp created/updated times.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[recordKey]JobRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Put(ctx context.Context, rec JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(rec.ID, rec.RecordType)
	now := s.now().UTC()
	if existing, ok := s.records[key]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[key] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string, typ RecordType) (JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return JobRecord{}, err
	}
	if err := validateKey(id, typ); err != nil {
		return JobRecord{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[keyOf(id, typ)]
	if !ok {
		return JobRecord{}, notFound(id, typ)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, rec JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(rec.ID, rec.RecordType)
	if _, ok := s.records[key]; ok {
		return alreadyExists(rec.ID, rec.RecordType)
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[key] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string, typ RecordType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(id, typ); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.records, keyOf(id, typ))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteIfToken(ctx context.Context, id, token string) (JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return JobRecord{}, err
	}
	if err := validateKey(id, RecordTypeTaskToken); err != nil {
		return JobRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(id, RecordTypeTaskToken)
	rec, ok := s.records[key]
	if !ok || rec.ResumeToken != token {
		return JobRecord{}, notFound(id, RecordTypeTaskToken)
	}
	delete(s.records, key)
	return rec, nil
}

func (s *MemoryStore) ScanPending(ctx context.Context, typ RecordType) iter.Seq2[JobRecord, error] {
	return s.scan(ctx, func(rec JobRecord) bool {
		return rec.RecordType == typ && rec.Status.Outstanding()
	})
}

func (s *MemoryStore) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[JobRecord, error] {
	return s.scan(ctx, func(rec JobRecord) bool {
		return rec.Expired(now)
	})
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// scan snapshots matching rows, then yields them without holding the lock
// so that callers may write back to the store while iterating.
func (s *MemoryStore) scan(ctx context.Context, match func(JobRecord) bool) iter.Seq2[JobRecord, error] {
	return func(yield func(JobRecord, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(JobRecord{}, err)
			return
		}

		s.mu.RLock()
		matched := make([]JobRecord, 0, len(s.records))
		for _, rec := range s.records {
			if match(rec) {
				matched = append(matched, cloneRecord(rec))
			}
		}
		s.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool {
			if matched[i].ID == matched[j].ID {
				return matched[i].RecordType < matched[j].RecordType
			}
			return matched[i].ID < matched[j].ID
		})

		for _, rec := range matched {
			if err := ctx.Err(); err != nil {
				yield(JobRecord{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
