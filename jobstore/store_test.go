package jobstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
	_ Store = (*Retrying)(nil)
)

func newSQLiteStore(t *testing.T, opts ...GormOption) *GormStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := OpenDB(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := NewGormStore(db, opts...)
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	return store
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t, WithPageSize(2)) },
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			rec := JobRecord{
				ID:             "J1",
				RecordType:     RecordTypeJob,
				Status:         StatusPending,
				SourceURIs:     []string{"s3://bucket/a.txt"},
				DestinationURI: "s3://dest/",
				ExpireAt:       1000,
			}
			if err := store.Put(ctx, rec); err != nil {
				t.Fatalf("put failed: %v", err)
			}

			got, err := store.Get(ctx, "J1", RecordTypeJob)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if got.Status != StatusPending || got.DestinationURI != "s3://dest/" || got.ExpireAt != 1000 {
				t.Fatalf("unexpected record: %+v", got)
			}
			if len(got.SourceURIs) != 1 || got.SourceURIs[0] != "s3://bucket/a.txt" {
				t.Fatalf("unexpected source uris: %v", got.SourceURIs)
			}

			rec.Status = StatusInProgress
			if err := store.Put(ctx, rec); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			got, err = store.Get(ctx, "J1", RecordTypeJob)
			if err != nil {
				t.Fatalf("get after overwrite failed: %v", err)
			}
			if got.Status != StatusInProgress {
				t.Fatalf("expected IN_PROGRESS, got %s", got.Status)
			}
		})
	}
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			_, err := factory(t).Get(context.Background(), "missing", RecordTypeJob)
			if !datacopy.HasCode(err, datacopy.ErrCodeRecordNotFound) {
				t.Fatalf("expected RECORD_NOT_FOUND, got %v", err)
			}
		})
	}
}

func TestStoreKeysAreComposite(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			if err := store.Put(ctx, JobRecord{ID: "J1", RecordType: RecordTypeJob, Status: StatusPending}); err != nil {
				t.Fatalf("put job: %v", err)
			}
			if err := store.PutIfAbsent(ctx, JobRecord{ID: "J1", RecordType: RecordTypeTaskToken, Status: StatusPending, ResumeToken: "T1"}); err != nil {
				t.Fatalf("put token: %v", err)
			}
			if err := store.Delete(ctx, "J1", RecordTypeTaskToken); err != nil {
				t.Fatalf("delete token: %v", err)
			}
			if _, err := store.Get(ctx, "J1", RecordTypeJob); err != nil {
				t.Fatalf("job row should survive token delete: %v", err)
			}
		})
	}
}

func TestStorePutIfAbsentRejectsExisting(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			first := JobRecord{ID: "J1", RecordType: RecordTypeTaskToken, Status: StatusPending, ResumeToken: "T1"}
			if err := store.PutIfAbsent(ctx, first); err != nil {
				t.Fatalf("first put: %v", err)
			}
			second := first
			second.ResumeToken = "T2"
			err := store.PutIfAbsent(ctx, second)
			if !datacopy.HasCode(err, datacopy.ErrCodeRecordExists) {
				t.Fatalf("expected RECORD_EXISTS, got %v", err)
			}

			got, err := store.Get(ctx, "J1", RecordTypeTaskToken)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.ResumeToken != "T1" {
				t.Fatalf("expected original token to be kept, got %s", got.ResumeToken)
			}
		})
	}
}

func TestStoreDeleteMissingIsNoop(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			if err := factory(t).Delete(context.Background(), "nope", RecordTypeJob); err != nil {
				t.Fatalf("expected nil, got %v", err)
			}
		})
	}
}

func TestStoreDeleteIfTokenComparesToken(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			if err := store.PutIfAbsent(ctx, JobRecord{ID: "J1", RecordType: RecordTypeTaskToken, Status: StatusPending, ResumeToken: "T1"}); err != nil {
				t.Fatalf("seed: %v", err)
			}

			if _, err := store.DeleteIfToken(ctx, "J1", "other"); !datacopy.HasCode(err, datacopy.ErrCodeRecordNotFound) {
				t.Fatalf("expected RECORD_NOT_FOUND for wrong token, got %v", err)
			}

			removed, err := store.DeleteIfToken(ctx, "J1", "T1")
			if err != nil {
				t.Fatalf("delete if token: %v", err)
			}
			if removed.ID != "J1" || removed.RecordType != RecordTypeTaskToken || removed.ResumeToken != "T1" {
				t.Fatalf("expected removed row, got %+v", removed)
			}
			if _, err := store.Get(ctx, "J1", RecordTypeTaskToken); !datacopy.HasCode(err, datacopy.ErrCodeRecordNotFound) {
				t.Fatalf("expected row gone, got %v", err)
			}

			if _, err := store.DeleteIfToken(ctx, "J1", "T1"); !datacopy.HasCode(err, datacopy.ErrCodeRecordNotFound) {
				t.Fatalf("expected second delete to miss, got %v", err)
			}
		})
	}
}

func TestStoreScanPendingFiltersByTypeAndStatus(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			seed := []JobRecord{
				{ID: "A", RecordType: RecordTypeTaskToken, Status: StatusPending, ResumeToken: "ta"},
				{ID: "B", RecordType: RecordTypeTaskToken, Status: StatusInProgress, ResumeToken: "tb"},
				{ID: "C", RecordType: RecordTypeTaskToken, Status: StatusSucceeded, ResumeToken: "tc"},
				{ID: "D", RecordType: RecordTypeJob, Status: StatusPending},
				{ID: "E", RecordType: RecordTypeTaskToken, Status: StatusPending, ResumeToken: "te"},
				{ID: "F", RecordType: RecordTypeTaskToken, Status: StatusPending, ResumeToken: "tf"},
			}
			for _, rec := range seed {
				if err := store.Put(ctx, rec); err != nil {
					t.Fatalf("seed %s: %v", rec.ID, err)
				}
			}

			got, err := CollectPending(ctx, store, RecordTypeTaskToken)
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			var ids []string
			for _, rec := range got {
				ids = append(ids, rec.ID)
			}
			if strings.Join(ids, ",") != "A,B,E,F" {
				t.Fatalf("unexpected pending ids: %v", ids)
			}
		})
	}
}

func TestStoreScanExpired(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			now := time.Unix(10_000, 0)

			seed := []JobRecord{
				{ID: "old", RecordType: RecordTypeJob, Status: StatusSucceeded, ExpireAt: 9_000},
				{ID: "edge", RecordType: RecordTypeJob, Status: StatusSucceeded, ExpireAt: 10_000},
				{ID: "fresh", RecordType: RecordTypeJob, Status: StatusPending, ExpireAt: 20_000},
				{ID: "forever", RecordType: RecordTypeJob, Status: StatusPending},
			}
			for _, rec := range seed {
				if err := store.Put(ctx, rec); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}

			var ids []string
			for rec, err := range store.ScanExpired(ctx, now) {
				if err != nil {
					t.Fatalf("scan: %v", err)
				}
				ids = append(ids, rec.ID)
			}
			if strings.Join(ids, ",") != "edge,old" {
				t.Fatalf("unexpected expired ids: %v", ids)
			}
		})
	}
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, JobRecord{ID: " ", RecordType: RecordTypeJob}); !datacopy.HasCode(err, datacopy.ErrCodeValidation) {
		t.Fatalf("expected validation error for blank id, got %v", err)
	}
	if err := store.Put(ctx, JobRecord{ID: "J1", RecordType: "OTHER"}); !datacopy.HasCode(err, datacopy.ErrCodeValidation) {
		t.Fatalf("expected validation error for bad type, got %v", err)
	}
	if err := store.PutIfAbsent(ctx, JobRecord{ID: "J1", RecordType: RecordTypeTaskToken}); !datacopy.HasCode(err, datacopy.ErrCodeValidation) {
		t.Fatalf("expected validation error for token row without token, got %v", err)
	}
}

func TestMemoryStoreConcurrentDeleteIfTokenSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.PutIfAbsent(ctx, JobRecord{ID: "J1", RecordType: RecordTypeTaskToken, Status: StatusPending, ResumeToken: "T1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.DeleteIfToken(ctx, "J1", "T1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case datacopy.HasCode(err, datacopy.ErrCodeRecordNotFound):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestScanStopsWhenConsumerBreaks(t *testing.T) {
	store := newSQLiteStore(t, WithPageSize(1))
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		if err := store.Put(ctx, JobRecord{ID: id, RecordType: RecordTypeJob, Status: StatusPending}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	seen := 0
	for _, err := range store.ScanPending(ctx, RecordTypeJob) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected to stop after 2, saw %d", seen)
	}
}

func TestExpiryFrom(t *testing.T) {
	now := time.Unix(100, 0)
	if got := ExpiryFrom(now, time.Minute); got != 160 {
		t.Fatalf("expected 160, got %d", got)
	}
	if got := ExpiryFrom(now, 0); got != 0 {
		t.Fatalf("expected no expiry, got %d", got)
	}
}
