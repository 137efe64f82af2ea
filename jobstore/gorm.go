package jobstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultPageSize = 50
)

// OpenDB opens a gorm connection for driver. The memory driver has no
// database and is rejected here.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, datacopy.NewError(datacopy.ErrValidation, "postgres dsn required", nil, nil)
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, datacopy.NewError(datacopy.ErrValidation, "unsupported store driver", nil, map[string]any{
			"driver": driver,
		})
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, datacopy.NewError(datacopy.ErrStoreUnavailable, "open job store", err, map[string]any{
			"driver": driver,
		})
	}
	return db, nil
}

// GormStore persists job records through gorm.
type GormStore struct {
	db       *gorm.DB
	pageSize int
	now      func() time.Time
}

type GormOption func(*GormStore)

// WithPageSize sets the page size used by the scan iterators.
func WithPageSize(n int) GormOption {
	return func(s *GormStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithGormClock(now func() time.Time) GormOption {
	return func(s *GormStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewGormStore migrates the job table and returns the store.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	if db == nil {
		return nil, datacopy.NewError(datacopy.ErrValidation, "gorm db required", nil, nil)
	}
	s := &GormStore{db: db, pageSize: defaultPageSize, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, translateErr(err, "migrate job table")
	}
	return s, nil
}

func (s *GormStore) Put(ctx context.Context, rec JobRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}, {Name: "id_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "resume_token", "execution_id", "source_uris",
			"destination_uri", "error", "expire_at", "updated_at",
		}),
	}).Create(&rec).Error
	return translateErr(err, "put record")
}

func (s *GormStore) Get(ctx context.Context, id string, typ RecordType) (JobRecord, error) {
	if err := validateKey(id, typ); err != nil {
		return JobRecord{}, err
	}
	var rec JobRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND id_type = ?", id, typ).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return JobRecord{}, notFound(id, typ)
	}
	if err != nil {
		return JobRecord{}, translateErr(err, "get record")
	}
	return rec, nil
}

func (s *GormStore) PutIfAbsent(ctx context.Context, rec JobRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return translateErr(res.Error, "put record if absent")
	}
	if res.RowsAffected == 0 {
		return alreadyExists(rec.ID, rec.RecordType)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, id string, typ RecordType) error {
	if err := validateKey(id, typ); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Where("id = ? AND id_type = ?", id, typ).
		Delete(&JobRecord{}).Error
	return translateErr(err, "delete record")
}

func (s *GormStore) DeleteIfToken(ctx context.Context, id, token string) (JobRecord, error) {
	if err := validateKey(id, RecordTypeTaskToken); err != nil {
		return JobRecord{}, err
	}

	// one conditional DELETE; the token predicate is the compare step
	var removed JobRecord
	res := s.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("id = ? AND id_type = ? AND resume_token = ?", id, RecordTypeTaskToken, token).
		Delete(&removed)
	if res.Error != nil {
		return JobRecord{}, translateErr(res.Error, "delete task token")
	}
	if res.RowsAffected == 0 {
		return JobRecord{}, notFound(id, RecordTypeTaskToken)
	}
	return removed, nil
}

func (s *GormStore) ScanPending(ctx context.Context, typ RecordType) iter.Seq2[JobRecord, error] {
	return s.paged(ctx, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id_type = ? AND status IN ?", typ, []Status{StatusPending, StatusInProgress})
	})
}

func (s *GormStore) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[JobRecord, error] {
	cutoff := now.Unix()
	return s.paged(ctx, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("expire_at > 0 AND expire_at <= ?", cutoff)
	})
}

// paged walks the filtered rows in (id, id_type) order using keyset
// pagination, so rows deleted mid-scan do not shift later pages.
func (s *GormStore) paged(ctx context.Context, filter func(*gorm.DB) *gorm.DB) iter.Seq2[JobRecord, error] {
	return func(yield func(JobRecord, error) bool) {
		var lastID string
		var lastType RecordType
		first := true

		for {
			q := filter(s.db.WithContext(ctx).Model(&JobRecord{}))
			if !first {
				q = q.Where("((id > ?) OR (id = ? AND id_type > ?))", lastID, lastID, lastType)
			}

			var page []JobRecord
			if err := q.Order("id ASC, id_type ASC").Limit(s.pageSize).Find(&page).Error; err != nil {
				yield(JobRecord{}, translateErr(err, "scan records"))
				return
			}

			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			lastID, lastType, first = last.ID, last.RecordType, false
		}
	}
}

func translateErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	base := datacopy.ErrStoreUnavailable
	if strings.Contains(msg, "locked") || strings.Contains(msg, "busy") ||
		strings.Contains(msg, "too many connections") {
		base = datacopy.ErrStoreThrottled
	}
	return datacopy.NewError(base, fmt.Sprintf("%s: %s", base.Message, op), err, map[string]any{
		"operation": op,
	})
}
