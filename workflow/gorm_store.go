package workflow

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	datacopy "github.com/goliatone/go-datacopy"
)

// GormExecutionStore persists executions through gorm.
type GormExecutionStore struct {
	db *gorm.DB
}

// NewGormExecutionStore migrates the execution table.
func NewGormExecutionStore(db *gorm.DB) (*GormExecutionStore, error) {
	if db == nil {
		return nil, newError(datacopy.ErrValidation, "gorm db required", nil, nil)
	}
	if err := db.AutoMigrate(&Execution{}); err != nil {
		return nil, newError(datacopy.ErrStoreUnavailable, "migrate execution table", err, nil)
	}
	return &GormExecutionStore{db: db}, nil
}

func (s *GormExecutionStore) Create(ctx context.Context, exec Execution) error {
	if err := s.db.WithContext(ctx).Create(&exec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return newError(ErrVersionConflict, "execution already exists", err, map[string]any{"execution_id": exec.ID})
		}
		return storeErr(err, "create execution")
	}
	return nil
}

func (s *GormExecutionStore) Get(ctx context.Context, id string) (Execution, error) {
	var exec Execution
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Execution{}, newError(ErrExecutionNotFound, "", nil, map[string]any{"execution_id": id})
	}
	return exec, storeErr(err, "get execution")
}

func (s *GormExecutionStore) GetByToken(ctx context.Context, token string) (Execution, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Execution{}, newError(ErrExecutionNotFound, "empty task token", nil, nil)
	}
	var exec Execution
	err := s.db.WithContext(ctx).Where("task_token = ?", token).Take(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Execution{}, newError(ErrExecutionNotFound, "", nil, nil)
	}
	return exec, storeErr(err, "get execution by token")
}

func (s *GormExecutionStore) Update(ctx context.Context, exec Execution, expectedVersion int) (Execution, error) {
	exec.Version = expectedVersion + 1
	res := s.db.WithContext(ctx).
		Model(&Execution{}).
		Where("id = ? AND version = ?", exec.ID, expectedVersion).
		Select("*").
		Omit("id", "started_at", "input").
		Updates(&exec)
	if res.Error != nil {
		return Execution{}, storeErr(res.Error, "update execution")
	}
	if res.RowsAffected == 0 {
		return Execution{}, newError(ErrVersionConflict, "", nil, map[string]any{
			"execution_id": exec.ID,
			"expected":     expectedVersion,
		})
	}
	return exec, nil
}

func (s *GormExecutionStore) List(ctx context.Context, status ExecutionStatus) ([]Execution, error) {
	q := s.db.WithContext(ctx).Model(&Execution{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Execution
	if err := q.Order("started_at DESC, id ASC").Find(&out).Error; err != nil {
		return nil, storeErr(err, "list executions")
	}
	return out, nil
}

func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return newError(datacopy.ErrStoreUnavailable, op, err, map[string]any{"operation": op})
}
