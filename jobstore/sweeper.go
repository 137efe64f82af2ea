package jobstore

import (
	"context"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
)

// TokenExpirer fails the workflow waiting on an expired TASK_TOKEN row. It
// is expected to consume the row itself.
type TokenExpirer interface {
	ExpireToken(ctx context.Context, rec JobRecord) error
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned        int
	TokensExpired  int
	RecordsDeleted int
	Failures       int
}

// Sweeper removes rows past their expire_at. Expired TASK_TOKEN rows are
// handed to the expirer first so the waiting workflow ends with JOB_EXPIRED
// instead of hanging.
type Sweeper struct {
	store   Store
	expirer TokenExpirer
	logger  datacopy.Logger
	now     func() time.Time
}

type SweeperOption func(*Sweeper)

func WithSweeperLogger(l datacopy.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSweeper(store Store, expirer TokenExpirer, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:   store,
		expirer: expirer,
		logger:  datacopy.NormalizeLogger(nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sweep processes every expired row once. A failure on one row is logged
// and does not stop the sweep; only scan errors are returned.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	for rec, err := range s.store.ScanExpired(ctx, now) {
		if err != nil {
			return report, err
		}
		report.Scanned++
		log := datacopy.WithLoggerFields(s.logger, map[string]any{
			"job_id":  rec.ID,
			"id_type": string(rec.RecordType),
		})

		if rec.RecordType == RecordTypeTaskToken && s.expirer != nil {
			if err := s.expirer.ExpireToken(ctx, rec); err != nil && !datacopy.IsBenign(err) {
				report.Failures++
				log.Error("expire task token failed: %v", err)
				continue
			}
			report.TokensExpired++
		}

		if err := s.store.Delete(ctx, rec.ID, rec.RecordType); err != nil {
			report.Failures++
			log.Error("delete expired record failed: %v", err)
			continue
		}
		report.RecordsDeleted++
		log.Debug("expired record removed")
	}

	return report, nil
}
