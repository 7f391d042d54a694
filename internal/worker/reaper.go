package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"media-jobs-service/internal/entity"
)

var errNotExpired = errors.New("job not expired")

type ReapRepo interface {
	List() []entity.Job
	RemoveIf(id uuid.UUID, pred func(entity.Job) error) (entity.Job, error)
}

type AreaCleaner interface {
	Cleanup(id uuid.UUID) (bool, error)
}

// Reaper evicts terminal jobs older than the retention period together with
// their artifacts. Pending and processing jobs are never touched.
type Reaper struct {
	repo      ReapRepo
	store     AreaCleaner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
}

func NewReaper(repo ReapRepo, store AreaCleaner, retention, interval time.Duration, log logrus.FieldLogger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		repo:      repo,
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		log:       log.WithField("component", "reaper"),
	}
}

// Run sweeps on every tick until ctx is done. A zero retention disables it.
func (r *Reaper) Run(ctx context.Context) {
	if r.retention <= 0 {
		r.log.Info("job retention disabled")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.WithField("evicted", n).Info("expired jobs evicted")
			}
		}
	}
}

// Sweep evicts every expired job once and returns how many were removed.
func (r *Reaper) Sweep() int {
	cutoff := r.now().Add(-r.retention)
	evicted := 0

	for _, job := range r.repo.List() {
		if !expired(job, cutoff) {
			continue
		}
		// re-checked under the registry lock
		if _, err := r.repo.RemoveIf(job.ID, func(j entity.Job) error {
			if !expired(j, cutoff) {
				return errNotExpired
			}
			return nil
		}); err != nil {
			continue
		}
		if _, err := r.store.Cleanup(job.ID); err != nil {
			r.log.WithError(err).WithField("job_id", job.ID.String()).Warn("remove artifacts")
		}
		evicted++
	}
	return evicted
}

func expired(j entity.Job, cutoff time.Time) bool {
	return j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
}
