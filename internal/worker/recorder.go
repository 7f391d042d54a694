package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"media-jobs-service/internal/entity"
)

const recordTimeout = 5 * time.Second

// Recorder observes committed job snapshots (status events, history).
// Failures are logged and never affect the job.
type Recorder interface {
	Record(ctx context.Context, job entity.Job) error
}

type Recorders []Recorder

// Record calls every recorder with a context detached from job
// cancellation, so the cancelled state itself still gets recorded.
func (rs Recorders) Record(ctx context.Context, job entity.Job, log logrus.FieldLogger) {
	if len(rs) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	for _, r := range rs {
		if err := r.Record(rctx, job); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"job_id": job.ID.String(),
				"status": job.Status,
			}).Warn("record job snapshot")
		}
	}
}
