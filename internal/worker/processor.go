package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"media-jobs-service/internal/adapter"
	"media-jobs-service/internal/artifact"
	"media-jobs-service/internal/entity"
	"media-jobs-service/internal/guard"
)

// Progress markers used when the adapter reports nothing itself.
const (
	progressAdmitted   = 0
	progressPreprocess = 5
	progressInfer      = 10
	progressMaxRunning = 99
	progressDone       = 100
)

// JobRepo is the registry port (implementation: registry.Registry).
type JobRepo interface {
	Get(id uuid.UUID) (entity.Job, error)
	Update(id uuid.UUID, fn func(*entity.Job) error) (entity.Job, error)
}

// Artifacts is the artifact store port (implementation: artifact.Store).
type Artifacts interface {
	Area(id uuid.UUID) artifact.Area
	Finalize(id uuid.UUID, rawPath string) (string, error)
}

// Admission is the resource guard port (implementation: guard.Guard).
type Admission interface {
	Acquire(ctx context.Context, timeout time.Duration) (*guard.Permit, error)
}

type ProcessorConfig struct {
	AdmissionTimeout time.Duration
	ExecutionTimeout time.Duration
}

type Processor struct {
	repo      JobRepo
	store     Artifacts
	guard     Admission
	adapters  map[entity.JobKind]adapter.Adapter
	specs     map[entity.JobKind]adapter.KindSpec
	recorders Recorders
	cfg       ProcessorConfig
	log       logrus.FieldLogger
}

func NewProcessor(
	repo JobRepo,
	store Artifacts,
	g Admission,
	adapters map[entity.JobKind]adapter.Adapter,
	specs map[entity.JobKind]adapter.KindSpec,
	recorders Recorders,
	cfg ProcessorConfig,
	log logrus.FieldLogger,
) *Processor {
	return &Processor{
		repo:      repo,
		store:     store,
		guard:     g,
		adapters:  adapters,
		specs:     specs,
		recorders: recorders,
		cfg:       cfg,
		log:       log.WithField("component", "processor"),
	}
}

var errStale = errors.New("job no longer processing")

// Process drives one job from pending to a terminal state. The returned
// error is for logging only; the outcome is always recorded on the job.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) error {
	start := time.Now()

	job, err := p.repo.Get(id)
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	log := p.log.WithFields(logrus.Fields{"job_id": id.String(), "kind": job.Kind})

	ad, ok := p.adapters[job.Kind]
	if !ok {
		return p.fail(ctx, job, entity.ValidationError("unknown job kind: %s", job.Kind), log)
	}

	// 1. validate; costs no permit
	if err := ad.ValidateInputs(ctx, job.Inputs); err != nil {
		return p.fail(ctx, job, err, log)
	}

	// 2. admit
	permit, err := p.guard.Acquire(ctx, p.cfg.AdmissionTimeout)
	if err != nil {
		if errors.Is(err, guard.ErrTimedOut) {
			err = entity.NewError(entity.CodeAdmissionTimeout, "timed out waiting for a free model slot", err)
		} else {
			err = entity.NewError(entity.CodeCancelled, "job cancelled", err)
		}
		return p.fail(ctx, job, err, log)
	}
	// Deferred, so the terminal state below is committed before the next
	// job can be admitted.
	defer permit.Release()

	job, err = p.update(ctx, id, func(j *entity.Job) error {
		j.Status = entity.StatusProcessing
		j.Progress = entity.Progress{Percent: progressAdmitted, Stage: "admitted"}
		return nil
	})
	if err != nil {
		// removed or cancelled between admission and start
		log.WithError(err).Warn("job vanished before processing")
		return err
	}
	log.WithField("wait_ms", time.Since(start).Milliseconds()).Info("job admitted")

	out, err := p.execute(ctx, job, ad, log)
	if err != nil {
		return p.fail(ctx, job, err, log)
	}

	done, err := p.update(ctx, id, func(j *entity.Job) error {
		j.Status = entity.StatusCompleted
		j.OutputRef = out
		j.Progress = entity.Progress{Percent: progressDone, Stage: "completed"}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("record completion")
		return err
	}

	log.WithFields(logrus.Fields{
		"status":      done.Status,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("job completed")
	return nil
}

// execute runs preprocess, inference and finalize under the execution
// timeout and returns the canonical output path.
func (p *Processor) execute(ctx context.Context, job entity.Job, ad adapter.Adapter, log logrus.FieldLogger) (string, error) {
	execCtx := ctx
	if p.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
		defer cancel()
	}

	area := p.store.Area(job.ID)
	req := adapter.Request{
		JobID:      job.ID,
		Kind:       job.Kind,
		Inputs:     job.Inputs,
		Params:     job.Params,
		AreaRoot:   area.Root,
		WorkDir:    area.Work,
		OutputPath: filepath.Join(area.Work, "raw"+p.specs[job.Kind].OutputExt),
	}

	// 3. preprocess
	if pre, ok := ad.(adapter.Preprocessor); ok {
		p.progress(ctx, job.ID, progressPreprocess, "preprocessing", log)
		err := p.call(ctx, execCtx, func(c context.Context) error {
			return pre.Preprocess(c, req)
		})
		if err != nil {
			return "", err
		}
	}

	// 4. infer
	p.progress(ctx, job.ID, progressInfer, "inference", log)
	var raw string
	err := p.call(ctx, execCtx, func(c context.Context) error {
		var err error
		raw, err = ad.Run(c, req, func(pct int, stage string) {
			p.progress(ctx, job.ID, pct, stage, log)
		})
		return err
	})
	if err != nil {
		return "", err
	}

	// 5. finalize; the job is only marked completed after this succeeds
	out, err := p.store.Finalize(job.ID, raw)
	if err != nil {
		return "", entity.NewError(entity.CodeInference, "could not store output", err)
	}
	return out, nil
}

// call runs fn on its own goroutine so a hung adapter cannot hold the job
// past its deadline. On timeout or cancellation fn is abandoned; native
// work it started may keep running until it notices execCtx.
func (p *Processor) call(jobCtx, execCtx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- entity.NewError(entity.CodeInference, "adapter panicked", fmt.Errorf("%v", r))
			}
		}()
		done <- fn(execCtx)
	}()

	select {
	case err := <-done:
		if err != nil && execCtx.Err() != nil && !isClassified(err) {
			return ctxError(jobCtx, execCtx)
		}
		return err
	case <-execCtx.Done():
		return ctxError(jobCtx, execCtx)
	}
}

func isClassified(err error) bool {
	var e *entity.Error
	return errors.As(err, &e)
}

func ctxError(jobCtx, execCtx context.Context) error {
	if jobCtx.Err() != nil {
		return entity.NewError(entity.CodeCancelled, "job cancelled", jobCtx.Err())
	}
	return entity.NewError(entity.CodeTimeout, "job exceeded its execution time limit", execCtx.Err())
}

// progress forwards adapter progress. Values are kept below 100 until the
// output is in place and never move backwards; updates that arrive after
// the job left processing are dropped.
func (p *Processor) progress(ctx context.Context, id uuid.UUID, pct int, stage string, log logrus.FieldLogger) {
	if pct > progressMaxRunning {
		pct = progressMaxRunning
	}
	_, err := p.update(ctx, id, func(j *entity.Job) error {
		if j.Status != entity.StatusProcessing {
			return errStale
		}
		if pct < j.Progress.Percent {
			pct = j.Progress.Percent
		}
		j.Progress = entity.Progress{Percent: pct, Stage: stage}
		return nil
	})
	if err != nil && !errors.Is(err, errStale) {
		log.WithError(err).Debug("progress update dropped")
	}
}

func (p *Processor) fail(ctx context.Context, job entity.Job, cause error, log logrus.FieldLogger) error {
	classified := entity.Classify(cause)
	detail := entity.Detail(cause)

	_, err := p.update(ctx, job.ID, func(j *entity.Job) error {
		j.Status = entity.StatusFailed
		j.OutputRef = ""
		j.Error = detail
		return nil
	})

	entry := log.WithFields(logrus.Fields{"status": entity.StatusFailed, "code": classified.Code})
	if classified.Err != nil {
		entry = entry.WithField("cause", classified.Err.Error())
	}
	switch classified.Code {
	case entity.CodeInference:
		entry.Error(classified.Message)
	default:
		entry.Warn(classified.Message)
	}

	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return cause
}

// update commits fn and notifies the recorders.
func (p *Processor) update(ctx context.Context, id uuid.UUID, fn func(*entity.Job) error) (entity.Job, error) {
	job, err := p.repo.Update(id, fn)
	if err != nil {
		return job, err
	}
	p.recorders.Record(ctx, job, p.log)
	return job, nil
}
