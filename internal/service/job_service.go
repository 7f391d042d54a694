package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"media-jobs-service/internal/adapter"
	"media-jobs-service/internal/artifact"
	"media-jobs-service/internal/entity"
	"media-jobs-service/internal/registry"
	"media-jobs-service/internal/worker"
)

var (
	ErrJobProcessing   = errors.New("job is processing")
	ErrJobFinished     = errors.New("job already finished")
	ErrNotCompleted    = errors.New("job not completed")
	ErrArtifactMissing = errors.New("result file not found")
	ErrShuttingDown    = errors.New("service is shutting down")
)

const defaultKind = entity.KindLipSync

// Registry port (implementation: registry.Registry)
type JobRegistry interface {
	Create(nj registry.NewJob) (uuid.UUID, error)
	Get(id uuid.UUID) (entity.Job, error)
	Update(id uuid.UUID, fn func(*entity.Job) error) (entity.Job, error)
	List() []entity.Job
	Remove(id uuid.UUID) bool
	RemoveIf(id uuid.UUID, pred func(entity.Job) error) (entity.Job, error)
}

// Artifact store port (implementation: artifact.Store)
type ArtifactStore interface {
	Allocate(id uuid.UUID) (artifact.Area, error)
	SaveInput(id uuid.UUID, slot, filename string, r io.Reader, limit int64) (string, error)
	Cleanup(id uuid.UUID) (bool, error)
	Owns(id uuid.UUID, path string) bool
}

// Executor port (implementation: worker.Pool)
type JobRunner interface {
	Start(id uuid.UUID) error
	Cancel(id uuid.UUID) bool
	InFlight() int
}

type GuardStats interface {
	Capacity() int
	InUse() int
}

type JobService struct {
	jobs      JobRegistry
	store     ArtifactStore
	runner    JobRunner
	guard     GuardStats
	adapters  map[entity.JobKind]adapter.Adapter
	specs     map[entity.JobKind]adapter.KindSpec
	recorders worker.Recorders
	log       logrus.FieldLogger
}

func NewJobService(
	jobs JobRegistry,
	store ArtifactStore,
	runner JobRunner,
	guard GuardStats,
	adapters map[entity.JobKind]adapter.Adapter,
	specs map[entity.JobKind]adapter.KindSpec,
	recorders worker.Recorders,
	log logrus.FieldLogger,
) *JobService {
	return &JobService{
		jobs:      jobs,
		store:     store,
		runner:    runner,
		guard:     guard,
		adapters:  adapters,
		specs:     specs,
		recorders: recorders,
		log:       log.WithField("component", "job_service"),
	}
}

// Upload is one multipart file part.
type Upload struct {
	Filename string
	Body     io.Reader
}

type SubmitRequest struct {
	Kind   entity.JobKind
	Params entity.Params
	Files  map[string]Upload // by slot name
}

// Spec returns the rules for kind (empty means the default kind).
func (s *JobService) Spec(kind entity.JobKind) (adapter.KindSpec, error) {
	if kind == "" {
		kind = defaultKind
	}
	spec, ok := s.specs[kind]
	if !ok {
		return adapter.KindSpec{}, entity.ValidationError("unknown job kind: %s", kind)
	}
	return spec, nil
}

// Submit validates and stores the uploads, registers a pending job and
// hands it to the runner. Nothing is registered when validation fails.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	spec, err := s.Spec(req.Kind)
	if err != nil {
		return uuid.Nil, err
	}
	ad := s.adapters[spec.Kind]
	if ad == nil {
		return uuid.Nil, entity.NewError(entity.CodeAdapterNotReady, "model not loaded", adapter.ErrNotConfigured)
	}
	if err := ad.Ready(ctx); err != nil {
		return uuid.Nil, entity.NewError(entity.CodeAdapterNotReady, "model not loaded", err)
	}

	if err := adapter.ValidateParams(spec.Kind, req.Params); err != nil {
		return uuid.Nil, err
	}
	for _, rule := range spec.Slots {
		name := req.Files[rule.Name].Filename
		if err := rule.CheckName(name); err != nil {
			return uuid.Nil, err
		}
		// the stored name is what the adapter validates later
		if err := rule.CheckName(artifact.SafeFilename(name)); err != nil {
			return uuid.Nil, err
		}
	}

	id := uuid.New()
	log := s.log.WithFields(logrus.Fields{"job_id": id.String(), "kind": spec.Kind})

	inputs, err := s.saveInputs(ctx, id, spec, req.Files)
	if err != nil {
		s.discard(id, log)
		return uuid.Nil, err
	}

	if _, err := s.jobs.Create(registry.NewJob{
		ID:     id,
		Kind:   spec.Kind,
		Params: req.Params,
		Inputs: inputs,
	}); err != nil {
		s.discard(id, log)
		return uuid.Nil, fmt.Errorf("register job: %w", err)
	}

	if job, err := s.jobs.Get(id); err == nil {
		s.recorders.Record(ctx, job, log)
	}

	if err := s.runner.Start(id); err != nil {
		s.jobs.Remove(id)
		s.discard(id, log)
		if errors.Is(err, worker.ErrStopped) {
			return uuid.Nil, ErrShuttingDown
		}
		return uuid.Nil, err
	}

	log.Info("job accepted")
	return id, nil
}

func (s *JobService) saveInputs(ctx context.Context, id uuid.UUID, spec adapter.KindSpec, files map[string]Upload) (map[string]string, error) {
	if _, err := s.store.Allocate(id); err != nil {
		return nil, err
	}

	inputs := make(map[string]string, len(spec.Slots))
	for _, rule := range spec.Slots {
		up := files[rule.Name]
		path, err := s.store.SaveInput(id, rule.Name, up.Filename, up.Body, rule.MaxBytes)
		if errors.Is(err, artifact.ErrTooLarge) {
			return nil, entity.ValidationError("%s file too large (max %d MB)", rule.Name, rule.MaxBytes/adapter.MB)
		}
		if err != nil {
			return nil, fmt.Errorf("save %s: %w", rule.Name, err)
		}
		inputs[rule.Name] = path
	}

	if err := s.adapters[spec.Kind].ValidateInputs(ctx, inputs); err != nil {
		return nil, err
	}
	return inputs, nil
}

func (s *JobService) discard(id uuid.UUID, log logrus.FieldLogger) {
	if _, err := s.store.Cleanup(id); err != nil {
		log.WithError(err).Warn("discard rejected upload")
	}
}

func (s *JobService) Get(id uuid.UUID) (entity.Job, error) {
	return s.jobs.Get(id)
}

func (s *JobService) List() []entity.Job {
	return s.jobs.List()
}

// Result describes a downloadable artifact.
type Result struct {
	Path      string
	MediaType string
	Filename  string
}

func (s *JobService) Result(id uuid.UUID) (Result, error) {
	job, err := s.jobs.Get(id)
	if err != nil {
		return Result{}, err
	}
	if job.Status != entity.StatusCompleted {
		return Result{}, ErrNotCompleted
	}
	if job.OutputRef == "" || !s.store.Owns(id, job.OutputRef) {
		return Result{}, ErrArtifactMissing
	}
	if _, err := os.Stat(job.OutputRef); err != nil {
		return Result{}, ErrArtifactMissing
	}

	spec := s.specs[job.Kind]
	return Result{
		Path:      job.OutputRef,
		MediaType: spec.MediaType,
		Filename:  fmt.Sprintf("%s_%s%s", job.Kind, job.ID, spec.OutputExt),
	}, nil
}

type CleanupResult struct {
	// Found is false when no such job was registered.
	Found            bool
	ArtifactsRemoved bool
}

// Cleanup removes a job's artifacts and its registry entry. It is safe to
// repeat; only a processing job is refused.
func (s *JobService) Cleanup(id uuid.UUID) (CleanupResult, error) {
	job, err := s.jobs.RemoveIf(id, func(j entity.Job) error {
		if j.Status == entity.StatusProcessing {
			return ErrJobProcessing
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrJobProcessing):
		return CleanupResult{Found: true}, ErrJobProcessing
	case errors.Is(err, registry.ErrNotFound):
		// an area may outlive its entry when a submission was interrupted
		removed, cerr := s.store.Cleanup(id)
		return CleanupResult{ArtifactsRemoved: removed}, cerr
	case err != nil:
		return CleanupResult{}, err
	}

	if job.Status == entity.StatusPending {
		s.runner.Cancel(id)
	}
	removed, err := s.store.Cleanup(id)
	if err != nil {
		return CleanupResult{Found: true}, err
	}

	s.log.WithFields(logrus.Fields{
		"job_id":            id.String(),
		"status":            job.Status,
		"artifacts_removed": removed,
	}).Info("job cleaned up")
	return CleanupResult{Found: true, ArtifactsRemoved: removed}, nil
}

// Cancel stops a pending or processing job. The returned snapshot may still
// show the job running; it turns failed with code cancelled shortly after.
func (s *JobService) Cancel(id uuid.UUID) (entity.Job, error) {
	job, err := s.jobs.Get(id)
	if err != nil {
		return entity.Job{}, err
	}
	if job.Status.Terminal() {
		return job, ErrJobFinished
	}

	if !s.runner.Cancel(id) && job.Status == entity.StatusPending {
		// not started by the runner; fail it directly
		job, err = s.jobs.Update(id, func(j *entity.Job) error {
			if j.Status != entity.StatusPending {
				return ErrJobFinished
			}
			j.Status = entity.StatusFailed
			j.Error = &entity.JobError{Code: entity.CodeCancelled, Message: "job cancelled"}
			return nil
		})
		if err != nil {
			return job, err
		}
		s.recorders.Record(context.Background(), job, s.log)
	}

	s.log.WithField("job_id", id.String()).Info("job cancellation requested")
	return s.jobs.Get(id)
}

type AdapterHealth struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type Health struct {
	Status   string                   `json:"status"`
	Permits  int                      `json:"permits"`
	InUse    int                      `json:"in_use"`
	Jobs     int                      `json:"jobs"`
	InFlight int                      `json:"in_flight"`
	Adapters map[string]AdapterHealth `json:"adapters"`
}

// Health reports guard usage and the readiness of every kind's model.
func (s *JobService) Health(ctx context.Context) Health {
	h := Health{
		Status:   "ok",
		Permits:  s.guard.Capacity(),
		InUse:    s.guard.InUse(),
		Jobs:     len(s.jobs.List()),
		InFlight: s.runner.InFlight(),
		Adapters: map[string]AdapterHealth{},
	}

	kinds := make([]string, 0, len(s.specs))
	for k := range s.specs {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	for _, k := range kinds {
		ah := AdapterHealth{Ready: true}
		ad := s.adapters[entity.JobKind(k)]
		if ad == nil {
			ah = AdapterHealth{Error: adapter.ErrNotConfigured.Error()}
		} else if err := ad.Ready(ctx); err != nil {
			ah = AdapterHealth{Error: err.Error()}
		}
		if !ah.Ready {
			h.Status = "degraded"
		}
		h.Adapters[k] = ah
	}
	return h
}

// Languages returns the supported language codes.
func (s *JobService) Languages() []string {
	return adapter.LanguageCodes()
}

// LanguagePairs returns the translation directions translate jobs accept.
func (s *JobService) LanguagePairs() []adapter.LanguagePair {
	return adapter.LanguagePairs()
}
