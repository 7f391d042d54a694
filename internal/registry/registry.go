// Package registry is the in-memory source of truth for job state.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"media-jobs-service/internal/entity"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvariant         = errors.New("job invariant violated")
)

// NewJob is what a submission provides. ID may be preset (the artifact area
// is allocated before the job is registered); uuid.Nil means generate one.
type NewJob struct {
	ID     uuid.UUID
	Kind   entity.JobKind
	Params entity.Params
	Inputs map[string]string
}

type entry struct {
	mu  sync.Mutex
	job entity.Job
	// removed is set under mu when the entry leaves the map. A caller that
	// looked the entry up before the eviction sees it after taking mu.
	removed bool
}

// Registry keeps one mutex per job, so updates to different jobs never
// contend and updates to the same job are serialized. The map lock is only
// held for lookup, insert and delete.
type Registry struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*entry
	now  func() time.Time
}

func New() *Registry {
	return &Registry{
		jobs: map[uuid.UUID]*entry{},
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Create(nj NewJob) (uuid.UUID, error) {
	id := nj.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	job := entity.Job{
		ID:        id,
		Kind:      nj.Kind,
		Status:    entity.StatusPending,
		Params:    nj.Params,
		Inputs:    nj.Inputs,
		CreatedAt: r.now(),
		Revision:  1,
	}
	job = job.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return uuid.Nil, ErrExists
	}
	r.jobs[id] = &entry{job: job}
	return id, nil
}

func (r *Registry) lookup(id uuid.UUID) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	return e, ok
}

// acquire returns the job's entry with its lock held, or ErrNotFound when
// the job is unknown or was evicted while waiting for the lock.
func (r *Registry) acquire(id uuid.UUID) (*entry, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	return e, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id uuid.UUID) (entity.Job, error) {
	e, err := r.acquire(id)
	if err != nil {
		return entity.Job{}, err
	}
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Update applies fn to a copy of the job and commits it only if fn returns
// nil and the result is a legal successor of the current state. The
// committed snapshot is returned.
func (r *Registry) Update(id uuid.UUID, fn func(*entity.Job) error) (entity.Job, error) {
	e, err := r.acquire(id)
	if err != nil {
		return entity.Job{}, err
	}
	defer e.mu.Unlock()

	next := e.job.Clone()
	if err := fn(&next); err != nil {
		return e.job.Clone(), err
	}
	if err := checkSuccessor(e.job, next); err != nil {
		return e.job.Clone(), err
	}

	now := r.now()
	if next.Status == entity.StatusProcessing && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if next.Status.Terminal() && next.CompletedAt == nil {
		next.CompletedAt = &now
	}

	next.Revision = e.job.Revision + 1
	e.job = next
	return e.job.Clone(), nil
}

func checkSuccessor(prev, next entity.Job) error {
	if next.ID != prev.ID || next.Kind != prev.Kind || !next.CreatedAt.Equal(prev.CreatedAt) {
		return fmt.Errorf("%w: identity fields are immutable", ErrInvariant)
	}
	if next.Params != prev.Params {
		return fmt.Errorf("%w: params are immutable", ErrInvariant)
	}
	if !prev.Status.CanTransition(next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if prev.Status.Terminal() && !jobsEqual(prev, next) {
		return fmt.Errorf("%w: job is %s", ErrInvalidTransition, prev.Status)
	}
	if (next.OutputRef != "") != (next.Status == entity.StatusCompleted) {
		return fmt.Errorf("%w: output_ref set iff completed", ErrInvariant)
	}
	if (next.Error != nil) != (next.Status == entity.StatusFailed) {
		return fmt.Errorf("%w: error set iff failed", ErrInvariant)
	}
	if next.Progress.Percent < 0 || next.Progress.Percent > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvariant, next.Progress.Percent)
	}
	if next.Progress != prev.Progress {
		if next.Status == entity.StatusPending {
			return fmt.Errorf("%w: progress only moves while processing", ErrInvariant)
		}
		if next.Progress.Percent < prev.Progress.Percent {
			return fmt.Errorf("%w: progress went backwards", ErrInvariant)
		}
	}
	return nil
}

func jobsEqual(a, b entity.Job) bool {
	if a.Status != b.Status || a.OutputRef != b.OutputRef || a.Progress != b.Progress {
		return false
	}
	if (a.Error == nil) != (b.Error == nil) || (a.Error != nil && *a.Error != *b.Error) {
		return false
	}
	return true
}

// List returns snapshots ordered by creation time (oldest first).
func (r *Registry) List() []entity.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]entity.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Remove evicts the job. It reports false for unknown ids.
func (r *Registry) Remove(id uuid.UUID) bool {
	e, err := r.acquire(id)
	if err != nil {
		return false
	}
	defer e.mu.Unlock()
	return r.evict(id, e)
}

// evict deletes e from the map and marks it removed. e.mu must be held.
func (r *Registry) evict(id uuid.UUID, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.jobs[id]; !ok || cur != e {
		return false
	}
	delete(r.jobs, id)
	e.removed = true
	return true
}

// RemoveIf evicts the job only when pred accepts its current snapshot. The
// job's lock is held across pred and the deletion, so no update can slip
// in between. pred's error is returned as is.
func (r *Registry) RemoveIf(id uuid.UUID, pred func(entity.Job) error) (entity.Job, error) {
	e, err := r.acquire(id)
	if err != nil {
		return entity.Job{}, err
	}
	defer e.mu.Unlock()

	snap := e.job.Clone()
	if err := pred(snap); err != nil {
		return snap, err
	}
	if !r.evict(id, e) {
		return snap, ErrNotFound
	}
	return snap, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
