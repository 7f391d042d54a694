package registry_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-jobs-service/internal/entity"
	"media-jobs-service/internal/registry"
)

func create(t *testing.T, r *registry.Registry) uuid.UUID {
	t.Helper()
	id, err := r.Create(registry.NewJob{
		Kind:   entity.KindLipSync,
		Params: entity.Params{BBoxShift: 3},
		Inputs: map[string]string{entity.SlotVideo: "/v.mp4"},
	})
	require.NoError(t, err)
	return id
}

func TestRegistry_CreateGet(t *testing.T) {
	r := registry.New()
	id := create(t, r)

	job, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, entity.StatusPending, job.Status)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Nil(t, job.CompletedAt)

	// snapshots are copies
	job.Inputs[entity.SlotVideo] = "/changed"
	again, _ := r.Get(id)
	assert.Equal(t, "/v.mp4", again.Inputs[entity.SlotVideo])

	_, err = r.Get(uuid.New())
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRegistry_CreatePresetID(t *testing.T) {
	r := registry.New()
	id := uuid.New()
	got, err := r.Create(registry.NewJob{ID: id, Kind: entity.KindTranscribe})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = r.Create(registry.NewJob{ID: id, Kind: entity.KindTranscribe})
	assert.ErrorIs(t, err, registry.ErrExists)
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := registry.New()
	id := create(t, r)

	job, err := r.Update(id, func(j *entity.Job) error {
		j.Status = entity.StatusProcessing
		j.Progress = entity.Progress{Percent: 0, Stage: "admitted"}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)

	_, err = r.Update(id, func(j *entity.Job) error {
		j.Progress = entity.Progress{Percent: 40, Stage: "inference"}
		return nil
	})
	require.NoError(t, err)

	_, err = r.Update(id, func(j *entity.Job) error {
		j.Progress.Percent = 10
		return nil
	})
	assert.ErrorIs(t, err, registry.ErrInvariant, "progress must not go backwards")

	job, err = r.Update(id, func(j *entity.Job) error {
		j.Status = entity.StatusCompleted
		j.OutputRef = "/out/result.mp4"
		j.Progress = entity.Progress{Percent: 100, Stage: "completed"}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, job.CompletedAt)

	_, err = r.Update(id, func(j *entity.Job) error {
		j.Status = entity.StatusFailed
		j.OutputRef = ""
		j.Error = &entity.JobError{Code: entity.CodeInference, Message: "late"}
		return nil
	})
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)

	final, _ := r.Get(id)
	assert.Equal(t, entity.StatusCompleted, final.Status)
	assert.Equal(t, "/out/result.mp4", final.OutputRef)
}

func TestRegistry_RejectsInvariantViolations(t *testing.T) {
	r := registry.New()
	id := create(t, r)

	_, err := r.Update(id, func(j *entity.Job) error {
		j.Status = entity.StatusCompleted
		j.OutputRef = "/x"
		return nil
	})
	assert.ErrorIs(t, err, registry.ErrInvalidTransition, "pending cannot complete")

	_, err = r.Update(id, func(j *entity.Job) error {
		j.Status = entity.StatusFailed
		return nil
	})
	assert.ErrorIs(t, err, registry.ErrInvariant, "failed needs an error")

	_, err = r.Update(id, func(j *entity.Job) error {
		j.Progress.Percent = 5
		return nil
	})
	assert.ErrorIs(t, err, registry.ErrInvariant, "pending jobs have no progress")

	_, err = r.Update(id, func(j *entity.Job) error {
		j.Params.BBoxShift = 9
		return nil
	})
	assert.ErrorIs(t, err, registry.ErrInvariant)

	boom := errors.New("boom")
	_, err = r.Update(id, func(j *entity.Job) error {
		j.Status = entity.StatusProcessing
		return boom
	})
	assert.ErrorIs(t, err, boom)

	job, _ := r.Get(id)
	assert.Equal(t, entity.StatusPending, job.Status, "rejected mutations are not committed")

	_, err = r.Update(uuid.New(), func(*entity.Job) error { return nil })
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRegistry_ListAndRemove(t *testing.T) {
	r := registry.New()
	a := create(t, r)
	b := create(t, r)

	list := r.List()
	require.Len(t, list, 2)
	ids := []uuid.UUID{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)

	assert.True(t, r.Remove(a))
	assert.False(t, r.Remove(a))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveIf(t *testing.T) {
	r := registry.New()
	id := create(t, r)
	_, err := r.Update(id, func(j *entity.Job) error {
		j.Status = entity.StatusProcessing
		return nil
	})
	require.NoError(t, err)

	busy := errors.New("busy")
	notProcessing := func(j entity.Job) error {
		if j.Status == entity.StatusProcessing {
			return busy
		}
		return nil
	}

	_, err = r.RemoveIf(id, notProcessing)
	assert.ErrorIs(t, err, busy)
	assert.Equal(t, 1, r.Len())

	_, err = r.Update(id, func(j *entity.Job) error {
		j.Status = entity.StatusFailed
		j.Error = &entity.JobError{Code: entity.CodeDomain, Message: "No faces detected in video"}
		return nil
	})
	require.NoError(t, err)

	snap, err := r.RemoveIf(id, notProcessing)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, snap.Status)
	assert.Equal(t, 0, r.Len())

	_, err = r.RemoveIf(id, notProcessing)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	r := registry.New()
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		ids[i] = create(t, r)
		_, err := r.Update(ids[i], func(j *entity.Job) error {
			j.Status = entity.StatusProcessing
			return nil
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					_, _ = r.Update(id, func(j *entity.Job) error {
						if j.Progress.Percent < 100 {
							j.Progress.Percent++
						}
						return nil
					})
					_, _ = r.Get(id)
					_ = r.List()
				}
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		job, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, 100, job.Progress.Percent)
		// creation, admission and 200 progress commits
		assert.Equal(t, uint64(202), job.Revision)
	}
}

func TestRegistry_UpdateWaitingOnEvictedJobFails(t *testing.T) {
	r := registry.New()
	id := create(t, r)

	type result struct {
		job entity.Job
		err error
	}
	done := make(chan result, 1)

	_, err := r.RemoveIf(id, func(entity.Job) error {
		// The update has looked the job up and now waits for its lock.
		go func() {
			job, err := r.Update(id, func(j *entity.Job) error {
				j.Status = entity.StatusProcessing
				return nil
			})
			done <- result{job, err}
		}()
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, registry.ErrNotFound)
		assert.NotEqual(t, entity.StatusProcessing, res.job.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("update never returned")
	}

	_, err = r.Get(id)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Empty(t, r.List())
	assert.False(t, r.Remove(id))
}

func TestRegistry_RevisionCountsCommits(t *testing.T) {
	r := registry.New()
	id := create(t, r)

	job, _ := r.Get(id)
	assert.Equal(t, uint64(1), job.Revision)

	job, err := r.Update(id, func(j *entity.Job) error {
		j.Status = entity.StatusProcessing
		j.Revision = 99 // not writable by callers
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), job.Revision)

	_, err = r.Update(id, func(j *entity.Job) error {
		j.Status = entity.StatusPending
		return nil
	})
	require.Error(t, err)
	job, _ = r.Get(id)
	assert.Equal(t, uint64(2), job.Revision, "rejected updates do not count")
}
