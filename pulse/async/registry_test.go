package async

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekho-app/ekho/errors"
)

func newTestJob(t *testing.T, owner string) *Job {
	t.Helper()
	job, err := NewJob("video", owner)
	require.NoError(t, err)
	return job
}

func TestRegistryPutGet(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t).Sugar())
	job := newTestJob(t, "u1")
	require.NoError(t, r.Put(job))

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	// mutating the caller's copy does not reach the registry
	job.State = JobStateFailed
	got, err = r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateSubmitted, got.State)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t).Sugar())
	_, err := r.Get("missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRegistryPutRejectsEmptyID(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t).Sugar())
	assert.Error(t, r.Put(&Job{}))
	assert.Error(t, r.Put(nil))
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t).Sugar())
	job := newTestJob(t, "u1")
	require.NoError(t, r.Put(job))

	updated, ok := r.Update(job.ID, func(j *Job) {
		j.Submitted("operations/9", nil)
		j.Processing(40)
		j.ID = "hijack"
		j.Owner = "someone-else"
	})
	require.True(t, ok)
	assert.Equal(t, job.ID, updated.ID)
	assert.Equal(t, "u1", updated.Owner)
	assert.Equal(t, 40, updated.Progress)

	_, ok = r.Update("missing", func(j *Job) { j.Fail("x") })
	assert.False(t, ok)
}

func TestRegistryListByOwner(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t).Sugar())

	first := newTestJob(t, "u1")
	first.CreatedAt = time.Now().Add(-time.Minute)
	second := newTestJob(t, "u1")
	other := newTestJob(t, "u2")
	for _, j := range []*Job{first, second, other} {
		require.NoError(t, r.Put(j))
	}

	jobs := r.ListByOwner("u1")
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)

	empty := r.ListByOwner("nobody")
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestRegistryConcurrentUpdatesSerialize(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t).Sugar())
	job := newTestJob(t, "u1")
	require.NoError(t, r.Put(job))
	r.Update(job.ID, func(j *Job) { j.Submitted("operations/1", nil) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Update(job.ID, func(j *Job) {
				if i == 25 {
					j.Complete("https://cdn/out.mp4")
					return
				}
				j.Processing(10 + i)
			})
		}(i)
	}
	wg.Wait()

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	// the completion always wins and is never half-overwritten
	assert.Equal(t, JobStateCompleted, got.State)
	assert.Equal(t, ProgressFinished, got.Progress)
	assert.Equal(t, "https://cdn/out.mp4", got.ResultRef)
}

func TestRegistryConcurrentDistinctJobs(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t).Sugar())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := NewJob("video", fmt.Sprintf("user-%d", i%4))
			if err != nil {
				t.Error(err)
				return
			}
			_ = r.Put(job)
			r.Update(job.ID, func(j *Job) { j.Processing(20) })
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 4; i++ {
		total += len(r.ListByOwner(fmt.Sprintf("user-%d", i)))
	}
	assert.Equal(t, 20, total)
	assert.Equal(t, 20, r.Stats()[JobStateProcessing])
}

func TestRegistryCleanup(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t).Sugar())

	old := newTestJob(t, "u1")
	old.Fail("boom")
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	active := newTestJob(t, "u1")
	active.UpdatedAt = time.Now().Add(-48 * time.Hour)
	fresh := newTestJob(t, "u1")
	fresh.Complete("https://cdn/a.mp4")

	for _, j := range []*Job{old, active, fresh} {
		require.NoError(t, r.Put(j))
	}

	assert.Equal(t, 1, r.Cleanup(24*time.Hour))
	_, err := r.Get(old.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = r.Get(active.ID)
	assert.NoError(t, err)
}

func TestRegistrySubscribe(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t).Sugar())
	ch := r.Subscribe()

	job := newTestJob(t, "u1")
	require.NoError(t, r.Put(job))
	r.Update(job.ID, func(j *Job) { j.Processing(30) })

	first := <-ch
	second := <-ch
	assert.Equal(t, JobStateSubmitted, first.State)
	assert.Equal(t, JobStateProcessing, second.State)

	r.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	// unsubscribing twice is harmless
	r.Unsubscribe(ch)
}
