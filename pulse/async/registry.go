package async

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekho-app/ekho/errors"
)

// subscriberBuffer bounds how far a slow subscriber may lag before updates are dropped
const subscriberBuffer = 100

// Registry is the in-memory store of generation jobs keyed by ID.
//
// The map is guarded by an RWMutex; every entry has its own mutex so updates
// to one job serialize while other jobs proceed. Jobs are lost on restart.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	subMu       sync.RWMutex
	subscribers map[chan Job]struct{}

	logger *zap.SugaredLogger
}

type entry struct {
	mu  sync.Mutex
	job Job
}

// NewRegistry creates an empty job registry
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		entries:     make(map[string]*entry),
		subscribers: make(map[chan Job]struct{}),
		logger:      logger,
	}
}

// Put inserts or replaces a job. The registry keeps its own copy.
func (r *Registry) Put(job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job must have an ID")
	}
	stored := job.Clone()

	r.mu.Lock()
	if e, ok := r.entries[job.ID]; ok {
		r.mu.Unlock()
		e.mu.Lock()
		e.job = stored
		e.mu.Unlock()
	} else {
		r.entries[job.ID] = &entry{job: stored}
		r.mu.Unlock()
	}

	r.notify(stored.Clone())
	return nil
}

// Get returns a copy of the job, or an error wrapping errors.ErrNotFound
func (r *Registry) Get(jobID string) (Job, error) {
	e := r.lookup(jobID)
	if e == nil {
		return Job{}, errors.WithDetail(errors.NewNotFoundError("job %s", jobID), "job_id: "+jobID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Update applies mutate to the stored job under the entry lock and returns
// the resulting copy. Unknown IDs are a no-op and report false.
func (r *Registry) Update(jobID string, mutate func(*Job)) (Job, bool) {
	e := r.lookup(jobID)
	if e == nil {
		return Job{}, false
	}

	e.mu.Lock()
	working := e.job.Clone()
	mutate(&working)
	// identity is fixed at creation
	working.ID = e.job.ID
	working.Owner = e.job.Owner
	working.CreatedAt = e.job.CreatedAt
	e.job = working
	result := working.Clone()
	e.mu.Unlock()

	r.notify(result.Clone())
	return result, true
}

// ListByOwner returns copies of the owner's jobs, newest first
func (r *Registry) ListByOwner(owner string) []Job {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	jobs := make([]Job, 0)
	for _, e := range snapshot {
		e.mu.Lock()
		if e.job.Owner == owner {
			jobs = append(jobs, e.job.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs
}

// Stats counts jobs per state
func (r *Registry) Stats() map[JobState]int {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	stats := map[JobState]int{
		JobStateSubmitted:  0,
		JobStateProcessing: 0,
		JobStateCompleted:  0,
		JobStateFailed:     0,
	}
	for _, e := range snapshot {
		e.mu.Lock()
		stats[e.job.State]++
		e.mu.Unlock()
	}
	return stats
}

// Cleanup removes terminal jobs not updated within olderThan and returns how many went.
func (r *Registry) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for jobID, e := range r.entries {
		e.mu.Lock()
		stale := e.job.State.Terminal() && e.job.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(r.entries, jobID)
			removed++
		}
	}

	if removed > 0 && r.logger != nil {
		r.logger.Infow("Removed expired jobs", "count", removed, "older_than", olderThan.String())
	}
	return removed
}

// Subscribe returns a channel that receives a copy of every stored or
// updated job. Slow subscribers miss updates rather than block writers.
func (r *Registry) Subscribe() chan Job {
	ch := make(chan Job, subscriberBuffer)
	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

// Unsubscribe stops delivery and closes the channel
func (r *Registry) Unsubscribe(ch chan Job) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if _, ok := r.subscribers[ch]; ok {
		delete(r.subscribers, ch)
		close(ch)
	}
}

func (r *Registry) lookup(jobID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[jobID]
}

func (r *Registry) notify(job Job) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for ch := range r.subscribers {
		select {
		case ch <- job.Clone():
		default:
			if r.logger != nil {
				r.logger.Debugw("Dropped job update for slow subscriber", "job_id", job.ID)
			}
		}
	}
}
