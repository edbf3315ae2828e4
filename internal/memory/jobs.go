package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// jobLog implements types.JobLog with a map keyed by entity and key hash.
type jobLog struct {
	store *Store
	mu    sync.Mutex
	jobs  map[string]types.Job
}

var _ types.JobLog = (*jobLog)(nil)

func newJobLog(s *Store) *jobLog {
	return &jobLog{store: s, jobs: make(map[string]types.Job)}
}

func jobID(entity, hash string) string {
	return entity + "\x00" + hash
}

func prepareJob(job types.Job, status types.JobStatus) types.Job {
	job.Status = status
	job.Key = maps.Clone(job.Key)
	if job.KeyHash == "" {
		job.KeyHash = job.Key.HashString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	return job
}

func (l *jobLog) Reserve(ctx context.Context, job types.Job) (bool, error) {
	if l.store.isClosed() {
		return false, types.ErrStoreClosed
	}
	job = prepareJob(job, types.JobReserved)
	l.mu.Lock()
	defer l.mu.Unlock()
	id := jobID(job.Entity, job.KeyHash)
	if _, exists := l.jobs[id]; exists {
		return false, nil
	}
	l.jobs[id] = job
	return true, nil
}

func (l *jobLog) Complete(ctx context.Context, entity string, key types.Key) error {
	if l.store.isClosed() {
		return types.ErrStoreClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.jobs, jobID(entity, key.HashString()))
	return nil
}

func (l *jobLog) Fail(ctx context.Context, job types.Job) error {
	if l.store.isClosed() {
		return types.ErrStoreClosed
	}
	job = prepareJob(job, types.JobError)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[jobID(job.Entity, job.KeyHash)] = job
	return nil
}

func (l *jobLog) List(ctx context.Context, entity string, status types.JobStatus) ([]types.Job, error) {
	if l.store.isClosed() {
		return nil, types.ErrStoreClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.Job
	for _, j := range l.jobs {
		if selects(j, entity, status) {
			j.Key = maps.Clone(j.Key)
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b types.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if c := strings.Compare(a.Entity, b.Entity); c != 0 {
			return c
		}
		return strings.Compare(a.KeyHash, b.KeyHash)
	})
	return out, nil
}

func (l *jobLog) Clear(ctx context.Context, entity string, status types.JobStatus) (int, error) {
	if l.store.isClosed() {
		return 0, types.ErrStoreClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, j := range l.jobs {
		if selects(j, entity, status) {
			delete(l.jobs, id)
			n++
		}
	}
	return n, nil
}

func selects(j types.Job, entity string, status types.JobStatus) bool {
	return (entity == "" || j.Entity == entity) && (status == "" || j.Status == status)
}
