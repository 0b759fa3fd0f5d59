package queue

import (
	"context"
	"fmt"
	"sync"

	"courier/internal/models"
)

// memStore is an in-memory JobStore/PipelineStore preserving insertion
// order, the property the engine's replay depends on.
type memStore struct {
	mu      sync.Mutex
	jobs    []models.Job
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{}
}

func (s *memStore) SaveJob(ctx context.Context, job *models.Job, link func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if link != nil {
		if err := link(ctx); err != nil {
			return err
		}
	}
	s.jobs = append(s.jobs, *job)
	return nil
}

func (s *memStore) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, job := range s.jobs {
		if job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memStore) ListJobs(ctx context.Context, queueType string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, job := range s.jobs {
		if job.QueueType == queueType {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *memStore) UpdateJobAttempts(ctx context.Context, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Attempts = attempts
			return nil
		}
	}
	return fmt.Errorf("job not found: %s", id)
}

func (s *memStore) ListQueueTypes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, job := range s.jobs {
		if !seen[job.QueueType] {
			seen[job.QueueType] = true
			out = append(out, job.QueueType)
		}
	}
	return out, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *memStore) attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ID == id {
			return job.Attempts
		}
	}
	return -1
}

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ID == id {
			return true
		}
	}
	return false
}
