// Package store keeps the in-memory history of tasks.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sevir/cowork/pkg/models"
)

// DefaultLimit is the number of finished tasks kept when no limit is given.
const DefaultLimit = 100

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Store defines the interface for task storage.
type Store interface {
	Save(task *models.Task) error
	Get(id string) (*models.Task, error)
	List(filter ListFilter) ([]*models.Task, error)
	Delete(id string) error
	Close() error
}

// ListFilter defines criteria for listing tasks.
type ListFilter struct {
	Status []models.TaskStatus
	Limit  int
	Offset int
}

// MemoryStore implements Store in memory. Records are copied on the way in
// and out, so callers never share state with the store. Once more than limit
// finished tasks are held, the oldest finished ones are evicted.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*models.Task
	limit  int
	closed bool
}

// NewMemoryStore creates a store that keeps at most limit finished tasks.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryStore{
		tasks: make(map[string]*models.Task),
		limit: limit,
	}
}

// Save stores or updates a task.
func (ms *MemoryStore) Save(task *models.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return fmt.Errorf("store is closed")
	}
	ms.tasks[task.ID] = clone(task)
	ms.evict()
	return nil
}

// Get retrieves a task by ID.
func (ms *MemoryStore) Get(id string) (*models.Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	task, exists := ms.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(task), nil
}

// List retrieves tasks matching the filter, newest first.
func (ms *MemoryStore) List(filter ListFilter) ([]*models.Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	result := make([]*models.Task, 0, len(ms.tasks))
	for _, task := range ms.tasks {
		if matchesFilter(task, filter) {
			result = append(result, clone(task))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*models.Task{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchesFilter(task *models.Task, filter ListFilter) bool {
	if len(filter.Status) == 0 {
		return true
	}
	for _, s := range filter.Status {
		if task.Status == s {
			return true
		}
	}
	return false
}

// Delete removes a task by ID.
func (ms *MemoryStore) Delete(id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(ms.tasks, id)
	return nil
}

// Close rejects further writes. Reads keep working.
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

// evict drops the oldest finished tasks beyond the limit. Callers hold mu.
func (ms *MemoryStore) evict() {
	var finished []*models.Task
	for _, task := range ms.tasks {
		if task.IsTerminal() {
			finished = append(finished, task)
		}
	}
	if len(finished) <= ms.limit {
		return
	}

	sort.Slice(finished, func(i, j int) bool {
		return finishedAt(finished[i]).Before(finishedAt(finished[j]))
	})
	for _, task := range finished[:len(finished)-ms.limit] {
		delete(ms.tasks, task.ID)
	}
}

func finishedAt(task *models.Task) time.Time {
	if task.CompletedAt != nil {
		return *task.CompletedAt
	}
	return task.CreatedAt
}

func clone(task *models.Task) *models.Task {
	c := *task
	if task.ExitCode != nil {
		code := *task.ExitCode
		c.ExitCode = &code
	}
	if task.StartedAt != nil {
		t := *task.StartedAt
		c.StartedAt = &t
	}
	if task.CompletedAt != nil {
		t := *task.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
