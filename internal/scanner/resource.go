package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ResourceManager gates how many scan jobs may execute simultaneously.
type ResourceManager interface {
	// Acquire blocks until a permit is available or the context is cancelled.
	Acquire(ctx context.Context, jobID string) error

	// Release returns the permit held for the given job.
	Release(jobID string)

	// ActiveJobs returns the current number of jobs holding permits.
	ActiveJobs() int

	// AvailableSlots returns the number of free permits.
	AvailableSlots() int

	// Close shuts the manager down; subsequent Acquire calls fail.
	Close() error
}

// FixedResourceManager implements ResourceManager with a fixed permit count.
type FixedResourceManager struct {
	capacity   int
	semaphore  chan struct{}
	activeJobs map[string]time.Time
	mutex      sync.RWMutex
	closed     bool
}

// NewFixedResourceManager creates a resource manager with the given capacity.
func NewFixedResourceManager(capacity int) *FixedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}

	return &FixedResourceManager{
		capacity:   capacity,
		semaphore:  make(chan struct{}, capacity),
		activeJobs: make(map[string]time.Time),
	}
}

// Acquire blocks until a permit is available for the given job.
func (rm *FixedResourceManager) Acquire(ctx context.Context, jobID string) error {
	rm.mutex.RLock()
	if rm.closed {
		rm.mutex.RUnlock()
		return fmt.Errorf("resource manager is closed")
	}
	rm.mutex.RUnlock()

	select {
	case rm.semaphore <- struct{}{}:
		rm.mutex.Lock()
		rm.activeJobs[jobID] = time.Now()
		rm.mutex.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the permit held for the given job.
func (rm *FixedResourceManager) Release(jobID string) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if _, exists := rm.activeJobs[jobID]; exists {
		delete(rm.activeJobs, jobID)

		select {
		case <-rm.semaphore:
		default:
			// Semaphore already empty; nothing to drain.
		}
	}
}

// ActiveJobs returns the current number of jobs holding permits.
func (rm *FixedResourceManager) ActiveJobs() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return len(rm.activeJobs)
}

// AvailableSlots returns the number of free permits.
func (rm *FixedResourceManager) AvailableSlots() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return rm.capacity - len(rm.activeJobs)
}

// Close shuts down the manager and drains outstanding permits.
func (rm *FixedResourceManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if rm.closed {
		return nil
	}

	rm.closed = true
	rm.activeJobs = make(map[string]time.Time)

	for {
		select {
		case <-rm.semaphore:
		default:
			return nil
		}
	}
}
