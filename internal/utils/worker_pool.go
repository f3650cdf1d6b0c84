package utils

import (
	"sync"

	"github.com/rs/zerolog"
)

// Job represents a task to be executed by a worker.
type Job struct {
	Name string
	Task func()
}

// WorkerPool manages a pool of workers to execute jobs.
type WorkerPool struct {
	workers   int
	jobQueue  chan Job
	waitGroup sync.WaitGroup
	logger    zerolog.Logger
}

// NewWorkerPool creates a new WorkerPool with the specified number of workers.
func NewWorkerPool(workers int, logger zerolog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	pool := &WorkerPool{
		workers:  workers,
		jobQueue: make(chan Job, workers),
		logger:   logger,
	}

	pool.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker()
	}

	return pool
}

// worker processes jobs from the jobQueue. A panicking job is logged and
// does not take the worker down.
func (wp *WorkerPool) worker() {
	defer wp.waitGroup.Done()
	for job := range wp.jobQueue {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().Str("job", job.Name).Interface("panic", r).Msg("Job panicked")
		}
	}()
	job.Task()
}

// Submit adds a new job to the worker pool.
func (wp *WorkerPool) Submit(name string, task func()) {
	wp.jobQueue <- Job{Name: name, Task: task}
}

// Shutdown waits for all workers to finish and then closes the worker pool.
func (wp *WorkerPool) Shutdown() {
	close(wp.jobQueue)
	wp.waitGroup.Wait()
}
