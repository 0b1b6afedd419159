package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner executes one patient run for a job. *Driver implements it.
type Runner interface {
	RunJob(ctx context.Context, patientID string, log *slog.Logger, status func(JobStatus, string)) (Result, error)
}

// Orchestrator runs queued patient jobs on a fixed set of workers. A patient
// has at most one job queued or running at a time, since runs for the same
// patient share output files.
type Orchestrator struct {
	jobs     *JobStore
	queue    chan *Job
	runner   Runner
	log      *slog.Logger
	workers  int
	maxQueue int

	mu     sync.Mutex
	active map[string]*Job // patient ID -> queued or running job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates the pipeline. Call Start to launch workers.
func NewOrchestrator(runner Runner, workers, maxQueue int, jobTTL time.Duration, log *slog.Logger) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	if maxQueue <= 0 {
		maxQueue = 100
	}
	return &Orchestrator{
		jobs:     NewJobStore(jobTTL),
		queue:    make(chan *Job, maxQueue),
		runner:   runner,
		log:      log,
		workers:  workers,
		maxQueue: maxQueue,
		active:   make(map[string]*Job),
	}
}

// Start launches worker goroutines.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for range o.workers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-o.queue:
					if !ok {
						return
					}
					o.process(workerCtx, job)
				}
			}
		}()
	}

	// Start job store cleanup.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				o.jobs.Cleanup()
			}
		}
	}()
}

// Stop gracefully shuts down the pipeline.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	close(o.queue)
	o.wg.Wait()
}

// Submit queues a run for patientID. If the patient already has a job queued
// or running, that job is returned instead of a new one.
func (o *Orchestrator) Submit(patientID string) (*Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if job, ok := o.active[patientID]; ok {
		return job, nil
	}

	job := NewJob(patientID)
	o.jobs.Put(job)
	select {
	case o.queue <- job:
		o.active[patientID] = job
		return job, nil
	default:
		job.SetStatus(StatusFailed, "queue_full")
		return job, fmt.Errorf("job queue is full (%d)", o.maxQueue)
	}
}

// release forgets job as its patient's active job.
func (o *Orchestrator) release(job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[job.PatientID] == job {
		delete(o.active, job.PatientID)
	}
}

// GetJob returns a job by ID.
func (o *Orchestrator) GetJob(id string) *Job {
	return o.jobs.Get(id)
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}
