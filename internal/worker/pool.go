// Package worker runs stage jobs on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull = errors.New("worker: job queue full")
	ErrStopped   = errors.New("worker: dispatcher stopped")
)

// Job is a unit of work executed by a Worker.
type Job interface {
	Execute(ctx context.Context) error
	ID() string
}

// Worker pulls jobs from its own channel after registering it with the pool.
type Worker struct {
	id         int
	workerPool chan chan Job
	jobChannel chan Job
	quit       <-chan struct{}
	active     *atomic.Int64
	log        *logrus.Logger
}

func (w *Worker) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case w.workerPool <- w.jobChannel:
			case <-w.quit:
				return
			}

			select {
			case job := <-w.jobChannel:
				w.run(ctx, job)
			case <-w.quit:
				return
			}
		}
	}()
}

// run executes one job. A panic is logged and the worker keeps serving.
func (w *Worker) run(ctx context.Context, job Job) {
	entry := w.log.WithFields(logrus.Fields{"worker": w.id, "job_id": job.ID()})
	w.active.Add(1)
	defer w.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			entry.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Job panicked")
		}
	}()

	entry.Debug("Job started")
	if err := job.Execute(ctx); err != nil {
		entry.WithError(err).Warn("Job failed")
		return
	}
	entry.Debug("Job finished")
}

// Dispatcher manages a pool of workers and dispatches queued jobs to them.
type Dispatcher struct {
	maxWorkers int
	workerPool chan chan Job
	jobQueue   chan Job
	quit       chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
	active     atomic.Int64
	log        *logrus.Logger

	mu      sync.RWMutex
	running bool
	stopped bool
}

func NewDispatcher(maxWorkers, jobQueueSize int, log *logrus.Logger) *Dispatcher {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if jobQueueSize < 0 {
		jobQueueSize = 0
	}
	return &Dispatcher{
		maxWorkers: maxWorkers,
		workerPool: make(chan chan Job, maxWorkers),
		jobQueue:   make(chan Job, jobQueueSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the workers. Jobs execute with ctx.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.stopped {
		return
	}
	d.running = true

	for i := 1; i <= d.maxWorkers; i++ {
		w := &Worker{
			id:         i,
			workerPool: d.workerPool,
			jobChannel: make(chan Job),
			quit:       d.quit,
			active:     &d.active,
			log:        d.log,
		}
		w.start(ctx, &d.wg)
	}
	go d.dispatch()
	d.log.WithField("workers", d.maxWorkers).Info("Dispatcher running")
}

// dispatch hands each queued job to the next idle worker until the queue is closed.
func (d *Dispatcher) dispatch() {
	defer close(d.done)
	for job := range d.jobQueue {
		jobChannel := <-d.workerPool
		jobChannel <- job
	}
}

// SubmitJob enqueues job without blocking.
func (d *Dispatcher) SubmitJob(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.jobQueue <- job:
		d.log.WithField("job_id", job.ID()).Debug("Job queued")
		return nil
	default:
		d.log.WithField("job_id", job.ID()).Warn("Job queue full")
		return ErrQueueFull
	}
}

// QueueDepth is the number of jobs waiting for a worker.
func (d *Dispatcher) QueueDepth() int { return len(d.jobQueue) }

// Active is the number of jobs currently executing.
func (d *Dispatcher) Active() int { return int(d.active.Load()) }

// Stop rejects new jobs, runs everything already queued and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.jobQueue)
	running := d.running
	d.mu.Unlock()

	if !running {
		return
	}
	<-d.done
	close(d.quit)
	d.wg.Wait()
	d.log.Info("Dispatcher stopped")
}
