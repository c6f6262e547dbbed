package peer

import "sync"

// Job is one unit of work run by a WorkerPool.
type Job interface {
	Execute() error
}

type Result struct {
	Job Job
	Err error
}

// WorkerPool runs submitted jobs on a fixed number of goroutines. Results
// must be drained by the caller; Done closes after the last result.
type WorkerPool struct {
	workers  int
	jobs     chan Job
	results  chan Result
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		jobs:    make(chan Job),
		results: make(chan Result, workers),
		done:    make(chan struct{}),
	}
}

func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			for job := range wp.jobs {
				wp.results <- Result{Job: job, Err: job.Execute()}
			}
		}()
	}
	go func() {
		wp.wg.Wait()
		close(wp.results)
		close(wp.done)
	}()
}

// Submit blocks until a worker takes the job. Not valid after Stop.
func (wp *WorkerPool) Submit(job Job) {
	wp.jobs <- job
}

// Stop signals that no more jobs will be submitted.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() { close(wp.jobs) })
}

func (wp *WorkerPool) Results() <-chan Result {
	return wp.results
}

func (wp *WorkerPool) Done() <-chan struct{} {
	return wp.done
}
