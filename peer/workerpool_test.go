package peer

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countJob struct {
	n    int
	runs *atomic.Int64
}

func (j *countJob) Execute() error {
	j.runs.Add(1)
	if j.n%5 == 0 {
		return errors.New("multiple of five")
	}
	return nil
}

func TestWorkerPoolRunsEveryJobOnce(t *testing.T) {
	var runs atomic.Int64
	wp := NewWorkerPool(4)
	wp.Start()

	go func() {
		for i := 1; i <= 50; i++ {
			wp.Submit(&countJob{n: i, runs: &runs})
		}
		wp.Stop()
	}()

	var results, failures int
	seen := make(map[int]bool)
	for r := range wp.Results() {
		results++
		job := r.Job.(*countJob)
		assert.False(t, seen[job.n], "job %d reported twice", job.n)
		seen[job.n] = true
		if r.Err != nil {
			failures++
		}
	}
	<-wp.Done()

	assert.Equal(t, 50, results)
	assert.Equal(t, 10, failures)
	assert.Equal(t, int64(50), runs.Load())

	// Stop is idempotent
	wp.Stop()
}
