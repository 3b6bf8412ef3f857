// Package images provides background image processing: film-emulation
// filtering through a bounded worker pool, and thumbnail generation.
package images

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/logging"
)

// Filter applies a film-emulation preset to encoded image bytes. The
// transform itself is an external collaborator; the pool only depends on
// this contract.
type Filter func(data []byte, preset string) ([]byte, error)

// Identity is a pass-through Filter for setups without a renderer.
func Identity(data []byte, preset string) ([]byte, error) {
	return data, nil
}

// job is one filter application waiting for a worker.
type job struct {
	data    []byte
	preset  string
	result  chan jobResult
	created time.Time
}

type jobResult struct {
	data []byte
	err  error
}

// Stats holds processing counters.
type Stats struct {
	Processed int
	Succeeded int
	Failed    int
	Pending   int
}

// Pool runs filter jobs on a fixed set of background workers fed by a
// bounded queue. Submission blocks the caller only while the queue is
// full.
type Pool struct {
	filter  Filter
	jobs    chan *job
	workers int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stats   Stats
}

// NewPool creates a Pool with the given queue depth and worker count.
func NewPool(queueSize, workers int, filter Filter) *Pool {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	if filter == nil {
		filter = Identity
	}
	return &Pool{
		filter:  filter,
		jobs:    make(chan *job, queueSize),
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop drains no further jobs and waits for in-flight work.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case j := <-p.jobs:
			start := time.Now()
			data, err := p.filter(j.data, j.preset)

			p.mu.Lock()
			p.stats.Processed++
			if err != nil {
				p.stats.Failed++
			} else {
				p.stats.Succeeded++
			}
			p.mu.Unlock()

			if err != nil {
				logging.Warn("filter application failed", map[string]interface{}{
					"preset": j.preset, "elapsed_ms": time.Since(start).Milliseconds(),
				})
			}
			j.result <- jobResult{data: data, err: err}
		}
	}
}

// Apply submits a filter job and waits for its result. Honors context
// cancellation both while queued and while a worker runs it.
func (p *Pool) Apply(ctx context.Context, data []byte, preset string) ([]byte, error) {
	j := &job{
		data:    data,
		preset:  preset,
		result:  make(chan jobResult, 1),
		created: time.Now(),
	}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.ErrInternal, "filter queue full", ctx.Err())
	case <-p.stopCh:
		return nil, apperrors.New(apperrors.ErrInternal, "filter pool stopped")
	}

	select {
	case res := <-j.result:
		return res.data, res.err
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.ErrInternal, "filter cancelled", ctx.Err())
	}
}

// Stats returns a snapshot of the processing counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Pending = len(p.jobs)
	return s
}
