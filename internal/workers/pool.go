// Package workers runs notification tasks on a bounded set of goroutines.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned when every worker is busy and the queue is full
	ErrQueueFull = errors.New("worker queue full")
	// ErrClosed is returned once the pool is shutting down
	ErrClosed = errors.New("worker pool closed")
)

// Task is a unit of work. It receives the context it was submitted with.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	fn   Task
	done chan error
}

// Pool is a fixed-size worker pool with a bounded queue. Submission never
// blocks: a full queue is reported to the caller so the push sender can retry.
type Pool struct {
	queue    chan *job
	size     int
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	active   int32
	logger   *slog.Logger
	shutdown chan struct{}
	once     sync.Once
}

// Stats is a snapshot of pool usage
type Stats struct {
	Workers int `json:"workers"`
	Active  int `json:"active"`
	Queued  int `json:"queued"`
}

// NewPool starts size workers reading from a queue of the given capacity
func NewPool(size, queue int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queue:    make(chan *job, queue),
		size:     size,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues fn and returns a channel that receives its result
func (p *Pool) Submit(ctx context.Context, fn Task) (<-chan error, error) {
	if fn == nil {
		return nil, fmt.Errorf("nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case p.queue <- j:
		return j.done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Do submits fn and waits for its result. Waiting stops when wait is done,
// but the task itself keeps running with the context it was given.
func (p *Pool) Do(wait, taskCtx context.Context, fn Task) error {
	done, err := p.Submit(taskCtx, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-wait.Done():
		return wait.Err()
	}
}

// Stats returns current usage
func (p *Pool) Stats() Stats {
	return Stats{
		Workers: p.size,
		Active:  int(atomic.LoadInt32(&p.active)),
		Queued:  len(p.queue),
	}
}

// Close stops accepting work and waits for queued and running tasks to
// finish or ctx to expire
func (p *Pool) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		go func() {
			p.wg.Wait()
			close(p.shutdown)
		}()
	})

	select {
	case <-p.shutdown:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j *job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	var err error
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", slog.Any("panic", r))
			err = fmt.Errorf("task panicked: %v", r)
		}
		j.done <- err
	}()

	if cerr := j.ctx.Err(); cerr != nil {
		err = cerr
		return
	}
	err = j.fn(j.ctx)
}
