package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool shut down")

// ErrPoolFull is returned by TrySubmit when the queue has no room.
var ErrPoolFull = errors.New("worker pool queue full")

// SafeGo runs fn in a goroutine bounded by timeout. Panics and errors are
// logged, never propagated.
func SafeGo(parent context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		log := logger.WithField("task", taskName)
		defer func() {
			if r := recover(); r != nil {
				log.WithField("stack", string(debug.Stack())).Errorf("Panic in background task: %v", r)
			}
		}()

		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("Background task failed")
		}
	}()
}

// WorkerPool processes submitted tasks on a fixed set of workers.
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	logger   logrus.FieldLogger
	onError  func(error)

	mu     sync.RWMutex
	closed bool
	workCh chan func(context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithErrorHandler is called for every task error or panic.
func WithErrorHandler(fn func(error)) PoolOption {
	return func(p *WorkerPool) { p.onError = fn }
}

// WithQueueSize sets the number of tasks buffered ahead of the workers.
func WithQueueSize(n int) PoolOption {
	return func(p *WorkerPool) {
		if n >= 0 {
			p.workCh = make(chan func(context.Context) error, n)
		}
	}
}

// NewWorkerPool starts workers that run until Shutdown or ctx ends.
func NewWorkerPool(ctx context.Context, logger logrus.FieldLogger, workers int, taskName string, timeout time.Duration, opts ...PoolOption) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		logger:   logger.WithField("pool", taskName),
		workCh:   make(chan func(context.Context) error, workers*2),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(id)
		}(i)
	}
	return p
}

// Submit queues fn, blocking while the queue is full.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues fn without blocking.
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// Shutdown stops accepting tasks and waits up to timeout for queued tasks
// to drain. Remaining tasks are canceled after the timeout.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
		p.cancel()
	})
	return err
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(id, fn)
		}
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"worker": id,
				"stack":  string(debug.Stack()),
			}).Errorf("Panic in worker: %v", r)
			p.report(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.logger.WithField("worker", id).WithError(err).Warn("Task failed")
		p.report(err)
	}
}

func (p *WorkerPool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
