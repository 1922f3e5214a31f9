package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

// Queue feeds a Controller from a single goroutine. Events are handled strictly in the order they
// were pushed; a handler error is logged and reported but never stops the queue.
type Queue struct {
	controller *Controller
	jobs       chan job
	onError    func(error)
	observe    func(models.Envelope)
	logger     *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

type job struct {
	env    *models.Envelope
	submit *string
	fn     func(*Controller)
	done   chan error
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithErrorHandler registers fn to be called, on the queue goroutine, with every handler error.
func WithErrorHandler(fn func(error)) QueueOption {
	return func(q *Queue) {
		q.onError = fn
	}
}

// WithObserver registers fn to be called, on the queue goroutine, with every pushed event once the
// controller has handled it. Events reach fn in push order, interleaved with Do and Submit jobs.
func WithObserver(fn func(models.Envelope)) QueueOption {
	return func(q *Queue) {
		q.observe = fn
	}
}

// WithQueueSize sets the number of events that may wait before Push blocks. The default is 64.
func WithQueueSize(size int) QueueOption {
	return func(q *Queue) {
		q.jobs = make(chan job, size)
	}
}

// NewQueue creates a queue in front of c. Call Run to start consuming.
func NewQueue(c *Controller, opts ...QueueOption) *Queue {
	q := &Queue{
		controller: c,
		jobs:       make(chan job, 64),
		logger:     c.logger.With(slog.String("component", "queue")),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Run consumes events until ctx is done. It must be called at most once.
func (q *Queue) Run(ctx context.Context) {
	defer q.stopOnce.Do(func() { close(q.stopped) })

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			err := q.handle(ctx, j)
			if j.env != nil && q.observe != nil {
				q.observe(*j.env)
			}
			if j.done != nil {
				j.done <- err
			}
			if err != nil {
				q.logger.Error("Failed to handle chat event", slog.String("error", err.Error()))
				if q.onError != nil {
					q.onError(err)
				}
			}
		}
	}
}

func (q *Queue) handle(ctx context.Context, j job) error {
	switch {
	case j.env != nil:
		return q.controller.Dispatch(*j.env)
	case j.submit != nil:
		return q.controller.Submit(ctx, *j.submit)
	case j.fn != nil:
		j.fn(q.controller)
	}
	return nil
}

func (q *Queue) enqueue(ctx context.Context, j job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopped:
		return ErrQueueClosed
	case q.jobs <- j:
		return nil
	}
}

func (q *Queue) wait(ctx context.Context, j job) error {
	j.done = make(chan error, 1)
	if err := q.enqueue(ctx, j); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopped:
		return ErrQueueClosed
	case err := <-j.done:
		return err
	}
}

// Push queues a pushed event. It returns once the event is queued, not handled.
func (q *Queue) Push(ctx context.Context, env models.Envelope) error {
	return q.enqueue(ctx, job{env: &env})
}

// Submit queues the user's input and waits until it has been handled.
func (q *Queue) Submit(ctx context.Context, text string) error {
	return q.wait(ctx, job{submit: &text})
}

// Do runs fn on the queue goroutine, after every event pushed before it, and waits for it to return.
// It is the only safe way to read controller state while the queue is running.
func (q *Queue) Do(ctx context.Context, fn func(*Controller)) error {
	return q.wait(ctx, job{fn: fn})
}
