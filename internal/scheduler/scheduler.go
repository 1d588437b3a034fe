// Package scheduler serializes all controller commands through a single
// worker, ordered by priority, and holds a cross-process advisory lock
// around each transport call so this process and the sibling fan daemon
// never talk to the controller at the same time.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"codeberg.org/mutker/bmcfanctl/internal/transport"
)

// defaultSubmitSlack is added to a command's own timeout to bound how long
// a caller waits on the worker before giving up. It covers queueing delay
// plus lock acquisition.
const defaultSubmitSlack = 5 * time.Second

// LockProvider guards the controller channel across processes. Acquire
// blocks until the lock is held and returns the release function; release
// runs on every exit path of the worker's command cycle.
type LockProvider interface {
	Acquire() (release func(), err error)
}

type Scheduler struct {
	transport   transport.Executor
	lock        LockProvider
	submitSlack time.Duration

	mu    sync.Mutex
	queue requestQueue
	seq   uint64

	wake   chan struct{}
	stop   chan struct{}
	closed sync.Once
	done   chan struct{}
}

// Option adjusts scheduler construction.
type Option func(*Scheduler)

// WithSubmitSlack overrides the bounded-wait margin added to each
// command's timeout.
func WithSubmitSlack(slack time.Duration) Option {
	return func(s *Scheduler) {
		s.submitSlack = slack
	}
}

// New builds a scheduler and starts its worker.
func New(executor transport.Executor, lock LockProvider, opts ...Option) *Scheduler {
	s := &Scheduler{
		transport:   executor,
		lock:        lock,
		submitSlack: defaultSubmitSlack,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.worker()

	return s
}

// Submit queues a command and blocks until the worker delivers its result
// or the bounded wait (timeout plus slack) expires. On expiry the command
// is not cancelled: it may still run and complete on the controller, and
// its result is discarded. That orphaned side effect is accepted; there is
// no way to recall a command already on the wire.
func (s *Scheduler) Submit(ctx context.Context, command string, timeout time.Duration, priority Priority) (string, error) {
	errFactory := errors.New()

	req := &request{
		command:  command,
		timeout:  timeout,
		priority: priority,
		done:     make(chan result, 1),
	}

	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return "", errFactory.New(ErrSchedulerClosed)
	default:
	}
	s.seq++
	req.seq = s.seq
	heap.Push(&s.queue, req)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	wait := time.NewTimer(timeout + s.submitSlack)
	defer wait.Stop()

	select {
	case res := <-req.done:
		return res.output, res.err
	case <-wait.C:
		logger.Warn().
			Str("command", command).
			Dur("timeout", timeout).
			Msg("gave up waiting for command; result will be discarded")

		return "", errFactory.WithData(ErrWaitTimeout, command)
	case <-ctx.Done():
		return "", errFactory.Wrap(ErrWaitTimeout, ctx.Err())
	}
}

// Retry wraps Submit with a fixed number of attempts and a fixed backoff
// between them, returning the last error when all attempts fail.
func (s *Scheduler) Retry(ctx context.Context, command string, timeout time.Duration, priority Priority, attempts int, backoff time.Duration) (string, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := s.Submit(ctx, command, timeout, priority)
		if err == nil {
			return output, nil
		}
		lastErr = err

		if attempt < attempts {
			logger.Debug().
				Str("command", command).
				Int("attempt", attempt).
				Err(err).
				Msg("command failed; backing off before retry")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", errors.New().Wrap(ErrWaitTimeout, ctx.Err())
			}
		}
	}

	return "", lastErr
}

// Pending reports how many requests are queued but not yet running.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Len()
}

// Close stops the worker. Queued requests fail with scheduler_closed; the
// command currently on the wire finishes first.
func (s *Scheduler) Close() {
	s.closed.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *Scheduler) worker() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			s.failPending()
			return
		default:
		}

		req := s.next()
		if req == nil {
			select {
			case <-s.wake:
			case <-s.stop:
				s.failPending()
				return
			}
			continue
		}

		s.run(req)
	}
}

func (s *Scheduler) next() *request {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return nil
	}

	return heap.Pop(&s.queue).(*request)
}

// run executes one request under the cross-process lock. The release is
// deferred so the lock is dropped on every exit path, including a panic in
// the transport.
func (s *Scheduler) run(req *request) {
	release, err := s.lock.Acquire()
	if err != nil {
		req.done <- result{err: errors.New().Wrap(ErrLockFailed, err)}
		return
	}
	defer release()

	output, err := s.transport.Execute(context.Background(), req.command, req.timeout)
	req.done <- result{output: output, err: err}
}

func (s *Scheduler) failPending() {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 {
		req := heap.Pop(&s.queue).(*request)
		req.done <- result{err: errFactory.New(ErrSchedulerClosed)}
	}
}
