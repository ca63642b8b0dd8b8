package serial

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Queue runs closures one at a time, in submission order, on a single
// goroutine. State that is only touched from queued closures needs no
// further locking.
type Queue struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	pending sync.WaitGroup
}

// New starts a queue. The name labels log lines from panicking tasks.
func New(name string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Async enqueues fn and returns immediately. It reports false once the
// queue is closed.
func (q *Queue) Async(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending.Add(1)
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync enqueues fn and waits for it to run. Calling Sync from a task on the
// same queue deadlocks.
func (q *Queue) Sync(fn func()) bool {
	ran := make(chan struct{})
	if !q.Async(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	<-ran
	return true
}

// AsyncAfter enqueues fn once d has elapsed. The returned timer may be
// stopped to cancel it.
func (q *Queue) AsyncAfter(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { q.Async(fn) })
}

// Detach runs work on its own goroutine, off the queue, and enqueues the
// completion it returns. Drain waits for detached work too.
func (q *Queue) Detach(work func() (completion func())) {
	q.pending.Add(1)
	go func() {
		defer q.pending.Done()
		if completion := work(); completion != nil {
			q.Async(completion)
		}
	}()
}

// Drain blocks until every queued task and detached call has finished,
// including tasks those enqueue in turn.
func (q *Queue) Drain() {
	q.pending.Wait()
}

// Close stops accepting work, runs what is already queued and returns when
// the worker goroutine exits.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.exec(fn)
	}
}

func (q *Queue) exec(fn func()) {
	defer q.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("serial task panicked", zap.String("queue", q.name), zap.Any("panic", r))
		}
	}()
	fn()
}
