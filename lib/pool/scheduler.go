package pool

import (
	"sync"
	"time"
)

// Scheduler runs deferred work for the pool. Post must never run task on the
// caller's stack; the pool relies on this to deliver callbacks without
// re-entering itself.
type Scheduler interface {
	Post(task func())
	// PostDelayed runs task after delay. The returned function cancels it
	// if it has not been posted yet.
	PostDelayed(delay time.Duration, task func()) (cancel func())
}

// EventLoop is a Scheduler that runs tasks in FIFO order on one goroutine.
type EventLoop struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewEventLoop starts an event loop.
func NewEventLoop() *EventLoop {
	l := &EventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues task. Tasks posted after Close are dropped.
func (l *EventLoop) Post(task func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostDelayed queues task after delay.
func (l *EventLoop) PostDelayed(delay time.Duration, task func()) func() {
	t := time.AfterFunc(delay, func() { l.Post(task) })
	return func() { t.Stop() }
}

// Close stops the loop after it has run the tasks already queued.
// It does not wait; use Done for that.
func (l *EventLoop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

func (l *EventLoop) run() {
	defer close(l.done)

	for range l.wake {
		for {
			l.mu.Lock()
			if len(l.tasks) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			task := l.tasks[0]
			l.tasks[0] = nil
			l.tasks = l.tasks[1:]
			l.mu.Unlock()

			task()
		}
	}
}
