package coordinator

import "sync"

// Loop is the owner goroutine's work queue. Any goroutine may Post; only the
// owner runs the posted functions, in posting order.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

// NewLoop returns an empty loop.
func NewLoop() *Loop {
	return &Loop{notify: make(chan struct{}, 1)}
}

// Post schedules fn to run on the owner goroutine. It never blocks.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Notify is signalled after every Post.
func (l *Loop) Notify() <-chan struct{} { return l.notify }

// RunPending runs everything posted so far and returns how many functions
// ran. Functions posted while it runs wait for the next call.
//
// Owner goroutine only.
func (l *Loop) RunPending() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Len returns the number of functions waiting to run.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
