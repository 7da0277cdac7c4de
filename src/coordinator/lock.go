package coordinator

import (
	"sync"
	"time"

	cm "github.com/obelisknetworks/mainstay/src/common"
)

// waiter is one parked acquirer. The channel carries nil on grant or an
// error when the wait is failed by the deadlock detector.
type waiter struct {
	owner string
	ch    chan error
}

// WriteLock is the single fair write lock. Waiters are granted strictly in
// arrival order.
type WriteLock struct {
	mu     sync.Mutex
	holder string
	queue  []*waiter
}

// NewWriteLock creates an unheld WriteLock.
func NewWriteLock() *WriteLock {
	return &WriteLock{}
}

// Acquire takes the lock on behalf of owner, waiting at most timeout behind
// earlier arrivals. It returns Timeout when the wait expires and Deadlock
// when the detector fails the wait.
func (l *WriteLock) Acquire(owner string, timeout time.Duration) error {
	l.mu.Lock()
	if l.holder == "" && len(l.queue) == 0 {
		l.holder = owner
		l.mu.Unlock()
		return nil
	}

	w := &waiter{owner: owner, ch: make(chan error, 1)}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-time.After(timeout):
		return l.abandon(w, cm.NewErr("WriteLock", cm.Timeout, owner))
	}
}

// abandon removes a waiter after its select gave up. If the grant raced the
// giving-up, the grant is honored by releasing the lock again.
func (l *WriteLock) abandon(w *waiter, reason error) error {
	l.mu.Lock()
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			l.mu.Unlock()
			return reason
		}
	}
	l.mu.Unlock()

	// no longer queued: the waiter was granted or failed concurrently
	if err := <-w.ch; err != nil {
		return err
	}
	l.Release()
	return reason
}

// Release hands the lock to the next waiter in line, or leaves it unheld.
func (l *WriteLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		l.holder = ""
		return
	}

	next := l.queue[0]
	l.queue = l.queue[1:]
	l.holder = next.owner
	next.ch <- nil
}

// Fail removes the queued waiter labeled owner and delivers err to it.
// It reports whether a waiter was failed.
func (l *WriteLock) Fail(owner string, err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, q := range l.queue {
		if q.owner == owner {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			q.ch <- err
			return true
		}
	}
	return false
}

// Holder returns the owner label currently holding the lock, "" if unheld.
func (l *WriteLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// Waiters returns the owner labels queued for the lock, in arrival order.
func (l *WriteLock) Waiters() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]string, 0, len(l.queue))
	for _, q := range l.queue {
		res = append(res, q.owner)
	}
	return res
}
