package coordinator

import (
	"sync"
	"time"

	cm "github.com/obelisknetworks/mainstay/src/common"
)

// connGrant is what a parked Get receives: a connection or a failure.
type connGrant struct {
	conn Conn
	err  error
}

type connWaiter struct {
	owner string
	ch    chan connGrant
}

// ConnPool is a bounded, fair pool of storage connections. All connections
// are opened up front; Get waits in FIFO order when the pool is exhausted.
type ConnPool struct {
	mu    sync.Mutex
	free  []Conn
	queue []*connWaiter
	held  map[string]int
}

// NewConnPool opens size connections with the factory.
func NewConnPool(factory func() (Conn, error), size int) (*ConnPool, error) {
	if size < 1 {
		size = 1
	}

	pool := &ConnPool{
		held: map[string]int{},
	}
	for i := 0; i < size; i++ {
		conn, err := factory()
		if err != nil {
			return nil, err
		}
		pool.free = append(pool.free, conn)
	}

	return pool, nil
}

// Get takes a connection on behalf of owner, waiting at most timeout behind
// earlier arrivals. It returns Timeout when the wait expires.
func (p *ConnPool) Get(owner string, timeout time.Duration) (Conn, error) {
	p.mu.Lock()
	if len(p.free) > 0 && len(p.queue) == 0 {
		conn := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.held[owner]++
		p.mu.Unlock()
		return conn, nil
	}

	w := &connWaiter{owner: owner, ch: make(chan connGrant, 1)}
	p.queue = append(p.queue, w)
	p.mu.Unlock()

	select {
	case grant := <-w.ch:
		return grant.conn, grant.err
	case <-time.After(timeout):
		return nil, p.abandon(w, owner)
	}
}

func (p *ConnPool) abandon(w *connWaiter, owner string) error {
	p.mu.Lock()
	for i, q := range p.queue {
		if q == w {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.mu.Unlock()
			return cm.NewErr("ConnPool", cm.Timeout, owner)
		}
	}
	p.mu.Unlock()

	// granted while giving up: hand the connection straight back
	grant := <-w.ch
	if grant.err == nil {
		p.Put(owner, grant.conn)
	}
	return cm.NewErr("ConnPool", cm.Timeout, owner)
}

// Put returns a connection. The next waiter in line, if any, receives it
// directly.
func (p *ConnPool) Put(owner string, conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.held[owner] > 0 {
		p.held[owner]--
		if p.held[owner] == 0 {
			delete(p.held, owner)
		}
	}

	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.held[next.owner]++
		next.ch <- connGrant{conn: conn}
		return
	}

	p.free = append(p.free, conn)
}

// FreeCount returns the number of idle connections.
func (p *ConnPool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// HeldBy returns how many connections owner currently holds.
func (p *ConnPool) HeldBy(owner string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held[owner]
}

// IsWaiting reports whether owner is queued for a connection.
func (p *ConnPool) IsWaiting(owner string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, q := range p.queue {
		if q.owner == owner {
			return true
		}
	}
	return false
}

// Drain closes over the idle connections for shutdown cleanup.
func (p *ConnPool) Drain() []Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.free
	p.free = nil
	return conns
}
