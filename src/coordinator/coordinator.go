package coordinator

import (
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/obelisknetworks/mainstay/src/common"
)

// Tx is a storage transaction as the coordinator sees it.
type Tx interface {
	Commit() error
	Rollback() error
}

// Conn is a storage connection capable of opening transactions.
type Conn interface {
	Begin() (Tx, error)
}

// Options configure a WriteCoordinator.
type Options struct {
	// PoolSize is the number of pooled connections.
	PoolSize int
	// LockTimeout bounds the wait for the write lock.
	LockTimeout time.Duration
	// ConnTimeout bounds the wait for a pooled connection.
	ConnTimeout time.Duration
	// DeadlockCheckInterval is the detector period. Zero disables the
	// detector; the shipped default is non-zero.
	DeadlockCheckInterval time.Duration
}

// WriteCoordinator owns the write lock and the connection pool, and enforces
// the lock-then-connection-then-transaction order on the write path.
type WriteCoordinator struct {
	lock *WriteLock
	pool *ConnPool
	opts Options

	shutdownCh chan struct{}

	logger *logrus.Entry
}

// NewWriteCoordinator opens the pool and starts the deadlock detector when
// an interval is configured.
func NewWriteCoordinator(factory func() (Conn, error), opts Options, logger *logrus.Entry) (*WriteCoordinator, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	pool, err := NewConnPool(factory, opts.PoolSize)
	if err != nil {
		return nil, err
	}

	c := &WriteCoordinator{
		lock:       NewWriteLock(),
		pool:       pool,
		opts:       opts,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}

	if opts.DeadlockCheckInterval > 0 {
		go c.detectorLoop()
	}

	return c, nil
}

// Shutdown stops the detector.
func (c *WriteCoordinator) Shutdown() {
	close(c.shutdownCh)
}

// WithWrite runs fn under the full write discipline: lock, connection,
// transaction. The transaction is committed when fn returns nil and rolled
// back otherwise, and both happen before the connection and the lock are
// released.
func (c *WriteCoordinator) WithWrite(owner string, fn func(Tx) error) error {
	if err := c.AcquireLock(owner); err != nil {
		return err
	}
	defer c.ReleaseLock()

	conn, err := c.GetConn(owner)
	if err != nil {
		return err
	}
	defer c.PutConn(owner, conn)

	tx, err := conn.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.WithField("error", rbErr).Error("Rollback failed")
		}
		return err
	}

	return tx.Commit()
}

// AcquireLock takes the write lock. A caller already holding connections is
// acquiring out of order; the call is still queued, but it is exactly the
// wait the deadlock detector is allowed to fail.
func (c *WriteCoordinator) AcquireLock(owner string) error {
	if held := c.pool.HeldBy(owner); held > 0 {
		c.logger.WithFields(logrus.Fields{
			"owner":      owner,
			"conns_held": held,
		}).Warn("Write lock requested while holding connections")
	}
	return c.lock.Acquire(owner, c.opts.LockTimeout)
}

// ReleaseLock releases the write lock to the next waiter.
func (c *WriteCoordinator) ReleaseLock() {
	c.lock.Release()
}

// GetConn takes a pooled connection.
func (c *WriteCoordinator) GetConn(owner string) (Conn, error) {
	return c.pool.Get(owner, c.opts.ConnTimeout)
}

// PutConn returns a pooled connection.
func (c *WriteCoordinator) PutConn(owner string, conn Conn) {
	c.pool.Put(owner, conn)
}

/*******************************************************************************
Deadlock detection
*******************************************************************************/

func (c *WriteCoordinator) detectorLoop() {
	ticker := time.NewTicker(c.opts.DeadlockCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkDeadlock()
		case <-c.shutdownCh:
			return
		}
	}
}

// checkDeadlock looks for the lock-vs-pool cycle: the lock holder is parked
// on an exhausted pool while a lock waiter sits on at least one connection.
// The misordered lock waiter is the victim; failing its wait makes it
// release the connection the lock holder needs.
func (c *WriteCoordinator) checkDeadlock() {
	holder := c.lock.Holder()
	if holder == "" {
		return
	}
	if !c.pool.IsWaiting(holder) {
		return
	}
	if c.pool.FreeCount() > 0 {
		return
	}

	for _, candidate := range c.lock.Waiters() {
		if c.pool.HeldBy(candidate) == 0 {
			continue
		}

		err := cm.NewErr("WriteCoordinator", cm.Deadlock, candidate)
		if c.lock.Fail(candidate, err) {
			c.logger.WithFields(logrus.Fields{
				"lock_holder": holder,
				"victim":      candidate,
				"conns_held":  c.pool.HeldBy(candidate),
			}).Warn("Deadlock resolved")
			return
		}
	}
}
