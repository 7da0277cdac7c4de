package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cm "github.com/obelisknetworks/mainstay/src/common"
)

type fakeConn struct {
	mu        sync.Mutex
	commits   int
	rollbacks int
}

type fakeTx struct {
	conn *fakeConn
}

func (c *fakeConn) Begin() (Tx, error) {
	return &fakeTx{conn: c}, nil
}

func (t *fakeTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.rollbacks++
	return nil
}

func fakeFactory() (Conn, error) {
	return &fakeConn{}, nil
}

func testOptions(poolSize int) Options {
	return Options{
		PoolSize:              poolSize,
		LockTimeout:           time.Second,
		ConnTimeout:           time.Second,
		DeadlockCheckInterval: 10 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, poolSize int) *WriteCoordinator {
	c, err := NewWriteCoordinator(fakeFactory, testOptions(poolSize), cm.NewTestEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func TestWithWriteCommits(t *testing.T) {
	c := newTestCoordinator(t, 1)

	var got Tx
	if err := c.WithWrite("writer", func(tx Tx) error {
		got = tx
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	conn := got.(*fakeTx).conn
	if conn.commits != 1 || conn.rollbacks != 0 {
		t.Fatalf("expected 1 commit, got %d commits %d rollbacks", conn.commits, conn.rollbacks)
	}
}

func TestWithWriteRollsBackOnError(t *testing.T) {
	c := newTestCoordinator(t, 1)

	boom := errors.New("boom")
	var got Tx
	if err := c.WithWrite("writer", func(tx Tx) error {
		got = tx
		return boom
	}); err != boom {
		t.Fatalf("expected the callback error, got %v", err)
	}

	conn := got.(*fakeTx).conn
	if conn.commits != 0 || conn.rollbacks != 1 {
		t.Fatalf("expected 1 rollback, got %d commits %d rollbacks", conn.commits, conn.rollbacks)
	}

	if c.lock.Holder() != "" {
		t.Fatal("lock should be released after a failed write")
	}
	if c.pool.FreeCount() != 1 {
		t.Fatal("connection should be back in the pool")
	}
}

func TestLockFIFO(t *testing.T) {
	lock := NewWriteLock()

	if err := lock.Acquire("holder", time.Second); err != nil {
		t.Fatal(err)
	}

	order := make(chan string, 5)
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		owner := fmt.Sprintf("writer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lock.Acquire(owner, 5*time.Second); err != nil {
				t.Error(err)
				return
			}
			order <- owner
			lock.Release()
		}()

		// wait until this writer is queued so arrival order is fixed
		for len(lock.Waiters()) != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	lock.Release()
	wg.Wait()
	close(order)

	i := 0
	for owner := range order {
		if owner != fmt.Sprintf("writer-%d", i) {
			t.Fatalf("grant %d went to %s", i, owner)
		}
		i++
	}
	if i != 5 {
		t.Fatalf("expected 5 grants, got %d", i)
	}
}

func TestLockTimeout(t *testing.T) {
	lock := NewWriteLock()

	if err := lock.Acquire("holder", time.Second); err != nil {
		t.Fatal(err)
	}

	if err := lock.Acquire("late", 20*time.Millisecond); !cm.Is(err, cm.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}

	// the abandoned waiter must not receive a grant later
	lock.Release()
	if holder := lock.Holder(); holder != "" {
		t.Fatalf("lock should be unheld, got %s", holder)
	}
}

func TestPoolTimeout(t *testing.T) {
	pool, err := NewConnPool(fakeFactory, 1)
	if err != nil {
		t.Fatal(err)
	}

	conn, err := pool.Get("first", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := pool.Get("second", 20*time.Millisecond); !cm.Is(err, cm.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}

	pool.Put("first", conn)
	if pool.FreeCount() != 1 {
		t.Fatal("connection should be free again")
	}
}

// TestDeadlockDetection reproduces the lock-vs-pool cycle with a pool of
// one: a misordered goroutine grabs the only connection and then asks for
// the write lock, while the lock holder waits for a connection. The detector
// must fail the misordered waiter, which unblocks the holder.
func TestDeadlockDetection(t *testing.T) {
	c := newTestCoordinator(t, 1)

	conn, err := c.GetConn("misordered")
	if err != nil {
		t.Fatal(err)
	}

	if err := c.AcquireLock("holder"); err != nil {
		t.Fatal(err)
	}

	holderDone := make(chan error, 1)
	go func() {
		hConn, err := c.GetConn("holder")
		if err == nil {
			c.PutConn("holder", hConn)
		}
		c.ReleaseLock()
		holderDone <- err
	}()

	err = c.AcquireLock("misordered")
	if !cm.Is(err, cm.Deadlock) {
		t.Fatalf("expected Deadlock, got %v", err)
	}

	// the victim backs off and releases its connection
	c.PutConn("misordered", conn)

	if err := <-holderDone; err != nil {
		t.Fatalf("lock holder should proceed once the victim backs off: %v", err)
	}
}

func TestWithWriteMutualExclusion(t *testing.T) {
	for _, poolSize := range []int{1, 2} {
		t.Run(fmt.Sprintf("pool-%d", poolSize), func(t *testing.T) {
			c := newTestCoordinator(t, poolSize)

			var active, overlaps int32
			var wg sync.WaitGroup

			for i := 0; i < 8; i++ {
				owner := fmt.Sprintf("writer-%d", i)
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := c.WithWrite(owner, func(Tx) error {
						if atomic.AddInt32(&active, 1) > 1 {
							atomic.AddInt32(&overlaps, 1)
						}
						time.Sleep(time.Millisecond)
						atomic.AddInt32(&active, -1)
						return nil
					})
					if err != nil {
						t.Error(err)
					}
				}()
			}

			wg.Wait()
			if overlaps != 0 {
				t.Fatalf("writes overlapped %d times", overlaps)
			}
		})
	}
}
