/*
Package coordinator serializes ledger writes. Every write takes the single
write lock first, then a connection from a bounded pool, then opens the
storage transaction; commit happens before either resource is released.

The ordering is the whole point: a goroutine that takes a connection first
and then waits for the lock can deadlock against the lock holder waiting for
a connection from an exhausted pool. Both queues are FIFO so writers cannot
starve, waits carry timeouts, and a periodic detector (on by default)
resolves lock-vs-pool cycles by failing the misordered waiter with a
Deadlock error.
*/
package coordinator
