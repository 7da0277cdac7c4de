/*
Package unitgraph implements the durable store of DAG units: the units table
with parent/child edges, stability flags and main-chain index assignments,
the votes table, and the system-variables table.

Units are immutable, content-addressed records. The store assigns the derived
fields (main-chain index, stability, latest included MCI) but never rewrites
unit content. Once a unit is stable, its main-chain index and stability flag
are final; an attempt to record either differently is a consistency error.

All mutations go through a Txn token obtained from Begin. A store accepts
mutations only from the single currently-open Txn; anything else is a
NotInTransaction error. The WriteCoordinator is responsible for serializing
Begin/Commit around the global write lock.

Two implementations are provided: InmemStore, backed by maps and LRU caches,
and BadgerStore, which writes through an InmemStore to a badger database and
can bootstrap from disk.
*/
package unitgraph
