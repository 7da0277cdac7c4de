/*
Package node assembles the library facade. A Core wires the consensus engine,
the governance tally and the write coordinator around one store, and exposes
the operations consumers call: submitting units, querying stability, reading
the main chain and reading system variables.

All writes flow through the coordinator's single write lock; reads go
straight to the store and never block behind writers.
*/
package node
