/*
Package mainchain turns the raw unit DAG into a totally-ordered ledger. It
selects a best-parent chain through the DAG (the main chain), assigns a
main-chain index to every unit, and advances a stability point behind which
the order is final.

The MainChain engine owns no locks and performs no IO of its own: all state
lives in a unitgraph.Store, every mutation is tagged with the store's open
transaction, and the caller (the write coordinator) serializes access.
*/
package mainchain
