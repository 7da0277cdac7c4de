// Package witness defines the distinguished validator addresses whose units
// anchor the main chain. Witness lists are governance-controlled: the
// effective set can change when an op_list vote commits, so sets are
// immutable values and the store keeps a history of them per main-chain
// index.
package witness
