// Package config defines the node-local configuration for a mainstay node.
//
// Regardless of how mainstay is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, mainstay relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//  priv_key // a plain text file containing the raw private key (cf. mainstay keygen).
//  witnesses.json // a JSON file containing the genesis witness list.
//
// Nothing in this package affects consensus; the witness count, quorum and
// graph limits are compiled into the governance package.
package config
