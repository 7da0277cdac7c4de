// Package keys implements the public key cryptography used throughout the
// mainstay ledger engine.
//
// Every unit author, witnesses included, owns an ECDSA key-pair on the
// secp256k1 curve. The private key signs unit content hashes; the public key
// derives the author's address and lets other nodes verify signatures. We use
// secp256k1 because it is also used by Bitcoin and Ethereum, which means
// existing wallet keys can author units.
package keys
