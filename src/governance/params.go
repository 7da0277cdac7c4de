package governance

// Protocol parameters. These are compiled in on purpose: a node that could
// override them through configuration would silently fork itself off the
// ledger, so the only way to change them is to ship a new binary. They are
// declared as untyped constants and never read from any config source.
const (
	// ProtocolVersion is the unit body version accepted by validation.
	ProtocolVersion = "1.0"

	// CountWitnesses is the size of the witness set.
	CountWitnesses = 12

	// MajorityOfWitnesses is the quorum for both stabilization and vote
	// tallying. With 12 witnesses this is 7.
	MajorityOfWitnesses = CountWitnesses/2 + 1

	// MaxParentsPerUnit bounds the number of parents a unit may declare.
	MaxParentsPerUnit = 16

	// MaxGraphDepth bounds every recursive descent over the DAG. A descent
	// reaching this depth fails hard instead of walking an unbounded (or
	// maliciously deep) ancestry. The check is always >=, never a truthiness
	// test, so a limit of 0 is not silently treated as disabled.
	MaxGraphDepth = 1000000

	// OpListSubject is the reserved governance subject whose committed value
	// rotates the witness set.
	OpListSubject = "op_list"
)
