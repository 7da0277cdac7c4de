package unitgraph

// Vote is one row of the votes table: an author's vote on a governance
// subject, recorded when the casting unit stabilizes. The (Subject, MCI,
// Author) triple is the table key; a later vote by the same author on the
// same subject supersedes earlier ones at tally time.
type Vote struct {
	Subject string
	Value   string
	Author  string
	MCI     int
	UnitID  string
}

// SystemVariableValue is one row of the system-variables table: the committed
// winner for a voting subject, active from ActivationMCI onwards.
type SystemVariableValue struct {
	Subject       string
	Value         string
	ActivationMCI int
	VoteCount     int
}
