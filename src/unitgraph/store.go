package unitgraph

import (
	"github.com/obelisknetworks/mainstay/src/witness"
)

// Position is a unit's node-assigned place in the ledger order. MCI and
// LatestIncludedMCI are tentative until Stable is true, after which they are
// final.
type Position struct {
	MCI               *int
	OnMainChain       bool
	Stable            bool
	LatestIncludedMCI *int
}

// Assignment is a complete tentative main-chain assignment for the unstable
// part of the DAG. The walker computes a fresh Assignment on every rebuild
// and the store swaps it in as one visible transition, so a reader can never
// observe a half-reassigned main chain.
type Assignment struct {
	MCIs        map[string]int  //unit id => tentative mci
	OnMainChain map[string]bool //unit id => on tentative main chain
	LIMCIs      map[string]int  //unit id => latest included mci
	ChainByMCI  map[int]string  //tentative mci => on-chain unit id
}

// NewAssignment creates an empty Assignment.
func NewAssignment() *Assignment {
	return &Assignment{
		MCIs:        map[string]int{},
		OnMainChain: map[string]bool{},
		LIMCIs:      map[string]int{},
		ChainByMCI:  map[int]string{},
	}
}

// Txn is the token identifying the currently-open storage transaction. Every
// store mutation demands it; the store rejects mutations carrying a stale or
// foreign token with NotInTransaction. Txn satisfies the WriteCoordinator's
// transaction interface through Commit and Rollback.
type Txn struct {
	id    uint64
	store Store
}

// ID returns the transaction's sequence number.
func (t *Txn) ID() uint64 {
	return t.id
}

// Commit commits the transaction on its store.
func (t *Txn) Commit() error {
	return t.store.Commit(t)
}

// Rollback rolls the transaction back on its store.
func (t *Txn) Rollback() error {
	return t.store.Rollback(t)
}

// Store is the interface for unit-graph backends.
type Store interface {
	// CacheSize retrieves the setting that bounds in-memory caches and the
	// unstable working-set window.
	CacheSize() int

	// Begin opens the single storage transaction. A second Begin before
	// Commit/Rollback is an error.
	Begin() (*Txn, error)
	// Commit durably applies the transaction's mutations.
	Commit(*Txn) error
	// Rollback discards the transaction's mutations.
	Rollback(*Txn) error

	// PutUnit inserts a unit. Duplicate ids are KeyAlreadyExists; missing
	// parents are MissingReference. The store assigns the topological index.
	PutUnit(*Txn, *Unit) error
	// GetUnit returns a unit by id, or KeyNotFound.
	GetUnit(id string) (*Unit, error)
	// HasUnit reports unit existence without error plumbing.
	HasUnit(id string) bool
	// Children returns the sorted ids of units referencing id as a parent.
	Children(id string) []string
	// Tips returns the sorted ids of units without children.
	Tips() []string
	// UnitCount returns the number of stored units.
	UnitCount() int
	// GenesisID returns the id of the parentless unit, or KeyNotFound.
	GenesisID() (string, error)

	// GetPosition returns a unit's current position snapshot.
	GetPosition(id string) (Position, error)
	// UnstableUnits pages through the bounded window of not-yet-stable unit
	// ids with topological index > skipIndex. TooLate means the caller fell
	// behind the window.
	UnstableUnits(skipIndex int) ([]string, error)
	// LastTopologicalIndex returns the newest insertion index, -1 when empty.
	LastTopologicalIndex() int

	// ReplaceTentative atomically swaps the tentative main-chain assignment
	// of all unstable units.
	ReplaceTentative(*Txn, *Assignment) error
	// MarkStable finalizes the main-chain unit at mci == StabilityPoint()+1,
	// along with the off-chain units assigned the same mci. Re-marking with
	// the same mci is a no-op; with a different mci it is a
	// ConsistencyError.
	MarkStable(txn *Txn, id string, mci int) error
	// StableUnitsAt returns the units finalized at mci: the main-chain unit
	// first, then the included off-chain units.
	StableUnitsAt(mci int) ([]string, error)
	// MainChainUnitAt returns the (stable or tentative) main-chain unit at
	// the given mci, or KeyNotFound.
	MainChainUnitAt(mci int) (string, error)
	// StabilityPoint returns the highest stable MCI, -1 before genesis
	// stabilizes.
	StabilityPoint() int
	// LastMainChainIndex returns the highest assigned MCI, stable or
	// tentative, -1 when no chain exists.
	LastMainChainIndex() int

	// AddVote records a vote row; the (subject, mci, author) key is
	// overwritten on duplicates.
	AddVote(*Txn, Vote) error
	// VotesUpTo returns all vote rows for a subject with MCI <= mci.
	VotesUpTo(subject string, mci int) []Vote
	// VoteSubjectsUpTo returns the sorted subjects having votes with
	// MCI <= mci.
	VoteSubjectsUpTo(mci int) []string
	// GetSystemVariable returns the committed winner for a subject.
	GetSystemVariable(subject string) (SystemVariableValue, bool)
	// SetSystemVariable commits a winner.
	SetSystemVariable(*Txn, SystemVariableValue) error
	// SystemVariables returns all committed winners, sorted by subject.
	SystemVariables() []SystemVariableValue
	// TallyWatermark returns the highest fully-counted MCI, -1 initially.
	TallyWatermark() int
	// SetTallyWatermark advances the tally watermark.
	SetTallyWatermark(*Txn, int) error

	// RegisterScratch claims a scratch resource id. The registry is
	// deliberately outside the transaction: like a temp table on a pooled
	// connection, residue survives rollback and must be handled by the
	// tally's scratch guard.
	RegisterScratch(id string) error
	// ReleaseScratch releases a scratch resource id.
	ReleaseScratch(id string)
	// ScratchIDs returns the sorted currently-registered scratch ids.
	ScratchIDs() []string

	// GetWitnessSet returns the witness set effective at the given mci.
	GetWitnessSet(mci int) (*witness.Set, error)
	// SetWitnessSet records a witness set taking effect at the given mci.
	SetWitnessSet(txn *Txn, mci int, ws *witness.Set) error

	// Close closes the underlying database.
	Close() error
	// StorePath returns the filepath of the underlying database, "" for
	// in-memory stores.
	StorePath() string
}
