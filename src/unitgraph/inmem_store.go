package unitgraph

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/witness"
)

// InmemStore implements the Store interface with in-memory maps and caches.
// The unit cache is an LRU limited by cacheSize, so InmemStore is not
// suitable for long-running deployments where peers expect to sync from the
// beginning of the ledger; BadgerStore layers durability on top of it.
//
// Mutations are applied immediately and recorded in an undo log scoped to the
// open Txn; Rollback replays the log in reverse. The tentative main-chain
// assignment is a single value swapped wholesale, so concurrent readers see
// either the old or the new chain, never a mix.
type InmemStore struct {
	cacheSize int

	mu sync.RWMutex

	unitCache   *cm.LRU //unit id => *Unit
	unitCount   int
	genesisID   string
	children    map[string][]string //unit id => sorted child ids
	tips        map[string]bool
	topoCounter int
	unstable    *cm.RollingWindow //topological index => unit id

	assignment     *Assignment
	stableMCIs     map[string]int
	stableLIMCIs   map[string]int
	stableChain    map[int]string
	stabilityPoint int

	votes          map[string]Vote //key: subject|mci|author
	sysVars        map[string]SystemVariableValue
	tallyWatermark int

	scratchMu sync.Mutex
	scratch   map[string]bool

	witnessSets *WitnessSetCache

	txnSeq     uint64
	currentTxn *Txn
	undo       []func()
}

// NewInmemStore creates an InmemStore whose caches are limited by cacheSize.
func NewInmemStore(cacheSize int) *InmemStore {
	return &InmemStore{
		cacheSize:      cacheSize,
		unitCache:      cm.NewLRU(cacheSize, nil),
		children:       make(map[string][]string),
		tips:           make(map[string]bool),
		unstable:       cm.NewRollingWindow("UnstableUnits", cacheSize),
		assignment:     NewAssignment(),
		stableMCIs:     make(map[string]int),
		stableLIMCIs:   make(map[string]int),
		stableChain:    make(map[int]string),
		stabilityPoint: -1,
		votes:          make(map[string]Vote),
		sysVars:        make(map[string]SystemVariableValue),
		tallyWatermark: -1,
		scratch:        make(map[string]bool),
		witnessSets:    NewWitnessSetCache(),
	}
}

// CacheSize implements the Store interface.
func (s *InmemStore) CacheSize() int {
	return s.cacheSize
}

/*******************************************************************************
Transactions
*******************************************************************************/

// Begin implements the Store interface.
func (s *InmemStore) Begin() (*Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentTxn != nil {
		return nil, cm.NewErr("InmemStore", cm.KeyAlreadyExists, "txn")
	}

	s.txnSeq++
	s.currentTxn = &Txn{id: s.txnSeq, store: s}
	s.undo = nil

	return s.currentTxn, nil
}

// Commit implements the Store interface.
func (s *InmemStore) Commit(txn *Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTxnLocked(txn); err != nil {
		return err
	}

	s.undo = nil
	s.currentTxn = nil

	return nil
}

// Rollback implements the Store interface.
func (s *InmemStore) Rollback(txn *Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTxnLocked(txn); err != nil {
		return err
	}

	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}

	s.undo = nil
	s.currentTxn = nil

	return nil
}

func (s *InmemStore) checkTxnLocked(txn *Txn) error {
	if txn == nil || s.currentTxn == nil || txn.id != s.currentTxn.id {
		return cm.NewErr("InmemStore", cm.NotInTransaction, "")
	}
	return nil
}

/*******************************************************************************
Units
*******************************************************************************/

// PutUnit implements the Store interface.
func (s *InmemStore) PutUnit(txn *Txn, unit *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTxnLocked(txn); err != nil {
		return err
	}

	id := unit.Hex()
	if id == "" {
		return cm.NewErr("Unit", cm.MalformedGraph, "unhashable unit")
	}

	if _, ok := s.unitCache.Get(id); ok {
		return cm.NewErr("Unit", cm.KeyAlreadyExists, id)
	}

	if unit.IsGenesis() {
		if s.genesisID != "" {
			return cm.NewErr("Unit", cm.MalformedGraph, id)
		}
	} else {
		for _, p := range unit.Parents() {
			if _, ok := s.unitCache.Get(p); !ok {
				return cm.NewErr("Unit", cm.MissingReference, p)
			}
		}
	}

	prevWindow := s.unstable
	prevGenesis := s.genesisID
	prevTips := copyBoolMap(s.tips)
	prevTopo := s.topoCounter

	unit.SetTopologicalIndex(s.topoCounter)
	window := s.unstable.Clone()
	if err := window.Append(id, s.topoCounter); err != nil {
		return err
	}
	s.unstable = window
	s.topoCounter++

	s.unitCache.Add(id, unit)
	s.unitCount++

	if unit.IsGenesis() {
		s.genesisID = id
	}

	for _, p := range unit.Parents() {
		s.children[p] = insertSorted(s.children[p], id)
		delete(s.tips, p)
	}
	s.tips[id] = true

	s.undo = append(s.undo, func() {
		s.unitCache.Remove(id)
		s.unitCount--
		s.genesisID = prevGenesis
		s.tips = prevTips
		s.topoCounter = prevTopo
		s.unstable = prevWindow
		for _, p := range unit.Parents() {
			s.children[p] = removeSorted(s.children[p], id)
		}
		delete(s.children, id)
	})

	return nil
}

// GetUnit implements the Store interface.
func (s *InmemStore) GetUnit(id string) (*Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.unitCache.Get(id)
	if !ok {
		return nil, cm.NewErr("Unit", cm.KeyNotFound, id)
	}

	return res.(*Unit), nil
}

// HasUnit implements the Store interface.
func (s *InmemStore) HasUnit(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.unitCache.Get(id)
	return ok
}

// Children implements the Store interface.
func (s *InmemStore) Children(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string{}, s.children[id]...)
}

// Tips implements the Store interface.
func (s *InmemStore) Tips() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]string, 0, len(s.tips))
	for id := range s.tips {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

// UnitCount implements the Store interface.
func (s *InmemStore) UnitCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.unitCount
}

// GenesisID implements the Store interface.
func (s *InmemStore) GenesisID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.genesisID == "" {
		return "", cm.NewErr("Unit", cm.KeyNotFound, "genesis")
	}
	return s.genesisID, nil
}

/*******************************************************************************
Positions
*******************************************************************************/

// GetPosition implements the Store interface.
func (s *InmemStore) GetPosition(id string) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.unitCache.Get(id); !ok {
		return Position{}, cm.NewErr("Unit", cm.KeyNotFound, id)
	}

	if mci, ok := s.stableMCIs[id]; ok {
		pos := Position{OnMainChain: s.stableChain[mci] == id, Stable: true}
		pos.MCI = intPtr(mci)
		if limci, ok := s.stableLIMCIs[id]; ok {
			pos.LatestIncludedMCI = intPtr(limci)
		}
		return pos, nil
	}

	pos := Position{}
	if mci, ok := s.assignment.MCIs[id]; ok {
		pos.MCI = intPtr(mci)
	}
	pos.OnMainChain = s.assignment.OnMainChain[id]
	if limci, ok := s.assignment.LIMCIs[id]; ok {
		pos.LatestIncludedMCI = intPtr(limci)
	}
	return pos, nil
}

// UnstableUnits implements the Store interface.
func (s *InmemStore) UnstableUnits(skipIndex int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, err := s.unstable.Page(skipIndex)
	if err != nil {
		return nil, err
	}

	res := []string{}
	for _, id := range page {
		if _, stable := s.stableMCIs[id]; !stable {
			res = append(res, id)
		}
	}
	return res, nil
}

// LastTopologicalIndex implements the Store interface.
func (s *InmemStore) LastTopologicalIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.topoCounter - 1
}

// ReplaceTentative implements the Store interface.
func (s *InmemStore) ReplaceTentative(txn *Txn, a *Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTxnLocked(txn); err != nil {
		return err
	}

	for id := range a.MCIs {
		if _, stable := s.stableMCIs[id]; stable {
			return cm.NewErr("Assignment", cm.ConsistencyError, id)
		}
	}

	prev := s.assignment
	s.assignment = a
	s.undo = append(s.undo, func() { s.assignment = prev })

	return nil
}

// MarkStable implements the Store interface.
func (s *InmemStore) MarkStable(txn *Txn, id string, mci int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTxnLocked(txn); err != nil {
		return err
	}

	if existing, ok := s.stableMCIs[id]; ok {
		if existing == mci {
			return nil //idempotent
		}
		return cm.NewErr("Unit", cm.ConsistencyError,
			fmt.Sprintf("%s: stable at %d, re-marked at %d", id, existing, mci))
	}

	if mci != s.stabilityPoint+1 {
		return cm.NewErr("Unit", cm.ConsistencyError,
			fmt.Sprintf("%s: marking mci %d with stability point %d", id, mci, s.stabilityPoint))
	}

	if onChain, ok := s.assignment.ChainByMCI[mci]; !ok || onChain != id {
		return cm.NewErr("Unit", cm.ConsistencyError,
			fmt.Sprintf("%s: not the tentative main-chain unit at %d", id, mci))
	}

	// the chain unit drags every off-chain unit assigned the same mci with
	// it: they are included by the chain unit, so their position is final too
	sweep := []string{id}
	for other, otherMci := range s.assignment.MCIs {
		if other != id && otherMci == mci {
			sweep = append(sweep, other)
		}
	}

	limcis := map[string]int{}
	for _, u := range sweep {
		if limci, ok := s.assignment.LIMCIs[u]; ok {
			limcis[u] = limci
		}
	}
	prevPoint := s.stabilityPoint

	s.stableChain[mci] = id
	s.stabilityPoint = mci
	for _, u := range sweep {
		s.stableMCIs[u] = mci
		if limci, ok := limcis[u]; ok {
			s.stableLIMCIs[u] = limci
		}
		delete(s.assignment.MCIs, u)
		delete(s.assignment.OnMainChain, u)
		delete(s.assignment.LIMCIs, u)
	}
	delete(s.assignment.ChainByMCI, mci)

	s.undo = append(s.undo, func() {
		delete(s.stableChain, mci)
		s.stabilityPoint = prevPoint
		for _, u := range sweep {
			delete(s.stableMCIs, u)
			delete(s.stableLIMCIs, u)
			s.assignment.MCIs[u] = mci
			if limci, ok := limcis[u]; ok {
				s.assignment.LIMCIs[u] = limci
			}
		}
		s.assignment.OnMainChain[id] = true
		s.assignment.ChainByMCI[mci] = id
	})

	return nil
}

// StableUnitsAt returns the ids of all units finalized at the given mci: the
// main-chain unit first, then the off-chain units it included, sorted.
func (s *InmemStore) StableUnitsAt(mci int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chainID, ok := s.stableChain[mci]
	if !ok {
		return nil, cm.NewErr("MainChain", cm.KeyNotFound, strconv.Itoa(mci))
	}

	others := []string{}
	for id, m := range s.stableMCIs {
		if m == mci && id != chainID {
			others = append(others, id)
		}
	}
	sort.Strings(others)

	return append([]string{chainID}, others...), nil
}

// MainChainUnitAt implements the Store interface.
func (s *InmemStore) MainChainUnitAt(mci int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.stableChain[mci]; ok {
		return id, nil
	}
	if id, ok := s.assignment.ChainByMCI[mci]; ok {
		return id, nil
	}
	return "", cm.NewErr("MainChain", cm.KeyNotFound, strconv.Itoa(mci))
}

// StabilityPoint implements the Store interface.
func (s *InmemStore) StabilityPoint() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.stabilityPoint
}

// LastMainChainIndex implements the Store interface.
func (s *InmemStore) LastMainChainIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := s.stabilityPoint
	for mci := range s.assignment.ChainByMCI {
		if mci > last {
			last = mci
		}
	}
	return last
}

/*******************************************************************************
Votes and system variables
*******************************************************************************/

func voteKey(v Vote) string {
	return fmt.Sprintf("%s|%09d|%s", v.Subject, v.MCI, v.Author)
}

// AddVote implements the Store interface.
func (s *InmemStore) AddVote(txn *Txn, v Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTxnLocked(txn); err != nil {
		return err
	}

	key := voteKey(v)
	prev, existed := s.votes[key]
	s.votes[key] = v

	s.undo = append(s.undo, func() {
		if existed {
			s.votes[key] = prev
		} else {
			delete(s.votes, key)
		}
	})

	return nil
}

// VotesUpTo implements the Store interface.
func (s *InmemStore) VotesUpTo(subject string, mci int) []Vote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := []Vote{}
	for _, v := range s.votes {
		if v.Subject == subject && v.MCI <= mci {
			res = append(res, v)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].MCI != res[j].MCI {
			return res[i].MCI < res[j].MCI
		}
		if res[i].Author != res[j].Author {
			return res[i].Author < res[j].Author
		}
		return res[i].UnitID < res[j].UnitID
	})
	return res
}

// VoteSubjectsUpTo implements the Store interface.
func (s *InmemStore) VoteSubjectsUpTo(mci int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	for _, v := range s.votes {
		if v.MCI <= mci {
			seen[v.Subject] = true
		}
	}
	res := make([]string, 0, len(seen))
	for subject := range seen {
		res = append(res, subject)
	}
	sort.Strings(res)
	return res
}

// GetSystemVariable implements the Store interface.
func (s *InmemStore) GetSystemVariable(subject string) (SystemVariableValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.sysVars[subject]
	return v, ok
}

// SetSystemVariable implements the Store interface.
func (s *InmemStore) SetSystemVariable(txn *Txn, v SystemVariableValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTxnLocked(txn); err != nil {
		return err
	}

	prev, existed := s.sysVars[v.Subject]
	s.sysVars[v.Subject] = v

	s.undo = append(s.undo, func() {
		if existed {
			s.sysVars[v.Subject] = prev
		} else {
			delete(s.sysVars, v.Subject)
		}
	})

	return nil
}

// SystemVariables implements the Store interface.
func (s *InmemStore) SystemVariables() []SystemVariableValue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]SystemVariableValue, 0, len(s.sysVars))
	for _, v := range s.sysVars {
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Subject < res[j].Subject })
	return res
}

// TallyWatermark implements the Store interface.
func (s *InmemStore) TallyWatermark() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tallyWatermark
}

// SetTallyWatermark implements the Store interface.
func (s *InmemStore) SetTallyWatermark(txn *Txn, mci int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTxnLocked(txn); err != nil {
		return err
	}

	if mci < s.tallyWatermark {
		return cm.NewErr("Tally", cm.ConsistencyError,
			fmt.Sprintf("watermark moving back from %d to %d", s.tallyWatermark, mci))
	}

	prev := s.tallyWatermark
	s.tallyWatermark = mci
	s.undo = append(s.undo, func() { s.tallyWatermark = prev })

	return nil
}

/*******************************************************************************
Scratch registry
*******************************************************************************/

// RegisterScratch implements the Store interface. The registry is outside
// the transaction on purpose: it models server-local scratch state (like a
// temp table on a pooled connection) whose residue survives a rollback.
func (s *InmemStore) RegisterScratch(id string) error {
	s.scratchMu.Lock()
	defer s.scratchMu.Unlock()

	if s.scratch[id] {
		return cm.NewErr("Scratch", cm.KeyAlreadyExists, id)
	}
	s.scratch[id] = true
	return nil
}

// ReleaseScratch implements the Store interface.
func (s *InmemStore) ReleaseScratch(id string) {
	s.scratchMu.Lock()
	defer s.scratchMu.Unlock()

	delete(s.scratch, id)
}

// ScratchIDs implements the Store interface.
func (s *InmemStore) ScratchIDs() []string {
	s.scratchMu.Lock()
	defer s.scratchMu.Unlock()

	res := make([]string, 0, len(s.scratch))
	for id := range s.scratch {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

/*******************************************************************************
Witness sets
*******************************************************************************/

// GetWitnessSet implements the Store interface.
func (s *InmemStore) GetWitnessSet(mci int) (*witness.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.witnessSets.Get(mci)
}

// SetWitnessSet implements the Store interface.
func (s *InmemStore) SetWitnessSet(txn *Txn, mci int, ws *witness.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTxnLocked(txn); err != nil {
		return err
	}

	if err := s.witnessSets.Set(mci, ws); err != nil {
		return err
	}
	s.undo = append(s.undo, func() { s.witnessSets.Unset(mci) })

	return nil
}

/*******************************************************************************
Lifecycle
*******************************************************************************/

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}

/*******************************************************************************
Helpers
*******************************************************************************/

func intPtr(i int) *int {
	p := new(int)
	*p = i
	return p
}

func copyBoolMap(m map[string]bool) map[string]bool {
	res := make(map[string]bool, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}

func insertSorted(list []string, item string) []string {
	i := sort.SearchStrings(list, item)
	if i < len(list) && list[i] == item {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = item
	return list
}

func removeSorted(list []string, item string) []string {
	i := sort.SearchStrings(list, item)
	if i < len(list) && list[i] == item {
		return append(list[:i], list[i+1:]...)
	}
	return list
}
