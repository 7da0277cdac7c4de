package mainchain

import (
	"fmt"

	"github.com/sirupsen/logrus"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/governance"
	"github.com/obelisknetworks/mainstay/src/unitgraph"
	"github.com/obelisknetworks/mainstay/src/witness"
)

// StabilityCallback is called for every unit that reaches the stable ledger,
// in MCI order, inside the storage transaction that stabilized it. Returning
// an error aborts the advancement and rolls the transaction back.
type StabilityCallback func(txn *unitgraph.Txn, unitID string, mci int) error

// Key is the cache key for two-unit predicates.
type Key struct {
	x string
	y string
}

// MainChain is the consensus engine over a unit DAG. It computes the graph
// fields of incoming units, maintains the tentative main-chain assignment,
// and advances the stability point.
type MainChain struct {
	Store unitgraph.Store

	stabilityCallback StabilityCallback

	includeCache *cm.LRU

	logger *logrus.Entry
}

// NewMainChain instantiates a MainChain with an underlying data store and a
// stability callback.
func NewMainChain(store unitgraph.Store, stabilityCallback StabilityCallback, logger *logrus.Entry) *MainChain {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &MainChain{
		Store:             store,
		stabilityCallback: stabilityCallback,
		includeCache:      cm.NewLRU(store.CacheSize(), nil),
		logger:            logger,
	}
}

// Init records the genesis witness set, effective from MCI 0.
func (m *MainChain) Init(txn *unitgraph.Txn, ws *witness.Set) error {
	if ws.Len() != governance.CountWitnesses {
		return cm.NewErr("WitnessSet", cm.MalformedGraph,
			fmt.Sprintf("genesis witness set has %d members, need %d", ws.Len(), governance.CountWitnesses))
	}

	if err := m.Store.SetWitnessSet(txn, 0, ws); err != nil {
		return fmt.Errorf("error setting witness set: %v", err)
	}

	return nil
}

/*******************************************************************************
Predicates
*******************************************************************************/

// Includes reports whether y is an ancestor of x (or x itself).
func (m *MainChain) Includes(x, y string) (bool, error) {
	if c, ok := m.includeCache.Get(Key{x, y}); ok {
		return c.(bool), nil
	}
	a, err := m.includes(x, y)
	if err != nil {
		return false, err
	}
	m.includeCache.Add(Key{x, y}, a)
	return a, nil
}

func (m *MainChain) includes(x, y string) (bool, error) {
	uy, err := m.Store.GetUnit(y)
	if err != nil {
		return false, err
	}
	floor, _ := uy.Level()

	stack := []string{x}
	visited := map[string]bool{}
	for depth := 0; len(stack) > 0; depth++ {
		if depth >= governance.MaxGraphDepth {
			return false, cm.NewErr("MainChain", cm.MalformedGraph,
				fmt.Sprintf("ancestry walk from %s exceeded max depth", x))
		}

		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if id == y {
			return true, nil
		}
		if visited[id] {
			continue
		}
		visited[id] = true

		unit, err := m.Store.GetUnit(id)
		if err != nil {
			return false, err
		}

		// a unit only includes units at strictly lower levels
		if level, ok := unit.Level(); ok && level <= floor {
			continue
		}

		stack = append(stack, unit.Parents()...)
	}

	return false, nil
}

// better reports whether unit a makes a better chain head than unit b:
// higher witnessed level first, then higher level, then lowest id. The id
// tiebreak keeps the choice deterministic across nodes.
func better(a, b *unitgraph.Unit) bool {
	awl, _ := a.WitnessedLevel()
	bwl, _ := b.WitnessedLevel()
	if awl != bwl {
		return awl > bwl
	}

	al, _ := a.Level()
	bl, _ := b.Level()
	if al != bl {
		return al > bl
	}

	return a.Hex() < b.Hex()
}

// BestTip returns the id of the best childless unit, the head of the current
// tentative main chain.
func (m *MainChain) BestTip() (string, error) {
	tips := m.Store.Tips()
	if len(tips) == 0 {
		return "", cm.NewErr("MainChain", cm.KeyNotFound, "tips")
	}

	var best *unitgraph.Unit
	for _, id := range tips {
		unit, err := m.Store.GetUnit(id)
		if err != nil {
			return "", err
		}
		if best == nil || better(unit, best) {
			best = unit
		}
	}

	return best.Hex(), nil
}

/*******************************************************************************
Insertion
*******************************************************************************/

// InsertUnit validates a unit's graph structure, computes its level,
// witnessed level and best parent, and stores it. The caller is responsible
// for signature verification and for rebuilding the main chain afterwards.
func (m *MainChain) InsertUnit(txn *unitgraph.Txn, unit *unitgraph.Unit) error {
	id := unit.Hex()
	if id == "" {
		return cm.NewErr("Unit", cm.MalformedGraph, "unhashable unit")
	}

	if err := m.checkStructure(unit); err != nil {
		return err
	}

	if !unit.IsGenesis() {
		if err := m.setGraphFields(unit); err != nil {
			return err
		}
	} else {
		unit.SetLevel(0)
		unit.SetWitnessedLevel(0)
	}

	if err := m.Store.PutUnit(txn, unit); err != nil {
		return err
	}

	level, _ := unit.Level()
	wl, _ := unit.WitnessedLevel()
	m.logger.WithFields(logrus.Fields{
		"unit":            id,
		"level":           level,
		"witnessed_level": wl,
		"best_parent":     unit.BestParent(),
	}).Debug("InsertUnit")

	return nil
}

// checkStructure enforces the structural rules that do not require any graph
// walk: version, parent count, self-reference and duplicates.
func (m *MainChain) checkStructure(unit *unitgraph.Unit) error {
	id := unit.Hex()

	if unit.Body.Version != governance.ProtocolVersion {
		return cm.NewErr("Unit", cm.MalformedGraph,
			fmt.Sprintf("%s: unsupported version %s", id, unit.Body.Version))
	}

	parents := unit.Parents()
	if len(parents) > governance.MaxParentsPerUnit {
		return cm.NewErr("Unit", cm.MalformedGraph,
			fmt.Sprintf("%s: %d parents", id, len(parents)))
	}

	for i, p := range parents {
		if p == id {
			return cm.NewErr("Unit", cm.MalformedGraph,
				fmt.Sprintf("%s: unit is its own parent", id))
		}
		if i > 0 && parents[i-1] >= p {
			// parents are sorted and duplicate-free, so equal or descending
			// neighbors are both malformed
			return cm.NewErr("Unit", cm.MalformedGraph,
				fmt.Sprintf("%s: parents out of order at %s", id, p))
		}
	}

	if len(unit.AuthorAddresses()) == 0 {
		return cm.NewErr("Unit", cm.MalformedGraph,
			fmt.Sprintf("%s: no authors", id))
	}

	return nil
}

// setGraphFields computes level, best parent and witnessed level for a
// non-genesis unit. All three are deterministic in the ancestors, so every
// node derives the same values.
func (m *MainChain) setGraphFields(unit *unitgraph.Unit) error {
	var bestParent *unitgraph.Unit
	maxLevel := 0

	for _, p := range unit.Parents() {
		parent, err := m.Store.GetUnit(p)
		if err != nil {
			return cm.NewErr("Unit", cm.MissingReference, p)
		}

		level, ok := parent.Level()
		if !ok {
			return cm.NewErr("Unit", cm.ConsistencyError,
				fmt.Sprintf("parent %s has no level", p))
		}
		if level > maxLevel {
			maxLevel = level
		}

		if bestParent == nil || better(parent, bestParent) {
			bestParent = parent
		}
	}

	unit.SetLevel(maxLevel + 1)
	unit.SetBestParent(bestParent.Hex())

	wl, err := m.witnessedLevel(unit)
	if err != nil {
		return err
	}
	unit.SetWitnessedLevel(wl)

	return nil
}

// witnessedLevel walks the unit's best-parent chain, collecting witness
// authors, and returns the level of the unit at which a majority of the
// witness set has been collected. Chains that exhaust at genesis without a
// majority witness at level 0.
func (m *MainChain) witnessedLevel(unit *unitgraph.Unit) (int, error) {
	ws, err := m.witnessSetFor(unit)
	if err != nil {
		return 0, err
	}

	collected := map[string]bool{}
	current := unit

	for depth := 0; ; depth++ {
		if depth >= governance.MaxGraphDepth {
			return 0, cm.NewErr("Unit", cm.MalformedGraph,
				fmt.Sprintf("best-parent chain from %s exceeded max depth", unit.Hex()))
		}

		for _, a := range current.AuthorAddresses() {
			if ws.Contains(a) {
				collected[a] = true
			}
		}

		level, _ := current.Level()
		if len(collected) >= ws.Majority() {
			return level, nil
		}

		bp := current.BestParent()
		if bp == "" {
			return 0, nil
		}

		current, err = m.Store.GetUnit(bp)
		if err != nil {
			return 0, err
		}
	}
}

// witnessSetFor returns the witness set that judges the given unit: the set
// effective at the unit's declared last ball. Units without a last ball are
// judged by the genesis set. The last ball is stable content, so every node
// resolves the same set for the same unit, at insertion and on replay alike.
func (m *MainChain) witnessSetFor(unit *unitgraph.Unit) (*witness.Set, error) {
	lastBall := unit.LastBall()
	if lastBall == "" {
		return m.Store.GetWitnessSet(0)
	}

	pos, err := m.Store.GetPosition(lastBall)
	if err != nil {
		return nil, cm.NewErr("Unit", cm.MissingReference, lastBall)
	}
	if !pos.Stable || pos.MCI == nil {
		return nil, cm.NewErr("Unit", cm.MalformedGraph,
			fmt.Sprintf("%s: last ball %s is not stable", unit.Hex(), lastBall))
	}

	return m.Store.GetWitnessSet(*pos.MCI)
}
