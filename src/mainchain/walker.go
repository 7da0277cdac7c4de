package mainchain

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/governance"
	"github.com/obelisknetworks/mainstay/src/unitgraph"
)

// UpdateMainChain rebuilds the tentative part of the main chain from the
// current best tip and swaps the resulting assignment into the store as one
// atomic transition. Stable positions are never touched: the walk stops at
// the stability point, and only indexes above it are reassigned.
func (m *MainChain) UpdateMainChain(txn *unitgraph.Txn) error {
	if m.Store.UnitCount() == 0 {
		return nil
	}

	tip, err := m.BestTip()
	if err != nil {
		return err
	}

	chain, err := m.tentativeChain(tip)
	if err != nil {
		return err
	}

	assignment := unitgraph.NewAssignment()

	sp := m.Store.StabilityPoint()
	for i, id := range chain {
		mci := sp + 1 + i
		assignment.MCIs[id] = mci
		assignment.OnMainChain[id] = true
		assignment.ChainByMCI[mci] = id
	}

	// collected from the tips rather than read from the store's bounded
	// unstable window, which pages API consumers and can roll
	unstable, err := m.collectUnstable()
	if err != nil {
		return err
	}

	if err := m.assignOffChain(assignment, chain, unstable); err != nil {
		return err
	}

	if err := m.assignLatestIncluded(assignment, unstable); err != nil {
		return err
	}

	if err := m.Store.ReplaceTentative(txn, assignment); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"tip":          tip,
		"chain_length": len(chain),
		"last_mci":     sp + len(chain),
	}).Debug("UpdateMainChain")

	return nil
}

// collectUnstable walks down from every tip and returns all unstable unit
// ids in topological (parents-first) order.
func (m *MainChain) collectUnstable(tips ...string) ([]string, error) {
	if len(tips) == 0 {
		tips = m.Store.Tips()
	}

	visited := map[string]bool{}
	units := []*unitgraph.Unit{}

	stack := append([]string{}, tips...)
	for depth := 0; len(stack) > 0; depth++ {
		if depth >= governance.MaxGraphDepth {
			return nil, cm.NewErr("MainChain", cm.MalformedGraph,
				"unstable walk exceeded max depth")
		}

		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[id] {
			continue
		}
		visited[id] = true

		pos, err := m.Store.GetPosition(id)
		if err != nil {
			return nil, err
		}
		if pos.Stable {
			continue
		}

		unit, err := m.Store.GetUnit(id)
		if err != nil {
			return nil, err
		}

		units = append(units, unit)
		stack = append(stack, unit.Parents()...)
	}

	sort.Slice(units, func(i, j int) bool {
		return units[i].TopologicalIndex() < units[j].TopologicalIndex()
	})

	res := make([]string, 0, len(units))
	for _, u := range units {
		res = append(res, u.Hex())
	}
	return res, nil
}

// tentativeChain walks best parents from the tip down to the stability
// point and returns the unstable chain unit ids in ascending MCI order.
func (m *MainChain) tentativeChain(tip string) ([]string, error) {
	sp := m.Store.StabilityPoint()

	stableHead := ""
	if sp >= 0 {
		var err error
		stableHead, err = m.Store.MainChainUnitAt(sp)
		if err != nil {
			return nil, err
		}
	}

	descending := []string{}
	current := tip

	for depth := 0; ; depth++ {
		if depth >= governance.MaxGraphDepth {
			return nil, cm.NewErr("MainChain", cm.MalformedGraph,
				fmt.Sprintf("best-parent chain from %s exceeded max depth", tip))
		}

		if current == stableHead {
			break
		}

		pos, err := m.Store.GetPosition(current)
		if err != nil {
			return nil, err
		}
		if pos.Stable {
			// the chain reattached below the stability point, which would
			// retroactively change finalized indexes
			return nil, cm.NewErr("MainChain", cm.ConsistencyError,
				fmt.Sprintf("best-parent chain from %s reaches stable unit %s below the stability point", tip, current))
		}

		descending = append(descending, current)

		unit, err := m.Store.GetUnit(current)
		if err != nil {
			return nil, err
		}

		bp := unit.BestParent()
		if bp == "" {
			if stableHead != "" {
				return nil, cm.NewErr("MainChain", cm.ConsistencyError,
					fmt.Sprintf("best-parent chain from %s reaches genesis without passing the stability point", tip))
			}
			break
		}
		current = bp
	}

	// ascending MCI order
	for i, j := 0, len(descending)-1; i < j; i, j = i+1, j-1 {
		descending[i], descending[j] = descending[j], descending[i]
	}

	return descending, nil
}

// assignOffChain gives every off-chain unstable unit the MCI of the earliest
// main-chain unit that includes it. Units not yet included by any chain unit
// keep no MCI; they are tips (or ancestors of tips) the chain has not caught
// up with.
func (m *MainChain) assignOffChain(assignment *unitgraph.Assignment, chain []string, unstable []string) error {
	unstableSet := make(map[string]bool, len(unstable))
	for _, id := range unstable {
		unstableSet[id] = true
	}

	reached := make(map[string]bool, len(chain))
	for _, id := range chain {
		reached[id] = true
	}

	for _, chainID := range chain {
		mci := assignment.MCIs[chainID]

		stack := []string{chainID}
		for depth := 0; len(stack) > 0; depth++ {
			if depth >= governance.MaxGraphDepth {
				return cm.NewErr("MainChain", cm.MalformedGraph,
					fmt.Sprintf("inclusion walk from %s exceeded max depth", chainID))
			}

			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			unit, err := m.Store.GetUnit(id)
			if err != nil {
				return err
			}

			for _, p := range unit.Parents() {
				if reached[p] || !unstableSet[p] {
					continue
				}
				reached[p] = true
				assignment.MCIs[p] = mci
				stack = append(stack, p)
			}
		}
	}

	return nil
}

// assignLatestIncluded computes each unstable unit's latest included MCI:
// the highest MCI of any main-chain unit in its ancestry. It follows the
// parent recurrence, so units must be processed parents-first, which the
// topological order of unstable guarantees.
func (m *MainChain) assignLatestIncluded(assignment *unitgraph.Assignment, unstable []string) error {
	for _, id := range unstable {
		unit, err := m.Store.GetUnit(id)
		if err != nil {
			return err
		}

		limci := -1
		for _, p := range unit.Parents() {
			contribution, err := m.parentContribution(assignment, p)
			if err != nil {
				return err
			}
			if contribution > limci {
				limci = contribution
			}
		}

		if limci >= 0 {
			assignment.LIMCIs[id] = limci
		}
	}

	return nil
}

// parentContribution returns the MCI a parent contributes to its child's
// latest included MCI: its own MCI if it sits on the main chain, otherwise
// its latest included MCI.
func (m *MainChain) parentContribution(assignment *unitgraph.Assignment, p string) (int, error) {
	if assignment.OnMainChain[p] {
		return assignment.MCIs[p], nil
	}
	if limci, ok := assignment.LIMCIs[p]; ok {
		return limci, nil
	}

	pos, err := m.Store.GetPosition(p)
	if err != nil {
		return -1, err
	}
	if pos.Stable {
		if pos.OnMainChain && pos.MCI != nil {
			return *pos.MCI, nil
		}
		if pos.LatestIncludedMCI != nil {
			return *pos.LatestIncludedMCI, nil
		}
	}

	return -1, nil
}
