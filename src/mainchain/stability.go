package mainchain

import (
	"fmt"

	"github.com/sirupsen/logrus"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/governance"
	"github.com/obelisknetworks/mainstay/src/unitgraph"
	"github.com/obelisknetworks/mainstay/src/witness"
)

/*
IsStableInView is the deterministic stability predicate. A main-chain
candidate U is stable in the view of tip T when, on the best-parent chain
from T down to U:

 (a) units strictly after U were authored by a majority of the witness set,
 (b) the minimum witnessed level among the nearest witness units forming
     that majority (walking down from T) exceeds U's level, and
 (c) that minimum also exceeds the highest level reached, inside T's past
     cone, by any competing-branch witness unit whose own witnessed level
     matches U's.

Everything is evaluated from T's past cone and U's content, never from
node-local state, so every node answers the same for the same (U, T) and the
answer cannot change when units outside the cone arrive. As the view
advances, (a) and (b) only become more true, and a branch unit newly pulled
into the cone can only raise the (c) ceiling by carrying a witnessed level
at least U's own, which requires a majority of witnesses to have built on
the branch instead of the chain that already witnessed U.

The witness set judging U is the one effective at U's declared last ball,
so the judgment itself is content-determined.
*/
func (m *MainChain) IsStableInView(unitID, tipID string) (bool, error) {
	unit, err := m.Store.GetUnit(unitID)
	if err != nil {
		return false, err
	}

	ws, err := m.witnessSetFor(unit)
	if err != nil {
		return false, err
	}

	unitLevel, _ := unit.Level()

	// walk the view's best-parent chain down to the candidate
	witnessAuthors := map[string]bool{}
	minWitnessedLevel := -1
	onChain := false

	current := tipID
	for depth := 0; current != ""; depth++ {
		if depth >= governance.MaxGraphDepth {
			return false, cm.NewErr("MainChain", cm.MalformedGraph,
				fmt.Sprintf("best-parent chain from %s exceeded max depth", tipID))
		}

		if current == unitID {
			onChain = true
			break
		}

		chainUnit, err := m.Store.GetUnit(current)
		if err != nil {
			return false, err
		}

		level, _ := chainUnit.Level()
		if level <= unitLevel {
			break
		}

		// only the nearest witness units forming the majority count: once the
		// quorum is collected the walk continues solely to locate the
		// candidate, so the level floor keeps rising as the chain grows
		if len(witnessAuthors) < ws.Majority() {
			authoredByWitness := false
			for _, a := range chainUnit.AuthorAddresses() {
				if ws.Contains(a) {
					witnessAuthors[a] = true
					authoredByWitness = true
				}
			}
			if authoredByWitness {
				wl, _ := chainUnit.WitnessedLevel()
				if minWitnessedLevel < 0 || wl < minWitnessedLevel {
					minWitnessedLevel = wl
				}
			}
		}

		current = chainUnit.BestParent()
	}

	if !onChain {
		return false, nil
	}

	if len(witnessAuthors) < ws.Majority() {
		return false, nil
	}

	if minWitnessedLevel <= unitLevel {
		return false, nil
	}

	maxAlt, err := m.maxCompetingLevel(unit, tipID, ws)
	if err != nil {
		return false, err
	}

	return minWitnessedLevel > maxAlt, nil
}

// maxCompetingLevel computes the (c) ceiling: the highest level reached by a
// competing-branch unit inside the view's past cone. Branches root at the
// candidate's siblings (other children of its best parent). A branch unit
// competes only when it is witness-authored, excludes the candidate from its
// ancestry, and carries a witnessed level at least the candidate's own;
// anything below that cannot outgrow the chain that already witnessed the
// candidate. The floor is the candidate's level, so with no live competition
// the ceiling collapses to the level check.
func (m *MainChain) maxCompetingLevel(unit *unitgraph.Unit, tipID string, ws *witness.Set) (int, error) {
	maxAlt, _ := unit.Level()

	parent := unit.BestParent()
	if parent == "" {
		return maxAlt, nil
	}

	unitID := unit.Hex()
	unitWL, _ := unit.WitnessedLevel()

	visited := map[string]bool{}
	stack := []string{}
	for _, sibling := range m.Store.Children(parent) {
		if sibling != unitID {
			stack = append(stack, sibling)
		}
	}

	for depth := 0; len(stack) > 0; depth++ {
		if depth >= governance.MaxGraphDepth {
			return 0, cm.NewErr("MainChain", cm.MalformedGraph,
				fmt.Sprintf("branch walk below %s exceeded max depth", parent))
		}

		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[id] {
			continue
		}
		visited[id] = true

		// units outside the view's past cone do not exist for this judgment;
		// neither do their descendants, which would be outside it too
		inView, err := m.Includes(tipID, id)
		if err != nil {
			return 0, err
		}
		if !inView {
			continue
		}

		// a unit that includes the candidate supports it, along with its
		// whole subtree
		includes, err := m.Includes(id, unitID)
		if err != nil {
			return 0, err
		}
		if includes {
			continue
		}

		alt, err := m.Store.GetUnit(id)
		if err != nil {
			return 0, err
		}

		if wl, _ := alt.WitnessedLevel(); wl >= unitWL {
			for _, a := range alt.AuthorAddresses() {
				if ws.Contains(a) {
					if level, _ := alt.Level(); level > maxAlt {
						maxAlt = level
					}
					break
				}
			}
		}

		stack = append(stack, m.Store.Children(id)...)
	}

	return maxAlt, nil
}

/*******************************************************************************
Stability-point advancement
*******************************************************************************/

// AdvanceStabilityPoint stabilizes main-chain units, lowest MCI first, for as
// long as the stability predicate holds in the view of the current best tip.
// Each finalized MCI records its governance votes and fires the stability
// callback before the next MCI is considered.
func (m *MainChain) AdvanceStabilityPoint(txn *unitgraph.Txn) error {
	if m.Store.UnitCount() == 0 {
		return nil
	}

	tip, err := m.BestTip()
	if err != nil {
		return err
	}

	for {
		next := m.Store.StabilityPoint() + 1

		candidate, err := m.Store.MainChainUnitAt(next)
		if err != nil {
			if cm.Is(err, cm.KeyNotFound) {
				return nil
			}
			return err
		}

		if candidate == tip {
			return nil
		}

		stable, err := m.IsStableInView(candidate, tip)
		if err != nil {
			return err
		}
		if !stable {
			return nil
		}

		if err := m.stabilize(txn, candidate, next); err != nil {
			return err
		}
	}
}

// stabilize finalizes one MCI: it marks the chain unit stable (the store
// sweeps the included off-chain units along), records the governance votes
// those units carry, and fires the stability callback.
func (m *MainChain) stabilize(txn *unitgraph.Txn, candidate string, mci int) error {
	if err := m.Store.MarkStable(txn, candidate, mci); err != nil {
		return err
	}

	finalized, err := m.Store.StableUnitsAt(mci)
	if err != nil {
		return err
	}

	for _, id := range finalized {
		if err := m.recordVotes(txn, id, mci); err != nil {
			return err
		}
	}

	m.logger.WithFields(logrus.Fields{
		"mci":       mci,
		"unit":      candidate,
		"finalized": len(finalized),
	}).Debug("Stabilized")

	if m.stabilityCallback != nil {
		if err := m.stabilityCallback(txn, candidate, mci); err != nil {
			return err
		}
	}

	return nil
}

// recordVotes turns a finalized unit's vote messages into vote rows stamped
// with the unit's final MCI.
func (m *MainChain) recordVotes(txn *unitgraph.Txn, id string, mci int) error {
	unit, err := m.Store.GetUnit(id)
	if err != nil {
		return err
	}

	for _, msg := range unit.Votes() {
		for _, author := range unit.AuthorAddresses() {
			vote := unitgraph.Vote{
				Subject: msg.Subject,
				Value:   msg.Value,
				Author:  author,
				MCI:     mci,
				UnitID:  id,
			}
			if err := m.Store.AddVote(txn, vote); err != nil {
				return err
			}
		}
	}

	return nil
}
