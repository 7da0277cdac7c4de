package node

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/coordinator"
	"github.com/obelisknetworks/mainstay/src/governance"
	"github.com/obelisknetworks/mainstay/src/mainchain"
	"github.com/obelisknetworks/mainstay/src/unitgraph"
	"github.com/obelisknetworks/mainstay/src/witness"
)

// Verdict is the answer to a stability query.
type Verdict string

const (
	// VerdictUnknown means the unit is not in the ledger.
	VerdictUnknown Verdict = "unknown"
	// VerdictNotStable means the unit exists but is not stable in the
	// queried view.
	VerdictNotStable Verdict = "not_stable"
	// VerdictStableInView means the queried view pins the unit's position,
	// but the node has not finalized it yet.
	VerdictStableInView Verdict = "stable_in_view"
	// VerdictCommitted means the unit is behind the stability point.
	VerdictCommitted Verdict = "committed"
)

// MainChainEntry is one slot of the stable main chain, carrying the full
// units so it can answer peer catch-up requests directly.
type MainChainEntry struct {
	MCI      int
	Unit     *unitgraph.Unit
	Included []*unitgraph.Unit //off-chain units finalized at this slot
}

// storeConn adapts the unit-graph store to the coordinator's connection
// interface. The store multiplexes one transaction at a time, so every
// pooled connection is a handle on the same store.
type storeConn struct {
	store unitgraph.Store
}

func (c storeConn) Begin() (coordinator.Tx, error) {
	return c.store.Begin()
}

// Core is the library facade: one consensus engine, one tally and one write
// coordinator around a single store.
type Core struct {
	validator *Validator

	store unitgraph.Store
	chain *mainchain.MainChain
	tally *governance.Tally
	coord *coordinator.WriteCoordinator

	logger *logrus.Entry
}

// CoreOptions configure the write coordinator inside a Core.
type CoreOptions struct {
	PoolSize              int
	LockTimeout           time.Duration
	ConnTimeout           time.Duration
	DeadlockCheckInterval time.Duration
}

// NewCore wires a Core around a store. The tally is installed as the
// engine's stability callback, so vote counting always runs inside the
// stabilizing transaction.
func NewCore(validator *Validator, store unitgraph.Store, opts CoreOptions, logger *logrus.Entry) (*Core, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	tally := governance.NewTally(store, logger)
	chain := mainchain.NewMainChain(store, tally.OnStabilized, logger)

	coord, err := coordinator.NewWriteCoordinator(
		func() (coordinator.Conn, error) { return storeConn{store: store}, nil },
		coordinator.Options{
			PoolSize:              opts.PoolSize,
			LockTimeout:           opts.LockTimeout,
			ConnTimeout:           opts.ConnTimeout,
			DeadlockCheckInterval: opts.DeadlockCheckInterval,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return &Core{
		validator: validator,
		store:     store,
		chain:     chain,
		tally:     tally,
		coord:     coord,
		logger:    logger,
	}, nil
}

// Validator returns the node's signing identity.
func (c *Core) Validator() *Validator {
	return c.validator
}

// Shutdown stops the coordinator and closes the store.
func (c *Core) Shutdown() error {
	c.coord.Shutdown()
	return c.store.Close()
}

// Init records the genesis witness set on a fresh store. It is a no-op when
// the store already carries one.
func (c *Core) Init(ws *witness.Set) error {
	if _, err := c.store.GetWitnessSet(0); err == nil {
		return nil
	}

	return c.write("init", func(txn *unitgraph.Txn) error {
		return c.chain.Init(txn, ws)
	})
}

// Bootstrap replays a reloaded durable store through the engine, rebuilding
// all derived state.
func (c *Core) Bootstrap() error {
	badgerStore, ok := c.store.(*unitgraph.BadgerStore)
	if !ok || !badgerStore.NeedBootstrap() {
		return nil
	}

	ws, err := badgerStore.DbGetWitnessSet(0)
	if err != nil {
		return err
	}

	units, err := badgerStore.DbTopologicalUnits()
	if err != nil {
		return err
	}

	// each unit runs the full pipeline, exactly as it did when first
	// submitted: a later unit's last ball must already be stable, and its
	// witness set may come from a rotation committed by an earlier MCI
	err = c.write("bootstrap", func(txn *unitgraph.Txn) error {
		if err := c.chain.Init(txn, ws); err != nil {
			return err
		}
		for _, unit := range units {
			if err := c.chain.InsertUnit(txn, unit); err != nil {
				return err
			}
			if err := c.chain.UpdateMainChain(txn); err != nil {
				return err
			}
			if err := c.chain.AdvanceStabilityPoint(txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	badgerStore.SetBootstrapped()
	c.tally.Reset()

	c.logger.WithField("units", len(units)).Debug("Bootstrapped")

	return nil
}

/*******************************************************************************
Write path
*******************************************************************************/

// write funnels a mutation through the coordinator and keeps the tally cache
// honest when the transaction rolls back.
func (c *Core) write(owner string, fn func(*unitgraph.Txn) error) error {
	err := c.coord.WithWrite(owner, func(tx coordinator.Tx) error {
		return fn(tx.(*unitgraph.Txn))
	})
	if err != nil {
		c.tally.Reset()
	}
	return err
}

// SubmitUnit validates a unit and runs it through the full pipeline: insert,
// main-chain rebuild, stability advancement (which tallies votes). The whole
// pipeline is one storage transaction under the write lock.
func (c *Core) SubmitUnit(unit *unitgraph.Unit) error {
	ok, err := unit.Verify()
	if err != nil {
		return cm.NewErr("Unit", cm.MalformedGraph, err.Error())
	}
	if !ok {
		return cm.NewErr("Unit", cm.MalformedGraph,
			fmt.Sprintf("%s: invalid signature", unit.Hex()))
	}

	return c.write("submit-"+unit.Hex(), func(txn *unitgraph.Txn) error {
		if err := c.checkLastBall(unit); err != nil {
			return err
		}
		if err := c.chain.InsertUnit(txn, unit); err != nil {
			return err
		}
		if err := c.chain.UpdateMainChain(txn); err != nil {
			return err
		}
		return c.chain.AdvanceStabilityPoint(txn)
	})
}

// checkLastBall verifies the unit's stability claim: a declared last ball
// must be a finalized main-chain unit. Claiming stability for a unit this
// node has not finalized is a malformed submission, not a node error.
func (c *Core) checkLastBall(unit *unitgraph.Unit) error {
	lastBall := unit.LastBall()
	if lastBall == "" {
		return nil
	}

	pos, err := c.store.GetPosition(lastBall)
	if err != nil {
		return cm.NewErr("Unit", cm.MissingReference, lastBall)
	}
	if !pos.Stable || !pos.OnMainChain {
		return cm.NewErr("Unit", cm.MalformedGraph,
			fmt.Sprintf("%s: last ball %s is not stable on the main chain", unit.Hex(), lastBall))
	}

	return nil
}

// CreateUnit builds, signs and submits a unit authored by this node's
// validator: parents are the current tips, the last ball is the current
// stability point.
func (c *Core) CreateUnit(messages []unitgraph.Message) (*unitgraph.Unit, error) {
	parents := c.store.Tips()
	if len(parents) > governance.MaxParentsPerUnit {
		parents = parents[:governance.MaxParentsPerUnit]
	}

	lastBall := ""
	if sp := c.store.StabilityPoint(); sp >= 0 {
		var err error
		lastBall, err = c.store.MainChainUnitAt(sp)
		if err != nil {
			return nil, err
		}
	}

	author := unitgraph.Author{
		Address:   c.validator.Address(),
		PubKeyHex: c.validator.PublicKeyHex(),
	}

	unit := unitgraph.NewUnit(parents, lastBall, []unitgraph.Author{author}, time.Now().Unix(), messages)
	if err := unit.Sign(c.validator.Key); err != nil {
		return nil, err
	}

	if err := c.SubmitUnit(unit); err != nil {
		return nil, err
	}

	return unit, nil
}

/*******************************************************************************
Read path
*******************************************************************************/

// QueryStability reports a unit's stability in the view of the given later
// units. With no view, the current best tip is the view. Reads take no lock.
func (c *Core) QueryStability(unitID string, viewIDs ...string) (Verdict, error) {
	if !c.store.HasUnit(unitID) {
		return VerdictUnknown, nil
	}

	pos, err := c.store.GetPosition(unitID)
	if err != nil {
		return VerdictUnknown, err
	}
	if pos.Stable {
		return VerdictCommitted, nil
	}

	if len(viewIDs) == 0 {
		tip, err := c.chain.BestTip()
		if err != nil {
			return VerdictNotStable, err
		}
		viewIDs = []string{tip}
	}

	for _, viewID := range viewIDs {
		if !c.store.HasUnit(viewID) {
			return VerdictNotStable, cm.NewErr("Unit", cm.MissingReference, viewID)
		}

		stable, err := c.chain.IsStableInView(unitID, viewID)
		if err != nil {
			return VerdictNotStable, err
		}
		if !stable {
			return VerdictNotStable, nil
		}
	}

	return VerdictStableInView, nil
}

// GetMainChainRange returns the finalized main-chain slots from MCI from to
// MCI to, inclusive. Ranges reaching beyond the stability point are refused
// with MissingReference: the tentative chain can still reorganize, so it is
// never handed out as ledger history.
func (c *Core) GetMainChainRange(from, to int) ([]MainChainEntry, error) {
	if from < 0 || to < from {
		return nil, cm.NewErr("MainChain", cm.MalformedGraph,
			fmt.Sprintf("invalid range [%d, %d]", from, to))
	}

	sp := c.store.StabilityPoint()
	if to > sp {
		return nil, cm.NewErr("MainChain", cm.MissingReference,
			fmt.Sprintf("range [%d, %d] reaches beyond stability point %d", from, to, sp))
	}

	res := make([]MainChainEntry, 0, to-from+1)
	for mci := from; mci <= to; mci++ {
		ids, err := c.store.StableUnitsAt(mci)
		if err != nil {
			return nil, err
		}

		entry := MainChainEntry{MCI: mci}
		for i, id := range ids {
			unit, err := c.store.GetUnit(id)
			if err != nil {
				return nil, cm.NewErr("MainChain", cm.MissingReference, id)
			}
			if i == 0 {
				entry.Unit = unit
			} else {
				entry.Included = append(entry.Included, unit)
			}
		}
		res = append(res, entry)
	}

	return res, nil
}

// GetUnit returns a stored unit by id, or KeyNotFound.
func (c *Core) GetUnit(unitID string) (*unitgraph.Unit, error) {
	return c.store.GetUnit(unitID)
}

// GetSystemVariable returns the committed value for a governance subject.
func (c *Core) GetSystemVariable(subject string) (unitgraph.SystemVariableValue, error) {
	v, ok := c.store.GetSystemVariable(subject)
	if !ok {
		return unitgraph.SystemVariableValue{}, cm.NewErr("SystemVariable", cm.KeyNotFound, subject)
	}
	return v, nil
}

// Stats returns a snapshot of the node's ledger state for diagnostics.
func (c *Core) Stats() map[string]string {
	return map[string]string{
		"units":           fmt.Sprint(c.store.UnitCount()),
		"tips":            fmt.Sprint(len(c.store.Tips())),
		"stability_point": fmt.Sprint(c.store.StabilityPoint()),
		"last_mci":        fmt.Sprint(c.store.LastMainChainIndex()),
		"tally_watermark": fmt.Sprint(c.store.TallyWatermark()),
		"moniker":         c.validator.Moniker,
		"address":         c.validator.Address(),
	}
}
