package unitgraph

import (
	"fmt"
	"reflect"
	"testing"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/witness"
)

const testCacheSize = 100

func testUnit(parents []string, author string, timestamp int64) *Unit {
	return NewUnit(parents, "", []Author{{Address: author}}, timestamp, nil)
}

func beginTxn(t *testing.T, store Store) *Txn {
	txn, err := store.Begin()
	if err != nil {
		t.Fatal(err)
	}
	return txn
}

func putUnits(t *testing.T, store Store, units ...*Unit) {
	txn := beginTxn(t, store)
	for _, u := range units {
		if err := store.PutUnit(txn, u); err != nil {
			t.Fatal(err)
		}
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestInmemPutAndGetUnit(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	genesis := testUnit(nil, "a1", 0)
	child := testUnit([]string{genesis.Hex()}, "a2", 1)

	putUnits(t, store, genesis, child)

	got, err := store.GetUnit(child.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if got.Hex() != child.Hex() {
		t.Fatalf("retrieved wrong unit: %s", got.Hex())
	}

	if store.UnitCount() != 2 {
		t.Fatalf("expected 2 units, got %d", store.UnitCount())
	}

	gid, err := store.GenesisID()
	if err != nil {
		t.Fatal(err)
	}
	if gid != genesis.Hex() {
		t.Fatalf("wrong genesis id: %s", gid)
	}

	children := store.Children(genesis.Hex())
	if !reflect.DeepEqual(children, []string{child.Hex()}) {
		t.Fatalf("wrong children: %v", children)
	}

	tips := store.Tips()
	if !reflect.DeepEqual(tips, []string{child.Hex()}) {
		t.Fatalf("wrong tips: %v", tips)
	}
}

func TestInmemPutUnitRejections(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	genesis := testUnit(nil, "a1", 0)
	putUnits(t, store, genesis)

	txn := beginTxn(t, store)

	if err := store.PutUnit(txn, genesis); !cm.Is(err, cm.KeyAlreadyExists) {
		t.Fatalf("duplicate unit: expected KeyAlreadyExists, got %v", err)
	}

	secondGenesis := testUnit(nil, "a2", 1)
	if err := store.PutUnit(txn, secondGenesis); !cm.Is(err, cm.MalformedGraph) {
		t.Fatalf("second genesis: expected MalformedGraph, got %v", err)
	}

	orphan := testUnit([]string{"0XDEAD"}, "a2", 1)
	if err := store.PutUnit(txn, orphan); !cm.Is(err, cm.MissingReference) {
		t.Fatalf("missing parent: expected MissingReference, got %v", err)
	}

	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}
}

func TestInmemPutUnitOutsideTxn(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	if err := store.PutUnit(nil, testUnit(nil, "a1", 0)); !cm.Is(err, cm.NotInTransaction) {
		t.Fatalf("expected NotInTransaction, got %v", err)
	}
}

func TestInmemRollbackRestoresGraph(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	genesis := testUnit(nil, "a1", 0)
	putUnits(t, store, genesis)

	child := testUnit([]string{genesis.Hex()}, "a2", 1)

	txn := beginTxn(t, store)
	if err := store.PutUnit(txn, child); err != nil {
		t.Fatal(err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}

	if store.HasUnit(child.Hex()) {
		t.Fatal("rolled-back unit should not be in the store")
	}
	if store.UnitCount() != 1 {
		t.Fatalf("expected 1 unit after rollback, got %d", store.UnitCount())
	}
	if len(store.Children(genesis.Hex())) != 0 {
		t.Fatal("rollback should remove the child link")
	}
	if !reflect.DeepEqual(store.Tips(), []string{genesis.Hex()}) {
		t.Fatalf("rollback should restore tips, got %v", store.Tips())
	}
	if store.LastTopologicalIndex() != 0 {
		t.Fatalf("rollback should restore the topological counter, got %d", store.LastTopologicalIndex())
	}

	// the same unit must be insertable again
	putUnits(t, store, child)
}

func TestInmemSecondBeginRejected(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	txn := beginTxn(t, store)
	if _, err := store.Begin(); !cm.Is(err, cm.KeyAlreadyExists) {
		t.Fatalf("expected KeyAlreadyExists, got %v", err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}
}

func TestInmemTentativeAssignment(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	genesis := testUnit(nil, "a1", 0)
	child := testUnit([]string{genesis.Hex()}, "a2", 1)
	putUnits(t, store, genesis, child)

	a := NewAssignment()
	a.MCIs[genesis.Hex()] = 0
	a.OnMainChain[genesis.Hex()] = true
	a.ChainByMCI[0] = genesis.Hex()
	a.MCIs[child.Hex()] = 1
	a.OnMainChain[child.Hex()] = true
	a.LIMCIs[child.Hex()] = 0
	a.ChainByMCI[1] = child.Hex()

	txn := beginTxn(t, store)
	if err := store.ReplaceTentative(txn, a); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	pos, err := store.GetPosition(child.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if pos.MCI == nil || *pos.MCI != 1 {
		t.Fatalf("wrong mci: %v", pos.MCI)
	}
	if !pos.OnMainChain || pos.Stable {
		t.Fatalf("wrong flags: %+v", pos)
	}
	if pos.LatestIncludedMCI == nil || *pos.LatestIncludedMCI != 0 {
		t.Fatalf("wrong limci: %v", pos.LatestIncludedMCI)
	}

	if last := store.LastMainChainIndex(); last != 1 {
		t.Fatalf("expected last main-chain index 1, got %d", last)
	}
}

func TestInmemMarkStable(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	genesis := testUnit(nil, "a1", 0)
	child := testUnit([]string{genesis.Hex()}, "a2", 1)
	putUnits(t, store, genesis, child)

	a := NewAssignment()
	a.MCIs[genesis.Hex()] = 0
	a.OnMainChain[genesis.Hex()] = true
	a.ChainByMCI[0] = genesis.Hex()
	a.MCIs[child.Hex()] = 1
	a.OnMainChain[child.Hex()] = true
	a.ChainByMCI[1] = child.Hex()

	txn := beginTxn(t, store)
	if err := store.ReplaceTentative(txn, a); err != nil {
		t.Fatal(err)
	}

	// stabilization must start at the stability point + 1
	if err := store.MarkStable(txn, child.Hex(), 1); !cm.Is(err, cm.ConsistencyError) {
		t.Fatalf("skipping mci 0: expected ConsistencyError, got %v", err)
	}

	if err := store.MarkStable(txn, genesis.Hex(), 0); err != nil {
		t.Fatal(err)
	}
	// idempotent on the same slot
	if err := store.MarkStable(txn, genesis.Hex(), 0); err != nil {
		t.Fatal(err)
	}
	// re-marking at a different slot is a hard error
	if err := store.MarkStable(txn, genesis.Hex(), 1); !cm.Is(err, cm.ConsistencyError) {
		t.Fatalf("re-mark at new mci: expected ConsistencyError, got %v", err)
	}

	if err := store.MarkStable(txn, child.Hex(), 1); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	if sp := store.StabilityPoint(); sp != 1 {
		t.Fatalf("expected stability point 1, got %d", sp)
	}

	pos, err := store.GetPosition(genesis.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if !pos.Stable || !pos.OnMainChain || pos.MCI == nil || *pos.MCI != 0 {
		t.Fatalf("wrong stable position: %+v", pos)
	}

	id, err := store.MainChainUnitAt(0)
	if err != nil {
		t.Fatal(err)
	}
	if id != genesis.Hex() {
		t.Fatalf("wrong unit at mci 0: %s", id)
	}

	unstable, err := store.UnstableUnits(-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(unstable) != 0 {
		t.Fatalf("expected no unstable units, got %v", unstable)
	}
}

func TestInmemMarkStableRollback(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	genesis := testUnit(nil, "a1", 0)
	putUnits(t, store, genesis)

	a := NewAssignment()
	a.MCIs[genesis.Hex()] = 0
	a.OnMainChain[genesis.Hex()] = true
	a.ChainByMCI[0] = genesis.Hex()

	txn := beginTxn(t, store)
	if err := store.ReplaceTentative(txn, a); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn = beginTxn(t, store)
	if err := store.MarkStable(txn, genesis.Hex(), 0); err != nil {
		t.Fatal(err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}

	if sp := store.StabilityPoint(); sp != -1 {
		t.Fatalf("rollback should restore the stability point, got %d", sp)
	}
	pos, err := store.GetPosition(genesis.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if pos.Stable {
		t.Fatal("rollback should leave the unit tentative")
	}
	if pos.MCI == nil || *pos.MCI != 0 {
		t.Fatalf("rollback should restore the tentative mci, got %v", pos.MCI)
	}
}

func TestInmemReplaceTentativeRefusesStable(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	genesis := testUnit(nil, "a1", 0)
	putUnits(t, store, genesis)

	a := NewAssignment()
	a.MCIs[genesis.Hex()] = 0
	a.OnMainChain[genesis.Hex()] = true
	a.ChainByMCI[0] = genesis.Hex()

	txn := beginTxn(t, store)
	if err := store.ReplaceTentative(txn, a); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkStable(txn, genesis.Hex(), 0); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	b := NewAssignment()
	b.MCIs[genesis.Hex()] = 5

	txn = beginTxn(t, store)
	if err := store.ReplaceTentative(txn, b); !cm.Is(err, cm.ConsistencyError) {
		t.Fatalf("reassigning a stable unit: expected ConsistencyError, got %v", err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}
}

func TestInmemVotes(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	votes := []Vote{
		{Subject: "op_list", Value: "A", Author: "w1", MCI: 1, UnitID: "u1"},
		{Subject: "op_list", Value: "B", Author: "w2", MCI: 2, UnitID: "u2"},
		{Subject: "op_list", Value: "C", Author: "w1", MCI: 3, UnitID: "u3"},
		{Subject: "threshold", Value: "10", Author: "w1", MCI: 1, UnitID: "u1"},
	}

	txn := beginTxn(t, store)
	for _, v := range votes {
		if err := store.AddVote(txn, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	got := store.VotesUpTo("op_list", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 votes up to mci 2, got %d", len(got))
	}
	if got[0].Author != "w1" || got[1].Author != "w2" {
		t.Fatalf("votes not ordered by mci: %v", got)
	}

	subjects := store.VoteSubjectsUpTo(1)
	if !reflect.DeepEqual(subjects, []string{"op_list", "threshold"}) {
		t.Fatalf("wrong subjects: %v", subjects)
	}
}

func TestInmemTallyWatermark(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	if wm := store.TallyWatermark(); wm != -1 {
		t.Fatalf("fresh store watermark should be -1, got %d", wm)
	}

	txn := beginTxn(t, store)
	if err := store.SetTallyWatermark(txn, 3); err != nil {
		t.Fatal(err)
	}
	if err := store.SetTallyWatermark(txn, 2); !cm.Is(err, cm.ConsistencyError) {
		t.Fatalf("moving the watermark back: expected ConsistencyError, got %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	if wm := store.TallyWatermark(); wm != 3 {
		t.Fatalf("expected watermark 3, got %d", wm)
	}
}

func TestInmemScratchSurvivesRollback(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	txn := beginTxn(t, store)
	if err := store.RegisterScratch("tally-1"); err != nil {
		t.Fatal(err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}

	// scratch state is connection-local, not transactional
	if !reflect.DeepEqual(store.ScratchIDs(), []string{"tally-1"}) {
		t.Fatalf("scratch registration should survive the rollback, got %v", store.ScratchIDs())
	}

	if err := store.RegisterScratch("tally-1"); !cm.Is(err, cm.KeyAlreadyExists) {
		t.Fatalf("expected KeyAlreadyExists, got %v", err)
	}

	store.ReleaseScratch("tally-1")
	if len(store.ScratchIDs()) != 0 {
		t.Fatal("release should empty the registry")
	}
}

func TestInmemWitnessSets(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	ws0 := witness.NewSetFromAddresses([]string{"w1", "w2", "w3"})
	ws5 := witness.NewSetFromAddresses([]string{"w1", "w2", "w4"})

	txn := beginTxn(t, store)
	if err := store.SetWitnessSet(txn, 0, ws0); err != nil {
		t.Fatal(err)
	}
	if err := store.SetWitnessSet(txn, 5, ws5); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		mci  int
		want *witness.Set
	}{
		{0, ws0},
		{4, ws0},
		{5, ws5},
		{100, ws5},
	} {
		got, err := store.GetWitnessSet(tt.mci)
		if err != nil {
			t.Fatal(err)
		}
		if got.Hex() != tt.want.Hex() {
			t.Fatalf("wrong witness set at mci %d", tt.mci)
		}
	}

	if _, err := store.GetWitnessSet(-1); !cm.Is(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound below first activation, got %v", err)
	}
}

func TestInmemUnstablePaging(t *testing.T) {
	store := NewInmemStore(testCacheSize)

	genesis := testUnit(nil, "a1", 0)
	putUnits(t, store, genesis)

	prev := genesis
	ids := []string{genesis.Hex()}
	for i := 1; i < 5; i++ {
		u := testUnit([]string{prev.Hex()}, fmt.Sprintf("a%d", i), int64(i))
		putUnits(t, store, u)
		ids = append(ids, u.Hex())
		prev = u
	}

	page, err := store.UnstableUnits(1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(page, ids[2:]) {
		t.Fatalf("wrong page: %v", page)
	}

	if last := store.LastTopologicalIndex(); last != 4 {
		t.Fatalf("expected last topological index 4, got %d", last)
	}
}
