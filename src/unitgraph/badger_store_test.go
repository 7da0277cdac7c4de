package unitgraph

import (
	"path/filepath"
	"testing"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/witness"
)

func initBadgerStore(t *testing.T) (*BadgerStore, string) {
	path := filepath.Join(t.TempDir(), "badger")
	store, err := NewBadgerStore(testCacheSize, path)
	if err != nil {
		t.Fatal(err)
	}
	return store, path
}

func TestNewBadgerStore(t *testing.T) {
	store, path := initBadgerStore(t)

	if store.StorePath() != path {
		t.Fatalf("unexpected path %s", store.StorePath())
	}
	if store.NeedBootstrap() {
		t.Fatal("a new store should not need bootstrap")
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBadgerPutUnitWriteThrough(t *testing.T) {
	store, path := initBadgerStore(t)

	genesis := testUnit(nil, "a1", 0)
	genesis.SetLevel(0)
	genesis.SetWitnessedLevel(0)

	child := testUnit([]string{genesis.Hex()}, "a2", 1)
	child.SetLevel(1)
	child.SetWitnessedLevel(1)
	child.SetBestParent(genesis.Hex())

	ws := witness.NewSetFromAddresses([]string{"w1", "w2", "w3"})

	txn := beginTxn(t, store)
	if err := store.PutUnit(txn, genesis); err != nil {
		t.Fatal(err)
	}
	if err := store.PutUnit(txn, child); err != nil {
		t.Fatal(err)
	}
	if err := store.SetWitnessSet(txn, 0, ws); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadBadgerStore(testCacheSize, path)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()

	if !reloaded.NeedBootstrap() {
		t.Fatal("a reloaded store should need bootstrap")
	}
	if reloaded.UnitCount() != 0 {
		t.Fatal("the in-memory layer should start empty")
	}

	units, err := reloaded.DbTopologicalUnits()
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].Hex() != genesis.Hex() || units[1].Hex() != child.Hex() {
		t.Fatal("units out of topological order")
	}

	level, ok := units[1].Level()
	if !ok || level != 1 {
		t.Fatalf("graph fields not persisted: level=%d ok=%t", level, ok)
	}
	if units[1].BestParent() != genesis.Hex() {
		t.Fatal("best parent not persisted")
	}

	gotWs, err := reloaded.DbGetWitnessSet(0)
	if err != nil {
		t.Fatal(err)
	}
	if gotWs.Hex() != ws.Hex() {
		t.Fatal("witness set not persisted")
	}
}

func TestBadgerRollbackDiscardsPending(t *testing.T) {
	store, path := initBadgerStore(t)

	genesis := testUnit(nil, "a1", 0)

	txn := beginTxn(t, store)
	if err := store.PutUnit(txn, genesis); err != nil {
		t.Fatal(err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}

	if store.HasUnit(genesis.Hex()) {
		t.Fatal("rolled-back unit should not be in memory")
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadBadgerStore(testCacheSize, path)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()

	units, err := reloaded.DbTopologicalUnits()
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 0 {
		t.Fatalf("rolled-back unit should not be on disk, got %d units", len(units))
	}
}

func TestBadgerVotesAndWatermark(t *testing.T) {
	store, _ := initBadgerStore(t)
	defer store.Close()

	txn := beginTxn(t, store)
	if err := store.AddVote(txn, Vote{Subject: "op_list", Value: "A", Author: "w1", MCI: 1, UnitID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSystemVariable(txn, SystemVariableValue{Subject: "op_list", Value: "A", ActivationMCI: 2, VoteCount: 7}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetTallyWatermark(txn, 1); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	got := store.VotesUpTo("op_list", 1)
	if len(got) != 1 || got[0].Value != "A" {
		t.Fatalf("wrong votes: %v", got)
	}

	v, ok := store.GetSystemVariable("op_list")
	if !ok || v.ActivationMCI != 2 {
		t.Fatalf("wrong system variable: %+v", v)
	}

	if wm := store.TallyWatermark(); wm != 1 {
		t.Fatalf("expected watermark 1, got %d", wm)
	}
}

func TestLoadBadgerStoreMissingDir(t *testing.T) {
	if _, err := LoadBadgerStore(testCacheSize, filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("loading a non-existent database should fail")
	}
}

func TestBadgerTxnDiscipline(t *testing.T) {
	store, _ := initBadgerStore(t)
	defer store.Close()

	if err := store.PutUnit(nil, testUnit(nil, "a1", 0)); !cm.Is(err, cm.NotInTransaction) {
		t.Fatalf("expected NotInTransaction, got %v", err)
	}
}
