package governance

import (
	"fmt"
	"strings"
	"testing"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/unitgraph"
	"github.com/obelisknetworks/mainstay/src/witness"
)

func testWitnessAddresses() []string {
	res := make([]string, CountWitnesses)
	for i := range res {
		res[i] = fmt.Sprintf("w%02d", i)
	}
	return res
}

func newTestTally(t *testing.T) (*Tally, unitgraph.Store, []string) {
	store := unitgraph.NewInmemStore(100)
	addresses := testWitnessAddresses()

	txn, err := store.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetWitnessSet(txn, 0, witness.NewSetFromAddresses(addresses)); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	return NewTally(store, cm.NewTestEntry(t)), store, addresses
}

// count adds the given votes at mci and runs the tally for that mci in one
// transaction.
func count(t *testing.T, tally *Tally, store unitgraph.Store, mci int, votes ...unitgraph.Vote) error {
	txn, err := store.Begin()
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range votes {
		if err := store.AddVote(txn, v); err != nil {
			t.Fatal(err)
		}
	}

	if err := tally.CountVotes(txn, mci); err != nil {
		if rbErr := txn.Rollback(); rbErr != nil {
			t.Fatal(rbErr)
		}
		return err
	}

	return txn.Commit()
}

func vote(subject, value, author string, mci int) unitgraph.Vote {
	return unitgraph.Vote{
		Subject: subject,
		Value:   value,
		Author:  author,
		MCI:     mci,
		UnitID:  fmt.Sprintf("u-%s-%d", author, mci),
	}
}

func TestTallyQuorum(t *testing.T) {
	tally, store, witnesses := newTestTally(t)

	// six votes are one short of the majority
	for mci := 0; mci < 6; mci++ {
		if err := count(t, tally, store, mci, vote("threshold", "42", witnesses[mci], mci)); err != nil {
			t.Fatal(err)
		}
		if _, ok := store.GetSystemVariable("threshold"); ok {
			t.Fatalf("no value should be committed after %d votes", mci+1)
		}
	}

	// the seventh vote commits
	if err := count(t, tally, store, 6, vote("threshold", "42", witnesses[6], 6)); err != nil {
		t.Fatal(err)
	}

	v, ok := store.GetSystemVariable("threshold")
	if !ok {
		t.Fatal("value should be committed at the seventh vote")
	}
	if v.Value != "42" || v.ActivationMCI != 7 || v.VoteCount != 7 {
		t.Fatalf("wrong committed value: %+v", v)
	}

	// a thirteenth-style extra vote for the same value changes nothing
	if err := count(t, tally, store, 7, vote("threshold", "42", witnesses[7], 7)); err != nil {
		t.Fatal(err)
	}

	after, _ := store.GetSystemVariable("threshold")
	if after != v {
		t.Fatalf("extra vote should be a no-op, got %+v", after)
	}
}

func TestTallyIgnoresNonWitnesses(t *testing.T) {
	tally, store, witnesses := newTestTally(t)

	votes := []unitgraph.Vote{}
	for i := 0; i < 6; i++ {
		votes = append(votes, vote("threshold", "42", witnesses[i], 0))
	}
	// seven outsiders backing the same value must not tip the count
	for i := 0; i < 7; i++ {
		votes = append(votes, vote("threshold", "42", fmt.Sprintf("outsider-%d", i), 0))
	}

	if err := count(t, tally, store, 0, votes...); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.GetSystemVariable("threshold"); ok {
		t.Fatal("non-witness votes must not count toward the quorum")
	}
}

func TestTallyLatestVoteWins(t *testing.T) {
	tally, store, witnesses := newTestTally(t)

	votes := []unitgraph.Vote{}
	for i := 0; i < 7; i++ {
		votes = append(votes, vote("threshold", "42", witnesses[i], 0))
	}
	if err := count(t, tally, store, 0, votes...); err != nil {
		t.Fatal(err)
	}

	// one witness changes its mind, breaking the quorum for "42"; the value
	// stays committed but no new value reaches a majority
	if err := count(t, tally, store, 1, vote("threshold", "43", witnesses[0], 1)); err != nil {
		t.Fatal(err)
	}

	v, ok := store.GetSystemVariable("threshold")
	if !ok || v.Value != "42" {
		t.Fatalf("committed value should persist, got %+v", v)
	}
}

func TestTallyAlreadyCounted(t *testing.T) {
	tally, store, _ := newTestTally(t)

	if err := count(t, tally, store, 0); err != nil {
		t.Fatal(err)
	}
	if err := count(t, tally, store, 0); !cm.Is(err, cm.AlreadyCounted) {
		t.Fatalf("recounting mci 0: expected AlreadyCounted, got %v", err)
	}
	if err := count(t, tally, store, 2); !cm.Is(err, cm.ConsistencyError) {
		t.Fatalf("skipping mci 1: expected ConsistencyError, got %v", err)
	}
	if err := count(t, tally, store, 1); err != nil {
		t.Fatal(err)
	}
}

func TestTallyReapsStaleScratch(t *testing.T) {
	tally, store, _ := newTestTally(t)

	// residue left by an aborted count: the registry survives rollbacks
	if err := store.RegisterScratch("tally-000000000-99"); err != nil {
		t.Fatal(err)
	}

	if err := count(t, tally, store, 0); err != nil {
		t.Fatal(err)
	}

	if ids := store.ScratchIDs(); len(ids) != 0 {
		t.Fatalf("stale scratch should be reaped, got %v", ids)
	}
}

func TestTallyCacheDivergence(t *testing.T) {
	tally, store, witnesses := newTestTally(t)

	votes := []unitgraph.Vote{}
	for i := 0; i < 7; i++ {
		votes = append(votes, vote("threshold", "42", witnesses[i], 0))
	}
	if err := count(t, tally, store, 0); err != nil {
		t.Fatal(err)
	}
	if err := count(t, tally, store, 1, votes...); err != nil {
		t.Fatal(err)
	}

	// out-of-band write to the system-variables table
	txn, err := store.Begin()
	if err != nil {
		t.Fatal(err)
	}
	rogue := unitgraph.SystemVariableValue{Subject: "threshold", Value: "666", ActivationMCI: 2, VoteCount: 12}
	if err := store.SetSystemVariable(txn, rogue); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := count(t, tally, store, 2); !cm.Is(err, cm.ConsistencyError) {
		t.Fatalf("diverged cache: expected ConsistencyError, got %v", err)
	}
}

func TestTallyRollbackThenRetry(t *testing.T) {
	tally, store, witnesses := newTestTally(t)

	votes := []unitgraph.Vote{}
	for i := 0; i < 7; i++ {
		votes = append(votes, vote("threshold", "42", witnesses[i], 0))
	}

	txn, err := store.Begin()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range votes {
		if err := store.AddVote(txn, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := tally.CountVotes(txn, 0); err != nil {
		t.Fatal(err)
	}
	// the transaction fails after counting
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}

	// without a reset, the cache still holds the rolled-back commit
	if err := count(t, tally, store, 0); !cm.Is(err, cm.ConsistencyError) {
		t.Fatalf("expected ConsistencyError before reset, got %v", err)
	}

	tally.Reset()

	if err := count(t, tally, store, 0, votes...); err != nil {
		t.Fatal(err)
	}

	v, ok := store.GetSystemVariable("threshold")
	if !ok || v.Value != "42" {
		t.Fatalf("retry after reset should commit, got %+v", v)
	}
	if wm := store.TallyWatermark(); wm != 0 {
		t.Fatalf("expected watermark 0, got %d", wm)
	}
}

func TestTallyRotatesWitnessSet(t *testing.T) {
	tally, store, witnesses := newTestTally(t)

	next := make([]string, CountWitnesses)
	for i := range next {
		next[i] = fmt.Sprintf("v%02d", i)
	}
	value := strings.Join(next, ",")

	votes := []unitgraph.Vote{}
	for i := 0; i < MajorityOfWitnesses; i++ {
		votes = append(votes, vote(OpListSubject, value, witnesses[i], 0))
	}
	if err := count(t, tally, store, 0, votes...); err != nil {
		t.Fatal(err)
	}

	oldSet, err := store.GetWitnessSet(0)
	if err != nil {
		t.Fatal(err)
	}
	newSet, err := store.GetWitnessSet(1)
	if err != nil {
		t.Fatal(err)
	}

	if oldSet.Hex() == newSet.Hex() {
		t.Fatal("witness set should rotate at the next mci")
	}
	if !newSet.Contains("v00") || newSet.Contains("w00") {
		t.Fatal("wrong rotated witness set")
	}
}

func TestTallyRejectsMalformedOpList(t *testing.T) {
	tally, store, witnesses := newTestTally(t)

	votes := []unitgraph.Vote{}
	for i := 0; i < MajorityOfWitnesses; i++ {
		votes = append(votes, vote(OpListSubject, "just-one-address", witnesses[i], 0))
	}

	if err := count(t, tally, store, 0, votes...); !cm.Is(err, cm.MalformedGraph) {
		t.Fatalf("short op_list: expected MalformedGraph, got %v", err)
	}
}
