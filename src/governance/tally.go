package governance

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/unitgraph"
	"github.com/obelisknetworks/mainstay/src/witness"
)

// scratchPrefix namespaces the tally's scratch registrations in the store.
const scratchPrefix = "tally-"

// Tally counts system-variable votes as main-chain indexes stabilize.
type Tally struct {
	store unitgraph.Store

	// committed values as this tally last saw them. The cache is verified
	// against the store before every count; divergence aborts the count with
	// ConsistencyError instead of trusting either side.
	cache   map[string]unitgraph.SystemVariableValue
	cacheMu sync.Mutex

	scratchSeq uint64

	logger *logrus.Entry
}

// NewTally instantiates a Tally over a store. The cache starts from the
// store's committed values.
func NewTally(store unitgraph.Store, logger *logrus.Entry) *Tally {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	cache := map[string]unitgraph.SystemVariableValue{}
	for _, v := range store.SystemVariables() {
		cache[v.Subject] = v
	}

	return &Tally{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// OnStabilized is the stability callback: every finalized MCI gets counted
// exactly once, in order.
func (t *Tally) OnStabilized(txn *unitgraph.Txn, unitID string, mci int) error {
	return t.CountVotes(txn, mci)
}

// CountVotes tallies all subjects with votes at or below mci and commits any
// value backed by a majority of the effective witness set. Counting an MCI
// at or below the watermark returns AlreadyCounted; skipping ahead of the
// watermark is a ConsistencyError.
func (t *Tally) CountVotes(txn *unitgraph.Txn, mci int) error {
	watermark := t.store.TallyWatermark()
	if mci <= watermark {
		return cm.NewErr("Tally", cm.AlreadyCounted, strconv.Itoa(mci))
	}
	if mci != watermark+1 {
		return cm.NewErr("Tally", cm.ConsistencyError,
			fmt.Sprintf("counting mci %d with watermark %d", mci, watermark))
	}

	if err := t.verifyCache(); err != nil {
		return err
	}

	scratchID, err := t.claimScratch(mci)
	if err != nil {
		return err
	}
	defer t.store.ReleaseScratch(scratchID)

	ws, err := t.store.GetWitnessSet(mci)
	if err != nil {
		return err
	}

	for _, subject := range t.store.VoteSubjectsUpTo(mci) {
		if err := t.countSubject(txn, subject, mci, ws); err != nil {
			return err
		}
	}

	return t.store.SetTallyWatermark(txn, mci)
}

// countSubject computes the effective votes for one subject and commits the
// winning value, if any.
func (t *Tally) countSubject(txn *unitgraph.Txn, subject string, mci int, ws *witness.Set) error {
	// latest vote wins, one per author; non-witness authors do not count
	effective := map[string]string{}
	for _, v := range t.store.VotesUpTo(subject, mci) {
		if !ws.Contains(v.Author) {
			continue
		}
		effective[v.Author] = v.Value
	}

	counts := map[string]int{}
	for _, value := range effective {
		counts[value]++
	}

	winner := ""
	winnerCount := 0
	for value, count := range counts {
		if count >= ws.Majority() && count > winnerCount {
			winner = value
			winnerCount = count
		}
	}
	if winnerCount == 0 {
		return nil
	}

	t.cacheMu.Lock()
	current, committed := t.cache[subject]
	t.cacheMu.Unlock()
	if committed && current.Value == winner {
		// the quorum already carried this value; extra votes are a no-op
		return nil
	}

	value := unitgraph.SystemVariableValue{
		Subject:       subject,
		Value:         winner,
		ActivationMCI: mci + 1,
		VoteCount:     winnerCount,
	}

	if err := t.store.SetSystemVariable(txn, value); err != nil {
		return err
	}

	if subject == OpListSubject {
		if err := t.rotateWitnesses(txn, winner, mci); err != nil {
			return err
		}
	}

	t.cacheMu.Lock()
	t.cache[subject] = value
	t.cacheMu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"subject":    subject,
		"value":      winner,
		"votes":      winnerCount,
		"activation": mci + 1,
	}).Debug("CommittedSystemVariable")

	return nil
}

// rotateWitnesses installs the witness set committed through the op_list
// subject, effective from the next MCI. The value is the comma-joined list
// of witness addresses.
func (t *Tally) rotateWitnesses(txn *unitgraph.Txn, value string, mci int) error {
	addresses := strings.Split(value, ",")
	if len(addresses) != CountWitnesses {
		return cm.NewErr("Tally", cm.MalformedGraph,
			fmt.Sprintf("op_list value has %d addresses, need %d", len(addresses), CountWitnesses))
	}

	seen := map[string]bool{}
	for _, a := range addresses {
		if a == "" || seen[a] {
			return cm.NewErr("Tally", cm.MalformedGraph,
				fmt.Sprintf("op_list value has empty or duplicate address %q", a))
		}
		seen[a] = true
	}

	ws := witness.NewSetFromAddresses(addresses)
	if err := t.store.SetWitnessSet(txn, mci+1, ws); err != nil {
		return err
	}

	t.logger.WithFields(logrus.Fields{
		"mci":       mci + 1,
		"witnesses": ws.Hex(),
	}).Debug("RotatedWitnessSet")

	return nil
}

// Reset reloads the cache from the store. Callers must invoke it after
// rolling back a transaction that counted votes: the store reverts but the
// cache does not, and the next count would report the divergence as
// corruption.
func (t *Tally) Reset() {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	t.cache = map[string]unitgraph.SystemVariableValue{}
	for _, v := range t.store.SystemVariables() {
		t.cache[v.Subject] = v
	}
}

// verifyCache cross-checks every cached committed value against the store.
// A mismatch means some other path wrote the system-variables table, which
// this subsystem treats as corruption, never as something to auto-resolve.
func (t *Tally) verifyCache() error {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	for subject, cached := range t.cache {
		stored, ok := t.store.GetSystemVariable(subject)
		if !ok || stored != cached {
			return cm.NewErr("Tally", cm.ConsistencyError,
				fmt.Sprintf("cached value for %s diverged from the store", subject))
		}
	}

	return nil
}

// claimScratch registers a fresh scratch id for this count. Residue from
// aborted counts (the registry survives rollbacks) is reaped rather than
// allowed to block retries forever.
func (t *Tally) claimScratch(mci int) (string, error) {
	for _, id := range t.store.ScratchIDs() {
		if strings.HasPrefix(id, scratchPrefix) {
			t.logger.WithField("scratch", id).Warn("Reaping stale tally scratch")
			t.store.ReleaseScratch(id)
		}
	}

	t.scratchSeq++
	id := fmt.Sprintf("%s%09d-%d", scratchPrefix, mci, t.scratchSeq)
	if err := t.store.RegisterScratch(id); err != nil {
		return "", err
	}
	return id, nil
}
