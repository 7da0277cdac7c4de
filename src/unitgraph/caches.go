package unitgraph

import (
	"sort"
	"strconv"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/witness"
)

// WitnessSetCache keeps the history of witness sets keyed by the MCI at which
// each set takes effect. The set effective at a given mci is the one with the
// highest activation at or below it.
type WitnessSetCache struct {
	mcis sort.IntSlice
	sets map[int]*witness.Set
}

// NewWitnessSetCache creates an empty WitnessSetCache.
func NewWitnessSetCache() *WitnessSetCache {
	return &WitnessSetCache{
		mcis: sort.IntSlice{},
		sets: make(map[int]*witness.Set),
	}
}

// Set records a witness set taking effect at mci.
func (c *WitnessSetCache) Set(mci int, ws *witness.Set) error {
	if _, ok := c.sets[mci]; ok {
		return cm.NewErr("WitnessSetCache", cm.KeyAlreadyExists, strconv.Itoa(mci))
	}
	c.sets[mci] = ws
	c.mcis = append(c.mcis, mci)
	c.mcis.Sort()
	return nil
}

// Unset removes the entry at mci. Used only to undo a Set on rollback.
func (c *WitnessSetCache) Unset(mci int) {
	if _, ok := c.sets[mci]; !ok {
		return
	}
	delete(c.sets, mci)
	newMcis := sort.IntSlice{}
	for _, m := range c.mcis {
		if m != mci {
			newMcis = append(newMcis, m)
		}
	}
	c.mcis = newMcis
}

// Get returns the witness set effective at mci.
func (c *WitnessSetCache) Get(mci int) (*witness.Set, error) {
	if ws, ok := c.sets[mci]; ok {
		return ws, nil
	}

	if len(c.mcis) == 0 {
		return nil, cm.NewErr("WitnessSetCache", cm.KeyNotFound, strconv.Itoa(mci))
	}

	if mci < c.mcis[0] {
		return nil, cm.NewErr("WitnessSetCache", cm.KeyNotFound, strconv.Itoa(mci))
	}

	for i := 0; i < len(c.mcis)-1; i++ {
		if mci >= c.mcis[i] && mci < c.mcis[i+1] {
			return c.sets[c.mcis[i]], nil
		}
	}

	return c.sets[c.mcis[len(c.mcis)-1]], nil
}

// Activations returns the sorted activation MCIs.
func (c *WitnessSetCache) Activations() []int {
	return append([]int{}, c.mcis...)
}
