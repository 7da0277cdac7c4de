package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/obelisknetworks/mainstay/src/keys"
	"github.com/obelisknetworks/mainstay/src/node"
	"github.com/obelisknetworks/mainstay/src/unitgraph"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Replay a stored database and print a ledger summary",
	RunE:  inspect,
}

func inspect(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	store, err := unitgraph.LoadBadgerStore(conf.CacheSize, conf.DatabaseDir)
	if err != nil {
		return err
	}

	// Inspection never signs anything; fall back to a throwaway key when the
	// data directory has none.
	key, err := keys.NewSimpleKeyfile(conf.Keyfile()).ReadKey()
	if err != nil {
		key, err = keys.GenerateECDSAKey()
		if err != nil {
			return err
		}
	}

	core, err := node.NewCore(
		node.NewValidator(key, conf.Moniker),
		store,
		node.CoreOptions{
			PoolSize:              conf.MaxPool,
			LockTimeout:           conf.LockTimeout,
			ConnTimeout:           conf.ConnTimeout,
			DeadlockCheckInterval: conf.DeadlockCheckInterval,
		},
		logger,
	)
	if err != nil {
		return err
	}
	defer core.Shutdown()

	if err := core.Bootstrap(); err != nil {
		return err
	}

	stats := core.Stats()
	statKeys := make([]string, 0, len(stats))
	for k := range stats {
		statKeys = append(statKeys, k)
	}
	sort.Strings(statKeys)

	fmt.Println("Ledger:")
	for _, k := range statKeys {
		fmt.Printf("  %-16s %s\n", k, stats[k])
	}

	sysvars := store.SystemVariables()
	if len(sysvars) > 0 {
		fmt.Println("System variables:")
		for _, v := range sysvars {
			fmt.Printf("  %-16s %s (votes %d, active from mci %d)\n",
				v.Subject, v.Value, v.VoteCount, v.ActivationMCI)
		}
	}

	ws, err := store.GetWitnessSet(store.StabilityPoint() + 1)
	if err == nil {
		fmt.Println("Witnesses:")
		fmt.Printf("  %s\n", strings.Join(ws.Addresses(), "\n  "))
	}

	return nil
}
