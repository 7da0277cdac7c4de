package command

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/obelisknetworks/mainstay/src/keys"
	"github.com/obelisknetworks/mainstay/src/node"
	"github.com/obelisknetworks/mainstay/src/unitgraph"
	"github.com/obelisknetworks/mainstay/src/witness"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a mainstay node",
	RunE:  runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	logger.WithFields(logrus.Fields{
		"datadir":        conf.DataDir,
		"db":             conf.DatabaseDir,
		"store":          conf.Store,
		"bootstrap":      conf.Bootstrap,
		"cache-size":     conf.CacheSize,
		"max-pool":       conf.MaxPool,
		"lock-timeout":   conf.LockTimeout,
		"conn-timeout":   conf.ConnTimeout,
		"deadlock-check": conf.DeadlockCheckInterval,
		"moniker":        conf.Moniker,
	}).Debug("RUN")

	key, err := keys.NewSimpleKeyfile(conf.Keyfile()).ReadKey()
	if err != nil {
		return err
	}

	var store unitgraph.Store
	if conf.Store || conf.Bootstrap {
		store, err = unitgraph.LoadOrCreateBadgerStore(conf.CacheSize, conf.DatabaseDir)
		if err != nil {
			return err
		}
	} else {
		store = unitgraph.NewInmemStore(conf.CacheSize)
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

	if conf.Bootstrap {
		if err := core.Bootstrap(); err != nil {
			return err
		}
	}

	// A fresh store needs the genesis witness list; a replayed one carries it.
	if _, err := store.GetWitnessSet(0); err != nil {
		ws, err := witness.NewJSONWitnessList(conf.DataDir).Read()
		if err != nil {
			return err
		}
		if err := core.Init(ws); err != nil {
			return err
		}
	}

	logger.WithFields(statsFields(core)).Info("Node ready")

	// The node is a ledger engine, not a network server. Hold the store open
	// for embedding processes until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")

	return nil
}

func statsFields(core *node.Core) logrus.Fields {
	fields := logrus.Fields{}
	for k, v := range core.Stats() {
		fields[k] = v
	}
	return fields
}
