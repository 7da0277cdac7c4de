package command

import (
	"fmt"
	"os"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/obelisknetworks/mainstay/src/config"
	vers "github.com/obelisknetworks/mainstay/src/version"
)

var (
	conf    *config.Config
	datadir *string
	version *bool
)

func init() {
	conf = config.NewDefaultConfig()

	cobra.OnInitialize(initConfig)

	// Base datadir
	datadir = rootCmd.PersistentFlags().StringP("datadir", "d", conf.DataDir, "Base configuration directory")

	// Storage
	rootCmd.PersistentFlags().Bool("store", conf.Store, "Use badgerDB instead of in-mem DB")
	rootCmd.PersistentFlags().Bool("bootstrap", conf.Bootstrap, "Replay the database on startup (implies --store)")
	rootCmd.PersistentFlags().String("db", conf.DatabaseDir, "Database directory")
	rootCmd.PersistentFlags().Int("cache-size", conf.CacheSize, "Number of items in LRU caches")

	// Write coordinator
	rootCmd.PersistentFlags().Int("max-pool", conf.MaxPool, "Connection pool size max")
	rootCmd.PersistentFlags().Duration("lock-timeout", conf.LockTimeout, "Max wait for the write lock")
	rootCmd.PersistentFlags().Duration("conn-timeout", conf.ConnTimeout, "Max wait for a pooled connection")
	rootCmd.PersistentFlags().Duration("deadlock-check", conf.DeadlockCheckInterval, "Deadlock detector period (0 to disable)")

	// Various
	rootCmd.PersistentFlags().String("log", conf.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().String("log-file", conf.LogFile, "Also write logs to this file")
	rootCmd.PersistentFlags().String("moniker", conf.Moniker, "Friendly name of this node")

	// Version
	version = rootCmd.PersistentFlags().BoolP("version", "v", false, "Show version and exit")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(inspectCmd)
}

func initConfig() {
	viper.AddConfigPath(*datadir)
	viper.SetConfigName("mainstay")

	viper.BindPFlags(rootCmd.PersistentFlags())

	if err := viper.ReadInConfig(); err != nil {
		conf.Logger().Warn(err, ". Taking cli or default.")
	}

	if err := viper.Unmarshal(conf); err != nil {
		conf.Logger().Warn(err, ". Taking cli or default.")
	}

	conf.SetDataDir(conf.DataDir)
}

var rootCmd = &cobra.Command{
	Use:   "mainstay",
	Short: "Mainstay DAG-ledger stabilization engine",
	Long:  "Mainstay DAG-ledger stabilization engine",
	Run: func(cmd *cobra.Command, args []string) {
		if *version {
			fmt.Println(vers.Version)

			return
		}

		cmd.Help()
	},
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)

		os.Exit(1)
	}
}

// buildLogger returns the configured logger, with an lfshook file hook when a
// log file is set.
func buildLogger() *logrus.Entry {
	logger := conf.Logger()

	if conf.LogFile != "" {
		if _, err := os.OpenFile(conf.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666); err != nil {
			logger.WithError(err).Warn("Failed to open log file, using stderr only")
		} else {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				pathMap[level] = conf.LogFile
			}
			logger.Logger.Hooks.Add(lfshook.NewHook(
				pathMap,
				&logrus.TextFormatter{},
			))
		}
	}

	return logger
}
