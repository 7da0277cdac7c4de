package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/obelisknetworks/mainstay/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the validator's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultWitnessFile is the default name of the file containing the genesis
	// witness list
	DefaultWitnessFile = "witnesses.json"
)

// Default configuration values. Consensus-affecting constants are NOT here:
// they are compiled into the governance package and cannot be configured.
const (
	DefaultLogLevel  = "debug"
	DefaultCacheSize = 10000
	DefaultMaxPool   = 2

	DefaultLockTimeout = 1000 * time.Millisecond
	DefaultConnTimeout = 1000 * time.Millisecond

	// DefaultDeadlockCheckInterval is deliberately non-zero: the detector is
	// on unless a deployment explicitly sets the interval to 0.
	DefaultDeadlockCheckInterval = 500 * time.Millisecond

	DefaultStore = false
)

// Config contains all the node-local configuration of a mainstay node. None
// of these values affect consensus; two nodes with different Configs derive
// the same ledger.
type Config struct {
	// DataDir is the top-level directory containing configuration and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile is an optional file, in addition to stdout, where log output is
	// written.
	LogFile string `mapstructure:"log-file"`

	// Store activates persistent storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Bootstrap determines whether to replay an existing database on startup.
	// Forces Store; bootstrap only works with a persistent store.
	Bootstrap bool `mapstructure:"bootstrap"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// MaxPool is the number of storage connections in the write pool.
	MaxPool int `mapstructure:"max-pool"`

	// LockTimeout bounds how long a writer waits for the write lock.
	LockTimeout time.Duration `mapstructure:"lock-timeout"`

	// ConnTimeout bounds how long a writer waits for a pooled connection.
	ConnTimeout time.Duration `mapstructure:"conn-timeout"`

	// DeadlockCheckInterval is the period of the lock-vs-pool deadlock
	// detector. 0 disables the detector.
	DeadlockCheckInterval time.Duration `mapstructure:"deadlock-check"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// Key is the private key of the validator.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:               DefaultDataDir(),
		LogLevel:              DefaultLogLevel,
		CacheSize:             DefaultCacheSize,
		MaxPool:               DefaultMaxPool,
		LockTimeout:           DefaultLockTimeout,
		ConnTimeout:           DefaultConnTimeout,
		DeadlockCheckInterval: DefaultDeadlockCheckInterval,
		Store:                 DefaultStore,
		DatabaseDir:           DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level data directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// WitnessFile returns the full path of the genesis witness list.
func (c *Config) WitnessFile() string {
	return filepath.Join(c.DataDir, DefaultWitnessFile)
}

// Logger returns a formatted logrus Entry, with prefix set to "mainstay".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "mainstay")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Mainstay")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Mainstay")
		} else {
			return filepath.Join(home, ".mainstay")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a level string into a logrus level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
