package cfg

import (
	"fmt"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "RELDB"

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"

	DefaultEnv = EnvDev
)

type Environment string

func (e Environment) Validate() error {
	if e != EnvDev && e != EnvProd {
		return errors.New("environment must be either dev or prod")
	}

	return nil
}

type Config struct {
	Environment Environment `default:"dev"`

	DataDir string `split_words:"true" default:"./data"`

	PoolSize           uint64        `split_words:"true" default:"64"`
	FrameWaitTimeout   time.Duration `split_words:"true" default:"100ms"`
	PageLatchTimeout   time.Duration `split_words:"true" default:"1s"`
	ConfigLatchTimeout time.Duration `split_words:"true" default:"1s"`
	PrefetchWorkers    int           `split_words:"true" default:"4"`

	LockTimeout       time.Duration `split_words:"true" default:"2s"`
	DeadlockDetection bool          `split_words:"true" default:"true"`
	DefaultIsolation  string        `split_words:"true" default:"READ_COMMITTED"`

	WALSyncMode      string        `envconfig:"WAL_SYNC_MODE" default:"sync"`
	WALFlushInterval time.Duration `envconfig:"WAL_FLUSH_INTERVAL" default:"100ms"`
	WALBufferRecords int           `envconfig:"WAL_BUFFER_RECORDS" default:"1024"`

	// 0 turns the background checkpointer off
	CheckpointInterval time.Duration `split_words:"true" default:"1m"`
}

// Default returns the configuration with every field at its default
// value, ignoring the environment.
func Default() Config {
	return Config{
		Environment:        DefaultEnv,
		DataDir:            "./data",
		PoolSize:           64,
		FrameWaitTimeout:   100 * time.Millisecond,
		PageLatchTimeout:   time.Second,
		ConfigLatchTimeout: time.Second,
		PrefetchWorkers:    4,
		LockTimeout:        2 * time.Second,
		DeadlockDetection:  true,
		DefaultIsolation:   "READ_COMMITTED",
		WALSyncMode:        "sync",
		WALFlushInterval:   100 * time.Millisecond,
		WALBufferRecords:   1024,
		CheckpointInterval: time.Minute,
	}
}

// Load reads the optional dotenv file at path into the process environment
// and builds the configuration from RELDB_* variables.
func Load(path string) (Config, error) {
	if path != "" {
		err := godotenv.Load(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return Config{}, fmt.Errorf("failed to process env vars: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if err := c.Environment.Validate(); err != nil {
		return fmt.Errorf("environment validation: %w", err)
	}

	switch {
	case c.DataDir == "":
		return errors.New("data dir must be set")
	case c.PoolSize == 0:
		return errors.New("pool size must be greater than zero")
	case c.FrameWaitTimeout <= 0, c.PageLatchTimeout <= 0, c.ConfigLatchTimeout <= 0:
		return errors.New("buffer pool timeouts must be positive")
	case c.LockTimeout <= 0:
		return errors.New("lock timeout must be positive")
	case c.WALSyncMode != "sync" && c.WALSyncMode != "async":
		return fmt.Errorf("wal sync mode must be sync or async, got %q", c.WALSyncMode)
	case c.WALSyncMode == "async" && c.WALFlushInterval <= 0:
		return errors.New("async wal requires a positive flush interval")
	case c.CheckpointInterval < 0:
		return errors.New("checkpoint interval must not be negative")
	}
	return nil
}
