package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"
)

type Config struct {
	// DatabaseID is this replica's identity in change vectors. Empty means use the id stored
	// in the database, generating one on first open.
	DatabaseID string `toml:"database-id"`
	StatusAddr string `toml:"status-addr"` // Address of the /metrics endpoint, empty disables it.

	Engine        Engine        `toml:"engine"`
	Merger        Merger        `toml:"merger"`
	Notifications Notifications `toml:"notifications"`
	Subscriptions Subscriptions `toml:"subscriptions"`
	Log           log.Config    `toml:"log"`
}

type Engine struct {
	DBPath       string `toml:"db-path"`        // Directory to store the data in. Should exist and be writable.
	InMemory     bool   `toml:"in-memory"`      // Keep everything in memory, nothing survives Close.
	SyncWrites   bool   `toml:"sync-writes"`    // Sync every commit to disk.
	MemTableSize string `toml:"mem-table-size"` // Human readable size, e.g. "64MB".
}

type Merger struct {
	// MaxBatchDuration caps how long one batch keeps draining the queue. An outstanding async
	// commit of the previous batch can stretch a batch past it.
	MaxBatchDuration time.Duration `toml:"max-batch-duration"`
	// MaxTxnSize caps the bytes modified by one batch, only enforced in constrained mode.
	MaxTxnSize string `toml:"max-txn-size"`
	// Constrained is "auto", "on" or "off".
	Constrained string `toml:"constrained"`
}

type Notifications struct {
	RedisAddr    string `toml:"redis-addr"` // Empty disables publishing to redis.
	RedisChannel string `toml:"redis-channel"`
	QueueSize    int    `toml:"queue-size"`
	MaxRetries   uint64 `toml:"max-retries"`
}

type Subscriptions struct {
	LockTimeout time.Duration `toml:"lock-timeout"`
}

const (
	ConstrainedAuto = "auto"
	ConstrainedOn   = "on"
	ConstrainedOff  = "off"

	// constrainedMemoryLimit is the physical memory below which auto mode counts as constrained.
	constrainedMemoryLimit = 2 * units.GiB
)

func (c *Config) Validate() error {
	if !c.Engine.InMemory && c.Engine.DBPath == "" {
		return errors.Errorf("db-path must be set unless in-memory is enabled")
	}
	if c.DatabaseID != "" {
		if _, err := uuid.Parse(c.DatabaseID); err != nil {
			return errors.Errorf("invalid database-id %q: %v", c.DatabaseID, err)
		}
	}
	if _, err := c.Engine.MemTableBytes(); err != nil {
		return err
	}
	if c.Merger.MaxBatchDuration <= 0 {
		return errors.Errorf("max-batch-duration must be greater than 0")
	}
	if _, err := c.Merger.TxnSizeBytes(); err != nil {
		return err
	}
	switch c.Merger.Constrained {
	case ConstrainedAuto, ConstrainedOn, ConstrainedOff:
	default:
		return errors.Errorf("constrained must be one of auto, on, off, got %q", c.Merger.Constrained)
	}
	if c.Notifications.QueueSize <= 0 {
		return errors.Errorf("notifications queue-size must be greater than 0")
	}
	if c.Subscriptions.LockTimeout <= 0 {
		return errors.Errorf("subscriptions lock-timeout must be greater than 0")
	}
	return nil
}

// MemTableBytes parses MemTableSize.
func (e *Engine) MemTableBytes() (int64, error) {
	n, err := units.RAMInBytes(e.MemTableSize)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid mem-table-size %q", e.MemTableSize)
	}
	return n, nil
}

// TxnSizeBytes parses MaxTxnSize.
func (m *Merger) TxnSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(m.MaxTxnSize)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid max-txn-size %q", m.MaxTxnSize)
	}
	return n, nil
}

// IsConstrained resolves Constrained. In auto mode a 32-bit address space or a host with
// less than 2GiB of physical memory is constrained.
func (m *Merger) IsConstrained() bool {
	switch m.Constrained {
	case ConstrainedOn:
		return true
	case ConstrainedOff:
		return false
	}
	if strconv.IntSize == 32 {
		return true
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("cannot read host memory, assuming unconstrained", zap.Error(err))
		return false
	}
	return vm.Total < constrainedMemoryLimit
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		StatusAddr: "127.0.0.1:9292",
		Engine: Engine{
			DBPath:       "/tmp/tinydoc",
			SyncWrites:   true,
			MemTableSize: "64MB",
		},
		Merger: Merger{
			MaxBatchDuration: 150 * time.Millisecond,
			MaxTxnSize:       "4MB",
			Constrained:      ConstrainedAuto,
		},
		Notifications: Notifications{
			RedisChannel: "tinydoc:changes",
			QueueSize:    4096,
			MaxRetries:   5,
		},
		Subscriptions: Subscriptions{
			LockTimeout: 15 * time.Second,
		},
		Log: log.Config{Level: getLogLevel()},
	}
}

func NewTestConfig() *Config {
	return &Config{
		Engine: Engine{
			InMemory:     true,
			MemTableSize: "16MB",
		},
		Merger: Merger{
			MaxBatchDuration: 50 * time.Millisecond,
			MaxTxnSize:       "1MB",
			Constrained:      ConstrainedOff,
		},
		Notifications: Notifications{
			RedisChannel: "tinydoc:test",
			QueueSize:    128,
			MaxRetries:   1,
		},
		Subscriptions: Subscriptions{
			LockTimeout: 200 * time.Millisecond,
		},
		Log: log.Config{Level: getLogLevel()},
	}
}

// LoadFile overlays the toml file at path on the default config and validates the result.
func LoadFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, conf); err != nil {
			return nil, errors.Annotatef(err, "load config %s", path)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
