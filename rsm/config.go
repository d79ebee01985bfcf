package rsm

import (
	"errors"
	"time"

	"github.com/eryue0220/openraft/raft"
)

// Config configures one cluster member.
type Config struct {
	// ID is the member ID. It cannot be 0.
	ID uint64

	// ElectionTickNum and HeartbeatTickNum are in units of TickInterval,
	// passed through to the consensus core.
	ElectionTickNum  int
	HeartbeatTickNum int

	// TickInterval is the real-time duration of one logical tick.
	TickInterval time.Duration

	// SnapshotCount is the number of applied entries after which the
	// state machine is snapshotted and the log prefix compacted.
	SnapshotCount uint64

	// LearnerCatchUpLag is the maximum distance (in log entries) a new
	// learner may trail the leader before a membership change promotes
	// it to voter.
	LearnerCatchUpLag uint64

	// ReadOnlyOption selects how linearizable reads are confirmed.
	ReadOnlyOption raft.ReadOnlyOption

	// MaxEntryNumPerMsg and MaxInflightMsgNum bound replication message
	// size and pipelining, passed through to the consensus core.
	MaxEntryNumPerMsg uint64
	MaxInflightMsgNum int
}

func (c *Config) validate() error {
	if c.ID == 0 {
		return errors.New("rsm: cannot use 0 for member ID")
	}
	if c.HeartbeatTickNum <= 0 {
		return errors.New("rsm: heartbeat tick must be greater than 0")
	}
	if c.ElectionTickNum <= c.HeartbeatTickNum {
		return errors.New("rsm: election tick must be greater than heartbeat tick")
	}
	if c.TickInterval <= 0 {
		return errors.New("rsm: tick interval must be greater than 0")
	}
	return nil
}

// withDefaults fills the optional knobs.
func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.SnapshotCount == 0 {
		cfg.SnapshotCount = 10000
	}
	if cfg.LearnerCatchUpLag == 0 {
		cfg.LearnerCatchUpLag = 64
	}
	if cfg.MaxEntryNumPerMsg == 0 {
		cfg.MaxEntryNumPerMsg = 1024 * 1024
	}
	if cfg.MaxInflightMsgNum == 0 {
		cfg.MaxInflightMsgNum = 256
	}
	return cfg
}
