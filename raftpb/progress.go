package raftpb

import "fmt"

// PROGRESS_STATE is the state of a follower's progress in the leader's view.
type PROGRESS_STATE uint8

const (
	// PROGRESS_STATE_PROBE is the state where the leader sends at most one
	// append per heartbeat interval, to discover the follower's actual
	// last matching index.
	PROGRESS_STATE_PROBE PROGRESS_STATE = iota

	// PROGRESS_STATE_REPLICATE is the state of optimistic streaming
	// replication, bounded by the inflights window.
	PROGRESS_STATE_REPLICATE

	// PROGRESS_STATE_SNAPSHOT is the state where the follower needs a
	// snapshot because its required log prefix has been compacted away.
	// Replication is paused until the snapshot transfer resolves.
	PROGRESS_STATE_SNAPSHOT
)

func (st PROGRESS_STATE) String() string {
	switch st {
	case PROGRESS_STATE_PROBE:
		return "Probe"
	case PROGRESS_STATE_REPLICATE:
		return "Replicate"
	case PROGRESS_STATE_SNAPSHOT:
		return "Snapshot"
	default:
		panic(fmt.Sprintf("unknown PROGRESS_STATE %d", st))
	}
}
