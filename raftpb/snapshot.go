package raftpb

// SnapshotMetadata describes the state machine image that replaces
// a log prefix: everything at or below Index is covered.
type SnapshotMetadata struct {
	Index      uint64
	Term       uint64
	Membership Membership
}

// Snapshot is a state machine image plus the metadata needed to
// splice it into a Raft log.
type Snapshot struct {
	Metadata SnapshotMetadata
	Data     []byte
}

// IsEmptySnapshot returns true if the given Snapshot is empty.
func IsEmptySnapshot(snap Snapshot) bool {
	return snap.Metadata.Index == 0
}

// SNAPSHOT_STATUS reports the outcome of a snapshot transfer.
type SNAPSHOT_STATUS uint8

const (
	SNAPSHOT_STATUS_FINISHED SNAPSHOT_STATUS = iota
	SNAPSHOT_STATUS_FAILED
)
