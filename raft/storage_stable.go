package raft

import "github.com/eryue0220/openraft/raftpb"

// StorageStable defines the storage interface that persists and retrieves
// Raft log entries, hard state, and snapshots.
type StorageStable interface {
	// GetState returns the saved HardState and Membership.
	// A restarting node reads its previous state and configuration
	// through this method.
	GetState() (raftpb.HardState, raftpb.Membership, error)

	// FirstIndex returns the index of the first-available log entry.
	// Older entries have been incorporated into the latest snapshot.
	FirstIndex() (uint64, error)

	// LastIndex returns the index of the last log entry in storage.
	LastIndex() (uint64, error)

	// Term returns the term of the entry index, which must be in the range
	// [FirstIndex - 1, LastIndex].
	//
	// The term of the entry before FirstIndex is retained for matching
	// purposes, even if the rest of the entries in that term may not be
	// available.
	Term(index uint64) (uint64, error)

	// Entries returns the slice of log entries in [startIndex, endIndex).
	// limitSize limits the total size of log entries to return.
	// It returns at least one entry if any.
	Entries(startIndex, endIndex, limitSize uint64) ([]raftpb.Entry, error)

	// Snapshot returns the most recent snapshot.
	// If the snapshot is temporarily unavailable, it returns
	// ErrSnapshotTemporarilyUnavailable, so the state machine knows that
	// storage needs more time to prepare the snapshot.
	Snapshot() (raftpb.Snapshot, error)

	// Append persists the given entries, truncating any existing
	// conflicting suffix first.
	Append(entries ...raftpb.Entry) error

	// SetHardState saves the current HardState.
	SetHardState(state raftpb.HardState) error

	// CreateSnapshot makes a snapshot at the given index, later to be
	// retrieved by the Snapshot method. It is used to reconstruct the
	// point-in-time state of storage.
	CreateSnapshot(index uint64, membership *raftpb.Membership, data []byte) (raftpb.Snapshot, error)

	// ApplySnapshot overwrites storage with the contents of the given
	// snapshot, discarding the existing log.
	ApplySnapshot(snapshot raftpb.Snapshot) error

	// Compact discards all log entries up to compactIndex, retaining
	// entries[compactIndex] only for term-matching purposes.
	//
	// The application must not compact an index greater than its
	// applied index.
	Compact(compactIndex uint64) error
}
