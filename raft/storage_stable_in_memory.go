package raft

import (
	"sync"

	"github.com/eryue0220/openraft/raftpb"
)

// StorageStableInMemory implements StorageStable backed by an in-memory
// slice. It keeps a dummy entry at offset 0 holding the term of the entry
// right before FirstIndex, for log-matching purposes.
type StorageStableInMemory struct {
	mu sync.Mutex

	hardState raftpb.HardState

	// snapshot contains metadata and encoded bytes data.
	snapshot raftpb.Snapshot

	// snapshotEntries[idx]'s raft log index == idx + snapshot.Metadata.Index
	snapshotEntries []raftpb.Entry
}

// NewStorageStableInMemory creates an empty StorageStable in memory.
func NewStorageStableInMemory() *StorageStableInMemory {
	return &StorageStableInMemory{
		// populate with one dummy entry at term 0
		snapshotEntries: make([]raftpb.Entry, 1),
	}
}

// GetState returns the saved HardState and Membership.
func (ms *StorageStableInMemory) GetState() (raftpb.HardState, raftpb.Membership, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hardState, ms.snapshot.Metadata.Membership, nil
}

func (ms *StorageStableInMemory) firstIndex() uint64 {
	return ms.snapshotEntries[0].Index + 1 // first entry is the dummy
}

// FirstIndex returns the first index.
func (ms *StorageStableInMemory) FirstIndex() (uint64, error) {
	ms.mu.Lock()
	idx := ms.firstIndex()
	ms.mu.Unlock()

	return idx, nil
}

func (ms *StorageStableInMemory) lastIndex() uint64 {
	return ms.snapshotEntries[len(ms.snapshotEntries)-1].Index
}

// LastIndex returns the last index.
func (ms *StorageStableInMemory) LastIndex() (uint64, error) {
	ms.mu.Lock()
	idx := ms.lastIndex()
	ms.mu.Unlock()

	return idx, nil
}

// Term returns the term of the given index.
func (ms *StorageStableInMemory) Term(index uint64) (uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	firstEntryIndexInStorage := ms.firstIndex() - 1
	if firstEntryIndexInStorage > index {
		return 0, ErrCompacted
	}

	if index > ms.lastIndex() {
		return 0, ErrUnavailable
	}

	return ms.snapshotEntries[index-firstEntryIndexInStorage].Term, nil
}

// Entries returns the slice of log entries in [startIndex, endIndex).
func (ms *StorageStableInMemory) Entries(startIndex, endIndex, limitSize uint64) ([]raftpb.Entry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	firstEntryIndexInStorage := ms.firstIndex() - 1
	if firstEntryIndexInStorage >= startIndex { // == means match with the dummy entry
		return nil, ErrCompacted
	}

	// since [startIndex, endIndex)
	if endIndex > ms.lastIndex()+1 {
		raftLogger.Panicf("end index '%d' out of bound (entries last index = %d)", endIndex, ms.lastIndex())
	}

	// only contains the dummy entry
	if len(ms.snapshotEntries) == 1 {
		return nil, ErrUnavailable
	}

	entries := ms.snapshotEntries[startIndex-firstEntryIndexInStorage : endIndex-firstEntryIndexInStorage]
	return limitEntries(limitSize, entries...), nil
}

// Snapshot returns the snapshot of stable storage.
func (ms *StorageStableInMemory) Snapshot() (raftpb.Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.snapshot, nil
}

// Append appends entries to storage, truncating any conflicting suffix.
// Entries preceding FirstIndex are silently dropped.
func (ms *StorageStableInMemory) Append(entries ...raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	firstLogIndex := ms.firstIndex()
	lastEntryIndex := entries[len(entries)-1].Index
	if firstLogIndex > lastEntryIndex { // all entries already compacted
		return nil
	}

	// truncate compacted entries
	firstEntryIndex := entries[0].Index
	if firstLogIndex > firstEntryIndex {
		entries = entries[firstLogIndex-firstEntryIndex:]
	}

	firstEntryIndex = entries[0].Index

	var (
		offset         = firstEntryIndex - firstLogIndex + 1
		snapshotEntryN = uint64(len(ms.snapshotEntries))
	)
	switch {
	case snapshotEntryN > offset:
		// overlapping suffix; copy to not manipulate the original entries
		tmps := make([]raftpb.Entry, offset)
		copy(tmps, ms.snapshotEntries[:offset])
		ms.snapshotEntries = tmps
		ms.snapshotEntries = append(ms.snapshotEntries, entries...)

	case snapshotEntryN == offset:
		ms.snapshotEntries = append(ms.snapshotEntries, entries...)

	default:
		raftLogger.Panicf("missing log entry [last log index: %d | entries[0].Index: %d]", ms.lastIndex(), entries[0].Index)
	}

	return nil
}

// CreateSnapshot makes a snapshot at the given index, later to be retrieved
// by the Snapshot method.
func (ms *StorageStableInMemory) CreateSnapshot(index uint64, membership *raftpb.Membership, data []byte) (raftpb.Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if index <= ms.snapshot.Metadata.Index {
		return raftpb.Snapshot{}, ErrSnapOutOfDate
	}

	firstEntryIndexInStorage := ms.firstIndex() - 1
	if index > ms.lastIndex() {
		raftLogger.Panicf("snapshot on '%d' is out of bound (last log index in storage = %d)", index, ms.lastIndex())
	}

	ms.snapshot.Metadata.Index = index
	ms.snapshot.Metadata.Term = ms.snapshotEntries[index-firstEntryIndexInStorage].Term

	if membership != nil {
		ms.snapshot.Metadata.Membership = membership.Clone()
	}

	ms.snapshot.Data = data

	return ms.snapshot, nil
}

// ApplySnapshot overwrites storage with the given snapshot.
func (ms *StorageStableInMemory) ApplySnapshot(snapshot raftpb.Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if snapshot.Metadata.Index <= ms.snapshot.Metadata.Index {
		return ErrSnapOutOfDate
	}

	ms.snapshot = snapshot
	ms.snapshotEntries = []raftpb.Entry{ // metadata in the first entry as a dummy entry
		{Index: snapshot.Metadata.Index, Term: snapshot.Metadata.Term},
	}

	return nil
}

// SetHardState saves the current HardState.
func (ms *StorageStableInMemory) SetHardState(state raftpb.HardState) error {
	ms.mu.Lock()
	ms.hardState = state
	ms.mu.Unlock()
	return nil
}

// Compact discards all log entries up to compactIndex.
// It keeps entries[compactIndex:], retaining entries[compactIndex]
// in its first entry only for matching purposes.
func (ms *StorageStableInMemory) Compact(compactIndex uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	firstEntryIndexInStorage := ms.firstIndex() - 1
	if firstEntryIndexInStorage >= compactIndex { // == means first dummy entry (already compacted)
		return ErrCompacted
	}

	if compactIndex > ms.lastIndex() {
		raftLogger.Panicf("compact on '%d' is out of bound (last log index in storage = %d)", compactIndex, ms.lastIndex())
	}

	newEntryStartIndex := compactIndex - firstEntryIndexInStorage

	tmps := make([]raftpb.Entry, 1, uint64(len(ms.snapshotEntries))-newEntryStartIndex)
	tmps[0].Index = ms.snapshotEntries[newEntryStartIndex].Index
	tmps[0].Term = ms.snapshotEntries[newEntryStartIndex].Term
	tmps = append(tmps, ms.snapshotEntries[newEntryStartIndex+1:]...)

	ms.snapshotEntries = tmps

	return nil
}
