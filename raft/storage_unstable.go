package raft

import "github.com/eryue0220/openraft/raftpb"

// storageUnstable stores unstable entries that have not yet
// been written to StorageStable.
type storageUnstable struct {
	incomingSnapshot *raftpb.Snapshot

	// indexOffset may be smaller than the actual highest log
	// position in storage, which means the next write to storage
	// might need to truncate the log before persisting these unstable
	// log entries.
	indexOffset uint64

	// entries[idx]'s raft log index == idx + indexOffset
	entries []raftpb.Entry
}

// maybeFirstIndex returns the index of the first available entry,
// which is only known here when an incoming snapshot is pending.
func (su *storageUnstable) maybeFirstIndex() (uint64, bool) {
	if su.incomingSnapshot != nil {
		return su.incomingSnapshot.Metadata.Index + 1, true
	}
	return 0, false
}

// maybeLastIndex returns the last index of unstable entries or snapshot.
func (su *storageUnstable) maybeLastIndex() (uint64, bool) {
	switch {
	case len(su.entries) > 0:
		return su.indexOffset + uint64(len(su.entries)) - 1, true

	case su.incomingSnapshot != nil: // no unstable entries
		return su.incomingSnapshot.Metadata.Index, true

	default:
		return 0, false
	}
}

// maybeTerm returns the term of the entry with the given log index, if any.
func (su *storageUnstable) maybeTerm(index uint64) (uint64, bool) {
	if index < su.indexOffset {
		if su.incomingSnapshot == nil {
			return 0, false
		}
		if su.incomingSnapshot.Metadata.Index == index {
			return su.incomingSnapshot.Metadata.Term, true
		}
		return 0, false
	}

	lastIndex, ok := su.maybeLastIndex()
	if !ok {
		return 0, false
	}

	if index > lastIndex {
		return 0, false
	}

	return su.entries[index-su.indexOffset].Term, true
}

// persistedEntriesAt updates unstable entries and indexes after persisting
// those unstable entries to stable storage.
func (su *storageUnstable) persistedEntriesAt(index, term uint64) {
	tm, ok := su.maybeTerm(index)
	if !ok {
		return
	}

	// only update unstable entries if term
	// is matched with an unstable entry
	if tm == term && index >= su.indexOffset {
		// entries      = [10, 11, 12]
		// index offset = 10
		//
		// persistedEntriesAt(index=10) ➝ entries[10-10+1:] = entries[1:]
		// [10] is now considered persisted; new index offset = 11
		su.entries = su.entries[index-su.indexOffset+1:]
		su.indexOffset = index + 1
	}
}

// persistedSnapshotAt drops the incoming snapshot once it is persisted.
func (su *storageUnstable) persistedSnapshotAt(index uint64) {
	if su.incomingSnapshot != nil && su.incomingSnapshot.Metadata.Index == index {
		su.incomingSnapshot = nil
	}
}

// restoreIncomingSnapshot resets unstable storage with the incoming snapshot.
func (su *storageUnstable) restoreIncomingSnapshot(snap raftpb.Snapshot) {
	su.indexOffset = snap.Metadata.Index + 1
	su.entries = nil
	su.incomingSnapshot = &snap
}

func (su *storageUnstable) truncateAndAppend(entries []raftpb.Entry) {
	firstIndexInEntriesToAppend := entries[0].Index
	switch {
	case firstIndexInEntriesToAppend == su.indexOffset+uint64(len(su.entries)):
		// directly contiguous; just append
		su.entries = append(su.entries, entries...)

	case firstIndexInEntriesToAppend <= su.indexOffset:
		// the incoming entries rewrite everything we hold
		raftLogger.Infof("replacing unstable entries from index %d", firstIndexInEntriesToAppend)
		su.indexOffset = firstIndexInEntriesToAppend
		su.entries = entries

	default:
		// partial overlap; keep [indexOffset, firstIndexInEntriesToAppend)
		// and append the rest
		raftLogger.Infof("truncating unstable entries to unstable.entries[%d, %d)", su.indexOffset, firstIndexInEntriesToAppend)
		sl := su.slice(su.indexOffset, firstIndexInEntriesToAppend)
		tmps := make([]raftpb.Entry, len(sl))
		copy(tmps, sl)
		su.entries = tmps

		su.entries = append(su.entries, entries...)
	}
}

func (su *storageUnstable) checkSliceBoundary(startIndex, endIndex uint64) {
	if startIndex > endIndex {
		raftLogger.Panicf("invalid unstable indexes [start index=%d | end index=%d]", startIndex, endIndex)
	}

	lastIndex := su.indexOffset + uint64(len(su.entries))
	if startIndex < su.indexOffset || endIndex > lastIndex {
		raftLogger.Panicf("unstable.entries[%d,%d) is out of bound [index offset=%d | last index=%d]", startIndex, endIndex, su.indexOffset, lastIndex)
	}
}

func (su *storageUnstable) slice(startIndex, endIndex uint64) []raftpb.Entry {
	su.checkSliceBoundary(startIndex, endIndex)
	return su.entries[startIndex-su.indexOffset : endIndex-su.indexOffset]
}
