package raft

import (
	"fmt"
	"math"

	"github.com/eryue0220/openraft/raftpb"
)

// storageRaftLog represents the raft log: stable storage with an unstable
// overlay of not-yet-persisted entries, plus commit/apply cursors.
type storageRaftLog struct {
	// storageStable contains all stable entries since the last snapshot.
	storageStable StorageStable

	// storageUnstable contains all unstable entries and snapshot
	// to be stored into storageStable.
	storageUnstable storageUnstable

	// committedIndex is the highest log position that is known to be stored
	// on a quorum of nodes.
	committedIndex uint64

	// appliedIndex is the highest log position that the application has been
	// instructed to apply to its state machine.
	// Must: appliedIndex <= committedIndex
	appliedIndex uint64
}

// newStorageRaftLog returns a new storageRaftLog with the given stable storage.
func newStorageRaftLog(storageStable StorageStable) *storageRaftLog {
	if storageStable == nil {
		raftLogger.Panic("stable storage must not be nil")
	}

	sr := &storageRaftLog{
		storageStable: storageStable,
	}

	firstIndex, err := storageStable.FirstIndex()
	if err != nil {
		raftLogger.Panicf("stable storage first index is not available (%v)", err)
	}

	lastIndex, err := storageStable.LastIndex()
	if err != nil {
		raftLogger.Panicf("stable storage last index is not available (%v)", err)
	}

	sr.storageUnstable.incomingSnapshot = nil
	sr.storageUnstable.indexOffset = lastIndex + 1
	sr.storageUnstable.entries = nil

	// index of last compaction
	sr.committedIndex = firstIndex - 1
	sr.appliedIndex = firstIndex - 1

	return sr
}

func (sr *storageRaftLog) String() string {
	return fmt.Sprintf("[committed index=%d | applied index=%d | unstable.indexOffset=%d | len(unstable.entries)=%d]",
		sr.committedIndex, sr.appliedIndex,
		sr.storageUnstable.indexOffset, len(sr.storageUnstable.entries),
	)
}

// firstIndex gets the first index from unstable storage first.
// If it's not available, try the first index in stable storage.
func (sr *storageRaftLog) firstIndex() uint64 {
	if index, ok := sr.storageUnstable.maybeFirstIndex(); ok {
		return index
	}

	index, err := sr.storageStable.FirstIndex()
	if err != nil {
		raftLogger.Panicf("storageStable.FirstIndex error (%v)", err)
	}

	return index
}

// lastIndex gets the last index from unstable storage first.
// If it's not available, try the last index in stable storage.
func (sr *storageRaftLog) lastIndex() uint64 {
	if index, ok := sr.storageUnstable.maybeLastIndex(); ok {
		return index
	}

	index, err := sr.storageStable.LastIndex()
	if err != nil {
		raftLogger.Panicf("storageStable.LastIndex error (%v)", err)
	}

	return index
}

// term gets the term of the specified index from unstable storage first.
// If it's not available, try the term in stable storage.
func (sr *storageRaftLog) term(index uint64) (uint64, error) {
	dummyIndex := sr.firstIndex() - 1
	if index < dummyIndex || sr.lastIndex() < index {
		return 0, nil
	}

	if tm, ok := sr.storageUnstable.maybeTerm(index); ok {
		return tm, nil
	}

	tm, err := sr.storageStable.Term(index)
	switch err {
	case nil:
		return tm, nil
	case ErrCompacted:
		return 0, err
	default:
		panic(err)
	}
}

// lastTerm returns the term of the last log entry.
func (sr *storageRaftLog) lastTerm() uint64 {
	tm, err := sr.term(sr.lastIndex())
	if err != nil {
		raftLogger.Panicf("term(lastIndex) error (%v)", err)
	}
	return tm
}

// matchTerm returns true if the entry at the given index has the given term.
func (sr *storageRaftLog) matchTerm(index, term uint64) bool {
	tm, err := sr.term(index)
	if err != nil {
		return false
	}
	return tm == term
}

// lastIndexOfTerm walks the log down from lastIndex and returns the last
// index holding exactly the given term, or 0 when the log has no entry of
// that term. Used by the leader to resolve conflict hints in one step.
func (sr *storageRaftLog) lastIndexOfTerm(term uint64) uint64 {
	for index := sr.lastIndex(); index > sr.firstIndex()-1; index-- {
		tm, err := sr.term(index)
		if err != nil {
			return 0
		}
		if tm == term {
			return index
		}
		if tm < term {
			return 0
		}
	}
	return 0
}

// firstIndexOfTermAt walks the log down from the given index and returns
// the first index holding the same term as the entry at that index.
// Followers use this to build the conflict hint on rejected appends.
func (sr *storageRaftLog) firstIndexOfTermAt(index uint64) uint64 {
	term, err := sr.term(index)
	if err != nil || term == 0 {
		return index
	}

	for index > sr.firstIndex() {
		tm, err := sr.term(index - 1)
		if err != nil || tm != term {
			break
		}
		index--
	}
	return index
}

// mustCheckOutOfBounds ensures that:
//
//	sr.firstIndex() <= startIndex <= endIndex <= sr.lastIndex() + 1
func (sr *storageRaftLog) mustCheckOutOfBounds(startIndex, endIndex uint64) error {
	if startIndex > endIndex {
		raftLogger.Panicf("invalid raft log indexes [start index=%d | end index=%d]", startIndex, endIndex)
	}

	firstIndex := sr.firstIndex()
	if firstIndex > startIndex {
		return ErrCompacted
	}

	entryN := sr.lastIndex() - firstIndex + 1
	if endIndex > firstIndex+entryN {
		raftLogger.Panicf("entries[%d, %d) is out of bound [first index=%d | last index=%d]", startIndex, endIndex, firstIndex, sr.lastIndex())
	}

	return nil
}

// slice returns the entries[startIndex, endIndex) with limit size.
// The result may span stable and unstable storage.
func (sr *storageRaftLog) slice(startIndex, endIndex, limitSize uint64) ([]raftpb.Entry, error) {
	if err := sr.mustCheckOutOfBounds(startIndex, endIndex); err != nil {
		return nil, err
	}

	if startIndex == endIndex {
		return nil, nil
	}

	var entries []raftpb.Entry

	if startIndex < sr.storageUnstable.indexOffset { // try stable storage entries
		stableEntries, err := sr.storageStable.Entries(startIndex, minUint64(endIndex, sr.storageUnstable.indexOffset), limitSize)
		if err != nil {
			switch err {
			case ErrCompacted:
				return nil, err
			case ErrUnavailable:
				raftLogger.Panicf("entries[%d,%d) is unavailable from stable storage", startIndex, minUint64(endIndex, sr.storageUnstable.indexOffset))
			default:
				raftLogger.Panicf("entries[%d,%d) is unavailable from stable storage (%v)", startIndex, minUint64(endIndex, sr.storageUnstable.indexOffset), err)
			}
		}

		// the stable result was cut short by limitSize
		var (
			stableEntriesN = uint64(len(stableEntries))
			expectedN      = minUint64(sr.storageUnstable.indexOffset, endIndex) - startIndex
		)
		if stableEntriesN < expectedN {
			return stableEntries, nil
		}

		entries = stableEntries
	}

	if endIndex > sr.storageUnstable.indexOffset { // try unstable storage entries
		unstableEntries := sr.storageUnstable.slice(maxUint64(startIndex, sr.storageUnstable.indexOffset), endIndex)
		if len(entries) > 0 {
			// copy; appending in place to the stable slice races with
			// concurrent readers of the same backing array
			tmps := make([]raftpb.Entry, len(entries))
			copy(tmps, entries)
			entries = tmps

			entries = append(entries, unstableEntries...)
		} else {
			entries = unstableEntries
		}
	}

	return limitEntries(limitSize, entries...), nil
}

// entries returns the entries[startIndex, lastIndex+1) with size limit.
func (sr *storageRaftLog) entries(startIndex, limitSize uint64) ([]raftpb.Entry, error) {
	if startIndex > sr.lastIndex() {
		return nil, nil
	}
	return sr.slice(startIndex, sr.lastIndex()+1, limitSize)
}

// unstableEntries returns all unstable entries in the raft log.
func (sr *storageRaftLog) unstableEntries() []raftpb.Entry {
	if len(sr.storageUnstable.entries) == 0 {
		return nil
	}
	return sr.storageUnstable.entries
}

// allEntries returns all entries in the raft log, except the first dummy entry.
func (sr *storageRaftLog) allEntries() []raftpb.Entry {
	entries, err := sr.entries(sr.firstIndex(), math.MaxUint64)
	if err != nil {
		switch err {
		case ErrCompacted: // try again in case there was a racing compaction
			return sr.allEntries()
		default:
			raftLogger.Panicf("allEntries error (%v)", err)
		}
	}
	return entries
}

// snapshot returns the snapshot of the current raft log.
// It first tries the unstable storage, then the stable storage.
func (sr *storageRaftLog) snapshot() (raftpb.Snapshot, error) {
	if sr.storageUnstable.incomingSnapshot != nil {
		return *sr.storageUnstable.incomingSnapshot, nil
	}

	return sr.storageStable.Snapshot()
}

// restoreSnapshot resets the log around the incoming snapshot.
func (sr *storageRaftLog) restoreSnapshot(snap raftpb.Snapshot) {
	raftLogger.Infof("log %v is restoring the given snapshot [index=%d | term=%d]", sr, snap.Metadata.Index, snap.Metadata.Term)
	sr.committedIndex = snap.Metadata.Index
	sr.storageUnstable.restoreIncomingSnapshot(snap)
}

// hasNextEntriesToApply returns true if there are committed entries
// not yet handed to the application.
func (sr *storageRaftLog) hasNextEntriesToApply() (uint64, bool) {
	maxStart := maxUint64(sr.appliedIndex+1, sr.firstIndex())
	return maxStart, sr.committedIndex >= maxStart
}

// nextEntriesToApply returns all the committed entries ready for applying.
func (sr *storageRaftLog) nextEntriesToApply() []raftpb.Entry {
	maxStart, ok := sr.hasNextEntriesToApply()
	if !ok {
		return nil
	}

	entries, err := sr.slice(maxStart, sr.committedIndex+1, math.MaxUint64)
	if err != nil {
		raftLogger.Panicf("nextEntriesToApply error (%v)", err)
	}
	return entries
}

// zeroTermOnErrCompacted maps ErrCompacted to term 0.
func (sr *storageRaftLog) zeroTermOnErrCompacted(term uint64, err error) uint64 {
	switch err {
	case nil:
		return term

	case ErrCompacted:
		return 0

	default:
		raftLogger.Panicf("unexpected error (%v)", err)
		return 0
	}
}

// isUpToDate returns true if the given (index, term) log is at least as
// up-to-date as the last entry in the existing log: first by term, then
// by index.
func (sr *storageRaftLog) isUpToDate(index, term uint64) bool {
	return term > sr.lastTerm() || (term == sr.lastTerm() && index >= sr.lastIndex())
}

// persistedEntriesAt updates unstable entries and indexes after persisting
// those unstable entries to stable storage.
func (sr *storageRaftLog) persistedEntriesAt(indexToPersist, termToPersist uint64) {
	sr.storageUnstable.persistedEntriesAt(indexToPersist, termToPersist)
}

// persistedSnapshotAt updates snapshot metadata after persisting the incoming snapshot.
func (sr *storageRaftLog) persistedSnapshotAt(indexToPersist uint64) {
	sr.storageUnstable.persistedSnapshotAt(indexToPersist)
}

// commitTo updates committedIndex. The commit index never decreases.
func (sr *storageRaftLog) commitTo(indexToCommit uint64) {
	if sr.committedIndex < indexToCommit {
		if sr.lastIndex() < indexToCommit {
			raftLogger.Panicf("got wrong commit index '%d', greater than last index '%d' (possible log corruption, truncation, loss)",
				indexToCommit, sr.lastIndex())
		}
		sr.committedIndex = indexToCommit
	}
}

// appliedTo updates appliedIndex.
func (sr *storageRaftLog) appliedTo(indexToApply uint64) {
	if indexToApply == 0 {
		return
	}

	// MUST: appliedIndex <= indexToApply <= committedIndex
	if sr.committedIndex < indexToApply || indexToApply < sr.appliedIndex {
		raftLogger.Panicf("got wrong applied index '%d' [commit index=%d | previous applied index=%d]",
			indexToApply, sr.committedIndex, sr.appliedIndex)
	}

	sr.appliedIndex = indexToApply
}

// maybeCommit is only successful if 'indexToCommit' is greater than the
// current 'committedIndex' AND the term of 'indexToCommit' matches
// 'termToCommit'. The term gate is what keeps a leader from count-committing
// entries from previous terms.
func (sr *storageRaftLog) maybeCommit(indexToCommit, termToCommit uint64) bool {
	if indexToCommit > sr.committedIndex && sr.zeroTermOnErrCompacted(sr.term(indexToCommit)) == termToCommit {
		sr.commitTo(indexToCommit)
		return true
	}
	return false
}

// appendToStorageUnstable appends new entries to unstable storage,
// and returns the last index of the raft log.
func (sr *storageRaftLog) appendToStorageUnstable(entries ...raftpb.Entry) uint64 {
	if len(entries) == 0 {
		return sr.lastIndex()
	}

	if expectedLastIdx := entries[0].Index - 1; expectedLastIdx < sr.committedIndex {
		raftLogger.Panicf("expected last index '%d' is out of range on raft log committed index '%d'", expectedLastIdx, sr.committedIndex)
	}

	sr.storageUnstable.truncateAndAppend(entries)
	return sr.lastIndex()
}

// findConflict finds the index of the first conflicting entry.
// An entry is conflicting if it has the same index but a different term.
// If the given entries extend past the existing log, it returns the index
// of the first new entry. Returns 0 when nothing conflicts and nothing
// is new.
func (sr *storageRaftLog) findConflict(entries ...raftpb.Entry) uint64 {
	for _, ent := range entries {
		if !sr.matchTerm(ent.Index, ent.Term) {
			if ent.Index <= sr.lastIndex() {
				raftLogger.Infof("conflicting entry at index %d [existing term %d != conflicting term %d]",
					ent.Index, sr.zeroTermOnErrCompacted(sr.term(ent.Index)), ent.Term)
			}
			return ent.Index
		}
	}
	return 0
}

// maybeAppend returns the last index of the new entries and true when the
// (index, term) pair matches the local log. Conflicting suffixes are
// overwritten; the commit index advances to min(indexToCommit, lastNewIndex).
func (sr *storageRaftLog) maybeAppend(index, term, indexToCommit uint64, entries ...raftpb.Entry) (uint64, bool) {
	if sr.matchTerm(index, term) {
		conflictingIndex := sr.findConflict(entries...)
		switch {
		case conflictingIndex == 0:

		case conflictingIndex <= sr.committedIndex:
			raftLogger.Panicf("conflicting entry index '%d' must be greater than committed index '%d'", conflictingIndex, sr.committedIndex)

		default:
			newStartIndex := conflictingIndex - (index + 1)
			sr.appendToStorageUnstable(entries[newStartIndex:]...)
		}

		lastNewIndex := index + uint64(len(entries))
		sr.commitTo(minUint64(indexToCommit, lastNewIndex))
		return lastNewIndex, true
	}

	return 0, false
}
