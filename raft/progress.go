package raft

import (
	"fmt"

	"github.com/eryue0220/openraft/raftpb"
)

// Progress is a follower's replication state in the leader's view.
type Progress struct {
	// State is either PROBE, REPLICATE, or SNAPSHOT.
	State raftpb.PROGRESS_STATE

	// MatchIndex is the highest known matched entry index
	// of this follower.
	MatchIndex uint64

	// NextIndex is the starting index of entries
	// for the next replication.
	NextIndex uint64

	// IsLearner is true when this member replicates but never counts
	// toward any quorum.
	IsLearner bool

	// PendingSnapshotIndex is used in SNAPSHOT state.
	// PendingSnapshotIndex is the index of the ongoing snapshot.
	// When PendingSnapshotIndex is set, leader stops replication
	// to this follower.
	PendingSnapshotIndex uint64

	// Paused is used in PROBE state.
	// When Paused is true, leader stops sending replication messages
	// to this follower.
	Paused bool

	// RecentActive is true if this follower was recently active,
	// such as receiving any message from this follower.
	// It is reset to false on every election timeout.
	RecentActive bool

	// inflights represents the window of in-flight append messages
	// to this follower. When it's full, no more messages should
	// be sent to this follower.
	inflights *inflights
}

func (pr *Progress) resetState(state raftpb.PROGRESS_STATE) {
	pr.State = state
	pr.PendingSnapshotIndex = 0
	pr.Paused = false
	pr.inflights.freeAll()
}

func (pr *Progress) becomeProbe() {
	if pr.State == raftpb.PROGRESS_STATE_SNAPSHOT { // snapshot was sent
		pendingSnapshotIndex := pr.PendingSnapshotIndex
		pr.resetState(raftpb.PROGRESS_STATE_PROBE)
		pr.NextIndex = maxUint64(pr.MatchIndex+1, pendingSnapshotIndex+1)
		return
	}
	pr.resetState(raftpb.PROGRESS_STATE_PROBE)
	pr.NextIndex = pr.MatchIndex + 1
}

func (pr *Progress) becomeReplicate() {
	pr.resetState(raftpb.PROGRESS_STATE_REPLICATE)
	pr.NextIndex = pr.MatchIndex + 1
}

func (pr *Progress) becomeSnapshot(snapshotIndex uint64) {
	pr.resetState(raftpb.PROGRESS_STATE_SNAPSHOT)
	pr.PendingSnapshotIndex = snapshotIndex
}

func (pr *Progress) pause() {
	pr.Paused = true
}

func (pr *Progress) resume() {
	pr.Paused = false
}

func (pr *Progress) isPaused() bool {
	switch pr.State {
	case raftpb.PROGRESS_STATE_PROBE:
		return pr.Paused
	case raftpb.PROGRESS_STATE_REPLICATE:
		return pr.inflights.full()
	case raftpb.PROGRESS_STATE_SNAPSHOT:
		return true
	default:
		panic("unexpected Progress.State")
	}
}

// optimisticUpdate advances NextIndex right after sending, without
// waiting for the append response.
func (pr *Progress) optimisticUpdate(msgLogIndex uint64) {
	pr.NextIndex = msgLogIndex + 1
}

// maybeUpdateAndResume returns false if the given index comes from an
// outdated message. Otherwise it updates the progress and returns true.
func (pr *Progress) maybeUpdateAndResume(msgLogIndex uint64) bool {
	upToDate := false
	if pr.MatchIndex < msgLogIndex {
		pr.MatchIndex = msgLogIndex
		upToDate = true
		pr.resume()
	}

	if pr.NextIndex <= msgLogIndex {
		pr.NextIndex = msgLogIndex + 1
	}

	return upToDate
}

// maybeDecreaseAndResume returns false if the rejection comes from an
// outdated message. Otherwise it regresses NextIndex toward the hint
// and returns true.
func (pr *Progress) maybeDecreaseAndResume(rejectLogIndex, rejectHint uint64) bool {
	if pr.State == raftpb.PROGRESS_STATE_REPLICATE {
		// the rejection must be stale if the progress has matched
		if rejectLogIndex <= pr.MatchIndex {
			return false
		}

		pr.NextIndex = pr.MatchIndex + 1
		return true
	}

	// the rejection must be stale if NextIndex has already moved
	if pr.NextIndex-1 != rejectLogIndex {
		return false
	}

	pr.NextIndex = minUint64(rejectLogIndex, rejectHint+1)
	if pr.NextIndex < 1 {
		pr.NextIndex = 1
	}

	pr.resume()
	return true
}

// needSnapshotAbort returns true if the snapshot transfer to this
// follower can be abandoned because its log already caught up.
func (pr *Progress) needSnapshotAbort() bool {
	return pr.State == raftpb.PROGRESS_STATE_SNAPSHOT && pr.MatchIndex >= pr.PendingSnapshotIndex
}

func (pr *Progress) snapshotFailed() {
	pr.PendingSnapshotIndex = 0
}

func (pr *Progress) String() string {
	return fmt.Sprintf("[state=%q | match index=%d | next index=%d | learner=%v | paused(waiting)=%v | pending snapshot index=%d]",
		pr.State,
		pr.MatchIndex,
		pr.NextIndex,
		pr.IsLearner,
		pr.isPaused(),
		pr.PendingSnapshotIndex,
	)
}
