package raft

import "github.com/eryue0220/openraft/raftpb"

// Ready represents entries and messages that are ready to read,
// ready to save to stable storage, ready to commit, ready to be
// sent to other peers. Ready is point-in-time state of a Node.
//
// All fields in Ready are read-only.
type Ready struct {
	// SoftState provides state that is useful for logging and debugging.
	// The state is volatile and does not need to be persisted.
	//
	// SoftState is nil, if there is no update.
	SoftState *raftpb.SoftState

	// HardStateToSave is the current state of the Node to be saved in stable storage
	// BEFORE messages are sent out.
	//
	// HardStateToSave is raftpb.EmptyHardState, if there is no update.
	HardStateToSave raftpb.HardState

	// SnapshotToSave specifies the Snapshot to save to stable storage.
	// Only leader can send Snapshot.
	SnapshotToSave raftpb.Snapshot

	// EntriesToAppend specifies the entries to save to stable storage
	// BEFORE messages are sent out.
	EntriesToAppend []raftpb.Entry

	// EntriesToCommit specifies the entries to commit, which have already been
	// saved in stable storage.
	EntriesToCommit []raftpb.Entry

	// MessagesToSend is outbound messages to be sent AFTER EntriesToAppend are
	// saved to the stable storage. If it contains a LEADER_SNAPSHOT message,
	// the application MUST report back to Raft when the snapshot has been
	// received or has failed, by calling ReportSnapshot.
	MessagesToSend []raftpb.Message

	// ReadStates are the resolved read-only requests, updated when Raft
	// receives MESSAGE_TYPE_TRIGGER_READ_INDEX. ReadStates are used to
	// serve linearizable read-only requests without going through Raft
	// log appends, once the Node's applied index reaches the state's Index.
	ReadStates []ReadState
}

// ContainsUpdates returns true if Ready contains any updates.
func (rd Ready) ContainsUpdates() bool {
	return rd.SoftState != nil ||
		!raftpb.IsEmptyHardState(rd.HardStateToSave) ||
		!raftpb.IsEmptySnapshot(rd.SnapshotToSave) ||
		len(rd.EntriesToAppend) > 0 ||
		len(rd.EntriesToCommit) > 0 ||
		len(rd.MessagesToSend) > 0 ||
		len(rd.ReadStates) > 0
}

func newReady(rnd *raftNode, prevSoftState *raftpb.SoftState, prevHardState raftpb.HardState) Ready {
	rd := Ready{
		EntriesToAppend: rnd.storageRaftLog.unstableEntries(),
		EntriesToCommit: rnd.storageRaftLog.nextEntriesToApply(),
		MessagesToSend:  rnd.mailbox,
	}

	if softState := rnd.softState(); !softState.Equal(prevSoftState) {
		rd.SoftState = softState
	}

	if hardState := rnd.hardState(); !hardState.Equal(prevHardState) {
		rd.HardStateToSave = hardState
	}

	if rnd.storageRaftLog.storageUnstable.incomingSnapshot != nil {
		rd.SnapshotToSave = *rnd.storageRaftLog.storageUnstable.incomingSnapshot
	}

	if len(rnd.readStates) > 0 {
		rd.ReadStates = rnd.readStates
	}

	return rd
}
