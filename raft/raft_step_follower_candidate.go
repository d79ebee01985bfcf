package raft

import (
	"github.com/eryue0220/openraft/pkg/types"
	"github.com/eryue0220/openraft/raftpb"
)

// promotableToLeader returns true if the local state machine can be
// promoted to leader. Learners and removed members cannot.
func (rnd *raftNode) promotableToLeader() bool {
	_, ok := rnd.allProgresses[rnd.id]
	return ok && !rnd.isLearner
}

// tickFuncFollowerElectionTimeout triggers an internal campaign message
// when the randomized election timeout elapses without a valid leader.
func (rnd *raftNode) tickFuncFollowerElectionTimeout() {
	if rnd.id == rnd.leaderID {
		raftLogger.Panicf("tickFuncFollowerElectionTimeout must be called by follower [id=%x | leader id=%x]", rnd.id, rnd.leaderID)
	}

	rnd.electionTimeoutElapsedTickNum++
	if rnd.promotableToLeader() && rnd.pastElectionTimeout() {
		rnd.electionTimeoutElapsedTickNum = 0
		rnd.Step(raftpb.Message{
			Type: raftpb.MESSAGE_TYPE_INTERNAL_TRIGGER_CAMPAIGN,
			From: rnd.id,
		})
	}
}

func (rnd *raftNode) becomeFollower(term, leaderID uint64) {
	oldState := rnd.state

	rnd.resetWithTerm(term)
	rnd.leaderID = leaderID
	rnd.state = raftpb.NODE_STATE_FOLLOWER

	rnd.stepFunc = stepFollower
	rnd.tickFunc = rnd.tickFuncFollowerElectionTimeout

	raftLogger.Infof("%s transitioned from %q", rnd.describe(), oldState)
}

func (rnd *raftNode) becomeCandidate() {
	// cannot be candidate without going through follower state
	rnd.assertUnexpectedNodeState(raftpb.NODE_STATE_LEADER)

	oldState := rnd.state

	rnd.resetWithTerm(rnd.currentTerm + 1)
	rnd.votedFor = rnd.id
	rnd.state = raftpb.NODE_STATE_CANDIDATE

	rnd.stepFunc = stepCandidate
	rnd.tickFunc = rnd.tickFuncFollowerElectionTimeout

	raftLogger.Infof("%s transitioned from %q", rnd.describe(), oldState)
}

// candidateReceivedVoteFrom records a vote response.
func (rnd *raftNode) candidateReceivedVoteFrom(fromID uint64, voted bool) {
	if voted {
		raftLogger.Infof("%s received vote from %s", rnd.describe(), types.ID(fromID))
	} else {
		raftLogger.Infof("%s received vote-rejection from %s", rnd.describe(), types.ID(fromID))
	}

	if _, ok := rnd.votedFrom[fromID]; !ok {
		rnd.votedFrom[fromID] = voted
	}
}

// followerStartCampaign makes the node a candidate and requests votes
// from all voters, in both sets while the configuration is joint.
func (rnd *raftNode) followerStartCampaign() {
	rnd.becomeCandidate()

	// vote for itself, and then if granted from every voter-set quorum,
	// become leader (the single-voter cluster case)
	rnd.candidateReceivedVoteFrom(rnd.id, true)
	if rnd.voteQuorumGranted(rnd.votedFrom) {
		rnd.becomeLeader()
		return
	}

	// request votes from all voters
	requested := make(map[uint64]struct{})
	for _, voterSet := range rnd.membership.VoterSets() {
		for _, id := range voterSet {
			if id == rnd.id {
				continue
			}
			if _, ok := requested[id]; ok {
				continue // already asked via the other voter set
			}
			requested[id] = struct{}{}

			raftLogger.Infof(
				"%s [last log index=%d | last log term=%d] is sending vote request to %s",
				rnd.describe(), rnd.storageRaftLog.lastIndex(), rnd.storageRaftLog.lastTerm(), types.ID(id),
			)
			rnd.sendToMailbox(raftpb.Message{
				Type:              raftpb.MESSAGE_TYPE_CANDIDATE_REQUEST_VOTE,
				To:                id,
				SenderCurrentTerm: rnd.currentTerm,
				LogIndex:          rnd.storageRaftLog.lastIndex(),
				LogTerm:           rnd.storageRaftLog.lastTerm(),
			})
		}
	}
}

// handleLeaderAppend appends the entries from a valid leader, or rejects
// with a conflict hint: the term of the conflicting local entry and the
// first local index of that term, so the leader can skip the whole term
// in one round trip.
func (rnd *raftNode) handleLeaderAppend(msg raftpb.Message) {
	if msg.LogIndex < rnd.storageRaftLog.committedIndex {
		// stale append; tell the leader where our commit already is
		rnd.sendToMailbox(raftpb.Message{
			Type:     raftpb.MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND,
			To:       msg.From,
			LogIndex: rnd.storageRaftLog.committedIndex,
		})
		return
	}

	if lastIndex, ok := rnd.storageRaftLog.maybeAppend(msg.LogIndex, msg.LogTerm, msg.SenderCurrentCommittedIndex, msg.Entries...); ok {
		rnd.sendToMailbox(raftpb.Message{
			Type:     raftpb.MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND,
			To:       msg.From,
			LogIndex: lastIndex,
		})
		return
	}

	raftLogger.Infof("%s rejects append from %s [local term at index %d=%d | expected log term=%d]",
		rnd.describe(), types.ID(msg.From), msg.LogIndex,
		rnd.storageRaftLog.zeroTermOnErrCompacted(rnd.storageRaftLog.term(msg.LogIndex)), msg.LogTerm)

	var hintConflictTerm, hintConflictIndex uint64
	if msg.LogIndex <= rnd.storageRaftLog.lastIndex() {
		// we hold a conflicting entry at the probed index
		hintConflictTerm = rnd.storageRaftLog.zeroTermOnErrCompacted(rnd.storageRaftLog.term(msg.LogIndex))
		if hintConflictTerm != 0 {
			hintConflictIndex = rnd.storageRaftLog.firstIndexOfTermAt(msg.LogIndex)
		}
	}

	rnd.sendToMailbox(raftpb.Message{
		Type:                           raftpb.MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND,
		To:                             msg.From,
		LogIndex:                       msg.LogIndex,
		Reject:                         true,
		RejectHintFollowerLogLastIndex: rnd.storageRaftLog.lastIndex(),
		RejectHintConflictTerm:         hintConflictTerm,
		RejectHintConflictIndex:        hintConflictIndex,
	})
}

func (rnd *raftNode) respondToLeaderHeartbeat(msg raftpb.Message) {
	rnd.storageRaftLog.commitTo(msg.SenderCurrentCommittedIndex)
	rnd.sendToMailbox(raftpb.Message{
		Type:    raftpb.MESSAGE_TYPE_RESPONSE_TO_LEADER_HEARTBEAT,
		To:      msg.From,
		Context: msg.Context,
	})
}

func (rnd *raftNode) restoreSnapshotFromLeader(msg raftpb.Message) {
	if rnd.id == rnd.leaderID {
		raftLogger.Panicf("restoreSnapshotFromLeader must be called by follower [id=%x | leader id=%x]", rnd.id, rnd.leaderID)
	}

	snapMetaIndex, snapMetaTerm := msg.Snapshot.Metadata.Index, msg.Snapshot.Metadata.Term

	raftLogger.Infof("%s [committed index=%d] is restoring snapshot from leader %s [index=%d | term=%d]",
		rnd.describe(), rnd.storageRaftLog.committedIndex, types.ID(msg.From), snapMetaIndex, snapMetaTerm,
	)

	if rnd.restoreSnapshot(msg.Snapshot) {
		raftLogger.Infof("%s [committed index=%d] restored snapshot from leader %s [index=%d | term=%d]",
			rnd.describe(), rnd.storageRaftLog.committedIndex, types.ID(msg.From), snapMetaIndex, snapMetaTerm,
		)
		rnd.sendToMailbox(raftpb.Message{
			Type:     raftpb.MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND,
			To:       msg.From,
			LogIndex: rnd.storageRaftLog.lastIndex(),
		})
		return
	}

	// already covered by the local log; ack as a no-op
	raftLogger.Infof("%s [committed index=%d] ignored snapshot from leader %s [index=%d | term=%d]",
		rnd.describe(), rnd.storageRaftLog.committedIndex, types.ID(msg.From), snapMetaIndex, snapMetaTerm,
	)
	rnd.sendToMailbox(raftpb.Message{
		Type:     raftpb.MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND,
		To:       msg.From,
		LogIndex: rnd.storageRaftLog.committedIndex,
	})
}

// restoreSnapshot installs the snapshot into the raft log and membership,
// unless the local log already covers it. Re-delivery of an installed
// snapshot is therefore a no-op.
func (rnd *raftNode) restoreSnapshot(snap raftpb.Snapshot) bool {
	if snap.Metadata.Index <= rnd.storageRaftLog.committedIndex {
		return false
	}

	if rnd.storageRaftLog.matchTerm(snap.Metadata.Index, snap.Metadata.Term) {
		// the local log already contains the snapshot's last entry;
		// just fast-forward the commit index
		raftLogger.Infof("%s fast-forwards commit to snapshot index %d (log already matches)", rnd.describe(), snap.Metadata.Index)
		rnd.storageRaftLog.commitTo(snap.Metadata.Index)
		return false
	}

	raftLogger.Infof("%s starts to restore snapshot [index=%d | term=%d | membership=%s]",
		rnd.describe(), snap.Metadata.Index, snap.Metadata.Term, snap.Metadata.Membership)

	rnd.storageRaftLog.restoreSnapshot(snap)
	rnd.applyMembership(snap.Metadata.Membership.Clone())
	return true
}

func stepFollower(rnd *raftNode, msg raftpb.Message) {
	rnd.assertNodeState(raftpb.NODE_STATE_FOLLOWER)

	switch msg.Type {
	case raftpb.MESSAGE_TYPE_PROPOSAL_TO_LEADER:
		if rnd.leaderID == NoNodeID {
			raftLogger.Infof("%s has no leader; dropping proposal", rnd.describe())
			return
		}
		msg.To = rnd.leaderID
		rnd.sendToMailbox(msg) // forward to leader

	case raftpb.MESSAGE_TYPE_LEADER_APPEND:
		rnd.electionTimeoutElapsedTickNum = 0
		rnd.leaderID = msg.From
		rnd.handleLeaderAppend(msg)

	case raftpb.MESSAGE_TYPE_LEADER_HEARTBEAT:
		rnd.electionTimeoutElapsedTickNum = 0
		rnd.leaderID = msg.From
		rnd.respondToLeaderHeartbeat(msg)

	case raftpb.MESSAGE_TYPE_LEADER_SNAPSHOT:
		rnd.electionTimeoutElapsedTickNum = 0
		rnd.leaderID = msg.From
		rnd.restoreSnapshotFromLeader(msg)

	case raftpb.MESSAGE_TYPE_TRIGGER_READ_INDEX:
		if rnd.leaderID == NoNodeID {
			raftLogger.Infof("%s has no leader; dropping read-index request", rnd.describe())
			return
		}
		msg.To = rnd.leaderID
		rnd.sendToMailbox(msg) // forward to leader

	case raftpb.MESSAGE_TYPE_READ_INDEX_DATA:
		if len(msg.Entries) != 1 {
			raftLogger.Errorf("%s got invalid read-index data from %s (entries count %d)", rnd.describe(), types.ID(msg.From), len(msg.Entries))
			return
		}
		rnd.readStates = append(rnd.readStates, ReadState{
			Index:      msg.LogIndex,
			RequestCtx: msg.Entries[0].Data,
		})

	case raftpb.MESSAGE_TYPE_TRANSFER_LEADER:
		if rnd.leaderID == NoNodeID {
			raftLogger.Infof("%s has no leader; dropping leader-transfer request", rnd.describe())
			return
		}
		msg.To = rnd.leaderID
		rnd.sendToMailbox(msg) // forward to leader

	case raftpb.MESSAGE_TYPE_FORCE_ELECTION_TIMEOUT:
		if !rnd.promotableToLeader() {
			raftLogger.Infof("%s is not promotable; ignoring force-election-timeout", rnd.describe())
			return
		}
		raftLogger.Infof("%s got force-election-timeout from %s and starts campaign", rnd.describe(), types.ID(msg.From))
		rnd.followerStartCampaign()
	}
}

func stepCandidate(rnd *raftNode, msg raftpb.Message) {
	rnd.assertNodeState(raftpb.NODE_STATE_CANDIDATE)

	switch msg.Type {
	case raftpb.MESSAGE_TYPE_PROPOSAL_TO_LEADER:
		raftLogger.Infof("%s has no leader; dropping proposal", rnd.describe())

	case raftpb.MESSAGE_TYPE_LEADER_APPEND:
		rnd.becomeFollower(rnd.currentTerm, msg.From) // current leader exists at the same term
		rnd.handleLeaderAppend(msg)

	case raftpb.MESSAGE_TYPE_LEADER_HEARTBEAT:
		rnd.becomeFollower(rnd.currentTerm, msg.From)
		rnd.respondToLeaderHeartbeat(msg)

	case raftpb.MESSAGE_TYPE_LEADER_SNAPSHOT:
		rnd.becomeFollower(rnd.currentTerm, msg.From)
		rnd.restoreSnapshotFromLeader(msg)

	case raftpb.MESSAGE_TYPE_RESPONSE_TO_CANDIDATE_REQUEST_VOTE:
		rnd.candidateReceivedVoteFrom(msg.From, !msg.Reject)

		switch {
		case rnd.voteQuorumGranted(rnd.votedFrom):
			rnd.becomeLeader()
			rnd.leaderReplicateAppendRequests()

		case rnd.voteQuorumLost(rnd.votedFrom):
			// a quorum became unreachable in at least one voter set
			rnd.becomeFollower(rnd.currentTerm, NoNodeID)
		}

	case raftpb.MESSAGE_TYPE_FORCE_ELECTION_TIMEOUT:
		raftLogger.Infof("%s is already campaigning; ignoring force-election-timeout", rnd.describe())
	}
}
