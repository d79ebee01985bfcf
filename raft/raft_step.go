package raft

import (
	"github.com/eryue0220/openraft/pkg/types"
	"github.com/eryue0220/openraft/raftpb"
)

// Step defines how each Raft node behaves for the given message.
// It filters the message by term first, handles vote requests, and
// hands everything else to the state-specific step function.
func (rnd *raftNode) Step(msg raftpb.Message) error {
	switch {
	case msg.SenderCurrentTerm == 0:
		// local message

	case msg.SenderCurrentTerm > rnd.currentTerm:
		leaderID := msg.From
		if msg.Type == raftpb.MESSAGE_TYPE_CANDIDATE_REQUEST_VOTE {
			// When checkQuorum is on, a node rejects vote requests received
			// within the minimum election timeout of hearing from a current
			// leader. A healthy leader keeps refreshing that lease with
			// heartbeats, so a partitioned node rejoining with a higher term
			// cannot disrupt the cluster.
			if rnd.checkQuorum && rnd.leaderID != NoNodeID && rnd.electionTimeoutElapsedTickNum < rnd.electionTimeoutTickNum {
				raftLogger.Infof("%s ignores vote request from %s at higher term %d (leader lease is active)",
					rnd.describe(), types.ID(msg.From), msg.SenderCurrentTerm)
				return nil
			}
			leaderID = NoNodeID
		}

		raftLogger.Infof("%s got %q with higher term from %s [current term=%d | message term=%d]",
			rnd.describe(), msg.Type, types.ID(msg.From), rnd.currentTerm, msg.SenderCurrentTerm)
		rnd.becomeFollower(msg.SenderCurrentTerm, leaderID)

	case msg.SenderCurrentTerm < rnd.currentTerm:
		if rnd.checkQuorum && (msg.Type == raftpb.MESSAGE_TYPE_LEADER_HEARTBEAT || msg.Type == raftpb.MESSAGE_TYPE_LEADER_APPEND) {
			// A leader isolated with a stale term would otherwise never hear
			// about the new term (its own messages are dropped, and the lease
			// keeps the cluster from granting it votes). Respond so the stale
			// leader steps down upon seeing our higher term.
			rnd.sendToMailbox(raftpb.Message{
				Type: raftpb.MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND,
				To:   msg.From,
			})
		} else {
			raftLogger.Infof("%s ignores %q with lower term from %s [current term=%d | message term=%d]",
				rnd.describe(), msg.Type, types.ID(msg.From), rnd.currentTerm, msg.SenderCurrentTerm)
		}
		return nil
	}

	switch msg.Type {
	case raftpb.MESSAGE_TYPE_INTERNAL_TRIGGER_CAMPAIGN:
		if rnd.isLearner {
			raftLogger.Infof("%s is a learner; ignoring campaign trigger", rnd.describe())
			return nil
		}
		raftLogger.Infof("%s starts a new election campaign", rnd.describe())
		rnd.followerStartCampaign()

	case raftpb.MESSAGE_TYPE_CANDIDATE_REQUEST_VOTE:
		if rnd.isLearner {
			// learner votes never decide elections
			raftLogger.Infof("%s is a learner; not voting for %s", rnd.describe(), types.ID(msg.From))
			return nil
		}

		// grant iff:
		// - we already voted for this candidate at this term (idempotent re-grant), or
		// - we have not voted and we follow no current leader;
		// and the candidate's log is at least as up-to-date as ours.
		canVote := rnd.votedFor == msg.From ||
			(rnd.votedFor == NoNodeID && rnd.leaderID == NoNodeID)
		if canVote && rnd.storageRaftLog.isUpToDate(msg.LogIndex, msg.LogTerm) {
			raftLogger.Infof("%s received vote request, votes for %s [last log index=%d | last log term=%d]",
				rnd.describe(), types.ID(msg.From), msg.LogIndex, msg.LogTerm)
			rnd.sendToMailbox(raftpb.Message{
				Type: raftpb.MESSAGE_TYPE_RESPONSE_TO_CANDIDATE_REQUEST_VOTE,
				To:   msg.From,
			})
			rnd.electionTimeoutElapsedTickNum = 0
			rnd.votedFor = msg.From
		} else {
			raftLogger.Infof("%s received vote request, rejects %s [voted for=%s]",
				rnd.describe(), types.ID(msg.From), types.ID(rnd.votedFor))
			rnd.sendToMailbox(raftpb.Message{
				Type:   raftpb.MESSAGE_TYPE_RESPONSE_TO_CANDIDATE_REQUEST_VOTE,
				To:     msg.From,
				Reject: true,
			})
		}

	default:
		rnd.stepFunc(rnd, msg)
	}

	return nil
}
