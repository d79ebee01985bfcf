package raftpb

import (
	"bytes"
	"fmt"
)

// MESSAGE_TYPE is the type of a Raft message. The three RPC families
// (vote, append, snapshot) plus heartbeat and read-index travel over
// the network; INTERNAL_* types are local triggers that never do.
type MESSAGE_TYPE uint8

const (
	// MESSAGE_TYPE_PROPOSAL_TO_LEADER proposes entries; forwarded to
	// the leader when received by a follower.
	MESSAGE_TYPE_PROPOSAL_TO_LEADER MESSAGE_TYPE = iota

	// MESSAGE_TYPE_LEADER_APPEND replicates entries
	// (AppendEntriesRequest).
	MESSAGE_TYPE_LEADER_APPEND

	// MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND acknowledges or rejects
	// an append (AppendEntriesResponse, with conflict hints on reject).
	MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND

	// MESSAGE_TYPE_CANDIDATE_REQUEST_VOTE solicits a vote
	// (VoteRequest).
	MESSAGE_TYPE_CANDIDATE_REQUEST_VOTE

	// MESSAGE_TYPE_RESPONSE_TO_CANDIDATE_REQUEST_VOTE grants or
	// rejects a vote (VoteResponse).
	MESSAGE_TYPE_RESPONSE_TO_CANDIDATE_REQUEST_VOTE

	// MESSAGE_TYPE_LEADER_HEARTBEAT maintains leadership and carries
	// the read-index context.
	MESSAGE_TYPE_LEADER_HEARTBEAT

	// MESSAGE_TYPE_RESPONSE_TO_LEADER_HEARTBEAT acknowledges a heartbeat.
	MESSAGE_TYPE_RESPONSE_TO_LEADER_HEARTBEAT

	// MESSAGE_TYPE_LEADER_SNAPSHOT transfers a snapshot to a follower
	// whose required log prefix was compacted away
	// (InstallSnapshotRequest).
	MESSAGE_TYPE_LEADER_SNAPSHOT

	// MESSAGE_TYPE_INTERNAL_RESPONSE_TO_LEADER_SNAPSHOT reports
	// snapshot install/transfer status back to the leader.
	MESSAGE_TYPE_INTERNAL_RESPONSE_TO_LEADER_SNAPSHOT

	// MESSAGE_TYPE_TRIGGER_READ_INDEX requests a linearizable
	// read barrier; forwarded to the leader from followers.
	MESSAGE_TYPE_TRIGGER_READ_INDEX

	// MESSAGE_TYPE_READ_INDEX_DATA returns the confirmed read index
	// to the requesting node.
	MESSAGE_TYPE_READ_INDEX_DATA

	// MESSAGE_TYPE_TRANSFER_LEADER asks the leader to hand off
	// leadership to the sender.
	MESSAGE_TYPE_TRANSFER_LEADER

	// MESSAGE_TYPE_FORCE_ELECTION_TIMEOUT makes the transferee
	// campaign immediately during leadership transfer.
	MESSAGE_TYPE_FORCE_ELECTION_TIMEOUT

	// MESSAGE_TYPE_INTERNAL_TRIGGER_CAMPAIGN starts an election on
	// the local node.
	MESSAGE_TYPE_INTERNAL_TRIGGER_CAMPAIGN

	// MESSAGE_TYPE_INTERNAL_TRIGGER_LEADER_HEARTBEAT fires on the
	// leader's heartbeat tick.
	MESSAGE_TYPE_INTERNAL_TRIGGER_LEADER_HEARTBEAT

	// MESSAGE_TYPE_INTERNAL_TRIGGER_CHECK_QUORUM makes the leader
	// verify quorum liveness for the elapsed election timeout.
	MESSAGE_TYPE_INTERNAL_TRIGGER_CHECK_QUORUM

	// MESSAGE_TYPE_INTERNAL_LEADER_CANNOT_CONNECT_TO_FOLLOWER reports
	// a transport failure toward a follower.
	MESSAGE_TYPE_INTERNAL_LEADER_CANNOT_CONNECT_TO_FOLLOWER
)

func (tp MESSAGE_TYPE) String() string {
	switch tp {
	case MESSAGE_TYPE_PROPOSAL_TO_LEADER:
		return "Proposal"
	case MESSAGE_TYPE_LEADER_APPEND:
		return "LeaderAppend"
	case MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND:
		return "ResponseToLeaderAppend"
	case MESSAGE_TYPE_CANDIDATE_REQUEST_VOTE:
		return "CandidateRequestVote"
	case MESSAGE_TYPE_RESPONSE_TO_CANDIDATE_REQUEST_VOTE:
		return "ResponseToCandidateRequestVote"
	case MESSAGE_TYPE_LEADER_HEARTBEAT:
		return "LeaderHeartbeat"
	case MESSAGE_TYPE_RESPONSE_TO_LEADER_HEARTBEAT:
		return "ResponseToLeaderHeartbeat"
	case MESSAGE_TYPE_LEADER_SNAPSHOT:
		return "LeaderSnapshot"
	case MESSAGE_TYPE_INTERNAL_RESPONSE_TO_LEADER_SNAPSHOT:
		return "InternalResponseToLeaderSnapshot"
	case MESSAGE_TYPE_TRIGGER_READ_INDEX:
		return "TriggerReadIndex"
	case MESSAGE_TYPE_READ_INDEX_DATA:
		return "ReadIndexData"
	case MESSAGE_TYPE_TRANSFER_LEADER:
		return "TransferLeader"
	case MESSAGE_TYPE_FORCE_ELECTION_TIMEOUT:
		return "ForceElectionTimeout"
	case MESSAGE_TYPE_INTERNAL_TRIGGER_CAMPAIGN:
		return "InternalTriggerCampaign"
	case MESSAGE_TYPE_INTERNAL_TRIGGER_LEADER_HEARTBEAT:
		return "InternalTriggerLeaderHeartbeat"
	case MESSAGE_TYPE_INTERNAL_TRIGGER_CHECK_QUORUM:
		return "InternalTriggerCheckQuorum"
	case MESSAGE_TYPE_INTERNAL_LEADER_CANNOT_CONNECT_TO_FOLLOWER:
		return "InternalLeaderCannotConnectToFollower"
	default:
		panic(fmt.Sprintf("unknown MESSAGE_TYPE %d", tp))
	}
}

// Message is the single wire format shared by all Raft RPCs.
type Message struct {
	Type MESSAGE_TYPE
	From uint64
	To   uint64

	// SenderCurrentTerm is the sender's term. Zero on local messages.
	SenderCurrentTerm uint64

	// LogIndex and LogTerm are (prev_log_index, prev_log_term) on
	// appends, (last_log_index, last_log_term) on vote requests, and
	// the acknowledged/rejected index on responses.
	LogIndex uint64
	LogTerm  uint64

	Entries []Entry

	// SenderCurrentCommittedIndex is the sender's commit index
	// (leader_commit on appends and heartbeats).
	SenderCurrentCommittedIndex uint64

	Snapshot Snapshot

	// Reject is true when an append or vote request is refused.
	Reject bool

	// RejectHintFollowerLogLastIndex is the rejecting follower's last
	// log index, bounding how far next_index can be ahead.
	RejectHintFollowerLogLastIndex uint64

	// RejectHintConflictTerm and RejectHintConflictIndex accelerate
	// next_index regression: the term of the follower's conflicting
	// entry, and the first index the follower holds for that term.
	// Zero when the follower simply has no entry at the probed index.
	RejectHintConflictTerm  uint64
	RejectHintConflictIndex uint64

	// Context carries the read-index request identifier on heartbeats
	// and read-index messages.
	Context []byte
}

// IsResponseMessage returns true if the message type is a response.
func IsResponseMessage(tp MESSAGE_TYPE) bool {
	return tp == MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND ||
		tp == MESSAGE_TYPE_RESPONSE_TO_CANDIDATE_REQUEST_VOTE ||
		tp == MESSAGE_TYPE_RESPONSE_TO_LEADER_HEARTBEAT ||
		tp == MESSAGE_TYPE_INTERNAL_LEADER_CANNOT_CONNECT_TO_FOLLOWER
}

// IsInternalMessage returns true if the message type never travels
// over the network.
func IsInternalMessage(tp MESSAGE_TYPE) bool {
	return tp == MESSAGE_TYPE_INTERNAL_TRIGGER_CAMPAIGN ||
		tp == MESSAGE_TYPE_INTERNAL_TRIGGER_LEADER_HEARTBEAT ||
		tp == MESSAGE_TYPE_INTERNAL_TRIGGER_CHECK_QUORUM ||
		tp == MESSAGE_TYPE_INTERNAL_LEADER_CANNOT_CONNECT_TO_FOLLOWER
}

// DescribeMessage describes Message in human-readable format.
func DescribeMessage(msg Message) string {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "Message [type=%q | from=%x ➝ to=%x | term=%d | log index=%d, log term=%d | commit=%d | reject=%v]",
		msg.Type, msg.From, msg.To, msg.SenderCurrentTerm, msg.LogIndex, msg.LogTerm, msg.SenderCurrentCommittedIndex, msg.Reject)

	if len(msg.Entries) > 0 {
		buf.WriteString(", Entries: [")
		for i, e := range msg.Entries {
			if i != 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(DescribeEntry(e))
		}
		buf.WriteString("]")
	}

	if !IsEmptySnapshot(msg.Snapshot) {
		fmt.Fprintf(buf, ", Snapshot: [index=%d | term=%d]", msg.Snapshot.Metadata.Index, msg.Snapshot.Metadata.Term)
	}

	return buf.String()
}
