package raftpb

import "fmt"

// NODE_STATE is the role of a Raft node.
type NODE_STATE uint8

const (
	// NODE_STATE_FOLLOWER is the passive state, replicating from a leader.
	NODE_STATE_FOLLOWER NODE_STATE = iota

	// NODE_STATE_CANDIDATE is campaigning for leadership.
	NODE_STATE_CANDIDATE

	// NODE_STATE_LEADER owns replication for its term.
	NODE_STATE_LEADER

	// NODE_STATE_LEARNER is the reporting role of a follower that
	// receives log entries but never votes or counts toward quorum.
	// Learners run the follower step machine internally.
	NODE_STATE_LEARNER

	// NODE_STATE_SHUTDOWN is terminal; a stopped node processes no
	// further messages. Reporting role only.
	NODE_STATE_SHUTDOWN
)

func (st NODE_STATE) String() string {
	switch st {
	case NODE_STATE_FOLLOWER:
		return "Follower"
	case NODE_STATE_CANDIDATE:
		return "Candidate"
	case NODE_STATE_LEADER:
		return "Leader"
	case NODE_STATE_LEARNER:
		return "Learner"
	case NODE_STATE_SHUTDOWN:
		return "Shutdown"
	default:
		panic(fmt.Sprintf("unknown NODE_STATE %d", st))
	}
}

// HardState is the state that must be persisted to stable storage
// before any RPC response that depends on it is sent out, to survive
// crash-restart.
type HardState struct {
	Term           uint64
	VotedFor       uint64
	CommittedIndex uint64
}

// Equal returns true if two hard states are equal.
func (hs HardState) Equal(other HardState) bool {
	return hs.Term == other.Term && hs.VotedFor == other.VotedFor && hs.CommittedIndex == other.CommittedIndex
}

// EmptyHardState is an empty hard state.
var EmptyHardState = HardState{}

// IsEmptyHardState returns true if the given HardState is empty.
func IsEmptyHardState(st HardState) bool {
	return st.Equal(EmptyHardState)
}

// MustStoreHardState returns true if the given hard state must be
// stored to disk before responding to RPCs.
func MustStoreHardState(prev, cur HardState, entN int) bool {
	return entN != 0 || prev.Term != cur.Term || prev.VotedFor != cur.VotedFor
}

// SoftState is volatile state useful for logging and serving;
// it is never persisted.
type SoftState struct {
	LeaderID  uint64
	NodeState NODE_STATE
}

// Equal returns true if two SoftState-s are equal.
func (s *SoftState) Equal(st *SoftState) bool {
	return s.LeaderID == st.LeaderID && s.NodeState == st.NodeState
}
