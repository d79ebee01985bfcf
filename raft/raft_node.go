package raft

import (
	"errors"
	"fmt"
	"sort"

	"github.com/eryue0220/openraft/pkg/types"
	"github.com/eryue0220/openraft/raftpb"
)

// NoNodeID is a placeholder node ID, only used when there is no leader in
// the cluster, or to reset leader transfer.
const NoNodeID uint64 = 0

// Config contains the parameters to start a Raft node.
type Config struct {
	// ID is the id of the Raft node. It cannot be 0.
	ID uint64

	// allPeerIDs contains the IDs of all voting peers and the node itself.
	// It should only be set when starting a new Raft cluster.
	allPeerIDs []uint64

	// ElectionTickNum is the number of ticks between elections.
	// If a follower does not receive any message from a valid leader
	// before ElectionTickNum has elapsed, it becomes a candidate to
	// start an election. ElectionTickNum must be greater than
	// HeartbeatTimeoutTickNum, ideally ElectionTickNum = 10 *
	// HeartbeatTimeoutTickNum.
	ElectionTickNum int

	// HeartbeatTimeoutTickNum is the number of ticks between heartbeats
	// by a leader. A Raft leader must send heartbeat messages to its
	// followers to maintain its leadership.
	HeartbeatTimeoutTickNum int

	// CheckQuorum is true, then a leader checks if quorum is active
	// for an election timeout. If not, the leader steps down.
	CheckQuorum bool

	// StorageStable implements storage for Raft logs, where a node stores its
	// entries and states, and reads the persisted data when needed.
	StorageStable StorageStable

	// MaxEntryNumPerMsg is the maximum total byte size of entries for each
	// append message. If 0, it only appends one entry per message.
	MaxEntryNumPerMsg uint64

	// MaxInflightMsgNum is the maximum number of in-flight append messages
	// during the optimistic replication phase. The transport layer usually
	// has its own sending buffer over TCP/UDP; this avoids overflowing
	// that buffer.
	MaxInflightMsgNum int

	// LastAppliedIndex is the last applied index of Raft entries.
	// It is only set when restarting a Raft node, so that Raft
	// does not return entries smaller than or equal to LastAppliedIndex.
	LastAppliedIndex uint64

	// ReadOnlyOption specifies how the read only request is processed.
	ReadOnlyOption ReadOnlyOption

	// Logger implements system logging for Raft.
	Logger Logger
}

func (c *Config) validate() error {
	if c.StorageStable == nil {
		return errors.New("raft storage cannot be nil")
	}

	if c.ID == NoNodeID {
		return errors.New("cannot use 0 for node ID")
	}

	if c.HeartbeatTimeoutTickNum <= 0 {
		return fmt.Errorf("heartbeat tick (%d) must be greater than 0", c.HeartbeatTimeoutTickNum)
	}

	if c.ElectionTickNum <= c.HeartbeatTimeoutTickNum {
		return fmt.Errorf("election tick (%d) must be greater than heartbeat tick (%d)", c.ElectionTickNum, c.HeartbeatTimeoutTickNum)
	}

	if c.MaxInflightMsgNum <= 0 {
		return errors.New("max number of inflight messages must be greater than 0")
	}

	return nil
}

// raftNode contains all Raft-algorithm-specific data, wrapping storageRaftLog.
type raftNode struct {
	id    uint64
	state raftpb.NODE_STATE

	leaderID      uint64
	allProgresses map[uint64]*Progress

	// membership holds the current configuration: one or two voter sets
	// plus learners. While joint (two sets), every quorum decision must be
	// reached in both sets independently.
	membership raftpb.Membership

	// isLearner is true while this node is a learner in the current
	// membership. Learners replicate but never campaign, never vote,
	// and never count toward quorums.
	isLearner bool

	storageRaftLog *storageRaftLog

	// electionTimeoutTickNum is the number of ticks for election to time out.
	electionTimeoutTickNum int

	// electionTimeoutElapsedTickNum is the number of ticks elapsed
	// since the last election timeout reset.
	electionTimeoutElapsedTickNum int

	// randomizedElectionTimeoutTickNum is the random number in
	// [electionTimeoutTickNum, 2 * electionTimeoutTickNum), reset
	// when the node becomes follower or candidate.
	randomizedElectionTimeoutTickNum int

	// heartbeatTimeoutTickNum is the number of ticks for the leader
	// to send a heartbeat to its followers.
	heartbeatTimeoutTickNum int

	// heartbeatTimeoutElapsedTickNum is the number of ticks elapsed
	// since the last heartbeat.
	heartbeatTimeoutElapsedTickNum int

	tickFunc func()
	stepFunc func(r *raftNode, msg raftpb.Message)

	maxEntryNumPerMsg uint64
	maxInflightMsgNum int

	// checkQuorum is true and quorum of cluster is not active for an
	// election timeout, then the leader steps down to follower.
	checkQuorum bool

	currentTerm uint64
	votedFor    uint64
	votedFrom   map[uint64]bool

	// mailbox contains the messages accumulated by step methods,
	// drained into Ready.MessagesToSend.
	mailbox []raftpb.Message

	// pendingConfigExist is true while an unapplied configuration change
	// exists in the log; further configuration proposals are ignored
	// until it is applied.
	pendingConfigExist bool

	// leaderTransfereeID is the ID of the leader transfer target.
	leaderTransfereeID uint64

	readOnly   *readOnly
	readStates []ReadState
}

// newRaftNode creates a new raftNode with the given Config.
func newRaftNode(c *Config) *raftNode {
	if err := c.validate(); err != nil {
		raftLogger.Panicf("invalid raft.Config %v (%+v)", err, c)
	}

	if c.Logger != nil {
		raftLogger.SetLogger(c.Logger)
	}
	// otherwise use default logger

	rnd := &raftNode{
		id:    c.ID,
		state: raftpb.NODE_STATE_FOLLOWER,

		leaderID:      NoNodeID,
		allProgresses: make(map[uint64]*Progress),

		storageRaftLog: newStorageRaftLog(c.StorageStable),

		electionTimeoutTickNum:  c.ElectionTickNum,
		heartbeatTimeoutTickNum: c.HeartbeatTimeoutTickNum,

		maxEntryNumPerMsg: c.MaxEntryNumPerMsg,
		maxInflightMsgNum: c.MaxInflightMsgNum,

		checkQuorum: c.CheckQuorum,

		readOnly: newReadOnly(c.ReadOnlyOption),
	}

	hardState, membership, err := c.StorageStable.GetState()
	if err != nil {
		raftLogger.Panicf("newRaftNode c.StorageStable.GetState error (%v)", err)
	}
	if !raftpb.IsEmptyHardState(hardState) {
		rnd.loadHardState(hardState)
	}

	if !membership.IsEmpty() {
		if len(c.allPeerIDs) > 0 {
			raftLogger.Panicf("cannot specify peer IDs both in Config.allPeerIDs(%+v) and storage membership(%s)", c.allPeerIDs, membership)
		}
		rnd.applyMembership(membership)
	} else {
		rnd.applyMembership(raftpb.Membership{VoterIDs: c.allPeerIDs})
	}

	if c.LastAppliedIndex > 0 {
		rnd.storageRaftLog.appliedTo(c.LastAppliedIndex)
	}

	rnd.becomeFollower(rnd.currentTerm, rnd.leaderID)

	raftLogger.Infof("NEW NODE %s", rnd.describe())
	return rnd
}

// sendToMailbox sends a message, given that the requested message
// has already set msg.To for its receiver.
func (rnd *raftNode) sendToMailbox(msg raftpb.Message) {
	msg.From = rnd.id

	if msg.Type == raftpb.MESSAGE_TYPE_CANDIDATE_REQUEST_VOTE {
		if msg.SenderCurrentTerm == 0 {
			raftLogger.Panicf("term should be set when sending %q", msg.Type)
		}
	} else {
		if msg.SenderCurrentTerm != 0 {
			raftLogger.Panicf("term should not be set when sending %q (was %d)", msg.Type, msg.SenderCurrentTerm)
		}

		// proposal must go through consensus, which means proposal is to be
		// forwarded to the leader, and replicated back to followers,
		// so it's treated as a local message with term 0.
		// read-index requests are forwarded to the leader the same way.
		if msg.Type != raftpb.MESSAGE_TYPE_PROPOSAL_TO_LEADER && msg.Type != raftpb.MESSAGE_TYPE_TRIGGER_READ_INDEX {
			msg.SenderCurrentTerm = rnd.currentTerm
		}
	}

	rnd.mailbox = append(rnd.mailbox, msg)
}

// voteQuorumGranted returns true when the granted votes reach a majority
// in EVERY active voter set.
func (rnd *raftNode) voteQuorumGranted(votedFrom map[uint64]bool) bool {
	for _, voterSet := range rnd.membership.VoterSets() {
		granted := 0
		for _, id := range voterSet {
			if votedFrom[id] {
				granted++
			}
		}
		if granted < len(voterSet)/2+1 {
			return false
		}
	}
	return true
}

// voteQuorumLost returns true when the rejections make a majority
// unreachable in at least one voter set.
func (rnd *raftNode) voteQuorumLost(votedFrom map[uint64]bool) bool {
	for _, voterSet := range rnd.membership.VoterSets() {
		rejected := 0
		for _, id := range voterSet {
			if voted, ok := votedFrom[id]; ok && !voted {
				rejected++
			}
		}
		// quorum of grants is impossible once this many rejected
		if rejected > len(voterSet)-(len(voterSet)/2+1) {
			return true
		}
	}
	return false
}

// quorumMatchIndex returns the highest index replicated on a majority of
// EVERY active voter set. Learners never count.
func (rnd *raftNode) quorumMatchIndex() uint64 {
	quorumIndex := uint64(0)
	for i, voterSet := range rnd.membership.VoterSets() {
		matchIndexSlice := make(uint64Slice, 0, len(voterSet))
		for _, id := range voterSet {
			var matchIndex uint64
			if pr, ok := rnd.allProgresses[id]; ok {
				matchIndex = pr.MatchIndex
			}
			matchIndexSlice = append(matchIndexSlice, matchIndex)
		}
		sort.Sort(sort.Reverse(matchIndexSlice))
		setIndex := matchIndexSlice[len(voterSet)/2]

		if i == 0 || setIndex < quorumIndex {
			quorumIndex = setIndex
		}
	}
	return quorumIndex
}

// checkQuorumActive returns true if a quorum of every active voter set
// is active in the view of the local raft state machine.
func (rnd *raftNode) checkQuorumActive() bool {
	active := make(map[uint64]bool, len(rnd.allProgresses))
	for id := range rnd.allProgresses {
		if id == rnd.id {
			active[id] = true // self is always active
			continue
		}

		if rnd.allProgresses[id].RecentActive {
			active[id] = true
		}

		// and resets RecentActive
		rnd.allProgresses[id].RecentActive = false
	}

	for _, voterSet := range rnd.membership.VoterSets() {
		activeN := 0
		for _, id := range voterSet {
			if active[id] {
				activeN++
			}
		}
		if activeN < len(voterSet)/2+1 {
			return false
		}
	}
	return true
}

func (rnd *raftNode) randomizeElectionTickTimeout() {
	// [electiontimeout, 2 * electiontimeout)
	rnd.randomizedElectionTimeoutTickNum = rnd.electionTimeoutTickNum + globalRand.Intn(rnd.electionTimeoutTickNum)
}

func (rnd *raftNode) pastElectionTimeout() bool {
	return rnd.electionTimeoutElapsedTickNum >= rnd.randomizedElectionTimeoutTickNum
}

func (rnd *raftNode) stopLeaderTransfer() {
	rnd.leaderTransfereeID = NoNodeID
}

func (rnd *raftNode) resetPendingConfigExist() {
	rnd.pendingConfigExist = false
}

func (rnd *raftNode) resetWithTerm(term uint64) {
	if rnd.currentTerm != term {
		rnd.currentTerm = term
		rnd.votedFor = NoNodeID
	}

	rnd.leaderID = NoNodeID
	rnd.votedFrom = make(map[uint64]bool)

	rnd.electionTimeoutElapsedTickNum = 0
	rnd.heartbeatTimeoutElapsedTickNum = 0
	rnd.randomizeElectionTickTimeout()
	rnd.stopLeaderTransfer()

	for id := range rnd.allProgresses {
		isLearner := rnd.allProgresses[id].IsLearner
		rnd.allProgresses[id] = &Progress{
			// NextIndex is the starting index of entries for next replication.
			NextIndex: rnd.storageRaftLog.lastIndex() + 1,
			IsLearner: isLearner,
			inflights: newInflights(rnd.maxInflightMsgNum),
		}

		if id == rnd.id {
			// MatchIndex is the highest known matched entry index of this node.
			rnd.allProgresses[id].MatchIndex = rnd.storageRaftLog.lastIndex()
		}
	}

	rnd.pendingConfigExist = false
	rnd.readOnly = newReadOnly(rnd.readOnly.option)
}

func (rnd *raftNode) updateProgress(id, matchIndex, nextIndex uint64, isLearner bool) {
	rnd.allProgresses[id] = &Progress{
		MatchIndex: matchIndex,
		NextIndex:  nextIndex,
		IsLearner:  isLearner,
		inflights:  newInflights(rnd.maxInflightMsgNum),
	}
}

func (rnd *raftNode) deleteProgress(id uint64) {
	delete(rnd.allProgresses, id)
}

func (rnd *raftNode) softState() *raftpb.SoftState {
	state := rnd.state
	if state == raftpb.NODE_STATE_FOLLOWER && rnd.isLearner {
		state = raftpb.NODE_STATE_LEARNER
	}
	return &raftpb.SoftState{
		NodeState: state,
		LeaderID:  rnd.leaderID,
	}
}

func (rnd *raftNode) hardState() raftpb.HardState {
	return raftpb.HardState{
		VotedFor:       rnd.votedFor,
		CommittedIndex: rnd.storageRaftLog.committedIndex,
		Term:           rnd.currentTerm,
	}
}

func (rnd *raftNode) loadHardState(state raftpb.HardState) {
	if state.CommittedIndex < rnd.storageRaftLog.committedIndex || state.CommittedIndex > rnd.storageRaftLog.lastIndex() {
		raftLogger.Panicf("HardState of %x has committed index %d out of range [%d, %d]",
			rnd.id, state.CommittedIndex, rnd.storageRaftLog.committedIndex, rnd.storageRaftLog.lastIndex())
	}

	rnd.votedFor = state.VotedFor
	rnd.storageRaftLog.committedIndex = state.CommittedIndex
	rnd.currentTerm = state.Term
}

// applyMembership installs a new configuration, reconciling the
// progress map: members keep their replication state, new members start
// fresh, removed members are dropped.
func (rnd *raftNode) applyMembership(membership raftpb.Membership) {
	for _, id := range membership.AllIDs() {
		isLearner := membership.IsLearner(id)
		if pr, ok := rnd.allProgresses[id]; ok {
			pr.IsLearner = isLearner
			continue
		}
		rnd.updateProgress(id, 0, rnd.storageRaftLog.lastIndex()+1, isLearner)
	}

	for id := range rnd.allProgresses {
		if !membership.Contains(id) {
			rnd.deleteProgress(id)
			if rnd.state == raftpb.NODE_STATE_LEADER && rnd.leaderTransfereeID == id {
				rnd.stopLeaderTransfer()
			}
		}
	}

	rnd.membership = membership
	rnd.isLearner = membership.IsLearner(rnd.id)
	rnd.pendingConfigExist = false
}

// addNode adds a voter; a learner named here is promoted to voter.
func (rnd *raftNode) addNode(id uint64) {
	membership := rnd.membership.Clone()
	if membership.IsVoter(id) {
		raftLogger.Infof("%s ignores redundant 'addNode' call to %s (can happen when initial bootstrapping entries are applied twice)", rnd.describe(), types.ID(id))
		rnd.pendingConfigExist = false
		return
	}

	membership.LearnerIDs = removeID(membership.LearnerIDs, id)
	membership.VoterIDs = append(membership.VoterIDs, id)
	rnd.applyMembership(membership)
}

// addLearner adds a non-voting learner.
func (rnd *raftNode) addLearner(id uint64) {
	membership := rnd.membership.Clone()
	if membership.Contains(id) {
		raftLogger.Infof("%s ignores redundant 'addLearner' call to %s", rnd.describe(), types.ID(id))
		rnd.pendingConfigExist = false
		return
	}

	membership.LearnerIDs = append(membership.LearnerIDs, id)
	rnd.applyMembership(membership)
}

// deleteNode removes a member from every set.
func (rnd *raftNode) deleteNode(id uint64) {
	membership := rnd.membership.Clone()
	membership.VoterIDs = removeID(membership.VoterIDs, id)
	membership.NextVoterIDs = removeID(membership.NextVoterIDs, id)
	membership.LearnerIDs = removeID(membership.LearnerIDs, id)
	rnd.applyMembership(membership)

	if len(rnd.allProgresses) == 0 {
		raftLogger.Infof("%s has no progresses after raftNode.deleteNode(%s)", rnd.describe(), types.ID(id))
	}
}

// enterJoint installs a joint configuration: the current voters stay as
// the outgoing set and nextVoterIDs become the incoming set. Quorum
// decisions require majorities in both until leaveJoint.
func (rnd *raftNode) enterJoint(nextVoterIDs []uint64, learnerIDs []uint64) {
	if rnd.membership.IsJoint() {
		// a second joint entry can be committed when a leader fails
		// between the joint and final entries and its successor starts
		// another transition; the log must stay applicable everywhere
		raftLogger.Infof("%s ignores redundant 'enterJoint' call while already joint (%s)", rnd.describe(), rnd.membership)
		rnd.pendingConfigExist = false
		return
	}

	membership := rnd.membership.Clone()
	membership.NextVoterIDs = append([]uint64{}, nextVoterIDs...)
	if learnerIDs != nil {
		membership.LearnerIDs = append([]uint64{}, learnerIDs...)
	}
	rnd.applyMembership(membership)
}

// leaveJoint completes the transition: the incoming voter set becomes
// the only voter set, and members of neither final set are dropped.
func (rnd *raftNode) leaveJoint() {
	if !rnd.membership.IsJoint() {
		raftLogger.Infof("%s ignores redundant 'leaveJoint' call on non-joint configuration (%s)", rnd.describe(), rnd.membership)
		rnd.pendingConfigExist = false
		return
	}

	membership := raftpb.Membership{
		VoterIDs:   append([]uint64{}, rnd.membership.NextVoterIDs...),
		LearnerIDs: append([]uint64{}, rnd.membership.LearnerIDs...),
	}
	rnd.applyMembership(membership)
}

func removeID(ids []uint64, id uint64) []uint64 {
	for i := range ids {
		if ids[i] == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func (rnd *raftNode) allNodeIDs() []uint64 {
	return rnd.membership.AllIDs()
}

func (rnd *raftNode) describe() string {
	return fmt.Sprintf("%q %s [term=%d | leader=%s]", rnd.state, types.ID(rnd.id), rnd.currentTerm, types.ID(rnd.leaderID))
}

func (rnd *raftNode) assertNodeState(expected raftpb.NODE_STATE) {
	if rnd.state != expected {
		raftLogger.Panicf("%s in unexpected state (expected %q)", rnd.describe(), expected)
	}
}

func (rnd *raftNode) assertUnexpectedNodeState(unexpected raftpb.NODE_STATE) {
	if rnd.state == unexpected {
		raftLogger.Panicf("%s in unexpected state", rnd.describe())
	}
}

// setRandomizedElectionTimeoutTickNum sets the value directly instead of
// randomizing, so tests can force deterministic timeouts.
func (rnd *raftNode) setRandomizedElectionTimeoutTickNum(num int) {
	rnd.randomizedElectionTimeoutTickNum = num
}
