package raft

import (
	"context"

	"github.com/eryue0220/openraft/raftpb"
)

// Node defines the interface of a node in Raft cluster.
type Node interface {
	// GetNodeStatus returns the current status of the Raft state machine.
	GetNodeStatus() NodeStatus

	// Tick increments the internal logical clock in the Node, by a single tick.
	// Election timeouts and heartbeat timeouts are in units of ticks.
	Tick()

	// Step advances the state machine based on the given raftpb.Message.
	Step(ctx context.Context, msg raftpb.Message) error

	// Campaign changes the node state to Candidate, and starts a campaign to become Leader.
	Campaign(ctx context.Context) error

	// Propose proposes data to be appended to Raft log.
	Propose(ctx context.Context, data []byte) error

	// ProposeConfigChange proposes configuration change.
	// At most one configuration change can be in process of Raft consensus.
	ProposeConfigChange(ctx context.Context, cc raftpb.ConfigChange) error

	// ApplyConfigChange applies the configuration change to the local Node,
	// once the corresponding entry has been committed. It returns the
	// membership that is now in effect.
	ApplyConfigChange(cc raftpb.ConfigChange) *raftpb.Membership

	// TransferLeadership requests the current leader to transfer its
	// leadership to the transferee.
	TransferLeadership(ctx context.Context, leaderID, transfereeID uint64)

	// Stop stops(terminates) the Node.
	Stop()

	// Ready returns a channel that receives point-in-time state of Node.
	// 'Advance' method MUST be followed, AFTER APPLYING the state in Ready.
	Ready() <-chan Ready

	// Advance notifies the Node that the application has saved the progress
	// up to the last Ready state. And it prepares the Node to return the
	// next point-in-time state, Ready.
	//
	// The application MUST call 'Advance' AFTER it applies the entries in the
	// last Ready state.
	//
	// However, as an optimization, the application may call Advance
	// WHILE it is applying the commands.
	//
	// For example, when the last Ready contains a snapshot, the application
	// might take a long time to apply the snapshot data. To continue receiving
	// Ready without blocking Raft progress, it can call Advance before
	// finishing applying the last Ready.
	Advance()

	// ReadIndex requests a read state, set in the Ready.
	ReadIndex(ctx context.Context, rctx []byte) error

	// ReportUnreachable reports that Node with the given ID is not reachable for the last send.
	ReportUnreachable(targetID uint64)

	// ReportSnapshot reports the status of sent snapshot.
	ReportSnapshot(targetID uint64, status raftpb.SNAPSHOT_STATUS)
}

// node implements Node interface.
type node struct {
	tickCh chan struct{}

	incomingProposalMessageCh chan raftpb.Message
	incomingMessageCh         chan raftpb.Message

	configChangeCh chan raftpb.ConfigChange
	membershipCh   chan raftpb.Membership

	readyCh   chan Ready
	advanceCh chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
	// <-nd.stopCh ➝ close(doneCh)

	nodeStatusChCh chan chan NodeStatus
}

// tickChBufferSize buffers node.tickCh, so Raft node can buffer some ticks
// when the node is busy processing Raft messages. Raft node will resume
// processing buffered ticks when it becomes idle.
const tickChBufferSize = 128

func newNode() node {
	return node{
		tickCh: make(chan struct{}, tickChBufferSize),

		incomingProposalMessageCh: make(chan raftpb.Message),
		incomingMessageCh:         make(chan raftpb.Message),

		configChangeCh: make(chan raftpb.ConfigChange),
		membershipCh:   make(chan raftpb.Membership),

		readyCh:   make(chan Ready),
		advanceCh: make(chan struct{}),

		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),

		nodeStatusChCh: make(chan chan NodeStatus),
	}
}

func (nd *node) GetNodeStatus() NodeStatus {
	ch := make(chan NodeStatus)
	select {
	case nd.nodeStatusChCh <- ch:
		return <-ch
	case <-nd.doneCh:
		return NodeStatus{}
	}
}

func (nd *node) Tick() {
	select {
	case nd.tickCh <- struct{}{}:

	case <-nd.doneCh:

	default:
		raftLogger.Warningln("Tick missed to fire, since Node was blocking too long!")
	}
}

func (nd *node) step(ctx context.Context, msg raftpb.Message) error {
	chToReceive := nd.incomingMessageCh
	if msg.Type == raftpb.MESSAGE_TYPE_PROPOSAL_TO_LEADER {
		chToReceive = nd.incomingProposalMessageCh
	}

	select {
	case chToReceive <- msg:
		return nil

	case <-ctx.Done():
		return ctx.Err()

	case <-nd.doneCh:
		return ErrStopped
	}
}

func (nd *node) Step(ctx context.Context, msg raftpb.Message) error {
	if raftpb.IsInternalMessage(msg.Type) {
		// ignore unexpected local messages received over network
		raftLogger.Warningf("node.Step got %q from network (so ignores)", msg.Type)
		return nil
	}
	return nd.step(ctx, msg)
}

func (nd *node) Campaign(ctx context.Context) error {
	return nd.step(ctx, raftpb.Message{
		Type: raftpb.MESSAGE_TYPE_INTERNAL_TRIGGER_CAMPAIGN,
	})
}

func (nd *node) Propose(ctx context.Context, data []byte) error {
	return nd.step(ctx, raftpb.Message{
		Type:    raftpb.MESSAGE_TYPE_PROPOSAL_TO_LEADER,
		Entries: []raftpb.Entry{{Data: data}},
	})
}

func (nd *node) ProposeConfigChange(ctx context.Context, cc raftpb.ConfigChange) error {
	data, err := cc.Marshal()
	if err != nil {
		return err
	}
	return nd.Step(ctx, raftpb.Message{
		Type:    raftpb.MESSAGE_TYPE_PROPOSAL_TO_LEADER,
		Entries: []raftpb.Entry{{Type: raftpb.ENTRY_TYPE_CONFIG_CHANGE, Data: data}},
	})
}

func (nd *node) ApplyConfigChange(cc raftpb.ConfigChange) *raftpb.Membership {
	select {
	case nd.configChangeCh <- cc:
	case <-nd.doneCh:
	}

	var membership raftpb.Membership
	select {
	case membership = <-nd.membershipCh:
	case <-nd.doneCh:
	}

	return &membership
}

func (nd *node) TransferLeadership(ctx context.Context, leaderID, transfereeID uint64) {
	select {
	// manually set 'From' and 'To', so that leader can voluntarily
	// transfer its leadership
	case nd.incomingMessageCh <- raftpb.Message{
		Type: raftpb.MESSAGE_TYPE_TRANSFER_LEADER,
		From: transfereeID,
		To:   leaderID,
	}:
	case <-nd.doneCh:
	case <-ctx.Done():
	}
}

func (nd *node) Stop() {
	select {
	case nd.stopCh <- struct{}{}:
		// not stopped yet, so trigger stop

	case <-nd.doneCh: // node has already been stopped, no need to do anything
		return
	}

	// wait until Stop has been acknowledged by node.run()
	<-nd.doneCh
}

func (nd *node) Ready() <-chan Ready {
	return nd.readyCh
}

func (nd *node) Advance() {
	select {
	case nd.advanceCh <- struct{}{}:
	case <-nd.doneCh:
	}
}

func (nd *node) ReadIndex(ctx context.Context, rctx []byte) error {
	return nd.step(ctx, raftpb.Message{
		Type:    raftpb.MESSAGE_TYPE_TRIGGER_READ_INDEX,
		Entries: []raftpb.Entry{{Data: rctx}},
	})
}

func (nd *node) ReportUnreachable(targetID uint64) {
	select {
	case nd.incomingMessageCh <- raftpb.Message{
		Type: raftpb.MESSAGE_TYPE_INTERNAL_LEADER_CANNOT_CONNECT_TO_FOLLOWER,
		From: targetID,
	}:

	case <-nd.doneCh:
	}
}

func (nd *node) ReportSnapshot(targetID uint64, status raftpb.SNAPSHOT_STATUS) {
	select {
	case nd.incomingMessageCh <- raftpb.Message{
		Type:   raftpb.MESSAGE_TYPE_INTERNAL_RESPONSE_TO_LEADER_SNAPSHOT,
		From:   targetID,
		Reject: status == raftpb.SNAPSHOT_STATUS_FAILED,
	}:

	case <-nd.doneCh:
	}
}

func (nd *node) runWithRaftNode(rnd *raftNode) {
	var (
		leaderID = NoNodeID

		prevSoftState = rnd.softState()
		prevHardState = raftpb.EmptyHardState

		incomingProposalMessageCh chan raftpb.Message

		advanceCh chan struct{}

		rd      Ready
		readyCh chan Ready

		hasPrevLastUnstableIndex bool
		prevLastUnstableIndex    uint64

		prevLastUnstableTerm uint64

		prevSnapshotIndex uint64
	)

	for {
		// Advance notifies the Node that the application has saved the progress
		// up to the last Ready state. And it prepares the Node to return the
		// next point-in-time state, Ready.
		if advanceCh != nil {
			readyCh = nil
		} else {
			rd = newReady(rnd, prevSoftState, prevHardState)
			if rd.ContainsUpdates() {
				readyCh = nd.readyCh
			} else {
				readyCh = nil
			}
		}

		if rnd.leaderID != leaderID {
			if rnd.hasLeader() { // rnd.leaderID != NoNodeID
				if leaderID == NoNodeID {
					raftLogger.Infof("%s elected leader %x", rnd.describe(), rnd.leaderID)
				} else {
					raftLogger.Infof("%s changed its leader from %x to %x", rnd.describe(), leaderID, rnd.leaderID)
				}
				incomingProposalMessageCh = nd.incomingProposalMessageCh
			} else {
				raftLogger.Infof("%s lost leader %x", rnd.describe(), leaderID)
				incomingProposalMessageCh = nil
			}
			leaderID = rnd.leaderID
		}

		select {
		case <-nd.tickCh:
			rnd.tickFunc()

		case msg := <-incomingProposalMessageCh:
			msg.From = rnd.id
			rnd.Step(msg)

		case msg := <-nd.incomingMessageCh:
			// responses from unknown members are dropped; requests still
			// step so that removed members get up-to-date term information
			if _, ok := rnd.allProgresses[msg.From]; ok || !raftpb.IsResponseMessage(msg.Type) {
				rnd.Step(msg)
			}

		case readyCh <- rd:
			// Ready returns a channel that receives point-in-time state of Node.
			// Advance() method must be followed, after applying the state in Ready.

			if rd.SoftState != nil {
				prevSoftState = rd.SoftState
			}

			if len(rd.EntriesToAppend) > 0 {
				hasPrevLastUnstableIndex = true
				prevLastUnstableIndex = rd.EntriesToAppend[len(rd.EntriesToAppend)-1].Index
				prevLastUnstableTerm = rd.EntriesToAppend[len(rd.EntriesToAppend)-1].Term
			}

			if !raftpb.IsEmptyHardState(rd.HardStateToSave) {
				prevHardState = rd.HardStateToSave
			}

			if !raftpb.IsEmptySnapshot(rd.SnapshotToSave) {
				prevSnapshotIndex = rd.SnapshotToSave.Metadata.Index
			}

			rnd.mailbox = nil
			rnd.readStates = nil
			advanceCh = nd.advanceCh

		case <-advanceCh:
			if prevHardState.CommittedIndex != 0 {
				rnd.storageRaftLog.appliedTo(prevHardState.CommittedIndex)
			}

			if hasPrevLastUnstableIndex {
				rnd.storageRaftLog.persistedEntriesAt(prevLastUnstableIndex, prevLastUnstableTerm)
				hasPrevLastUnstableIndex = false // reset
			}

			rnd.storageRaftLog.persistedSnapshotAt(prevSnapshotIndex)
			advanceCh = nil // reset, waits for next ready

		case nodeStatusCh := <-nd.nodeStatusChCh:
			nodeStatusCh <- getNodeStatus(rnd)

		case <-nd.stopCh:
			close(nd.doneCh)
			return

		case configChange := <-nd.configChangeCh:
			switch configChange.Type {
			case raftpb.CONFIG_CHANGE_TYPE_ADD_NODE:
				if configChange.NodeID == NoNodeID {
					rnd.resetPendingConfigExist()
					break
				}
				rnd.addNode(configChange.NodeID)

			case raftpb.CONFIG_CHANGE_TYPE_ADD_LEARNER_NODE:
				rnd.addLearner(configChange.NodeID)

			case raftpb.CONFIG_CHANGE_TYPE_REMOVE_NODE:
				if configChange.NodeID == rnd.id {
					// block incoming proposal when local node is to be removed
					incomingProposalMessageCh = nil
				}
				rnd.deleteNode(configChange.NodeID)

			case raftpb.CONFIG_CHANGE_TYPE_ENTER_JOINT:
				rnd.enterJoint(configChange.Membership.NextVoterIDs, configChange.Membership.LearnerIDs)

			case raftpb.CONFIG_CHANGE_TYPE_LEAVE_JOINT:
				rnd.leaveJoint()

			default:
				raftLogger.Panicf("%s has received unknown config change type %q", rnd.describe(), configChange.Type)
			}

			select {
			case nd.membershipCh <- rnd.membership.Clone():
			case <-nd.doneCh:
			}
		}
	}
}

// Peer contains peer ID and context data.
type Peer struct {
	ID        uint64
	IsLearner bool
	Context   []byte
}

// StartNode returns a new Node with given configuration.
// It appends a configuration change entry for each given peer
// to its initial log.
func StartNode(config *Config, peers []Peer) Node {
	rnd := newRaftNode(config)

	// start with term 1, no leader
	rnd.becomeFollower(1, NoNodeID)

	for _, peer := range peers {
		tp := raftpb.CONFIG_CHANGE_TYPE_ADD_NODE
		if peer.IsLearner {
			tp = raftpb.CONFIG_CHANGE_TYPE_ADD_LEARNER_NODE
		}
		configChange := raftpb.ConfigChange{
			Type:    tp,
			NodeID:  peer.ID,
			Context: peer.Context,
		}
		configChangeData, err := configChange.Marshal()
		if err != nil {
			raftLogger.Panicf("StartNode configChange.Marshal (%v)", err)
		}
		entry := raftpb.Entry{
			Type:  raftpb.ENTRY_TYPE_CONFIG_CHANGE,
			Index: rnd.storageRaftLog.lastIndex() + 1,
			Term:  1,
			Data:  configChangeData,
		}
		rnd.storageRaftLog.appendToStorageUnstable(entry)
	}

	// mark these initial entries as committed
	// (still unstable)
	rnd.storageRaftLog.commitTo(rnd.storageRaftLog.lastIndex())

	// now apply them, so that application can call Campaign right afterwards
	for _, peer := range peers {
		if peer.IsLearner {
			rnd.addLearner(peer.ID)
			continue
		}
		rnd.addNode(peer.ID)
	}

	nd := newNode()
	go nd.runWithRaftNode(rnd)
	return &nd
}

// RestartNode returns a new Node with the given configuration, restoring
// the previous membership and hard state from Config.StorageStable.
// No peer list is taken; the membership is recovered from storage.
func RestartNode(config *Config) Node {
	rnd := newRaftNode(config)

	nd := newNode()
	go nd.runWithRaftNode(rnd)
	return &nd
}
