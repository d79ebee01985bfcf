package raft

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/eryue0220/openraft/raftpb"
)

type stateMachine interface {
	Step(msg raftpb.Message) error
	readAndClearMailbox() []raftpb.Message
}

func (rnd *raftNode) readAndClearMailbox() []raftpb.Message {
	msgs := rnd.mailbox
	rnd.mailbox = make([]raftpb.Message, 0)

	return msgs
}

type blackHole struct{}

func (blackHole) Step(raftpb.Message) error             { return nil }
func (blackHole) readAndClearMailbox() []raftpb.Message { return nil }

var noOpBlackHole = &blackHole{}

type connection struct {
	from, to uint64
}

// fakeNetwork simulates network message passing for Raft tests.
type fakeNetwork struct {
	allStateMachines         map[uint64]stateMachine
	allStableStorageInMemory map[uint64]*StorageStableInMemory

	allDroppedConnection  map[connection]float64
	allIgnoredMessageType map[raftpb.MESSAGE_TYPE]bool
}

func newFakeNetwork(machines ...stateMachine) *fakeNetwork {
	peerIDs := generateIDs(len(machines))

	allStateMachines := make(map[uint64]stateMachine, len(peerIDs))
	allStableStorageInMemory := make(map[uint64]*StorageStableInMemory, len(peerIDs))

	for i := range machines {
		id := peerIDs[i]
		switch v := machines[i].(type) {
		case nil:
			allStableStorageInMemory[id] = NewStorageStableInMemory()
			allStateMachines[id] = newTestRaftNode(id, peerIDs, 10, 1, allStableStorageInMemory[id])

		case *raftNode:
			v.id = id
			v.applyMembership(raftpb.Membership{VoterIDs: peerIDs})
			v.resetWithTerm(0)
			allStateMachines[id] = v

		case *blackHole:
			allStateMachines[id] = v

		default:
			raftLogger.Panicf("unknown state machine type: %T", v)
		}
	}

	return &fakeNetwork{
		allStateMachines:         allStateMachines,
		allStableStorageInMemory: allStableStorageInMemory,

		allDroppedConnection:  make(map[connection]float64),
		allIgnoredMessageType: make(map[raftpb.MESSAGE_TYPE]bool),
	}
}

func (fn *fakeNetwork) stepFirstFrontMessage(msgs ...raftpb.Message) {
	for len(msgs) > 0 {
		m := msgs[0]
		st := fn.allStateMachines[m.To]
		st.Step(m)

		msgs = append(msgs[1:], fn.filter(st.readAndClearMailbox())...)
	}
}

func (fn *fakeNetwork) filter(msgs []raftpb.Message) []raftpb.Message {
	var filtered []raftpb.Message
	for _, msg := range msgs {
		if fn.allIgnoredMessageType[msg.Type] {
			continue
		}

		switch msg.Type {
		case raftpb.MESSAGE_TYPE_INTERNAL_TRIGGER_CAMPAIGN:
			raftLogger.Panicf("%q never goes over network", msg.Type)

		default:
			percentage := fn.allDroppedConnection[connection{from: msg.From, to: msg.To}]
			if rand.Float64() < percentage {
				continue // skip append
			}
		}

		filtered = append(filtered, msg)
	}

	return filtered
}

// recoverAll recovers all dropped connections and resets ignored message types.
func (fn *fakeNetwork) recoverAll() {
	fn.allDroppedConnection = make(map[connection]float64)
	fn.allIgnoredMessageType = make(map[raftpb.MESSAGE_TYPE]bool)
}

func (fn *fakeNetwork) dropConnectionByPercentage(from, to uint64, percentage float64) {
	fn.allDroppedConnection[connection{from, to}] = percentage
}

func (fn *fakeNetwork) cutConnection(id1, id2 uint64) {
	fn.allDroppedConnection[connection{id1, id2}] = 1
	fn.allDroppedConnection[connection{id2, id1}] = 1
}

// isolate cuts all outgoing, incoming connections.
func (fn *fakeNetwork) isolate(id uint64) {
	for sid := range fn.allStateMachines {
		if id != sid {
			fn.cutConnection(id, sid)
		}
	}
}

func (fn *fakeNetwork) ignoreMessageType(tp raftpb.MESSAGE_TYPE) {
	fn.allIgnoredMessageType[tp] = true
}

func newTestRaftNode(id uint64, allPeerIDs []uint64, electionTick, heartbeatTick int, stableStorage StorageStable) *raftNode {
	return newRaftNode(&Config{
		ID:                      id,
		allPeerIDs:              allPeerIDs,
		ElectionTickNum:         electionTick,
		HeartbeatTimeoutTickNum: heartbeatTick,
		CheckQuorum:             false,
		StorageStable:           stableStorage,
		MaxEntryNumPerMsg:       0,
		MaxInflightMsgNum:       256,
		LastAppliedIndex:        0,
	})
}

func newTestRaftNodeWithTerms(terms ...uint64) *raftNode {
	st := NewStorageStableInMemory()
	for i := range terms {
		st.Append(raftpb.Entry{Index: uint64(i + 1), Term: terms[i]})
	}

	rnd := newRaftNode(&Config{
		ID:                      1, // to be overwritten in 'newFakeNetwork'
		allPeerIDs:              []uint64{1},
		ElectionTickNum:         10,
		HeartbeatTimeoutTickNum: 1,
		CheckQuorum:             false,
		StorageStable:           st,
		MaxEntryNumPerMsg:       0,
		MaxInflightMsgNum:       256,
		LastAppliedIndex:        0,
	})
	rnd.resetWithTerm(0)

	return rnd
}

func persistAllUnstableAndApplyNextEntries(rnd *raftNode, st *StorageStableInMemory) []raftpb.Entry {
	// append all unstable entries to stable
	st.Append(rnd.storageRaftLog.unstableEntries()...)

	rnd.storageRaftLog.persistedEntriesAt(rnd.storageRaftLog.lastIndex(), rnd.storageRaftLog.lastTerm())

	appliedEntries := rnd.storageRaftLog.nextEntriesToApply()
	rnd.storageRaftLog.appliedTo(rnd.storageRaftLog.committedIndex)

	return appliedEntries
}

func generateIDs(n int) []uint64 {
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		ids[i] = uint64(i) + 1
	}
	return ids
}

type messageSlice []raftpb.Message

func (s messageSlice) Len() int           { return len(s) }
func (s messageSlice) Less(i, j int) bool { return fmt.Sprint(s[i]) < fmt.Sprint(s[j]) }
func (s messageSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

func createAppendResponseMessage(msg raftpb.Message) raftpb.Message {
	if msg.Type != raftpb.MESSAGE_TYPE_LEADER_APPEND {
		raftLogger.Panicf("message type expected %q, got %q", raftpb.MESSAGE_TYPE_LEADER_APPEND, msg.Type)
	}
	return raftpb.Message{
		Type:              raftpb.MESSAGE_TYPE_RESPONSE_TO_LEADER_APPEND,
		From:              msg.To,
		To:                msg.From,
		SenderCurrentTerm: msg.SenderCurrentTerm,
		LogIndex:          msg.LogIndex + uint64(len(msg.Entries)),
	}
}

func (rnd *raftNode) commitNoopEntry() {
	rnd.assertNodeState(raftpb.NODE_STATE_LEADER)

	rnd.leaderReplicateAppendRequests()

	msgs := rnd.readAndClearMailbox()

	for _, msg := range msgs {
		if msg.Type != raftpb.MESSAGE_TYPE_LEADER_APPEND || len(msg.Entries) != 1 || msg.Entries[0].Data != nil {
			raftLogger.Panicf("expected noop entry, got %+v", msg)
		}
		rnd.Step(createAppendResponseMessage(msg))
	}

	// ignore further messages to refresh followers' commit index
	rnd.readAndClearMailbox()

	st, ok := rnd.storageRaftLog.storageStable.(*StorageStableInMemory)
	if !ok {
		raftLogger.Panicf("expected *StorageStableInMemory, got %v", reflect.TypeOf(rnd.storageRaftLog.storageStable))
	}
	st.Append(rnd.storageRaftLog.unstableEntries()...)

	rnd.storageRaftLog.appliedTo(rnd.storageRaftLog.committedIndex)
	rnd.storageRaftLog.persistedEntriesAt(rnd.storageRaftLog.lastIndex(), rnd.storageRaftLog.lastTerm())
}

func Test_generateIDs(t *testing.T) {
	ids := generateIDs(10)
	var prevID uint64
	for i, id := range ids {
		if i == 0 {
			prevID = id
			continue
		}
		if id == prevID {
			t.Fatalf("#%d: expected %x != %x", i, prevID, id)
		}
		prevID = id
	}
}

func Test_raft_allNodeIDs(t *testing.T) {
	tests := []struct {
		ids  []uint64
		wids []uint64
	}{
		{
			[]uint64{1, 2, 3},
			[]uint64{1, 2, 3},
		},
		{
			[]uint64{3, 2, 1},
			[]uint64{1, 2, 3},
		},
	}
	for i, tt := range tests {
		rnd := newTestRaftNode(1, tt.ids, 10, 1, NewStorageStableInMemory())
		if !reflect.DeepEqual(rnd.allNodeIDs(), tt.wids) {
			t.Fatalf("#%d: all node IDs = %+v, want %+v", i, rnd.allNodeIDs(), tt.wids)
		}
	}
}
