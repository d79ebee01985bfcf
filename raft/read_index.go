package raft

import "github.com/eryue0220/openraft/raftpb"

// ReadState provides the state of a read-only query.
// The application must send MESSAGE_TYPE_TRIGGER_READ_INDEX first,
// before it reads ReadState from Ready.
//
// The read index is used to serve clients' read-only queries without
// appending to the Raft log, while still preserving linearizability:
// the leader records its commit index, confirms its leadership with a
// round of heartbeats acked by a quorum, and once the state machine has
// applied at least up to that index, the read can be served locally.
type ReadState struct {
	Index      uint64
	RequestCtx []byte
}

// ReadOnlyOption specifies how the read only request is processed.
type ReadOnlyOption int

const (
	// ReadOnlySafe guarantees the linearizability of the read only request by
	// communicating with the quorum. It is the default and suggested option.
	ReadOnlySafe ReadOnlyOption = iota

	// ReadOnlyLeaseBased ensures linearizability of the read only request by
	// relying on the leader lease. It can be affected by clock drift.
	ReadOnlyLeaseBased
)

type readIndexStatus struct {
	req   raftpb.Message
	index uint64
	acks  map[uint64]struct{}
}

type readOnly struct {
	option           ReadOnlyOption
	pendingReadIndex map[string]*readIndexStatus
	readIndexQueue   []string
}

func newReadOnly(option ReadOnlyOption) *readOnly {
	return &readOnly{
		option:           option,
		pendingReadIndex: make(map[string]*readIndexStatus),
	}
}

// addRequest adds a read-only request into the readOnly struct.
// `index` is the commit index of the raft state machine when it received
// the read-only request.
// `msg` is the original read-only request message from the local or remote node.
func (ro *readOnly) addRequest(msg raftpb.Message, index uint64) {
	ctx := string(msg.Entries[0].Data)
	if _, ok := ro.pendingReadIndex[ctx]; ok {
		return
	}
	ro.pendingReadIndex[ctx] = &readIndexStatus{req: msg, index: index, acks: make(map[uint64]struct{})}
	ro.readIndexQueue = append(ro.readIndexQueue, ctx)
}

// recvAck notifies the readOnly struct that the raft state machine received
// an acknowledgment of the heartbeat that was attached with the read-only
// request context, and returns the ack set for that request.
func (ro *readOnly) recvAck(msg raftpb.Message) map[uint64]struct{} {
	rs, ok := ro.pendingReadIndex[string(msg.Context)]
	if !ok {
		return nil
	}

	rs.acks[msg.From] = struct{}{}
	return rs.acks
}

// advance dequeues requests until it finds the read-only request
// that has the same context as the given message.
func (ro *readOnly) advance(msg raftpb.Message) []*readIndexStatus {
	var (
		i     int
		found bool
	)

	ctx := string(msg.Context)
	var rss []*readIndexStatus

	for _, okctx := range ro.readIndexQueue {
		i++
		rs, ok := ro.pendingReadIndex[okctx]
		if !ok {
			panic("cannot find corresponding read state from pending map")
		}
		rss = append(rss, rs)
		if okctx == ctx {
			found = true
			break
		}
	}

	if !found {
		return nil
	}

	ro.readIndexQueue = ro.readIndexQueue[i:]
	for _, rs := range rss {
		delete(ro.pendingReadIndex, string(rs.req.Entries[0].Data))
	}
	return rss
}

// lastPendingRequestCtx returns the context of the last pending
// read-only request.
func (ro *readOnly) lastPendingRequestCtx() string {
	if len(ro.readIndexQueue) == 0 {
		return ""
	}
	return ro.readIndexQueue[len(ro.readIndexQueue)-1]
}
