// Package rsm layers a replicated key-value state machine on top of the
// consensus core: linearizable writes and reads, the two-phase membership
// change coordinator, and the snapshot/compaction loop.
package rsm

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/eryue0220/openraft/idutil"
	"github.com/eryue0220/openraft/raft"
	"github.com/eryue0220/openraft/raftpb"
	"github.com/eryue0220/openraft/raftsnap"
)

var rsmLogger = logging.Logger("rsm")

// Transporter delivers outgoing raft messages to peers.
// rafthttp.Transport implements it; tests use in-memory loopbacks.
type Transporter interface {
	Send(msgs []raftpb.Message)
}

// appliedWaiter blocks a linearizable read until the applied index
// reaches the confirmed read index.
type appliedWaiter struct {
	index uint64
	ch    chan struct{}
}

// Cluster is one member of the replicated state machine.
type Cluster struct {
	cfg Config

	nd          raft.Node
	storage     raft.StorageStable
	snapshotter *raftsnap.Snapshotter
	transport   Transporter

	kv          *KVStore
	idGenerator *idutil.Generator

	mu sync.Mutex

	leaderID  uint64
	nodeState raftpb.NODE_STATE

	appliedIndex  uint64
	snapshotIndex uint64

	membership         raftpb.Membership
	membershipChanging bool

	commandWaiters map[uint64]chan struct{}
	readWaiters    map[string]chan uint64
	appliedWaiters []appliedWaiter

	stopc chan struct{}
	donec chan struct{}
}

// StartCluster boots a member. peers must name the initial members when
// bootstrapping a new cluster, and must be nil when restarting from
// non-empty storage.
func StartCluster(cfg Config, storage raft.StorageStable, transport Transporter, snapshotter *raftsnap.Snapshotter, peers []raft.Peer) (*Cluster, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	raftConfig := &raft.Config{
		ID:                      cfg.ID,
		ElectionTickNum:         cfg.ElectionTickNum,
		HeartbeatTimeoutTickNum: cfg.HeartbeatTickNum,
		CheckQuorum:             true,
		StorageStable:           storage,
		MaxEntryNumPerMsg:       cfg.MaxEntryNumPerMsg,
		MaxInflightMsgNum:       cfg.MaxInflightMsgNum,
		ReadOnlyOption:          cfg.ReadOnlyOption,
	}

	c := &Cluster{
		cfg:         cfg,
		storage:     storage,
		snapshotter: snapshotter,
		transport:   transport,

		kv:          NewKVStore(),
		idGenerator: idutil.NewGenerator(uint16(cfg.ID), time.Now()),

		commandWaiters: make(map[uint64]chan struct{}),
		readWaiters:    make(map[string]chan uint64),

		stopc: make(chan struct{}),
		donec: make(chan struct{}),
	}

	if len(peers) > 0 {
		c.nd = raft.StartNode(raftConfig, peers)
	} else {
		snap, err := snapshotLoad(snapshotter, storage)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			if err = c.kv.Restore(snap.Data); err != nil {
				return nil, err
			}
			c.appliedIndex = snap.Metadata.Index
			c.snapshotIndex = snap.Metadata.Index
			c.membership = snap.Metadata.Membership.Clone()
			raftConfig.LastAppliedIndex = snap.Metadata.Index
		}
		c.nd = raft.RestartNode(raftConfig)
	}

	go c.run()
	return c, nil
}

// snapshotLoad prefers the snapshot file, falling back to storage.
func snapshotLoad(snapshotter *raftsnap.Snapshotter, storage raft.StorageStable) (*raftpb.Snapshot, error) {
	if snapshotter != nil {
		snap, err := snapshotter.LoadNewest()
		switch err {
		case nil:
			return snap, nil
		case raftsnap.ErrNoSnapshot:
		default:
			return nil, err
		}
	}

	snap, err := storage.Snapshot()
	if err != nil {
		return nil, err
	}
	if raftpb.IsEmptySnapshot(snap) {
		return nil, nil
	}
	return &snap, nil
}

// Stop shuts the member down. Pending requests resolve with ErrStopped.
func (c *Cluster) Stop() {
	select {
	case <-c.donec:
		return
	default:
	}
	close(c.stopc)
	<-c.donec
}

func (c *Cluster) run() {
	defer close(c.donec)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.nd.Tick()

		case rd := <-c.nd.Ready():
			c.processReady(rd)
			c.nd.Advance()

		case <-c.stopc:
			c.nd.Stop()
			c.failAllWaiters()
			return
		}
	}
}

// processReady follows the persistence contract: hard state and entries
// are durably stored before any message referencing them leaves the node.
func (c *Cluster) processReady(rd raft.Ready) {
	if !raftpb.IsEmptyHardState(rd.HardStateToSave) {
		if err := c.storage.SetHardState(rd.HardStateToSave); err != nil {
			rsmLogger.Panicf("failed to persist hard state (%v)", err)
		}
	}
	if len(rd.EntriesToAppend) > 0 {
		if err := c.storage.Append(rd.EntriesToAppend...); err != nil {
			rsmLogger.Panicf("failed to persist entries (%v)", err)
		}
	}
	if !raftpb.IsEmptySnapshot(rd.SnapshotToSave) {
		c.installSnapshot(rd.SnapshotToSave)
	}

	c.transport.Send(rd.MessagesToSend)

	if rd.SoftState != nil {
		c.mu.Lock()
		c.leaderID = rd.SoftState.LeaderID
		c.nodeState = rd.SoftState.NodeState
		c.mu.Unlock()
	}

	for i := range rd.EntriesToCommit {
		c.applyEntry(rd.EntriesToCommit[i])
	}

	for _, rs := range rd.ReadStates {
		c.mu.Lock()
		if ch, ok := c.readWaiters[string(rs.RequestCtx)]; ok {
			delete(c.readWaiters, string(rs.RequestCtx))
			ch <- rs.Index
		}
		c.mu.Unlock()
	}

	c.maybeTriggerSnapshot()
}

// installSnapshot makes a received snapshot durable and loads it into
// the state machine.
func (c *Cluster) installSnapshot(snap raftpb.Snapshot) {
	if c.snapshotter != nil {
		if err := c.snapshotter.SaveSnapshot(snap); err != nil {
			rsmLogger.Panicf("failed to save snapshot file (%v)", err)
		}
	}
	if err := c.storage.ApplySnapshot(snap); err != nil && err != raft.ErrSnapOutOfDate {
		rsmLogger.Panicf("failed to apply snapshot to storage (%v)", err)
	}
	if err := c.kv.Restore(snap.Data); err != nil {
		rsmLogger.Panicf("failed to restore state machine from snapshot (%v)", err)
	}

	c.mu.Lock()
	c.appliedIndex = snap.Metadata.Index
	c.snapshotIndex = snap.Metadata.Index
	c.membership = snap.Metadata.Membership.Clone()
	c.mu.Unlock()

	rsmLogger.Infof("installed snapshot [index=%d | term=%d]", snap.Metadata.Index, snap.Metadata.Term)
}

func (c *Cluster) applyEntry(ent raftpb.Entry) {
	switch ent.Type {
	case raftpb.ENTRY_TYPE_NORMAL:
		if len(ent.Data) > 0 {
			var cmd command
			if err := cmd.Unmarshal(ent.Data); err != nil {
				rsmLogger.Panicf("failed to decode committed command at index %d (%v)", ent.Index, err)
			}
			c.kv.applyCommand(&cmd)

			c.mu.Lock()
			if ch, ok := c.commandWaiters[cmd.RequestID]; ok {
				delete(c.commandWaiters, cmd.RequestID)
				close(ch)
			}
			c.mu.Unlock()
		}

	case raftpb.ENTRY_TYPE_CONFIG_CHANGE:
		var configChange raftpb.ConfigChange
		if err := configChange.Unmarshal(ent.Data); err != nil {
			rsmLogger.Panicf("failed to decode config change at index %d (%v)", ent.Index, err)
		}
		membership := c.nd.ApplyConfigChange(configChange)

		c.mu.Lock()
		c.membership = membership.Clone()
		c.mu.Unlock()

	default:
		rsmLogger.Panicf("unknown entry type %d at index %d", ent.Type, ent.Index)
	}

	c.mu.Lock()
	c.appliedIndex = ent.Index

	// release reads waiting for this applied index
	remaining := c.appliedWaiters[:0]
	for _, w := range c.appliedWaiters {
		if w.index <= c.appliedIndex {
			close(w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	c.appliedWaiters = remaining
	c.mu.Unlock()
}

// maybeTriggerSnapshot snapshots the state machine and compacts the log
// once enough entries have been applied since the last snapshot.
func (c *Cluster) maybeTriggerSnapshot() {
	c.mu.Lock()
	appliedIndex, snapshotIndex := c.appliedIndex, c.snapshotIndex
	membership := c.membership.Clone()
	c.mu.Unlock()

	if appliedIndex-snapshotIndex <= c.cfg.SnapshotCount {
		return
	}

	data, err := c.kv.Snapshot()
	if err != nil {
		rsmLogger.Panicf("failed to snapshot state machine (%v)", err)
	}

	snap, err := c.storage.CreateSnapshot(appliedIndex, &membership, data)
	if err != nil {
		if err == raft.ErrSnapOutOfDate {
			return
		}
		rsmLogger.Panicf("failed to create snapshot (%v)", err)
	}
	if c.snapshotter != nil {
		if err = c.snapshotter.SaveSnapshot(snap); err != nil {
			rsmLogger.Panicf("failed to save snapshot file (%v)", err)
		}
	}

	if err = c.storage.Compact(appliedIndex); err != nil && err != raft.ErrCompacted {
		rsmLogger.Panicf("failed to compact log (%v)", err)
	}

	c.mu.Lock()
	c.snapshotIndex = appliedIndex
	c.mu.Unlock()

	rsmLogger.Infof("compacted log through snapshot at index %d", appliedIndex)
}

func (c *Cluster) failAllWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.commandWaiters {
		delete(c.commandWaiters, id)
		close(ch)
	}
	for rctx, ch := range c.readWaiters {
		delete(c.readWaiters, rctx)
		close(ch)
	}
	for _, w := range c.appliedWaiters {
		close(w.ch)
	}
	c.appliedWaiters = nil
}

// Process implements the transport's receive side.
func (c *Cluster) Process(ctx context.Context, msg raftpb.Message) error {
	return c.nd.Step(ctx, msg)
}

// ReportUnreachable implements the transport's failure reporting.
func (c *Cluster) ReportUnreachable(peerID uint64) { c.nd.ReportUnreachable(peerID) }

// ReportSnapshot implements the transport's snapshot status reporting.
func (c *Cluster) ReportSnapshot(peerID uint64, status raftpb.SNAPSHOT_STATUS) {
	c.nd.ReportSnapshot(peerID, status)
}

// Put writes a key. It returns once the write is committed and applied
// locally, or ErrNotLeader with a hint when this member is not leader.
func (c *Cluster) Put(ctx context.Context, key, value string) error {
	return c.propose(ctx, &command{Op: COMMAND_OP_PUT, Key: key, Value: value})
}

// Delete removes a key with the same confirmation contract as Put.
func (c *Cluster) Delete(ctx context.Context, key string) error {
	return c.propose(ctx, &command{Op: COMMAND_OP_DELETE, Key: key})
}

func (c *Cluster) propose(ctx context.Context, cmd *command) error {
	c.mu.Lock()
	if c.nodeState != raftpb.NODE_STATE_LEADER {
		leaderHint := c.leaderID
		c.mu.Unlock()
		return ErrNotLeader{LeaderHint: leaderHint}
	}

	cmd.RequestID = c.idGenerator.Next()
	waitc := make(chan struct{})
	c.commandWaiters[cmd.RequestID] = waitc
	c.mu.Unlock()

	data, err := cmd.Marshal()
	if err != nil {
		c.abandonCommandWaiter(cmd.RequestID)
		return err
	}

	if err = c.nd.Propose(ctx, data); err != nil {
		c.abandonCommandWaiter(cmd.RequestID)
		return err
	}

	select {
	case <-waitc:
		select {
		case <-c.donec:
			return ErrStopped
		default:
		}
		return nil

	case <-ctx.Done():
		c.abandonCommandWaiter(cmd.RequestID)
		return ctx.Err()

	case <-c.donec:
		return ErrStopped
	}
}

func (c *Cluster) abandonCommandWaiter(requestID uint64) {
	c.mu.Lock()
	delete(c.commandWaiters, requestID)
	c.mu.Unlock()
}

// Get performs a linearizable read: it obtains a read index from the
// leader, waits until the local applied index catches up, then reads
// the state machine.
func (c *Cluster) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	if c.leaderID == 0 {
		c.mu.Unlock()
		return "", false, ErrNotLeader{}
	}

	rctx := make([]byte, 8)
	binary.BigEndian.PutUint64(rctx, c.idGenerator.Next())
	indexc := make(chan uint64, 1)
	c.readWaiters[string(rctx)] = indexc
	c.mu.Unlock()

	if err := c.nd.ReadIndex(ctx, rctx); err != nil {
		c.mu.Lock()
		delete(c.readWaiters, string(rctx))
		c.mu.Unlock()
		return "", false, err
	}

	var readIndex uint64
	select {
	case idx, ok := <-indexc:
		if !ok {
			return "", false, ErrStopped
		}
		readIndex = idx

	case <-ctx.Done():
		c.mu.Lock()
		delete(c.readWaiters, string(rctx))
		c.mu.Unlock()
		return "", false, ctx.Err()

	case <-c.donec:
		return "", false, ErrStopped
	}

	if err := c.waitApplied(ctx, readIndex); err != nil {
		return "", false, err
	}

	value, ok := c.kv.Get(key)
	return value, ok, nil
}

func (c *Cluster) waitApplied(ctx context.Context, index uint64) error {
	c.mu.Lock()
	if c.appliedIndex >= index {
		c.mu.Unlock()
		return nil
	}
	waitc := make(chan struct{})
	c.appliedWaiters = append(c.appliedWaiters, appliedWaiter{index: index, ch: waitc})
	c.mu.Unlock()

	select {
	case <-waitc:
		select {
		case <-c.donec:
			return ErrStopped
		default:
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.donec:
		return ErrStopped
	}
}

// Status is a point-in-time view of this member.
type Status struct {
	NodeStatus raft.NodeStatus

	AppliedIndex  uint64
	SnapshotIndex uint64
}

// Status reports the member's role, indexes, membership, and progress.
func (c *Cluster) Status() Status {
	nodeStatus := c.nd.GetNodeStatus()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		NodeStatus:    nodeStatus,
		AppliedIndex:  c.appliedIndex,
		SnapshotIndex: c.snapshotIndex,
	}
}

// Campaign triggers an election on this member.
func (c *Cluster) Campaign(ctx context.Context) error { return c.nd.Campaign(ctx) }
