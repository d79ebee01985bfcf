package rsm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eryue0220/openraft/raft"
	"github.com/eryue0220/openraft/raftpb"
	"github.com/eryue0220/openraft/raftsnap"
)

// testNetwork routes raft messages between in-process members. Each
// member gets one inbox goroutine, so delivery per target is ordered.
type testNetwork struct {
	mu      sync.Mutex
	inboxes map[uint64]chan raftpb.Message
	members map[uint64]*Cluster

	stopc chan struct{}
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		inboxes: make(map[uint64]chan raftpb.Message),
		members: make(map[uint64]*Cluster),
		stopc:   make(chan struct{}),
	}
}

func (nw *testNetwork) stop() {
	nw.mu.Lock()
	select {
	case <-nw.stopc:
		nw.mu.Unlock()
		return
	default:
	}
	close(nw.stopc)
	// collect members under the lock, but stop them outside it: Stop
	// waits for the run goroutine, which may itself be blocked in
	// testTransport.Send waiting for nw.mu
	members := make([]*Cluster, 0, len(nw.members))
	for _, c := range nw.members {
		members = append(members, c)
	}
	nw.mu.Unlock()

	for _, c := range members {
		c.Stop()
	}
}

func (nw *testNetwork) register(id uint64, c *Cluster) {
	inbox := make(chan raftpb.Message, 4096)

	nw.mu.Lock()
	nw.members[id] = c
	nw.inboxes[id] = inbox
	nw.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-inbox:
				c.Process(context.TODO(), msg)
			case <-nw.stopc:
				return
			}
		}
	}()
}

// transporter returns the sending side for one member. Unknown targets
// and full inboxes drop the message, like a lossy network.
func (nw *testNetwork) transporter() Transporter {
	return &testTransport{network: nw}
}

type testTransport struct {
	network *testNetwork
}

func (tr *testTransport) Send(msgs []raftpb.Message) {
	tr.network.mu.Lock()
	defer tr.network.mu.Unlock()

	for _, msg := range msgs {
		inbox, ok := tr.network.inboxes[msg.To]
		if !ok {
			continue
		}
		select {
		case inbox <- msg:
		default:
		}
	}
}

func testConfig(id uint64) Config {
	return Config{
		ID:               id,
		ElectionTickNum:  10,
		HeartbeatTickNum: 1,
		TickInterval:     2 * time.Millisecond,
	}
}

func (nw *testNetwork) startMember(t *testing.T, cfg Config, storage raft.StorageStable, snapshotter *raftsnap.Snapshotter, peers []raft.Peer) *Cluster {
	c, err := StartCluster(cfg, storage, nw.transporter(), snapshotter, peers)
	if err != nil {
		t.Fatal(err)
	}
	nw.register(cfg.ID, c)
	return c
}

func (nw *testNetwork) startThree(t *testing.T) map[uint64]*Cluster {
	peers := []raft.Peer{{ID: 1}, {ID: 2}, {ID: 3}}
	members := make(map[uint64]*Cluster, 3)
	for _, p := range peers {
		members[p.ID] = nw.startMember(t, testConfig(p.ID), raft.NewStorageStableInMemory(), nil, peers)
	}
	return members
}

func waitLeader(t *testing.T, members map[uint64]*Cluster) *Cluster {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range members {
			st := c.Status()
			if st.NodeStatus.SoftState.NodeState == raftpb.NODE_STATE_LEADER {
				return c
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected in time")
	return nil
}

func waitLocalKey(t *testing.T, c *Cluster, key, wValue string) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := c.kv.Get(key); ok && v == wValue {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key %q never reached value %q on member %x", key, wValue, c.cfg.ID)
}

func Test_Cluster_Put_Get(t *testing.T) {
	nw := newTestNetwork()
	defer nw.stop()
	members := nw.startThree(t)
	leader := waitLeader(t, members)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := leader.Put(ctx, "foo", "bar"); err != nil {
		t.Fatal(err)
	}

	v, ok, err := leader.Get(ctx, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "bar" {
		t.Fatalf("value expected %q, got %q (ok %v)", "bar", v, ok)
	}

	// the committed write reaches every member's state machine
	for _, c := range members {
		waitLocalKey(t, c, "foo", "bar")
	}
}

func Test_Cluster_Delete(t *testing.T) {
	nw := newTestNetwork()
	defer nw.stop()
	members := nw.startThree(t)
	leader := waitLeader(t, members)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := leader.Put(ctx, "foo", "bar"); err != nil {
		t.Fatal(err)
	}
	if err := leader.Delete(ctx, "foo"); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := leader.Get(ctx, "foo"); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatalf("key %q expected deleted, still present", "foo")
	}
}

func Test_Cluster_Put_not_leader(t *testing.T) {
	nw := newTestNetwork()
	defer nw.stop()
	members := nw.startThree(t)
	leader := waitLeader(t, members)

	var follower *Cluster
	for id, c := range members {
		if id != leader.cfg.ID {
			follower = c
			break
		}
	}

	// wait until the follower learns who leads, so the hint is filled
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if follower.Status().NodeStatus.SoftState.LeaderID == leader.cfg.ID {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := follower.Put(ctx, "foo", "bar")
	notLeaderErr, ok := err.(ErrNotLeader)
	if !ok {
		t.Fatalf("error expected ErrNotLeader, got %v", err)
	}
	if notLeaderErr.LeaderHint != leader.cfg.ID {
		t.Fatalf("leader hint expected %x, got %x", leader.cfg.ID, notLeaderErr.LeaderHint)
	}
}

func Test_Cluster_Get_follower(t *testing.T) {
	nw := newTestNetwork()
	defer nw.stop()
	members := nw.startThree(t)
	leader := waitLeader(t, members)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := leader.Put(ctx, "foo", "bar"); err != nil {
		t.Fatal(err)
	}

	var follower *Cluster
	for id, c := range members {
		if id != leader.cfg.ID {
			follower = c
			break
		}
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if follower.Status().NodeStatus.SoftState.LeaderID == leader.cfg.ID {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// follower reads go through the read index, forwarded to the leader
	v, ok, err := follower.Get(ctx, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "bar" {
		t.Fatalf("value expected %q, got %q (ok %v)", "bar", v, ok)
	}
}

func Test_Cluster_membership_change(t *testing.T) {
	nw := newTestNetwork()
	defer nw.stop()
	members := nw.startThree(t)
	leader := waitLeader(t, members)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := leader.Put(ctx, "existing", "state"); err != nil {
		t.Fatal(err)
	}

	// joiner starts with empty storage and no bootstrap peers; it
	// learns the cluster from the leader's log
	joiner := nw.startMember(t, testConfig(4), raft.NewStorageStableInMemory(), nil, nil)
	members[4] = joiner

	// replace one follower with the joiner, keeping the leader a voter
	var removedID uint64
	target := []uint64{leader.cfg.ID, 4}
	for id := range members {
		if id != leader.cfg.ID && id != 4 && removedID == 0 {
			removedID = id
			continue
		}
		if id != leader.cfg.ID && id != 4 {
			target = append(target, id)
		}
	}

	if err := leader.ChangeMembership(ctx, target); err != nil {
		t.Fatal(err)
	}

	membership := leader.Membership()
	if membership.IsJoint() {
		t.Fatalf("membership expected to have left joint, got %s", membership)
	}
	if !membership.IsVoter(4) {
		t.Fatalf("member 4 expected voter, got %s", membership)
	}
	if membership.Contains(removedID) {
		t.Fatalf("member %x expected removed, got %s", removedID, membership)
	}

	members[removedID].Stop()
	delete(members, removedID)

	if err := leader.Put(ctx, "after-change", "ok"); err != nil {
		t.Fatal(err)
	}
	waitLocalKey(t, joiner, "existing", "state")
	waitLocalKey(t, joiner, "after-change", "ok")
}

// A coordinator that dies between the joint and final entries leaves
// the cluster joint; the next ChangeMembership must complete the stuck
// transition and then carry out the requested one, without any member
// crashing on the second joint entry.
func Test_Cluster_membership_change_stuck_joint(t *testing.T) {
	nw := newTestNetwork()
	defer nw.stop()
	members := nw.startThree(t)
	leader := waitLeader(t, members)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// leave the configuration joint, as a crashed coordinator would:
	// the next voter set drops one follower
	var droppedID uint64
	for id := range members {
		if id != leader.cfg.ID {
			droppedID = id
			break
		}
	}
	shrunk := make([]uint64, 0, len(members)-1)
	for id := range members {
		if id != droppedID {
			shrunk = append(shrunk, id)
		}
	}
	if err := leader.nd.ProposeConfigChange(ctx, raftpb.ConfigChange{
		Type: raftpb.CONFIG_CHANGE_TYPE_ENTER_JOINT,
		Membership: raftpb.Membership{
			VoterIDs:     []uint64{1, 2, 3},
			NextVoterIDs: shrunk,
		},
	}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if leader.Membership().IsJoint() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !leader.Membership().IsJoint() {
		t.Fatal("membership never became joint")
	}

	if err := leader.ChangeMembership(ctx, []uint64{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	membership := leader.Membership()
	if membership.IsJoint() {
		t.Fatalf("membership expected to have left joint, got %s", membership)
	}
	for _, id := range []uint64{1, 2, 3} {
		if !membership.IsVoter(id) {
			t.Fatalf("member %x expected voter, got %s", id, membership)
		}
	}

	if err := leader.Put(ctx, "after-recovery", "ok"); err != nil {
		t.Fatal(err)
	}
	for _, c := range members {
		waitLocalKey(t, c, "after-recovery", "ok")
	}
}

func Test_Cluster_membership_change_in_progress(t *testing.T) {
	nw := newTestNetwork()
	defer nw.stop()
	members := nw.startThree(t)
	leader := waitLeader(t, members)

	leader.mu.Lock()
	leader.membershipChanging = true
	leader.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := leader.ChangeMembership(ctx, []uint64{1, 2}); err != ErrMembershipChangeInProgress {
		t.Fatalf("error expected %v, got %v", ErrMembershipChangeInProgress, err)
	}
}

func Test_Cluster_snapshot_compaction_restart(t *testing.T) {
	nw := newTestNetwork()
	defer nw.stop()

	storage := raft.NewStorageStableInMemory()
	snapshotter := raftsnap.New(t.TempDir())

	cfg := testConfig(1)
	cfg.SnapshotCount = 4

	c := nw.startMember(t, cfg, storage, snapshotter, []raft.Peer{{ID: 1}})
	waitLeader(t, map[uint64]*Cluster{1: c})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		if err := c.Put(ctx, fmt.Sprintf("key-%d", i), fmt.Sprintf("val-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().SnapshotIndex > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := c.Status()
	if st.SnapshotIndex == 0 {
		t.Fatal("snapshot never triggered")
	}

	firstIndex, err := storage.FirstIndex()
	if err != nil {
		t.Fatal(err)
	}
	if firstIndex <= 1 {
		t.Fatalf("first index expected greater than 1 after compaction, got %d", firstIndex)
	}

	c.Stop()

	// restart from the same storage and snapshot directory
	restarted := nw.startMember(t, cfg, storage, snapshotter, nil)
	waitLeader(t, map[uint64]*Cluster{1: restarted})

	for i := 0; i < 20; i++ {
		waitLocalKey(t, restarted, fmt.Sprintf("key-%d", i), fmt.Sprintf("val-%d", i))
	}
}

func Test_Cluster_Stop(t *testing.T) {
	nw := newTestNetwork()
	defer nw.stop()
	members := nw.startThree(t)
	leader := waitLeader(t, members)

	leader.Stop()
	leader.Stop() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := leader.Put(ctx, "foo", "bar"); err == nil {
		t.Fatal("error expected after stop, got nil")
	}
}
