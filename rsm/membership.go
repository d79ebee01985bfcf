package rsm

import (
	"context"
	"time"

	"github.com/eryue0220/openraft/raftpb"
)

// ChangeMembership moves the cluster's voter set to newVoterIDs using
// joint consensus. Newcomers are first added as learners and replicated
// to within LearnerCatchUpLag of the leader's log before they are
// promoted, so the joint window never depends on a cold follower.
//
// Only one change may be in flight per member; concurrent callers get
// ErrMembershipChangeInProgress. Must be called on the leader.
func (c *Cluster) ChangeMembership(ctx context.Context, newVoterIDs []uint64) error {
	c.mu.Lock()
	if c.membershipChanging {
		c.mu.Unlock()
		return ErrMembershipChangeInProgress
	}
	if c.nodeState != raftpb.NODE_STATE_LEADER {
		leaderHint := c.leaderID
		c.mu.Unlock()
		return ErrNotLeader{LeaderHint: leaderHint}
	}
	c.membershipChanging = true
	current := c.membership.Clone()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.membershipChanging = false
		c.mu.Unlock()
	}()

	// a coordinator that died between the joint and final entries leaves
	// the configuration joint; complete that transition first
	if current.IsJoint() {
		if err := c.proposeConfigChangeAndWait(ctx, raftpb.ConfigChange{
			Type: raftpb.CONFIG_CHANGE_TYPE_LEAVE_JOINT,
			Membership: raftpb.Membership{
				VoterIDs:   current.NextVoterIDs,
				LearnerIDs: current.LearnerIDs,
			},
		}, func(m raftpb.Membership) bool {
			return !m.IsJoint()
		}); err != nil {
			return err
		}
		current = c.Membership()
	}

	target := raftpb.Membership{VoterIDs: append([]uint64(nil), newVoterIDs...)}
	if !current.IsJoint() && equalVoterSet(current.VoterIDs, target.VoterIDs) {
		return nil
	}

	newcomerIDs := make([]uint64, 0, len(target.VoterIDs))
	for _, id := range target.VoterIDs {
		if !current.Contains(id) {
			newcomerIDs = append(newcomerIDs, id)
		}
	}

	for _, id := range newcomerIDs {
		if err := c.addLearner(ctx, id); err != nil {
			return err
		}
	}
	if err := c.waitLearnersCaughtUp(ctx, newcomerIDs); err != nil {
		return err
	}

	// learners that are not being promoted survive the change
	keptLearnerIDs := make([]uint64, 0, len(current.LearnerIDs)+len(newcomerIDs))
	for _, id := range append(append([]uint64(nil), current.LearnerIDs...), newcomerIDs...) {
		if !containsID(target.VoterIDs, id) {
			keptLearnerIDs = append(keptLearnerIDs, id)
		}
	}

	jointMembership := raftpb.Membership{
		VoterIDs:     current.VoterIDs,
		NextVoterIDs: target.VoterIDs,
		LearnerIDs:   keptLearnerIDs,
	}
	if err := c.proposeConfigChangeAndWait(ctx, raftpb.ConfigChange{
		Type:       raftpb.CONFIG_CHANGE_TYPE_ENTER_JOINT,
		Membership: jointMembership,
	}, func(m raftpb.Membership) bool {
		return m.IsJoint()
	}); err != nil {
		return err
	}

	finalMembership := raftpb.Membership{
		VoterIDs:   target.VoterIDs,
		LearnerIDs: keptLearnerIDs,
	}
	return c.proposeConfigChangeAndWait(ctx, raftpb.ConfigChange{
		Type:       raftpb.CONFIG_CHANGE_TYPE_LEAVE_JOINT,
		Membership: finalMembership,
	}, func(m raftpb.Membership) bool {
		return !m.IsJoint() && equalVoterSet(m.VoterIDs, target.VoterIDs)
	})
}

// AddLearner adds a non-voting member. Learners receive the log but
// never vote; promote them with ChangeMembership.
func (c *Cluster) AddLearner(ctx context.Context, id uint64) error {
	c.mu.Lock()
	if c.nodeState != raftpb.NODE_STATE_LEADER {
		leaderHint := c.leaderID
		c.mu.Unlock()
		return ErrNotLeader{LeaderHint: leaderHint}
	}
	c.mu.Unlock()
	return c.addLearner(ctx, id)
}

func (c *Cluster) addLearner(ctx context.Context, id uint64) error {
	return c.proposeConfigChangeAndWait(ctx, raftpb.ConfigChange{
		Type:   raftpb.CONFIG_CHANGE_TYPE_ADD_LEARNER_NODE,
		NodeID: id,
	}, func(m raftpb.Membership) bool {
		return m.Contains(id)
	})
}

// RemoveMember removes a voter or learner in one step. Removing a voter
// from a multi-voter cluster goes through ChangeMembership instead, so
// the quorum transition is joint.
func (c *Cluster) RemoveMember(ctx context.Context, id uint64) error {
	c.mu.Lock()
	if c.nodeState != raftpb.NODE_STATE_LEADER {
		leaderHint := c.leaderID
		c.mu.Unlock()
		return ErrNotLeader{LeaderHint: leaderHint}
	}
	c.mu.Unlock()
	return c.proposeConfigChangeAndWait(ctx, raftpb.ConfigChange{
		Type:   raftpb.CONFIG_CHANGE_TYPE_REMOVE_NODE,
		NodeID: id,
	}, func(m raftpb.Membership) bool {
		return !m.Contains(id)
	})
}

// TransferLeadership asks the current leader to hand leadership to
// transfereeID.
func (c *Cluster) TransferLeadership(ctx context.Context, transfereeID uint64) {
	c.mu.Lock()
	leaderID := c.leaderID
	c.mu.Unlock()
	c.nd.TransferLeadership(ctx, leaderID, transfereeID)
}

// Membership returns the membership as applied on this member.
func (c *Cluster) Membership() raftpb.Membership {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membership.Clone()
}

func (c *Cluster) proposeConfigChangeAndWait(ctx context.Context, cc raftpb.ConfigChange, applied func(raftpb.Membership) bool) error {
	if err := c.nd.ProposeConfigChange(ctx, cc); err != nil {
		return err
	}
	return c.pollMembership(ctx, applied)
}

func (c *Cluster) pollMembership(ctx context.Context, applied func(raftpb.Membership) bool) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if applied(c.Membership()) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.donec:
			return ErrStopped
		}
	}
}

// waitLearnersCaughtUp blocks until each id's match index is within
// LearnerCatchUpLag of the leader's last log index.
func (c *Cluster) waitLearnersCaughtUp(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if c.learnersCaughtUp(ids) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.donec:
			return ErrStopped
		}
	}
}

func (c *Cluster) learnersCaughtUp(ids []uint64) bool {
	nodeStatus := c.nd.GetNodeStatus()
	if nodeStatus.SoftState.NodeState != raftpb.NODE_STATE_LEADER {
		return false
	}

	leaderMatchIndex := nodeStatus.AllProgresses[nodeStatus.ID].MatchIndex
	for _, id := range ids {
		pr, ok := nodeStatus.AllProgresses[id]
		if !ok {
			return false
		}
		if pr.MatchIndex+c.cfg.LearnerCatchUpLag < leaderMatchIndex {
			return false
		}
	}
	return true
}

func equalVoterSet(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for _, id := range a {
		if !containsID(b, id) {
			return false
		}
	}
	return true
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
