package raftpb

import (
	"fmt"
	"sort"
	"strings"
)

// Membership is the set of cluster members in effect: one voter set,
// or two voter sets while a joint-consensus reconfiguration is in
// flight, plus non-voting learners.
//
// While NextVoterIDs is non-empty, every quorum-dependent decision
// (election majority, commit majority, quorum liveness) must hold in
// VoterIDs and NextVoterIDs independently.
//
// (Raft §4.3 Arbitrary configuration changes using joint consensus, p.41)
type Membership struct {
	// VoterIDs is the current voter set (the "old" set while joint).
	VoterIDs []uint64

	// NextVoterIDs is the incoming voter set; non-empty iff the
	// configuration is joint.
	NextVoterIDs []uint64

	// LearnerIDs receive log replication but never vote and never
	// count toward quorum.
	LearnerIDs []uint64
}

// IsJoint returns true while both voter sets are in effect.
func (m Membership) IsJoint() bool {
	return len(m.NextVoterIDs) > 0
}

// IsEmpty returns true if no member is configured.
func (m Membership) IsEmpty() bool {
	return len(m.VoterIDs) == 0 && len(m.NextVoterIDs) == 0 && len(m.LearnerIDs) == 0
}

// VoterSets returns the one or two voter sets quorum decisions
// must be taken against.
func (m Membership) VoterSets() [][]uint64 {
	if m.IsJoint() {
		return [][]uint64{m.VoterIDs, m.NextVoterIDs}
	}
	return [][]uint64{m.VoterIDs}
}

// IsVoter returns true if id votes in any active voter set.
func (m Membership) IsVoter(id uint64) bool {
	return containsID(m.VoterIDs, id) || containsID(m.NextVoterIDs, id)
}

// IsLearner returns true if id is a learner and not a voter.
func (m Membership) IsLearner(id uint64) bool {
	return !m.IsVoter(id) && containsID(m.LearnerIDs, id)
}

// Contains returns true if id is a member in any role.
func (m Membership) Contains(id uint64) bool {
	return m.IsVoter(id) || containsID(m.LearnerIDs, id)
}

// AllIDs returns the sorted, de-duplicated ids of all members.
func (m Membership) AllIDs() []uint64 {
	ids := make(map[uint64]struct{})
	for _, set := range [][]uint64{m.VoterIDs, m.NextVoterIDs, m.LearnerIDs} {
		for _, id := range set {
			ids[id] = struct{}{}
		}
	}
	all := make([]uint64, 0, len(ids))
	for id := range ids {
		all = append(all, id)
	}
	sort.Sort(Uint64Slice(all))
	return all
}

// Clone returns a deep copy of the membership.
func (m Membership) Clone() Membership {
	return Membership{
		VoterIDs:     append([]uint64(nil), m.VoterIDs...),
		NextVoterIDs: append([]uint64(nil), m.NextVoterIDs...),
		LearnerIDs:   append([]uint64(nil), m.LearnerIDs...),
	}
}

// Equal returns true if two memberships name the same sets.
func (m Membership) Equal(other Membership) bool {
	return equalIDSet(m.VoterIDs, other.VoterIDs) &&
		equalIDSet(m.NextVoterIDs, other.NextVoterIDs) &&
		equalIDSet(m.LearnerIDs, other.LearnerIDs)
}

func (m Membership) String() string {
	txt := fmt.Sprintf("voters=%s", formatIDs(m.VoterIDs))
	if m.IsJoint() {
		txt += fmt.Sprintf(" next-voters=%s", formatIDs(m.NextVoterIDs))
	}
	if len(m.LearnerIDs) > 0 {
		txt += fmt.Sprintf(" learners=%s", formatIDs(m.LearnerIDs))
	}
	return txt
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func equalIDSet(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]uint64(nil), a...)
	bs := append([]uint64(nil), b...)
	sort.Sort(Uint64Slice(as))
	sort.Sort(Uint64Slice(bs))
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func formatIDs(ids []uint64) string {
	ss := make([]string, 0, len(ids))
	for _, id := range ids {
		ss = append(ss, fmt.Sprintf("%x", id))
	}
	return "[" + strings.Join(ss, ",") + "]"
}

// Uint64Slice implements sort.Interface for []uint64.
type Uint64Slice []uint64

func (s Uint64Slice) Len() int           { return len(s) }
func (s Uint64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s Uint64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// CONFIG_CHANGE_TYPE is the type of a cluster configuration change.
type CONFIG_CHANGE_TYPE uint8

const (
	// CONFIG_CHANGE_TYPE_ADD_NODE adds a single voter. Used for
	// bootstrap and single-node growth.
	CONFIG_CHANGE_TYPE_ADD_NODE CONFIG_CHANGE_TYPE = iota

	// CONFIG_CHANGE_TYPE_ADD_LEARNER_NODE adds a non-voting learner.
	CONFIG_CHANGE_TYPE_ADD_LEARNER_NODE

	// CONFIG_CHANGE_TYPE_REMOVE_NODE removes a member in any role.
	CONFIG_CHANGE_TYPE_REMOVE_NODE

	// CONFIG_CHANGE_TYPE_ENTER_JOINT installs the joint configuration
	// carried in Membership (both voter sets populated).
	CONFIG_CHANGE_TYPE_ENTER_JOINT

	// CONFIG_CHANGE_TYPE_LEAVE_JOINT installs the final configuration
	// carried in Membership, ending the joint window.
	CONFIG_CHANGE_TYPE_LEAVE_JOINT
)

func (tp CONFIG_CHANGE_TYPE) String() string {
	switch tp {
	case CONFIG_CHANGE_TYPE_ADD_NODE:
		return "ConfigChangeAddNode"
	case CONFIG_CHANGE_TYPE_ADD_LEARNER_NODE:
		return "ConfigChangeAddLearnerNode"
	case CONFIG_CHANGE_TYPE_REMOVE_NODE:
		return "ConfigChangeRemoveNode"
	case CONFIG_CHANGE_TYPE_ENTER_JOINT:
		return "ConfigChangeEnterJoint"
	case CONFIG_CHANGE_TYPE_LEAVE_JOINT:
		return "ConfigChangeLeaveJoint"
	default:
		panic(fmt.Sprintf("unknown CONFIG_CHANGE_TYPE %d", tp))
	}
}

// ConfigChange is the payload of an ENTRY_TYPE_CONFIG_CHANGE entry.
//
// NodeID is set for the single-node change types; Membership is set
// for ENTER_JOINT and LEAVE_JOINT.
type ConfigChange struct {
	Type       CONFIG_CHANGE_TYPE
	NodeID     uint64
	Membership Membership
	Context    []byte
}
