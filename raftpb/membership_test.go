package raftpb

import (
	"reflect"
	"testing"
)

func Test_Membership_VoterSets(t *testing.T) {
	tests := []struct {
		membership Membership
		wSets      [][]uint64
		wJoint     bool
	}{
		{
			Membership{VoterIDs: []uint64{1, 2, 3}},
			[][]uint64{{1, 2, 3}},
			false,
		},
		{
			Membership{VoterIDs: []uint64{1, 2, 3}, NextVoterIDs: []uint64{2, 3, 4}},
			[][]uint64{{1, 2, 3}, {2, 3, 4}},
			true,
		},
		{
			Membership{VoterIDs: []uint64{1}, LearnerIDs: []uint64{2}},
			[][]uint64{{1}},
			false,
		},
	}

	for i, tt := range tests {
		if g := tt.membership.IsJoint(); g != tt.wJoint {
			t.Fatalf("#%d: IsJoint expected %v, got %v", i, tt.wJoint, g)
		}
		if g := tt.membership.VoterSets(); !reflect.DeepEqual(g, tt.wSets) {
			t.Fatalf("#%d: VoterSets expected %+v, got %+v", i, tt.wSets, g)
		}
	}
}

func Test_Membership_roles(t *testing.T) {
	mem := Membership{
		VoterIDs:     []uint64{1, 2},
		NextVoterIDs: []uint64{2, 3},
		LearnerIDs:   []uint64{4},
	}

	tests := []struct {
		id                          uint64
		wVoter, wLearner, wContains bool
	}{
		{1, true, false, true},
		{2, true, false, true},
		{3, true, false, true}, // voter in the incoming set only
		{4, false, true, true},
		{5, false, false, false},
	}

	for i, tt := range tests {
		if g := mem.IsVoter(tt.id); g != tt.wVoter {
			t.Fatalf("#%d: IsVoter(%d) expected %v, got %v", i, tt.id, tt.wVoter, g)
		}
		if g := mem.IsLearner(tt.id); g != tt.wLearner {
			t.Fatalf("#%d: IsLearner(%d) expected %v, got %v", i, tt.id, tt.wLearner, g)
		}
		if g := mem.Contains(tt.id); g != tt.wContains {
			t.Fatalf("#%d: Contains(%d) expected %v, got %v", i, tt.id, tt.wContains, g)
		}
	}

	wAll := []uint64{1, 2, 3, 4}
	if g := mem.AllIDs(); !reflect.DeepEqual(g, wAll) {
		t.Fatalf("AllIDs expected %+v, got %+v", wAll, g)
	}
}

func Test_Membership_Clone(t *testing.T) {
	mem := Membership{VoterIDs: []uint64{1, 2, 3}, LearnerIDs: []uint64{4}}
	cloned := mem.Clone()

	if !cloned.Equal(mem) {
		t.Fatalf("clone expected %+v, got %+v", mem, cloned)
	}

	cloned.VoterIDs[0] = 100
	if mem.VoterIDs[0] != 1 {
		t.Fatalf("clone must not share backing arrays; original mutated to %d", mem.VoterIDs[0])
	}
}
