package raft

import (
	"reflect"
	"testing"

	"github.com/eryue0220/openraft/raftpb"
)

func Test_storageUnstable_maybeFirstIndex(t *testing.T) {
	tests := []struct {
		incomingSnapshot *raftpb.Snapshot
		indexOffset      uint64
		entries          []raftpb.Entry

		wIndex uint64
		wOk    bool
	}{
		{ // no snapshot
			nil, 5, []raftpb.Entry{{Index: 5, Term: 1}},
			0, false,
		},
		{
			nil, 5, nil,
			0, false,
		},
		{ // with snapshot
			&raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 4, Term: 1}}, 5, []raftpb.Entry{{Index: 5, Term: 1}},
			5, true,
		},
		{
			&raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 4, Term: 1}}, 5, nil,
			5, true,
		},
	}

	for i, tt := range tests {
		su := storageUnstable{
			incomingSnapshot: tt.incomingSnapshot,
			indexOffset:      tt.indexOffset,
			entries:          tt.entries,
		}
		index, ok := su.maybeFirstIndex()
		if index != tt.wIndex {
			t.Fatalf("#%d: index expected %d, got %d", i, tt.wIndex, index)
		}
		if ok != tt.wOk {
			t.Fatalf("#%d: ok expected %v, got %v", i, tt.wOk, ok)
		}
	}
}

func Test_storageUnstable_maybeLastIndex(t *testing.T) {
	tests := []struct {
		incomingSnapshot *raftpb.Snapshot
		indexOffset      uint64
		entries          []raftpb.Entry

		wIndex uint64
		wOk    bool
	}{
		{
			nil, 5, []raftpb.Entry{{Index: 5, Term: 1}},
			5, true,
		},
		{
			&raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 4, Term: 1}}, 5, []raftpb.Entry{{Index: 5, Term: 1}},
			5, true,
		},
		{ // only snapshot
			&raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 4, Term: 1}}, 5, nil,
			4, true,
		},
		{ // empty unstable
			nil, 0, nil,
			0, false,
		},
	}

	for i, tt := range tests {
		su := storageUnstable{
			incomingSnapshot: tt.incomingSnapshot,
			indexOffset:      tt.indexOffset,
			entries:          tt.entries,
		}
		index, ok := su.maybeLastIndex()
		if index != tt.wIndex {
			t.Fatalf("#%d: index expected %d, got %d", i, tt.wIndex, index)
		}
		if ok != tt.wOk {
			t.Fatalf("#%d: ok expected %v, got %v", i, tt.wOk, ok)
		}
	}
}

func Test_storageUnstable_maybeTerm(t *testing.T) {
	tests := []struct {
		incomingSnapshot *raftpb.Snapshot
		indexOffset      uint64
		entries          []raftpb.Entry
		index            uint64

		wTerm uint64
		wOk   bool
	}{
		{
			nil, 5, []raftpb.Entry{{Index: 5, Term: 1}}, 5,
			1, true,
		},
		{ // below offset, no snapshot
			nil, 5, []raftpb.Entry{{Index: 5, Term: 1}}, 4,
			0, false,
		},
		{ // past last
			nil, 5, []raftpb.Entry{{Index: 5, Term: 1}}, 6,
			0, false,
		},
		{ // term of snapshot index
			&raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 4, Term: 1}}, 5, []raftpb.Entry{{Index: 5, Term: 1}}, 4,
			1, true,
		},
		{ // compacted away
			&raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 4, Term: 1}}, 5, []raftpb.Entry{{Index: 5, Term: 1}}, 3,
			0, false,
		},
	}

	for i, tt := range tests {
		su := storageUnstable{
			incomingSnapshot: tt.incomingSnapshot,
			indexOffset:      tt.indexOffset,
			entries:          tt.entries,
		}
		term, ok := su.maybeTerm(tt.index)
		if term != tt.wTerm {
			t.Fatalf("#%d: term expected %d, got %d", i, tt.wTerm, term)
		}
		if ok != tt.wOk {
			t.Fatalf("#%d: ok expected %v, got %v", i, tt.wOk, ok)
		}
	}
}

func Test_storageUnstable_truncateAndAppend(t *testing.T) {
	tests := []struct {
		indexOffset uint64
		entries     []raftpb.Entry
		toAppend    []raftpb.Entry

		wIndexOffset uint64
		wEntries     []raftpb.Entry
	}{
		{ // direct append
			5, []raftpb.Entry{{Index: 5, Term: 1}},
			[]raftpb.Entry{{Index: 6, Term: 1}, {Index: 7, Term: 1}},
			5, []raftpb.Entry{{Index: 5, Term: 1}, {Index: 6, Term: 1}, {Index: 7, Term: 1}},
		},
		{ // replace all
			5, []raftpb.Entry{{Index: 5, Term: 1}},
			[]raftpb.Entry{{Index: 5, Term: 2}, {Index: 6, Term: 2}},
			5, []raftpb.Entry{{Index: 5, Term: 2}, {Index: 6, Term: 2}},
		},
		{ // replace with earlier offset
			5, []raftpb.Entry{{Index: 5, Term: 1}},
			[]raftpb.Entry{{Index: 4, Term: 2}, {Index: 5, Term: 2}, {Index: 6, Term: 2}},
			4, []raftpb.Entry{{Index: 4, Term: 2}, {Index: 5, Term: 2}, {Index: 6, Term: 2}},
		},
		{ // truncate the existing suffix, then append
			5, []raftpb.Entry{{Index: 5, Term: 1}, {Index: 6, Term: 1}, {Index: 7, Term: 1}},
			[]raftpb.Entry{{Index: 6, Term: 2}},
			5, []raftpb.Entry{{Index: 5, Term: 1}, {Index: 6, Term: 2}},
		},
	}

	for i, tt := range tests {
		su := storageUnstable{
			indexOffset: tt.indexOffset,
			entries:     tt.entries,
		}
		su.truncateAndAppend(tt.toAppend)

		if su.indexOffset != tt.wIndexOffset {
			t.Fatalf("#%d: index offset expected %d, got %d", i, tt.wIndexOffset, su.indexOffset)
		}
		if !reflect.DeepEqual(su.entries, tt.wEntries) {
			t.Fatalf("#%d: entries expected %+v, got %+v", i, tt.wEntries, su.entries)
		}
	}
}

func Test_storageUnstable_restoreIncomingSnapshot(t *testing.T) {
	su := storageUnstable{
		indexOffset: 5,
		entries:     []raftpb.Entry{{Index: 5, Term: 1}},
	}

	snap := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 11, Term: 3}}
	su.restoreIncomingSnapshot(snap)

	if su.indexOffset != 12 {
		t.Fatalf("index offset expected 12, got %d", su.indexOffset)
	}
	if len(su.entries) != 0 {
		t.Fatalf("entries expected empty, got %+v", su.entries)
	}
	if su.incomingSnapshot == nil || su.incomingSnapshot.Metadata.Index != 11 {
		t.Fatalf("incoming snapshot expected index 11, got %+v", su.incomingSnapshot)
	}
}

func Test_storageUnstable_persistedEntriesAt(t *testing.T) {
	su := storageUnstable{
		indexOffset: 5,
		entries:     []raftpb.Entry{{Index: 5, Term: 1}, {Index: 6, Term: 1}},
	}

	// persisting at a different term is ignored
	su.persistedEntriesAt(5, 2)
	if len(su.entries) != 2 {
		t.Fatalf("entries expected unchanged, got %+v", su.entries)
	}

	su.persistedEntriesAt(5, 1)
	if su.indexOffset != 6 {
		t.Fatalf("index offset expected 6, got %d", su.indexOffset)
	}
	if len(su.entries) != 1 {
		t.Fatalf("entries expected 1 left, got %+v", su.entries)
	}
}
