package raft

import (
	"testing"

	"github.com/eryue0220/openraft/raftpb"
)

func Test_Progress_isPaused(t *testing.T) {
	tests := []struct {
		state  raftpb.PROGRESS_STATE
		paused bool

		wPaused bool
	}{
		{raftpb.PROGRESS_STATE_PROBE, false, false},
		{raftpb.PROGRESS_STATE_PROBE, true, true},
		{raftpb.PROGRESS_STATE_REPLICATE, false, false},
		{raftpb.PROGRESS_STATE_REPLICATE, true, false}, // Paused is ignored while replicating
		{raftpb.PROGRESS_STATE_SNAPSHOT, false, true},
		{raftpb.PROGRESS_STATE_SNAPSHOT, true, true},
	}

	for i, tt := range tests {
		pr := Progress{
			State:     tt.state,
			Paused:    tt.paused,
			inflights: newInflights(256),
		}
		if g := pr.isPaused(); g != tt.wPaused {
			t.Fatalf("#%d: paused expected %v, got %v", i, tt.wPaused, g)
		}
	}
}

func Test_Progress_isPaused_full_inflights(t *testing.T) {
	pr := Progress{
		State:     raftpb.PROGRESS_STATE_REPLICATE,
		inflights: newInflights(1),
	}
	pr.inflights.add(1)
	if !pr.isPaused() {
		t.Fatal("expected paused with full inflights")
	}

	pr.inflights.freeTo(1)
	if pr.isPaused() {
		t.Fatal("expected resumed after freeing inflights")
	}
}

func Test_Progress_maybeUpdateAndResume(t *testing.T) {
	var (
		prevMatchIndex uint64 = 3
		prevNextIndex  uint64 = 5
	)

	tests := []struct {
		msgLogIndex uint64

		wMatchIndex uint64
		wNextIndex  uint64
		wOk         bool
	}{
		{prevMatchIndex - 1, prevMatchIndex, prevNextIndex, false}, // stale
		{prevMatchIndex, prevMatchIndex, prevNextIndex, false},     // same index
		{prevMatchIndex + 1, prevMatchIndex + 1, prevNextIndex, true},
		{prevNextIndex, prevNextIndex, prevNextIndex + 1, true},
		{prevNextIndex + 2, prevNextIndex + 2, prevNextIndex + 3, true},
	}

	for i, tt := range tests {
		pr := Progress{
			MatchIndex: prevMatchIndex,
			NextIndex:  prevNextIndex,
			Paused:     true,
			inflights:  newInflights(256),
		}
		ok := pr.maybeUpdateAndResume(tt.msgLogIndex)
		if ok != tt.wOk {
			t.Fatalf("#%d: ok expected %v, got %v", i, tt.wOk, ok)
		}
		if pr.MatchIndex != tt.wMatchIndex {
			t.Fatalf("#%d: match index expected %d, got %d", i, tt.wMatchIndex, pr.MatchIndex)
		}
		if pr.NextIndex != tt.wNextIndex {
			t.Fatalf("#%d: next index expected %d, got %d", i, tt.wNextIndex, pr.NextIndex)
		}
		if ok && pr.Paused {
			t.Fatalf("#%d: expected resumed", i)
		}
	}
}

func Test_Progress_maybeDecreaseAndResume(t *testing.T) {
	tests := []struct {
		state                     raftpb.PROGRESS_STATE
		matchIndex, nextIndex     uint64
		rejectLogIndex, rejectHint uint64

		wOk        bool
		wNextIndex uint64
	}{
		{ // stale rejection in REPLICATE state
			raftpb.PROGRESS_STATE_REPLICATE, 5, 10,
			5, 5,
			false, 10,
		},
		{ // rejection in REPLICATE state regresses to MatchIndex+1
			raftpb.PROGRESS_STATE_REPLICATE, 5, 10,
			9, 9,
			true, 6,
		},
		{ // stale rejection in PROBE state (NextIndex has moved)
			raftpb.PROGRESS_STATE_PROBE, 0, 5,
			3, 3,
			false, 5,
		},
		{ // rejection in PROBE state jumps to hint+1
			raftpb.PROGRESS_STATE_PROBE, 0, 10,
			9, 2,
			true, 3,
		},
		{ // NextIndex never regresses below 1
			raftpb.PROGRESS_STATE_PROBE, 0, 2,
			1, 0,
			true, 1,
		},
	}

	for i, tt := range tests {
		pr := Progress{
			State:      tt.state,
			MatchIndex: tt.matchIndex,
			NextIndex:  tt.nextIndex,
			Paused:     true,
			inflights:  newInflights(256),
		}
		ok := pr.maybeDecreaseAndResume(tt.rejectLogIndex, tt.rejectHint)
		if ok != tt.wOk {
			t.Fatalf("#%d: ok expected %v, got %v", i, tt.wOk, ok)
		}
		if pr.NextIndex != tt.wNextIndex {
			t.Fatalf("#%d: next index expected %d, got %d", i, tt.wNextIndex, pr.NextIndex)
		}
	}
}

func Test_Progress_becomeProbe(t *testing.T) {
	var matchIndex uint64 = 1

	tests := []struct {
		progress *Progress

		wNextIndex uint64
	}{
		{
			&Progress{State: raftpb.PROGRESS_STATE_REPLICATE, MatchIndex: matchIndex, NextIndex: 5, inflights: newInflights(256)},
			matchIndex + 1,
		},
		{ // snapshot was sent, wait for the pending snapshot index
			&Progress{State: raftpb.PROGRESS_STATE_SNAPSHOT, MatchIndex: matchIndex, NextIndex: 5, PendingSnapshotIndex: 10, inflights: newInflights(256)},
			11,
		},
		{ // snapshot was aborted
			&Progress{State: raftpb.PROGRESS_STATE_SNAPSHOT, MatchIndex: matchIndex, NextIndex: 5, PendingSnapshotIndex: 0, inflights: newInflights(256)},
			matchIndex + 1,
		},
	}

	for i, tt := range tests {
		tt.progress.becomeProbe()
		if tt.progress.State != raftpb.PROGRESS_STATE_PROBE {
			t.Fatalf("#%d: state expected %q, got %q", i, raftpb.PROGRESS_STATE_PROBE, tt.progress.State)
		}
		if tt.progress.MatchIndex != matchIndex {
			t.Fatalf("#%d: match index expected %d, got %d", i, matchIndex, tt.progress.MatchIndex)
		}
		if tt.progress.NextIndex != tt.wNextIndex {
			t.Fatalf("#%d: next index expected %d, got %d", i, tt.wNextIndex, tt.progress.NextIndex)
		}
	}
}

func Test_Progress_becomeReplicate(t *testing.T) {
	pr := &Progress{State: raftpb.PROGRESS_STATE_PROBE, MatchIndex: 1, NextIndex: 5, inflights: newInflights(256)}
	pr.becomeReplicate()

	if pr.State != raftpb.PROGRESS_STATE_REPLICATE {
		t.Fatalf("state expected %q, got %q", raftpb.PROGRESS_STATE_REPLICATE, pr.State)
	}
	if pr.NextIndex != pr.MatchIndex+1 {
		t.Fatalf("next index expected %d, got %d", pr.MatchIndex+1, pr.NextIndex)
	}
}

func Test_Progress_becomeSnapshot(t *testing.T) {
	pr := &Progress{State: raftpb.PROGRESS_STATE_PROBE, MatchIndex: 1, NextIndex: 5, inflights: newInflights(256)}
	pr.becomeSnapshot(10)

	if pr.State != raftpb.PROGRESS_STATE_SNAPSHOT {
		t.Fatalf("state expected %q, got %q", raftpb.PROGRESS_STATE_SNAPSHOT, pr.State)
	}
	if pr.PendingSnapshotIndex != 10 {
		t.Fatalf("pending snapshot index expected 10, got %d", pr.PendingSnapshotIndex)
	}

	if !pr.needSnapshotAbort() && pr.MatchIndex < pr.PendingSnapshotIndex {
		pr.MatchIndex = 10
	}
	if !pr.needSnapshotAbort() {
		t.Fatal("expected snapshot abort once match index caught up")
	}
}
