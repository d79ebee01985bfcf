package raftsnap

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/eryue0220/openraft/raftpb"
)

var testSnapshot = raftpb.Snapshot{
	Metadata: raftpb.SnapshotMetadata{
		Index:      1,
		Term:       1,
		Membership: raftpb.Membership{VoterIDs: []uint64{1, 2, 3}},
	},
	Data: []byte("snapshot data"),
}

func Test_Snapshotter_SaveSnapshot_LoadNewest(t *testing.T) {
	dir := t.TempDir()

	ss := New(dir)
	if err := ss.SaveSnapshot(testSnapshot); err != nil {
		t.Fatal(err)
	}

	snap, err := ss.LoadNewest()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*snap, testSnapshot) {
		t.Fatalf("snapshot expected %+v, got %+v", testSnapshot, *snap)
	}
}

func Test_Snapshotter_SaveSnapshot_empty(t *testing.T) {
	dir := t.TempDir()

	ss := New(dir)
	if err := ss.SaveSnapshot(raftpb.Snapshot{}); err != nil {
		t.Fatal(err)
	}

	if _, err := ss.LoadNewest(); err != ErrNoSnapshot {
		t.Fatalf("error expected %v, got %v", ErrNoSnapshot, err)
	}
}

func Test_Snapshotter_LoadNewest_picks_latest(t *testing.T) {
	dir := t.TempDir()

	ss := New(dir)
	older := testSnapshot
	if err := ss.SaveSnapshot(older); err != nil {
		t.Fatal(err)
	}

	newer := testSnapshot
	newer.Metadata.Index = 5
	newer.Metadata.Term = 2
	newer.Data = []byte("newer snapshot data")
	if err := ss.SaveSnapshot(newer); err != nil {
		t.Fatal(err)
	}

	snap, err := ss.LoadNewest()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Metadata.Index != 5 {
		t.Fatalf("snapshot index expected 5, got %d", snap.Metadata.Index)
	}
}

func Test_Snapshotter_broken_file(t *testing.T) {
	dir := t.TempDir()

	ss := New(dir)
	if err := ss.SaveSnapshot(testSnapshot); err != nil {
		t.Fatal(err)
	}

	names, err := getSnapNames(dir)
	if err != nil {
		t.Fatal(err)
	}
	fpath := filepath.Join(dir, names[0])

	// corrupt the file body; the crc check must reject it
	d, err := ioutil.ReadFile(fpath)
	if err != nil {
		t.Fatal(err)
	}
	d[len(d)-1] ^= 0xff
	if err = ioutil.WriteFile(fpath, d, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err = ss.LoadNewest(); err != ErrNoSnapshot {
		t.Fatalf("error expected %v, got %v", ErrNoSnapshot, err)
	}

	// the corrupted file was renamed out of the way
	if _, err = os.Stat(fpath + ".broken"); err != nil {
		t.Fatalf("expected broken file to be renamed (%v)", err)
	}
}

func Test_ChunkAssembler(t *testing.T) {
	ca := NewChunkAssembler()
	metadata := testSnapshot.Metadata

	snap, err := ca.AddChunk(metadata, 0, []byte("snapshot "), false)
	if err != nil {
		t.Fatal(err)
	}
	if snap != nil {
		t.Fatalf("snapshot expected nil before final chunk, got %+v", snap)
	}

	// a chunk past the buffered end is a gap
	if _, err = ca.AddChunk(metadata, 100, []byte("x"), false); err != ErrChunkGap {
		t.Fatalf("error expected %v, got %v", ErrChunkGap, err)
	}

	// re-sent chunk is deduplicated
	if _, err = ca.AddChunk(metadata, 0, []byte("snapshot "), false); err != nil {
		t.Fatal(err)
	}

	snap, err = ca.AddChunk(metadata, 9, []byte("data"), true)
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil || string(snap.Data) != "snapshot data" {
		t.Fatalf("snapshot expected %q, got %+v", "snapshot data", snap)
	}
	if snap.Metadata.Index != metadata.Index || snap.Metadata.Term != metadata.Term {
		t.Fatalf("snapshot metadata expected %+v, got %+v", metadata, snap.Metadata)
	}
}

func Test_ChunkAssembler_reassembly_idempotent(t *testing.T) {
	ca := NewChunkAssembler()
	metadata := testSnapshot.Metadata

	for i := 0; i < 2; i++ { // the leader retries the whole transfer
		snap, err := ca.AddChunk(metadata, 0, []byte("snapshot "), false)
		if err != nil {
			t.Fatalf("#%d: %v", i, err)
		}
		if snap != nil {
			t.Fatalf("#%d: snapshot expected nil before final chunk", i)
		}

		snap, err = ca.AddChunk(metadata, 9, []byte("data"), true)
		if err != nil {
			t.Fatalf("#%d: %v", i, err)
		}
		if string(snap.Data) != "snapshot data" {
			t.Fatalf("#%d: snapshot data expected %q, got %q", i, "snapshot data", snap.Data)
		}
	}
}

func Test_ChunkAssembler_metadata_mismatch(t *testing.T) {
	ca := NewChunkAssembler()
	metadata := testSnapshot.Metadata

	if _, err := ca.AddChunk(metadata, 0, []byte("snapshot "), false); err != nil {
		t.Fatal(err)
	}

	other := metadata
	other.Index = 100
	if _, err := ca.AddChunk(other, 9, []byte("data"), true); err != ErrChunkMetadataMismatch {
		t.Fatalf("error expected %v, got %v", ErrChunkMetadataMismatch, err)
	}

	// a fresh snapshot starting at offset 0 replaces the stale assembly
	if _, err := ca.AddChunk(other, 0, []byte("other "), false); err != nil {
		t.Fatal(err)
	}
	snap, err := ca.AddChunk(other, 6, []byte("data"), true)
	if err != nil {
		t.Fatal(err)
	}
	if string(snap.Data) != "other data" {
		t.Fatalf("snapshot data expected %q, got %q", "other data", snap.Data)
	}
}
