package raftsnap

import (
	"errors"
	"sync"

	"github.com/eryue0220/openraft/raftpb"
)

var (
	// ErrChunkGap is returned when a chunk leaves a hole in the
	// snapshot data being assembled.
	ErrChunkGap = errors.New("raftsnap: snapshot chunk leaves a gap")

	// ErrChunkMetadataMismatch is returned when a non-initial chunk
	// carries different snapshot metadata than the assembly in flight.
	ErrChunkMetadataMismatch = errors.New("raftsnap: snapshot chunk metadata mismatch")
)

// ChunkAssembler reassembles one snapshot from (offset, data, done)
// chunks as they arrive from the leader.
//
// Chunks must arrive in order; a chunk past the current end of the
// buffer is rejected with ErrChunkGap. Re-sent chunks whose bytes are
// already buffered are deduplicated. A chunk with fresh metadata at
// offset 0 restarts the assembly, so retransmitting the same snapshot
// from scratch is idempotent.
type ChunkAssembler struct {
	mu sync.Mutex

	metadata   raftpb.SnapshotMetadata
	buf        []byte
	assembling bool
}

// NewChunkAssembler creates an empty assembler.
func NewChunkAssembler() *ChunkAssembler {
	return &ChunkAssembler{}
}

// AddChunk feeds one chunk. It returns the completed snapshot on the
// final chunk, nil while more chunks are expected.
func (ca *ChunkAssembler) AddChunk(metadata raftpb.SnapshotMetadata, offset uint64, data []byte, done bool) (*raftpb.Snapshot, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if !ca.assembling || !metadataEqual(ca.metadata, metadata) {
		if offset != 0 {
			if ca.assembling {
				return nil, ErrChunkMetadataMismatch
			}
			return nil, ErrChunkGap
		}
		// first chunk of a new snapshot
		ca.metadata = metadata
		ca.buf = nil
		ca.assembling = true
	}

	bufLen := uint64(len(ca.buf))
	switch {
	case offset > bufLen:
		return nil, ErrChunkGap

	case offset+uint64(len(data)) <= bufLen:
		// re-sent chunk, already buffered

	default:
		ca.buf = append(ca.buf, data[bufLen-offset:]...)
	}

	if !done {
		return nil, nil
	}

	snap := &raftpb.Snapshot{Metadata: ca.metadata, Data: ca.buf}
	ca.assembling = false
	return snap, nil
}

// Reset abandons any assembly in flight.
func (ca *ChunkAssembler) Reset() {
	ca.mu.Lock()
	ca.metadata = raftpb.SnapshotMetadata{}
	ca.buf = nil
	ca.assembling = false
	ca.mu.Unlock()
}

func metadataEqual(a, b raftpb.SnapshotMetadata) bool {
	return a.Index == b.Index && a.Term == b.Term && a.Membership.Equal(b.Membership)
}
