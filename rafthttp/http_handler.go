package rafthttp

import (
	"context"
	"net/http"

	"github.com/ugorji/go/codec"

	"github.com/eryue0220/openraft/pkg/ioutil"
	"github.com/eryue0220/openraft/pkg/types"
	"github.com/eryue0220/openraft/raftpb"
	"github.com/eryue0220/openraft/raftsnap"
)

// raftHandler receives framed messages on PrefixRaft.
type raftHandler struct {
	r         Raft
	localID   types.ID
	clusterID types.ID
}

func newRaftHandler(r Raft, localID, clusterID types.ID) http.Handler {
	return &raftHandler{r: r, localID: localID, clusterID: clusterID}
}

func (h *raftHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if !checkRequest(rw, req, h.localID, h.clusterID) {
		return
	}

	// cap bytes per read, not the message size; a single entry may be
	// far larger than one connection read
	limited := ioutil.NewLimitedBufferReader(req.Body, maxConnReadByteN)
	msg, err := raftpb.NewMessageBinaryDecoder(limited).Decode()
	if err != nil {
		transportLogger.Errorf("failed to decode raft message (%v)", err)
		http.Error(rw, "error decoding raft message", http.StatusBadRequest)
		return
	}

	if err = h.r.Process(context.TODO(), msg); err != nil {
		transportLogger.Warnf("failed to process raft message (%v)", err)
		http.Error(rw, "error processing raft message", http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(http.StatusNoContent)
}

// snapshotHandler reassembles snapshot chunks on PrefixRaftSnapshot and
// hands the restored snapshot message to raft once the last chunk lands.
type snapshotHandler struct {
	r         Raft
	localID   types.ID
	clusterID types.ID
	assembler *raftsnap.ChunkAssembler
}

func newSnapshotHandler(r Raft, localID, clusterID types.ID) http.Handler {
	return &snapshotHandler{
		r:         r,
		localID:   localID,
		clusterID: clusterID,
		assembler: raftsnap.NewChunkAssembler(),
	}
}

func (h *snapshotHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if !checkRequest(rw, req, h.localID, h.clusterID) {
		return
	}

	var chunk snapshotChunk
	if err := codec.NewDecoder(req.Body, msgpackHandle).Decode(&chunk); err != nil {
		transportLogger.Errorf("failed to decode snapshot chunk (%v)", err)
		http.Error(rw, "error decoding snapshot chunk", http.StatusBadRequest)
		return
	}

	snap, err := h.assembler.AddChunk(chunk.Msg.Snapshot.Metadata, chunk.Offset, chunk.Data, chunk.Done)
	if err != nil {
		transportLogger.Warnf("rejected snapshot chunk at offset %d (%v)", chunk.Offset, err)
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	if snap != nil {
		msg := chunk.Msg
		msg.Snapshot = *snap
		if err = h.r.Process(context.TODO(), msg); err != nil {
			transportLogger.Warnf("failed to process snapshot message (%v)", err)
			http.Error(rw, "error processing snapshot message", http.StatusInternalServerError)
			return
		}
	}

	rw.WriteHeader(http.StatusNoContent)
}

// checkRequest enforces POST and the cluster/member ID headers. It
// writes the error response and returns false when the request must be
// refused.
func checkRequest(rw http.ResponseWriter, req *http.Request, localID, clusterID types.ID) bool {
	if req.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	if gcid := req.Header.Get(headerClusterID); gcid != "" && gcid != clusterID.String() {
		transportLogger.Errorf("request cluster ID mismatch (got %q, expected %q)", gcid, clusterID)
		http.Error(rw, ErrClusterIDMismatch.Error(), http.StatusPreconditionFailed)
		return false
	}

	if gto := req.Header.Get(headerToID); gto != "" && gto != localID.String() {
		transportLogger.Errorf("request member ID mismatch (got %q, expected %q)", gto, localID)
		http.Error(rw, ErrMemberIDMismatch.Error(), http.StatusPreconditionFailed)
		return false
	}

	return true
}
