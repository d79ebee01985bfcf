// Package rafthttp carries raft messages between peers over HTTP.
//
// Regular messages are POSTed to /raft with a length-prefixed binary
// encoding. Snapshot messages are split into chunks and POSTed to
// /raft/snapshot, where the receiver reassembles them before handing
// the restored message to the raft state machine.
package rafthttp

import (
	"context"
	"errors"
	"net/http"
	"path"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/eryue0220/openraft/raftpb"
)

var (
	ErrMemberRemoved     = errors.New("rafthttp: the member has been permanently removed from the cluster")
	ErrStopped           = errors.New("rafthttp: stopped")
	ErrClusterIDMismatch = errors.New("rafthttp: cluster ID mismatch")
	ErrMemberIDMismatch  = errors.New("rafthttp: member ID mismatch")
)

const (
	// ConnWriteTimeout is the I/O timeout for each connection, enough
	// for recycling bad connections, otherwise minutes.
	ConnWriteTimeout = 5 * time.Second

	// ConnReadTimeout is the I/O timeout for each connection.
	ConnReadTimeout = 5 * time.Second

	// maxConnReadByteN is the maximum number of bytes a single read can
	// read out. 64KB should be big enough without causing throughput
	// bottleneck, and small enough to not cause read-timeout.
	maxConnReadByteN = 64 * 1024

	// pipelineBufferN is the buffer size of a peer pipeline, to help
	// hold temporary network latency.
	pipelineBufferN = 64

	// snapshotChunkByteN is the data size of one snapshot chunk.
	snapshotChunkByteN = 64 * 1024
)

var (
	PrefixRaft         = "/raft"
	PrefixRaftSnapshot = path.Join(PrefixRaft, "snapshot")
)

var (
	headerContentType   = "Content-Type"
	headerContentBinary = "application/octet-stream"

	headerFromID    = "X-rafthttp-From"
	headerToID      = "X-rafthttp-To"
	headerClusterID = "X-rafthttp-ClusterID"
)

var transportLogger = logging.Logger("rafthttp")

// Raft is the interface the transport reports into. It is implemented
// by the node event loop.
type Raft interface {
	// Process feeds one received message to the raft state machine.
	Process(ctx context.Context, msg raftpb.Message) error

	// ReportUnreachable tells the raft state machine that a message
	// could not be delivered to the given peer.
	ReportUnreachable(peerID uint64)

	// ReportSnapshot reports the status of a snapshot transfer.
	ReportSnapshot(peerID uint64, status raftpb.SNAPSHOT_STATUS)
}

func setHeaders(req *http.Request, from, to, clusterID string) {
	req.Header.Set(headerContentType, headerContentBinary)
	req.Header.Set(headerFromID, from)
	req.Header.Set(headerToID, to)
	req.Header.Set(headerClusterID, clusterID)
}
