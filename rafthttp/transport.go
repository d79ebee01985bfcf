package rafthttp

import (
	"net/http"
	"sync"

	"github.com/eryue0220/openraft/pkg/types"
	"github.com/eryue0220/openraft/raftpb"
)

// Transport sends and receives raft messages to and from peers.
//
// Outgoing messages go through a per-peer pipeline goroutine with a
// buffered queue; when the queue is full or a post fails, the message
// is dropped and the failure reported to raft as unreachable.
type Transport struct {
	// Sender is the ID of the local member.
	Sender types.ID

	// ClusterID is checked against incoming requests to refuse
	// cross-cluster traffic.
	ClusterID types.ID

	// Raft receives processed messages and delivery reports.
	Raft Raft

	// RoundTripper is used for posting to peers. http.DefaultTransport
	// when nil.
	RoundTripper http.RoundTripper

	mu      sync.RWMutex
	peers   map[types.ID]*peer
	stopped bool
}

// Start initializes the transport. It must be called before Send.
func (t *Transport) Start() {
	t.mu.Lock()
	t.peers = make(map[types.ID]*peer)
	if t.RoundTripper == nil {
		t.RoundTripper = http.DefaultTransport
	}
	t.mu.Unlock()
}

// Stop closes all peer pipelines.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.peers {
		p.stop()
	}
	t.peers = nil
	t.stopped = true
}

// Handler returns the handler serving PrefixRaft and PrefixRaftSnapshot.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(PrefixRaft, newRaftHandler(t.Raft, t.Sender, t.ClusterID))
	mux.Handle(PrefixRaftSnapshot, newSnapshotHandler(t.Raft, t.Sender, t.ClusterID))
	return mux
}

// Send queues the given messages to their destination peers. Messages
// to unknown peers are dropped.
func (t *Transport) Send(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == 0 {
			continue
		}

		t.mu.RLock()
		p, ok := t.peers[types.ID(msg.To)]
		t.mu.RUnlock()

		if !ok {
			transportLogger.Debugf("ignored message to unknown peer %s", types.ID(msg.To))
			continue
		}
		p.send(msg)
	}
}

// AddPeer starts a pipeline to the peer with the given URLs.
func (t *Transport) AddPeer(peerID types.ID, urls types.URLs) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if _, ok := t.peers[peerID]; ok {
		return
	}

	t.peers[peerID] = startPeer(t, peerID, urls)
	transportLogger.Infof("added peer %s", peerID)
}

// RemovePeer stops and removes the pipeline to the peer.
func (t *Transport) RemovePeer(peerID types.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[peerID]
	if !ok {
		return
	}
	p.stop()
	delete(t.peers, peerID)
	transportLogger.Infof("removed peer %s", peerID)
}
