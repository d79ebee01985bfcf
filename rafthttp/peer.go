package rafthttp

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/ugorji/go/codec"

	"github.com/eryue0220/openraft/pkg/types"
	"github.com/eryue0220/openraft/raftpb"
)

var msgpackHandle = &codec.MsgpackHandle{}

// snapshotChunk is the wire unit of a snapshot transfer. Msg carries
// the original snapshot message with its data stripped; the receiver
// restores the data once all chunks have arrived.
type snapshotChunk struct {
	Msg    raftpb.Message
	Offset uint64
	Data   []byte
	Done   bool
}

// peer posts queued messages to one remote member.
type peer struct {
	peerID    types.ID
	urls      types.URLs
	transport *Transport

	// pickedURL rotates through urls on delivery failures.
	pickedURL int

	msgc  chan raftpb.Message
	stopc chan struct{}
	donec chan struct{}
}

func startPeer(t *Transport, peerID types.ID, urls types.URLs) *peer {
	p := &peer{
		peerID:    peerID,
		urls:      urls,
		transport: t,
		msgc:      make(chan raftpb.Message, pipelineBufferN),
		stopc:     make(chan struct{}),
		donec:     make(chan struct{}),
	}
	go p.run()
	return p
}

// send queues the message, dropping it when the pipeline is congested.
func (p *peer) send(msg raftpb.Message) {
	select {
	case p.msgc <- msg:
	case <-p.stopc:
	default:
		transportLogger.Warnf("dropped %q to peer %s (pipeline full)", msg.Type, p.peerID)
		p.transport.Raft.ReportUnreachable(uint64(p.peerID))
		if msg.Type == raftpb.MESSAGE_TYPE_LEADER_SNAPSHOT {
			p.transport.Raft.ReportSnapshot(uint64(p.peerID), raftpb.SNAPSHOT_STATUS_FAILED)
		}
	}
}

func (p *peer) stop() {
	close(p.stopc)
	<-p.donec
}

func (p *peer) run() {
	defer close(p.donec)

	for {
		select {
		case msg := <-p.msgc:
			var err error
			if msg.Type == raftpb.MESSAGE_TYPE_LEADER_SNAPSHOT {
				err = p.postSnapshot(msg)
				if err == nil {
					p.transport.Raft.ReportSnapshot(msg.To, raftpb.SNAPSHOT_STATUS_FINISHED)
				} else {
					p.transport.Raft.ReportSnapshot(msg.To, raftpb.SNAPSHOT_STATUS_FAILED)
				}
			} else {
				err = p.postMessage(msg)
			}

			if err != nil {
				transportLogger.Warnf("failed to send %q to peer %s (%v)", msg.Type, p.peerID, err)
				p.transport.Raft.ReportUnreachable(msg.To)
			}

		case <-p.stopc:
			return
		}
	}
}

// postMessage frames and posts one regular message to PrefixRaft.
func (p *peer) postMessage(msg raftpb.Message) error {
	buf := new(bytes.Buffer)
	if err := raftpb.NewMessageBinaryEncoder(buf).Encode(&msg); err != nil {
		return err
	}
	return p.post(PrefixRaft, buf.Bytes())
}

// postSnapshot splits the snapshot data into chunks and posts them in
// order to PrefixRaftSnapshot.
func (p *peer) postSnapshot(msg raftpb.Message) error {
	data := msg.Snapshot.Data
	stripped := msg
	stripped.Snapshot.Data = nil

	offset := uint64(0)
	for {
		end := offset + snapshotChunkByteN
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}

		chunk := snapshotChunk{
			Msg:    stripped,
			Offset: offset,
			Data:   data[offset:end],
			Done:   end == uint64(len(data)),
		}

		var d []byte
		if err := codec.NewEncoderBytes(&d, msgpackHandle).Encode(chunk); err != nil {
			return err
		}
		if err := p.post(PrefixRaftSnapshot, d); err != nil {
			return err
		}

		if chunk.Done {
			return nil
		}
		offset = end
	}
}

func (p *peer) post(prefix string, data []byte) error {
	targetURL := p.urls[p.pickedURL]

	req, err := http.NewRequest(http.MethodPost, targetURL.String()+prefix, bytes.NewReader(data))
	if err != nil {
		return err
	}
	setHeaders(req, p.transport.Sender.String(), p.peerID.String(), p.transport.ClusterID.String())

	resp, err := p.transport.RoundTripper.RoundTrip(req)
	if err != nil {
		p.pickedURL = (p.pickedURL + 1) % len(p.urls)
		return err
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusGone:
		return ErrMemberRemoved
	case http.StatusPreconditionFailed:
		if bytes.Contains(body, []byte(ErrClusterIDMismatch.Error())) {
			return ErrClusterIDMismatch
		}
		return fmt.Errorf("rafthttp: unhandled precondition failure %q", body)
	default:
		return fmt.Errorf("rafthttp: unexpected status %q from peer %s", resp.Status, p.peerID)
	}
}
