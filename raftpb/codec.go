package raftpb

import (
	"github.com/ugorji/go/codec"
)

// Messages are encoded with msgpack. One shared handle; the handle is
// safe for concurrent use as long as each Encoder/Decoder is local.
var msgpackHandle = &codec.MsgpackHandle{}

func marshalMsgpack(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func unmarshalMsgpack(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	return dec.Decode(v)
}

// Marshal encodes the message for the wire.
func (msg *Message) Marshal() ([]byte, error) { return marshalMsgpack(msg) }

// Unmarshal decodes a wire-encoded message in place.
func (msg *Message) Unmarshal(data []byte) error { return unmarshalMsgpack(data, msg) }

// Size returns the encoded size of the message. It encodes; use it for
// batching decisions, not on hot paths with large snapshots.
func (msg *Message) Size() int {
	d, err := msg.Marshal()
	if err != nil {
		return 0
	}
	return len(d)
}

func (e *Entry) Marshal() ([]byte, error)    { return marshalMsgpack(e) }
func (e *Entry) Unmarshal(data []byte) error { return unmarshalMsgpack(data, e) }

func (cc *ConfigChange) Marshal() ([]byte, error)    { return marshalMsgpack(cc) }
func (cc *ConfigChange) Unmarshal(data []byte) error { return unmarshalMsgpack(data, cc) }

func (snap *Snapshot) Marshal() ([]byte, error)    { return marshalMsgpack(snap) }
func (snap *Snapshot) Unmarshal(data []byte) error { return unmarshalMsgpack(data, snap) }

func (hs *HardState) Marshal() ([]byte, error)    { return marshalMsgpack(hs) }
func (hs *HardState) Unmarshal(data []byte) error { return unmarshalMsgpack(data, hs) }

func (mem *Membership) Marshal() ([]byte, error)    { return marshalMsgpack(mem) }
func (mem *Membership) Unmarshal(data []byte) error { return unmarshalMsgpack(data, mem) }
