package rsm

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

var msgpackHandle = &codec.MsgpackHandle{}

// COMMAND_OP is the operation carried by one replicated command.
type COMMAND_OP uint8

const (
	COMMAND_OP_PUT COMMAND_OP = iota
	COMMAND_OP_DELETE
)

func (op COMMAND_OP) String() string {
	switch op {
	case COMMAND_OP_PUT:
		return "Put"
	case COMMAND_OP_DELETE:
		return "Delete"
	default:
		panic(fmt.Sprintf("unknown COMMAND_OP %d", op))
	}
}

// command is the unit of replication: every Put and Delete becomes one
// command entry in the raft log. RequestID identifies the waiting
// proposer, so only the node that accepted the request resolves it.
type command struct {
	RequestID uint64
	Op        COMMAND_OP
	Key       string
	Value     string
}

func (cmd *command) Marshal() ([]byte, error) {
	var d []byte
	err := codec.NewEncoderBytes(&d, msgpackHandle).Encode(cmd)
	return d, err
}

func (cmd *command) Unmarshal(data []byte) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(cmd)
}
