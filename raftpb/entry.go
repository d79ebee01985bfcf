package raftpb

import "fmt"

// ENTRY_TYPE is the type of a Raft log entry.
type ENTRY_TYPE uint8

const (
	// ENTRY_TYPE_NORMAL is a regular client command. An entry with
	// empty Data is the blank barrier entry a new leader appends in
	// its own term.
	ENTRY_TYPE_NORMAL ENTRY_TYPE = iota

	// ENTRY_TYPE_CONFIG_CHANGE carries a marshaled ConfigChange.
	ENTRY_TYPE_CONFIG_CHANGE
)

func (tp ENTRY_TYPE) String() string {
	switch tp {
	case ENTRY_TYPE_NORMAL:
		return "EntryNormal"
	case ENTRY_TYPE_CONFIG_CHANGE:
		return "EntryConfigChange"
	default:
		panic(fmt.Sprintf("unknown ENTRY_TYPE %d", tp))
	}
}

// Entry is a single Raft log entry. Index is strictly increasing
// and contiguous per node's log; an (Index, Term) pair is immutable
// once a quorum has stored it.
type Entry struct {
	Index uint64
	Term  uint64
	Type  ENTRY_TYPE
	Data  []byte
}

// entryOverheadSize approximates the non-payload wire size of an Entry
// (index, term, type, length framing).
const entryOverheadSize = 24

// Size returns the approximate wire size of the entry in bytes,
// used to batch entries up to a message size limit.
func (e Entry) Size() int {
	return entryOverheadSize + len(e.Data)
}

// DescribeEntry describes Entry in human-readable format.
func DescribeEntry(e Entry) string {
	return fmt.Sprintf("[index=%d | term=%d | type=%q | data=%q]", e.Index, e.Term, e.Type, e.Data)
}
