// Package raft implements the Raft consensus algorithm: leader election,
// log replication, snapshot-based log compaction, and joint-consensus
// membership changes with non-voting learners.
//
// The package exposes a Node interface backed by a single event-loop
// goroutine. Applications drive the node with Tick, Propose, and Step,
// consume point-in-time state from the Ready channel, persist what Ready
// asks them to persist, send the outbound messages, and then call Advance.
package raft
