package rsm

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned for requests made after the cluster node
	// has been stopped.
	ErrStopped = errors.New("rsm: stopped")

	// ErrMembershipChangeInProgress is returned when a membership
	// change is requested while another one is still being carried out.
	ErrMembershipChangeInProgress = errors.New("rsm: membership change in progress")
)

// ErrNotLeader is returned for writes and reads submitted to a node
// that is not the leader. LeaderHint is the last known leader ID,
// zero when no leader is known.
type ErrNotLeader struct {
	LeaderHint uint64
}

func (e ErrNotLeader) Error() string {
	if e.LeaderHint == 0 {
		return "rsm: not leader (no known leader)"
	}
	return fmt.Sprintf("rsm: not leader (leader hint %x)", e.LeaderHint)
}
