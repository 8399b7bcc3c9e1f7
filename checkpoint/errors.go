package checkpoint

import "errors"

var (
	// ErrUnexpectedSegmentIDSource reports a staging segment id that
	// arrived from a rank other than the expected ring neighbor.
	ErrUnexpectedSegmentIDSource = errors.New("checkpoint: segment id from unexpected source")

	// ErrUnexpectedSegmentIDReceiver reports a restore tag that arrived
	// from a rank that is neither the sender nor the receiver.
	ErrUnexpectedSegmentIDReceiver = errors.New("checkpoint: restore tag from unexpected neighbor")

	// ErrUndefinedRank reports that a ring neighbor could not be resolved:
	// the process count is unavailable, the policy is unknown, or the
	// calling rank is not a member of the group.
	ErrUndefinedRank = errors.New("checkpoint: undefined rank")

	// ErrCheckpointInProgress reports a Start issued while the previous
	// checkpoint has not been committed.
	ErrCheckpointInProgress = errors.New("checkpoint: checkpoint already in progress")

	// ErrZeroSize reports a zero-length checkpoint region.
	ErrZeroSize = errors.New("checkpoint: region size must be positive")

	// ErrGroupCardinality reports a restore group whose size differs from
	// the group the descriptor was initialized with. The protocol replaces
	// members, it never grows or shrinks the ring.
	ErrGroupCardinality = errors.New("checkpoint: restore group size differs from working group")

	// errWrongNotification reports a notification with an unexpected id or
	// value on the staging segment.
	errWrongNotification = errors.New("checkpoint: unexpected notification")
)
