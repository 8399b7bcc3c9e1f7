// Package pgas abstracts the one-sided messaging substrate the
// checkpointing core runs on: a partitioned global address space with
// registered memory segments, notified writes, passive messages and group
// collectives.
//
// The package defines capabilities only. Implementations decide how ranks
// actually exchange bytes; see pgasmem for the in-process fabric.
package pgas

import "errors"

// Rank identifies a process within the global process set.
type Rank uint16

// SegmentID identifies a registered memory segment. Segment ids are local
// values: the same id may name different memory on different ranks.
type SegmentID uint16

// QueueID identifies a request queue for one-sided operations.
type QueueID uint8

// GroupID identifies a process group. Group ids are local handles; the
// member list behind them is what collectives agree on.
type GroupID uint8

// NotificationID identifies a notification slot on a segment.
type NotificationID uint16

// NotificationValue is the payload deposited by a notified write. Zero is
// reserved as "no notification".
type NotificationValue uint32

// GroupAll is the well-known group containing every process.
const GroupAll GroupID = 0

// MemInit selects whether freshly allocated segment memory is zeroed.
type MemInit int

const (
	MemUninitialized MemInit = iota
	MemInitialized
)

// ReduceOp selects the reduction applied by Allreduce.
type ReduceOp int

const (
	// ReduceMax keeps the element-wise maximum across the group.
	ReduceMax ReduceOp = iota
	// ReduceSum adds the elements across the group.
	ReduceSum
)

// ErrTimeout reports that a bounded or immediate wait could not complete.
// The operation made no progress and may be retried.
var ErrTimeout = errors.New("pgas: operation timed out")

// Identity exposes the process identity of an endpoint.
type Identity interface {
	// Rank returns the rank of this process.
	Rank() Rank
	// Ranks returns the total number of processes in the global set.
	Ranks() Rank
}

// Groups manages process groups.
//
// The usual lifecycle mirrors the substrate: create, add members, commit
// collectively among the members, use, delete.
type Groups interface {
	GroupCreate() (GroupID, error)
	GroupAdd(group GroupID, rank Rank) error
	// GroupCommit synchronizes group creation among the members. Every
	// member must have added the identical rank set.
	GroupCommit(group GroupID, timeout Timeout) error
	GroupDelete(group GroupID) error
	GroupSize(group GroupID) (int, error)
	GroupRanks(group GroupID) ([]Rank, error)
}

// Segments manages registered memory segments.
type Segments interface {
	// SegmentCreate allocates a segment and registers it with every member
	// of the group. Collective over the group.
	SegmentCreate(id SegmentID, size uint64, group GroupID, timeout Timeout, init MemInit) error
	// SegmentAlloc allocates a local segment without registering it.
	SegmentAlloc(id SegmentID, size uint64, init MemInit) error
	// SegmentRegister grants the given rank one-sided access to the local
	// segment.
	SegmentRegister(id SegmentID, rank Rank, timeout Timeout) error
	SegmentDelete(id SegmentID) error
	// SegmentBytes returns the backing memory of a local segment. The
	// slice aliases the segment; writes through it are visible to
	// one-sided readers.
	SegmentBytes(id SegmentID) ([]byte, error)
	// SegmentNum returns the number of locally allocated segments.
	SegmentNum() (int, error)
	// SegmentList returns the locally allocated segment ids in ascending
	// order.
	SegmentList() ([]SegmentID, error)
	// SegmentMax returns the maximum number of segments the substrate
	// supports per process.
	SegmentMax() (int, error)
}

// OneSided moves data without involvement of the remote process.
type OneSided interface {
	// WriteNotify copies size bytes from the local segment into the remote
	// segment on the given rank and deposits (id, value) in the remote
	// segment's notification slot once the data is visible. The request is
	// queued; Wait on the queue guarantees local completion.
	WriteNotify(localSeg SegmentID, localOff uint64, rank Rank, remoteSeg SegmentID, remoteOff uint64,
		size uint64, id NotificationID, value NotificationValue, queue QueueID, timeout Timeout) error
	// Read copies size bytes from the remote segment on the given rank
	// into the local segment. Completion is guaranteed after Wait on the
	// queue.
	Read(localSeg SegmentID, localOff uint64, rank Rank, remoteSeg SegmentID, remoteOff uint64,
		size uint64, queue QueueID, timeout Timeout) error
}

// Notifications waits for and consumes notification slots.
type Notifications interface {
	// NotifyWaitSome blocks until at least one slot in
	// [first, first+num) on the local segment holds a non-zero value and
	// returns its id.
	NotifyWaitSome(seg SegmentID, first NotificationID, num int, timeout Timeout) (NotificationID, error)
	// NotifyReset atomically clears the slot and returns the value it
	// held.
	NotifyReset(seg SegmentID, id NotificationID) (NotificationValue, error)
}

// Passive exchanges two-sided, source-tagged messages. Used to bootstrap
// knowledge that one-sided operations require, such as remote segment ids.
type Passive interface {
	// PassiveSend sends size bytes from the local segment at the given
	// offset to the destination rank.
	PassiveSend(seg SegmentID, off uint64, dst Rank, size uint64, timeout Timeout) error
	// PassiveReceive receives size bytes into the local segment at the
	// given offset and returns the sender's rank.
	PassiveReceive(seg SegmentID, off uint64, size uint64, timeout Timeout) (Rank, error)
}

// Queues inspects and drains request queues.
type Queues interface {
	QueueSize(queue QueueID) (int, error)
	QueueSizeMax() (int, error)
	QueueNum() (int, error)
	// Wait blocks until every request posted to the queue has completed
	// locally.
	Wait(queue QueueID, timeout Timeout) error
}

// Collectives synchronizes groups of processes.
type Collectives interface {
	Barrier(group GroupID, timeout Timeout) error
	// Allreduce reduces in element-wise across the group and stores the
	// result in out on every member. len(out) must equal len(in).
	Allreduce(in, out []float64, op ReduceOp, group GroupID, timeout Timeout) error
}

// Endpoint is a single process's handle to the substrate.
type Endpoint interface {
	Identity
	Groups
	Segments
	OneSided
	Notifications
	Passive
	Queues
	Collectives
}
