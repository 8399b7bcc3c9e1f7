// Package checkpoint implements distributed in-memory checkpointing over a
// pgas substrate.
//
// A group of cooperating processes arranges itself into a ring. Each rank
// periodically snapshots a caller-owned memory region into the staging
// segment of its downstream neighbor (the buddy) with double buffering, so
// that a committed snapshot always survives an in-flight one. When a rank
// fails, a pre-provisioned spare joins the ring in its place, pulls the
// lost snapshot from the survivors and the computation resumes from the
// last commit.
package checkpoint

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AlgoSkyNet/gpi-cp/pgas"
)

// Policy selects the communication pattern between group members.
type Policy int

// PolicyRing arranges the group in a ring: each rank sends snapshots to
// the next member and stores snapshots of the previous one.
const PolicyRing Policy = 1

// half names one of the two snapshot slots of a staging segment.
type half int

const (
	halfA half = iota
	halfB
)

func (h half) other() half {
	if h == halfA {
		return halfB
	}
	return halfA
}

// offset returns the byte offset of the half within a staging segment
// holding two snapshots of the given size back to back.
func (h half) offset(size uint64) uint64 {
	if h == halfA {
		return 0
	}
	return size
}

// Stats holds the accumulated wall-clock time spent in each operation.
type Stats struct {
	Init    time.Duration
	Start   time.Duration
	Commit  time.Duration
	Restore time.Duration
}

// Total returns the time spent across all operations.
func (m Stats) Total() time.Duration {
	return m.Init + m.Start + m.Commit + m.Restore
}

// Descriptor is the per-rank checkpoint handle. The caller owns it across
// the whole lifecycle: created empty, populated by Init, mutated by Start,
// Commit and Restore, torn down by Finalize.
type Descriptor struct {
	clientSeg pgas.SegmentID
	offset    uint64
	size      uint64
	queue     pgas.QueueID
	group     pgas.GroupID
	groupSize int

	sender       pgas.Rank
	localStaging pgas.SegmentID

	receiver      pgas.Rank
	remoteStaging pgas.SegmentID

	// active names the half the next Start writes into; the other half
	// holds the last committed snapshot. Toggles on every Commit.
	active half

	inProgress  bool
	initialized bool

	stats Stats
	log   *zap.SugaredLogger
}

// Option is a function that configures a descriptor.
type Option func(*Descriptor)

// WithLog sets the logger used by the checkpoint operations.
func WithLog(log *zap.SugaredLogger) Option {
	return func(d *Descriptor) {
		d.log = log
	}
}

// NewDescriptor creates an empty descriptor.
func NewDescriptor(opts ...Option) *Descriptor {
	d := &Descriptor{
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InProgress reports whether a checkpoint has been started and not yet
// committed.
func (d *Descriptor) InProgress() bool {
	return d.inProgress
}

// ActiveSnapshot returns the byte offset of the half the next Start
// writes into. The last committed snapshot occupies the other half.
func (d *Descriptor) ActiveSnapshot() uint64 {
	return d.active.offset(d.size)
}

// Stats returns the accumulated operation timings.
func (d *Descriptor) Stats() Stats {
	return d.stats
}

// ReceiverBytes returns the backing memory of the local staging segment,
// which holds the snapshots of this rank's sender.
func ReceiverBytes(ep pgas.Endpoint, d *Descriptor) ([]byte, error) {
	return ep.SegmentBytes(d.localStaging)
}

func (d *Descriptor) String() string {
	return fmt.Sprintf(
		"offset %d, size %d, client segment %d, queue %d, group %d, sender %d, local staging %d, receiver %d, remote staging %d, active snapshot %d, in progress %t, initialized %t",
		d.offset, d.size, d.clientSeg, d.queue, d.group,
		d.sender, d.localStaging, d.receiver, d.remoteStaging,
		d.ActiveSnapshot(), d.inProgress, d.initialized,
	)
}
