package checkpoint

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AlgoSkyNet/gpi-cp/pgas"
)

// queueReserve is the number of queue slots kept free before Start posts
// its snapshot write. A fuller queue is drained first.
const queueReserve = 24

// Init joins the calling rank to a checkpointing ring over the group.
// Global collective: every member must call it. Ranks outside the group
// return immediately, so spare processes may call the API unconditionally.
//
// The region [offset, offset+size) of the client segment is what Start
// snapshots. size must be identical on every member; offset, segment and
// queue ids are local values.
func (d *Descriptor) Init(ep pgas.Endpoint, clientSeg pgas.SegmentID, offset, size uint64,
	queue pgas.QueueID, policy Policy, group pgas.GroupID, timeout pgas.Timeout) error {
	defer d.charge(&d.stats.Init, time.Now())

	if size == 0 {
		return ErrZeroSize
	}

	d.clientSeg = clientSeg
	d.offset = offset
	d.size = size
	d.queue = queue
	d.group = group
	d.active = halfA

	rank := ep.Rank()
	if !isInGroup(ep, group, rank) {
		return nil
	}

	groupSize, err := ep.GroupSize(group)
	if err != nil {
		return fmt.Errorf("failed to size group %d: %w", group, err)
	}
	d.groupSize = groupSize

	if d.sender, err = resolveSender(ep, policy, group, rank); err != nil {
		return err
	}
	if d.receiver, err = resolveReceiver(ep, policy, group, rank); err != nil {
		return err
	}

	if d.localStaging, err = allocateStaging(ep, size, d.sender, timeout); err != nil {
		return err
	}
	if err := exchangeStagingIDs(ep, d, timeout); err != nil {
		return err
	}

	d.initialized = true
	d.inProgress = false

	d.log.Debugw("initialized checkpoint ring member",
		zap.Uint16("rank", uint16(rank)),
		zap.Uint16("sender", uint16(d.sender)),
		zap.Uint16("receiver", uint16(d.receiver)),
		zap.Uint16("staging", uint16(d.localStaging)),
		zap.Uint16("remote_staging", uint16(d.remoteStaging)),
	)
	return nil
}

// Start begins a checkpoint: a one-sided notified write of the client
// region into the receiver's staging half. Local operation; at most one
// checkpoint may be in flight per rank.
func (d *Descriptor) Start(ep pgas.Endpoint, timeout pgas.Timeout) error {
	defer d.charge(&d.stats.Start, time.Now())

	rank := ep.Rank()
	if !isInGroup(ep, d.group, rank) {
		return nil
	}

	if d.inProgress {
		return ErrCheckpointInProgress
	}
	d.inProgress = true

	// Leave headroom on the queue; drain it when the application has
	// been posting its own traffic.
	queueMax, err := ep.QueueSizeMax()
	if err != nil {
		return fmt.Errorf("failed to query queue limit: %w", err)
	}
	queueSize, err := ep.QueueSize(d.queue)
	if err != nil {
		return fmt.Errorf("failed to query queue %d: %w", d.queue, err)
	}
	if queueSize > queueMax-queueReserve {
		if err := ep.Wait(d.queue, timeout); err != nil {
			return fmt.Errorf("failed to drain queue %d: %w", d.queue, err)
		}
	}

	err = ep.WriteNotify(
		d.clientSeg, d.offset,
		d.receiver, d.remoteStaging, d.active.offset(d.size),
		d.size,
		pgas.NotificationID(rank), pgas.NotificationValue(rank)+1,
		d.queue, timeout,
	)
	if err != nil {
		return fmt.Errorf("failed to write snapshot to rank %d: %w", d.receiver, err)
	}
	return nil
}

// Commit completes the checkpoint started by Start. Collective over the
// group: on return, every member holds a fresh copy of its sender's
// region and the active half has toggled. A Commit without a prior Start
// is a successful no-op.
//
// On error the descriptor stays in flight so the caller can retry or
// escalate to Restore.
func (d *Descriptor) Commit(ep pgas.Endpoint, timeout pgas.Timeout) error {
	defer d.charge(&d.stats.Commit, time.Now())

	if !isInGroup(ep, d.group, ep.Rank()) {
		return nil
	}
	if !d.inProgress {
		return nil
	}

	if err := ep.Wait(d.queue, timeout); err != nil {
		return fmt.Errorf("failed to drain queue %d: %w", d.queue, err)
	}

	// The sender's snapshot lands in the local staging segment together
	// with its notification; seeing it means the incoming copy is
	// complete. The slot is consumed only after the barrier, so a Commit
	// that times out at the barrier can be retried from the top.
	id, err := ep.NotifyWaitSome(d.localStaging, pgas.NotificationID(d.sender), 1, timeout)
	if err != nil {
		return fmt.Errorf("failed to wait for snapshot from rank %d: %w", d.sender, err)
	}
	if id != pgas.NotificationID(d.sender) {
		return fmt.Errorf("notification id %d, expected %d: %w", id, d.sender, errWrongNotification)
	}

	if err := ep.Barrier(d.group, timeout); err != nil {
		return fmt.Errorf("failed to synchronize commit: %w", err)
	}

	value, err := ep.NotifyReset(d.localStaging, id)
	if err != nil {
		return fmt.Errorf("failed to reset notification %d: %w", id, err)
	}
	if value != pgas.NotificationValue(d.sender)+1 {
		return fmt.Errorf("notification value %d, expected %d: %w", value, d.sender+1, errWrongNotification)
	}

	d.active = d.active.other()
	d.inProgress = false
	return nil
}

// Finalize releases the staging segment of a rank that is in the working
// group and reports the accumulated operation timings: the local ones to
// the log, the group maxima on the lowest-ranked member.
func (d *Descriptor) Finalize(ep pgas.Endpoint, timeout pgas.Timeout) error {
	rank := ep.Rank()
	if !isInGroup(ep, d.group, rank) {
		return nil
	}

	if err := ep.SegmentDelete(d.localStaging); err != nil {
		return fmt.Errorf("failed to delete staging segment %d: %w", d.localStaging, err)
	}

	d.log.Infow("checkpoint statistics",
		zap.Uint16("rank", uint16(rank)),
		zap.Duration("init", d.stats.Init),
		zap.Duration("start", d.stats.Start),
		zap.Duration("commit", d.stats.Commit),
		zap.Duration("restore", d.stats.Restore),
		zap.Duration("total", d.stats.Total()),
	)

	totals := []float64{
		float64(d.stats.Total()) / float64(time.Millisecond),
		float64(d.stats.Start) / float64(time.Millisecond),
		float64(d.stats.Init) / float64(time.Millisecond),
		float64(d.stats.Commit) / float64(time.Millisecond),
		float64(d.stats.Restore) / float64(time.Millisecond),
	}
	maxima := make([]float64, len(totals))
	if err := ep.Allreduce(totals, maxima, pgas.ReduceMax, d.group, timeout); err != nil {
		return fmt.Errorf("failed to reduce statistics: %w", err)
	}

	members, err := ep.GroupRanks(d.group)
	if err == nil && len(members) > 0 && members[0] == rank {
		d.log.Infow("checkpoint statistics, group maxima in ms",
			zap.Float64("total", maxima[0]),
			zap.Float64("start", maxima[1]),
			zap.Float64("init", maxima[2]),
			zap.Float64("commit", maxima[3]),
			zap.Float64("restore", maxima[4]),
		)
	}

	return nil
}

// ReadBuddy pulls the committed snapshot this rank's receiver holds back
// into the active half of the local staging segment, the half that does
// not hold the sender's committed snapshot. Expert operation
// used for verification and pull-style recovery.
func (d *Descriptor) ReadBuddy(ep pgas.Endpoint, timeout pgas.Timeout) error {
	activeOff := d.active.offset(d.size)

	err := ep.Read(
		d.localStaging, activeOff,
		d.receiver, d.remoteStaging, d.size-activeOff,
		d.size,
		d.queue, timeout,
	)
	if err != nil {
		return fmt.Errorf("failed to read snapshot from rank %d: %w", d.receiver, err)
	}

	if err := ep.Wait(d.queue, timeout); err != nil {
		return fmt.Errorf("failed to drain queue %d: %w", d.queue, err)
	}
	return nil
}

// waitNotificationFrom waits for the notification the given rank's
// snapshot write deposits on the segment and consumes it.
func waitNotificationFrom(ep pgas.Endpoint, seg pgas.SegmentID, from pgas.Rank, timeout pgas.Timeout) error {
	id, err := ep.NotifyWaitSome(seg, pgas.NotificationID(from), 1, timeout)
	if err != nil {
		return fmt.Errorf("failed to wait for snapshot from rank %d: %w", from, err)
	}
	if id != pgas.NotificationID(from) {
		return fmt.Errorf("notification id %d, expected %d: %w", id, from, errWrongNotification)
	}

	value, err := ep.NotifyReset(seg, id)
	if err != nil {
		return fmt.Errorf("failed to reset notification %d: %w", id, err)
	}
	if value != pgas.NotificationValue(from)+1 {
		return fmt.Errorf("notification value %d, expected %d: %w", value, from+1, errWrongNotification)
	}
	return nil
}

// charge accrues the elapsed time since start into the given counter.
func (d *Descriptor) charge(counter *time.Duration, start time.Time) {
	*counter += time.Since(start)
}
