package checkpoint

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AlgoSkyNet/gpi-cp/pgas"
)

// restoreRole classifies a rank's position relative to the failed member.
type restoreRole int

const (
	// roleJoiner is a spare being promoted into the ring.
	roleJoiner restoreRole = iota
	// roleSenderMissing lost its upstream neighbor: the joiner becomes
	// its new sender.
	roleSenderMissing
	// roleReceiverMissing lost its downstream neighbor: the joiner
	// becomes its new receiver and the snapshot it held is gone.
	roleReceiverMissing
	// roleUnaffected keeps both neighbors and only synchronizes.
	roleUnaffected
)

func (r restoreRole) String() string {
	switch r {
	case roleJoiner:
		return "joiner"
	case roleSenderMissing:
		return "sender-missing"
	case roleReceiverMissing:
		return "receiver-missing"
	default:
		return "unaffected"
	}
}

// classifyRestore derives the rank's repair role from the descriptor as it
// stood before the fault.
func (d *Descriptor) classifyRestore(ep pgas.Endpoint, newGroup pgas.GroupID) restoreRole {
	switch {
	case !d.initialized:
		return roleJoiner
	case !isInGroup(ep, newGroup, d.sender):
		return roleSenderMissing
	case !isInGroup(ep, newGroup, d.receiver):
		return roleReceiverMissing
	default:
		return roleUnaffected
	}
}

// Restore heals the ring after a fault. Collective over newGroup: every
// member must call it, survivors with their existing descriptor, the
// joining spare with an empty one. newGroup must have the same
// cardinality as the working group, with the failed rank replaced by the
// spare.
//
// On return the ring is whole again, every member holds a consistent
// committed snapshot, and the joiner's client region has been repopulated
// from its receiver. A tag exchanged between the fault's neighbors and
// the joiner settles which staging half carries the committed data.
func (d *Descriptor) Restore(ep pgas.Endpoint, clientSeg pgas.SegmentID, offset, size uint64,
	queue pgas.QueueID, policy Policy, newGroup pgas.GroupID, timeout pgas.Timeout) error {
	defer d.charge(&d.stats.Restore, time.Now())

	if size == 0 {
		return ErrZeroSize
	}

	newSize, err := ep.GroupSize(newGroup)
	if err != nil {
		return fmt.Errorf("failed to size group %d: %w", newGroup, err)
	}
	if d.initialized && newSize != d.groupSize {
		return fmt.Errorf("group %d has %d members, working group had %d: %w",
			newGroup, newSize, d.groupSize, ErrGroupCardinality)
	}

	d.clientSeg = clientSeg
	d.offset = offset
	d.size = size
	d.queue = queue
	d.group = newGroup
	d.groupSize = newSize

	role := d.classifyRestore(ep, newGroup)
	d.log.Infow("restoring checkpoint ring",
		zap.Uint16("rank", uint16(ep.Rank())),
		zap.Stringer("role", role),
	)

	switch role {
	case roleJoiner:
		err = d.restoreJoiner(ep, policy, newGroup, timeout)
	case roleSenderMissing:
		err = d.restoreSenderMissing(ep, policy, newGroup, timeout)
	case roleReceiverMissing:
		err = d.restoreReceiverMissing(ep, policy, newGroup, timeout)
	default:
		err = d.restoreUnaffected(ep, newGroup, timeout)
	}
	if err != nil {
		return fmt.Errorf("failed to restore as %s: %w", role, err)
	}

	d.inProgress = false

	// The closing barrier lets any member issue the next Start
	// immediately after returning.
	if err := ep.Barrier(newGroup, timeout); err != nil {
		return fmt.Errorf("failed to synchronize restore: %w", err)
	}
	return nil
}

// restoreJoiner promotes a spare into the ring: learn the committed half
// from the neighbor tag, build the buddy channel, pull the lost snapshot
// forward one hop into the client region.
func (d *Descriptor) restoreJoiner(ep pgas.Endpoint, policy Policy, newGroup pgas.GroupID, timeout pgas.Timeout) error {
	rank := ep.Rank()

	var err error
	if d.sender, err = resolveSender(ep, policy, newGroup, rank); err != nil {
		return err
	}
	if d.receiver, err = resolveReceiver(ep, policy, newGroup, rank); err != nil {
		return err
	}
	d.initialized = true

	// Exactly one of the fault's neighbors tags the joiner. The tag's
	// origin settles which half of the new staging segment must act as
	// the committed one; its payload is a single scratch byte landing at
	// the head of the client region, overwritten by the snapshot pull
	// below.
	src, err := ep.PassiveReceive(d.clientSeg, d.offset, 1, timeout)
	if err != nil {
		return fmt.Errorf("failed to receive restore tag: %w", err)
	}
	switch src {
	case d.sender:
		d.active = halfA
	case d.receiver:
		d.active = halfB
	default:
		return fmt.Errorf("restore tag from rank %d, neighbors are %d and %d: %w",
			src, d.sender, d.receiver, ErrUnexpectedSegmentIDReceiver)
	}

	if err := ep.Barrier(newGroup, timeout); err != nil {
		return fmt.Errorf("failed to synchronize with survivors: %w", err)
	}

	if d.localStaging, err = allocateStaging(ep, d.size, d.sender, timeout); err != nil {
		return err
	}
	if err := exchangeStagingIDs(ep, d, timeout); err != nil {
		return err
	}

	// The receiver still holds the committed snapshot of the rank this
	// joiner replaces; pull it into the working memory.
	activeOff := d.active.offset(d.size)
	err = ep.Read(
		d.clientSeg, d.offset,
		d.receiver, d.remoteStaging, d.size-activeOff,
		d.size,
		d.queue, timeout,
	)
	if err != nil {
		return fmt.Errorf("failed to pull snapshot from rank %d: %w", d.receiver, err)
	}

	// The new sender refreshes our staging with its current region; wait
	// for it so the ring invariant holds before the closing barrier.
	if err := waitNotificationFrom(ep, d.localStaging, d.sender, timeout); err != nil {
		return err
	}

	if err := ep.Wait(d.queue, timeout); err != nil {
		return fmt.Errorf("failed to drain queue %d: %w", d.queue, err)
	}
	return nil
}

// restoreSenderMissing rewires the staging segment to the joiner that
// replaces the lost upstream neighbor.
func (d *Descriptor) restoreSenderMissing(ep pgas.Endpoint, policy Policy, newGroup pgas.GroupID, timeout pgas.Timeout) error {
	var err error
	if d.sender, err = resolveSender(ep, policy, newGroup, ep.Rank()); err != nil {
		return err
	}

	activeOff := d.active.offset(d.size)
	if d.active == halfB {
		if err := ep.PassiveSend(d.localStaging, activeOff, d.sender, 1, timeout); err != nil {
			return fmt.Errorf("failed to tag joiner %d: %w", d.sender, err)
		}
	}

	if err := ep.Barrier(newGroup, timeout); err != nil {
		return fmt.Errorf("failed to synchronize with survivors: %w", err)
	}

	if err := ep.SegmentRegister(d.localStaging, d.sender, timeout); err != nil {
		return fmt.Errorf("failed to register staging segment %d with rank %d: %w", d.localStaging, d.sender, err)
	}
	if err := tellSenderStagingID(ep, d.localStaging, activeOff, d.sender, timeout); err != nil {
		return err
	}
	return nil
}

// restoreReceiverMissing rewires to the joiner that replaces the lost
// downstream neighbor and immediately hands it a fresh snapshot: the copy
// the lost neighbor held is gone.
func (d *Descriptor) restoreReceiverMissing(ep pgas.Endpoint, policy Policy, newGroup pgas.GroupID, timeout pgas.Timeout) error {
	var err error
	if d.receiver, err = resolveReceiver(ep, policy, newGroup, ep.Rank()); err != nil {
		return err
	}

	activeOff := d.active.offset(d.size)
	if d.active == halfA {
		if err := ep.PassiveSend(d.localStaging, activeOff, d.receiver, 1, timeout); err != nil {
			return fmt.Errorf("failed to tag joiner %d: %w", d.receiver, err)
		}
	}

	if err := ep.Barrier(newGroup, timeout); err != nil {
		return fmt.Errorf("failed to synchronize with survivors: %w", err)
	}

	remote, err := receiveReceiverStagingID(ep, d.localStaging, activeOff, d.receiver, timeout)
	if err != nil {
		return err
	}
	d.remoteStaging = remote

	if d.inProgress {
		if err := ep.Wait(d.queue, timeout); err != nil {
			return fmt.Errorf("failed to drain queue %d: %w", d.queue, err)
		}
		d.inProgress = false
	}

	if err := d.Start(ep, timeout); err != nil {
		return err
	}

	if err := ep.Wait(d.queue, timeout); err != nil {
		return fmt.Errorf("failed to drain queue %d: %w", d.queue, err)
	}
	return nil
}

// restoreUnaffected keeps both neighbors; the committed snapshot in local
// staging remains valid.
func (d *Descriptor) restoreUnaffected(ep pgas.Endpoint, newGroup pgas.GroupID, timeout pgas.Timeout) error {
	if err := ep.Barrier(newGroup, timeout); err != nil {
		return fmt.Errorf("failed to synchronize with survivors: %w", err)
	}
	return nil
}
