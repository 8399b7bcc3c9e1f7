package checkpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/AlgoSkyNet/gpi-cp/pgas"
)

// segmentIDBytes is the wire size of a segment id during the bootstrap
// exchange.
const segmentIDBytes = 2

// snapshotsPerStaging is the double-buffering factor of a staging segment.
const snapshotsPerStaging = 2

// stagingCapacity returns the allocation size of a staging segment: two
// snapshots, but never less than the scratch space the id exchange needs.
func stagingCapacity(size uint64) uint64 {
	capacity := snapshotsPerStaging * size
	if minimum := uint64(snapshotsPerStaging * 2 * segmentIDBytes); capacity < minimum {
		capacity = minimum
	}
	return capacity
}

// allocateStaging allocates the local staging segment and grants the
// sender one-sided write access to it.
func allocateStaging(ep pgas.Endpoint, size uint64, sender pgas.Rank, timeout pgas.Timeout) (pgas.SegmentID, error) {
	id, err := UnusedSegmentID(ep)
	if err != nil {
		return 0, fmt.Errorf("failed to pick staging segment id: %w", err)
	}

	if err := ep.SegmentAlloc(id, stagingCapacity(size), pgas.MemUninitialized); err != nil {
		return 0, fmt.Errorf("failed to allocate staging segment %d: %w", id, err)
	}
	if err := ep.SegmentRegister(id, sender, timeout); err != nil {
		return 0, fmt.Errorf("failed to register staging segment %d with rank %d: %w", id, sender, err)
	}

	return id, nil
}

// tellSenderStagingID sends the local staging segment id to the sender, so
// the sender knows where its one-sided snapshot writes must land. The id
// is staged in the first word of the active half.
func tellSenderStagingID(ep pgas.Endpoint, staging pgas.SegmentID, activeOff uint64, sender pgas.Rank, timeout pgas.Timeout) error {
	buf, err := ep.SegmentBytes(staging)
	if err != nil {
		return fmt.Errorf("failed to map staging segment %d: %w", staging, err)
	}
	binary.LittleEndian.PutUint16(buf[activeOff:], uint16(staging))

	if err := ep.PassiveSend(staging, activeOff, sender, segmentIDBytes, timeout); err != nil {
		return fmt.Errorf("failed to send staging id to rank %d: %w", sender, err)
	}
	return nil
}

// receiveReceiverStagingID receives the receiver's staging segment id into
// the second word of the active half and returns it. A message from any
// rank other than the expected receiver is a protocol violation.
func receiveReceiverStagingID(ep pgas.Endpoint, staging pgas.SegmentID, activeOff uint64, receiver pgas.Rank, timeout pgas.Timeout) (pgas.SegmentID, error) {
	src, err := ep.PassiveReceive(staging, activeOff+segmentIDBytes, segmentIDBytes, timeout)
	if err != nil {
		return 0, fmt.Errorf("failed to receive staging id: %w", err)
	}
	if src != receiver {
		return 0, fmt.Errorf("staging id from rank %d, expected receiver %d: %w", src, receiver, ErrUnexpectedSegmentIDSource)
	}

	buf, err := ep.SegmentBytes(staging)
	if err != nil {
		return 0, fmt.Errorf("failed to map staging segment %d: %w", staging, err)
	}
	return pgas.SegmentID(binary.LittleEndian.Uint16(buf[activeOff+segmentIDBytes:])), nil
}

// exchangeStagingIDs runs the bootstrap round against both ring neighbors:
// tell the sender where to write, learn where to write on the receiver.
func exchangeStagingIDs(ep pgas.Endpoint, d *Descriptor, timeout pgas.Timeout) error {
	activeOff := d.active.offset(d.size)

	if err := tellSenderStagingID(ep, d.localStaging, activeOff, d.sender, timeout); err != nil {
		return err
	}

	remote, err := receiveReceiverStagingID(ep, d.localStaging, activeOff, d.receiver, timeout)
	if err != nil {
		return err
	}
	d.remoteStaging = remote
	return nil
}
