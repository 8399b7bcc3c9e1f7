package demo

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AlgoSkyNet/gpi-cp/checkpoint"
	"github.com/AlgoSkyNet/gpi-cp/pgas"
	"github.com/AlgoSkyNet/gpi-cp/pgas/pgasmem"
)

// stencilPrime keeps the element arithmetic exact: every cell holds a
// value mod stencilPrime, so runs are bit-reproducible and norms compare
// exactly.
const stencilPrime = 100003

const (
	flagFromAbove pgas.NotificationID = 0
	flagFromBelow pgas.NotificationID = 1

	haloQueue pgas.QueueID = 0

	// headerBytes prefixes every strip snapshot with the iteration it
	// was taken at, so a restored rank knows where to resume.
	headerBytes = 8
)

// RunStencil runs a 2D 5-point stencil over a torus, decomposed into row
// strips along the ring. Checkpoints are taken synchronously every
// interval; a mid-run fault rolls every active rank back to the last
// committed iteration, with the joiner inheriting the culprit's strip.
// Returns the final euclidean norm of the grid, which must match a
// fault-free run.
func RunStencil(cfg *Config, log *zap.SugaredLogger) (float64, error) {
	fabric := pgasmem.NewFabric(cfg.Ranks, pgasmem.WithLog(log))

	n := pgas.Rank(cfg.Ranks)
	spare := n - 1
	culprit := n - 2

	norms := make([]float64, cfg.Ranks)

	var wg errgroup.Group
	for rank := pgas.Rank(0); rank < n; rank++ {
		wg.Go(func() error {
			norm, err := runStencilRank(cfg, fabric.Endpoint(rank), spare, culprit, log)
			norms[rank] = norm
			return err
		})
	}
	if err := wg.Wait(); err != nil {
		return 0, err
	}
	return norms[0], nil
}

// stencilState is the per-rank working state of the stencil loop.
type stencilState struct {
	cols      int
	localRows int
	nActive   int

	// slot is the strip index this rank computes, or -1 while idle. The
	// joiner inherits the culprit's slot.
	slot     int
	slotRank []pgas.Rank

	stripSeg [2]pgas.SegmentID
	strip    [2][]byte
	cpSeg    pgas.SegmentID
	cp       []byte
}

func runStencilRank(cfg *Config, ep pgas.Endpoint, spare, culprit pgas.Rank, log *zap.SugaredLogger) (float64, error) {
	rank := ep.Rank()
	timeout := cfg.timeout()

	st := &stencilState{
		cols:      cfg.Stencil.Cols,
		nActive:   cfg.Ranks - 1,
		localRows: cfg.Stencil.Rows / (cfg.Ranks - 1),
		slot:      -1,
	}
	st.slotRank = make([]pgas.Rank, st.nActive)
	for slot := range st.slotRank {
		st.slotRank[slot] = pgas.Rank(slot)
	}
	if rank != spare {
		st.slot = int(rank)
	}

	stripBytes := uint64(st.localRows * st.cols * 4)
	bufferBytes := uint64((st.localRows + 2) * st.cols * 4)
	cpBytes := headerBytes + stripBytes

	// Two strip buffers for the from/to alternation, then the snapshot
	// source. Allocation order is identical on every rank, so the ids
	// line up and one-sided halo writes can name the remote segment.
	for i := range st.stripSeg {
		id, err := checkpoint.UnusedSegmentID(ep)
		if err != nil {
			return 0, fmt.Errorf("rank %d: %w", rank, err)
		}
		st.stripSeg[i] = id
		if err := ep.SegmentCreate(id, bufferBytes, pgas.GroupAll, timeout, pgas.MemInitialized); err != nil {
			return 0, fmt.Errorf("rank %d: failed to create strip segment: %w", rank, err)
		}
		if st.strip[i], err = ep.SegmentBytes(id); err != nil {
			return 0, fmt.Errorf("rank %d: failed to map strip segment: %w", rank, err)
		}
	}

	id, err := checkpoint.UnusedSegmentID(ep)
	if err != nil {
		return 0, fmt.Errorf("rank %d: %w", rank, err)
	}
	st.cpSeg = id
	if err := ep.SegmentCreate(id, cpBytes, pgas.GroupAll, timeout, pgas.MemInitialized); err != nil {
		return 0, fmt.Errorf("rank %d: failed to create snapshot segment: %w", rank, err)
	}
	if st.cp, err = ep.SegmentBytes(id); err != nil {
		return 0, fmt.Errorf("rank %d: failed to map snapshot segment: %w", rank, err)
	}

	if st.slot >= 0 {
		st.seed(0)
	}

	desc := checkpoint.NewDescriptor(checkpoint.WithLog(log))

	var group pgas.GroupID
	if rank != spare {
		if group, err = buildGroup(ep, spare, timeout); err != nil {
			return 0, fmt.Errorf("rank %d: %w", rank, err)
		}
		if err := desc.Init(ep, st.cpSeg, 0, cpBytes, checkpointQueue, checkpoint.PolicyRing, group, timeout); err != nil {
			return 0, fmt.Errorf("rank %d: failed to init checkpointing: %w", rank, err)
		}
	}

	faulted := false
	for k := 0; k < cfg.Iterations; k++ {
		from := k % 2

		if st.slot >= 0 && k%cfg.CheckpointEvery == 0 {
			// Synchronous checkpoint of the state entering this
			// iteration: copy, start, commit.
			binary.LittleEndian.PutUint64(st.cp, uint64(k))
			copy(st.cp[headerBytes:], st.strip[from][st.rowOff(1):st.rowOff(1)+stripBytes])

			if err := desc.Start(ep, timeout); err != nil {
				return 0, fmt.Errorf("rank %d: failed to start checkpoint: %w", rank, err)
			}
			if err := commitWithRetry(ep, desc, timeout); err != nil {
				return 0, fmt.Errorf("rank %d: failed to commit checkpoint: %w", rank, err)
			}
		}

		if st.slot >= 0 {
			if err := st.exchangeHalos(ep, from, k, timeout); err != nil {
				return 0, fmt.Errorf("rank %d: %w", rank, err)
			}
			st.step(from)
		}

		if k == cfg.FaultAt && !faulted {
			faulted = true

			// Let every process observe the fault, including the
			// idle spare.
			if err := ep.Barrier(pgas.GroupAll, timeout); err != nil {
				return 0, fmt.Errorf("rank %d: failed to synchronize fault: %w", rank, err)
			}

			if rank == culprit {
				log.Infow("simulating fault", zap.Uint16("rank", uint16(rank)), zap.Int("iteration", k))
				return 0, nil
			}

			if st.slot >= 0 {
				if err := ep.GroupDelete(group); err != nil {
					return 0, fmt.Errorf("rank %d: failed to delete group: %w", rank, err)
				}
			}
			if group, err = buildGroup(ep, culprit, timeout); err != nil {
				return 0, fmt.Errorf("rank %d: %w", rank, err)
			}

			if err := desc.Restore(ep, st.cpSeg, 0, cpBytes, checkpointQueue, checkpoint.PolicyRing, group, timeout); err != nil {
				return 0, fmt.Errorf("rank %d: failed to restore: %w", rank, err)
			}

			// The joiner takes over the culprit's strip.
			if rank == spare {
				st.slot = int(culprit)
			}
			st.slotRank[culprit] = spare

			// Roll back to the snapshot: its header names the
			// iteration whose entry state it holds.
			kRestored := int(binary.LittleEndian.Uint64(st.cp))
			copy(st.strip[kRestored%2][st.rowOff(1):], st.cp[headerBytes:])

			log.Infow("rolled back to committed iteration",
				zap.Uint16("rank", uint16(rank)),
				zap.Int("iteration", kRestored),
			)
			k = kRestored - 1
			continue
		}
	}

	if st.slot < 0 {
		return 0, nil
	}

	// Norm over the state produced by the final iteration.
	last := st.strip[cfg.Iterations%2]
	sumsq := 0.0
	for r := 1; r <= st.localRows; r++ {
		for c := 0; c < st.cols; c++ {
			v := float64(st.at(last, r, c))
			sumsq += v * v
		}
	}
	total := make([]float64, 1)
	if err := ep.Allreduce([]float64{sumsq}, total, pgas.ReduceSum, group, timeout); err != nil {
		return 0, fmt.Errorf("rank %d: failed to reduce norm: %w", rank, err)
	}
	norm := math.Sqrt(total[0])

	if err := desc.Finalize(ep, timeout); err != nil {
		return 0, fmt.Errorf("rank %d: failed to finalize: %w", rank, err)
	}
	for i := range st.stripSeg {
		if err := ep.SegmentDelete(st.stripSeg[i]); err != nil {
			return 0, fmt.Errorf("rank %d: failed to delete strip segment: %w", rank, err)
		}
	}

	return norm, nil
}

// seed fills the strip with a deterministic function of the global
// coordinates.
func (m *stencilState) seed(buffer int) {
	base := m.slot * m.localRows
	for r := 1; r <= m.localRows; r++ {
		globalRow := base + r - 1
		for c := 0; c < m.cols; c++ {
			value := (uint32(globalRow)*2654435761 + uint32(c)*40503) % stencilPrime
			m.put(m.strip[buffer], r, c, value)
		}
	}
}

// rowOff returns the byte offset of a buffer row, halo rows included.
func (m *stencilState) rowOff(row int) uint64 {
	return uint64(row * m.cols * 4)
}

func (m *stencilState) at(buf []byte, row, col int) uint32 {
	return wordAt(buf, row*m.cols+col)
}

func (m *stencilState) put(buf []byte, row, col int, value uint32) {
	putWordAt(buf, row*m.cols+col, value)
}

// exchangeHalos sends the boundary rows into the neighbors' halo rows and
// waits for the symmetric writes to land.
func (m *stencilState) exchangeHalos(ep pgas.Endpoint, from, k int, timeout pgas.Timeout) error {
	above := m.slotRank[(m.slot-1+m.nActive)%m.nActive]
	below := m.slotRank[(m.slot+1)%m.nActive]
	seg := m.stripSeg[from]
	rowBytes := uint64(m.cols * 4)

	queueMax, err := ep.QueueSizeMax()
	if err != nil {
		return fmt.Errorf("failed to query queue limit: %w", err)
	}
	queueSize, err := ep.QueueSize(haloQueue)
	if err != nil {
		return fmt.Errorf("failed to query halo queue: %w", err)
	}
	if queueSize+2 > queueMax {
		if err := ep.Wait(haloQueue, timeout); err != nil {
			return fmt.Errorf("failed to drain halo queue: %w", err)
		}
	}

	// Top boundary row into the above neighbor's bottom halo; it arrives
	// there as data from below.
	err = ep.WriteNotify(
		seg, m.rowOff(1),
		above, seg, m.rowOff(m.localRows+1),
		rowBytes,
		flagFromBelow, pgas.NotificationValue(k)+1,
		haloQueue, timeout,
	)
	if err != nil {
		return fmt.Errorf("failed to send halo to rank %d: %w", above, err)
	}

	// Bottom boundary row into the below neighbor's top halo.
	err = ep.WriteNotify(
		seg, m.rowOff(m.localRows),
		below, seg, m.rowOff(0),
		rowBytes,
		flagFromAbove, pgas.NotificationValue(k)+1,
		haloQueue, timeout,
	)
	if err != nil {
		return fmt.Errorf("failed to send halo to rank %d: %w", below, err)
	}

	for missing := 2; missing > 0; missing-- {
		id, err := ep.NotifyWaitSome(seg, flagFromAbove, 2, timeout)
		if err != nil {
			return fmt.Errorf("failed to wait for halo: %w", err)
		}
		value, err := ep.NotifyReset(seg, id)
		if err != nil {
			return fmt.Errorf("failed to reset halo flag %d: %w", id, err)
		}
		if value != pgas.NotificationValue(k)+1 {
			return fmt.Errorf("halo flag %d carries value %d at iteration %d", id, value, k)
		}
	}
	return nil
}

// step computes one 5-point update of the real rows, torus-wrapped in x.
func (m *stencilState) step(from int) {
	src := m.strip[from]
	dst := m.strip[1-from]

	for r := 1; r <= m.localRows; r++ {
		for c := 0; c < m.cols; c++ {
			left := (c - 1 + m.cols) % m.cols
			right := (c + 1) % m.cols

			sum := m.at(src, r, c) +
				m.at(src, r-1, c) +
				m.at(src, r+1, c) +
				m.at(src, r, left) +
				m.at(src, r, right)
			m.put(dst, r, c, sum%stencilPrime)
		}
	}
}
