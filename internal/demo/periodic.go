package demo

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AlgoSkyNet/gpi-cp/checkpoint"
	"github.com/AlgoSkyNet/gpi-cp/pgas"
	"github.com/AlgoSkyNet/gpi-cp/pgas/pgasmem"
)

// RunPeriodic exercises the periodic checkpointing loop: every interval
// the previous checkpoint is committed, the working data is staged and a
// new checkpoint starts. A fault in the middle replaces the culprit with
// the spare; the loop runs to completion and every member verifies its
// buddy copy against its own last snapshot.
func RunPeriodic(cfg *Config, log *zap.SugaredLogger) error {
	fabric := pgasmem.NewFabric(cfg.Ranks, pgasmem.WithLog(log))

	n := pgas.Rank(cfg.Ranks)
	spare := n - 1
	culprit := n - 2
	size := uint64(cfg.RegionSize)

	var wg errgroup.Group
	for rank := pgas.Rank(0); rank < n; rank++ {
		wg.Go(func() error {
			return runPeriodicRank(cfg, fabric.Endpoint(rank), spare, culprit, size, log)
		})
	}
	return wg.Wait()
}

func runPeriodicRank(cfg *Config, ep pgas.Endpoint, spare, culprit pgas.Rank, size uint64, log *zap.SugaredLogger) error {
	rank := ep.Rank()
	timeout := cfg.timeout()

	const (
		snapshotSeg pgas.SegmentID = 1
		workSeg     pgas.SegmentID = 2
	)
	if err := ep.SegmentCreate(snapshotSeg, size, pgas.GroupAll, timeout, pgas.MemInitialized); err != nil {
		return fmt.Errorf("rank %d: failed to create snapshot segment: %w", rank, err)
	}
	if err := ep.SegmentCreate(workSeg, size, pgas.GroupAll, timeout, pgas.MemInitialized); err != nil {
		return fmt.Errorf("rank %d: failed to create work segment: %w", rank, err)
	}
	snapshot, err := ep.SegmentBytes(snapshotSeg)
	if err != nil {
		return fmt.Errorf("rank %d: failed to map snapshot segment: %w", rank, err)
	}
	work, err := ep.SegmentBytes(workSeg)
	if err != nil {
		return fmt.Errorf("rank %d: failed to map work segment: %w", rank, err)
	}

	desc := checkpoint.NewDescriptor(checkpoint.WithLog(log))
	active := rank != spare

	var group pgas.GroupID
	if active {
		if group, err = buildGroup(ep, spare, timeout); err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		if err := desc.Init(ep, snapshotSeg, 0, size, checkpointQueue, checkpoint.PolicyRing, group, timeout); err != nil {
			return fmt.Errorf("rank %d: failed to init checkpointing: %w", rank, err)
		}
	}

	faulted := false
	for i := 0; i < cfg.Iterations; i++ {
		if active && i%cfg.CheckpointEvery == 0 {
			if err := commitWithRetry(ep, desc, timeout); err != nil {
				return fmt.Errorf("rank %d: failed to commit checkpoint: %w", rank, err)
			}
			copy(snapshot, work)
			if err := desc.Start(ep, timeout); err != nil {
				return fmt.Errorf("rank %d: failed to start checkpoint: %w", rank, err)
			}
		}

		// The actual work.
		fillWords(work, uint32(i))

		if i == cfg.FaultAt && !faulted {
			faulted = true

			if rank == culprit {
				// The fault: this rank is gone from here on.
				log.Infow("simulating fault", zap.Uint16("rank", uint16(rank)), zap.Int("iteration", i))
				return nil
			}

			if active {
				if err := ep.GroupDelete(group); err != nil {
					return fmt.Errorf("rank %d: failed to delete group: %w", rank, err)
				}
			}
			if group, err = buildGroup(ep, culprit, timeout); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}

			if err := desc.Restore(ep, snapshotSeg, 0, size, checkpointQueue, checkpoint.PolicyRing, group, timeout); err != nil {
				return fmt.Errorf("rank %d: failed to restore: %w", rank, err)
			}
			active = true
		}
	}

	// A spare that was never promoted has nothing to verify.
	if !active {
		return nil
	}

	// The previously started checkpoint becomes the final snapshot.
	if err := commitWithRetry(ep, desc, timeout); err != nil {
		return fmt.Errorf("rank %d: failed to commit final checkpoint: %w", rank, err)
	}
	if err := ep.Barrier(group, timeout); err != nil {
		return fmt.Errorf("rank %d: failed to synchronize verification: %w", rank, err)
	}

	// The buddy's copy of this rank's last snapshot must match the local
	// snapshot source.
	if err := desc.ReadBuddy(ep, timeout); err != nil {
		return fmt.Errorf("rank %d: failed to read buddy copy: %w", rank, err)
	}
	staging, err := checkpoint.ReceiverBytes(ep, desc)
	if err != nil {
		return fmt.Errorf("rank %d: failed to map staging segment: %w", rank, err)
	}
	fetched := staging[desc.ActiveSnapshot() : desc.ActiveSnapshot()+size]
	if !bytes.Equal(fetched, snapshot) {
		return fmt.Errorf("rank %d: buddy copy differs from the last snapshot", rank)
	}
	log.Infow("verified buddy copy", zap.Uint16("rank", uint16(rank)))

	if err := ep.Barrier(group, timeout); err != nil {
		return fmt.Errorf("rank %d: failed to synchronize finalize: %w", rank, err)
	}
	return desc.Finalize(ep, timeout)
}
