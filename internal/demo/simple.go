package demo

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AlgoSkyNet/gpi-cp/checkpoint"
	"github.com/AlgoSkyNet/gpi-cp/pgas"
	"github.com/AlgoSkyNet/gpi-cp/pgas/pgasmem"
)

// RunSimple exercises a single checkpoint-recovery round trip: every rank
// fills its region, snapshots it once, mutates it, and then the group
// regroups around a failed member. The spare must come back with the
// culprit's pre-mutation data; everyone else must keep the mutation.
func RunSimple(cfg *Config, log *zap.SugaredLogger) error {
	fabric := pgasmem.NewFabric(cfg.Ranks, pgasmem.WithLog(log))

	n := pgas.Rank(cfg.Ranks)
	spare := n - 1
	culprit := n - 2
	size := uint64(cfg.RegionSize)

	var wg errgroup.Group
	for rank := pgas.Rank(0); rank < n; rank++ {
		wg.Go(func() error {
			return runSimpleRank(cfg, fabric.Endpoint(rank), spare, culprit, size, log)
		})
	}
	return wg.Wait()
}

func runSimpleRank(cfg *Config, ep pgas.Endpoint, spare, culprit pgas.Rank, size uint64, log *zap.SugaredLogger) error {
	rank := ep.Rank()
	n := ep.Ranks()
	timeout := cfg.timeout()

	const clientSeg pgas.SegmentID = 1
	if err := ep.SegmentCreate(clientSeg, size, pgas.GroupAll, timeout, pgas.MemInitialized); err != nil {
		return fmt.Errorf("rank %d: failed to create client segment: %w", rank, err)
	}
	region, err := ep.SegmentBytes(clientSeg)
	if err != nil {
		return fmt.Errorf("rank %d: failed to map client segment: %w", rank, err)
	}
	fillWords(region, uint32(rank)+1)

	desc := checkpoint.NewDescriptor(checkpoint.WithLog(log))

	var group pgas.GroupID
	if rank != spare {
		if group, err = buildGroup(ep, spare, timeout); err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}

		if err := desc.Init(ep, clientSeg, 0, size, checkpointQueue, checkpoint.PolicyRing, group, timeout); err != nil {
			return fmt.Errorf("rank %d: failed to init checkpointing: %w", rank, err)
		}
		if err := desc.Start(ep, timeout); err != nil {
			return fmt.Errorf("rank %d: failed to start checkpoint: %w", rank, err)
		}
		if err := commitWithRetry(ep, desc, timeout); err != nil {
			return fmt.Errorf("rank %d: failed to commit checkpoint: %w", rank, err)
		}
	}

	// Mutate after the snapshot: recovery must roll this back on the
	// spare only.
	putWordAt(region, 0, wordAt(region, 0)+uint32(n))

	if rank != culprit {
		if rank != spare {
			if err := ep.GroupDelete(group); err != nil {
				return fmt.Errorf("rank %d: failed to delete group: %w", rank, err)
			}
		}

		newGroup, err := buildGroup(ep, culprit, timeout)
		if err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}

		if err := desc.Restore(ep, clientSeg, 0, size, checkpointQueue, checkpoint.PolicyRing, newGroup, timeout); err != nil {
			return fmt.Errorf("rank %d: failed to restore: %w", rank, err)
		}

		want := uint32(n) + uint32(rank) + 1
		if rank == spare {
			want = uint32(culprit) + 1
		}
		if got := wordAt(region, 0); got != want {
			return fmt.Errorf("rank %d: region word 0 is %d after restore, want %d", rank, got, want)
		}
		log.Infow("verified region after restore", zap.Uint16("rank", uint16(rank)))

		if err := desc.Finalize(ep, timeout); err != nil {
			return fmt.Errorf("rank %d: failed to finalize: %w", rank, err)
		}
	}

	return ep.Barrier(pgas.GroupAll, timeout)
}
