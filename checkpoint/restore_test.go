package checkpoint_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AlgoSkyNet/gpi-cp/checkpoint"
	"github.com/AlgoSkyNet/gpi-cp/internal/demo"
	"github.com/AlgoSkyNet/gpi-cp/pgas"
	"github.com/AlgoSkyNet/gpi-cp/pgas/pgasmem"
)

// The single-checkpoint recovery scenario: snapshot, mutate, fault,
// regroup. The spare must return with the culprit's pre-mutation region;
// every unaffected rank keeps its mutation.
func TestSingleCheckpointRecovery(t *testing.T) {
	cfg := demo.DefaultConfig()
	cfg.Ranks = 4
	cfg.RegionSize = 4096
	require.NoError(t, cfg.Validate())

	require.NoError(t, demo.RunSimple(cfg, zap.NewNop().Sugar()))
}

func TestSingleCheckpointRecoveryLargerRing(t *testing.T) {
	cfg := demo.DefaultConfig()
	cfg.Ranks = 7
	cfg.RegionSize = 1024
	require.NoError(t, cfg.Validate())

	require.NoError(t, demo.RunSimple(cfg, zap.NewNop().Sugar()))
}

// The periodic loop with a mid-run fault: the ring heals and at the end
// every member's buddy copy matches its own last snapshot.
func TestPeriodicFaultRecovery(t *testing.T) {
	cfg := demo.DefaultConfig()
	cfg.Ranks = 5
	cfg.RegionSize = 1024
	cfg.Iterations = 100
	cfg.CheckpointEvery = 10
	cfg.FaultAt = 66
	require.NoError(t, cfg.Validate())

	require.NoError(t, demo.RunPeriodic(cfg, zap.NewNop().Sugar()))
}

// A restore over an unchanged group classifies every rank as unaffected
// and leaves the descriptor untouched apart from the timing counters.
func TestRestoreUnchangedGroup(t *testing.T) {
	fabric := pgasmem.NewFabric(3)

	runRanks(t, fabric, func(ep pgas.Endpoint) error {
		rank := ep.Rank()

		require.NoError(t, ep.SegmentCreate(clientSeg, regionSize, pgas.GroupAll, pgas.Block(), pgas.MemInitialized))
		region, err := ep.SegmentBytes(clientSeg)
		require.NoError(t, err)
		fillRegion(region, uint32(rank)+1)

		desc := checkpoint.NewDescriptor()
		require.NoError(t, desc.Init(ep, clientSeg, 0, regionSize, testQueue, checkpoint.PolicyRing, pgas.GroupAll, pgas.Block()))
		require.NoError(t, desc.Start(ep, pgas.Block()))
		require.NoError(t, desc.Commit(ep, pgas.Block()))

		before := desc.String()
		restoreStats := desc.Stats().Restore

		require.NoError(t, desc.Restore(ep, clientSeg, 0, regionSize, testQueue, checkpoint.PolicyRing, pgas.GroupAll, pgas.Block()))

		assert.Empty(t, cmp.Diff(before, desc.String()), "descriptor changed without a fault")
		assert.Greater(t, desc.Stats().Restore, restoreStats)

		// The region itself is untouched.
		assert.Equal(t, regionOf(uint32(rank)+1), region)
		return nil
	})
}

// Restore replaces ring members, it never shrinks the ring: a second
// fault without a fresh spare must be rejected.
func TestRestoreRejectsCardinalityMismatch(t *testing.T) {
	fabric := pgasmem.NewFabric(4)

	descs := make([]*checkpoint.Descriptor, 3)

	// Ranks {0, 1, 2} form the working ring; rank 3 stays out.
	var wg errgroup.Group
	for rank := pgas.Rank(0); rank < 3; rank++ {
		wg.Go(func() error {
			ep := fabric.Endpoint(rank)

			if err := ep.SegmentCreate(clientSeg, regionSize, pgas.GroupAll, pgas.Block(), pgas.MemInitialized); err != nil {
				return err
			}

			group, err := buildGroupOn(ep, []pgas.Rank{0, 1, 2})
			if err != nil {
				return err
			}

			descs[rank] = checkpoint.NewDescriptor()
			return descs[rank].Init(ep, clientSeg, 0, regionSize, testQueue, checkpoint.PolicyRing, group, pgas.Block())
		})
	}
	// Rank 3 participates in the collective segment creation only.
	wg.Go(func() error {
		return fabric.Endpoint(3).SegmentCreate(clientSeg, regionSize, pgas.GroupAll, pgas.Block(), pgas.MemInitialized)
	})
	require.NoError(t, wg.Wait())

	// Rank 2 "fails" with no spare left: the survivors can only offer a
	// two-member group, which the protocol must reject.
	for rank := pgas.Rank(0); rank < 2; rank++ {
		wg.Go(func() error {
			ep := fabric.Endpoint(rank)

			shrunken, err := buildGroupOn(ep, []pgas.Rank{0, 1})
			if err != nil {
				return err
			}

			err = descs[rank].Restore(ep, clientSeg, 0, regionSize, testQueue, checkpoint.PolicyRing, shrunken, pgas.Block())
			assert.ErrorIs(t, err, checkpoint.ErrGroupCardinality)
			return nil
		})
	}
	require.NoError(t, wg.Wait())
}

// buildGroupOn creates and commits a group with the given members.
func buildGroupOn(ep pgas.Endpoint, members []pgas.Rank) (pgas.GroupID, error) {
	g, err := ep.GroupCreate()
	if err != nil {
		return 0, err
	}
	for _, member := range members {
		if err := ep.GroupAdd(g, member); err != nil {
			return 0, err
		}
	}
	return g, ep.GroupCommit(g, pgas.Block())
}
