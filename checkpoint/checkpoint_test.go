package checkpoint_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AlgoSkyNet/gpi-cp/checkpoint"
	"github.com/AlgoSkyNet/gpi-cp/pgas"
	"github.com/AlgoSkyNet/gpi-cp/pgas/pgasmem"
)

const (
	testQueue  pgas.QueueID   = 4
	clientSeg  pgas.SegmentID = 1
	regionSize uint64         = 256
)

// runRanks drives fn concurrently on every rank of the fabric, one
// goroutine per rank, the way real processes drive the library.
func runRanks(t *testing.T, fabric *pgasmem.Fabric, fn func(ep pgas.Endpoint) error) {
	t.Helper()

	var wg errgroup.Group
	for rank := 0; rank < fabric.Ranks(); rank++ {
		ep := fabric.Endpoint(pgas.Rank(rank))
		wg.Go(func() error {
			return fn(ep)
		})
	}
	require.NoError(t, wg.Wait())
}

// fillRegion stamps every 4-byte word with the value.
func fillRegion(buf []byte, value uint32) {
	for off := 0; off+4 <= len(buf); off += 4 {
		binary.LittleEndian.PutUint32(buf[off:], value)
	}
}

func regionOf(value uint32) []byte {
	buf := make([]byte, regionSize)
	fillRegion(buf, value)
	return buf
}

func TestVersion(t *testing.T) {
	assert.Equal(t, float32(1.0), checkpoint.Version())
}

// One full start/commit cycle on the smallest viable ring: the active
// half toggles, the staging segment holds the sender's committed region,
// and the buddy copy round-trips through ReadBuddy.
func TestCheckpointCycle(t *testing.T) {
	fabric := pgasmem.NewFabric(3)

	runRanks(t, fabric, func(ep pgas.Endpoint) error {
		rank := ep.Rank()

		require.NoError(t, ep.SegmentCreate(clientSeg, regionSize, pgas.GroupAll, pgas.Block(), pgas.MemInitialized))
		region, err := ep.SegmentBytes(clientSeg)
		require.NoError(t, err)
		fillRegion(region, uint32(rank)+1)

		desc := checkpoint.NewDescriptor()
		require.NoError(t, desc.Init(ep, clientSeg, 0, regionSize, testQueue, checkpoint.PolicyRing, pgas.GroupAll, pgas.Block()))
		assert.False(t, desc.InProgress())
		assert.Equal(t, uint64(0), desc.ActiveSnapshot())

		require.NoError(t, desc.Start(ep, pgas.Block()))
		assert.True(t, desc.InProgress())

		require.NoError(t, desc.Commit(ep, pgas.Block()))
		assert.False(t, desc.InProgress())
		assert.Equal(t, regionSize, desc.ActiveSnapshot(), "active half must toggle on commit")

		// The committed half holds the sender's region.
		sender := (rank + 2) % 3
		staging, err := checkpoint.ReceiverBytes(ep, desc)
		require.NoError(t, err)
		committed := staging[regionSize-desc.ActiveSnapshot() : 2*regionSize-desc.ActiveSnapshot()]
		assert.True(t, bytes.Equal(regionOf(uint32(sender)+1), committed), "rank %d staging does not hold rank %d's region", rank, sender)

		// The buddy's copy of this rank's region round-trips.
		require.NoError(t, desc.ReadBuddy(ep, pgas.Block()))
		fetched := staging[desc.ActiveSnapshot() : desc.ActiveSnapshot()+regionSize]
		assert.True(t, bytes.Equal(region, fetched), "rank %d buddy copy differs", rank)

		return nil
	})
}

// A commit on an idle descriptor is a successful no-op.
func TestCommitWithoutStart(t *testing.T) {
	fabric := pgasmem.NewFabric(3)

	runRanks(t, fabric, func(ep pgas.Endpoint) error {
		require.NoError(t, ep.SegmentCreate(clientSeg, regionSize, pgas.GroupAll, pgas.Block(), pgas.MemInitialized))

		desc := checkpoint.NewDescriptor()
		require.NoError(t, desc.Init(ep, clientSeg, 0, regionSize, testQueue, checkpoint.PolicyRing, pgas.GroupAll, pgas.Block()))

		require.NoError(t, desc.Commit(ep, pgas.Block()))
		assert.Equal(t, uint64(0), desc.ActiveSnapshot())
		assert.False(t, desc.InProgress())
		return nil
	})
}

func TestStartWhileInFlightFails(t *testing.T) {
	fabric := pgasmem.NewFabric(3)

	runRanks(t, fabric, func(ep pgas.Endpoint) error {
		require.NoError(t, ep.SegmentCreate(clientSeg, regionSize, pgas.GroupAll, pgas.Block(), pgas.MemInitialized))

		desc := checkpoint.NewDescriptor()
		require.NoError(t, desc.Init(ep, clientSeg, 0, regionSize, testQueue, checkpoint.PolicyRing, pgas.GroupAll, pgas.Block()))

		require.NoError(t, desc.Start(ep, pgas.Block()))
		assert.ErrorIs(t, desc.Start(ep, pgas.Block()), checkpoint.ErrCheckpointInProgress)

		// The descriptor is still in flight and commits normally.
		require.NoError(t, desc.Commit(ep, pgas.Block()))
		return nil
	})
}

func TestInitRejectsZeroSize(t *testing.T) {
	fabric := pgasmem.NewFabric(3)
	desc := checkpoint.NewDescriptor()

	err := desc.Init(fabric.Endpoint(0), clientSeg, 0, 0, testQueue, checkpoint.PolicyRing, pgas.GroupAll, pgas.Block())
	assert.ErrorIs(t, err, checkpoint.ErrZeroSize)
}

// Finalize must release the staging segment exactly once per member.
func TestFinalizeReleasesStaging(t *testing.T) {
	fabric := pgasmem.NewFabric(3)

	runRanks(t, fabric, func(ep pgas.Endpoint) error {
		require.NoError(t, ep.SegmentCreate(clientSeg, regionSize, pgas.GroupAll, pgas.Block(), pgas.MemInitialized))

		desc := checkpoint.NewDescriptor()
		require.NoError(t, desc.Init(ep, clientSeg, 0, regionSize, testQueue, checkpoint.PolicyRing, pgas.GroupAll, pgas.Block()))

		num, err := ep.SegmentNum()
		require.NoError(t, err)
		assert.Equal(t, 2, num, "client plus staging")

		require.NoError(t, desc.Finalize(ep, pgas.Block()))

		ids, err := ep.SegmentList()
		require.NoError(t, err)
		assert.Equal(t, []pgas.SegmentID{clientSeg}, ids, "only the client segment survives finalize")
		return nil
	})
}

// Ranks outside the group pass through the whole API as no-ops, so spare
// processes can share the calling code of the workers.
func TestOperationsOutsideGroupAreNoops(t *testing.T) {
	fabric := pgasmem.NewFabric(4)
	const spare pgas.Rank = 3

	runRanks(t, fabric, func(ep pgas.Endpoint) error {
		rank := ep.Rank()

		require.NoError(t, ep.SegmentCreate(clientSeg, regionSize, pgas.GroupAll, pgas.Block(), pgas.MemInitialized))
		region, err := ep.SegmentBytes(clientSeg)
		require.NoError(t, err)
		fillRegion(region, uint32(rank)+1)

		group, err := ep.GroupCreate()
		require.NoError(t, err)
		for member := pgas.Rank(0); member < spare; member++ {
			require.NoError(t, ep.GroupAdd(group, member))
		}
		if rank != spare {
			require.NoError(t, ep.GroupCommit(group, pgas.Block()))
		}

		desc := checkpoint.NewDescriptor()
		require.NoError(t, desc.Init(ep, clientSeg, 0, regionSize, testQueue, checkpoint.PolicyRing, group, pgas.Block()))
		require.NoError(t, desc.Start(ep, pgas.Block()))
		require.NoError(t, desc.Commit(ep, pgas.Block()))
		require.NoError(t, desc.Finalize(ep, pgas.Block()))

		if rank == spare {
			// Nothing happened on the spare: no staging segment, no
			// toggle.
			num, err := ep.SegmentNum()
			require.NoError(t, err)
			assert.Equal(t, 1, num)
			assert.Equal(t, uint64(0), desc.ActiveSnapshot())
		}
		return nil
	})
}
