package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlgoSkyNet/gpi-cp/pgas"
	"github.com/AlgoSkyNet/gpi-cp/pgas/pgasmem"
)

// The id scan must fill gaps first and hold on every rank independently.
func Test_UnusedSegmentIDGapFill(t *testing.T) {
	fabric := pgasmem.NewFabric(2)

	for rank := pgas.Rank(0); rank < 2; rank++ {
		ep := fabric.Endpoint(rank)

		id, err := UnusedSegmentID(ep)
		require.NoError(t, err)
		assert.Equal(t, pgas.SegmentID(0), id)

		require.NoError(t, ep.SegmentAlloc(0, 1024, pgas.MemUninitialized))
		id, err = UnusedSegmentID(ep)
		require.NoError(t, err)
		assert.Equal(t, pgas.SegmentID(1), id)

		require.NoError(t, ep.SegmentAlloc(2, 1024, pgas.MemUninitialized))
		id, err = UnusedSegmentID(ep)
		require.NoError(t, err)
		assert.Equal(t, pgas.SegmentID(1), id)

		require.NoError(t, ep.SegmentAlloc(1, 1024, pgas.MemUninitialized))
		id, err = UnusedSegmentID(ep)
		require.NoError(t, err)
		assert.Equal(t, pgas.SegmentID(3), id)
	}
}

func Test_UnusedSegmentIDReusesDeleted(t *testing.T) {
	fabric := pgasmem.NewFabric(1)
	ep := fabric.Endpoint(0)

	require.NoError(t, ep.SegmentAlloc(0, 64, pgas.MemUninitialized))
	require.NoError(t, ep.SegmentAlloc(1, 64, pgas.MemUninitialized))
	require.NoError(t, ep.SegmentDelete(0))

	id, err := UnusedSegmentID(ep)
	require.NoError(t, err)
	assert.Equal(t, pgas.SegmentID(0), id)
}
