package checkpoint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AlgoSkyNet/gpi-cp/internal/demo"
)

// The ring stencil with a mid-run fault must converge to exactly the same
// grid as a fault-free run: the joiner resumes from the last committed
// iteration and every survivor rolls back with it. Element arithmetic is
// modular, so the norms compare exactly.
func TestStencilFaultRecoveryNormMatches(t *testing.T) {
	base := demo.DefaultConfig()
	base.Ranks = 5
	base.Iterations = 49
	base.CheckpointEvery = 20
	base.Stencil.Cols = 32
	base.Stencil.Rows = 32

	faultFree := *base
	faultFree.FaultAt = -1
	require.NoError(t, faultFree.Validate())

	faulted := *base
	faulted.FaultAt = 33
	require.NoError(t, faulted.Validate())

	wantNorm, err := demo.RunStencil(&faultFree, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Greater(t, wantNorm, 0.0)

	gotNorm, err := demo.RunStencil(&faulted, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, wantNorm, gotNorm, "fault recovery changed the result")
}

func TestStencilFaultOnCheckpointBoundary(t *testing.T) {
	base := demo.DefaultConfig()
	base.Ranks = 4
	base.Iterations = 30
	base.CheckpointEvery = 10
	base.Stencil.Cols = 16
	base.Stencil.Rows = 24

	faultFree := *base
	faultFree.FaultAt = -1
	require.NoError(t, faultFree.Validate())

	faulted := *base
	faulted.FaultAt = 20
	require.NoError(t, faulted.Validate())

	wantNorm, err := demo.RunStencil(&faultFree, zap.NewNop().Sugar())
	require.NoError(t, err)

	gotNorm, err := demo.RunStencil(&faulted, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, wantNorm, gotNorm)
}
