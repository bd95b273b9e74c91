package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synapse-labs/cg-coordinator/internal/coordtest"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
)

func TestTryLockUniquenessAcrossConcurrentJoins(t *testing.T) {
	c := coordtest.New()
	ctx := context.Background()

	l1, err := TryLock(ctx, c, "g1", "c1", logging.Nop)
	require.NoError(t, err)
	require.NotNil(t, l1)

	_, err = TryLock(ctx, c, "g1", "c1", logging.Nop)
	require.Error(t, err)
}

func TestFencingTokenGenIsStrictlyMonotonic(t *testing.T) {
	c := coordtest.New()
	ctx := context.Background()

	l, err := TryLock(ctx, c, "g1", "c1", logging.Nop)
	require.NoError(t, err)

	t1, err := l.FencingTokenGen(ctx)
	require.NoError(t, err)
	t2, err := l.FencingTokenGen(ctx)
	require.NoError(t, err)

	require.Greater(t, int64(t2), int64(t1))
}

func TestLockReleaseAllowsReacquisition(t *testing.T) {
	c := coordtest.New()
	ctx := context.Background()

	l1, err := TryLock(ctx, c, "g1", "c1", logging.Nop)
	require.NoError(t, err)
	l1.Release(ctx)

	l2, err := TryLock(ctx, c, "g1", "c1", logging.Nop)
	require.NoError(t, err)
	require.NotNil(t, l2)
}
