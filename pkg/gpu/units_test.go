package gpu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeUnits(t *testing.T) {
	units := newComputeUnits(2)

	u0, err := units.reserve(context.Background())
	require.Nil(t, err)
	u1, err := units.reserve(context.Background())
	require.Nil(t, err)
	require.NotEqual(t, u0, u1, "Same unit handed out twice")

	// Both units busy, the next reservation has to wait
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = units.reserve(ctx)
	require.NotNil(t, err, "Reserved a unit while all were busy")

	units.release(u1)
	u2, err := units.reserve(context.Background())
	require.Nil(t, err)
	require.Equal(t, u1, u2, "Released unit not reused")
}
