package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/internal/agent"
)

func TestService_FeeSplit(t *testing.T) {
	svc := NewService(nil, 10, agent.PlatformID)

	cases := []struct {
		charged int64
		worker  int64
	}{
		{25, 22},
		{100, 90},
		{10, 9},
		{7, 6},
		{1, 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("charged_%d", tc.charged), func(t *testing.T) {
			assert.Equal(t, tc.worker, svc.WorkerShare(tc.charged))
			// Worker share and fee always reassemble the charge
			assert.Equal(t, tc.charged, svc.WorkerShare(tc.charged)+svc.PlatformFee(tc.charged))
		})
	}
}

func TestService_FeeSplit_ZeroPercent(t *testing.T) {
	svc := NewService(nil, 0, agent.PlatformID)
	assert.Equal(t, int64(25), svc.WorkerShare(25))
	assert.Equal(t, int64(0), svc.PlatformFee(25))
}

func TestService_SettleTask(t *testing.T) {
	store, agents := newTestStore(t)
	svc := NewService(store, 10, agent.PlatformID)
	ctx := context.Background()

	require.NoError(t, svc.HoldForTask(ctx, "ag-poster", 30, "tk-1"))
	require.NoError(t, svc.SettleTask(ctx, "ag-poster", "ag-worker", 25, 5, "tk-1"))

	poster, _ := agents.Get(ctx, "ag-poster")
	worker, _ := agents.Get(ctx, "ag-worker")
	platform, _ := agents.Get(ctx, agent.PlatformID)

	assert.Equal(t, int64(75), poster.Balance)
	assert.Equal(t, int64(0), poster.Escrowed)
	assert.Equal(t, int64(122), worker.Balance)
	assert.Equal(t, int64(3), platform.Balance)
}

func TestService_SettleSystem(t *testing.T) {
	store, agents := newTestStore(t)
	svc := NewService(store, 10, agent.PlatformID)
	ctx := context.Background()

	// System settlements bypass the fee entirely
	require.NoError(t, svc.SettleSystem(ctx, "ag-worker", 3, "tk-sys"))

	worker, _ := agents.Get(ctx, "ag-worker")
	platform, _ := agents.Get(ctx, agent.PlatformID)
	assert.Equal(t, int64(103), worker.Balance)
	assert.Equal(t, int64(-3), platform.Balance)
}

func TestService_RefundTask(t *testing.T) {
	store, agents := newTestStore(t)
	svc := NewService(store, 10, agent.PlatformID)
	ctx := context.Background()

	require.NoError(t, svc.HoldForTask(ctx, "ag-poster", 30, "tk-1"))
	require.NoError(t, svc.RefundTask(ctx, "ag-poster", 30, "tk-1"))

	poster, _ := agents.Get(ctx, "ag-poster")
	assert.Equal(t, int64(100), poster.Balance)
	assert.Equal(t, int64(0), poster.Escrowed)
}
