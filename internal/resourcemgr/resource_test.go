package resourcemgr_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore/kvstoretest"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/resourcemgr"
)

func newManager() *resourcemgr.Manager {
	return resourcemgr.New(kvstoretest.New(), kvstore.NewKeyNamer("test", ":"))
}

func node(id string, cpus int) resourcemgr.Resource {
	return resourcemgr.Resource{
		NodeID:        id,
		Hostname:      id,
		Availability:  resourcemgr.AvailabilityActive,
		State:         resourcemgr.StateReady,
		TotalCPUs:     cpus,
		AvailableCPUs: cpus,
	}
}

func TestSingleNodeAllocation(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	require.NoError(t, m.SetResources(ctx, []resourcemgr.Resource{node("n0", 18)}))

	allocs, err := m.AllocatePolicy(ctx, resourcemgr.PolicySingleNode, 5, 0)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, 5, allocs[0].CPUsAllocated)

	res, err := m.Get(ctx, "n0")
	require.NoError(t, err)
	assert.Equal(t, 13, res.AvailableCPUs)

	require.NoError(t, m.Release(ctx, allocs))
	res, err = m.Get(ctx, "n0")
	require.NoError(t, err)
	assert.Equal(t, 18, res.AvailableCPUs)
}

func TestRoundRobinInsufficientCapacity(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	require.NoError(t, m.SetResources(ctx, []resourcemgr.Resource{
		node("n0", 8), node("n1", 96), node("n2", 96),
	}))

	_, err := m.AllocatePolicy(ctx, resourcemgr.PolicyRoundRobin, 25, 0)
	assert.ErrorIs(t, err, resourcemgr.ErrInsufficientResources)

	for _, id := range []string{"n0", "n1", "n2"} {
		res, rerr := m.Get(ctx, id)
		require.NoError(t, rerr)
		assert.Equal(t, res.TotalCPUs, res.AvailableCPUs, "node %s counters must be untouched after rollback", id)
	}
}

func TestFillNodes(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	require.NoError(t, m.SetResources(ctx, []resourcemgr.Resource{
		node("n0", 18), node("n1", 96), node("n2", 96),
	}))

	allocs, err := m.AllocatePolicy(ctx, resourcemgr.PolicyFillNodes, 150, 0)
	require.NoError(t, err)
	require.Len(t, allocs, 3)
	assert.Equal(t, 18, allocs[0].CPUsAllocated)
	assert.Equal(t, 96, allocs[1].CPUsAllocated)
	assert.Equal(t, 36, allocs[2].CPUsAllocated)

	remaining := map[string]int{"n0": 0, "n1": 0, "n2": 60}
	for id, want := range remaining {
		res, rerr := m.Get(ctx, id)
		require.NoError(t, rerr)
		assert.Equal(t, want, res.AvailableCPUs)
	}
}

func TestInvalidCPURequestRejectedWithoutTouchingStore(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	require.NoError(t, m.SetResources(ctx, []resourcemgr.Resource{node("n0", 18)}))

	_, err := m.AllocatePolicy(ctx, resourcemgr.PolicySingleNode, 0, 0)
	assert.ErrorIs(t, err, resourcemgr.ErrInvalidRequest)
	_, err = m.AllocatePolicy(ctx, resourcemgr.PolicySingleNode, -3, 0)
	assert.ErrorIs(t, err, resourcemgr.ErrInvalidRequest)

	res, err := m.Get(ctx, "n0")
	require.NoError(t, err)
	assert.Equal(t, 18, res.AvailableCPUs)
}

func TestConcurrentAllocationsNeverExceedTotal(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	require.NoError(t, m.SetResources(ctx, []resourcemgr.Resource{node("n0", 20)}))

	const workers = 30
	results := make([]*resourcemgr.Allocation, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		i := i
		go func() {
			defer wg.Done()
			alloc, _ := m.Allocate(ctx, "n0", 1, 0, false)
			results[i] = alloc
		}()
	}
	wg.Wait()

	granted := 0
	for _, a := range results {
		if a != nil {
			granted += a.CPUsAllocated
		}
	}
	assert.LessOrEqual(t, granted, 20)

	res, err := m.Get(ctx, "n0")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.AvailableCPUs, 0)
	assert.Equal(t, 20-granted, res.AvailableCPUs)
}
