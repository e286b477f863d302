package jobmgr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/jobmgr"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore/kvstoretest"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/resourcemgr"
)

func newTestManager(t *testing.T) (*jobmgr.Manager, *resourcemgr.Manager) {
	t.Helper()
	gw := kvstoretest.New()
	keys := kvstore.NewKeyNamer("test", ":")
	resources := resourcemgr.New(gw, keys)
	return jobmgr.New(gw, keys, resources), resources
}

func validRequest() jobmgr.OriginatingRequest {
	return jobmgr.OriginatingRequest{
		Model:           "nwm",
		RequestedCPUs:   4,
		RequestedMemory: 0,
		SessionSecret:   "sekret",
		UserID:          "alice",
	}
}

func TestCreateRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	job, err := m.Create(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, jobmgr.PhaseCreated, job.Status.Phase)
	assert.Equal(t, jobmgr.StepDefault, job.Status.Step)
	assert.NotEmpty(t, job.JobID)

	got, err := m.Retrieve(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, job.Status, got.Status)

	exists, err := m.DoesExist(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, exists)

	ids, err := m.GetIDs(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, ids, job.JobID)
}

func TestRetrieveUnknownJobReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.Retrieve(ctx, "nonexistent")
	assert.ErrorIs(t, err, jobmgr.ErrNotFound)
}

func TestSaveRejectsStaleRevision(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	job, err := m.Create(ctx, validRequest())
	require.NoError(t, err)

	stale, err := m.Retrieve(ctx, job.JobID)
	require.NoError(t, err)

	// advance the live copy once so stale's revision is now behind.
	job.Status.Step = jobmgr.StepStopRequested
	require.NoError(t, m.Save(ctx, job))

	stale.Status.Step = jobmgr.StepStopped
	err = m.Save(ctx, stale)
	assert.ErrorIs(t, err, jobmgr.ErrStaleJob)
}

func TestAcquireAllocationsSuccess(t *testing.T) {
	ctx := context.Background()
	m, resources := newTestManager(t)
	require.NoError(t, resources.SetResources(ctx, []resourcemgr.Resource{
		{NodeID: "n0", Hostname: "n0", Availability: resourcemgr.AvailabilityActive,
			State: resourcemgr.StateReady, TotalCPUs: 18, AvailableCPUs: 18},
	}))

	job, err := m.Create(ctx, validRequest())
	require.NoError(t, err)

	updated, outcome, err := m.AcquireAllocations(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, jobmgr.PhaseAwaitingScheduling, updated.Status.Phase)
	require.Len(t, updated.Allocations, 1)
	assert.Equal(t, 4, updated.Allocations[0].CPUsAllocated)
}

func TestAcquireAllocationsFailsWhenInsufficient(t *testing.T) {
	ctx := context.Background()
	m, resources := newTestManager(t)
	require.NoError(t, resources.SetResources(ctx, []resourcemgr.Resource{
		{NodeID: "n0", Hostname: "n0", Availability: resourcemgr.AvailabilityActive,
			State: resourcemgr.StateReady, TotalCPUs: 2, AvailableCPUs: 2},
	}))

	job, err := m.Create(ctx, validRequest())
	require.NoError(t, err)

	updated, outcome, err := m.AcquireAllocations(ctx, job.JobID)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, jobmgr.PhaseFailed, updated.Status.Phase)
	assert.Empty(t, updated.Allocations)
}

func TestRequestStopThenRestartLifecycle(t *testing.T) {
	ctx := context.Background()
	m, resources := newTestManager(t)
	require.NoError(t, resources.SetResources(ctx, []resourcemgr.Resource{
		{NodeID: "n0", Hostname: "n0", Availability: resourcemgr.AvailabilityActive,
			State: resourcemgr.StateReady, TotalCPUs: 18, AvailableCPUs: 18},
	}))
	job, err := m.Create(ctx, validRequest())
	require.NoError(t, err)
	_, _, err = m.AcquireAllocations(ctx, job.JobID)
	require.NoError(t, err)

	outcome, err := m.RequestStop(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	got, err := m.Retrieve(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobmgr.StepStopRequested, got.Status.Step)

	// restart is only valid once the scheduler has observed the stop and
	// moved the job to STOPPED.
	outcome, err = m.RequestRestart(ctx, job.JobID)
	require.NoError(t, err)
	assert.False(t, outcome.Success)

	got.Status.Step = jobmgr.StepStopped
	require.NoError(t, m.Save(ctx, got))

	outcome, err = m.RequestRestart(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	got, err = m.Retrieve(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobmgr.StepRestartRequested, got.Status.Step)
}

func TestReleaseAllocationsIsIdempotentAndClosesCompletedJob(t *testing.T) {
	ctx := context.Background()
	m, resources := newTestManager(t)
	require.NoError(t, resources.SetResources(ctx, []resourcemgr.Resource{
		{NodeID: "n0", Hostname: "n0", Availability: resourcemgr.AvailabilityActive,
			State: resourcemgr.StateReady, TotalCPUs: 18, AvailableCPUs: 18},
	}))
	job, err := m.Create(ctx, validRequest())
	require.NoError(t, err)
	job, _, err = m.AcquireAllocations(ctx, job.JobID)
	require.NoError(t, err)

	job.Status = jobmgr.Status{Phase: jobmgr.PhaseCompleted, Step: jobmgr.StepDefault}
	require.NoError(t, m.Save(ctx, job))

	outcome, err := m.ReleaseAllocations(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	got, err := m.Retrieve(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobmgr.PhaseClosed, got.Status.Phase)
	assert.Empty(t, got.Allocations)

	res, err := resources.Get(ctx, "n0")
	require.NoError(t, err)
	assert.Equal(t, 18, res.AvailableCPUs)

	// second release is a true no-op.
	outcome, err = m.ReleaseAllocations(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "already_closed", outcome.Reason)
}

func TestReleaseAllocationsFromActiveJobMarksFailed(t *testing.T) {
	ctx := context.Background()
	m, resources := newTestManager(t)
	require.NoError(t, resources.SetResources(ctx, []resourcemgr.Resource{
		{NodeID: "n0", Hostname: "n0", Availability: resourcemgr.AvailabilityActive,
			State: resourcemgr.StateReady, TotalCPUs: 18, AvailableCPUs: 18},
	}))
	job, err := m.Create(ctx, validRequest())
	require.NoError(t, err)
	job, _, err = m.AcquireAllocations(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, jobmgr.PhaseAwaitingScheduling, job.Status.Phase)

	outcome, err := m.ReleaseAllocations(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "released_while_active", outcome.Reason)

	got, err := m.Retrieve(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobmgr.PhaseFailed, got.Status.Phase)
}

func TestDeleteRemovesJob(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	job, err := m.Create(ctx, validRequest())
	require.NoError(t, err)

	removed, err := m.Delete(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = m.Retrieve(ctx, job.JobID)
	assert.ErrorIs(t, err, jobmgr.ErrNotFound)

	removed, err = m.Delete(ctx, job.JobID)
	require.NoError(t, err)
	assert.False(t, removed)
}
