package scheduler

import (
	"testing"

	"github.com/docker/docker/api/types/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/config"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/resourcemgr"
)

func TestBuildHostList(t *testing.T) {
	allocs := []resourcemgr.Allocation{
		{NodeID: "n0", Hostname: "n0", CPUsAllocated: 18, PartitionIndex: 0},
		{NodeID: "n1", Hostname: "n1", CPUsAllocated: 96, PartitionIndex: 1},
	}
	hosts := BuildHostList("job-1", allocs)
	require.Len(t, hosts, 2)
	assert.Equal(t, "reactorcide-job-job-1-0:18", hosts[0])
	assert.Equal(t, "reactorcide-job-job-1-1:96", hosts[1])
}

func TestBuildServiceSpecDriverVsWorker(t *testing.T) {
	model := config.ModelEntry{
		Image:         "example.com/nwm:latest",
		DriverCommand: []string{"/nwm/run_model.sh"},
		DefaultMounts: []config.MountTemplate{{Source: "/local", Target: "/nwm/domains", ReadOnly: false}},
	}

	driverSpec := BuildServiceSpec(ServiceSpecInput{
		JobID:       "job-1",
		Allocation:  resourcemgr.Allocation{NodeID: "n0", Hostname: "n0", CPUsAllocated: 18, PartitionIndex: 0},
		Model:       model,
		HostList:    []string{"reactorcide-job-job-1-0:18", "reactorcide-job-job-1-1:96"},
		NetworkName: "mpi-net",
	})
	assert.Equal(t, []string{"/nwm/run_model.sh"}, driverSpec.TaskTemplate.ContainerSpec.Command)
	assert.Equal(t, []string{"reactorcide-job-job-1-0:18", "reactorcide-job-job-1-1:96"}, driverSpec.TaskTemplate.ContainerSpec.Args)
	assert.Equal(t, []string{"node.hostname == n0"}, driverSpec.TaskTemplate.Placement.Constraints)

	workerSpec := BuildServiceSpec(ServiceSpecInput{
		JobID:       "job-1",
		Allocation:  resourcemgr.Allocation{NodeID: "n1", Hostname: "n1", CPUsAllocated: 96, PartitionIndex: 1},
		Model:       model,
		HostList:    []string{"reactorcide-job-job-1-0:18", "reactorcide-job-job-1-1:96"},
		NetworkName: "mpi-net",
	})
	assert.Equal(t, sshWorkerCommand, workerSpec.TaskTemplate.ContainerSpec.Command)
	assert.Empty(t, workerSpec.TaskTemplate.ContainerSpec.Args)
}

func TestClassifyTaskStates(t *testing.T) {
	running := map[int]swarm.TaskState{0: swarm.TaskStateRunning, 1: swarm.TaskStateRunning}
	assert.Equal(t, outcomeRunning, classify(running, 2))

	completed := map[int]swarm.TaskState{0: swarm.TaskStateComplete, 1: swarm.TaskStateComplete}
	assert.Equal(t, outcomeCompleted, classify(completed, 2))

	failed := map[int]swarm.TaskState{0: swarm.TaskStateRunning, 1: swarm.TaskStateFailed}
	assert.Equal(t, outcomeFailed, classify(failed, 2))

	partial := map[int]swarm.TaskState{0: swarm.TaskStateComplete, 1: swarm.TaskStateRunning}
	assert.Equal(t, outcomeRunning, classify(partial, 2))
}
