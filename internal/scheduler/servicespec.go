// Package scheduler turns an allocated Job into running Docker Swarm
// services: one per resourcemgr.Allocation, wired together over an MPI-style
// SSH fanout. Grounded on original_source's scheduler.py (create_service,
// build_host_list, job_allocation_and_setup) and on the teacher's
// internal/worker/docker_runner.go for Go Docker SDK idiom.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/swarm"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/config"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/resourcemgr"
)

// driverPartitionIndex is the partition that runs the model's own command;
// every other partition runs an SSH daemon the driver fans work out to,
// mirroring the MPI "rank 0 drives, others serve" layout scheduler.py builds
// by hand per job.
const driverPartitionIndex = 0

// sshWorkerCommand starts sshd in the foreground so rank 0 can reach the
// worker over the job's private key.
var sshWorkerCommand = []string{"sh", "-c", "/usr/sbin/sshd -D"}

// ServiceName is the Swarm service name for one partition of a job.
func ServiceName(jobID string, partitionIndex int) string {
	return fmt.Sprintf("reactorcide-job-%s-%d", jobID, partitionIndex)
}

// BaseName returns the job-wide service name prefix shared by every
// ServiceName of the job. The scheduler selects a job's services by the
// reactorcide.job_id label, not by this prefix.
func BaseName(jobID string) string {
	return fmt.Sprintf("reactorcide-job-%s-", jobID)
}

// BuildHostList renders the "name:cpus" pairs the driver's MPI hostfile
// needs, one per partition, in partition order (scheduler.py's
// build_host_list).
func BuildHostList(jobID string, allocations []resourcemgr.Allocation) []string {
	hosts := make([]string, 0, len(allocations))
	for _, a := range allocations {
		name := ServiceName(jobID, a.PartitionIndex)
		hosts = append(hosts, fmt.Sprintf("%s:%d", name, a.CPUsAllocated))
	}
	return hosts
}

// ServiceSpecInput bundles what BuildServiceSpec needs to render one
// partition's Swarm ServiceSpec.
type ServiceSpecInput struct {
	JobID          string
	UserID         string
	Allocation     resourcemgr.Allocation
	Model          config.ModelEntry
	HostList       []string
	NetworkName    string
	RSAPrivatePath string
	AuthorizedKeys string
}

// BuildServiceSpec renders the Swarm ServiceSpec for one job partition. The
// driver partition (index 0) runs the model's own command with the built
// host list as arguments; every other partition runs an SSH daemon the
// driver connects out to. Constraints pin each service to the node its
// resourcemgr.Allocation was actually granted on.
func BuildServiceSpec(in ServiceSpecInput) swarm.ServiceSpec {
	name := ServiceName(in.JobID, in.Allocation.PartitionIndex)
	isDriver := in.Allocation.PartitionIndex == driverPartitionIndex

	command := in.Model.WorkerCommand
	var args []string
	if isDriver {
		command = in.Model.DriverCommand
		args = in.HostList
	}
	if len(command) == 0 {
		command = sshWorkerCommand
	}

	placeholders := strings.NewReplacer(
		"{{.PartitionIndex}}", strconv.Itoa(in.Allocation.PartitionIndex),
		"{{.JobID}}", in.JobID,
	)
	templates := in.Model.MountsFor(in.Allocation.PartitionIndex)
	resolved := make([]config.MountTemplate, len(templates))
	for i, t := range templates {
		t.Source = placeholders.Replace(t.Source)
		resolved[i] = t
	}
	mounts := buildMounts(resolved, in.RSAPrivatePath, in.AuthorizedKeys, isDriver)

	replicas := uint64(1)
	restartCondition := swarm.RestartPolicyConditionOnFailure

	spec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name: name,
			Labels: map[string]string{
				"reactorcide.job_id":         in.JobID,
				"reactorcide.partition_index": strconv.Itoa(in.Allocation.PartitionIndex),
				"reactorcide.node_id":        in.Allocation.NodeID,
				"reactorcide.component":      "job-service",
			},
		},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:   in.Model.Image,
				Command: command,
				Args:    args,
				Mounts:  mounts,
				Hostname: name,
				Labels: map[string]string{
					"reactorcide.partition_index": strconv.Itoa(in.Allocation.PartitionIndex),
				},
			},
			Placement: &swarm.Placement{
				Constraints: []string{fmt.Sprintf("node.hostname == %s", in.Allocation.Hostname)},
			},
			Resources: &swarm.ResourceRequirements{
				Reservations: &swarm.Resources{
					NanoCPUs:    int64(in.Allocation.CPUsAllocated) * 1e9,
					MemoryBytes: in.Allocation.MemoryAllocated,
				},
			},
			RestartPolicy: &swarm.RestartPolicy{
				Condition: restartCondition,
			},
			Networks: []swarm.NetworkAttachmentConfig{{Target: in.NetworkName}},
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
	}
	return spec
}

func buildMounts(templates []config.MountTemplate, rsaPrivatePath, authorizedKeys string, isDriver bool) []mount.Mount {
	mounts := make([]mount.Mount, 0, len(templates)+1)
	for _, t := range templates {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   t.Source,
			Target:   t.Target,
			ReadOnly: t.ReadOnly,
		})
	}
	if isDriver && rsaPrivatePath != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   rsaPrivatePath,
			Target:   "/root/.ssh/id_rsa",
			ReadOnly: true,
		})
	}
	if authorizedKeys != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   authorizedKeys,
			Target:   "/root/.ssh/authorized_keys",
			ReadOnly: true,
		})
	}
	return mounts
}

// ParseHostList builds the driver's newline-delimited hostfile body from
// the "name:cpus" pairs BuildHostList returns.
func ParseHostList(hosts []string) string {
	return strings.Join(hosts, "\n")
}
