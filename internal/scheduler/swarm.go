package scheduler

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/config"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/jobmgr"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/metrics"
)

// Scheduler creates and tears down the Swarm services backing a job's
// allocations. One instance per process, sharing the process-wide Docker
// client the way worker.DockerRunner does.
type Scheduler struct {
	client  *client.Client
	catalog *config.ModelCatalog
	network string
}

// New constructs a Scheduler using the ambient Docker daemon connection
// (unix socket or DOCKER_HOST), the same client.FromEnv convention
// internal/worker/docker_runner.go uses.
func New(catalog *config.ModelCatalog, network string) (*Scheduler, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating docker client: %w", err)
	}
	return &Scheduler{client: cli, catalog: catalog, network: network}, nil
}

// CreateJobServices creates one Swarm service per allocation in job.Allocations.
// If any service fails to create, the services already created for this job
// are torn down before returning the error, so a failed schedule never
// leaves orphaned services behind.
func (s *Scheduler) CreateJobServices(ctx context.Context, job *jobmgr.Job) error {
	model, ok := s.catalog.Lookup(job.OriginatingRequest.Model)
	if !ok {
		return fmt.Errorf("scheduler: model %q not found in catalog", job.OriginatingRequest.Model)
	}

	hostList := BuildHostList(job.JobID, job.Allocations)
	var created []string

	for _, alloc := range job.Allocations {
		spec := BuildServiceSpec(ServiceSpecInput{
			JobID:          job.JobID,
			UserID:         job.OriginatingRequest.UserID,
			Allocation:     alloc,
			Model:          model,
			HostList:       hostList,
			NetworkName:    s.network,
			RSAPrivatePath: privateKeyPathFor(job),
			AuthorizedKeys: authorizedKeysPathFor(job),
		})

		resp, err := s.client.ServiceCreate(ctx, spec, types.ServiceCreateOptions{})
		if err != nil {
			logging.Log.WithField("job_id", job.JobID).WithError(err).
				Error("failed to create partition service, rolling back")
			metrics.RecordSchedulerServiceOp("create", false)
			s.removeServices(ctx, created)
			return fmt.Errorf("scheduler: creating service for partition %d: %w", alloc.PartitionIndex, err)
		}
		created = append(created, resp.ID)
	}

	metrics.RecordSchedulerServiceOp("create", true)
	return nil
}

// RemoveJobServices removes every Swarm service belonging to jobID.
func (s *Scheduler) RemoveJobServices(ctx context.Context, jobID string) error {
	ids, err := s.listServiceIDs(ctx, jobID)
	if err != nil {
		return err
	}
	s.removeServices(ctx, ids)
	return nil
}

func (s *Scheduler) removeServices(ctx context.Context, ids []string) {
	for _, id := range ids {
		err := s.client.ServiceRemove(ctx, id)
		metrics.RecordSchedulerServiceOp("remove", err == nil)
		if err != nil {
			logging.Log.WithField("service_id", id).WithError(err).Warn("failed to remove service")
		}
	}
}

func (s *Scheduler) listServiceIDs(ctx context.Context, jobID string) ([]string, error) {
	services, err := s.client.ServiceList(ctx, types.ServiceListOptions{
		Filters: filters.NewArgs(filters.Arg("label", "reactorcide.job_id="+jobID)),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: listing services for job %s: %w", jobID, err)
	}
	ids := make([]string, 0, len(services))
	for _, svc := range services {
		ids = append(ids, svc.ID)
	}
	return ids, nil
}

// TaskStates returns the current task state for every service belonging to
// jobID, keyed by partition index (the monitor loop uses this to decide
// completed/failed/shutdown/rejected/orphaned transitions).
func (s *Scheduler) TaskStates(ctx context.Context, jobID string) (map[int]swarm.TaskState, error) {
	tasks, err := s.client.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(filters.Arg("label", "reactorcide.job_id="+jobID)),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: listing tasks for job %s: %w", jobID, err)
	}
	states := make(map[int]swarm.TaskState, len(tasks))
	for _, t := range tasks {
		idx, ok := t.Spec.ContainerSpec.Labels["reactorcide.partition_index"]
		if !ok {
			continue
		}
		var partitionIndex int
		if _, err := fmt.Sscanf(idx, "%d", &partitionIndex); err != nil {
			continue
		}
		states[partitionIndex] = t.Status.State
	}
	return states, nil
}

func privateKeyPathFor(job *jobmgr.Job) string {
	if job.RSAKeyPair == nil {
		return ""
	}
	return job.RSAKeyPair.PrivateKeyPath
}

func authorizedKeysPathFor(job *jobmgr.Job) string {
	if job.RSAKeyPair == nil {
		return ""
	}
	return job.RSAKeyPair.AuthorizedPath
}
