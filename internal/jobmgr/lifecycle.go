package jobmgr

import (
	"context"
	"fmt"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/resourcemgr"
)

// defaultAllocationPolicy is used when a job submit payload does not name
// one explicitly: single_node is the simplest, most predictable default
// for unspecified requests.
const defaultAllocationPolicy = resourcemgr.PolicySingleNode

// AcquireAllocations runs the job's chosen policy against the Resource
// Manager for a job in CREATED. On success the job moves to
// AWAITING_SCHEDULING; when the policy cannot be satisfied the job moves
// to FAILED and is not re-queued for a later attempt. Called by the
// request handler right after a job submit payload validates.
func (m *Manager) AcquireAllocations(ctx context.Context, jobID string) (*Job, Outcome, error) {
	var outcome Outcome
	job, err := m.ApplyTransition(ctx, jobID, func(job *Job) error {
		if job.Status.Phase != PhaseCreated {
			outcome = Outcome{Success: false, Reason: "invalid_phase",
				Message: fmt.Sprintf("job is %s, expected CREATED", job.Status.Phase)}
			return nil
		}

		job.Status.Phase = PhaseAwaitingAllocation
		policy := resourcePolicy(job.OriginatingRequest.Policy)
		allocs, aerr := m.resources.AllocatePolicy(ctx, policy,
			job.OriginatingRequest.RequestedCPUs, job.OriginatingRequest.RequestedMemory)
		if aerr != nil {
			job.Status = Status{Phase: PhaseFailed, Step: StepFailed}
			outcome = Outcome{Success: false, Reason: "allocation_failed", Message: aerr.Error()}
			return nil
		}

		for i := range allocs {
			allocs[i].PartitionIndex = i
		}
		job.Allocations = allocs
		job.Status = Status{Phase: PhaseAwaitingScheduling, Step: StepDefault}
		outcome = Outcome{Success: true, Reason: "allocated", Message: "resources reserved"}
		return nil
	})
	if err != nil {
		return nil, Outcome{}, err
	}
	return job, outcome, nil
}

func resourcePolicy(requested string) resourcemgr.Policy {
	if requested == "" {
		return defaultAllocationPolicy
	}
	return resourcemgr.Policy(requested)
}

// RequestStop marks a job's Step as STOP_REQUESTED if the job is still
// active; the Scheduler observes the step on its next poll and tears the
// running services down. Requesting a stop on an already-terminal job is a
// no-op that reports success=false.
func (m *Manager) RequestStop(ctx context.Context, jobID string) (Outcome, error) {
	var outcome Outcome
	_, err := m.ApplyTransition(ctx, jobID, func(job *Job) error {
		if !job.Status.Phase.IsActive() {
			outcome = Outcome{Success: false, Reason: "not_active",
				Message: fmt.Sprintf("job is %s, cannot be stopped", job.Status.Phase)}
			return nil
		}
		if job.Status.Step == StepStopRequested || job.Status.Step == StepStopped {
			outcome = Outcome{Success: true, Reason: "already_requested", Message: "stop already in progress"}
			return nil
		}
		job.Status.Step = StepStopRequested
		outcome = Outcome{Success: true, Reason: "stop_requested", Message: "stop requested"}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// RequestRestart marks a STOPPED job's Step as RESTART_REQUESTED so the
// Scheduler recreates its services from the existing allocation. A job
// that is not STOPPED cannot be restarted.
func (m *Manager) RequestRestart(ctx context.Context, jobID string) (Outcome, error) {
	var outcome Outcome
	_, err := m.ApplyTransition(ctx, jobID, func(job *Job) error {
		if job.Status.Step != StepStopped {
			outcome = Outcome{Success: false, Reason: "not_stopped",
				Message: fmt.Sprintf("job step is %s, expected STOPPED", job.Status.Step)}
			return nil
		}
		job.Status.Step = StepRestartRequested
		outcome = Outcome{Success: true, Reason: "restart_requested", Message: "restart requested"}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// ReleaseAllocations returns a job's reserved resources to the Resource
// Manager and frees its RSA key material. It is idempotent: a job with no
// allocations left is left untouched beyond the CLOSED transition.
//
// A COMPLETED or FAILED job releasing its last allocations moves to
// CLOSED, the terminal resting state a job settles into after resource
// teardown. A still-active job that has its allocations pulled out from
// under it (e.g. an operator-forced release) is treated as FAILED instead,
// since the job can no longer make progress without them.
func (m *Manager) ReleaseAllocations(ctx context.Context, jobID string) (Outcome, error) {
	var outcome Outcome
	_, err := m.ApplyTransition(ctx, jobID, func(job *Job) error {
		if job.Status.Phase == PhaseClosed {
			outcome = Outcome{Success: true, Reason: "already_closed", Message: "no allocations to release"}
			return nil
		}
		if len(job.Allocations) == 0 {
			if job.Status.Phase == PhaseCompleted || job.Status.Phase == PhaseFailed {
				job.Status.Phase = PhaseClosed
				outcome = Outcome{Success: true, Reason: "closed", Message: "job closed"}
				return nil
			}
			outcome = Outcome{Success: true, Reason: "nothing_to_release", Message: "job holds no allocations"}
			return nil
		}

		if err := m.resources.Release(ctx, job.Allocations); err != nil {
			outcome = Outcome{Success: false, Reason: "release_failed", Message: err.Error()}
			return nil
		}
		job.Allocations = nil

		if job.RSAKeyPair != nil {
			if err := DeleteRSAKeyPairFiles(job.RSAKeyPair); err != nil {
				outcome = Outcome{Success: false, Reason: "key_cleanup_failed", Message: err.Error()}
				return nil
			}
			job.RSAKeyPair = nil
		}

		switch job.Status.Phase {
		case PhaseCompleted, PhaseFailed:
			job.Status.Phase = PhaseClosed
			outcome = Outcome{Success: true, Reason: "closed", Message: "job closed"}
		default:
			job.Status = Status{Phase: PhaseFailed, Step: StepFailed}
			outcome = Outcome{Success: true, Reason: "released_while_active",
				Message: "allocations released from an active job; job marked failed"}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}
