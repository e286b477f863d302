package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/docker/docker/api/types/swarm"
	"github.com/gammazero/workerpool"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/jobmgr"
)

// pollFanout bounds how many jobs' task states pollOnce inspects
// concurrently; each job's poll is independent of every other job's.
const pollFanout = 8

// Monitor polls Swarm task state for every active job and drives each job's
// lifecycle accordingly: STOP_REQUESTED tears services down, RESTART_REQUESTED
// recreates them, and an unrequested task failure is recreated up to
// maxRestarts times before the job is marked FAILED. Grounded on
// original_source/scheduler.py's implicit "check job state, act" loop and on
// internal/worker/monitor.go's ticker-driven poll structure.
type Monitor struct {
	scheduler   *Scheduler
	jobs        *jobmgr.Manager
	interval    time.Duration
	maxRestarts int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor constructs a Monitor polling every interval, restarting a
// failed job's services up to maxRestarts times.
func NewMonitor(scheduler *Scheduler, jobs *jobmgr.Manager, interval time.Duration, maxRestarts int) *Monitor {
	return &Monitor{
		scheduler:   scheduler,
		jobs:        jobs,
		interval:    interval,
		maxRestarts: maxRestarts,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the poll loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop signals the poll loop to exit and waits for it.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	jobIDs, err := m.jobs.GetIDs(ctx, true)
	if err != nil {
		logging.Log.WithError(err).Warn("scheduler monitor: failed to list active jobs")
		return
	}
	pool := workerpool.New(pollFanout)
	for _, jobID := range jobIDs {
		jobID := jobID
		pool.Submit(func() { m.pollJob(ctx, jobID) })
	}
	pool.StopWait()
}

func (m *Monitor) pollJob(ctx context.Context, jobID string) {
	job, err := m.jobs.Retrieve(ctx, jobID)
	if err != nil {
		logging.Log.WithField("job_id", jobID).WithError(err).Warn("scheduler monitor: failed to retrieve job")
		return
	}

	switch job.Status.Step {
	case jobmgr.StepStopRequested:
		m.handleStopRequested(ctx, job)
		return
	case jobmgr.StepRestartRequested:
		m.handleRestartRequested(ctx, job)
		return
	}

	if job.Status.Phase != jobmgr.PhaseRunning && job.Status.Phase != jobmgr.PhaseAwaitingScheduling {
		return
	}

	states, err := m.scheduler.TaskStates(ctx, jobID)
	if err != nil {
		logging.Log.WithField("job_id", jobID).WithError(err).Warn("scheduler monitor: failed to read task states")
		return
	}
	if len(states) == 0 {
		return
	}

	switch classify(states, len(job.Allocations)) {
	case outcomeRunning:
		if job.Status.Phase == jobmgr.PhaseAwaitingScheduling {
			m.transitionPhase(ctx, jobID, jobmgr.PhaseRunning)
		}
	case outcomeCompleted:
		m.transitionPhase(ctx, jobID, jobmgr.PhaseCompleted)
	case outcomeFailed:
		m.handleUnrequestedFailure(ctx, job)
	}
}

type taskOutcome int

const (
	outcomeRunning taskOutcome = iota
	outcomeCompleted
	outcomeFailed
)

// classify summarizes a job's per-partition task states into one overall
// outcome: any failure/reject/orphan fails the whole job (an MPI fanout
// can't proceed with a missing peer); all-complete completes it; otherwise
// it's still running.
func classify(states map[int]swarm.TaskState, expectedPartitions int) taskOutcome {
	completed := 0
	for _, state := range states {
		switch state {
		case swarm.TaskStateFailed, swarm.TaskStateRejected, swarm.TaskStateOrphaned, swarm.TaskStateShutdown:
			return outcomeFailed
		case swarm.TaskStateComplete:
			completed++
		}
	}
	if expectedPartitions > 0 && completed == expectedPartitions {
		return outcomeCompleted
	}
	return outcomeRunning
}

func (m *Monitor) transitionPhase(ctx context.Context, jobID string, phase jobmgr.Phase) {
	_, err := m.jobs.ApplyTransition(ctx, jobID, func(job *jobmgr.Job) error {
		job.Status.Phase = phase
		return nil
	})
	if err != nil {
		logging.Log.WithField("job_id", jobID).WithError(err).Warn("scheduler monitor: failed to transition phase")
	}
}

func (m *Monitor) handleStopRequested(ctx context.Context, job *jobmgr.Job) {
	if err := m.scheduler.RemoveJobServices(ctx, job.JobID); err != nil {
		logging.Log.WithField("job_id", job.JobID).WithError(err).Warn("scheduler monitor: failed to remove services for stop")
		return
	}
	_, err := m.jobs.ApplyTransition(ctx, job.JobID, func(j *jobmgr.Job) error {
		if j.Status.Step == jobmgr.StepStopRequested {
			j.Status.Step = jobmgr.StepStopped
		}
		return nil
	})
	if err != nil {
		logging.Log.WithField("job_id", job.JobID).WithError(err).Warn("scheduler monitor: failed to mark job stopped")
	}
}

func (m *Monitor) handleRestartRequested(ctx context.Context, job *jobmgr.Job) {
	if err := m.scheduler.CreateJobServices(ctx, job); err != nil {
		logging.Log.WithField("job_id", job.JobID).WithError(err).Warn("scheduler monitor: failed to recreate services for restart")
		return
	}
	_, err := m.jobs.ApplyTransition(ctx, job.JobID, func(j *jobmgr.Job) error {
		if j.Status.Step == jobmgr.StepRestartRequested {
			j.Status = jobmgr.Status{Phase: jobmgr.PhaseAwaitingScheduling, Step: jobmgr.StepDefault}
		}
		return nil
	})
	if err != nil {
		logging.Log.WithField("job_id", job.JobID).WithError(err).Warn("scheduler monitor: failed to clear restart request")
	}
}

// handleUnrequestedFailure recreates a job's services after a task fails on
// its own (not via RequestStop), up to maxRestarts times. Once the budget is
// exhausted the job is marked FAILED and its services are torn down.
func (m *Monitor) handleUnrequestedFailure(ctx context.Context, job *jobmgr.Job) {
	_ = m.scheduler.RemoveJobServices(ctx, job.JobID)

	if job.RestartCount >= m.maxRestarts {
		m.transitionToFailed(ctx, job.JobID)
		return
	}

	updated, err := m.jobs.ApplyTransition(ctx, job.JobID, func(j *jobmgr.Job) error {
		j.RestartCount++
		j.Status = jobmgr.Status{Phase: jobmgr.PhaseAwaitingScheduling, Step: jobmgr.StepDefault}
		return nil
	})
	if err != nil {
		logging.Log.WithField("job_id", job.JobID).WithError(err).Warn("scheduler monitor: failed to record restart")
		return
	}

	if err := m.scheduler.CreateJobServices(ctx, updated); err != nil {
		logging.Log.WithField("job_id", job.JobID).WithError(err).Warn("scheduler monitor: failed to recreate services after failure")
		m.transitionToFailed(ctx, job.JobID)
	}
}

// transitionToFailed marks a job FAILED and releases its allocations and RSA
// key material in the same step, so a job that dies here never leaks
// reserved CPU/memory back into the pool.
func (m *Monitor) transitionToFailed(ctx context.Context, jobID string) {
	_, err := m.jobs.ApplyTransition(ctx, jobID, func(j *jobmgr.Job) error {
		j.Status = jobmgr.Status{Phase: jobmgr.PhaseFailed, Step: jobmgr.StepFailed}
		return nil
	})
	if err != nil {
		logging.Log.WithField("job_id", jobID).WithError(err).Warn("scheduler monitor: failed to mark job failed")
		return
	}
	if _, err := m.jobs.ReleaseAllocations(ctx, jobID); err != nil {
		logging.Log.WithField("job_id", jobID).WithError(err).Warn("scheduler monitor: failed to release allocations for failed job")
	}
}
