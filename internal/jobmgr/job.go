// Package jobmgr implements the Job Manager: job persistence, the job
// state machine, and coordination with the Resource Manager to acquire
// and release allocations. Grounded on original_source's
// job.py/job_manager.py for the state shape and on RedisManager.py's
// watch/multi/exec style for the persistence layer.
package jobmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/resourcemgr"
)

// ErrNotFound is returned when no job exists for the given id.
var ErrNotFound = errors.New("jobmgr: job not found")

// ErrStaleJob is returned by Save when the persisted job changed since the
// caller's last Retrieve.
var ErrStaleJob = errors.New("jobmgr: job changed since last retrieve")

// ErrTooManyConflicts is returned by ApplyTransition when every retry
// attempt lost the race against a concurrent saver.
var ErrTooManyConflicts = errors.New("jobmgr: too many concurrent save conflicts")

// MaxApplyRetries bounds ApplyTransition's retrieve-mutate-save loop.
const MaxApplyRetries = 10

// Job is one end-to-end model execution request.
type Job struct {
	JobID              string                    `json:"job_id"`
	OriginatingRequest OriginatingRequest        `json:"originating_request"`
	Status             Status                    `json:"status"`
	Allocations        []resourcemgr.Allocation  `json:"allocations,omitempty"`
	RSAKeyPair         *RSAKeyPair               `json:"rsa_key_pair,omitempty"`
	Created            time.Time                 `json:"created"`
	LastUpdated        time.Time                 `json:"last_updated"`

	// RestartCount tracks how many times the Scheduler has recreated this
	// job's services after an unrequested task failure, bounded by
	// REACTORCIDE_MAX_TASK_RESTARTS (see DESIGN.md's restart-budget note).
	RestartCount int `json:"restart_count"`

	// Revision is the optimistic-concurrency version; it is not part of
	// the wire-persisted field set and rides alongside the job hash to
	// implement the watched compare-and-swap Save requires.
	Revision int64 `json:"-"`
}

// Outcome is the (success, reason, message) triple the
// request_stop/release_allocations/request_restart operations return.
type Outcome struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Manager is the Job Manager. One instance per process, composed with the
// Resource Manager it coordinates allocation with.
type Manager struct {
	gw        kvstore.Gateway
	keys      *kvstore.KeyNamer
	resources *resourcemgr.Manager
}

// New constructs a Job Manager over gw, coordinating allocation through
// resources.
func New(gw kvstore.Gateway, keys *kvstore.KeyNamer, resources *resourcemgr.Manager) *Manager {
	return &Manager{gw: gw, keys: keys, resources: resources}
}

func (m *Manager) jobsSetKey() string { return m.keys.Key("all_jobs") }

// Create persists a new Job in phase CREATED.
func (m *Manager) Create(ctx context.Context, req OriginatingRequest) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		JobID:              uuid.NewString(),
		OriginatingRequest: req,
		Status:             Status{Phase: PhaseCreated, Step: StepDefault},
		Created:            now,
		LastUpdated:        now,
	}
	if err := m.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("jobmgr: creating job: %w", err)
	}
	return job, nil
}

// Retrieve loads a job by id.
func (m *Manager) Retrieve(ctx context.Context, jobID string) (*Job, error) {
	hash, err := m.gw.HGetAll(ctx, m.keys.JobKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("jobmgr: reading job %s: %w", jobID, err)
	}
	if len(hash) == 0 {
		return nil, ErrNotFound
	}
	return jobFromHash(hash)
}

// DoesExist reports whether jobID names a persisted job.
func (m *Manager) DoesExist(ctx context.Context, jobID string) (bool, error) {
	_, ok, err := m.gw.HGet(ctx, m.keys.JobKey(jobID), "json")
	if err != nil {
		return false, fmt.Errorf("jobmgr: checking job %s: %w", jobID, err)
	}
	return ok, nil
}

// Save is serializable with respect to other Saves for the same job_id via
// a watched pipeline: it fails with ErrStaleJob if job.Revision does not
// match the persisted revision, i.e. if another Save landed since this
// caller's last Retrieve. On success it publishes an update to the job's
// pub/sub channel iff Status changed, and maintains the all-jobs and
// running-jobs set membership.
func (m *Manager) Save(ctx context.Context, job *Job) error {
	jobKey := m.keys.JobKey(job.JobID)
	now := time.Now().UTC()
	if job.LastUpdated.After(now) {
		now = job.LastUpdated
	}

	err := m.gw.RunAtomic(ctx, []string{jobKey}, func(ctx context.Context, r kvstore.Reader, w *kvstore.Writer) error {
		hash, err := r.HGetAll(ctx, jobKey)
		if err != nil {
			return err
		}
		var currentRevision int64
		var statusChanged = true
		if len(hash) > 0 {
			currentRevision = kvstore.ParseInt64(hash["revision"])
			if currentRevision != job.Revision {
				return ErrStaleJob
			}
			if prev, perr := jobFromHash(hash); perr == nil {
				statusChanged = prev.Status != job.Status
			}
		}

		job.LastUpdated = now
		nextRevision := currentRevision + 1

		data, merr := json.Marshal(job)
		if merr != nil {
			return fmt.Errorf("jobmgr: marshaling job %s: %w", job.JobID, merr)
		}

		w.HSet(jobKey, map[string]string{
			"json":     string(data),
			"revision": strconv.FormatInt(nextRevision, 10),
		})
		w.SAdd(m.jobsSetKey(), job.JobID)
		if job.Status.Phase.IsActive() {
			w.SAdd(m.keys.RunningSetKey("job"), job.JobID)
		} else {
			w.SRem(m.keys.RunningSetKey("job"), job.JobID)
		}
		if statusChanged {
			w.Publish(m.keys.CommunicationChannel(job.JobID), job.Status.String())
		}

		job.Revision = nextRevision
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

// ApplyTransition retrieves the current job, applies fn (the caller's
// intent), and saves, retrying the whole retrieve-mutate-save cycle when a
// concurrent Save wins the race - re-applying the caller's intent only if
// it's still valid. fn should validate the freshly-retrieved state itself
// (e.g. check Status.Phase) since the state may have moved on between the
// caller's original decision and this retry.
func (m *Manager) ApplyTransition(ctx context.Context, jobID string, fn func(job *Job) error) (*Job, error) {
	for attempt := 0; attempt < MaxApplyRetries; attempt++ {
		job, err := m.Retrieve(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return nil, err
		}
		if err := m.Save(ctx, job); err != nil {
			if errors.Is(err, ErrStaleJob) {
				continue
			}
			return nil, err
		}
		return job, nil
	}
	return nil, ErrTooManyConflicts
}

// Delete removes a job record entirely (not part of the normal lifecycle;
// used for administrative cleanup after CLOSED).
func (m *Manager) Delete(ctx context.Context, jobID string) (bool, error) {
	exists, err := m.DoesExist(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	jobKey := m.keys.JobKey(jobID)
	err = m.gw.RunAtomic(ctx, []string{jobKey}, func(ctx context.Context, r kvstore.Reader, w *kvstore.Writer) error {
		w.Del(jobKey)
		w.SRem(m.jobsSetKey(), jobID)
		w.SRem(m.keys.RunningSetKey("job"), jobID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("jobmgr: deleting job %s: %w", jobID, err)
	}
	return true, nil
}

// GetIDs lists job ids, restricted to the active set when onlyActive is true.
func (m *Manager) GetIDs(ctx context.Context, onlyActive bool) ([]string, error) {
	key := m.jobsSetKey()
	if onlyActive {
		key = m.keys.RunningSetKey("job")
	}
	ids, err := m.gw.SMembers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("jobmgr: listing job ids: %w", err)
	}
	return ids, nil
}

func jobFromHash(hash map[string]string) (*Job, error) {
	raw, ok := hash["json"]
	if !ok {
		return nil, ErrNotFound
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("jobmgr: corrupt job record: %w", err)
	}
	job.Revision = kvstore.ParseInt64(hash["revision"])
	return &job, nil
}
