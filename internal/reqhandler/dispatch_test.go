package reqhandler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/jobmgr"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore/kvstoretest"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/resourcemgr"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/sessionmgr"
)

type stubAuthenticator struct {
	ok  bool
	err error
}

func (s stubAuthenticator) Authenticate(ctx context.Context, username, password string) (bool, error) {
	return s.ok, s.err
}

func newTestServer(t *testing.T) (*Server, *jobmgr.Manager, *sessionmgr.Manager) {
	t.Helper()
	gw := kvstoretest.New()
	keys := kvstore.NewKeyNamer("test", ":")
	resources := resourcemgr.New(gw, keys)
	jobs := jobmgr.New(gw, keys, resources)
	sessions := sessionmgr.New(gw, keys)
	s := NewServer(sessions, jobs, nil, stubAuthenticator{ok: true})
	return s, jobs, sessions
}

func TestHandleJobInfoUnknownSecretIsUnauthorized(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	ctx := context.Background()
	job, err := jobs.Create(ctx, jobmgr.OriginatingRequest{Model: "nwm", RequestedCPUs: 1, SessionSecret: "s"})
	require.NoError(t, err)

	resp := s.handleJobInfo(ctx, JobInfoRequest{JobID: job.JobID, SessionSecret: "wrong"})
	assert.False(t, resp.Success)
	assert.Equal(t, "UNRECOGNIZED_SESSION_SECRET", resp.Reason)
}

func TestHandleJobInfoStatusOnly(t *testing.T) {
	s, jobs, sessions := newTestServer(t)
	ctx := context.Background()
	sess, err := sessions.Create(ctx, "127.0.0.1", "alice")
	require.NoError(t, err)
	job, err := jobs.Create(ctx, jobmgr.OriginatingRequest{Model: "nwm", RequestedCPUs: 1, SessionSecret: sess.SessionSecret})
	require.NoError(t, err)

	resp := s.handleJobInfo(ctx, JobInfoRequest{JobID: job.JobID, SessionSecret: sess.SessionSecret, StatusOnly: true})
	require.True(t, resp.Success)
	assert.Equal(t, "CREATED_DEFAULT", resp.Data["status"])
}

func TestHandleJobListActiveOnly(t *testing.T) {
	s, jobs, sessions := newTestServer(t)
	ctx := context.Background()
	sess, err := sessions.Create(ctx, "127.0.0.1", "alice")
	require.NoError(t, err)
	_, err = jobs.Create(ctx, jobmgr.OriginatingRequest{Model: "nwm", RequestedCPUs: 1, SessionSecret: sess.SessionSecret})
	require.NoError(t, err)

	resp := s.handleJobList(ctx, JobListRequest{ActiveOnly: true, SessionSecret: sess.SessionSecret})
	require.True(t, resp.Success)
	ids, ok := resp.Data["job_ids"].([]string)
	require.True(t, ok)
	assert.Len(t, ids, 1)
}

func TestHandleUpdateMutatesStatusOfActiveJob(t *testing.T) {
	s, jobs, sessions := newTestServer(t)
	ctx := context.Background()
	sess, err := sessions.Create(ctx, "127.0.0.1", "alice")
	require.NoError(t, err)
	job, err := jobs.Create(ctx, jobmgr.OriginatingRequest{Model: "nwm", RequestedCPUs: 1, SessionSecret: sess.SessionSecret})
	require.NoError(t, err)

	resp := s.handleUpdate(ctx, UpdateRequest{
		ObjectType:  "Job",
		ObjectID:    job.JobID,
		UpdatedData: map[string]string{"status": "AWAITING_SCHEDULING_DEFAULT"},
	})
	require.True(t, resp.Success)

	reloaded, err := jobs.Retrieve(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobmgr.PhaseAwaitingScheduling, reloaded.Status.Phase)
}

func TestHandleUpdateRejectsUnknownObjectType(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.handleUpdate(context.Background(), UpdateRequest{ObjectType: "Resource", ObjectID: "x"})
	assert.False(t, resp.Success)
	assert.Equal(t, "Invalid request", resp.Reason)
}

func TestHandleJobControlRestartRequiresStoppedStep(t *testing.T) {
	s, jobs, sessions := newTestServer(t)
	ctx := context.Background()
	sess, err := sessions.Create(ctx, "127.0.0.1", "alice")
	require.NoError(t, err)
	job, err := jobs.Create(ctx, jobmgr.OriginatingRequest{Model: "nwm", RequestedCPUs: 1, SessionSecret: sess.SessionSecret})
	require.NoError(t, err)

	resp := s.handleJobControl(ctx, JobControlRequest{JobID: job.JobID, Action: ControlRestart, SessionSecret: sess.SessionSecret})
	assert.False(t, resp.Success)
	assert.Equal(t, "not_stopped", resp.Reason)
}

func TestHandleJobControlUnknownAction(t *testing.T) {
	s, jobs, sessions := newTestServer(t)
	ctx := context.Background()
	sess, err := sessions.Create(ctx, "127.0.0.1", "alice")
	require.NoError(t, err)
	job, err := jobs.Create(ctx, jobmgr.OriginatingRequest{Model: "nwm", RequestedCPUs: 1, SessionSecret: sess.SessionSecret})
	require.NoError(t, err)

	resp := s.handleJobControl(ctx, JobControlRequest{JobID: job.JobID, Action: "BOGUS", SessionSecret: sess.SessionSecret})
	assert.False(t, resp.Success)
	assert.Equal(t, "Invalid request", resp.Reason)
}

func TestHandleJobSubmitRejectsInvalidRequest(t *testing.T) {
	s, _, sessions := newTestServer(t)
	ctx := context.Background()
	sess, err := sessions.Create(ctx, "127.0.0.1", "alice")
	require.NoError(t, err)

	resp := s.handleJobSubmit(ctx, nil, JobSubmitRequest{
		SessionSecret: sess.SessionSecret,
		Model:         map[string]jobSubmitModelRequest{"nwm": {}},
		RequestedCPUs: 0,
	})
	assert.False(t, resp.Success)
	assert.Equal(t, "Invalid request", resp.Reason)
}

func TestHandleJobSubmitRejectsUnknownSecret(t *testing.T) {
	s, _, _ := newTestServer(t)
	resp := s.handleJobSubmit(context.Background(), nil, JobSubmitRequest{
		SessionSecret: "nope",
		Model:         map[string]jobSubmitModelRequest{"nwm": {}},
	})
	assert.False(t, resp.Success)
	assert.Equal(t, "UNRECOGNIZED_SESSION_SECRET", resp.Reason)
}

func TestPollIntervalBacksOffToSteadyState(t *testing.T) {
	assert.Equal(t, pollIntervals[0], pollInterval(0))
	assert.Equal(t, steadyStatePollInterval, pollInterval(len(pollIntervals)+5))
}

func TestParseUpdateAckRecognizesAckNotEvent(t *testing.T) {
	ack, ok := parseUpdateAck([]byte(`{"digest":"abc","object_found":true,"success":true}`))
	require.True(t, ok)
	assert.Equal(t, "abc", ack.Digest)

	_, ok = parseUpdateAck([]byte(`{"event":"JOB_LIST"}`))
	assert.False(t, ok)
}
