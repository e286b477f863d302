package reqhandler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/reqhandler"
)

func TestParseRequestSessionInit(t *testing.T) {
	raw := []byte(`{"event":"SESSION_INIT","username":"alice","password":"hunter2"}`)
	req, err := reqhandler.ParseRequest(raw)
	require.NoError(t, err)
	si, ok := req.(reqhandler.SessionInitRequest)
	require.True(t, ok)
	assert.Equal(t, "alice", si.Username)
}

func TestParseRequestJobSubmit(t *testing.T) {
	raw := []byte(`{"event":"NWM_MAAS_REQUEST","model":{"nwm":{"version":2.1,"output":"streamflow",
		"parameters":{"x":{"scalar":1}}}},"session-secret":"abc123","cpu_count":4,"memory_size":500000000}`)
	req, err := reqhandler.ParseRequest(raw)
	require.NoError(t, err)
	submit, ok := req.(reqhandler.JobSubmitRequest)
	require.True(t, ok)
	assert.Equal(t, "abc123", submit.SessionSecret)
	assert.Contains(t, submit.Model, "nwm")
}

func TestParseRequestJobControl(t *testing.T) {
	raw := []byte(`{"event":"JOB_CONTROL","job_id":"job-1","action":"STOP","session-secret":"abc"}`)
	req, err := reqhandler.ParseRequest(raw)
	require.NoError(t, err)
	jc, ok := req.(reqhandler.JobControlRequest)
	require.True(t, ok)
	assert.Equal(t, reqhandler.ControlStop, jc.Action)
}

func TestParseRequestJobInfo(t *testing.T) {
	raw := []byte(`{"event":"JOB_INFO","job_id":"job-1","status_only":true,"session-secret":"abc"}`)
	req, err := reqhandler.ParseRequest(raw)
	require.NoError(t, err)
	ji, ok := req.(reqhandler.JobInfoRequest)
	require.True(t, ok)
	assert.True(t, ji.StatusOnly)
}

func TestParseRequestJobList(t *testing.T) {
	raw := []byte(`{"event":"JOB_LIST","active_only":true,"session-secret":"abc"}`)
	req, err := reqhandler.ParseRequest(raw)
	require.NoError(t, err)
	_, ok := req.(reqhandler.JobListRequest)
	require.True(t, ok)
}

func TestParseRequestUpdate(t *testing.T) {
	raw := []byte(`{"event":"UPDATE","object_type":"Job","object_id":"job-1","updated_data":{"status":"RUNNING_DEFAULT"},"digest":"abc"}`)
	req, err := reqhandler.ParseRequest(raw)
	require.NoError(t, err)
	upd, ok := req.(reqhandler.UpdateRequest)
	require.True(t, ok)
	assert.Equal(t, "RUNNING_DEFAULT", upd.UpdatedData["status"])
}

func TestParseRequestUnrecognized(t *testing.T) {
	raw := []byte(`{"event":"BOGUS","foo":"bar"}`)
	_, err := reqhandler.ParseRequest(raw)
	require.ErrorIs(t, err, reqhandler.ErrUnrecognizedMessage)
}

func TestParseRequestMissingRequiredFields(t *testing.T) {
	// A JOB_CONTROL event missing action/job_id should not match even
	// though the event name matches, since precedence requires the
	// required fields to actually be present.
	raw := []byte(`{"event":"JOB_CONTROL"}`)
	_, err := reqhandler.ParseRequest(raw)
	require.ErrorIs(t, err, reqhandler.ErrUnrecognizedMessage)
}
