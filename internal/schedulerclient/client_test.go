package schedulerclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/schedulerclient"
)

func TestSendFailsToDialUnreachableURL(t *testing.T) {
	c := schedulerclient.New("ws://127.0.0.1:1/scheduler")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Send(ctx, schedulerclient.SchedulerRequest{Action: "JOB_STATUS", JobID: "job-1"})
	require.Error(t, err)
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	c := schedulerclient.New("ws://127.0.0.1:1/scheduler")
	require.NoError(t, c.Close())

	_, err := c.Send(context.Background(), schedulerclient.SchedulerRequest{Action: "JOB_STATUS"})
	assert.ErrorIs(t, err, schedulerclient.ErrClosed)
}

func TestRequestTimeoutIsBounded(t *testing.T) {
	assert.LessOrEqual(t, schedulerclient.RequestTimeout, time.Minute)
	assert.Greater(t, schedulerclient.RequestTimeout, time.Duration(0))
}
