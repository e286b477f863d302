package reqhandler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/config"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/jobmgr"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/metrics"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/scheduler"
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/sessionmgr"
)

// Authenticator is the external auth oracle SESSION_INIT defers to. Kept
// as an injected interface rather than a concrete implementation since
// credential verification is an external system's concern, not the
// coordinator's.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
}

// StopTimeout bounds how long a JOB_CONTROL STOP waits for the job to
// reach STOPPED before the handler gives up and reports a timeout.
const StopTimeout = 60 * time.Second

// pollIntervals is the adaptive backoff schedule for a job's per-client
// update stream: fast at first, settling to a steady state.
var pollIntervals = []time.Duration{
	250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond,
	time.Second, time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 30 * time.Second,
}

const steadyStatePollInterval = 60 * time.Second

// Server holds the component managers the Request Handler dispatches
// against and accepts websocket connections: Request Handler -> Job
// Manager -> Resource Manager -> Scheduler.
type Server struct {
	hub       *Hub
	sessions  *sessionmgr.Manager
	jobs      *jobmgr.Manager
	scheduler *scheduler.Scheduler
	auth      Authenticator

	nextClientID uint64
}

// NewServer constructs a Request Handler server.
func NewServer(sessions *sessionmgr.Manager, jobs *jobmgr.Manager, sched *scheduler.Scheduler, auth Authenticator) *Server {
	return &Server{
		hub:       NewHub(),
		sessions:  sessions,
		jobs:      jobs,
		scheduler: sched,
		auth:      auth,
	}
}

// Shutdown closes every connected client.
func (s *Server) Shutdown() { s.hub.Shutdown() }

// HandleWebSocket upgrades the request and runs the client's read/write
// pumps until it disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).Warn("reqhandler: upgrade failed")
		return
	}
	id := fmt.Sprintf("client-%d", atomic.AddUint64(&s.nextClientID, 1))
	client := &Client{
		ID:     id,
		Conn:   conn,
		Send:   make(chan []byte, sendBufferSize),
		hub:    s.hub,
		server: s,
	}
	s.hub.add(client)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	go client.writePump()
	client.readPump()
}

// handleMessage parses one inbound frame and dispatches it, writing the
// response (or an invalid-message response) back to the client.
func (s *Server) handleMessage(c *Client, raw []byte) {
	if ack, ok := parseUpdateAck(raw); ok {
		s.HandleUpdateAck(c, ack)
		return
	}

	req, err := ParseRequest(raw)
	if err != nil {
		c.enqueue(mustMarshal(InvalidMessageResponse{
			Response:        Response{Success: false, Reason: "invalid_message", Message: "unrecognized message"},
			OriginalPayload: json.RawMessage(raw),
		}))
		return
	}

	ctx := context.Background()
	var resp Response
	switch v := req.(type) {
	case SessionInitRequest:
		resp = s.handleSessionInit(ctx, c, v)
	case JobSubmitRequest:
		resp = s.handleJobSubmit(ctx, c, v)
	case UpdateRequest:
		resp = s.handleUpdate(ctx, v)
	case JobControlRequest:
		resp = s.handleJobControl(ctx, v)
	case JobInfoRequest:
		resp = s.handleJobInfo(ctx, v)
	case JobListRequest:
		resp = s.handleJobList(ctx, v)
	default:
		resp = Response{Success: false, Reason: "invalid_message", Message: "unhandled event"}
	}
	metrics.RecordWebsocketMessage(req.EventName(), resp.Success)
	c.enqueue(mustMarshal(resp))
}

func (s *Server) handleSessionInit(ctx context.Context, c *Client, req SessionInitRequest) Response {
	ok, err := s.auth.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return Response{Success: false, Reason: "SESSION_MANAGER_FAIL", Message: err.Error()}
	}
	if !ok {
		return Response{Success: false, Reason: "Unauthorized", Message: "invalid credentials"}
	}

	sess, err := s.sessions.Create(ctx, req.IPAddress, req.Username)
	if err != nil {
		return Response{Success: false, Reason: "SESSION_MANAGER_FAIL", Message: err.Error()}
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	return Response{
		Success: true,
		Reason:  "ACCEPTED",
		Message: "session created",
		Data: map[string]interface{}{
			"session_id":     sess.SessionID,
			"session_secret": sess.SessionSecret,
		},
	}
}

func (s *Server) handleJobSubmit(ctx context.Context, c *Client, req JobSubmitRequest) Response {
	if _, err := s.sessions.LookupBySecret(ctx, req.SessionSecret); err != nil {
		return Response{Success: false, Reason: "UNRECOGNIZED_SESSION_SECRET", Message: "unknown session secret"}
	}

	if len(req.Model) != 1 {
		return Response{Success: false, Reason: "Invalid request", Message: "exactly one model must be named"}
	}
	var modelName string
	var model jobSubmitModelRequest
	for name, m := range req.Model {
		modelName, model = name, m
	}

	params := make(map[string]jobmgr.ModelParameter, len(model.Parameters))
	for name, raw := range model.Parameters {
		var p jobmgr.ModelParameter
		if err := json.Unmarshal(raw, &p); err != nil {
			return Response{Success: false, Reason: "Invalid request", Message: fmt.Sprintf("parameter %q: %s", name, err)}
		}
		params[name] = p
	}

	originating := jobmgr.OriginatingRequest{
		Model: modelName,
		ModelConfig: jobmgr.ModelRequest{
			Version:    model.Version,
			Output:     model.Output,
			Parameters: params,
		},
		RequestedCPUs:   req.RequestedCPUs,
		RequestedMemory: req.RequestedMemory,
		ConfigDataID:    req.ConfigDataID,
		SessionSecret:   req.SessionSecret,
		Policy:          req.Policy,
	}
	if sess, err := s.sessions.LookupBySecret(ctx, req.SessionSecret); err == nil {
		originating.UserID = sess.User
	}

	if problems := originating.Validate(); len(problems) > 0 {
		return Response{Success: false, Reason: "Invalid request", Message: strings.Join(problems, "; ")}
	}

	job, err := s.jobs.Create(ctx, originating)
	if err != nil {
		return Response{Success: false, Reason: "SESSION_MANAGER_FAIL", Message: err.Error()}
	}

	job, outcome, err := s.jobs.AcquireAllocations(ctx, job.JobID)
	if err != nil {
		return Response{Success: false, Reason: "REJECTED", Message: err.Error()}
	}
	if !outcome.Success {
		return Response{Success: false, Reason: "REJECTED", Message: outcome.Message, Data: map[string]interface{}{"job_id": job.JobID}}
	}

	key, err := jobmgr.GenerateRSAKeyPair(job.JobID, config.RSAKeyDir)
	if err == nil {
		job.RSAKeyPair = key
		_ = s.jobs.Save(ctx, job)
	}

	if err := s.scheduler.CreateJobServices(ctx, job); err != nil {
		if _, terr := s.jobs.ApplyTransition(ctx, job.JobID, func(j *jobmgr.Job) error {
			j.Status = jobmgr.Status{Phase: jobmgr.PhaseFailed, Step: jobmgr.StepFailed}
			return nil
		}); terr != nil {
			logging.Log.WithField("job_id", job.JobID).WithError(terr).Warn("reqhandler: failed to mark job failed after scheduler rejection")
		}
		if _, rerr := s.jobs.ReleaseAllocations(ctx, job.JobID); rerr != nil {
			logging.Log.WithField("job_id", job.JobID).WithError(rerr).Warn("reqhandler: failed to release allocations after scheduler rejection")
		}
		return Response{
			Success: false,
			Reason:  "REJECTED",
			Message: err.Error(),
			Data: map[string]interface{}{
				"job_id": "-1",
				"scheduler_response": map[string]interface{}{
					"success": false,
					"reason":  "REJECTED",
					"message": err.Error(),
				},
			},
		}
	}

	s.startUpdateStream(c, job.JobID)
	metrics.RecordJobSubmission(modelName)

	return Response{
		Success: true,
		Reason:  "ACCEPTED",
		Message: "job accepted",
		Data:    map[string]interface{}{"job_id": job.JobID},
	}
}

func (s *Server) handleUpdate(ctx context.Context, req UpdateRequest) Response {
	if req.ObjectType != "Job" {
		return Response{Success: false, Reason: "Invalid request", Message: "unsupported object_type"}
	}
	statusStr, ok := req.UpdatedData["status"]
	if !ok {
		return Response{Success: false, Reason: "Invalid request", Message: "only the status field may be updated"}
	}
	newStatus, ok := parseStatus(statusStr)
	if !ok {
		return Response{Success: false, Reason: "Invalid request", Message: "status must be a recognized PHASE_STEP combination"}
	}

	_, err := s.jobs.ApplyTransition(ctx, req.ObjectID, func(job *jobmgr.Job) error {
		if !job.Status.Phase.IsActive() {
			return fmt.Errorf("job is not active")
		}
		job.Status = newStatus
		return nil
	})
	if err != nil {
		return Response{Success: false, Reason: "Invalid request", Message: err.Error()}
	}
	return Response{Success: true, Reason: "ACCEPTED", Message: "status updated"}
}

var allPhases = []jobmgr.Phase{
	jobmgr.PhaseCreated, jobmgr.PhaseAwaitingAllocation, jobmgr.PhaseAwaitingScheduling,
	jobmgr.PhaseAwaitingData, jobmgr.PhaseRunning, jobmgr.PhaseCompleted,
	jobmgr.PhaseClosed, jobmgr.PhaseFailed,
}

var allSteps = []jobmgr.Step{
	jobmgr.StepDefault, jobmgr.StepStopRequested, jobmgr.StepStopped,
	jobmgr.StepRestartRequested, jobmgr.StepFailed,
}

// parseStatus recovers a Status from its "PHASE_STEP" rendering by matching
// against the known enum values rather than splitting on "_", since both
// AWAITING_SCHEDULING/AWAITING_ALLOCATION and STOP_REQUESTED/
// RESTART_REQUESTED contain underscores themselves.
func parseStatus(s string) (jobmgr.Status, bool) {
	for _, phase := range allPhases {
		prefix := string(phase) + "_"
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		stepStr := strings.TrimPrefix(s, prefix)
		for _, step := range allSteps {
			if string(step) == stepStr {
				return jobmgr.Status{Phase: phase, Step: step}, true
			}
		}
	}
	return jobmgr.Status{}, false
}

func (s *Server) handleJobControl(ctx context.Context, req JobControlRequest) Response {
	if _, err := s.sessions.LookupBySecret(ctx, req.SessionSecret); err != nil {
		return Response{Success: false, Reason: "UNRECOGNIZED_SESSION_SECRET", Message: "unknown session secret"}
	}

	switch req.Action {
	case ControlStop:
		outcome, err := s.jobs.RequestStop(ctx, req.JobID)
		if err != nil {
			return Response{Success: false, Reason: "SESSION_MANAGER_FAIL", Message: err.Error()}
		}
		if !outcome.Success {
			return Response{Success: false, Reason: outcome.Reason, Message: outcome.Message}
		}
		return s.awaitStopped(ctx, req.JobID)
	case ControlRestart:
		outcome, err := s.jobs.RequestRestart(ctx, req.JobID)
		if err != nil {
			return Response{Success: false, Reason: "SESSION_MANAGER_FAIL", Message: err.Error()}
		}
		return Response{Success: outcome.Success, Reason: outcome.Reason, Message: outcome.Message}
	case ControlRelease:
		outcome, err := s.jobs.ReleaseAllocations(ctx, req.JobID)
		if err != nil {
			return Response{Success: false, Reason: "SESSION_MANAGER_FAIL", Message: err.Error()}
		}
		return Response{Success: outcome.Success, Reason: outcome.Reason, Message: outcome.Message}
	default:
		return Response{Success: false, Reason: "Invalid request", Message: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

// awaitStopped polls until the job reaches STOPPED or StopTimeout elapses,
// returning a timeout response if the job never gets there.
func (s *Server) awaitStopped(ctx context.Context, jobID string) Response {
	deadline := time.Now().Add(StopTimeout)
	for {
		job, err := s.jobs.Retrieve(ctx, jobID)
		if err != nil {
			return Response{Success: false, Reason: "SESSION_MANAGER_FAIL", Message: err.Error()}
		}
		if job.Status.Step == jobmgr.StepStopped {
			return Response{Success: true, Reason: "STOPPED", Message: "job stopped"}
		}
		if time.Now().After(deadline) {
			return Response{Success: false, Reason: "timeout", Message: "timed out waiting for job to stop"}
		}
		select {
		case <-ctx.Done():
			return Response{Success: false, Reason: "timeout", Message: ctx.Err().Error()}
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) handleJobInfo(ctx context.Context, req JobInfoRequest) Response {
	if _, err := s.sessions.LookupBySecret(ctx, req.SessionSecret); err != nil {
		return Response{Success: false, Reason: "UNRECOGNIZED_SESSION_SECRET", Message: "unknown session secret"}
	}
	job, err := s.jobs.Retrieve(ctx, req.JobID)
	if err != nil {
		return Response{Success: false, Reason: "NOT_FOUND", Message: err.Error()}
	}
	if req.StatusOnly {
		return Response{Success: true, Reason: "OK", Data: map[string]interface{}{"status": job.Status.String()}}
	}
	return Response{Success: true, Reason: "OK", Data: map[string]interface{}{"job": job}}
}

func (s *Server) handleJobList(ctx context.Context, req JobListRequest) Response {
	if _, err := s.sessions.LookupBySecret(ctx, req.SessionSecret); err != nil {
		return Response{Success: false, Reason: "UNRECOGNIZED_SESSION_SECRET", Message: "unknown session secret"}
	}
	ids, err := s.jobs.GetIDs(ctx, req.ActiveOnly)
	if err != nil {
		return Response{Success: false, Reason: "SESSION_MANAGER_FAIL", Message: err.Error()}
	}
	return Response{Success: true, Reason: "OK", Data: map[string]interface{}{"job_ids": ids}}
}

// startUpdateStream launches the bounded per-client polling task a
// successful job submit spawns. It re-reads the job on an adaptive
// interval and sends an UPDATE message for any observed status change. It
// does not wait for the client's ack before the next poll. The stream ends
// when the job leaves the active set or the client disconnects.
func (s *Server) startUpdateStream(c *Client, jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stopPoll = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		var lastStatus string
		iteration := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval(iteration)):
			}
			iteration++

			job, err := s.jobs.Retrieve(ctx, jobID)
			if err != nil {
				return
			}
			if !job.Status.Phase.IsActive() && lastStatus != "" {
				s.sendUpdate(c, jobID, job.Status.String())
				return
			}
			status := job.Status.String()
			if status == lastStatus {
				continue
			}
			lastStatus = status
			s.sendUpdate(c, jobID, status)
		}
	}()
}

func pollInterval(iteration int) time.Duration {
	if iteration < len(pollIntervals) {
		return pollIntervals[iteration]
	}
	return steadyStatePollInterval
}

func (s *Server) sendUpdate(c *Client, jobID, status string) {
	digest := updateDigest(jobID, status)
	msg := UpdateMessage{
		Event:       EventUpdate,
		ObjectType:  "Job",
		ObjectID:    jobID,
		UpdatedData: map[string]string{"status": status},
		Digest:      digest,
	}
	c.enqueue(mustMarshal(msg))
	// This does not block waiting for the client's ack; the ack is handled
	// separately by HandleUpdateAck and never aborts the stream.
}

func updateDigest(jobID, status string) string {
	sum := sha256.Sum256([]byte(jobID + "|" + status))
	return hex.EncodeToString(sum[:8])
}

// HandleUpdateAck records a client's acknowledgement of an UPDATE message.
// An ack reporting failure is logged as a warning. The ack's digest is not
// compared with the digest of the UPDATE it answers.
func (s *Server) HandleUpdateAck(c *Client, ack UpdateAck) {
	if !ack.Success {
		logging.Log.WithField("client_id", c.ID).WithField("digest", ack.Digest).
			Warn("reqhandler: client reported failed update ack")
	}
}

// parseUpdateAck recognizes the client's UPDATE acknowledgement, which
// carries no event field and so never matches a registered request type.
// Its shape is { digest, object_found, success }.
func parseUpdateAck(raw []byte) (UpdateAck, bool) {
	var probe struct {
		Event  *string `json:"event"`
		Digest *string `json:"digest"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return UpdateAck{}, false
	}
	if probe.Event != nil || probe.Digest == nil {
		return UpdateAck{}, false
	}
	var ack UpdateAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return UpdateAck{}, false
	}
	return ack, true
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Log.WithError(err).Error("reqhandler: failed to marshal outbound message")
		return []byte(`{"success":false,"reason":"internal_error","message":"failed to encode response"}`)
	}
	return data
}
