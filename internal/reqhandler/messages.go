// Package reqhandler implements the Request Handler: a websocket server
// that authenticates clients, dispatches typed request messages to the
// Session/Job/Resource managers and the Scheduler, and streams job status
// updates back to each connected client. Grounded on
// JoshuaAFerguson-streamspace's notifier.go/websocket_enterprise.go for the
// hub/client shape, rewritten in this project's terser style.
package reqhandler

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names recognized by the dispatch table.
const (
	EventSessionInit = "SESSION_INIT"
	EventJobSubmit   = "NWM_MAAS_REQUEST"
	EventUpdate      = "UPDATE"
	EventJobControl  = "JOB_CONTROL"
	EventJobInfo     = "JOB_INFO"
	EventJobList     = "JOB_LIST"
)

// Job control actions carried in a JOB_CONTROL request.
const (
	ControlStop    = "STOP"
	ControlRelease = "RELEASE"
	ControlRestart = "RESTART"
)

// ErrUnrecognizedMessage is returned by ParseRequest when no registered
// request type successfully decodes the payload.
var ErrUnrecognizedMessage = errors.New("reqhandler: unrecognized message")

// Request is any inbound message the dispatcher can route by event name.
type Request interface {
	EventName() string
}

// SessionInitRequest authenticates a client and opens a session.
type SessionInitRequest struct {
	Event     string `json:"event"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	IPAddress string `json:"ip_address,omitempty"`
}

func (r SessionInitRequest) EventName() string { return EventSessionInit }

// JobSubmitRequest is the NWM_MAAS_REQUEST job submit payload. Model
// carries exactly one entry keyed by model name, per the wire shape.
type JobSubmitRequest struct {
	Event           string                             `json:"event"`
	Model           map[string]jobSubmitModelRequest    `json:"model"`
	SessionSecret   string                              `json:"session-secret"`
	RequestedCPUs   int                                 `json:"cpu_count,omitempty"`
	RequestedMemory int64                               `json:"memory_size,omitempty"`
	ConfigDataID    string                              `json:"config_data_id,omitempty"`
	Policy          string                              `json:"allocation_policy,omitempty"`
}

func (r JobSubmitRequest) EventName() string { return EventJobSubmit }

// jobSubmitModelRequest mirrors jobmgr.ModelRequest's wire shape without
// importing jobmgr's parameter validation into the parsing layer.
type jobSubmitModelRequest struct {
	Version    float64                    `json:"version"`
	Output     string                     `json:"output"`
	Parameters map[string]json.RawMessage `json:"parameters"`
}

// UpdateRequest mutates an active job's permitted fields, currently only
// status. The same shape doubles as the server's outbound push message.
type UpdateRequest struct {
	Event       string            `json:"event"`
	ObjectType  string            `json:"object_type"`
	ObjectID    string            `json:"object_id"`
	UpdatedData map[string]string `json:"updated_data"`
	Digest      string            `json:"digest,omitempty"`
}

func (r UpdateRequest) EventName() string { return EventUpdate }

// JobControlRequest issues STOP/RELEASE/RESTART against a job.
type JobControlRequest struct {
	Event         string `json:"event"`
	JobID         string `json:"job_id"`
	Action        string `json:"action"`
	SessionSecret string `json:"session-secret"`
}

func (r JobControlRequest) EventName() string { return EventJobControl }

// JobInfoRequest returns a job's full record or just its status.
type JobInfoRequest struct {
	Event         string `json:"event"`
	JobID         string `json:"job_id"`
	StatusOnly    bool   `json:"status_only,omitempty"`
	SessionSecret string `json:"session-secret"`
}

func (r JobInfoRequest) EventName() string { return EventJobInfo }

// JobListRequest returns all or only active job ids.
type JobListRequest struct {
	Event         string `json:"event"`
	ActiveOnly    bool   `json:"active_only,omitempty"`
	SessionSecret string `json:"session-secret"`
}

func (r JobListRequest) EventName() string { return EventJobList }

// Response is the wire shape every dispatch reply takes: success, reason,
// message, and data.
type Response struct {
	Success bool                   `json:"success"`
	Reason  string                 `json:"reason"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// InvalidMessageResponse is returned verbatim alongside the offending
// payload when no registered request type parses it.
type InvalidMessageResponse struct {
	Response
	OriginalPayload json.RawMessage `json:"original_payload"`
}

// UpdateMessage is the server's unsolicited job-update push.
type UpdateMessage struct {
	Event       string            `json:"event"`
	ObjectType  string            `json:"object_type"`
	ObjectID    string            `json:"object_id"`
	UpdatedData map[string]string `json:"updated_data"`
	Digest      string            `json:"digest"`
}

// UpdateAck is the client's reply to an UpdateMessage.
type UpdateAck struct {
	Digest      string `json:"digest"`
	ObjectFound bool   `json:"object_found"`
	Success     bool   `json:"success"`
}

// requestFactory decodes raw into a candidate Request and reports whether
// every field that request type requires to be considered a match was
// actually present, rather than merely whether json.Unmarshal succeeded
// (an all-fields-optional struct would otherwise "match" everything).
type requestFactory struct {
	event   string
	decode  func(raw []byte) (Request, bool, error)
}

// registeredRequests lists every request type in declared precedence. The
// event field value always takes priority, but a second request type
// sharing an event name earlier in this list would shadow a later one -
// only one type is defined per event today, so precedence matters only
// for malformed/ambiguous payloads.
var registeredRequests = []requestFactory{
	{EventSessionInit, func(raw []byte) (Request, bool, error) {
		var r SessionInitRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, false, err
		}
		return r, r.Event == EventSessionInit && r.Username != "", nil
	}},
	{EventJobSubmit, func(raw []byte) (Request, bool, error) {
		var r JobSubmitRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, false, err
		}
		return r, r.Event == EventJobSubmit && len(r.Model) > 0, nil
	}},
	{EventUpdate, func(raw []byte) (Request, bool, error) {
		var r UpdateRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, false, err
		}
		return r, r.Event == EventUpdate && r.ObjectID != "", nil
	}},
	{EventJobControl, func(raw []byte) (Request, bool, error) {
		var r JobControlRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, false, err
		}
		return r, r.Event == EventJobControl && r.JobID != "" && r.Action != "", nil
	}},
	{EventJobInfo, func(raw []byte) (Request, bool, error) {
		var r JobInfoRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, false, err
		}
		return r, r.Event == EventJobInfo && r.JobID != "", nil
	}},
	{EventJobList, func(raw []byte) (Request, bool, error) {
		var r JobListRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, false, err
		}
		return r, r.Event == EventJobList, nil
	}},
}

// ParseRequest attempts to deserialize raw as every registered request type
// in declared precedence, returning the first successful match.
func ParseRequest(raw []byte) (Request, error) {
	for _, f := range registeredRequests {
		req, ok, err := f.decode(raw)
		if err != nil || !ok {
			continue
		}
		return req, nil
	}
	return nil, fmt.Errorf("%w", ErrUnrecognizedMessage)
}
