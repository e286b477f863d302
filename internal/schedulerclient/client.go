// Package schedulerclient implements the Scheduler Client: an in-process
// RPC client the Request Handler uses to talk to the Scheduler over a
// websocket when the two run as separate processes. The client sends no
// credentials when dialing.
// Grounded on gorilla/websocket's client-dial usage elsewhere in this
// module (internal/reqhandler's server side), using a single reusable
// connection guarded by an open-connection flag.
package schedulerclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send/Stream once the client has been closed.
var ErrClosed = errors.New("schedulerclient: client closed")

// ErrBusy is returned when a caller waits past RequestTimeout for the
// single shared connection to free up.
var ErrBusy = errors.New("schedulerclient: timed out waiting for connection")

// RequestTimeout bounds how long a caller will wait to acquire the shared
// connection before giving up; concurrent callers wait (bounded) rather
// than opening parallel connections.
const RequestTimeout = 30 * time.Second

// SchedulerRequest is one RPC call's outbound payload.
type SchedulerRequest struct {
	Action string                 `json:"action"`
	JobID  string                 `json:"job_id,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// SchedulerResponse is the Scheduler's reply to a SchedulerRequest.
type SchedulerResponse struct {
	Success bool                   `json:"success"`
	Reason  string                 `json:"reason"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Client is a single reusable websocket RPC connection to the Scheduler.
// Concurrent callers serialize on inUse: only one request is in flight on
// the connection at a time, matching the Scheduler's single-threaded
// event-loop model.
type Client struct {
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	inUse  chan struct{}
	closed bool
}

// New constructs a Scheduler Client dialing url lazily on first use.
func New(url string) *Client {
	return &Client{url: url, inUse: make(chan struct{}, 1)}
}

// acquire blocks (bounded by RequestTimeout) until the shared connection is
// free, dialing it if this is the first use or the prior connection died.
func (c *Client) acquire(ctx context.Context) (*websocket.Conn, error) {
	select {
	case c.inUse <- struct{}{}:
	case <-time.After(RequestTimeout):
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		<-c.inUse
		return nil, ErrClosed
	}
	if c.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			<-c.inUse
			return nil, fmt.Errorf("schedulerclient: dialing %s: %w", c.url, err)
		}
		c.conn = conn
	}
	return c.conn, nil
}

func (c *Client) release() {
	<-c.inUse
}

// dropConnection discards a connection that failed mid-request so the next
// caller redials instead of reusing a broken socket.
func (c *Client) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Send performs one request/response round trip over the shared connection.
func (c *Client) Send(ctx context.Context, req SchedulerRequest) (SchedulerResponse, error) {
	conn, err := c.acquire(ctx)
	if err != nil {
		return SchedulerResponse{}, err
	}
	defer c.release()

	if err := conn.WriteJSON(req); err != nil {
		c.dropConnection()
		return SchedulerResponse{}, fmt.Errorf("schedulerclient: sending request: %w", err)
	}

	var resp SchedulerResponse
	if err := conn.ReadJSON(&resp); err != nil {
		c.dropConnection()
		return SchedulerResponse{}, fmt.Errorf("schedulerclient: reading response: %w", err)
	}
	return resp, nil
}

// Stream performs one request whose response arrives as a sequence of
// frames terminated by a frame with Data["done"] == true, invoking fn for
// each progressive result.
func (c *Client) Stream(ctx context.Context, req SchedulerRequest, fn func(SchedulerResponse) error) error {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer c.release()

	if err := conn.WriteJSON(req); err != nil {
		c.dropConnection()
		return fmt.Errorf("schedulerclient: sending request: %w", err)
	}

	for {
		var resp SchedulerResponse
		if err := conn.ReadJSON(&resp); err != nil {
			c.dropConnection()
			return fmt.Errorf("schedulerclient: reading stream frame: %w", err)
		}
		if err := fn(resp); err != nil {
			return err
		}
		if done, _ := resp.Data["done"].(bool); done {
			return nil
		}
	}
}

// Close shuts down the underlying connection; subsequent calls fail with
// ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
