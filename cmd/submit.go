package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

// SubmitCommand submits a model run to a remote coordinator's Request
// Handler over the same websocket protocol the server speaks
// (SESSION_INIT, then NWM_MAAS_REQUEST, then an UPDATE stream).
var SubmitCommand = &cli.Command{
	Name:      "submit",
	Usage:     "Submit a model run to a remote Reactorcide coordinator",
	ArgsUsage: "<job-file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "ws-url",
			Aliases: []string{"u"},
			Usage:   "Coordinator websocket URL (e.g., ws://localhost:6080/ws)",
			EnvVars: []string{"REACTORCIDE_WS_URL"},
		},
		&cli.StringFlag{
			Name:    "username",
			EnvVars: []string{"REACTORCIDE_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "password",
			EnvVars: []string{"REACTORCIDE_PASSWORD"},
		},
		&cli.BoolFlag{
			Name:    "wait",
			Aliases: []string{"w"},
			Usage:   "Wait for the job to reach a terminal status before exiting",
		},
	},
	Action: submitAction,
}

type wireEnvelope struct {
	Event string `json:"event"`
}

type sessionInitResponse struct {
	Success bool                   `json:"success"`
	Reason  string                 `json:"reason"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

type updateFrame struct {
	Event       string            `json:"event"`
	ObjectType  string            `json:"object_type"`
	ObjectID    string            `json:"object_id"`
	UpdatedData map[string]string `json:"updated_data"`
	Digest      string            `json:"digest"`
}

type updateAckFrame struct {
	Digest      string `json:"digest"`
	ObjectFound bool   `json:"object_found"`
	Success     bool   `json:"success"`
}

func submitAction(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: reactorcide submit <job-file>")
	}

	wsURL := ctx.String("ws-url")
	if wsURL == "" {
		return fmt.Errorf("coordinator websocket URL is required (use --ws-url or REACTORCIDE_WS_URL)")
	}

	raw, err := os.ReadFile(ctx.Args().Get(0))
	if err != nil {
		return fmt.Errorf("reading job file: %w", err)
	}
	var jobRequest map[string]interface{}
	if err := json.Unmarshal(raw, &jobRequest); err != nil {
		return fmt.Errorf("job file is not valid JSON: %w", err)
	}

	username := ctx.String("username")
	password := ctx.String("password")
	if username == "" {
		username, err = promptForSecret("REACTORCIDE_USERNAME", "username: ")
		if err != nil {
			return err
		}
	}
	if password == "" {
		password, err = promptForSecret("REACTORCIDE_PASSWORD", "password: ")
		if err != nil {
			return err
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{
		"event":    "SESSION_INIT",
		"username": username,
		"password": password,
	}); err != nil {
		return fmt.Errorf("sending SESSION_INIT: %w", err)
	}
	var sessResp sessionInitResponse
	if err := conn.ReadJSON(&sessResp); err != nil {
		return fmt.Errorf("reading SESSION_INIT response: %w", err)
	}
	if !sessResp.Success {
		return fmt.Errorf("authentication failed: %s", sessResp.Message)
	}
	secret, _ := sessResp.Data["session_secret"].(string)
	if secret == "" {
		return fmt.Errorf("SESSION_INIT response did not include a session_secret")
	}

	jobRequest["event"] = "NWM_MAAS_REQUEST"
	jobRequest["session-secret"] = secret
	if err := conn.WriteJSON(jobRequest); err != nil {
		return fmt.Errorf("sending NWM_MAAS_REQUEST: %w", err)
	}
	var submitResp sessionInitResponse
	if err := conn.ReadJSON(&submitResp); err != nil {
		return fmt.Errorf("reading NWM_MAAS_REQUEST response: %w", err)
	}
	if !submitResp.Success {
		return fmt.Errorf("job rejected: %s (%s)", submitResp.Message, submitResp.Reason)
	}
	jobID, _ := submitResp.Data["job_id"].(string)
	fmt.Println("Job submitted successfully!")
	fmt.Printf("  Job ID: %s\n", jobID)

	if !ctx.Bool("wait") {
		return nil
	}
	return followUpdates(conn)
}

// followUpdates reads UPDATE frames off conn, acking each one, until the
// job's status reaches a terminal phase (COMPLETED, CLOSED, or FAILED).
func followUpdates(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading update stream: %w", err)
		}
		var env wireEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event != "UPDATE" {
			continue
		}
		var upd updateFrame
		if err := json.Unmarshal(raw, &upd); err != nil {
			continue
		}
		status := upd.UpdatedData["status"]
		fmt.Printf("  Status: %s\n", status)

		if err := conn.WriteJSON(updateAckFrame{Digest: upd.Digest, ObjectFound: true, Success: true}); err != nil {
			return fmt.Errorf("acking update: %w", err)
		}

		if isTerminalStatus(status) {
			return nil
		}
	}
}

func isTerminalStatus(status string) bool {
	return status == "COMPLETED_DEFAULT" || status == "CLOSED_DEFAULT" || strings.HasPrefix(status, "FAILED_")
}
