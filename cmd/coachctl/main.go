// coachctl drives a running coach through its MCP endpoint.
//
//	coachctl exercises
//	coachctl start squat
//	coachctl mic off
//	coachctl camera on
//	coachctl status
//	coachctl end
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kinetix-coach/internal/logging"
	"github.com/kinetix-coach/internal/mcp"
)

const usage = "usage: coachctl exercises | start <exercise> | end | status | mic on|off | camera on|off"

// toolCall maps command-line arguments onto an MCP tool invocation.
func toolCall(args []string) (string, map[string]any, error) {
	if len(args) == 0 {
		return "", nil, errors.New(usage)
	}
	switch args[0] {
	case "exercises":
		return "list_exercises", nil, nil
	case "status":
		return "session_status", nil, nil
	case "end":
		return "end_session", nil, nil
	case "start":
		if len(args) != 2 {
			return "", nil, errors.New("usage: coachctl start <exercise>")
		}
		return "start_session", map[string]any{"exercise": args[1]}, nil
	case "mic", "camera":
		if len(args) != 2 {
			return "", nil, fmt.Errorf("usage: coachctl %s on|off", args[0])
		}
		var on bool
		switch strings.ToLower(args[1]) {
		case "on", "true", "1":
			on = true
		case "off", "false", "0":
		default:
			return "", nil, fmt.Errorf("usage: coachctl %s on|off", args[0])
		}
		tool := "set_microphone"
		if args[0] == "camera" {
			tool = "set_camera"
		}
		return tool, map[string]any{"enabled": on}, nil
	}
	return "", nil, fmt.Errorf("unknown command %q\n%s", args[0], usage)
}

func main() {
	tool, params, err := toolCall(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	url := os.Getenv("COACH_MCP_URL")
	if url == "" {
		url = "http://localhost:8080/mcp/ws"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	client := mcp.NewClientWrapper("coachctl", "dev")
	if err := client.ConnectWebSocket(ctx, url); err != nil {
		logging.Errorw("connect failed", "url", url, "err", err)
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", url, err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	out, err := client.Call(ctx, tool, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		_ = client.Close()
		os.Exit(1)
	}
	fmt.Println(out)
}
