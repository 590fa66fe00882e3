// Package mcp exposes coaching session control as MCP tools over a
// websocket, and provides the matching client.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
	"github.com/kinetix-coach/internal/session"
)

// Controller is the session surface the tools drive.
type Controller interface {
	Start(ctx context.Context, exerciseID string) (*session.Session, error)
	End() error
	SetMicrophone(on bool) error
	SetCamera(on bool) error
	Status() (session.Status, error)
	Exercises() []coach.Profile
}

const startTimeout = time.Minute

type startArgs struct {
	Exercise string `json:"exercise" jsonschema:"exercise id from list_exercises, for example squat"`
}

type toggleArgs struct {
	Enabled bool `json:"enabled" jsonschema:"true to turn the device on"`
}

type noArgs struct{}

// NewServer registers the session control tools.
func NewServer(ctrl Controller, version string) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "kinetix-coach", Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{Name: "list_exercises", Description: "list the exercises the coach can guide"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
			return jsonResult(ctrl.Exercises()), nil, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "start_session", Description: "start a live coaching session for an exercise"},
		func(ctx context.Context, req *sdk.CallToolRequest, args startArgs) (*sdk.CallToolResult, any, error) {
			s, err := ctrl.Start(ctx, args.Exercise)
			if err != nil {
				return errorResult(err), nil, nil
			}
			return jsonResult(s.Snapshot()), nil, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "end_session", Description: "end the active coaching session"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
			if err := ctrl.End(); err != nil {
				return errorResult(err), nil, nil
			}
			return statusResult(ctrl), nil, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "set_microphone", Description: "mute or unmute the microphone"},
		func(ctx context.Context, req *sdk.CallToolRequest, args toggleArgs) (*sdk.CallToolResult, any, error) {
			if err := ctrl.SetMicrophone(args.Enabled); err != nil {
				return errorResult(err), nil, nil
			}
			return statusResult(ctrl), nil, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "set_camera", Description: "turn the camera feed to the coach on or off"},
		func(ctx context.Context, req *sdk.CallToolRequest, args toggleArgs) (*sdk.CallToolResult, any, error) {
			if err := ctrl.SetCamera(args.Enabled); err != nil {
				return errorResult(err), nil, nil
			}
			return statusResult(ctrl), nil, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "session_status", Description: "report the session state, toggles and latest transcripts"},
		func(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
			return statusResult(ctrl), nil, nil
		})

	return server
}

func statusResult(ctrl Controller) *sdk.CallToolResult {
	st, err := ctrl.Status()
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(st)
}

func jsonResult(v any) *sdk.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}
}

func errorResult(err error) *sdk.CallToolResult {
	return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}}}
}

// Handler upgrades each request to a websocket and serves one MCP session
// on it until the client disconnects.
func Handler(server *sdk.Server) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcp: websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
			return
		}
		go func() {
			ss, err := server.Connect(context.Background(), NewWebSocketTransport(conn), nil)
			if err != nil {
				logging.Warnw("mcp: server connect failed", "err", err)
				_ = conn.Close()
				return
			}
			logging.Debugw("mcp: client connected", "remote", r.RemoteAddr)
			if err := ss.Wait(); err != nil {
				logging.Debugw("mcp: client session ended", "err", err)
			}
		}()
	})
}
