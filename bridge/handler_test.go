package bridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentbridge "github.com/agentwire/agentbridge"
)

// bridgeFixture runs a bridge server against a mock CLI and a real
// WebSocket client, so tests can play both sides of the bridge.
type bridgeFixture struct {
	t      *testing.T
	conn   *websocket.Conn
	runner *agentbridge.MockSubprocessRunner
}

// newBridgeFixture dials the bridge and completes the init handshake with
// the given init message. It returns after the session_init reply.
func newBridgeFixture(t *testing.T, initMsg map[string]any) (*bridgeFixture, map[string]any) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(DefaultConfig(), logger)

	runnerCh := make(chan *agentbridge.MockSubprocessRunner, 1)
	server.SetRunnerFactory(func() agentbridge.SubprocessRunner {
		runner := agentbridge.NewMockSubprocessRunner()
		runnerCh <- runner
		return runner
	})

	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(initMsg))

	var runner *agentbridge.MockSubprocessRunner
	select {
	case runner = <-runnerCh:
	case <-time.After(2 * time.Second):
		t.Fatal("subprocess never started")
	}

	f := &bridgeFixture{t: t, conn: conn, runner: runner}

	// Unless resuming, the CLI announces itself before the bridge replies.
	if initMsg["resume"] == nil {
		f.cliSends(`{"type":"system","subtype":"init","session_id":"S1",` +
			`"tools":["Bash","Edit"],"model":"m1","cwd":"/tmp","claude_code_version":"2.0.0"}`)
	}

	reply := f.readFrame()
	return f, reply
}

// cliSends injects one line on the mock CLI's stdout.
func (f *bridgeFixture) cliSends(line string) {
	f.t.Helper()
	require.NoError(f.t, f.runner.StdoutPipe.WriteString(line+"\n"))
}

// readFrame reads one JSON frame from the peer socket.
func (f *bridgeFixture) readFrame() map[string]any {
	f.t.Helper()

	_ = f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	require.NoError(f.t, f.conn.ReadJSON(&frame))
	return frame
}

// readWrapped reads frames until a wrapped message envelope arrives and
// returns its inner CLI message.
func (f *bridgeFixture) readWrapped() map[string]any {
	f.t.Helper()

	for {
		frame := f.readFrame()
		if frame["type"] != TypeMessage {
			continue
		}
		assert.Equal(f.t, "claude", frame["agentType"])
		assert.NotEmpty(f.t, frame["id"])
		inner, ok := frame["data"].(map[string]any)
		require.True(f.t, ok)
		return inner
	}
}

// waitCLIReceives polls the mock CLI stdin until a line matches.
func (f *bridgeFixture) waitCLIReceives(match func(map[string]any) bool) map[string]any {
	f.t.Helper()

	var found map[string]any
	require.Eventually(f.t, func() bool {
		for _, line := range strings.Split(f.runner.StdinPipe.Contents(), "\n") {
			if line == "" {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(line), &obj); err != nil {
				continue
			}
			if match(obj) {
				found = obj
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func TestHappyTurn(t *testing.T) {
	f, reply := newBridgeFixture(t, map[string]any{
		"type": TypeUserSessionInit,
		"cwd":  "/tmp",
	})

	assert.Equal(t, TypeSessionInit, reply["type"])
	assert.Equal(t, true, reply["success"])
	assert.Equal(t, "S1", reply["session_id"])

	data := reply["data"].(map[string]any)
	assert.ElementsMatch(t, []any{"Bash", "Edit"}, data["tools"])

	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":    TypeUserMessage,
		"content": "hi",
	}))

	sent := f.waitCLIReceives(func(obj map[string]any) bool {
		return obj["type"] == "user"
	})
	assert.Equal(t, "S1", sent["session_id"])

	f.cliSends(`{"type":"assistant","message":{"model":"M","content":[{"type":"text","text":"hello"}]}}`)
	f.cliSends(`{"type":"result","subtype":"success","duration_ms":10,"duration_api_ms":5,` +
		`"is_error":false,"num_turns":1,"session_id":"S1"}`)

	assistant := f.readWrapped()
	assert.Equal(t, "assistant", assistant["type"])

	result := f.readWrapped()
	assert.Equal(t, "result", result["type"])
	assert.Equal(t, "success", result["subtype"])
}

func TestPermissionAllow(t *testing.T) {
	f, _ := newBridgeFixture(t, map[string]any{
		"type": TypeUserSessionInit,
		"cwd":  "/tmp",
	})

	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":    TypeUserMessage,
		"content": "run ls",
	}))
	f.waitCLIReceives(func(obj map[string]any) bool { return obj["type"] == "user" })

	f.cliSends(`{"type":"control_request","request_id":"R1","request":` +
		`{"subtype":"can_use_tool","tool_name":"Bash","input":{"cmd":"ls"}}}`)

	prompt := f.readFrame()
	assert.Equal(t, TypePermissionRequest, prompt["type"])
	assert.Equal(t, "S1", prompt["id"])
	assert.Equal(t, "Bash", prompt["toolName"])
	assert.Equal(t, map[string]any{"cmd": "ls"}, prompt["input"])

	promptCtx := prompt["context"].(map[string]any)
	assert.Equal(t, "Tool permission request", promptCtx["description"])
	assert.Equal(t, "medium", promptCtx["risk_level"])

	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":     TypePermissionRespond,
		"decision": DecisionAllow,
	}))

	resp := f.waitCLIReceives(func(obj map[string]any) bool {
		return obj["type"] == "control_response"
	})
	body := resp["response"].(map[string]any)
	assert.Equal(t, "success", body["subtype"])
	assert.Equal(t, "R1", body["request_id"])

	payload := body["response"].(map[string]any)
	assert.Equal(t, "allow", payload["behavior"])
	assert.Equal(t, map[string]any{"cmd": "ls"}, payload["updatedInput"])
	assert.Equal(t, []any{}, payload["updatedPermissions"])
}

func TestPermissionAllowAlways(t *testing.T) {
	f, _ := newBridgeFixture(t, map[string]any{
		"type": TypeUserSessionInit,
		"cwd":  "/tmp",
	})

	f.cliSends(`{"type":"control_request","request_id":"R1","request":` +
		`{"subtype":"can_use_tool","tool_name":"Bash","input":{"cmd":"ls"}}}`)

	frame := f.readFrame()
	require.Equal(t, TypePermissionRequest, frame["type"])

	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":     TypePermissionRespond,
		"decision": DecisionAllowAlways,
	}))

	resp := f.waitCLIReceives(func(obj map[string]any) bool {
		return obj["type"] == "control_response"
	})
	payload := resp["response"].(map[string]any)["response"].(map[string]any)

	rules := payload["updatedPermissions"].([]any)
	require.Len(t, rules, 1)
	rule := rules[0].(map[string]any)
	assert.Equal(t, "Bash", rule["tool_name"])
	assert.Equal(t, "allow", rule["behavior"])
	assert.Equal(t, "session", rule["destination"])
}

func TestPermissionDeny(t *testing.T) {
	f, _ := newBridgeFixture(t, map[string]any{
		"type": TypeUserSessionInit,
		"cwd":  "/tmp",
	})

	f.cliSends(`{"type":"control_request","request_id":"R1","request":` +
		`{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf /tmp/x"}}}`)

	frame := f.readFrame()
	require.Equal(t, TypePermissionRequest, frame["type"])
	promptCtx := frame["context"].(map[string]any)
	assert.Equal(t, "high", promptCtx["risk_level"])

	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":     TypePermissionRespond,
		"decision": DecisionDeny,
		"message":  "too dangerous",
	}))

	resp := f.waitCLIReceives(func(obj map[string]any) bool {
		return obj["type"] == "control_response"
	})
	payload := resp["response"].(map[string]any)["response"].(map[string]any)
	assert.Equal(t, "deny", payload["behavior"])
	assert.Equal(t, "too dangerous", payload["message"])
	assert.Equal(t, false, payload["interrupt"])
}

func TestSecondPermissionWhilePendingIsError(t *testing.T) {
	f, _ := newBridgeFixture(t, map[string]any{
		"type": TypeUserSessionInit,
		"cwd":  "/tmp",
	})

	f.cliSends(`{"type":"control_request","request_id":"R1","request":` +
		`{"subtype":"can_use_tool","tool_name":"Bash","input":{}}}`)
	frame := f.readFrame()
	require.Equal(t, TypePermissionRequest, frame["type"])

	f.cliSends(`{"type":"control_request","request_id":"R2","request":` +
		`{"subtype":"can_use_tool","tool_name":"Edit","input":{}}}`)

	resp := f.waitCLIReceives(func(obj map[string]any) bool {
		if obj["type"] != "control_response" {
			return false
		}
		body := obj["response"].(map[string]any)
		return body["request_id"] == "R2"
	})
	body := resp["response"].(map[string]any)
	assert.Equal(t, "error", body["subtype"])

	// The first round-trip is still answerable.
	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":     TypePermissionRespond,
		"decision": DecisionAllow,
	}))
	first := f.waitCLIReceives(func(obj map[string]any) bool {
		if obj["type"] != "control_response" {
			return false
		}
		body := obj["response"].(map[string]any)
		return body["request_id"] == "R1"
	})
	assert.Equal(t, "success", first["response"].(map[string]any)["subtype"])
}

func TestInterrupt(t *testing.T) {
	f, _ := newBridgeFixture(t, map[string]any{
		"type": TypeUserSessionInit,
		"cwd":  "/tmp",
	})

	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":    TypeUserMessage,
		"content": "long task",
	}))
	f.waitCLIReceives(func(obj map[string]any) bool { return obj["type"] == "user" })

	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":    TypeControlRequest,
		"subtype": "interrupt",
	}))

	interruptReq := f.waitCLIReceives(func(obj map[string]any) bool {
		if obj["type"] != "control_request" {
			return false
		}
		req := obj["request"].(map[string]any)
		return req["subtype"] == "interrupt"
	})
	requestID := interruptReq["request_id"].(string)

	f.cliSends(`{"type":"control_response","response":{"subtype":"success","request_id":"` + requestID + `"}}`)
	f.cliSends(`{"type":"result","subtype":"interrupted","duration_ms":3,"duration_api_ms":1,` +
		`"is_error":false,"num_turns":1,"session_id":"S1"}`)

	result := f.readWrapped()
	assert.Equal(t, "result", result["type"])
	assert.Equal(t, "interrupted", result["subtype"])
}

func TestRejectUserMessageDuringTurn(t *testing.T) {
	f, _ := newBridgeFixture(t, map[string]any{
		"type": TypeUserSessionInit,
		"cwd":  "/tmp",
	})

	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":    TypeUserMessage,
		"content": "first",
	}))
	f.waitCLIReceives(func(obj map[string]any) bool { return obj["type"] == "user" })

	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":    TypeUserMessage,
		"content": "second",
	}))

	frame := f.readFrame()
	assert.Equal(t, TypeError, frame["type"])
	assert.Contains(t, frame["error"], "in flight")
}

func TestNonInitFirstMessageCloses(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(DefaultConfig(), logger)
	server.SetRunnerFactory(func() agentbridge.SubprocessRunner {
		return agentbridge.NewMockSubprocessRunner()
	})

	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    TypeUserMessage,
		"content": "hi",
	}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, TypeError, frame["type"])

	// The socket closes after the protocol error.
	require.Eventually(t, func() bool {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		return conn.ReadJSON(&frame) != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestResumeSkipsInitWait(t *testing.T) {
	f, reply := newBridgeFixture(t, map[string]any{
		"type":   TypeUserSessionInit,
		"cwd":    "/tmp",
		"resume": "prior-session",
	})

	assert.Equal(t, true, reply["success"])
	assert.Equal(t, "prior-session", reply["session_id"])
	assert.Nil(t, reply["data"])

	// The resume flag reaches the CLI invocation.
	args := strings.Join(f.runner.Args, " ")
	assert.Contains(t, args, "--resume prior-session")
}

func TestCLICrashSurfacesFatalError(t *testing.T) {
	f, _ := newBridgeFixture(t, map[string]any{
		"type": TypeUserSessionInit,
		"cwd":  "/tmp",
	})

	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":    TypeUserMessage,
		"content": "hi",
	}))
	f.waitCLIReceives(func(obj map[string]any) bool { return obj["type"] == "user" })

	f.runner.StdoutPipe.Close()

	frame := f.readFrame()
	assert.Equal(t, TypeError, frame["type"])
	assert.Contains(t, frame["error"], "terminated")
}

func TestHealthz(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(DefaultConfig(), logger)

	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(httpServer.Close)

	resp, err := httpServer.Client().Get(httpServer.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
