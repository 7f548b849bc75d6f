package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeDaemon answers one connection with the given response line.
func fakeDaemon(t *testing.T, response string) DialFunc {
	t.Helper()
	server, client := net.Pipe()
	go func() {
		defer server.Close()
		if _, err := bufio.NewReader(server).ReadBytes('\n'); err != nil {
			return
		}
		if response != "" {
			server.Write([]byte(response + "\n"))
		}
	}()
	return func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return client, nil
	}
}

func TestRun_Approve(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(Options{
		Stdin:  strings.NewReader(`{"tool_name":"Bash","tool_input":{"command":"ls"}}`),
		Stdout: &stdout,
		Stderr: &stderr,
		Dial:   fakeDaemon(t, `{"action":"approve","reason":"Approved via chat"}`),
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	var out hookOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode output %q: %v", stdout.String(), err)
	}
	if out.HookSpecificOutput.HookEventName != "PermissionRequest" {
		t.Errorf("hookEventName = %q", out.HookSpecificOutput.HookEventName)
	}
	if out.HookSpecificOutput.Decision.Behavior != "allow" {
		t.Errorf("behavior = %q, want allow", out.HookSpecificOutput.Decision.Behavior)
	}
}

func TestRun_Deny(t *testing.T) {
	var stdout bytes.Buffer
	run(Options{
		Stdin:  strings.NewReader(`{"tool_name":"Bash","tool_input":{"command":"rm -rf /"}}`),
		Stdout: &stdout,
		Dial:   fakeDaemon(t, `{"action":"deny","reason":"Denied via chat"}`),
	})

	var out hookOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode output %q: %v", stdout.String(), err)
	}
	if out.HookSpecificOutput.Decision.Behavior != "deny" {
		t.Errorf("behavior = %q, want deny", out.HookSpecificOutput.Decision.Behavior)
	}
}

func TestRun_PassthroughPrintsNothing(t *testing.T) {
	var stdout bytes.Buffer
	code := run(Options{
		Stdin:  strings.NewReader(`{"tool_name":"Bash","tool_input":{"command":"ls"}}`),
		Stdout: &stdout,
		Dial:   fakeDaemon(t, `{"action":"passthrough","reason":"user active locally"}`),
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if stdout.Len() != 0 {
		t.Errorf("passthrough must print nothing, got %q", stdout.String())
	}
}

func TestRun_DaemonUnavailable(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(Options{
		Stdin:  strings.NewReader(`{"tool_name":"Bash"}`),
		Stdout: &stdout,
		Stderr: &stderr,
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Err: &net.AddrError{Err: "no such file"}}
		},
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if stdout.Len() != 0 {
		t.Errorf("failure must print nothing, got %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "daemon not available") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRun_EmptyStdin(t *testing.T) {
	var stdout bytes.Buffer
	code := run(Options{
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			t.Error("must not dial on empty stdin")
			return nil, nil
		},
	})
	if code != 0 || stdout.Len() != 0 {
		t.Errorf("code = %d, stdout = %q", code, stdout.String())
	}
}

func TestRun_MalformedStdin(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(Options{
		Stdin:  strings.NewReader("not json"),
		Stdout: &stdout,
		Stderr: &stderr,
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			t.Error("must not dial on malformed stdin")
			return nil, nil
		},
	})
	if code != 0 || stdout.Len() != 0 {
		t.Errorf("code = %d, stdout = %q", code, stdout.String())
	}
}

func TestRun_NotificationIsOneWay(t *testing.T) {
	var stdout bytes.Buffer
	received := make(chan []byte, 1)

	server, client := net.Pipe()
	go func() {
		defer server.Close()
		line, err := bufio.NewReader(server).ReadBytes('\n')
		if err == nil {
			received <- line
		}
	}()

	code := run(Options{
		Stdin:  strings.NewReader(`{"hook_event_name":"Notification","notification_type":"task_complete","message":"done"}`),
		Stdout: &stdout,
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			return client, nil
		},
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if stdout.Len() != 0 {
		t.Errorf("notification must print nothing, got %q", stdout.String())
	}

	select {
	case line := <-received:
		if !strings.Contains(string(line), "task_complete") {
			t.Errorf("forwarded frame = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification frame never reached the daemon")
	}
}

func TestRun_PrettyPrintedStdinFlattened(t *testing.T) {
	received := make(chan []byte, 1)
	server, client := net.Pipe()
	go func() {
		defer server.Close()
		line, err := bufio.NewReader(server).ReadBytes('\n')
		if err != nil {
			return
		}
		received <- line
		server.Write([]byte(`{"action":"passthrough","reason":""}` + "\n"))
	}()

	pretty := "{\n  \"tool_name\": \"Write\",\n  \"tool_input\": {\n    \"file_path\": \"/tmp/x\"\n  }\n}\n"
	run(Options{
		Stdin:  strings.NewReader(pretty),
		Stdout: &bytes.Buffer{},
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			return client, nil
		},
	})

	select {
	case line := <-received:
		if bytes.Count(bytes.TrimRight(line, "\n"), []byte("\n")) != 0 {
			t.Errorf("frame must be a single line, got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the daemon")
	}
}
