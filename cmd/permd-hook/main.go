// permd-hook is invoked by the coding assistant for permission prompts
// and notifications. It forwards the stdin payload to the daemon socket
// and prints the decision JSON. Every failure path exits 0 with no
// output so the assistant falls back to its local prompt.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/stellarlinkco/permd/internal/config"
	"github.com/stellarlinkco/permd/internal/paths"
	"github.com/stellarlinkco/permd/internal/protocol"
)

const dialTimeout = 5 * time.Second

// DialFunc connects to the daemon socket (allows mocking in tests).
type DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// Options for running the hook with custom dependencies
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Dial   DialFunc
}

type hookDecision struct {
	Behavior string `json:"behavior"`
}

type hookSpecificOutput struct {
	HookEventName string       `json:"hookEventName"`
	Decision      hookDecision `json:"decision"`
}

type hookOutput struct {
	HookSpecificOutput hookSpecificOutput `json:"hookSpecificOutput"`
}

func main() {
	os.Exit(run(Options{}))
}

// run always returns 0: a hook failure must never block the assistant.
func run(opts Options) int {
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	dial := opts.Dial
	if dial == nil {
		dial = net.DialTimeout
	}

	data, err := io.ReadAll(stdin)
	if err != nil || len(data) == 0 {
		return 0
	}

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		fmt.Fprintf(stderr, "permd-hook: %v\n", err)
		return 0
	}

	conn, err := dial("unix", socketPath(), dialTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "permd-hook: daemon not available: %v\n", err)
		return 0
	}
	defer conn.Close()

	// Re-encode onto one line; the assistant may pretty-print its payload.
	line, err := json.Marshal(frame)
	if err != nil {
		return 0
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		fmt.Fprintf(stderr, "permd-hook: send failed: %v\n", err)
		return 0
	}

	// Notifications are one-way.
	if frame.IsNotification() {
		return 0
	}

	conn.SetReadDeadline(time.Now().Add(requestTimeout()))
	respLine, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		fmt.Fprintf(stderr, "permd-hook: no response from daemon: %v\n", err)
		return 0
	}

	var resp protocol.Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		fmt.Fprintf(stderr, "permd-hook: invalid response: %v\n", err)
		return 0
	}

	switch resp.Action {
	case protocol.ActionApprove:
		printDecision(stdout, "allow")
	case protocol.ActionDeny:
		printDecision(stdout, "deny")
	case protocol.ActionPassthrough:
		// No output: the assistant shows its local prompt.
	default:
		fmt.Fprintf(stderr, "permd-hook: unknown action %q\n", resp.Action)
	}
	return 0
}

func printDecision(w io.Writer, behavior string) {
	out := hookOutput{
		HookSpecificOutput: hookSpecificOutput{
			HookEventName: "PermissionRequest",
			Decision:      hookDecision{Behavior: behavior},
		},
	}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	fmt.Fprintln(w, string(data))
}

func socketPath() string {
	if v := os.Getenv("PERMD_SOCKET_PATH"); v != "" {
		return v
	}
	return paths.SocketPath()
}

func requestTimeout() time.Duration {
	if v := os.Getenv("PERMD_REQUEST_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return config.DefaultRequestTimeout * time.Second
}
