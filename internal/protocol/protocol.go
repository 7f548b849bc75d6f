// Package protocol defines the newline-delimited JSON frames exchanged
// between the hook client and the daemon over the local socket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the daemon's decision for a permission request.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionDeny        Action = "deny"
	ActionPassthrough Action = "passthrough"
)

// Frame is one decoded line from a hook connection. A frame carrying
// hook_event_name="Notification" or a notification_type is a
// notification; anything else with a tool_name is a permission request.
type Frame struct {
	ToolName         string         `json:"tool_name,omitempty"`
	ToolInput        map[string]any `json:"tool_input,omitempty"`
	HookEventName    string         `json:"hook_event_name,omitempty"`
	NotificationType string         `json:"notification_type,omitempty"`
	Message          string         `json:"message,omitempty"`
	CWD              string         `json:"cwd,omitempty"`
}

func (f *Frame) IsNotification() bool {
	return f.HookEventName == "Notification" || f.NotificationType != ""
}

// ParseFrame decodes a single frame line.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if !f.IsNotification() && f.ToolName == "" {
		return nil, fmt.Errorf("parse frame: missing tool_name")
	}
	return &f, nil
}

// PermissionRequest is a tool invocation awaiting a decision. The
// request ID is assigned by the daemon; IDs from the wire are never
// trusted.
type PermissionRequest struct {
	RequestID  string
	ToolName   string
	ToolInput  map[string]any
	ReceivedAt time.Time
}

func NewPermissionRequest(f *Frame) *PermissionRequest {
	input := f.ToolInput
	if input == nil {
		input = map[string]any{}
	}
	return &PermissionRequest{
		RequestID:  uuid.NewString(),
		ToolName:   f.ToolName,
		ToolInput:  input,
		ReceivedAt: time.Now(),
	}
}

// Notification is a one-way message from the hook. It never expects a
// response and never enters the pending table.
type Notification struct {
	NotificationID string
	Type           string
	Message        string
	CWD            string
	ReceivedAt     time.Time
}

func NewNotification(f *Frame) *Notification {
	typ := f.NotificationType
	if typ == "" {
		typ = "unknown"
	}
	return &Notification{
		NotificationID: uuid.NewString(),
		Type:           typ,
		Message:        f.Message,
		CWD:            f.CWD,
		ReceivedAt:     time.Now(),
	}
}

// Response is the daemon's one-line answer to a permission request.
type Response struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Encode renders the response as a newline-terminated JSON line.
func (r *Response) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return append(data, '\n'), nil
}

// SummarizeInput builds a short display string for a tool input:
// the command for shell-style tools, the file path (plus a content
// preview) for file tools, compact JSON otherwise.
func SummarizeInput(input map[string]any, limit int) string {
	if limit <= 0 {
		limit = 500
	}
	if cmd, ok := input["command"].(string); ok && cmd != "" {
		return truncate(cmd, limit)
	}
	if path, ok := input["file_path"].(string); ok && path != "" {
		s := path
		if content, ok := input["content"].(string); ok && content != "" {
			s += "\n\n" + truncate(content, 200)
		}
		return truncate(s, limit)
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return truncate(string(data), limit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
