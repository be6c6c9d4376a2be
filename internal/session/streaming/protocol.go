// Package streaming bridges sessions to their clients over WebSocket. Each
// session has at most one live channel; a new connection supersedes the old
// one, and output produced while no client is attached is buffered and
// replayed on reconnect.
package streaming

import (
	"encoding/json"

	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// Client to server message types.
const (
	InboundInput   = "input"
	InboundApprove = "approve"
	InboundDeny    = "deny"
)

// Server to client message types.
const (
	OutboundOutput     = "output"
	OutboundPermission = "permission_request"
	OutboundStatus     = "status_change"
	OutboundError      = "error"
)

// InboundMessage is a message received from a client.
type InboundMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// WirePermission is the permission request shape on the wire.
type WirePermission struct {
	RequestID string `json:"requestId"`
	Action    string `json:"action"`
	Details   string `json:"details,omitempty"`
}

// WireSubAgent attributes an output message to a named sub-agent.
type WireSubAgent struct {
	Name   string `json:"name"`
	Output string `json:"output"`
}

// OutboundMessage is a message sent to a client.
type OutboundMessage struct {
	Type       string           `json:"type"`
	Content    string           `json:"content,omitempty"`
	SubAgent   *WireSubAgent    `json:"subAgent,omitempty"`
	Permission *WirePermission  `json:"permission,omitempty"`
	Status     v1.SessionStatus `json:"status,omitempty"`
}

// NewOutputMessage wraps one line of agent output, tagged with the sub-agent
// that produced it when there is one.
func NewOutputMessage(content, subAgent string) OutboundMessage {
	msg := OutboundMessage{Type: OutboundOutput, Content: content}
	if subAgent != "" {
		msg.SubAgent = &WireSubAgent{Name: subAgent, Output: content}
	}
	return msg
}

// NewPermissionMessage wraps a pending permission request.
func NewPermissionMessage(req *v1.PermissionRequest) OutboundMessage {
	return OutboundMessage{
		Type: OutboundPermission,
		Permission: &WirePermission{
			RequestID: req.ID,
			Action:    req.Action,
			Details:   req.Description,
		},
	}
}

// NewStatusMessage wraps a session status change.
func NewStatusMessage(status v1.SessionStatus) OutboundMessage {
	return OutboundMessage{Type: OutboundStatus, Status: status}
}

// NewErrorMessage wraps an error report.
func NewErrorMessage(content string) OutboundMessage {
	return OutboundMessage{Type: OutboundError, Content: content}
}

func (m OutboundMessage) encode() []byte {
	data, _ := json.Marshal(m)
	return data
}
