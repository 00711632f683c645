// Package agent implements the orchestrator side of the remote agent protocol.
//
// The orchestrator sends a Command to an agent and receives a stream of
// Messages correlated by the command token: output chunks, heartbeats, a
// cancel acknowledgement and exactly one terminal message (completed or
// rejected). Payloads are msgpack-encoded.
package agent

import (
	"fmt"
	"time"

	"argus/core"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind discriminates agent messages
type MessageKind string

const (
	MessageAccepted  MessageKind = "accepted"
	MessageRejected  MessageKind = "rejected"
	MessageOutput    MessageKind = "output"
	MessageHeartbeat MessageKind = "heartbeat"
	MessageCancelAck MessageKind = "cancel_ack"
	MessageCompleted MessageKind = "completed"
)

// Command asks an agent to run a tool
type Command struct {
	Token       string   `msgpack:"token" json:"token"`
	ExecutionID string   `msgpack:"execution_id" json:"execution_id"`
	ToolID      string   `msgpack:"tool_id" json:"tool_id"`
	Path        string   `msgpack:"path" json:"path"`
	Args        []string `msgpack:"args,omitempty" json:"args,omitempty"`
	Env         []string `msgpack:"env,omitempty" json:"env,omitempty"`
	Destination string   `msgpack:"destination" json:"destination"`
}

// CancelRequest asks an agent to stop the command with Token
type CancelRequest struct {
	Token string `msgpack:"token" json:"token"`
}

// Message is one agent-to-orchestrator message
type Message struct {
	Kind      MessageKind       `msgpack:"kind" json:"kind"`
	Token     string            `msgpack:"token" json:"token"`
	Stream    core.OutputStream `msgpack:"stream,omitempty" json:"stream,omitempty"`
	Text      string            `msgpack:"text,omitempty" json:"text,omitempty"`
	ExitCode  int               `msgpack:"exit_code" json:"exit_code"`
	Error     string            `msgpack:"error,omitempty" json:"error,omitempty"`
	Timestamp time.Time         `msgpack:"timestamp" json:"timestamp"`
}

// Subjects used on the bus
const (
	subjectPrefix = "argus"
)

// DispatchSubject is where an agent receives commands (request/reply)
func DispatchSubject(agentID string) string {
	return fmt.Sprintf("%s.agent.%s.dispatch", subjectPrefix, agentID)
}

// CancelSubject is where an agent receives cancel requests
func CancelSubject(agentID string) string {
	return fmt.Sprintf("%s.agent.%s.cancel", subjectPrefix, agentID)
}

// StreamSubject is where an agent publishes messages for one command
func StreamSubject(token string) string {
	return fmt.Sprintf("%s.exec.%s", subjectPrefix, token)
}

// Encode marshals a protocol value
func Encode(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent payload: %w", err)
	}
	return data, nil
}

// DecodeMessage unmarshals an agent message
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode agent message: %w", err)
	}
	if msg.Kind == "" {
		return Message{}, fmt.Errorf("failed to decode agent message: missing kind")
	}
	return msg, nil
}
