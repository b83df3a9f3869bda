package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CommandType identifies the kind of command on the wire. It is also the
// key used to correlate asynchronous responses back to their handlers.
type CommandType string

const (
	CommandTaskDispatch     CommandType = "task.dispatch"
	CommandTaskKill         CommandType = "task.kill"
	CommandTaskKillResponse CommandType = "task.kill.response"
	CommandTaskReject       CommandType = "task.reject"
)

// Command is the typed payload delivered to a worker node. The body is
// opaque to the dispatch layer; only the type tag and opaque id are
// interpreted here.
type Command struct {
	Type     CommandType     `json:"type"`
	Opaque   string          `json:"opaque"`
	Body     json.RawMessage `json:"body,omitempty"`
	IssuedAt time.Time       `json:"issued_at"`
}

// NewCommand creates a command with a fresh opaque correlation id.
func NewCommand(cmdType CommandType, body []byte) *Command {
	return &Command{
		Type:     cmdType,
		Opaque:   uuid.New().String(),
		Body:     body,
		IssuedAt: time.Now(),
	}
}
