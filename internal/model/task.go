package model

import (
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusKilled     TaskStatus = "killed"
)

// TaskPriority represents the priority level of a task
type TaskPriority int

const (
	TaskPriorityLow    TaskPriority = 1
	TaskPriorityNormal TaskPriority = 2
	TaskPriorityHigh   TaskPriority = 3
)

// Task represents a unit of work to be delivered to a worker node.
//
// Host is the address of the node that actually accepted the task. It is
// set exactly once per successful dispatch; later failure detection
// reasons about this field rather than the node originally intended.
type Task struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Payload     []byte       `json:"payload"`
	WorkerGroup string       `json:"worker_group"`
	Host        string       `json:"host,omitempty"`

	// Timing fields
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Execution details
	ErrorMessage string `json:"error_message,omitempty"`
	Result       []byte `json:"result,omitempty"`
}

// TaskResult represents the result of a task execution
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	WorkerID    string     `json:"worker_id"`
	Status      TaskStatus `json:"status"`
	Result      []byte     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}
